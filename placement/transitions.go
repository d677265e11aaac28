package placement

import (
	"errors"

	"github.com/google/uuid"
)

// ErrMalformedVersion is returned by transitions handed a version that
// cannot be a real placement version (e.g. zero version with a live epoch).
var ErrMalformedVersion = errors.New("malformed placement version")

// NextMajor is the "move chunk to another node" transition: the major
// component increments, minor and epoch carry over.
func NextMajor(v ChunkVersion) (ChunkVersion, error) {
	if err := validate(v); err != nil {
		return ChunkVersion{}, err
	}
	return ChunkVersion{Major: v.Major + 1, Minor: v.Minor, Epoch: v.Epoch}, nil
}

// NextMinorSplit is the "split chunk" transition. The minor component
// always increments; the major component increments too only when the
// splitting shard already holds the collection-wide maximum version,
// so the split is visible cluster-wide.
func NextMinorSplit(shardVersion, collectionVersion ChunkVersion) (ChunkVersion, error) {
	if err := validate(shardVersion); err != nil {
		return ChunkVersion{}, err
	}
	if shardVersion.Epoch != collectionVersion.Epoch {
		return ChunkVersion{}, ErrMalformedVersion
	}
	if shardVersion.Compare(collectionVersion) == Equal {
		return ChunkVersion{Major: shardVersion.Major + 1, Minor: 0, Epoch: shardVersion.Epoch}, nil
	}
	return ChunkVersion{Major: shardVersion.Major, Minor: shardVersion.Minor + 1, Epoch: shardVersion.Epoch}, nil
}

// NextMajorMerge is the "merge chunks" transition: the merged chunk
// takes a major strictly above the collection-wide maximum, minor 0.
func NextMajorMerge(collectionVersion ChunkVersion) (ChunkVersion, error) {
	if err := validate(collectionVersion); err != nil {
		return ChunkVersion{}, err
	}
	return ChunkVersion{Major: collectionVersion.Major + 1, Minor: 0, Epoch: collectionVersion.Epoch}, nil
}

// WithNewEpoch is the "shard key redefined" transition: major/minor are
// preserved, the epoch is reminted so old placement knowledge becomes
// incomparable rather than silently reusable.
func WithNewEpoch(v ChunkVersion) (ChunkVersion, error) {
	if err := validate(v); err != nil {
		return ChunkVersion{}, err
	}
	return ChunkVersion{Major: v.Major, Minor: v.Minor, Epoch: uuid.New()}, nil
}

// Dropped is the "collection dropped" transition.
func Dropped() ChunkVersion {
	return UnshardedVersion()
}

// ShardVersionOf derives a shard's version for a collection: the max
// chunk version among the chunks it currently owns. Derived only, never
// persisted independently.
func ShardVersionOf(chunks []ChunkVersion) ChunkVersion {
	return maxVersion(chunks)
}

// CollectionVersionOf derives the collection version: the max chunk
// version across all shards.
func CollectionVersionOf(chunks []ChunkVersion) ChunkVersion {
	return maxVersion(chunks)
}

func maxVersion(chunks []ChunkVersion) ChunkVersion {
	if len(chunks) == 0 {
		return UnshardedVersion()
	}
	max := chunks[0]
	for _, c := range chunks[1:] {
		if max.IsOlderThan(c) {
			max = c
		}
	}
	return max
}

func validate(v ChunkVersion) error {
	if v.IsIgnored() {
		return ErrMalformedVersion
	}
	// Transitions need a live version: an unsharded (nil-epoch) version
	// has no successor, and a live epoch always carries major >= 1
	if v.Epoch == uuid.Nil || v.Major == 0 {
		return ErrMalformedVersion
	}
	return nil
}
