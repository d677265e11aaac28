package placement

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// CompareResult is the outcome of comparing two version tokens
type CompareResult int

const (
	Older CompareResult = iota - 1
	Equal
	Newer
	// Incomparable means the two versions belong to different logical
	// instances of the collection (epoch mismatch) and neither side can
	// be called fresher by arithmetic alone
	Incomparable
)

func (r CompareResult) String() string {
	switch r {
	case Older:
		return "older"
	case Equal:
		return "equal"
	case Newer:
		return "newer"
	default:
		return "incomparable"
	}
}

// MaxEpoch is the sentinel epoch meaning "ignore version checking"
var MaxEpoch = uuid.UUID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

type (
	// ChunkVersion is the placement version of a single chunk (contiguous
	// key range). Major changes on ownership moves, minor on splits, and
	// the epoch distinguishes logical instances of the collection across
	// drop/reshard events.
	ChunkVersion struct {
		Major uint64    `json:"major" bson:"major"`
		Minor uint64    `json:"minor" bson:"minor"`
		Epoch uuid.UUID `json:"epoch" bson:"epoch"`
	}
)

// FirstChunkVersion is the version of the first chunk of a newly
// sharded collection, under a freshly minted epoch.
func FirstChunkVersion() ChunkVersion {
	return ChunkVersion{Major: 1, Minor: 0, Epoch: uuid.New()}
}

// UnshardedVersion marks a collection that is unsharded or dropped.
func UnshardedVersion() ChunkVersion {
	return ChunkVersion{Major: 0, Minor: 0, Epoch: uuid.Nil}
}

// IgnoredVersion always passes version checking on the receiving side.
func IgnoredVersion() ChunkVersion {
	return ChunkVersion{Major: 0, Minor: 0, Epoch: MaxEpoch}
}

func (v ChunkVersion) IsIgnored() bool {
	return v.Epoch == MaxEpoch
}

func (v ChunkVersion) IsUnsharded() bool {
	return v.Major == 0 && v.Minor == 0 && v.Epoch == uuid.Nil
}

func (v ChunkVersion) String() string {
	return fmt.Sprintf("%d|%d|%s", v.Major, v.Minor, v.Epoch)
}

// ParseChunkVersion parses the "major|minor|epoch" form produced by
// String; used for version tokens carried in request headers.
func ParseChunkVersion(s string) (ChunkVersion, error) {
	parts := strings.SplitN(s, "|", 3)
	if len(parts) != 3 {
		return ChunkVersion{}, fmt.Errorf("malformed chunk version %q", s)
	}
	major, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return ChunkVersion{}, fmt.Errorf("malformed chunk version %q: %v", s, err)
	}
	minor, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return ChunkVersion{}, fmt.Errorf("malformed chunk version %q: %v", s, err)
	}
	epoch, err := uuid.Parse(parts[2])
	if err != nil {
		return ChunkVersion{}, fmt.Errorf("malformed chunk version %q: %v", s, err)
	}
	return ChunkVersion{Major: major, Minor: minor, Epoch: epoch}, nil
}

// Compare orders v against other. Versions under different epochs are
// Incomparable; callers must treat Incomparable as "definitely stale"
// per the epoch-mismatch rules of the versioning protocol.
func (v ChunkVersion) Compare(other ChunkVersion) CompareResult {
	if v.Epoch != other.Epoch {
		return Incomparable
	}
	if v.Major != other.Major {
		if v.Major < other.Major {
			return Older
		}
		return Newer
	}
	if v.Minor != other.Minor {
		if v.Minor < other.Minor {
			return Older
		}
		return Newer
	}
	return Equal
}

// IsOlderThan reports whether v is strictly older than other under the
// same epoch. Incomparable pairs are never "older".
func (v ChunkVersion) IsOlderThan(other ChunkVersion) bool {
	return v.Compare(other) == Older
}
