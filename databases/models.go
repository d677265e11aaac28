package databases

import (
	"time"

	"github.com/google/uuid"

	"github.com/placekeeper-io/placekeeper/placement"
)

type (
	// KeyRange is a contiguous [Low, High) slice of a collection's ordered
	// keyspace, the unit of migration and orphan cleanup. An empty High
	// means the range is open-ended at the top.
	KeyRange struct {
		Low  string `json:"low" bson:"low"`
		High string `json:"high" bson:"high"`
	}

	// ChunkRecord is one placement entry in the authoritative catalog:
	// which node owns which range, at which version.
	ChunkRecord struct {
		Collection string                 `json:"collection"`
		Range      KeyRange               `json:"range"`
		OwnerId    string                 `json:"ownerId"`
		Version    placement.ChunkVersion `json:"version"`
	}

	// CollectionPlacement is the full authoritative placement of one
	// collection. Shard and collection versions are derived from Chunks,
	// never stored.
	CollectionPlacement struct {
		Collection string
		Chunks     []*ChunkRecord
	}

	// DatabaseRecord tracks the primary node and version of a database.
	DatabaseRecord struct {
		Name      string                    `json:"name"`
		PrimaryId string                    `json:"primaryId"`
		Version   placement.DatabaseVersion `json:"version"`
	}

	// LockDoc is the majority-written lock document; at most one exists
	// per resource name by unique-key construction.
	LockDoc struct {
		ResourceName string    `json:"resourceName"`
		OwnerId      string    `json:"ownerId"`
		Reason       string    `json:"reason"`
		AcquiredAt   time.Time `json:"acquiredAt"`
	}

	// LockPingDoc is the liveness record of a lock owner. A lock whose
	// owner's ping is older than the staleness window may be overtaken.
	LockPingDoc struct {
		OwnerId    string    `json:"ownerId"`
		LastPingAt time.Time `json:"lastPingAt"`
	}

	MigrationDecision string

	// MigrationRecord is the durability anchor of one migration. It is
	// persisted before any data movement and deleted only after both
	// sides' cleanup obligations are discharged; on restart any record
	// still undecided (or decided but not cleaned up) must be resumed.
	MigrationRecord struct {
		MigrationId uuid.UUID         `json:"migrationId"`
		Collection  string            `json:"collection"`
		Range       KeyRange          `json:"range"`
		DonorId     string            `json:"donorId"`
		RecipientId string            `json:"recipientId"`
		Decision    MigrationDecision `json:"decision"`

		// CriticalSectionEntered marks that donor writes were suspended;
		// after a crash the range must not accept normal writes until the
		// record is resolved against the authority.
		CriticalSectionEntered bool      `json:"criticalSectionEntered"`
		ExpectedVersion        placement.ChunkVersion `json:"expectedVersion"`
		CreatedAt              time.Time `json:"createdAt"`
	}

	// RangeDeletionTask is a durable obligation to delete the documents of
	// a range on one node, created pending and flipped ready when safe.
	// SupersededVersion is the owner's shard version at the moment the
	// range stopped belonging to it; deletion waits only for readers
	// pinned at that version.
	RangeDeletionTask struct {
		TaskId            uuid.UUID              `json:"taskId"`
		NodeId            string                 `json:"nodeId"`
		Collection        string                 `json:"collection"`
		Range             KeyRange               `json:"range"`
		SupersededVersion placement.ChunkVersion `json:"supersededVersion"`
		Pending           bool                   `json:"pending"`
		CreatedAt         time.Time              `json:"createdAt"`
	}

	// RangeDoc is one data document held by a node.
	RangeDoc struct {
		Key   string      `json:"key"`
		Value interface{} `json:"value"`
	}

	ModOp string

	// Mod is one buffered donor-side mutation forwarded to the recipient
	// during a migration, applied in arrival order per key.
	Mod struct {
		Op    ModOp       `json:"op"`
		Key   string      `json:"key"`
		Value interface{} `json:"value,omitempty"`
	}
)

const (
	DecisionUndecided MigrationDecision = "undecided"
	DecisionCommitted MigrationDecision = "committed"
	DecisionAborted   MigrationDecision = "aborted"

	ModInsert ModOp = "insert"
	ModUpdate ModOp = "update"
	ModDelete ModOp = "delete"
)

// Contains reports whether key falls inside the range.
func (r KeyRange) Contains(key string) bool {
	if key < r.Low {
		return false
	}
	return r.High == "" || key < r.High
}

// Overlaps reports whether two ranges share any key.
func (r KeyRange) Overlaps(other KeyRange) bool {
	if r.High != "" && r.High <= other.Low {
		return false
	}
	if other.High != "" && other.High <= r.Low {
		return false
	}
	return true
}

func (r KeyRange) String() string {
	high := r.High
	if high == "" {
		high = "<max>"
	}
	return "[" + r.Low + ", " + high + ")"
}

// ShardVersion derives the given node's version for the collection.
func (p *CollectionPlacement) ShardVersion(nodeId string) placement.ChunkVersion {
	var versions []placement.ChunkVersion
	for _, c := range p.Chunks {
		if c.OwnerId == nodeId {
			versions = append(versions, c.Version)
		}
	}
	return placement.ShardVersionOf(versions)
}

// CollectionVersion derives the max chunk version across all nodes.
func (p *CollectionPlacement) CollectionVersion() placement.ChunkVersion {
	versions := make([]placement.ChunkVersion, 0, len(p.Chunks))
	for _, c := range p.Chunks {
		versions = append(versions, c.Version)
	}
	return placement.CollectionVersionOf(versions)
}

// FindChunk returns the chunk exactly matching rng, or nil.
func (p *CollectionPlacement) FindChunk(rng KeyRange) *ChunkRecord {
	for _, c := range p.Chunks {
		if c.Range == rng {
			return c
		}
	}
	return nil
}
