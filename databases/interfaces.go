package databases

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/placekeeper-io/placekeeper/placement"
)

// PlacementStore is the unified interface for all authority store backends.
// It provides durable, linearizable reads and conditional (CAS) writes,
// sufficient to implement majority-write semantics for locks, version
// commits, coordinator records and deletion tasks. The backend is not
// aware of the protocols built on top; preconditions are expressed as
// version/owner expectations and a miss surfaces as ConditionFail.
type (
	PlacementStore interface {
		Close() error

		// ---- distributed lock documents ----

		// InsertLock creates the lock document for resourceName. It fails
		// with ConditionFail when a document for the resource already
		// exists (the caller decides whether the holder is stale).
		InsertLock(
			ctx context.Context,
			lock *LockDoc,
		) *DbError

		// OvertakeLock transfers the lock from prevOwnerId to lock.OwnerId,
		// conditional on the document still naming prevOwnerId. Staleness
		// of the previous holder is judged by the caller from its ping.
		OvertakeLock(
			ctx context.Context,
			lock *LockDoc, prevOwnerId string,
		) *DbError

		GetLock(
			ctx context.Context,
			resourceName string,
		) (*LockDoc, *DbError)

		// ReleaseLock removes the lock document, conditional on ownership.
		ReleaseLock(
			ctx context.Context,
			resourceName string, ownerId string,
		) *DbError

		UpsertLockPing(
			ctx context.Context,
			ownerId string, pingAt time.Time,
		) *DbError

		GetLockPing(
			ctx context.Context,
			ownerId string,
		) (*LockPingDoc, *DbError)

		// DeleteLockPing removes the owner's liveness record. NotExists
		// when no ping was ever written.
		DeleteLockPing(
			ctx context.Context,
			ownerId string,
		) *DbError

		// ---- authoritative placement catalog ----

		GetCollectionPlacement(
			ctx context.Context,
			collection string,
		) (*CollectionPlacement, *DbError)

		// SeedCollectionPlacement installs the initial chunk layout of a
		// collection (sharding bootstrap and tests).
		SeedCollectionPlacement(
			ctx context.Context,
			p *CollectionPlacement,
		) *DbError

		// CommitChunkMove is the authoritative ownership transfer: the
		// chunk matching rng changes owner to recipientId at newVersion,
		// conditional on it still being owned by donorId at expectedVersion.
		CommitChunkMove(
			ctx context.Context,
			collection string, rng KeyRange,
			donorId, recipientId string,
			expectedVersion, newVersion placement.ChunkVersion,
		) *DbError

		GetDatabaseRecord(
			ctx context.Context,
			name string,
		) (*DatabaseRecord, *DbError)

		UpsertDatabaseRecord(
			ctx context.Context,
			record *DatabaseRecord,
		) *DbError

		// ---- migration coordinator records ----

		UpsertMigrationRecord(
			ctx context.Context,
			record *MigrationRecord,
		) *DbError

		GetMigrationRecord(
			ctx context.Context,
			migrationId uuid.UUID,
		) (*MigrationRecord, *DbError)

		// DecideMigration flips the decision from undecided to the given
		// terminal value; ConditionFail when a decision is already recorded.
		DecideMigration(
			ctx context.Context,
			migrationId uuid.UUID, decision MigrationDecision,
		) *DbError

		// SetMigrationCriticalSection records that donor writes are (or no
		// longer are) suspended for the migration's range.
		SetMigrationCriticalSection(
			ctx context.Context,
			migrationId uuid.UUID, entered bool,
		) *DbError

		DeleteMigrationRecord(
			ctx context.Context,
			migrationId uuid.UUID,
		) *DbError

		// ListUnresolvedMigrations returns records where nodeId is donor or
		// recipient; consulted on startup to resume or abort deterministically.
		ListUnresolvedMigrations(
			ctx context.Context,
			nodeId string,
		) ([]*MigrationRecord, *DbError)

		// ---- range deletion tasks ----

		CreateRangeDeletionTask(
			ctx context.Context,
			task *RangeDeletionTask,
		) *DbError

		MarkRangeDeletionTaskReady(
			ctx context.Context,
			taskId uuid.UUID,
		) *DbError

		DeleteRangeDeletionTask(
			ctx context.Context,
			taskId uuid.UUID,
		) *DbError

		ListRangeDeletionTasks(
			ctx context.Context,
			nodeId string,
		) ([]*RangeDeletionTask, *DbError)

		FindOverlappingRangeDeletionTasks(
			ctx context.Context,
			nodeId string, collection string, rng KeyRange,
		) ([]*RangeDeletionTask, *DbError)

		// ---- node-local range data ----

		// RangeGetDocs reads documents of the range in key order, starting
		// strictly after afterKey (empty for the beginning), up to limit.
		RangeGetDocs(
			ctx context.Context,
			nodeId string, collection string, rng KeyRange,
			afterKey string, limit int,
		) ([]*RangeDoc, *DbError)

		// ApplyMod applies one mutation to the node's copy of the data;
		// later mutations for the same key always win.
		ApplyMod(
			ctx context.Context,
			nodeId string, collection string, mod *Mod,
		) *DbError

		// RangeDeleteDocsWithLimit deletes up to limit documents of the
		// range; used by the orphan cleanup executor to bound batch size.
		// Note that some backends may delete fewer than limit per call.
		RangeDeleteDocsWithLimit(
			ctx context.Context,
			nodeId string, collection string, rng KeyRange,
			limit int,
		) (deleted int, err *DbError)

		CountDocsInRange(
			ctx context.Context,
			nodeId string, collection string, rng KeyRange,
		) (int, *DbError)
	}
)
