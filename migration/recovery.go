package migration

import (
	"context"
	"fmt"

	"github.com/placekeeper-io/placekeeper/config"
	"github.com/placekeeper-io/placekeeper/databases"
	"github.com/placekeeper-io/placekeeper/log"
	"github.com/placekeeper-io/placekeeper/log/tag"
)

// RecoveryManager resolves migrations left behind by a crash. The
// decision is a pure function of the authority's committed placement,
// never of anything this node remembers: the range now belongs to the
// recipient iff the commit write is observed there.
type RecoveryManager struct {
	logger  log.Logger
	store   databases.PlacementStore
	cleanup CleanupManager
	nodeId  string
}

func NewRecoveryManager(
	cfg *config.Config, logger log.Logger,
	store databases.PlacementStore, cleanup CleanupManager,
) *RecoveryManager {
	return &RecoveryManager{
		logger:  logger,
		store:   store,
		cleanup: cleanup,
		nodeId:  cfg.Core.NodeId,
	}
}

// Run resolves every unresolved migration this node participated in.
// Must complete before the node serves writes: a crash inside the
// critical section leaves a durable marker, and normal writes to that
// range are unsafe until the outcome is re-derived.
func (r *RecoveryManager) Run(ctx context.Context) error {
	records, dbErr := r.store.ListUnresolvedMigrations(ctx, r.nodeId)
	if dbErr != nil {
		return dbErr
	}

	for _, record := range records {
		if err := r.recoverOne(ctx, record); err != nil {
			// The record stays behind unresolved; the node must not serve
			// writes to the range until an operator (or a later restart)
			// gets a clean pass through here
			return fmt.Errorf("%w: migration %s: %v",
				ErrManualInterventionRequired, record.MigrationId, err)
		}
	}
	return nil
}

// commitObserved reports whether the authority shows the migration's
// commit write: the chunk belongs to the recipient at a version newer
// than the one the donor started from.
func commitObserved(p *databases.CollectionPlacement, record *databases.MigrationRecord) bool {
	chunk := p.FindChunk(record.Range)
	return chunk != nil && chunk.OwnerId == record.RecipientId &&
		record.ExpectedVersion.IsOlderThan(chunk.Version)
}

func (r *RecoveryManager) recoverOne(ctx context.Context, record *databases.MigrationRecord) error {
	decision := record.Decision
	if decision == databases.DecisionUndecided {
		derived, err := r.deriveDecision(ctx, record)
		if err != nil {
			return err
		}
		decision = derived

		if dbErr := r.store.DecideMigration(ctx, record.MigrationId, decision); dbErr != nil {
			if !dbErr.ConditionFail && !dbErr.NotExists {
				return dbErr
			}
			// Decided concurrently by the other side; re-read to honor it
			if dbErr.ConditionFail {
				fresh, getErr := r.store.GetMigrationRecord(ctx, record.MigrationId)
				if getErr != nil && !getErr.NotExists {
					return getErr
				}
				if fresh != nil {
					decision = fresh.Decision
				}
			}
		}
	}

	r.logger.Warn("Recovering interrupted migration",
		tag.MigrationId(record.MigrationId.String()),
		tag.Collection(record.Collection),
		tag.Range(record.Range.String()),
		tag.Value(string(decision)))

	if err := r.resolveOwnTasks(ctx, record, decision); err != nil {
		return err
	}

	if record.CriticalSectionEntered && r.nodeId == record.DonorId {
		if dbErr := r.store.SetMigrationCriticalSection(ctx, record.MigrationId, false); dbErr != nil && !dbErr.NotExists {
			return dbErr
		}
	}

	// The donor owns the record's lifecycle; the recipient may still
	// need it, but its own recovery pass resolves from the authority too
	if r.nodeId == record.DonorId {
		if dbErr := r.store.DeleteMigrationRecord(ctx, record.MigrationId); dbErr != nil && !dbErr.NotExists {
			return dbErr
		}
	}
	return nil
}

func (r *RecoveryManager) deriveDecision(
	ctx context.Context, record *databases.MigrationRecord,
) (databases.MigrationDecision, error) {
	p, dbErr := r.store.GetCollectionPlacement(ctx, record.Collection)
	if dbErr != nil {
		if dbErr.NotExists {
			// Collection dropped out from under the migration
			return databases.DecisionAborted, nil
		}
		return "", dbErr
	}

	if commitObserved(p, record) {
		return databases.DecisionCommitted, nil
	}
	return databases.DecisionAborted, nil
}

func (r *RecoveryManager) resolveOwnTasks(
	ctx context.Context, record *databases.MigrationRecord, decision databases.MigrationDecision,
) error {
	tasks, dbErr := r.store.FindOverlappingRangeDeletionTasks(ctx, r.nodeId, record.Collection, record.Range)
	if dbErr != nil {
		return dbErr
	}

	// The task swap: the side that lost the range deletes its copy, the
	// side that kept (or legitimately received) it drops the task
	execute := (r.nodeId == record.DonorId) == (decision == databases.DecisionCommitted)

	for _, task := range tasks {
		if !task.Pending {
			continue
		}
		var err error
		if execute {
			err = r.cleanup.MarkTaskReady(ctx, task.TaskId)
		} else {
			err = r.cleanup.DropTask(ctx, task.TaskId)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
