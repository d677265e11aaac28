package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/placekeeper-io/placekeeper/config"
	"github.com/placekeeper-io/placekeeper/databases"
	"github.com/placekeeper-io/placekeeper/distlock"
	"github.com/placekeeper-io/placekeeper/engine/backoff"
	"github.com/placekeeper-io/placekeeper/log"
	"github.com/placekeeper-io/placekeeper/log/tag"
	"github.com/placekeeper-io/placekeeper/placement"
	"github.com/placekeeper-io/placekeeper/routing"
)

type (
	// DonorCoordinator orchestrates migrations where this node is the
	// donor, and serves the clone-batch and mod pulls the recipient
	// drives. One migration is in flight per node at a time.
	DonorCoordinator struct {
		logger  log.Logger
		store   databases.PlacementStore
		locks   *distlock.LockManager
		cleanup CleanupManager
		router  *routing.Router
		peers   PeerResolver

		cfg       config.MigrationConfig
		nodeId    string
		dbTimeout time.Duration

		registry *activeRegistry

		mu  sync.Mutex
		run *migrationRun
	}

	// migrationRun is the donor-side volatile state of one migration.
	// Everything needed for crash recovery lives in the durable record
	// and the authority, never here.
	migrationRun struct {
		handle          *MigrationHandle
		buffer          *modBuffer
		writesSuspended bool
		readsSuspended  bool
	}
)

func NewDonorCoordinator(
	cfg *config.Config, logger log.Logger,
	store databases.PlacementStore, locks *distlock.LockManager,
	cleanup CleanupManager, router *routing.Router, peers PeerResolver,
) *DonorCoordinator {
	return &DonorCoordinator{
		logger:    logger,
		store:     store,
		locks:     locks,
		cleanup:   cleanup,
		router:    router,
		peers:     peers,
		cfg:       cfg.Core.MigrationConfig,
		nodeId:    cfg.Core.NodeId,
		dbTimeout: cfg.Core.DatabaseAPITimeout,
		registry:  newActiveRegistry(),
	}
}

// BeginMigration starts (or joins) the migration of one of this node's
// ranges to the recipient. The returned handle is shared across
// duplicate calls for the same range; Await resolves them identically.
func (c *DonorCoordinator) BeginMigration(ctx context.Context, req *MigrationRequest) (*MigrationHandle, error) {
	placementDoc, dbErr := c.store.GetCollectionPlacement(ctx, req.Collection)
	if dbErr != nil {
		return nil, dbErr
	}
	chunk := placementDoc.FindChunk(req.Range)
	if chunk == nil {
		return nil, fmt.Errorf("no chunk matches range %s in collection %s", req.Range.String(), req.Collection)
	}
	if chunk.OwnerId != c.nodeId {
		return nil, fmt.Errorf("chunk %s is owned by %s, not this node", req.Range.String(), chunk.OwnerId)
	}

	handle := newHandle(uuid.New(), req.Collection, req.Range)
	shared, joined, err := c.registry.register(handle)
	if err != nil {
		return nil, err
	}
	if joined {
		c.logger.Info("Joined in-flight migration",
			tag.Collection(req.Collection), tag.Range(req.Range.String()),
			tag.MigrationId(shared.MigrationId.String()))
		return shared, nil
	}

	lockHandle, err := c.acquireMigrationLock(ctx, req)
	if err != nil {
		c.registry.deregister(handle)
		return nil, err
	}

	run := &migrationRun{handle: handle, buffer: newModBuffer()}
	c.mu.Lock()
	c.run = run
	c.mu.Unlock()

	go c.execute(run, req, chunk.Version, placementDoc.ShardVersion(c.nodeId), lockHandle)
	return handle, nil
}

// acquireMigrationLock takes the per-collection migration lock,
// retrying with backoff while another migration holds it.
func (c *DonorCoordinator) acquireMigrationLock(ctx context.Context, req *MigrationRequest) (*distlock.LockHandle, error) {
	policy := backoff.NewExponentialRetryPolicy(
		c.cfg.LockRetryInitialInterval, c.cfg.LockRetryMaxInterval, c.cfg.LockRetryLimit)

	var lockHandle *distlock.LockHandle
	err := backoff.Retry(ctx, policy,
		func(err error) bool { return errors.Is(err, distlock.ErrLockBusy) },
		func() error {
			var acquireErr error
			lockHandle, acquireErr = c.locks.Acquire(
				ctx, migrationLockResource(req.Collection), "moveRange "+req.Range.String())
			return acquireErr
		})
	if err != nil {
		return nil, err
	}
	return lockHandle, nil
}

// CurrentMigration returns the in-flight handle, or nil when idle.
func (c *DonorCoordinator) CurrentMigration() *MigrationHandle {
	return c.registry.current()
}

func migrationLockResource(collection string) string {
	return "migration/" + collection
}

func (c *DonorCoordinator) execute(
	run *migrationRun, req *MigrationRequest,
	expectedVersion, supersededShardVersion placement.ChunkVersion,
	lockHandle *distlock.LockHandle,
) {
	handle := run.handle
	c.logger.Info("Starting migration",
		tag.MigrationId(handle.MigrationId.String()),
		tag.Collection(req.Collection),
		tag.Range(req.Range.String()),
		tag.Shard(req.RecipientId))

	progress := &executeProgress{lockHandle: lockHandle}

	recipient, err := c.peers.Recipient(req.RecipientId)
	if err != nil {
		c.abort(run, req, progress, "resolving recipient", err)
		return
	}
	progress.recipient = recipient

	record := &databases.MigrationRecord{
		MigrationId:     handle.MigrationId,
		Collection:      req.Collection,
		Range:           req.Range,
		DonorId:         c.nodeId,
		RecipientId:     req.RecipientId,
		Decision:        databases.DecisionUndecided,
		ExpectedVersion: expectedVersion,
		CreatedAt:       time.Now(),
	}
	if dbErr := c.callStore(func(ctx context.Context) *databases.DbError {
		return c.store.UpsertMigrationRecord(ctx, record)
	}); dbErr != nil {
		c.abort(run, req, progress, "persisting migration record", dbErr)
		return
	}
	progress.recordPersisted = true

	taskId, err := c.createDonorTask(req, supersededShardVersion)
	if err != nil {
		c.abort(run, req, progress, "creating donor deletion task", err)
		return
	}
	progress.donorTaskId = taskId
	progress.donorTaskCreated = true

	startCtx, cancel := context.WithTimeout(context.Background(), c.dbTimeout)
	err = recipient.StartReceiving(startCtx, &StartReceivingRequest{
		MigrationId:       handle.MigrationId,
		Collection:        req.Collection,
		Range:             req.Range,
		DonorId:           c.nodeId,
		SupersededVersion: supersededShardVersion,
	})
	cancel()
	if err != nil {
		c.abort(run, req, progress, "starting recipient", err)
		return
	}
	progress.recipientStarted = true

	if err := c.waitForSteadyState(run, recipient); err != nil {
		c.abort(run, req, progress, "waiting for steady state", err)
		return
	}

	// Critical section: new writes to the range are rejected while the
	// recipient drains the final mods and the authority commit lands
	if dbErr := c.callStore(func(ctx context.Context) *databases.DbError {
		return c.store.SetMigrationCriticalSection(ctx, handle.MigrationId, true)
	}); dbErr != nil {
		c.abort(run, req, progress, "entering critical section", dbErr)
		return
	}
	progress.criticalSectionEntered = true
	c.setSuspended(run, true, false)

	csCtx, csCancel := context.WithTimeout(context.Background(), c.cfg.CriticalSectionTimeout)
	err = recipient.Commit(csCtx, handle.MigrationId)
	if err != nil {
		csCancel()
		c.abort(run, req, progress, "recipient commit", err)
		return
	}

	// Reads pause only for the commit write itself
	c.setSuspended(run, true, true)

	newVersion, verr := placement.NextMajor(expectedVersion)
	if verr != nil {
		csCancel()
		c.abort(run, req, progress, "computing committed version", verr)
		return
	}
	commitErr := c.store.CommitChunkMove(csCtx, req.Collection, req.Range,
		c.nodeId, req.RecipientId, expectedVersion, newVersion)
	csCancel()
	if commitErr != nil {
		if commitErr.ConditionFail {
			// The CAS precondition was evaluated and missed: the write
			// provably did not land, so aborting is safe
			c.abort(run, req, progress, "authoritative commit", commitErr)
			return
		}
		// Any other failure is ambiguous: the write may have been applied
		// before the error surfaced. Only the authority can say; aborting
		// on a landed commit would delete the recipient's copy of a range
		// it now owns.
		landed, landedErr := c.commitLanded(record)
		if landedErr != nil {
			c.failUnresolved(run, req, progress, "authoritative commit outcome unknown", commitErr)
			return
		}
		if !landed {
			c.abort(run, req, progress, "authoritative commit", commitErr)
			return
		}
		c.logger.Warn("Commit write reported an error but is observed at the authority; proceeding as committed",
			tag.MigrationId(handle.MigrationId.String()), tag.Error(commitErr))
	}

	// Past the point of no return: everything below is forward recovery
	if dbErr := c.callStore(func(ctx context.Context) *databases.DbError {
		return c.store.DecideMigration(ctx, handle.MigrationId, databases.DecisionCommitted)
	}); dbErr != nil && !dbErr.ConditionFail {
		c.logger.Error("Failed to record committed decision; restart recovery will re-derive it",
			tag.MigrationId(handle.MigrationId.String()), tag.Error(dbErr))
	}
	c.finishCommitted(run, req, progress, newVersion)
}

// executeProgress tracks which side effects exist so an abort undoes
// exactly what was done.
type executeProgress struct {
	lockHandle             *distlock.LockHandle
	recipient              RecipientClient
	recordPersisted        bool
	donorTaskCreated       bool
	donorTaskId            uuid.UUID
	recipientStarted       bool
	criticalSectionEntered bool
}

func (c *DonorCoordinator) finishCommitted(
	run *migrationRun, req *MigrationRequest,
	progress *executeProgress, newVersion placement.ChunkVersion,
) {
	handle := run.handle

	if dbErr := c.callStore(func(ctx context.Context) *databases.DbError {
		return c.store.SetMigrationCriticalSection(ctx, handle.MigrationId, false)
	}); dbErr != nil {
		c.logger.Error("Failed to clear critical section marker",
			tag.MigrationId(handle.MigrationId.String()), tag.Error(dbErr))
	}
	c.setSuspended(run, false, false)

	// The donor's own copy of the range is now orphaned
	if err := c.resolveDonorTask(progress, OutcomeCommitted); err != nil {
		c.logger.Error("Failed to mark donor deletion task ready; restart recovery will resume it",
			tag.MigrationId(handle.MigrationId.String()), tag.Error(err))
	}

	finalizeOk := c.finalizeRecipient(progress, handle.MigrationId, OutcomeCommitted)

	c.router.Invalidate(req.Collection)

	// The record is the recovery anchor for both sides; keep it when the
	// recipient has not acknowledged its own cleanup yet
	if finalizeOk {
		if dbErr := c.callStore(func(ctx context.Context) *databases.DbError {
			return c.store.DeleteMigrationRecord(ctx, handle.MigrationId)
		}); dbErr != nil {
			c.logger.Error("Failed to delete migration record",
				tag.MigrationId(handle.MigrationId.String()), tag.Error(dbErr))
		}
	}

	c.releaseAndClear(run, progress)
	c.logger.Info("Migration committed",
		tag.MigrationId(handle.MigrationId.String()),
		tag.Collection(req.Collection),
		tag.Range(req.Range.String()),
		tag.Version(newVersion))
	handle.resolve(OutcomeCommitted, nil)
}

func (c *DonorCoordinator) abort(
	run *migrationRun, req *MigrationRequest,
	progress *executeProgress, stage string, cause error,
) {
	handle := run.handle
	c.logger.Warn("Aborting migration",
		tag.MigrationId(handle.MigrationId.String()),
		tag.Collection(req.Collection),
		tag.Value(stage),
		tag.Error(cause))

	if progress.recordPersisted {
		if dbErr := c.callStore(func(ctx context.Context) *databases.DbError {
			return c.store.DecideMigration(ctx, handle.MigrationId, databases.DecisionAborted)
		}); dbErr != nil && !dbErr.ConditionFail {
			c.logger.Error("Failed to record aborted decision",
				tag.MigrationId(handle.MigrationId.String()), tag.Error(dbErr))
		}
	}

	if progress.criticalSectionEntered {
		if dbErr := c.callStore(func(ctx context.Context) *databases.DbError {
			return c.store.SetMigrationCriticalSection(ctx, handle.MigrationId, false)
		}); dbErr != nil {
			c.logger.Error("Failed to clear critical section marker",
				tag.MigrationId(handle.MigrationId.String()), tag.Error(dbErr))
		}
	}
	c.setSuspended(run, false, false)

	// Ownership stays with the donor, so its task is dropped and the
	// recipient's partial clone becomes the orphan to delete
	if progress.donorTaskCreated {
		if err := c.resolveDonorTask(progress, OutcomeAborted); err != nil {
			c.logger.Error("Failed to drop donor deletion task",
				tag.MigrationId(handle.MigrationId.String()), tag.Error(err))
		}
	}

	finalizeOk := true
	if progress.recipientStarted {
		finalizeOk = c.finalizeRecipient(progress, handle.MigrationId, OutcomeAborted)
	}

	if progress.recordPersisted && finalizeOk {
		if dbErr := c.callStore(func(ctx context.Context) *databases.DbError {
			return c.store.DeleteMigrationRecord(ctx, handle.MigrationId)
		}); dbErr != nil {
			c.logger.Error("Failed to delete migration record",
				tag.MigrationId(handle.MigrationId.String()), tag.Error(dbErr))
		}
	}

	c.releaseAndClear(run, progress)
	handle.resolve(OutcomeAborted, fmt.Errorf("%w: %s: %v", ErrMigrationAborted, stage, cause))
}

// commitLanded re-reads the authority after an ambiguous commit error.
func (c *DonorCoordinator) commitLanded(record *databases.MigrationRecord) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.dbTimeout)
	defer cancel()

	p, dbErr := c.store.GetCollectionPlacement(ctx, record.Collection)
	if dbErr != nil {
		return false, dbErr
	}
	return commitObserved(p, record), nil
}

// failUnresolved stops the migration without deciding it. The record
// stays undecided, the lock stays held and writes to the range stay
// rejected; recovery (or an operator) must resolve the outcome against
// the authority before the range accepts traffic again.
func (c *DonorCoordinator) failUnresolved(
	run *migrationRun, req *MigrationRequest,
	progress *executeProgress, stage string, cause error,
) {
	handle := run.handle
	c.logger.Error("Migration outcome unknown; leaving range suspended for recovery",
		tag.MigrationId(handle.MigrationId.String()),
		tag.Collection(req.Collection),
		tag.Range(req.Range.String()),
		tag.Value(stage),
		tag.Error(cause))

	c.setSuspended(run, true, false)
	handle.resolve("", fmt.Errorf("%w: %s: %v", ErrManualInterventionRequired, stage, cause))
}

func (c *DonorCoordinator) waitForSteadyState(run *migrationRun, recipient RecipientClient) error {
	deadline := time.Now().Add(c.cfg.SteadyStateTimeout)
	for {
		statusCtx, cancel := context.WithTimeout(context.Background(), c.dbTimeout)
		status, err := recipient.GetStatus(statusCtx, run.handle.MigrationId)
		cancel()
		if err != nil {
			return err
		}
		if status.CloneDone && run.buffer.Len() <= c.cfg.MaxPendingModsForSteady {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("recipient did not reach steady state within %v (cloneDone=%v, pendingMods=%d)",
				c.cfg.SteadyStateTimeout, status.CloneDone, run.buffer.Len())
		}
		time.Sleep(c.cfg.SteadyStatePollInterval)
	}
}

func (c *DonorCoordinator) createDonorTask(req *MigrationRequest, superseded placement.ChunkVersion) (uuid.UUID, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.dbTimeout)
	defer cancel()
	return c.cleanup.CreatePendingTask(ctx, req.Collection, req.Range, superseded)
}

func (c *DonorCoordinator) resolveDonorTask(progress *executeProgress, outcome Outcome) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.dbTimeout)
	defer cancel()
	if outcome == OutcomeCommitted {
		return c.cleanup.MarkTaskReady(ctx, progress.donorTaskId)
	}
	return c.cleanup.DropTask(ctx, progress.donorTaskId)
}

func (c *DonorCoordinator) finalizeRecipient(progress *executeProgress, migrationId uuid.UUID, outcome Outcome) bool {
	ctx, cancel := context.WithTimeout(context.Background(), c.dbTimeout)
	defer cancel()
	if err := progress.recipient.Finalize(ctx, migrationId, outcome); err != nil {
		c.logger.Error("Failed to finalize recipient; its restart recovery will resolve from the authority",
			tag.MigrationId(migrationId.String()), tag.Error(err))
		return false
	}
	return true
}

func (c *DonorCoordinator) releaseAndClear(run *migrationRun, progress *executeProgress) {
	ctx, cancel := context.WithTimeout(context.Background(), c.dbTimeout)
	if err := c.locks.Release(ctx, progress.lockHandle); err != nil {
		c.logger.Error("Failed to release migration lock", tag.Error(err))
	}
	cancel()

	c.mu.Lock()
	if c.run == run {
		c.run = nil
	}
	c.mu.Unlock()
	c.registry.deregister(run.handle)
}

func (c *DonorCoordinator) setSuspended(run *migrationRun, writes, reads bool) {
	c.mu.Lock()
	run.writesSuspended = writes
	run.readsSuspended = reads
	c.mu.Unlock()
}

func (c *DonorCoordinator) callStore(op func(ctx context.Context) *databases.DbError) *databases.DbError {
	ctx, cancel := context.WithTimeout(context.Background(), c.dbTimeout)
	defer cancel()
	return op(ctx)
}

// ApplyWrite applies a client mutation on this node. A write into a
// migrating range is also buffered for transfer; the suspension check,
// local apply and buffer append are atomic so the critical section's
// final drain can never miss a write.
func (c *DonorCoordinator) ApplyWrite(ctx context.Context, collection string, mod *databases.Mod) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	run := c.run
	migrating := run != nil &&
		run.handle.Collection == collection &&
		run.handle.Range.Contains(mod.Key)
	if migrating && run.writesSuspended {
		return ErrWriteSuspended
	}

	if dbErr := c.store.ApplyMod(ctx, c.nodeId, collection, mod); dbErr != nil {
		return dbErr
	}
	if migrating {
		run.buffer.Append(mod)
	}
	return nil
}

// ReadDocs serves a data-plane read from this node's copy of the
// collection. Reads continue through most of a migration and pause
// only while the authoritative commit write is in flight.
func (c *DonorCoordinator) ReadDocs(
	ctx context.Context, collection string, rng databases.KeyRange, limit int,
) ([]*databases.RangeDoc, error) {
	c.mu.Lock()
	run := c.run
	if run != nil && run.readsSuspended &&
		run.handle.Collection == collection &&
		run.handle.Range.Overlaps(rng) {
		c.mu.Unlock()
		return nil, ErrReadSuspended
	}
	c.mu.Unlock()

	docs, dbErr := c.store.RangeGetDocs(ctx, c.nodeId, collection, rng, "", limit)
	if dbErr != nil {
		return nil, dbErr
	}
	return docs, nil
}

// PullCloneBatch serves the recipient's clone pulls.
func (c *DonorCoordinator) PullCloneBatch(
	ctx context.Context, migrationId uuid.UUID, afterKey string, limit int,
) ([]*databases.RangeDoc, error) {
	run, err := c.runFor(migrationId)
	if err != nil {
		return nil, err
	}
	docs, dbErr := c.store.RangeGetDocs(ctx, c.nodeId, run.handle.Collection, run.handle.Range, afterKey, limit)
	if dbErr != nil {
		return nil, dbErr
	}
	return docs, nil
}

// PullMods serves the recipient's mod-transfer pulls, draining the
// donor buffer in arrival order.
func (c *DonorCoordinator) PullMods(
	ctx context.Context, migrationId uuid.UUID, limit int,
) ([]*databases.Mod, error) {
	run, err := c.runFor(migrationId)
	if err != nil {
		return nil, err
	}
	return run.buffer.Drain(limit), nil
}

func (c *DonorCoordinator) runFor(migrationId uuid.UUID) (*migrationRun, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil || c.run.handle.MigrationId != migrationId {
		return nil, fmt.Errorf("no active migration with id %s on this node", migrationId)
	}
	return c.run, nil
}
