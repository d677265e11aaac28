package migration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/placekeeper-io/placekeeper/config"
	"github.com/placekeeper-io/placekeeper/databases"
	"github.com/placekeeper-io/placekeeper/log"
	"github.com/placekeeper-io/placekeeper/log/tag"
)

type (
	// RecipientCoordinator runs the receiving side of migrations: it
	// pulls the clone and the buffered mods at its own pace, reports
	// progress to the donor, and resolves its deletion task once the
	// donor reports the outcome.
	RecipientCoordinator struct {
		logger  log.Logger
		store   databases.PlacementStore
		cleanup CleanupManager
		peers   PeerResolver

		cfg       config.MigrationConfig
		nodeId    string
		dbTimeout time.Duration

		mu       sync.Mutex
		sessions map[uuid.UUID]*recipientSession
	}

	recipientSession struct {
		req    StartReceivingRequest
		taskId uuid.UUID
		donor  DonorClient

		// pullMu serializes mod pulls so the background loop and the
		// donor-driven commit drain cannot interleave applications and
		// break per-key ordering
		pullMu sync.Mutex

		mu          sync.Mutex
		cloneDone   bool
		clonedDocs  int64
		appliedMods int64
		committing  bool
		failed      error
	}
)

func NewRecipientCoordinator(
	cfg *config.Config, logger log.Logger,
	store databases.PlacementStore, cleanup CleanupManager, peers PeerResolver,
) *RecipientCoordinator {
	return &RecipientCoordinator{
		logger:    logger,
		store:     store,
		cleanup:   cleanup,
		peers:     peers,
		cfg:       cfg.Core.MigrationConfig,
		nodeId:    cfg.Core.NodeId,
		dbTimeout: cfg.Core.DatabaseAPITimeout,
		sessions:  make(map[uuid.UUID]*recipientSession),
	}
}

// StartReceiving begins pulling the range from the donor. Idempotent
// per migration id: a duplicate call returns without a second clone.
func (r *RecipientCoordinator) StartReceiving(ctx context.Context, req *StartReceivingRequest) error {
	r.mu.Lock()
	if _, ok := r.sessions[req.MigrationId]; ok {
		r.mu.Unlock()
		return nil
	}

	donor, err := r.peers.Donor(req.DonorId)
	if err != nil {
		r.mu.Unlock()
		return err
	}

	// An earlier aborted migration may still be deleting this range;
	// cloning over an in-flight deletion would interleave writes
	if err := r.cleanup.WaitForOverlappingTasks(ctx, req.Collection, req.Range); err != nil {
		r.mu.Unlock()
		return err
	}

	taskId, err := r.cleanup.CreatePendingTask(ctx, req.Collection, req.Range, req.SupersededVersion)
	if err != nil {
		r.mu.Unlock()
		return err
	}

	session := &recipientSession{req: *req, taskId: taskId, donor: donor}
	r.sessions[req.MigrationId] = session
	r.mu.Unlock()

	r.logger.Info("Receiving migration",
		tag.MigrationId(req.MigrationId.String()),
		tag.Collection(req.Collection),
		tag.Range(req.Range.String()),
		tag.Shard(req.DonorId))
	go r.receiveLoop(session)
	return nil
}

// GetStatus reports clone and mod-application progress to the donor.
func (r *RecipientCoordinator) GetStatus(ctx context.Context, migrationId uuid.UUID) (*RecipientStatus, error) {
	session, err := r.session(migrationId)
	if err != nil {
		return nil, err
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	if session.failed != nil {
		return nil, session.failed
	}
	return &RecipientStatus{
		CloneDone:   session.cloneDone,
		ClonedDocs:  session.clonedDocs,
		AppliedMods: session.appliedMods,
	}, nil
}

// Commit drains the donor's remaining mods to empty and acknowledges.
// The donor calls this inside its critical section, so no new mods can
// appear once a pull comes back empty.
func (r *RecipientCoordinator) Commit(ctx context.Context, migrationId uuid.UUID) error {
	session, err := r.session(migrationId)
	if err != nil {
		return err
	}

	session.mu.Lock()
	if session.failed != nil {
		session.mu.Unlock()
		return session.failed
	}
	if !session.cloneDone {
		session.mu.Unlock()
		return fmt.Errorf("migration %s is still cloning", migrationId)
	}
	session.committing = true
	session.mu.Unlock()

	for {
		n, err := r.pullAndApplyMods(ctx, session)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

// Finalize resolves the recipient's deletion task per the outcome: on
// commit the data is legitimately owned here and the task is dropped;
// on abort the partial clone is the orphan and the task executes.
func (r *RecipientCoordinator) Finalize(ctx context.Context, migrationId uuid.UUID, outcome Outcome) error {
	session, err := r.session(migrationId)
	if err != nil {
		return err
	}

	session.mu.Lock()
	session.committing = true
	session.mu.Unlock()

	if outcome == OutcomeCommitted {
		err = r.cleanup.DropTask(ctx, session.taskId)
	} else {
		err = r.cleanup.MarkTaskReady(ctx, session.taskId)
	}
	if err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.sessions, migrationId)
	r.mu.Unlock()
	r.logger.Info("Finalized received migration",
		tag.MigrationId(migrationId.String()), tag.Value(string(outcome)))
	return nil
}

func (r *RecipientCoordinator) session(migrationId uuid.UUID) (*recipientSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[migrationId]
	if !ok {
		return nil, fmt.Errorf("no receiving migration with id %s on this node", migrationId)
	}
	return session, nil
}

func (r *RecipientCoordinator) receiveLoop(session *recipientSession) {
	if err := r.clone(session); err != nil {
		r.fail(session, err)
		return
	}
	session.mu.Lock()
	session.cloneDone = true
	session.mu.Unlock()

	// Keep draining mods until the donor takes over via Commit
	for {
		session.mu.Lock()
		stop := session.committing || session.failed != nil
		session.mu.Unlock()
		if stop {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), r.dbTimeout)
		n, err := r.pullAndApplyMods(ctx, session)
		cancel()
		if err != nil {
			r.fail(session, err)
			return
		}
		if n < r.cfg.ModTransferBatchLimit {
			time.Sleep(r.cfg.SteadyStatePollInterval / 4)
		}
	}
}

func (r *RecipientCoordinator) clone(session *recipientSession) error {
	afterKey := ""
	for {
		ctx, cancel := context.WithTimeout(context.Background(), r.dbTimeout)
		docs, err := session.donor.PullCloneBatch(ctx, session.req.MigrationId, afterKey, r.cfg.CloneBatchLimit)
		cancel()
		if err != nil {
			return err
		}

		for _, doc := range docs {
			applyCtx, applyCancel := context.WithTimeout(context.Background(), r.dbTimeout)
			dbErr := r.store.ApplyMod(applyCtx, r.nodeId, session.req.Collection, &databases.Mod{
				Op:    databases.ModInsert,
				Key:   doc.Key,
				Value: doc.Value,
			})
			applyCancel()
			if dbErr != nil {
				return dbErr
			}
			afterKey = doc.Key
		}
		session.mu.Lock()
		session.clonedDocs += int64(len(docs))
		session.mu.Unlock()

		if len(docs) < r.cfg.CloneBatchLimit {
			return nil
		}
	}
}

func (r *RecipientCoordinator) pullAndApplyMods(ctx context.Context, session *recipientSession) (int, error) {
	session.pullMu.Lock()
	defer session.pullMu.Unlock()

	mods, err := session.donor.PullMods(ctx, session.req.MigrationId, r.cfg.ModTransferBatchLimit)
	if err != nil {
		return 0, err
	}
	// Arrival order preserves per-key last-write-wins
	for _, mod := range mods {
		if dbErr := r.store.ApplyMod(ctx, r.nodeId, session.req.Collection, mod); dbErr != nil {
			return 0, dbErr
		}
	}
	if len(mods) > 0 {
		session.mu.Lock()
		session.appliedMods += int64(len(mods))
		session.mu.Unlock()
	}
	return len(mods), nil
}

func (r *RecipientCoordinator) fail(session *recipientSession, err error) {
	session.mu.Lock()
	session.failed = err
	session.mu.Unlock()
	r.logger.Error("Receiving migration failed",
		tag.MigrationId(session.req.MigrationId.String()), tag.Error(err))
}
