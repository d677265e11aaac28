package rangedeleter

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/placekeeper-io/placekeeper/config"
	"github.com/placekeeper-io/placekeeper/databases"
	"github.com/placekeeper-io/placekeeper/log"
	"github.com/placekeeper-io/placekeeper/log/tag"
	"github.com/placekeeper-io/placekeeper/placement"
)

// Executor is the per-node orphan cleanup worker. Tasks are durable, so
// a restart rediscovers and resumes anything not yet deleted; a single
// worker executes ready tasks sequentially so deletion backlog never
// competes with foreground traffic for more than one range at a time.
type Executor struct {
	logger log.Logger
	store  databases.PlacementStore
	pins   *PinTracker

	cfg       config.RangeDeleterConfig
	nodeId    string
	dbTimeout time.Duration

	closeChan chan struct{}
	closeOnce sync.Once
	doneWG    sync.WaitGroup
}

func NewExecutor(
	cfg *config.Config, logger log.Logger,
	store databases.PlacementStore, pins *PinTracker,
) *Executor {
	return &Executor{
		logger:    logger,
		store:     store,
		pins:      pins,
		cfg:       cfg.Core.RangeDeleterConfig,
		nodeId:    cfg.Core.NodeId,
		dbTimeout: cfg.Core.DatabaseAPITimeout,
		closeChan: make(chan struct{}),
	}
}

// Start launches the background worker.
func (e *Executor) Start() {
	e.doneWG.Add(1)
	go e.workerLoop()
}

// Stop signals the worker and waits for it to finish the current batch.
func (e *Executor) Stop() {
	e.closeOnce.Do(func() { close(e.closeChan) })
	e.doneWG.Wait()
}

// WaitForOverlappingTasks blocks until no deletion task on this node
// overlaps the range, polling the durable task list.
func (e *Executor) WaitForOverlappingTasks(ctx context.Context, collection string, rng databases.KeyRange) error {
	for {
		tasks, dbErr := e.store.FindOverlappingRangeDeletionTasks(ctx, e.nodeId, collection, rng)
		if dbErr != nil {
			return dbErr
		}
		if len(tasks) == 0 {
			return nil
		}
		e.logger.Info("Waiting for overlapping range deletions to finish",
			tag.Collection(collection), tag.Range(rng.String()), tag.Value(len(tasks)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.cfg.TaskPollInterval):
		}
	}
}

// CreatePendingTask records the durable deletion obligation before any
// document transfer touches the range. superseded is the version the
// owner's reads pin while the range still belongs to it; deletion
// later waits only for those pins.
func (e *Executor) CreatePendingTask(
	ctx context.Context, collection string, rng databases.KeyRange,
	superseded placement.ChunkVersion,
) (uuid.UUID, error) {
	task := &databases.RangeDeletionTask{
		TaskId:            uuid.New(),
		NodeId:            e.nodeId,
		Collection:        collection,
		Range:             rng,
		SupersededVersion: superseded,
		Pending:           true,
		CreatedAt:         time.Now(),
	}
	if dbErr := e.store.CreateRangeDeletionTask(ctx, task); dbErr != nil {
		return uuid.Nil, dbErr
	}
	return task.TaskId, nil
}

// MarkTaskReady hands the task to the worker.
func (e *Executor) MarkTaskReady(ctx context.Context, taskId uuid.UUID) error {
	if dbErr := e.store.MarkRangeDeletionTaskReady(ctx, taskId); dbErr != nil {
		return dbErr
	}
	return nil
}

// DropTask removes the task without executing it.
func (e *Executor) DropTask(ctx context.Context, taskId uuid.UUID) error {
	if dbErr := e.store.DeleteRangeDeletionTask(ctx, taskId); dbErr != nil {
		return dbErr
	}
	return nil
}

func (e *Executor) workerLoop() {
	defer e.doneWG.Done()
	for {
		select {
		case <-e.closeChan:
			return
		case <-time.After(e.cfg.TaskPollInterval):
		}

		ctx, cancel := context.WithTimeout(context.Background(), e.dbTimeout)
		tasks, dbErr := e.store.ListRangeDeletionTasks(ctx, e.nodeId)
		cancel()
		if dbErr != nil {
			e.logger.Error("Failed to list range deletion tasks", tag.Error(dbErr))
			continue
		}

		for _, task := range tasks {
			if task.Pending {
				continue
			}
			if err := e.executeTask(task); err != nil {
				e.logger.Error("Range deletion task failed; will retry on next poll",
					tag.Collection(task.Collection), tag.Range(task.Range.String()), tag.Error(err))
			}
			select {
			case <-e.closeChan:
				return
			default:
			}
		}
	}
}

func (e *Executor) executeTask(task *databases.RangeDeletionTask) error {
	e.logger.Info("Executing range deletion task",
		tag.Collection(task.Collection), tag.Range(task.Range.String()))

	// 1. No in-flight read may still see the superseded placement
	drainCtx, drainCancel := context.WithCancel(context.Background())
	stopWatch := make(chan struct{})
	go func() {
		select {
		case <-e.closeChan:
			drainCancel()
		case <-stopWatch:
		}
	}()
	err := e.pins.WaitForDrain(drainCtx, task.Collection, task.SupersededVersion)
	close(stopWatch)
	drainCancel()
	if err != nil {
		return err
	}

	// 2. Grace period for secondary reads outside the pinning protocol
	select {
	case <-e.closeChan:
		return context.Canceled
	case <-time.After(e.cfg.OrphanCleanupDelay):
	}

	// 3. Batched deletion at a bounded rate
	for {
		ctx, cancel := context.WithTimeout(context.Background(), e.dbTimeout)
		deleted, dbErr := e.store.RangeDeleteDocsWithLimit(
			ctx, e.nodeId, task.Collection, task.Range, e.cfg.DeletionBatchLimit)
		cancel()
		if dbErr != nil {
			return dbErr
		}
		if deleted == 0 {
			break
		}
		e.logger.Debug("Deleted orphan batch",
			tag.Collection(task.Collection), tag.Range(task.Range.String()), tag.Value(deleted))

		select {
		case <-e.closeChan:
			return context.Canceled
		case <-time.After(e.cfg.InterBatchDelay):
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.dbTimeout)
	defer cancel()
	if dbErr := e.store.DeleteRangeDeletionTask(ctx, task.TaskId); dbErr != nil {
		return dbErr
	}
	e.logger.Info("Range deletion task completed",
		tag.Collection(task.Collection), tag.Range(task.Range.String()))
	return nil
}
