package rangedeleter

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/placekeeper-io/placekeeper/config"
	"github.com/placekeeper-io/placekeeper/databases"
	"github.com/placekeeper-io/placekeeper/databases/memory"
	"github.com/placekeeper-io/placekeeper/log"
	"github.com/placekeeper-io/placekeeper/placement"
)

const (
	testCollection = "orders"
	testNode       = "node-a"
)

var (
	testRange = databases.KeyRange{Low: "", High: "m"}
	testEpoch = uuid.New()
	// the shard version this node's reads pinned while it still owned
	// the range
	testSuperseded = placement.ChunkVersion{Major: 2, Minor: 0, Epoch: testEpoch}
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Core.NodeId = testNode
	cfg.Core.DatabaseAPITimeout = 5 * time.Second
	cfg.Core.RangeDeleterConfig.OrphanCleanupDelay = time.Millisecond
	cfg.Core.RangeDeleterConfig.DeletionBatchLimit = 2
	cfg.Core.RangeDeleterConfig.InterBatchDelay = time.Millisecond
	cfg.Core.RangeDeleterConfig.TaskPollInterval = 5 * time.Millisecond
	return cfg
}

func seedDocs(t *testing.T, store *memory.MemoryPlacementStore, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.Nil(t, store.ApplyMod(context.Background(), testNode, testCollection, &databases.Mod{
			Op: databases.ModInsert, Key: fmt.Sprintf("a%02d", i), Value: i,
		}))
	}
}

func docCount(t *testing.T, store *memory.MemoryPlacementStore) int {
	t.Helper()
	n, dbErr := store.CountDocsInRange(context.Background(), testNode, testCollection, testRange)
	require.Nil(t, dbErr)
	return n
}

func TestExecutor_DeletesReadyTaskInBatches(t *testing.T) {
	store := memory.NewMemoryPlacementStore()
	seedDocs(t, store, 7)
	ctx := context.Background()

	executor := NewExecutor(testConfig(), log.NewDefaultLogger(), store, NewPinTracker())
	taskId, err := executor.CreatePendingTask(ctx, testCollection, testRange, testSuperseded)
	require.NoError(t, err)

	executor.Start()
	defer executor.Stop()

	// Pending tasks are never executed
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 7, docCount(t, store))

	require.NoError(t, executor.MarkTaskReady(ctx, taskId))

	assert.Eventually(t, func() bool {
		if docCount(t, store) != 0 {
			return false
		}
		tasks, dbErr := store.ListRangeDeletionTasks(ctx, testNode)
		return dbErr == nil && len(tasks) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestExecutor_PinnedReadBlocksDeletion(t *testing.T) {
	store := memory.NewMemoryPlacementStore()
	seedDocs(t, store, 5)
	ctx := context.Background()

	pins := NewPinTracker()
	executor := NewExecutor(testConfig(), log.NewDefaultLogger(), store, pins)

	// A read started while this node still owned the range is running
	pin := pins.Pin(testCollection, testSuperseded)

	taskId, err := executor.CreatePendingTask(ctx, testCollection, testRange, testSuperseded)
	require.NoError(t, err)
	require.NoError(t, executor.MarkTaskReady(ctx, taskId))

	executor.Start()
	defer executor.Stop()

	// The committed migration must not unblock the deletion; the
	// pinned read does
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 5, docCount(t, store))
	assert.Equal(t, 1, pins.PinCountAt(testCollection, testSuperseded))

	pin.Release()

	assert.Eventually(t, func() bool {
		return docCount(t, store) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestExecutor_PinAtOtherVersionsDoesNotBlock(t *testing.T) {
	store := memory.NewMemoryPlacementStore()
	seedDocs(t, store, 3)
	ctx := context.Background()

	pins := NewPinTracker()
	executor := NewExecutor(testConfig(), log.NewDefaultLogger(), store, pins)

	// After the migration the donor keeps serving its remaining ranges;
	// those reads pin its new shard version, which is numerically behind
	// the superseded one. Neither they nor reads at the recipient's new
	// version may hold cleanup back.
	remaining := placement.ChunkVersion{Major: 1, Minor: 1, Epoch: testEpoch}
	committed := placement.ChunkVersion{Major: 3, Minor: 0, Epoch: testEpoch}
	pinRemaining := pins.Pin(testCollection, remaining)
	defer pinRemaining.Release()
	pinCommitted := pins.Pin(testCollection, committed)
	defer pinCommitted.Release()

	taskId, err := executor.CreatePendingTask(ctx, testCollection, testRange, testSuperseded)
	require.NoError(t, err)
	require.NoError(t, executor.MarkTaskReady(ctx, taskId))

	executor.Start()
	defer executor.Stop()

	assert.Eventually(t, func() bool {
		return docCount(t, store) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestExecutor_ResumesTasksAfterRestart(t *testing.T) {
	store := memory.NewMemoryPlacementStore()
	seedDocs(t, store, 4)
	ctx := context.Background()

	// First incarnation records the obligation but dies before executing
	first := NewExecutor(testConfig(), log.NewDefaultLogger(), store, NewPinTracker())
	taskId, err := first.CreatePendingTask(ctx, testCollection, testRange, testSuperseded)
	require.NoError(t, err)
	require.NoError(t, first.MarkTaskReady(ctx, taskId))

	// Second incarnation rediscovers the ready task from durable storage
	second := NewExecutor(testConfig(), log.NewDefaultLogger(), store, NewPinTracker())
	second.Start()
	defer second.Stop()

	assert.Eventually(t, func() bool {
		if docCount(t, store) != 0 {
			return false
		}
		tasks, dbErr := store.ListRangeDeletionTasks(ctx, testNode)
		return dbErr == nil && len(tasks) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestExecutor_TaskCarriesSupersededVersion(t *testing.T) {
	store := memory.NewMemoryPlacementStore()
	ctx := context.Background()

	executor := NewExecutor(testConfig(), log.NewDefaultLogger(), store, NewPinTracker())
	_, err := executor.CreatePendingTask(ctx, testCollection, testRange, testSuperseded)
	require.NoError(t, err)

	tasks, dbErr := store.ListRangeDeletionTasks(ctx, testNode)
	require.Nil(t, dbErr)
	require.Len(t, tasks, 1)
	assert.Equal(t, testSuperseded, tasks[0].SupersededVersion)
}

func TestExecutor_WaitForOverlappingTasks(t *testing.T) {
	store := memory.NewMemoryPlacementStore()
	ctx := context.Background()

	executor := NewExecutor(testConfig(), log.NewDefaultLogger(), store, NewPinTracker())
	taskId, err := executor.CreatePendingTask(ctx, testCollection, testRange, testSuperseded)
	require.NoError(t, err)

	// Overlap: blocks until the task is gone
	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	err = executor.WaitForOverlappingTasks(waitCtx, testCollection, databases.KeyRange{Low: "c", High: "z"})
	cancel()
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Disjoint range proceeds immediately
	require.NoError(t, executor.WaitForOverlappingTasks(ctx, testCollection, databases.KeyRange{Low: "m", High: "z"}))

	require.NoError(t, executor.DropTask(ctx, taskId))
	require.NoError(t, executor.WaitForOverlappingTasks(ctx, testCollection, databases.KeyRange{Low: "c", High: "z"}))
}

func TestPinTracker_WaitForDrain(t *testing.T) {
	pins := NewPinTracker()

	p1 := pins.Pin(testCollection, testSuperseded)
	p2 := pins.Pin(testCollection, testSuperseded)
	assert.Equal(t, 2, pins.PinCountAt(testCollection, testSuperseded))

	done := make(chan error, 1)
	go func() {
		done <- pins.WaitForDrain(context.Background(), testCollection, testSuperseded)
	}()

	p1.Release()
	select {
	case <-done:
		t.Fatal("drain completed with a superseded pin still held")
	case <-time.After(20 * time.Millisecond):
	}

	// Release is idempotent
	p1.Release()
	p2.Release()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("drain did not complete after all pins released")
	}
	assert.Equal(t, 0, pins.PinCountAt(testCollection, testSuperseded))
}
