package distlock

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/placekeeper-io/placekeeper/config"
	"github.com/placekeeper-io/placekeeper/databases/memory"
	"github.com/placekeeper-io/placekeeper/engine/clock"
	"github.com/placekeeper-io/placekeeper/log"
)

func newTestManager(t *testing.T, store *memory.MemoryPlacementStore, nodeId string, ts clock.TimeSource) *LockManager {
	t.Helper()
	cfg := &config.Config{}
	cfg.Core.NodeId = nodeId
	cfg.Core.DatabaseAPITimeout = 5 * time.Second
	cfg.Core.DistLockConfig.PingInterval = time.Hour // keep ping loops quiet in tests
	cfg.Core.DistLockConfig.LeaseStalenessWindow = 15 * time.Minute
	return NewLockManager(cfg, log.NewDefaultLogger(), store, ts)
}

func TestAcquireRelease(t *testing.T) {
	store := memory.NewMemoryPlacementStore()
	ts := clock.NewFakeTimeSource(time.Now())
	manager := newTestManager(t, store, "node-a", ts)

	ctx := context.Background()

	handle, err := manager.Acquire(ctx, "coll.orders", "migration")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(handle.OwnerId, "node-a:"))

	// Same manager cannot double acquire while the lease is fresh
	_, err = manager.Acquire(ctx, "coll.orders", "split")
	assert.ErrorIs(t, err, ErrLockBusy)

	require.NoError(t, manager.Release(ctx, handle))

	handle2, err := manager.Acquire(ctx, "coll.orders", "split")
	require.NoError(t, err)
	require.NoError(t, manager.Release(ctx, handle2))
}

func TestAcquire_ContendedByAnotherOwner(t *testing.T) {
	store := memory.NewMemoryPlacementStore()
	ts := clock.NewFakeTimeSource(time.Now())
	managerA := newTestManager(t, store, "node-a", ts)
	managerB := newTestManager(t, store, "node-b", ts)

	ctx := context.Background()

	handle, err := managerA.Acquire(ctx, "coll.orders", "migration")
	require.NoError(t, err)
	defer managerA.Release(ctx, handle)

	_, err = managerB.Acquire(ctx, "coll.orders", "migration")
	assert.ErrorIs(t, err, ErrLockBusy)
}

func TestAcquire_MutualExclusionUnderConcurrency(t *testing.T) {
	store := memory.NewMemoryPlacementStore()
	ts := clock.NewFakeTimeSource(time.Now())

	ctx := context.Background()
	const attempts = 20

	var wg sync.WaitGroup
	successes := make(chan *LockHandle, attempts)
	for i := 0; i < attempts; i++ {
		manager := newTestManager(t, store, nodeName(i), ts)
		wg.Add(1)
		go func() {
			defer wg.Done()
			handle, err := manager.Acquire(ctx, "coll.orders", "migration")
			if err == nil {
				successes <- handle
			} else {
				assert.ErrorIs(t, err, ErrLockBusy)
			}
		}()
	}
	wg.Wait()
	close(successes)

	count := 0
	for range successes {
		count++
	}
	assert.Equal(t, 1, count, "exactly one concurrent acquire must win")
}

func TestOvertake_OnlyAfterStaleness(t *testing.T) {
	store := memory.NewMemoryPlacementStore()
	ts := clock.NewFakeTimeSource(time.Now())
	managerA := newTestManager(t, store, "node-a", ts)
	managerB := newTestManager(t, store, "node-b", ts)

	ctx := context.Background()

	_, err := managerA.Acquire(ctx, "coll.orders", "migration")
	require.NoError(t, err)

	// Not yet stale
	ts.Advance(14 * time.Minute)
	_, err = managerB.Acquire(ctx, "coll.orders", "migration")
	assert.ErrorIs(t, err, ErrLockBusy)

	// Past the staleness window the lease becomes overtakable
	ts.Advance(2 * time.Minute)
	handleB, err := managerB.Acquire(ctx, "coll.orders", "migration")
	require.NoError(t, err)

	lock, dbErr := store.GetLock(ctx, "coll.orders")
	require.Nil(t, dbErr)
	assert.True(t, strings.HasPrefix(lock.OwnerId, "node-b:"))

	// The old holder's release is a no-op, not an error
	staleHandle := &LockHandle{ResourceName: "coll.orders", OwnerId: "node-a:gone", manager: managerA,
		closeChan: make(chan struct{}), invalidatedChan: make(chan struct{})}
	assert.NoError(t, managerA.Release(ctx, staleHandle))

	require.NoError(t, managerB.Release(ctx, handleB))
}

func TestRelease_DeletesLockPing(t *testing.T) {
	store := memory.NewMemoryPlacementStore()
	ts := clock.NewFakeTimeSource(time.Now())
	manager := newTestManager(t, store, "node-a", ts)

	ctx := context.Background()

	handle, err := manager.Acquire(ctx, "coll.orders", "migration")
	require.NoError(t, err)
	_, dbErr := store.GetLockPing(ctx, handle.OwnerId)
	require.Nil(t, dbErr)

	require.NoError(t, manager.Release(ctx, handle))

	// Owner tokens are unique per acquisition, so a released owner's
	// ping document would otherwise accumulate forever
	_, dbErr = store.GetLockPing(ctx, handle.OwnerId)
	require.NotNil(t, dbErr)
	assert.True(t, dbErr.NotExists)
}

func TestOvertake_DeletesStaleHolderPing(t *testing.T) {
	store := memory.NewMemoryPlacementStore()
	ts := clock.NewFakeTimeSource(time.Now())
	managerA := newTestManager(t, store, "node-a", ts)
	managerB := newTestManager(t, store, "node-b", ts)

	ctx := context.Background()

	handleA, err := managerA.Acquire(ctx, "coll.orders", "migration")
	require.NoError(t, err)

	ts.Advance(16 * time.Minute)
	handleB, err := managerB.Acquire(ctx, "coll.orders", "migration")
	require.NoError(t, err)
	defer managerB.Release(ctx, handleB)

	_, dbErr := store.GetLockPing(ctx, handleA.OwnerId)
	require.NotNil(t, dbErr)
	assert.True(t, dbErr.NotExists)
}

func nodeName(i int) string {
	return "node-" + string(rune('a'+i%26)) + "-" + string(rune('0'+i/26))
}
