package migration

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/placekeeper-io/placekeeper/config"
	"github.com/placekeeper-io/placekeeper/databases"
	"github.com/placekeeper-io/placekeeper/databases/memory"
	"github.com/placekeeper-io/placekeeper/distlock"
	"github.com/placekeeper-io/placekeeper/engine/clock"
	"github.com/placekeeper-io/placekeeper/log"
	"github.com/placekeeper-io/placekeeper/placement"
	"github.com/placekeeper-io/placekeeper/rangedeleter"
	"github.com/placekeeper-io/placekeeper/routing"
)

const (
	testCollection = "orders"
	donorNode      = "node-a"
	recipientNode  = "node-b"
)

var testRange = databases.KeyRange{Low: "", High: "m"}

func testConfig(nodeId string) *config.Config {
	cfg := &config.Config{}
	cfg.Core.NodeId = nodeId
	cfg.Core.DatabaseAPITimeout = 5 * time.Second
	cfg.Core.DistLockConfig.PingInterval = time.Hour
	cfg.Core.DistLockConfig.LeaseStalenessWindow = 15 * time.Minute
	cfg.Core.MigrationConfig.CloneBatchLimit = 3
	cfg.Core.MigrationConfig.ModTransferBatchLimit = 4
	cfg.Core.MigrationConfig.MaxPendingModsForSteady = 100
	cfg.Core.MigrationConfig.SteadyStatePollInterval = 5 * time.Millisecond
	cfg.Core.MigrationConfig.SteadyStateTimeout = 5 * time.Second
	cfg.Core.MigrationConfig.CriticalSectionTimeout = 5 * time.Second
	cfg.Core.MigrationConfig.LockRetryInitialInterval = 2 * time.Millisecond
	cfg.Core.MigrationConfig.LockRetryMaxInterval = 10 * time.Millisecond
	cfg.Core.MigrationConfig.LockRetryLimit = 500
	cfg.Core.RangeDeleterConfig.OrphanCleanupDelay = time.Millisecond
	cfg.Core.RangeDeleterConfig.DeletionBatchLimit = 2
	cfg.Core.RangeDeleterConfig.InterBatchDelay = time.Millisecond
	cfg.Core.RangeDeleterConfig.TaskPollInterval = 5 * time.Millisecond
	return cfg
}

// testPeers wires the two in-process coordinators together, optionally
// gating the recipient's clone pulls so tests can act mid-migration.
type testPeers struct {
	donor     *DonorCoordinator
	recipient *RecipientCoordinator
	cloneGate chan struct{}
}

func (p *testPeers) Recipient(nodeId string) (RecipientClient, error) {
	return p.recipient, nil
}

func (p *testPeers) Donor(nodeId string) (DonorClient, error) {
	if p.cloneGate == nil {
		return p.donor, nil
	}
	return &gatedDonorClient{donor: p.donor, gate: p.cloneGate}, nil
}

type gatedDonorClient struct {
	donor *DonorCoordinator
	gate  chan struct{}
}

func (g *gatedDonorClient) PullCloneBatch(
	ctx context.Context, migrationId uuid.UUID, afterKey string, limit int,
) ([]*databases.RangeDoc, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-g.gate:
	}
	return g.donor.PullCloneBatch(ctx, migrationId, afterKey, limit)
}

func (g *gatedDonorClient) PullMods(
	ctx context.Context, migrationId uuid.UUID, limit int,
) ([]*databases.Mod, error) {
	return g.donor.PullMods(ctx, migrationId, limit)
}

type testCluster struct {
	store        databases.PlacementStore
	backing      *memory.MemoryPlacementStore
	donor        *DonorCoordinator
	recipient    *RecipientCoordinator
	donorWorker  *rangedeleter.Executor
	recipWorker  *rangedeleter.Executor
	peers        *testPeers
	chunkVersion placement.ChunkVersion
}

// newTestCluster seeds a two-node placement with docs a..g on the donor
// inside testRange, and starts both cleanup workers.
func newTestCluster(t *testing.T, donorStore databases.PlacementStore, backing *memory.MemoryPlacementStore, gated bool) *testCluster {
	t.Helper()
	ctx := context.Background()
	logger := log.NewDefaultLogger()

	epoch := uuid.New()
	vDonor := placement.ChunkVersion{Major: 2, Minor: 0, Epoch: epoch}
	vOther := placement.ChunkVersion{Major: 1, Minor: 0, Epoch: epoch}
	require.Nil(t, backing.SeedCollectionPlacement(ctx, &databases.CollectionPlacement{
		Collection: testCollection,
		Chunks: []*databases.ChunkRecord{
			{Collection: testCollection, Range: testRange, OwnerId: donorNode, Version: vDonor},
			{Collection: testCollection, Range: databases.KeyRange{Low: "m", High: "s"}, OwnerId: donorNode, Version: placement.ChunkVersion{Major: 1, Minor: 1, Epoch: epoch}},
			{Collection: testCollection, Range: databases.KeyRange{Low: "s", High: ""}, OwnerId: recipientNode, Version: vOther},
		},
	}))

	for _, key := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		require.Nil(t, backing.ApplyMod(ctx, donorNode, testCollection, &databases.Mod{
			Op: databases.ModInsert, Key: key, Value: "v-" + key,
		}))
	}

	donorCfg := testConfig(donorNode)
	recipCfg := testConfig(recipientNode)

	donorWorker := rangedeleter.NewExecutor(donorCfg, logger, backing, rangedeleter.NewPinTracker())
	recipWorker := rangedeleter.NewExecutor(recipCfg, logger, backing, rangedeleter.NewPinTracker())
	donorWorker.Start()
	recipWorker.Start()
	t.Cleanup(donorWorker.Stop)
	t.Cleanup(recipWorker.Stop)

	peers := &testPeers{}
	if gated {
		peers.cloneGate = make(chan struct{})
	}

	locks := distlock.NewLockManager(donorCfg, logger, backing, clock.NewRealTimeSource())
	router := routing.NewRouter(logger, backing)
	donor := NewDonorCoordinator(donorCfg, logger, donorStore, locks, donorWorker, router, peers)
	recipient := NewRecipientCoordinator(recipCfg, logger, backing, recipWorker, peers)
	peers.donor = donor
	peers.recipient = recipient

	return &testCluster{
		store:        donorStore,
		backing:      backing,
		donor:        donor,
		recipient:    recipient,
		donorWorker:  donorWorker,
		recipWorker:  recipWorker,
		peers:        peers,
		chunkVersion: vDonor,
	}
}

func docCount(t *testing.T, store *memory.MemoryPlacementStore, nodeId string) int {
	t.Helper()
	n, dbErr := store.CountDocsInRange(context.Background(), nodeId, testCollection, testRange)
	require.Nil(t, dbErr)
	return n
}

func TestMigration_CommitEndToEnd(t *testing.T) {
	backing := memory.NewMemoryPlacementStore()
	cluster := newTestCluster(t, backing, backing, false)
	ctx := context.Background()

	handle, err := cluster.donor.BeginMigration(ctx, &MigrationRequest{
		Collection:  testCollection,
		Range:       testRange,
		RecipientId: recipientNode,
	})
	require.NoError(t, err)

	awaitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	outcome, err := handle.Await(awaitCtx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, outcome)

	// Ownership and version moved in the authority
	p, dbErr := backing.GetCollectionPlacement(ctx, testCollection)
	require.Nil(t, dbErr)
	chunk := p.FindChunk(testRange)
	require.NotNil(t, chunk)
	assert.Equal(t, recipientNode, chunk.OwnerId)
	assert.Equal(t, cluster.chunkVersion.Major+1, chunk.Version.Major)
	assert.Equal(t, cluster.chunkVersion.Epoch, chunk.Version.Epoch)

	// Recipient holds the full clone
	assert.Equal(t, 7, docCount(t, backing, recipientNode))

	// Donor's orphans are deleted by its ready task; all tasks drain
	assert.Eventually(t, func() bool {
		if docCount(t, backing, donorNode) != 0 {
			return false
		}
		for _, node := range []string{donorNode, recipientNode} {
			tasks, dbErr := backing.ListRangeDeletionTasks(ctx, node)
			if dbErr != nil || len(tasks) != 0 {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	// The durability anchor is gone once both sides cleaned up
	_, getErr := backing.GetMigrationRecord(ctx, handle.MigrationId)
	require.NotNil(t, getErr)
	assert.True(t, getErr.NotExists)
}

func TestMigration_ModsTransferredInOrder(t *testing.T) {
	backing := memory.NewMemoryPlacementStore()
	cluster := newTestCluster(t, backing, backing, true)
	ctx := context.Background()

	handle, err := cluster.donor.BeginMigration(ctx, &MigrationRequest{
		Collection:  testCollection,
		Range:       testRange,
		RecipientId: recipientNode,
	})
	require.NoError(t, err)

	// Writes land while the clone is still gated; they must reach the
	// recipient via the mod transfer with per-key last-write-wins
	require.NoError(t, cluster.donor.ApplyWrite(ctx, testCollection, &databases.Mod{
		Op: databases.ModUpdate, Key: "a", Value: "v-a-1",
	}))
	require.NoError(t, cluster.donor.ApplyWrite(ctx, testCollection, &databases.Mod{
		Op: databases.ModUpdate, Key: "a", Value: "v-a-2",
	}))
	require.NoError(t, cluster.donor.ApplyWrite(ctx, testCollection, &databases.Mod{
		Op: databases.ModInsert, Key: "ab", Value: "v-ab",
	}))
	require.NoError(t, cluster.donor.ApplyWrite(ctx, testCollection, &databases.Mod{
		Op: databases.ModDelete, Key: "b",
	}))

	// A write outside the migrating range is applied without buffering
	require.NoError(t, cluster.donor.ApplyWrite(ctx, testCollection, &databases.Mod{
		Op: databases.ModInsert, Key: "z", Value: "v-z",
	}))

	close(cluster.peers.cloneGate)

	awaitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	outcome, err := handle.Await(awaitCtx)
	require.NoError(t, err)
	require.Equal(t, OutcomeCommitted, outcome)

	docs, dbErr := backing.RangeGetDocs(ctx, recipientNode, testCollection, testRange, "", 0)
	require.Nil(t, dbErr)
	byKey := map[string]interface{}{}
	for _, doc := range docs {
		byKey[doc.Key] = doc.Value
	}
	assert.Equal(t, "v-a-2", byKey["a"])
	assert.Equal(t, "v-ab", byKey["ab"])
	assert.NotContains(t, byKey, "b")
	assert.NotContains(t, byKey, "z")
}

func TestMigration_JoinSameRangeSharesHandle(t *testing.T) {
	backing := memory.NewMemoryPlacementStore()
	cluster := newTestCluster(t, backing, backing, true)
	ctx := context.Background()

	first, err := cluster.donor.BeginMigration(ctx, &MigrationRequest{
		Collection:  testCollection,
		Range:       testRange,
		RecipientId: recipientNode,
	})
	require.NoError(t, err)

	// Replaying the same range joins the in-flight migration
	second, err := cluster.donor.BeginMigration(ctx, &MigrationRequest{
		Collection:  testCollection,
		Range:       testRange,
		RecipientId: recipientNode,
	})
	require.NoError(t, err)
	assert.Same(t, first, second)

	// A different donor-owned range on the same node conflicts
	_, err = cluster.donor.BeginMigration(ctx, &MigrationRequest{
		Collection:  testCollection,
		Range:       databases.KeyRange{Low: "m", High: "s"},
		RecipientId: recipientNode,
	})
	assert.ErrorIs(t, err, ErrConflictingMigrationInProgress)

	close(cluster.peers.cloneGate)

	awaitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	outcome, err := first.Await(awaitCtx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, outcome)
}

// commitFailStore injects an authoritative-commit failure to force an
// abort after the critical section is entered.
type commitFailStore struct {
	databases.PlacementStore
}

func (s *commitFailStore) CommitChunkMove(
	ctx context.Context,
	collection string, rng databases.KeyRange,
	donorId, recipientId string,
	expectedVersion, newVersion placement.ChunkVersion,
) *databases.DbError {
	return databases.NewGenericDbError("injected commit failure", nil)
}

func TestMigration_AbortAfterCriticalSection(t *testing.T) {
	backing := memory.NewMemoryPlacementStore()
	cluster := newTestCluster(t, &commitFailStore{PlacementStore: backing}, backing, false)
	ctx := context.Background()

	handle, err := cluster.donor.BeginMigration(ctx, &MigrationRequest{
		Collection:  testCollection,
		Range:       testRange,
		RecipientId: recipientNode,
	})
	require.NoError(t, err)

	awaitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	outcome, err := handle.Await(awaitCtx)
	assert.Equal(t, OutcomeAborted, outcome)
	assert.ErrorIs(t, err, ErrMigrationAborted)

	// Ownership never moved
	p, dbErr := backing.GetCollectionPlacement(ctx, testCollection)
	require.Nil(t, dbErr)
	chunk := p.FindChunk(testRange)
	require.NotNil(t, chunk)
	assert.Equal(t, donorNode, chunk.OwnerId)
	assert.Equal(t, cluster.chunkVersion, chunk.Version)

	// Donor keeps its documents; the recipient's partial clone is the
	// orphan and its ready task deletes it
	assert.Equal(t, 7, docCount(t, backing, donorNode))
	assert.Eventually(t, func() bool {
		if docCount(t, backing, recipientNode) != 0 {
			return false
		}
		for _, node := range []string{donorNode, recipientNode} {
			tasks, dbErr := backing.ListRangeDeletionTasks(ctx, node)
			if dbErr != nil || len(tasks) != 0 {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	// A new write to the range succeeds once the abort clears suspension
	require.NoError(t, cluster.donor.ApplyWrite(ctx, testCollection, &databases.Mod{
		Op: databases.ModInsert, Key: "h", Value: "v-h",
	}))
}

// commitAmbiguousStore applies the authoritative commit and then reports
// a failure, like a response lost on the wire after the write landed.
type commitAmbiguousStore struct {
	databases.PlacementStore
}

func (s *commitAmbiguousStore) CommitChunkMove(
	ctx context.Context,
	collection string, rng databases.KeyRange,
	donorId, recipientId string,
	expectedVersion, newVersion placement.ChunkVersion,
) *databases.DbError {
	if dbErr := s.PlacementStore.CommitChunkMove(
		ctx, collection, rng, donorId, recipientId, expectedVersion, newVersion,
	); dbErr != nil {
		return dbErr
	}
	return databases.NewGenericDbError("injected lost commit response", nil)
}

func TestMigration_CommitErrorAfterWriteLanded(t *testing.T) {
	backing := memory.NewMemoryPlacementStore()
	cluster := newTestCluster(t, &commitAmbiguousStore{PlacementStore: backing}, backing, false)
	ctx := context.Background()

	handle, err := cluster.donor.BeginMigration(ctx, &MigrationRequest{
		Collection:  testCollection,
		Range:       testRange,
		RecipientId: recipientNode,
	})
	require.NoError(t, err)

	// The commit write took effect in the authority, so the failed call
	// must resolve as committed, not as an abort that would have the
	// recipient delete the only surviving copy of the range
	awaitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	outcome, err := handle.Await(awaitCtx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, outcome)

	p, dbErr := backing.GetCollectionPlacement(ctx, testCollection)
	require.Nil(t, dbErr)
	chunk := p.FindChunk(testRange)
	require.NotNil(t, chunk)
	assert.Equal(t, recipientNode, chunk.OwnerId)
	assert.Equal(t, cluster.chunkVersion.Major+1, chunk.Version.Major)

	assert.Equal(t, 7, docCount(t, backing, recipientNode))
	assert.Eventually(t, func() bool {
		return docCount(t, backing, donorNode) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

// commitOutcomeUnknownStore fails the commit write and then cuts the
// donor off from the authority, so the outcome cannot be resolved.
type commitOutcomeUnknownStore struct {
	databases.PlacementStore

	mu            sync.Mutex
	authorityDown bool
}

func (s *commitOutcomeUnknownStore) CommitChunkMove(
	ctx context.Context,
	collection string, rng databases.KeyRange,
	donorId, recipientId string,
	expectedVersion, newVersion placement.ChunkVersion,
) *databases.DbError {
	s.mu.Lock()
	s.authorityDown = true
	s.mu.Unlock()
	return databases.NewGenericDbError("injected commit connection loss", nil)
}

func (s *commitOutcomeUnknownStore) GetCollectionPlacement(
	ctx context.Context, collection string,
) (*databases.CollectionPlacement, *databases.DbError) {
	s.mu.Lock()
	down := s.authorityDown
	s.mu.Unlock()
	if down {
		return nil, databases.NewGenericDbError("injected authority outage", nil)
	}
	return s.PlacementStore.GetCollectionPlacement(ctx, collection)
}

func TestMigration_CommitOutcomeUnknownLeavesRangeSuspended(t *testing.T) {
	backing := memory.NewMemoryPlacementStore()
	cluster := newTestCluster(t, &commitOutcomeUnknownStore{PlacementStore: backing}, backing, false)
	ctx := context.Background()

	handle, err := cluster.donor.BeginMigration(ctx, &MigrationRequest{
		Collection:  testCollection,
		Range:       testRange,
		RecipientId: recipientNode,
	})
	require.NoError(t, err)

	awaitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	outcome, err := handle.Await(awaitCtx)
	assert.ErrorIs(t, err, ErrManualInterventionRequired)
	assert.Equal(t, Outcome(""), outcome)

	// No decision was recorded; only recovery may resolve it later
	rec, getErr := backing.GetMigrationRecord(ctx, handle.MigrationId)
	require.Nil(t, getErr)
	assert.Equal(t, databases.DecisionUndecided, rec.Decision)

	// In-range writes stay rejected while the outcome is unresolved
	err = cluster.donor.ApplyWrite(ctx, testCollection, &databases.Mod{
		Op: databases.ModInsert, Key: "c", Value: "v-c-new",
	})
	assert.ErrorIs(t, err, ErrWriteSuspended)

	// Neither side deleted anything
	assert.Equal(t, 7, docCount(t, backing, donorNode))
	assert.Equal(t, 7, docCount(t, backing, recipientNode))
}

func TestMigration_LockBusyRetriedUntilReleased(t *testing.T) {
	backing := memory.NewMemoryPlacementStore()
	cluster := newTestCluster(t, backing, backing, false)
	ctx := context.Background()

	other := distlock.NewLockManager(testConfig("node-c"), log.NewDefaultLogger(), backing, clock.NewRealTimeSource())
	held, err := other.Acquire(ctx, migrationLockResource(testCollection), "competing move")
	require.NoError(t, err)

	// Released while BeginMigration is backing off; a later attempt wins
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = other.Release(context.Background(), held)
	}()

	handle, err := cluster.donor.BeginMigration(ctx, &MigrationRequest{
		Collection:  testCollection,
		Range:       testRange,
		RecipientId: recipientNode,
	})
	require.NoError(t, err)

	awaitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	outcome, err := handle.Await(awaitCtx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, outcome)
}

func TestMigration_LockRetryExhaustionSurfacesBusy(t *testing.T) {
	backing := memory.NewMemoryPlacementStore()
	cluster := newTestCluster(t, backing, backing, false)
	ctx := context.Background()
	logger := log.NewDefaultLogger()

	other := distlock.NewLockManager(testConfig("node-c"), logger, backing, clock.NewRealTimeSource())
	held, err := other.Acquire(ctx, migrationLockResource(testCollection), "competing move")
	require.NoError(t, err)
	defer other.Release(ctx, held)

	// A donor with a tight retry budget gives up instead of spinning
	cfg := testConfig(donorNode)
	cfg.Core.MigrationConfig.LockRetryInitialInterval = time.Millisecond
	cfg.Core.MigrationConfig.LockRetryMaxInterval = 2 * time.Millisecond
	cfg.Core.MigrationConfig.LockRetryLimit = 3
	locks := distlock.NewLockManager(cfg, logger, backing, clock.NewRealTimeSource())
	router := routing.NewRouter(logger, backing)
	donor := NewDonorCoordinator(cfg, logger, backing, locks, cluster.donorWorker, router, cluster.peers)

	_, err = donor.BeginMigration(ctx, &MigrationRequest{
		Collection:  testCollection,
		Range:       testRange,
		RecipientId: recipientNode,
	})
	assert.ErrorIs(t, err, distlock.ErrLockBusy)
}

func TestMigration_BeginRejectsForeignChunk(t *testing.T) {
	backing := memory.NewMemoryPlacementStore()
	cluster := newTestCluster(t, backing, backing, false)
	ctx := context.Background()

	_, err := cluster.donor.BeginMigration(ctx, &MigrationRequest{
		Collection:  testCollection,
		Range:       databases.KeyRange{Low: "s", High: ""},
		RecipientId: recipientNode,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not this node")

	_, err = cluster.donor.BeginMigration(ctx, &MigrationRequest{
		Collection:  testCollection,
		Range:       databases.KeyRange{Low: "x", High: "y"},
		RecipientId: recipientNode,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no chunk matches")
}

func TestMigration_WriteSuspendedDuringCriticalSection(t *testing.T) {
	// Exercises the donor write path directly: once the run is marked
	// suspended, in-range writes are rejected and out-of-range writes pass
	backing := memory.NewMemoryPlacementStore()
	cluster := newTestCluster(t, backing, backing, true)
	ctx := context.Background()

	handle, err := cluster.donor.BeginMigration(ctx, &MigrationRequest{
		Collection:  testCollection,
		Range:       testRange,
		RecipientId: recipientNode,
	})
	require.NoError(t, err)

	run, err := cluster.donor.runFor(handle.MigrationId)
	require.NoError(t, err)
	cluster.donor.setSuspended(run, true, false)

	err = cluster.donor.ApplyWrite(ctx, testCollection, &databases.Mod{
		Op: databases.ModInsert, Key: "c", Value: "v-c-new",
	})
	assert.ErrorIs(t, err, ErrWriteSuspended)

	require.NoError(t, cluster.donor.ApplyWrite(ctx, testCollection, &databases.Mod{
		Op: databases.ModInsert, Key: "q", Value: "v-q",
	}))

	cluster.donor.setSuspended(run, false, false)
	close(cluster.peers.cloneGate)

	awaitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err = handle.Await(awaitCtx)
	require.NoError(t, err)
}

func TestRecovery_ResolvesFromAuthority(t *testing.T) {
	backing := memory.NewMemoryPlacementStore()
	ctx := context.Background()
	logger := log.NewDefaultLogger()

	epoch := uuid.New()
	expected := placement.ChunkVersion{Major: 2, Minor: 0, Epoch: epoch}
	committed, verr := placement.NextMajor(expected)
	require.NoError(t, verr)

	// Authority shows the commit landed before the crash
	require.Nil(t, backing.SeedCollectionPlacement(ctx, &databases.CollectionPlacement{
		Collection: testCollection,
		Chunks: []*databases.ChunkRecord{
			{Collection: testCollection, Range: testRange, OwnerId: recipientNode, Version: committed},
		},
	}))

	migrationId := uuid.New()
	require.Nil(t, backing.UpsertMigrationRecord(ctx, &databases.MigrationRecord{
		MigrationId:            migrationId,
		Collection:             testCollection,
		Range:                  testRange,
		DonorId:                donorNode,
		RecipientId:            recipientNode,
		Decision:               databases.DecisionUndecided,
		CriticalSectionEntered: true,
		ExpectedVersion:        expected,
		CreatedAt:              time.Now(),
	}))

	// The donor's pending task survived the crash
	donorCfg := testConfig(donorNode)
	donorWorker := rangedeleter.NewExecutor(donorCfg, logger, backing, rangedeleter.NewPinTracker())
	taskId, err := donorWorker.CreatePendingTask(ctx, testCollection, testRange, expected)
	require.NoError(t, err)

	recovery := NewRecoveryManager(donorCfg, logger, backing, donorWorker)
	require.NoError(t, recovery.Run(ctx))

	// Commit observed in the authority: the donor's task turns ready
	tasks, dbErr := backing.ListRangeDeletionTasks(ctx, donorNode)
	require.Nil(t, dbErr)
	require.Len(t, tasks, 1)
	assert.Equal(t, taskId, tasks[0].TaskId)
	assert.False(t, tasks[0].Pending)

	// The donor deletes the record after discharging its side
	_, getErr := backing.GetMigrationRecord(ctx, migrationId)
	require.NotNil(t, getErr)
	assert.True(t, getErr.NotExists)
}

func TestRecovery_AbortWhenCommitNotObserved(t *testing.T) {
	backing := memory.NewMemoryPlacementStore()
	ctx := context.Background()
	logger := log.NewDefaultLogger()

	epoch := uuid.New()
	expected := placement.ChunkVersion{Major: 2, Minor: 0, Epoch: epoch}

	// Authority still shows the donor as owner: the crash happened
	// before the commit write landed
	require.Nil(t, backing.SeedCollectionPlacement(ctx, &databases.CollectionPlacement{
		Collection: testCollection,
		Chunks: []*databases.ChunkRecord{
			{Collection: testCollection, Range: testRange, OwnerId: donorNode, Version: expected},
		},
	}))

	migrationId := uuid.New()
	require.Nil(t, backing.UpsertMigrationRecord(ctx, &databases.MigrationRecord{
		MigrationId:     migrationId,
		Collection:      testCollection,
		Range:           testRange,
		DonorId:         donorNode,
		RecipientId:     recipientNode,
		Decision:        databases.DecisionUndecided,
		ExpectedVersion: expected,
		CreatedAt:       time.Now(),
	}))

	// The recipient's pending task guards its partial clone
	recipCfg := testConfig(recipientNode)
	recipWorker := rangedeleter.NewExecutor(recipCfg, logger, backing, rangedeleter.NewPinTracker())
	taskId, err := recipWorker.CreatePendingTask(ctx, testCollection, testRange, expected)
	require.NoError(t, err)

	recovery := NewRecoveryManager(recipCfg, logger, backing, recipWorker)
	require.NoError(t, recovery.Run(ctx))

	// Abort derived: the recipient's partial clone must be deleted
	tasks, dbErr := backing.ListRangeDeletionTasks(ctx, recipientNode)
	require.Nil(t, dbErr)
	require.Len(t, tasks, 1)
	assert.Equal(t, taskId, tasks[0].TaskId)
	assert.False(t, tasks[0].Pending)

	// The recipient leaves the record for the donor's recovery
	rec, getErr := backing.GetMigrationRecord(ctx, migrationId)
	require.Nil(t, getErr)
	assert.Equal(t, databases.DecisionAborted, rec.Decision)
}

// decideFailStore rejects decision writes so recovery cannot resolve
// the record it found.
type decideFailStore struct {
	databases.PlacementStore
}

func (s *decideFailStore) DecideMigration(
	ctx context.Context, migrationId uuid.UUID, decision databases.MigrationDecision,
) *databases.DbError {
	return databases.NewGenericDbError("injected decision failure", nil)
}

func TestRecovery_UnresolvableRecordRequiresIntervention(t *testing.T) {
	backing := memory.NewMemoryPlacementStore()
	ctx := context.Background()
	logger := log.NewDefaultLogger()

	epoch := uuid.New()
	expected := placement.ChunkVersion{Major: 2, Minor: 0, Epoch: epoch}
	require.Nil(t, backing.SeedCollectionPlacement(ctx, &databases.CollectionPlacement{
		Collection: testCollection,
		Chunks: []*databases.ChunkRecord{
			{Collection: testCollection, Range: testRange, OwnerId: donorNode, Version: expected},
		},
	}))

	migrationId := uuid.New()
	require.Nil(t, backing.UpsertMigrationRecord(ctx, &databases.MigrationRecord{
		MigrationId:     migrationId,
		Collection:      testCollection,
		Range:           testRange,
		DonorId:         donorNode,
		RecipientId:     recipientNode,
		Decision:        databases.DecisionUndecided,
		ExpectedVersion: expected,
		CreatedAt:       time.Now(),
	}))

	cfg := testConfig(donorNode)
	worker := rangedeleter.NewExecutor(cfg, logger, backing, rangedeleter.NewPinTracker())
	recovery := NewRecoveryManager(cfg, logger, &decideFailStore{PlacementStore: backing}, worker)
	err := recovery.Run(ctx)
	assert.ErrorIs(t, err, ErrManualInterventionRequired)
}

func TestModBuffer_DrainPreservesOrder(t *testing.T) {
	buffer := newModBuffer()
	for i := 0; i < 10; i++ {
		buffer.Append(&databases.Mod{Op: databases.ModUpdate, Key: "k", Value: fmt.Sprintf("v%d", i)})
	}

	var drained []*databases.Mod
	for buffer.Len() > 0 {
		drained = append(drained, buffer.Drain(3)...)
	}
	require.Len(t, drained, 10)
	for i, mod := range drained {
		assert.Equal(t, fmt.Sprintf("v%d", i), mod.Value)
	}
}
