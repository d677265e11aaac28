package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/placekeeper-io/placekeeper/databases"
	"github.com/placekeeper-io/placekeeper/placement"
)

// MemoryPlacementStore implements PlacementStore against process-local
// maps. It exists so the protocol layers can be tested hermetically;
// all conditional-write semantics match the real backends.
type MemoryPlacementStore struct {
	sync.Mutex

	locks      map[string]*databases.LockDoc
	pings      map[string]*databases.LockPingDoc
	placements map[string]*databases.CollectionPlacement
	dbRecords  map[string]*databases.DatabaseRecord
	migrations map[uuid.UUID]*databases.MigrationRecord
	tasks      map[uuid.UUID]*databases.RangeDeletionTask
	// docs[nodeId][collection][key]
	docs map[string]map[string]map[string]interface{}
}

func NewMemoryPlacementStore() *MemoryPlacementStore {
	return &MemoryPlacementStore{
		locks:      make(map[string]*databases.LockDoc),
		pings:      make(map[string]*databases.LockPingDoc),
		placements: make(map[string]*databases.CollectionPlacement),
		dbRecords:  make(map[string]*databases.DatabaseRecord),
		migrations: make(map[uuid.UUID]*databases.MigrationRecord),
		tasks:      make(map[uuid.UUID]*databases.RangeDeletionTask),
		docs:       make(map[string]map[string]map[string]interface{}),
	}
}

var _ databases.PlacementStore = (*MemoryPlacementStore)(nil)

func (m *MemoryPlacementStore) Close() error {
	return nil
}

func (m *MemoryPlacementStore) InsertLock(ctx context.Context, lock *databases.LockDoc) *databases.DbError {
	m.Lock()
	defer m.Unlock()

	if _, ok := m.locks[lock.ResourceName]; ok {
		return databases.NewDbErrorOnConditionFail("lock document already exists", nil)
	}
	cp := *lock
	m.locks[lock.ResourceName] = &cp
	return nil
}

func (m *MemoryPlacementStore) OvertakeLock(ctx context.Context, lock *databases.LockDoc, prevOwnerId string) *databases.DbError {
	m.Lock()
	defer m.Unlock()

	existing, ok := m.locks[lock.ResourceName]
	if !ok || existing.OwnerId != prevOwnerId {
		return databases.NewDbErrorOnConditionFail("lock no longer held by expected owner", nil)
	}
	cp := *lock
	m.locks[lock.ResourceName] = &cp
	return nil
}

func (m *MemoryPlacementStore) GetLock(ctx context.Context, resourceName string) (*databases.LockDoc, *databases.DbError) {
	m.Lock()
	defer m.Unlock()

	lock, ok := m.locks[resourceName]
	if !ok {
		return nil, databases.NewDbErrorNotExists("lock not found", nil)
	}
	cp := *lock
	return &cp, nil
}

func (m *MemoryPlacementStore) ReleaseLock(ctx context.Context, resourceName string, ownerId string) *databases.DbError {
	m.Lock()
	defer m.Unlock()

	existing, ok := m.locks[resourceName]
	if !ok {
		return databases.NewDbErrorNotExists("lock not found", nil)
	}
	if existing.OwnerId != ownerId {
		return databases.NewDbErrorOnConditionFail("lock held by a different owner", nil)
	}
	delete(m.locks, resourceName)
	return nil
}

func (m *MemoryPlacementStore) UpsertLockPing(ctx context.Context, ownerId string, pingAt time.Time) *databases.DbError {
	m.Lock()
	defer m.Unlock()

	m.pings[ownerId] = &databases.LockPingDoc{OwnerId: ownerId, LastPingAt: pingAt}
	return nil
}

func (m *MemoryPlacementStore) GetLockPing(ctx context.Context, ownerId string) (*databases.LockPingDoc, *databases.DbError) {
	m.Lock()
	defer m.Unlock()

	ping, ok := m.pings[ownerId]
	if !ok {
		return nil, databases.NewDbErrorNotExists("lock ping not found", nil)
	}
	cp := *ping
	return &cp, nil
}

func (m *MemoryPlacementStore) DeleteLockPing(ctx context.Context, ownerId string) *databases.DbError {
	m.Lock()
	defer m.Unlock()

	if _, ok := m.pings[ownerId]; !ok {
		return databases.NewDbErrorNotExists("lock ping not found", nil)
	}
	delete(m.pings, ownerId)
	return nil
}

func (m *MemoryPlacementStore) GetCollectionPlacement(ctx context.Context, collection string) (*databases.CollectionPlacement, *databases.DbError) {
	m.Lock()
	defer m.Unlock()

	p, ok := m.placements[collection]
	if !ok {
		return nil, databases.NewDbErrorNotExists("collection placement not found", nil)
	}
	return clonePlacement(p), nil
}

func (m *MemoryPlacementStore) SeedCollectionPlacement(ctx context.Context, p *databases.CollectionPlacement) *databases.DbError {
	m.Lock()
	defer m.Unlock()

	m.placements[p.Collection] = clonePlacement(p)
	return nil
}

func (m *MemoryPlacementStore) CommitChunkMove(
	ctx context.Context,
	collection string, rng databases.KeyRange,
	donorId, recipientId string,
	expectedVersion, newVersion placement.ChunkVersion,
) *databases.DbError {
	m.Lock()
	defer m.Unlock()

	p, ok := m.placements[collection]
	if !ok {
		return databases.NewDbErrorNotExists("collection placement not found", nil)
	}
	chunk := p.FindChunk(rng)
	if chunk == nil {
		return databases.NewDbErrorNotExists("chunk not found", nil)
	}
	if chunk.OwnerId != donorId || chunk.Version != expectedVersion {
		return databases.NewDbErrorOnConditionFail("chunk moved concurrently", nil)
	}
	chunk.OwnerId = recipientId
	chunk.Version = newVersion
	return nil
}

func (m *MemoryPlacementStore) GetDatabaseRecord(ctx context.Context, name string) (*databases.DatabaseRecord, *databases.DbError) {
	m.Lock()
	defer m.Unlock()

	rec, ok := m.dbRecords[name]
	if !ok {
		return nil, databases.NewDbErrorNotExists("database record not found", nil)
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryPlacementStore) UpsertDatabaseRecord(ctx context.Context, record *databases.DatabaseRecord) *databases.DbError {
	m.Lock()
	defer m.Unlock()

	cp := *record
	m.dbRecords[record.Name] = &cp
	return nil
}

func (m *MemoryPlacementStore) UpsertMigrationRecord(ctx context.Context, record *databases.MigrationRecord) *databases.DbError {
	m.Lock()
	defer m.Unlock()

	cp := *record
	m.migrations[record.MigrationId] = &cp
	return nil
}

func (m *MemoryPlacementStore) GetMigrationRecord(ctx context.Context, migrationId uuid.UUID) (*databases.MigrationRecord, *databases.DbError) {
	m.Lock()
	defer m.Unlock()

	rec, ok := m.migrations[migrationId]
	if !ok {
		return nil, databases.NewDbErrorNotExists("migration record not found", nil)
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryPlacementStore) DecideMigration(ctx context.Context, migrationId uuid.UUID, decision databases.MigrationDecision) *databases.DbError {
	m.Lock()
	defer m.Unlock()

	rec, ok := m.migrations[migrationId]
	if !ok {
		return databases.NewDbErrorNotExists("migration record not found", nil)
	}
	if rec.Decision != databases.DecisionUndecided {
		return databases.NewDbErrorOnConditionFail("migration already decided", nil)
	}
	rec.Decision = decision
	return nil
}

func (m *MemoryPlacementStore) SetMigrationCriticalSection(ctx context.Context, migrationId uuid.UUID, entered bool) *databases.DbError {
	m.Lock()
	defer m.Unlock()

	rec, ok := m.migrations[migrationId]
	if !ok {
		return databases.NewDbErrorNotExists("migration record not found", nil)
	}
	rec.CriticalSectionEntered = entered
	return nil
}

func (m *MemoryPlacementStore) DeleteMigrationRecord(ctx context.Context, migrationId uuid.UUID) *databases.DbError {
	m.Lock()
	defer m.Unlock()

	delete(m.migrations, migrationId)
	return nil
}

func (m *MemoryPlacementStore) ListUnresolvedMigrations(ctx context.Context, nodeId string) ([]*databases.MigrationRecord, *databases.DbError) {
	m.Lock()
	defer m.Unlock()

	var out []*databases.MigrationRecord
	for _, rec := range m.migrations {
		if rec.DonorId == nodeId || rec.RecipientId == nodeId {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryPlacementStore) CreateRangeDeletionTask(ctx context.Context, task *databases.RangeDeletionTask) *databases.DbError {
	m.Lock()
	defer m.Unlock()

	if _, ok := m.tasks[task.TaskId]; ok {
		return databases.NewDbErrorOnConditionFail("range deletion task already exists", nil)
	}
	cp := *task
	m.tasks[task.TaskId] = &cp
	return nil
}

func (m *MemoryPlacementStore) MarkRangeDeletionTaskReady(ctx context.Context, taskId uuid.UUID) *databases.DbError {
	m.Lock()
	defer m.Unlock()

	task, ok := m.tasks[taskId]
	if !ok {
		return databases.NewDbErrorNotExists("range deletion task not found", nil)
	}
	task.Pending = false
	return nil
}

func (m *MemoryPlacementStore) DeleteRangeDeletionTask(ctx context.Context, taskId uuid.UUID) *databases.DbError {
	m.Lock()
	defer m.Unlock()

	delete(m.tasks, taskId)
	return nil
}

func (m *MemoryPlacementStore) ListRangeDeletionTasks(ctx context.Context, nodeId string) ([]*databases.RangeDeletionTask, *databases.DbError) {
	m.Lock()
	defer m.Unlock()

	var out []*databases.RangeDeletionTask
	for _, task := range m.tasks {
		if task.NodeId == nodeId {
			cp := *task
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryPlacementStore) FindOverlappingRangeDeletionTasks(
	ctx context.Context,
	nodeId string, collection string, rng databases.KeyRange,
) ([]*databases.RangeDeletionTask, *databases.DbError) {
	m.Lock()
	defer m.Unlock()

	var out []*databases.RangeDeletionTask
	for _, task := range m.tasks {
		if task.NodeId == nodeId && task.Collection == collection && task.Range.Overlaps(rng) {
			cp := *task
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryPlacementStore) RangeGetDocs(
	ctx context.Context,
	nodeId string, collection string, rng databases.KeyRange,
	afterKey string, limit int,
) ([]*databases.RangeDoc, *databases.DbError) {
	m.Lock()
	defer m.Unlock()

	keys := m.sortedKeysInRange(nodeId, collection, rng)
	var out []*databases.RangeDoc
	for _, k := range keys {
		if k <= afterKey && afterKey != "" {
			continue
		}
		out = append(out, &databases.RangeDoc{Key: k, Value: m.docs[nodeId][collection][k]})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryPlacementStore) ApplyMod(ctx context.Context, nodeId string, collection string, mod *databases.Mod) *databases.DbError {
	m.Lock()
	defer m.Unlock()

	byCollection, ok := m.docs[nodeId]
	if !ok {
		byCollection = make(map[string]map[string]interface{})
		m.docs[nodeId] = byCollection
	}
	byKey, ok := byCollection[collection]
	if !ok {
		byKey = make(map[string]interface{})
		byCollection[collection] = byKey
	}

	switch mod.Op {
	case databases.ModInsert, databases.ModUpdate:
		byKey[mod.Key] = mod.Value
	case databases.ModDelete:
		delete(byKey, mod.Key)
	default:
		return databases.NewGenericDbError("unknown mod op: "+string(mod.Op), nil)
	}
	return nil
}

func (m *MemoryPlacementStore) RangeDeleteDocsWithLimit(
	ctx context.Context,
	nodeId string, collection string, rng databases.KeyRange,
	limit int,
) (int, *databases.DbError) {
	m.Lock()
	defer m.Unlock()

	keys := m.sortedKeysInRange(nodeId, collection, rng)
	deleted := 0
	for _, k := range keys {
		if limit > 0 && deleted >= limit {
			break
		}
		delete(m.docs[nodeId][collection], k)
		deleted++
	}
	return deleted, nil
}

func (m *MemoryPlacementStore) CountDocsInRange(
	ctx context.Context,
	nodeId string, collection string, rng databases.KeyRange,
) (int, *databases.DbError) {
	m.Lock()
	defer m.Unlock()

	return len(m.sortedKeysInRange(nodeId, collection, rng)), nil
}

func (m *MemoryPlacementStore) sortedKeysInRange(nodeId, collection string, rng databases.KeyRange) []string {
	var keys []string
	for k := range m.docs[nodeId][collection] {
		if rng.Contains(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func clonePlacement(p *databases.CollectionPlacement) *databases.CollectionPlacement {
	out := &databases.CollectionPlacement{Collection: p.Collection}
	for _, c := range p.Chunks {
		cp := *c
		out.Chunks = append(out.Chunks, &cp)
	}
	return out
}
