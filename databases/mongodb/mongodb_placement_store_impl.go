package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/placekeeper-io/placekeeper/config"
	"github.com/placekeeper-io/placekeeper/databases"
	"github.com/placekeeper-io/placekeeper/placement"
)

// MongoDBPlacementStore implements PlacementStore interface for MongoDB
type MongoDBPlacementStore struct {
	client        *mongo.Client
	database      *mongo.Database
	locks         *mongo.Collection
	lockPings     *mongo.Collection
	chunks        *mongo.Collection
	dbRecords     *mongo.Collection
	migrations    *mongo.Collection
	deletionTasks *mongo.Collection
	rangeData     *mongo.Collection
}

// NewMongoDBPlacementStore creates a new MongoDB placement store
func NewMongoDBPlacementStore(config *config.MongoDBConnectConfig) (databases.PlacementStore, error) {
	// Build connection URI - use replica set config only for non-localhost connections
	var uri string

	// Check if authentication is configured
	hasAuth := config.Username != "" && config.Password != "" && config.AuthDatabase != ""

	if config.Host == "localhost" || config.Host == "127.0.0.1" {
		// For localhost connections (testing), use direct connection to bypass replica set discovery
		if hasAuth {
			uri = fmt.Sprintf("mongodb://%s:%s@%s:%d/%s?authSource=%s&directConnection=true",
				config.Username, config.Password, config.Host, config.Port, config.Database, config.AuthDatabase)
		} else {
			uri = fmt.Sprintf("mongodb://%s:%d/%s?directConnection=true",
				config.Host, config.Port, config.Database)
		}
	} else {
		// For production, use replica set configuration so lock and commit
		// writes are majority-acknowledged
		if hasAuth {
			uri = fmt.Sprintf("mongodb://%s:%s@%s:%d/%s?authSource=%s&replicaSet=placement-rs&readConcern=majority&w=majority",
				config.Username, config.Password, config.Host, config.Port, config.Database, config.AuthDatabase)
		} else {
			uri = fmt.Sprintf("mongodb://%s:%d/%s?replicaSet=placement-rs&readConcern=majority&w=majority",
				config.Host, config.Port, config.Database)
		}
	}

	// Configure client options
	clientOptions := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(config.MaxPoolSize).
		SetMinPoolSize(config.MinPoolSize).
		SetMaxConnIdleTime(config.ConnMaxIdleTime).
		SetConnectTimeout(10 * time.Second)

	// Create client and connect
	client, err := mongo.Connect(context.Background(), clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = client.Ping(ctx, nil)
	if err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	database := client.Database(config.Database)

	store := &MongoDBPlacementStore{
		client:        client,
		database:      database,
		locks:         database.Collection("locks"),
		lockPings:     database.Collection("lock_pings"),
		chunks:        database.Collection("chunks"),
		dbRecords:     database.Collection("database_records"),
		migrations:    database.Collection("migration_records"),
		deletionTasks: database.Collection("range_deletion_tasks"),
		rangeData:     database.Collection("range_data"),
	}

	return store, nil
}

// Close closes the MongoDB connection
func (m *MongoDBPlacementStore) Close() error {
	if m.client != nil {
		return m.client.Disconnect(context.Background())
	}
	return nil
}

// isDuplicateKeyError checks if the error is a MongoDB duplicate key error
func isDuplicateKeyError(err error) bool {
	var writeErr mongo.WriteException
	if errors.As(err, &writeErr) {
		for _, writeError := range writeErr.WriteErrors {
			if writeError.Code == 11000 { // E11000 duplicate key error
				return true
			}
		}
	}
	return false
}

func (m *MongoDBPlacementStore) InsertLock(ctx context.Context, lock *databases.LockDoc) *databases.DbError {
	doc := bson.M{
		"_id":         lock.ResourceName,
		"owner_id":    lock.OwnerId,
		"reason":      lock.Reason,
		"acquired_at": lock.AcquiredAt,
	}

	_, insertErr := m.locks.InsertOne(ctx, doc)
	if insertErr != nil {
		// Unique _id per resource name: a duplicate means the lock is held
		if isDuplicateKeyError(insertErr) {
			return databases.NewDbErrorOnConditionFail("lock document already exists", insertErr)
		}
		return databases.NewGenericDbError("failed to insert lock document", insertErr)
	}
	return nil
}

func (m *MongoDBPlacementStore) OvertakeLock(ctx context.Context, lock *databases.LockDoc, prevOwnerId string) *databases.DbError {
	filter := bson.M{
		"_id":      lock.ResourceName,
		"owner_id": prevOwnerId, // Only overtake if still held by the stale owner
	}

	update := bson.M{
		"$set": bson.M{
			"owner_id":    lock.OwnerId,
			"reason":      lock.Reason,
			"acquired_at": lock.AcquiredAt,
		},
	}

	result, updateErr := m.locks.UpdateOne(ctx, filter, update)
	if updateErr != nil {
		return databases.NewGenericDbError("failed to overtake lock", updateErr)
	}
	if result.MatchedCount == 0 {
		return databases.NewDbErrorOnConditionFail("lock no longer held by expected owner", nil)
	}
	return nil
}

func (m *MongoDBPlacementStore) GetLock(ctx context.Context, resourceName string) (*databases.LockDoc, *databases.DbError) {
	var doc bson.M
	findErr := m.locks.FindOne(ctx, bson.M{"_id": resourceName}).Decode(&doc)
	if findErr != nil {
		if errors.Is(findErr, mongo.ErrNoDocuments) {
			return nil, databases.NewDbErrorNotExists("lock not found", nil)
		}
		return nil, databases.NewGenericDbError("failed to read lock document", findErr)
	}

	return &databases.LockDoc{
		ResourceName: resourceName,
		OwnerId:      getStringFromBSON(doc, "owner_id"),
		Reason:       getStringFromBSON(doc, "reason"),
		AcquiredAt:   getTimeFromBSON(doc, "acquired_at"),
	}, nil
}

func (m *MongoDBPlacementStore) ReleaseLock(ctx context.Context, resourceName string, ownerId string) *databases.DbError {
	result, deleteErr := m.locks.DeleteOne(ctx, bson.M{"_id": resourceName, "owner_id": ownerId})
	if deleteErr != nil {
		return databases.NewGenericDbError("failed to release lock", deleteErr)
	}
	if result.DeletedCount == 0 {
		return databases.NewDbErrorOnConditionFail("lock held by a different owner", nil)
	}
	return nil
}

func (m *MongoDBPlacementStore) UpsertLockPing(ctx context.Context, ownerId string, pingAt time.Time) *databases.DbError {
	update := bson.M{"$set": bson.M{"last_ping_at": pingAt}}
	opts := options.Update().SetUpsert(true)

	_, updateErr := m.lockPings.UpdateOne(ctx, bson.M{"_id": ownerId}, update, opts)
	if updateErr != nil {
		return databases.NewGenericDbError("failed to upsert lock ping", updateErr)
	}
	return nil
}

func (m *MongoDBPlacementStore) GetLockPing(ctx context.Context, ownerId string) (*databases.LockPingDoc, *databases.DbError) {
	var doc bson.M
	findErr := m.lockPings.FindOne(ctx, bson.M{"_id": ownerId}).Decode(&doc)
	if findErr != nil {
		if errors.Is(findErr, mongo.ErrNoDocuments) {
			return nil, databases.NewDbErrorNotExists("lock ping not found", nil)
		}
		return nil, databases.NewGenericDbError("failed to read lock ping", findErr)
	}

	return &databases.LockPingDoc{
		OwnerId:    ownerId,
		LastPingAt: getTimeFromBSON(doc, "last_ping_at"),
	}, nil
}

func (m *MongoDBPlacementStore) DeleteLockPing(ctx context.Context, ownerId string) *databases.DbError {
	result, deleteErr := m.lockPings.DeleteOne(ctx, bson.M{"_id": ownerId})
	if deleteErr != nil {
		return databases.NewGenericDbError("failed to delete lock ping", deleteErr)
	}
	if result.DeletedCount == 0 {
		return databases.NewDbErrorNotExists("lock ping not found", nil)
	}
	return nil
}

func (m *MongoDBPlacementStore) GetCollectionPlacement(ctx context.Context, collection string) (*databases.CollectionPlacement, *databases.DbError) {
	findOptions := options.Find().SetSort(bson.D{{Key: "range_low", Value: 1}})

	cursor, findErr := m.chunks.Find(ctx, bson.M{"collection": collection}, findOptions)
	if findErr != nil {
		return nil, databases.NewGenericDbError("failed to query chunks", findErr)
	}
	defer cursor.Close(ctx)

	p := &databases.CollectionPlacement{Collection: collection}
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, databases.NewGenericDbError("failed to decode chunk document", err)
		}
		chunk, err := chunkFromMongoDoc(doc)
		if err != nil {
			return nil, err
		}
		p.Chunks = append(p.Chunks, chunk)
	}
	if err := cursor.Err(); err != nil {
		return nil, databases.NewGenericDbError("cursor iteration failed", err)
	}
	if len(p.Chunks) == 0 {
		return nil, databases.NewDbErrorNotExists("collection placement not found", nil)
	}

	return p, nil
}

func (m *MongoDBPlacementStore) SeedCollectionPlacement(ctx context.Context, p *databases.CollectionPlacement) *databases.DbError {
	_, deleteErr := m.chunks.DeleteMany(ctx, bson.M{"collection": p.Collection})
	if deleteErr != nil {
		return databases.NewGenericDbError("failed to clear existing chunks", deleteErr)
	}

	docs := make([]interface{}, 0, len(p.Chunks))
	for _, chunk := range p.Chunks {
		docs = append(docs, chunkToMongoDoc(chunk))
	}
	if len(docs) == 0 {
		return nil
	}

	_, insertErr := m.chunks.InsertMany(ctx, docs)
	if insertErr != nil {
		return databases.NewGenericDbError("failed to insert chunks", insertErr)
	}
	return nil
}

func (m *MongoDBPlacementStore) CommitChunkMove(
	ctx context.Context,
	collection string, rng databases.KeyRange,
	donorId, recipientId string,
	expectedVersion, newVersion placement.ChunkVersion,
) *databases.DbError {
	// Single conditional update: the filter is the CAS precondition, so a
	// concurrent move or version bump makes MatchedCount 0
	filter := bson.M{
		"collection":    collection,
		"range_low":     rng.Low,
		"range_high":    rng.High,
		"owner_id":      donorId,
		"version_major": int64(expectedVersion.Major),
		"version_minor": int64(expectedVersion.Minor),
		"version_epoch": expectedVersion.Epoch.String(),
	}

	update := bson.M{
		"$set": bson.M{
			"owner_id":      recipientId,
			"version_major": int64(newVersion.Major),
			"version_minor": int64(newVersion.Minor),
			"version_epoch": newVersion.Epoch.String(),
		},
	}

	result, updateErr := m.chunks.UpdateOne(ctx, filter, update)
	if updateErr != nil {
		return databases.NewGenericDbError("failed to commit chunk move", updateErr)
	}
	if result.MatchedCount == 0 {
		return databases.NewDbErrorOnConditionFail("chunk moved concurrently", nil)
	}
	return nil
}

func (m *MongoDBPlacementStore) GetDatabaseRecord(ctx context.Context, name string) (*databases.DatabaseRecord, *databases.DbError) {
	var doc bson.M
	findErr := m.dbRecords.FindOne(ctx, bson.M{"_id": name}).Decode(&doc)
	if findErr != nil {
		if errors.Is(findErr, mongo.ErrNoDocuments) {
			return nil, databases.NewDbErrorNotExists("database record not found", nil)
		}
		return nil, databases.NewGenericDbError("failed to read database record", findErr)
	}

	dbUuid, parseErr := uuid.Parse(getStringFromBSON(doc, "version_uuid"))
	if parseErr != nil {
		return nil, databases.NewGenericDbError("failed to parse database uuid", parseErr)
	}

	return &databases.DatabaseRecord{
		Name:      name,
		PrimaryId: getStringFromBSON(doc, "primary_id"),
		Version: placement.DatabaseVersion{
			Uuid:         dbUuid,
			LastModified: uint64(getInt64FromBSON(doc, "version_last_modified")),
		},
	}, nil
}

func (m *MongoDBPlacementStore) UpsertDatabaseRecord(ctx context.Context, record *databases.DatabaseRecord) *databases.DbError {
	update := bson.M{
		"$set": bson.M{
			"primary_id":            record.PrimaryId,
			"version_uuid":          record.Version.Uuid.String(),
			"version_last_modified": int64(record.Version.LastModified),
		},
	}
	opts := options.Update().SetUpsert(true)

	_, updateErr := m.dbRecords.UpdateOne(ctx, bson.M{"_id": record.Name}, update, opts)
	if updateErr != nil {
		return databases.NewGenericDbError("failed to upsert database record", updateErr)
	}
	return nil
}

func (m *MongoDBPlacementStore) UpsertMigrationRecord(ctx context.Context, record *databases.MigrationRecord) *databases.DbError {
	update := bson.M{
		"$set": bson.M{
			"collection":               record.Collection,
			"range_low":                record.Range.Low,
			"range_high":               record.Range.High,
			"donor_id":                 record.DonorId,
			"recipient_id":             record.RecipientId,
			"decision":                 string(record.Decision),
			"critical_section_entered": record.CriticalSectionEntered,
			"expected_version_major":   int64(record.ExpectedVersion.Major),
			"expected_version_minor":   int64(record.ExpectedVersion.Minor),
			"expected_version_epoch":   record.ExpectedVersion.Epoch.String(),
			"created_at":               record.CreatedAt,
		},
	}
	opts := options.Update().SetUpsert(true)

	_, updateErr := m.migrations.UpdateOne(ctx, bson.M{"_id": record.MigrationId.String()}, update, opts)
	if updateErr != nil {
		return databases.NewGenericDbError("failed to upsert migration record", updateErr)
	}
	return nil
}

func (m *MongoDBPlacementStore) GetMigrationRecord(ctx context.Context, migrationId uuid.UUID) (*databases.MigrationRecord, *databases.DbError) {
	var doc bson.M
	findErr := m.migrations.FindOne(ctx, bson.M{"_id": migrationId.String()}).Decode(&doc)
	if findErr != nil {
		if errors.Is(findErr, mongo.ErrNoDocuments) {
			return nil, databases.NewDbErrorNotExists("migration record not found", nil)
		}
		return nil, databases.NewGenericDbError("failed to read migration record", findErr)
	}

	return migrationFromMongoDoc(migrationId, doc)
}

func (m *MongoDBPlacementStore) DecideMigration(ctx context.Context, migrationId uuid.UUID, decision databases.MigrationDecision) *databases.DbError {
	filter := bson.M{
		"_id":      migrationId.String(),
		"decision": string(databases.DecisionUndecided), // Only decide once
	}

	update := bson.M{"$set": bson.M{"decision": string(decision)}}

	result, updateErr := m.migrations.UpdateOne(ctx, filter, update)
	if updateErr != nil {
		return databases.NewGenericDbError("failed to record migration decision", updateErr)
	}
	if result.MatchedCount == 0 {
		return databases.NewDbErrorOnConditionFail("migration already decided", nil)
	}
	return nil
}

func (m *MongoDBPlacementStore) SetMigrationCriticalSection(ctx context.Context, migrationId uuid.UUID, entered bool) *databases.DbError {
	update := bson.M{"$set": bson.M{"critical_section_entered": entered}}

	result, updateErr := m.migrations.UpdateOne(ctx, bson.M{"_id": migrationId.String()}, update)
	if updateErr != nil {
		return databases.NewGenericDbError("failed to update critical section marker", updateErr)
	}
	if result.MatchedCount == 0 {
		return databases.NewDbErrorNotExists("migration record not found", nil)
	}
	return nil
}

func (m *MongoDBPlacementStore) DeleteMigrationRecord(ctx context.Context, migrationId uuid.UUID) *databases.DbError {
	_, deleteErr := m.migrations.DeleteOne(ctx, bson.M{"_id": migrationId.String()})
	if deleteErr != nil {
		return databases.NewGenericDbError("failed to delete migration record", deleteErr)
	}
	return nil
}

func (m *MongoDBPlacementStore) ListUnresolvedMigrations(ctx context.Context, nodeId string) ([]*databases.MigrationRecord, *databases.DbError) {
	filter := bson.M{
		"$or": []bson.M{
			{"donor_id": nodeId},
			{"recipient_id": nodeId},
		},
	}

	cursor, findErr := m.migrations.Find(ctx, filter)
	if findErr != nil {
		return nil, databases.NewGenericDbError("failed to query migration records", findErr)
	}
	defer cursor.Close(ctx)

	var out []*databases.MigrationRecord
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, databases.NewGenericDbError("failed to decode migration record", err)
		}
		migrationId, parseErr := uuid.Parse(getStringFromBSON(doc, "_id"))
		if parseErr != nil {
			return nil, databases.NewGenericDbError("failed to parse migration id", parseErr)
		}
		rec, err := migrationFromMongoDoc(migrationId, doc)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := cursor.Err(); err != nil {
		return nil, databases.NewGenericDbError("cursor iteration failed", err)
	}

	return out, nil
}

func (m *MongoDBPlacementStore) CreateRangeDeletionTask(ctx context.Context, task *databases.RangeDeletionTask) *databases.DbError {
	doc := bson.M{
		"_id":                      task.TaskId.String(),
		"node_id":                  task.NodeId,
		"collection":               task.Collection,
		"range_low":                task.Range.Low,
		"range_high":               task.Range.High,
		"superseded_version_major": int64(task.SupersededVersion.Major),
		"superseded_version_minor": int64(task.SupersededVersion.Minor),
		"superseded_version_epoch": task.SupersededVersion.Epoch.String(),
		"pending":                  task.Pending,
		"created_at":               task.CreatedAt,
	}

	_, insertErr := m.deletionTasks.InsertOne(ctx, doc)
	if insertErr != nil {
		if isDuplicateKeyError(insertErr) {
			return databases.NewDbErrorOnConditionFail("range deletion task already exists", insertErr)
		}
		return databases.NewGenericDbError("failed to insert range deletion task", insertErr)
	}
	return nil
}

func (m *MongoDBPlacementStore) MarkRangeDeletionTaskReady(ctx context.Context, taskId uuid.UUID) *databases.DbError {
	update := bson.M{"$set": bson.M{"pending": false}}

	result, updateErr := m.deletionTasks.UpdateOne(ctx, bson.M{"_id": taskId.String()}, update)
	if updateErr != nil {
		return databases.NewGenericDbError("failed to mark range deletion task ready", updateErr)
	}
	if result.MatchedCount == 0 {
		return databases.NewDbErrorNotExists("range deletion task not found", nil)
	}
	return nil
}

func (m *MongoDBPlacementStore) DeleteRangeDeletionTask(ctx context.Context, taskId uuid.UUID) *databases.DbError {
	_, deleteErr := m.deletionTasks.DeleteOne(ctx, bson.M{"_id": taskId.String()})
	if deleteErr != nil {
		return databases.NewGenericDbError("failed to delete range deletion task", deleteErr)
	}
	return nil
}

func (m *MongoDBPlacementStore) ListRangeDeletionTasks(ctx context.Context, nodeId string) ([]*databases.RangeDeletionTask, *databases.DbError) {
	findOptions := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})

	cursor, findErr := m.deletionTasks.Find(ctx, bson.M{"node_id": nodeId}, findOptions)
	if findErr != nil {
		return nil, databases.NewGenericDbError("failed to query range deletion tasks", findErr)
	}
	defer cursor.Close(ctx)

	return decodeTasks(ctx, cursor)
}

func (m *MongoDBPlacementStore) FindOverlappingRangeDeletionTasks(
	ctx context.Context,
	nodeId string, collection string, rng databases.KeyRange,
) ([]*databases.RangeDeletionTask, *databases.DbError) {
	// Overlap: task.low < rng.high && rng.low < task.high, with "" as +inf
	conditions := []bson.M{
		{"node_id": nodeId},
		{"collection": collection},
	}
	if rng.High != "" {
		conditions = append(conditions, bson.M{"range_low": bson.M{"$lt": rng.High}})
	}
	conditions = append(conditions, bson.M{"$or": []bson.M{
		{"range_high": ""},
		{"range_high": bson.M{"$gt": rng.Low}},
	}})

	cursor, findErr := m.deletionTasks.Find(ctx, bson.M{"$and": conditions})
	if findErr != nil {
		return nil, databases.NewGenericDbError("failed to query overlapping range deletion tasks", findErr)
	}
	defer cursor.Close(ctx)

	return decodeTasks(ctx, cursor)
}

func (m *MongoDBPlacementStore) RangeGetDocs(
	ctx context.Context,
	nodeId string, collection string, rng databases.KeyRange,
	afterKey string, limit int,
) ([]*databases.RangeDoc, *databases.DbError) {
	low := rng.Low
	if afterKey > low {
		low = afterKey
	}

	keyCondition := bson.M{"$gte": low}
	if afterKey != "" {
		keyCondition = bson.M{"$gt": afterKey}
	}

	filter := bson.M{
		"node_id":    nodeId,
		"collection": collection,
		"doc_key":    keyCondition,
	}
	if rng.High != "" {
		filter["$and"] = []bson.M{{"doc_key": bson.M{"$lt": rng.High}}}
	}

	findOptions := options.Find().SetSort(bson.D{{Key: "doc_key", Value: 1}})
	if limit > 0 {
		findOptions = findOptions.SetLimit(int64(limit))
	}

	cursor, findErr := m.rangeData.Find(ctx, filter, findOptions)
	if findErr != nil {
		return nil, databases.NewGenericDbError("failed to query range documents", findErr)
	}
	defer cursor.Close(ctx)

	var out []*databases.RangeDoc
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, databases.NewGenericDbError("failed to decode range document", err)
		}
		out = append(out, &databases.RangeDoc{
			Key:   getStringFromBSON(doc, "doc_key"),
			Value: doc["doc_value"],
		})
	}
	if err := cursor.Err(); err != nil {
		return nil, databases.NewGenericDbError("cursor iteration failed", err)
	}

	return out, nil
}

func (m *MongoDBPlacementStore) ApplyMod(ctx context.Context, nodeId string, collection string, mod *databases.Mod) *databases.DbError {
	filter := bson.M{
		"node_id":    nodeId,
		"collection": collection,
		"doc_key":    mod.Key,
	}

	switch mod.Op {
	case databases.ModInsert, databases.ModUpdate:
		update := bson.M{"$set": bson.M{"doc_value": mod.Value}}
		opts := options.Update().SetUpsert(true)
		_, updateErr := m.rangeData.UpdateOne(ctx, filter, update, opts)
		if updateErr != nil {
			return databases.NewGenericDbError("failed to upsert range document", updateErr)
		}
	case databases.ModDelete:
		_, deleteErr := m.rangeData.DeleteOne(ctx, filter)
		if deleteErr != nil {
			return databases.NewGenericDbError("failed to delete range document", deleteErr)
		}
	default:
		return databases.NewGenericDbError("unknown mod op: "+string(mod.Op), nil)
	}
	return nil
}

func (m *MongoDBPlacementStore) RangeDeleteDocsWithLimit(
	ctx context.Context,
	nodeId string, collection string, rng databases.KeyRange,
	limit int,
) (int, *databases.DbError) {
	// MongoDB DeleteMany has no limit option; read the batch's keys first,
	// then delete exactly those
	docs, err := m.RangeGetDocs(ctx, nodeId, collection, rng, "", limit)
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(docs))
	for _, doc := range docs {
		keys = append(keys, doc.Key)
	}

	filter := bson.M{
		"node_id":    nodeId,
		"collection": collection,
		"doc_key":    bson.M{"$in": keys},
	}

	result, deleteErr := m.rangeData.DeleteMany(ctx, filter)
	if deleteErr != nil {
		return 0, databases.NewGenericDbError("failed to delete range documents", deleteErr)
	}
	return int(result.DeletedCount), nil
}

func (m *MongoDBPlacementStore) CountDocsInRange(
	ctx context.Context,
	nodeId string, collection string, rng databases.KeyRange,
) (int, *databases.DbError) {
	filter := bson.M{
		"node_id":    nodeId,
		"collection": collection,
		"doc_key":    bson.M{"$gte": rng.Low},
	}
	if rng.High != "" {
		filter["$and"] = []bson.M{{"doc_key": bson.M{"$lt": rng.High}}}
	}

	count, countErr := m.rangeData.CountDocuments(ctx, filter)
	if countErr != nil {
		return 0, databases.NewGenericDbError("failed to count range documents", countErr)
	}
	return int(count), nil
}

// Helper functions for BSON value extraction
func getStringFromBSON(doc bson.M, key string) string {
	if val, ok := doc[key]; ok && val != nil {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

func getInt64FromBSON(doc bson.M, key string) int64 {
	if val, ok := doc[key]; ok && val != nil {
		switch v := val.(type) {
		case int64:
			return v
		case int32:
			return int64(v)
		case int:
			return int64(v)
		}
	}
	return 0
}

func getBoolFromBSON(doc bson.M, key string) bool {
	if val, ok := doc[key]; ok && val != nil {
		if b, ok := val.(bool); ok {
			return b
		}
	}
	return false
}

func getTimeFromBSON(doc bson.M, key string) time.Time {
	if val, ok := doc[key]; ok && val != nil {
		if t, ok := val.(primitive.DateTime); ok {
			return t.Time()
		}
	}
	return time.Time{}
}

func chunkToMongoDoc(chunk *databases.ChunkRecord) bson.M {
	return bson.M{
		"collection":    chunk.Collection,
		"range_low":     chunk.Range.Low,
		"range_high":    chunk.Range.High,
		"owner_id":      chunk.OwnerId,
		"version_major": int64(chunk.Version.Major),
		"version_minor": int64(chunk.Version.Minor),
		"version_epoch": chunk.Version.Epoch.String(),
	}
}

func chunkFromMongoDoc(doc bson.M) (*databases.ChunkRecord, *databases.DbError) {
	epoch, parseErr := uuid.Parse(getStringFromBSON(doc, "version_epoch"))
	if parseErr != nil {
		return nil, databases.NewGenericDbError("failed to parse chunk epoch", parseErr)
	}

	return &databases.ChunkRecord{
		Collection: getStringFromBSON(doc, "collection"),
		Range: databases.KeyRange{
			Low:  getStringFromBSON(doc, "range_low"),
			High: getStringFromBSON(doc, "range_high"),
		},
		OwnerId: getStringFromBSON(doc, "owner_id"),
		Version: placement.ChunkVersion{
			Major: uint64(getInt64FromBSON(doc, "version_major")),
			Minor: uint64(getInt64FromBSON(doc, "version_minor")),
			Epoch: epoch,
		},
	}, nil
}

func migrationFromMongoDoc(migrationId uuid.UUID, doc bson.M) (*databases.MigrationRecord, *databases.DbError) {
	epoch, parseErr := uuid.Parse(getStringFromBSON(doc, "expected_version_epoch"))
	if parseErr != nil {
		return nil, databases.NewGenericDbError("failed to parse migration epoch", parseErr)
	}

	return &databases.MigrationRecord{
		MigrationId: migrationId,
		Collection:  getStringFromBSON(doc, "collection"),
		Range: databases.KeyRange{
			Low:  getStringFromBSON(doc, "range_low"),
			High: getStringFromBSON(doc, "range_high"),
		},
		DonorId:                getStringFromBSON(doc, "donor_id"),
		RecipientId:            getStringFromBSON(doc, "recipient_id"),
		Decision:               databases.MigrationDecision(getStringFromBSON(doc, "decision")),
		CriticalSectionEntered: getBoolFromBSON(doc, "critical_section_entered"),
		ExpectedVersion: placement.ChunkVersion{
			Major: uint64(getInt64FromBSON(doc, "expected_version_major")),
			Minor: uint64(getInt64FromBSON(doc, "expected_version_minor")),
			Epoch: epoch,
		},
		CreatedAt: getTimeFromBSON(doc, "created_at"),
	}, nil
}

func decodeTasks(ctx context.Context, cursor *mongo.Cursor) ([]*databases.RangeDeletionTask, *databases.DbError) {
	var out []*databases.RangeDeletionTask
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, databases.NewGenericDbError("failed to decode range deletion task", err)
		}
		taskId, parseErr := uuid.Parse(getStringFromBSON(doc, "_id"))
		if parseErr != nil {
			return nil, databases.NewGenericDbError("failed to parse task id", parseErr)
		}
		epoch, parseErr := uuid.Parse(getStringFromBSON(doc, "superseded_version_epoch"))
		if parseErr != nil {
			return nil, databases.NewGenericDbError("failed to parse task epoch", parseErr)
		}
		out = append(out, &databases.RangeDeletionTask{
			TaskId:     taskId,
			NodeId:     getStringFromBSON(doc, "node_id"),
			Collection: getStringFromBSON(doc, "collection"),
			Range: databases.KeyRange{
				Low:  getStringFromBSON(doc, "range_low"),
				High: getStringFromBSON(doc, "range_high"),
			},
			SupersededVersion: placement.ChunkVersion{
				Major: uint64(getInt64FromBSON(doc, "superseded_version_major")),
				Minor: uint64(getInt64FromBSON(doc, "superseded_version_minor")),
				Epoch: epoch,
			},
			Pending:   getBoolFromBSON(doc, "pending"),
			CreatedAt: getTimeFromBSON(doc, "created_at"),
		})
	}
	if err := cursor.Err(); err != nil {
		return nil, databases.NewGenericDbError("cursor iteration failed", err)
	}
	return out, nil
}
