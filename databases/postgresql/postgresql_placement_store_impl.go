package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/placekeeper-io/placekeeper/config"
	"github.com/placekeeper-io/placekeeper/databases"
	"github.com/placekeeper-io/placekeeper/placement"
)

// PostgreSQLPlacementStore implements PlacementStore interface for PostgreSQL
type PostgreSQLPlacementStore struct {
	db *sql.DB
}

// NewPostgreSQLPlacementStore creates a new PostgreSQL placement store
func NewPostgreSQLPlacementStore(config *config.PostgreSQLConnectConfig) (databases.PlacementStore, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.Username, config.Password, config.Database, config.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}

	// Test connection
	err = db.Ping()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	store := &PostgreSQLPlacementStore{
		db: db,
	}

	return store, nil
}

// Close closes the PostgreSQL connection
func (p *PostgreSQLPlacementStore) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// isDuplicateKeyError checks if the error is a PostgreSQL duplicate key error
func isDuplicateKeyError(err error) bool {
	var pqErr *pq.Error
	ok := errors.As(err, &pqErr)
	// PostgreSQL Error 23505 indicates a unique constraint violation
	return ok && pqErr.Code == "23505"
}

func (p *PostgreSQLPlacementStore) InsertLock(ctx context.Context, lock *databases.LockDoc) *databases.DbError {
	query := `INSERT INTO locks (resource_name, owner_id, reason, acquired_at) VALUES ($1, $2, $3, $4)`

	_, err := p.db.ExecContext(ctx, query, lock.ResourceName, lock.OwnerId, lock.Reason, lock.AcquiredAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return databases.NewDbErrorOnConditionFail("lock document already exists", err)
		}
		return databases.NewGenericDbError("failed to insert lock document", err)
	}
	return nil
}

func (p *PostgreSQLPlacementStore) OvertakeLock(ctx context.Context, lock *databases.LockDoc, prevOwnerId string) *databases.DbError {
	query := `UPDATE locks SET owner_id = $1, reason = $2, acquired_at = $3
	          WHERE resource_name = $4 AND owner_id = $5`

	result, err := p.db.ExecContext(ctx, query, lock.OwnerId, lock.Reason, lock.AcquiredAt, lock.ResourceName, prevOwnerId)
	if err != nil {
		return databases.NewGenericDbError("failed to overtake lock", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return databases.NewGenericDbError("failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return databases.NewDbErrorOnConditionFail("lock no longer held by expected owner", nil)
	}
	return nil
}

func (p *PostgreSQLPlacementStore) GetLock(ctx context.Context, resourceName string) (*databases.LockDoc, *databases.DbError) {
	query := `SELECT owner_id, reason, acquired_at FROM locks WHERE resource_name = $1`

	lock := &databases.LockDoc{ResourceName: resourceName}
	err := p.db.QueryRowContext(ctx, query, resourceName).Scan(&lock.OwnerId, &lock.Reason, &lock.AcquiredAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, databases.NewDbErrorNotExists("lock not found", nil)
		}
		return nil, databases.NewGenericDbError("failed to read lock document", err)
	}
	return lock, nil
}

func (p *PostgreSQLPlacementStore) ReleaseLock(ctx context.Context, resourceName string, ownerId string) *databases.DbError {
	query := `DELETE FROM locks WHERE resource_name = $1 AND owner_id = $2`

	result, err := p.db.ExecContext(ctx, query, resourceName, ownerId)
	if err != nil {
		return databases.NewGenericDbError("failed to release lock", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return databases.NewGenericDbError("failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return databases.NewDbErrorOnConditionFail("lock held by a different owner", nil)
	}
	return nil
}

func (p *PostgreSQLPlacementStore) UpsertLockPing(ctx context.Context, ownerId string, pingAt time.Time) *databases.DbError {
	query := `INSERT INTO lock_pings (owner_id, last_ping_at) VALUES ($1, $2)
	          ON CONFLICT (owner_id) DO UPDATE SET last_ping_at = EXCLUDED.last_ping_at`

	_, err := p.db.ExecContext(ctx, query, ownerId, pingAt)
	if err != nil {
		return databases.NewGenericDbError("failed to upsert lock ping", err)
	}
	return nil
}

func (p *PostgreSQLPlacementStore) GetLockPing(ctx context.Context, ownerId string) (*databases.LockPingDoc, *databases.DbError) {
	query := `SELECT last_ping_at FROM lock_pings WHERE owner_id = $1`

	ping := &databases.LockPingDoc{OwnerId: ownerId}
	err := p.db.QueryRowContext(ctx, query, ownerId).Scan(&ping.LastPingAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, databases.NewDbErrorNotExists("lock ping not found", nil)
		}
		return nil, databases.NewGenericDbError("failed to read lock ping", err)
	}
	return ping, nil
}

func (p *PostgreSQLPlacementStore) DeleteLockPing(ctx context.Context, ownerId string) *databases.DbError {
	result, err := p.db.ExecContext(ctx, `DELETE FROM lock_pings WHERE owner_id = $1`, ownerId)
	if err != nil {
		return databases.NewGenericDbError("failed to delete lock ping", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return databases.NewGenericDbError("failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return databases.NewDbErrorNotExists("lock ping not found", nil)
	}
	return nil
}

func (p *PostgreSQLPlacementStore) GetCollectionPlacement(ctx context.Context, collection string) (*databases.CollectionPlacement, *databases.DbError) {
	query := `SELECT range_low, range_high, owner_id, version_major, version_minor, version_epoch
	          FROM chunks WHERE collection_name = $1 ORDER BY range_low`

	rows, err := p.db.QueryContext(ctx, query, collection)
	if err != nil {
		return nil, databases.NewGenericDbError("failed to query chunks", err)
	}
	defer rows.Close()

	out := &databases.CollectionPlacement{Collection: collection}
	for rows.Next() {
		var major, minor int64
		var epochStr string
		chunk := &databases.ChunkRecord{Collection: collection}

		if err := rows.Scan(&chunk.Range.Low, &chunk.Range.High, &chunk.OwnerId, &major, &minor, &epochStr); err != nil {
			return nil, databases.NewGenericDbError("failed to scan chunk row", err)
		}
		epoch, parseErr := uuid.Parse(epochStr)
		if parseErr != nil {
			return nil, databases.NewGenericDbError("failed to parse chunk epoch", parseErr)
		}
		chunk.Version = placement.ChunkVersion{Major: uint64(major), Minor: uint64(minor), Epoch: epoch}
		out.Chunks = append(out.Chunks, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, databases.NewGenericDbError("row iteration failed", err)
	}
	if len(out.Chunks) == 0 {
		return nil, databases.NewDbErrorNotExists("collection placement not found", nil)
	}

	return out, nil
}

func (p *PostgreSQLPlacementStore) SeedCollectionPlacement(ctx context.Context, pl *databases.CollectionPlacement) *databases.DbError {
	tx, txErr := p.db.BeginTx(ctx, nil)
	if txErr != nil {
		return databases.NewGenericDbError("failed to start PostgreSQL transaction", txErr)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE collection_name = $1`, pl.Collection); err != nil {
		return databases.NewGenericDbError("failed to clear existing chunks", err)
	}

	insertQuery := `INSERT INTO chunks (collection_name, range_low, range_high, owner_id, version_major, version_minor, version_epoch)
	                VALUES ($1, $2, $3, $4, $5, $6, $7)`
	for _, chunk := range pl.Chunks {
		_, err := tx.ExecContext(ctx, insertQuery,
			pl.Collection, chunk.Range.Low, chunk.Range.High, chunk.OwnerId,
			int64(chunk.Version.Major), int64(chunk.Version.Minor), chunk.Version.Epoch.String())
		if err != nil {
			return databases.NewGenericDbError("failed to insert chunk", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return databases.NewGenericDbError("failed to commit transaction", err)
	}
	return nil
}

func (p *PostgreSQLPlacementStore) CommitChunkMove(
	ctx context.Context,
	collection string, rng databases.KeyRange,
	donorId, recipientId string,
	expectedVersion, newVersion placement.ChunkVersion,
) *databases.DbError {
	// The WHERE clause is the CAS precondition; zero rows affected means a
	// concurrent move or version bump won
	query := `UPDATE chunks SET owner_id = $1, version_major = $2, version_minor = $3, version_epoch = $4
	          WHERE collection_name = $5 AND range_low = $6 AND range_high = $7
	            AND owner_id = $8 AND version_major = $9 AND version_minor = $10 AND version_epoch = $11`

	result, err := p.db.ExecContext(ctx, query,
		recipientId, int64(newVersion.Major), int64(newVersion.Minor), newVersion.Epoch.String(),
		collection, rng.Low, rng.High,
		donorId, int64(expectedVersion.Major), int64(expectedVersion.Minor), expectedVersion.Epoch.String())
	if err != nil {
		return databases.NewGenericDbError("failed to commit chunk move", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return databases.NewGenericDbError("failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return databases.NewDbErrorOnConditionFail("chunk moved concurrently", nil)
	}
	return nil
}

func (p *PostgreSQLPlacementStore) GetDatabaseRecord(ctx context.Context, name string) (*databases.DatabaseRecord, *databases.DbError) {
	query := `SELECT primary_id, version_uuid, version_last_modified FROM database_records WHERE database_name = $1`

	var uuidStr string
	var lastModified int64
	record := &databases.DatabaseRecord{Name: name}
	err := p.db.QueryRowContext(ctx, query, name).Scan(&record.PrimaryId, &uuidStr, &lastModified)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, databases.NewDbErrorNotExists("database record not found", nil)
		}
		return nil, databases.NewGenericDbError("failed to read database record", err)
	}

	dbUuid, parseErr := uuid.Parse(uuidStr)
	if parseErr != nil {
		return nil, databases.NewGenericDbError("failed to parse database uuid", parseErr)
	}
	record.Version = placement.DatabaseVersion{Uuid: dbUuid, LastModified: uint64(lastModified)}
	return record, nil
}

func (p *PostgreSQLPlacementStore) UpsertDatabaseRecord(ctx context.Context, record *databases.DatabaseRecord) *databases.DbError {
	query := `INSERT INTO database_records (database_name, primary_id, version_uuid, version_last_modified)
	          VALUES ($1, $2, $3, $4)
	          ON CONFLICT (database_name) DO UPDATE SET
	            primary_id = EXCLUDED.primary_id,
	            version_uuid = EXCLUDED.version_uuid,
	            version_last_modified = EXCLUDED.version_last_modified`

	_, err := p.db.ExecContext(ctx, query,
		record.Name, record.PrimaryId, record.Version.Uuid.String(), int64(record.Version.LastModified))
	if err != nil {
		return databases.NewGenericDbError("failed to upsert database record", err)
	}
	return nil
}

func (p *PostgreSQLPlacementStore) UpsertMigrationRecord(ctx context.Context, record *databases.MigrationRecord) *databases.DbError {
	query := `INSERT INTO migration_records
	            (migration_id, collection_name, range_low, range_high, donor_id, recipient_id, decision,
	             critical_section_entered, expected_version_major, expected_version_minor, expected_version_epoch, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	          ON CONFLICT (migration_id) DO UPDATE SET
	            decision = EXCLUDED.decision,
	            critical_section_entered = EXCLUDED.critical_section_entered`

	_, err := p.db.ExecContext(ctx, query,
		record.MigrationId.String(), record.Collection, record.Range.Low, record.Range.High,
		record.DonorId, record.RecipientId, string(record.Decision),
		record.CriticalSectionEntered,
		int64(record.ExpectedVersion.Major), int64(record.ExpectedVersion.Minor), record.ExpectedVersion.Epoch.String(),
		record.CreatedAt)
	if err != nil {
		return databases.NewGenericDbError("failed to upsert migration record", err)
	}
	return nil
}

func (p *PostgreSQLPlacementStore) GetMigrationRecord(ctx context.Context, migrationId uuid.UUID) (*databases.MigrationRecord, *databases.DbError) {
	query := `SELECT collection_name, range_low, range_high, donor_id, recipient_id, decision,
	                 critical_section_entered, expected_version_major, expected_version_minor, expected_version_epoch, created_at
	          FROM migration_records WHERE migration_id = $1`

	rec, err := scanMigrationRow(p.db.QueryRowContext(ctx, query, migrationId.String()), migrationId)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (p *PostgreSQLPlacementStore) DecideMigration(ctx context.Context, migrationId uuid.UUID, decision databases.MigrationDecision) *databases.DbError {
	query := `UPDATE migration_records SET decision = $1 WHERE migration_id = $2 AND decision = $3`

	result, err := p.db.ExecContext(ctx, query, string(decision), migrationId.String(), string(databases.DecisionUndecided))
	if err != nil {
		return databases.NewGenericDbError("failed to record migration decision", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return databases.NewGenericDbError("failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return databases.NewDbErrorOnConditionFail("migration already decided", nil)
	}
	return nil
}

func (p *PostgreSQLPlacementStore) SetMigrationCriticalSection(ctx context.Context, migrationId uuid.UUID, entered bool) *databases.DbError {
	query := `UPDATE migration_records SET critical_section_entered = $1 WHERE migration_id = $2`

	result, err := p.db.ExecContext(ctx, query, entered, migrationId.String())
	if err != nil {
		return databases.NewGenericDbError("failed to update critical section marker", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return databases.NewGenericDbError("failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return databases.NewDbErrorNotExists("migration record not found", nil)
	}
	return nil
}

func (p *PostgreSQLPlacementStore) DeleteMigrationRecord(ctx context.Context, migrationId uuid.UUID) *databases.DbError {
	_, err := p.db.ExecContext(ctx, `DELETE FROM migration_records WHERE migration_id = $1`, migrationId.String())
	if err != nil {
		return databases.NewGenericDbError("failed to delete migration record", err)
	}
	return nil
}

func (p *PostgreSQLPlacementStore) ListUnresolvedMigrations(ctx context.Context, nodeId string) ([]*databases.MigrationRecord, *databases.DbError) {
	query := `SELECT migration_id, collection_name, range_low, range_high, donor_id, recipient_id, decision,
	                 critical_section_entered, expected_version_major, expected_version_minor, expected_version_epoch, created_at
	          FROM migration_records WHERE donor_id = $1 OR recipient_id = $1`

	rows, err := p.db.QueryContext(ctx, query, nodeId)
	if err != nil {
		return nil, databases.NewGenericDbError("failed to query migration records", err)
	}
	defer rows.Close()

	var out []*databases.MigrationRecord
	for rows.Next() {
		var migrationIdStr, epochStr, decision string
		var major, minor int64
		rec := &databases.MigrationRecord{}

		scanErr := rows.Scan(&migrationIdStr, &rec.Collection, &rec.Range.Low, &rec.Range.High,
			&rec.DonorId, &rec.RecipientId, &decision,
			&rec.CriticalSectionEntered, &major, &minor, &epochStr, &rec.CreatedAt)
		if scanErr != nil {
			return nil, databases.NewGenericDbError("failed to scan migration row", scanErr)
		}

		migrationId, parseErr := uuid.Parse(migrationIdStr)
		if parseErr != nil {
			return nil, databases.NewGenericDbError("failed to parse migration id", parseErr)
		}
		epoch, parseErr := uuid.Parse(epochStr)
		if parseErr != nil {
			return nil, databases.NewGenericDbError("failed to parse migration epoch", parseErr)
		}
		rec.MigrationId = migrationId
		rec.Decision = databases.MigrationDecision(decision)
		rec.ExpectedVersion = placement.ChunkVersion{Major: uint64(major), Minor: uint64(minor), Epoch: epoch}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, databases.NewGenericDbError("row iteration failed", err)
	}

	return out, nil
}

func (p *PostgreSQLPlacementStore) CreateRangeDeletionTask(ctx context.Context, task *databases.RangeDeletionTask) *databases.DbError {
	query := `INSERT INTO range_deletion_tasks
	            (task_id, node_id, collection_name, range_low, range_high,
	             superseded_version_major, superseded_version_minor, superseded_version_epoch, pending, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := p.db.ExecContext(ctx, query,
		task.TaskId.String(), task.NodeId, task.Collection, task.Range.Low, task.Range.High,
		int64(task.SupersededVersion.Major), int64(task.SupersededVersion.Minor), task.SupersededVersion.Epoch.String(),
		task.Pending, task.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return databases.NewDbErrorOnConditionFail("range deletion task already exists", err)
		}
		return databases.NewGenericDbError("failed to insert range deletion task", err)
	}
	return nil
}

func (p *PostgreSQLPlacementStore) MarkRangeDeletionTaskReady(ctx context.Context, taskId uuid.UUID) *databases.DbError {
	result, err := p.db.ExecContext(ctx, `UPDATE range_deletion_tasks SET pending = FALSE WHERE task_id = $1`, taskId.String())
	if err != nil {
		return databases.NewGenericDbError("failed to mark range deletion task ready", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return databases.NewGenericDbError("failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return databases.NewDbErrorNotExists("range deletion task not found", nil)
	}
	return nil
}

func (p *PostgreSQLPlacementStore) DeleteRangeDeletionTask(ctx context.Context, taskId uuid.UUID) *databases.DbError {
	_, err := p.db.ExecContext(ctx, `DELETE FROM range_deletion_tasks WHERE task_id = $1`, taskId.String())
	if err != nil {
		return databases.NewGenericDbError("failed to delete range deletion task", err)
	}
	return nil
}

func (p *PostgreSQLPlacementStore) ListRangeDeletionTasks(ctx context.Context, nodeId string) ([]*databases.RangeDeletionTask, *databases.DbError) {
	query := `SELECT task_id, collection_name, range_low, range_high,
	                 superseded_version_major, superseded_version_minor, superseded_version_epoch, pending, created_at
	          FROM range_deletion_tasks WHERE node_id = $1 ORDER BY created_at`

	rows, err := p.db.QueryContext(ctx, query, nodeId)
	if err != nil {
		return nil, databases.NewGenericDbError("failed to query range deletion tasks", err)
	}
	defer rows.Close()

	return scanTaskRows(rows, nodeId)
}

func (p *PostgreSQLPlacementStore) FindOverlappingRangeDeletionTasks(
	ctx context.Context,
	nodeId string, collection string, rng databases.KeyRange,
) ([]*databases.RangeDeletionTask, *databases.DbError) {
	// Overlap: task.low < rng.high && rng.low < task.high, with '' as +inf
	query := `SELECT task_id, collection_name, range_low, range_high,
	                 superseded_version_major, superseded_version_minor, superseded_version_epoch, pending, created_at
	          FROM range_deletion_tasks
	          WHERE node_id = $1 AND collection_name = $2
	            AND ($3 = '' OR range_low < $3)
	            AND (range_high = '' OR range_high > $4)`

	rows, err := p.db.QueryContext(ctx, query, nodeId, collection, rng.High, rng.Low)
	if err != nil {
		return nil, databases.NewGenericDbError("failed to query overlapping range deletion tasks", err)
	}
	defer rows.Close()

	return scanTaskRows(rows, nodeId)
}

func (p *PostgreSQLPlacementStore) RangeGetDocs(
	ctx context.Context,
	nodeId string, collection string, rng databases.KeyRange,
	afterKey string, limit int,
) ([]*databases.RangeDoc, *databases.DbError) {
	query := `SELECT doc_key, doc_value FROM range_data
	          WHERE node_id = $1 AND collection_name = $2
	            AND doc_key >= $3 AND ($4 = '' OR doc_key < $4)
	            AND ($5 = '' OR doc_key > $5)
	          ORDER BY doc_key LIMIT $6`

	rows, err := p.db.QueryContext(ctx, query, nodeId, collection, rng.Low, rng.High, afterKey, limit)
	if err != nil {
		return nil, databases.NewGenericDbError("failed to query range documents", err)
	}
	defer rows.Close()

	var out []*databases.RangeDoc
	for rows.Next() {
		var key string
		var valueJSON []byte
		if err := rows.Scan(&key, &valueJSON); err != nil {
			return nil, databases.NewGenericDbError("failed to scan range document row", err)
		}
		var value interface{}
		if len(valueJSON) > 0 {
			if err := json.Unmarshal(valueJSON, &value); err != nil {
				return nil, databases.NewGenericDbError("failed to unmarshal document value", err)
			}
		}
		out = append(out, &databases.RangeDoc{Key: key, Value: value})
	}
	if err := rows.Err(); err != nil {
		return nil, databases.NewGenericDbError("row iteration failed", err)
	}

	return out, nil
}

func (p *PostgreSQLPlacementStore) ApplyMod(ctx context.Context, nodeId string, collection string, mod *databases.Mod) *databases.DbError {
	switch mod.Op {
	case databases.ModInsert, databases.ModUpdate:
		valueJSON, marshalErr := json.Marshal(mod.Value)
		if marshalErr != nil {
			return databases.NewGenericDbError("failed to marshal document value", marshalErr)
		}
		query := `INSERT INTO range_data (node_id, collection_name, doc_key, doc_value) VALUES ($1, $2, $3, $4)
		          ON CONFLICT (node_id, collection_name, doc_key) DO UPDATE SET doc_value = EXCLUDED.doc_value`
		if _, err := p.db.ExecContext(ctx, query, nodeId, collection, mod.Key, valueJSON); err != nil {
			return databases.NewGenericDbError("failed to upsert range document", err)
		}
	case databases.ModDelete:
		query := `DELETE FROM range_data WHERE node_id = $1 AND collection_name = $2 AND doc_key = $3`
		if _, err := p.db.ExecContext(ctx, query, nodeId, collection, mod.Key); err != nil {
			return databases.NewGenericDbError("failed to delete range document", err)
		}
	default:
		return databases.NewGenericDbError("unknown mod op: "+string(mod.Op), nil)
	}
	return nil
}

func (p *PostgreSQLPlacementStore) RangeDeleteDocsWithLimit(
	ctx context.Context,
	nodeId string, collection string, rng databases.KeyRange,
	limit int,
) (int, *databases.DbError) {
	query := `DELETE FROM range_data
	          WHERE (node_id, collection_name, doc_key) IN (
	            SELECT node_id, collection_name, doc_key FROM range_data
	            WHERE node_id = $1 AND collection_name = $2
	              AND doc_key >= $3 AND ($4 = '' OR doc_key < $4)
	            ORDER BY doc_key LIMIT $5)`

	result, err := p.db.ExecContext(ctx, query, nodeId, collection, rng.Low, rng.High, limit)
	if err != nil {
		return 0, databases.NewGenericDbError("failed to delete range documents", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, databases.NewGenericDbError("failed to get rows affected", err)
	}
	return int(rowsAffected), nil
}

func (p *PostgreSQLPlacementStore) CountDocsInRange(
	ctx context.Context,
	nodeId string, collection string, rng databases.KeyRange,
) (int, *databases.DbError) {
	query := `SELECT COUNT(*) FROM range_data
	          WHERE node_id = $1 AND collection_name = $2
	            AND doc_key >= $3 AND ($4 = '' OR doc_key < $4)`

	var count int
	err := p.db.QueryRowContext(ctx, query, nodeId, collection, rng.Low, rng.High).Scan(&count)
	if err != nil {
		return 0, databases.NewGenericDbError("failed to count range documents", err)
	}
	return count, nil
}

func scanMigrationRow(row *sql.Row, migrationId uuid.UUID) (*databases.MigrationRecord, *databases.DbError) {
	var epochStr, decision string
	var major, minor int64
	rec := &databases.MigrationRecord{MigrationId: migrationId}

	err := row.Scan(&rec.Collection, &rec.Range.Low, &rec.Range.High, &rec.DonorId, &rec.RecipientId, &decision,
		&rec.CriticalSectionEntered, &major, &minor, &epochStr, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, databases.NewDbErrorNotExists("migration record not found", nil)
		}
		return nil, databases.NewGenericDbError("failed to scan migration row", err)
	}

	epoch, parseErr := uuid.Parse(epochStr)
	if parseErr != nil {
		return nil, databases.NewGenericDbError("failed to parse migration epoch", parseErr)
	}
	rec.Decision = databases.MigrationDecision(decision)
	rec.ExpectedVersion = placement.ChunkVersion{Major: uint64(major), Minor: uint64(minor), Epoch: epoch}
	return rec, nil
}

func scanTaskRows(rows *sql.Rows, nodeId string) ([]*databases.RangeDeletionTask, *databases.DbError) {
	var out []*databases.RangeDeletionTask
	for rows.Next() {
		var taskIdStr, epochStr string
		var major, minor int64
		task := &databases.RangeDeletionTask{NodeId: nodeId}

		err := rows.Scan(&taskIdStr, &task.Collection, &task.Range.Low, &task.Range.High,
			&major, &minor, &epochStr, &task.Pending, &task.CreatedAt)
		if err != nil {
			return nil, databases.NewGenericDbError("failed to scan range deletion task row", err)
		}
		taskId, parseErr := uuid.Parse(taskIdStr)
		if parseErr != nil {
			return nil, databases.NewGenericDbError("failed to parse task id", parseErr)
		}
		epoch, parseErr := uuid.Parse(epochStr)
		if parseErr != nil {
			return nil, databases.NewGenericDbError("failed to parse task epoch", parseErr)
		}
		task.TaskId = taskId
		task.SupersededVersion = placement.ChunkVersion{Major: uint64(major), Minor: uint64(minor), Epoch: epoch}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, databases.NewGenericDbError("row iteration failed", err)
	}
	return out, nil
}
