package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/casepilot/casepilot/internal/models"
	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// sqliteLeaseTTL bounds how long a crashed holder can pin the scheduler
// lease before another process may take it over.
const sqliteLeaseTTL = 5 * time.Minute

type SQLiteDB struct {
	db *sql.DB

	leaseMu sync.Mutex
	holders map[int64]string
}

func OpenSQLite(dsn string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and foreign keys
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %s: %w", pragma, err)
		}
	}
	return &SQLiteDB{db: db, holders: make(map[int64]string)}, nil
}

func (s *SQLiteDB) Close() error { return s.db.Close() }

func (s *SQLiteDB) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS batches (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	reference TEXT NOT NULL UNIQUE,
	status TEXT NOT NULL DEFAULT 'pending',
	queue_position INTEGER,
	total_count INTEGER NOT NULL DEFAULT 0,
	processed_count INTEGER NOT NULL DEFAULT 0,
	queued_at DATETIME,
	queued_by TEXT NOT NULL DEFAULT '',
	started_at DATETIME,
	finished_at DATETIME,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_batches_queue_position ON batches(queue_position) WHERE queue_position IS NOT NULL;

CREATE TABLE IF NOT EXISTS batch_items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	batch_id INTEGER NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
	case_ref TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	last_error TEXT NOT NULL DEFAULT '',
	started_at DATETIME,
	finished_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_batch_items_batch_status ON batch_items(batch_id, status);

CREATE TABLE IF NOT EXISTS scheduler_leases (
	name TEXT PRIMARY KEY,
	holder TEXT NOT NULL,
	acquired_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	expires_at DATETIME NOT NULL
);
`

const sqliteBatchColumns = `id, reference, status, queue_position, total_count, processed_count, queued_at, queued_by, started_at, finished_at, created_at`

func (s *SQLiteDB) CreateBatch(ctx context.Context, batch *models.Batch, items []models.BatchItem) error {
	if batch == nil {
		return fmt.Errorf("batch is nil")
	}
	if batch.Reference == "" {
		batch.Reference = uuid.NewString()
	}
	status := batch.Status
	if status == "" {
		status = models.BatchPending
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO batches (reference, status, total_count) VALUES (?, ?, ?)`,
		batch.Reference, status, len(items))
	if err != nil {
		return err
	}
	batchID, err := res.LastInsertId()
	if err != nil {
		return err
	}

	for i := range items {
		itemStatus := items[i].Status
		if itemStatus == "" {
			itemStatus = models.ItemPending
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO batch_items (batch_id, case_ref, status) VALUES (?, ?, ?)`,
			batchID, items[i].CaseRef, itemStatus)
		if err != nil {
			return err
		}
		itemID, err := res.LastInsertId()
		if err != nil {
			return err
		}
		items[i].ID = itemID
		items[i].BatchID = batchID
		items[i].Status = itemStatus
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	batch.ID = batchID
	batch.Status = status
	batch.TotalCount = len(items)
	return nil
}

func (s *SQLiteDB) GetBatch(ctx context.Context, id int64) (*models.Batch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteBatchColumns+` FROM batches WHERE id = ?`, id)
	return scanBatchRow(row)
}

func (s *SQLiteDB) GetBatchByReference(ctx context.Context, reference string) (*models.Batch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteBatchColumns+` FROM batches WHERE reference = ?`, reference)
	return scanBatchRow(row)
}

func (s *SQLiteDB) ListBatches(ctx context.Context, limit int) ([]models.Batch, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteBatchColumns+` FROM batches ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBatches(rows)
}

func (s *SQLiteDB) StartBatchRun(ctx context.Context, id int64) error {
	return execAffectingOne(ctx, s.db,
		`UPDATE batches
		 SET status = ?, started_at = CURRENT_TIMESTAMP, processed_count = 0
		 WHERE id = ?`,
		models.BatchRunning, id)
}

func (s *SQLiteDB) FinishBatchRun(ctx context.Context, id int64, status models.BatchStatus, processed int) error {
	return execAffectingOne(ctx, s.db,
		`UPDATE batches
		 SET status = ?, processed_count = ?, finished_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		status, processed, id)
}

func (s *SQLiteDB) SetBatchStatus(ctx context.Context, id int64, status models.BatchStatus) error {
	return execAffectingOne(ctx, s.db,
		`UPDATE batches SET status = ? WHERE id = ?`, status, id)
}

func (s *SQLiteDB) IncrementBatchProcessed(ctx context.Context, id int64) error {
	return execAffectingOne(ctx, s.db,
		`UPDATE batches SET processed_count = processed_count + 1 WHERE id = ?`, id)
}

const sqliteItemColumns = `id, batch_id, case_ref, status, last_error, started_at, finished_at`

func (s *SQLiteDB) ListBatchItems(ctx context.Context, batchID int64) ([]models.BatchItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteItemColumns+` FROM batch_items WHERE batch_id = ? ORDER BY id ASC`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectItems(rows)
}

func (s *SQLiteDB) ListReadyItems(ctx context.Context, batchID int64) ([]models.BatchItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteItemColumns+` FROM batch_items
		 WHERE batch_id = ? AND status = ? ORDER BY id ASC`,
		batchID, models.ItemReady)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectItems(rows)
}

func (s *SQLiteDB) CountReadyItems(ctx context.Context, batchID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM batch_items WHERE batch_id = ? AND status = ?`,
		batchID, models.ItemReady).Scan(&n)
	return n, err
}

func (s *SQLiteDB) MarkItemRunning(ctx context.Context, itemID int64) error {
	return execAffectingOne(ctx, s.db,
		`UPDATE batch_items
		 SET status = ?, started_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		models.ItemRunning, itemID)
}

func (s *SQLiteDB) FinishItem(ctx context.Context, itemID int64, status models.ItemStatus, lastError string) error {
	return execAffectingOne(ctx, s.db,
		`UPDATE batch_items
		 SET status = ?, last_error = ?, finished_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		status, truncateError(lastError), itemID)
}

func (s *SQLiteDB) ItemStatusCounts(ctx context.Context, batchID int64) (models.ItemStatusCounts, error) {
	var counts models.ItemStatusCounts
	err := s.db.QueryRowContext(ctx,
		`SELECT
			 COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			 COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			 COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			 COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		 FROM batch_items WHERE batch_id = ?`,
		models.ItemReady, models.ItemRunning, models.ItemCompleted, models.ItemError,
		batchID,
	).Scan(&counts.Ready, &counts.Running, &counts.Completed, &counts.Error)
	if err != nil {
		return models.ItemStatusCounts{}, err
	}
	return counts, nil
}

func (s *SQLiteDB) AssignQueuePosition(ctx context.Context, batchID int64, actor string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var maxPos sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(queue_position) FROM batches`).Scan(&maxPos); err != nil {
		return 0, err
	}
	position := int(maxPos.Int64) + 1

	res, err := tx.ExecContext(ctx,
		`UPDATE batches
		 SET queue_position = ?, status = ?, queued_at = CURRENT_TIMESTAMP, queued_by = ?
		 WHERE id = ? AND queue_position IS NULL`,
		position, models.BatchQueued, actor, batchID)
	if err != nil {
		return 0, err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return 0, sql.ErrNoRows
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return position, nil
}

func (s *SQLiteDB) RemoveFromQueue(ctx context.Context, batchID int64) error {
	return s.releasePosition(ctx, batchID, true)
}

func (s *SQLiteDB) ClearQueuePosition(ctx context.Context, batchID int64) error {
	return s.releasePosition(ctx, batchID, false)
}

func (s *SQLiteDB) releasePosition(ctx context.Context, batchID int64, resetStatus bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var position sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT queue_position FROM batches WHERE id = ?`, batchID).Scan(&position); err != nil {
		return err
	}
	if !position.Valid {
		return sql.ErrNoRows
	}

	if resetStatus {
		_, err = tx.ExecContext(ctx,
			`UPDATE batches
			 SET queue_position = NULL, queued_at = NULL, queued_by = '', status = ?
			 WHERE id = ?`,
			models.BatchReady, batchID)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE batches
			 SET queue_position = NULL, queued_at = NULL
			 WHERE id = ?`,
			batchID)
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE batches SET queue_position = queue_position - 1 WHERE queue_position > ?`,
		position.Int64); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteDB) NextQueuedBatch(ctx context.Context) (*models.Batch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteBatchColumns+` FROM batches
		 WHERE queue_position IS NOT NULL AND status IN (?, ?)
		 ORDER BY queue_position ASC LIMIT 1`,
		models.BatchQueued, models.BatchReady)
	batch, err := scanBatchRow(row)
	if err != nil {
		return nil, err
	}
	return batch, nil
}

func (s *SQLiteDB) ListQueuedBatches(ctx context.Context) ([]models.Batch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteBatchColumns+` FROM batches
		 WHERE queue_position IS NOT NULL
		 ORDER BY queue_position ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBatches(rows)
}

func (s *SQLiteDB) CountQueuedBatches(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM batches
		 WHERE queue_position IS NOT NULL AND status IN (?, ?)`,
		models.BatchQueued, models.BatchReady).Scan(&n)
	return n, err
}

// TryAcquireLease claims a row in scheduler_leases. SQLite deployments are
// single-node, so a table row is enough for mutual exclusion between
// service processes sharing the database file. A stale row past its expiry
// is taken over rather than blocking forever on a crashed holder.
func (s *SQLiteDB) TryAcquireLease(ctx context.Context, key int64) (bool, error) {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()

	name := leaseName(key)
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM scheduler_leases WHERE name = ? AND expires_at < CURRENT_TIMESTAMP`,
		name); err != nil {
		return false, err
	}

	holder := uuid.NewString()
	expires := sqliteTimestamp(time.Now().Add(sqliteLeaseTTL))
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduler_leases (name, holder, expires_at)
		 VALUES (?, ?, datetime(?))
		 ON CONFLICT(name) DO NOTHING`,
		name, holder, expires)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return false, nil
	}
	s.holders[key] = holder
	return true, nil
}

func (s *SQLiteDB) ReleaseLease(ctx context.Context, key int64) error {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()

	holder, ok := s.holders[key]
	if !ok {
		return nil
	}
	delete(s.holders, key)
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM scheduler_leases WHERE name = ? AND holder = ?`,
		leaseName(key), holder)
	return err
}

func leaseName(key int64) string {
	return fmt.Sprintf("queue-runner:%d", key)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (*models.Batch, error) {
	var b models.Batch
	var status string
	var position sql.NullInt64
	var queuedAt, startedAt, finishedAt sql.NullTime
	if err := row.Scan(
		&b.ID,
		&b.Reference,
		&status,
		&position,
		&b.TotalCount,
		&b.ProcessedCount,
		&queuedAt,
		&b.QueuedBy,
		&startedAt,
		&finishedAt,
		&b.CreatedAt,
	); err != nil {
		return nil, err
	}
	b.Status = models.BatchStatus(status)
	if position.Valid {
		v := int(position.Int64)
		b.QueuePosition = &v
	}
	if queuedAt.Valid {
		v := queuedAt.Time
		b.QueuedAt = &v
	}
	if startedAt.Valid {
		v := startedAt.Time
		b.StartedAt = &v
	}
	if finishedAt.Valid {
		v := finishedAt.Time
		b.FinishedAt = &v
	}
	return &b, nil
}

func scanBatchRow(row *sql.Row) (*models.Batch, error) {
	return scanBatch(row)
}

func collectBatches(rows *sql.Rows) ([]models.Batch, error) {
	var out []models.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func scanItem(row rowScanner) (*models.BatchItem, error) {
	var it models.BatchItem
	var status string
	var startedAt, finishedAt sql.NullTime
	if err := row.Scan(
		&it.ID,
		&it.BatchID,
		&it.CaseRef,
		&status,
		&it.LastError,
		&startedAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}
	it.Status = models.ItemStatus(status)
	if startedAt.Valid {
		v := startedAt.Time
		it.StartedAt = &v
	}
	if finishedAt.Valid {
		v := finishedAt.Time
		it.FinishedAt = &v
	}
	return &it, nil
}

func collectItems(rows *sql.Rows) ([]models.BatchItem, error) {
	var out []models.BatchItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

func execAffectingOne(ctx context.Context, db *sql.DB, query string, args ...any) error {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func truncateError(msg string) string {
	msg = strings.TrimSpace(msg)
	if len(msg) > 500 {
		return msg[:500]
	}
	return msg
}

func sqliteTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}
