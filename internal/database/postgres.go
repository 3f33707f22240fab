package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/casepilot/casepilot/internal/models"
	"github.com/google/uuid"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresDB struct {
	db *sql.DB

	leaseMu    sync.Mutex
	leaseConns map[int64]*sql.Conn
}

func OpenPostgres(dsn string) (*PostgresDB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	return &PostgresDB{db: db, leaseConns: make(map[int64]*sql.Conn)}, nil
}

func (p *PostgresDB) Close() error {
	p.leaseMu.Lock()
	for key, conn := range p.leaseConns {
		conn.Close()
		delete(p.leaseConns, key)
	}
	p.leaseMu.Unlock()
	return p.db.Close()
}

func (p *PostgresDB) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, pgSchema)
	return err
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS batches (
	id BIGSERIAL PRIMARY KEY,
	reference TEXT NOT NULL UNIQUE,
	status TEXT NOT NULL DEFAULT 'pending',
	queue_position INTEGER,
	total_count INTEGER NOT NULL DEFAULT 0,
	processed_count INTEGER NOT NULL DEFAULT 0,
	queued_at TIMESTAMPTZ,
	queued_by TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_batches_queue_position ON batches(queue_position) WHERE queue_position IS NOT NULL;

CREATE TABLE IF NOT EXISTS batch_items (
	id BIGSERIAL PRIMARY KEY,
	batch_id BIGINT NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
	case_ref TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	last_error TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_batch_items_batch_status ON batch_items(batch_id, status);
`

const pgBatchColumns = `id, reference, status, queue_position, total_count, processed_count, queued_at, queued_by, started_at, finished_at, created_at`

func (p *PostgresDB) CreateBatch(ctx context.Context, batch *models.Batch, items []models.BatchItem) error {
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

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var batchID int64
	if err := tx.QueryRowContext(ctx,
		`INSERT INTO batches (reference, status, total_count) VALUES ($1, $2, $3) RETURNING id`,
		batch.Reference, status, len(items)).Scan(&batchID); err != nil {
		return err
	}

	for i := range items {
		itemStatus := items[i].Status
		if itemStatus == "" {
			itemStatus = models.ItemPending
		}
		if err := tx.QueryRowContext(ctx,
			`INSERT INTO batch_items (batch_id, case_ref, status) VALUES ($1, $2, $3) RETURNING id`,
			batchID, items[i].CaseRef, itemStatus).Scan(&items[i].ID); err != nil {
			return err
		}
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

func (p *PostgresDB) GetBatch(ctx context.Context, id int64) (*models.Batch, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+pgBatchColumns+` FROM batches WHERE id = $1`, id)
	return scanBatch(row)
}

func (p *PostgresDB) GetBatchByReference(ctx context.Context, reference string) (*models.Batch, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+pgBatchColumns+` FROM batches WHERE reference = $1`, reference)
	return scanBatch(row)
}

func (p *PostgresDB) ListBatches(ctx context.Context, limit int) ([]models.Batch, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+pgBatchColumns+` FROM batches ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBatches(rows)
}

func (p *PostgresDB) StartBatchRun(ctx context.Context, id int64) error {
	return pgExecAffectingOne(ctx, p.db,
		`UPDATE batches
		 SET status = $1, started_at = NOW(), processed_count = 0
		 WHERE id = $2`,
		models.BatchRunning, id)
}

func (p *PostgresDB) FinishBatchRun(ctx context.Context, id int64, status models.BatchStatus, processed int) error {
	return pgExecAffectingOne(ctx, p.db,
		`UPDATE batches
		 SET status = $1, processed_count = $2, finished_at = NOW()
		 WHERE id = $3`,
		status, processed, id)
}

func (p *PostgresDB) SetBatchStatus(ctx context.Context, id int64, status models.BatchStatus) error {
	return pgExecAffectingOne(ctx, p.db,
		`UPDATE batches SET status = $1 WHERE id = $2`, status, id)
}

func (p *PostgresDB) IncrementBatchProcessed(ctx context.Context, id int64) error {
	return pgExecAffectingOne(ctx, p.db,
		`UPDATE batches SET processed_count = processed_count + 1 WHERE id = $1`, id)
}

const pgItemColumns = `id, batch_id, case_ref, status, last_error, started_at, finished_at`

func (p *PostgresDB) ListBatchItems(ctx context.Context, batchID int64) ([]models.BatchItem, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+pgItemColumns+` FROM batch_items WHERE batch_id = $1 ORDER BY id ASC`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectItems(rows)
}

func (p *PostgresDB) ListReadyItems(ctx context.Context, batchID int64) ([]models.BatchItem, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+pgItemColumns+` FROM batch_items
		 WHERE batch_id = $1 AND status = $2 ORDER BY id ASC`,
		batchID, models.ItemReady)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectItems(rows)
}

func (p *PostgresDB) CountReadyItems(ctx context.Context, batchID int64) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM batch_items WHERE batch_id = $1 AND status = $2`,
		batchID, models.ItemReady).Scan(&n)
	return n, err
}

func (p *PostgresDB) MarkItemRunning(ctx context.Context, itemID int64) error {
	return pgExecAffectingOne(ctx, p.db,
		`UPDATE batch_items
		 SET status = $1, started_at = NOW()
		 WHERE id = $2`,
		models.ItemRunning, itemID)
}

func (p *PostgresDB) FinishItem(ctx context.Context, itemID int64, status models.ItemStatus, lastError string) error {
	return pgExecAffectingOne(ctx, p.db,
		`UPDATE batch_items
		 SET status = $1, last_error = $2, finished_at = NOW()
		 WHERE id = $3`,
		status, truncateError(lastError), itemID)
}

func (p *PostgresDB) ItemStatusCounts(ctx context.Context, batchID int64) (models.ItemStatusCounts, error) {
	var counts models.ItemStatusCounts
	err := p.db.QueryRowContext(ctx,
		`SELECT
			 COALESCE(SUM(CASE WHEN status = $1 THEN 1 ELSE 0 END), 0),
			 COALESCE(SUM(CASE WHEN status = $2 THEN 1 ELSE 0 END), 0),
			 COALESCE(SUM(CASE WHEN status = $3 THEN 1 ELSE 0 END), 0),
			 COALESCE(SUM(CASE WHEN status = $4 THEN 1 ELSE 0 END), 0)
		 FROM batch_items WHERE batch_id = $5`,
		models.ItemReady, models.ItemRunning, models.ItemCompleted, models.ItemError,
		batchID,
	).Scan(&counts.Ready, &counts.Running, &counts.Completed, &counts.Error)
	if err != nil {
		return models.ItemStatusCounts{}, err
	}
	return counts, nil
}

func (p *PostgresDB) AssignQueuePosition(ctx context.Context, batchID int64, actor string) (int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
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
		 SET queue_position = $1, status = $2, queued_at = NOW(), queued_by = $3
		 WHERE id = $4 AND queue_position IS NULL`,
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

func (p *PostgresDB) RemoveFromQueue(ctx context.Context, batchID int64) error {
	return p.releasePosition(ctx, batchID, true)
}

func (p *PostgresDB) ClearQueuePosition(ctx context.Context, batchID int64) error {
	return p.releasePosition(ctx, batchID, false)
}

func (p *PostgresDB) releasePosition(ctx context.Context, batchID int64, resetStatus bool) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var position sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT queue_position FROM batches WHERE id = $1 FOR UPDATE`, batchID).Scan(&position); err != nil {
		return err
	}
	if !position.Valid {
		return sql.ErrNoRows
	}

	if resetStatus {
		_, err = tx.ExecContext(ctx,
			`UPDATE batches
			 SET queue_position = NULL, queued_at = NULL, queued_by = '', status = $1
			 WHERE id = $2`,
			models.BatchReady, batchID)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE batches
			 SET queue_position = NULL, queued_at = NULL
			 WHERE id = $1`,
			batchID)
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE batches SET queue_position = queue_position - 1 WHERE queue_position > $1`,
		position.Int64); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresDB) NextQueuedBatch(ctx context.Context) (*models.Batch, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+pgBatchColumns+` FROM batches
		 WHERE queue_position IS NOT NULL AND status IN ($1, $2)
		 ORDER BY queue_position ASC LIMIT 1`,
		models.BatchQueued, models.BatchReady)
	return scanBatch(row)
}

func (p *PostgresDB) ListQueuedBatches(ctx context.Context) ([]models.Batch, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+pgBatchColumns+` FROM batches
		 WHERE queue_position IS NOT NULL
		 ORDER BY queue_position ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBatches(rows)
}

func (p *PostgresDB) CountQueuedBatches(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM batches
		 WHERE queue_position IS NOT NULL AND status IN ($1, $2)`,
		models.BatchQueued, models.BatchReady).Scan(&n)
	return n, err
}

// TryAcquireLease takes a PostgreSQL advisory lock on a connection pinned
// for the lifetime of the lease. Advisory locks are session-scoped: if the
// holding connection drops, the server releases the lock, so a crashed
// process cannot wedge the fleet.
func (p *PostgresDB) TryAcquireLease(ctx context.Context, key int64) (bool, error) {
	p.leaseMu.Lock()
	defer p.leaseMu.Unlock()

	if _, held := p.leaseConns[key]; held {
		return false, nil
	}

	conn, err := p.db.Conn(ctx)
	if err != nil {
		return false, err
	}
	var ok bool
	if err := conn.QueryRowContext(ctx,
		`SELECT pg_try_advisory_lock($1)`, key).Scan(&ok); err != nil {
		conn.Close()
		return false, err
	}
	if !ok {
		conn.Close()
		return false, nil
	}
	p.leaseConns[key] = conn
	return true, nil
}

func (p *PostgresDB) ReleaseLease(ctx context.Context, key int64) error {
	p.leaseMu.Lock()
	defer p.leaseMu.Unlock()

	conn, held := p.leaseConns[key]
	if !held {
		return nil
	}
	delete(p.leaseConns, key)

	_, err := conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, key)
	// Closing the pinned connection releases the session lock even when
	// the unlock statement itself failed.
	closeErr := conn.Close()
	if err != nil {
		return err
	}
	return closeErr
}

func pgExecAffectingOne(ctx context.Context, db *sql.DB, query string, args ...any) error {
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
