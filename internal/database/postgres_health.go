package database

import (
	"context"
	"database/sql"

	"github.com/casepilot/casepilot/internal/models"
)

func (p *PostgresDB) QueueStats(ctx context.Context) (QueueStats, error) {
	var stats QueueStats
	var oldestQueued sql.NullTime
	err := p.db.QueryRowContext(ctx,
		`SELECT
			 COALESCE(SUM(CASE WHEN queue_position IS NOT NULL THEN 1 ELSE 0 END), 0) AS queued,
			 COALESCE(SUM(CASE WHEN status = $1 THEN 1 ELSE 0 END), 0) AS running,
			 MIN(CASE WHEN queue_position IS NOT NULL THEN queued_at END) AS oldest_queued_at
		 FROM batches`,
		models.BatchRunning,
	).Scan(&stats.QueuedBatches, &stats.RunningBatches, &oldestQueued)
	if err != nil {
		return QueueStats{}, err
	}
	if err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM batch_items bi
		 JOIN batches b ON b.id = bi.batch_id
		 WHERE b.queue_position IS NOT NULL AND bi.status = $1`,
		models.ItemReady,
	).Scan(&stats.PendingItems); err != nil {
		return QueueStats{}, err
	}
	if oldestQueued.Valid {
		t := oldestQueued.Time.UTC()
		stats.OldestQueuedAt = &t
	}
	return stats, nil
}

func (p *PostgresDB) DBStats() sql.DBStats {
	return p.db.Stats()
}
