package mirror

import (
	"context"
	"time"
)

// Sync log statuses. A run that completed (even with per-item errors)
// logs "completed"; only an aborted run logs "failed".
const (
	SyncStatusCompleted = "completed"
	SyncStatusFailed    = "failed"
)

// SyncLogEntry is the immutable audit row written once per sync run.
type SyncLogEntry struct {
	ID                string    `json:"id"`
	SyncType          string    `json:"sync_type"`
	Status            string    `json:"status"`
	StartedAt         time.Time `json:"started_at"`
	DurationMs        int64     `json:"duration_ms"`
	ItemsProcessed    int       `json:"items_processed"`
	ItemsCreated      int       `json:"items_created"`
	ItemsUpdated      int       `json:"items_updated"`
	DuplicatesSkipped int       `json:"duplicates_skipped"`
	ErrorCount        int       `json:"error_count"`
	ErrorMessage      string    `json:"error_message"`
}

// InsertSyncLog writes one audit row. An empty ID is filled in.
func (s *Store) InsertSyncLog(ctx context.Context, e *SyncLogEntry) error {
	if e.ID == "" {
		e.ID = s.newID()
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = s.now()
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO sync_log (id, sync_type, status, started_at, duration_ms,
			items_processed, items_created, items_updated, duplicates_skipped,
			error_count, error_message)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.SyncType, e.Status, e.StartedAt.UnixMilli(), e.DurationMs,
		e.ItemsProcessed, e.ItemsCreated, e.ItemsUpdated, e.DuplicatesSkipped,
		e.ErrorCount, e.ErrorMessage,
	)
	return err
}

// PerformanceWindow aggregates sync_log rows started after since.
type PerformanceWindow struct {
	TotalRuns     int     `json:"totalRuns"`
	CompletedRuns int     `json:"completedRuns"`
	FailedRuns    int     `json:"failedRuns"`
	AvgDurationMs float64 `json:"avgDurationMs"`
}

// SyncLogWindow returns performance aggregates for runs newer than since.
func (s *Store) SyncLogWindow(ctx context.Context, since time.Time) (PerformanceWindow, error) {
	var w PerformanceWindow
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(duration_ms), 0)
		FROM sync_log WHERE started_at >= ?`,
		since.UnixMilli(),
	).Scan(&w.TotalRuns, &w.CompletedRuns, &w.FailedRuns, &w.AvgDurationMs)
	return w, err
}

// RecentSyncLogs returns the newest n audit rows.
func (s *Store) RecentSyncLogs(ctx context.Context, n int) ([]*SyncLogEntry, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, sync_type, status, started_at, duration_ms,
			items_processed, items_created, items_updated, duplicates_skipped,
			error_count, error_message
		FROM sync_log ORDER BY started_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*SyncLogEntry
	for rows.Next() {
		var e SyncLogEntry
		var started int64
		if err := rows.Scan(&e.ID, &e.SyncType, &e.Status, &started, &e.DurationMs,
			&e.ItemsProcessed, &e.ItemsCreated, &e.ItemsUpdated, &e.DuplicatesSkipped,
			&e.ErrorCount, &e.ErrorMessage); err != nil {
			return nil, err
		}
		e.StartedAt = time.UnixMilli(started)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// CleanupSyncLogs deletes audit rows older than retentionDays.
func (s *Store) CleanupSyncLogs(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := s.now().AddDate(0, 0, -retentionDays).UnixMilli()
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM sync_log WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
