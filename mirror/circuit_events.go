package mirror

import (
	"context"
	"time"
)

// RecordCircuitEvent persists a named breaker event. It satisfies
// breaker.EventSink. Non-blocking contract: store errors are logged via
// slog but never propagate, so a failing observability write cannot take
// down a sync run.
func (s *Store) RecordCircuitEvent(endpoint, event string, at time.Time) {
	_, err := s.DB.ExecContext(context.Background(), `
		INSERT INTO circuit_events (endpoint, event, at) VALUES (?, ?, ?)`,
		endpoint, event, at.UnixMilli())
	if err != nil {
		s.logger.Error("mirror: circuit event write failed",
			"endpoint", endpoint, "event", event, "error", err)
	}
}

// CircuitEventCounts tallies events newer than since, keyed by event name.
// A pure dashboard read: enforcement lives in the breaker itself.
func (s *Store) CircuitEventCounts(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT event, COUNT(*) FROM circuit_events WHERE at >= ? GROUP BY event`,
		since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var event string
		var n int
		if err := rows.Scan(&event, &n); err != nil {
			return nil, err
		}
		out[event] = n
	}
	return out, rows.Err()
}

// CleanupCircuitEvents deletes events older than retentionDays.
func (s *Store) CleanupCircuitEvents(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := s.now().AddDate(0, 0, -retentionDays).UnixMilli()
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM circuit_events WHERE at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
