package mirror

import (
	"context"
	"time"
)

// FreshnessEntry is the last successful sync touch for one record class in
// one jurisdiction.
type FreshnessEntry struct {
	Class        string    `json:"class"`
	Jurisdiction string    `json:"jurisdiction"`
	LastSyncedAt time.Time `json:"last_synced_at"`
}

// TouchFreshness advances the freshness pointer for class+jurisdiction.
// The pointer is monotonic: a touch older than the stored value is a no-op,
// so concurrent runs converge on the most recent sync.
func (s *Store) TouchFreshness(ctx context.Context, class, jurisdiction string, t time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO sync_freshness (class, jurisdiction, last_synced_at)
		VALUES (?, ?, ?)
		ON CONFLICT (class, jurisdiction) DO UPDATE
			SET last_synced_at = MAX(last_synced_at, excluded.last_synced_at)`,
		class, jurisdiction, t.UnixMilli(),
	)
	return err
}

// Freshness returns all freshness pointers.
func (s *Store) Freshness(ctx context.Context) ([]FreshnessEntry, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT class, jurisdiction, last_synced_at FROM sync_freshness
		ORDER BY class, jurisdiction`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []FreshnessEntry
	for rows.Next() {
		var e FreshnessEntry
		var ms int64
		if err := rows.Scan(&e.Class, &e.Jurisdiction, &ms); err != nil {
			return nil, err
		}
		e.LastSyncedAt = time.UnixMilli(ms)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LatestFreshness returns, per class, the most recent pointer across all
// jurisdictions. Classes never synced are absent from the map.
func (s *Store) LatestFreshness(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT class, MAX(last_synced_at) FROM sync_freshness GROUP BY class`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var class string
		var ms int64
		if err := rows.Scan(&class, &ms); err != nil {
			return nil, err
		}
		out[class] = time.UnixMilli(ms)
	}
	return out, rows.Err()
}

// StaleJurisdictions returns jurisdictions whose pointer for class is older
// than cutoff, including jurisdictions present in the mirror but never
// recorded in sync_freshness.
func (s *Store) StaleJurisdictions(ctx context.Context, class string, cutoff time.Time) ([]string, error) {
	table := map[string]string{
		ClassCourt:    "courts",
		ClassJudge:    "judges",
		ClassDecision: "decisions",
	}[class]
	if table == "" {
		return nil, nil
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT DISTINCT m.jurisdiction FROM `+table+` m
		LEFT JOIN sync_freshness f ON f.class = ? AND f.jurisdiction = m.jurisdiction
		WHERE m.jurisdiction != '' AND (f.last_synced_at IS NULL OR f.last_synced_at < ?)
		ORDER BY m.jurisdiction`,
		class, cutoff.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var j string
		if err := rows.Scan(&j); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
