// Package mirror is the local store for synced case-law records: courts,
// judges and decisions keyed by their upstream external IDs, plus the
// bookkeeping tables the sync core relies on (freshness pointers, the
// per-run sync log, webhook delivery dedupe, circuit events).
package mirror

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/hazyhaar/jurisync/idgen"
)

// Record classes, used by freshness pointers and the sync log.
const (
	ClassCourt    = "court"
	ClassJudge    = "judge"
	ClassDecision = "decision"
)

// Store wraps the mirror database.
type Store struct {
	DB     *sql.DB
	logger *slog.Logger
	newID  idgen.Generator
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithIDGenerator overrides the sync-log ID generator.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(s *Store) { s.newID = gen }
}

// WithClock sets an injectable clock (for testing).
func WithClock(fn func() time.Time) Option {
	return func(s *Store) { s.now = fn }
}

// New creates a Store. Call EnsureSchema once at startup.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		DB:     db,
		logger: slog.Default(),
		newID:  idgen.Prefixed("log_", idgen.Default),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// EnsureSchema creates the mirror tables if they don't exist.
// All timestamps are stored as milliseconds since epoch.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS courts (
			external_id  TEXT PRIMARY KEY,
			full_name    TEXT NOT NULL,
			short_name   TEXT NOT NULL DEFAULT '',
			jurisdiction TEXT NOT NULL DEFAULT '',
			in_use       INTEGER NOT NULL DEFAULT 1,
			url          TEXT NOT NULL DEFAULT '',
			payload_hash TEXT NOT NULL,
			created_at   INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_courts_jurisdiction ON courts (jurisdiction);

		CREATE TABLE IF NOT EXISTS judges (
			external_id  TEXT PRIMARY KEY,
			name_first   TEXT NOT NULL DEFAULT '',
			name_last    TEXT NOT NULL DEFAULT '',
			court_id     TEXT NOT NULL DEFAULT '',
			position     TEXT NOT NULL DEFAULT '',
			date_start   TEXT NOT NULL DEFAULT '',
			jurisdiction TEXT NOT NULL DEFAULT '',
			payload_hash TEXT NOT NULL,
			created_at   INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_judges_jurisdiction ON judges (jurisdiction);

		CREATE TABLE IF NOT EXISTS decisions (
			external_id  TEXT PRIMARY KEY,
			case_name    TEXT NOT NULL DEFAULT '',
			court_id     TEXT NOT NULL DEFAULT '',
			author_id    TEXT NOT NULL DEFAULT '',
			date_filed   TEXT NOT NULL DEFAULT '',
			plain_text   TEXT NOT NULL DEFAULT '',
			jurisdiction TEXT NOT NULL DEFAULT '',
			payload_hash TEXT NOT NULL,
			created_at   INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_decisions_author ON decisions (author_id);

		CREATE TABLE IF NOT EXISTS sync_freshness (
			class          TEXT NOT NULL,
			jurisdiction   TEXT NOT NULL,
			last_synced_at INTEGER NOT NULL,
			PRIMARY KEY (class, jurisdiction)
		);

		CREATE TABLE IF NOT EXISTS sync_log (
			id                 TEXT PRIMARY KEY,
			sync_type          TEXT NOT NULL,
			status             TEXT NOT NULL,
			started_at         INTEGER NOT NULL,
			duration_ms        INTEGER NOT NULL DEFAULT 0,
			items_processed    INTEGER NOT NULL DEFAULT 0,
			items_created      INTEGER NOT NULL DEFAULT 0,
			items_updated      INTEGER NOT NULL DEFAULT 0,
			duplicates_skipped INTEGER NOT NULL DEFAULT 0,
			error_count        INTEGER NOT NULL DEFAULT 0,
			error_message      TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_sync_log_started ON sync_log (started_at DESC);

		CREATE TABLE IF NOT EXISTS webhook_deliveries (
			webhook_id  TEXT PRIMARY KEY,
			received_at INTEGER NOT NULL,
			expires_at  INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS circuit_events (
			id       INTEGER PRIMARY KEY AUTOINCREMENT,
			endpoint TEXT NOT NULL,
			event    TEXT NOT NULL,
			at       INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_circuit_events_at ON circuit_events (at);
	`)
	return err
}
