// Package ratelimit implements sliding-window admission control over a
// shared SQLite counter table.
//
// Counters live in the database rather than process memory so that every
// instance of the service draws from the same budget. The same limiter
// protects inbound endpoints (via Middleware) and self-throttles outbound
// calls to the upstream API (via Allow).
//
// Expected schema (created by EnsureTable):
//
//	CREATE TABLE IF NOT EXISTS rate_limit_windows (
//	    key          TEXT NOT NULL,
//	    window_start INTEGER NOT NULL,  -- milliseconds since epoch
//	    count        INTEGER NOT NULL DEFAULT 0,
//	    expires_at   INTEGER NOT NULL,
//	    PRIMARY KEY (key, window_start)
//	);
package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Scope is the token budget for one admission-control domain, e.g. the
// public trigger endpoints or the upstream API client path.
type Scope struct {
	Tokens int           `yaml:"tokens" json:"tokens"`
	Window time.Duration `yaml:"window" json:"window"`
}

// Config configures a Limiter.
type Config struct {
	// Scopes maps scope names to budgets. A scope not present here is
	// unlimited: Allow always succeeds.
	Scopes map[string]Scope
	// FailClosed controls behaviour when the counter store is unreachable:
	// false (default) allows the request and warns once per scope,
	// true propagates the store error to the caller.
	FailClosed bool
	// Logger overrides the default slog logger.
	Logger *slog.Logger
	// Now is an injectable clock for testing.
	Now func() time.Time
}

func (c *Config) defaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Result is the outcome of one admission check.
type Result struct {
	// OK reports whether the request is admitted.
	OK bool
	// Remaining is the number of tokens left in the current window.
	Remaining int
	// Reset is when the current window ends and the budget refills.
	Reset time.Time
}

// Limiter checks and consumes tokens from the shared counter store.
type Limiter struct {
	db     *sql.DB
	cfg    Config
	warned sync.Map // scope → struct{}, one-time fail-open warnings
}

// New creates a Limiter. Call EnsureTable once at startup.
func New(db *sql.DB, cfg Config) *Limiter {
	cfg.defaults()
	return &Limiter{db: db, cfg: cfg}
}

// EnsureTable creates the counter table if it doesn't exist.
func (l *Limiter) EnsureTable(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS rate_limit_windows (
			key          TEXT NOT NULL,
			window_start INTEGER NOT NULL,
			count        INTEGER NOT NULL DEFAULT 0,
			expires_at   INTEGER NOT NULL,
			PRIMARY KEY (key, window_start)
		);
	`)
	return err
}

// Allow consumes one token for clientKey within scope. The counter row is
// keyed {scope}:{clientKey}:{window} so budgets are per client per window.
// The conditional upsert never pushes a counter past the budget.
func (l *Limiter) Allow(ctx context.Context, scope, clientKey string) (Result, error) {
	sc, ok := l.cfg.Scopes[scope]
	if !ok {
		return Result{OK: true, Remaining: -1}, nil
	}

	now := l.cfg.Now()
	windowStart := now.Truncate(sc.Window)
	reset := windowStart.Add(sc.Window)
	key := fmt.Sprintf("%s:%s", scope, clientKey)

	if sc.Tokens <= 0 {
		return Result{OK: false, Remaining: 0, Reset: reset}, nil
	}

	row := l.db.QueryRowContext(ctx, `
		INSERT INTO rate_limit_windows (key, window_start, count, expires_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT (key, window_start) DO UPDATE SET count = count + 1
			WHERE count < ?
		RETURNING count`,
		key, windowStart.UnixMilli(), reset.UnixMilli(), sc.Tokens,
	)

	var count int
	err := row.Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		// Upsert declined: the budget for this window is exhausted.
		return Result{OK: false, Remaining: 0, Reset: reset}, nil
	}
	if err != nil {
		if l.cfg.FailClosed {
			return Result{}, fmt.Errorf("ratelimit: counter store: %w", err)
		}
		if _, dup := l.warned.LoadOrStore(scope, struct{}{}); !dup {
			l.cfg.Logger.Warn("ratelimit: counter store unreachable, failing open",
				"scope", scope, "error", err)
		}
		return Result{OK: true, Remaining: -1, Reset: reset}, nil
	}

	return Result{OK: true, Remaining: sc.Tokens - count, Reset: reset}, nil
}

// PurgeExpired deletes counter rows whose window has ended. Intended to be
// called periodically; windows also stop matching once their bucket rolls
// over, so purging is housekeeping, not correctness.
func (l *Limiter) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM rate_limit_windows WHERE expires_at <= ?`,
		l.cfg.Now().UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
