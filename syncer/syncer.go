// Package syncer implements the court, judge and decision sync managers.
//
// All three share one runner: build the candidate set, process it in
// batches, gate every upstream call behind the circuit breaker and the
// shared rate limiter, retry transient failures per item, deduplicate by
// payload hash, and always write exactly one sync_log row per run.
//
// Per-item failures are recorded and skipped; they never abort the batch.
// Only authentication failures, an open circuit, or an unreachable audit
// store abort a run.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/jurisync/breaker"
	"github.com/hazyhaar/jurisync/mirror"
	"github.com/hazyhaar/jurisync/ratelimit"
	"github.com/hazyhaar/jurisync/upstream"
)

// MappingError is a single-item failure while converting an upstream
// record into a mirror record. Logged and skipped, never fatal.
type MappingError struct {
	ExternalID string
	Cause      error
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("map %s: %v", e.ExternalID, e.Cause)
}

func (e *MappingError) Unwrap() error { return e.Cause }

// Options narrow one sync run.
type Options struct {
	// Jurisdiction scopes the candidate set. Empty means all.
	Jurisdiction string `json:"jurisdiction,omitempty"`
	// BatchSize is the number of records per upstream page / ID chunk.
	BatchSize int `json:"batchSize,omitempty"`
	// ForceRefresh ignores the freshness pointer and lists everything.
	ForceRefresh bool `json:"forceRefresh,omitempty"`
	// StalenessWindow skips the run entirely when the freshness pointer
	// is younger than this. Ignored with ForceRefresh or IDs.
	StalenessWindow time.Duration `json:"stalenessWindow,omitempty"`
	// IDs restricts the run to explicit external IDs (webhook-scoped jobs).
	IDs []string `json:"ids,omitempty"`
	// AuthorID restricts a decision run to one judge's opinions.
	AuthorID string `json:"authorId,omitempty"`
	// MaxItems caps the number of items processed. 0 means unlimited.
	MaxItems int `json:"maxItems,omitempty"`
	// TimeBudget is the hard wall-clock budget for the run.
	TimeBudget time.Duration `json:"timeBudget,omitempty"`
}

// ItemError is one per-item failure in a run.
type ItemError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// Result summarises one sync run. The accounting identity always holds:
// ItemsProcessed == ItemsCreated + ItemsUpdated + DuplicatesSkipped + len(Errors).
type Result struct {
	SyncType          string      `json:"syncType"`
	ItemsProcessed    int         `json:"itemsProcessed"`
	ItemsCreated      int         `json:"itemsCreated"`
	ItemsUpdated      int         `json:"itemsUpdated"`
	DuplicatesSkipped int         `json:"duplicatesSkipped"`
	Errors            []ItemError `json:"errors"`
	DurationMs        int64       `json:"durationMs"`
	// Partial is true when the time budget stopped the run before the
	// candidate set was exhausted.
	Partial bool `json:"partial,omitempty"`
}

// HTTPStatus maps a completed run to its response class: 200 for a clean
// run, 207 for a run that completed with per-item errors. Aborted runs
// never reach this, their error maps to 500.
func (r *Result) HTTPStatus() int {
	if len(r.Errors) > 0 {
		return 207
	}
	return 200
}

// Config wires a manager's collaborators.
type Config struct {
	Store   *mirror.Store
	Client  *upstream.Client
	Limiter *ratelimit.Limiter
	// Breaker gates upstream calls. Nil creates a per-manager breaker
	// with default thresholds, reporting events to Store.
	Breaker *breaker.Breaker

	// LimiterScope is the admission scope for the upstream path.
	// Default: "upstream".
	LimiterScope string
	// LimiterClient identifies this process in the shared counter store.
	// Default: "syncer".
	LimiterClient string

	// MaxItemRetries bounds per-item retries on transient errors. Default: 2.
	MaxItemRetries int
	// RetryBackoff is the initial per-item backoff, doubled per attempt.
	// Default: 500ms.
	RetryBackoff time.Duration
	// InterBatchDelay is an optional pause between batches to stay under
	// upstream quotas. Default: 0.
	InterBatchDelay time.Duration

	// DefaultBatchSize is used when Options.BatchSize is zero. Default: 20.
	DefaultBatchSize int
	// DefaultStaleness is used when Options.StalenessWindow is zero.
	// Default: 24h.
	DefaultStaleness time.Duration
	// DefaultTimeBudget is used when Options.TimeBudget is zero. Default: 5m.
	DefaultTimeBudget time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

func (c *Config) defaults(endpoint string) {
	if c.LimiterScope == "" {
		c.LimiterScope = "upstream"
	}
	if c.LimiterClient == "" {
		c.LimiterClient = "syncer"
	}
	if c.MaxItemRetries == 0 {
		c.MaxItemRetries = 2
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.DefaultBatchSize <= 0 {
		c.DefaultBatchSize = 20
	}
	if c.DefaultStaleness <= 0 {
		c.DefaultStaleness = 24 * time.Hour
	}
	if c.DefaultTimeBudget <= 0 {
		c.DefaultTimeBudget = 5 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Breaker == nil {
		var opts []breaker.Option
		if c.Store != nil {
			opts = append(opts, breaker.WithEventSink(c.Store))
		}
		c.Breaker = breaker.New(endpoint, opts...)
	}
}

// Manager runs syncs for one record class.
type Manager struct {
	syncType string
	endpoint string
	cfg      Config
	newSrc   func(m *Manager, opts *Options, since time.Time) source
}

// NewCourtManager creates the court sync manager.
func NewCourtManager(cfg Config) *Manager {
	return newManager(mirror.ClassCourt, "courts", cfg, newCourtSource)
}

// NewJudgeManager creates the judge sync manager.
func NewJudgeManager(cfg Config) *Manager {
	return newManager(mirror.ClassJudge, "people", cfg, newJudgeSource)
}

// NewDecisionManager creates the decision sync manager.
func NewDecisionManager(cfg Config) *Manager {
	return newManager(mirror.ClassDecision, "opinions", cfg, newDecisionSource)
}

func newManager(syncType, endpoint string, cfg Config, newSrc func(*Manager, *Options, time.Time) source) *Manager {
	cfg.defaults(endpoint)
	return &Manager{syncType: syncType, endpoint: endpoint, cfg: cfg, newSrc: newSrc}
}

// Type returns the manager's sync type ("court", "judge" or "decision").
func (m *Manager) Type() string { return m.syncType }

// workItem is one candidate: apply performs any per-item upstream fetch,
// the mapping, and the upsert.
type workItem struct {
	externalID string
	apply      func(ctx context.Context) (mirror.UpsertOutcome, error)
}

// source yields batches of candidates. A nil batch means the candidate
// set is exhausted; an empty non-nil batch means "call me again".
type source interface {
	Next(ctx context.Context) ([]workItem, error)
}

// Sync executes one run. The returned error is fatal (auth rejection,
// open circuit, unreachable audit store): the run aborted and the caller
// should map it to a 500. A non-nil Result with per-item Errors and a nil
// error is a partial success (207).
func (m *Manager) Sync(ctx context.Context, opts Options) (*Result, error) {
	m.applyDefaults(&opts)

	start := m.cfg.Now()
	deadline := start.Add(opts.TimeBudget)
	res := &Result{SyncType: m.syncType}

	jur := opts.Jurisdiction
	if jur == "" {
		jur = "all"
	}

	// Staleness gate: a fresh jurisdiction is a no-op run (still audited).
	since, skip, err := m.candidateWindow(ctx, &opts, jur)
	if err == nil && !skip {
		err = m.process(ctx, m.newSrc(m, &opts, since), &opts, res, deadline)
	}

	res.DurationMs = m.cfg.Now().Sub(start).Milliseconds()

	entry := &mirror.SyncLogEntry{
		SyncType:          m.syncType,
		Status:            mirror.SyncStatusCompleted,
		StartedAt:         start,
		DurationMs:        res.DurationMs,
		ItemsProcessed:    res.ItemsProcessed,
		ItemsCreated:      res.ItemsCreated,
		ItemsUpdated:      res.ItemsUpdated,
		DuplicatesSkipped: res.DuplicatesSkipped,
		ErrorCount:        len(res.Errors),
	}
	switch {
	case err != nil:
		entry.Status = mirror.SyncStatusFailed
		entry.ErrorMessage = err.Error()
	case len(res.Errors) > 0:
		entry.ErrorMessage = fmt.Sprintf("%d item errors", len(res.Errors))
	}

	// The audit row is written for every outcome. Failing to write it is
	// the one infrastructure failure that escalates past everything else.
	logCtx := context.WithoutCancel(ctx)
	if logErr := m.cfg.Store.InsertSyncLog(logCtx, entry); logErr != nil {
		return res, fmt.Errorf("syncer: persist audit row: %w", logErr)
	}

	if err != nil {
		return res, err
	}

	// Freshness only advances for complete, unscoped runs: a webhook-scoped
	// or budget-interrupted run has not observed the whole jurisdiction.
	if !res.Partial && len(opts.IDs) == 0 && opts.AuthorID == "" {
		if err := m.cfg.Store.TouchFreshness(logCtx, m.syncType, jur, start); err != nil {
			m.cfg.Logger.Warn("syncer: freshness touch failed",
				"type", m.syncType, "jurisdiction", jur, "error", err)
		}
	}

	m.cfg.Logger.Info("sync run finished",
		"type", m.syncType,
		"jurisdiction", jur,
		"processed", res.ItemsProcessed,
		"created", res.ItemsCreated,
		"updated", res.ItemsUpdated,
		"duplicates", res.DuplicatesSkipped,
		"errors", len(res.Errors),
		"duration_ms", res.DurationMs)

	return res, nil
}

func (m *Manager) applyDefaults(opts *Options) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = m.cfg.DefaultBatchSize
	}
	if opts.StalenessWindow <= 0 {
		opts.StalenessWindow = m.cfg.DefaultStaleness
	}
	if opts.TimeBudget <= 0 {
		opts.TimeBudget = m.cfg.DefaultTimeBudget
	}
}

// candidateWindow decides the incremental window for this run. Forced and
// ID-scoped runs always proceed from zero; otherwise a pointer younger
// than the staleness window skips the run, and an older pointer becomes
// the modified-since filter.
func (m *Manager) candidateWindow(ctx context.Context, opts *Options, jur string) (since time.Time, skip bool, err error) {
	if opts.ForceRefresh || len(opts.IDs) > 0 || opts.AuthorID != "" {
		return time.Time{}, false, nil
	}

	latest, err := m.cfg.Store.Freshness(ctx)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("syncer: read freshness: %w", err)
	}
	for _, e := range latest {
		if e.Class == m.syncType && e.Jurisdiction == jur {
			if m.cfg.Now().Sub(e.LastSyncedAt) < opts.StalenessWindow {
				return time.Time{}, true, nil
			}
			return e.LastSyncedAt, false, nil
		}
	}
	return time.Time{}, false, nil
}

func (m *Manager) process(ctx context.Context, src source, opts *Options, res *Result, deadline time.Time) error {
	for {
		// Cooperative stop between batches, never mid-item.
		if err := ctx.Err(); err != nil {
			return err
		}
		if m.cfg.Now().After(deadline) {
			res.Partial = true
			m.cfg.Logger.Warn("sync run hit time budget, returning partial results",
				"type", m.syncType, "processed", res.ItemsProcessed)
			return nil
		}

		items, err := src.Next(ctx)
		if err != nil {
			return err
		}
		if items == nil {
			return nil
		}

		for _, it := range items {
			out, err := it.apply(ctx)
			if err != nil {
				if upstream.IsAuth(err) {
					return err
				}
				var open *breaker.ErrOpen
				if errors.As(err, &open) {
					return err
				}
				res.ItemsProcessed++
				res.Errors = append(res.Errors, ItemError{ID: it.externalID, Error: err.Error()})
				m.cfg.Logger.Warn("sync item failed",
					"type", m.syncType, "id", it.externalID, "error", err)
				continue
			}
			res.ItemsProcessed++
			switch {
			case out.Created:
				res.ItemsCreated++
			case out.Updated:
				res.ItemsUpdated++
			default:
				res.DuplicatesSkipped++
			}
			if opts.MaxItems > 0 && res.ItemsProcessed >= opts.MaxItems {
				return nil
			}
		}

		if m.cfg.InterBatchDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.cfg.InterBatchDelay):
			}
		}
	}
}

// gate blocks until the breaker and the shared limiter both admit the next
// upstream call. A denied limiter check sleeps until the window resets; a
// denied breaker check aborts the run.
func (m *Manager) gate(ctx context.Context) error {
	if !m.cfg.Breaker.Allow() {
		return &breaker.ErrOpen{Endpoint: m.endpoint}
	}
	if m.cfg.Limiter == nil {
		return nil
	}
	for {
		res, err := m.cfg.Limiter.Allow(ctx, m.cfg.LimiterScope, m.cfg.LimiterClient)
		if err != nil {
			return fmt.Errorf("syncer: admission check: %w", err)
		}
		if res.OK {
			return nil
		}
		wait := res.Reset.Sub(m.cfg.Now())
		if wait <= 0 {
			wait = time.Second
		}
		m.cfg.Logger.Info("sync paused for rate limit",
			"type", m.syncType, "wait_ms", wait.Milliseconds())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// call wraps one upstream request: admission gate, transient retry, and
// breaker bookkeeping.
func (m *Manager) call(ctx context.Context, fn func() error) error {
	if err := m.gate(ctx); err != nil {
		return err
	}
	err := upstream.Retry(ctx, m.cfg.MaxItemRetries, m.cfg.RetryBackoff, m.cfg.Logger, fn)
	if err != nil {
		m.cfg.Breaker.RecordFailure()
		return err
	}
	m.cfg.Breaker.RecordSuccess()
	return nil
}
