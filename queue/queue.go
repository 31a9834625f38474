// Package queue implements the persisted sync job queue backed by SQLite.
//
// Claims are leased: a claimed job stays running until it is completed or
// its lease expires. If the holder crashes the reaper returns the job to
// pending so another instance can claim it. The conditional UPDATE used by
// ClaimNext is the sole synchronisation primitive; multiple process
// instances coordinate through the shared table, not through memory.
//
// Expected schema (created by EnsureTable):
//
//	CREATE TABLE IF NOT EXISTS sync_jobs (
//	    id               TEXT PRIMARY KEY,
//	    type             TEXT NOT NULL,
//	    payload          BLOB,
//	    priority         INTEGER NOT NULL DEFAULT 0,
//	    status           TEXT NOT NULL DEFAULT 'pending',
//	    attempts         INTEGER NOT NULL DEFAULT 0,
//	    error            TEXT NOT NULL DEFAULT '',
//	    created_at       INTEGER NOT NULL,             -- milliseconds since epoch
//	    started_at       INTEGER NOT NULL DEFAULT 0,
//	    completed_at     INTEGER NOT NULL DEFAULT 0,
//	    lease_expires_at INTEGER NOT NULL DEFAULT 0
//	);
//	CREATE INDEX IF NOT EXISTS idx_sync_jobs_claim ON sync_jobs (status, priority DESC, created_at);
package queue

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/hazyhaar/jurisync/idgen"
)

// Job statuses. Transitions: pending→running→{succeeded,failed}, or
// pending/running→cancelled. The reaper moves expired running jobs back
// to pending.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// ErrNotRunning is returned by Complete and Extend when the job is not in
// the running state (already completed, cancelled, or reaped).
var ErrNotRunning = errors.New("queue: job is not running")

// Job is a row in the queue.
type Job struct {
	ID             string
	Type           string
	Payload        []byte
	Priority       int
	Status         string
	Attempts       int
	Error          string
	CreatedAt      time.Time
	StartedAt      time.Time
	CompletedAt    time.Time
	LeaseExpiresAt time.Time
}

// Stats are aggregate queue counts for dashboards and health scoring.
type Stats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Backlog is the number of jobs not yet finished.
func (s Stats) Backlog() int { return s.Pending + s.Running }

// Options configures queue behaviour.
type Options struct {
	// Lease is how long a claimed job stays running before the reaper may
	// return it to pending. Default: 5m.
	Lease time.Duration
	// PollInterval is the delay between claim attempts in the Run loop.
	// Default: 1s.
	PollInterval time.Duration
	// MaxAttempts limits how many times a job can be claimed before being
	// failed outright. 0 means unlimited. Default: 0.
	MaxAttempts int
	// Logger overrides the default slog logger.
	Logger *slog.Logger
	// NewID overrides the job ID generator.
	NewID idgen.Generator
	// Now is an injectable clock for testing.
	Now func() time.Time
}

func (o *Options) defaults() {
	if o.Lease <= 0 {
		o.Lease = 5 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.NewID == nil {
		o.NewID = idgen.Prefixed("job_", idgen.Default)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Q is the queue handle.
type Q struct {
	db   *sql.DB
	opts Options
}

// New creates a queue handle. Call EnsureTable once at startup.
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts}
}

// EnsureTable creates the sync_jobs table and index if they don't exist.
func (q *Q) EnsureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sync_jobs (
			id               TEXT PRIMARY KEY,
			type             TEXT NOT NULL,
			payload          BLOB,
			priority         INTEGER NOT NULL DEFAULT 0,
			status           TEXT NOT NULL DEFAULT 'pending',
			attempts         INTEGER NOT NULL DEFAULT 0,
			error            TEXT NOT NULL DEFAULT '',
			created_at       INTEGER NOT NULL,
			started_at       INTEGER NOT NULL DEFAULT 0,
			completed_at     INTEGER NOT NULL DEFAULT 0,
			lease_expires_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_sync_jobs_claim ON sync_jobs (status, priority DESC, created_at);
	`)
	return err
}

// Add inserts a pending job and returns its ID.
func (q *Q) Add(ctx context.Context, jobType string, payload []byte, priority int) (string, error) {
	id := q.opts.NewID()
	now := q.opts.Now().UnixMilli()
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO sync_jobs (id, type, payload, priority, status, created_at)
		VALUES (?,?,?,?,'pending',?)`,
		id, jobType, payload, priority, now,
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

const jobColumns = `id, type, payload, priority, status, attempts, error,
	created_at, started_at, completed_at, lease_expires_at`

// ClaimNext atomically selects the highest-priority pending job (tie-break:
// oldest first), transitions it to running and sets its lease deadline.
// Returns nil, nil when no pending job exists. A caller that loses the race
// for the last pending job also gets nil, nil rather than an error.
func (q *Q) ClaimNext(ctx context.Context) (*Job, error) {
	now := q.opts.Now()
	row := q.db.QueryRowContext(ctx, `
		UPDATE sync_jobs
		SET status = 'running', attempts = attempts + 1,
		    started_at = ?, lease_expires_at = ?
		WHERE status = 'pending' AND id = (
			SELECT id FROM sync_jobs
			WHERE status = 'pending'
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
		)
		RETURNING `+jobColumns,
		now.UnixMilli(), now.Add(q.opts.Lease).UnixMilli(),
	)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

// Complete transitions a running job to succeeded or failed, recording the
// error message on failure. Returns ErrNotRunning if the job was already
// completed, cancelled, or reaped.
func (q *Q) Complete(ctx context.Context, id string, succeeded bool, errMsg string) error {
	status := StatusSucceeded
	if !succeeded {
		status = StatusFailed
	}
	res, err := q.db.ExecContext(ctx,
		`UPDATE sync_jobs SET status = ?, error = ?, completed_at = ?
		WHERE id = ? AND status = 'running'`,
		status, errMsg, q.opts.Now().UnixMilli(), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotRunning
	}
	return nil
}

// Extend pushes the lease deadline forward for a running job that needs
// more processing time (heartbeat pattern).
func (q *Q) Extend(ctx context.Context, id string, extra time.Duration) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE sync_jobs SET lease_expires_at = ? WHERE id = ? AND status = 'running'`,
		q.opts.Now().Add(extra).UnixMilli(), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotRunning
	}
	return nil
}

// Cancel bulk-transitions pending and running jobs to cancelled. An empty
// jobType matches all types. Returns the number of jobs cancelled.
func (q *Q) Cancel(ctx context.Context, jobType string) (int64, error) {
	query := `UPDATE sync_jobs SET status = 'cancelled', completed_at = ?
		WHERE status IN ('pending','running')`
	args := []any{q.opts.Now().UnixMilli()}
	if jobType != "" {
		query += ` AND type = ?`
		args = append(args, jobType)
	}
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Stats returns aggregate counts per status.
func (q *Q) Stats(ctx context.Context) (Stats, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM sync_jobs GROUP BY status`)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()

	var s Stats
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, err
		}
		switch status {
		case StatusPending:
			s.Pending = n
		case StatusRunning:
			s.Running = n
		case StatusSucceeded:
			s.Succeeded = n
		case StatusFailed:
			s.Failed = n
		case StatusCancelled:
			s.Cancelled = n
		}
	}
	return s, rows.Err()
}

// Get returns a job by ID, or nil, nil if it does not exist.
func (q *Q) Get(ctx context.Context, id string) (*Job, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM sync_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// ReapExpired returns running jobs whose lease expired to pending so
// another instance can claim them. Attempts are retained, so MaxAttempts
// still bounds redelivery.
func (q *Q) ReapExpired(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE sync_jobs SET status = 'pending', started_at = 0, lease_expires_at = 0
		WHERE status = 'running' AND lease_expires_at <= ?`,
		q.opts.Now().UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if n > 0 {
		q.opts.Logger.Warn("queue: requeued expired leases", "count", n)
	}
	return n, err
}

// Handler processes a claimed job. A nil return completes the job as
// succeeded; an error completes it as failed with the error message.
type Handler func(ctx context.Context, job *Job) error

// Run polls for pending jobs and calls handler for each claim. It blocks
// until ctx is cancelled. Jobs that exceed MaxAttempts are failed without
// invoking the handler.
func (q *Q) Run(ctx context.Context, handler Handler) {
	log := q.opts.Logger
	log.Info("queue: consumer started", "lease", q.opts.Lease, "poll", q.opts.PollInterval)

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("queue: consumer stopped")
			return
		case <-ticker.C:
			q.poll(ctx, handler, log)
		}
	}
}

func (q *Q) poll(ctx context.Context, handler Handler, log *slog.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := q.ClaimNext(ctx)
		if err != nil {
			log.Warn("queue: claim failed", "error", err)
			return
		}
		if job == nil {
			return // nothing pending
		}

		if q.opts.MaxAttempts > 0 && job.Attempts > q.opts.MaxAttempts {
			log.Warn("queue: job exceeded max attempts, failing",
				"id", job.ID, "type", job.Type, "attempts", job.Attempts)
			_ = q.Complete(ctx, job.ID, false, "max attempts exceeded")
			continue
		}

		if err := handler(ctx, job); err != nil {
			log.Warn("queue: job failed", "id", job.ID, "type", job.Type, "error", err)
			// Completion must not be lost to the cancellation that stopped
			// the handler.
			_ = q.Complete(context.WithoutCancel(ctx), job.ID, false, err.Error())
		} else {
			_ = q.Complete(context.WithoutCancel(ctx), job.ID, true, "")
		}
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var created, started, completed, lease int64
	err := row.Scan(&j.ID, &j.Type, &j.Payload, &j.Priority, &j.Status,
		&j.Attempts, &j.Error, &created, &started, &completed, &lease)
	if err != nil {
		return nil, err
	}
	j.CreatedAt = time.UnixMilli(created)
	if started > 0 {
		j.StartedAt = time.UnixMilli(started)
	}
	if completed > 0 {
		j.CompletedAt = time.UnixMilli(completed)
	}
	if lease > 0 {
		j.LeaseExpiresAt = time.UnixMilli(lease)
	}
	return &j, nil
}
