// Package status assembles the operational snapshot served on the status
// endpoint: mirror health, queue depth, sync performance windows, upstream
// circuit state and per-jurisdiction freshness.
//
// Sections degrade independently: a failing read logs and leaves its
// section zeroed rather than failing the whole snapshot.
package status

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/hazyhaar/jurisync/breaker"
	"github.com/hazyhaar/jurisync/mirror"
	"github.com/hazyhaar/jurisync/queue"
)

// Health is the overall traffic-light state.
type Health string

const (
	Healthy  Health = "healthy"
	Caution  Health = "caution"
	Warning  Health = "warning"
	Critical Health = "critical"
)

// ComputeHealth grades the mirror from its recent success rate (percent)
// and the queue backlog. The worst matching grade wins.
func ComputeHealth(successRate float64, pending int) Health {
	switch {
	case successRate < 75 || pending > 100:
		return Critical
	case successRate < 90 || pending > 50:
		return Warning
	case successRate < 95 || pending > 20:
		return Caution
	default:
		return Healthy
	}
}

// Performance is the pair of rolling sync_log windows.
type Performance struct {
	Daily  mirror.PerformanceWindow `json:"daily"`
	Weekly mirror.PerformanceWindow `json:"weekly"`
}

// ExternalAPI reports upstream circuit state per endpoint plus event
// counts over the last day.
type ExternalAPI struct {
	Circuits  map[string]string `json:"circuits"`
	Events24h map[string]int    `json:"events24h"`
}

// RecordCounts are mirrored row totals per class.
type RecordCounts struct {
	Courts    int `json:"courts"`
	Judges    int `json:"judges"`
	Decisions int `json:"decisions"`
}

// QueueSection is the queue stats plus the combined backlog figure the
// dashboards alert on.
type QueueSection struct {
	queue.Stats
	Backlog int `json:"backlog"`
}

// FreshnessEntry is a mirror freshness pointer annotated with its age at
// snapshot time.
type FreshnessEntry struct {
	mirror.FreshnessEntry
	AgeHours float64 `json:"ageHours"`
}

// Snapshot is the full status document.
type Snapshot struct {
	Health      Health                 `json:"health"`
	SuccessRate float64                `json:"successRate"`
	Uptime      float64                `json:"uptimePercent"`
	Queue       QueueSection           `json:"queue"`
	Records     RecordCounts           `json:"records"`
	Performance Performance            `json:"performance"`
	ExternalAPI ExternalAPI            `json:"externalApi"`
	Freshness   []FreshnessEntry       `json:"freshness"`
	RecentRuns  []*mirror.SyncLogEntry `json:"recentRuns"`
	GeneratedAt time.Time              `json:"generatedAt"`
}

// Config wires an Aggregator.
type Config struct {
	Store *mirror.Store
	Queue *queue.Q
	// Breakers maps upstream endpoint names to their circuit breakers.
	Breakers map[string]*breaker.Breaker
	// UptimeRuns is how many recent runs feed the uptime figure.
	// Default: 20.
	UptimeRuns int
	Logger     *slog.Logger
	Now        func() time.Time
}

// Aggregator builds snapshots.
type Aggregator struct {
	cfg Config
}

// New creates an Aggregator.
func New(cfg Config) *Aggregator {
	if cfg.UptimeRuns <= 0 {
		cfg.UptimeRuns = 20
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Aggregator{cfg: cfg}
}

// Snapshot assembles the current status document. It never returns an
// error: unavailable sections are logged and zeroed.
func (a *Aggregator) Snapshot(ctx context.Context) *Snapshot {
	now := a.cfg.Now()
	snap := &Snapshot{GeneratedAt: now, SuccessRate: 100, Uptime: 100}

	if stats, err := a.cfg.Queue.Stats(ctx); err != nil {
		a.cfg.Logger.Warn("status: queue stats unavailable", "error", err)
	} else {
		snap.Queue = QueueSection{Stats: stats, Backlog: stats.Backlog()}
	}

	if daily, err := a.cfg.Store.SyncLogWindow(ctx, now.Add(-24*time.Hour)); err != nil {
		a.cfg.Logger.Warn("status: daily window unavailable", "error", err)
	} else {
		snap.Performance.Daily = daily
		if daily.TotalRuns > 0 {
			snap.SuccessRate = round2(float64(daily.CompletedRuns) / float64(daily.TotalRuns) * 100)
		}
	}
	if weekly, err := a.cfg.Store.SyncLogWindow(ctx, now.Add(-7*24*time.Hour)); err != nil {
		a.cfg.Logger.Warn("status: weekly window unavailable", "error", err)
	} else {
		snap.Performance.Weekly = weekly
	}

	if recent, err := a.cfg.Store.RecentSyncLogs(ctx, a.cfg.UptimeRuns); err != nil {
		a.cfg.Logger.Warn("status: recent runs unavailable", "error", err)
	} else {
		snap.RecentRuns = recent
		if len(recent) > 0 {
			completed := 0
			for _, e := range recent {
				if e.Status == mirror.SyncStatusCompleted {
					completed++
				}
			}
			snap.Uptime = round2(float64(completed) / float64(len(recent)) * 100)
		}
	}

	if courts, judges, decisions, err := a.cfg.Store.CountRecords(ctx); err != nil {
		a.cfg.Logger.Warn("status: record counts unavailable", "error", err)
	} else {
		snap.Records = RecordCounts{Courts: courts, Judges: judges, Decisions: decisions}
	}

	if entries, err := a.cfg.Store.Freshness(ctx); err != nil {
		a.cfg.Logger.Warn("status: freshness unavailable", "error", err)
	} else {
		snap.Freshness = make([]FreshnessEntry, 0, len(entries))
		for _, e := range entries {
			snap.Freshness = append(snap.Freshness, FreshnessEntry{
				FreshnessEntry: e,
				AgeHours:       round2(now.Sub(e.LastSyncedAt).Hours()),
			})
		}
	}

	snap.ExternalAPI.Circuits = make(map[string]string, len(a.cfg.Breakers))
	for endpoint, b := range a.cfg.Breakers {
		snap.ExternalAPI.Circuits[endpoint] = b.State().String()
	}
	if counts, err := a.cfg.Store.CircuitEventCounts(ctx, now.Add(-24*time.Hour)); err != nil {
		a.cfg.Logger.Warn("status: circuit events unavailable", "error", err)
	} else {
		snap.ExternalAPI.Events24h = counts
	}

	snap.Health = ComputeHealth(snap.SuccessRate, snap.Queue.Pending)
	return snap
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
