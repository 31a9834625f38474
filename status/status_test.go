package status_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/jurisync/breaker"
	"github.com/hazyhaar/jurisync/dbopen"
	"github.com/hazyhaar/jurisync/mirror"
	"github.com/hazyhaar/jurisync/queue"
	"github.com/hazyhaar/jurisync/status"
)

func TestComputeHealth(t *testing.T) {
	cases := []struct {
		rate    float64
		pending int
		want    status.Health
	}{
		{100, 0, status.Healthy},
		{95, 20, status.Healthy},
		{96, 25, status.Caution},
		{94.99, 0, status.Caution},
		{89, 0, status.Warning},
		{100, 51, status.Warning},
		{74.9, 0, status.Critical},
		{100, 101, status.Critical},
		// The worst matching grade wins.
		{96, 101, status.Critical},
	}
	for _, c := range cases {
		if got := status.ComputeHealth(c.rate, c.pending); got != c.want {
			t.Errorf("ComputeHealth(%v, %d) = %s, want %s", c.rate, c.pending, got, c.want)
		}
	}
}

func TestSnapshot(t *testing.T) {
	db := dbopen.OpenMemory(t)
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := mirror.New(db)
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatal(err)
	}
	q := queue.New(db, queue.Options{Logger: log})
	if err := q.EnsureTable(ctx); err != nil {
		t.Fatal(err)
	}

	now := time.Now()

	// Two completed runs and one failed inside the daily window.
	for _, e := range []*mirror.SyncLogEntry{
		{SyncType: "court", Status: mirror.SyncStatusCompleted, StartedAt: now.Add(-time.Hour), DurationMs: 100},
		{SyncType: "judge", Status: mirror.SyncStatusCompleted, StartedAt: now.Add(-2 * time.Hour), DurationMs: 200},
		{SyncType: "judge", Status: mirror.SyncStatusFailed, StartedAt: now.Add(-3 * time.Hour), DurationMs: 50},
	} {
		if err := store.InsertSyncLog(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	store.UpsertCourt(ctx, &mirror.Court{ExternalID: "ca1", FullName: "First"})
	store.TouchFreshness(ctx, mirror.ClassCourt, "F", now.Add(-2*time.Hour))
	if _, err := q.Add(ctx, "court", []byte(`{}`), 0); err != nil {
		t.Fatal(err)
	}

	br := breaker.New("opinions")
	agg := status.New(status.Config{
		Store:    store,
		Queue:    q,
		Breakers: map[string]*breaker.Breaker{"opinions": br},
		Logger:   log,
		Now:      func() time.Time { return now },
	})

	snap := agg.Snapshot(ctx)
	if snap.SuccessRate != 66.67 {
		t.Fatalf("successRate = %v, want 66.67", snap.SuccessRate)
	}
	if snap.Health != status.Critical {
		t.Fatalf("health = %s, want critical", snap.Health)
	}
	if snap.Queue.Pending != 1 || snap.Queue.Backlog != 1 {
		t.Fatalf("queue: %+v", snap.Queue)
	}
	if snap.Records.Courts != 1 {
		t.Fatalf("records: %+v", snap.Records)
	}
	if snap.Performance.Daily.TotalRuns != 3 || snap.Performance.Weekly.TotalRuns != 3 {
		t.Fatalf("performance: %+v", snap.Performance)
	}
	if snap.Uptime != 66.67 {
		t.Fatalf("uptime = %v", snap.Uptime)
	}
	if len(snap.Freshness) != 1 {
		t.Fatalf("freshness: %+v", snap.Freshness)
	}
	if snap.Freshness[0].AgeHours != 2 {
		t.Fatalf("ageHours = %v, want 2", snap.Freshness[0].AgeHours)
	}
	if snap.ExternalAPI.Circuits["opinions"] != "closed" {
		t.Fatalf("circuits: %+v", snap.ExternalAPI.Circuits)
	}
	if len(snap.RecentRuns) != 3 {
		t.Fatalf("recent runs: %d", len(snap.RecentRuns))
	}
}

func TestSnapshotEmptyStoreIsHealthy(t *testing.T) {
	db := dbopen.OpenMemory(t)
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := mirror.New(db)
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatal(err)
	}
	q := queue.New(db, queue.Options{Logger: log})
	if err := q.EnsureTable(ctx); err != nil {
		t.Fatal(err)
	}

	agg := status.New(status.Config{Store: store, Queue: q, Logger: log})
	snap := agg.Snapshot(ctx)
	if snap.Health != status.Healthy {
		t.Fatalf("health = %s, want healthy", snap.Health)
	}
	if snap.SuccessRate != 100 || snap.Uptime != 100 {
		t.Fatalf("empty store: rate %v, uptime %v", snap.SuccessRate, snap.Uptime)
	}
}
