package mirror_test

import (
	"context"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/jurisync/dbopen"
	"github.com/hazyhaar/jurisync/mirror"
)

func newStore(t *testing.T, opts ...mirror.Option) *mirror.Store {
	t.Helper()
	db := dbopen.OpenMemory(t)
	s := mirror.New(db, opts...)
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestUpsertCourtLifecycle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	c := &mirror.Court{
		ExternalID:   "ca9",
		FullName:     "Court of Appeals for the Ninth Circuit",
		Jurisdiction: "F",
		InUse:        true,
	}

	out, err := s.UpsertCourt(ctx, c)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Created {
		t.Fatalf("first upsert: %+v, want created", out)
	}

	// Identical payload is a duplicate, no write.
	out, err = s.UpsertCourt(ctx, c)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Duplicate {
		t.Fatalf("second upsert: %+v, want duplicate", out)
	}

	// Changed payload updates.
	c.FullName = "Ninth Circuit"
	out, err = s.UpsertCourt(ctx, c)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Updated {
		t.Fatalf("third upsert: %+v, want updated", out)
	}

	courts, _, _, err := s.CountRecords(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if courts != 1 {
		t.Fatalf("courts = %d, want 1", courts)
	}
}

func TestUpsertJudgeAndDecision(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	j := &mirror.Judge{ExternalID: "p123", NameFirst: "Ada", NameLast: "Learned", Jurisdiction: "CA"}
	if out, err := s.UpsertJudge(ctx, j); err != nil || !out.Created {
		t.Fatalf("judge upsert: %+v, %v", out, err)
	}

	d := &mirror.Decision{ExternalID: "op9", CaseName: "A v. B", AuthorID: "p123", Jurisdiction: "CA"}
	if out, err := s.UpsertDecision(ctx, d); err != nil || !out.Created {
		t.Fatalf("decision upsert: %+v, %v", out, err)
	}
	if out, _ := s.UpsertDecision(ctx, d); !out.Duplicate {
		t.Fatalf("unchanged decision: %+v, want duplicate", out)
	}
}

func TestFreshnessMonotonic(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	t1 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	t0 := t1.Add(-time.Hour)

	if err := s.TouchFreshness(ctx, mirror.ClassJudge, "CA", t1); err != nil {
		t.Fatal(err)
	}
	// An older touch must not regress the pointer.
	if err := s.TouchFreshness(ctx, mirror.ClassJudge, "CA", t0); err != nil {
		t.Fatal(err)
	}

	entries, err := s.Freshness(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if !entries[0].LastSyncedAt.Equal(t1) {
		t.Fatalf("pointer = %s, want %s", entries[0].LastSyncedAt, t1)
	}

	latest, err := s.LatestFreshness(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !latest[mirror.ClassJudge].Equal(t1) {
		t.Fatalf("latest = %v", latest)
	}
}

func TestStaleJurisdictions(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	s.UpsertJudge(ctx, &mirror.Judge{ExternalID: "p1", Jurisdiction: "CA"})
	s.UpsertJudge(ctx, &mirror.Judge{ExternalID: "p2", Jurisdiction: "NY"})

	now := time.Now()
	s.TouchFreshness(ctx, mirror.ClassJudge, "CA", now)
	s.TouchFreshness(ctx, mirror.ClassJudge, "NY", now.Add(-48*time.Hour))

	stale, err := s.StaleJurisdictions(ctx, mirror.ClassJudge, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 || stale[0] != "NY" {
		t.Fatalf("stale = %v, want [NY]", stale)
	}

	// A jurisdiction never synced counts as stale.
	s.UpsertJudge(ctx, &mirror.Judge{ExternalID: "p3", Jurisdiction: "TX"})
	stale, _ = s.StaleJurisdictions(ctx, mirror.ClassJudge, now.Add(-24*time.Hour))
	if len(stale) != 2 {
		t.Fatalf("stale = %v, want [NY TX]", stale)
	}
}

func TestSyncLog(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	now := time.Now()
	entries := []*mirror.SyncLogEntry{
		{SyncType: "judge", Status: mirror.SyncStatusCompleted, StartedAt: now.Add(-time.Hour), DurationMs: 100},
		{SyncType: "judge", Status: mirror.SyncStatusCompleted, StartedAt: now.Add(-2 * time.Hour), DurationMs: 300},
		{SyncType: "court", Status: mirror.SyncStatusFailed, StartedAt: now.Add(-3 * time.Hour), DurationMs: 50, ErrorMessage: "auth"},
		{SyncType: "court", Status: mirror.SyncStatusCompleted, StartedAt: now.Add(-50 * time.Hour), DurationMs: 500},
	}
	for _, e := range entries {
		if err := s.InsertSyncLog(ctx, e); err != nil {
			t.Fatal(err)
		}
		if e.ID == "" {
			t.Fatal("insert should assign an ID")
		}
	}

	day, err := s.SyncLogWindow(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if day.TotalRuns != 3 || day.CompletedRuns != 2 || day.FailedRuns != 1 {
		t.Fatalf("daily window: %+v", day)
	}
	if day.AvgDurationMs != 150 {
		t.Fatalf("avg = %v, want 150", day.AvgDurationMs)
	}

	week, _ := s.SyncLogWindow(ctx, now.Add(-7*24*time.Hour))
	if week.TotalRuns != 4 {
		t.Fatalf("weekly window: %+v", week)
	}

	recent, err := s.RecentSyncLogs(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].DurationMs != 100 {
		t.Fatalf("recent: %+v", recent)
	}

	n, err := s.CleanupSyncLogs(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("cleaned %d, want 1", n)
	}
}

func TestSeenWebhook(t *testing.T) {
	now := time.Now()
	clock := now
	s := newStore(t, mirror.WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	dup, err := s.SeenWebhook(ctx, "wh_1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if dup {
		t.Fatal("first delivery flagged duplicate")
	}

	dup, err = s.SeenWebhook(ctx, "wh_1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if !dup {
		t.Fatal("retry within TTL not flagged duplicate")
	}

	// After the TTL the same ID is accepted again.
	clock = now.Add(2 * time.Hour)
	dup, err = s.SeenWebhook(ctx, "wh_1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if dup {
		t.Fatal("delivery after TTL flagged duplicate")
	}

	clock = now.Add(4 * time.Hour)
	n, err := s.PurgeExpiredDeliveries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("purged %d, want 1", n)
	}
}

func TestCircuitEvents(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	now := time.Now()
	s.RecordCircuitEvent("opinions", "upstream_failure", now)
	s.RecordCircuitEvent("opinions", "upstream_failure", now)
	s.RecordCircuitEvent("opinions", "circuit_open", now)
	s.RecordCircuitEvent("courts", "upstream_failure", now.Add(-48*time.Hour))

	counts, err := s.CircuitEventCounts(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if counts["upstream_failure"] != 2 || counts["circuit_open"] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestSanitizeOpinionHTML(t *testing.T) {
	in := `<p>The court <script>alert("x")</script>holds as follows:</p>
		<h2>Discussion</h2><p>Judgment <b>affirmed</b>.</p>`
	out, err := mirror.SanitizeOpinionHTML(in)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "alert") || strings.Contains(out, "<script>") {
		t.Fatalf("script survived sanitisation: %q", out)
	}
	if !strings.Contains(out, "holds as follows") || !strings.Contains(out, "affirmed") {
		t.Fatalf("body text lost: %q", out)
	}
}
