package ratelimit_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/jurisync/dbopen"
	"github.com/hazyhaar/jurisync/ratelimit"
)

func newLimiter(t *testing.T, cfg ratelimit.Config) *ratelimit.Limiter {
	t.Helper()
	db := dbopen.OpenMemory(t)
	l := ratelimit.New(db, cfg)
	if err := l.EnsureTable(context.Background()); err != nil {
		t.Fatal(err)
	}
	return l
}

func TestBudgetBoundary(t *testing.T) {
	const tokens = 5
	l := newLimiter(t, ratelimit.Config{
		Scopes: map[string]ratelimit.Scope{
			"upstream": {Tokens: tokens, Window: time.Minute},
		},
	})
	ctx := context.Background()

	// First `tokens` requests succeed with remaining decreasing to 0.
	for i := range tokens {
		res, err := l.Allow(ctx, "upstream", "worker1")
		if err != nil {
			t.Fatal(err)
		}
		if !res.OK {
			t.Fatalf("request %d denied, want allowed", i+1)
		}
		if want := tokens - i - 1; res.Remaining != want {
			t.Fatalf("request %d: remaining = %d, want %d", i+1, res.Remaining, want)
		}
	}

	// tokens+1 and beyond are denied with remaining held at 0.
	for range 3 {
		res, err := l.Allow(ctx, "upstream", "worker1")
		if err != nil {
			t.Fatal(err)
		}
		if res.OK {
			t.Fatal("over-budget request allowed")
		}
		if res.Remaining != 0 {
			t.Fatalf("remaining = %d, want 0", res.Remaining)
		}
		if res.Reset.IsZero() {
			t.Fatal("denied result missing reset")
		}
	}
}

func TestWindowRollover(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)
	clock := now
	l := newLimiter(t, ratelimit.Config{
		Scopes: map[string]ratelimit.Scope{
			"upstream": {Tokens: 1, Window: time.Minute},
		},
		Now: func() time.Time { return clock },
	})
	ctx := context.Background()

	res, _ := l.Allow(ctx, "upstream", "w")
	if !res.OK {
		t.Fatal("first request denied")
	}
	res, _ = l.Allow(ctx, "upstream", "w")
	if res.OK {
		t.Fatal("second request in window allowed")
	}

	clock = now.Add(time.Minute)
	res, err := l.Allow(ctx, "upstream", "w")
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK {
		t.Fatal("request in next window denied")
	}
}

func TestClientsIsolated(t *testing.T) {
	l := newLimiter(t, ratelimit.Config{
		Scopes: map[string]ratelimit.Scope{
			"public": {Tokens: 1, Window: time.Minute},
		},
	})
	ctx := context.Background()

	if res, _ := l.Allow(ctx, "public", "10.0.0.1"); !res.OK {
		t.Fatal("client A denied")
	}
	if res, _ := l.Allow(ctx, "public", "10.0.0.2"); !res.OK {
		t.Fatal("client B should have its own budget")
	}
	if res, _ := l.Allow(ctx, "public", "10.0.0.1"); res.OK {
		t.Fatal("client A over budget")
	}
}

func TestUnknownScopeAllows(t *testing.T) {
	l := newLimiter(t, ratelimit.Config{})
	res, err := l.Allow(context.Background(), "nothing-configured", "x")
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK {
		t.Fatal("unknown scope should be unlimited")
	}
}

func TestFailOpen(t *testing.T) {
	db := dbopen.OpenMemory(t)
	// No EnsureTable: every query fails against the missing table.
	l := ratelimit.New(db, ratelimit.Config{
		Scopes: map[string]ratelimit.Scope{
			"upstream": {Tokens: 1, Window: time.Minute},
		},
	})

	for range 3 {
		res, err := l.Allow(context.Background(), "upstream", "w")
		if err != nil {
			t.Fatalf("fail-open limiter returned error: %v", err)
		}
		if !res.OK {
			t.Fatal("fail-open limiter denied")
		}
	}
}

func TestFailClosed(t *testing.T) {
	db := dbopen.OpenMemory(t)
	l := ratelimit.New(db, ratelimit.Config{
		Scopes: map[string]ratelimit.Scope{
			"upstream": {Tokens: 1, Window: time.Minute},
		},
		FailClosed: true,
	})

	if _, err := l.Allow(context.Background(), "upstream", "w"); err == nil {
		t.Fatal("fail-closed limiter should propagate store errors")
	}
}

func TestPurgeExpired(t *testing.T) {
	now := time.Now()
	clock := now
	l := newLimiter(t, ratelimit.Config{
		Scopes: map[string]ratelimit.Scope{
			"upstream": {Tokens: 10, Window: time.Second},
		},
		Now: func() time.Time { return clock },
	})
	ctx := context.Background()

	l.Allow(ctx, "upstream", "w")
	clock = now.Add(2 * time.Second)

	n, err := l.PurgeExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("purged %d, want 1", n)
	}
}

func TestMiddleware(t *testing.T) {
	l := newLimiter(t, ratelimit.Config{
		Scopes: map[string]ratelimit.Scope{
			"public": {Tokens: 2, Window: time.Minute},
		},
	})

	var hits int
	h := l.Middleware("public")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
		req.RemoteAddr = "192.0.2.1:4321"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	for range 2 {
		if rec := do(); rec.Code != http.StatusOK {
			t.Fatalf("got %d, want 200", rec.Code)
		}
	}
	rec := do()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("got %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}
	if hits != 2 {
		t.Fatalf("handler ran %d times, want 2", hits)
	}
}

func TestExtractIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.9:1234"
	if ip := ratelimit.ExtractIP(req); ip != "192.0.2.9" {
		t.Fatalf("got %q", ip)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.5, 192.0.2.9")
	if ip := ratelimit.ExtractIP(req); ip != "203.0.113.5" {
		t.Fatalf("got %q", ip)
	}
}
