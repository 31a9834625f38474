package upstream_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hazyhaar/jurisync/upstream"
)

func TestListCourtsPagination(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Token sekrit" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("cursor") == "p2" {
			json.NewEncoder(w).Encode(map[string]any{
				"count": 3,
				"next":  "",
				"results": []map[string]any{
					{"id": "ca3", "full_name": "Court Three", "jurisdiction": "CA"},
				},
			})
			return
		}
		if got := r.URL.Query().Get("jurisdiction"); got != "CA" {
			t.Errorf("jurisdiction = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"count": 3,
			"next":  srv.URL + "/courts/?cursor=p2",
			"results": []map[string]any{
				{"id": "ca1", "full_name": "Court One", "jurisdiction": "CA"},
				{"id": "ca2", "full_name": "Court Two", "jurisdiction": "CA"},
			},
		})
	}))
	defer srv.Close()

	c := upstream.New(srv.URL, upstream.WithToken("sekrit"))
	ctx := context.Background()

	p1, err := c.ListCourts(ctx, upstream.ListOptions{Jurisdiction: "CA"})
	if err != nil {
		t.Fatal(err)
	}
	if len(p1.Results) != 2 || p1.Results[0].ID != "ca1" {
		t.Fatalf("page 1: %+v", p1)
	}
	if p1.NextCursor == "" {
		t.Fatal("expected next cursor")
	}

	p2, err := c.ListCourts(ctx, upstream.ListOptions{Cursor: p1.NextCursor})
	if err != nil {
		t.Fatal(err)
	}
	if len(p2.Results) != 1 || p2.Results[0].ID != "ca3" {
		t.Fatalf("page 2: %+v", p2)
	}
	if p2.NextCursor != "" {
		t.Fatal("last page should have empty cursor")
	}
}

func TestErrorTaxonomy(t *testing.T) {
	status := make(chan int, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code := <-status
		if code == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "7")
		}
		w.WriteHeader(code)
	}))
	defer srv.Close()

	c := upstream.New(srv.URL)
	ctx := context.Background()

	status <- http.StatusUnauthorized
	_, err := c.GetPerson(ctx, "p1")
	if !upstream.IsAuth(err) {
		t.Fatalf("401: got %v, want AuthError", err)
	}

	status <- http.StatusForbidden
	_, err = c.GetPerson(ctx, "p1")
	if !upstream.IsAuth(err) {
		t.Fatalf("403: got %v, want AuthError", err)
	}

	status <- http.StatusTooManyRequests
	_, err = c.GetPerson(ctx, "p1")
	var rl *upstream.RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("429: got %v, want RateLimitedError", err)
	}
	if rl.RetryAfter != 7*time.Second {
		t.Fatalf("RetryAfter = %s, want 7s", rl.RetryAfter)
	}

	status <- http.StatusBadGateway
	_, err = c.GetPerson(ctx, "p1")
	if !upstream.IsTransient(err) {
		t.Fatalf("502: got %v, want TransientError", err)
	}

	status <- http.StatusNotFound
	_, err = c.GetPerson(ctx, "p1")
	if err == nil || upstream.IsTransient(err) || upstream.IsAuth(err) {
		t.Fatalf("404: got %v, want plain permanent error", err)
	}
}

func TestRetryTransientThenSuccess(t *testing.T) {
	calls := 0
	err := upstream.Retry(context.Background(), 3, time.Millisecond, nil, func() error {
		calls++
		if calls < 3 {
			return &upstream.TransientError{StatusCode: 503}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryStopsOnAuth(t *testing.T) {
	calls := 0
	err := upstream.Retry(context.Background(), 3, time.Millisecond, nil, func() error {
		calls++
		return &upstream.AuthError{StatusCode: 401}
	})
	if !upstream.IsAuth(err) {
		t.Fatalf("got %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (auth must not retry)", calls)
	}
}

func TestRetryExhausted(t *testing.T) {
	calls := 0
	err := upstream.Retry(context.Background(), 2, time.Millisecond, nil, func() error {
		calls++
		return &upstream.TransientError{StatusCode: 500}
	})
	if !upstream.IsTransient(err) {
		t.Fatalf("got %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryHonoursRetryAfterThroughWrap(t *testing.T) {
	// A wrapped 429 must still wait the provider's hint, not the hour-long
	// backoff, so the run finishes quickly only when the hint is honoured.
	calls := 0
	start := time.Now()
	err := upstream.Retry(context.Background(), 3, time.Hour, nil, func() error {
		calls++
		if calls == 1 {
			return fmt.Errorf("listing opinions: %w",
				&upstream.RateLimitedError{RetryAfter: time.Millisecond})
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("waited %s, Retry-After hint ignored", elapsed)
	}
}

func TestRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := upstream.Retry(ctx, 5, time.Hour, nil, func() error {
		calls++
		cancel()
		return &upstream.TransientError{StatusCode: 500}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}
