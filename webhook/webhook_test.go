package webhook_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/jurisync/dbopen"
	"github.com/hazyhaar/jurisync/mirror"
	"github.com/hazyhaar/jurisync/queue"
	"github.com/hazyhaar/jurisync/syncer"
	"github.com/hazyhaar/jurisync/webhook"
)

const (
	testSecret = "wh-secret"
	testToken  = "verify-me"
)

func newHandler(t *testing.T) (*webhook.Handler, *queue.Q) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	ctx := context.Background()

	store := mirror.New(db)
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatal(err)
	}
	q := queue.New(db, queue.Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err := q.EnsureTable(ctx); err != nil {
		t.Fatal(err)
	}

	h := webhook.New(webhook.Config{
		Verifier:    webhook.NewVerifier(testSecret),
		VerifyToken: testToken,
		Store:       store,
		Queue:       q,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return h, q
}

func post(t *testing.T, h http.Handler, body []byte, sign func([]byte) string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/caselaw", bytes.NewReader(body))
	if sign != nil {
		req.Header.Set(webhook.SignatureHeader, sign(body))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return out
}

func TestPersonUpdatedEnqueuesJudgeJob(t *testing.T) {
	h, q := newHandler(t)
	v := webhook.NewVerifier(testSecret)

	body := []byte(`{"event":"person.updated","data":{"id":"p42","type":"person"},"webhook_id":"wh_1"}`)
	rr := post(t, h, body, v.Sign)
	if rr.Code != http.StatusOK {
		t.Fatalf("code = %d, body %s", rr.Code, rr.Body)
	}
	out := decode(t, rr)
	if out["handled"] != true {
		t.Fatalf("response: %v", out)
	}

	job, err := q.ClaimNext(context.Background())
	if err != nil || job == nil {
		t.Fatalf("claim: %v, %v", job, err)
	}
	if job.Type != mirror.ClassJudge || job.Priority != webhook.PriorityWebhook {
		t.Fatalf("job: %+v", job)
	}
	var opts syncer.Options
	if err := json.Unmarshal(job.Payload, &opts); err != nil {
		t.Fatal(err)
	}
	if len(opts.IDs) != 1 || opts.IDs[0] != "p42" || !opts.ForceRefresh {
		t.Fatalf("payload: %+v", opts)
	}
}

func TestOpinionEventScopesByAuthor(t *testing.T) {
	h, q := newHandler(t)
	v := webhook.NewVerifier(testSecret)

	body := []byte(`{"event":"opinion.created","data":{"id":"op7","type":"opinion","attributes":{"author":"p42"}},"webhook_id":"wh_2"}`)
	rr := post(t, h, body, v.Sign)
	if rr.Code != http.StatusOK {
		t.Fatalf("code = %d", rr.Code)
	}

	job, _ := q.ClaimNext(context.Background())
	if job == nil || job.Type != mirror.ClassDecision {
		t.Fatalf("job: %+v", job)
	}
	var opts syncer.Options
	json.Unmarshal(job.Payload, &opts)
	if opts.AuthorID != "p42" || opts.MaxItems == 0 {
		t.Fatalf("payload: %+v", opts)
	}
}

func TestBadSignaturesAllGetTheSame401(t *testing.T) {
	h, q := newHandler(t)
	v := webhook.NewVerifier(testSecret)
	body := []byte(`{"event":"person.updated","data":{"id":"p1"}}`)

	// Valid signature with one flipped byte.
	flipped := func(b []byte) string {
		sig := []byte(v.Sign(b))
		sig[len(sig)-1] ^= 1
		return string(sig)
	}
	wrongSecret := webhook.NewVerifier("other-secret").Sign

	var bodies []string
	for _, sign := range []func([]byte) string{nil, flipped, wrongSecret} {
		rr := post(t, h, body, sign)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("code = %d, want 401", rr.Code)
		}
		bodies = append(bodies, rr.Body.String())
	}
	if bodies[0] != bodies[1] || bodies[1] != bodies[2] {
		t.Fatalf("401 bodies differ: %q", bodies)
	}

	if job, _ := q.ClaimNext(context.Background()); job != nil {
		t.Fatalf("rejected delivery enqueued a job: %+v", job)
	}
}

func TestDuplicateDeliveryAcknowledgedOnce(t *testing.T) {
	h, q := newHandler(t)
	v := webhook.NewVerifier(testSecret)
	body := []byte(`{"event":"person.updated","data":{"id":"p1"},"webhook_id":"wh_dup"}`)

	if rr := post(t, h, body, v.Sign); rr.Code != http.StatusOK {
		t.Fatalf("first delivery: %d", rr.Code)
	}
	rr := post(t, h, body, v.Sign)
	if rr.Code != http.StatusOK {
		t.Fatalf("redelivery: %d", rr.Code)
	}
	out := decode(t, rr)
	if out["handled"] != false || out["duplicate"] != true {
		t.Fatalf("redelivery response: %v", out)
	}

	// Exactly one job from the two deliveries.
	if job, _ := q.ClaimNext(context.Background()); job == nil {
		t.Fatal("no job enqueued")
	}
	if job, _ := q.ClaimNext(context.Background()); job != nil {
		t.Fatalf("duplicate delivery enqueued a second job: %+v", job)
	}
}

func TestUnknownEventAcknowledgedUnhandled(t *testing.T) {
	h, q := newHandler(t)
	v := webhook.NewVerifier(testSecret)

	rr := post(t, h, []byte(`{"event":"docket.updated","data":{"id":"d1"}}`), v.Sign)
	if rr.Code != http.StatusOK {
		t.Fatalf("code = %d", rr.Code)
	}
	if out := decode(t, rr); out["handled"] != false {
		t.Fatalf("response: %v", out)
	}
	if job, _ := q.ClaimNext(context.Background()); job != nil {
		t.Fatalf("unknown event enqueued a job: %+v", job)
	}
}

func TestMalformedPayloadIsBadRequest(t *testing.T) {
	h, _ := newHandler(t)
	v := webhook.NewVerifier(testSecret)

	rr := post(t, h, []byte(`{"event":`), v.Sign)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("code = %d, want 400", rr.Code)
	}
}

func TestHandshake(t *testing.T) {
	h, _ := newHandler(t)

	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/webhooks/caselaw?challenge=abc123&verify_token="+testToken, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("code = %d", rr.Code)
	}
	// The provider compares the body byte for byte with its challenge.
	if got := rr.Body.String(); got != "abc123" {
		t.Fatalf("body = %q, want %q", got, "abc123")
	}

	// Wrong token never leaks the challenge.
	req = httptest.NewRequest(http.MethodGet,
		"/api/v1/webhooks/caselaw?challenge=abc123&verify_token=guess", nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("code = %d, want 403", rr.Code)
	}
	if bytes.Contains(rr.Body.Bytes(), []byte("abc123")) {
		t.Fatal("challenge leaked on bad token")
	}
}
