// Package webhook ingests provider push notifications and turns them into
// narrow, high-priority sync jobs.
//
// Security contract: POST bodies are authenticated with HMAC-SHA256 over
// the raw bytes, compared in constant time, and every verification failure
// gets the same silent 401. The GET handshake echoes the provider's
// challenge only when the verify token matches.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hazyhaar/jurisync/mirror"
	"github.com/hazyhaar/jurisync/queue"
	"github.com/hazyhaar/jurisync/syncer"
)

// SignatureHeader carries the hex HMAC digest, optionally prefixed with
// "sha256=".
const SignatureHeader = "X-Signature-256"

// PriorityWebhook is the queue priority for webhook-triggered jobs. It
// outranks scheduled full syncs so a push is mirrored within seconds.
const PriorityWebhook = 10

// Verifier authenticates raw webhook bodies.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier for the shared webhook secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Valid reports whether header is a correct HMAC-SHA256 digest of body.
// The digest comparison is constant-time.
func (v *Verifier) Valid(body []byte, header string) bool {
	sig, err := hex.DecodeString(strings.TrimPrefix(header, "sha256="))
	if err != nil || len(sig) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}

// Sign computes the signature header value for body. Used by tests and by
// outbound delivery tooling.
func (v *Verifier) Sign(body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Envelope is the provider's event payload.
type Envelope struct {
	Event string `json:"event"`
	Data  struct {
		ID         string         `json:"id"`
		Type       string         `json:"type"`
		Attributes map[string]any `json:"attributes"`
	} `json:"data"`
	Timestamp string `json:"timestamp"`
	WebhookID string `json:"webhook_id"`
}

// author extracts the authoring judge ID, when the event carries one.
func (e *Envelope) author() string {
	if s, ok := e.Data.Attributes["author"].(string); ok {
		return s
	}
	return ""
}

// MapJob translates an event into a narrow sync job. ok is false for event
// types the mirror does not track; those are acknowledged and dropped.
func MapJob(e *Envelope) (jobType string, opts syncer.Options, ok bool) {
	switch e.Event {
	case "court.updated":
		return mirror.ClassCourt, syncer.Options{IDs: []string{e.Data.ID}, ForceRefresh: true}, true
	case "person.updated":
		return mirror.ClassJudge, syncer.Options{IDs: []string{e.Data.ID}, ForceRefresh: true}, true
	case "opinion.created", "opinion.updated":
		if author := e.author(); author != "" {
			// Scope to the author's recent opinions rather than one ID:
			// opinion pushes often arrive before related sub-opinions.
			return mirror.ClassDecision, syncer.Options{
				AuthorID:     author,
				ForceRefresh: true,
				MaxItems:     50,
			}, true
		}
		return mirror.ClassDecision, syncer.Options{IDs: []string{e.Data.ID}, ForceRefresh: true}, true
	default:
		return "", syncer.Options{}, false
	}
}

// Config wires the webhook handler.
type Config struct {
	Verifier *Verifier
	// VerifyToken authenticates the GET handshake.
	VerifyToken string
	Store       *mirror.Store
	Queue       *queue.Q

	// DedupeTTL is how long a webhook_id suppresses redeliveries.
	// Default: 24h.
	DedupeTTL time.Duration
	// MaxBodyBytes caps the raw body read. Default: 1 MB.
	MaxBodyBytes int64
	Logger       *slog.Logger
}

// Handler is the HTTP endpoint for provider webhooks: POST ingests events,
// GET answers the subscription handshake.
type Handler struct {
	cfg Config
}

// New creates a Handler.
func New(cfg Config) *Handler {
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = 24 * time.Hour
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{cfg: cfg}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handshake(w, r)
	case http.MethodPost:
		h.ingest(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handshake echoes the provider's challenge when the verify token matches.
// The challenge goes back verbatim as the response body: the provider
// compares the raw bytes, so any envelope would fail verification.
func (h *Handler) handshake(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("verify_token")
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.VerifyToken)) != 1 {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(r.URL.Query().Get("challenge")))
}

func (h *Handler) ingest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		h.reject(w)
		return
	}

	// Missing, malformed and wrong signatures all get the same answer, so
	// a probing caller learns nothing about which check failed.
	if !h.cfg.Verifier.Valid(body, r.Header.Get(SignatureHeader)) {
		h.reject(w)
		return
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"handled": false,
			"error":   "malformed payload",
		})
		return
	}

	if env.WebhookID != "" {
		dup, err := h.cfg.Store.SeenWebhook(r.Context(), env.WebhookID, h.cfg.DedupeTTL)
		if err != nil {
			h.cfg.Logger.Error("webhook: dedupe check failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]any{"handled": false})
			return
		}
		if dup {
			writeJSON(w, http.StatusOK, map[string]any{
				"handled":   false,
				"duplicate": true,
			})
			return
		}
	}

	jobType, opts, ok := MapJob(&env)
	if !ok {
		h.cfg.Logger.Info("webhook: ignoring event", "event", env.Event)
		writeJSON(w, http.StatusOK, map[string]any{"handled": false})
		return
	}

	payload, err := json.Marshal(opts)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"handled": false})
		return
	}
	jobID, err := h.cfg.Queue.Add(r.Context(), jobType, payload, PriorityWebhook)
	if err != nil {
		h.cfg.Logger.Error("webhook: enqueue failed", "event", env.Event, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"handled": false})
		return
	}

	h.cfg.Logger.Info("webhook: job enqueued",
		"event", env.Event, "job_type", jobType, "job_id", jobID)
	writeJSON(w, http.StatusOK, map[string]any{
		"handled": true,
		"jobId":   jobID,
	})
}

// reject is the uniform authentication failure: no detail and no body
// variation regardless of which check failed.
func (h *Handler) reject(w http.ResponseWriter) {
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
