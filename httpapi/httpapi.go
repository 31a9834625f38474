// Package httpapi is the service's HTTP surface: sync triggers, the
// webhook endpoint, the status document and admin queue actions, all under
// /api/v1 on a chi router.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/jurisync/mirror"
	"github.com/hazyhaar/jurisync/queue"
	"github.com/hazyhaar/jurisync/ratelimit"
	"github.com/hazyhaar/jurisync/status"
	"github.com/hazyhaar/jurisync/syncer"
)

// syncClasses maps URL segments to their sync managers' record class.
var syncClasses = map[string]string{
	"courts":    mirror.ClassCourt,
	"judges":    mirror.ClassJudge,
	"decisions": mirror.ClassDecision,
}

// Config wires the API server.
type Config struct {
	// Managers are the sync managers keyed by URL segment: "courts",
	// "judges", "decisions".
	Managers map[string]*syncer.Manager
	Queue    *queue.Q
	Status   *status.Aggregator
	// Webhook serves GET (handshake) and POST (ingest) on the webhook path.
	Webhook http.Handler
	// Limiter, when set, throttles the whole API per client IP under
	// APIScope.
	Limiter  *ratelimit.Limiter
	APIScope string

	// TriggerKeyHash is the bcrypt hash of the key allowed to trigger syncs.
	TriggerKeyHash string
	// AdminKeyHash is the bcrypt hash of the key for status and admin
	// actions.
	AdminKeyHash string

	// MaxBodyBytes caps request bodies. Default: 1 MB.
	MaxBodyBytes int64
	Logger       *slog.Logger
}

// Server is the HTTP API.
type Server struct {
	cfg Config
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.APIScope == "" {
		cfg.APIScope = "api"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg}
}

// Router builds the chi router with the full middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(securityHeaders)
	r.Use(maxBody(s.cfg.MaxBodyBytes))
	r.Use(requestLog(s.cfg.Logger))
	if s.cfg.Limiter != nil {
		r.Use(s.cfg.Limiter.Middleware(s.cfg.APIScope))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/sync", s.handleSyncSchema)
		r.Get("/sync/{class}", s.handleSyncSchema)
		r.Post("/sync/{class}", requireKey(s.cfg.TriggerKeyHash, s.handleSync))
		if s.cfg.Webhook != nil {
			r.Handle("/webhooks/caselaw", s.cfg.Webhook)
		}
		r.Get("/status", requireKey(s.cfg.AdminKeyHash, s.handleStatus))
		r.Post("/admin/actions", requireKey(s.cfg.AdminKeyHash, s.handleAdminAction))
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	return r
}

// syncRequest is the POST body for a sync trigger. The zero value runs a
// full incremental sync in the foreground.
type syncRequest struct {
	syncer.Options
	// Async enqueues the run instead of executing it inline.
	Async bool `json:"async,omitempty"`
	// Priority orders an async job in the queue. Default: 0.
	Priority int `json:"priority,omitempty"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	segment := chi.URLParam(r, "class")
	class, ok := syncClasses[segment]
	mgr := s.cfg.Managers[segment]
	if !ok || mgr == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"success": false,
			"error":   "unknown sync type",
		})
		return
	}

	var req syncRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"success": false,
				"error":   "malformed request body",
			})
			return
		}
	}

	if req.Async {
		payload, err := json.Marshal(req.Options)
		if err == nil {
			var jobID string
			jobID, err = s.cfg.Queue.Add(r.Context(), class, payload, req.Priority)
			if err == nil {
				writeJSON(w, http.StatusAccepted, map[string]any{
					"success": true,
					"jobId":   jobID,
				})
				return
			}
		}
		s.cfg.Logger.Error("enqueue sync job failed", "class", class, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   "could not enqueue job",
		})
		return
	}

	res, err := mgr.Sync(r.Context(), req.Options)
	if err != nil {
		s.cfg.Logger.Error("sync run aborted", "class", class, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, res.HTTPStatus(), syncResponse(segment, res))
}

// syncResponse shapes a run result for the API: the processed counter is
// named after the collection ("courtsProcessed") to match the dashboards.
func syncResponse(segment string, res *syncer.Result) map[string]any {
	errs := res.Errors
	if errs == nil {
		errs = []syncer.ItemError{}
	}
	return map[string]any{
		"success": len(res.Errors) == 0,
		"data": map[string]any{
			segment + "Processed": res.ItemsProcessed,
			"itemsCreated":        res.ItemsCreated,
			"itemsUpdated":        res.ItemsUpdated,
			"duplicatesSkipped":   res.DuplicatesSkipped,
			"durationMs":          res.DurationMs,
			"partial":             res.Partial,
		},
		"errors":    errs,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
}

// handleSyncSchema describes the sync surface so operators can discover
// the accepted types and options without reading source.
func (s *Server) handleSyncSchema(w http.ResponseWriter, r *http.Request) {
	types := make([]string, 0, len(s.cfg.Managers))
	for segment := range syncClasses {
		if s.cfg.Managers[segment] != nil {
			types = append(types, segment)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"endpoint": "/api/v1/sync/{type}",
		"method":   "POST",
		"types":    types,
		"options": map[string]string{
			"jurisdiction":    "scope the run to one jurisdiction code",
			"batchSize":       "records per upstream page",
			"forceRefresh":    "ignore freshness pointers",
			"stalenessWindow": "nanoseconds; skip jurisdictions synced more recently",
			"ids":             "explicit external IDs to refresh",
			"maxItems":        "cap on processed items",
			"timeBudget":      "nanoseconds; hard wall-clock budget",
			"async":           "enqueue instead of running inline",
			"priority":        "queue priority for async runs",
		},
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	// Operational data goes stale in seconds; never let proxies cache it.
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, s.cfg.Status.Snapshot(r.Context()))
}

// adminAction is the POST body for queue administration.
type adminAction struct {
	Action   string         `json:"action"`
	Type     string         `json:"type,omitempty"`
	Options  syncer.Options `json:"options,omitempty"`
	Priority int            `json:"priority,omitempty"`
}

func (s *Server) handleAdminAction(w http.ResponseWriter, r *http.Request) {
	var req adminAction
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   "malformed request body",
		})
		return
	}

	switch req.Action {
	case "queue_job":
		if _, ok := classForType(req.Type); !ok {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"success": false,
				"error":   "unknown job type",
			})
			return
		}
		payload, err := json.Marshal(req.Options)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false})
			return
		}
		jobID, err := s.cfg.Queue.Add(r.Context(), req.Type, payload, req.Priority)
		if err != nil {
			s.adminError(w, "queue_job", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "jobId": jobID})

	case "cancel_jobs":
		n, err := s.cfg.Queue.Cancel(r.Context(), req.Type)
		if err != nil {
			s.adminError(w, "cancel_jobs", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "cancelled": n})

	case "restart_queue":
		// Returns expired running jobs to pending so a stuck consumer can
		// be recovered without a process restart.
		n, err := s.cfg.Queue.ReapExpired(r.Context())
		if err != nil {
			s.adminError(w, "restart_queue", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "requeued": n})

	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   "unknown action",
		})
	}
}

func (s *Server) adminError(w http.ResponseWriter, action string, err error) {
	s.cfg.Logger.Error("admin action failed", "action", action, "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]any{
		"success": false,
		"error":   "action failed",
	})
}

// classForType reports whether t is a known job/record class.
func classForType(t string) (string, bool) {
	for _, class := range syncClasses {
		if class == t {
			return class, true
		}
	}
	return "", false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		slog.Default().Debug("write response", "error", err)
	}
}
