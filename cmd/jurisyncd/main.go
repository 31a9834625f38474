// Command jurisyncd runs the case-law mirror service: the HTTP API, the
// job queue consumer, the lease reaper, the staleness scheduler and the
// retention cleanup, all against one SQLite database.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/jurisync/breaker"
	"github.com/hazyhaar/jurisync/config"
	"github.com/hazyhaar/jurisync/dbopen"
	"github.com/hazyhaar/jurisync/httpapi"
	"github.com/hazyhaar/jurisync/mirror"
	"github.com/hazyhaar/jurisync/queue"
	"github.com/hazyhaar/jurisync/ratelimit"
	"github.com/hazyhaar/jurisync/status"
	"github.com/hazyhaar/jurisync/syncer"
	"github.com/hazyhaar/jurisync/upstream"
	"github.com/hazyhaar/jurisync/webhook"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	var lvl slog.Level
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	if cfg.Webhook.Secret == "" {
		slog.Error("WEBHOOK_SECRET is required")
		os.Exit(1)
	}
	if cfg.Keys.Trigger == "" || cfg.Keys.Admin == "" {
		slog.Error("TRIGGER_API_KEY and ADMIN_API_KEY are required")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("open db", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	store := mirror.New(db)
	if err := store.EnsureSchema(ctx); err != nil {
		slog.Error("mirror schema", "error", err)
		os.Exit(1)
	}

	q := queue.New(db, queue.Options{
		Lease:        cfg.Queue.Lease(),
		PollInterval: cfg.Queue.PollInterval(),
		MaxAttempts:  cfg.Queue.MaxAttempts,
		Logger:       logger,
	})
	if err := q.EnsureTable(ctx); err != nil {
		slog.Error("queue schema", "error", err)
		os.Exit(1)
	}

	scopes := make(map[string]ratelimit.Scope, len(cfg.RateLimit.Scopes))
	for name, b := range cfg.RateLimit.Scopes {
		scopes[name] = ratelimit.Scope{Tokens: b.Tokens, Window: b.Window()}
	}
	limiter := ratelimit.New(db, ratelimit.Config{
		Scopes:     scopes,
		FailClosed: cfg.RateLimit.FailClosed,
		Logger:     logger,
	})
	if err := limiter.EnsureTable(ctx); err != nil {
		slog.Error("ratelimit schema", "error", err)
		os.Exit(1)
	}

	client := upstream.New(cfg.Upstream.BaseURL, upstream.WithToken(cfg.Upstream.Token))

	// One breaker per upstream collection, shared between the sync managers
	// and the status endpoint.
	breakers := map[string]*breaker.Breaker{
		"courts":   breaker.New("courts", breaker.WithEventSink(store)),
		"people":   breaker.New("people", breaker.WithEventSink(store)),
		"opinions": breaker.New("opinions", breaker.WithEventSink(store)),
	}
	managerCfg := func(endpoint string) syncer.Config {
		return syncer.Config{
			Store:             store,
			Client:            client,
			Limiter:           limiter,
			Breaker:           breakers[endpoint],
			MaxItemRetries:    cfg.Upstream.MaxRetries,
			RetryBackoff:      cfg.Upstream.RetryBackoff(),
			DefaultBatchSize:  cfg.Sync.BatchSize,
			DefaultStaleness:  cfg.Sync.Staleness(),
			DefaultTimeBudget: cfg.Sync.TimeBudget(),
			Logger:            logger,
		}
	}
	managers := map[string]*syncer.Manager{
		"courts":    syncer.NewCourtManager(managerCfg("courts")),
		"judges":    syncer.NewJudgeManager(managerCfg("people")),
		"decisions": syncer.NewDecisionManager(managerCfg("opinions")),
	}
	byClass := make(map[string]*syncer.Manager, len(managers))
	for _, m := range managers {
		byClass[m.Type()] = m
	}

	agg := status.New(status.Config{
		Store:    store,
		Queue:    q,
		Breakers: breakers,
		Logger:   logger,
	})

	wh := webhook.New(webhook.Config{
		Verifier:    webhook.NewVerifier(cfg.Webhook.Secret),
		VerifyToken: cfg.Webhook.VerifyToken,
		Store:       store,
		Queue:       q,
		DedupeTTL:   cfg.Webhook.DedupeTTL(),
		Logger:      logger,
	})

	api := httpapi.New(httpapi.Config{
		Managers:       managers,
		Queue:          q,
		Status:         agg,
		Webhook:        wh,
		Limiter:        limiter,
		TriggerKeyHash: keyHash(cfg.Keys.Trigger),
		AdminKeyHash:   keyHash(cfg.Keys.Admin),
		Logger:         logger,
	})

	// Queue consumer: jobs carry the record class and a serialized options
	// payload.
	go q.Run(ctx, func(ctx context.Context, job *queue.Job) error {
		mgr := byClass[job.Type]
		if mgr == nil {
			return fmt.Errorf("unknown job type %q", job.Type)
		}
		var opts syncer.Options
		if len(job.Payload) > 0 {
			if err := json.Unmarshal(job.Payload, &opts); err != nil {
				return fmt.Errorf("decode job payload: %w", err)
			}
		}
		_, err := mgr.Sync(ctx, opts)
		return err
	})

	go runReaper(ctx, q, cfg.Queue.ReapInterval(), logger)
	go runScheduler(ctx, store, q, cfg.Sync.Staleness(), cfg.Sync.ScheduleInterval(), logger)
	go runCleanup(ctx, store, limiter, cfg.Retention, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		slog.Info("server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

// keyHash accepts either a bcrypt hash from config or a plaintext key,
// which is hashed at startup so the hash never needs to be precomputed.
func keyHash(key string) string {
	if strings.HasPrefix(key, "$2a$") || strings.HasPrefix(key, "$2b$") {
		return key
	}
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		slog.Error("hash api key", "error", err)
		os.Exit(1)
	}
	return string(h)
}

// runReaper periodically returns expired running jobs to pending.
func runReaper(ctx context.Context, q *queue.Q, interval time.Duration, logger *slog.Logger) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := q.ReapExpired(ctx)
			if err != nil {
				logger.Error("queue reaper", "error", err)
			} else if n > 0 {
				logger.Warn("queue reaper requeued expired jobs", "count", n)
			}
		}
	}
}

// runScheduler enqueues low-priority refresh jobs for jurisdictions whose
// freshness pointer has gone stale. Webhook jobs outrank these, so pushes
// are never starved by scheduled work.
func runScheduler(ctx context.Context, store *mirror.Store, q *queue.Q, staleness, interval time.Duration, logger *slog.Logger) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			cutoff := time.Now().Add(-staleness)
			for _, class := range []string{mirror.ClassCourt, mirror.ClassJudge, mirror.ClassDecision} {
				stale, err := store.StaleJurisdictions(ctx, class, cutoff)
				if err != nil {
					logger.Error("staleness scan", "class", class, "error", err)
					continue
				}
				for _, jur := range stale {
					payload, _ := json.Marshal(syncer.Options{Jurisdiction: jur})
					if _, err := q.Add(ctx, class, payload, 0); err != nil {
						logger.Error("schedule refresh", "class", class, "jurisdiction", jur, "error", err)
					}
				}
			}
		}
	}
}

// runCleanup trims bookkeeping tables on the retention schedule.
func runCleanup(ctx context.Context, store *mirror.Store, limiter *ratelimit.Limiter, r config.Retention, logger *slog.Logger) {
	t := time.NewTicker(r.CleanupInterval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := store.CleanupSyncLogs(ctx, r.SyncLogDays); err != nil {
				logger.Error("cleanup sync log", "error", err)
			}
			if _, err := store.CleanupCircuitEvents(ctx, r.CircuitEventDays); err != nil {
				logger.Error("cleanup circuit events", "error", err)
			}
			if _, err := store.PurgeExpiredDeliveries(ctx); err != nil {
				logger.Error("cleanup webhook dedupe", "error", err)
			}
			if _, err := limiter.PurgeExpired(ctx); err != nil {
				logger.Error("cleanup rate windows", "error", err)
			}
		}
	}
}
