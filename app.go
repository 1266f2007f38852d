package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"portfoliochat/admin"
	"portfoliochat/audit"
	"portfoliochat/chat"
	"portfoliochat/db"
	"portfoliochat/httputil"
	"portfoliochat/knowledge"
	"portfoliochat/llm"
	"portfoliochat/metrics"
	"portfoliochat/prompt"
	"portfoliochat/ratelimit"
	"portfoliochat/validate"
)

// App owns every long-lived component of the service.
type App struct {
	cfg      Config
	log      zerolog.Logger
	tracker  *ratelimit.Tracker
	gateway  *llm.Gateway
	audit    *audit.Log // nil when the audit log is disabled or unreachable
	registry *prometheus.Registry
	chat     *chat.Handler
	admin    *admin.Handler // nil unless admin credentials are configured
	closers  []func() error
}

func newApp(ctx context.Context, cfg Config, log zerolog.Logger) (*App, error) {
	a := &App{cfg: cfg, log: log}

	bundle, source, err := loadKnowledge(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("load knowledge bundle: %w", err)
	}
	log.Info().Str("source", source).Int("projects", len(bundle.Projects)).
		Int("experiences", len(bundle.Experiences)).Msg("knowledge bundle loaded")

	a.tracker = ratelimit.NewTracker(a.newStore(), cfg.RateLimit,
		ratelimit.WithLogger(log.With().Str("component", "ratelimit").Logger()))

	if auditLog, err := a.openAudit(); err != nil {
		log.Error().Err(err).Msg("audit log unavailable, continuing without it")
	} else {
		a.audit = auditLog
	}

	a.gateway = llm.New(cfg.LLM, log.With().Str("component", "llm").Logger())
	if !a.gateway.Configured() {
		log.Warn().Msg("OPENAI_API_KEY not set, chat requests will answer 503")
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	policy := prompt.Policy{Name: cfg.PersonaName, Role: cfg.PersonaRole}
	a.chat = &chat.Handler{
		Tracker: a.tracker,
		Validator: validate.NewDefault(validate.Config{
			MinLength:   cfg.MessageMinLength,
			MaxLength:   cfg.MessageMaxLength,
			PersonaName: cfg.PersonaName,
		}),
		Gateway:      a.gateway,
		SystemPrompt: prompt.Build(policy, bundle),
		Origins:      chat.NewOrigins(cfg.AllowedOrigins),
		PersonaName:  cfg.PersonaName,
		Metrics:      metrics.New(a.registry),
		Log:          log.With().Str("component", "chat").Logger(),
	}
	if a.audit != nil {
		a.chat.Audit = a.audit
	}

	if cfg.AdminJWTSecret != "" && cfg.AdminPasswordHash != "" {
		a.admin = &admin.Handler{
			Tracker: a.tracker,
			Logins: ratelimit.NewTracker(ratelimit.NewMemoryStore(0), ratelimit.LoginPolicy(),
				ratelimit.WithLogger(log.With().Str("component", "admin_login").Logger())),
			Username:     cfg.AdminUsername,
			PasswordHash: cfg.AdminPasswordHash,
			JWTSecret:    cfg.AdminJWTSecret,
			TokenTTL:     cfg.AdminTokenTTL,
			Log:          log.With().Str("component", "admin").Logger(),
		}
		if a.audit != nil {
			a.admin.Events = a.audit
		}
	}

	return a, nil
}

// newStore picks the Redis store when REDIS_ADDR is set and reachable.
func (a *App) newStore() ratelimit.Store {
	if a.cfg.RedisAddr != "" {
		store, err := ratelimit.NewRedisStore(ratelimit.RedisConfig{
			Addr:     a.cfg.RedisAddr,
			Password: a.cfg.RedisPassword,
			DB:       a.cfg.RedisDB,
			IdleTTL:  a.cfg.RateLimit.IdleTTL,
		})
		if err == nil {
			a.closers = append(a.closers, store.Close)
			a.log.Info().Str("addr", a.cfg.RedisAddr).Msg("rate limiter using redis")
			return store
		}
		a.log.Error().Err(err).Msg("redis unavailable, rate limits are per instance")
	}
	return ratelimit.NewMemoryStore(a.cfg.MaxCallers)
}

func (a *App) openAudit() (*audit.Log, error) {
	if a.cfg.DBDriver == "none" {
		return nil, errors.New("disabled by DB_DRIVER=none")
	}
	dialect, err := db.ParseDialect(a.cfg.DBDriver)
	if err != nil {
		return nil, err
	}
	dsn := a.cfg.DBPath
	if dialect == db.DialectPostgres {
		dsn = a.cfg.DatabaseURL
	}
	if dsn == "" {
		return nil, fmt.Errorf("no connection string for %s", dialect)
	}

	d, err := db.Open(dialect, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.RunMigrations(d, a.log); err != nil {
		d.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a.closers = append(a.closers, d.Close)
	return audit.New(d), nil
}

func loadKnowledge(ctx context.Context, cfg Config) (*knowledge.Bundle, string, error) {
	switch {
	case cfg.KnowledgePath != "":
		b, err := knowledge.LoadFile(cfg.KnowledgePath)
		return b, cfg.KnowledgePath, err
	case cfg.KnowledgeObject.Object != "":
		ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		src := cfg.KnowledgeObject
		b, err := knowledge.LoadObject(ctx, src)
		return b, "s3://" + src.Bucket + "/" + src.Object, err
	}
	return knowledge.Default(), "embedded", nil
}

// Close releases stores and database handles, newest first.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn().Err(err).Msg("close failed")
		}
	}
}

// pruneLoop deletes audit events older than the retention window.
func (a *App) pruneLoop(ctx context.Context, every time.Duration) {
	if a.audit == nil || a.cfg.AuditRetention <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		a.pruneAudit(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *App) pruneAudit(ctx context.Context) {
	n, err := a.audit.Prune(ctx, time.Now().Add(-a.cfg.AuditRetention))
	if err != nil {
		a.log.Warn().Err(err).Msg("audit prune failed")
		return
	}
	if n > 0 {
		a.log.Info().Int64("deleted", n).Msg("audit events pruned")
	}
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, 200, map[string]interface{}{
		"status":              "ok",
		"provider_configured": a.gateway.Configured(),
	})
}

func (a *App) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(a.log))
	r.Use(middleware.Recoverer)
	r.Use(httputil.SecurityHeaders)

	r.Get("/health", a.handleHealth)
	r.Handle("/metrics", metrics.Handler(a.registry))

	r.Group(func(r chi.Router) {
		r.Use(a.chat.Origins.Middleware())
		r.Post("/chat", a.chat.HandleChat)
		r.Options("/chat", a.chat.HandlePreflight)
	})

	if a.admin != nil {
		r.Mount("/admin", a.admin.Routes())
	}
	return r
}

// requestLogger writes one access log line per request.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info().
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("elapsed", time.Since(start)).
					Msg("request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
