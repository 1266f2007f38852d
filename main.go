package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"portfoliochat/auth"
	"portfoliochat/knowledge"
	"portfoliochat/llm"
	"portfoliochat/prompt"
	"portfoliochat/ratelimit"
	"portfoliochat/validate"
)

type Config struct {
	Port           string
	AllowedOrigins []string

	RateLimit  ratelimit.Policy
	MaxCallers int

	MessageMinLength int
	MessageMaxLength int

	LLM         llm.Config
	PersonaName string
	PersonaRole string

	KnowledgePath   string
	KnowledgeObject knowledge.ObjectSource

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	DBDriver       string // sqlite | postgres | none
	DBPath         string
	DatabaseURL    string
	AuditRetention time.Duration

	AdminUsername     string
	AdminPasswordHash string
	AdminJWTSecret    string
	AdminTokenTTL     time.Duration
}

func loadConfig(log zerolog.Logger) Config {
	policy := ratelimit.DefaultPolicy()
	policy.PerMinute = getEnvInt(log, "RATE_LIMIT_PER_MINUTE", policy.PerMinute)
	policy.PerHour = getEnvInt(log, "RATE_LIMIT_PER_HOUR", policy.PerHour)
	policy.BlockDuration = getEnvDuration(log, "RATE_LIMIT_BLOCK_DURATION", policy.BlockDuration)
	policy.SuspicionThreshold = getEnvInt(log, "RATE_LIMIT_SUSPICION_THRESHOLD", policy.SuspicionThreshold)
	policy.BurstInterval = getEnvDuration(log, "RATE_LIMIT_BURST_INTERVAL", policy.BurstInterval)
	policy.IdleTTL = getEnvDuration(log, "RATE_LIMIT_IDLE_TTL", policy.IdleTTL)

	llmCfg := llm.DefaultConfig()
	llmCfg.APIKey = os.Getenv("OPENAI_API_KEY")
	llmCfg.BaseURL = os.Getenv("LLM_BASE_URL")
	llmCfg.Model = getEnv("LLM_MODEL", llmCfg.Model)
	llmCfg.MaxTokens = getEnvInt(log, "LLM_MAX_TOKENS", llmCfg.MaxTokens)
	llmCfg.Timeout = getEnvDuration(log, "LLM_TIMEOUT", llmCfg.Timeout)
	llmCfg.RPS = getEnvFloat(log, "LLM_RPS", llmCfg.RPS)
	llmCfg.Burst = getEnvInt(log, "LLM_BURST", llmCfg.Burst)
	llmCfg.Temperature = float32(getEnvFloat(log, "LLM_TEMPERATURE", float64(llmCfg.Temperature)))

	defaults := prompt.DefaultPolicy()

	return Config{
		Port:           getEnv("PORT", "8080"),
		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000")),

		RateLimit:  policy,
		MaxCallers: getEnvInt(log, "RATE_LIMIT_MAX_CALLERS", ratelimit.DefaultMaxCallers),

		MessageMinLength: getEnvInt(log, "MESSAGE_MIN_LENGTH", validate.DefaultMinLength),
		MessageMaxLength: getEnvInt(log, "MESSAGE_MAX_LENGTH", validate.DefaultMaxLength),

		LLM:         llmCfg,
		PersonaName: getEnv("PERSONA_NAME", defaults.Name),
		PersonaRole: getEnv("PERSONA_ROLE", defaults.Role),

		KnowledgePath: os.Getenv("KNOWLEDGE_PATH"),
		KnowledgeObject: knowledge.ObjectSource{
			Endpoint:  getEnv("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
			SecretKey: os.Getenv("MINIO_SECRET_KEY"),
			UseSSL:    getEnvBool(log, "MINIO_USE_SSL", false),
			Bucket:    os.Getenv("KNOWLEDGE_BUCKET"),
			Object:    os.Getenv("KNOWLEDGE_OBJECT"),
		},

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getEnvInt(log, "REDIS_DB", 0),

		DBDriver:       getEnv("DB_DRIVER", "sqlite"),
		DBPath:         getEnv("DB_PATH", "/data/portfoliochat.db"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		AuditRetention: getEnvDuration(log, "AUDIT_RETENTION", 30*24*time.Hour),

		AdminUsername:     getEnv("ADMIN_USERNAME", "admin"),
		AdminPasswordHash: os.Getenv("ADMIN_PASSWORD_HASH"),
		AdminJWTSecret:    os.Getenv("ADMIN_JWT_SECRET"),
		AdminTokenTTL:     getEnvDuration(log, "ADMIN_TOKEN_TTL", auth.DefaultTokenTTL),
	}
}

func newLogger(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(lvl).With().Timestamp().Logger()
}

func main() {
	// .env is optional
	_ = godotenv.Load()

	log := newLogger(getEnv("LOG_LEVEL", "info"), getEnv("LOG_FORMAT", "json"))
	cfg := loadConfig(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer app.Close()

	go app.pruneLoop(ctx, time.Hour)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           app.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.LLM.Timeout + 10*time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Bool("provider_configured", app.gateway.Configured()).Msg("portfolio chat listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown did not drain cleanly")
	}
	log.Info().Msg("server shut down")
}
