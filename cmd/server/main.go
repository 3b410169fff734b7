package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/org/passvault/internal/api"
	"github.com/org/passvault/internal/audit"
	"github.com/org/passvault/internal/auth"
	"github.com/org/passvault/internal/core"
	"github.com/org/passvault/internal/session"
	"github.com/org/passvault/internal/storage"
	"github.com/org/passvault/internal/totp"
	"github.com/org/passvault/internal/vault"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type config struct {
	ListenAddr     string        `yaml:"listen_addr"`
	TLSCertFile    string        `yaml:"tls_cert"`
	TLSKeyFile     string        `yaml:"tls_key"`
	DBUrl          string        `yaml:"db_url"`
	MigrationsDir  string        `yaml:"migrations_dir"`
	LogLevel       string        `yaml:"log_level"`
	JWTSecret      string        `yaml:"jwt_secret"`
	TOTPKey        string        `yaml:"totp_master_key"` // base64, 32 bytes
	TOTPIssuer     string        `yaml:"totp_issuer"`
	AccessTTL      time.Duration `yaml:"access_ttl"`
	RefreshTTL     time.Duration `yaml:"refresh_ttl"`
	TempTTL        time.Duration `yaml:"temp_ttl"`
	SessionBackend string        `yaml:"session_backend"` // postgres | redis
	RedisURL       string        `yaml:"redis_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RateLimitRPS   int           `yaml:"rate_limit_rps"`
	RateLimitBurst int           `yaml:"rate_limit_burst"`
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfgFile := "config.yaml"
	if v := os.Getenv("PASSVAULT_CONFIG"); v != "" {
		cfgFile = v
	}

	cfg := config{
		ListenAddr:     ":8080",
		MigrationsDir:  "migrations",
		LogLevel:       "info",
		TOTPIssuer:     "passvault",
		AccessTTL:      auth.DefaultAccessTTL,
		RefreshTTL:     auth.DefaultRefreshTTL,
		TempTTL:        auth.DefaultTempTTL,
		SessionBackend: "postgres",
	}

	if data, err := os.ReadFile(cfgFile); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatal().Err(err).Msg("failed to parse config")
		}
	} else {
		log.Warn().Str("file", cfgFile).Msg("config file not found, using defaults")
	}

	// Env overrides; secrets normally arrive this way.
	if v := os.Getenv("PASSVAULT_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DBUrl = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("PASSVAULT_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("PASSVAULT_TOTP_KEY"); v != "" {
		cfg.TOTPKey = v
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.DBUrl == "" {
		log.Fatal().Msg("db_url must be configured (or DATABASE_URL env var)")
	}

	tokens, err := auth.NewTokenService(auth.TokenConfig{
		Secret:     []byte(cfg.JWTSecret),
		AccessTTL:  cfg.AccessTTL,
		RefreshTTL: cfg.RefreshTTL,
		TempTTL:    cfg.TempTTL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("invalid token configuration")
	}
	cfg.JWTSecret = ""

	keys, err := core.NewKeyRingFromBase64(cfg.TOTPKey)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid totp_key")
	}
	defer keys.Close()
	cfg.TOTPKey = ""

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	store, err := storage.NewPostgresBackend(ctx, cfg.DBUrl)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer store.Close()

	version, err := storage.RunMigrations(cfg.DBUrl, cfg.MigrationsDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}
	log.Info().Uint("version", version).Msg("migrations applied")

	var sessionStore storage.SessionStore = store
	switch cfg.SessionBackend {
	case "postgres", "":
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid redis_url")
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		sessionStore = storage.NewRedisSessionStore(rdb, "passvault")
	default:
		log.Fatal().Str("backend", cfg.SessionBackend).Msg("unknown session_backend")
	}
	log.Info().Str("backend", cfg.SessionBackend).Msg("session store ready")

	auditor := audit.NewLogger(store)
	sessions := session.NewRegistry(sessionStore)
	totpMgr := totp.NewManager(store, keys, cfg.TOTPIssuer)
	authSvc := auth.NewService(store, tokens, sessions, totpMgr, auditor)
	vaultSvc := vault.NewService(store, auditor)

	srv := api.NewServer(authSvc, vaultSvc, auditor, store, api.Config{
		ListenAddr:     cfg.ListenAddr,
		TLSCertFile:    cfg.TLSCertFile,
		TLSKeyFile:     cfg.TLSKeyFile,
		RequestTimeout: cfg.RequestTimeout,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	if cfg.SessionBackend != "redis" {
		go api.CollectSessionMetrics(ctx, store, 30*time.Second)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	log.Info().Str("addr", cfg.ListenAddr).Msg("server started")
	<-quit

	log.Info().Msg("shutting down...")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	auditor.Flush()
	log.Info().Msg("server stopped")
}
