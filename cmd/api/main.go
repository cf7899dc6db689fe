package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"vonage-outbound-otp/internal/audit"
	"vonage-outbound-otp/internal/auth"
	"vonage-outbound-otp/internal/calls"
	"vonage-outbound-otp/internal/config"
	"vonage-outbound-otp/internal/events"
	"vonage-outbound-otp/internal/flow"
	"vonage-outbound-otp/internal/reporting"
	"vonage-outbound-otp/internal/telephony"
	"vonage-outbound-otp/internal/transcription"
	"vonage-outbound-otp/pkg/logger"
	"vonage-outbound-otp/pkg/utils"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Error(".env load failed", "err", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	checks := map[string]func(context.Context) error{}

	// Storage: Postgres when configured, memory otherwise (local only).
	var (
		store     calls.Store
		auditRepo audit.Repository
		statsRepo reporting.Repository
		db        *sql.DB
	)
	if cfg.UsePostgres() {
		db, err = utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
		if err != nil {
			log.Error("postgres init failed", "err", err)
			os.Exit(1)
		}
		defer db.Close()

		schema := append(append([]string{}, calls.Schema...), audit.Schema...)
		if err := utils.ApplySchema(rootCtx, db, schema); err != nil {
			log.Error("schema apply failed", "err", err)
			os.Exit(1)
		}
		store = calls.NewPostgresStore(db)
		auditRepo = audit.NewPostgresRepo(db)
		statsRepo = reporting.NewPostgresRepo(db)
		checks["database"] = func(ctx context.Context) error { return utils.HealthCheck(ctx, db, 2*time.Second) }
	} else {
		log.Warn("DB_HOST not set; using in-memory call store")
		mem := calls.NewMemoryStore()
		store = mem
		auditRepo = audit.NewMemoryRepo()
		statsRepo = reporting.NewListRepo(mem)
	}

	// Coordination: Redis locks and event relay across workers, or in-process.
	hub := events.NewHub(log, 0)
	defer hub.Close()

	var (
		locker calls.Locker     = calls.NewLocalLocker()
		pub    events.Publisher = hub
	)
	if cfg.UseRedis() {
		rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
		if err != nil {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()

		locker = calls.NewRedisLocker(rdb, calls.RedisLockerConfig{}, log)
		relay, err := events.NewRedisRelay(rdb, hub, events.RedisRelayConfig{}, log)
		if err != nil {
			log.Error("event relay init failed", "err", err)
			os.Exit(1)
		}
		defer relay.Close()
		pub = relay

		go func() {
			if err := relay.Run(rootCtx); err != nil {
				log.Error("event relay stopped", "err", err)
			}
		}()
		checks["redis"] = func(ctx context.Context) error { return pingRedis(ctx, rdb) }
	}

	vonage, err := telephony.NewVonageClient(telephony.VonageConfig{
		ApplicationID: cfg.Vonage.ApplicationID,
		PrivateKey:    cfg.Vonage.PrivateKey,
		FromNumber:    cfg.Vonage.FromNumber,
		APIBaseURL:    cfg.Vonage.APIBaseURL,
		PublicBaseURL: cfg.App.PublicBaseURL,
	}, &http.Client{Timeout: 15 * time.Second}, log)
	if err != nil {
		log.Error("vonage init failed", "err", err)
		os.Exit(1)
	}
	checks[vonage.Name()] = vonage.HealthCheck

	callService := calls.NewService(store, locker, vonage, flow.NewGenerator(cfg.App.PublicBaseURL), pub, calls.Options{
		ProviderTimeout: cfg.Calls.ProviderTimeout,
		MaxDTMFAttempts: cfg.Calls.DTMFMaxAttempts,
		Logger:          log,
	})

	var recognizer transcription.Provider
	if cfg.Deepgram.APIKey != "" {
		dg, err := transcription.NewDeepgramClient(transcription.DeepgramConfig{
			APIKey: cfg.Deepgram.APIKey,
			Model:  cfg.Deepgram.Model,
		}, log)
		if err != nil {
			log.Error("deepgram init failed", "err", err)
			os.Exit(1)
		}
		recognizer = dg
	}
	transcripts := transcription.NewRegistry(recognizer, log)
	defer transcripts.CloseAll()

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, routeDeps{
		cfg:         cfg,
		auth:        authManager,
		calls:       callService,
		reports:     reporting.NewService(statsRepo),
		audit:       audit.NewService(auditRepo),
		hub:         hub,
		transcripts: transcripts,
		checks:      checks,
		log:         log,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Websocket routes hijack the connection, so WriteTimeout only bounds plain handlers.
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "postgres", cfg.UsePostgres(), "redis", cfg.UseRedis(), "transcription", transcripts.Enabled())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}

func pingRedis(ctx context.Context, rdb *redis.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return rdb.Ping(ctx).Err()
}
