package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voicebridge/internal/admission"
	"voicebridge/internal/auth"
	"voicebridge/internal/bridge"
	"voicebridge/internal/calllog"
	"voicebridge/internal/carrier"
	"voicebridge/internal/config"
	"voicebridge/internal/httpapi"
	"voicebridge/internal/inference"
	"voicebridge/internal/orchestrator"
	"voicebridge/internal/pool"
	"voicebridge/internal/session"
	"voicebridge/pkg/logger"
	"voicebridge/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	registry := session.NewRegistry()
	connPool := pool.New(cfg.Calls.MaxInferenceConnections)

	// Rate limiting: Redis-backed when available so the cooldown survives
	// restarts and spans replicas; in-memory otherwise.
	var limiter admission.RateLimiter
	if cfg.HasRedis() {
		rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
		if err != nil {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
		limiter = admission.NewRedisLimiter(rdb, cfg.Calls.CooldownWindow)
		log.Info("rate limiter backed by redis", "addr", cfg.RedisAddr())
	} else {
		limiter = admission.NewMemoryLimiter(cfg.Calls.CooldownWindow)
		log.Info("rate limiter in-memory; cooldowns reset on restart")
	}

	// Call log: Postgres when configured, in-memory otherwise.
	var repo calllog.Repository
	if cfg.HasDB() {
		db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
		if err != nil {
			log.Error("postgres init failed", "err", err)
			os.Exit(1)
		}
		defer db.Close()
		repo = calllog.NewPostgresRepo(db)
		log.Info("call log backed by postgres")
	} else {
		repo = calllog.NewMemoryRepo()
		log.Info("call log in-memory; entries lost on restart")
	}
	sink := calllog.NewAsyncSink(repo, log)
	defer sink.Close()

	allow := admission.NewAllowlist(cfg.Calls.AllowedNumbers, cfg.Calls.BlanketAllow)
	controller := admission.NewController(limiter, allow, registry, cfg.Calls.MaxConcurrentCalls, log)

	orch := orchestrator.New(orchestrator.Params{
		Config:    cfg,
		Admission: controller,
		Registry:  registry,
		Pool:      connPool,
		Dialer:    carrier.NewDialer(cfg.Carrier),
		InferDial: func(ctx context.Context, sess session.CallSession) (bridge.InferenceConn, error) {
			return inference.Dial(ctx, cfg.Inference, inference.SessionConfig{
				Voice:        cfg.Calls.Voice,
				Instructions: orchestrator.SessionInstructions(cfg.Calls, sess.CallerName),
			}, cfg.Calls.HandshakeTimeout)
		},
		Sink: sink,
		Log:  log,
	})

	handlers := httpapi.NewHandlers(orch, registry, connPool)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	registerRoutes(r, handlers, auth.RequireAccessToken(authManager))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		// No ReadTimeout/WriteTimeout: the media-stream websocket is held
		// open for the length of a phone call.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated", "active_calls", registry.ActiveCount())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	// Hang up live calls first so their teardown runs while the HTTP
	// server drains.
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Error("bridge drain failed", "err", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
