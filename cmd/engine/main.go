package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"likeswap.app/engine/common/id"
	"likeswap.app/engine/common/llm"
	"likeswap.app/engine/common/logger"
	"likeswap.app/engine/common/otel"
	"likeswap.app/engine/core/config"
	"likeswap.app/engine/core/db"
	"likeswap.app/engine/internal/control"
	"likeswap.app/engine/internal/coordinator"
	"likeswap.app/engine/internal/dispatch"
	"likeswap.app/engine/internal/engine"
	"likeswap.app/engine/internal/http/handler"
	httprouter "likeswap.app/engine/internal/http/router"
	"likeswap.app/engine/internal/ledger"
	"likeswap.app/engine/internal/model"
	"likeswap.app/engine/internal/queue"
	"likeswap.app/engine/internal/ratelimit"
	"likeswap.app/engine/internal/store"
	"likeswap.app/engine/internal/transport"
	"likeswap.app/engine/internal/verify"
)

func main() {
	fmt.Printf("%s\n", banner)
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	// OTel must init before logger (logger uses OTel provider in production)
	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	if telemetry != nil {
		slog.InfoContext(ctx, "otel initialized", "endpoint", cfg.OTel.Endpoint)
	} else {
		slog.InfoContext(ctx, "otel disabled (no endpoint configured)")
	}

	slog.InfoContext(ctx, "engine starting",
		"env", cfg.Env,
		"live_mode", cfg.LiveMode,
		"service", cfg.OTel.ServiceName)

	if err := id.Init(1); err != nil {
		slog.ErrorContext(ctx, "failed to initialize snowflake id generator", "error", err)
		os.Exit(1)
	}

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	slog.InfoContext(ctx, "database connected")

	redisOpts, err := redis.ParseURL(cfg.Queue.RedisURL)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "redis connected", "stream", cfg.Queue.RedisStream)

	stores := store.NewStores(database.Pool())

	activityLedger := ledger.New(stores.Ledger(), 256)
	go activityLedger.Run(ctx)

	limiter := ratelimit.New(ratelimit.Config{
		Caps: map[model.AgeTier]int{
			model.TierNew:         cfg.Engine.TierCapNew,
			model.TierWarming:     cfg.Engine.TierCapWarming,
			model.TierEstablished: cfg.Engine.TierCapEstablished,
		},
		SendRate:  rate.Every(cfg.Engine.SendInterval),
		SendBurst: 1,
	})

	identities, err := stores.Identities().List(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load identities", "error", err)
		os.Exit(1)
	}
	for _, ident := range identities {
		limiter.Seed(ident.ID, ratelimit.Quota{
			Count:       ident.HourlyActionCount,
			WindowStart: ident.HourWindowStart,
		})
	}
	slog.InfoContext(ctx, "identities loaded", "count", len(identities))

	var verifier verify.ContentVerifier
	if cfg.Verifier.Enabled() {
		llmClient, err := llm.New(llm.Config{
			APIKey:  cfg.Verifier.APIKey,
			BaseURL: cfg.Verifier.BaseURL,
			Model:   cfg.Verifier.Model,
		})
		if err != nil {
			slog.ErrorContext(ctx, "failed to create verifier client", "error", err)
			os.Exit(1)
		}
		verifier = verify.NewVisionVerifier(llmClient)
		slog.InfoContext(ctx, "vision verifier enabled", "model", cfg.Verifier.Model)
	} else {
		verifier = verify.NewOfflineVerifier()
		slog.WarnContext(ctx, "verifier not configured, proofs will never verify")
	}

	pipeline := verify.NewPipeline(verifier, activityLedger, cfg.Engine.ConfidenceThreshold)

	liveSwitch := control.New(cfg.LiveMode)
	chat := transport.NewSimulated()
	dispatcher := dispatch.NewSimulated()

	producer := queue.NewRedisProducer(redisClient, cfg.Queue.RedisStream, nil)
	defer producer.Close()

	manager := engine.NewManager(
		engine.NewStateMachine(engine.Policy{MaxAttempts: cfg.Engine.MaxAttempts}),
		pipeline,
		limiter,
		chat,
		dispatcher,
		activityLedger,
		stores.Negotiations(),
		producer,
		liveSwitch,
		engine.Config{
			RewardMaxAttempts: cfg.Engine.RewardMaxAttempts,
			RewardBackoffBase: cfg.Engine.RewardBackoffBase,
		},
	)

	consumer, err := queue.NewRedisConsumer(redisClient, queue.ConsumerConfig{
		Stream:       cfg.Queue.RedisStream,
		Group:        cfg.Queue.RedisGroup,
		Consumer:     cfg.Queue.RedisConsumer,
		DLQStream:    cfg.Queue.RedisDLQStream,
		BatchSize:    10,
		Block:        5 * time.Second,
		MaxAttempts:  5,
		RequeueDelay: time.Second,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create consumer", "error", err)
		os.Exit(1)
	}

	runner := engine.NewDeferredRunner(consumer, manager, engine.DeferredConfig{
		MaxAttempts:  5,
		QuotaBackoff: 5 * time.Second,
	})

	reclaimer := queue.NewReclaimer(redisClient, queue.ReclaimerConfig{
		Stream:    cfg.Queue.RedisStream,
		Group:     cfg.Queue.RedisGroup,
		Consumer:  cfg.Queue.RedisConsumer + "-reclaimer",
		MinIdle:   5 * time.Minute,
		Interval:  time.Minute,
		BatchSize: 10,
	}, consumer, manager.ProcessDeferred)
	go reclaimer.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- runner.Run(ctx)
	}()

	coord := coordinator.New(chat, manager, coordinator.Config{
		DrainTimeout: cfg.Engine.DrainTimeout,
	})
	coord.ConnectAll(ctx, identities)

	// Persist quota windows so a restart does not grant a fresh hourly budget.
	flushCtx, stopFlush := context.WithCancel(ctx)
	go flushQuotas(flushCtx, limiter, stores.Identities())

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := setupRouter(cfg, stores, liveSwitch, limiter)
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.InfoContext(ctx, "http server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "http server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Engine.DrainTimeout+10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "http server shutdown error", "error", err)
	}

	// Disconnect identities, drain in-flight handling, abort stuck
	// verifications.
	if err := coord.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "coordinator shutdown error", "error", err)
	}

	reclaimer.Stop()
	runner.Stop()
	select {
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			slog.ErrorContext(shutdownCtx, "deferred runner error during shutdown", "error", err)
		}
	case <-shutdownCtx.Done():
		slog.WarnContext(shutdownCtx, "shutdown timeout exceeded")
	}

	stopFlush()
	persistQuotas(shutdownCtx, limiter, stores.Identities())

	// Last: the ledger drains so every shutdown event is on record.
	activityLedger.Close()

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(shutdownCtx, "shutdown complete")
}

func setupRouter(cfg config.Config, stores *store.Stores, live *control.Switch, limiter *ratelimit.Limiter) *gin.Engine {
	router := gin.New()

	if cfg.OTel.Enabled() {
		router.Use(otelgin.Middleware(cfg.OTel.ServiceName))
	}
	router.Use(gin.Recovery())

	adminHandler := handler.NewAdminHandler(
		stores.Negotiations(),
		stores.Ledger(),
		live,
		limiter,
		cfg.AdminAPIKey,
	)
	httprouter.SetupRoutes(router, adminHandler)

	return router
}

func flushQuotas(ctx context.Context, limiter *ratelimit.Limiter, identities store.IdentityStore) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			persistQuotas(ctx, limiter, identities)
		}
	}
}

func persistQuotas(ctx context.Context, limiter *ratelimit.Limiter, identities store.IdentityStore) {
	for id, q := range limiter.Snapshot() {
		if err := identities.UpdateQuota(ctx, id, q.Count, q.WindowStart); err != nil {
			slog.ErrorContext(ctx, "failed to persist quota window",
				"error", err,
				"identity_id", id)
		}
	}
}

const banner = `
██╗     ██╗██╗  ██╗███████╗███████╗██╗    ██╗ █████╗ ██████╗
██║     ██║██║ ██╔╝██╔════╝██╔════╝██║    ██║██╔══██╗██╔══██╗
██║     ██║█████╔╝ █████╗  ███████╗██║ █╗ ██║███████║██████╔╝
██║     ██║██╔═██╗ ██╔══╝  ╚════██║██║███╗██║██╔══██║██╔═══╝
███████╗██║██║  ██╗███████╗███████║╚███╔███╔╝██║  ██║██║
╚══════╝╚═╝╚═╝  ╚═╝╚══════╝╚══════╝ ╚══╝╚══╝ ╚═╝  ╚═╝╚═╝
`
