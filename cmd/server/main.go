// Command server starts the adaptive testing HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/adaptive-testing/internal/adapter/events/redpanda"
	"github.com/fairyhunter13/adaptive-testing/internal/adapter/hotstore"
	httpserver "github.com/fairyhunter13/adaptive-testing/internal/adapter/httpserver"
	"github.com/fairyhunter13/adaptive-testing/internal/adapter/observability"
	"github.com/fairyhunter13/adaptive-testing/internal/adapter/questionsource"
	"github.com/fairyhunter13/adaptive-testing/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/adaptive-testing/internal/app"
	"github.com/fairyhunter13/adaptive-testing/internal/config"
	"github.com/fairyhunter13/adaptive-testing/internal/domain"
	"github.com/fairyhunter13/adaptive-testing/internal/service/adaptive"
	"github.com/fairyhunter13/adaptive-testing/internal/usecase"
)

// redisAdapter narrows *redis.Client to the readiness interface.
type redisAdapter struct{ *redis.Client }

func (r redisAdapter) Ping(ctx context.Context) app.RedisPingResult {
	return r.Client.Ping(ctx)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so /metrics exposes
	// HTTP, cache tier and session instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	// Infra: warm store pool
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// Infra: hot store client
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	hot := hotstore.New(rdb, hotstore.Options{
		SessionTTL:  cfg.SessionStateTTL,
		LockTTL:     cfg.SubmissionLockTTL,
		PoolTTL:     cfg.PoolCacheTTL,
		QuestionTTL: cfg.QuestionCacheTTL,
	})
	defer func() {
		if err := hot.Close(); err != nil {
			slog.Error("failed to close redis client", slog.Any("error", err))
		}
	}()

	// Repositories
	studentRepo := postgres.NewStudentRepo(pool)
	sessionRepo := postgres.NewSessionRepo(pool)
	responseRepo := postgres.NewResponseRepo(pool)
	poolRepo := postgres.NewPoolRepo(pool)

	// Tier-3 question source
	source := questionsource.New(cfg.ExternalAPIURL, cfg.ExternalAPIKey, cfg.ExternalAPITimeout, cfg.ExternalPageSize)

	// Lifecycle events; disabled when no brokers are configured.
	var events domain.EventPublisher = redpanda.NopPublisher{}
	if cfg.EventsEnabled() {
		producer, err := redpanda.NewProducer(cfg.KafkaBrokers, cfg.SessionEventsTopic)
		if err != nil {
			slog.Error("redpanda producer connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		events = producer
	}
	defer events.Close()

	// Usecases
	cacheSvc := usecase.NewCacheService(hot, poolRepo, source, cfg.WarmCacheTTL)
	engine := adaptive.NewEngine(cfg.LearningRate)
	sessionSvc := usecase.NewSessionService(hot, studentRepo, sessionRepo, responseRepo,
		cacheSvc, engine, events, cfg.DefaultConcepts, cfg.MinQuestions, cfg.MaxQuestions)
	studentSvc := usecase.NewStudentService(studentRepo, sessionRepo)
	questionSvc := usecase.NewQuestionService(cacheSvc)

	// Background sweeper for idle hot session states
	sweeper := app.NewSessionSweeper(sessionSvc, cfg.CleanupInterval, cfg.InactivityThreshold)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	// Optional boot-time pool warmup
	if wf, err := config.LoadWarmup(cfg.WarmupConfigFile); err != nil {
		slog.Error("warmup config load failed", slog.Any("error", err))
	} else if len(wf.Pools) > 0 {
		go func() {
			pools := make([]domain.WarmupPool, len(wf.Pools))
			for i, e := range wf.Pools {
				pools[i] = domain.WarmupPool{Level: e.Level, LevelID: e.LevelID}
			}
			out := cacheSvc.Warmup(ctx, pools)
			for _, o := range out {
				if !o.OK {
					slog.Warn("pool warmup failed", slog.String("pool_id", o.PoolID), slog.String("error", o.Error))
				}
			}
			slog.Info("pool warmup done", slog.Int("pools", len(out)))
		}()
	}

	// Readiness checks
	dbCheck, redisCheck := app.BuildReadinessChecks(pool, redisAdapter{rdb})

	// HTTP server
	srv := httpserver.NewServer(cfg, questionSvc, sessionSvc, studentSvc, cacheSvc, hot, dbCheck, redisCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
