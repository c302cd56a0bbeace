package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/ai-router/internal/catalog"
	"github.com/nulpointcorp/ai-router/internal/logger"
	"github.com/nulpointcorp/ai-router/internal/metrics"
	"github.com/nulpointcorp/ai-router/internal/proxy"
	"github.com/nulpointcorp/ai-router/internal/queue"
	"github.com/nulpointcorp/ai-router/internal/ratelimit"
	"github.com/nulpointcorp/ai-router/internal/store"
)

// initInfra establishes optional external connections. Without REDIS_URL all
// shared state lives in process memory and is lost on restart.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Redis.URL == "" {
		a.memStore = store.NewMemoryStore(a.baseCtx)
		a.results = a.memStore
		a.log.Info("state backend: memory (in-process)")
		return nil
	}

	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

	rds, err := store.NewRedisStoreFromURL(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rds = rds
	a.results = rds
	a.log.Info("redis connected")

	return nil
}

// initProviders builds the vendor adapter map. At least one vendor must be
// configured — enforced by config validation before we reach here.
func (a *App) initProviders(_ context.Context) error {
	a.provs = buildProviders(a.baseCtx, a.cfg, a.log)
	if len(a.provs) == 0 {
		return fmt.Errorf("no vendor API keys configured")
	}

	names := make([]string, 0, len(a.provs))
	for n := range a.provs {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices creates the breaker, rate-limit tracker, metrics registry,
// request logger, and the deferred-retry queue.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	var err error
	a.reqLogger, err = logger.New(a.baseCtx, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}

	a.cb = proxy.NewCircuitBreakerWithConfig(proxy.CBConfig{
		FailureThreshold: a.cfg.CircuitBreaker.FailureThreshold,
		Cooldown:         a.cfg.CircuitBreaker.Cooldown,
	})
	a.tracker = ratelimit.New(a.cfg.RateLimit.LowRequestsThreshold)

	// Rehydrate breaker and rate-limit state from Redis so restarts do not
	// forget open circuits or active cooldowns.
	if a.rds != nil {
		a.cb.SetSharedStore(a.rds, keyPrefix)
		a.cb.Load(ctx)
		a.tracker.SetSharedStore(a.rds, keyPrefix)
		a.tracker.Load(ctx)
	}

	return nil
}

// initGateway wires the Router, queue, and Gateway together.
func (a *App) initGateway(_ context.Context) error {
	router := proxy.NewRouter(
		a.provs,
		catalog.New(),
		a.cfg.Priority,
		a.cb,
		a.tracker,
		a.prom,
		a.log,
	)

	// Finished job results live longer in Redis, where polling may outlast a
	// single replica.
	resultTTL := time.Minute
	if a.rds != nil {
		resultTTL = time.Hour
	}

	a.queue = queue.New(queue.Config{
		MaxSize:        a.cfg.Queue.MaxSize,
		Timeout:        a.cfg.Queue.Timeout,
		AsyncThreshold: a.cfg.Queue.AsyncThreshold,
		ResultTTL:      resultTTL,
	}, a.results, router.Execute, a.prom, a.log)
	a.queue.SetImageExecutor(router.ExecuteImage)
	a.queue.SetEmbeddingExecutor(router.ExecuteEmbedding)
	if a.rds != nil {
		a.queue.SetSharedStore(a.rds, keyPrefix)
	}
	a.queue.Start()

	gw := proxy.NewGateway(router, a.queue, proxy.GatewayOptions{
		Logger:        a.log,
		Metrics:       a.prom,
		RequestLogger: a.reqLogger,
		Version:       a.version,
	})
	gw.SetCORSOrigins(a.cfg.CORSOrigins)
	gw.SetAPIKey(a.cfg.APIKey)

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}
	a.gw = gw

	return nil
}
