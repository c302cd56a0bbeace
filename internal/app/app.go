// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — external connections (Redis when configured)
//  2. initProviders — vendor adapter clients
//  3. initServices — breaker, rate-limit tracker, queue, metrics
//  4. initGateway  — proxy + management routes
package app

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/ai-router/internal/config"
	"github.com/nulpointcorp/ai-router/internal/logger"
	"github.com/nulpointcorp/ai-router/internal/metrics"
	"github.com/nulpointcorp/ai-router/internal/providers"
	anthropicprov "github.com/nulpointcorp/ai-router/internal/providers/anthropic"
	geminiprov "github.com/nulpointcorp/ai-router/internal/providers/gemini"
	openaiprov "github.com/nulpointcorp/ai-router/internal/providers/openai"
	"github.com/nulpointcorp/ai-router/internal/proxy"
	"github.com/nulpointcorp/ai-router/internal/queue"
	"github.com/nulpointcorp/ai-router/internal/ratelimit"
	"github.com/nulpointcorp/ai-router/internal/store"
)

// keyPrefix namespaces all Redis keys written by the router.
const keyPrefix = "airouter"

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional shared state backend — nil without REDIS_URL.
	rds *store.RedisStore

	results   store.Store
	memStore  *store.MemoryStore
	reqLogger *logger.Logger
	prom      *metrics.Metrics

	provs   map[string]providers.Provider
	tracker *ratelimit.Tracker
	cb      *proxy.CircuitBreaker
	queue   *queue.Queue
	mgmt    *proxy.ManagementRoutes
	gw      *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := a.cfg.Addr()

	a.log.Info("starting router",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.Bool("redis", a.rds != nil),
		slog.Int("providers", len(a.provs)),
	)

	g, gctx := errgroup.WithContext(ctx)

	srv := a.gw.Server(a.mgmt)

	g.Go(func() error {
		return srv.ListenAndServe(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		if err := srv.Shutdown(); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.queue != nil {
		a.queue.Close()
		a.queue = nil
	}
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.memStore != nil {
		a.memStore.Close()
		a.memStore = nil
	}
	if a.rds != nil {
		if err := a.rds.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rds = nil
	}
}

// buildProviders creates a vendor adapter map from non-empty API keys.
func buildProviders(ctx context.Context, cfg *config.Config, log *slog.Logger) map[string]providers.Provider {
	provs := make(map[string]providers.Provider)

	if cfg.OpenAI.Configured() {
		var opts []openaiprov.Option
		if cfg.OpenAI.BaseURL != "" {
			opts = append(opts, openaiprov.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		provs[providers.VendorOpenAI] = openaiprov.New(cfg.OpenAI.APIKey, opts...)
	}
	if cfg.Anthropic.Configured() {
		var opts []anthropicprov.Option
		if cfg.Anthropic.BaseURL != "" {
			opts = append(opts, anthropicprov.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		provs[providers.VendorAnthropic] = anthropicprov.New(cfg.Anthropic.APIKey, opts...)
	}
	if cfg.Google.Configured() {
		var opts []geminiprov.Option
		if cfg.Google.BaseURL != "" {
			opts = append(opts, geminiprov.WithBaseURL(cfg.Google.BaseURL))
		}
		p, err := geminiprov.New(ctx, cfg.Google.APIKey, opts...)
		if err != nil {
			log.Error("google adapter init failed", slog.String("error", err.Error()))
		} else {
			provs[providers.VendorGoogle] = p
		}
	}

	return provs
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
