// Package app provides the main application struct for centralized dependency management
// and lifecycle control of the gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/visiquate/cco-sub021/config"
	"github.com/visiquate/cco-sub021/internal/auditlog"
	"github.com/visiquate/cco-sub021/internal/cache"
	"github.com/visiquate/cco-sub021/internal/core"
	"github.com/visiquate/cco-sub021/internal/events"
	"github.com/visiquate/cco-sub021/internal/gateway"
	"github.com/visiquate/cco-sub021/internal/httpclient"
	"github.com/visiquate/cco-sub021/internal/metrics"
	"github.com/visiquate/cco-sub021/internal/pricing"
	"github.com/visiquate/cco-sub021/internal/providers"
	"github.com/visiquate/cco-sub021/internal/routing"
	"github.com/visiquate/cco-sub021/internal/server"
	"github.com/visiquate/cco-sub021/internal/telemetry"
	"github.com/visiquate/cco-sub021/internal/usage"
)

// availabilityTimeout bounds the startup availability check of each provider.
const availabilityTimeout = 5 * time.Second

// App represents the main application with all its dependencies.
// It provides centralized lifecycle management for all components.
type App struct {
	config     *config.Config
	configPath string
	factory    *providers.Factory
	provOpts   providers.ProviderOptions

	registry    *prometheus.Registry
	collector   *telemetry.Collector
	router      *routing.Router
	pricing     *pricing.Calculator
	cache       *cache.Tiered
	aggregator  *metrics.Aggregator
	broadcaster *events.Broadcaster
	usage       *usage.Result
	audit       *auditlog.Result
	pipeline    *gateway.Pipeline
	server      *server.Server
	watcher     *config.Watcher

	stopJanitor context.CancelFunc
	janitorDone chan struct{}

	reloadMu sync.Mutex

	shutdownMu sync.Mutex
	shutdown   bool
}

// Config holds the configuration options for creating an App.
type Config struct {
	// AppConfig holds the loaded application configuration and the file it came from.
	AppConfig *config.LoadResult

	// Factory knows the adapter families providers can be built from.
	Factory *providers.Factory

	// DisableWatch turns off config hot reload even when a file was loaded.
	DisableWatch bool
}

// New creates a new App with all dependencies initialized.
// The caller must call Shutdown to release resources.
func New(ctx context.Context, cfg Config) (*App, error) {
	if cfg.AppConfig == nil {
		return nil, fmt.Errorf("app config is required")
	}
	if cfg.AppConfig.Config == nil {
		return nil, fmt.Errorf("app config contains nil Config")
	}
	if cfg.Factory == nil {
		return nil, fmt.Errorf("factory is required")
	}

	appCfg := cfg.AppConfig.Config
	httpCfg := httpclient.FromConfig(appCfg.HTTP)

	app := &App{
		config:     appCfg,
		configPath: cfg.AppConfig.Path,
		factory:    cfg.Factory,
		provOpts: providers.ProviderOptions{
			HTTPClient: httpclient.NewHTTPClient(&httpCfg),
			Resilience: appCfg.Resilience,
		},
	}

	upstreams, err := app.factory.CreateAll(appCfg.Providers, app.provOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize providers: %w", err)
	}
	checkAvailability(ctx, upstreams)

	app.router, err = routing.New(appCfg.Routing, appCfg.Providers)
	if err != nil {
		return nil, fmt.Errorf("failed to build routing table: %w", err)
	}

	table, err := buildPricingTable(appCfg.Pricing)
	if err != nil {
		return nil, fmt.Errorf("failed to load pricing: %w", err)
	}
	app.pricing = pricing.NewCalculator(table)

	if appCfg.Cache.Enabled {
		if err := app.initCache(appCfg.Cache); err != nil {
			return nil, fmt.Errorf("failed to initialize response cache: %w", err)
		}
	}

	app.aggregator = metrics.New(metrics.Config{
		Windows:        appCfg.Metrics.Windows,
		RecentCapacity: appCfg.Metrics.RecentCapacity,
	})
	app.broadcaster = events.NewBroadcaster(appCfg.Events.SubscriberBuffer)

	app.registry = prometheus.NewRegistry()
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app.collector = telemetry.NewCollector(app.registry)
	app.collector.WatchSubscribers(app.broadcaster.SubscriberCount)

	app.usage, err = usage.New(ctx, appCfg)
	if err != nil {
		app.closeEarly()
		return nil, fmt.Errorf("failed to initialize persistence: %w", err)
	}

	app.audit, err = auditlog.New(appCfg.Audit)
	if err != nil {
		app.closeEarly()
		return nil, fmt.Errorf("failed to initialize audit log: %w", err)
	}

	sinks := []core.EventSink{app.aggregator, app.broadcaster, app.collector}
	if app.usage != nil {
		sinks = append(sinks, app.usage.Persister)
		app.collector.WatchPersister(app.usage.Persister.Dropped, app.usage.Persister.Buffered)
	}

	opts := gateway.Options{
		Providers: upstreams,
		Router:    app.router,
		Pricing:   app.pricing,
		Events:    app.broadcaster,
		Observer:  app.collector,
		Sinks:     sinks,
	}
	if app.cache != nil {
		opts.Cache = app.cache
	}
	if app.audit != nil {
		opts.Audit = app.audit.Logger
	}
	app.pipeline, err = gateway.New(opts)
	if err != nil {
		app.closeEarly()
		return nil, fmt.Errorf("failed to build pipeline: %w", err)
	}

	app.server = server.New(app.serverDeps(), &server.Config{
		MasterKey:       appCfg.Server.MasterKey,
		MetricsEnabled:  appCfg.Metrics.Prometheus,
		MetricsEndpoint: appCfg.Metrics.Endpoint,
		BodyLimit:       appCfg.Server.BodyLimit,
		QueryCacheTTL:   appCfg.Metrics.QueryCacheTTL,
	})

	if app.configPath != "" && !cfg.DisableWatch {
		app.watcher, err = config.Watch(app.configPath, app.Reload)
		if err != nil {
			slog.Warn("config hot reload disabled", "path", app.configPath, "error", err)
		}
	}

	app.logStartupInfo(upstreams)
	return app, nil
}

// serverDeps leaves optional interfaces nil rather than holding typed nils,
// so the handlers can tell a disabled component from a present one.
func (a *App) serverDeps() server.Deps {
	deps := server.Deps{
		Pipeline: a.pipeline,
		Metrics:  a.aggregator,
		Events:   a.broadcaster,
		Gatherer: a.registry,
	}
	if a.cache != nil {
		deps.Cache = a.cache
	}
	if a.usage != nil {
		deps.Persister = a.usage.Persister
		deps.History = a.usage.Persister.Store()
		deps.Storage = a.usage.Storage
	}
	if a.audit != nil {
		deps.Audit = a.audit.Logger
	}
	return deps
}

func (a *App) initCache(cfg config.CacheConfig) error {
	local, err := cache.New(cache.Config{
		MaxWeight: cfg.MaxWeight,
		TTL:       cfg.TTL,
		TTI:       cfg.TTI,
		Shards:    cfg.Shards,
	})
	if err != nil {
		return err
	}

	var remote cache.Remote
	if cfg.Redis.URL != "" {
		tier, err := cache.NewRedisTier(cache.RedisConfig{
			URL:    cfg.Redis.URL,
			Prefix: cfg.Redis.Prefix,
			TTL:    cfg.Redis.TTL,
		})
		if err != nil {
			slog.Warn("redis cache tier unavailable, using in-process cache only", "error", err)
		} else {
			remote = tier
		}
	}
	a.cache = cache.NewTiered(local, remote)

	janitorCtx, cancel := context.WithCancel(context.Background())
	a.stopJanitor = cancel
	a.janitorDone = make(chan struct{})
	go func() {
		defer close(a.janitorDone)
		local.Run(janitorCtx)
	}()
	return nil
}

// checkAvailability checks providers that support it. Failures are logged;
// the provider stays registered so it can recover without a restart.
func checkAvailability(ctx context.Context, upstreams map[string]core.Provider) {
	for name, p := range upstreams {
		checker, ok := p.(core.AvailabilityChecker)
		if !ok {
			continue
		}
		checkCtx, cancel := context.WithTimeout(ctx, availabilityTimeout)
		err := checker.CheckAvailability(checkCtx)
		cancel()
		if err != nil {
			slog.Warn("provider not reachable at startup", "provider", name, "type", p.Type(), "error", err)
		}
	}
}

// buildPricingTable layers the pricing file and inline overrides over the built-in table.
func buildPricingTable(cfg config.PricingConfig) (*pricing.Table, error) {
	models := pricing.DefaultModels()
	if cfg.File != "" {
		fromFile, err := pricing.LoadFile(cfg.File)
		if err != nil {
			return nil, err
		}
		models = pricing.Merge(models, fromFile)
	}
	models = pricing.Merge(models, cfg.Models)
	return pricing.NewTable(models), nil
}

// Reload applies a new configuration to the running gateway: providers,
// routing table and pricing are swapped; listeners, cache and storage are not
// touched. Anything that fails to build keeps the previous value.
func (a *App) Reload(next *config.Config) {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	upstreams, err := a.factory.CreateAll(next.Providers, a.provOpts)
	if err != nil {
		slog.Error("reload: providers rejected, keeping previous configuration", "error", err)
		return
	}
	if err := a.router.Reload(next.Routing, next.Providers); err != nil {
		slog.Error("reload: routing table rejected, keeping previous configuration", "error", err)
		return
	}
	a.pipeline.SetProviders(upstreams)

	table, err := buildPricingTable(next.Pricing)
	if err != nil {
		slog.Error("reload: pricing rejected, keeping previous table", "error", err)
	} else {
		a.pricing.SetTable(table)
	}

	slog.Info("configuration applied",
		"providers", len(upstreams),
		"rules", len(next.Routing.Rules),
		"priced_models", a.pricing.Table().Len(),
	)
}

// Handler returns the HTTP handler, for tests and embedding.
func (a *App) Handler() http.Handler {
	return a.server
}

// Pipeline returns the request pipeline.
func (a *App) Pipeline() *gateway.Pipeline {
	return a.pipeline
}

// Metrics returns the in-memory aggregator.
func (a *App) Metrics() *metrics.Aggregator {
	return a.aggregator
}

// Start starts the HTTP server on the given address.
// This is a blocking call that returns when the server stops.
func (a *App) Start(addr string) error {
	if a.server == nil {
		return fmt.Errorf("server is not initialized")
	}
	slog.Info("starting server", "address", addr)
	if err := a.server.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			slog.Info("server stopped gracefully")
			return nil
		}
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Shutdown gracefully tears down app components in dependency order.
// Order:
// 1. HTTP server shutdown, honoring the passed context timeout/cancellation.
// 2. Config watcher stop.
// 3. Cache janitor stop.
// 4. Broadcaster close (ends every live event subscription).
// 5. Persister drain and final flush, then storage close.
// 6. Audit log drain, then audit database close.
// 7. Response cache close (releases the Redis tier).
//
// Shutdown is idempotent; after the first call, subsequent calls are no-ops.
// It attempts every step and returns the joined failures.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	slog.Info("shutting down application...")

	var errs []error

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}

	a.watcher.Stop()

	if err := a.closeEarly(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}

	slog.Info("application shutdown complete")
	return nil
}

// closeEarly releases everything started before the HTTP server. It is also
// the cleanup path when New fails partway.
func (a *App) closeEarly() error {
	var errs []error

	if a.stopJanitor != nil {
		a.stopJanitor()
		<-a.janitorDone
		a.stopJanitor = nil
	}

	if a.broadcaster != nil {
		a.broadcaster.Close()
	}

	if a.usage != nil {
		if err := a.usage.Close(); err != nil {
			slog.Error("persistence close error", "error", err)
			errs = append(errs, fmt.Errorf("persistence close: %w", err))
		}
		a.usage = nil
	}

	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			slog.Error("audit log close error", "error", err)
			errs = append(errs, fmt.Errorf("audit close: %w", err))
		}
		a.audit = nil
	}

	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			slog.Error("response cache close error", "error", err)
			errs = append(errs, fmt.Errorf("cache close: %w", err))
		}
		a.cache = nil
	}

	return errors.Join(errs...)
}

// logStartupInfo logs the application configuration on startup.
func (a *App) logStartupInfo(upstreams map[string]core.Provider) {
	cfg := a.config

	if cfg.Server.MasterKey == "" {
		slog.Warn("SECURITY WARNING: CCO_MASTER_KEY not set - server running in UNSAFE MODE",
			"security_risk", "unauthenticated access allowed",
			"recommendation", "set CCO_MASTER_KEY environment variable to secure this gateway")
	} else {
		slog.Info("authentication enabled", "mode", "master_key")
	}

	for name, p := range upstreams {
		slog.Info("provider registered", "name", name, "type", p.Type())
	}
	if len(upstreams) == 0 {
		slog.Warn("no providers configured, every request will fail with no_route")
	}

	slog.Info("routing configured",
		"rules", len(cfg.Routing.Rules),
		"default_provider", cfg.Routing.DefaultProvider,
		"primary_provider", cfg.Routing.PrimaryProvider,
	)
	slog.Info("pricing loaded", "models", a.pricing.Table().Len())

	if a.cache != nil {
		slog.Info("response cache enabled",
			"max_weight", cfg.Cache.MaxWeight,
			"ttl", cfg.Cache.TTL,
			"tti", cfg.Cache.TTI,
			"redis", cfg.Cache.Redis.URL != "",
		)
	} else {
		slog.Info("response cache disabled")
	}

	if cfg.Metrics.Prometheus {
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Metrics.Endpoint)
	} else {
		slog.Info("prometheus metrics disabled")
	}

	if a.usage != nil {
		slog.Info("persistence enabled",
			"storage", cfg.Storage.Type,
			"buffer_size", cfg.Persistence.BufferSize,
			"flush_interval", cfg.Persistence.FlushInterval,
			"retention", cfg.Persistence.Retention,
		)
	} else {
		slog.Info("persistence disabled")
	}

	if a.audit != nil {
		slog.Info("audit log enabled",
			"path", cfg.Audit.Path,
			"request_bodies", cfg.Audit.LogRequestBodies,
			"response_bodies", cfg.Audit.LogResponseBodies,
			"retention", cfg.Audit.Retention,
		)
	}

	if a.watcher != nil {
		slog.Info("config hot reload enabled", "path", a.configPath)
	}
}
