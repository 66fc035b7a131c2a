package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tcmartin/convoflow/pkg/api"
	"github.com/tcmartin/convoflow/pkg/config"
	"github.com/tcmartin/convoflow/pkg/connectors"
	"github.com/tcmartin/convoflow/pkg/inactivity"
	"github.com/tcmartin/convoflow/pkg/logging"
	"github.com/tcmartin/convoflow/pkg/metrics"
	"github.com/tcmartin/convoflow/pkg/middleware"
	"github.com/tcmartin/convoflow/pkg/nodes"
	"github.com/tcmartin/convoflow/pkg/notify"
	"github.com/tcmartin/convoflow/pkg/registry"
	"github.com/tcmartin/convoflow/pkg/runtime"
	"github.com/tcmartin/convoflow/pkg/storage"
	"github.com/tcmartin/convoflow/pkg/utils"
)

// App represents the convoflow application
type App struct {
	config          *config.Config
	logger          *logging.ZapLogger
	server          *api.Server
	storageProvider storage.StorageProvider
	redis           redis.UniversalClient
	queries         *connectors.PostgresQueryRunner
	events          *notify.SSEBroadcaster
}

// NewApp builds every component from the configuration. Background workers
// (inactivity sweeps, the Redis relay) run until ctx is canceled.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.NewLogger(logging.LogConfig{
		Level:    cfg.Logging.Level,
		Format:   cfg.Logging.Format,
		Output:   cfg.Logging.Output,
		FilePath: cfg.Logging.FilePath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	app := &App{config: cfg, logger: logger}

	if err := app.build(ctx); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.config

	provider, err := newStorageProvider(cfg.Storage)
	if err != nil {
		return err
	}
	a.storageProvider = provider
	if err := provider.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.logger.Info("Storage initialized", logging.F("type", cfg.Storage.Type))

	if cfg.Redis.Enabled() {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
	}

	// Metrics
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(promRegistry)

	// Message ledger
	var ledger storage.MessageLedger
	ledgerTTL := config.Seconds(cfg.Engine.LedgerTTL)
	if a.redis != nil {
		ledger = storage.NewRedisMessageLedger(a.redis, cfg.Redis.LedgerPrefix, ledgerTTL)
	} else {
		ledger = storage.NewMemoryMessageLedger(ledgerTTL)
	}

	flows := registry.NewFlowRegistry(provider.GetFlowStore(), registry.FlowRegistryOptions{
		GraphCacheTTL: config.Seconds(cfg.Engine.GraphCacheTTL),
	})

	deps, err := a.nodeDependencies()
	if err != nil {
		return err
	}
	dispatcher := runtime.NewDispatcher(nodes.NewRegistry(deps), runtime.DispatcherOptions{
		HandlerTimeout: config.Seconds(cfg.Engine.HandlerTimeout),
		MaxSteps:       cfg.Engine.MaxSteps,
		Logger:         a.logger,
		Metrics:        m,
	})

	messenger, err := a.messenger()
	if err != nil {
		return err
	}

	// Notification channels
	var local notify.Multi
	var hub *notify.Hub
	if cfg.Notifications.WebSocket {
		hub = notify.NewHub(nil, a.logger)
		local = append(local, hub)
	}
	if cfg.Notifications.SSE {
		a.events = notify.NewSSEBroadcaster(cfg.Notifications.SSEReplay)
		local = append(local, a.events)
	}

	// With Redis every instance publishes and the relay feeds local subscribers,
	// including those of the publishing instance
	var notifier runtime.Notifier = local
	if cfg.Notifications.Redis {
		notifier = notify.NewRedisPublisher(a.redis, cfg.Notifications.ChannelPrefix)
		relay := notify.NewRelay(a.redis, cfg.Notifications.ChannelPrefix, local, a.logger)
		if err := relay.Run(ctx); err != nil {
			return err
		}
	}

	store := provider.GetExecutionStore()
	outbox := runtime.NewOutbox(store, messenger, notifier, a.logger, m)
	engine := runtime.NewEngine(store, flows, dispatcher, ledger, outbox, runtime.EngineOptions{
		CommitAttempts: cfg.Engine.CommitAttempts,
		Logger:         a.logger,
		Metrics:        m,
	})

	monitor := inactivity.NewMonitor(store, flows, dispatcher, engine, inactivity.Options{
		Interval:  config.Seconds(cfg.Inactivity.SweepInterval),
		BatchSize: cfg.Inactivity.BatchSize,
		Logger:    a.logger,
		Metrics:   m,
	})
	if cfg.Inactivity.Enabled {
		if err := monitor.Start(ctx); err != nil {
			return err
		}
	}

	var limiter *middleware.RateLimiter
	if cfg.Server.RateLimit > 0 {
		limiter = middleware.NewRateLimiter(cfg.Server.RateLimit, time.Minute)
	}

	a.server = api.NewServer(cfg, api.Options{
		Engine:      engine,
		Flows:       flows,
		Inactivity:  monitor,
		Hub:         hub,
		Events:      a.events,
		Metrics:     metrics.Handler(promRegistry),
		RateLimiter: limiter,
		Logger:      a.logger,
	})
	return nil
}

func newStorageProvider(cfg config.StorageConfig) (storage.StorageProvider, error) {
	provider, err := storage.NewProvider(cfg.ProviderConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create %s storage provider: %w", cfg.Type, err)
	}
	return provider, nil
}

// nodeDependencies builds the collaborators of the api, database, AI and
// appointment nodes. Unconfigured collaborators stay nil; their nodes fail
// and take the error edge.
func (a *App) nodeDependencies() (nodes.Dependencies, error) {
	connectorsCfg := a.config.Connectors
	httpClient := utils.NewHTTPClient()
	deps := nodes.Dependencies{
		HTTP:           httpClient,
		DefaultAIModel: connectorsCfg.AI.DefaultModel,
	}

	if len(connectorsCfg.Databases) > 0 {
		a.queries = connectors.NewPostgresQueryRunner(connectors.PostgresQueryRunnerConfig{
			Connections: connectorsCfg.Databases,
		})
		deps.Queries = a.queries
	}

	if connectorsCfg.AI.APIKey != "" {
		assistant, err := connectors.NewAssistant(connectors.AssistantConfig{
			Provider:     utils.LLMProvider(connectorsCfg.AI.Provider),
			APIKey:       connectorsCfg.AI.APIKey,
			BaseURL:      connectorsCfg.AI.BaseURL,
			DefaultModel: connectorsCfg.AI.DefaultModel,
		}, httpClient)
		if err != nil {
			return deps, fmt.Errorf("failed to create assistant: %w", err)
		}
		deps.AI = assistant
	}

	if connectorsCfg.Appointments.URL != "" {
		appointments, err := connectors.NewHTTPAppointmentService(connectorsCfg.Appointments.URL, connectorsCfg.Appointments.APIKey, httpClient)
		if err != nil {
			return deps, fmt.Errorf("failed to create appointment service: %w", err)
		}
		deps.Appointments = appointments
	}
	return deps, nil
}

func (a *App) messenger() (runtime.Messenger, error) {
	cfg := a.config.Connectors.Messenger
	if cfg.URL == "" {
		a.logger.Warn("No messenger URL configured, intents are only logged")
		return connectors.NewLogMessenger(a.logger), nil
	}
	messenger, err := connectors.NewHTTPMessenger(utils.NewHTTPClient(), connectors.HTTPMessengerConfig{
		URL:     cfg.URL,
		Token:   cfg.Token,
		Retries: cfg.Retries,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create messenger: %w", err)
	}
	return messenger, nil
}

// Start starts the application
func (a *App) Start() error {
	a.logger.LogSystemEvent("starting", map[string]interface{}{
		"name":    AppName,
		"version": AppVersion,
		"addr":    a.config.Server.Addr(),
	})
	return a.server.Start()
}

// Stop stops the HTTP server gracefully and releases every resource
func (a *App) Stop(ctx context.Context) error {
	if err := a.server.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return a.Close()
}

// Close releases storage, database pools and the Redis client
func (a *App) Close() error {
	var errs []error
	if a.events != nil {
		a.events.Close()
	}
	if a.queries != nil {
		errs = append(errs, a.queries.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.storageProvider != nil {
		if err := a.storageProvider.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close storage: %w", err))
		}
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
