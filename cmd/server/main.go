// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"sensorhub/internal/batch"
	"sensorhub/internal/calibration"
	"sensorhub/internal/config"
	"sensorhub/internal/decoder"
	"sensorhub/internal/engine"
	"sensorhub/internal/frame"
	"sensorhub/internal/handler"
	"sensorhub/internal/link"
	"sensorhub/internal/metric"
	"sensorhub/internal/pending"
	"sensorhub/internal/routes"
	"sensorhub/internal/service"
	"sensorhub/internal/timestamp"
	"sensorhub/internal/transport"
	"sensorhub/internal/utils"
	"sensorhub/internal/watchdog"
)

// Application represents the main application
type Application struct {
	config   *config.Config
	logger   *zap.Logger
	server   *http.Server
	registry *prometheus.Registry
	counters *metric.Counters

	ctx    context.Context
	cancel context.CancelFunc

	// Protocol stack
	clock     *timestamp.Clock
	engine    *engine.Engine
	decoder   *decoder.Decoder
	store     *calibration.Store
	retriever *batch.Retriever
	bus       *handler.EventBus
	transport transport.Transport
	link      link.Link
	linkLog   *utils.LinkLogger

	// Services
	hubService *service.HubService
	supervisor *watchdog.Supervisor
}

func main() {
	configPath := pflag.StringP("config", "c", "", "path to the configuration file")
	pflag.Parse()

	app, err := NewApplication(*configPath)
	if err != nil {
		fmt.Printf("Failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Start(); err != nil {
		app.logger.Fatal("Failed to start application", zap.Error(err))
	}
}

// NewApplication creates a new application instance
func NewApplication(configPath string) (*Application, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	serviceLogger := utils.NewServiceLogger(logger, "sensorhub")
	serviceLogger.LogServiceStart(cfg.App.Version,
		zap.String("environment", cfg.App.Environment),
		zap.String("transport", cfg.Transport.Mode),
	)

	ctx, cancel := context.WithCancel(context.Background())
	app := &Application{
		config: cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := app.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	if err := app.initializeProtocol(); err != nil {
		return nil, fmt.Errorf("failed to initialize protocol stack: %w", err)
	}

	if err := app.initializeServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := app.initializeTransport(); err != nil {
		return nil, fmt.Errorf("failed to initialize transport: %w", err)
	}

	if err := app.initializeServer(); err != nil {
		return nil, fmt.Errorf("failed to initialize server: %w", err)
	}

	return app, nil
}

// initializeMetrics creates the prometheus registry and the counters
func (app *Application) initializeMetrics() error {
	app.registry = prometheus.NewRegistry()
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	counters, err := metric.NewCounters(app.registry)
	if err != nil {
		return err
	}
	app.counters = counters
	return nil
}

// initializeProtocol builds the engine, decoder, calibration store and batch retriever
func (app *Application) initializeProtocol() error {
	cfg := app.config

	app.engine = engine.New(
		pending.NewRegistry(cfg.Protocol.MaxInFlight, app.logger),
		frame.NewCodec(cfg.Protocol.MaxPayload),
		app.counters,
		engine.Options{
			DefaultTimeout:     cfg.Protocol.DefaultTimeout,
			RecoveryCheckDelay: cfg.Protocol.RecoveryCheckDelay,
		},
		app.logger,
	)

	app.clock = timestamp.NewClock(nil)
	app.decoder = decoder.New(cfg.Widths(), decoder.Config{
		Level:        cfg.Decoder.Leveling,
		AnchorSlots:  cfg.Decoder.AnchorSlots,
		AlwaysReport: cfg.AlwaysReportTypes(),
	}, decoder.Sinks{}, app.clock, app.counters, app.logger)

	store, err := calibration.NewStore(afero.NewOsFs(), cfg.Calibration.Dir, app.logger)
	if err != nil {
		return err
	}
	app.store = store

	app.retriever = batch.NewRetriever(app.engine, app.decoder, app.store, nil, app.counters, cfg.Batch, app.logger)
	app.bus = handler.NewEventBus(app.logger)

	app.logger.Info("Protocol stack initialized",
		zap.Int("max_payload", cfg.Protocol.MaxPayload),
		zap.Int("max_in_flight", cfg.Protocol.MaxInFlight),
	)
	return nil
}

// initializeServices creates the hub service and the watchdog and wires the sinks
func (app *Application) initializeServices() error {
	cfg := app.config

	app.hubService = service.NewHubService(
		app.engine,
		app.decoder,
		app.store,
		app.clock,
		app.counters,
		cfg.Protocol,
		app.logger,
	)

	app.supervisor = watchdog.New(
		cfg.Watchdog.Config,
		app.hubService,
		app.decoder,
		app.hubService,
		app.counters,
		app.logger,
	)

	app.decoder.SetSinks(decoder.Sinks{
		Reports:     app.bus,
		Meta:        app.hubService,
		Calibration: app.store,
		Batches:     app.retriever,
		Clock:       app.hubService,
		Enabled:     app.hubService,
	})
	app.engine.SetObserver(app.supervisor)
	app.hubService.SetSupervisor(app.supervisor, app.supervisor)
	app.retriever.SetViolationReporter(app.supervisor)

	app.logger.Info("Services initialized successfully")
	return nil
}

// initializeTransport opens the configured binding to the hub
func (app *Application) initializeTransport() error {
	cfg := app.config
	codec := app.engine.Codec()

	switch cfg.Transport.Mode {
	case config.ModeRelay:
		relay := transport.NewRelay(codec, app.engine, app.logger)
		bridge, err := transport.DialBridge(app.ctx, cfg.Transport.Relay, relay.OnBytes, app.hubService.HandleControl, app.logger)
		if err != nil {
			return fmt.Errorf("dial bridge: %w", err)
		}
		relay.Attach(bridge)
		app.transport = relay

	default:
		l, err := link.Create(cfg.Transport.Link, app.logger)
		if err != nil {
			return err
		}
		app.link = l
		app.linkLog = utils.NewLinkLogger(app.logger, string(l.Type()), cfg.Transport.Link.Address())

		direct := transport.NewDirect(l, codec, app.engine, cfg.Transport.PollInterval, app.logger)
		start := time.Now()
		err = direct.Open(app.ctx)
		app.linkLog.LogConnection("open", time.Since(start), err)
		if err != nil {
			return fmt.Errorf("open link: %w", err)
		}
		go direct.Run(app.ctx)
		app.transport = direct
	}

	app.engine.SetTransport(app.transport)
	app.hubService.SetTransport(app.transport)

	app.logger.Info("Transport initialized", zap.String("mode", cfg.Transport.Mode))
	return nil
}

// initializeServer sets up the diagnostics HTTP server
func (app *Application) initializeServer() error {
	if !app.config.Server.Enabled {
		app.logger.Info("Diagnostics HTTP server disabled")
		return nil
	}

	routerManager := routes.NewRouter(
		app.config,
		app.logger,
		app.hubService,
		app.supervisor,
		app.counters,
		app.bus,
		app.registry,
	)

	app.server = &http.Server{
		Addr:         app.config.GetServerAddr(),
		Handler:      routerManager.SetupRouter(),
		ReadTimeout:  app.config.Server.ReadTimeout,
		WriteTimeout: app.config.Server.WriteTimeout,
		IdleTimeout:  app.config.Server.IdleTimeout,
	}

	app.logger.Info("HTTP server initialized", zap.String("address", app.config.GetServerAddr()))
	return nil
}

// startBackgroundServices brings the hub up and starts the supervisor
func (app *Application) startBackgroundServices() {
	go app.bus.Start()

	startCtx, cancel := context.WithTimeout(app.ctx, app.config.Watchdog.RecoveryTimeout)
	defer cancel()
	if err := app.hubService.Start(startCtx); err != nil {
		// the watchdog takes over from here
		app.logger.Error("Hub bring-up failed", zap.Error(err))
		app.supervisor.NotifyCrashed()
	}

	go app.supervisor.Run(app.ctx)

	app.logger.Info("Background services started",
		zap.String("session", app.hubService.SessionID()),
		zap.Duration("watchdog_period", app.config.Watchdog.Period),
	)
}

// waitForShutdown waits for shutdown signal and performs graceful shutdown
func (app *Application) waitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	app.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	app.shutdown()
}

// shutdown performs graceful shutdown
func (app *Application) shutdown() {
	serviceLogger := utils.NewServiceLogger(app.logger, "sensorhub")
	serviceLogger.LogServiceStop("shutdown signal received")

	if app.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := app.server.Shutdown(ctx); err != nil {
			app.logger.Error("HTTP server shutdown error", zap.Error(err))
		} else {
			app.logger.Info("HTTP server stopped")
		}
	}

	// supervisor first so no recovery races the teardown
	app.supervisor.Close()
	app.retriever.Close()
	app.cancel()

	if err := app.hubService.Close(); err != nil {
		app.logger.Error("Hub service close error", zap.Error(err))
	}
	app.bus.Close()
	if app.link != nil {
		app.linkLog.LogStats(app.link.Stats())
	}

	snapshot := app.counters.Snapshot()
	app.logger.Info("Application shutdown completed",
		zap.Int64("frames_received", snapshot.FramesReceived),
		zap.Int64("timeouts", snapshot.Timeouts),
		zap.Int64("resets", snapshot.Resets),
	)

	if err := utils.CloseLogger(app.logger); err != nil {
		fmt.Printf("Logger close error: %v\n", err)
	}
}

// Start runs the application until a shutdown signal arrives
func (app *Application) Start() error {
	if app.server != nil {
		go func() {
			app.logger.Info("Starting HTTP server", zap.String("address", app.server.Addr))

			if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				app.logger.Fatal("Failed to start HTTP server", zap.Error(err))
			}
		}()
	}

	app.startBackgroundServices()
	app.waitForShutdown()
	return nil
}
