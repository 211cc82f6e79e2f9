package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/goclaw/memlayer/config"
	"github.com/goclaw/memlayer/pkg/api"
	"github.com/goclaw/memlayer/pkg/api/handlers"
	"github.com/goclaw/memlayer/pkg/logger"
	"github.com/goclaw/memlayer/pkg/metrics"
	"github.com/goclaw/memlayer/pkg/sweeper"
	"github.com/goclaw/memlayer/pkg/telemetry/tracing"
	"github.com/goclaw/memlayer/pkg/version"
)

var (
	configPath  = flag.String("config", "", "Path to configuration file (yaml, json or toml)")
	versionFlag = flag.Bool("version", false, "Print version information")
	helpFlag    = flag.Bool("help", false, "Print help information")

	// CLI overrides
	serverPort = flag.Int("port", 0, "Override server port")
	logLevel   = flag.String("log-level", "", "Override log level")
	primary    = flag.String("store", "", "Override primary store backend")
	debugMode  = flag.Bool("debug", false, "Enable debug mode")
)

func main() {
	flag.Parse()

	if *helpFlag {
		printHelp()
		os.Exit(0)
	}

	if *versionFlag {
		printVersion()
		os.Exit(0)
	}

	overrides := buildOverrides()

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath, overrides)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration:\n%s\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg)
	logger.SetGlobal(log)
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := &application{cfg: cfg, log: log, loader: loader, configPath: *configPath, overrides: overrides}
	if err := app.run(ctx); err != nil {
		log.Error("memlayer exited with error", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) logger.Logger {
	logCfg := &logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}
	if cfg.App.Debug {
		logCfg.Level = logger.DebugLevel
	}
	return logger.New(logCfg)
}

// application owns every long-lived component of the process.
type application struct {
	cfg        *config.Config
	log        logger.Logger
	loader     *config.Loader
	configPath string
	overrides  map[string]interface{}

	reloadMu sync.Mutex

	// ready receives the listen address once the HTTP server is up. Used by tests.
	ready chan string
}

// run starts the server and blocks until ctx is cancelled or the server fails.
func (a *application) run(ctx context.Context) error {
	cfg, log := a.cfg, a.log

	log.Info("Starting memlayer",
		"version", version.Version,
		"buildTime", version.BuildTime,
		"gitCommit", version.GitCommit,
		"app", cfg.App.Name,
		"environment", cfg.App.Environment,
	)
	log.Debug("Configuration loaded", "config", cfg.String())

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, tracing.Service{
		Name:        cfg.App.Name,
		Version:     version.Version,
		Environment: cfg.App.Environment,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	metricsCfg := metrics.DefaultConfig()
	metricsCfg.Enabled = cfg.Metrics.Enabled
	metricsCfg.Port = cfg.Metrics.Port
	metricsCfg.Path = cfg.Metrics.Path
	metricsManager := metrics.NewManager(metricsCfg)

	if metricsManager.Enabled() {
		go func() {
			log.Info("Starting metrics server", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
			if err := metricsManager.StartServer(ctx, cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
				log.Error("Metrics server error", "error", err)
			}
		}()
	}

	backends, err := buildStores(cfg.Store, metricsManager, log.With("component", "store"))
	if err != nil {
		return err
	}
	if err := backends.composite.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize stores: %w", err)
	}
	log.Info("Stores initialized", "primary", cfg.Store.Primary, "secondaries", cfg.Store.Secondaries)

	sw, err := sweeper.New(backends.registry, sweeper.Config{
		Schedule: cfg.Cleanup.Schedule,
		Timeout:  cfg.Cleanup.Timeout,
	}, sweeper.WithLogger(log.With("component", "sweeper")), sweeper.WithRecorder(metricsManager))
	if err != nil {
		return err
	}
	if cfg.Cleanup.Enabled {
		if err := sw.Start(ctx); err != nil {
			return err
		}
	}

	stream := handlers.NewStreamHandler(backends.composite, log, handlers.StreamConfig{
		AllowedOrigins: cfg.Server.WebSocket.AllowedOrigins,
		MaxConnections: cfg.Server.WebSocket.MaxConnections,
		WriteTimeout:   cfg.Server.WebSocket.WriteTimeout,
	})

	memOpts := []handlers.MemoryOption{
		handlers.WithSweeper(sw),
		handlers.WithNotifier(stream),
		handlers.WithMaxBodyBytes(cfg.Server.HTTP.MaxBodyBytes),
	}
	if backends.vector != nil {
		memOpts = append(memOpts, handlers.WithSimilarity(backends.vector))
	}

	apiHandlers := &api.Handlers{
		Memory: handlers.NewMemoryHandler(backends.composite, log, memOpts...),
		Stream: stream,
		Health: handlers.NewHealthHandler(backends.registry,
			handlers.WithEnvironment(cfg.App.Environment),
			handlers.WithSweeperStatus(sw),
			handlers.WithStreamCount(stream.Connections),
		),
		Metrics: metricsManager,
	}
	httpServer := api.NewHTTPServer(cfg, log, apiHandlers)

	if a.configPath != "" {
		watcher, err := a.watchConfig(ctx, sw)
		if err != nil {
			log.Warn("Config hot reload disabled", "error", err)
		} else {
			defer watcher.Stop()
		}
	}

	ln, err := listen(httpServer.Addr())
	if err != nil {
		return err
	}
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- httpServer.Serve(ln)
	}()
	if a.ready != nil {
		a.ready <- ln.Addr().String()
	}

	log.Info("memlayer is running",
		"http_addr", ln.Addr().String(),
		"metrics_port", cfg.Metrics.Port,
		"stores", backends.registry.Names(),
	)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Received shutdown signal")
	case runErr = <-serverErr:
		log.Error("HTTP server error", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.HTTP.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := sw.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("stop sweeper: %w", err))
	}
	if err := backends.composite.Cleanup(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("close stores: %w", err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
	}
	for _, err := range errs {
		log.Error("Shutdown error", "error", err)
	}

	log.Info("memlayer stopped")
	return errors.Join(append([]error{runErr}, errs...)...)
}

// watchConfig applies hot-reloadable settings whenever the config file changes.
func (a *application) watchConfig(ctx context.Context, sw *sweeper.Sweeper) (*config.Watcher, error) {
	watcher, err := config.NewWatcher(a.configPath, a.loader,
		config.WithOverrides(a.overrides),
		config.WithWatcherLogger(a.log.With("component", "config")),
	)
	if err != nil {
		return nil, err
	}

	current := config.ExtractHotReloadable(a.cfg)
	watcher.OnChange(func(next *config.Config) {
		a.applyReload(ctx, sw, &current, config.ExtractHotReloadable(next))
	})

	go func() {
		if err := watcher.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("Config watcher stopped", "error", err)
		}
	}()
	return watcher, nil
}

// applyReload moves the running process from *current to next.
func (a *application) applyReload(ctx context.Context, sw *sweeper.Sweeper, current *config.HotReloadableConfig, next config.HotReloadableConfig) {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	if !current.Changed(next) {
		return
	}

	if current.LogLevel != next.LogLevel && !a.cfg.App.Debug {
		a.log.SetLevel(logger.ParseLevel(next.LogLevel))
		a.log.Info("Log level changed", "level", next.LogLevel)
	}

	if current.CleanupChanged(next) {
		if err := reconcileSweeper(ctx, sw, next); err != nil {
			a.log.Error("Failed to apply cleanup settings", "error", err)
			return
		}
	}
	*current = next
}

func reconcileSweeper(ctx context.Context, sw *sweeper.Sweeper, hot config.HotReloadableConfig) error {
	if !hot.CleanupEnabled {
		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return sw.Stop(stopCtx)
	}
	if hot.CleanupSchedule != "" {
		if err := sw.Reschedule(hot.CleanupSchedule); err != nil {
			return err
		}
	}
	if !sw.Running() {
		return sw.Start(ctx)
	}
	return nil
}

func buildOverrides() map[string]interface{} {
	overrides := make(map[string]interface{})

	if *serverPort != 0 {
		overrides["server.port"] = *serverPort
	}
	if *logLevel != "" {
		overrides["log.level"] = *logLevel
	}
	if *primary != "" {
		overrides["store.primary"] = *primary
	}
	if *debugMode {
		overrides["app.debug"] = true
	}

	return overrides
}

func printVersion() {
	fmt.Printf("memlayer - Scoped key-value memory service\n")
	fmt.Printf("Version:    %s\n", version.Version)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Printf("Git Commit: %s\n", version.GitCommit)
	fmt.Printf("Go Version: %s\n", version.GoVersion)
}

func printHelp() {
	fmt.Printf("memlayer - Pluggable scoped key-value memory with expiry\n\n")
	fmt.Printf("Usage: memlayer [options]\n\n")
	fmt.Printf("Options:\n")
	flag.PrintDefaults()
	fmt.Printf("\nExamples:\n")
	fmt.Printf("  memlayer                                  # Run with default config\n")
	fmt.Printf("  memlayer -config memlayer.yaml            # Use specific config file\n")
	fmt.Printf("  memlayer -port 9090 -log-level debug      # Override specific options\n")
	fmt.Printf("  memlayer -store badger                    # Serve from the Badger backend\n")
	fmt.Printf("  memlayer -version                         # Print version info\n")
}
