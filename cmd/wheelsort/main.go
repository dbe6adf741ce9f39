// Command wheelsort runs the routing and dispatch controller of one
// wheel-diverter sorter line.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wheelsort/wheelsort/config"
	"github.com/wheelsort/wheelsort/pkg/logger"
	"github.com/wheelsort/wheelsort/pkg/telemetry/tracing"
	"github.com/wheelsort/wheelsort/pkg/version"
)

const defaultShutdownTimeout = 30 * time.Second

var (
	configPath  = flag.String("config", "", "Path to configuration file")
	versionFlag = flag.Bool("version", false, "Print version information")
	watchFlag   = flag.Bool("watch", true, "Reload log level and overload policy when the config file changes")

	// CLI overrides
	serverPort = flag.Int("port", 0, "Override server port")
	logLevel   = flag.String("log-level", "", "Override log level")
	instanceID = flag.String("instance-id", "", "Override the EMC instance id")
	debugMode  = flag.Bool("debug", false, "Enable debug mode")
)

func main() {
	flag.Usage = printHelp
	flag.Parse()

	if *versionFlag {
		fmt.Println(version.Info().String())
		return
	}

	cfg, err := config.Load(*configPath, buildOverrides())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration:\n%s\n", err)
		os.Exit(1)
	}

	logCfg := &logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}
	if cfg.App.Debug {
		logCfg.Level = logger.DebugLevel
	}
	log := logger.New(logCfg)
	logger.SetGlobal(log)
	defer func() { _ = log.Close() }()

	if err := run(cfg, log); err != nil {
		log.Error("wheelsort stopped with error", "error", err)
		_ = log.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log logger.Logger) error {
	log.Info("starting wheelsort",
		"version", version.Version,
		"git_commit", version.GitCommit,
		"app", cfg.App.Name,
		"environment", cfg.App.Environment,
	)
	log.Debug("configuration loaded", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, tracing.Service{
		Name:       cfg.App.Name,
		Version:    version.Version,
		InstanceID: a.instanceID(),
		Logger:     log,
	})
	if err != nil {
		_ = a.closeResources()
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	errCh, err := a.start(ctx)
	if err != nil {
		_ = a.shutdown(context.Background())
		_ = shutdownTracing(context.Background())
		return err
	}

	if *configPath != "" && *watchFlag {
		watchConfig(ctx, a, log)
	}

	log.Info("wheelsort is running",
		"http_port", cfg.Server.Port,
		"grpc_enabled", cfg.Server.GRPC.Enabled,
		"emc", cfg.EMC.Enabled,
		"instance_id", a.instanceID(),
	)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("received shutdown signal")
	case runErr = <-errCh:
		if runErr != nil {
			log.Error("component failed", "error", runErr)
		}
	}
	stop()

	timeout := cfg.Server.HTTP.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := a.shutdown(shutdownCtx); err != nil {
		log.Error("error during shutdown", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn("tracing shutdown failed", "error", err)
	}
	log.Info("wheelsort stopped")
	return runErr
}

func watchConfig(ctx context.Context, a *app, log logger.Logger) {
	watcher, err := config.NewWatcher(*configPath, config.NewLoader(), config.WithWatcherLogger(log))
	if err != nil {
		log.Warn("config hot reload disabled", "error", err)
		return
	}
	watcher.OnChange(a.reload)
	go func() {
		if err := watcher.Watch(ctx); err != nil && ctx.Err() == nil {
			log.Warn("config watcher stopped", "error", err)
		}
	}()
}

func buildOverrides() map[string]interface{} {
	overrides := make(map[string]interface{})

	if *serverPort != 0 {
		overrides["server.port"] = *serverPort
	}
	if *logLevel != "" {
		overrides["log.level"] = *logLevel
	}
	if *instanceID != "" {
		overrides["emc.instance_id"] = *instanceID
	}
	if *debugMode {
		overrides["app.debug"] = true
	}

	return overrides
}

func printHelp() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "wheelsort - wheel-diverter sorter routing and EMC coordination\n\n")
	fmt.Fprintf(out, "Usage: wheelsort [options]\n\n")
	fmt.Fprintf(out, "Options:\n")
	flag.PrintDefaults()
	fmt.Fprintf(out, "\nExamples:\n")
	fmt.Fprintf(out, "  wheelsort -config line-a.yaml\n")
	fmt.Fprintf(out, "  wheelsort -config line-a.yaml -instance-id line-a -log-level debug\n")
	fmt.Fprintf(out, "  WHEELSORT_EMC__ENABLED=true wheelsort -config line-a.yaml\n")
	fmt.Fprintf(out, "  wheelsort -version\n")
}
