// Package main is the entry point for the AEP event forwarder.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/thedatagata/aep-event-forwarder/internal/config"
	"github.com/thedatagata/aep-event-forwarder/internal/forward"
	"github.com/thedatagata/aep-event-forwarder/internal/handler"
	"github.com/thedatagata/aep-event-forwarder/internal/ims"
	"github.com/thedatagata/aep-event-forwarder/internal/observability"
	"github.com/thedatagata/aep-event-forwarder/internal/vault"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	cfg := loadServerConfig(flags.configPath, logger)
	creds := resolveCredentials(logger)

	run(cfg, creds, flags.configPath, logger)
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("FORWARDER_CONFIG_PATH", ""),
		"Path to server configuration file (optional)")
	logLevel := flag.String("log-level", getEnvOrDefault("FORWARDER_LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", getEnvOrDefault("FORWARDER_LOG_FORMAT", "json"),
		"Log format (json, console)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// printVersion prints version information and exits.
func printVersion() {
	fmt.Printf("aep-event-forwarder version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger initializes the logger.
func initLogger(flags cliFlags) observability.Logger {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  flags.logLevel,
		Format: flags.logFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// loadServerConfig loads the optional server configuration file.
func loadServerConfig(configPath string, logger observability.Logger) *config.ServerConfig {
	logger.Info("starting aep-event-forwarder",
		observability.String("version", version),
		observability.String("config", configPath),
	)

	cfg, err := config.LoadServerConfig(configPath)
	if err != nil {
		logger.Fatal("failed to load server configuration", observability.Error(err))
	}

	return cfg
}

// resolveCredentials resolves AEP/IMS credentials from the environment,
// optionally backed by a Vault KV secret.
func resolveCredentials(logger observability.Logger) *config.Credentials {
	opts := []config.ResolveOption{}

	if source := vaultSource(logger); source != nil {
		opts = append(opts, config.WithSecretSource(source))
	}

	creds, err := config.Resolve(opts...)
	if err != nil {
		logger.Fatal("failed to resolve credentials", observability.Error(err))
	}

	return creds
}

// vaultSource builds the optional Vault secret source from the
// environment. Returns nil when Vault is not configured.
func vaultSource(logger observability.Logger) config.SecretSource {
	addr := os.Getenv("VAULT_ADDR")
	secretPath := os.Getenv("VAULT_SECRET_PATH")
	if addr == "" || secretPath == "" {
		return nil
	}

	source, err := vault.NewSecretSource(&vault.Config{
		Address: addr,
		Token:   os.Getenv("VAULT_TOKEN"),
		Mount:   getEnvOrDefault("VAULT_SECRET_MOUNT", "secret"),
		Path:    secretPath,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal("failed to configure vault secret source", observability.Error(err))
	}

	if err := source.Load(context.Background()); err != nil {
		logger.Fatal("failed to load credentials from vault", observability.Error(err))
	}

	return source
}

// run wires the components and serves until a shutdown signal arrives.
func run(cfg *config.ServerConfig, creds *config.Credentials, configPath string, logger observability.Logger) {
	metrics := observability.NewMetrics("forwarder")

	tracer, err := observability.NewTracer(observability.TracerConfig{
		ServiceName:  "aep-event-forwarder",
		Enabled:      cfg.Tracing.Enabled,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SamplingRate: cfg.Tracing.SamplingRate,
	})
	if err != nil {
		logger.Fatal("failed to initialize tracing", observability.Error(err))
	}

	tokens, err := ims.NewClient(&ims.Config{
		Credentials: creds,
		Logger:      logger,
		Metrics:     metrics,
		Tracer:      tracer,
	})
	if err != nil {
		logger.Fatal("failed to create IMS client", observability.Error(err))
	}

	forwarder, err := forward.NewForwarder(&forward.Config{
		Credentials: creds,
		Tokens:      tokens,
		HTTPClient:  &http.Client{Timeout: cfg.ForwardTimeout.Duration()},
		Breaker:     &cfg.CircuitBreaker,
		Logger:      logger,
		Metrics:     metrics,
		Tracer:      tracer,
	})
	if err != nil {
		logger.Fatal("failed to create forwarder", observability.Error(err))
	}

	adapter, err := handler.NewAdapter(tokens, forwarder, logger)
	if err != nil {
		logger.Fatal("failed to create adapter", observability.Error(err))
	}

	server := handler.NewServer(cfg, adapter, logger, metrics)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stopWatcher := startConfigWatcher(ctx, configPath, server, logger)
	defer stopWatcher()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", observability.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration())
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", observability.Error(err))
	}

	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown failed", observability.Error(err))
	}
}

// startConfigWatcher starts the config file watcher when a config path
// is set. The returned func stops it.
func startConfigWatcher(
	ctx context.Context,
	configPath string,
	server *handler.Server,
	logger observability.Logger,
) func() {
	if configPath == "" {
		return func() {}
	}

	watcher, err := config.NewWatcher(configPath,
		func(cfg *config.ServerConfig) {
			logger.Info("applying reloaded configuration")
			server.ApplyConfig(cfg)
		},
		config.WithWatcherLogger(logger),
		config.WithDebounceDelay(200*time.Millisecond),
	)
	if err != nil {
		logger.Error("failed to create config watcher", observability.Error(err))
		return func() {}
	}

	if err := watcher.Start(ctx); err != nil {
		logger.Error("failed to start config watcher", observability.Error(err))
		return func() {}
	}

	return func() { _ = watcher.Stop() }
}
