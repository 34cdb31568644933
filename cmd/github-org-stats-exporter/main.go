package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cam3ron2/github-org-stats-exporter/internal/app"
	"github.com/cam3ron2/github-org-stats-exporter/internal/config"
	"github.com/cam3ron2/github-org-stats-exporter/internal/exporter"
	"github.com/cam3ron2/github-org-stats-exporter/internal/scrape"
	"github.com/cam3ron2/github-org-stats-exporter/internal/store"
	"github.com/cam3ron2/github-org-stats-exporter/internal/telemetry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "github-org-stats-exporter"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	serve := newServeCommand(opts)

	root := &cobra.Command{
		Use:   serviceName,
		Short: "Export GitHub organization statistics as Prometheus gauges",
		Long: `github-org-stats-exporter periodically walks a GitHub organization
(repositories, pull requests, branches and team activity) and serves the
results as Prometheus gauges on /metrics.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to YAML config file (environment only when empty)")
	root.AddCommand(serve, newExtractOnceCommand(opts))
	return root
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the extraction scheduler and serve /metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts)
		},
	}
}

func newExtractOnceCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "extract-once",
		Short: "Run a single extraction cycle and print the gauges",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return extractOnce(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}
}

type process struct {
	cfg      *config.Config
	logger   *zap.Logger
	memStore *store.MemoryStore
	built    scrape.Built
	close    func()
}

func setup(opts *rootOptions) (*process, error) {
	cfg, err := loadConfig(opts.configPath, os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := buildLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	telemetryRuntime, err := telemetry.Setup(telemetry.Config{
		Enabled:          cfg.Telemetry.OTELEnabled,
		ServiceName:      serviceName,
		TraceMode:        cfg.Telemetry.OTELTraceMode,
		TraceSampleRatio: cfg.Telemetry.OTELTraceSampleRatio,
		Logger:           logger,
	})
	if err != nil {
		syncLogger(logger)
		return nil, fmt.Errorf("setup telemetry: %w", err)
	}

	memStore := store.NewMemoryStore(cfg.Store.MaxSeriesBudget)
	built, err := scrape.NewOrgScraperFromConfig(cfg, memStore, scrape.FactoryOptions{Logger: logger})
	if err != nil {
		syncLogger(logger)
		return nil, fmt.Errorf("build org scraper: %w", err)
	}

	return &process{
		cfg:      cfg,
		logger:   logger,
		memStore: memStore,
		built:    built,
		close: func() {
			if err := built.Close(); err != nil {
				logger.Warn("close rate limit store", zap.Error(err))
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := telemetryRuntime.Shutdown(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown", zap.Error(err))
			}
			syncLogger(logger)
		},
	}, nil
}

func serve(parent context.Context, opts *rootOptions) error {
	proc, err := setup(opts)
	if err != nil {
		return err
	}
	defer proc.close()
	cfg, logger := proc.cfg, proc.logger

	rootCtx, cancel := signal.NotifyContext(contextOrBackground(parent), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	manager := scrape.NewManager(proc.built.Scraper, logger.Named("scrape"))
	runtime := app.NewRuntime(cfg, proc.memStore, manager, logger)
	server := &http.Server{
		Addr:              cfg.Server.ListenAddr(),
		Handler:           runtime.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("addr", server.Addr))
		if serveErr := server.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			serverErrCh <- serveErr
		}
		close(serverErrCh)
	}()

	// The loop context is never cancelled by the signal; Stop ends it.
	if err := runtime.Start(context.WithoutCancel(rootCtx)); err != nil {
		return fmt.Errorf("start extraction scheduler: %w", err)
	}

	var serveErr error
	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case serveErr = <-serverErrCh:
	}

	runtime.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown timed out; closing", zap.Error(err))
		if closeErr := server.Close(); closeErr != nil {
			logger.Warn("http server close", zap.Error(closeErr))
		}
	}

	if serveErr != nil {
		return fmt.Errorf("http server failed: %w", serveErr)
	}
	logger.Info("shutdown complete")
	return nil
}

func extractOnce(parent context.Context, opts *rootOptions, out io.Writer) error {
	proc, err := setup(opts)
	if err != nil {
		return err
	}
	defer proc.close()

	ctx, cancel := signal.NotifyContext(contextOrBackground(parent), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	manager := scrape.NewManager(proc.built.Scraper, proc.logger.Named("scrape"))
	runtime := app.NewRuntime(proc.cfg, proc.memStore, manager, proc.logger)
	if outcome := runtime.RunCycle(ctx); outcome.Err != nil {
		return fmt.Errorf("extraction cycle: %w", outcome.Err)
	}
	if err := exporter.WriteText(out, proc.memStore, scrape.MetricHelp); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}

func loadConfig(path string, lookupEnv config.LookupEnvFunc) (*config.Config, error) {
	if strings.TrimSpace(path) == "" {
		return config.Load(nil, lookupEnv)
	}

	configFile, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer func() {
		_ = configFile.Close()
	}()
	return config.Load(configFile, lookupEnv)
}

func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	loggerConfig := zap.NewProductionConfig()
	if cfg.Format == "text" {
		loggerConfig = zap.NewDevelopmentConfig()
		loggerConfig.Encoding = "console"
	}
	loggerConfig.Level = zap.NewAtomicLevelAt(logLevel(cfg.Level))
	logger, err := loggerConfig.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("service", serviceName)), nil
}

func logLevel(raw string) zapcore.Level {
	switch strings.ToLower(raw) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func syncLogger(logger *zap.Logger) {
	if err := logger.Sync(); err != nil && !shouldIgnoreLoggerSyncError(err) {
		_, _ = fmt.Fprintf(os.Stderr, "%s: sync logger: %v\n", serviceName, err)
	}
}

// shouldIgnoreLoggerSyncError reports errors returned by Sync on stdout and
// stderr when they are terminals or pipes.
func shouldIgnoreLoggerSyncError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY)
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
