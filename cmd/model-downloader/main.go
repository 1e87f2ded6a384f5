package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/matrixinfer-ai/kthena/internal/backend"
	"github.com/matrixinfer-ai/kthena/internal/config"
	"github.com/matrixinfer-ai/kthena/internal/downloader"
	"github.com/matrixinfer-ai/kthena/internal/http/rest"
	"github.com/matrixinfer-ai/kthena/internal/logctx"
	"github.com/matrixinfer-ai/kthena/internal/storage/sqlite"
	"github.com/matrixinfer-ai/kthena/internal/telemetry"
)

// sourceList accumulates repeated -source flags and splits comma-separated
// values, so both "-source a -source b" and "-source a,b" work.
type sourceList []string

func (s *sourceList) String() string { return strings.Join(*s, ",") }

func (s *sourceList) Set(value string) error {
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			*s = append(*s, part)
		}
	}

	return nil
}

type cliFlags struct {
	sources    sourceList
	modelName  string
	outputDir  string
	configJSON string
	maxWorkers int
}

func main() {
	// A local .env is a convenience for development; absence is fine.
	_ = godotenv.Load()

	var flags cliFlags

	flag.Var(&flags.sources, "source", "model source to download (repeatable, comma-separated)")
	flag.StringVar(&flags.modelName, "model-name", "", "override the destination model name (single source only)")
	flag.StringVar(&flags.outputDir, "output-dir", "", "directory to place downloaded models in")
	flag.StringVar(&flags.configJSON, "config", "", "JSON blob of credential overrides")
	flag.IntVar(&flags.maxWorkers, "max-workers", 0, "max concurrent file transfers per model")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	if err := cfg.ApplyJSON(flags.configJSON); err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	applyFlags(cfg, &flags)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("model downloader starting...", "log_level", cfg.LogLevel, "output_dir", cfg.OutputDir)

	if err := run(logctx.WithLogger(ctx, logger), cfg, &flags); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

// applyFlags folds command-line overrides into the environment-derived config.
func applyFlags(cfg *config.Config, flags *cliFlags) {
	if flags.outputDir != "" {
		if expanded, err := config.ExpandHome(flags.outputDir); err == nil {
			cfg.OutputDir = expanded
		} else {
			cfg.OutputDir = flags.outputDir
		}
	}

	if flags.maxWorkers > 0 {
		cfg.MaxWorkers = flags.maxWorkers
	}
}

func run(ctx context.Context, cfg *config.Config, flags *cliFlags) error {
	logger := logctx.LoggerFromContext(ctx)

	if len(flags.sources) == 0 && cfg.Web.BindAddress == "" {
		return errors.New("nothing to do: pass -source or set WEB_BIND_ADDRESS")
	}

	if flags.modelName != "" && len(flags.sources) > 1 {
		return errors.New("-model-name only applies to a single -source")
	}

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	journal := sqlite.NewJournal(database)

	// =========================================================================
	// Start Orchestrator
	orch := downloader.NewOrchestrator(cfg.OutputDir, downloader.Options{
		PollInterval:      cfg.LockPollInterval,
		LockTimeout:       cfg.LockTimeout,
		LockRenewInterval: cfg.LockRenewInterval,
		Journal:           journal,
		Telemetry:         tel,
	})

	backendOpts := backend.Options{
		AccessKey:  cfg.Credentials.AccessKey,
		SecretKey:  cfg.Credentials.SecretKey,
		Endpoint:   cfg.Credentials.Endpoint,
		Region:     cfg.Credentials.Region,
		HFToken:    cfg.Credentials.HFToken,
		HFEndpoint: cfg.Credentials.HFEndpoint,
		HFRevision: cfg.Credentials.HFRevision,
		MaxWorkers: cfg.MaxWorkers,
	}

	logger.Info("downloader ready",
		"instance_id", downloader.GenerateInstanceID(),
		"lock_timeout", cfg.LockTimeout.String(),
		"lock_poll_interval", cfg.LockPollInterval.String(),
	)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	var server *http.Server

	if cfg.Web.BindAddress != "" {
		server = setupServer(ctx, orch, journal, backendOpts, tel, cfg)

		go func() {
			logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
			serverErrors <- server.ListenAndServe()
		}()
	}

	// =========================================================================
	// Run Batch Downloads
	if err := runBatch(ctx, orch, backendOpts, flags); err != nil {
		if server != nil {
			if closeErr := server.Close(); closeErr != nil {
				logger.Error("failed to stop server", "err", closeErr)
			}
		}

		return err
	}

	if server == nil {
		return nil
	}

	// Batch work is done (or there was none); keep serving until shutdown.
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	}
}

// runBatch resolves and downloads each source in order, stopping at the
// first failure.
func runBatch(ctx context.Context, orch *downloader.Orchestrator, opts backend.Options, flags *cliFlags) error {
	logger := logctx.LoggerFromContext(ctx)

	for _, source := range flags.sources {
		modelName := flags.modelName
		if modelName == "" {
			modelName = downloader.ModelNameFromSource(source)
		}

		b, err := downloader.Resolve(ctx, source, opts)
		if err != nil {
			return fmt.Errorf("failed to resolve source %q: %w", source, err)
		}

		logger.Info("downloading model", "source", source, "model_name", modelName, "backend", b.Name())

		if err := orch.Download(ctx, source, modelName, b); err != nil {
			return fmt.Errorf("download of %q failed: %w", source, err)
		}

		logger.Info("model downloaded", "source", source, "model_name", modelName)
	}

	return nil
}

// setupServer prepares the handlers and middleware chain for the rest server.
func setupServer(
	ctx context.Context,
	orch *downloader.Orchestrator,
	journal *sqlite.Journal,
	opts backend.Options,
	tel *telemetry.Telemetry,
	cfg *config.Config,
) *http.Server {
	handler := rest.NewDownloadHandler(orch, journal, opts)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)
	r.Mount("/", handler.Routes())
	r.Method(http.MethodGet, "/metrics", tel.Handler())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, "model-downloader"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
