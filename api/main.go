package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/quarrylabs/quarry/agent/pkg/memory"
	"github.com/quarrylabs/quarry/agent/pkg/warehouse"
	"github.com/quarrylabs/quarry/agent/pkg/workflow"
	"github.com/quarrylabs/quarry/api/config"
	"github.com/quarrylabs/quarry/api/handlers"
	"github.com/quarrylabs/quarry/api/metrics"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"

	// shuttingDown is set when a shutdown signal is received; the readiness
	// probe checks it to immediately return 503.
	shuttingDown atomic.Bool
)

const (
	defaultMetricsAddr = "0.0.0.0:0"
	defaultMaxTokens   = 1024
)

func main() {
	metricsAddr := pflag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics")
	verbose := pflag.BoolP("verbose", "v", false, "Enable debug logging")
	pflag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
	slog.SetDefault(logger)

	logger.Info("starting quarry-api", "version", version, "commit", commit)

	// Load .env files if they exist. godotenv doesn't override existing env
	// vars, so later files don't overwrite earlier ones.
	_ = godotenv.Load()
	_ = godotenv.Load("api/.env")

	// Sentry is optional; a missing DSN means a no-op.
	sentryDSN := os.Getenv("SENTRY_DSN")
	if sentryDSN != "" {
		sentryEnv := os.Getenv("SENTRY_ENVIRONMENT")
		if sentryEnv == "" {
			sentryEnv = "development"
		}
		release := version
		if commit != "none" {
			release = version + "-" + commit
		}
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              sentryDSN,
			Environment:      sentryEnv,
			Release:          release,
			EnableTracing:    true,
			TracesSampleRate: 0.1,
		}); err != nil {
			logger.Warn("sentry initialization failed", "error", err)
		} else {
			logger.Info("sentry initialized", "env", sentryEnv, "release", release)
			defer sentry.Flush(2 * time.Second)
		}
	}

	if os.Getenv("ANTHROPIC_API_KEY") == "" {
		logger.Error("ANTHROPIC_API_KEY is not set")
		os.Exit(1)
	}

	if err := config.Load(); err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	defer func() { _ = config.Close() }()

	store, err := memory.Open(context.Background(), config.MemoryDSN())
	if err != nil {
		logger.Error("failed to open conversation memory", "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	wf, cache, err := buildWorkflow(logger, store)
	if err != nil {
		logger.Error("failed to build workflow", "error", err)
		os.Exit(1)
	}
	handlers.Init(wf, store, cache, logger)

	// Metrics server on its own listener.
	var metricsServer *http.Server
	if *metricsAddr != "" {
		listener, err := net.Listen("tcp", *metricsAddr)
		if err != nil {
			logger.Warn("failed to start metrics listener", "error", err)
		} else {
			logger.Info("metrics server listening", "addr", listener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			metricsServer = &http.Server{Handler: mux}
			go func() {
				if err := metricsServer.Serve(listener); err != nil && err != http.ErrServerClosed {
					logger.Error("metrics server error", "error", err)
				}
			}()
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	if sentryDSN != "" {
		r.Use(sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle)
	}
	r.Use(middleware.Recoverer)

	corsOrigins := []string{"*"}
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		corsOrigins = strings.Split(origins, ",")
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if shuttingDown.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("shutting down"))
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := config.DB.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database connection failed: " + err.Error()))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Post("/api/ask", handlers.Ask)
	r.Get("/api/schema", handlers.GetSchema)
	r.Post("/api/schema/refresh", handlers.RefreshSchema)
	r.Get("/api/sessions/{sessionID}/history", handlers.GetHistory)
	r.Delete("/api/sessions/{sessionID}/history", handlers.ClearHistory)

	// MCP (Model Context Protocol) server endpoint
	mcpHandler := handlers.InitMCP()
	r.Handle("/api/mcp", mcpHandler)
	r.Handle("/api/mcp/*", mcpHandler)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("api server starting", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	sig := <-shutdown
	logger.Info("shutting down", "signal", sig.String())
	shuttingDown.Store(true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown error", "error", err)
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(ctx)
	}
}

// buildWorkflow assembles the query-resolution pipeline on the shared
// ClickHouse pool.
func buildWorkflow(logger *slog.Logger, store memory.Store) (*workflow.Workflow, *workflow.SchemaCache, error) {
	model := anthropic.ModelClaudeHaiku4_5
	if m := os.Getenv("ANTHROPIC_MODEL"); m != "" {
		model = anthropic.Model(m)
	}
	llm := workflow.NewAnthropicLLMClient(model, defaultMaxTokens)
	llm.OnRequest = metrics.RecordAnthropicRequest
	llm.OnUsage = metrics.RecordAnthropicTokens

	executor := warehouse.NewExecutor(config.DB, logger)
	executor.Observe = metrics.RecordWarehouseQuery

	cache := workflow.NewSchemaCache(warehouse.NewSchemaFetcher(config.DB, config.Database()))

	prompts, err := workflow.LoadPrompts()
	if err != nil {
		return nil, nil, err
	}

	wf, err := workflow.New(&workflow.Config{
		Logger:   logger,
		LLM:      llm,
		Executor: executor,
		Schema:   cache,
		Memory:   store,
		Prompts:  prompts,
	})
	if err != nil {
		return nil, nil, err
	}
	return wf, cache, nil
}
