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

	"github.com/boddenberg/iou-ledger-go/internal/config"
	"github.com/boddenberg/iou-ledger-go/internal/handler"
	"github.com/boddenberg/iou-ledger-go/internal/infra/cache"
	"github.com/boddenberg/iou-ledger-go/internal/infra/client"
	"github.com/boddenberg/iou-ledger-go/internal/infra/memstore"
	"github.com/boddenberg/iou-ledger-go/internal/infra/notify"
	"github.com/boddenberg/iou-ledger-go/internal/infra/observability"
	"github.com/boddenberg/iou-ledger-go/internal/infra/resilience"
	"github.com/boddenberg/iou-ledger-go/internal/infra/sqlstore"
	"github.com/boddenberg/iou-ledger-go/internal/infra/supabase"
	"github.com/boddenberg/iou-ledger-go/internal/port"
	"github.com/boddenberg/iou-ledger-go/internal/scheduler"
	"github.com/boddenberg/iou-ledger-go/internal/service"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	// --- Load .env file (for local development) ---
	if err := config.LoadDotEnv(".env"); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}

	// --- Config ---
	cfg := config.Load()

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel, "iou-ledger")
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.String("store_backend", cfg.StoreBackend),
		zap.String("notify_backend", cfg.NotifyBackend),
		zap.String("sweep_cron", cfg.SweepCron),
		zap.Bool("gemini_configured", cfg.GeminiAPIKey != ""),
		zap.Duration("suggestion_timeout", cfg.SuggestionTimeout),
		zap.Duration("http_timeout", cfg.HTTPTimeout),
		zap.Int("max_retries", cfg.MaxRetries),
	)

	// --- Tracing ---
	shutdownTracer, err := observability.InitTracer(cfg.OTLPEndpoint, "iou-ledger")
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer shutdownTracer(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Resilience ---
	resilienceCfg := resilience.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxConcurrency: cfg.MaxConcurrency,
	}
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	// --- Store ---
	store, err := openStore(cfg, httpClient, resilienceCfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	// --- Suggestions ---
	suggestionCache := cache.New[string](cfg.SuggestionCacheTTL)
	defer suggestionCache.Close()

	var primary port.Suggester
	if cfg.GeminiAPIKey != "" {
		gemini := client.NewGeminiClient(
			httpClient,
			cfg.GeminiBaseURL,
			cfg.GeminiAPIKey,
			cfg.GeminiModel,
			resilience.NewCircuitBreaker("gemini", nil),
			resilience.NewBulkhead(cfg.MaxConcurrency),
		)
		primary = service.NewRemoteSuggester(gemini, suggestionCache, cfg.SuggestionTimeout, metrics)
	} else {
		logger.Warn("GEMINI_API_KEY not set, suggestions use the template fallback")
	}
	suggestions := service.NewSuggestionService(primary, metrics, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	// --- Notifications ---
	var (
		dispatcher    port.NotificationDispatcher
		closeNotifier func(context.Context) error
	)
	switch cfg.NotifyBackend {
	case config.NotifyRabbitMQ:
		amqp, err := notify.NewAMQPDispatcher(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, store, resilienceCfg, logger, metrics)
		if err != nil {
			return fmt.Errorf("connect rabbitmq: %w", err)
		}
		g.Go(func() error {
			if err := amqp.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("notification consumer: %w", err)
			}
			return nil
		})
		dispatcher = amqp
		closeNotifier = func(context.Context) error { return amqp.Close() }
	default:
		inproc := notify.NewDispatcher(store, cfg.NotifyWorkers, cfg.NotifyQueueSize, resilienceCfg, logger, metrics)
		inproc.Start()
		dispatcher = inproc
		closeNotifier = inproc.Close
	}

	// --- Services ---
	savingsSvc := service.NewSavingsService(
		store,
		suggestions,
		service.SavingsConfig{MinWindowDays: cfg.MinWindowDays, MaxWindowDays: cfg.MaxWindowDays},
		metrics,
		logger,
	)
	loanSvc := service.NewLoanService(
		store,
		store,
		dispatcher,
		service.LoanConfig{SweepConcurrency: cfg.SweepConcurrency},
		metrics,
		logger,
	)

	// --- Scheduler ---
	sweeps, err := scheduler.New(loanSvc, cfg.SweepCron, logger)
	if err != nil {
		return err
	}
	sweeps.Start()

	// --- Router ---
	router := handler.NewRouter(savingsSvc, loanSvc, sweeps, store, metrics, logger)

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	// --- Graceful shutdown ---
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("server shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
		if err := sweeps.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
		}
		if err := closeNotifier(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("close notifications: %w", err))
		}
		return errors.Join(errs...)
	})

	err = g.Wait()
	logger.Info("server stopped")
	return err
}

func openStore(cfg *config.Config, httpClient *http.Client, rcfg resilience.Config, logger *zap.Logger) (port.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreSQLite:
		s, err := sqlstore.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		logger.Info("using SQLite store", zap.String("path", cfg.SQLitePath))
		return s, nil
	case config.StoreSupabase:
		if cfg.SupabaseURL == "" {
			return nil, errors.New("STORE_BACKEND=supabase requires SUPABASE_URL")
		}
		logger.Info("using Supabase store", zap.String("supabase_url", cfg.SupabaseURL))
		return supabase.NewClient(
			httpClient,
			cfg.SupabaseURL,
			cfg.SupabaseAnonKey,
			cfg.SupabaseServiceKey,
			resilience.NewCircuitBreaker("supabase", supabase.IgnoreNotFound),
			rcfg,
			logger,
		), nil
	case config.StoreMemory, "":
		logger.Warn("using in-memory store, data is lost on restart")
		return memstore.New(), nil
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}
}
