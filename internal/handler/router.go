package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/boddenberg/iou-ledger-go/internal/domain"
	"github.com/boddenberg/iou-ledger-go/internal/infra/observability"
	"github.com/boddenberg/iou-ledger-go/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("handler")

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SweepTrigger runs an overdue sweep on demand.
type SweepTrigger interface {
	TriggerNow(ctx context.Context) (*domain.SweepReport, error)
}

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(
	savings *service.SavingsService,
	loans *service.LoanService,
	sweeps SweepTrigger,
	store Pinger,
	metrics *observability.Metrics,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler(store))
	r.Get("/readyz", readyzHandler())
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	// --- API v1 ---
	r.Route("/v1", func(r chi.Router) {

		// =============================================
		// 1. Savings analysis
		// GET /v1/savings/{userId}/analysis?days=
		// GET /v1/savings/{userId}/summary?days=
		// =============================================
		r.Get("/savings/{userId}/analysis", analysisHandler(savings, logger))
		r.Get("/savings/{userId}/summary", summaryHandler(savings, logger))

		// =============================================
		// 2. Loans
		// =============================================
		r.Post("/loans", createLoanHandler(loans, logger))
		r.Post("/loans/repay", repayLoanByBodyHandler(loans, logger))
		r.Post("/loans/{loanId}/repay", repayLoanHandler(loans, logger))
		r.Post("/loans/check-overdue", checkOverdueHandler(sweeps, logger))
		r.Get("/users/{userId}/loans", listUserLoansHandler(loans, logger))

		// =============================================
		// 3. Notifications
		// =============================================
		r.Get("/users/{userId}/notifications", listNotificationsHandler(loans, logger))
		r.Post("/notifications/{notificationId}/read", markNotificationReadHandler(loans, logger))

		// =============================================
		// 4. Job metrics
		// GET /v1/metrics/jobs
		// =============================================
		r.Get("/metrics/jobs", jobMetricsHandler(metrics))
	})

	return r
}

// ============================================================
// Operational handlers
// ============================================================

func healthzHandler(store Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		now := time.Now().Format(time.RFC3339)

		services := []domain.ServiceHealth{
			{Name: "iou-ledger", Status: "healthy", LatencyMs: 0, LastChecked: now},
		}

		if store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()

			start := time.Now()
			err := store.Ping(ctx)
			status := "healthy"
			if err != nil {
				status = "degraded"
			}
			services = append(services, domain.ServiceHealth{
				Name: "store", Status: status, LatencyMs: time.Since(start).Milliseconds(), LastChecked: now,
			})
		}

		overallStatus := "healthy"
		for _, s := range services {
			if s.Status == "unhealthy" {
				overallStatus = "unhealthy"
				break
			}
			if s.Status == "degraded" {
				overallStatus = "degraded"
			}
		}

		writeJSON(w, http.StatusOK, domain.HealthStatus{
			Status:   overallStatus,
			Services: services,
		})
	}
}

func readyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func jobMetricsHandler(metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, metrics.JobsSnapshot())
	}
}
