package handler

import (
	"net/http"

	"github.com/boddenberg/iou-ledger-go/internal/service"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// defaultDays is the analysis window when ?days= is omitted.
const defaultDays = 30

// analysisHandler serves the full savings analysis. A failed analysis still
// carries a body; its status is 503 when the failure is retryable and 200
// otherwise.
func analysisHandler(svc *service.SavingsService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/savings/{userId}/analysis")
		defer span.End()

		userID := chi.URLParam(r, "userId")
		span.SetAttributes(attribute.String("user.id", userID))

		days, err := parseDays(r, defaultDays)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		res, err := svc.Analyze(ctx, userID, days)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		writeJSON(w, analysisStatus(w, res.Error, res.Retryable), res)
	}
}

func summaryHandler(svc *service.SavingsService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/savings/{userId}/summary")
		defer span.End()

		days, err := parseDays(r, defaultDays)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		sum, err := svc.Summary(ctx, chi.URLParam(r, "userId"), days)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, analysisStatus(w, sum.Error, sum.Retryable), sum)
	}
}

func analysisStatus(w http.ResponseWriter, errMsg string, retryable bool) int {
	if errMsg != "" && retryable {
		setRetryAfter(w)
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}
