package handler

import (
	"net/http"

	"github.com/boddenberg/iou-ledger-go/internal/domain"
	"github.com/boddenberg/iou-ledger-go/internal/service"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ============================================================
// Loans
// ============================================================

func createLoanHandler(svc *service.LoanService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/loans")
		defer span.End()

		var req domain.CreateLoanRequest
		if err := decodeBody(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}

		loan, err := svc.Create(ctx, req)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		span.SetAttributes(attribute.String("loan.id", loan.ID))
		writeJSON(w, http.StatusCreated, loan)
	}
}

func repayLoanHandler(svc *service.LoanService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/loans/{loanId}/repay")
		defer span.End()

		loan, err := svc.Repay(ctx, chi.URLParam(r, "loanId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, loan)
	}
}

// repayLoanByBodyHandler accepts {"loan_id": "..."}.
func repayLoanByBodyHandler(svc *service.LoanService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/loans/repay")
		defer span.End()

		var req domain.RepayLoanRequest
		if err := decodeBody(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}

		loan, err := svc.Repay(ctx, req.LoanID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, loan)
	}
}

func checkOverdueHandler(sweeps SweepTrigger, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/loans/check-overdue")
		defer span.End()

		report, err := sweeps.TriggerNow(ctx)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		span.SetAttributes(attribute.Int("sweep.marked_overdue", report.MarkedOverdue))
		writeJSON(w, http.StatusOK, report)
	}
}

func listUserLoansHandler(svc *service.LoanService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/users/{userId}/loans")
		defer span.End()

		loans, err := svc.ListUserLoans(ctx, chi.URLParam(r, "userId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		if loans == nil {
			loans = []domain.Loan{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"loans": loans, "total": len(loans)})
	}
}

// ============================================================
// Notifications
// ============================================================

func listNotificationsHandler(svc *service.LoanService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/users/{userId}/notifications")
		defer span.End()

		items, err := svc.ListNotifications(ctx, chi.URLParam(r, "userId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		if items == nil {
			items = []domain.Notification{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"notifications": items, "total": len(items)})
	}
}

func markNotificationReadHandler(svc *service.LoanService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/notifications/{notificationId}/read")
		defer span.End()

		id := chi.URLParam(r, "notificationId")
		if err := svc.MarkNotificationRead(ctx, id); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, domain.SuccessResponse{Message: "notification marked as read", ID: id})
	}
}
