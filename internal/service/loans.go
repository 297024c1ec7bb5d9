package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/boddenberg/iou-ledger-go/internal/domain"
	"github.com/boddenberg/iou-ledger-go/internal/infra/observability"
	"github.com/boddenberg/iou-ledger-go/internal/port"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultListLimit caps loan and notification listings.
const DefaultListLimit = 200

// LoanConfig tunes the loan lifecycle manager.
type LoanConfig struct {
	SweepConcurrency int
	ListLimit        int
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// LoanService manages loan creation, repayment and the overdue sweep.
type LoanService struct {
	store      port.LoanStore
	sink       port.NotificationSink
	dispatcher port.NotificationDispatcher
	cfg        LoanConfig
	metrics    *observability.Metrics
	logger     *zap.Logger
}

// NewLoanService creates the loan service with all dependencies injected.
func NewLoanService(
	store port.LoanStore,
	sink port.NotificationSink,
	dispatcher port.NotificationDispatcher,
	cfg LoanConfig,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *LoanService {
	if cfg.SweepConcurrency < 1 {
		cfg.SweepConcurrency = 1
	}
	if cfg.ListLimit <= 0 {
		cfg.ListLimit = DefaultListLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &LoanService{
		store:      store,
		sink:       sink,
		dispatcher: dispatcher,
		cfg:        cfg,
		metrics:    metrics,
		logger:     logger,
	}
}

var dueDateLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05", "2006-01-02"}

// ParseDueDate accepts RFC3339, RFC3339 without zone (read as UTC) and plain dates.
func ParseDueDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dueDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, &domain.ErrValidation{Field: "due_date", Message: fmt.Sprintf("unrecognised date %q", s)}
}

func formatAmount(a float64) string {
	return decimal.NewFromFloat(a).StringFixed(2)
}

func formatDue(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func validateCreate(req domain.CreateLoanRequest) error {
	if strings.TrimSpace(req.LenderID) == "" {
		return &domain.ErrValidation{Field: "lender_id", Message: "is required"}
	}
	if strings.TrimSpace(req.BorrowerID) == "" {
		return &domain.ErrValidation{Field: "borrower_id", Message: "is required"}
	}
	if math.IsNaN(req.Amount) || math.IsInf(req.Amount, 0) || req.Amount <= 0 {
		return &domain.ErrValidation{Field: "amount", Message: "must be greater than zero"}
	}
	return nil
}

// Create persists a pending loan and queues a loan_created notification for
// both parties once the insert has returned.
func (s *LoanService) Create(ctx context.Context, req domain.CreateLoanRequest) (*domain.Loan, error) {
	ctx, span := tracer.Start(ctx, "LoanService.Create")
	defer span.End()

	if err := validateCreate(req); err != nil {
		return nil, err
	}
	due, err := ParseDueDate(req.DueDate)
	if err != nil {
		return nil, err
	}

	loan, err := s.store.InsertLoan(ctx, &domain.Loan{
		LenderID:   req.LenderID,
		BorrowerID: req.BorrowerID,
		Amount:     req.Amount,
		DueDate:    due,
		Status:     domain.LoanPending,
		CreatedAt:  s.cfg.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("insert loan: %w", err)
	}
	span.SetAttributes(attribute.String("loan.id", loan.ID))

	s.logger.Info("loan created",
		zap.String("loan_id", loan.ID),
		zap.String("lender_id", loan.LenderID),
		zap.String("borrower_id", loan.BorrowerID),
	)

	amount, dueText := formatAmount(loan.Amount), formatDue(loan.DueDate)
	s.enqueue(ctx, loan, loan.BorrowerID, domain.NotificationLoanCreated,
		fmt.Sprintf("You received a loan of %s due on %s", amount, dueText))
	s.enqueue(ctx, loan, loan.LenderID, domain.NotificationLoanCreated,
		fmt.Sprintf("You lent %s to %s due on %s", amount, loan.BorrowerID, dueText))

	return loan, nil
}

// Repay marks a pending or overdue loan as repaid.
func (s *LoanService) Repay(ctx context.Context, loanID string) (*domain.Loan, error) {
	ctx, span := tracer.Start(ctx, "LoanService.Repay")
	defer span.End()
	span.SetAttributes(attribute.String("loan.id", loanID))

	if strings.TrimSpace(loanID) == "" {
		return nil, &domain.ErrValidation{Field: "loan_id", Message: "is required"}
	}

	now := s.cfg.Now().UTC()
	loan, applied, err := s.store.TransitionLoan(ctx, loanID, domain.LoanTransition{
		From:     []domain.LoanStatus{domain.LoanPending, domain.LoanOverdue},
		To:       domain.LoanRepaid,
		RepaidAt: &now,
	})
	if err != nil {
		if applied {
			s.logger.Error("loan repaid but not read back", zap.String("loan_id", loanID), zap.Error(err))
			s.metrics.IncrNotification(domain.NotificationLoanRepaid, "failed")
		}
		return nil, fmt.Errorf("repay loan: %w", err)
	}
	if !applied {
		current, err := s.store.GetLoan(ctx, loanID)
		if err != nil {
			return nil, err
		}
		return nil, &domain.ErrInvalidState{Resource: "loan", ID: loanID, Status: string(current.Status)}
	}

	s.logger.Info("loan repaid", zap.String("loan_id", loan.ID))
	s.enqueue(ctx, loan, loan.LenderID, domain.NotificationLoanRepaid,
		fmt.Sprintf("Loan from %s to %s has been repaid", loan.LenderID, loan.BorrowerID))

	return loan, nil
}

func (s *LoanService) enqueue(ctx context.Context, loan *domain.Loan, userID string, kind domain.NotificationType, msg string) {
	loanID := loan.ID
	n := domain.Notification{
		UserID:    userID,
		LoanID:    &loanID,
		Type:      kind,
		Message:   msg,
		CreatedAt: s.cfg.Now().UTC(),
	}
	if err := s.dispatcher.Dispatch(ctx, n); err != nil {
		s.logger.Error("failed to enqueue notification",
			zap.String("loan_id", loan.ID),
			zap.String("user_id", userID),
			zap.String("type", string(kind)),
			zap.Error(err),
		)
		s.metrics.IncrNotification(kind, "failed")
	}
}

// Sweep marks every pending loan whose due date is before now as overdue and
// notifies its borrower. A loan is notified only by the sweep whose
// conditional update applied, so concurrent or repeated sweeps never notify
// twice.
func (s *LoanService) Sweep(ctx context.Context, now time.Time, trigger string) (*domain.SweepReport, error) {
	ctx, span := tracer.Start(ctx, "LoanService.Sweep")
	defer span.End()
	span.SetAttributes(attribute.String("sweep.trigger", trigger))

	now = now.UTC()
	report := &domain.SweepReport{Trigger: trigger, StartedAt: s.cfg.Now().UTC()}
	s.metrics.IncrSweep(trigger)

	candidates, err := s.store.ListLoans(ctx, domain.LoanQuery{
		DueBefore:   &now,
		StatusNotIn: []domain.LoanStatus{domain.LoanRepaid, domain.LoanOverdue},
	})
	if err != nil {
		var su *domain.ErrStorageUnavailable
		if !errors.As(err, &su) {
			err = &domain.ErrStorageUnavailable{Op: "list overdue candidates", Err: err}
		}
		s.logger.Error("overdue sweep aborted", zap.String("trigger", trigger), zap.Error(err))
		return nil, err
	}
	report.Scanned = len(candidates)

	var (
		mu       sync.Mutex
		g        errgroup.Group
		firstErr error
	)
	g.SetLimit(s.cfg.SweepConcurrency)

	for _, c := range candidates {
		loanID := c.ID
		g.Go(func() error {
			outcome, err := s.markOverdue(ctx, loanID, now)
			mu.Lock()
			defer mu.Unlock()
			if err != nil && firstErr == nil {
				firstErr = err
			}
			switch outcome {
			case sweepMarked:
				report.MarkedOverdue++
			case sweepMarkedNotifyFailed:
				report.MarkedOverdue++
				report.NotificationFailures++
			case sweepSkipped:
				report.Skipped++
			case sweepFailed:
				report.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	report.FinishedAt = s.cfg.Now().UTC()
	s.metrics.AddLoansOverdue(report.MarkedOverdue)
	s.metrics.RecordRequestDuration("overdue_sweep", report.FinishedAt.Sub(report.StartedAt))

	s.logger.Info("overdue sweep finished",
		zap.String("trigger", trigger),
		zap.Int("scanned", report.Scanned),
		zap.Int("marked_overdue", report.MarkedOverdue),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Int("notification_failures", report.NotificationFailures),
	)

	if report.Failed > 0 {
		var su *domain.ErrStorageUnavailable
		if !errors.As(firstErr, &su) {
			firstErr = &domain.ErrStorageUnavailable{Op: "mark loan overdue", Err: firstErr}
		}
		return report, firstErr
	}
	return report, nil
}

type sweepOutcome int

const (
	sweepMarked sweepOutcome = iota
	sweepMarkedNotifyFailed
	sweepSkipped
	sweepFailed
)

func (s *LoanService) markOverdue(ctx context.Context, loanID string, now time.Time) (sweepOutcome, error) {
	loan, applied, err := s.store.TransitionLoan(ctx, loanID, domain.LoanTransition{
		From:      []domain.LoanStatus{domain.LoanPending},
		To:        domain.LoanOverdue,
		DueBefore: &now,
	})
	switch {
	case err != nil && applied:
		// The status changed but the row could not be read back, so the
		// borrower cannot be addressed.
		s.logger.Error("overdue notification lost", zap.String("loan_id", loanID), zap.Error(err))
		s.metrics.IncrNotification(domain.NotificationLoanOverdue, "failed")
		return sweepMarkedNotifyFailed, nil
	case err != nil:
		s.logger.Error("failed to mark loan overdue", zap.String("loan_id", loanID), zap.Error(err))
		return sweepFailed, err
	case !applied:
		return sweepSkipped, nil
	}

	n := &domain.Notification{
		UserID:    loan.BorrowerID,
		LoanID:    &loan.ID,
		Type:      domain.NotificationLoanOverdue,
		Message:   fmt.Sprintf("Loan of %s is overdue. Due date was %s.", formatAmount(loan.Amount), formatDue(loan.DueDate)),
		CreatedAt: s.cfg.Now().UTC(),
	}
	// Not retried: the loan is already overdue and the next sweep will not
	// select it again.
	if err := s.sink.AppendNotification(ctx, n); err != nil {
		s.logger.Error("overdue notification lost",
			zap.String("loan_id", loan.ID),
			zap.String("user_id", loan.BorrowerID),
			zap.Error(err),
		)
		s.metrics.IncrNotification(domain.NotificationLoanOverdue, "failed")
		return sweepMarkedNotifyFailed, nil
	}
	s.metrics.IncrNotification(domain.NotificationLoanOverdue, "sent")
	return sweepMarked, nil
}

// ListUserLoans returns loans where userID is lender or borrower.
func (s *LoanService) ListUserLoans(ctx context.Context, userID string) ([]domain.Loan, error) {
	ctx, span := tracer.Start(ctx, "LoanService.ListUserLoans")
	defer span.End()

	if strings.TrimSpace(userID) == "" {
		return nil, &domain.ErrValidation{Field: "user_id", Message: "is required"}
	}
	return s.store.ListLoans(ctx, domain.LoanQuery{ParticipantID: userID, Limit: s.cfg.ListLimit})
}

// ListNotifications returns the user's notifications, newest first.
func (s *LoanService) ListNotifications(ctx context.Context, userID string) ([]domain.Notification, error) {
	ctx, span := tracer.Start(ctx, "LoanService.ListNotifications")
	defer span.End()

	if strings.TrimSpace(userID) == "" {
		return nil, &domain.ErrValidation{Field: "user_id", Message: "is required"}
	}
	return s.sink.ListNotifications(ctx, userID, s.cfg.ListLimit)
}

func (s *LoanService) MarkNotificationRead(ctx context.Context, notificationID string) error {
	if strings.TrimSpace(notificationID) == "" {
		return &domain.ErrValidation{Field: "notification_id", Message: "is required"}
	}
	return s.sink.MarkNotificationRead(ctx, notificationID)
}
