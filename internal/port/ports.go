// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the domain/service
// layer from concrete implementations.
package port

import (
	"context"
	"time"

	"github.com/boddenberg/iou-ledger-go/internal/domain"
)

// LedgerReader is the read-only window into the transaction ledger.
type LedgerReader interface {
	// ListExpenses returns the user's expense records with from <= date <= to,
	// ordered by date ascending.
	ListExpenses(ctx context.Context, userID string, from, to time.Time) ([]domain.ExpenseRecord, error)
}

// LoanStore persists loans. TransitionLoan is the only mutation path after insert.
type LoanStore interface {
	InsertLoan(ctx context.Context, loan *domain.Loan) (*domain.Loan, error)
	GetLoan(ctx context.Context, loanID string) (*domain.Loan, error)
	ListLoans(ctx context.Context, q domain.LoanQuery) ([]domain.Loan, error)

	// TransitionLoan applies t atomically. It returns the updated loan and
	// true when the guard matched, or (nil, false, nil) when it did not
	// (including when the loan does not exist).
	TransitionLoan(ctx context.Context, loanID string, t domain.LoanTransition) (*domain.Loan, bool, error)
}

// NotificationSink stores notifications.
type NotificationSink interface {
	AppendNotification(ctx context.Context, n *domain.Notification) error
	ListNotifications(ctx context.Context, userID string, limit int) ([]domain.Notification, error)
	MarkNotificationRead(ctx context.Context, notificationID string) error
}

// NotificationDispatcher hands a notification to background delivery.
// Dispatch must not block on the sink write.
type NotificationDispatcher interface {
	Dispatch(ctx context.Context, n domain.Notification) error
}

// TextGenerator is the external generative text service.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Suggester produces savings advice text for an analysis.
type Suggester interface {
	Suggest(ctx context.Context, in domain.SuggestionInput) (string, error)
}

// Cache provides generic caching with TTL.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, value T)
	Delete(key string)
}

// Store is everything the service needs from one persistence backend.
type Store interface {
	LedgerReader
	LoanStore
	NotificationSink
	Ping(ctx context.Context) error
	Close() error
}
