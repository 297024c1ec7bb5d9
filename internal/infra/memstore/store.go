// Package memstore is an in-process implementation of every persistence port.
// It backs local development (STORE_BACKEND=memory) and service tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/boddenberg/iou-ledger-go/internal/domain"

	"github.com/google/uuid"
)

type transaction struct {
	userID  string
	kind    string // income, expense
	expense domain.ExpenseRecord
}

// Store implements port.Store with maps guarded by one mutex.
type Store struct {
	mu sync.RWMutex

	transactions  []transaction
	loans         map[string]*domain.Loan
	notifications map[string]*domain.Notification

	// FailNotifications, when set, is returned by AppendNotification.
	FailNotifications error
}

// New creates an empty store.
func New() *Store {
	return &Store{
		loans:         make(map[string]*domain.Loan),
		notifications: make(map[string]*domain.Notification),
	}
}

func (s *Store) Ping(context.Context) error { return nil }
func (s *Store) Close() error               { return nil }

// ============================================================
// Ledger
// ============================================================

// AddTransaction records a raw ledger transaction. kind is "income" or "expense".
func (s *Store) AddTransaction(userID, kind string, rec domain.ExpenseRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transactions = append(s.transactions, transaction{userID: userID, kind: kind, expense: rec})
}

func (s *Store) ListExpenses(_ context.Context, userID string, from, to time.Time) ([]domain.ExpenseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.ExpenseRecord, 0)
	for _, t := range s.transactions {
		if t.userID != userID || t.kind != "expense" {
			continue
		}
		if t.expense.Date.Before(from) || t.expense.Date.After(to) {
			continue
		}
		out = append(out, t.expense)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// ============================================================
// Loans
// ============================================================

func (s *Store) InsertLoan(_ context.Context, loan *domain.Loan) (*domain.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *loan
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	s.loans[cp.ID] = &cp

	out := cp
	return &out, nil
}

func (s *Store) GetLoan(_ context.Context, loanID string) (*domain.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.loans[loanID]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "loan", ID: loanID}
	}
	out := *l
	return &out, nil
}

func (s *Store) ListLoans(_ context.Context, q domain.LoanQuery) ([]domain.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Loan, 0)
	for _, l := range s.loans {
		if matches(l, q) {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func matches(l *domain.Loan, q domain.LoanQuery) bool {
	if q.ParticipantID != "" && l.LenderID != q.ParticipantID && l.BorrowerID != q.ParticipantID {
		return false
	}
	if q.DueBefore != nil && !l.DueDate.Before(*q.DueBefore) {
		return false
	}
	for _, s := range q.StatusNotIn {
		if l.Status == s {
			return false
		}
	}
	return true
}

// TransitionLoan evaluates the guard and applies the update under the write
// lock, which makes it a compare-and-set.
func (s *Store) TransitionLoan(_ context.Context, loanID string, t domain.LoanTransition) (*domain.Loan, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.loans[loanID]
	if !ok || !t.Allows(l) {
		return nil, false, nil
	}

	l.Status = t.To
	if t.RepaidAt != nil {
		at := *t.RepaidAt
		l.RepaidAt = &at
	}
	out := *l
	return &out, true, nil
}

// ============================================================
// Notifications
// ============================================================

func (s *Store) AppendNotification(_ context.Context, n *domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailNotifications != nil {
		return s.FailNotifications
	}
	cp := *n
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if _, dup := s.notifications[cp.ID]; !dup {
		s.notifications[cp.ID] = &cp
	}
	n.ID = cp.ID
	return nil
}

func (s *Store) ListNotifications(_ context.Context, userID string, limit int) ([]domain.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Notification, 0)
	for _, n := range s.notifications {
		if n.UserID == userID {
			out = append(out, *n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkNotificationRead(_ context.Context, notificationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[notificationID]
	if !ok {
		return &domain.ErrNotFound{Resource: "notification", ID: notificationID}
	}
	n.Read = true
	return nil
}

// Notifications returns every stored notification, for assertions in tests.
func (s *Store) Notifications() []domain.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Notification, 0, len(s.notifications))
	for _, n := range s.notifications {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
