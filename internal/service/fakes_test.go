package service_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/boddenberg/iou-ledger-go/internal/domain"
	"github.com/boddenberg/iou-ledger-go/internal/port"
)

// --- Fakes ---

// syncDispatcher delivers straight to the sink so tests can assert on it.
type syncDispatcher struct {
	sink port.NotificationSink
	err  error
}

func (d *syncDispatcher) Dispatch(ctx context.Context, n domain.Notification) error {
	if d.err != nil {
		return d.err
	}
	return d.sink.AppendNotification(ctx, &n)
}

type fakeGenerator struct {
	text  string
	err   error
	calls int32
	// block, when set, makes Generate wait on it and ignore ctx.
	block chan struct{}
	// panic, when set, makes Generate panic with it.
	panic string
}

func (g *fakeGenerator) Generate(_ context.Context, _ string) (string, error) {
	atomic.AddInt32(&g.calls, 1)
	if g.block != nil {
		<-g.block
	}
	if g.panic != "" {
		panic(g.panic)
	}
	return g.text, g.err
}

func (g *fakeGenerator) Calls() int { return int(atomic.LoadInt32(&g.calls)) }

type failingLedger struct{ err error }

func (l *failingLedger) ListExpenses(context.Context, string, time.Time, time.Time) ([]domain.ExpenseRecord, error) {
	return nil, l.err
}

type panickingLedger struct{}

func (panickingLedger) ListExpenses(context.Context, string, time.Time, time.Time) ([]domain.ExpenseRecord, error) {
	panic("ledger exploded")
}

// listFailStore wraps a LoanStore and fails ListLoans.
type listFailStore struct {
	port.LoanStore
}

func (s *listFailStore) ListLoans(context.Context, domain.LoanQuery) ([]domain.Loan, error) {
	return nil, errors.New("connection reset")
}

// transitionFailStore fails every TransitionLoan. When applied is set the
// underlying update still runs and only the read-back fails.
type transitionFailStore struct {
	port.LoanStore
	err     error
	applied bool
}

func (s *transitionFailStore) TransitionLoan(ctx context.Context, id string, t domain.LoanTransition) (*domain.Loan, bool, error) {
	if !s.applied {
		return nil, false, s.err
	}
	_, ok, err := s.LoanStore.TransitionLoan(ctx, id, t)
	if err != nil || !ok {
		return nil, ok, err
	}
	return nil, true, s.err
}

// countingStore records how many TransitionLoan calls applied.
type countingStore struct {
	port.LoanStore
	mu      sync.Mutex
	applied map[string]int
}

func (s *countingStore) TransitionLoan(ctx context.Context, id string, t domain.LoanTransition) (*domain.Loan, bool, error) {
	l, ok, err := s.LoanStore.TransitionLoan(ctx, id, t)
	if ok {
		s.mu.Lock()
		s.applied[id]++
		s.mu.Unlock()
	}
	return l, ok, err
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
