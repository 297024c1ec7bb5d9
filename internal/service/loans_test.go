package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/boddenberg/iou-ledger-go/internal/domain"
	"github.com/boddenberg/iou-ledger-go/internal/infra/memstore"
	"github.com/boddenberg/iou-ledger-go/internal/infra/observability"
	"github.com/boddenberg/iou-ledger-go/internal/port"
	"github.com/boddenberg/iou-ledger-go/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var loanNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func newLoans(store port.LoanStore, sink port.NotificationSink, dispatcher port.NotificationDispatcher) (*service.LoanService, *observability.Metrics) {
	metrics := observability.NewMetrics()
	svc := service.NewLoanService(store, sink, dispatcher,
		service.LoanConfig{SweepConcurrency: 4, Now: fixedClock(loanNow)},
		metrics, zap.NewNop())
	return svc, metrics
}

func newMemLoans() (*service.LoanService, *memstore.Store, *observability.Metrics) {
	store := memstore.New()
	svc, metrics := newLoans(store, store, &syncDispatcher{sink: store})
	return svc, store, metrics
}

func createLoan(t *testing.T, svc *service.LoanService, due string) *domain.Loan {
	t.Helper()
	l, err := svc.Create(context.Background(), domain.CreateLoanRequest{
		LenderID: "alice", BorrowerID: "bob", Amount: 50, DueDate: due,
	})
	require.NoError(t, err)
	return l
}

func byType(ns []domain.Notification, kind domain.NotificationType) []domain.Notification {
	out := make([]domain.Notification, 0)
	for _, n := range ns {
		if n.Type == kind {
			out = append(out, n)
		}
	}
	return out
}

func TestParseDueDate(t *testing.T) {
	want := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	for _, in := range []string{"2024-03-15", "2024-03-15T00:00:00", "2024-03-15T00:00:00Z", "2024-03-15T02:00:00+02:00"} {
		got, err := service.ParseDueDate(in)
		require.NoError(t, err, in)
		assert.True(t, want.Equal(got), in)
	}

	_, err := service.ParseDueDate("next tuesday")
	var ve *domain.ErrValidation
	assert.True(t, errors.As(err, &ve))
}

func TestCreate_PendingAndNotifiesBothParties(t *testing.T) {
	svc, store, _ := newMemLoans()

	l := createLoan(t, svc, "2024-03-15")
	assert.NotEmpty(t, l.ID)
	assert.Equal(t, domain.LoanPending, l.Status)
	assert.True(t, loanNow.Equal(l.CreatedAt))

	ns := store.Notifications()
	require.Len(t, ns, 2)
	messages := map[string]string{}
	for _, n := range ns {
		assert.Equal(t, domain.NotificationLoanCreated, n.Type)
		require.NotNil(t, n.LoanID)
		assert.Equal(t, l.ID, *n.LoanID)
		messages[n.UserID] = n.Message
	}
	assert.Equal(t, "You received a loan of 50.00 due on 2024-03-15", messages["bob"])
	assert.Equal(t, "You lent 50.00 to bob due on 2024-03-15", messages["alice"])
}

func TestCreate_Validation(t *testing.T) {
	svc, store, _ := newMemLoans()

	cases := map[string]domain.CreateLoanRequest{
		"zero amount":     {LenderID: "a", BorrowerID: "b", Amount: 0, DueDate: "2024-03-15"},
		"negative amount": {LenderID: "a", BorrowerID: "b", Amount: -5, DueDate: "2024-03-15"},
		"no lender":       {BorrowerID: "b", Amount: 5, DueDate: "2024-03-15"},
		"no borrower":     {LenderID: "a", Amount: 5, DueDate: "2024-03-15"},
		"bad date":        {LenderID: "a", BorrowerID: "b", Amount: 5, DueDate: "15/03/2024"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), req)
			var ve *domain.ErrValidation
			assert.True(t, errors.As(err, &ve))
		})
	}

	loans, err := store.ListLoans(context.Background(), domain.LoanQuery{})
	require.NoError(t, err)
	assert.Empty(t, loans)
	assert.Empty(t, store.Notifications())
}

func TestCreate_DispatchFailureDoesNotFailCreate(t *testing.T) {
	store := memstore.New()
	svc, metrics := newLoans(store, store, &syncDispatcher{sink: store, err: errors.New("queue full")})

	l := createLoan(t, svc, "2024-03-15")
	assert.NotEmpty(t, l.ID)
	assert.Equal(t, int64(2), metrics.JobsSnapshot().NotificationsFailed)
}

func TestRepay(t *testing.T) {
	svc, store, _ := newMemLoans()
	l := createLoan(t, svc, "2024-03-15")

	repaid, err := svc.Repay(context.Background(), l.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LoanRepaid, repaid.Status)
	require.NotNil(t, repaid.RepaidAt)
	assert.True(t, loanNow.Equal(*repaid.RepaidAt))

	ns := byType(store.Notifications(), domain.NotificationLoanRepaid)
	require.Len(t, ns, 1)
	assert.Equal(t, "alice", ns[0].UserID)
	assert.Equal(t, "Loan from alice to bob has been repaid", ns[0].Message)

	// Second repay is rejected and changes nothing.
	_, err = svc.Repay(context.Background(), l.ID)
	var is *domain.ErrInvalidState
	require.True(t, errors.As(err, &is))
	assert.Equal(t, "repaid", is.Status)
	assert.Len(t, byType(store.Notifications(), domain.NotificationLoanRepaid), 1)
}

func TestRepay_UnknownLoan(t *testing.T) {
	svc, _, _ := newMemLoans()

	_, err := svc.Repay(context.Background(), "missing")
	var nf *domain.ErrNotFound
	assert.True(t, errors.As(err, &nf))

	_, err = svc.Repay(context.Background(), "")
	var ve *domain.ErrValidation
	assert.True(t, errors.As(err, &ve))
}

func TestRepay_OverdueLoan(t *testing.T) {
	svc, _, _ := newMemLoans()
	l := createLoan(t, svc, "2024-03-01")

	_, err := svc.Sweep(context.Background(), loanNow, domain.TriggerManual)
	require.NoError(t, err)

	repaid, err := svc.Repay(context.Background(), l.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LoanRepaid, repaid.Status)
}

func TestSweep_MarksOverdueOnce(t *testing.T) {
	svc, store, metrics := newMemLoans()
	due := createLoan(t, svc, "2024-03-09")
	notYet := createLoan(t, svc, "2024-03-11")
	paid := createLoan(t, svc, "2024-03-01")
	_, err := svc.Repay(context.Background(), paid.ID)
	require.NoError(t, err)

	report, err := svc.Sweep(context.Background(), loanNow, domain.TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.MarkedOverdue)
	assert.Equal(t, 0, report.NotificationFailures)
	assert.Equal(t, domain.TriggerScheduled, report.Trigger)

	got, err := store.GetLoan(context.Background(), due.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LoanOverdue, got.Status)

	got, err = store.GetLoan(context.Background(), notYet.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LoanPending, got.Status)

	overdue := byType(store.Notifications(), domain.NotificationLoanOverdue)
	require.Len(t, overdue, 1)
	assert.Equal(t, "bob", overdue[0].UserID)
	assert.Equal(t, "Loan of 50.00 is overdue. Due date was 2024-03-09.", overdue[0].Message)

	// Re-running the sweep writes nothing.
	report, err = svc.Sweep(context.Background(), loanNow, domain.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Scanned)
	assert.Equal(t, 0, report.MarkedOverdue)
	assert.Len(t, byType(store.Notifications(), domain.NotificationLoanOverdue), 1)

	snap := metrics.JobsSnapshot()
	assert.Equal(t, int64(1), snap.SweepsScheduled)
	assert.Equal(t, int64(1), snap.SweepsManual)
	assert.Equal(t, int64(1), snap.LoansMarkedOverdue)
}

func TestSweep_ConcurrentSweepsNotifyOncePerLoan(t *testing.T) {
	store := memstore.New()
	counting := &countingStore{LoanStore: store, applied: map[string]int{}}
	svc, _ := newLoans(counting, store, &syncDispatcher{sink: store})

	const loans = 25
	for i := 0; i < loans; i++ {
		_, err := svc.Create(context.Background(), domain.CreateLoanRequest{
			LenderID: "alice", BorrowerID: fmt.Sprintf("b%d", i), Amount: 10, DueDate: "2024-03-01",
		})
		require.NoError(t, err)
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		marked int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			report, err := svc.Sweep(context.Background(), loanNow, domain.TriggerManual)
			if assert.NoError(t, err) {
				mu.Lock()
				marked += report.MarkedOverdue
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, loans, marked)
	assert.Len(t, byType(store.Notifications(), domain.NotificationLoanOverdue), loans)
	for id, n := range counting.applied {
		assert.Equal(t, 1, n, "loan %s transitioned more than once", id)
	}
}

func TestSweep_NotificationFailureLeavesLoanOverdue(t *testing.T) {
	svc, store, metrics := newMemLoans()
	l := createLoan(t, svc, "2024-03-01")

	store.FailNotifications = errors.New("sink down")
	report, err := svc.Sweep(context.Background(), loanNow, domain.TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, 1, report.MarkedOverdue)
	assert.Equal(t, 1, report.NotificationFailures)
	assert.Equal(t, int64(1), metrics.JobsSnapshot().NotificationsFailed)

	got, err := store.GetLoan(context.Background(), l.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LoanOverdue, got.Status)

	// The lost notification is not re-sent by later sweeps.
	store.FailNotifications = nil
	report, err = svc.Sweep(context.Background(), loanNow, domain.TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, 0, report.MarkedOverdue)
	assert.Empty(t, byType(store.Notifications(), domain.NotificationLoanOverdue))
}

func TestSweep_ListFailureAborts(t *testing.T) {
	store := memstore.New()
	svc, _ := newLoans(&listFailStore{LoanStore: store}, store, &syncDispatcher{sink: store})

	_, err := svc.Sweep(context.Background(), loanNow, domain.TriggerManual)
	var su *domain.ErrStorageUnavailable
	require.True(t, errors.As(err, &su))
	assert.Empty(t, store.Notifications())
}

func TestSweep_TransitionFailureIsRetryable(t *testing.T) {
	store := memstore.New()
	svc, _ := newLoans(store, store, &syncDispatcher{sink: store})
	l := createLoan(t, svc, "2024-03-01")

	failing := &transitionFailStore{LoanStore: store, err: &domain.ErrStorageUnavailable{Op: "transition loan", Err: errors.New("database is locked")}}
	svc, _ = newLoans(failing, store, &syncDispatcher{sink: store})

	report, err := svc.Sweep(context.Background(), loanNow, domain.TriggerManual)
	var su *domain.ErrStorageUnavailable
	require.True(t, errors.As(err, &su))
	require.NotNil(t, report)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 0, report.MarkedOverdue)

	got, err := store.GetLoan(context.Background(), l.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LoanPending, got.Status)
	assert.Empty(t, byType(store.Notifications(), domain.NotificationLoanOverdue))
}

func TestSweep_TransitionFailureWithPlainErrorIsWrapped(t *testing.T) {
	store := memstore.New()
	svc, _ := newLoans(store, store, &syncDispatcher{sink: store})
	createLoan(t, svc, "2024-03-01")

	svc, _ = newLoans(&transitionFailStore{LoanStore: store, err: errors.New("boom")}, store, &syncDispatcher{sink: store})
	_, err := svc.Sweep(context.Background(), loanNow, domain.TriggerScheduled)
	var su *domain.ErrStorageUnavailable
	assert.True(t, errors.As(err, &su))
}

func TestSweep_ReadBackFailureCountsAsLostNotification(t *testing.T) {
	store := memstore.New()
	svc, _ := newLoans(store, store, &syncDispatcher{sink: store})
	l := createLoan(t, svc, "2024-03-01")

	readBack := &transitionFailStore{LoanStore: store, err: errors.New("row vanished"), applied: true}
	svc, metrics := newLoans(readBack, store, &syncDispatcher{sink: store})

	report, err := svc.Sweep(context.Background(), loanNow, domain.TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, 1, report.MarkedOverdue)
	assert.Equal(t, 1, report.NotificationFailures)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, int64(1), metrics.JobsSnapshot().NotificationsFailed)

	got, err := store.GetLoan(context.Background(), l.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LoanOverdue, got.Status)
}

func TestListing(t *testing.T) {
	svc, store, _ := newMemLoans()
	createLoan(t, svc, "2024-03-15")
	createLoan(t, svc, "2024-03-16")

	loans, err := svc.ListUserLoans(context.Background(), "bob")
	require.NoError(t, err)
	assert.Len(t, loans, 2)

	loans, err = svc.ListUserLoans(context.Background(), "carol")
	require.NoError(t, err)
	assert.Empty(t, loans)

	ns, err := svc.ListNotifications(context.Background(), "bob")
	require.NoError(t, err)
	require.Len(t, ns, 2)

	require.NoError(t, svc.MarkNotificationRead(context.Background(), ns[0].ID))
	for _, n := range store.Notifications() {
		if n.ID == ns[0].ID {
			assert.True(t, n.Read)
		}
	}

	err = svc.MarkNotificationRead(context.Background(), "missing")
	var nf *domain.ErrNotFound
	assert.True(t, errors.As(err, &nf))
}
