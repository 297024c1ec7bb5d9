package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/boddenberg/iou-ledger-go/internal/domain"
	"github.com/boddenberg/iou-ledger-go/internal/infra/memstore"
	"github.com/boddenberg/iou-ledger-go/internal/infra/observability"
	"github.com/boddenberg/iou-ledger-go/internal/infra/resilience"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var fastRetry = resilience.Config{MaxRetries: 3, InitialBackoff: time.Millisecond}

// flakySink fails the first failures appends, then delegates to a memstore.
type flakySink struct {
	*memstore.Store
	mu       sync.Mutex
	failures int
	attempts int
}

func (f *flakySink) AppendNotification(ctx context.Context, n *domain.Notification) error {
	f.mu.Lock()
	f.attempts++
	fail := f.attempts <= f.failures
	f.mu.Unlock()
	if fail {
		return errors.New("sink unavailable")
	}
	return f.Store.AppendNotification(ctx, n)
}

func note(user string) domain.Notification {
	return domain.Notification{
		UserID:    user,
		Type:      domain.NotificationLoanCreated,
		Message:   "You received a loan",
		CreatedAt: time.Now().UTC(),
	}
}

func TestDispatcher_DeliversAndDrainsOnClose(t *testing.T) {
	store := memstore.New()
	metrics := observability.NewMetrics()
	d := NewDispatcher(store, 2, 16, fastRetry, zap.NewNop(), metrics)
	d.Start()

	for i := 0; i < 10; i++ {
		require.NoError(t, d.Dispatch(context.Background(), note("bob")))
	}
	require.NoError(t, d.Close(context.Background()))

	assert.Len(t, store.Notifications(), 10)
	assert.Equal(t, int64(10), metrics.JobsSnapshot().NotificationsSent)
}

func TestDispatcher_RetriesSinkFailures(t *testing.T) {
	sink := &flakySink{Store: memstore.New(), failures: 2}
	d := NewDispatcher(sink, 1, 1, fastRetry, zap.NewNop(), observability.NewMetrics())
	d.Start()

	require.NoError(t, d.Dispatch(context.Background(), note("bob")))
	require.NoError(t, d.Close(context.Background()))

	assert.Len(t, sink.Notifications(), 1)
	assert.Equal(t, 3, sink.attempts)
}

func TestDispatcher_GivesUpAfterRetries(t *testing.T) {
	sink := &flakySink{Store: memstore.New(), failures: 100}
	metrics := observability.NewMetrics()
	d := NewDispatcher(sink, 1, 1, fastRetry, zap.NewNop(), metrics)
	d.Start()

	require.NoError(t, d.Dispatch(context.Background(), note("bob")))
	require.NoError(t, d.Close(context.Background()))

	assert.Empty(t, sink.Notifications())
	assert.Equal(t, int64(1), metrics.JobsSnapshot().NotificationsFailed)
}

func TestDispatcher_RejectsAfterClose(t *testing.T) {
	d := NewDispatcher(memstore.New(), 1, 1, fastRetry, zap.NewNop(), observability.NewMetrics())
	d.Start()
	require.NoError(t, d.Close(context.Background()))

	err := d.Dispatch(context.Background(), note("bob"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDispatcher_FullQueueRejectsWithoutBlocking(t *testing.T) {
	store := memstore.New()
	d := NewDispatcher(store, 1, 1, fastRetry, zap.NewNop(), observability.NewMetrics())

	// No workers yet, so the single slot stays taken.
	require.NoError(t, d.Dispatch(context.Background(), note("bob")))

	done := make(chan error, 1)
	go func() { done <- d.Dispatch(context.Background(), note("alice")) }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrQueueFull)
	case <-time.After(time.Second):
		t.Fatal("Dispatch blocked on a full queue")
	}

	d.Start()
	require.NoError(t, d.Close(context.Background()))
	require.Len(t, store.Notifications(), 1)
	assert.Equal(t, "bob", store.Notifications()[0].UserID)
}

type fakeAck struct {
	acked, nacked, requeued bool
}

func (f *fakeAck) Ack(bool) error { f.acked = true; return nil }
func (f *fakeAck) Nack(_, requeue bool) error {
	f.nacked = true
	f.requeued = requeue
	return nil
}

func TestHandleTask_AckAfterSinkWrite(t *testing.T) {
	store := memstore.New()
	n := note("bob")
	n.ID = "n-1"
	body, err := encodeTask(n)
	require.NoError(t, err)

	ack := &fakeAck{}
	handleTask(context.Background(), body, ack, store, fastRetry, zap.NewNop(), observability.NewMetrics())

	assert.True(t, ack.acked)
	assert.False(t, ack.nacked)
	require.Len(t, store.Notifications(), 1)
	assert.Equal(t, "n-1", store.Notifications()[0].ID)
}

func TestHandleTask_RequeuesOnSinkFailure(t *testing.T) {
	sink := &flakySink{Store: memstore.New(), failures: 100}
	n := note("bob")
	n.ID = "n-1"
	body, err := encodeTask(n)
	require.NoError(t, err)

	ack := &fakeAck{}
	handleTask(context.Background(), body, ack, sink, resilience.Config{}, zap.NewNop(), observability.NewMetrics())

	assert.False(t, ack.acked)
	assert.True(t, ack.nacked)
	assert.True(t, ack.requeued)
}

func TestHandleTask_DropsMalformed(t *testing.T) {
	ack := &fakeAck{}
	handleTask(context.Background(), []byte(`{oops`), ack, memstore.New(), fastRetry, zap.NewNop(), observability.NewMetrics())

	assert.True(t, ack.nacked)
	assert.False(t, ack.requeued)
}
