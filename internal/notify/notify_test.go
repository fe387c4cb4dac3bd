package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/taskpay/internal/metrics"
)

type recordingSink struct {
	name string
	err  error

	mu   sync.Mutex
	sent []Notification
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Send(_ context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, n)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func startDispatcher(t *testing.T, sinks ...Sink) *Dispatcher {
	t.Helper()
	d := NewDispatcher(sinks...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return d
}

func TestDispatcher_FansOutToEverySink(t *testing.T) {
	a := &recordingSink{name: "a"}
	b := &recordingSink{name: "b"}
	d := startDispatcher(t, a, b)

	d.Notify(context.Background(), Notification{
		UserID: "u1", Kind: KindWalletFunded, Reference: "chk_1", Amount: decimal.NewFromInt(10), Currency: "USD",
	})

	assert.Eventually(t, func() bool { return a.count() == 1 && b.count() == 1 }, time.Second, 5*time.Millisecond)
	a.mu.Lock()
	got := a.sent[0]
	a.mu.Unlock()
	assert.NotEmpty(t, got.ID)
	assert.False(t, got.CreatedAt.IsZero())
	assert.Equal(t, "chk_1", got.Reference)
}

func TestDispatcher_SinkFailureIsCountedNotPropagated(t *testing.T) {
	failing := &recordingSink{name: "failing-test-sink", err: errors.New("broker down")}
	ok := &recordingSink{name: "ok"}
	d := startDispatcher(t, failing, ok)
	before := testutil.ToFloat64(metrics.NotificationsDroppedTotal.WithLabelValues("failing-test-sink"))

	d.Notify(context.Background(), Notification{UserID: "u1", Kind: KindWithdrawalFailed})

	assert.Eventually(t, func() bool { return ok.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.NotificationsDroppedTotal.WithLabelValues("failing-test-sink")) == before+1
	}, time.Second, 5*time.Millisecond)
}

func TestDispatcher_DrainsOnShutdown(t *testing.T) {
	s := &recordingSink{name: "s"}
	d := NewDispatcher(s)
	for i := 0; i < 5; i++ {
		d.Notify(context.Background(), Notification{UserID: "u1", Kind: KindEarningsReleased})
	}
	d.Close()
	err := d.Run(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 5, s.count())

	d.Notify(context.Background(), Notification{UserID: "u1"})
	assert.Empty(t, d.queue)
}

func TestDispatcher_FullQueueDrops(t *testing.T) {
	d := NewDispatcher(&recordingSink{name: "s"})
	d.queue = make(chan queued, 1)
	before := testutil.ToFloat64(metrics.NotificationsDroppedTotal.WithLabelValues("queue"))

	d.Notify(context.Background(), Notification{UserID: "u1"})
	d.Notify(context.Background(), Notification{UserID: "u1"})

	assert.Len(t, d.queue, 1)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.NotificationsDroppedTotal.WithLabelValues("queue")))
}

func TestDispatcher_NilAndEmptyAreNoops(t *testing.T) {
	var d *Dispatcher
	require.NotPanics(t, func() { d.Notify(context.Background(), Notification{}) })
	require.NotPanics(t, func() { NewDispatcher().Notify(context.Background(), Notification{}) })
	require.NotPanics(t, func() { Nop{}.Notify(context.Background(), Notification{}) })
	assert.Equal(t, []string{"a"}, NewDispatcher(&recordingSink{name: "a"}).Sinks())
}
