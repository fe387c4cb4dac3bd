// Package notify delivers wallet notifications after a ledger change has
// committed. Delivery is best effort: sink failures are logged and counted
// and never reach the caller.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/taskpay/internal/idgen"
	"github.com/mbd888/taskpay/internal/logging"
	"github.com/mbd888/taskpay/internal/metrics"
)

// Kind names what happened to the user's money.
type Kind string

const (
	KindWalletFunded        Kind = "wallet.funded"
	KindChargeFailed        Kind = "charge.failed"
	KindTaskFunded          Kind = "task.funded"
	KindEarningsReleased    Kind = "earnings.released"
	KindFundsReturned       Kind = "escrow.released_back"
	KindWithdrawalInitiated Kind = "withdrawal.initiated"
	KindWithdrawalCompleted Kind = "withdrawal.completed"
	KindWithdrawalFailed    Kind = "withdrawal.failed"
)

// Notification is one message to one user.
type Notification struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	Kind      Kind            `json:"kind"`
	Reference string          `json:"reference,omitempty"`
	TaskID    string          `json:"taskId,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Message   string          `json:"message,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Notifier accepts notifications. Notify never blocks on delivery.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) {}

// Sink delivers a notification to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// ErrClosed is returned by Run when the dispatcher was closed.
var ErrClosed = errors.New("notify: dispatcher closed")

const (
	defaultQueueSize   = 1024
	defaultSendTimeout = 10 * time.Second
)

type queued struct {
	requestID string
	n         Notification
}

// Dispatcher fans notifications out to its sinks from a background worker.
type Dispatcher struct {
	sinks       []Sink
	queue       chan queued
	sendTimeout time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

// NewDispatcher creates a dispatcher over sinks. Call Run to start delivery.
func NewDispatcher(sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		sinks:       sinks,
		queue:       make(chan queued, defaultQueueSize),
		sendTimeout: defaultSendTimeout,
		done:        make(chan struct{}),
	}
}

// Sinks returns the configured sink names.
func (d *Dispatcher) Sinks() []string {
	names := make([]string, 0, len(d.sinks))
	for _, s := range d.sinks {
		names = append(names, s.Name())
	}
	return names
}

// Notify enqueues n. A full queue drops the notification.
func (d *Dispatcher) Notify(ctx context.Context, n Notification) {
	if d == nil || len(d.sinks) == 0 {
		return
	}
	if n.ID == "" {
		n.ID = idgen.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	select {
	case <-d.done:
		return
	default:
	}
	select {
	case d.queue <- queued{requestID: logging.RequestID(ctx), n: n}:
	default:
		metrics.NotificationsDroppedTotal.WithLabelValues("queue").Inc()
		logging.L(ctx).Warn("notification queue full, dropping", "kind", n.Kind, "user_id", n.UserID)
	}
}

// Run delivers queued notifications until ctx is cancelled or Close is
// called. Whatever is still queued at that point is delivered before Run
// returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case q := <-d.queue:
			d.deliver(q)
		case <-ctx.Done():
			d.drain()
			return ctx.Err()
		case <-d.done:
			d.drain()
			return ErrClosed
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case q := <-d.queue:
			d.deliver(q)
		default:
			return
		}
	}
}

// Close stops accepting notifications.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() { close(d.done) })
}

func (d *Dispatcher) deliver(q queued) {
	base := context.Background()
	if q.requestID != "" {
		base = logging.WithRequestID(base, q.requestID)
	}
	for _, s := range d.sinks {
		ctx, cancel := context.WithTimeout(base, d.sendTimeout)
		err := s.Send(ctx, q.n)
		cancel()
		if err != nil {
			metrics.NotificationsDroppedTotal.WithLabelValues(s.Name()).Inc()
			logging.L(base).Warn("notification delivery failed",
				"sink", s.Name(), "kind", q.n.Kind, "user_id", q.n.UserID, "reference", q.n.Reference, "error", err)
		}
	}
}
