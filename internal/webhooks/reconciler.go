// Package webhooks turns gateway callbacks into ledger mutations exactly
// once.
//
// Every callback goes through the same pipeline: identify the provider,
// authenticate with that provider's own secret, normalize the payload,
// deduplicate on the transaction reference, then apply. A transaction in a
// terminal state is never touched again, so replays and out-of-order
// deliveries converge on the first terminal verdict.
package webhooks

import (
	"context"
	"errors"
	"net/http"

	"github.com/mbd888/taskpay/internal/apperr"
	"github.com/mbd888/taskpay/internal/gateway"
	"github.com/mbd888/taskpay/internal/ledger"
	"github.com/mbd888/taskpay/internal/logging"
	"github.com/mbd888/taskpay/internal/metrics"
	"github.com/mbd888/taskpay/internal/notify"
	"github.com/mbd888/taskpay/internal/retry"
	"github.com/mbd888/taskpay/internal/traces"
)

// Response messages for acknowledged callbacks.
const (
	MsgProcessed        = "Event processed"
	MsgAlreadyProcessed = "Event already processed"
	MsgAcknowledged     = "Event acknowledged"
)

var ErrUnknownProvider = apperr.Validation("body", "unrecognized webhook payload")

// Outcome describes an accepted callback. Rejected callbacks are errors.
type Outcome struct {
	Provider  gateway.Kind      `json:"provider"`
	Reference string            `json:"reference,omitempty"`
	Event     gateway.EventType `json:"event,omitempty"`
	Message   string            `json:"message"`
}

// Reconciler applies authenticated gateway events to the ledger.
type Reconciler struct {
	ledger   *ledger.Ledger
	gateways *gateway.Registry
	notifier notify.Notifier

	// FXRetry governs the currency lookup done while crediting a charge.
	FXRetry retry.Policy
}

// NewReconciler creates a reconciler. notifier may be nil.
func NewReconciler(l *ledger.Ledger, gateways *gateway.Registry, notifier notify.Notifier) *Reconciler {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Reconciler{ledger: l, gateways: gateways, notifier: notifier, FXRetry: retry.Default}
}

// Handle runs one callback through the pipeline. kind selects the provider
// explicitly; an empty kind detects it from the request.
func (r *Reconciler) Handle(ctx context.Context, kind gateway.Kind, header http.Header, body []byte) (*Outcome, error) {
	if kind == "" {
		detected, ok := gateway.Detect(header, body)
		if !ok {
			metrics.WebhookEventsTotal.WithLabelValues("unknown", "rejected").Inc()
			return nil, ErrUnknownProvider
		}
		kind = detected
	}
	provider, err := r.gateways.Get(kind)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(string(kind), "rejected").Inc()
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "webhooks.Handle", traces.Provider(string(kind)))
	defer span.End()

	out, outcome, err := r.handle(ctx, provider, header, body)
	metrics.WebhookEventsTotal.WithLabelValues(string(kind), outcome).Inc()
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	if out.Reference != "" {
		span.SetAttributes(traces.Reference(out.Reference))
	}
	return out, nil
}

func (r *Reconciler) handle(ctx context.Context, provider gateway.Provider, header http.Header, body []byte) (*Outcome, string, error) {
	kind := provider.Kind()

	if err := provider.Authenticate(ctx, header, body); err != nil {
		switch apperr.KindOf(err) {
		case apperr.KindFatalConfig:
			logging.Security(ctx).Error("webhook refused: signing secret not configured", "provider", kind)
			return nil, "misconfigured", err
		case apperr.KindAuthentication:
			logging.Security(ctx).Warn("webhook signature rejected", "provider", kind, "error", err)
			return nil, "unauthorized", gateway.ErrBadSignature
		default:
			logging.L(ctx).Error("webhook authentication unavailable", "provider", kind, "error", err)
			return nil, "error", err
		}
	}

	ev, err := provider.NormalizeWebhook(header, body)
	if err != nil {
		return nil, "malformed", err
	}
	out := &Outcome{Provider: kind, Event: ev.Type, Reference: ev.Reference}

	if ev.Type == gateway.EventUnmapped {
		logging.L(ctx).Info("webhook acknowledged without action", "provider", kind, "type", ev.RawType)
		out.Message = MsgAcknowledged
		return out, "ignored", nil
	}

	if ev.Reference == "" && ev.Type.IsTransfer() && ev.ProviderReference != "" {
		tr, err := r.ledger.GetTransferByProviderID(ctx, ev.ProviderReference)
		if err != nil {
			return nil, "unknown_reference", err
		}
		ev.Reference = tr.Reference
		out.Reference = tr.Reference
	}
	if ev.Reference == "" {
		return nil, "malformed", apperr.Validation("reference", "webhook payload carries no transaction reference")
	}

	tx, err := r.ledger.ResolveTransaction(ctx, ev.Reference)
	if err != nil {
		if errors.Is(err, ledger.ErrTransactionNotFound) {
			logging.L(ctx).Warn("webhook for unknown reference", "provider", kind, "reference", ev.Reference)
			return nil, "unknown_reference", err
		}
		return nil, "error", err
	}
	out.Reference = tx.Reference

	if tx.Status.Terminal() {
		out.Message = MsgAlreadyProcessed
		return out, "duplicate", nil
	}

	switch {
	case ev.Type.IsCharge() && tx.PaymentType == ledger.TypeFund:
		err = r.applyCharge(ctx, ev, tx)
	case ev.Type.IsTransfer() && tx.PaymentType == ledger.TypeWithdrawal:
		err = r.applyTransfer(ctx, ev, tx)
	default:
		logging.L(ctx).Warn("webhook event does not match transaction type",
			"provider", kind, "reference", tx.Reference, "event", ev.Type, "payment_type", tx.PaymentType)
		out.Message = MsgAcknowledged
		return out, "ignored", nil
	}

	if errors.Is(err, ledger.ErrAlreadyFinal) {
		out.Message = MsgAlreadyProcessed
		return out, "duplicate", nil
	}
	if err != nil {
		return nil, "error", err
	}
	out.Message = MsgProcessed
	return out, "applied", nil
}

func (r *Reconciler) applyCharge(ctx context.Context, ev *gateway.Event, tx *ledger.Transaction) error {
	if ev.Type == gateway.EventChargeFailed {
		failed, err := r.ledger.FailTransaction(ctx, tx.Reference, ev.FailureReason)
		if err != nil {
			return err
		}
		logging.L(ctx).Info("charge failed", "reference", tx.Reference, "reason", ev.FailureReason)
		r.notifier.Notify(ctx, notify.Notification{
			UserID: failed.UserID, Kind: notify.KindChargeFailed, Reference: failed.Reference, TaskID: failed.TaskID,
			Amount: failed.Amount, Currency: failed.Currency, Message: ev.FailureReason,
		})
		return nil
	}

	var result *ledger.ChargeResult
	policy := r.FXRetry
	policy.Retryable = func(err error) bool {
		return apperr.KindOf(err) == apperr.KindExternalService
	}
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		var err error
		result, err = r.ledger.CompleteCharge(ctx, tx.Reference, ledger.ConfirmedCharge{
			ProviderReference: ev.ProviderReference,
			Amount:            ev.Amount,
			Currency:          ev.Currency,
		})
		return err
	})
	if err != nil {
		if apperr.KindOf(err) == apperr.KindExternalService {
			// Leave the transaction pending so the provider's redelivery
			// can settle it once rates are available.
			if ferr := r.ledger.FlagForReview(ctx, tx.Reference, "currency conversion failed: "+err.Error()); ferr != nil {
				logging.L(ctx).Error("failed to flag transaction", "reference", tx.Reference, "error", ferr)
			}
		}
		return err
	}

	settled := result.Transaction
	switch {
	case result.Reservation != nil:
		logging.L(ctx).Info("task funded", "reference", settled.Reference, "task_id", settled.TaskID)
		r.notifier.Notify(ctx, notify.Notification{
			UserID: settled.UserID, Kind: notify.KindTaskFunded, Reference: settled.Reference, TaskID: settled.TaskID,
			Amount: result.Reservation.Amount, Currency: result.Reservation.Currency,
		})
	case result.Wallet != nil:
		logging.L(ctx).Info("wallet funded", "reference", settled.Reference, "user_id", settled.UserID)
		r.notifier.Notify(ctx, notify.Notification{
			UserID: settled.UserID, Kind: notify.KindWalletFunded, Reference: settled.Reference, TaskID: settled.TaskID,
			Amount: settled.WalletAmount, Currency: settled.WalletCurrency,
		})
	}
	return nil
}

func (r *Reconciler) applyTransfer(ctx context.Context, ev *gateway.Event, tx *ledger.Transaction) error {
	succeeded := ev.Type == gateway.EventTransferSucceeded
	final, err := r.ledger.FinalizeWithdrawal(ctx, tx.Reference, succeeded, ev.FailureReason)
	if err != nil {
		return err
	}
	kind := notify.KindWithdrawalCompleted
	if !succeeded {
		kind = notify.KindWithdrawalFailed
		logging.L(ctx).Warn("payout failed, wallet refunded", "reference", final.Reference, "reason", ev.FailureReason)
	}
	r.notifier.Notify(ctx, notify.Notification{
		UserID: final.UserID, Kind: kind, Reference: final.Reference,
		Amount: final.Amount, Currency: final.Currency, Message: ev.FailureReason,
	})
	return nil
}
