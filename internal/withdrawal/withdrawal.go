// Package withdrawal pays wallet funds out through a gateway.
//
// The wallet is debited and the pending withdrawal recorded before the
// gateway is called. A payout the gateway refuses outright is reversed in
// the same step; an accepted payout stays pending until its webhook
// arrives.
package withdrawal

import (
	"context"
	"errors"
	"maps"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/taskpay/internal/apperr"
	"github.com/mbd888/taskpay/internal/gateway"
	"github.com/mbd888/taskpay/internal/idgen"
	"github.com/mbd888/taskpay/internal/ledger"
	"github.com/mbd888/taskpay/internal/logging"
	"github.com/mbd888/taskpay/internal/metrics"
	"github.com/mbd888/taskpay/internal/money"
	"github.com/mbd888/taskpay/internal/notify"
	"github.com/mbd888/taskpay/internal/retry"
	"github.com/mbd888/taskpay/internal/traces"
	"github.com/mbd888/taskpay/internal/validation"
)

var (
	ErrNotRetryable = apperr.Coded(apperr.KindConflict, "not_retryable", "withdrawal already reached the gateway")
	ErrPayoutFailed = apperr.Coded(apperr.KindExternalService, "payout_failed", "payout was refused by the gateway")
	ErrPayoutUnsure = apperr.Coded(apperr.KindExternalService, "payout_unconfirmed", "gateway did not confirm the payout; it will be reconciled")
)

// Request asks for a payout of Amount in Currency.
type Request struct {
	UserID           string            `json:"-"`
	Gateway          string            `json:"gateway"`
	Amount           decimal.Decimal   `json:"amount"`
	Currency         string            `json:"currency"`
	RecipientDetails map[string]string `json:"recipientDetails"`
}

// Result reports the withdrawal after the gateway call.
type Result struct {
	Success   bool          `json:"success"`
	Reference string        `json:"reference"`
	Status    ledger.Status `json:"status"`
}

// Processor initiates payouts.
type Processor struct {
	ledger   *ledger.Ledger
	gateways *gateway.Registry
	notifier notify.Notifier

	// PayoutRetry governs re-sending a payout after a gateway timeout.
	// The reference is reused so the gateway can deduplicate.
	PayoutRetry retry.Policy

	// PayoutTimeout bounds the gateway call and the ledger settlement that
	// follows it. They run detached from the caller's cancellation.
	PayoutTimeout time.Duration
}

// NewProcessor creates a withdrawal processor. notifier may be nil.
func NewProcessor(l *ledger.Ledger, gateways *gateway.Registry, notifier notify.Notifier) *Processor {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Processor{
		ledger: l, gateways: gateways, notifier: notifier,
		PayoutRetry:   retry.Default,
		PayoutTimeout: 3 * gateway.DefaultTimeout,
	}
}

func (r *Request) validate() (gateway.PayoutMethod, error) {
	errs := validation.Validate(
		validation.Required("gateway", r.Gateway),
		validation.Required("currency", r.Currency),
		validation.ValidCurrency("currency", r.Currency),
	)
	if err := errs.Err(); err != nil {
		return "", err
	}
	method, err := gateway.ParsePayoutMethod(r.Gateway)
	if err != nil {
		return "", err
	}
	currency, _ := money.NormalizeCurrency(r.Currency)
	r.Currency = currency
	if err := validation.Validate(
		validation.ValidAmount("amount", r.Amount.String(), currency),
	).Err(); err != nil {
		return "", err
	}
	if err := gateway.ValidateRecipient(method, currency, r.RecipientDetails); err != nil {
		return "", err
	}
	return method, nil
}

// Initiate debits the wallet and asks the gateway to pay out.
func (p *Processor) Initiate(ctx context.Context, req Request) (*Result, error) {
	method, err := req.validate()
	if err != nil {
		return nil, err
	}
	provider, err := p.gateways.Get(method.Kind())
	if err != nil {
		return nil, err
	}

	reference := idgen.WithPrefix(idgen.PrefixWithdrawal)
	ctx, span := traces.StartSpan(ctx, "withdrawal.Initiate",
		traces.UserID(req.UserID),
		traces.Provider(string(method.Kind())),
		traces.Reference(reference),
		traces.Amount(req.Amount.String(), req.Currency),
	)
	defer span.End()

	wallet, err := p.ledger.GetWallet(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	walletAmount, err := p.ledger.Convert(ctx, req.Amount, req.Currency, wallet.Currency)
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	if wallet.Balance.LessThan(walletAmount) {
		metrics.WithdrawalsTotal.WithLabelValues(string(method), "insufficient_funds").Inc()
		return nil, ledger.ErrInsufficientFunds
	}

	recipient := maps.Clone(req.RecipientDetails)
	if _, _, err := p.ledger.BeginWithdrawal(ctx, ledger.DebitInput{
		UserID:         req.UserID,
		Reference:      reference,
		Amount:         req.Amount,
		Currency:       req.Currency,
		WalletAmount:   walletAmount,
		WalletCurrency: wallet.Currency,
		Method:         string(method),
		Description:    "withdrawal via " + string(method),
		Transfer: &ledger.Transfer{
			Method:    string(method),
			Amount:    req.Amount,
			Currency:  req.Currency,
			Recipient: recipient,
		},
	}); err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	res, err := p.payout(ctx, provider, gateway.PayoutRequest{
		Reference: reference,
		UserID:    req.UserID,
		Method:    method,
		Amount:    req.Amount,
		Currency:  req.Currency,
		Recipient: recipient,
	})
	if err != nil {
		traces.RecordError(span, err)
	}
	return res, err
}

// Retry re-sends the payout for a withdrawal whose gateway call never got
// an answer. No new debit is made.
func (p *Processor) Retry(ctx context.Context, reference string) (*Result, error) {
	tx, err := p.ledger.GetTransaction(ctx, reference)
	if err != nil {
		return nil, err
	}
	if tx.PaymentType != ledger.TypeWithdrawal {
		return nil, ledger.ErrWrongPaymentType
	}
	tr, err := p.ledger.GetTransfer(ctx, reference)
	if err != nil {
		return nil, err
	}
	if tx.Status.Terminal() || tr.ProviderTransferID != "" {
		return nil, ErrNotRetryable
	}
	method, err := gateway.ParsePayoutMethod(tr.Method)
	if err != nil {
		return nil, err
	}
	provider, err := p.gateways.Get(method.Kind())
	if err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "withdrawal.Retry",
		traces.UserID(tx.UserID), traces.Provider(string(method.Kind())), traces.Reference(reference))
	defer span.End()

	logging.L(ctx).Info("retrying payout", "reference", reference, "method", method)
	res, err := p.payout(ctx, provider, gateway.PayoutRequest{
		Reference: reference,
		UserID:    tx.UserID,
		Method:    method,
		Amount:    tr.Amount,
		Currency:  tr.Currency,
		Recipient: tr.Recipient,
	})
	if err != nil {
		traces.RecordError(span, err)
	}
	return res, err
}

// payout calls the gateway for an already-debited withdrawal and settles
// the ledger according to the answer. The debit is only reversed when the
// gateway definitely refused; any other failure keeps it and flags the
// withdrawal for review.
func (p *Processor) payout(ctx context.Context, provider gateway.Provider, req gateway.PayoutRequest) (*Result, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.PayoutTimeout)
	defer cancel()

	policy := p.PayoutRetry
	policy.Retryable = gateway.IsTimeout

	var res *gateway.PayoutResult
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		var err error
		res, err = provider.CreatePayout(ctx, req)
		return err
	})

	pending := &Result{Reference: req.Reference, Status: ledger.StatusPending}
	switch {
	case err == nil:
	case !gateway.IsRejected(err):
		// The gateway may have accepted the payout. Keep the debit and let
		// the webhook or a manual retry settle it.
		metrics.WithdrawalsTotal.WithLabelValues(string(req.Method), "unconfirmed").Inc()
		logging.L(ctx).Warn("payout unconfirmed, keeping debit",
			"reference", req.Reference, "method", req.Method, "error", err)
		if ferr := p.ledger.FlagForReview(ctx, req.Reference, "payout unconfirmed: "+err.Error()); ferr != nil {
			logging.L(ctx).Error("failed to flag withdrawal", "reference", req.Reference, "error", ferr)
		}
		return pending, errors.Join(ErrPayoutUnsure, err)
	default:
		metrics.WithdrawalsTotal.WithLabelValues(string(req.Method), "failed").Inc()
		logging.L(ctx).Warn("payout refused, reversing withdrawal",
			"reference", req.Reference, "method", req.Method, "error", err)
		if _, rerr := p.ledger.ReverseWithdrawal(ctx, req.Reference, err.Error()); rerr != nil {
			logging.L(ctx).Error("failed to reverse withdrawal", "reference", req.Reference, "error", rerr)
			return nil, errors.Join(rerr, err)
		}
		p.notifier.Notify(ctx, notify.Notification{
			UserID: req.UserID, Kind: notify.KindWithdrawalFailed, Reference: req.Reference,
			Amount: req.Amount, Currency: req.Currency, Message: "payout refused by gateway",
		})
		return nil, errors.Join(ErrPayoutFailed, err)
	}

	if res.ProviderTransferID != "" {
		if err := p.ledger.SetProviderTransfer(ctx, req.Reference, res.ProviderTransferID); err != nil {
			logging.L(ctx).Error("failed to store provider transfer id",
				"reference", req.Reference, "provider_transfer_id", res.ProviderTransferID, "error", err)
		}
	}
	metrics.WithdrawalsTotal.WithLabelValues(string(req.Method), "initiated").Inc()
	logging.L(ctx).Info("payout initiated",
		"reference", req.Reference, "method", req.Method, "provider_transfer_id", res.ProviderTransferID)
	p.notifier.Notify(ctx, notify.Notification{
		UserID: req.UserID, Kind: notify.KindWithdrawalInitiated, Reference: req.Reference,
		Amount: req.Amount, Currency: req.Currency,
	})
	pending.Success = true
	return pending, nil
}
