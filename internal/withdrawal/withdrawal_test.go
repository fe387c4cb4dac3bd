package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/taskpay/internal/apperr"
	"github.com/mbd888/taskpay/internal/circuitbreaker"
	"github.com/mbd888/taskpay/internal/fx"
	"github.com/mbd888/taskpay/internal/gateway"
	"github.com/mbd888/taskpay/internal/ledger"
	"github.com/mbd888/taskpay/internal/notify"
	"github.com/mbd888/taskpay/internal/retry"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// payoutProvider answers CreatePayout from a queue of scripted results.
type payoutProvider struct {
	kind gateway.Kind

	mu      sync.Mutex
	results []error
	onCall  func()
	calls   []gateway.PayoutRequest
	ledger  *ledger.Ledger
	balance decimal.Decimal // wallet balance seen during the last call
}

func (p *payoutProvider) Kind() gateway.Kind { return p.kind }

func (p *payoutProvider) CreateCheckout(context.Context, gateway.CheckoutRequest) (*gateway.CheckoutSession, error) {
	return nil, gateway.ErrNoCheckout
}

func (p *payoutProvider) CreatePayout(ctx context.Context, req gateway.PayoutRequest) (*gateway.PayoutResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	if w, err := p.ledger.GetWallet(ctx, req.UserID); err == nil {
		p.balance = w.Balance
	}
	if p.onCall != nil {
		p.onCall()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(p.results) > 0 {
		err := p.results[0]
		p.results = p.results[1:]
		if err != nil {
			return nil, err
		}
	}
	return &gateway.PayoutResult{ProviderTransferID: "tr_" + req.Reference, Status: "NEW"}, nil
}

func (p *payoutProvider) Authenticate(context.Context, http.Header, []byte) error { return nil }

func (p *payoutProvider) NormalizeWebhook(http.Header, []byte) (*gateway.Event, error) {
	return nil, errors.New("not used")
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

func newTestProcessor(t *testing.T, kind gateway.Kind) (*Processor, *ledger.Ledger, *payoutProvider, *recordingNotifier) {
	t.Helper()
	rates := fx.NewStaticProvider(map[string]decimal.Decimal{"USD:NGN": d("1500")})
	l := ledger.New(ledger.NewMemoryStore(), fx.NewConverter(rates), "USD")
	p := &payoutProvider{kind: kind, ledger: l}
	n := &recordingNotifier{}
	proc := NewProcessor(l, gateway.NewRegistry(p), n)
	proc.PayoutRetry = retry.Policy{Attempts: 3}
	return proc, l, p, n
}

func fund(t *testing.T, l *ledger.Ledger, user, amount, currency string) {
	t.Helper()
	_, _, err := l.Store().Credit(context.Background(), ledger.CreditInput{
		UserID: user, Reference: "seed_" + user, Amount: d(amount), Currency: currency,
		WalletAmount: d(amount), WalletCurrency: currency, Method: "seed",
	})
	require.NoError(t, err)
}

func balance(t *testing.T, l *ledger.Ledger, user string) decimal.Decimal {
	t.Helper()
	w, err := l.GetWallet(context.Background(), user)
	require.NoError(t, err)
	return w.Balance
}

var flwRecipient = map[string]string{gateway.FieldBankCode: "044", gateway.FieldAccountNumber: "0690000040"}

func TestProcessor_InitiateDebitsBeforeCallingOut(t *testing.T) {
	proc, l, p, n := newTestProcessor(t, gateway.KindFlutterwave)
	fund(t, l, "earner", "100", "USD")

	res, err := proc.Initiate(context.Background(), Request{
		UserID: "earner", Gateway: "flutterwave", Amount: d("40"), Currency: "usd", RecipientDetails: flwRecipient,
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, ledger.StatusPending, res.Status)
	assert.Regexp(t, `^wd_[0-9a-f]{24}$`, res.Reference)

	require.Len(t, p.calls, 1)
	assert.Equal(t, res.Reference, p.calls[0].Reference)
	assert.Equal(t, "USD", p.calls[0].Currency)
	assert.True(t, p.balance.Equal(d("60")), "wallet must be debited before the gateway call")

	assert.True(t, balance(t, l, "earner").Equal(d("60")))
	tr, err := l.GetTransfer(context.Background(), res.Reference)
	require.NoError(t, err)
	assert.Equal(t, "tr_"+res.Reference, tr.ProviderTransferID)
	assert.Equal(t, "0690000040", tr.Recipient[gateway.FieldAccountNumber])

	tx, err := l.GetTransaction(context.Background(), res.Reference)
	require.NoError(t, err)
	assert.Equal(t, ledger.TypeWithdrawal, tx.PaymentType)
	assert.Equal(t, ledger.StatusPending, tx.Status)

	require.Len(t, n.sent, 1)
	assert.Equal(t, notify.KindWithdrawalInitiated, n.sent[0].Kind)
}

func TestProcessor_FailedPayoutLeavesBalanceUnchanged(t *testing.T) {
	proc, l, p, n := newTestProcessor(t, gateway.KindFlutterwave)
	fund(t, l, "earner", "100", "USD")
	p.results = []error{gateway.Rejected(apperr.External("flutterwave rejected transfer", errors.New("account resolve failed")))}

	res, err := proc.Initiate(context.Background(), Request{
		UserID: "earner", Gateway: "flutterwave", Amount: d("40"), Currency: "USD", RecipientDetails: flwRecipient,
	})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrPayoutFailed)
	assert.Equal(t, apperr.KindExternalService, apperr.KindOf(err))
	assert.Len(t, p.calls, 1, "only timeouts are retried")

	assert.True(t, balance(t, l, "earner").Equal(d("100")))

	history, err := l.History(context.Background(), "earner", "", 10)
	require.NoError(t, err)
	var wd *ledger.Transaction
	for _, tx := range history.Transactions {
		if tx.PaymentType == ledger.TypeWithdrawal {
			wd = tx
		}
	}
	require.NotNil(t, wd)
	assert.Equal(t, ledger.StatusFailed, wd.Status)
	tr, err := l.GetTransfer(context.Background(), wd.Reference)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, tr.Status)

	require.Len(t, n.sent, 1)
	assert.Equal(t, notify.KindWithdrawalFailed, n.sent[0].Kind)
}

func TestProcessor_UnprovenFailureKeepsDebit(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"undecodable response", apperr.External("flutterwave transfer failed", errors.New("decode flutterwave response: invalid character '<'"))},
		{"request cancelled", apperr.External("flutterwave transfer failed", fmt.Errorf("post transfers: %w", context.Canceled))},
		{"connection reset", errors.New("read tcp: connection reset by peer")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc, l, p, n := newTestProcessor(t, gateway.KindFlutterwave)
			fund(t, l, "earner", "100", "USD")
			p.results = []error{tt.err}

			res, err := proc.Initiate(context.Background(), Request{
				UserID: "earner", Gateway: "flutterwave", Amount: d("40"), Currency: "USD", RecipientDetails: flwRecipient,
			})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrPayoutUnsure)
			assert.NotErrorIs(t, err, ErrPayoutFailed)
			require.NotNil(t, res)
			assert.Len(t, p.calls, 1)

			assert.True(t, balance(t, l, "earner").Equal(d("60")))
			tx, err := l.GetTransaction(context.Background(), res.Reference)
			require.NoError(t, err)
			assert.Equal(t, ledger.StatusPending, tx.Status)
			assert.True(t, tx.NeedsReview)
			assert.Empty(t, n.sent)
		})
	}
}

func TestProcessor_DefiniteRefusalsReverse(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"not configured", gateway.ErrNotConfigured},
		{"circuit open", apperr.External("flutterwave transfer failed", circuitbreaker.ErrOpen)},
		{"refused", gateway.Rejected(errors.New("insufficient balance"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc, l, p, _ := newTestProcessor(t, gateway.KindFlutterwave)
			fund(t, l, "earner", "100", "USD")
			p.results = []error{tt.err}

			_, err := proc.Initiate(context.Background(), Request{
				UserID: "earner", Gateway: "flutterwave", Amount: d("40"), Currency: "USD", RecipientDetails: flwRecipient,
			})
			assert.ErrorIs(t, err, ErrPayoutFailed)
			assert.True(t, balance(t, l, "earner").Equal(d("100")))
		})
	}
}

func TestProcessor_CallerCancellationDoesNotAbortPayout(t *testing.T) {
	proc, l, p, _ := newTestProcessor(t, gateway.KindFlutterwave)
	fund(t, l, "earner", "100", "USD")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.onCall = cancel

	res, err := proc.Initiate(ctx, Request{
		UserID: "earner", Gateway: "flutterwave", Amount: d("40"), Currency: "USD", RecipientDetails: flwRecipient,
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, balance(t, l, "earner").Equal(d("60")))

	tr, err := l.GetTransfer(context.Background(), res.Reference)
	require.NoError(t, err)
	assert.Equal(t, "tr_"+res.Reference, tr.ProviderTransferID)
}

func TestProcessor_TimeoutRetriesWithSameReference(t *testing.T) {
	proc, l, p, _ := newTestProcessor(t, gateway.KindFlutterwave)
	fund(t, l, "earner", "100", "USD")
	p.results = []error{gateway.ErrTimeout, nil}

	res, err := proc.Initiate(context.Background(), Request{
		UserID: "earner", Gateway: "flutterwave", Amount: d("10"), Currency: "USD", RecipientDetails: flwRecipient,
	})
	require.NoError(t, err)
	require.Len(t, p.calls, 2)
	assert.Equal(t, res.Reference, p.calls[0].Reference)
	assert.Equal(t, res.Reference, p.calls[1].Reference)
	assert.True(t, balance(t, l, "earner").Equal(d("90")))
}

func TestProcessor_UnconfirmedPayoutStaysPending(t *testing.T) {
	proc, l, p, _ := newTestProcessor(t, gateway.KindFlutterwave)
	fund(t, l, "earner", "100", "USD")
	p.results = []error{gateway.ErrTimeout, gateway.ErrTimeout, gateway.ErrTimeout}

	res, err := proc.Initiate(context.Background(), Request{
		UserID: "earner", Gateway: "flutterwave", Amount: d("25"), Currency: "USD", RecipientDetails: flwRecipient,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPayoutUnsure)
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Len(t, p.calls, 3)

	assert.True(t, balance(t, l, "earner").Equal(d("75")))
	tx, err := l.GetTransaction(context.Background(), res.Reference)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, tx.Status)
	assert.True(t, tx.NeedsReview)

	// A later retry reaches the gateway with the same reference and no new debit.
	retried, err := proc.Retry(context.Background(), res.Reference)
	require.NoError(t, err)
	assert.True(t, retried.Success)
	assert.Equal(t, res.Reference, p.calls[3].Reference)
	assert.True(t, p.calls[3].Amount.Equal(d("25")))
	assert.True(t, balance(t, l, "earner").Equal(d("75")))

	_, err = proc.Retry(context.Background(), res.Reference)
	assert.ErrorIs(t, err, ErrNotRetryable)
}

func TestProcessor_ConvertsIntoWalletCurrency(t *testing.T) {
	proc, l, p, _ := newTestProcessor(t, gateway.KindFlutterwave)
	fund(t, l, "naira", "30000", "NGN")

	res, err := proc.Initiate(context.Background(), Request{
		UserID: "naira", Gateway: "flutterwave", Amount: d("10"), Currency: "USD", RecipientDetails: flwRecipient,
	})
	require.NoError(t, err)
	assert.True(t, balance(t, l, "naira").Equal(d("15000")))
	assert.True(t, p.calls[0].Amount.Equal(d("10")))

	tx, err := l.GetTransaction(context.Background(), res.Reference)
	require.NoError(t, err)
	assert.True(t, tx.WalletAmount.Equal(d("15000")))
	assert.Equal(t, "NGN", tx.WalletCurrency)
}

func TestProcessor_WiseUSDMissingRoutingNumber(t *testing.T) {
	proc, l, p, _ := newTestProcessor(t, gateway.KindWise)
	fund(t, l, "earner", "100", "USD")

	_, err := proc.Initiate(context.Background(), Request{
		UserID: "earner", Gateway: "wise", Amount: d("20"), Currency: "USD",
		RecipientDetails: map[string]string{
			gateway.FieldAccountHolderName: "Ada Obi",
			gateway.FieldAccountNumber:     "12345678",
		},
	})
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, apperr.KindValidation, ae.Kind)
	assert.Equal(t, "recipientDetails.routingNumber", ae.Field)

	assert.Empty(t, p.calls)
	assert.True(t, balance(t, l, "earner").Equal(d("100")))
	history, err := l.History(context.Background(), "earner", "", 10)
	require.NoError(t, err)
	assert.Len(t, history.Transactions, 1, "only the seed credit exists")
}

func TestProcessor_Rejections(t *testing.T) {
	proc, l, p, _ := newTestProcessor(t, gateway.KindFlutterwave)
	fund(t, l, "earner", "50", "USD")

	tests := []struct {
		name string
		req  Request
		kind apperr.Kind
	}{
		{"insufficient funds", Request{UserID: "earner", Gateway: "flutterwave", Amount: d("50.01"), Currency: "USD", RecipientDetails: flwRecipient}, apperr.KindInsufficientFunds},
		{"no wallet", Request{UserID: "ghost", Gateway: "flutterwave", Amount: d("1"), Currency: "USD", RecipientDetails: flwRecipient}, apperr.KindNotFound},
		{"unknown gateway", Request{UserID: "earner", Gateway: "venmo", Amount: d("1"), Currency: "USD"}, apperr.KindValidation},
		{"gateway not enabled", Request{UserID: "earner", Gateway: "paypal", Amount: d("1"), Currency: "USD", RecipientDetails: map[string]string{gateway.FieldPayPalEmail: "a@b.co"}}, apperr.KindValidation},
		{"zero amount", Request{UserID: "earner", Gateway: "flutterwave", Amount: decimal.Zero, Currency: "USD", RecipientDetails: flwRecipient}, apperr.KindValidation},
		{"bad currency", Request{UserID: "earner", Gateway: "flutterwave", Amount: d("1"), Currency: "dollars", RecipientDetails: flwRecipient}, apperr.KindValidation},
		{"missing bank code", Request{UserID: "earner", Gateway: "flutterwave", Amount: d("1"), Currency: "USD", RecipientDetails: map[string]string{gateway.FieldAccountNumber: "1"}}, apperr.KindValidation},
		{"no rate", Request{UserID: "earner", Gateway: "flutterwave", Amount: d("1"), Currency: "JPY", RecipientDetails: flwRecipient}, apperr.KindExternalService},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := proc.Initiate(context.Background(), tt.req)
			assert.Equal(t, tt.kind, apperr.KindOf(err), "%v", err)
		})
	}
	assert.Empty(t, p.calls)
	assert.True(t, balance(t, l, "earner").Equal(d("50")))
}

func TestProcessor_RetryRejectsSettledWithdrawals(t *testing.T) {
	proc, l, _, _ := newTestProcessor(t, gateway.KindFlutterwave)
	fund(t, l, "earner", "50", "USD")

	res, err := proc.Initiate(context.Background(), Request{
		UserID: "earner", Gateway: "flutterwave", Amount: d("5"), Currency: "USD", RecipientDetails: flwRecipient,
	})
	require.NoError(t, err)

	_, err = proc.Retry(context.Background(), res.Reference)
	assert.ErrorIs(t, err, ErrNotRetryable, "a transfer id means the gateway already has it")

	_, err = proc.Retry(context.Background(), "seed_earner")
	assert.ErrorIs(t, err, ledger.ErrWrongPaymentType)

	_, err = proc.Retry(context.Background(), "wd_missing")
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)
}
