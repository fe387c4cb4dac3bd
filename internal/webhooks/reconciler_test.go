package webhooks

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/taskpay/internal/apperr"
	"github.com/mbd888/taskpay/internal/config"
	"github.com/mbd888/taskpay/internal/fx"
	"github.com/mbd888/taskpay/internal/gateway"
	"github.com/mbd888/taskpay/internal/ledger"
	"github.com/mbd888/taskpay/internal/notify"
	"github.com/mbd888/taskpay/internal/retry"
)

const (
	flwHash      = "flw-test-hash"
	stripeSecret = "whsec_test"
	wiseSecret   = "wise-test-secret"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

func (r *recordingNotifier) kinds() []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Kind
	for _, n := range r.sent {
		out = append(out, n.Kind)
	}
	return out
}

type fixture struct {
	rec      *Reconciler
	ledger   *ledger.Ledger
	store    *ledger.MemoryStore
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := ledger.NewMemoryStore()
	rates := fx.NewStaticProvider(map[string]decimal.Decimal{"USD:NGN": d("1500")})
	l := ledger.New(store, fx.NewConverter(rates), "USD")
	registry := gateway.NewRegistry(
		gateway.NewFlutterwave(config.FlutterwaveConfig{WebhookHash: flwHash}, nil),
		gateway.NewStripe(config.StripeConfig{WebhookSecret: stripeSecret}, nil),
		gateway.NewWise(config.WiseConfig{WebhookSecret: wiseSecret}, nil),
		gateway.NewPayPal(config.PayPalConfig{}, nil),
	)
	n := &recordingNotifier{}
	rec := NewReconciler(l, registry, n)
	rec.FXRetry = retry.Policy{Attempts: 2}
	return &fixture{rec: rec, ledger: l, store: store, notifier: n}
}

func (f *fixture) pendingFund(t *testing.T, ref, user, amount, currency, taskID string) {
	t.Helper()
	_, err := f.ledger.RecordTransaction(context.Background(), &ledger.Transaction{
		Reference: ref, UserID: user, Amount: d(amount), Currency: currency,
		Method: "test", PaymentType: ledger.TypeFund, TaskID: taskID,
	})
	require.NoError(t, err)
}

func (f *fixture) seedWallet(t *testing.T, user, currency, amount string) {
	t.Helper()
	_, _, err := f.store.Credit(context.Background(), ledger.CreditInput{
		UserID: user, Reference: "seed_" + user, Amount: d(amount), Currency: currency,
		WalletAmount: d(amount), WalletCurrency: currency, Method: "seed",
	})
	require.NoError(t, err)
}

func (f *fixture) pendingWithdrawal(t *testing.T, ref, user, amount, currency, providerID string) {
	t.Helper()
	ctx := context.Background()
	_, _, err := f.ledger.BeginWithdrawal(ctx, ledger.DebitInput{
		UserID: user, Reference: ref, Amount: d(amount), Currency: currency,
		WalletAmount: d(amount), WalletCurrency: currency, Method: "wise",
		Transfer: &ledger.Transfer{Method: "wise", Amount: d(amount), Currency: currency},
	})
	require.NoError(t, err)
	if providerID != "" {
		require.NoError(t, f.ledger.SetProviderTransfer(ctx, ref, providerID))
	}
}

func (f *fixture) balance(t *testing.T, user string) decimal.Decimal {
	t.Helper()
	w, err := f.ledger.GetWallet(context.Background(), user)
	require.NoError(t, err)
	return w.Balance
}

func flwHeader() http.Header {
	h := http.Header{}
	h.Set(gateway.FlutterwaveSignatureHeader, flwHash)
	return h
}

func flwCharge(ref, status, amount, currency string) []byte {
	return []byte(fmt.Sprintf(`{"event":"charge.completed","data":{"id":9001,"tx_ref":%q,"amount":%s,"currency":%q,"status":%q}}`,
		ref, amount, currency, status))
}

func stripeSigned(t *testing.T, payload string) (http.Header, []byte) {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload: []byte(payload), Secret: stripeSecret, Timestamp: time.Now(),
	})
	h := http.Header{}
	h.Set(gateway.StripeSignatureHeader, signed.Header)
	return h, signed.Payload
}

func TestReconciler_ReplayAppliesOnce(t *testing.T) {
	f := newFixture(t)
	f.seedWallet(t, "alice", "USD", "5")
	f.pendingFund(t, "chk_replay", "alice", "20", "USD", "")
	body := flwCharge("chk_replay", "successful", "20", "USD")

	const n = 5
	messages := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out, err := f.rec.Handle(context.Background(), "", flwHeader(), body)
		require.NoError(t, err)
		messages = append(messages, out.Message)
	}

	assert.Equal(t, MsgProcessed, messages[0])
	for _, m := range messages[1:] {
		assert.Equal(t, MsgAlreadyProcessed, m)
	}
	assert.True(t, f.balance(t, "alice").Equal(d("25")))
	assert.Equal(t, []notify.Kind{notify.KindWalletFunded}, f.notifier.kinds())
}

func TestReconciler_ConcurrentReplaysApplyOnce(t *testing.T) {
	f := newFixture(t)
	f.pendingFund(t, "chk_conc", "bob", "10", "USD", "")
	body := flwCharge("chk_conc", "successful", "10", "USD")

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.rec.Handle(context.Background(), gateway.KindFlutterwave, flwHeader(), body)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.True(t, f.balance(t, "bob").Equal(d("10")))
}

func TestReconciler_StripeSessionTwice(t *testing.T) {
	f := newFixture(t)
	f.seedWallet(t, "carol", "USD", "1")
	f.pendingFund(t, "cs_123", "carol", "42.50", "USD", "")

	payload := `{"id":"evt_1","object":"event","type":"checkout.session.completed","data":{"object":{"id":"cs_123","object":"checkout.session","payment_status":"paid","amount_total":4250,"currency":"usd"}}}`

	header, body := stripeSigned(t, payload)
	out, err := f.rec.Handle(context.Background(), "", header, body)
	require.NoError(t, err)
	assert.Equal(t, MsgProcessed, out.Message)
	assert.Equal(t, gateway.KindStripe, out.Provider)
	after := f.balance(t, "carol")
	assert.True(t, after.Equal(d("43.50")))

	tx, err := f.ledger.GetTransaction(context.Background(), "cs_123")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSuccessful, tx.Status)

	header, body = stripeSigned(t, payload)
	out, err = f.rec.Handle(context.Background(), "", header, body)
	require.NoError(t, err)
	assert.Equal(t, MsgAlreadyProcessed, out.Message)
	assert.True(t, f.balance(t, "carol").Equal(after))
}

func TestReconciler_StripeSessionResolvedByProviderReference(t *testing.T) {
	f := newFixture(t)
	f.pendingFund(t, "chk_abc", "dave", "10", "USD", "")
	require.NoError(t, f.ledger.SetProviderReference(context.Background(), "chk_abc", "cs_456"))

	header, body := stripeSigned(t, `{"id":"evt_2","object":"event","type":"checkout.session.completed","data":{"object":{"id":"cs_456","payment_status":"paid","amount_total":1000,"currency":"usd"}}}`)
	out, err := f.rec.Handle(context.Background(), gateway.KindStripe, header, body)
	require.NoError(t, err)
	assert.Equal(t, "chk_abc", out.Reference)
	assert.True(t, f.balance(t, "dave").Equal(d("10")))
}

func TestReconciler_ChargeConvertsIntoWalletCurrency(t *testing.T) {
	f := newFixture(t)
	f.seedWallet(t, "erin", "NGN", "0.01")
	f.pendingFund(t, "chk_usd", "erin", "2", "USD", "")

	_, err := f.rec.Handle(context.Background(), "", flwHeader(), flwCharge("chk_usd", "successful", "2", "USD"))
	require.NoError(t, err)
	assert.True(t, f.balance(t, "erin").Equal(d("3000.01")))
}

func TestReconciler_ChargeCreditsConfirmedAmount(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		currency string
		want     string
	}{
		{"partial amount", "10", "USD", "10"},
		{"settled in another currency", "15000", "NGN", "10"},
		{"matching amount", "100", "USD", "100"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.seedWallet(t, "olive", "USD", "0")
			f.pendingFund(t, "chk_conf", "olive", "100", "USD", "")

			out, err := f.rec.Handle(context.Background(), "", flwHeader(), flwCharge("chk_conf", "successful", tt.amount, tt.currency))
			require.NoError(t, err)
			assert.Equal(t, MsgProcessed, out.Message)
			assert.True(t, f.balance(t, "olive").Equal(d(tt.want)), "balance %s", f.balance(t, "olive"))

			tx, err := f.ledger.GetTransaction(context.Background(), "chk_conf")
			require.NoError(t, err)
			assert.True(t, tx.Amount.Equal(d(tt.amount)))
			assert.Equal(t, tt.currency, tx.Currency)
			require.Len(t, f.notifier.sent, 1)
			assert.True(t, f.notifier.sent[0].Amount.Equal(d(tt.want)))
		})
	}
}

func TestReconciler_TaskChargeReservesConfirmedAmount(t *testing.T) {
	f := newFixture(t)
	f.pendingFund(t, "chk_task", "creator", "75", "USD", "task-2")

	_, err := f.rec.Handle(context.Background(), "", flwHeader(), flwCharge("chk_task", "successful", "60", "USD"))
	require.NoError(t, err)

	rf, err := f.ledger.GetReservation(context.Background(), "task-2")
	require.NoError(t, err)
	assert.True(t, rf.Amount.Equal(d("60")))
}

func TestReconciler_TaskChargeReservesFunds(t *testing.T) {
	f := newFixture(t)
	f.pendingFund(t, "chk_task", "creator", "75", "USD", "task-1")

	_, err := f.rec.Handle(context.Background(), "", flwHeader(), flwCharge("chk_task", "successful", "75", "USD"))
	require.NoError(t, err)

	rf, err := f.ledger.GetReservation(context.Background(), "task-1")
	require.NoError(t, err)
	assert.True(t, rf.Amount.Equal(d("75")))
	assert.Equal(t, "creator", rf.CreatorID)
	_, err = f.ledger.GetWallet(context.Background(), "creator")
	assert.ErrorIs(t, err, ledger.ErrWalletNotFound)
	assert.Equal(t, []notify.Kind{notify.KindTaskFunded}, f.notifier.kinds())
}

func TestReconciler_OutOfOrderChargeEvents(t *testing.T) {
	f := newFixture(t)
	f.pendingFund(t, "chk_ooo", "frank", "10", "USD", "")

	out, err := f.rec.Handle(context.Background(), "", flwHeader(), flwCharge("chk_ooo", "failed", "10", "USD"))
	require.NoError(t, err)
	assert.Equal(t, MsgProcessed, out.Message)

	out, err = f.rec.Handle(context.Background(), "", flwHeader(), flwCharge("chk_ooo", "successful", "10", "USD"))
	require.NoError(t, err)
	assert.Equal(t, MsgAlreadyProcessed, out.Message)

	tx, err := f.ledger.GetTransaction(context.Background(), "chk_ooo")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, tx.Status)
	_, err = f.ledger.GetWallet(context.Background(), "frank")
	assert.ErrorIs(t, err, ledger.ErrWalletNotFound)
}

func wiseBody(transferID, state string) []byte {
	return []byte(fmt.Sprintf(`{"event_type":"transfers#state-change","data":{"resource":{"id":%s,"type":"transfer"},"current_state":%q}}`,
		transferID, state))
}

func wiseHeader() http.Header {
	h := http.Header{}
	h.Set(gateway.WiseSecretHeader, wiseSecret)
	return h
}

func TestReconciler_WiseTransferResolvedByProviderID(t *testing.T) {
	f := newFixture(t)
	f.seedWallet(t, "gina", "USD", "100")
	f.pendingWithdrawal(t, "wd_1", "gina", "40", "USD", "47500")

	out, err := f.rec.Handle(context.Background(), "", wiseHeader(), wiseBody("47500", "outgoing_payment_sent"))
	require.NoError(t, err)
	assert.Equal(t, "wd_1", out.Reference)
	assert.Equal(t, MsgProcessed, out.Message)

	tx, err := f.ledger.GetTransaction(context.Background(), "wd_1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSuccessful, tx.Status)
	assert.True(t, f.balance(t, "gina").Equal(d("60")))
	assert.Equal(t, []notify.Kind{notify.KindWithdrawalCompleted}, f.notifier.kinds())
}

func TestReconciler_OutOfOrderTransferEvents(t *testing.T) {
	f := newFixture(t)
	f.seedWallet(t, "hank", "USD", "100")
	f.pendingWithdrawal(t, "wd_2", "hank", "30", "USD", "47501")

	_, err := f.rec.Handle(context.Background(), "", wiseHeader(), wiseBody("47501", "bounced_back"))
	require.NoError(t, err)
	assert.True(t, f.balance(t, "hank").Equal(d("100")))

	out, err := f.rec.Handle(context.Background(), "", wiseHeader(), wiseBody("47501", "outgoing_payment_sent"))
	require.NoError(t, err)
	assert.Equal(t, MsgAlreadyProcessed, out.Message)
	assert.True(t, f.balance(t, "hank").Equal(d("100")))

	tr, err := f.ledger.GetTransfer(context.Background(), "wd_2")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, tr.Status)
}

func TestReconciler_RejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	f.pendingFund(t, "chk_sig", "ivan", "10", "USD", "")

	h := http.Header{}
	h.Set(gateway.FlutterwaveSignatureHeader, "forged")
	_, err := f.rec.Handle(context.Background(), "", h, flwCharge("chk_sig", "successful", "10", "USD"))
	assert.ErrorIs(t, err, gateway.ErrBadSignature)
	assert.Equal(t, http.StatusUnauthorized, apperr.HTTPStatus(apperr.KindOf(err)))

	tx, err := f.ledger.GetTransaction(context.Background(), "chk_sig")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, tx.Status)
}

func TestReconciler_PathProviderMustMatchSignature(t *testing.T) {
	f := newFixture(t)
	f.pendingFund(t, "chk_path", "ivan", "10", "USD", "")

	// A Flutterwave payload posted to the Stripe route is judged by Stripe's secret.
	_, err := f.rec.Handle(context.Background(), gateway.KindStripe, flwHeader(), flwCharge("chk_path", "successful", "10", "USD"))
	assert.ErrorIs(t, err, gateway.ErrBadSignature)
}

func TestReconciler_MissingSecretRefuses(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"id":"WH-1","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"CAP-1","custom_id":"chk_1"}}`)

	_, err := f.rec.Handle(context.Background(), "", http.Header{}, body)
	assert.ErrorIs(t, err, gateway.ErrMissingSecret)
	assert.Equal(t, apperr.KindFatalConfig, apperr.KindOf(err))
}

func TestReconciler_UnmappedEventIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	header, body := stripeSigned(t, `{"id":"evt_9","object":"event","type":"customer.created","data":{"object":{"id":"cus_1"}}}`)

	out, err := f.rec.Handle(context.Background(), "", header, body)
	require.NoError(t, err)
	assert.Equal(t, MsgAcknowledged, out.Message)
}

func TestReconciler_MissingReference(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"event":"charge.completed","data":{"id":1,"status":"successful","amount":5,"currency":"USD"}}`)

	_, err := f.rec.Handle(context.Background(), "", flwHeader(), body)
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, apperr.KindValidation, ae.Kind)
	assert.Equal(t, "reference", ae.Field)
}

func TestReconciler_UnknownReference(t *testing.T) {
	f := newFixture(t)
	_, err := f.rec.Handle(context.Background(), "", flwHeader(), flwCharge("chk_nope", "successful", "1", "USD"))
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)

	_, err = f.rec.Handle(context.Background(), "", wiseHeader(), wiseBody("999", "outgoing_payment_sent"))
	assert.ErrorIs(t, err, ledger.ErrTransferNotFound)
}

func TestReconciler_UndetectablePayload(t *testing.T) {
	f := newFixture(t)
	_, err := f.rec.Handle(context.Background(), "", http.Header{}, []byte(`{"hello":"world"}`))
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestReconciler_ConversionFailureFlagsForReview(t *testing.T) {
	f := newFixture(t)
	f.seedWallet(t, "jane", "JPY", "100")
	f.pendingFund(t, "chk_fx", "jane", "10", "USD", "")

	_, err := f.rec.Handle(context.Background(), "", flwHeader(), flwCharge("chk_fx", "successful", "10", "USD"))
	assert.Equal(t, apperr.KindExternalService, apperr.KindOf(err))

	tx, err := f.ledger.GetTransaction(context.Background(), "chk_fx")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, tx.Status)
	assert.True(t, tx.NeedsReview)
	assert.True(t, f.balance(t, "jane").Equal(d("100")))
	assert.Empty(t, f.notifier.kinds())
}

func TestReconciler_EventForWrongTransactionType(t *testing.T) {
	f := newFixture(t)
	f.seedWallet(t, "kate", "USD", "50")
	f.pendingWithdrawal(t, "wd_3", "kate", "10", "USD", "")

	out, err := f.rec.Handle(context.Background(), "", flwHeader(), flwCharge("wd_3", "successful", "10", "USD"))
	require.NoError(t, err)
	assert.Equal(t, MsgAcknowledged, out.Message)
	assert.True(t, f.balance(t, "kate").Equal(d("40")))
}
