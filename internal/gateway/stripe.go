package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/taskpay/internal/circuitbreaker"
	"github.com/mbd888/taskpay/internal/config"
	"github.com/mbd888/taskpay/internal/metrics"
	"github.com/mbd888/taskpay/internal/money"
)

// StripeSignatureHeader carries Stripe's webhook signature.
const StripeSignatureHeader = "Stripe-Signature"

// Stripe uses Checkout Sessions for funding, Connect transfers for
// stripe-connect payouts and bank payouts for stripe-bank.
type Stripe struct {
	cfg     config.StripeConfig
	api     *client.API
	breaker *circuitbreaker.Breaker
}

// NewStripe creates the Stripe provider. hc may be nil.
func NewStripe(cfg config.StripeConfig, hc *http.Client) *Stripe {
	if hc == nil {
		hc = &http.Client{Timeout: DefaultTimeout}
	}
	bc := &stripe.BackendConfig{
		HTTPClient:        hc,
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if cfg.APIURL != "" {
		bc.URL = stripe.String(strings.TrimRight(cfg.APIURL, "/"))
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, bc)

	breaker := circuitbreaker.New(5, 30*time.Second)
	breaker.IsFailure = func(err error) bool {
		var se *stripe.Error
		if errors.As(err, &se) {
			return se.HTTPStatusCode >= 500 || se.HTTPStatusCode == http.StatusTooManyRequests
		}
		return true
	}

	return &Stripe{
		cfg:     cfg,
		api:     client.New(cfg.SecretKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend}),
		breaker: breaker,
	}
}

func (s *Stripe) Kind() Kind { return KindStripe }

func (s *Stripe) call(op, message string, fn func() error) error {
	if s.cfg.SecretKey == "" {
		return ErrNotConfigured
	}
	start := time.Now()
	err := s.breaker.Execute(string(KindStripe), fn)
	metrics.ObserveGateway(string(KindStripe), op, start, err)
	if err == nil {
		return nil
	}
	var se *stripe.Error
	if errors.As(err, &se) && se.Type != stripe.ErrorTypeIdempotency && refusalStatus(se.HTTPStatusCode) {
		return Rejected(classify(KindStripe, message, err))
	}
	return classify(KindStripe, message, err)
}

func (s *Stripe) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	currency := strings.ToLower(req.Currency)
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(req.Reference),
		SuccessURL:        stripe.String(s.cfg.SuccessURL),
		CancelURL:         stripe.String(s.cfg.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(currency),
				UnitAmount: stripe.Int64(money.ToMinor(req.Amount, req.Currency)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(checkoutName(req)),
				},
			},
			Quantity: stripe.Int64(1),
		}},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{"reference": req.Reference},
		},
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	params.AddMetadata("reference", req.Reference)
	params.AddMetadata("user_id", req.UserID)
	params.SetIdempotencyKey(req.Reference)
	params.Context = ctx

	var session *stripe.CheckoutSession
	err := s.call("checkout", "stripe checkout failed", func() error {
		var err error
		session, err = s.api.CheckoutSessions.New(params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &CheckoutSession{CheckoutURL: session.URL, ProviderReference: session.ID}, nil
}

func checkoutName(req CheckoutRequest) string {
	if req.Description != "" {
		return req.Description
	}
	return "Wallet funding"
}

func (s *Stripe) CreatePayout(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	amount := money.ToMinor(req.Amount, req.Currency)
	currency := strings.ToLower(req.Currency)

	switch req.Method {
	case MethodStripeConnect:
		params := &stripe.TransferParams{
			Amount:        stripe.Int64(amount),
			Currency:      stripe.String(currency),
			Destination:   stripe.String(req.Recipient[FieldStripeAccountID]),
			TransferGroup: stripe.String(req.Reference),
		}
		params.AddMetadata("reference", req.Reference)
		params.SetIdempotencyKey(req.Reference)
		params.Context = ctx

		var tr *stripe.Transfer
		err := s.call("payout", "stripe transfer failed", func() error {
			var err error
			tr, err = s.api.Transfers.New(params)
			return err
		})
		if err != nil {
			return nil, err
		}
		return &PayoutResult{ProviderTransferID: tr.ID, Status: "pending"}, nil

	case MethodStripeBank:
		tokenParams := &stripe.TokenParams{
			BankAccount: &stripe.BankAccountParams{
				Country:           stripe.String(bankCountry(req)),
				Currency:          stripe.String(currency),
				AccountHolderName: stripe.String(req.Recipient[FieldAccountHolderName]),
				AccountHolderType: stripe.String("individual"),
				AccountNumber:     stripe.String(req.Recipient[FieldAccountNumber]),
				RoutingNumber:     stripe.String(req.Recipient[FieldRoutingNumber]),
			},
		}
		tokenParams.SetIdempotencyKey(req.Reference + "-token")
		tokenParams.Context = ctx

		var tok *stripe.Token
		err := s.call("payout", "stripe bank account rejected", func() error {
			var err error
			tok, err = s.api.Tokens.New(tokenParams)
			return err
		})
		// No money moves before the payout call.
		if err != nil {
			return nil, Rejected(err)
		}
		if tok.BankAccount == nil {
			return nil, Rejected(classify(KindStripe, "stripe bank account rejected", fmt.Errorf("token %s has no bank account", tok.ID)))
		}

		params := &stripe.PayoutParams{
			Amount:      stripe.Int64(amount),
			Currency:    stripe.String(currency),
			Destination: stripe.String(tok.BankAccount.ID),
		}
		params.AddMetadata("reference", req.Reference)
		params.SetIdempotencyKey(req.Reference)
		params.Context = ctx

		var po *stripe.Payout
		err = s.call("payout", "stripe payout failed", func() error {
			var err error
			po, err = s.api.Payouts.New(params)
			return err
		})
		if err != nil {
			return nil, err
		}
		return &PayoutResult{ProviderTransferID: po.ID, Status: string(po.Status)}, nil
	}
	return nil, fmt.Errorf("stripe: unsupported payout method %q", req.Method)
}

func bankCountry(req PayoutRequest) string {
	if c := req.Recipient["country"]; c != "" {
		return strings.ToUpper(c)
	}
	switch strings.ToUpper(req.Currency) {
	case "CAD":
		return "CA"
	case "AUD":
		return "AU"
	case "GBP":
		return "GB"
	}
	return "US"
}

func (s *Stripe) Authenticate(_ context.Context, header http.Header, body []byte) error {
	if s.cfg.WebhookSecret == "" {
		return ErrMissingSecret
	}
	_, err := webhook.ConstructEventWithOptions(body, header.Get(StripeSignatureHeader), s.cfg.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}

var stripeEventTypes = map[string]EventType{
	"checkout.session.completed":               EventChargeSucceeded,
	"checkout.session.async_payment_succeeded": EventChargeSucceeded,
	"checkout.session.expired":                 EventChargeFailed,
	"checkout.session.async_payment_failed":    EventChargeFailed,
	"payment_intent.payment_failed":            EventChargeFailed,
	"transfer.created":                         EventTransferSucceeded,
	"payout.paid":                              EventTransferSucceeded,
	"transfer.reversed":                        EventTransferFailed,
	"payout.failed":                            EventTransferFailed,
	"payout.canceled":                          EventTransferFailed,
}

func (s *Stripe) NormalizeWebhook(_ http.Header, body []byte) (*Event, error) {
	var se stripe.Event
	if err := json.Unmarshal(body, &se); err != nil || se.Data == nil {
		return nil, ErrMalformed
	}
	ev := &Event{
		Provider:        KindStripe,
		ProviderEventID: se.ID,
		RawType:         string(se.Type),
		Type:            stripeEventTypes[string(se.Type)],
	}

	raw := se.Data.Raw
	switch {
	case strings.HasPrefix(ev.RawType, "checkout.session."):
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(raw, &cs); err != nil {
			return nil, ErrMalformed
		}
		ev.Reference = firstNonEmpty(cs.ClientReferenceID, cs.Metadata["reference"], cs.ID)
		ev.ProviderReference = cs.ID
		ev.Currency = strings.ToUpper(string(cs.Currency))
		ev.Amount = money.FromMinor(cs.AmountTotal, ev.Currency)
		// Delayed payment methods complete the session before the money
		// arrives; async_payment_succeeded settles those.
		if ev.RawType == "checkout.session.completed" && cs.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
			ev.Type = EventUnmapped
		}
		if ev.Type == EventChargeFailed {
			ev.FailureReason = ev.RawType
		}

	case strings.HasPrefix(ev.RawType, "payment_intent."):
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(raw, &pi); err != nil {
			return nil, ErrMalformed
		}
		ev.Reference = pi.Metadata["reference"]
		ev.ProviderReference = pi.ID
		ev.Currency = strings.ToUpper(string(pi.Currency))
		ev.Amount = money.FromMinor(pi.Amount, ev.Currency)
		if pi.LastPaymentError != nil {
			ev.FailureReason = pi.LastPaymentError.Msg
		}

	case strings.HasPrefix(ev.RawType, "transfer."):
		var tr stripe.Transfer
		if err := json.Unmarshal(raw, &tr); err != nil {
			return nil, ErrMalformed
		}
		ev.Reference = firstNonEmpty(tr.Metadata["reference"], tr.TransferGroup)
		ev.ProviderReference = tr.ID
		ev.Currency = strings.ToUpper(string(tr.Currency))
		ev.Amount = money.FromMinor(tr.Amount, ev.Currency)
		if ev.Type == EventTransferFailed {
			ev.FailureReason = "transfer reversed"
		}

	case strings.HasPrefix(ev.RawType, "payout."):
		var po stripe.Payout
		if err := json.Unmarshal(raw, &po); err != nil {
			return nil, ErrMalformed
		}
		ev.Reference = po.Metadata["reference"]
		ev.ProviderReference = po.ID
		ev.Currency = strings.ToUpper(string(po.Currency))
		ev.Amount = money.FromMinor(po.Amount, ev.Currency)
		ev.FailureReason = po.FailureMessage
	}
	return ev, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
