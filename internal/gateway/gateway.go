// Package gateway adapts the payment processors behind one Provider
// interface.
//
// Flow:
//  1. Checkout asks a Provider for a hosted payment page for a reference
//  2. Withdrawals ask a Provider to pay out to a validated recipient
//  3. Processor webhooks are authenticated by the Provider that owns them
//     and normalized into a canonical Event keyed by the same reference
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mbd888/taskpay/internal/apperr"
	"github.com/mbd888/taskpay/internal/circuitbreaker"
)

// Kind identifies a payment processor.
type Kind string

const (
	KindFlutterwave Kind = "flutterwave"
	KindStripe      Kind = "stripe"
	KindPayPal      Kind = "paypal"
	KindWise        Kind = "wise"
)

var kinds = []Kind{KindFlutterwave, KindStripe, KindPayPal, KindWise}

// ParseKind validates a processor name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range kinds {
		if k == known {
			return k, nil
		}
	}
	return "", apperr.Validation("paymentGateway", fmt.Sprintf("unsupported gateway %q", s))
}

// SupportsCheckout reports whether k offers hosted checkout. Wise only
// pays out.
func SupportsCheckout(k Kind) bool {
	return k != KindWise
}

// Errors
var (
	// ErrMissingSecret means the provider cannot authenticate its webhooks
	// because its signing secret is not configured.
	ErrMissingSecret = apperr.Coded(apperr.KindFatalConfig, "misconfigured", "webhook signing secret not configured")
	ErrBadSignature  = apperr.New(apperr.KindAuthentication, "webhook signature verification failed")
	ErrMalformed     = apperr.Validation("body", "malformed webhook payload")
	ErrNoCheckout    = apperr.Validation("paymentGateway", "gateway does not offer hosted checkout")
	ErrNotConfigured = apperr.Coded(apperr.KindFatalConfig, "misconfigured", "gateway credentials not configured")

	// ErrTimeout marks a call whose outcome at the provider is unknown.
	ErrTimeout = errors.New("gateway: request timed out")

	// ErrRejected marks a request the provider refused outright or that was
	// never sent.
	ErrRejected = errors.New("gateway: request rejected")
)

// IsTimeout reports whether err came from a provider call that timed out.
// The same reference must be reused when retrying it.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// Rejected tags err as a definite refusal.
func Rejected(err error) error {
	if err == nil || errors.Is(err, ErrRejected) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrRejected, err)
}

// IsRejected reports whether err proves the provider did not accept the
// request. Any other error leaves the outcome at the provider unknown.
func IsRejected(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrRejected) ||
		errors.Is(err, ErrNotConfigured) ||
		errors.Is(err, circuitbreaker.ErrOpen) ||
		apperr.KindOf(err) == apperr.KindValidation
}

// EventType is a canonical webhook event type.
type EventType string

const (
	EventChargeSucceeded   EventType = "charge.succeeded"
	EventChargeFailed      EventType = "charge.failed"
	EventTransferSucceeded EventType = "transfer.succeeded"
	EventTransferFailed    EventType = "transfer.failed"
	EventUnmapped          EventType = ""
)

// IsCharge reports whether t settles a checkout.
func (t EventType) IsCharge() bool {
	return t == EventChargeSucceeded || t == EventChargeFailed
}

// IsTransfer reports whether t settles a payout.
func (t EventType) IsTransfer() bool {
	return t == EventTransferSucceeded || t == EventTransferFailed
}

// Event is a processor webhook in canonical form.
type Event struct {
	Provider          Kind
	ProviderEventID   string
	RawType           string
	Type              EventType
	Reference         string // our reference, when the processor echoes it
	ProviderReference string // the processor's id for the charge or transfer
	Amount            decimal.Decimal
	Currency          string
	FailureReason     string
}

// CheckoutRequest asks for a hosted payment page.
type CheckoutRequest struct {
	Reference     string
	UserID        string
	CustomerEmail string
	Amount        decimal.Decimal
	Currency      string
	Description   string
}

// CheckoutSession is a created hosted payment page.
type CheckoutSession struct {
	CheckoutURL       string
	ProviderReference string
}

// PayoutRequest asks for money to leave the platform.
type PayoutRequest struct {
	Reference string
	UserID    string
	Method    PayoutMethod
	Amount    decimal.Decimal
	Currency  string
	Recipient map[string]string
}

// PayoutResult is an accepted payout. Final status arrives by webhook.
type PayoutResult struct {
	ProviderTransferID string
	Status             string
}

// Provider is one payment processor.
type Provider interface {
	Kind() Kind
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	CreatePayout(ctx context.Context, req PayoutRequest) (*PayoutResult, error)
	// Authenticate verifies that a webhook came from the processor, using
	// this provider's own secret. It never passes when the secret is not
	// configured.
	Authenticate(ctx context.Context, header http.Header, body []byte) error
	NormalizeWebhook(header http.Header, body []byte) (*Event, error)
}

// Registry selects providers by Kind.
type Registry struct {
	providers map[Kind]Provider
}

// NewRegistry creates a registry of the given providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[Kind]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Kind()] = p
	}
	return r
}

// Get returns the provider for k.
func (r *Registry) Get(k Kind) (Provider, error) {
	p, ok := r.providers[k]
	if !ok {
		return nil, apperr.Validation("paymentGateway", fmt.Sprintf("gateway %q is not enabled", k))
	}
	return p, nil
}

// Kinds lists the registered providers in a stable order.
func (r *Registry) Kinds() []Kind {
	out := make([]Kind, 0, len(r.providers))
	for k := range r.providers {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Detect identifies the processor that sent a webhook. Detection is not
// trust: the returned provider must still Authenticate the request.
func Detect(header http.Header, body []byte) (Kind, bool) {
	switch {
	case header.Get(FlutterwaveSignatureHeader) != "":
		return KindFlutterwave, true
	case header.Get(StripeSignatureHeader) != "":
		return KindStripe, true
	case header.Get(WiseSecretHeader) != "":
		return KindWise, true
	case looksLikePayPal(body):
		return KindPayPal, true
	}
	return "", false
}
