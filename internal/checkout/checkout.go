// Package checkout opens hosted checkout sessions for wallet and task
// funding.
package checkout

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mbd888/taskpay/internal/apperr"
	"github.com/mbd888/taskpay/internal/gateway"
	"github.com/mbd888/taskpay/internal/idgen"
	"github.com/mbd888/taskpay/internal/ledger"
	"github.com/mbd888/taskpay/internal/logging"
	"github.com/mbd888/taskpay/internal/money"
	"github.com/mbd888/taskpay/internal/traces"
	"github.com/mbd888/taskpay/internal/validation"
)

// Request is a checkout initiation.
type Request struct {
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	PaymentGateway string          `json:"paymentGateway"`
	PaymentType    string          `json:"paymentType"`
	TaskID         string          `json:"taskId,omitempty"`
	Description    string          `json:"description,omitempty"`
	CustomerEmail  string          `json:"customerEmail,omitempty"`
}

// Response points the payer at the provider's hosted page.
type Response struct {
	CheckoutURL string `json:"checkoutUrl"`
	Reference   string `json:"reference"`
}

// Service creates checkouts.
type Service struct {
	ledger   *ledger.Ledger
	gateways *gateway.Registry
}

// NewService creates a checkout service.
func NewService(l *ledger.Ledger, gateways *gateway.Registry) *Service {
	return &Service{ledger: l, gateways: gateways}
}

func (r *Request) validate() error {
	if r.PaymentType == "" {
		r.PaymentType = string(ledger.TypeFund)
	}
	errs := validation.Validate(
		validation.Required("paymentGateway", r.PaymentGateway),
		validation.Required("currency", r.Currency),
		validation.ValidCurrency("currency", r.Currency),
		validation.OneOf("paymentType", r.PaymentType, string(ledger.TypeFund)),
		validation.MaxLength("taskId", r.TaskID, 128),
		validation.MaxLength("description", r.Description, 500),
	)
	if err := errs.Err(); err != nil {
		return err
	}
	currency, _ := money.NormalizeCurrency(r.Currency)
	r.Currency = currency
	return validation.Validate(
		validation.ValidAmount("amount", r.Amount.String(), currency),
	).Err()
}

// Create records a pending fund transaction and then opens the provider
// checkout. The transaction exists before the provider is called so an
// early webhook always finds its reference.
func (s *Service) Create(ctx context.Context, userID string, req Request) (*Response, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	kind, err := gateway.ParseKind(req.PaymentGateway)
	if err != nil {
		return nil, err
	}
	if !gateway.SupportsCheckout(kind) {
		return nil, gateway.ErrNoCheckout
	}
	provider, err := s.gateways.Get(kind)
	if err != nil {
		return nil, err
	}

	reference := idgen.WithPrefix(idgen.PrefixCheckout)
	ctx, span := traces.StartSpan(ctx, "checkout.Create",
		traces.UserID(userID),
		traces.Provider(string(kind)),
		traces.Reference(reference),
		traces.Amount(req.Amount.String(), req.Currency),
	)
	defer span.End()

	if _, err := s.ledger.RecordTransaction(ctx, &ledger.Transaction{
		Reference:   reference,
		UserID:      userID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Method:      string(kind),
		PaymentType: ledger.TypeFund,
		TaskID:      strings.TrimSpace(req.TaskID),
		Description: validation.SanitizeString(req.Description, 500),
	}); err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	session, err := provider.CreateCheckout(ctx, gateway.CheckoutRequest{
		Reference:     reference,
		UserID:        userID,
		CustomerEmail: req.CustomerEmail,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Description:   req.Description,
	})
	if err != nil {
		traces.RecordError(span, err)
		if _, ferr := s.ledger.FailTransaction(ctx, reference, "checkout could not be opened"); ferr != nil {
			logging.L(ctx).Error("failed to mark checkout transaction failed", "reference", reference, "error", ferr)
		}
		logging.L(ctx).Warn("checkout failed", "provider", kind, "reference", reference, "error", err)
		if apperr.KindOf(err) == apperr.KindInternal {
			return nil, apperr.External("payment gateway unavailable", err)
		}
		return nil, err
	}

	if session.ProviderReference != "" && session.ProviderReference != reference {
		if err := s.ledger.SetProviderReference(ctx, reference, session.ProviderReference); err != nil {
			logging.L(ctx).Error("failed to store provider reference", "reference", reference, "error", err)
		}
	}
	logging.L(ctx).Info("checkout created", "provider", kind, "reference", reference, "user_id", userID)
	return &Response{CheckoutURL: session.CheckoutURL, Reference: reference}, nil
}
