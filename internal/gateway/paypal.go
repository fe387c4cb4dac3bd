package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/taskpay/internal/config"
	"github.com/mbd888/taskpay/internal/money"
)

// PayPal transmission headers used for signature verification.
const (
	PayPalTransmissionIDHeader   = "Paypal-Transmission-Id"
	PayPalTransmissionTimeHeader = "Paypal-Transmission-Time"
	PayPalTransmissionSigHeader  = "Paypal-Transmission-Sig"
	PayPalCertURLHeader          = "Paypal-Cert-Url"
	PayPalAuthAlgoHeader         = "Paypal-Auth-Algo"
)

// PayPal uses Orders v2 for funding and Payouts v1 for withdrawals.
type PayPal struct {
	cfg    config.PayPalConfig
	client *apiClient
	now    func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewPayPal creates the PayPal provider. hc may be nil.
func NewPayPal(cfg config.PayPalConfig, hc *http.Client) *PayPal {
	if cfg.BaseURL == "" {
		cfg.BaseURL = config.DefaultPayPalURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &PayPal{cfg: cfg, client: newAPIClient(KindPayPal, hc), now: time.Now}
}

func (p *PayPal) Kind() Kind { return KindPayPal }

// accessToken returns a cached OAuth token, fetching a new one shortly
// before the old one expires.
func (p *PayPal) accessToken(ctx context.Context) (string, error) {
	if p.cfg.ClientID == "" || p.cfg.ClientSecret == "" {
		return "", ErrNotConfigured
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token != "" && p.now().Before(p.tokenExpiry) {
		return p.token, nil
	}

	h := http.Header{}
	h.Set("Authorization", "Basic "+basicAuth(p.cfg.ClientID, p.cfg.ClientSecret))
	var resp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := p.client.do(ctx, request{
		op: "oauth", method: http.MethodPost, url: p.cfg.BaseURL + "/v1/oauth2/token",
		header: h, form: url.Values{"grant_type": {"client_credentials"}}.Encode(),
		baseErr: "paypal authentication failed",
	}, &resp); err != nil {
		return "", err
	}
	p.token = resp.AccessToken
	p.tokenExpiry = p.now().Add(time.Duration(resp.ExpiresIn)*time.Second - time.Minute)
	return p.token, nil
}

func (p *PayPal) authHeader(ctx context.Context, requestID string) (http.Header, error) {
	token, err := p.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	if requestID != "" {
		h.Set("PayPal-Request-Id", requestID)
	}
	return h, nil
}

type paypalAmount struct {
	CurrencyCode string `json:"currency_code,omitempty"`
	Currency     string `json:"currency,omitempty"`
	Value        string `json:"value"`
}

type paypalLink struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

func (p *PayPal) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	header, err := p.authHeader(ctx, req.Reference)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{{
			"reference_id": req.Reference,
			"custom_id":    req.Reference,
			"description":  checkoutName(req),
			"amount": paypalAmount{
				CurrencyCode: req.Currency,
				Value:        money.Format(req.Amount, req.Currency),
			},
		}},
		"application_context": map[string]string{
			"return_url":  p.cfg.ReturnURL,
			"cancel_url":  p.cfg.CancelURL,
			"user_action": "PAY_NOW",
		},
	}

	var resp struct {
		ID    string       `json:"id"`
		Links []paypalLink `json:"links"`
	}
	if err := p.client.do(ctx, request{
		op: "checkout", method: http.MethodPost, url: p.cfg.BaseURL + "/v2/checkout/orders",
		header: header, body: payload, baseErr: "paypal checkout failed",
	}, &resp); err != nil {
		return nil, err
	}
	for _, l := range resp.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			return &CheckoutSession{CheckoutURL: l.Href, ProviderReference: resp.ID}, nil
		}
	}
	return nil, classify(KindPayPal, "paypal checkout failed", errNoApproveLink)
}

func (p *PayPal) CreatePayout(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	header, err := p.authHeader(ctx, req.Reference)
	if err != nil {
		return nil, Rejected(err)
	}
	payload := map[string]any{
		"sender_batch_header": map[string]string{
			"sender_batch_id": req.Reference,
			"email_subject":   "You have a payout",
		},
		"items": []map[string]any{{
			"recipient_type": "EMAIL",
			"receiver":       req.Recipient[FieldPayPalEmail],
			"sender_item_id": req.Reference,
			"amount": paypalAmount{
				Currency: req.Currency,
				Value:    money.Format(req.Amount, req.Currency),
			},
		}},
	}

	var resp struct {
		BatchHeader struct {
			PayoutBatchID string `json:"payout_batch_id"`
			BatchStatus   string `json:"batch_status"`
		} `json:"batch_header"`
	}
	if err := p.client.do(ctx, request{
		op: "payout", method: http.MethodPost, url: p.cfg.BaseURL + "/v1/payments/payouts",
		header: header, body: payload, baseErr: "paypal payout failed",
	}, &resp); err != nil {
		return nil, err
	}
	return &PayoutResult{
		ProviderTransferID: resp.BatchHeader.PayoutBatchID,
		Status:             strings.ToLower(resp.BatchHeader.BatchStatus),
	}, nil
}

// Authenticate asks PayPal to verify the transmission signature against
// the configured webhook id.
func (p *PayPal) Authenticate(ctx context.Context, header http.Header, body []byte) error {
	if p.cfg.WebhookID == "" {
		return ErrMissingSecret
	}
	for _, h := range []string{PayPalTransmissionIDHeader, PayPalTransmissionTimeHeader, PayPalTransmissionSigHeader, PayPalCertURLHeader, PayPalAuthAlgoHeader} {
		if header.Get(h) == "" {
			return ErrBadSignature
		}
	}
	auth, err := p.authHeader(ctx, "")
	if err != nil {
		return err
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, body); err != nil {
		return ErrMalformed
	}
	payload := map[string]any{
		"auth_algo":         header.Get(PayPalAuthAlgoHeader),
		"cert_url":          header.Get(PayPalCertURLHeader),
		"transmission_id":   header.Get(PayPalTransmissionIDHeader),
		"transmission_sig":  header.Get(PayPalTransmissionSigHeader),
		"transmission_time": header.Get(PayPalTransmissionTimeHeader),
		"webhook_id":        p.cfg.WebhookID,
		"webhook_event":     json.RawMessage(compact.Bytes()),
	}
	var resp struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := p.client.do(ctx, request{
		op: "verify_webhook", method: http.MethodPost, url: p.cfg.BaseURL + "/v1/notifications/verify-webhook-signature",
		header: auth, body: payload, baseErr: "paypal signature verification unavailable",
	}, &resp); err != nil {
		return err
	}
	if resp.VerificationStatus != "SUCCESS" {
		return ErrBadSignature
	}
	return nil
}

var paypalEventTypes = map[string]EventType{
	"PAYMENT.CAPTURE.COMPLETED":      EventChargeSucceeded,
	"CHECKOUT.ORDER.COMPLETED":       EventChargeSucceeded,
	"PAYMENT.CAPTURE.DENIED":         EventChargeFailed,
	"PAYMENT.CAPTURE.DECLINED":       EventChargeFailed,
	"CHECKOUT.ORDER.VOIDED":          EventChargeFailed,
	"PAYMENT.PAYOUTS-ITEM.SUCCEEDED": EventTransferSucceeded,
	"PAYMENT.PAYOUTS-ITEM.FAILED":    EventTransferFailed,
	"PAYMENT.PAYOUTS-ITEM.RETURNED":  EventTransferFailed,
	"PAYMENT.PAYOUTS-ITEM.BLOCKED":   EventTransferFailed,
	"PAYMENT.PAYOUTS-ITEM.DENIED":    EventTransferFailed,
	"PAYMENT.PAYOUTS-ITEM.REFUNDED":  EventTransferFailed,
	"PAYMENT.PAYOUTS-ITEM.CANCELED":  EventTransferFailed,
}

type paypalWebhook struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Resource  json.RawMessage `json:"resource"`
}

// looksLikePayPal matches PayPal's payload shape: a top-level event_type
// plus a resource object.
func looksLikePayPal(body []byte) bool {
	var wh paypalWebhook
	if err := json.Unmarshal(body, &wh); err != nil {
		return false
	}
	return wh.EventType != "" && len(wh.Resource) > 0 && wh.Resource[0] == '{'
}

func (p *PayPal) NormalizeWebhook(_ http.Header, body []byte) (*Event, error) {
	var wh paypalWebhook
	if err := json.Unmarshal(body, &wh); err != nil || len(wh.Resource) == 0 {
		return nil, ErrMalformed
	}
	ev := &Event{
		Provider:        KindPayPal,
		ProviderEventID: wh.ID,
		RawType:         wh.EventType,
		Type:            paypalEventTypes[wh.EventType],
	}

	switch {
	case strings.HasPrefix(wh.EventType, "PAYMENT.PAYOUTS-ITEM."):
		var res struct {
			PayoutItemID      string `json:"payout_item_id"`
			PayoutBatchID     string `json:"payout_batch_id"`
			TransactionStatus string `json:"transaction_status"`
			PayoutItem        struct {
				SenderItemID string       `json:"sender_item_id"`
				Amount       paypalAmount `json:"amount"`
			} `json:"payout_item"`
			Errors struct {
				Message string `json:"message"`
			} `json:"errors"`
		}
		if err := json.Unmarshal(wh.Resource, &res); err != nil {
			return nil, ErrMalformed
		}
		ev.Reference = res.PayoutItem.SenderItemID
		ev.ProviderReference = firstNonEmpty(res.PayoutBatchID, res.PayoutItemID)
		ev.Currency = strings.ToUpper(res.PayoutItem.Amount.Currency)
		ev.Amount, _ = decimal.NewFromString(res.PayoutItem.Amount.Value)
		if ev.Type == EventTransferFailed {
			ev.FailureReason = firstNonEmpty(res.Errors.Message, strings.ToLower(res.TransactionStatus))
		}

	case strings.HasPrefix(wh.EventType, "PAYMENT.CAPTURE."):
		var res struct {
			ID       string       `json:"id"`
			CustomID string       `json:"custom_id"`
			Amount   paypalAmount `json:"amount"`
		}
		if err := json.Unmarshal(wh.Resource, &res); err != nil {
			return nil, ErrMalformed
		}
		ev.Reference = res.CustomID
		ev.ProviderReference = res.ID
		ev.Currency = strings.ToUpper(res.Amount.CurrencyCode)
		ev.Amount, _ = decimal.NewFromString(res.Amount.Value)

	case strings.HasPrefix(wh.EventType, "CHECKOUT.ORDER."):
		var res struct {
			ID            string `json:"id"`
			PurchaseUnits []struct {
				CustomID    string       `json:"custom_id"`
				ReferenceID string       `json:"reference_id"`
				Amount      paypalAmount `json:"amount"`
			} `json:"purchase_units"`
		}
		if err := json.Unmarshal(wh.Resource, &res); err != nil {
			return nil, ErrMalformed
		}
		ev.ProviderReference = res.ID
		if len(res.PurchaseUnits) > 0 {
			pu := res.PurchaseUnits[0]
			ev.Reference = firstNonEmpty(pu.CustomID, pu.ReferenceID)
			ev.Currency = strings.ToUpper(pu.Amount.CurrencyCode)
			ev.Amount, _ = decimal.NewFromString(pu.Amount.Value)
		}
	}
	return ev, nil
}
