package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mbd888/taskpay/internal/config"
	"github.com/mbd888/taskpay/internal/money"
)

// FlutterwaveSignatureHeader carries the dashboard-configured secret hash.
const FlutterwaveSignatureHeader = "verif-hash"

// Flutterwave talks to the Flutterwave v3 REST API.
type Flutterwave struct {
	cfg    config.FlutterwaveConfig
	client *apiClient
}

// NewFlutterwave creates the Flutterwave provider. hc may be nil.
func NewFlutterwave(cfg config.FlutterwaveConfig, hc *http.Client) *Flutterwave {
	if cfg.BaseURL == "" {
		cfg.BaseURL = config.DefaultFlutterwaveURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Flutterwave{cfg: cfg, client: newAPIClient(KindFlutterwave, hc)}
}

func (f *Flutterwave) Kind() Kind { return KindFlutterwave }

func (f *Flutterwave) auth() (http.Header, error) {
	if f.cfg.SecretKey == "" {
		return nil, ErrNotConfigured
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+f.cfg.SecretKey)
	return h, nil
}

type flwEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (f *Flutterwave) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	header, err := f.auth()
	if err != nil {
		return nil, err
	}
	customer := map[string]string{"name": req.UserID}
	if req.CustomerEmail != "" {
		customer["email"] = req.CustomerEmail
	}
	payload := map[string]any{
		"tx_ref":       req.Reference,
		"amount":       money.Format(req.Amount, req.Currency),
		"currency":     req.Currency,
		"redirect_url": f.cfg.RedirectURL,
		"customer":     customer,
		"meta":         map[string]string{"user_id": req.UserID},
		"customizations": map[string]string{
			"title":       "Wallet funding",
			"description": req.Description,
		},
	}

	var env flwEnvelope
	if err := f.client.do(ctx, request{
		op: "checkout", method: http.MethodPost, url: f.cfg.BaseURL + "/v3/payments",
		header: header, body: payload, baseErr: "flutterwave checkout failed",
	}, &env); err != nil {
		return nil, err
	}
	var data struct {
		Link string `json:"link"`
	}
	if env.Status != "success" || json.Unmarshal(env.Data, &data) != nil || data.Link == "" {
		return nil, classify(KindFlutterwave, "flutterwave checkout failed", fmt.Errorf("unexpected response: %s", env.Message))
	}
	return &CheckoutSession{CheckoutURL: data.Link, ProviderReference: req.Reference}, nil
}

func (f *Flutterwave) CreatePayout(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	header, err := f.auth()
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"account_bank":   req.Recipient[FieldBankCode],
		"account_number": req.Recipient[FieldAccountNumber],
		"amount":         money.Round(req.Amount, req.Currency).InexactFloat64(),
		"currency":       req.Currency,
		"reference":      req.Reference,
		"narration":      "Earnings withdrawal " + req.Reference,
	}

	var env flwEnvelope
	if err := f.client.do(ctx, request{
		op: "payout", method: http.MethodPost, url: f.cfg.BaseURL + "/v3/transfers",
		header: header, body: payload, baseErr: "flutterwave transfer failed",
	}, &env); err != nil {
		return nil, err
	}
	var data struct {
		ID     json.Number `json:"id"`
		Status string      `json:"status"`
	}
	if env.Status != "success" {
		return nil, Rejected(classify(KindFlutterwave, "flutterwave transfer failed", fmt.Errorf("transfer refused: %s", env.Message)))
	}
	if json.Unmarshal(env.Data, &data) != nil || data.ID == "" {
		return nil, classify(KindFlutterwave, "flutterwave transfer failed", fmt.Errorf("unexpected response: %s", env.Message))
	}
	return &PayoutResult{ProviderTransferID: data.ID.String(), Status: data.Status}, nil
}

func (f *Flutterwave) Authenticate(_ context.Context, header http.Header, _ []byte) error {
	if f.cfg.WebhookHash == "" {
		return ErrMissingSecret
	}
	got := header.Get(FlutterwaveSignatureHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(f.cfg.WebhookHash)) != 1 {
		return ErrBadSignature
	}
	return nil
}

type flwWebhook struct {
	Event     string `json:"event"`
	EventType string `json:"event.type"`
	Data      struct {
		ID              json.Number     `json:"id"`
		TxRef           string          `json:"tx_ref"`
		FlwRef          string          `json:"flw_ref"`
		Reference       string          `json:"reference"`
		Amount          decimal.Decimal `json:"amount"`
		Currency        string          `json:"currency"`
		Status          string          `json:"status"`
		CompleteMessage string          `json:"complete_message"`
		ProcessorResp   string          `json:"processor_response"`
	} `json:"data"`
}

func (f *Flutterwave) NormalizeWebhook(_ http.Header, body []byte) (*Event, error) {
	var wh flwWebhook
	if err := json.Unmarshal(body, &wh); err != nil {
		return nil, ErrMalformed
	}
	ev := &Event{
		Provider:        KindFlutterwave,
		ProviderEventID: wh.Data.ID.String(),
		RawType:         wh.Event,
		Amount:          wh.Data.Amount,
		Currency:        strings.ToUpper(wh.Data.Currency),
	}
	status := strings.ToLower(wh.Data.Status)

	switch wh.Event {
	case "charge.completed":
		ev.Reference = wh.Data.TxRef
		ev.ProviderReference = wh.Data.ID.String()
		switch status {
		case "successful":
			ev.Type = EventChargeSucceeded
		case "failed":
			ev.Type = EventChargeFailed
			ev.FailureReason = wh.Data.ProcessorResp
		}
	case "transfer.completed":
		ev.Reference = wh.Data.Reference
		ev.ProviderReference = wh.Data.ID.String()
		switch status {
		case "successful":
			ev.Type = EventTransferSucceeded
		case "failed":
			ev.Type = EventTransferFailed
			ev.FailureReason = wh.Data.CompleteMessage
		}
	}
	if ev.ProviderEventID == "" {
		ev.ProviderEventID = wh.Event + ":" + ev.Reference + ":" + status
	}
	return ev, nil
}
