package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/mbd888/taskpay/internal/config"
	"github.com/mbd888/taskpay/internal/money"
)

// WiseSecretHeader carries the shared secret configured on the Wise
// webhook subscription.
const WiseSecretHeader = "X-Wise-Webhook-Secret"

// Wise pays out through quotes, recipient accounts and balance-funded
// transfers. It has no hosted checkout.
type Wise struct {
	cfg    config.WiseConfig
	client *apiClient
}

// NewWise creates the Wise provider. hc may be nil.
func NewWise(cfg config.WiseConfig, hc *http.Client) *Wise {
	if cfg.BaseURL == "" {
		cfg.BaseURL = config.DefaultWiseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Wise{cfg: cfg, client: newAPIClient(KindWise, hc)}
}

func (w *Wise) Kind() Kind { return KindWise }

func (w *Wise) CreateCheckout(context.Context, CheckoutRequest) (*CheckoutSession, error) {
	return nil, ErrNoCheckout
}

func (w *Wise) auth() (http.Header, error) {
	if w.cfg.APIToken == "" || w.cfg.ProfileID == "" {
		return nil, ErrNotConfigured
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+w.cfg.APIToken)
	return h, nil
}

// wiseAccountType maps a target currency to Wise's recipient account type.
func wiseAccountType(currency string) string {
	switch strings.ToUpper(currency) {
	case "USD":
		return "aba"
	case "EUR":
		return "iban"
	case "GBP":
		return "sort_code"
	case "NGN":
		return "nigeria"
	}
	return "swift_code"
}

// wiseDetailKeys maps our recipient fields onto Wise's account details.
var wiseDetailKeys = map[string]string{
	FieldAccountNumber: "accountNumber",
	FieldRoutingNumber: "abartn",
	FieldIBAN:          "IBAN",
	FieldSortCode:      "sortCode",
	FieldBankCode:      "bankCode",
	FieldSwiftCode:     "swiftCode",
}

func (w *Wise) CreatePayout(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	header, err := w.auth()
	if err != nil {
		return nil, err
	}
	profile := w.cfg.ProfileID

	var quote struct {
		ID string `json:"id"`
	}
	if err := w.client.do(ctx, request{
		op: "quote", method: http.MethodPost, url: w.cfg.BaseURL + "/v3/profiles/" + profile + "/quotes",
		header: header, baseErr: "wise quote failed",
		body: map[string]any{
			"sourceCurrency": req.Currency,
			"targetCurrency": req.Currency,
			"targetAmount":   money.Round(req.Amount, req.Currency).InexactFloat64(),
			"payOut":         "BANK_TRANSFER",
		},
	}, &quote); err != nil {
		return nil, Rejected(err)
	}

	recipientID := req.Recipient[FieldRecipientID]
	if recipientID == "" {
		details := map[string]any{"legalType": "PRIVATE"}
		for _, field := range WiseRequiredFields(req.Currency) {
			if key, ok := wiseDetailKeys[field]; ok {
				details[key] = req.Recipient[field]
			}
		}
		var account struct {
			ID json.Number `json:"id"`
		}
		if err := w.client.do(ctx, request{
			op: "recipient", method: http.MethodPost, url: w.cfg.BaseURL + "/v1/accounts",
			header: header, baseErr: "wise recipient rejected",
			body: map[string]any{
				"profile":           profile,
				"accountHolderName": req.Recipient[FieldAccountHolderName],
				"currency":          req.Currency,
				"type":              wiseAccountType(req.Currency),
				"details":           details,
			},
		}, &account); err != nil {
			return nil, Rejected(err)
		}
		recipientID = account.ID.String()
	}

	var transfer struct {
		ID     json.Number `json:"id"`
		Status string      `json:"status"`
	}
	if err := w.client.do(ctx, request{
		op: "payout", method: http.MethodPost, url: w.cfg.BaseURL + "/v1/transfers",
		header: header, baseErr: "wise transfer failed",
		body: map[string]any{
			"targetAccount":         recipientID,
			"quoteUuid":             quote.ID,
			"customerTransactionId": req.Reference,
			"details":               map[string]string{"reference": truncate(req.Reference, 32)},
		},
	}, &transfer); err != nil {
		return nil, err
	}
	transferID := transfer.ID.String()

	var funding struct {
		Status string `json:"status"`
	}
	if err := w.client.do(ctx, request{
		op: "fund", method: http.MethodPost,
		url:    fmt.Sprintf("%s/v3/profiles/%s/transfers/%s/payments", w.cfg.BaseURL, profile, transferID),
		header: header, baseErr: "wise transfer funding failed",
		body:   map[string]string{"type": "BALANCE"},
	}, &funding); err != nil {
		return nil, err
	}
	if funding.Status != "" && funding.Status != "COMPLETED" {
		return nil, Rejected(classify(KindWise, "wise transfer funding failed", fmt.Errorf("funding status %s", funding.Status)))
	}
	return &PayoutResult{ProviderTransferID: transferID, Status: transfer.Status}, nil
}

func (w *Wise) Authenticate(_ context.Context, header http.Header, _ []byte) error {
	if w.cfg.WebhookSecret == "" {
		return ErrMissingSecret
	}
	got := header.Get(WiseSecretHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(w.cfg.WebhookSecret)) != 1 {
		return ErrBadSignature
	}
	return nil
}

var wiseStates = map[string]EventType{
	"outgoing_payment_sent": EventTransferSucceeded,
	"cancelled":             EventTransferFailed,
	"funds_refunded":        EventTransferFailed,
	"bounced_back":          EventTransferFailed,
	"charged_back":          EventTransferFailed,
}

// NormalizeWebhook handles transfers#state-change. Wise does not echo our
// reference, so the event carries only the Wise transfer id and the caller
// resolves the reference through the stored Transfer.
func (w *Wise) NormalizeWebhook(_ http.Header, body []byte) (*Event, error) {
	var wh struct {
		EventType string `json:"event_type"`
		SentAt    string `json:"sent_at"`
		Data      struct {
			Resource struct {
				ID   json.Number `json:"id"`
				Type string      `json:"type"`
			} `json:"resource"`
			CurrentState  string `json:"current_state"`
			PreviousState string `json:"previous_state"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &wh); err != nil || wh.EventType == "" {
		return nil, ErrMalformed
	}
	transferID := wh.Data.Resource.ID.String()
	ev := &Event{
		Provider:          KindWise,
		ProviderEventID:   transferID + ":" + wh.Data.CurrentState,
		RawType:           wh.EventType,
		ProviderReference: transferID,
	}
	if wh.EventType == "transfers#state-change" {
		ev.Type = wiseStates[wh.Data.CurrentState]
		if ev.Type == EventTransferFailed {
			ev.FailureReason = wh.Data.CurrentState
		}
	}
	return ev, nil
}
