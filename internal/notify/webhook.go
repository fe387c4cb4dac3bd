package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Headers set on outbound notification hooks.
const (
	SignatureHeader = "X-Taskpay-Signature"
	TimestampHeader = "X-Taskpay-Timestamp"
	EventHeader     = "X-Taskpay-Event"
)

// WebhookSink posts notifications to the mail service. The body is signed
// with HMAC-SHA256 over "<timestamp>.<body>".
type WebhookSink struct {
	url    string
	secret string
	client *http.Client
	now    func() time.Time
}

// NewWebhookSink creates a signed HTTP sink. hc may be nil.
func NewWebhookSink(url, secret string, hc *http.Client) *WebhookSink {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookSink{url: url, secret: secret, client: hc, now: time.Now}
}

func (w *WebhookSink) Name() string { return "webhook" }

func (w *WebhookSink) Send(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	ts := strconv.FormatInt(w.now().Unix(), 10)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, string(n.Kind))
	req.Header.Set(TimestampHeader, ts)
	req.Header.Set(SignatureHeader, Sign(w.secret, ts, payload))

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notification hook returned status %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the hex HMAC the receiver checks.
func Sign(secret, timestamp string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte("."))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
