package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/taskpay/internal/apperr"
	"github.com/mbd888/taskpay/internal/circuitbreaker"
	"github.com/mbd888/taskpay/internal/metrics"
)

// DefaultTimeout bounds a single outbound processor call.
const DefaultTimeout = 20 * time.Second

// maxResponseSize caps how much of a processor response is read.
const maxResponseSize = 1 << 20

// StatusError is a non-2xx processor response.
type StatusError struct {
	Provider Kind
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned HTTP %d: %s", e.Provider, e.Status, e.Body)
}

// clientError reports whether the processor rejected the request itself.
// Those do not count against the circuit.
func clientError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status >= 400 && se.Status < 500 && se.Status != http.StatusTooManyRequests
}

// newBreaker creates the per-provider circuit breaker.
func newBreaker() *circuitbreaker.Breaker {
	b := circuitbreaker.New(5, 30*time.Second)
	b.IsFailure = func(err error) bool { return !clientError(err) }
	return b
}

// apiClient performs JSON calls to one processor.
type apiClient struct {
	kind    Kind
	http    *http.Client
	breaker *circuitbreaker.Breaker
}

func newAPIClient(kind Kind, hc *http.Client) *apiClient {
	if hc == nil {
		hc = &http.Client{Timeout: DefaultTimeout}
	}
	return &apiClient{kind: kind, http: hc, breaker: newBreaker()}
}

// request describes one outbound call.
type request struct {
	op      string // metrics label, e.g. "checkout"
	method  string
	url     string
	header  http.Header
	body    any    // JSON-encoded unless form is set
	form    string // pre-encoded application/x-www-form-urlencoded body
	baseErr string // user-facing message on failure
}

// do executes req and decodes a 2xx response into out. Failures come back
// as ExternalServiceError; timeouts additionally match ErrTimeout.
func (c *apiClient) do(ctx context.Context, req request, out any) error {
	start := time.Now()
	err := c.breaker.Execute(string(c.kind), func() error {
		return c.roundTrip(ctx, req, out)
	})
	metrics.ObserveGateway(string(c.kind), req.op, start, err)
	if err == nil {
		return nil
	}
	return classify(c.kind, req.baseErr, err)
}

func (c *apiClient) roundTrip(ctx context.Context, req request, out any) error {
	var body io.Reader
	contentType := ""
	switch {
	case req.form != "":
		body = bytes.NewBufferString(req.form)
		contentType = "application/x-www-form-urlencoded"
	case req.body != nil:
		b, err := json.Marshal(req.body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
		contentType = "application/json"
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, req.url, body)
	if err != nil {
		return err
	}
	for k, vs := range req.header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Provider: c.kind, Status: resp.StatusCode, Body: truncate(string(raw), 256)}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", c.kind, err)
	}
	return nil
}

// classify turns a transport or processor error into ExternalServiceError,
// tagging timeouts so callers can retry with the same reference and
// refusals so callers can undo their side.
func classify(kind Kind, message string, err error) error {
	if message == "" {
		message = string(kind) + " request failed"
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	if isTimeoutErr(err) {
		err = fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if refused(err) {
		return Rejected(apperr.External(message, err))
	}
	return apperr.External(message, err)
}

// refused reports whether the provider answered with a refusal. Conflicts,
// rate limits and duplicate-reference answers are excluded: the original
// request may have been accepted.
func refused(err error) bool {
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return true
	}
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return refusalStatus(se.Status) && !strings.Contains(strings.ToLower(se.Body), "duplicate")
}

func refusalStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooManyRequests:
		return false
	}
	return status >= 400 && status < 500
}

func isTimeoutErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var errNoApproveLink = errors.New("response has no approval link")

func basicAuth(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}
