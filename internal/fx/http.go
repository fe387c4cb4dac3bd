package fx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/taskpay/internal/circuitbreaker"
	"github.com/mbd888/taskpay/internal/metrics"
	"github.com/mbd888/taskpay/internal/retry"
)

const breakerKey = "fx"

// HTTPProvider queries a rates API of the form
//
//	GET {base}/latest?base=USD&symbols=NGN  ->  {"base":"USD","rates":{"NGN":"1500.25"}}
//
// Rates may be JSON numbers or strings.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *circuitbreaker.Breaker
	policy  retry.Policy
}

// NewHTTPProvider creates a rates API client.
func NewHTTPProvider(baseURL, apiKey string) *HTTPProvider {
	breaker := circuitbreaker.New(5, 30*time.Second)
	// an unsupported pair is our mistake, not an outage
	breaker.IsFailure = func(err error) bool {
		var pe *retry.PermanentError
		return !errors.As(err, &pe)
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: breaker,
		policy:  retry.Default,
	}
}

// WithHTTPClient replaces the HTTP client.
func (p *HTTPProvider) WithHTTPClient(c *http.Client) *HTTPProvider {
	p.client = c
	return p
}

// WithRetryPolicy replaces the retry policy.
func (p *HTTPProvider) WithRetryPolicy(policy retry.Policy) *HTTPProvider {
	p.policy = policy
	return p
}

type ratesResponse struct {
	Base  string                     `json:"base"`
	Rates map[string]decimal.Decimal `json:"rates"`
}

func (p *HTTPProvider) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to {
		return decimal.NewFromInt(1), nil
	}

	var rate decimal.Decimal
	err := retry.Do(ctx, p.policy, func(ctx context.Context) error {
		err := p.breaker.Execute(breakerKey, func() error {
			r, err := p.fetch(ctx, from, to)
			if err != nil {
				return err
			}
			rate = r
			return nil
		})
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		metrics.FXLookupsTotal.WithLabelValues("error").Inc()
		return decimal.Zero, err
	}
	metrics.FXLookupsTotal.WithLabelValues("provider").Inc()
	return rate, nil
}

func (p *HTTPProvider) fetch(ctx context.Context, from, to string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("base", from)
	q.Set("symbols", to)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/latest?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, retry.Permanent(err)
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fx: request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusBadRequest:
		return decimal.Zero, retry.Permanent(fmt.Errorf("%w: %s->%s", ErrUnsupportedPair, from, to))
	case resp.StatusCode != http.StatusOK:
		return decimal.Zero, fmt.Errorf("fx: rates API returned %d", resp.StatusCode)
	}

	var body ratesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("fx: decode rates: %w", err)
	}
	rate, ok := body.Rates[to]
	if !ok {
		return decimal.Zero, retry.Permanent(fmt.Errorf("%w: %s->%s", ErrUnsupportedPair, from, to))
	}
	if !rate.IsPositive() {
		return decimal.Zero, retry.Permanent(errors.Join(ErrInvalidRate, fmt.Errorf("%s->%s = %s", from, to, rate)))
	}
	return rate, nil
}
