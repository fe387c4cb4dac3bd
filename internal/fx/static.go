package fx

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// StaticProvider serves fixed rates. Used in development and tests.
// A rate for FROM:TO also answers TO:FROM with its inverse.
type StaticProvider struct {
	rates map[string]decimal.Decimal
}

// NewStaticProvider creates a provider from "FROM:TO" keyed rates.
func NewStaticProvider(rates map[string]decimal.Decimal) *StaticProvider {
	p := &StaticProvider{rates: make(map[string]decimal.Decimal, len(rates))}
	for k, v := range rates {
		p.rates[strings.ToUpper(k)] = v
	}
	return p
}

// ParseStaticRates parses "USD:NGN=1500,EUR:USD=1.08".
func ParseStaticRates(s string) (map[string]decimal.Decimal, error) {
	rates := make(map[string]decimal.Decimal)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		pair, value, ok := strings.Cut(part, "=")
		if !ok || !strings.Contains(pair, ":") {
			return nil, fmt.Errorf("fx: malformed rate %q", part)
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil || !rate.IsPositive() {
			return nil, fmt.Errorf("fx: malformed rate %q", part)
		}
		rates[strings.ToUpper(strings.TrimSpace(pair))] = rate
	}
	return rates, nil
}

func (p *StaticProvider) Rate(_ context.Context, from, to string) (decimal.Decimal, error) {
	if strings.EqualFold(from, to) {
		return decimal.NewFromInt(1), nil
	}
	if r, ok := p.rates[pairKey(from, to)]; ok {
		return r, nil
	}
	if r, ok := p.rates[pairKey(to, from)]; ok && r.IsPositive() {
		return decimal.NewFromInt(1).DivRound(r, 12), nil
	}
	return decimal.Zero, fmt.Errorf("%w: %s->%s", ErrUnsupportedPair, from, to)
}
