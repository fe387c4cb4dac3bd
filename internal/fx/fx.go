// Package fx converts amounts between currencies at the ledger boundary.
//
// Wallets hold a single currency. Credits and debits in any other currency
// are converted through a Provider before the ledger mutation runs, and the
// converted figure is rounded to the wallet currency's minor units.
package fx

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mbd888/taskpay/internal/money"
)

var (
	ErrUnsupportedPair = errors.New("fx: unsupported currency pair")
	ErrInvalidRate     = errors.New("fx: invalid rate")
)

// Provider returns how many units of `to` one unit of `from` buys.
type Provider interface {
	Rate(ctx context.Context, from, to string) (decimal.Decimal, error)
}

// Conversion is the result of converting an amount.
type Conversion struct {
	Amount decimal.Decimal // in the target currency, rounded
	Rate   decimal.Decimal
	From   string
	To     string
}

// Converter applies Provider rates to amounts.
type Converter struct {
	provider Provider
}

// NewConverter creates a converter backed by provider.
func NewConverter(provider Provider) *Converter {
	return &Converter{provider: provider}
}

// Convert converts amount from one currency to another. Same-currency
// conversions never contact the provider.
func (c *Converter) Convert(ctx context.Context, amount decimal.Decimal, from, to string) (*Conversion, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to {
		return &Conversion{Amount: money.Round(amount, to), Rate: decimal.NewFromInt(1), From: from, To: to}, nil
	}
	rate, err := c.provider.Rate(ctx, from, to)
	if err != nil {
		return nil, err
	}
	if !rate.IsPositive() {
		return nil, fmt.Errorf("%w: %s->%s = %s", ErrInvalidRate, from, to, rate)
	}
	return &Conversion{
		Amount: money.Round(amount.Mul(rate), to),
		Rate:   rate,
		From:   from,
		To:     to,
	}, nil
}

func pairKey(from, to string) string {
	return strings.ToUpper(from) + ":" + strings.ToUpper(to)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, from, to string) (decimal.Decimal, error)

func (f ProviderFunc) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	return f(ctx, from, to)
}
