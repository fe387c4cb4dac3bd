// Package reconciliation audits wallet balances against their history.
//
// For every wallet the audit checks the conservation rule
//
//	balance == totalIn - totalOut == applied credits - applied debits
//
// A wallet that breaks it is reported and counted; nothing is corrected
// automatically.
package reconciliation

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/taskpay/internal/ledger"
	"github.com/mbd888/taskpay/internal/logging"
	"github.com/mbd888/taskpay/internal/metrics"
)

// WalletAuditor returns the per-wallet figures to compare.
type WalletAuditor interface {
	AuditWallets(ctx context.Context) ([]*ledger.WalletAudit, error)
}

// Mismatch is one wallet that fails the conservation rule.
type Mismatch struct {
	UserID   string          `json:"userId"`
	Currency string          `json:"currency"`
	Balance  decimal.Decimal `json:"balance"`
	Totals   decimal.Decimal `json:"totals"`  // totalIn - totalOut
	History  decimal.Decimal `json:"history"` // applied credits - applied debits
}

// Report is the outcome of one audit run.
type Report struct {
	CheckedAt  time.Time  `json:"checkedAt"`
	Wallets    int        `json:"wallets"`
	Balanced   bool       `json:"balanced"`
	Mismatches []Mismatch `json:"mismatches"`
	Duration   string     `json:"duration"`
}

// Service runs conservation audits.
type Service struct {
	source WalletAuditor
	now    func() time.Time
}

// NewService creates an audit service over source, normally the ledger
// store.
func NewService(source WalletAuditor) *Service {
	return &Service{source: source, now: time.Now}
}

// Check compares one wallet's figures.
func Check(a *ledger.WalletAudit) (Mismatch, bool) {
	totals := a.TotalIn.Sub(a.TotalOut)
	history := a.Credits.Sub(a.Debits)
	m := Mismatch{
		UserID:   a.UserID,
		Currency: a.Currency,
		Balance:  a.Balance,
		Totals:   totals,
		History:  history,
	}
	return m, a.Balance.Equal(totals) && a.Balance.Equal(history)
}

// Run audits every wallet.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	start := s.now()
	defer func() {
		reconcileDuration.Observe(time.Since(start).Seconds())
	}()

	audits, err := s.source.AuditWallets(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("failed to load wallet audit: %w", err)
	}

	report := &Report{CheckedAt: start, Wallets: len(audits), Mismatches: []Mismatch{}}
	for _, a := range audits {
		if m, ok := Check(a); !ok {
			report.Mismatches = append(report.Mismatches, m)
			logging.L(ctx).Error("wallet out of balance",
				"user_id", m.UserID, "currency", m.Currency,
				"balance", m.Balance.String(), "totals", m.Totals.String(), "history", m.History.String())
		}
	}
	report.Balanced = len(report.Mismatches) == 0
	report.Duration = time.Since(start).String()

	metrics.ReconciliationMismatches.Set(float64(len(report.Mismatches)))
	logging.L(ctx).Info("conservation audit finished", "wallets", report.Wallets, "mismatches", len(report.Mismatches))
	return report, nil
}
