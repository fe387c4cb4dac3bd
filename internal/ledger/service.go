package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/taskpay/internal/apperr"
	"github.com/mbd888/taskpay/internal/fx"
	"github.com/mbd888/taskpay/internal/idgen"
	"github.com/mbd888/taskpay/internal/logging"
	"github.com/mbd888/taskpay/internal/metrics"
	"github.com/mbd888/taskpay/internal/money"
	"github.com/mbd888/taskpay/internal/pagination"
	"github.com/mbd888/taskpay/internal/syncutil"
)

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

// Ledger wraps a Store with amount validation, currency conversion and
// per-wallet serialization. Other packages depend on narrow interfaces that
// *Ledger satisfies.
type Ledger struct {
	store           Store
	fx              *fx.Converter
	locks           *syncutil.KeyedMutex
	defaultCurrency string
}

// New creates a ledger. defaultCurrency is used for wallets created before
// their first credit.
func New(store Store, converter *fx.Converter, defaultCurrency string) *Ledger {
	return &Ledger{
		store:           store,
		fx:              converter,
		locks:           syncutil.NewKeyedMutex(),
		defaultCurrency: strings.ToUpper(defaultCurrency),
	}
}

// Store exposes the underlying store for read-only collaborators such as
// the conservation audit.
func (l *Ledger) Store() Store {
	return l.store
}

func walletKey(userID string) string { return "wallet:" + userID }

// LockWallet serializes in-process work on one wallet. The store remains
// the source of atomicity; this only keeps conversions and balance checks
// consistent with the mutation that follows them.
func (l *Ledger) LockWallet(ctx context.Context, userID string) (func(), error) {
	return l.locks.Lock(ctx, walletKey(userID))
}

// GetWallet returns a user's wallet.
func (l *Ledger) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	return l.store.GetWallet(ctx, userID)
}

// HistoryPage is one page of a user's transactions.
type HistoryPage struct {
	Transactions []*Transaction `json:"transactions"`
	NextCursor   string         `json:"nextCursor,omitempty"`
	HasMore      bool           `json:"hasMore"`
}

// History returns a page of a user's transactions, newest first. Pass the
// previous page's NextCursor to continue.
func (l *Ledger) History(ctx context.Context, userID, cursor string, limit int) (*HistoryPage, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	before, err := pagination.Decode(cursor)
	if err != nil {
		return nil, err
	}
	txs, err := l.store.ListTransactions(ctx, userID, before, limit+1)
	if err != nil {
		return nil, err
	}
	txs, next, more := pagination.ComputePage(txs, limit, func(tx *Transaction) (time.Time, string) {
		return tx.CreatedAt, tx.Reference
	})
	if txs == nil {
		txs = []*Transaction{}
	}
	return &HistoryPage{Transactions: txs, NextCursor: next, HasMore: more}, nil
}

// GetTransaction looks a transaction up by reference.
func (l *Ledger) GetTransaction(ctx context.Context, reference string) (*Transaction, error) {
	return l.store.GetTransaction(ctx, reference)
}

// ResolveTransaction finds a transaction by our reference, falling back
// to the gateway's own identifier for providers that echo only that.
func (l *Ledger) ResolveTransaction(ctx context.Context, reference string) (*Transaction, error) {
	tx, err := l.store.GetTransaction(ctx, reference)
	if errors.Is(err, ErrTransactionNotFound) {
		return l.store.GetTransactionByProviderReference(ctx, reference)
	}
	return tx, err
}

// WalletCurrency returns the currency of userID's wallet, or fallback when
// the wallet does not exist yet.
func (l *Ledger) WalletCurrency(ctx context.Context, userID, fallback string) (string, error) {
	w, err := l.store.GetWallet(ctx, userID)
	if errors.Is(err, ErrWalletNotFound) {
		if fallback == "" {
			fallback = l.defaultCurrency
		}
		return strings.ToUpper(fallback), nil
	}
	if err != nil {
		return "", err
	}
	return w.Currency, nil
}

// Convert expresses amount in currency `to`, rounded to its minor units.
// Rate lookup failures surface as ExternalServiceError.
func (l *Ledger) Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	conv, err := l.fx.Convert(ctx, amount, from, to)
	if err != nil {
		return decimal.Zero, apperr.External("exchange rate lookup failed", err)
	}
	return conv.Amount, nil
}

// Credit adds amount (in currency) to userID's wallet, creating the wallet
// in currency when absent. txRef must be unique.
func (l *Ledger) Credit(ctx context.Context, userID string, amount decimal.Decimal, currency, txRef string) (*Wallet, error) {
	currency, err := money.NormalizeCurrency(currency)
	if err != nil {
		return nil, apperr.Validation("currency", "must be a three-letter currency code")
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if txRef == "" {
		txRef = idgen.WithPrefix(idgen.PrefixCredit)
	}

	unlock, err := l.LockWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	walletCurrency, err := l.WalletCurrency(ctx, userID, currency)
	if err != nil {
		return nil, err
	}
	applied, err := l.Convert(ctx, amount, currency, walletCurrency)
	if err != nil {
		return nil, err
	}

	w, _, err := l.store.Credit(ctx, CreditInput{
		UserID:         userID,
		Reference:      txRef,
		Amount:         money.Round(amount, currency),
		Currency:       currency,
		WalletAmount:   applied,
		WalletCurrency: walletCurrency,
		Method:         "internal",
		PaymentType:    TypeCredit,
	})
	if err != nil {
		return nil, err
	}
	metrics.LedgerTransactionsTotal.WithLabelValues(string(TypeCredit), string(StatusSuccessful)).Inc()
	return w, nil
}

// Debit removes amount, expressed in the wallet's currency, from userID's
// wallet. It never drives the balance below zero.
func (l *Ledger) Debit(ctx context.Context, userID string, amount decimal.Decimal, txRef string) (*Wallet, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if txRef == "" {
		txRef = idgen.WithPrefix(idgen.PrefixDebit)
	}

	unlock, err := l.LockWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := l.store.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	amount = money.Round(amount, current.Currency)
	w, _, err := l.store.Debit(ctx, DebitInput{
		UserID:         userID,
		Reference:      txRef,
		Amount:         amount,
		Currency:       current.Currency,
		WalletAmount:   amount,
		WalletCurrency: current.Currency,
		Method:         "internal",
		PaymentType:    TypeDebit,
	})
	if err != nil {
		return nil, err
	}
	metrics.LedgerTransactionsTotal.WithLabelValues(string(TypeDebit), string(StatusSuccessful)).Inc()
	return w, nil
}

// RecordTransaction stores a new pending transaction.
func (l *Ledger) RecordTransaction(ctx context.Context, tx *Transaction) (*Transaction, error) {
	if tx.Reference == "" {
		return nil, apperr.Validation("reference", "is required")
	}
	if !tx.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	tx.Status = StatusPending
	if err := l.store.CreateTransaction(ctx, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// SetProviderReference stores the gateway's identifier for a transaction.
func (l *Ledger) SetProviderReference(ctx context.Context, reference, providerRef string) error {
	return l.store.SetProviderReference(ctx, reference, providerRef)
}

// CompleteCharge settles a pending fund transaction for the amount the
// processor confirmed. The first charge for a task is reserved as is; any
// other charge is converted into the payer's wallet currency and credited.
func (l *Ledger) CompleteCharge(ctx context.Context, reference string, confirmed ConfirmedCharge) (*ChargeResult, error) {
	tx, err := l.store.GetTransaction(ctx, reference)
	if err != nil {
		return nil, err
	}
	if tx.Status.Terminal() {
		return nil, ErrAlreadyFinal
	}

	unlock, err := l.LockWallet(ctx, tx.UserID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	in := ChargeCompletion{
		Reference:         reference,
		ProviderReference: confirmed.ProviderReference,
		Amount:            tx.Amount,
		Currency:          tx.Currency,
	}
	if currency, err := money.NormalizeCurrency(confirmed.Currency); err == nil && confirmed.Amount.IsPositive() {
		in.Amount, in.Currency = confirmed.Amount, currency
	}
	if in.Currency != tx.Currency || !in.Amount.Equal(tx.Amount) {
		logging.L(ctx).Warn("charged amount differs from checkout",
			"reference", reference,
			"expected", tx.Amount.String()+" "+tx.Currency,
			"charged", in.Amount.String()+" "+in.Currency)
	}

	// The store decides between reservation and wallet credit atomically, so
	// the wallet leg is prepared for task charges too.
	walletCurrency, err := l.WalletCurrency(ctx, tx.UserID, in.Currency)
	if err != nil {
		return nil, err
	}
	applied, convErr := l.Convert(ctx, in.Amount, in.Currency, walletCurrency)
	switch {
	case convErr == nil:
		in.WalletAmount, in.WalletCurrency = applied, walletCurrency
	case tx.TaskID == "":
		return nil, convErr
	}

	result, err := l.store.CompleteCharge(ctx, in)
	if errors.Is(err, ErrCurrencyMismatch) && convErr != nil {
		return nil, convErr
	}
	if err != nil {
		return nil, err
	}
	metrics.LedgerTransactionsTotal.WithLabelValues(string(TypeFund), string(StatusSuccessful)).Inc()
	return result, nil
}

// FailTransaction moves a pending charge to failed.
func (l *Ledger) FailTransaction(ctx context.Context, reference, reason string) (*Transaction, error) {
	tx, err := l.store.FailTransaction(ctx, reference, reason)
	if err != nil {
		return nil, err
	}
	metrics.LedgerTransactionsTotal.WithLabelValues(string(tx.PaymentType), string(StatusFailed)).Inc()
	return tx, nil
}

// FlagForReview marks a pending transaction for manual reconciliation.
func (l *Ledger) FlagForReview(ctx context.Context, reference, note string) error {
	if err := l.store.FlagForReview(ctx, reference, note); err != nil {
		return err
	}
	metrics.TransactionsFlaggedTotal.Inc()
	logging.L(ctx).Warn("transaction flagged for review", "reference", reference, "note", note)
	return nil
}

// BeginWithdrawal debits the wallet and records the pending withdrawal and
// its transfer in one unit. in.WalletAmount must already be expressed in
// the wallet currency.
func (l *Ledger) BeginWithdrawal(ctx context.Context, in DebitInput) (*Wallet, *Transaction, error) {
	if !in.WalletAmount.IsPositive() {
		return nil, nil, ErrInvalidAmount
	}
	in.PaymentType = TypeWithdrawal
	return l.store.Debit(ctx, in)
}

// FinalizeWithdrawal records the payout webhook's verdict. A failed payout
// returns the in-flight amount to the wallet.
func (l *Ledger) FinalizeWithdrawal(ctx context.Context, reference string, succeeded bool, reason string) (*Transaction, error) {
	tx, err := l.store.FinalizeWithdrawal(ctx, reference, succeeded, reason)
	if err != nil {
		return nil, err
	}
	metrics.LedgerTransactionsTotal.WithLabelValues(string(TypeWithdrawal), string(tx.Status)).Inc()
	return tx, nil
}

// ReverseWithdrawal compensates a payout that failed synchronously.
func (l *Ledger) ReverseWithdrawal(ctx context.Context, reference, reason string) (*Wallet, error) {
	w, err := l.store.ReverseWithdrawal(ctx, reference, reason)
	if err != nil {
		return nil, err
	}
	metrics.LedgerTransactionsTotal.WithLabelValues(string(TypeWithdrawal), string(StatusFailed)).Inc()
	return w, nil
}

// SetProviderTransfer stores the gateway's transfer id.
func (l *Ledger) SetProviderTransfer(ctx context.Context, reference, providerTransferID string) error {
	return l.store.SetProviderTransfer(ctx, reference, providerTransferID)
}

// GetTransfer looks a transfer up by its withdrawal reference.
func (l *Ledger) GetTransfer(ctx context.Context, reference string) (*Transfer, error) {
	return l.store.GetTransfer(ctx, reference)
}

// GetTransferByProviderID looks a transfer up by the gateway's transfer id.
func (l *Ledger) GetTransferByProviderID(ctx context.Context, providerTransferID string) (*Transfer, error) {
	return l.store.GetTransferByProviderID(ctx, providerTransferID)
}

// TransferReservedToWallet moves reserved funds into the earner's wallet
// and approves the application in one unit. When the earner's wallet holds
// another currency the reserved amount is converted first; a failed
// conversion is reported as ErrWalletUnavailable.
func (l *Ledger) TransferReservedToWallet(ctx context.Context, rf *ReservedFunds, applicationID, earnerID string) (*ReleaseResult, error) {
	unlock, err := l.LockWallet(ctx, earnerID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	walletCurrency, err := l.WalletCurrency(ctx, earnerID, rf.Currency)
	if err != nil {
		return nil, err
	}
	applied, err := l.Convert(ctx, rf.Amount, rf.Currency, walletCurrency)
	if err != nil {
		return nil, errors.Join(ErrWalletUnavailable, err)
	}

	result, err := l.store.TransferReservedToWallet(ctx, ReleaseInput{
		ReservedFundsID: rf.ID,
		ApplicationID:   applicationID,
		EarnerID:        earnerID,
		Reference:       idgen.WithPrefix(idgen.PrefixRelease),
		WalletAmount:    applied,
		WalletCurrency:  walletCurrency,
	})
	if errors.Is(err, ErrCurrencyMismatch) {
		return nil, errors.Join(ErrWalletUnavailable, err)
	}
	if err != nil {
		return nil, err
	}
	metrics.LedgerTransactionsTotal.WithLabelValues(string(TypeCredit), string(StatusSuccessful)).Inc()
	return result, nil
}

// CreateReservation holds funds against a task. A task has at most one
// reservation.
func (l *Ledger) CreateReservation(ctx context.Context, rf *ReservedFunds) error {
	if !rf.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	return l.store.CreateReservation(ctx, rf)
}

// GetReservation returns the task's reservation or ErrNoReservedFunds.
func (l *Ledger) GetReservation(ctx context.Context, taskID string) (*ReservedFunds, error) {
	return l.store.GetReservationByTask(ctx, taskID)
}

// DeleteReservation frees a task's reservation without touching any wallet.
func (l *Ledger) DeleteReservation(ctx context.Context, taskID string) (*ReservedFunds, error) {
	return l.store.DeleteReservation(ctx, taskID)
}

// CreateApplication records an earner's claim on a task.
func (l *Ledger) CreateApplication(ctx context.Context, app *Application) error {
	return l.store.CreateApplication(ctx, app)
}

// GetApplication returns an application by id.
func (l *Ledger) GetApplication(ctx context.Context, id string) (*Application, error) {
	return l.store.GetApplication(ctx, id)
}

// UpdateApplication applies mutate to the stored application atomically.
func (l *Ledger) UpdateApplication(ctx context.Context, id string, mutate func(*Application) error) (*Application, error) {
	return l.store.UpdateApplication(ctx, id, mutate)
}
