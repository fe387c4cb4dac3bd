// Package ledger owns wallets, transactions, reserved funds, transfers and
// task applications, and every atomic mutation across them.
//
// Flow:
//  1. Checkout records a pending fund Transaction
//  2. The charge webhook completes it, crediting the payer's wallet or
//     reserving the funds against a task
//  3. Approval of a completed application moves reserved funds into the
//     earner's wallet
//  4. Withdrawals debit the wallet up front and stay pending until the
//     payout webhook finalizes them
//
// A wallet holds exactly one currency, fixed at creation. Amounts in any
// other currency are converted before they reach the Store, and every
// Transaction records both the amount as charged and the amount applied.
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/taskpay/internal/apperr"
	"github.com/mbd888/taskpay/internal/pagination"
)

var (
	ErrWalletNotFound      = apperr.New(apperr.KindNotFound, "wallet not found")
	ErrTransactionNotFound = apperr.New(apperr.KindNotFound, "transaction not found")
	ErrTransferNotFound    = apperr.New(apperr.KindNotFound, "transfer not found")
	ErrApplicationNotFound = apperr.New(apperr.KindNotFound, "application not found")
	ErrInsufficientFunds   = apperr.New(apperr.KindInsufficientFunds, "insufficient funds")
	ErrInvalidAmount       = apperr.Validation("amount", "must be a positive amount")
	ErrDuplicateReference  = apperr.Coded(apperr.KindConflict, "duplicate_reference", "transaction reference already exists")
	ErrAlreadyFinal        = apperr.Coded(apperr.KindConflict, "already_final", "transaction already reached a terminal state")
	ErrReservationExists   = apperr.Coded(apperr.KindConflict, "reservation_exists", "funds are already reserved for this task")
	ErrApplicationExists   = apperr.Coded(apperr.KindConflict, "application_exists", "earner already applied to this task")
	ErrAlreadyReviewed     = apperr.Coded(apperr.KindConflict, "already_reviewed", "application has already been reviewed")
	ErrNoReservedFunds     = apperr.Coded(apperr.KindConflict, "no_reserved_funds", "no reserved funds for this task")
	ErrTaskNotCompleted    = apperr.Coded(apperr.KindConflict, "task_not_completed", "application is not completed")
	ErrWalletUnavailable   = apperr.Coded(apperr.KindExternalService, "wallet_unavailable", "earner wallet cannot receive funds")
	ErrCurrencyMismatch    = apperr.Coded(apperr.KindConflict, "currency_mismatch", "amount is not in the wallet currency")
	ErrWrongPaymentType    = apperr.Coded(apperr.KindConflict, "wrong_payment_type", "operation does not apply to this transaction type")
)

// PaymentType classifies a Transaction.
type PaymentType string

const (
	TypeFund       PaymentType = "fund"       // checkout charge
	TypeWithdrawal PaymentType = "withdrawal" // payout to an external account
	TypeCredit     PaymentType = "credit"     // internal credit, e.g. escrow release
	TypeDebit      PaymentType = "debit"      // internal debit
)

// Status is a Transaction or Transfer status.
type Status string

const (
	StatusPending    Status = "pending"
	StatusSuccessful Status = "successful"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusSuccessful || s == StatusFailed
}

// EarnerStatus is the earner-side progress of an application.
type EarnerStatus string

const (
	EarnerPending    EarnerStatus = "Pending"
	EarnerInProgress EarnerStatus = "In Progress"
	EarnerCompleted  EarnerStatus = "Completed"
	EarnerCancelled  EarnerStatus = "Cancelled"
)

// ReviewStatus is the creator-side decision on an application.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "Pending"
	ReviewApproved ReviewStatus = "Approved"
	ReviewRejected ReviewStatus = "Rejected"
)

// MethodEscrow marks credits produced by escrow release.
const MethodEscrow = "escrow"

// Wallet is a user's running balance in a single currency.
type Wallet struct {
	UserID       string          `json:"userId"`
	Currency     string          `json:"currency"`
	Balance      decimal.Decimal `json:"balance"`
	TotalIn      decimal.Decimal `json:"totalIn"`
	TotalOut     decimal.Decimal `json:"totalOut"`
	Transactions []string        `json:"transactions"` // references, oldest first
	Version      int64           `json:"version"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Transaction is one money movement attempt keyed by its unique Reference.
type Transaction struct {
	ID        string `json:"id"`
	Reference string `json:"reference"`
	UserID    string `json:"userId"`

	// As charged or paid out by the gateway.
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`

	// As applied to the wallet. Zero until a pending fund settles.
	WalletAmount   decimal.Decimal `json:"walletAmount"`
	WalletCurrency string          `json:"walletCurrency,omitempty"`

	Method            string      `json:"method"`
	PaymentType       PaymentType `json:"paymentType"`
	Status            Status      `json:"status"`
	TaskID            string      `json:"taskId,omitempty"`
	ProviderReference string      `json:"providerReference,omitempty"`
	Description       string      `json:"description,omitempty"`
	NeedsReview       bool        `json:"needsReview,omitempty"`
	ReviewNote        string      `json:"reviewNote,omitempty"`
	CreatedAt         time.Time   `json:"createdAt"`
	UpdatedAt         time.Time   `json:"updatedAt"`
	SettledAt         *time.Time  `json:"settledAt,omitempty"`
}

// ReservedFunds holds a creator's money against a task. It belongs to no
// wallet until released.
type ReservedFunds struct {
	ID               string          `json:"id"`
	TaskID           string          `json:"taskId"`
	CreatorID        string          `json:"creatorId"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	FundingReference string          `json:"fundingReference,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// Transfer tracks an outbound payout. Its Reference equals the withdrawal
// Transaction's reference.
type Transfer struct {
	ID                 string            `json:"id"`
	Reference          string            `json:"reference"`
	UserID             string            `json:"userId"`
	Method             string            `json:"method"`
	Amount             decimal.Decimal   `json:"amount"`
	Currency           string            `json:"currency"`
	ProviderTransferID string            `json:"providerTransferId,omitempty"`
	Status             Status            `json:"status"`
	Recipient          map[string]string `json:"recipient,omitempty"`
	FailureReason      string            `json:"failureReason,omitempty"`
	CreatedAt          time.Time         `json:"createdAt"`
	UpdatedAt          time.Time         `json:"updatedAt"`
}

// Application is an earner's claim on a task.
type Application struct {
	ID           string       `json:"id"`
	TaskID       string       `json:"taskId"`
	EarnerID     string       `json:"earnerId"`
	EarnerStatus EarnerStatus `json:"earnerStatus"`
	ReviewStatus ReviewStatus `json:"reviewStatus"`
	ReviewedAt   *time.Time   `json:"reviewedAt,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// CreditInput describes a successful credit to a wallet. The wallet is
// created in WalletCurrency when absent.
type CreditInput struct {
	UserID         string
	Reference      string
	Amount         decimal.Decimal
	Currency       string
	WalletAmount   decimal.Decimal
	WalletCurrency string
	Method         string
	PaymentType    PaymentType // defaults to TypeCredit
	TaskID         string
	Description    string
}

// DebitInput describes a debit. A TypeWithdrawal debit records a pending
// Transaction together with Transfer; anything else is a successful debit.
type DebitInput struct {
	UserID         string
	Reference      string
	Amount         decimal.Decimal
	Currency       string
	WalletAmount   decimal.Decimal
	WalletCurrency string
	Method         string
	PaymentType    PaymentType // defaults to TypeDebit
	Description    string
	Transfer       *Transfer
}

// ChargeCompletion settles a pending fund Transaction. When the transaction
// carries a TaskID and the task has no reservation yet, the funds are
// reserved in the charge currency. Otherwise the payer's wallet is credited
// WalletAmount in WalletCurrency.
type ChargeCompletion struct {
	Reference         string
	ProviderReference string
	// Amount and Currency are what the processor confirmed. A zero Amount
	// keeps the recorded checkout amount.
	Amount         decimal.Decimal
	Currency       string
	WalletAmount   decimal.Decimal
	WalletCurrency string
}

// ConfirmedCharge is a processor's report of a successful charge.
type ConfirmedCharge struct {
	ProviderReference string
	Amount            decimal.Decimal
	Currency          string
}

// ChargeResult reports where a completed charge went.
type ChargeResult struct {
	Transaction *Transaction
	Wallet      *Wallet        // set when a wallet was credited
	Reservation *ReservedFunds // set when the funds were reserved
}

// ReleaseInput moves reserved funds into an earner's wallet. WalletAmount is
// the reserved amount expressed in WalletCurrency.
type ReleaseInput struct {
	ReservedFundsID string
	ApplicationID   string
	EarnerID        string
	Reference       string
	WalletAmount    decimal.Decimal
	WalletCurrency  string
}

// ReleaseResult is the outcome of a committed release.
type ReleaseResult struct {
	Transaction *Transaction
	Wallet      *Wallet
	Application *Application
	Reservation *ReservedFunds
}

// WalletAudit holds the figures the conservation audit compares.
type WalletAudit struct {
	UserID   string
	Currency string
	Balance  decimal.Decimal
	TotalIn  decimal.Decimal
	TotalOut decimal.Decimal
	Credits  decimal.Decimal // applied amounts of successful credits and funds
	Debits   decimal.Decimal // applied amounts of debits and non-failed withdrawals
}

// Store persists ledger data. Every method is one atomic unit: it either
// applies all of its changes or none of them.
type Store interface {
	GetWallet(ctx context.Context, userID string) (*Wallet, error)
	EnsureWallet(ctx context.Context, userID, currency string) (*Wallet, error)
	Credit(ctx context.Context, in CreditInput) (*Wallet, *Transaction, error)
	Debit(ctx context.Context, in DebitInput) (*Wallet, *Transaction, error)

	CreateTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, reference string) (*Transaction, error)
	GetTransactionByProviderReference(ctx context.Context, providerRef string) (*Transaction, error)
	// ListTransactions returns up to limit transactions older than before,
	// newest first. A nil cursor starts at the newest.
	ListTransactions(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Transaction, error)
	SetProviderReference(ctx context.Context, reference, providerRef string) error
	CompleteCharge(ctx context.Context, in ChargeCompletion) (*ChargeResult, error)
	FailTransaction(ctx context.Context, reference, reason string) (*Transaction, error)
	FlagForReview(ctx context.Context, reference, note string) error

	FinalizeWithdrawal(ctx context.Context, reference string, succeeded bool, reason string) (*Transaction, error)
	ReverseWithdrawal(ctx context.Context, reference, reason string) (*Wallet, error)
	SetProviderTransfer(ctx context.Context, reference, providerTransferID string) error
	GetTransfer(ctx context.Context, reference string) (*Transfer, error)
	GetTransferByProviderID(ctx context.Context, providerTransferID string) (*Transfer, error)

	CreateReservation(ctx context.Context, rf *ReservedFunds) error
	GetReservationByTask(ctx context.Context, taskID string) (*ReservedFunds, error)
	ListReservations(ctx context.Context) ([]*ReservedFunds, error)
	DeleteReservation(ctx context.Context, taskID string) (*ReservedFunds, error)
	TransferReservedToWallet(ctx context.Context, in ReleaseInput) (*ReleaseResult, error)

	CreateApplication(ctx context.Context, app *Application) error
	GetApplication(ctx context.Context, id string) (*Application, error)
	UpdateApplication(ctx context.Context, id string, mutate func(*Application) error) (*Application, error)

	AuditWallets(ctx context.Context) ([]*WalletAudit, error)
}

func appliedCredit(tx *Transaction) bool {
	return tx.Status == StatusSuccessful && (tx.PaymentType == TypeFund || tx.PaymentType == TypeCredit)
}

func appliedDebit(tx *Transaction) bool {
	switch tx.PaymentType {
	case TypeDebit:
		return tx.Status == StatusSuccessful
	case TypeWithdrawal:
		return tx.Status != StatusFailed
	}
	return false
}
