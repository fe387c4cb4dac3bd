package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/mbd888/taskpay/internal/idgen"
	"github.com/mbd888/taskpay/internal/metrics"
	"github.com/mbd888/taskpay/internal/pagination"
	"github.com/mbd888/taskpay/internal/retry"
)

// SQLSTATE codes
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
	pgCheckViolation       = "23514"
)

var serializationPolicy = retry.Policy{
	Attempts:  5,
	BaseDelay: 10 * time.Millisecond,
	MaxDelay:  250 * time.Millisecond,
	Retryable: func(err error) bool {
		if isSerializationFailure(err) {
			metrics.SerializationRetriesTotal.Inc()
			return true
		}
		return false
	},
}

func pqCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

func isSerializationFailure(err error) bool {
	code := pqCode(err)
	return code == pgSerializationFailure || code == pgDeadlockDetected
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// PostgresStore implements Store with PostgreSQL. Every mutation runs in a
// SERIALIZABLE transaction with the wallet row locked, and is retried on
// serialization failures.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retry.Do(ctx, serializationPolicy, func(ctx context.Context) error {
		tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

const walletCols = `user_id, currency, balance, total_in, total_out, version, created_at, updated_at`

func scanWallet(row scanner) (*Wallet, error) {
	w := &Wallet{}
	err := row.Scan(&w.UserID, &w.Currency, &w.Balance, &w.TotalIn, &w.TotalOut, &w.Version, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func loadEntries(ctx context.Context, q querier, w *Wallet) error {
	rows, err := q.QueryContext(ctx, `SELECT reference FROM wallet_entries WHERE user_id = $1 ORDER BY seq`, w.UserID)
	if err != nil {
		return fmt.Errorf("failed to load wallet entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	w.Transactions = []string{}
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return err
		}
		w.Transactions = append(w.Transactions, ref)
	}
	return rows.Err()
}

// lockWallet creates the wallet in currency when absent and returns it with
// its row locked for the rest of the transaction.
func lockWallet(ctx context.Context, tx *sql.Tx, userID, currency string) (*Wallet, error) {
	if currency != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO wallets (user_id, currency) VALUES ($1, $2)
			ON CONFLICT (user_id) DO NOTHING
		`, userID, currency); err != nil {
			return nil, fmt.Errorf("failed to create wallet: %w", err)
		}
	}
	return scanWallet(tx.QueryRowContext(ctx, `SELECT `+walletCols+` FROM wallets WHERE user_id = $1 FOR UPDATE`, userID))
}

// adjustWallet applies a balance delta and appends reference to the wallet's
// transaction list.
func adjustWallet(ctx context.Context, tx *sql.Tx, w *Wallet, reference string, delta decimal.Decimal) error {
	inc, out := decimal.Zero, decimal.Zero
	if delta.IsNegative() {
		out = delta.Neg()
	} else {
		inc = delta
	}
	err := tx.QueryRowContext(ctx, `
		UPDATE wallets SET
			balance    = balance + $2,
			total_in   = total_in + $3,
			total_out  = total_out + $4,
			version    = version + 1,
			updated_at = NOW()
		WHERE user_id = $1
		RETURNING balance, total_in, total_out, version, updated_at
	`, w.UserID, delta, inc, out).Scan(&w.Balance, &w.TotalIn, &w.TotalOut, &w.Version, &w.UpdatedAt)
	if err != nil {
		if pqCode(err) == pgCheckViolation {
			return ErrInsufficientFunds
		}
		return fmt.Errorf("failed to update balance: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO wallet_entries (user_id, reference) VALUES ($1, $2)`, w.UserID, reference); err != nil {
		return fmt.Errorf("failed to append wallet entry: %w", err)
	}
	return nil
}

// refundWallet reverses an in-flight withdrawal debit. The reference stays
// in the wallet's list.
func refundWallet(ctx context.Context, tx *sql.Tx, w *Wallet, amount decimal.Decimal) error {
	err := tx.QueryRowContext(ctx, `
		UPDATE wallets SET
			balance    = balance + $2,
			total_out  = total_out - $2,
			version    = version + 1,
			updated_at = NOW()
		WHERE user_id = $1
		RETURNING balance, total_in, total_out, version, updated_at
	`, w.UserID, amount).Scan(&w.Balance, &w.TotalIn, &w.TotalOut, &w.Version, &w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to refund balance: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	w, err := scanWallet(p.db.QueryRowContext(ctx, `SELECT `+walletCols+` FROM wallets WHERE user_id = $1`, userID))
	if err != nil {
		return nil, err
	}
	if err := loadEntries(ctx, p.db, w); err != nil {
		return nil, err
	}
	return w, nil
}

func (p *PostgresStore) EnsureWallet(ctx context.Context, userID, currency string) (*Wallet, error) {
	var w *Wallet
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if w, err = lockWallet(ctx, tx, userID, currency); err != nil {
			return err
		}
		return loadEntries(ctx, tx, w)
	})
	return w, err
}

const txCols = `id, reference, user_id, amount, currency, wallet_amount, wallet_currency, method,
	payment_type, status, task_id, provider_reference, description, needs_review, review_note,
	created_at, updated_at, settled_at`

func scanTx(row scanner) (*Transaction, error) {
	t := &Transaction{}
	var settled sql.NullTime
	err := row.Scan(&t.ID, &t.Reference, &t.UserID, &t.Amount, &t.Currency, &t.WalletAmount, &t.WalletCurrency,
		&t.Method, &t.PaymentType, &t.Status, &t.TaskID, &t.ProviderReference, &t.Description,
		&t.NeedsReview, &t.ReviewNote, &t.CreatedAt, &t.UpdatedAt, &settled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	if settled.Valid {
		t.SettledAt = &settled.Time
	}
	return t, nil
}

func insertTx(ctx context.Context, q querier, t *Transaction) error {
	var settled sql.NullTime
	if t.SettledAt != nil {
		settled = sql.NullTime{Time: *t.SettledAt, Valid: true}
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO transactions (`+txCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, t.ID, t.Reference, t.UserID, t.Amount, t.Currency, t.WalletAmount, t.WalletCurrency, t.Method,
		t.PaymentType, t.Status, t.TaskID, t.ProviderReference, t.Description, t.NeedsReview, t.ReviewNote,
		t.CreatedAt, t.UpdatedAt, settled)
	if pqCode(err) == pgUniqueViolation {
		return ErrDuplicateReference
	}
	if err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}
	return nil
}

func lockTx(ctx context.Context, tx *sql.Tx, reference string) (*Transaction, error) {
	return scanTx(tx.QueryRowContext(ctx, `SELECT `+txCols+` FROM transactions WHERE reference = $1 FOR UPDATE`, reference))
}

func (p *PostgresStore) Credit(ctx context.Context, in CreditInput) (*Wallet, *Transaction, error) {
	paymentType := in.PaymentType
	if paymentType == "" {
		paymentType = TypeCredit
	}
	var (
		w *Wallet
		t *Transaction
	)
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if w, err = lockWallet(ctx, tx, in.UserID, in.WalletCurrency); err != nil {
			return err
		}
		if w.Currency != in.WalletCurrency {
			return ErrCurrencyMismatch
		}
		now := time.Now().UTC()
		t = &Transaction{
			ID:             idgen.New(),
			Reference:      in.Reference,
			UserID:         in.UserID,
			Amount:         in.Amount,
			Currency:       in.Currency,
			WalletAmount:   in.WalletAmount,
			WalletCurrency: in.WalletCurrency,
			Method:         in.Method,
			PaymentType:    paymentType,
			Status:         StatusSuccessful,
			TaskID:         in.TaskID,
			Description:    in.Description,
			CreatedAt:      now,
			UpdatedAt:      now,
			SettledAt:      &now,
		}
		if err := insertTx(ctx, tx, t); err != nil {
			return err
		}
		if err := adjustWallet(ctx, tx, w, t.Reference, in.WalletAmount); err != nil {
			return err
		}
		return loadEntries(ctx, tx, w)
	})
	if err != nil {
		return nil, nil, err
	}
	return w, t, nil
}

func (p *PostgresStore) Debit(ctx context.Context, in DebitInput) (*Wallet, *Transaction, error) {
	paymentType := in.PaymentType
	if paymentType == "" {
		paymentType = TypeDebit
	}
	var (
		w *Wallet
		t *Transaction
	)
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if w, err = lockWallet(ctx, tx, in.UserID, ""); err != nil {
			return err
		}
		if w.Currency != in.WalletCurrency {
			return ErrCurrencyMismatch
		}
		if w.Balance.LessThan(in.WalletAmount) {
			return ErrInsufficientFunds
		}
		now := time.Now().UTC()
		t = &Transaction{
			ID:             idgen.New(),
			Reference:      in.Reference,
			UserID:         in.UserID,
			Amount:         in.Amount,
			Currency:       in.Currency,
			WalletAmount:   in.WalletAmount,
			WalletCurrency: in.WalletCurrency,
			Method:         in.Method,
			PaymentType:    paymentType,
			Status:         StatusSuccessful,
			Description:    in.Description,
			CreatedAt:      now,
			UpdatedAt:      now,
			SettledAt:      &now,
		}
		if paymentType == TypeWithdrawal {
			t.Status = StatusPending
			t.SettledAt = nil
		}
		if err := insertTx(ctx, tx, t); err != nil {
			return err
		}
		if err := adjustWallet(ctx, tx, w, t.Reference, in.WalletAmount.Neg()); err != nil {
			return err
		}
		if paymentType == TypeWithdrawal && in.Transfer != nil {
			if err := insertTransfer(ctx, tx, in.Transfer, t, now); err != nil {
				return err
			}
		}
		return loadEntries(ctx, tx, w)
	})
	if err != nil {
		return nil, nil, err
	}
	return w, t, nil
}

func (p *PostgresStore) CreateTransaction(ctx context.Context, t *Transaction) error {
	if t.ID == "" {
		t.ID = idgen.New()
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	return insertTx(ctx, p.db, t)
}

func (p *PostgresStore) GetTransaction(ctx context.Context, reference string) (*Transaction, error) {
	return scanTx(p.db.QueryRowContext(ctx, `SELECT `+txCols+` FROM transactions WHERE reference = $1`, reference))
}

func (p *PostgresStore) GetTransactionByProviderReference(ctx context.Context, providerRef string) (*Transaction, error) {
	if providerRef == "" {
		return nil, ErrTransactionNotFound
	}
	return scanTx(p.db.QueryRowContext(ctx, `
		SELECT `+txCols+` FROM transactions
		WHERE provider_reference = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, providerRef))
}

func (p *PostgresStore) ListTransactions(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		rows *sql.Rows
		err  error
	)
	if before == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+txCols+` FROM transactions
			WHERE user_id = $1
			ORDER BY created_at DESC, reference DESC
			LIMIT $2
		`, userID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+txCols+` FROM transactions
			WHERE user_id = $1 AND (created_at, reference) < ($2, $3)
			ORDER BY created_at DESC, reference DESC
			LIMIT $4
		`, userID, before.CreatedAt, before.Key, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (p *PostgresStore) SetProviderReference(ctx context.Context, reference, providerRef string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET provider_reference = $2, updated_at = NOW() WHERE reference = $1
	`, reference, providerRef)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (p *PostgresStore) CompleteCharge(ctx context.Context, in ChargeCompletion) (*ChargeResult, error) {
	var result *ChargeResult
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		result = &ChargeResult{}
		t, err := lockTx(ctx, tx, in.Reference)
		if err != nil {
			return err
		}
		if t.PaymentType != TypeFund {
			return ErrWrongPaymentType
		}
		if t.Status.Terminal() {
			return ErrAlreadyFinal
		}

		now := time.Now().UTC()
		if in.Amount.IsPositive() && in.Currency != "" {
			t.Amount, t.Currency = in.Amount, in.Currency
		}
		reserve := false
		if t.TaskID != "" {
			var exists bool
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM reserved_funds WHERE task_id = $1)`, t.TaskID,
			).Scan(&exists); err != nil {
				return err
			}
			reserve = !exists
		}

		if reserve {
			rf := &ReservedFunds{
				ID:               idgen.New(),
				TaskID:           t.TaskID,
				CreatorID:        t.UserID,
				Amount:           t.Amount,
				Currency:         t.Currency,
				FundingReference: t.Reference,
				CreatedAt:        now,
			}
			if err := insertReservation(ctx, tx, rf); err != nil {
				return err
			}
			result.Reservation = rf
		} else {
			if in.WalletCurrency == "" || !in.WalletAmount.IsPositive() {
				return ErrCurrencyMismatch
			}
			w, err := lockWallet(ctx, tx, t.UserID, in.WalletCurrency)
			if err != nil {
				return err
			}
			if w.Currency != in.WalletCurrency {
				return ErrCurrencyMismatch
			}
			if err := adjustWallet(ctx, tx, w, t.Reference, in.WalletAmount); err != nil {
				return err
			}
			if err := loadEntries(ctx, tx, w); err != nil {
				return err
			}
			t.WalletAmount = in.WalletAmount
			t.WalletCurrency = in.WalletCurrency
			result.Wallet = w
		}

		if in.ProviderReference != "" {
			t.ProviderReference = in.ProviderReference
		}
		t.Status = StatusSuccessful
		t.NeedsReview = false
		t.UpdatedAt = now
		t.SettledAt = &now
		res, err := tx.ExecContext(ctx, `
			UPDATE transactions SET
				status = 'successful', provider_reference = $2, wallet_amount = $3, wallet_currency = $4,
				amount = $6, currency = $7, needs_review = FALSE, updated_at = $5, settled_at = $5
			WHERE reference = $1 AND status = 'pending'
		`, t.Reference, t.ProviderReference, t.WalletAmount, t.WalletCurrency, now, t.Amount, t.Currency)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return ErrAlreadyFinal
		}
		result.Transaction = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (p *PostgresStore) FailTransaction(ctx context.Context, reference, reason string) (*Transaction, error) {
	var t *Transaction
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if t, err = lockTx(ctx, tx, reference); err != nil {
			return err
		}
		if t.PaymentType == TypeWithdrawal {
			return ErrWrongPaymentType
		}
		if t.Status.Terminal() {
			return ErrAlreadyFinal
		}
		now := time.Now().UTC()
		t.Status = StatusFailed
		if reason != "" {
			t.Description = reason
		}
		t.UpdatedAt = now
		t.SettledAt = &now
		_, err = tx.ExecContext(ctx, `
			UPDATE transactions SET status = 'failed', description = $2, updated_at = $3, settled_at = $3
			WHERE reference = $1 AND status = 'pending'
		`, reference, t.Description, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (p *PostgresStore) FlagForReview(ctx context.Context, reference, note string) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		t, err := lockTx(ctx, tx, reference)
		if err != nil {
			return err
		}
		if t.Status.Terminal() {
			return ErrAlreadyFinal
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE transactions SET needs_review = TRUE, review_note = $2, updated_at = NOW()
			WHERE reference = $1
		`, reference, note)
		return err
	})
}

func (p *PostgresStore) FinalizeWithdrawal(ctx context.Context, reference string, succeeded bool, reason string) (*Transaction, error) {
	var t *Transaction
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		t, _, err = finalizeWithdrawal(ctx, tx, reference, succeeded, reason)
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (p *PostgresStore) ReverseWithdrawal(ctx context.Context, reference, reason string) (*Wallet, error) {
	var w *Wallet
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if _, w, err = finalizeWithdrawal(ctx, tx, reference, false, reason); err != nil {
			return err
		}
		return loadEntries(ctx, tx, w)
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

func finalizeWithdrawal(ctx context.Context, tx *sql.Tx, reference string, succeeded bool, reason string) (*Transaction, *Wallet, error) {
	t, err := lockTx(ctx, tx, reference)
	if err != nil {
		return nil, nil, err
	}
	if t.PaymentType != TypeWithdrawal {
		return nil, nil, ErrWrongPaymentType
	}
	if t.Status.Terminal() {
		return nil, nil, ErrAlreadyFinal
	}
	w, err := lockWallet(ctx, tx, t.UserID, "")
	if err != nil {
		return nil, nil, err
	}

	status := StatusSuccessful
	if !succeeded {
		status = StatusFailed
		if err := refundWallet(ctx, tx, w, t.WalletAmount); err != nil {
			return nil, nil, err
		}
	}
	now := time.Now().UTC()
	t.Status = status
	t.UpdatedAt = now
	t.SettledAt = &now
	if _, err := tx.ExecContext(ctx, `
		UPDATE transactions SET status = $2, updated_at = $3, settled_at = $3
		WHERE reference = $1 AND status = 'pending'
	`, reference, status, now); err != nil {
		return nil, nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE transfers SET status = $2, failure_reason = $3, updated_at = $4 WHERE reference = $1
	`, reference, status, reason, now); err != nil {
		return nil, nil, err
	}
	return t, w, nil
}

const transferCols = `id, reference, user_id, method, amount, currency, provider_transfer_id, status,
	recipient, failure_reason, created_at, updated_at`

func insertTransfer(ctx context.Context, q querier, tr *Transfer, t *Transaction, now time.Time) error {
	recipient, err := json.Marshal(tr.Recipient)
	if err != nil {
		return err
	}
	if tr.ID == "" {
		tr.ID = idgen.New()
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO transfers (`+transferCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, '', 'pending', $7, '', $8, $8)
	`, tr.ID, t.Reference, t.UserID, tr.Method, tr.Amount, tr.Currency, string(recipient), now)
	if pqCode(err) == pgUniqueViolation {
		return ErrDuplicateReference
	}
	return err
}

func scanTransfer(row scanner) (*Transfer, error) {
	tr := &Transfer{}
	var recipient []byte
	err := row.Scan(&tr.ID, &tr.Reference, &tr.UserID, &tr.Method, &tr.Amount, &tr.Currency,
		&tr.ProviderTransferID, &tr.Status, &recipient, &tr.FailureReason, &tr.CreatedAt, &tr.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransferNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(recipient) > 0 {
		if err := json.Unmarshal(recipient, &tr.Recipient); err != nil {
			return nil, fmt.Errorf("failed to decode recipient: %w", err)
		}
	}
	return tr, nil
}

func (p *PostgresStore) SetProviderTransfer(ctx context.Context, reference, providerTransferID string) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE transfers SET provider_transfer_id = $2, updated_at = NOW() WHERE reference = $1
		`, reference, providerTransferID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrTransferNotFound
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE transactions SET provider_reference = $2, updated_at = NOW() WHERE reference = $1
		`, reference, providerTransferID)
		return err
	})
}

func (p *PostgresStore) GetTransfer(ctx context.Context, reference string) (*Transfer, error) {
	return scanTransfer(p.db.QueryRowContext(ctx, `SELECT `+transferCols+` FROM transfers WHERE reference = $1`, reference))
}

func (p *PostgresStore) GetTransferByProviderID(ctx context.Context, providerTransferID string) (*Transfer, error) {
	if providerTransferID == "" {
		return nil, ErrTransferNotFound
	}
	return scanTransfer(p.db.QueryRowContext(ctx,
		`SELECT `+transferCols+` FROM transfers WHERE provider_transfer_id = $1`, providerTransferID))
}

const reservationCols = `id, task_id, creator_id, amount, currency, funding_reference, created_at`

func scanReservation(row scanner) (*ReservedFunds, error) {
	rf := &ReservedFunds{}
	err := row.Scan(&rf.ID, &rf.TaskID, &rf.CreatorID, &rf.Amount, &rf.Currency, &rf.FundingReference, &rf.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoReservedFunds
	}
	if err != nil {
		return nil, err
	}
	return rf, nil
}

func insertReservation(ctx context.Context, q querier, rf *ReservedFunds) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO reserved_funds (`+reservationCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rf.ID, rf.TaskID, rf.CreatorID, rf.Amount, rf.Currency, rf.FundingReference, rf.CreatedAt)
	if pqCode(err) == pgUniqueViolation {
		return ErrReservationExists
	}
	return err
}

func (p *PostgresStore) CreateReservation(ctx context.Context, rf *ReservedFunds) error {
	if rf.ID == "" {
		rf.ID = idgen.New()
	}
	rf.CreatedAt = time.Now().UTC()
	return insertReservation(ctx, p.db, rf)
}

func (p *PostgresStore) GetReservationByTask(ctx context.Context, taskID string) (*ReservedFunds, error) {
	return scanReservation(p.db.QueryRowContext(ctx, `SELECT `+reservationCols+` FROM reserved_funds WHERE task_id = $1`, taskID))
}

func (p *PostgresStore) ListReservations(ctx context.Context) ([]*ReservedFunds, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+reservationCols+` FROM reserved_funds ORDER BY task_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*ReservedFunds
	for rows.Next() {
		rf, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rf)
	}
	return result, rows.Err()
}

func (p *PostgresStore) DeleteReservation(ctx context.Context, taskID string) (*ReservedFunds, error) {
	return scanReservation(p.db.QueryRowContext(ctx,
		`DELETE FROM reserved_funds WHERE task_id = $1 RETURNING `+reservationCols, taskID))
}

func (p *PostgresStore) TransferReservedToWallet(ctx context.Context, in ReleaseInput) (*ReleaseResult, error) {
	var result *ReleaseResult
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		rf, err := scanReservation(tx.QueryRowContext(ctx,
			`SELECT `+reservationCols+` FROM reserved_funds WHERE id = $1 FOR UPDATE`, in.ReservedFundsID))
		if err != nil {
			return err
		}
		app, err := scanApplication(tx.QueryRowContext(ctx,
			`SELECT `+applicationCols+` FROM task_applications WHERE id = $1 FOR UPDATE`, in.ApplicationID))
		if err != nil {
			return err
		}
		if err := checkReleasable(app, rf, in.EarnerID); err != nil {
			return err
		}

		w, err := lockWallet(ctx, tx, in.EarnerID, in.WalletCurrency)
		if err != nil {
			return err
		}
		if w.Currency != in.WalletCurrency {
			return ErrCurrencyMismatch
		}

		now := time.Now().UTC()
		t := &Transaction{
			ID:             idgen.New(),
			Reference:      in.Reference,
			UserID:         in.EarnerID,
			Amount:         rf.Amount,
			Currency:       rf.Currency,
			WalletAmount:   in.WalletAmount,
			WalletCurrency: in.WalletCurrency,
			Method:         MethodEscrow,
			PaymentType:    TypeCredit,
			Status:         StatusSuccessful,
			TaskID:         rf.TaskID,
			Description:    "escrow release for application " + app.ID,
			CreatedAt:      now,
			UpdatedAt:      now,
			SettledAt:      &now,
		}
		if err := insertTx(ctx, tx, t); err != nil {
			return err
		}
		if err := adjustWallet(ctx, tx, w, t.Reference, in.WalletAmount); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM reserved_funds WHERE id = $1`, rf.ID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE task_applications SET review_status = 'Approved', reviewed_at = $2, updated_at = $2
			WHERE id = $1 AND review_status = 'Pending'
		`, app.ID, now)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return ErrAlreadyReviewed
		}
		app.ReviewStatus = ReviewApproved
		app.ReviewedAt = &now
		app.UpdatedAt = now
		if err := loadEntries(ctx, tx, w); err != nil {
			return err
		}
		result = &ReleaseResult{Transaction: t, Wallet: w, Application: app, Reservation: rf}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

const applicationCols = `id, task_id, earner_id, earner_status, review_status, reviewed_at, created_at, updated_at`

func scanApplication(row scanner) (*Application, error) {
	app := &Application{}
	var reviewed sql.NullTime
	err := row.Scan(&app.ID, &app.TaskID, &app.EarnerID, &app.EarnerStatus, &app.ReviewStatus, &reviewed, &app.CreatedAt, &app.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrApplicationNotFound
	}
	if err != nil {
		return nil, err
	}
	if reviewed.Valid {
		app.ReviewedAt = &reviewed.Time
	}
	return app, nil
}

func (p *PostgresStore) CreateApplication(ctx context.Context, app *Application) error {
	if app.ID == "" {
		app.ID = idgen.New()
	}
	if app.EarnerStatus == "" {
		app.EarnerStatus = EarnerPending
	}
	if app.ReviewStatus == "" {
		app.ReviewStatus = ReviewPending
	}
	now := time.Now().UTC()
	app.CreatedAt, app.UpdatedAt = now, now
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO task_applications (`+applicationCols+`) VALUES ($1, $2, $3, $4, $5, NULL, $6, $6)
	`, app.ID, app.TaskID, app.EarnerID, app.EarnerStatus, app.ReviewStatus, now)
	if pqCode(err) == pgUniqueViolation {
		return ErrApplicationExists
	}
	return err
}

func (p *PostgresStore) GetApplication(ctx context.Context, id string) (*Application, error) {
	return scanApplication(p.db.QueryRowContext(ctx, `SELECT `+applicationCols+` FROM task_applications WHERE id = $1`, id))
}

func (p *PostgresStore) UpdateApplication(ctx context.Context, id string, mutate func(*Application) error) (*Application, error) {
	var app *Application
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		app, err = scanApplication(tx.QueryRowContext(ctx,
			`SELECT `+applicationCols+` FROM task_applications WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if err := mutate(app); err != nil {
			return retry.Permanent(err)
		}
		app.UpdatedAt = time.Now().UTC()
		var reviewed sql.NullTime
		if app.ReviewedAt != nil {
			reviewed = sql.NullTime{Time: *app.ReviewedAt, Valid: true}
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE task_applications SET earner_status = $2, review_status = $3, reviewed_at = $4, updated_at = $5
			WHERE id = $1
		`, id, app.EarnerStatus, app.ReviewStatus, reviewed, app.UpdatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return app, nil
}

func (p *PostgresStore) AuditWallets(ctx context.Context) ([]*WalletAudit, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT w.user_id, w.currency, w.balance, w.total_in, w.total_out,
			COALESCE(SUM(t.wallet_amount) FILTER (
				WHERE t.status = 'successful' AND t.payment_type IN ('fund', 'credit')), 0),
			COALESCE(SUM(t.wallet_amount) FILTER (
				WHERE (t.payment_type = 'debit' AND t.status = 'successful')
				   OR (t.payment_type = 'withdrawal' AND t.status <> 'failed')), 0)
		FROM wallets w
		LEFT JOIN transactions t ON t.user_id = w.user_id
		GROUP BY w.user_id
		ORDER BY w.user_id
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*WalletAudit
	for rows.Next() {
		a := &WalletAudit{}
		if err := rows.Scan(&a.UserID, &a.Currency, &a.Balance, &a.TotalIn, &a.TotalOut, &a.Credits, &a.Debits); err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}
