package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/taskpay/internal/pagination"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func seedWallet(t *testing.T, s *MemoryStore, userID, currency, amount string) *Wallet {
	t.Helper()
	w, _, err := s.Credit(context.Background(), CreditInput{
		UserID:         userID,
		Reference:      "seed_" + userID,
		Amount:         d(amount),
		Currency:       currency,
		WalletAmount:   d(amount),
		WalletCurrency: currency,
		Method:         "internal",
	})
	require.NoError(t, err)
	return w
}

func pendingFund(t *testing.T, s *MemoryStore, ref, userID, amount, currency, taskID string) {
	t.Helper()
	require.NoError(t, s.CreateTransaction(context.Background(), &Transaction{
		Reference:   ref,
		UserID:      userID,
		Amount:      d(amount),
		Currency:    currency,
		Method:      "stripe",
		PaymentType: TypeFund,
		TaskID:      taskID,
	}))
}

func TestMemoryStore_CreditCreatesWallet(t *testing.T) {
	s := NewMemoryStore()
	w := seedWallet(t, s, "alice", "USD", "25.50")

	assert.Equal(t, "USD", w.Currency)
	assert.True(t, w.Balance.Equal(d("25.50")))
	assert.True(t, w.TotalIn.Equal(d("25.50")))
	assert.Equal(t, []string{"seed_alice"}, w.Transactions)

	_, _, err := s.Credit(context.Background(), CreditInput{
		UserID: "alice", Reference: "seed_alice", Amount: d("1"), Currency: "USD",
		WalletAmount: d("1"), WalletCurrency: "USD",
	})
	assert.ErrorIs(t, err, ErrDuplicateReference)

	_, _, err = s.Credit(context.Background(), CreditInput{
		UserID: "alice", Reference: "eur", Amount: d("1"), Currency: "EUR",
		WalletAmount: d("1"), WalletCurrency: "EUR",
	})
	assert.ErrorIs(t, err, ErrCurrencyMismatch)
}

func TestMemoryStore_DebitNeverNegative(t *testing.T) {
	s := NewMemoryStore()
	seedWallet(t, s, "alice", "USD", "10")

	_, _, err := s.Debit(context.Background(), DebitInput{
		UserID: "alice", Reference: "d1", Amount: d("10.01"), Currency: "USD",
		WalletAmount: d("10.01"), WalletCurrency: "USD",
	})
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	w, tx, err := s.Debit(context.Background(), DebitInput{
		UserID: "alice", Reference: "d2", Amount: d("10"), Currency: "USD",
		WalletAmount: d("10"), WalletCurrency: "USD",
	})
	require.NoError(t, err)
	assert.True(t, w.Balance.IsZero())
	assert.Equal(t, StatusSuccessful, tx.Status)
	assert.Equal(t, TypeDebit, tx.PaymentType)

	_, _, err = s.Debit(context.Background(), DebitInput{UserID: "bob", Reference: "d3", WalletAmount: d("1"), WalletCurrency: "USD"})
	assert.ErrorIs(t, err, ErrWalletNotFound)
}

func TestMemoryStore_ConcurrentCreditsAndDebits(t *testing.T) {
	s := NewMemoryStore()
	seedWallet(t, s, "alice", "USD", "100")

	const workers = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	debited := decimal.Zero

	for i := 0; i < workers; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, _, err := s.Credit(context.Background(), CreditInput{
				UserID: "alice", Reference: fmt.Sprintf("c%d", i), Amount: d("1.25"), Currency: "USD",
				WalletAmount: d("1.25"), WalletCurrency: "USD",
			})
			assert.NoError(t, err)
		}(i)
		go func(i int) {
			defer wg.Done()
			_, _, err := s.Debit(context.Background(), DebitInput{
				UserID: "alice", Reference: fmt.Sprintf("d%d", i), Amount: d("3"), Currency: "USD",
				WalletAmount: d("3"), WalletCurrency: "USD",
			})
			if err == nil {
				mu.Lock()
				debited = debited.Add(d("3"))
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrInsufficientFunds)
		}(i)
	}
	wg.Wait()

	w, err := s.GetWallet(context.Background(), "alice")
	require.NoError(t, err)
	expected := d("100").Add(d("1.25").Mul(decimal.NewFromInt(workers))).Sub(debited)
	assert.True(t, w.Balance.Equal(expected), "balance %s, expected %s", w.Balance, expected)
	assert.False(t, w.Balance.IsNegative())
	assert.True(t, w.Balance.Equal(w.TotalIn.Sub(w.TotalOut)))
}

func TestMemoryStore_CompleteChargeCreditsWallet(t *testing.T) {
	s := NewMemoryStore()
	pendingFund(t, s, "chk_1", "alice", "100", "USD", "")

	res, err := s.CompleteCharge(context.Background(), ChargeCompletion{
		Reference: "chk_1", ProviderReference: "cs_123", WalletAmount: d("100"), WalletCurrency: "USD",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccessful, res.Transaction.Status)
	assert.Equal(t, "cs_123", res.Transaction.ProviderReference)
	assert.NotNil(t, res.Transaction.SettledAt)
	require.NotNil(t, res.Wallet)
	assert.True(t, res.Wallet.Balance.Equal(d("100")))
	assert.Nil(t, res.Reservation)

	_, err = s.CompleteCharge(context.Background(), ChargeCompletion{
		Reference: "chk_1", WalletAmount: d("100"), WalletCurrency: "USD",
	})
	assert.ErrorIs(t, err, ErrAlreadyFinal)

	w, err := s.GetWallet(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(d("100")), "second completion must not credit again")
}

func TestMemoryStore_CompleteChargeReservesTask(t *testing.T) {
	s := NewMemoryStore()
	pendingFund(t, s, "chk_1", "creator", "50", "USD", "task-1")

	res, err := s.CompleteCharge(context.Background(), ChargeCompletion{Reference: "chk_1"})
	require.NoError(t, err)
	require.NotNil(t, res.Reservation)
	assert.Nil(t, res.Wallet)
	assert.Equal(t, "task-1", res.Reservation.TaskID)
	assert.Equal(t, "creator", res.Reservation.CreatorID)
	assert.Equal(t, "chk_1", res.Reservation.FundingReference)

	_, err = s.GetWallet(context.Background(), "creator")
	assert.ErrorIs(t, err, ErrWalletNotFound)

	// A second funding for the same task lands in the creator's wallet.
	pendingFund(t, s, "chk_2", "creator", "20", "USD", "task-1")
	_, err = s.CompleteCharge(context.Background(), ChargeCompletion{Reference: "chk_2"})
	assert.ErrorIs(t, err, ErrCurrencyMismatch)

	res, err = s.CompleteCharge(context.Background(), ChargeCompletion{
		Reference: "chk_2", WalletAmount: d("20"), WalletCurrency: "USD",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Wallet)
	assert.True(t, res.Wallet.Balance.Equal(d("20")))
}

func TestMemoryStore_OutOfOrderTerminalEvents(t *testing.T) {
	s := NewMemoryStore()
	pendingFund(t, s, "chk_1", "alice", "10", "USD", "")

	_, err := s.FailTransaction(context.Background(), "chk_1", "card declined")
	require.NoError(t, err)

	_, err = s.CompleteCharge(context.Background(), ChargeCompletion{
		Reference: "chk_1", WalletAmount: d("10"), WalletCurrency: "USD",
	})
	assert.ErrorIs(t, err, ErrAlreadyFinal)

	tx, err := s.GetTransaction(context.Background(), "chk_1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, tx.Status)
	_, err = s.GetWallet(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrWalletNotFound)
}

func TestMemoryStore_FlagForReview(t *testing.T) {
	s := NewMemoryStore()
	pendingFund(t, s, "chk_1", "alice", "10", "EUR", "")

	require.NoError(t, s.FlagForReview(context.Background(), "chk_1", "rate lookup failed"))
	tx, err := s.GetTransaction(context.Background(), "chk_1")
	require.NoError(t, err)
	assert.True(t, tx.NeedsReview)
	assert.Equal(t, "rate lookup failed", tx.ReviewNote)

	_, err = s.CompleteCharge(context.Background(), ChargeCompletion{
		Reference: "chk_1", WalletAmount: d("11"), WalletCurrency: "USD",
	})
	require.NoError(t, err)
	tx, _ = s.GetTransaction(context.Background(), "chk_1")
	assert.False(t, tx.NeedsReview)
}

func withdraw(t *testing.T, s *MemoryStore, ref, amount string) {
	t.Helper()
	_, tx, err := s.Debit(context.Background(), DebitInput{
		UserID: "alice", Reference: ref, Amount: d(amount), Currency: "USD",
		WalletAmount: d(amount), WalletCurrency: "USD", Method: "wise", PaymentType: TypeWithdrawal,
		Transfer: &Transfer{Method: "wise", Amount: d(amount), Currency: "USD", Recipient: map[string]string{"recipientId": "r1"}},
	})
	require.NoError(t, err)
	require.Equal(t, StatusPending, tx.Status)
}

func TestMemoryStore_WithdrawalLifecycle(t *testing.T) {
	s := NewMemoryStore()
	seedWallet(t, s, "alice", "USD", "100")
	ctx := context.Background()

	withdraw(t, s, "wd_1", "40")
	w, _ := s.GetWallet(ctx, "alice")
	assert.True(t, w.Balance.Equal(d("60")))

	tr, err := s.GetTransfer(ctx, "wd_1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, tr.Status)
	assert.Equal(t, "r1", tr.Recipient["recipientId"])

	require.NoError(t, s.SetProviderTransfer(ctx, "wd_1", "tr_987"))
	tr, err = s.GetTransferByProviderID(ctx, "tr_987")
	require.NoError(t, err)
	assert.Equal(t, "wd_1", tr.Reference)

	tx, err := s.FinalizeWithdrawal(ctx, "wd_1", true, "")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccessful, tx.Status)
	_, err = s.FinalizeWithdrawal(ctx, "wd_1", false, "late failure")
	assert.ErrorIs(t, err, ErrAlreadyFinal)

	w, _ = s.GetWallet(ctx, "alice")
	assert.True(t, w.Balance.Equal(d("60")))
	assert.True(t, w.TotalOut.Equal(d("40")))
}

func TestMemoryStore_FailedWithdrawalRestoresBalance(t *testing.T) {
	s := NewMemoryStore()
	seedWallet(t, s, "alice", "USD", "100")
	ctx := context.Background()

	withdraw(t, s, "wd_1", "40")
	tx, err := s.FinalizeWithdrawal(ctx, "wd_1", false, "account closed")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, tx.Status)

	w, _ := s.GetWallet(ctx, "alice")
	assert.True(t, w.Balance.Equal(d("100")))
	assert.True(t, w.TotalOut.IsZero())
	tr, _ := s.GetTransfer(ctx, "wd_1")
	assert.Equal(t, StatusFailed, tr.Status)
	assert.Equal(t, "account closed", tr.FailureReason)

	withdraw(t, s, "wd_2", "30")
	w, err = s.ReverseWithdrawal(ctx, "wd_2", "gateway rejected")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(d("100")))

	_, err = s.FailTransaction(ctx, "wd_2", "x")
	assert.ErrorIs(t, err, ErrWrongPaymentType)
}

func setupRelease(t *testing.T, s *MemoryStore, status EarnerStatus) (*ReservedFunds, *Application) {
	t.Helper()
	ctx := context.Background()
	rf := &ReservedFunds{TaskID: "task-1", CreatorID: "creator", Amount: d("75"), Currency: "USD"}
	require.NoError(t, s.CreateReservation(ctx, rf))
	app := &Application{TaskID: "task-1", EarnerID: "earner"}
	require.NoError(t, s.CreateApplication(ctx, app))
	if status != EarnerPending {
		_, err := s.UpdateApplication(ctx, app.ID, func(a *Application) error {
			a.EarnerStatus = status
			return nil
		})
		require.NoError(t, err)
	}
	return rf, app
}

func TestMemoryStore_TransferReservedToWallet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	rf, app := setupRelease(t, s, EarnerCompleted)

	res, err := s.TransferReservedToWallet(ctx, ReleaseInput{
		ReservedFundsID: rf.ID, ApplicationID: app.ID, EarnerID: "earner",
		Reference: "rel_1", WalletAmount: d("75"), WalletCurrency: "USD",
	})
	require.NoError(t, err)
	assert.True(t, res.Wallet.Balance.Equal(d("75")))
	assert.Equal(t, TypeCredit, res.Transaction.PaymentType)
	assert.Equal(t, MethodEscrow, res.Transaction.Method)
	assert.Equal(t, ReviewApproved, res.Application.ReviewStatus)
	assert.NotNil(t, res.Application.ReviewedAt)

	_, err = s.GetReservationByTask(ctx, "task-1")
	assert.ErrorIs(t, err, ErrNoReservedFunds)

	_, err = s.TransferReservedToWallet(ctx, ReleaseInput{
		ReservedFundsID: rf.ID, ApplicationID: app.ID, EarnerID: "earner",
		Reference: "rel_2", WalletAmount: d("75"), WalletCurrency: "USD",
	})
	assert.ErrorIs(t, err, ErrNoReservedFunds)
}

func TestMemoryStore_TransferReservedRequiresCompletion(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	rf, app := setupRelease(t, s, EarnerInProgress)

	_, err := s.TransferReservedToWallet(ctx, ReleaseInput{
		ReservedFundsID: rf.ID, ApplicationID: app.ID, EarnerID: "earner",
		Reference: "rel_1", WalletAmount: d("75"), WalletCurrency: "USD",
	})
	assert.ErrorIs(t, err, ErrTaskNotCompleted)

	got, err := s.GetReservationByTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, rf.ID, got.ID)
	_, err = s.GetWallet(ctx, "earner")
	assert.ErrorIs(t, err, ErrWalletNotFound)
}

func TestMemoryStore_ReservationsAndApplicationsAreUnique(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	setupRelease(t, s, EarnerPending)

	err := s.CreateReservation(ctx, &ReservedFunds{TaskID: "task-1", CreatorID: "c", Amount: d("1"), Currency: "USD"})
	assert.ErrorIs(t, err, ErrReservationExists)
	err = s.CreateApplication(ctx, &Application{TaskID: "task-1", EarnerID: "earner"})
	assert.ErrorIs(t, err, ErrApplicationExists)

	freed, err := s.DeleteReservation(ctx, "task-1")
	require.NoError(t, err)
	assert.True(t, freed.Amount.Equal(d("75")))
	_, err = s.DeleteReservation(ctx, "task-1")
	assert.ErrorIs(t, err, ErrNoReservedFunds)
}

func TestMemoryStore_AuditWalletsBalances(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedWallet(t, s, "alice", "USD", "100")
	withdraw(t, s, "wd_1", "30")
	withdraw(t, s, "wd_2", "20")
	_, err := s.FinalizeWithdrawal(ctx, "wd_2", false, "bounced")
	require.NoError(t, err)
	pendingFund(t, s, "chk_1", "alice", "5", "USD", "")

	audits, err := s.AuditWallets(ctx)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	a := audits[0]
	assert.True(t, a.Balance.Equal(d("70")))
	assert.True(t, a.Credits.Equal(d("100")))
	assert.True(t, a.Debits.Equal(d("30")))
	assert.True(t, a.Balance.Equal(a.Credits.Sub(a.Debits)))
	assert.True(t, a.Balance.Equal(a.TotalIn.Sub(a.TotalOut)))
}

func TestMemoryStore_ListTransactionsNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	tick := 0
	base := s.now()
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	seedWallet(t, s, "alice", "USD", "10")
	pendingFund(t, s, "chk_1", "alice", "5", "USD", "")
	pendingFund(t, s, "chk_2", "bob", "5", "USD", "")

	txs, err := s.ListTransactions(ctx, "alice", nil, 10)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "chk_1", txs[0].Reference)
	assert.Equal(t, "seed_alice", txs[1].Reference)

	txs, err = s.ListTransactions(ctx, "alice", nil, 1)
	require.NoError(t, err)
	assert.Len(t, txs, 1)

	older, err := s.ListTransactions(ctx, "alice", &pagination.Cursor{CreatedAt: txs[0].CreatedAt, Key: txs[0].Reference}, 10)
	require.NoError(t, err)
	require.Len(t, older, 1)
	assert.Equal(t, "seed_alice", older[0].Reference)
}
