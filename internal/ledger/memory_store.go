package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/taskpay/internal/idgen"
	"github.com/mbd888/taskpay/internal/pagination"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
// A single mutex makes every method atomic; callers always receive copies.
type MemoryStore struct {
	mu             sync.RWMutex
	wallets        map[string]*Wallet
	txs            map[string]*Transaction // by reference
	transfers      map[string]*Transfer    // by reference
	transferByProv map[string]string       // provider transfer id -> reference
	reservations   map[string]*ReservedFunds
	applications   map[string]*Application
	appByPair      map[string]string // taskID|earnerID -> application id
	now            func() time.Time
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:        make(map[string]*Wallet),
		txs:            make(map[string]*Transaction),
		transfers:      make(map[string]*Transfer),
		transferByProv: make(map[string]string),
		reservations:   make(map[string]*ReservedFunds),
		applications:   make(map[string]*Application),
		appByPair:      make(map[string]string),
		now:            time.Now,
	}
}

func (m *MemoryStore) GetWallet(_ context.Context, userID string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallets[userID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return copyWallet(w), nil
}

func (m *MemoryStore) EnsureWallet(_ context.Context, userID, currency string) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyWallet(m.walletLocked(userID, currency)), nil
}

// walletLocked returns the wallet, creating it in currency when absent.
// Caller must hold m.mu.
func (m *MemoryStore) walletLocked(userID, currency string) *Wallet {
	if w, ok := m.wallets[userID]; ok {
		return w
	}
	now := m.now()
	w := &Wallet{
		UserID:       userID,
		Currency:     currency,
		Transactions: []string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.wallets[userID] = w
	return w
}

func (m *MemoryStore) Credit(_ context.Context, in CreditInput) (*Wallet, *Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.txs[in.Reference]; exists {
		return nil, nil, ErrDuplicateReference
	}
	if w, ok := m.wallets[in.UserID]; ok && w.Currency != in.WalletCurrency {
		return nil, nil, ErrCurrencyMismatch
	}

	now := m.now()
	paymentType := in.PaymentType
	if paymentType == "" {
		paymentType = TypeCredit
	}
	tx := &Transaction{
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
	w := m.walletLocked(in.UserID, in.WalletCurrency)
	m.applyCreditLocked(w, tx.Reference, in.WalletAmount)
	m.txs[tx.Reference] = tx
	return copyWallet(w), copyTx(tx), nil
}

// Caller must hold m.mu.
func (m *MemoryStore) applyCreditLocked(w *Wallet, reference string, amount decimal.Decimal) {
	w.Balance = w.Balance.Add(amount)
	w.TotalIn = w.TotalIn.Add(amount)
	w.Transactions = append(w.Transactions, reference)
	w.Version++
	w.UpdatedAt = m.now()
}

func (m *MemoryStore) Debit(_ context.Context, in DebitInput) (*Wallet, *Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.txs[in.Reference]; exists {
		return nil, nil, ErrDuplicateReference
	}
	w, ok := m.wallets[in.UserID]
	if !ok {
		return nil, nil, ErrWalletNotFound
	}
	if w.Currency != in.WalletCurrency {
		return nil, nil, ErrCurrencyMismatch
	}
	if w.Balance.LessThan(in.WalletAmount) {
		return nil, nil, ErrInsufficientFunds
	}

	now := m.now()
	paymentType := in.PaymentType
	if paymentType == "" {
		paymentType = TypeDebit
	}
	tx := &Transaction{
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
	}
	if paymentType == TypeWithdrawal {
		tx.Status = StatusPending
	} else {
		tx.SettledAt = &now
	}

	w.Balance = w.Balance.Sub(in.WalletAmount)
	w.TotalOut = w.TotalOut.Add(in.WalletAmount)
	w.Transactions = append(w.Transactions, tx.Reference)
	w.Version++
	w.UpdatedAt = now
	m.txs[tx.Reference] = tx

	if paymentType == TypeWithdrawal && in.Transfer != nil {
		tr := copyTransfer(in.Transfer)
		if tr.ID == "" {
			tr.ID = idgen.New()
		}
		tr.Reference = tx.Reference
		tr.UserID = in.UserID
		tr.Status = StatusPending
		tr.CreatedAt = now
		tr.UpdatedAt = now
		m.transfers[tr.Reference] = tr
	}
	return copyWallet(w), copyTx(tx), nil
}

func (m *MemoryStore) CreateTransaction(_ context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.txs[tx.Reference]; exists {
		return ErrDuplicateReference
	}
	stored := copyTx(tx)
	if stored.ID == "" {
		stored.ID = idgen.New()
	}
	if stored.Status == "" {
		stored.Status = StatusPending
	}
	now := m.now()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	m.txs[stored.Reference] = stored

	tx.ID, tx.Status, tx.CreatedAt, tx.UpdatedAt = stored.ID, stored.Status, now, now
	return nil
}

func (m *MemoryStore) GetTransaction(_ context.Context, reference string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.txs[reference]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return copyTx(tx), nil
}

func (m *MemoryStore) ListTransactions(_ context.Context, userID string, before *pagination.Cursor, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.txs {
		if tx.UserID == userID && before.Before(tx.CreatedAt, tx.Reference) {
			result = append(result, copyTx(tx))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].Reference > result[j].Reference
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) GetTransactionByProviderReference(_ context.Context, providerRef string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if providerRef == "" {
		return nil, ErrTransactionNotFound
	}
	for _, tx := range m.txs {
		if tx.ProviderReference == providerRef {
			return copyTx(tx), nil
		}
	}
	return nil, ErrTransactionNotFound
}

func (m *MemoryStore) SetProviderReference(_ context.Context, reference, providerRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[reference]
	if !ok {
		return ErrTransactionNotFound
	}
	tx.ProviderReference = providerRef
	tx.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) CompleteCharge(_ context.Context, in ChargeCompletion) (*ChargeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[in.Reference]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	if tx.PaymentType != TypeFund {
		return nil, ErrWrongPaymentType
	}
	if tx.Status.Terminal() {
		return nil, ErrAlreadyFinal
	}

	now := m.now()
	result := &ChargeResult{}
	if in.Amount.IsPositive() && in.Currency != "" {
		tx.Amount, tx.Currency = in.Amount, in.Currency
	}

	if _, reserved := m.reservations[tx.TaskID]; tx.TaskID != "" && !reserved {
		rf := &ReservedFunds{
			ID:               idgen.New(),
			TaskID:           tx.TaskID,
			CreatorID:        tx.UserID,
			Amount:           tx.Amount,
			Currency:         tx.Currency,
			FundingReference: tx.Reference,
			CreatedAt:        now,
		}
		m.reservations[rf.TaskID] = rf
		result.Reservation = copyReservation(rf)
	} else {
		if in.WalletCurrency == "" || !in.WalletAmount.IsPositive() {
			return nil, ErrCurrencyMismatch
		}
		if w, ok := m.wallets[tx.UserID]; ok && w.Currency != in.WalletCurrency {
			return nil, ErrCurrencyMismatch
		}
		w := m.walletLocked(tx.UserID, in.WalletCurrency)
		m.applyCreditLocked(w, tx.Reference, in.WalletAmount)
		tx.WalletAmount = in.WalletAmount
		tx.WalletCurrency = in.WalletCurrency
		result.Wallet = copyWallet(w)
	}

	tx.Status = StatusSuccessful
	if in.ProviderReference != "" {
		tx.ProviderReference = in.ProviderReference
	}
	tx.NeedsReview = false
	tx.UpdatedAt = now
	tx.SettledAt = &now
	result.Transaction = copyTx(tx)
	return result, nil
}

func (m *MemoryStore) FailTransaction(_ context.Context, reference, reason string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[reference]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	if tx.PaymentType == TypeWithdrawal {
		return nil, ErrWrongPaymentType
	}
	if tx.Status.Terminal() {
		return nil, ErrAlreadyFinal
	}
	now := m.now()
	tx.Status = StatusFailed
	if reason != "" {
		tx.Description = reason
	}
	tx.UpdatedAt = now
	tx.SettledAt = &now
	return copyTx(tx), nil
}

func (m *MemoryStore) FlagForReview(_ context.Context, reference, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[reference]
	if !ok {
		return ErrTransactionNotFound
	}
	if tx.Status.Terminal() {
		return ErrAlreadyFinal
	}
	tx.NeedsReview = true
	tx.ReviewNote = note
	tx.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) FinalizeWithdrawal(_ context.Context, reference string, succeeded bool, reason string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, _, err := m.finalizeWithdrawalLocked(reference, succeeded, reason)
	if err != nil {
		return nil, err
	}
	return copyTx(tx), nil
}

func (m *MemoryStore) ReverseWithdrawal(_ context.Context, reference, reason string) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, w, err := m.finalizeWithdrawalLocked(reference, false, reason)
	if err != nil {
		return nil, err
	}
	return copyWallet(w), nil
}

// finalizeWithdrawalLocked moves a pending withdrawal and its transfer into
// a terminal state. A failure credits the in-flight amount back.
// Caller must hold m.mu.
func (m *MemoryStore) finalizeWithdrawalLocked(reference string, succeeded bool, reason string) (*Transaction, *Wallet, error) {
	tx, ok := m.txs[reference]
	if !ok {
		return nil, nil, ErrTransactionNotFound
	}
	if tx.PaymentType != TypeWithdrawal {
		return nil, nil, ErrWrongPaymentType
	}
	if tx.Status.Terminal() {
		return nil, nil, ErrAlreadyFinal
	}
	w, ok := m.wallets[tx.UserID]
	if !ok {
		return nil, nil, ErrWalletNotFound
	}

	now := m.now()
	status := StatusSuccessful
	if !succeeded {
		status = StatusFailed
		w.Balance = w.Balance.Add(tx.WalletAmount)
		w.TotalOut = w.TotalOut.Sub(tx.WalletAmount)
		w.Version++
		w.UpdatedAt = now
	}
	tx.Status = status
	tx.UpdatedAt = now
	tx.SettledAt = &now
	if tr, ok := m.transfers[reference]; ok {
		tr.Status = status
		tr.FailureReason = reason
		tr.UpdatedAt = now
	}
	return tx, w, nil
}

func (m *MemoryStore) SetProviderTransfer(_ context.Context, reference, providerTransferID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tr, ok := m.transfers[reference]
	if !ok {
		return ErrTransferNotFound
	}
	if tr.ProviderTransferID != "" {
		delete(m.transferByProv, tr.ProviderTransferID)
	}
	tr.ProviderTransferID = providerTransferID
	tr.UpdatedAt = m.now()
	m.transferByProv[providerTransferID] = reference
	if tx, ok := m.txs[reference]; ok {
		tx.ProviderReference = providerTransferID
	}
	return nil
}

func (m *MemoryStore) GetTransfer(_ context.Context, reference string) (*Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tr, ok := m.transfers[reference]
	if !ok {
		return nil, ErrTransferNotFound
	}
	return copyTransfer(tr), nil
}

func (m *MemoryStore) GetTransferByProviderID(_ context.Context, providerTransferID string) (*Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ref, ok := m.transferByProv[providerTransferID]
	if !ok {
		return nil, ErrTransferNotFound
	}
	return copyTransfer(m.transfers[ref]), nil
}

func (m *MemoryStore) CreateReservation(_ context.Context, rf *ReservedFunds) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.reservations[rf.TaskID]; exists {
		return ErrReservationExists
	}
	stored := copyReservation(rf)
	if stored.ID == "" {
		stored.ID = idgen.New()
	}
	stored.CreatedAt = m.now()
	m.reservations[stored.TaskID] = stored
	rf.ID, rf.CreatedAt = stored.ID, stored.CreatedAt
	return nil
}

func (m *MemoryStore) GetReservationByTask(_ context.Context, taskID string) (*ReservedFunds, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rf, ok := m.reservations[taskID]
	if !ok {
		return nil, ErrNoReservedFunds
	}
	return copyReservation(rf), nil
}

func (m *MemoryStore) ListReservations(_ context.Context) ([]*ReservedFunds, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*ReservedFunds, 0, len(m.reservations))
	for _, rf := range m.reservations {
		result = append(result, copyReservation(rf))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].TaskID < result[j].TaskID })
	return result, nil
}

func (m *MemoryStore) DeleteReservation(_ context.Context, taskID string) (*ReservedFunds, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rf, ok := m.reservations[taskID]
	if !ok {
		return nil, ErrNoReservedFunds
	}
	delete(m.reservations, taskID)
	return copyReservation(rf), nil
}

func (m *MemoryStore) TransferReservedToWallet(_ context.Context, in ReleaseInput) (*ReleaseResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rf *ReservedFunds
	for _, r := range m.reservations {
		if r.ID == in.ReservedFundsID {
			rf = r
			break
		}
	}
	if rf == nil {
		return nil, ErrNoReservedFunds
	}
	app, ok := m.applications[in.ApplicationID]
	if !ok {
		return nil, ErrApplicationNotFound
	}
	if err := checkReleasable(app, rf, in.EarnerID); err != nil {
		return nil, err
	}
	if _, exists := m.txs[in.Reference]; exists {
		return nil, ErrDuplicateReference
	}
	if w, ok := m.wallets[in.EarnerID]; ok && w.Currency != in.WalletCurrency {
		return nil, ErrCurrencyMismatch
	}

	now := m.now()
	tx := &Transaction{
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
	w := m.walletLocked(in.EarnerID, in.WalletCurrency)
	m.applyCreditLocked(w, tx.Reference, in.WalletAmount)
	m.txs[tx.Reference] = tx
	delete(m.reservations, rf.TaskID)
	app.ReviewStatus = ReviewApproved
	app.ReviewedAt = &now
	app.UpdatedAt = now

	return &ReleaseResult{
		Transaction: copyTx(tx),
		Wallet:      copyWallet(w),
		Application: copyApplication(app),
		Reservation: copyReservation(rf),
	}, nil
}

// checkReleasable enforces the release preconditions on an application.
func checkReleasable(app *Application, rf *ReservedFunds, earnerID string) error {
	if app.TaskID != rf.TaskID {
		return ErrNoReservedFunds
	}
	if app.EarnerID != earnerID {
		return ErrApplicationNotFound
	}
	if app.ReviewStatus != ReviewPending {
		return ErrAlreadyReviewed
	}
	if app.EarnerStatus != EarnerCompleted {
		return ErrTaskNotCompleted
	}
	return nil
}

func (m *MemoryStore) CreateApplication(_ context.Context, app *Application) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pair := app.TaskID + "|" + app.EarnerID
	if _, exists := m.appByPair[pair]; exists {
		return ErrApplicationExists
	}
	stored := copyApplication(app)
	if stored.ID == "" {
		stored.ID = idgen.New()
	}
	if stored.EarnerStatus == "" {
		stored.EarnerStatus = EarnerPending
	}
	if stored.ReviewStatus == "" {
		stored.ReviewStatus = ReviewPending
	}
	now := m.now()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	m.applications[stored.ID] = stored
	m.appByPair[pair] = stored.ID
	*app = *copyApplication(stored)
	return nil
}

func (m *MemoryStore) GetApplication(_ context.Context, id string) (*Application, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	app, ok := m.applications[id]
	if !ok {
		return nil, ErrApplicationNotFound
	}
	return copyApplication(app), nil
}

func (m *MemoryStore) UpdateApplication(_ context.Context, id string, mutate func(*Application) error) (*Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	app, ok := m.applications[id]
	if !ok {
		return nil, ErrApplicationNotFound
	}
	working := copyApplication(app)
	if err := mutate(working); err != nil {
		return nil, err
	}
	working.ID, working.TaskID, working.EarnerID, working.CreatedAt = app.ID, app.TaskID, app.EarnerID, app.CreatedAt
	working.UpdatedAt = m.now()
	m.applications[id] = working
	return copyApplication(working), nil
}

func (m *MemoryStore) AuditWallets(_ context.Context) ([]*WalletAudit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	audits := make(map[string]*WalletAudit, len(m.wallets))
	for id, w := range m.wallets {
		audits[id] = &WalletAudit{
			UserID:   w.UserID,
			Currency: w.Currency,
			Balance:  w.Balance,
			TotalIn:  w.TotalIn,
			TotalOut: w.TotalOut,
		}
	}
	for _, tx := range m.txs {
		a, ok := audits[tx.UserID]
		if !ok {
			continue
		}
		switch {
		case appliedCredit(tx):
			a.Credits = a.Credits.Add(tx.WalletAmount)
		case appliedDebit(tx):
			a.Debits = a.Debits.Add(tx.WalletAmount)
		}
	}

	result := make([]*WalletAudit, 0, len(audits))
	for _, a := range audits {
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result, nil
}

func copyWallet(w *Wallet) *Wallet {
	cp := *w
	cp.Transactions = append([]string{}, w.Transactions...)
	return &cp
}

func copyTx(tx *Transaction) *Transaction {
	cp := *tx
	if tx.SettledAt != nil {
		t := *tx.SettledAt
		cp.SettledAt = &t
	}
	return &cp
}

func copyTransfer(tr *Transfer) *Transfer {
	cp := *tr
	if tr.Recipient != nil {
		cp.Recipient = make(map[string]string, len(tr.Recipient))
		for k, v := range tr.Recipient {
			cp.Recipient[k] = v
		}
	}
	return &cp
}

func copyReservation(rf *ReservedFunds) *ReservedFunds {
	cp := *rf
	return &cp
}

func copyApplication(app *Application) *Application {
	cp := *app
	if app.ReviewedAt != nil {
		t := *app.ReviewedAt
		cp.ReviewedAt = &t
	}
	return &cp
}
