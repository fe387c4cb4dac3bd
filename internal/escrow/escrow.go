// Package escrow holds task funds between a creator and an earner.
//
// Flow:
//  1. Creator funds a task: a checkout charge (or an internal call) reserves
//     the amount against the task. The money sits in no wallet.
//  2. Earner applies, then moves the application Pending → In Progress →
//     Completed.
//  3. Creator approves: the reservation becomes an escrow credit on the
//     earner's wallet, converted into the wallet's currency.
//  4. Creator abandons the task: release-back frees the reservation.
package escrow

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/mbd888/taskpay/internal/apperr"
	"github.com/mbd888/taskpay/internal/ledger"
	"github.com/mbd888/taskpay/internal/logging"
	"github.com/mbd888/taskpay/internal/metrics"
	"github.com/mbd888/taskpay/internal/money"
	"github.com/mbd888/taskpay/internal/notify"
	"github.com/mbd888/taskpay/internal/syncutil"
	"github.com/mbd888/taskpay/internal/traces"
	"github.com/mbd888/taskpay/internal/validation"
)

var (
	ErrInvalidTransition = apperr.Coded(apperr.KindConflict, "invalid_transition", "earner status cannot move to the requested state")
	ErrNotEarner         = apperr.New(apperr.KindForbidden, "only the applicant may update this application")
	ErrNotCreator        = apperr.New(apperr.KindForbidden, "only the task creator may review applications")
)

// ReserveRequest holds funds for a task outside the checkout flow.
type ReserveRequest struct {
	TaskID           string          `json:"taskId"`
	CreatorID        string          `json:"creatorId"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	FundingReference string          `json:"fundingReference"`
}

// Release is the outcome of an approved application.
type Release struct {
	Transaction *ledger.Transaction `json:"transaction"`
	Wallet      *ledger.Wallet      `json:"wallet"`
	Application *ledger.Application `json:"application"`
}

// Manager moves reserved task funds.
type Manager struct {
	ledger   *ledger.Ledger
	notifier notify.Notifier
	tasks    *syncutil.KeyedMutex
}

// NewManager creates an escrow manager. notifier may be nil.
func NewManager(l *ledger.Ledger, notifier notify.Notifier) *Manager {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Manager{ledger: l, notifier: notifier, tasks: syncutil.NewKeyedMutex()}
}

func (m *Manager) lockTask(ctx context.Context, taskID string) (func(), error) {
	return m.tasks.Lock(ctx, "task:"+taskID)
}

// Reserve holds req.Amount against req.TaskID. A task can be reserved once.
func (m *Manager) Reserve(ctx context.Context, req ReserveRequest) (*ledger.ReservedFunds, error) {
	if err := validation.Validate(
		validation.Required("taskId", req.TaskID),
		validation.Required("creatorId", req.CreatorID),
		validation.ValidCurrency("currency", req.Currency),
	).Err(); err != nil {
		return nil, err
	}
	currency, _ := money.NormalizeCurrency(req.Currency)
	if err := validation.Validate(
		validation.ValidAmount("amount", req.Amount.String(), currency),
	).Err(); err != nil {
		return nil, err
	}

	unlock, err := m.lockTask(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rf := &ledger.ReservedFunds{
		TaskID:           req.TaskID,
		CreatorID:        req.CreatorID,
		Amount:           req.Amount,
		Currency:         currency,
		FundingReference: req.FundingReference,
	}
	if err := m.ledger.CreateReservation(ctx, rf); err != nil {
		metrics.EscrowOperationsTotal.WithLabelValues("reserve", "error").Inc()
		return nil, err
	}
	metrics.EscrowOperationsTotal.WithLabelValues("reserve", "ok").Inc()
	logging.L(ctx).Info("task funds reserved", "task_id", rf.TaskID, "amount", rf.Amount.String(), "currency", rf.Currency)
	return rf, nil
}

// Release pays the task's reserved funds to the approved applicant. The
// reservation, the credit and the approval are committed together, so a
// second release for the same task finds nothing reserved.
func (m *Manager) Release(ctx context.Context, taskID, applicationID string) (*Release, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.TaskID(taskID))
	defer span.End()

	unlock, err := m.lockTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rel, err := m.release(ctx, taskID, applicationID)
	if err != nil {
		traces.RecordError(span, err)
		metrics.EscrowOperationsTotal.WithLabelValues("release", resultLabel(err)).Inc()
		return nil, err
	}
	metrics.EscrowOperationsTotal.WithLabelValues("release", "ok").Inc()
	span.SetAttributes(traces.UserID(rel.Transaction.UserID), traces.Reference(rel.Transaction.Reference))
	return rel, nil
}

func (m *Manager) release(ctx context.Context, taskID, applicationID string) (*Release, error) {
	rf, err := m.ledger.GetReservation(ctx, taskID)
	if err != nil {
		return nil, err
	}
	app, err := m.ledger.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if app.TaskID != taskID {
		return nil, ledger.ErrApplicationNotFound
	}
	if app.ReviewStatus != ledger.ReviewPending {
		return nil, ledger.ErrAlreadyReviewed
	}
	if app.EarnerStatus != ledger.EarnerCompleted {
		return nil, ledger.ErrTaskNotCompleted
	}

	res, err := m.ledger.TransferReservedToWallet(ctx, rf, app.ID, app.EarnerID)
	if err != nil {
		if errors.Is(err, ledger.ErrWalletUnavailable) {
			logging.L(ctx).Error("earner wallet cannot receive release",
				"task_id", taskID, "earner_id", app.EarnerID, "error", err)
		}
		return nil, err
	}

	logging.L(ctx).Info("escrow released",
		"task_id", taskID, "earner_id", app.EarnerID, "reference", res.Transaction.Reference,
		"amount", res.Transaction.WalletAmount.String(), "currency", res.Transaction.WalletCurrency)
	m.notifier.Notify(ctx, notify.Notification{
		UserID:    app.EarnerID,
		Kind:      notify.KindEarningsReleased,
		Reference: res.Transaction.Reference,
		TaskID:    taskID,
		Amount:    res.Transaction.WalletAmount,
		Currency:  res.Transaction.WalletCurrency,
	})
	return &Release{Transaction: res.Transaction, Wallet: res.Wallet, Application: res.Application}, nil
}

// ReleaseBack frees a task's reservation without crediting any wallet.
func (m *Manager) ReleaseBack(ctx context.Context, taskID string) (*ledger.ReservedFunds, error) {
	unlock, err := m.lockTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rf, err := m.ledger.DeleteReservation(ctx, taskID)
	if err != nil {
		metrics.EscrowOperationsTotal.WithLabelValues("release_back", resultLabel(err)).Inc()
		return nil, err
	}
	metrics.EscrowOperationsTotal.WithLabelValues("release_back", "ok").Inc()
	logging.L(ctx).Info("reserved funds released back", "task_id", taskID, "creator_id", rf.CreatorID)
	m.notifier.Notify(ctx, notify.Notification{
		UserID:    rf.CreatorID,
		Kind:      notify.KindFundsReturned,
		Reference: rf.FundingReference,
		TaskID:    taskID,
		Amount:    rf.Amount,
		Currency:  rf.Currency,
	})
	return rf, nil
}

// Apply records earnerID's claim on taskID.
func (m *Manager) Apply(ctx context.Context, taskID, earnerID string) (*ledger.Application, error) {
	if err := validation.Validate(
		validation.Required("taskId", taskID),
		validation.Required("earnerId", earnerID),
	).Err(); err != nil {
		return nil, err
	}
	app := &ledger.Application{TaskID: taskID, EarnerID: earnerID}
	if err := m.ledger.CreateApplication(ctx, app); err != nil {
		return nil, err
	}
	return app, nil
}

var transitions = map[ledger.EarnerStatus][]ledger.EarnerStatus{
	ledger.EarnerPending:    {ledger.EarnerInProgress, ledger.EarnerCancelled},
	ledger.EarnerInProgress: {ledger.EarnerCompleted, ledger.EarnerCancelled},
}

// CanTransition reports whether an application may move from one earner
// status to another.
func CanTransition(from, to ledger.EarnerStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// UpdateEarnerStatus moves the earner's side of an application forward.
func (m *Manager) UpdateEarnerStatus(ctx context.Context, applicationID, earnerID string, status ledger.EarnerStatus) (*ledger.Application, error) {
	return m.ledger.UpdateApplication(ctx, applicationID, func(app *ledger.Application) error {
		if app.EarnerID != earnerID {
			return ErrNotEarner
		}
		if app.ReviewStatus != ledger.ReviewPending {
			return ledger.ErrAlreadyReviewed
		}
		if !CanTransition(app.EarnerStatus, status) {
			return ErrInvalidTransition
		}
		app.EarnerStatus = status
		return nil
	})
}

// Reject declines a completed application. The reservation stays so the
// creator can approve another applicant or release it back.
func (m *Manager) Reject(ctx context.Context, applicationID string) (*ledger.Application, error) {
	app, err := m.ledger.UpdateApplication(ctx, applicationID, func(app *ledger.Application) error {
		if app.ReviewStatus != ledger.ReviewPending {
			return ledger.ErrAlreadyReviewed
		}
		if app.EarnerStatus != ledger.EarnerCompleted {
			return ledger.ErrTaskNotCompleted
		}
		app.ReviewStatus = ledger.ReviewRejected
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.EscrowOperationsTotal.WithLabelValues("reject", "ok").Inc()
	return app, nil
}

// AuthorizeCreator checks that userID owns the reservation on taskID and
// that applicationID belongs to that task.
func (m *Manager) AuthorizeCreator(ctx context.Context, taskID, applicationID, userID string) error {
	rf, err := m.ledger.GetReservation(ctx, taskID)
	if err != nil {
		return err
	}
	if rf.CreatorID != userID {
		logging.Security(ctx).Warn("application review by non-creator", "task_id", taskID, "user_id", userID)
		return ErrNotCreator
	}
	app, err := m.ledger.GetApplication(ctx, applicationID)
	if err != nil {
		return err
	}
	if app.TaskID != taskID {
		return ledger.ErrApplicationNotFound
	}
	return nil
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ledger.ErrNoReservedFunds):
		return "no_funds"
	case errors.Is(err, ledger.ErrTaskNotCompleted):
		return "not_completed"
	case errors.Is(err, ledger.ErrAlreadyReviewed):
		return "already_reviewed"
	case errors.Is(err, ledger.ErrWalletUnavailable):
		return "wallet_unavailable"
	}
	return "error"
}
