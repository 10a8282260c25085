package ledger

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"kinvault/offchain/internal/models"
)

// ErrUnknownAccount means a settlement arrived for an account the ledger
// cannot attribute
var ErrUnknownAccount = errors.New("unknown account")

// Store is the persistence surface the reconciler needs
type Store interface {
	// ReconcileTransfer atomically marks the transfer id reconciled and
	// credits the ledger. Returns false when the id was already marked,
	// in which case nothing was written.
	ReconcileTransfer(ctx context.Context, transferID, account, originChain, amount string) (bool, error)

	// CreditOutstanding adds to an account's not-yet-settled balance
	CreditOutstanding(ctx context.Context, account, originChain, amount string) error

	GetLedgerEntry(ctx context.Context, account, originChain string) (*models.RoyaltyLedgerEntry, error)
	GetLedgerEntriesByAccount(ctx context.Context, account string) ([]models.RoyaltyLedgerEntry, error)
	SumSettled(ctx context.Context) (string, error)
}

// Reconciler applies settled transfers to the royalty ledger exactly once
type Reconciler struct {
	store  Store
	logger *zap.Logger
}

func NewReconciler(store Store, logger *zap.Logger) *Reconciler {
	return &Reconciler{store: store, logger: logger.Named("ledger")}
}

// Reconcile credits a settled transfer to its account. Replaying the same
// transfer is a no-op: the first reconciliation wins and later calls
// return nil without touching the ledger.
func (r *Reconciler) Reconcile(ctx context.Context, transfer *models.Transfer) error {
	if transfer.Recipient == "" {
		return fmt.Errorf("%w: transfer %s has no recipient", ErrUnknownAccount, transfer.TransferID)
	}
	if _, err := models.ParseAmount(transfer.Amount); err != nil {
		return fmt.Errorf("transfer %s: %w", transfer.TransferID, err)
	}

	applied, err := r.store.ReconcileTransfer(ctx, transfer.TransferID, transfer.Recipient, transfer.OriginChain, transfer.Amount)
	if err != nil {
		return fmt.Errorf("failed to reconcile transfer %s: %w", transfer.TransferID, err)
	}

	if !applied {
		r.logger.Debug("Transfer already reconciled, skipping",
			zap.String("transfer_id", transfer.TransferID))
		return nil
	}

	r.logger.Info("Transfer reconciled",
		zap.String("transfer_id", transfer.TransferID),
		zap.String("account", transfer.Recipient),
		zap.String("origin_chain", transfer.OriginChain),
		zap.String("amount", transfer.Amount))

	return nil
}

// Accrue records newly observed royalties as outstanding for an account
func (r *Reconciler) Accrue(ctx context.Context, account, originChain, amount string) error {
	if account == "" {
		return ErrUnknownAccount
	}
	if _, err := models.ParseAmount(amount); err != nil {
		return err
	}
	return r.store.CreditOutstanding(ctx, account, originChain, amount)
}

// Entry returns one account's ledger row for an origin chain, or nil
func (r *Reconciler) Entry(ctx context.Context, account, originChain string) (*models.RoyaltyLedgerEntry, error) {
	return r.store.GetLedgerEntry(ctx, account, originChain)
}

// AccountEntries returns all ledger rows for an account
func (r *Reconciler) AccountEntries(ctx context.Context, account string) ([]models.RoyaltyLedgerEntry, error) {
	return r.store.GetLedgerEntriesByAccount(ctx, account)
}

// SettledTotal returns the sum of settled amounts across all accounts
func (r *Reconciler) SettledTotal(ctx context.Context) (string, error) {
	return r.store.SumSettled(ctx)
}
