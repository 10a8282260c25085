package settlement

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"kinvault/offchain/internal/attestation"
	"kinvault/offchain/internal/chains"
	"kinvault/offchain/internal/config"
	"kinvault/offchain/internal/models"
)

// ErrTransferTerminal is returned when an operation targets a transfer
// that already reached a terminal state
var ErrTransferTerminal = errors.New("transfer is already terminal")

// Store is the transfer persistence surface the machine drives
type Store interface {
	CreateTransfer(ctx context.Context, t *models.Transfer) error
	GetTransfer(ctx context.Context, transferID string) (*models.Transfer, error)
	UpdateTransferState(ctx context.Context, transferID string, state models.TransferState) error
	UpdateTransferBurn(ctx context.Context, transferID string, state models.TransferState, burnTxRef, messageHash string, messageBytes []byte) error
	UpdateTransferAttestation(ctx context.Context, transferID string, attestation []byte) error
	UpdateTransferMint(ctx context.Context, transferID string, mintTxRef string) error
	RecordTransferRetry(ctx context.Context, transferID string, errMsg string, nextAttempt time.Time) error
	RecordAttestationPoll(ctx context.Context, transferID string, nextAttempt time.Time) error
	MarkTransferFailed(ctx context.Context, transferID string, state models.TransferState, errMsg string) error
}

// Attester obtains signed attestations for burn messages
type Attester interface {
	Await(ctx context.Context, messageHash string, window time.Duration) ([]byte, error)
}

// LedgerReconciler credits settled transfers to the royalty ledger
type LedgerReconciler interface {
	Reconcile(ctx context.Context, transfer *models.Transfer) error
}

// Machine walks transfers through burn, attestation, mint and
// reconciliation. Each Step performs at most one stage; the worker layer
// decides when a transfer is due for its next one.
type Machine struct {
	store    Store
	registry *chains.Registry
	attester Attester
	ledger   LedgerReconciler
	cfg      *config.Config
	logger   *zap.Logger
}

func NewMachine(store Store, registry *chains.Registry, attester Attester, ledger LedgerReconciler, cfg *config.Config, logger *zap.Logger) *Machine {
	return &Machine{
		store:    store,
		registry: registry,
		attester: attester,
		ledger:   ledger,
		cfg:      cfg,
		logger:   logger.Named("settlement"),
	}
}

// NewTransferID derives a transfer's identity from its creation-time
// fields. The burn nonce component is minted once per transfer, so the id
// is stable across every retry of every stage.
func NewTransferID(originChain, recipient, amount, burnNonce string) string {
	preimage := strings.Join([]string{originChain, recipient, amount, burnNonce}, "|")
	return "0x" + hex.EncodeToString(crypto.Keccak256([]byte(preimage)))
}

// CreateTransfer validates and persists a new transfer in PENDING_BURN
func (m *Machine) CreateTransfer(ctx context.Context, originChain, recipient, amount string) (*models.Transfer, error) {
	if _, err := m.registry.Get(originChain); err != nil {
		return nil, err
	}
	if originChain == m.cfg.Destination.Chain {
		return nil, fmt.Errorf("%w: %s is the destination chain", chains.ErrUnsupportedChain, originChain)
	}

	destination, err := m.registry.Get(m.cfg.Destination.Chain)
	if err != nil {
		return nil, err
	}
	canonical, err := destination.ParseAddress(recipient)
	if err != nil {
		return nil, err
	}

	if _, err := models.ParseAmount(amount); err != nil {
		return nil, err
	}

	burnNonce := uuid.NewString()
	transfer := &models.Transfer{
		TransferID:       NewTransferID(originChain, canonical, amount, burnNonce),
		OriginChain:      originChain,
		DestinationChain: m.cfg.Destination.Chain,
		Amount:           amount,
		Recipient:        canonical,
		State:            models.TransferStatePendingBurn,
		BurnNonce:        burnNonce,
	}

	if err := m.store.CreateTransfer(ctx, transfer); err != nil {
		return nil, fmt.Errorf("failed to create transfer: %w", err)
	}

	m.logger.Info("Transfer created",
		zap.String("transfer_id", transfer.TransferID),
		zap.String("origin_chain", originChain),
		zap.String("recipient", canonical),
		zap.String("amount", amount))

	return transfer, nil
}

// Step advances a transfer by one stage. Safe to call on any transfer:
// terminal states are a no-op.
func (m *Machine) Step(ctx context.Context, t *models.Transfer) error {
	switch t.State {
	case models.TransferStatePendingBurn:
		return m.stepBurn(ctx, t)
	case models.TransferStateBurnSubmitted:
		// A row parked here means we went down between submitting the
		// burn and recording its receipt. The burn outcome is unknown,
		// so this never resolves without an operator.
		return m.store.MarkTransferFailed(ctx, t.TransferID, models.TransferStateBurnFailed,
			"burn outcome unknown after restart, operator review required")
	case models.TransferStateAwaitingAttestation:
		return m.stepAttestation(ctx, t)
	case models.TransferStateAttestationReady:
		return m.stepMint(ctx, t)
	case models.TransferStateMintSubmitted:
		return m.stepReconcile(ctx, t)
	default:
		return nil
	}
}

func (m *Machine) stepBurn(ctx context.Context, t *models.Transfer) error {
	adapter, err := m.registry.Get(t.OriginChain)
	if err != nil {
		return m.store.MarkTransferFailed(ctx, t.TransferID, models.TransferStateBurnFailed, err.Error())
	}

	amount, err := models.ParseAmount(t.Amount)
	if err != nil {
		return m.store.MarkTransferFailed(ctx, t.TransferID, models.TransferStateBurnFailed, err.Error())
	}

	originCfg, ok := m.cfg.Chains[t.OriginChain]
	if !ok {
		return m.store.MarkTransferFailed(ctx, t.TransferID, models.TransferStateBurnFailed,
			fmt.Sprintf("chain %s not configured", t.OriginChain))
	}

	if err := m.store.UpdateTransferState(ctx, t.TransferID, models.TransferStateBurnSubmitted); err != nil {
		return err
	}

	result, err := adapter.SubmitBurn(ctx, &chains.BurnRequest{
		Amount:            amount,
		MintRecipient:     t.Recipient,
		DestinationDomain: originCfg.DestinationDomain,
	})
	if err != nil {
		return m.handleSubmitError(ctx, t, models.TransferStateBurnFailed, models.TransferStatePendingBurn, err)
	}

	return m.store.UpdateTransferBurn(ctx, t.TransferID, models.TransferStateAwaitingAttestation,
		result.TxRef, result.MessageHash, result.MessageBytes)
}

func (m *Machine) stepAttestation(ctx context.Context, t *models.Transfer) error {
	if t.MessageHash == nil || *t.MessageHash == "" {
		return m.store.MarkTransferFailed(ctx, t.TransferID, models.TransferStateAttestationFailed,
			"transfer has no message hash")
	}

	att, err := m.attester.Await(ctx, *t.MessageHash, m.cfg.Attestation.PollWindow)
	switch {
	case err == nil:
		return m.store.UpdateTransferAttestation(ctx, t.TransferID, att)

	case errors.Is(err, attestation.ErrAttestationFailed):
		// The only path that fails this stage without an operator
		return m.store.MarkTransferFailed(ctx, t.TransferID, models.TransferStateAttestationFailed, err.Error())

	case errors.Is(err, attestation.ErrAttestationTimeout):
		// Attestation can arrive arbitrarily late. Poll closely at first,
		// then fall back to a slow indefinite cadence.
		next := time.Now().UTC()
		if t.AttestationPolls+1 >= m.cfg.Worker.FastPollCycles {
			next = next.Add(m.cfg.Worker.SlowPollDelay)
		}
		m.logger.Debug("Attestation not ready, rescheduling",
			zap.String("transfer_id", t.TransferID),
			zap.Int("polls", t.AttestationPolls+1))
		return m.store.RecordAttestationPoll(ctx, t.TransferID, next)

	default:
		return err
	}
}

func (m *Machine) stepMint(ctx context.Context, t *models.Transfer) error {
	destination, err := m.registry.Get(t.DestinationChain)
	if err != nil {
		return m.store.MarkTransferFailed(ctx, t.TransferID, models.TransferStateMintFailed, err.Error())
	}

	mintTxRef, err := destination.SubmitMint(ctx, t.MessageBytes, t.Attestation)
	if errors.Is(err, chains.ErrAlreadyMinted) {
		// Another submission already delivered this message. The funds
		// are in the vault, so the transfer proceeds.
		m.logger.Info("Mint nonce already consumed, treating as settled",
			zap.String("transfer_id", t.TransferID))
		mintTxRef, err = "", nil
	}
	if err != nil {
		return m.handleSubmitError(ctx, t, models.TransferStateMintFailed, models.TransferStateAttestationReady, err)
	}

	return m.store.UpdateTransferMint(ctx, t.TransferID, mintTxRef)
}

func (m *Machine) stepReconcile(ctx context.Context, t *models.Transfer) error {
	if err := m.ledger.Reconcile(ctx, t); err != nil {
		return err
	}
	m.logger.Info("Transfer settled",
		zap.String("transfer_id", t.TransferID),
		zap.String("recipient", t.Recipient),
		zap.String("amount", t.Amount))
	return nil
}

// handleSubmitError retries transient submission failures with exponential
// backoff and fails the transfer once attempts are exhausted or the error
// is terminal
func (m *Machine) handleSubmitError(ctx context.Context, t *models.Transfer, failState, retryState models.TransferState, submitErr error) error {
	if !chains.IsTransient(submitErr) || t.RetryCount+1 >= m.cfg.Worker.MaxSubmitAttempts {
		return m.store.MarkTransferFailed(ctx, t.TransferID, failState, submitErr.Error())
	}

	// Retries re-enter the stage from the top
	if err := m.store.UpdateTransferState(ctx, t.TransferID, retryState); err != nil {
		return err
	}

	next := time.Now().UTC().Add(backoffDelay(t.RetryCount, m.cfg.Worker.BaseRetryDelay, m.cfg.Worker.MaxRetryDelay))
	m.logger.Warn("Submission failed, scheduling retry",
		zap.String("transfer_id", t.TransferID),
		zap.Int("attempt", t.RetryCount+1),
		zap.Error(submitErr))
	return m.store.RecordTransferRetry(ctx, t.TransferID, submitErr.Error(), next)
}

// FailTransfer is the operator escape hatch for stuck transfers. It moves
// a non-terminal transfer to the failure terminal matching its stage.
func (m *Machine) FailTransfer(ctx context.Context, transferID, reason string) (*models.Transfer, error) {
	t, err := m.store.GetTransfer(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, nil
	}
	if t.State.IsTerminal() {
		return nil, fmt.Errorf("%w: transfer %s is in state %s", ErrTransferTerminal, transferID, t.State)
	}

	failState := models.TransferStateBurnFailed
	switch t.State {
	case models.TransferStateAwaitingAttestation:
		failState = models.TransferStateAttestationFailed
	case models.TransferStateAttestationReady, models.TransferStateMintSubmitted:
		failState = models.TransferStateMintFailed
	}

	if reason == "" {
		reason = "failed by operator"
	}
	if err := m.store.MarkTransferFailed(ctx, transferID, failState, reason); err != nil {
		return nil, err
	}

	m.logger.Warn("Transfer failed by operator",
		zap.String("transfer_id", transferID),
		zap.String("state", string(failState)),
		zap.String("reason", reason))

	return m.store.GetTransfer(ctx, transferID)
}

func backoffDelay(retryCount int, base, max time.Duration) time.Duration {
	delay := base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
