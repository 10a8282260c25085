package models

import (
	"fmt"
	"math/big"
	"time"
)

// TransferState represents the state of a cross-chain settlement transfer
type TransferState string

const (
	TransferStatePendingBurn         TransferState = "PENDING_BURN"
	TransferStateBurnSubmitted       TransferState = "BURN_SUBMITTED"
	TransferStateAwaitingAttestation TransferState = "AWAITING_ATTESTATION"
	TransferStateAttestationReady    TransferState = "ATTESTATION_READY"
	TransferStateMintSubmitted       TransferState = "MINT_SUBMITTED"
	TransferStateReconciled          TransferState = "RECONCILED"
	TransferStateBurnFailed          TransferState = "BURN_FAILED"
	TransferStateAttestationFailed   TransferState = "ATTESTATION_FAILED"
	TransferStateMintFailed          TransferState = "MINT_FAILED"
)

// IsTerminal reports whether no further transitions are possible
func (s TransferState) IsTerminal() bool {
	switch s {
	case TransferStateReconciled, TransferStateBurnFailed, TransferStateAttestationFailed, TransferStateMintFailed:
		return true
	}
	return false
}

// IsFailed reports whether the state is a failure terminal requiring operator attention
func (s TransferState) IsFailed() bool {
	switch s {
	case TransferStateBurnFailed, TransferStateAttestationFailed, TransferStateMintFailed:
		return true
	}
	return false
}

// Transfer represents one cross-chain value movement. Terminal transfers are
// never deleted; they remain queryable for audit and reconciliation.
type Transfer struct {
	ID               int64         `db:"id"`
	TransferID       string        `db:"transfer_id"`
	OriginChain      string        `db:"origin_chain"`
	DestinationChain string        `db:"destination_chain"`
	Amount           string        `db:"amount"` // decimal string, base units
	Recipient        string        `db:"recipient"`
	State            TransferState `db:"state"`
	BurnNonce        string        `db:"burn_nonce"`
	BurnTxRef        *string       `db:"burn_tx_ref"`
	MessageHash      *string       `db:"message_hash"`
	MessageBytes     []byte        `db:"message_bytes"`
	Attestation      []byte        `db:"attestation"`
	MintTxRef        *string       `db:"mint_tx_ref"`
	ErrorMessage     *string       `db:"error_message"`
	RetryCount       int           `db:"retry_count"`
	AttestationPolls int           `db:"attestation_polls"`
	NextAttemptAt    time.Time     `db:"next_attempt_at"`
	CreatedAt        time.Time     `db:"created_at"`
	UpdatedAt        time.Time     `db:"updated_at"`
}

// AmountInt parses the canonical decimal-string amount
func (t *Transfer) AmountInt() (*big.Int, error) {
	return ParseAmount(t.Amount)
}

// ParseAmount parses a base-unit decimal string into a big integer.
// Every Transfer carries amount > 0, so zero and negative values are rejected.
func ParseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if v.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %s", s)
	}
	return v, nil
}

// RoyaltyLedgerEntry is the authoritative per-account, per-origin-chain
// balance. settled+outstanding always equals the sum of credited transfers.
type RoyaltyLedgerEntry struct {
	ID          int64     `db:"id"`
	Account     string    `db:"account"`
	OriginChain string    `db:"origin_chain"`
	Settled     string    `db:"settled"`     // decimal string, base units
	Outstanding string    `db:"outstanding"` // decimal string, base units
	UpdatedAt   time.Time `db:"updated_at"`
}

// ChainGrant records one accepted proof for an account
type ChainGrant struct {
	ID                  string    `db:"id"`
	Account             string    `db:"account"`
	OriginChain         string    `db:"origin_chain"`
	Nullifier           string    `db:"nullifier"`
	ProofCommitmentHash string    `db:"proof_commitment_hash"`
	GrantedAt           time.Time `db:"granted_at"`
}

// AccessGrant aggregates an account's chain grants into a vault-access decision
type AccessGrant struct {
	Account     string    `db:"account"`
	VaultAccess bool      `db:"vault_access"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// HistoryType distinguishes vault history entry kinds
type HistoryType string

const (
	HistoryTypeDeposit HistoryType = "Deposit"
	HistoryTypeSpend   HistoryType = "Spend"
)

// VaultHistoryEntry is one row of an account's vault activity, ordered by time
type VaultHistoryEntry struct {
	ID           int64       `db:"id"`
	Account      string      `db:"account"`
	Type         HistoryType `db:"entry_type"`
	Amount       string      `db:"amount"`
	Counterparty string      `db:"counterparty"`
	Timestamp    time.Time   `db:"occurred_at"`
}
