package api

import (
	"time"

	"kinvault/offchain/internal/models"
)

// ==================== Health ====================

// HealthResponse reports service liveness
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ==================== Errors ====================

// ErrorResponse is the uniform error body
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==================== Transfers ====================

// CreateTransferRequest opens a settlement transfer manually
type CreateTransferRequest struct {
	OriginChain string `json:"origin_chain"`
	Recipient   string `json:"recipient"`
	Amount      string `json:"amount"` // base units (6 decimals)
}

// FailTransferRequest is the operator action for stuck transfers
type FailTransferRequest struct {
	Reason string `json:"reason"`
}

// TransferResponse is the API view of a transfer
type TransferResponse struct {
	TransferID       string               `json:"transfer_id"`
	OriginChain      string               `json:"origin_chain"`
	DestinationChain string               `json:"destination_chain"`
	Amount           string               `json:"amount"` // base units (6 decimals)
	Recipient        string               `json:"recipient"`
	State            models.TransferState `json:"state"`
	BurnTxRef        *string              `json:"burn_tx_ref,omitempty"`
	MessageHash      *string              `json:"message_hash,omitempty"`
	MintTxRef        *string              `json:"mint_tx_ref,omitempty"`
	Error            *string              `json:"error,omitempty"`
	RetryCount       int                  `json:"retry_count"`
	CreatedAt        time.Time            `json:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at"`
}

// ==================== Royalties ====================

// ChainTotal is one chain's royalty position
type ChainTotal struct {
	Chain string `json:"chain"`
	Total string `json:"total"` // base units (6 decimals)
	Stale bool   `json:"stale,omitempty"`
}

// RoyaltiesResponse aggregates the vault's settled value and every
// source chain's pending royalties
type RoyaltiesResponse struct {
	Totals []ChainTotal `json:"totals"`
}

// AccountLedgerView is one account's position on one origin chain
type AccountLedgerView struct {
	OriginChain string `json:"origin_chain"`
	Settled     string `json:"settled"`     // base units (6 decimals)
	Outstanding string `json:"outstanding"` // base units (6 decimals)
}

// AccountRoyaltiesResponse is one account's full ledger view
type AccountRoyaltiesResponse struct {
	Account string              `json:"account"`
	Entries []AccountLedgerView `json:"entries"`
}

// ==================== Access ====================

// GrantRequest submits a provenance proof for vault access
type GrantRequest struct {
	Account      string `json:"account"`
	OriginChain  string `json:"origin_chain"`
	Nullifier    string `json:"nullifier"`     // 0x-prefixed hex
	Proof        string `json:"proof"`         // hex blob
	PublicInputs string `json:"public_inputs"` // hex blob
}

// GrantMessageRequest submits a relayed cross-chain grant payload
type GrantMessageRequest struct {
	OriginChain string `json:"origin_chain"`
	Payload     string `json:"payload"` // hex-encoded ABI tuple
}

// ChainGrantView is the API view of one accepted proof
type ChainGrantView struct {
	OriginChain string    `json:"origin_chain"`
	Nullifier   string    `json:"nullifier"`
	GrantedAt   time.Time `json:"granted_at"`
}

// AccessResponse is an account's vault-access decision
type AccessResponse struct {
	Account     string           `json:"account"`
	VaultAccess bool             `json:"vault_access"`
	Grants      []ChainGrantView `json:"grants"`
}

// ==================== History ====================

// HistoryEntryView is one vault history row
type HistoryEntryView struct {
	Account      string             `json:"account"`
	Type         models.HistoryType `json:"type"`
	Amount       string             `json:"amount"` // base units (6 decimals)
	Counterparty string             `json:"counterparty"`
	Timestamp    time.Time          `json:"timestamp"`
}

// HistoryResponse is an account's vault history, oldest first
type HistoryResponse struct {
	Account string             `json:"account"`
	Entries []HistoryEntryView `json:"entries"`
}
