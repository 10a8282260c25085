package gate

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"kinvault/offchain/internal/chains"
	"kinvault/offchain/internal/models"
)

var (
	// ErrNullifierUsed means the nullifier was already consumed, by any
	// account. Nullifiers are global and single-use.
	ErrNullifierUsed = errors.New("nullifier already used")

	// ErrInvalidProof means the proof did not verify
	ErrInvalidProof = errors.New("proof verification failed")
)

// ProofRequest is one proof-of-provenance submission for vault access
type ProofRequest struct {
	Account      string
	OriginChain  string
	Nullifier    string // 0x-prefixed hex
	Proof        []byte
	PublicInputs []byte
}

// Verifier checks a proof against the origin chain's verifier contract
type Verifier interface {
	// Verify returns nil for a valid proof, ErrInvalidProof for a
	// rejected one, and chains.ErrUnsupportedChain when no verifier is
	// registered for the chain.
	Verify(ctx context.Context, originChain string, proof, publicInputs []byte) error
}

// NullifierStore is the write-once nullifier set
type NullifierStore interface {
	// ConsumeNullifier atomically claims a nullifier. Returns false when
	// it was already consumed.
	ConsumeNullifier(ctx context.Context, nullifier string) (bool, error)
}

// GrantStore persists per-chain grants and the aggregate access decision
type GrantStore interface {
	RecordChainGrant(ctx context.Context, grant *models.ChainGrant, vaultAccess bool) error
	GetAccessGrant(ctx context.Context, account string) (*models.AccessGrant, error)
	GetChainGrants(ctx context.Context, account string) ([]models.ChainGrant, error)
	RevokeAccess(ctx context.Context, account string) error
}

// Gate decides vault access from cross-chain provenance proofs.
//
// Ordering matters: proofs are verified before the nullifier is touched,
// so a failed verification never burns a nullifier. The consume itself is
// atomic, so of two verified submissions racing on one nullifier exactly
// one wins.
type Gate struct {
	verifier   Verifier
	nullifiers NullifierStore
	grants     GrantStore
	policy     Policy
	logger     *zap.Logger
}

func New(verifier Verifier, nullifiers NullifierStore, grants GrantStore, policy Policy, logger *zap.Logger) *Gate {
	if policy == nil {
		policy = AnyChain
	}
	return &Gate{
		verifier:   verifier,
		nullifiers: nullifiers,
		grants:     grants,
		policy:     policy,
		logger:     logger.Named("gate"),
	}
}

// Grant processes a proof submission and returns the account's updated
// access decision
func (g *Gate) Grant(ctx context.Context, req *ProofRequest) (*models.AccessGrant, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	if err := g.verifier.Verify(ctx, req.OriginChain, req.Proof, req.PublicInputs); err != nil {
		if errors.Is(err, chains.ErrUnsupportedChain) || errors.Is(err, ErrInvalidProof) {
			return nil, err
		}
		return nil, fmt.Errorf("verifier call failed: %w", err)
	}

	consumed, err := g.nullifiers.ConsumeNullifier(ctx, req.Nullifier)
	if err != nil {
		return nil, fmt.Errorf("failed to consume nullifier: %w", err)
	}
	if !consumed {
		return nil, fmt.Errorf("%w: %s", ErrNullifierUsed, req.Nullifier)
	}

	grant := &models.ChainGrant{
		ID:                  uuid.NewString(),
		Account:             req.Account,
		OriginChain:         req.OriginChain,
		Nullifier:           req.Nullifier,
		ProofCommitmentHash: "0x" + hex.EncodeToString(crypto.Keccak256(req.Proof)),
		GrantedAt:           time.Now().UTC(),
	}

	existing, err := g.grants.GetChainGrants(ctx, req.Account)
	if err != nil {
		return nil, fmt.Errorf("failed to load chain grants: %w", err)
	}
	vaultAccess := g.policy(append(existing, *grant))

	if err := g.grants.RecordChainGrant(ctx, grant, vaultAccess); err != nil {
		return nil, fmt.Errorf("failed to record grant: %w", err)
	}

	g.logger.Info("Chain grant recorded",
		zap.String("account", req.Account),
		zap.String("origin_chain", req.OriginChain),
		zap.String("nullifier", req.Nullifier),
		zap.Bool("vault_access", vaultAccess))

	return &models.AccessGrant{
		Account:     req.Account,
		VaultAccess: vaultAccess,
		UpdatedAt:   grant.GrantedAt,
	}, nil
}

// Status returns an account's access decision and its per-chain grants.
// An account with no grants has no access.
func (g *Gate) Status(ctx context.Context, account string) (*models.AccessGrant, []models.ChainGrant, error) {
	access, err := g.grants.GetAccessGrant(ctx, account)
	if err != nil {
		return nil, nil, err
	}
	if access == nil {
		access = &models.AccessGrant{Account: account, VaultAccess: false}
	}
	chainGrants, err := g.grants.GetChainGrants(ctx, account)
	if err != nil {
		return nil, nil, err
	}
	return access, chainGrants, nil
}

// Revoke withdraws an account's vault access. Its consumed nullifiers stay
// consumed: revocation cannot free a nullifier for reuse.
func (g *Gate) Revoke(ctx context.Context, account string) error {
	if account == "" {
		return fmt.Errorf("account is required")
	}
	if err := g.grants.RevokeAccess(ctx, account); err != nil {
		return fmt.Errorf("failed to revoke access: %w", err)
	}
	g.logger.Info("Vault access revoked", zap.String("account", account))
	return nil
}

func validateRequest(req *ProofRequest) error {
	switch {
	case req.Account == "":
		return fmt.Errorf("account is required")
	case req.OriginChain == "":
		return fmt.Errorf("origin chain is required")
	case req.Nullifier == "":
		return fmt.Errorf("nullifier is required")
	case len(req.Proof) == 0:
		return fmt.Errorf("proof is required")
	}
	return nil
}
