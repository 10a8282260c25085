package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"kinvault/offchain/internal/models"
)

// ==================== Transfer Queries ====================

const transferColumns = `
	id, transfer_id, origin_chain, destination_chain, amount::text AS amount,
	recipient, state, burn_nonce, burn_tx_ref, message_hash, message_bytes,
	attestation, mint_tx_ref, error_message, retry_count, attestation_polls,
	next_attempt_at, created_at, updated_at`

// CreateTransfer inserts a new transfer in PENDING_BURN
func (db *DB) CreateTransfer(ctx context.Context, t *models.Transfer) error {
	query := `
		INSERT INTO transfers (
			transfer_id, origin_chain, destination_chain, amount, recipient,
			state, burn_nonce, retry_count, attestation_polls
		)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9)
		RETURNING id
	`
	return db.QueryRowContext(
		ctx, query,
		t.TransferID,
		t.OriginChain,
		t.DestinationChain,
		t.Amount,
		t.Recipient,
		t.State,
		t.BurnNonce,
		t.RetryCount,
		t.AttestationPolls,
	).Scan(&t.ID)
}

// GetTransfer retrieves a transfer by its stable transfer id
func (db *DB) GetTransfer(ctx context.Context, transferID string) (*models.Transfer, error) {
	var t models.Transfer
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE transfer_id = $1`
	err := db.GetContext(ctx, &t, query, transferID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &t, err
}

// GetDueTransfersByState retrieves non-terminal transfers in a state whose
// backoff window has elapsed, oldest first
func (db *DB) GetDueTransfersByState(ctx context.Context, state models.TransferState, now time.Time) ([]models.Transfer, error) {
	var transfers []models.Transfer
	query := `
		SELECT ` + transferColumns + `
		FROM transfers
		WHERE state = $1 AND next_attempt_at <= $2
		ORDER BY created_at ASC
	`
	err := db.SelectContext(ctx, &transfers, query, state, now)
	return transfers, err
}

// HasActiveTransfer reports whether a non-terminal transfer already exists
// for an account on an origin chain. Used to avoid double-settling the
// same accrual.
func (db *DB) HasActiveTransfer(ctx context.Context, originChain, recipient string) (bool, error) {
	var exists bool
	query := `
		SELECT EXISTS(
			SELECT 1 FROM transfers
			WHERE origin_chain = $1 AND recipient = $2
			  AND state NOT IN ($3, $4, $5, $6)
		)
	`
	err := db.GetContext(ctx, &exists, query, originChain, recipient,
		models.TransferStateReconciled, models.TransferStateBurnFailed,
		models.TransferStateAttestationFailed, models.TransferStateMintFailed)
	return exists, err
}

// UpdateTransferBurn records a submitted burn and advances the state
func (db *DB) UpdateTransferBurn(ctx context.Context, transferID string, state models.TransferState, burnTxRef, messageHash string, messageBytes []byte) error {
	query := `
		UPDATE transfers
		SET state = $2, burn_tx_ref = $3, message_hash = $4, message_bytes = $5,
		    error_message = NULL, retry_count = 0, next_attempt_at = NOW(), updated_at = NOW()
		WHERE transfer_id = $1
	`
	_, err := db.ExecContext(ctx, query, transferID, state, burnTxRef, messageHash, messageBytes)
	return err
}

// UpdateTransferState advances a transfer's state and clears its backoff
func (db *DB) UpdateTransferState(ctx context.Context, transferID string, state models.TransferState) error {
	query := `
		UPDATE transfers
		SET state = $2, next_attempt_at = NOW(), updated_at = NOW()
		WHERE transfer_id = $1
	`
	_, err := db.ExecContext(ctx, query, transferID, state)
	return err
}

// UpdateTransferAttestation stores the obtained attestation bytes
func (db *DB) UpdateTransferAttestation(ctx context.Context, transferID string, attestation []byte) error {
	query := `
		UPDATE transfers
		SET state = $2, attestation = $3, next_attempt_at = NOW(), updated_at = NOW()
		WHERE transfer_id = $1
	`
	_, err := db.ExecContext(ctx, query, transferID, models.TransferStateAttestationReady, attestation)
	return err
}

// UpdateTransferMint records a submitted mint and advances the state
func (db *DB) UpdateTransferMint(ctx context.Context, transferID string, mintTxRef string) error {
	query := `
		UPDATE transfers
		SET state = $2, mint_tx_ref = $3, error_message = NULL, retry_count = 0,
		    next_attempt_at = NOW(), updated_at = NOW()
		WHERE transfer_id = $1
	`
	_, err := db.ExecContext(ctx, query, transferID, models.TransferStateMintSubmitted, mintTxRef)
	return err
}

// RecordTransferRetry stores the failure, bumps the retry counter and
// pushes the next attempt out by the supplied backoff delay
func (db *DB) RecordTransferRetry(ctx context.Context, transferID string, errMsg string, nextAttempt time.Time) error {
	query := `
		UPDATE transfers
		SET error_message = $2, retry_count = retry_count + 1,
		    next_attempt_at = $3, updated_at = NOW()
		WHERE transfer_id = $1
	`
	_, err := db.ExecContext(ctx, query, transferID, errMsg, nextAttempt)
	return err
}

// RecordAttestationPoll bumps the poll cycle counter and reschedules polling
func (db *DB) RecordAttestationPoll(ctx context.Context, transferID string, nextAttempt time.Time) error {
	query := `
		UPDATE transfers
		SET attestation_polls = attestation_polls + 1,
		    next_attempt_at = $2, updated_at = NOW()
		WHERE transfer_id = $1
	`
	_, err := db.ExecContext(ctx, query, transferID, nextAttempt)
	return err
}

// MarkTransferFailed moves a transfer to a failure terminal. Terminal rows
// stay queryable; nothing deletes them.
func (db *DB) MarkTransferFailed(ctx context.Context, transferID string, state models.TransferState, errMsg string) error {
	query := `
		UPDATE transfers
		SET state = $2, error_message = $3, updated_at = NOW()
		WHERE transfer_id = $1
	`
	_, err := db.ExecContext(ctx, query, transferID, state, errMsg)
	return err
}

// ==================== Ledger Queries ====================

// CreditOutstanding lazily creates the (account, chain) ledger entry and
// adds the amount to its outstanding balance
func (db *DB) CreditOutstanding(ctx context.Context, account, originChain, amount string) error {
	query := `
		INSERT INTO royalty_ledger (account, origin_chain, outstanding)
		VALUES ($1, $2, $3::numeric)
		ON CONFLICT (account, origin_chain)
		DO UPDATE SET outstanding = royalty_ledger.outstanding + EXCLUDED.outstanding,
		              updated_at = NOW()
	`
	_, err := db.ExecContext(ctx, query, account, originChain, amount)
	return err
}

// GetLedgerEntry retrieves the ledger entry for (account, originChain)
func (db *DB) GetLedgerEntry(ctx context.Context, account, originChain string) (*models.RoyaltyLedgerEntry, error) {
	var e models.RoyaltyLedgerEntry
	query := `
		SELECT id, account, origin_chain, settled::text AS settled,
		       outstanding::text AS outstanding, updated_at
		FROM royalty_ledger
		WHERE account = $1 AND origin_chain = $2
	`
	err := db.GetContext(ctx, &e, query, account, originChain)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &e, err
}

// GetLedgerEntriesByAccount retrieves all ledger entries for an account
func (db *DB) GetLedgerEntriesByAccount(ctx context.Context, account string) ([]models.RoyaltyLedgerEntry, error) {
	var entries []models.RoyaltyLedgerEntry
	query := `
		SELECT id, account, origin_chain, settled::text AS settled,
		       outstanding::text AS outstanding, updated_at
		FROM royalty_ledger
		WHERE account = $1
		ORDER BY origin_chain ASC
	`
	err := db.SelectContext(ctx, &entries, query, account)
	return entries, err
}

// SumSettled returns the total settled value across all accounts and chains
func (db *DB) SumSettled(ctx context.Context) (string, error) {
	var total string
	query := `SELECT COALESCE(SUM(settled), 0)::text FROM royalty_ledger`
	err := db.QueryRowContext(ctx, query).Scan(&total)
	return total, err
}

// ReconcileTransfer atomically moves a transfer's amount from outstanding to
// settled exactly once. The reconciled-set insert is the guard: if the
// transfer id is already a member the whole call is a no-op and returns
// false. The ledger move, the Deposit history row, and the transfer's
// terminal state land in the same transaction as the set insert.
func (db *DB) ReconcileTransfer(ctx context.Context, transferID, account, originChain, amount string) (bool, error) {
	applied := false
	err := db.InTransaction(func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO reconciled_transfers (transfer_id) VALUES ($1) ON CONFLICT DO NOTHING`,
			transferID,
		)
		if err != nil {
			return fmt.Errorf("failed to insert reconciled id: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		if rows == 0 {
			// Already reconciled by an earlier (possibly partially failed)
			// drive of the same transfer.
			return nil
		}
		applied = true

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO royalty_ledger (account, origin_chain, settled, outstanding)
			VALUES ($1, $2, $3::numeric, 0)
			ON CONFLICT (account, origin_chain)
			DO UPDATE SET settled = royalty_ledger.settled + EXCLUDED.settled,
			              outstanding = GREATEST(royalty_ledger.outstanding - EXCLUDED.settled, 0),
			              updated_at = NOW()
		`, account, originChain, amount); err != nil {
			return fmt.Errorf("failed to move outstanding to settled: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO vault_history (account, entry_type, amount, counterparty)
			VALUES ($1, $2, $3::numeric, $4)
		`, account, models.HistoryTypeDeposit, amount, originChain); err != nil {
			return fmt.Errorf("failed to insert history row: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE transfers SET state = $2, updated_at = NOW() WHERE transfer_id = $1
		`, transferID, models.TransferStateReconciled); err != nil {
			return fmt.Errorf("failed to mark transfer reconciled: %w", err)
		}

		return nil
	})
	return applied, err
}

// ==================== Nullifier / Grant Queries ====================

// ConsumeNullifier atomically tests and records a nullifier. Returns true
// when this call consumed it, false when it was already a member. Single
// statement, so concurrent submissions of the same nullifier cannot both
// succeed.
func (db *DB) ConsumeNullifier(ctx context.Context, nullifier string) (bool, error) {
	res, err := db.ExecContext(ctx,
		`INSERT INTO consumed_nullifiers (nullifier) VALUES ($1) ON CONFLICT DO NOTHING`,
		nullifier,
	)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// RecordChainGrant appends a chain grant and flips the account's vault
// access on, creating the access row lazily
func (db *DB) RecordChainGrant(ctx context.Context, grant *models.ChainGrant, vaultAccess bool) error {
	return db.InTransaction(func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO access_grants (account, vault_access)
			VALUES ($1, $2)
			ON CONFLICT (account)
			DO UPDATE SET vault_access = EXCLUDED.vault_access, updated_at = NOW()
		`, grant.Account, vaultAccess); err != nil {
			return fmt.Errorf("failed to upsert access grant: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chain_grants (id, account, origin_chain, nullifier, proof_commitment_hash)
			VALUES ($1, $2, $3, $4, $5)
		`, grant.ID, grant.Account, grant.OriginChain, grant.Nullifier, grant.ProofCommitmentHash); err != nil {
			return fmt.Errorf("failed to insert chain grant: %w", err)
		}

		return nil
	})
}

// GetAccessGrant retrieves the aggregate access row for an account
func (db *DB) GetAccessGrant(ctx context.Context, account string) (*models.AccessGrant, error) {
	var g models.AccessGrant
	query := `SELECT account, vault_access, updated_at FROM access_grants WHERE account = $1`
	err := db.GetContext(ctx, &g, query, account)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &g, err
}

// GetChainGrants retrieves the per-chain grants for an account
func (db *DB) GetChainGrants(ctx context.Context, account string) ([]models.ChainGrant, error) {
	var grants []models.ChainGrant
	query := `
		SELECT id, account, origin_chain, nullifier, proof_commitment_hash, granted_at
		FROM chain_grants
		WHERE account = $1
		ORDER BY granted_at ASC
	`
	err := db.SelectContext(ctx, &grants, query, account)
	return grants, err
}

// RevokeAccess clears the vault-access flag. Consumed nullifiers are left
// untouched, so the revoked account cannot regain access by resubmitting
// an old proof.
func (db *DB) RevokeAccess(ctx context.Context, account string) error {
	query := `
		UPDATE access_grants
		SET vault_access = FALSE, updated_at = NOW()
		WHERE account = $1
	`
	_, err := db.ExecContext(ctx, query, account)
	return err
}

// ==================== History Queries ====================

// InsertHistory appends a vault history entry
func (db *DB) InsertHistory(ctx context.Context, e *models.VaultHistoryEntry) error {
	query := `
		INSERT INTO vault_history (account, entry_type, amount, counterparty, occurred_at)
		VALUES ($1, $2, $3::numeric, $4, $5)
		RETURNING id
	`
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return db.QueryRowContext(ctx, query, e.Account, e.Type, e.Amount, e.Counterparty, ts).Scan(&e.ID)
}

// GetHistoryByAccount retrieves an account's vault history, oldest first
func (db *DB) GetHistoryByAccount(ctx context.Context, account string, limit int) ([]models.VaultHistoryEntry, error) {
	var entries []models.VaultHistoryEntry
	query := `
		SELECT id, account, entry_type, amount::text AS amount, counterparty, occurred_at
		FROM vault_history
		WHERE account = $1
		ORDER BY occurred_at ASC
		LIMIT $2
	`
	err := db.SelectContext(ctx, &entries, query, account, limit)
	return entries, err
}

// ==================== Cursor Queries ====================

// GetChainCursor retrieves the persisted event-watch cursor for a chain,
// empty string when none was stored yet
func (db *DB) GetChainCursor(ctx context.Context, chain string) (string, error) {
	var cursor string
	query := `SELECT cursor_value FROM chain_cursors WHERE chain = $1`
	err := db.QueryRowContext(ctx, query, chain).Scan(&cursor)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return cursor, err
}

// SetChainCursor stores the event-watch cursor for a chain
func (db *DB) SetChainCursor(ctx context.Context, chain, cursor string) error {
	query := `
		INSERT INTO chain_cursors (chain, cursor_value)
		VALUES ($1, $2)
		ON CONFLICT (chain)
		DO UPDATE SET cursor_value = EXCLUDED.cursor_value, updated_at = NOW()
	`
	_, err := db.ExecContext(ctx, query, chain, cursor)
	return err
}
