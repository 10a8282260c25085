package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"kinvault/offchain/internal/chains"
	"kinvault/offchain/internal/gate"
	"kinvault/offchain/internal/models"
	"kinvault/offchain/internal/royalty"
	"kinvault/offchain/internal/settlement"
)

const defaultHistoryLimit = 100

// SettlementService drives transfer lifecycle operations
type SettlementService interface {
	CreateTransfer(ctx context.Context, originChain, recipient, amount string) (*models.Transfer, error)
	FailTransfer(ctx context.Context, transferID, reason string) (*models.Transfer, error)
}

// AccessService is the proof gate surface
type AccessService interface {
	Grant(ctx context.Context, req *gate.ProofRequest) (*models.AccessGrant, error)
	Status(ctx context.Context, account string) (*models.AccessGrant, []models.ChainGrant, error)
	Revoke(ctx context.Context, account string) error
}

// TransferStore reads persisted transfers and vault history
type TransferStore interface {
	GetTransfer(ctx context.Context, transferID string) (*models.Transfer, error)
	GetHistoryByAccount(ctx context.Context, account string, limit int) ([]models.VaultHistoryEntry, error)
}

// RoyaltyReader serves per-chain pending royalty snapshots
type RoyaltyReader interface {
	Snapshot(ctx context.Context) map[string]royalty.ChainRoyalties
}

// LedgerReader reads the settled side of the royalty ledger
type LedgerReader interface {
	SettledTotal(ctx context.Context) (string, error)
	AccountEntries(ctx context.Context, account string) ([]models.RoyaltyLedgerEntry, error)
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	store            TransferStore
	settlement       SettlementService
	access           AccessService
	royalties        RoyaltyReader
	ledger           LedgerReader
	destinationChain string
	adminToken       string
	logger           *zap.Logger
}

// NewHandler creates a new API handler
func NewHandler(
	store TransferStore,
	settlementSvc SettlementService,
	access AccessService,
	royalties RoyaltyReader,
	ledger LedgerReader,
	destinationChain string,
	adminToken string,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		store:            store,
		settlement:       settlementSvc,
		access:           access,
		royalties:        royalties,
		ledger:           ledger,
		destinationChain: destinationChain,
		adminToken:       adminToken,
		logger:           logger,
	}
}

// ==================== Health Check ====================

// HandleHealth returns service health status
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:  "ok",
		Version: "1.0.0",
	}
	respondJSON(w, http.StatusOK, response)
}

// ==================== Royalties ====================

// HandleGetRoyalties handles GET /royalties/all
// Reports the vault chain's settled total alongside every source chain's
// pending royalties
func (h *Handler) HandleGetRoyalties(w http.ResponseWriter, r *http.Request) {
	settled, err := h.ledger.SettledTotal(r.Context())
	if err != nil {
		h.logger.Error("Failed to read settled total", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to read settled total", err)
		return
	}

	snapshot := h.royalties.Snapshot(r.Context())

	chainNames := make([]string, 0, len(snapshot))
	for chain := range snapshot {
		chainNames = append(chainNames, chain)
	}
	sort.Strings(chainNames)

	totals := make([]ChainTotal, 0, len(snapshot)+1)
	totals = append(totals, ChainTotal{Chain: h.destinationChain, Total: settled})
	for _, chain := range chainNames {
		cr := snapshot[chain]
		totals = append(totals, ChainTotal{Chain: chain, Total: cr.Total, Stale: cr.Stale})
	}

	respondJSON(w, http.StatusOK, RoyaltiesResponse{Totals: totals})
}

// HandleGetAccountRoyalties handles GET /royalties/:account
// Reports one account's settled and outstanding balances per origin chain
func (h *Handler) HandleGetAccountRoyalties(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	account := vars["account"]

	entries, err := h.ledger.AccountEntries(r.Context(), account)
	if err != nil {
		h.logger.Error("Failed to read account ledger",
			zap.String("account", account),
			zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to read account ledger", err)
		return
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].OriginChain < entries[j].OriginChain
	})

	views := make([]AccountLedgerView, 0, len(entries))
	for _, e := range entries {
		views = append(views, AccountLedgerView{
			OriginChain: e.OriginChain,
			Settled:     e.Settled,
			Outstanding: e.Outstanding,
		})
	}

	respondJSON(w, http.StatusOK, AccountRoyaltiesResponse{Account: account, Entries: views})
}

// ==================== History ====================

// HandleGetHistory handles GET /history?account=...
// Returns an account's vault activity, oldest first
func (h *Handler) HandleGetHistory(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("account")
	if account == "" {
		respondError(w, http.StatusBadRequest, "account query parameter is required", nil)
		return
	}

	limit := defaultHistoryLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 {
			limit = parsedLimit
		}
	}

	entries, err := h.store.GetHistoryByAccount(r.Context(), account, limit)
	if err != nil {
		h.logger.Error("Failed to get history",
			zap.String("account", account),
			zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to get history", err)
		return
	}

	views := make([]HistoryEntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, HistoryEntryView{
			Account:      e.Account,
			Type:         e.Type,
			Amount:       e.Amount,
			Counterparty: e.Counterparty,
			Timestamp:    e.Timestamp,
		})
	}

	respondJSON(w, http.StatusOK, HistoryResponse{Account: account, Entries: views})
}

// ==================== Transfers ====================

// HandleCreateTransfer handles POST /api/v1/transfers
// Opens a settlement transfer outside the automatic accrual flow
func (h *Handler) HandleCreateTransfer(w http.ResponseWriter, r *http.Request) {
	var req CreateTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("Failed to decode request", zap.Error(err))
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if req.OriginChain == "" {
		respondError(w, http.StatusBadRequest, "origin_chain is required", nil)
		return
	}
	if req.Recipient == "" {
		respondError(w, http.StatusBadRequest, "recipient is required", nil)
		return
	}
	if req.Amount == "" {
		respondError(w, http.StatusBadRequest, "amount is required", nil)
		return
	}

	transfer, err := h.settlement.CreateTransfer(r.Context(), req.OriginChain, req.Recipient, req.Amount)
	if err != nil {
		if errors.Is(err, chains.ErrUnsupportedChain) {
			respondError(w, http.StatusUnprocessableEntity, "Unsupported origin chain", err)
			return
		}
		respondError(w, http.StatusBadRequest, "Invalid transfer request", err)
		return
	}

	respondJSON(w, http.StatusCreated, transferResponse(transfer))
}

// HandleGetTransfer handles GET /api/v1/transfers/:transferId
func (h *Handler) HandleGetTransfer(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	transferID := vars["transferId"]

	transfer, err := h.store.GetTransfer(r.Context(), transferID)
	if err != nil {
		h.logger.Error("Failed to get transfer",
			zap.String("transfer_id", transferID),
			zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to get transfer", err)
		return
	}
	if transfer == nil {
		respondError(w, http.StatusNotFound, "Transfer not found", nil)
		return
	}

	respondJSON(w, http.StatusOK, transferResponse(transfer))
}

// HandleFailTransfer handles POST /api/v1/transfers/:transferId/fail
// Operator action: moves a stuck transfer to its failure terminal
func (h *Handler) HandleFailTransfer(w http.ResponseWriter, r *http.Request) {
	if !h.authorizeOperator(w, r) {
		return
	}

	vars := mux.Vars(r)
	transferID := vars["transferId"]

	var req FailTransferRequest
	if r.Body != nil {
		// Reason is optional; an empty body is fine
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	transfer, err := h.settlement.FailTransfer(r.Context(), transferID, req.Reason)
	if err != nil {
		if errors.Is(err, settlement.ErrTransferTerminal) {
			respondError(w, http.StatusConflict, "Transfer is already terminal", err)
			return
		}
		h.logger.Error("Failed to fail transfer",
			zap.String("transfer_id", transferID),
			zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to fail transfer", err)
		return
	}
	if transfer == nil {
		respondError(w, http.StatusNotFound, "Transfer not found", nil)
		return
	}

	respondJSON(w, http.StatusOK, transferResponse(transfer))
}

// ==================== Vault Access ====================

// HandleGrantAccess handles POST /api/v1/access/grant
// Verifies a provenance proof and, on success, grants vault access per the
// configured policy
func (h *Handler) HandleGrantAccess(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("Failed to decode request", zap.Error(err))
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if req.Account == "" {
		respondError(w, http.StatusBadRequest, "account is required", nil)
		return
	}
	if req.OriginChain == "" {
		respondError(w, http.StatusBadRequest, "origin_chain is required", nil)
		return
	}
	if req.Nullifier == "" {
		respondError(w, http.StatusBadRequest, "nullifier is required", nil)
		return
	}

	proof, err := decodeHexField(req.Proof)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid proof encoding", err)
		return
	}
	publicInputs, err := decodeHexField(req.PublicInputs)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid public_inputs encoding", err)
		return
	}

	h.processGrant(w, r, &gate.ProofRequest{
		Account:      req.Account,
		OriginChain:  req.OriginChain,
		Nullifier:    req.Nullifier,
		Proof:        proof,
		PublicInputs: publicInputs,
	})
}

// HandleGrantMessage handles POST /api/v1/access/message
// Accepts a relayed cross-chain grant payload (ABI-encoded) and runs it
// through the same gate as direct submissions
func (h *Handler) HandleGrantMessage(w http.ResponseWriter, r *http.Request) {
	var req GrantMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("Failed to decode request", zap.Error(err))
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if req.OriginChain == "" {
		respondError(w, http.StatusBadRequest, "origin_chain is required", nil)
		return
	}

	payload, err := decodeHexField(req.Payload)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid payload encoding", err)
		return
	}

	proofReq, err := gate.DecodeGrantMessage(req.OriginChain, payload)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Malformed grant payload", err)
		return
	}

	h.processGrant(w, r, proofReq)
}

// processGrant runs a proof request through the gate and writes the
// account's updated access decision
func (h *Handler) processGrant(w http.ResponseWriter, r *http.Request, req *gate.ProofRequest) {
	_, err := h.access.Grant(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, gate.ErrNullifierUsed):
			respondError(w, http.StatusConflict, "Nullifier already used", err)
		case errors.Is(err, gate.ErrInvalidProof):
			respondError(w, http.StatusUnprocessableEntity, "Proof verification failed", err)
		case errors.Is(err, chains.ErrUnsupportedChain):
			respondError(w, http.StatusUnprocessableEntity, "Unsupported origin chain", err)
		default:
			h.logger.Error("Failed to process grant",
				zap.String("account", req.Account),
				zap.String("origin_chain", req.OriginChain),
				zap.Error(err))
			respondError(w, http.StatusInternalServerError, "Failed to process grant", err)
		}
		return
	}

	h.respondAccessStatus(w, r, req.Account)
}

// HandleGetAccess handles GET /api/v1/access/:account
func (h *Handler) HandleGetAccess(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	account := vars["account"]

	if account == "" {
		respondError(w, http.StatusBadRequest, "account is required", nil)
		return
	}

	h.respondAccessStatus(w, r, account)
}

// HandleRevokeAccess handles POST /api/v1/access/:account/revoke
// Operator action: withdraws vault access. Consumed nullifiers stay
// consumed.
func (h *Handler) HandleRevokeAccess(w http.ResponseWriter, r *http.Request) {
	if !h.authorizeOperator(w, r) {
		return
	}

	vars := mux.Vars(r)
	account := vars["account"]

	if err := h.access.Revoke(r.Context(), account); err != nil {
		h.logger.Error("Failed to revoke access",
			zap.String("account", account),
			zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to revoke access", err)
		return
	}

	h.respondAccessStatus(w, r, account)
}

func (h *Handler) respondAccessStatus(w http.ResponseWriter, r *http.Request, account string) {
	access, grants, err := h.access.Status(r.Context(), account)
	if err != nil {
		h.logger.Error("Failed to get access status",
			zap.String("account", account),
			zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to get access status", err)
		return
	}

	views := make([]ChainGrantView, 0, len(grants))
	for _, g := range grants {
		views = append(views, ChainGrantView{
			OriginChain: g.OriginChain,
			Nullifier:   g.Nullifier,
			GrantedAt:   g.GrantedAt,
		})
	}

	respondJSON(w, http.StatusOK, AccessResponse{
		Account:     access.Account,
		VaultAccess: access.VaultAccess,
		Grants:      views,
	})
}

// ==================== Helper Functions ====================

// authorizeOperator gates operator endpoints behind the admin token when
// one is configured. Without a configured token the endpoints are open,
// which is only acceptable in development.
func (h *Handler) authorizeOperator(w http.ResponseWriter, r *http.Request) bool {
	if h.adminToken == "" {
		return true
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token != h.adminToken {
		respondError(w, http.StatusUnauthorized, "Invalid operator token", nil)
		return false
	}
	return true
}

func transferResponse(t *models.Transfer) TransferResponse {
	return TransferResponse{
		TransferID:       t.TransferID,
		OriginChain:      t.OriginChain,
		DestinationChain: t.DestinationChain,
		Amount:           t.Amount,
		Recipient:        t.Recipient,
		State:            t.State,
		BurnTxRef:        t.BurnTxRef,
		MessageHash:      t.MessageHash,
		MintTxRef:        t.MintTxRef,
		Error:            t.ErrorMessage,
		RetryCount:       t.RetryCount,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
	}
}

// decodeHexField decodes an optional 0x-prefixed hex string
func decodeHexField(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Log error but can't send response since headers already written
		fmt.Printf("Failed to encode JSON response: %v\n", err)
	}
}

// respondError sends an error response
func respondError(w http.ResponseWriter, statusCode int, message string, err error) {
	errorMsg := message
	if err != nil {
		errorMsg = fmt.Sprintf("%s: %v", message, err)
	}

	response := ErrorResponse{
		Error:   message,
		Message: errorMsg,
	}

	respondJSON(w, statusCode, response)
}
