package worker

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"kinvault/offchain/internal/chains"
	"kinvault/offchain/internal/config"
	"kinvault/offchain/internal/ledger"
	"kinvault/offchain/internal/models"
	"kinvault/offchain/internal/royalty"
)

// fakeWorkerStore backs both the transfer polling surface and the royalty
// ledger, with the same due-time filter as the database layer
type fakeWorkerStore struct {
	mu        sync.Mutex
	transfers map[string]*models.Transfer
	entries   map[string]*models.RoyaltyLedgerEntry // keyed account|chain
	active    map[string]bool                       // keyed chain|account
	history   []models.VaultHistoryEntry
	cursors   map[string]string
}

func newFakeWorkerStore() *fakeWorkerStore {
	return &fakeWorkerStore{
		transfers: make(map[string]*models.Transfer),
		entries:   make(map[string]*models.RoyaltyLedgerEntry),
		active:    make(map[string]bool),
		cursors:   make(map[string]string),
	}
}

func (s *fakeWorkerStore) GetDueTransfersByState(ctx context.Context, state models.TransferState, now time.Time) ([]models.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Transfer
	for _, t := range s.transfers {
		if t.State == state && !t.NextAttemptAt.After(now) {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *fakeWorkerStore) HasActiveTransfer(ctx context.Context, originChain, recipient string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[originChain+"|"+recipient], nil
}

func (s *fakeWorkerStore) InsertHistory(ctx context.Context, e *models.VaultHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, *e)
	return nil
}

func (s *fakeWorkerStore) GetChainCursor(ctx context.Context, chain string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[chain], nil
}

func (s *fakeWorkerStore) SetChainCursor(ctx context.Context, chain, cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[chain] = cursor
	return nil
}

func (s *fakeWorkerStore) ReconcileTransfer(ctx context.Context, transferID, account, originChain, amount string) (bool, error) {
	return true, nil
}

func (s *fakeWorkerStore) CreditOutstanding(ctx context.Context, account, originChain, amount string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := account + "|" + originChain
	entry, ok := s.entries[key]
	if !ok {
		entry = &models.RoyaltyLedgerEntry{Account: account, OriginChain: originChain, Settled: "0", Outstanding: "0"}
		s.entries[key] = entry
	}
	outstanding, _ := new(big.Int).SetString(entry.Outstanding, 10)
	credit, _ := new(big.Int).SetString(amount, 10)
	entry.Outstanding = new(big.Int).Add(outstanding, credit).String()
	return nil
}

func (s *fakeWorkerStore) GetLedgerEntry(ctx context.Context, account, originChain string) (*models.RoyaltyLedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[account+"|"+originChain]
	if !ok {
		return nil, nil
	}
	cp := *entry
	return &cp, nil
}

func (s *fakeWorkerStore) GetLedgerEntriesByAccount(ctx context.Context, account string) ([]models.RoyaltyLedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.RoyaltyLedgerEntry
	for _, entry := range s.entries {
		if entry.Account == account {
			out = append(out, *entry)
		}
	}
	return out, nil
}

func (s *fakeWorkerStore) SumSettled(ctx context.Context) (string, error) {
	return "0", nil
}

func (s *fakeWorkerStore) outstanding(account, chain string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[account+"|"+chain]; ok {
		return entry.Outstanding
	}
	return "0"
}

func (s *fakeWorkerStore) addTransfer(t models.Transfer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := t
	s.transfers[t.TransferID] = &cp
}

// fakeMachine records transfer creation and marks the pair active, like
// the real machine's insert does for HasActiveTransfer
type fakeMachine struct {
	store   *fakeWorkerStore
	mu      sync.Mutex
	created []models.Transfer
	onStep  func(t *models.Transfer)
}

func (f *fakeMachine) CreateTransfer(ctx context.Context, originChain, recipient, amount string) (*models.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := models.Transfer{
		TransferID:  fmt.Sprintf("0xtransfer%d", len(f.created)+1),
		OriginChain: originChain,
		Recipient:   recipient,
		Amount:      amount,
		State:       models.TransferStatePendingBurn,
	}
	f.created = append(f.created, t)
	f.store.mu.Lock()
	f.store.active[originChain+"|"+recipient] = true
	f.store.mu.Unlock()
	return &t, nil
}

func (f *fakeMachine) FailTransfer(ctx context.Context, transferID, reason string) (*models.Transfer, error) {
	return nil, nil
}

func (f *fakeMachine) Step(ctx context.Context, t *models.Transfer) error {
	if f.onStep != nil {
		f.onStep(t)
	}
	return nil
}

func (f *fakeMachine) createdTransfers() []models.Transfer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Transfer(nil), f.created...)
}

// fakePayoutAdapter stands in for the destination chain: hex payout
// addresses only, canonicalized to lowercase
type fakePayoutAdapter struct {
	name string
}

func (a *fakePayoutAdapter) Name() string               { return a.name }
func (a *fakePayoutAdapter) Family() config.ChainFamily { return config.FamilyEVM }
func (a *fakePayoutAdapter) Close()                     {}

func (a *fakePayoutAdapter) SubmitBurn(ctx context.Context, req *chains.BurnRequest) (*chains.BurnResult, error) {
	return nil, fmt.Errorf("not implemented")
}

func (a *fakePayoutAdapter) SubmitMint(ctx context.Context, messageBytes, att []byte) (string, error) {
	return "", fmt.Errorf("not implemented")
}

func (a *fakePayoutAdapter) Balance(ctx context.Context, address string) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (a *fakePayoutAdapter) ParseAddress(address string) (string, error) {
	if !strings.HasPrefix(address, "0x") || len(address) != 42 {
		return "", fmt.Errorf("invalid address %q", address)
	}
	return strings.ToLower(address), nil
}

// stubConnector serves a fixed royalty snapshot for one source chain
type stubConnector struct {
	chain    string
	accruals []royalty.Accrual
}

func (c *stubConnector) Chain() string { return c.chain }

func (c *stubConnector) PendingRoyalties(ctx context.Context) ([]royalty.Accrual, error) {
	return c.accruals, nil
}

type workerHarness struct {
	manager *Manager
	store   *fakeWorkerStore
	machine *fakeMachine
}

func newWorkerHarness(connectors ...royalty.Connector) *workerHarness {
	store := newFakeWorkerStore()
	machine := &fakeMachine{store: store}
	logger := zap.NewNop()

	registry := chains.NewRegistry()
	registry.Register(&fakePayoutAdapter{name: "EVM"})

	cfg := &config.Config{
		Chains: map[string]config.ChainConfig{
			"Sei": {Name: "Sei", Family: config.FamilyCosmos, MinSettleAmount: "1000000"},
			"EVM": {Name: "EVM", Family: config.FamilyEVM, MinSettleAmount: "0"},
		},
		Destination: config.DestinationConfig{Chain: "EVM", VaultAddress: "0xvault"},
		Worker:      config.WorkerConfig{PollInterval: time.Minute, Executors: 1},
	}

	m := &Manager{
		db:         store,
		cfg:        cfg,
		logger:     logger,
		registry:   registry,
		machine:    machine,
		reconciler: ledger.NewReconciler(store, logger),
		aggregator: royalty.NewAggregator(connectors, nil, logger),
		inFlight:   make(map[string]struct{}),
	}
	m.monitor = NewMonitor(m)

	return &workerHarness{manager: m, store: store, machine: machine}
}

func (h *workerHarness) drainReady() []*models.Transfer {
	var out []*models.Transfer
	for {
		select {
		case t := <-h.manager.monitor.readyTransfers:
			out = append(out, t)
		default:
			return out
		}
	}
}

func TestSeiAccrualOpensSettlementTransfer(t *testing.T) {
	h := newWorkerHarness(&stubConnector{
		chain: "Sei",
		accruals: []royalty.Accrual{
			{Account: "0x00000000000000000000000000000000000000AA", Amount: "2000000"},
		},
	})
	ctx := context.Background()

	h.manager.monitor.poll(ctx)

	created := h.machine.createdTransfers()
	if len(created) != 1 {
		t.Fatalf("expected 1 transfer created, got %d", len(created))
	}
	transfer := created[0]
	if transfer.State != models.TransferStatePendingBurn {
		t.Errorf("expected state %s, got %s", models.TransferStatePendingBurn, transfer.State)
	}
	if transfer.OriginChain != "Sei" {
		t.Errorf("expected origin chain Sei, got %s", transfer.OriginChain)
	}
	canonical := "0x00000000000000000000000000000000000000aa"
	if transfer.Recipient != canonical {
		t.Errorf("expected canonical recipient %s, got %s", canonical, transfer.Recipient)
	}
	if transfer.Amount != "2000000" {
		t.Errorf("expected amount 2000000, got %s", transfer.Amount)
	}
	if got := h.store.outstanding(canonical, "Sei"); got != "2000000" {
		t.Errorf("expected outstanding 2000000, got %s", got)
	}
}

func TestUnpayableSourceAccountSkipped(t *testing.T) {
	h := newWorkerHarness(&stubConnector{
		chain: "Sei",
		accruals: []royalty.Accrual{
			{Account: "sei1qy352eufqy352eufqy352eufqy35qqqz9a2dd6", Amount: "5000000"},
		},
	})

	h.manager.monitor.poll(context.Background())

	if created := h.machine.createdTransfers(); len(created) != 0 {
		t.Fatalf("expected no transfers for unpayable account, got %d", len(created))
	}
	if got := h.store.outstanding("sei1qy352eufqy352eufqy352eufqy35qqqz9a2dd6", "Sei"); got != "0" {
		t.Errorf("expected no credit for unpayable account, got %s", got)
	}
}

func TestAccrualBelowThresholdCreditsWithoutTransfer(t *testing.T) {
	account := "0x00000000000000000000000000000000000000bb"
	h := newWorkerHarness(&stubConnector{
		chain:    "Sei",
		accruals: []royalty.Accrual{{Account: account, Amount: "500"}},
	})

	h.manager.monitor.poll(context.Background())

	if got := h.store.outstanding(account, "Sei"); got != "500" {
		t.Errorf("expected outstanding 500, got %s", got)
	}
	if created := h.machine.createdTransfers(); len(created) != 0 {
		t.Fatalf("expected no transfer below threshold, got %d", len(created))
	}
}

func TestCumulativeReportCreditsDeltaOnce(t *testing.T) {
	account := "0x00000000000000000000000000000000000000cc"
	h := newWorkerHarness(&stubConnector{
		chain:    "Sei",
		accruals: []royalty.Accrual{{Account: account, Amount: "3000000"}},
	})
	ctx := context.Background()

	// First poll credits the full delta and opens a transfer
	h.manager.monitor.poll(ctx)
	if got := h.store.outstanding(account, "Sei"); got != "3000000" {
		t.Fatalf("expected outstanding 3000000 after first poll, got %s", got)
	}
	if created := h.machine.createdTransfers(); len(created) != 1 {
		t.Fatalf("expected 1 transfer after first poll, got %d", len(created))
	}

	// The source keeps reporting the same cumulative total: nothing new
	// to credit, and the in-progress transfer suppresses a second one
	h.manager.monitor.poll(ctx)
	if got := h.store.outstanding(account, "Sei"); got != "3000000" {
		t.Errorf("expected outstanding unchanged at 3000000, got %s", got)
	}
	if created := h.machine.createdTransfers(); len(created) != 1 {
		t.Errorf("expected still 1 transfer after repeat report, got %d", len(created))
	}
}

func TestBackoffNotDueNotEnqueued(t *testing.T) {
	h := newWorkerHarness()
	now := time.Now().UTC()

	h.store.addTransfer(models.Transfer{
		TransferID:    "0xdue",
		State:         models.TransferStatePendingBurn,
		NextAttemptAt: now.Add(-time.Second),
	})
	h.store.addTransfer(models.Transfer{
		TransferID:    "0xbackoff",
		State:         models.TransferStateBurnSubmitted,
		NextAttemptAt: now.Add(time.Hour),
	})

	h.manager.monitor.enqueueDueTransfers(context.Background())

	ready := h.drainReady()
	if len(ready) != 1 {
		t.Fatalf("expected 1 enqueued transfer, got %d", len(ready))
	}
	if ready[0].TransferID != "0xdue" {
		t.Errorf("expected 0xdue enqueued, got %s", ready[0].TransferID)
	}
}

func TestClaimedTransferNotReenqueued(t *testing.T) {
	h := newWorkerHarness()
	h.store.addTransfer(models.Transfer{
		TransferID:    "0xheld",
		State:         models.TransferStatePendingBurn,
		NextAttemptAt: time.Now().UTC().Add(-time.Second),
	})
	ctx := context.Background()

	if !h.manager.claim("0xheld") {
		t.Fatal("initial claim should succeed")
	}

	// An executor is holding the claim: the monitor must skip it
	h.manager.monitor.enqueueDueTransfers(ctx)
	if ready := h.drainReady(); len(ready) != 0 {
		t.Fatalf("expected claimed transfer skipped, got %d enqueued", len(ready))
	}

	// After release the next cycle picks it up again
	h.manager.release("0xheld")
	h.manager.monitor.enqueueDueTransfers(ctx)
	ready := h.drainReady()
	if len(ready) != 1 || ready[0].TransferID != "0xheld" {
		t.Fatalf("expected transfer re-enqueued after release, got %v", ready)
	}
}

func TestExecutorHoldsClaimThroughStepAndReleases(t *testing.T) {
	h := newWorkerHarness()
	transfer := &models.Transfer{
		TransferID: "0xstep",
		State:      models.TransferStatePendingBurn,
	}

	var heldDuringStep bool
	h.machine.onStep = func(t *models.Transfer) {
		// A second claim must fail while the executor is mid-stage
		heldDuringStep = !h.manager.claim(t.TransferID)
	}

	if !h.manager.claim(transfer.TransferID) {
		t.Fatal("claim should succeed before dispatch")
	}

	executor := NewExecutor(h.manager, 0)
	executor.handleTransfer(context.Background(), transfer)

	if !heldDuringStep {
		t.Error("expected claim held while stage was executing")
	}
	if !h.manager.claim(transfer.TransferID) {
		t.Error("expected claim released after stage completed")
	}
	h.manager.release(transfer.TransferID)
}
