package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"go.uber.org/zap"

	"kinvault/offchain/internal/models"
)

// fakeStore mirrors the transactional semantics of the database layer:
// reconciling an already-seen transfer id is a no-op.
type fakeStore struct {
	mu         sync.Mutex
	reconciled map[string]bool
	entries    map[string]*models.RoyaltyLedgerEntry // key: account|chain
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		reconciled: make(map[string]bool),
		entries:    make(map[string]*models.RoyaltyLedgerEntry),
	}
}

func (s *fakeStore) key(account, chain string) string { return account + "|" + chain }

func (s *fakeStore) entry(account, chain string) *models.RoyaltyLedgerEntry {
	k := s.key(account, chain)
	if s.entries[k] == nil {
		s.entries[k] = &models.RoyaltyLedgerEntry{
			Account:     account,
			OriginChain: chain,
			Settled:     "0",
			Outstanding: "0",
		}
	}
	return s.entries[k]
}

func addDecimal(a, b string) string {
	x, _ := new(big.Int).SetString(a, 10)
	y, _ := new(big.Int).SetString(b, 10)
	return new(big.Int).Add(x, y).String()
}

func subDecimalFloor(a, b string) string {
	x, _ := new(big.Int).SetString(a, 10)
	y, _ := new(big.Int).SetString(b, 10)
	d := new(big.Int).Sub(x, y)
	if d.Sign() < 0 {
		return "0"
	}
	return d.String()
}

func (s *fakeStore) ReconcileTransfer(ctx context.Context, transferID, account, chain, amount string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reconciled[transferID] {
		return false, nil
	}
	s.reconciled[transferID] = true
	e := s.entry(account, chain)
	e.Settled = addDecimal(e.Settled, amount)
	e.Outstanding = subDecimalFloor(e.Outstanding, amount)
	return true, nil
}

func (s *fakeStore) CreditOutstanding(ctx context.Context, account, chain, amount string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(account, chain)
	e.Outstanding = addDecimal(e.Outstanding, amount)
	return nil
}

func (s *fakeStore) GetLedgerEntry(ctx context.Context, account, chain string) (*models.RoyaltyLedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[s.key(account, chain)], nil
}

func (s *fakeStore) GetLedgerEntriesByAccount(ctx context.Context, account string) ([]models.RoyaltyLedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.RoyaltyLedgerEntry
	for _, e := range s.entries {
		if e.Account == account {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *fakeStore) SumSettled(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := "0"
	for _, e := range s.entries {
		total = addDecimal(total, e.Settled)
	}
	return total, nil
}

func testTransfer(id, amount string) *models.Transfer {
	return &models.Transfer{
		TransferID:  id,
		OriginChain: "Sei",
		Recipient:   "0xAccount",
		Amount:      amount,
	}
}

func TestReconcileCreditsOnce(t *testing.T) {
	store := newFakeStore()
	r := NewReconciler(store, zap.NewNop())
	ctx := context.Background()

	if err := r.Accrue(ctx, "0xAccount", "Sei", "1000000"); err != nil {
		t.Fatalf("accrue: %v", err)
	}

	transfer := testTransfer("t-1", "1000000")
	if err := r.Reconcile(ctx, transfer); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	entry, err := r.Entry(ctx, "0xAccount", "Sei")
	if err != nil {
		t.Fatalf("entry: %v", err)
	}
	if entry.Settled != "1000000" {
		t.Errorf("settled = %s, want 1000000", entry.Settled)
	}
	if entry.Outstanding != "0" {
		t.Errorf("outstanding = %s, want 0", entry.Outstanding)
	}
}

func TestReconcileReplayIsNoOp(t *testing.T) {
	store := newFakeStore()
	r := NewReconciler(store, zap.NewNop())
	ctx := context.Background()

	transfer := testTransfer("t-1", "500")
	for i := 0; i < 3; i++ {
		if err := r.Reconcile(ctx, transfer); err != nil {
			t.Fatalf("reconcile attempt %d: %v", i, err)
		}
	}

	entry, _ := r.Entry(ctx, "0xAccount", "Sei")
	if entry.Settled != "500" {
		t.Errorf("settled = %s after replays, want 500", entry.Settled)
	}
}

func TestReconcileConcurrentReplays(t *testing.T) {
	store := newFakeStore()
	r := NewReconciler(store, zap.NewNop())
	ctx := context.Background()

	transfer := testTransfer("t-1", "100")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Reconcile(ctx, transfer); err != nil {
				t.Errorf("reconcile: %v", err)
			}
		}()
	}
	wg.Wait()

	entry, _ := r.Entry(ctx, "0xAccount", "Sei")
	if entry.Settled != "100" {
		t.Errorf("settled = %s after concurrent replays, want 100", entry.Settled)
	}
}

func TestReconcileRejectsBadTransfers(t *testing.T) {
	store := newFakeStore()
	r := NewReconciler(store, zap.NewNop())
	ctx := context.Background()

	noRecipient := testTransfer("t-1", "100")
	noRecipient.Recipient = ""
	if err := r.Reconcile(ctx, noRecipient); !errors.Is(err, ErrUnknownAccount) {
		t.Errorf("expected ErrUnknownAccount, got %v", err)
	}

	for _, amount := range []string{"0", "-5", "abc", ""} {
		if err := r.Reconcile(ctx, testTransfer("t-2", amount)); err == nil {
			t.Errorf("amount %q accepted", amount)
		}
	}
}

func TestSettledTotalAcrossAccounts(t *testing.T) {
	store := newFakeStore()
	r := NewReconciler(store, zap.NewNop())
	ctx := context.Background()

	for i, account := range []string{"0xA", "0xB", "0xC"} {
		transfer := testTransfer(fmt.Sprintf("t-%d", i), "100")
		transfer.Recipient = account
		if err := r.Reconcile(ctx, transfer); err != nil {
			t.Fatalf("reconcile: %v", err)
		}
	}

	total, err := r.SettledTotal(ctx)
	if err != nil {
		t.Fatalf("settled total: %v", err)
	}
	if total != "300" {
		t.Errorf("total = %s, want 300", total)
	}
}
