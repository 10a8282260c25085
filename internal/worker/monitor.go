package worker

import (
	"context"
	"math/big"
	"strconv"
	"time"

	"go.uber.org/zap"

	"kinvault/offchain/internal/chains"
	"kinvault/offchain/internal/models"
)

const monitorTimeout = 60 * time.Second

// states the monitor drives forward, in pipeline order
var activeStates = []models.TransferState{
	models.TransferStatePendingBurn,
	models.TransferStateBurnSubmitted,
	models.TransferStateAwaitingAttestation,
	models.TransferStateAttestationReady,
	models.TransferStateMintSubmitted,
}

// Monitor polls royalty sources for new accruals and the transfer table
// for due work, feeding both to the executor pool
type Monitor struct {
	manager *Manager
	logger  *zap.Logger

	// Channel of transfers ready for their next stage
	readyTransfers chan *models.Transfer
}

func NewMonitor(manager *Manager) *Monitor {
	return &Monitor{
		manager:        manager,
		logger:         manager.logger.Named("monitor"),
		readyTransfers: make(chan *models.Transfer, 100),
	}
}

// Run starts the monitor polling loop
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("Monitor started",
		zap.Duration("poll_interval", m.manager.cfg.Worker.PollInterval))

	ticker := time.NewTicker(m.manager.cfg.Worker.PollInterval)
	defer ticker.Stop()

	// Initial poll
	m.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Monitor stopping")
			close(m.readyTransfers)
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

// poll executes one polling cycle
func (m *Monitor) poll(ctx context.Context) {
	pollCtx, cancel := context.WithTimeout(ctx, monitorTimeout)
	defer cancel()

	m.logger.Debug("Starting poll cycle")

	// First, pick up new royalty accruals on the source chains
	m.discoverAccruals(pollCtx)

	// Then enqueue due transfers in each active state
	m.enqueueDueTransfers(pollCtx)
}

// discoverAccruals reads pending royalties from every source, credits the
// delta against what the ledger already knows, and opens transfers for
// accounts past the settle threshold
func (m *Monitor) discoverAccruals(ctx context.Context) {
	destination, err := m.manager.registry.Get(m.manager.cfg.Destination.Chain)
	if err != nil {
		m.logger.Error("No destination adapter for accrual discovery", zap.Error(err))
		return
	}

	snapshot := m.manager.aggregator.Snapshot(ctx)

	for chain, royalties := range snapshot {
		if royalties.Stale {
			// Stale numbers are fine to report but not to settle on
			continue
		}

		chainCfg, ok := m.manager.cfg.Chains[chain]
		if !ok {
			continue
		}
		minSettle, ok := new(big.Int).SetString(chainCfg.MinSettleAmount, 10)
		if !ok {
			minSettle = big.NewInt(0)
		}

		for _, accrual := range royalties.Accruals {
			select {
			case <-ctx.Done():
				return
			default:
			}
			// Sources report the creator's registered payout address on
			// the vault chain; anything that does not parse there cannot
			// be settled and is skipped rather than retried forever.
			account, err := destination.ParseAddress(accrual.Account)
			if err != nil {
				m.logger.Warn("Source reported unpayable account, skipping",
					zap.String("chain", chain),
					zap.String("account", accrual.Account),
					zap.Error(err))
				continue
			}
			m.processAccrual(ctx, chain, account, accrual.Amount, minSettle)
		}
	}
}

// processAccrual credits newly observed royalties and opens a settlement
// transfer once the outstanding balance crosses the threshold. Sources
// report cumulative totals, so only the delta beyond what the ledger has
// seen is credited.
func (m *Monitor) processAccrual(ctx context.Context, chain, account, reported string, minSettle *big.Int) {
	reportedInt, ok := new(big.Int).SetString(reported, 10)
	if !ok || reportedInt.Sign() <= 0 {
		return
	}

	known := new(big.Int)
	entry, err := m.manager.reconciler.Entry(ctx, account, chain)
	if err != nil {
		m.logger.Error("Failed to read ledger entry",
			zap.String("account", account),
			zap.String("chain", chain),
			zap.Error(err))
		return
	}
	outstanding := new(big.Int)
	if entry != nil {
		settled, _ := new(big.Int).SetString(entry.Settled, 10)
		outstanding.SetString(entry.Outstanding, 10)
		known.Add(settled, outstanding)
	}

	if delta := new(big.Int).Sub(reportedInt, known); delta.Sign() > 0 {
		if err := m.manager.reconciler.Accrue(ctx, account, chain, delta.String()); err != nil {
			m.logger.Error("Failed to credit accrual",
				zap.String("account", account),
				zap.String("chain", chain),
				zap.Error(err))
			return
		}
		outstanding.Add(outstanding, delta)
		m.logger.Info("New royalties accrued",
			zap.String("account", account),
			zap.String("chain", chain),
			zap.String("delta", delta.String()))
	}

	if outstanding.Cmp(minSettle) < 0 || outstanding.Sign() <= 0 {
		return
	}

	active, err := m.manager.db.HasActiveTransfer(ctx, chain, account)
	if err != nil {
		m.logger.Error("Failed to check active transfers",
			zap.String("account", account),
			zap.Error(err))
		return
	}
	if active {
		return
	}

	transfer, err := m.manager.machine.CreateTransfer(ctx, chain, account, outstanding.String())
	if err != nil {
		m.logger.Error("Failed to create settlement transfer",
			zap.String("account", account),
			zap.String("chain", chain),
			zap.Error(err))
		return
	}

	m.logger.Info("Settlement transfer opened",
		zap.String("transfer_id", transfer.TransferID),
		zap.String("account", account),
		zap.String("chain", chain),
		zap.String("amount", outstanding.String()))
}

// enqueueDueTransfers feeds transfers whose backoff has elapsed to the
// executor pool
func (m *Monitor) enqueueDueTransfers(ctx context.Context) {
	now := time.Now().UTC()

	for _, state := range activeStates {
		transfers, err := m.manager.db.GetDueTransfersByState(ctx, state, now)
		if err != nil {
			m.logger.Error("Failed to get due transfers",
				zap.String("state", string(state)),
				zap.Error(err))
			continue
		}

		for i := range transfers {
			t := &transfers[i]

			if !m.manager.claim(t.TransferID) {
				continue
			}

			select {
			case m.readyTransfers <- t:
			case <-ctx.Done():
				m.manager.release(t.TransferID)
				return
			default:
				m.manager.release(t.TransferID)
				m.logger.Warn("Executor channel full, skipping transfer",
					zap.String("transfer_id", t.TransferID))
			}
		}
	}
}

// recordSpend writes a vault withdrawal into the history table and
// advances the persisted cursor
func (m *Monitor) recordSpend(ctx context.Context, event chains.SpendEvent) error {
	entry := &models.VaultHistoryEntry{
		Account:      event.Account,
		Type:         models.HistoryTypeSpend,
		Amount:       event.Amount,
		Counterparty: m.manager.cfg.Destination.VaultAddress,
		Timestamp:    time.Now().UTC(),
	}
	if err := m.manager.db.InsertHistory(ctx, entry); err != nil {
		return err
	}

	if err := m.manager.db.SetChainCursor(ctx, m.manager.cfg.Destination.Chain,
		strconv.FormatUint(event.BlockNumber, 10)); err != nil {
		return err
	}

	m.logger.Info("Vault spend recorded",
		zap.String("account", event.Account),
		zap.String("amount", event.Amount),
		zap.String("tx_ref", event.TxRef))

	return nil
}
