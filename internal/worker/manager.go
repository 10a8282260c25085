package worker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"kinvault/offchain/internal/attestation"
	"kinvault/offchain/internal/chains"
	"kinvault/offchain/internal/chains/cosmos"
	"kinvault/offchain/internal/chains/evm"
	"kinvault/offchain/internal/config"
	"kinvault/offchain/internal/database"
	"kinvault/offchain/internal/ledger"
	"kinvault/offchain/internal/models"
	"kinvault/offchain/internal/royalty"
	"kinvault/offchain/internal/settlement"
)

// transferStore is the persistence surface the workers poll and write
type transferStore interface {
	GetDueTransfersByState(ctx context.Context, state models.TransferState, now time.Time) ([]models.Transfer, error)
	HasActiveTransfer(ctx context.Context, originChain, recipient string) (bool, error)
	InsertHistory(ctx context.Context, e *models.VaultHistoryEntry) error
	GetChainCursor(ctx context.Context, chain string) (string, error)
	SetChainCursor(ctx context.Context, chain, cursor string) error
}

// SettlementMachine is the settlement surface the workers drive
type SettlementMachine interface {
	CreateTransfer(ctx context.Context, originChain, recipient, amount string) (*models.Transfer, error)
	FailTransfer(ctx context.Context, transferID, reason string) (*models.Transfer, error)
	Step(ctx context.Context, t *models.Transfer) error
}

// Manager orchestrates the background settlement workers: one monitor
// that finds due work, a pool of executors that advance transfers, and a
// spend watcher on the destination vault.
type Manager struct {
	db     transferStore
	cfg    *config.Config
	logger *zap.Logger

	registry   *chains.Registry
	machine    SettlementMachine
	reconciler *ledger.Reconciler
	aggregator *royalty.Aggregator

	monitor   *Monitor
	executors []*Executor

	// inFlight guards against the monitor re-queuing a transfer an
	// executor is still working on
	mu       sync.Mutex
	inFlight map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager builds chain adapters for every configured chain and wires
// the settlement machine on top of them
func NewManager(
	db *database.DB,
	cfg *config.Config,
	reconciler *ledger.Reconciler,
	aggregator *royalty.Aggregator,
	logger *zap.Logger,
) (*Manager, error) {
	logger = logger.Named("worker")

	registry := chains.NewRegistry()
	for name, chainCfg := range cfg.Chains {
		chainCfgCopy := chainCfg

		var adapter chains.Adapter
		var err error
		switch chainCfg.Family {
		case config.FamilyEVM:
			adapter, err = evm.NewAdapter(&chainCfgCopy, cfg.Operator.EVMPrivateKey, logger)
		case config.FamilyCosmos:
			adapter, err = cosmos.NewAdapter(&chainCfgCopy, cfg.Operator.CosmosMnemonic, logger)
		default:
			err = fmt.Errorf("unknown chain family %q", chainCfg.Family)
		}
		if err != nil {
			registry.CloseAll()
			return nil, fmt.Errorf("failed to create adapter for chain %s: %w", name, err)
		}
		registry.Register(adapter)

		logger.Info("Chain initialized",
			zap.String("chain_name", name),
			zap.String("family", string(chainCfg.Family)))
	}

	attester := attestation.NewClient(
		cfg.Attestation.BaseURL, cfg.Attestation.APIKey, cfg.Attestation.PollInterval, logger)

	machine := settlement.NewMachine(db, registry, attester, reconciler, cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		db:         db,
		cfg:        cfg,
		logger:     logger,
		registry:   registry,
		machine:    machine,
		reconciler: reconciler,
		aggregator: aggregator,
		inFlight:   make(map[string]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}

	m.monitor = NewMonitor(m)
	for i := 0; i < cfg.Worker.Executors; i++ {
		m.executors = append(m.executors, NewExecutor(m, i))
	}

	return m, nil
}

// Machine exposes the settlement machine for the API layer
func (m *Manager) Machine() SettlementMachine {
	return m.machine
}

// Registry exposes the chain adapters for the API layer
func (m *Manager) Registry() *chains.Registry {
	return m.registry
}

// Start launches the monitor, executor pool and vault spend watcher
func (m *Manager) Start() {
	m.logger.Info("Starting worker manager",
		zap.Int("num_chains", len(m.cfg.Chains)),
		zap.Int("executors", len(m.executors)),
		zap.Duration("poll_interval", m.cfg.Worker.PollInterval))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.monitor.Run(m.ctx)
	}()

	for _, ex := range m.executors {
		ex := ex
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			ex.Run(m.ctx)
		}()
	}

	if m.cfg.Destination.VaultAddress != "" {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.watchVaultSpends(m.ctx)
		}()
	}

	m.logger.Info("Worker manager started")
}

// Shutdown gracefully stops all workers and closes the chain connections
func (m *Manager) Shutdown(timeout time.Duration) error {
	m.logger.Info("Shutting down worker manager")

	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("Workers stopped gracefully")
	case <-time.After(timeout):
		m.logger.Warn("Worker shutdown timed out")
	}

	m.registry.CloseAll()

	m.logger.Info("Worker manager shutdown complete")
	return nil
}

// claim marks a transfer in flight. Returns false when an executor
// already holds it.
func (m *Manager) claim(transferID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.inFlight[transferID]; held {
		return false
	}
	m.inFlight[transferID] = struct{}{}
	return true
}

func (m *Manager) release(transferID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inFlight, transferID)
}

// watchVaultSpends streams withdrawal events from the destination vault
// into the history table, resuming from the persisted cursor
func (m *Manager) watchVaultSpends(ctx context.Context) {
	adapter, err := m.registry.Get(m.cfg.Destination.Chain)
	if err != nil {
		m.logger.Error("No destination adapter for spend watch", zap.Error(err))
		return
	}
	watcher, ok := adapter.(chains.SpendWatcher)
	if !ok {
		m.logger.Warn("Destination adapter cannot watch spends",
			zap.String("chain", m.cfg.Destination.Chain))
		return
	}

	fromBlock := m.cfg.Destination.StartBlock
	if cursor, err := m.db.GetChainCursor(ctx, m.cfg.Destination.Chain); err == nil && cursor != "" {
		if parsed, err := strconv.ParseUint(cursor, 10, 64); err == nil {
			fromBlock = parsed + 1
		}
	}

	events := make(chan chains.SpendEvent, 100)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := watcher.WatchSpends(ctx, m.cfg.Destination.VaultAddress, fromBlock, events); err != nil && ctx.Err() == nil {
			m.logger.Error("Spend watch stopped", zap.Error(err))
		}
		close(events)
	}()

	for event := range events {
		if err := m.monitor.recordSpend(ctx, event); err != nil {
			m.logger.Error("Failed to record spend event",
				zap.String("tx_ref", event.TxRef),
				zap.Error(err))
		}
	}
}
