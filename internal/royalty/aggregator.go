package royalty

import (
	"context"
	"math/big"
	"sync"

	"go.uber.org/zap"
)

// ChainRoyalties is one source chain's pending royalties
type ChainRoyalties struct {
	Chain    string    `json:"chain"`
	Total    string    `json:"total"`
	Accruals []Accrual `json:"accruals"`
	Stale    bool      `json:"stale"` // served from the last known snapshot
}

// Aggregator polls all source connectors and serves per-chain pending
// totals. A failing source never zeroes what it previously reported: its
// last good snapshot is served, marked stale. Only a source that has never
// answered reports zero.
type Aggregator struct {
	connectors []Connector
	cache      *Cache // nil disables Redis; in-process fallback still applies
	logger     *zap.Logger

	mu       sync.RWMutex
	lastGood map[string][]Accrual
}

func NewAggregator(connectors []Connector, cache *Cache, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		connectors: connectors,
		cache:      cache,
		logger:     logger.Named("royalty"),
		lastGood:   make(map[string][]Accrual),
	}
}

// Snapshot queries every source chain and returns pending royalties keyed
// by chain name
func (a *Aggregator) Snapshot(ctx context.Context) map[string]ChainRoyalties {
	out := make(map[string]ChainRoyalties, len(a.connectors))
	for _, conn := range a.connectors {
		out[conn.Chain()] = a.query(ctx, conn)
	}
	return out
}

// Pending returns the latest accruals for one source chain
func (a *Aggregator) Pending(ctx context.Context, chain string) (ChainRoyalties, bool) {
	for _, conn := range a.connectors {
		if conn.Chain() == chain {
			return a.query(ctx, conn), true
		}
	}
	return ChainRoyalties{}, false
}

func (a *Aggregator) query(ctx context.Context, conn Connector) ChainRoyalties {
	chain := conn.Chain()

	accruals, err := conn.PendingRoyalties(ctx)
	if err == nil {
		a.remember(chain, accruals)
		return ChainRoyalties{Chain: chain, Total: sumAccruals(accruals), Accruals: accruals}
	}

	a.logger.Warn("Royalty source failed, serving last known snapshot",
		zap.String("chain", chain),
		zap.Error(err))

	if snapshot := a.recall(chain); snapshot != nil {
		return ChainRoyalties{Chain: chain, Total: sumAccruals(snapshot), Accruals: snapshot, Stale: true}
	}
	return ChainRoyalties{Chain: chain, Total: "0", Accruals: []Accrual{}, Stale: true}
}

func (a *Aggregator) remember(chain string, accruals []Accrual) {
	a.mu.Lock()
	a.lastGood[chain] = accruals
	a.mu.Unlock()

	if a.cache != nil {
		if err := a.cache.Set(chain, accruals); err != nil {
			a.logger.Warn("Failed to cache royalty snapshot",
				zap.String("chain", chain),
				zap.Error(err))
		}
	}
}

func (a *Aggregator) recall(chain string) []Accrual {
	a.mu.RLock()
	snapshot := a.lastGood[chain]
	a.mu.RUnlock()
	if snapshot != nil {
		return snapshot
	}

	if a.cache != nil {
		cached, err := a.cache.Get(chain)
		if err != nil {
			a.logger.Warn("Failed to read royalty snapshot cache",
				zap.String("chain", chain),
				zap.Error(err))
			return nil
		}
		return cached
	}
	return nil
}

func sumAccruals(accruals []Accrual) string {
	total := new(big.Int)
	for _, acc := range accruals {
		amount, ok := new(big.Int).SetString(acc.Amount, 10)
		if !ok || amount.Sign() <= 0 {
			continue
		}
		total.Add(total, amount)
	}
	return total.String()
}
