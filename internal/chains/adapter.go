package chains

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"kinvault/offchain/internal/config"
)

var (
	// ErrUnsupportedChain means no adapter is registered for the chain name
	ErrUnsupportedChain = errors.New("unsupported chain")

	// ErrAlreadyMinted means the destination chain has already consumed this
	// burn nonce. Callers treat it as success: the funds arrived, just not
	// through this submission.
	ErrAlreadyMinted = errors.New("burn nonce already consumed on destination")
)

// BurnRequest describes a burn-and-bridge submission on an origin chain
type BurnRequest struct {
	Amount            *big.Int
	MintRecipient     string // destination address, EVM hex
	DestinationDomain uint32
}

// BurnResult is what the settlement machine persists after a successful burn.
// MessageHash is stable for the life of the transfer: retries of later stages
// poll and mint against the same hash.
type BurnResult struct {
	TxRef        string
	BurnNonce    uint64
	MessageBytes []byte
	MessageHash  string
}

// SpendEvent is a withdrawal recorded by the destination vault
type SpendEvent struct {
	Account     string
	Amount      string // decimal string
	TxRef       string
	BlockNumber uint64
}

// Adapter is the per-chain surface the settlement machine drives. One
// adapter exists per configured chain; implementations live in the evm
// and cosmos subpackages.
type Adapter interface {
	Name() string
	Family() config.ChainFamily

	// SubmitBurn burns funds on this chain for minting on the destination
	SubmitBurn(ctx context.Context, req *BurnRequest) (*BurnResult, error)

	// SubmitMint submits message+attestation to this chain's message
	// transmitter. Returns ErrAlreadyMinted when the nonce was consumed
	// by an earlier submission.
	SubmitMint(ctx context.Context, messageBytes, attestation []byte) (string, error)

	// Balance returns the bridged-token balance of an address
	Balance(ctx context.Context, address string) (*big.Int, error)

	// ParseAddress validates an address for this chain and returns its
	// canonical form
	ParseAddress(address string) (string, error)

	Close()
}

// SpendWatcher is implemented by adapters that can stream vault spend
// events. The destination adapter implements it; callers type-assert.
type SpendWatcher interface {
	// WatchSpends polls for spend events from fromBlock onward and sends
	// them to out. Blocks until ctx is cancelled.
	WatchSpends(ctx context.Context, vaultAddress string, fromBlock uint64, out chan<- SpendEvent) error
}

// Registry holds the configured chain adapters keyed by chain name
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

func (r *Registry) Register(a Adapter) {
	r.adapters[a.Name()] = a
}

// Get returns the adapter for a chain, or ErrUnsupportedChain
func (r *Registry) Get(chain string) (Adapter, error) {
	a, ok := r.adapters[chain]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChain, chain)
	}
	return a, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}

func (r *Registry) CloseAll() {
	for _, a := range r.adapters {
		a.Close()
	}
}

// IsTransient reports whether a submission error is worth retrying.
// Terminal classifications (execution reverts, consumed nonces) mean the
// same submission will fail again; everything else is assumed to be a
// transport or sequencing hiccup.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAlreadyMinted) || errors.Is(err, ErrUnsupportedChain) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, terminal := range []string{
		"execution reverted",
		"insufficient funds",
		"out of gas",
	} {
		if strings.Contains(msg, terminal) {
			return false
		}
	}
	return true
}
