package gate

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"kinvault/offchain/internal/chains"
)

const verifierContractABI = `[
	{"type":"function","name":"verifyProof","stateMutability":"view",
	 "inputs":[{"name":"proof","type":"bytes"},{"name":"publicInputs","type":"bytes"}],
	 "outputs":[{"name":"valid","type":"bool"}]}
]`

// ContractCaller performs read-only contract calls on the destination chain
type ContractCaller interface {
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// ContractVerifier checks proofs against per-origin-chain verifier
// contracts deployed on the destination chain
type ContractVerifier struct {
	caller    ContractCaller
	verifiers map[string]common.Address // origin chain -> verifier contract
	abi       abi.ABI
	logger    *zap.Logger
}

// NewContractVerifier builds a verifier from the chain->address map
func NewContractVerifier(caller ContractCaller, verifiers map[string]string, logger *zap.Logger) (*ContractVerifier, error) {
	parsed, err := abi.JSON(strings.NewReader(verifierContractABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse verifier ABI: %w", err)
	}

	addrs := make(map[string]common.Address, len(verifiers))
	for chain, addr := range verifiers {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("invalid verifier address %q for chain %s", addr, chain)
		}
		addrs[chain] = common.HexToAddress(addr)
	}

	return &ContractVerifier{
		caller:    caller,
		verifiers: addrs,
		abi:       parsed,
		logger:    logger.Named("verifier"),
	}, nil
}

// Verify calls verifyProof on the origin chain's verifier contract
func (v *ContractVerifier) Verify(ctx context.Context, originChain string, proof, publicInputs []byte) error {
	contract, ok := v.verifiers[originChain]
	if !ok {
		return fmt.Errorf("%w: no verifier for %s", chains.ErrUnsupportedChain, originChain)
	}

	data, err := v.abi.Pack("verifyProof", proof, publicInputs)
	if err != nil {
		return fmt.Errorf("failed to pack verifyProof: %w", err)
	}

	result, err := v.caller.CallContract(ctx, contract, data)
	if err != nil {
		// Some verifier implementations revert instead of returning false
		if strings.Contains(strings.ToLower(err.Error()), "execution reverted") {
			return ErrInvalidProof
		}
		return fmt.Errorf("verifier call failed: %w", err)
	}

	if len(result) < 32 || new(big.Int).SetBytes(result).Sign() == 0 {
		return ErrInvalidProof
	}
	return nil
}
