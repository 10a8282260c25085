package gate

import (
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// grantMessageArgs is the ABI layout of a cross-chain grant payload:
// (address account, bytes32 nullifier, bytes proof, bytes publicInputs)
var grantMessageArgs = func() abi.Arguments {
	addressT, _ := abi.NewType("address", "", nil)
	bytes32T, _ := abi.NewType("bytes32", "", nil)
	bytesT, _ := abi.NewType("bytes", "", nil)
	return abi.Arguments{
		{Name: "account", Type: addressT},
		{Name: "nullifier", Type: bytes32T},
		{Name: "proof", Type: bytesT},
		{Name: "publicInputs", Type: bytesT},
	}
}()

// DecodeGrantMessage unpacks a cross-chain grant payload relayed from an
// origin chain into a proof request
func DecodeGrantMessage(originChain string, data []byte) (*ProofRequest, error) {
	values, err := grantMessageArgs.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode grant message: %w", err)
	}

	account := values[0].(common.Address)
	nullifier := values[1].([32]byte)
	proof := values[2].([]byte)
	publicInputs := values[3].([]byte)

	return &ProofRequest{
		Account:      account.Hex(),
		OriginChain:  originChain,
		Nullifier:    "0x" + hex.EncodeToString(nullifier[:]),
		Proof:        proof,
		PublicInputs: publicInputs,
	}, nil
}

// EncodeGrantMessage packs a proof request into the cross-chain payload
// layout. Used by tests and tooling; production payloads originate on the
// origin chain.
func EncodeGrantMessage(req *ProofRequest) ([]byte, error) {
	if !common.IsHexAddress(req.Account) {
		return nil, fmt.Errorf("invalid account %q", req.Account)
	}
	raw, err := hex.DecodeString(trimHexPrefix(req.Nullifier))
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("nullifier must be 32 bytes of hex")
	}
	var nullifier [32]byte
	copy(nullifier[:], raw)

	return grantMessageArgs.Pack(
		common.HexToAddress(req.Account), nullifier, req.Proof, req.PublicInputs)
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return s[2:]
	}
	return s
}
