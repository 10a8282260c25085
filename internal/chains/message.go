package chains

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// Byte offset of the 8-byte nonce inside a bridge message header:
// version(4) + sourceDomain(4) + destinationDomain(4) precede it.
const messageNonceOffset = 12

// MessageHash returns the 0x-prefixed keccak256 of the bridge message
// bytes. It is stable across retries: the same burn always yields the
// same hash, which keys both attestation polling and the mint.
func MessageHash(messageBytes []byte) string {
	return "0x" + hex.EncodeToString(crypto.Keccak256(messageBytes))
}

// MessageNonce extracts the burn nonce from a bridge message header
func MessageNonce(messageBytes []byte) (uint64, error) {
	if len(messageBytes) < messageNonceOffset+8 {
		return 0, fmt.Errorf("message too short: %d bytes", len(messageBytes))
	}
	return binary.BigEndian.Uint64(messageBytes[messageNonceOffset : messageNonceOffset+8]), nil
}
