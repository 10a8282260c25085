package evm

import (
	"errors"
	"testing"
)

func TestIsNonceUsedError(t *testing.T) {
	if !isNonceUsedError(errors.New("execution reverted: Nonce already used")) {
		t.Error("expected revert reason to be recognized")
	}
	if isNonceUsedError(errors.New("execution reverted: Invalid attestation")) {
		t.Error("unrelated revert should not match")
	}
}
