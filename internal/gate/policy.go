package gate

import "kinvault/offchain/internal/models"

// Policy aggregates an account's per-chain grants into one vault-access
// decision. Swapping the policy never touches nullifier bookkeeping.
type Policy func(grants []models.ChainGrant) bool

// AnyChain grants access when any chain has an accepted proof
func AnyChain(grants []models.ChainGrant) bool {
	return len(grants) > 0
}

// RequireDistinctChains grants access only when proofs from at least n
// distinct origin chains were accepted
func RequireDistinctChains(n int) Policy {
	return func(grants []models.ChainGrant) bool {
		seen := make(map[string]struct{})
		for _, g := range grants {
			seen[g.OriginChain] = struct{}{}
		}
		return len(seen) >= n
	}
}
