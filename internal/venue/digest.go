package venue

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/crypto"
)

// digestAction produces the 32-byte hash the signer signs. A venue's real
// action hash is an EIP-712 typed-data digest over a msgpack encoding of
// the action plus nonce and vault address; that wire-format detail is out
// of THE CORE's scope (spec.md §1), so canonical JSON + keccak256 stands
// in as the placeholder digest.
func digestAction(action map[string]any) [32]byte {
	buf, _ := json.Marshal(action)
	return crypto.Keccak256Hash(buf)
}
