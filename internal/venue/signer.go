package venue

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// localSigner signs venue action digests with an in-process ECDSA key.
// It deliberately does not implement full EIP-712 typed-data encoding or
// msgpack action hashing — those are out of THE CORE's scope per
// SPEC_FULL.md §1; callers are expected to pass an already-built digest.
type localSigner struct {
	key  *ecdsa.PrivateKey
	addr string
}

// NewLocalSigner derives a signer from a hex-encoded secp256k1 private key
// (with or without a leading "0x").
func NewLocalSigner(hexKey string) (Signer, error) {
	key, err := crypto.HexToECDSA(trim0x(hexKey))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()
	return &localSigner{key: key, addr: addr}, nil
}

func (s *localSigner) Address() string { return s.addr }

func (s *localSigner) Sign(digest [32]byte) (r, s2 [32]byte, v byte, err error) {
	sig, err := crypto.Sign(digest[:], s.key)
	if err != nil {
		return r, s2, 0, err
	}
	copy(r[:], sig[0:32])
	copy(s2[:], sig[32:64])
	v = sig[64] + 27
	return r, s2, v, nil
}

func trim0x(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
