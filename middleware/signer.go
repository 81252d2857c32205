package middleware

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/hkdf"
)

// deriveKey produces the client's secp256k1 identity. A non-empty seed
// yields the same key on every run: the seed is hashed with SHA-256 and
// expanded through HKDF until the bytes form a valid private scalar. An
// empty seed yields a fresh random key.
func deriveKey(seed []byte) (*ecdsa.PrivateKey, error) {
	if len(seed) == 0 {
		return crypto.GenerateKey()
	}

	digest := sha256.Sum256(seed)
	reader := hkdf.New(sha256.New, digest[:], nil, []byte("crucible client identity"))
	buf := make([]byte, 32)
	for attempt := 0; attempt < 128; attempt++ {
		if _, err := io.ReadFull(reader, buf); err != nil {
			return nil, fmt.Errorf("derive key: %w", err)
		}
		key, err := crypto.ToECDSA(buf)
		if err == nil {
			return key, nil
		}
	}
	return nil, fmt.Errorf("derive key: no valid scalar in 128 attempts")
}
