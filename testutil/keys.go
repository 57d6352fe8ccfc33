package testutil

import (
	"crypto/rsa"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/code-payments/market-billing/signature"
)

// Key generation dominates test time, so test packages share a small pool.
var (
	keysOnce sync.Once
	keys     [2]*rsa.PrivateKey
	keysErr  error
)

// SigningKey returns a process-wide RSA key pair. Index 0 and 1 are distinct
// keys, for tests that need a mismatched public key.
func SigningKey(t testing.TB, index int) *rsa.PrivateKey {
	t.Helper()

	keysOnce.Do(func() {
		for i := range keys {
			if keys[i], keysErr = signature.GenerateKey(signature.DefaultKeyBits); keysErr != nil {
				return
			}
		}
	})
	require.NoError(t, keysErr)
	require.True(t, index >= 0 && index < len(keys))
	return keys[index]
}

// PublicKey returns the vendor-style base64 public key of SigningKey(index).
func PublicKey(t testing.TB, index int) string {
	t.Helper()

	encoded, err := signature.EncodePublicKey(&SigningKey(t, index).PublicKey)
	require.NoError(t, err)
	return encoded
}

func MustSign(t testing.TB, index int, payload string) string {
	t.Helper()

	sig, err := signature.Sign(SigningKey(t, index), payload)
	require.NoError(t, err)
	return sig
}
