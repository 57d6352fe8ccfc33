package signature

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"github.com/mr-tron/base58"
	"go.uber.org/zap"

	"github.com/code-payments/market-billing/iap"
)

var (
	ErrEmptyInput         = errors.New("empty input")
	ErrMalformedBase64    = errors.New("malformed base64")
	ErrMalformedKey       = errors.New("malformed public key")
	ErrNotRSAKey          = errors.New("public key is not an RSA key")
	ErrMalformedSignature = errors.New("malformed signature")
)

// Verify reports whether signatureB64 is a SHA256withRSA (PKCS#1 v1.5)
// signature over the exact UTF-8 bytes of payload, under the base64 encoded
// SubjectPublicKeyInfo publicKeyB64. Malformed input yields false.
func Verify(log *zap.Logger, payload, signatureB64, publicKeyB64 string) bool {
	key, err := ParsePublicKey(publicKeyB64)
	if err != nil {
		log.Warn("Failed to parse public key", append(diagnostics(payload, signatureB64, publicKeyB64), zap.Error(err))...)
		return false
	}
	return verifyWithKey(log, key, payload, signatureB64, publicKeyB64)
}

// RSAVerifier is an iap.Verifier that memoizes parsed public keys. It is safe
// for concurrent use.
type RSAVerifier struct {
	log *zap.Logger

	mu   sync.RWMutex
	keys map[string]*rsa.PublicKey
}

var _ iap.Verifier = (*RSAVerifier)(nil)

func NewRSAVerifier(log *zap.Logger) *RSAVerifier {
	return &RSAVerifier{
		log:  log,
		keys: map[string]*rsa.PublicKey{},
	}
}

func (v *RSAVerifier) Verify(payload, signature, publicKey string) bool {
	key, err := v.publicKey(publicKey)
	if err != nil {
		v.log.Warn("Failed to parse public key", append(diagnostics(payload, signature, publicKey), zap.Error(err))...)
		return false
	}
	return verifyWithKey(v.log, key, payload, signature, publicKey)
}

func (v *RSAVerifier) publicKey(encoded string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	key, ok := v.keys[encoded]
	v.mu.RUnlock()
	if ok {
		return key, nil
	}

	key, err := ParsePublicKey(encoded)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.keys[encoded] = key
	v.mu.Unlock()

	return key, nil
}

func verifyWithKey(log *zap.Logger, key *rsa.PublicKey, payload, signatureB64, publicKeyB64 string) bool {
	sig, err := decodeBase64(signatureB64)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrMalformedSignature, err)
		log.Warn("Failed to decode signature", append(diagnostics(payload, signatureB64, publicKeyB64), zap.Error(err))...)
		return false
	}

	digest := sha256.Sum256([]byte(payload))
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], sig); err != nil {
		log.Warn("Signature does not match payload", append(diagnostics(payload, signatureB64, publicKeyB64), zap.Error(err))...)
		return false
	}
	return true
}

// ParsePublicKey decodes a base64 encoded X.509 SubjectPublicKeyInfo RSA key.
func ParsePublicKey(encoded string) (*rsa.PublicKey, error) {
	der, err := decodeBase64(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedKey, err)
	}

	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedKey, err)
	}

	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", ErrNotRSAKey, parsed)
	}
	return key, nil
}

// Fingerprint returns a short identifier for a key that is safe to log.
func Fingerprint(publicKeyB64 string) string {
	sum := sha256.Sum256([]byte(stripSpace(publicKeyB64)))
	return base58.Encode(sum[:8])
}

func diagnostics(payload, signatureB64, publicKeyB64 string) []zap.Field {
	return []zap.Field{
		zap.Int("payload_length", len(payload)),
		zap.Int("signature_length", len(signatureB64)),
		zap.Int("key_length", len(publicKeyB64)),
		zap.String("key_fingerprint", Fingerprint(publicKeyB64)),
	}
}

// decodeBase64 tolerates the line breaks keys pick up in config files.
func decodeBase64(encoded string) ([]byte, error) {
	cleaned := stripSpace(encoded)
	if cleaned == "" {
		return nil, ErrEmptyInput
	}

	decoded, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedBase64, err)
	}
	return decoded, nil
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
