package signature

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
)

var ErrMalformedPrivateKey = errors.New("malformed private key")

// DefaultKeyBits is the modulus size vendors issue developer keys with.
const DefaultKeyBits = 2048

func GenerateKey(bits int) (*rsa.PrivateKey, error) {
	if bits <= 0 {
		bits = DefaultKeyBits
	}
	return rsa.GenerateKey(rand.Reader, bits)
}

// EncodePublicKey renders pub the way vendors publish developer keys: base64
// of the SubjectPublicKeyInfo DER.
func EncodePublicKey(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// EncodePrivateKey renders priv as base64 PKCS#8 DER.
func EncodePrivateKey(priv *rsa.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// ParsePrivateKey decodes a base64 PKCS#8 (or PKCS#1) RSA private key.
func ParsePrivateKey(encoded string) (*rsa.PrivateKey, error) {
	der, err := decodeBase64(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPrivateKey, err)
	}

	if parsed, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: got %T", ErrMalformedPrivateKey, parsed)
		}
		return key, nil
	}

	key, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPrivateKey, err)
	}
	return key, nil
}

// Sign produces the base64 SHA256withRSA signature a vendor would attach to
// payload.
func Sign(priv *rsa.PrivateKey, payload string) (string, error) {
	digest := sha256.Sum256([]byte(payload))
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}
