package wrap

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
)

// WrapKey encrypts a raw room key for the holder of pub using RSA-OAEP with
// SHA-256 for both the hash and MGF1.
func WrapKey(pub *rsa.PublicKey, rawKey []byte) ([]byte, error) {
	if pub == nil {
		return nil, errors.New("nil public key")
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, rawKey, nil)
	if err != nil {
		return nil, fmt.Errorf("rsa.EncryptOAEP: %w", err)
	}
	return wrapped, nil
}

func UnwrapKey(priv *rsa.PrivateKey, wrapped []byte) ([]byte, error) {
	if priv == nil {
		return nil, errors.New("nil private key")
	}
	raw, err := rsa.DecryptOAEP(sha256.New(), nil, priv, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("rsa.DecryptOAEP: %w", err)
	}
	return raw, nil
}
