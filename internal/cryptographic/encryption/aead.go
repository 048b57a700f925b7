package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	appErrors "e2e_room_chat/internal/errors"
)

const (
	// KeySize is the size of freshly generated room keys (AES-256).
	KeySize = 32
	// NonceSize is the standard 96-bit GCM nonce.
	NonceSize = 12
)

// Key is a room key imported for AES-GCM use.
type Key struct {
	aead cipher.AEAD
}

// NewKey returns KeySize random bytes suitable for ImportKey.
func NewKey() ([]byte, error) {
	raw := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return nil, fmt.Errorf("rand.Read key: %w", err)
	}
	return raw, nil
}

// ImportKey builds an AES-GCM key. raw must be 16/24/32 bytes.
func ImportKey(raw []byte) (*Key, error) {
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return &Key{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce. The ciphertext
// carries the GCM tag as its suffix.
func Encrypt(key *Key, plaintext []byte) (ciphertext, nonce []byte, err error) {
	nonce = make([]byte, key.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("rand.Read nonce: %w", err)
	}
	return key.aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Decrypt opens ciphertext. Any malformed input or tag mismatch is
// reported as DecryptionFailed.
func Decrypt(key *Key, ciphertext, nonce []byte) ([]byte, error) {
	if len(nonce) != key.aead.NonceSize() {
		return nil, appErrors.DecryptionFailed(fmt.Errorf("nonce length %d", len(nonce)))
	}
	if len(ciphertext) < key.aead.Overhead() {
		return nil, appErrors.DecryptionFailed(fmt.Errorf("ciphertext too short"))
	}
	plain, err := key.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, appErrors.DecryptionFailed(fmt.Errorf("aead.Open: %w", err))
	}
	return plain, nil
}

// EncryptString and DecryptString encode content as UTF-8.
func EncryptString(key *Key, text string) (ciphertext, nonce []byte, err error) {
	return Encrypt(key, []byte(text))
}

func DecryptString(key *Key, ciphertext, nonce []byte) (string, error) {
	plain, err := Decrypt(key, ciphertext, nonce)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
