package encryption

import (
	"testing"

	appErrors "e2e_room_chat/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKey(t *testing.T) *Key {
	t.Helper()
	raw, err := NewKey()
	require.NoError(t, err)
	require.Len(t, raw, KeySize)
	key, err := ImportKey(raw)
	require.NoError(t, err)
	return key
}

func TestRoundTrip(t *testing.T) {
	key := newTestKey(t)

	for _, text := range []string{"", "hello", "héllo wörld ✓", string(make([]byte, 4096))} {
		ct, nonce, err := EncryptString(key, text)
		require.NoError(t, err)
		assert.Len(t, nonce, NonceSize)

		got, err := DecryptString(key, ct, nonce)
		require.NoError(t, err)
		assert.Equal(t, text, got)
	}
}

func TestTamperFails(t *testing.T) {
	key := newTestKey(t)
	ct, nonce, err := Encrypt(key, []byte("attack at dawn"))
	require.NoError(t, err)

	for i := range ct {
		bad := append([]byte(nil), ct...)
		bad[i] ^= 0x01
		_, err := Decrypt(key, bad, nonce)
		assert.ErrorIs(t, err, appErrors.ErrDecryptionFailed, "ciphertext byte %d", i)
	}

	for i := range nonce {
		bad := append([]byte(nil), nonce...)
		bad[i] ^= 0x80
		_, err := Decrypt(key, ct, bad)
		assert.ErrorIs(t, err, appErrors.ErrDecryptionFailed, "nonce byte %d", i)
	}
}

func TestMalformedInput(t *testing.T) {
	key := newTestKey(t)
	ct, nonce, err := Encrypt(key, []byte("x"))
	require.NoError(t, err)

	_, err = Decrypt(key, ct, nonce[:8])
	assert.ErrorIs(t, err, appErrors.ErrDecryptionFailed)

	_, err = Decrypt(key, ct[:4], nonce)
	assert.ErrorIs(t, err, appErrors.ErrDecryptionFailed)

	_, err = Decrypt(key, nil, nil)
	assert.ErrorIs(t, err, appErrors.ErrDecryptionFailed)
}

func TestWrongKeyFails(t *testing.T) {
	ct, nonce, err := Encrypt(newTestKey(t), []byte("secret"))
	require.NoError(t, err)

	_, err = Decrypt(newTestKey(t), ct, nonce)
	assert.ErrorIs(t, err, appErrors.ErrDecryptionFailed)
}

func TestNoncesAreUnique(t *testing.T) {
	key := newTestKey(t)
	seen := make(map[string]struct{})
	for i := 0; i < 2000; i++ {
		_, nonce, err := Encrypt(key, []byte("same plaintext"))
		require.NoError(t, err)
		_, dup := seen[string(nonce)]
		require.False(t, dup, "nonce reused after %d calls", i)
		seen[string(nonce)] = struct{}{}
	}
}

func TestImportKeyRejectsBadLength(t *testing.T) {
	_, err := ImportKey(make([]byte, 10))
	assert.Error(t, err)

	for _, n := range []int{16, 24, 32} {
		_, err := ImportKey(make([]byte, n))
		assert.NoError(t, err, "key size %d", n)
	}
}
