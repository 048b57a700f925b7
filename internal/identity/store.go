// Package identity owns the device's long-lived RSA keypair, used only to
// unwrap room keys.
package identity

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"

	"e2e_room_chat/internal/config"
	"e2e_room_chat/internal/cryptographic/wrap"
	appErrors "e2e_room_chat/internal/errors"
	"e2e_room_chat/internal/repository/local"
	"e2e_room_chat/internal/utils/log"

	"go.uber.org/zap"
)

// Well-known local keys of the two JWK records.
const (
	PublicKeyName  = "publicKey"
	PrivateKeyName = "privateKey"
)

type (
	// KeyPair is the device identity. The private half never leaves Unwrap.
	KeyPair struct {
		Public    *rsa.PublicKey
		publicJWK []byte
		private   *rsa.PrivateKey
	}

	Generator func(bits int) (*rsa.PrivateKey, error)

	Store struct {
		kv       local.KV
		bits     int
		generate Generator
	}

	Option func(*Store)
)

// WithKeyBits sets the modulus size of generated keys. Values below
// config.MinKeyBits are raised to it.
func WithKeyBits(bits int) Option {
	return func(s *Store) {
		if bits < config.MinKeyBits {
			bits = config.MinKeyBits
		}
		s.bits = bits
	}
}

func WithGenerator(g Generator) Option {
	return func(s *Store) {
		s.generate = g
	}
}

func NewStore(kv local.KV, opts ...Option) *Store {
	s := &Store{
		kv:   kv,
		bits: config.MinKeyBits,
		generate: func(bits int) (*rsa.PrivateKey, error) {
			return rsa.GenerateKey(rand.Reader, bits)
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// PublicJWK returns the persisted public record.
func (k *KeyPair) PublicJWK() []byte {
	return append([]byte(nil), k.publicJWK...)
}

// Unwrap recovers a room key wrapped for this device.
func (k *KeyPair) Unwrap(wrapped []byte) ([]byte, error) {
	return wrap.UnwrapKey(k.private, wrapped)
}

// errInvalid marks stored records that fail validation and must be
// regenerated, as opposed to a storage failure.
type errInvalid struct{ cause error }

func (e errInvalid) Error() string { return "invalid stored identity: " + e.cause.Error() }
func (e errInvalid) Unwrap() error { return e.cause }

// LoadOrCreate returns the persisted keypair, regenerating it when either
// record is missing or fails validation.
func (s *Store) LoadOrCreate(ctx context.Context) (*KeyPair, error) {
	kp, err := s.load(ctx)
	if err == nil {
		return kp, nil
	}

	var invalid errInvalid
	switch {
	case errors.Is(err, local.ErrNotFound):
		log.Info("no identity keys stored, generating")
	case errors.As(err, &invalid):
		log.Warn("stored identity keys are invalid, regenerating", zap.Error(err))
	default:
		return nil, appErrors.KeyGenerationFailed(fmt.Errorf("read stored identity: %w", err))
	}

	if err := s.kv.Del(ctx, PrivateKeyName, PublicKeyName); err != nil {
		return nil, appErrors.KeyGenerationFailed(fmt.Errorf("discard stored identity: %w", err))
	}

	kp, err = s.create(ctx)
	if err != nil {
		return nil, appErrors.KeyGenerationFailed(err)
	}
	return kp, nil
}

func (s *Store) load(ctx context.Context) (*KeyPair, error) {
	privRecord, err := s.kv.Get(ctx, PrivateKeyName)
	if err != nil {
		return nil, err
	}
	pubRecord, err := s.kv.Get(ctx, PublicKeyName)
	if err != nil {
		return nil, err
	}

	if hasPrivateFields(pubRecord) {
		return nil, errInvalid{errContaminated}
	}

	priv, err := parsePrivate(privRecord)
	if err != nil {
		return nil, errInvalid{err}
	}
	if priv.N.BitLen() < config.MinKeyBits {
		return nil, errInvalid{fmt.Errorf("private key is %d bits", priv.N.BitLen())}
	}

	pub, err := ParsePublic(pubRecord)
	if err != nil {
		return nil, errInvalid{err}
	}
	if !priv.PublicKey.Equal(pub) {
		return nil, errInvalid{errors.New("public key does not match private key")}
	}

	// Patch metadata in case an older record lacks it.
	pubRecord, err = marshalPublic(pub)
	if err != nil {
		return nil, errInvalid{err}
	}
	if err := s.kv.Set(ctx, PublicKeyName, pubRecord); err != nil {
		return nil, fmt.Errorf("persist public key: %w", err)
	}

	return &KeyPair{Public: pub, publicJWK: pubRecord, private: priv}, nil
}

func (s *Store) create(ctx context.Context) (*KeyPair, error) {
	priv, err := s.generate(s.bits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}

	privRecord, err := marshalPrivate(priv)
	if err != nil {
		return nil, err
	}
	pubRecord, err := marshalPublic(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	if hasPrivateFields(pubRecord) {
		return nil, errContaminated
	}

	if err := s.kv.Set(ctx, PrivateKeyName, privRecord); err != nil {
		return nil, fmt.Errorf("persist private key: %w", err)
	}
	if err := s.kv.Set(ctx, PublicKeyName, pubRecord); err != nil {
		return nil, fmt.Errorf("persist public key: %w", err)
	}

	log.Info("generated identity keypair", zap.Int("bits", priv.N.BitLen()))
	return &KeyPair{Public: &priv.PublicKey, publicJWK: pubRecord, private: priv}, nil
}
