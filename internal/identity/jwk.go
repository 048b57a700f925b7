package identity

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// privateFields are the RSA JWK members that only a private key carries.
var privateFields = []string{"d", "p", "q", "dp", "dq", "qi", "oth"}

var errContaminated = errors.New("public key record contains private key fields")

// hasPrivateFields reports whether a JWK record carries private members.
// Unparseable records are treated as contaminated.
func hasPrivateFields(record []byte) bool {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(record, &m); err != nil {
		return true
	}
	for _, f := range privateFields {
		if _, ok := m[f]; ok {
			return true
		}
	}
	return false
}

// marshalPublic encodes pub as a JWK patched with the metadata a peer needs
// to wrap keys for us.
func marshalPublic(pub *rsa.PublicKey) ([]byte, error) {
	key, err := jwk.FromRaw(pub)
	if err != nil {
		return nil, fmt.Errorf("jwk.FromRaw public: %w", err)
	}
	for name, value := range map[string]any{
		jwk.AlgorithmKey: jwa.RSA_OAEP_256,
		jwk.KeyUsageKey:  jwk.ForEncryption,
		jwk.KeyOpsKey:    jwk.KeyOperationList{jwk.KeyOpEncrypt},
		"ext":            true,
	} {
		if err := key.Set(name, value); err != nil {
			return nil, fmt.Errorf("set %s: %w", name, err)
		}
	}
	return json.Marshal(key)
}

func marshalPrivate(priv *rsa.PrivateKey) ([]byte, error) {
	key, err := jwk.FromRaw(priv)
	if err != nil {
		return nil, fmt.Errorf("jwk.FromRaw private: %w", err)
	}
	if err := key.Set(jwk.AlgorithmKey, jwa.RSA_OAEP_256); err != nil {
		return nil, err
	}
	return json.Marshal(key)
}

func parsePrivate(record []byte) (*rsa.PrivateKey, error) {
	key, err := jwk.ParseKey(record)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	var raw any
	if err := key.Raw(&raw); err != nil {
		return nil, fmt.Errorf("export private key: %w", err)
	}
	priv, ok := raw.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, want RSA", raw)
	}
	if err := priv.Validate(); err != nil {
		return nil, fmt.Errorf("validate private key: %w", err)
	}
	priv.Precompute()
	return priv, nil
}

// ParsePublic decodes a peer's published JWK.
func ParsePublic(record []byte) (*rsa.PublicKey, error) {
	if hasPrivateFields(record) {
		return nil, errContaminated
	}
	key, err := jwk.ParseKey(record)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	var raw any
	if err := key.Raw(&raw); err != nil {
		return nil, fmt.Errorf("export public key: %w", err)
	}
	pub, ok := raw.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, want RSA", raw)
	}
	return pub, nil
}
