package keyring

import (
	"crypto/rsa"
	"fmt"

	"e2e_room_chat/internal/cryptographic/encryption"
	"e2e_room_chat/internal/cryptographic/wrap"
	appErrors "e2e_room_chat/internal/errors"
	"e2e_room_chat/internal/model"
	"e2e_room_chat/internal/utils/log"

	"go.uber.org/zap"
)

type (
	// Unwrapper recovers room keys wrapped for this device.
	Unwrapper interface {
		Unwrap(wrapped []byte) ([]byte, error)
	}

	// RingUpdate describes the effect of an ingest on the ring.
	RingUpdate struct {
		Version int
		// Added is false when the bundle had no entry for us or the version
		// was already present.
		Added bool
		// Current is true when the ingested version became the current one.
		Current bool
	}

	Distributor struct {
		identity Unwrapper
		ring     *Ring
	}
)

func NewDistributor(identity Unwrapper, ring *Ring) *Distributor {
	return &Distributor{identity: identity, ring: ring}
}

func (d *Distributor) Ring() *Ring {
	return d.ring
}

// IngestBundle unwraps our entry of bundle and inserts it into the ring.
// A bundle without an entry for myUserID is a no-op.
func (d *Distributor) IngestBundle(bundle model.WrappedKeyBundle, myUserID string) (RingUpdate, error) {
	entry, ok := bundle.Entry(myUserID)
	if !ok {
		log.Debug("bundle has no entry for us",
			zap.String("room", bundle.RoomID), zap.Int("version", bundle.Version))
		return RingUpdate{Version: bundle.Version}, nil
	}
	return d.ingest(entry)
}

// IngestKeys ingests the per-recipient entries of a roomKeys event. Every
// entry is attempted; the returned errors are per version.
func (d *Distributor) IngestKeys(keys []model.WrappedKey) ([]RingUpdate, []error) {
	var (
		updates []RingUpdate
		errs    []error
	)
	for _, k := range keys {
		u, err := d.ingest(k)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		updates = append(updates, u)
	}
	return updates, errs
}

// IngestRotation adds the key announced by a rotation. Older versions stay
// resolvable. A failure leaves the ring unchanged and is reported as
// RotationDecryptFailed.
func (d *Distributor) IngestRotation(rot model.KeyRotation) (RingUpdate, error) {
	u, err := d.ingest(model.WrappedKey{Version: rot.NewKeyVersion, WrappedKey: rot.WrappedKey})
	if err != nil {
		return RingUpdate{Version: rot.NewKeyVersion}, appErrors.RotationDecryptFailed(rot.NewKeyVersion, err)
	}
	return u, nil
}

func (d *Distributor) ingest(k model.WrappedKey) (RingUpdate, error) {
	if k.Version < 0 {
		return RingUpdate{}, appErrors.KeyUnwrapFailed(k.Version, fmt.Errorf("negative version"))
	}
	if d.ring.Has(k.Version) {
		return RingUpdate{Version: k.Version}, nil
	}

	raw, err := d.identity.Unwrap(k.WrappedKey)
	if err != nil {
		return RingUpdate{Version: k.Version}, appErrors.KeyUnwrapFailed(k.Version, err)
	}
	key, err := encryption.ImportKey(raw)
	if err != nil {
		return RingUpdate{Version: k.Version}, appErrors.KeyUnwrapFailed(k.Version, err)
	}

	d.ring.Put(k.Version, key)
	current, _ := d.ring.CurrentVersion()
	log.Debug("room key ingested",
		zap.String("room", d.ring.RoomID()), zap.Int("version", k.Version), zap.Int("current", current))
	return RingUpdate{Version: k.Version, Added: true, Current: current == k.Version}, nil
}

// Issue generates a fresh room key and wraps it for every recipient. The
// resulting bundle is what a room owner uploads to rotate the room key.
func Issue(roomID string, version int, recipients map[string]*rsa.PublicKey) (model.WrappedKeyBundle, error) {
	bundle := model.WrappedKeyBundle{
		RoomID:  roomID,
		Version: version,
		Keys:    make(map[string][]byte, len(recipients)),
	}

	raw, err := encryption.NewKey()
	if err != nil {
		return bundle, err
	}
	for userID, pub := range recipients {
		wrapped, err := wrap.WrapKey(pub, raw)
		if err != nil {
			return bundle, fmt.Errorf("wrap for %s: %w", userID, err)
		}
		bundle.Keys[userID] = wrapped
	}
	return bundle, nil
}

// NextVersion is the version a rotation should announce given the ring's
// current version, as returned by Ring.CurrentVersion.
func NextVersion(current int, keyed bool) int {
	if !keyed {
		return 0
	}
	return current + 1
}
