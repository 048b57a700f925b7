// Package keyring holds the symmetric keys of one room session and turns
// server-delivered wrapped keys into ring entries.
package keyring

import (
	"e2e_room_chat/internal/cryptographic/encryption"
	appErrors "e2e_room_chat/internal/errors"
)

// Ring maps key versions to imported room keys. Entries are never evicted;
// the ring is dropped as a whole when the room session ends. A Ring is
// owned by a single session goroutine and is not safe for concurrent use.
type Ring struct {
	roomID  string
	keys    map[int]*encryption.Key
	current int
	keyed   bool
}

func NewRing(roomID string) *Ring {
	return &Ring{
		roomID: roomID,
		keys:   make(map[int]*encryption.Key),
	}
}

func (r *Ring) RoomID() string {
	return r.roomID
}

// Put inserts key under version. An existing version is left untouched and
// Put reports false.
func (r *Ring) Put(version int, key *encryption.Key) bool {
	if _, ok := r.keys[version]; ok {
		return false
	}
	r.keys[version] = key
	if !r.keyed || version > r.current {
		r.current = version
		r.keyed = true
	}
	return true
}

func (r *Ring) Has(version int) bool {
	_, ok := r.keys[version]
	return ok
}

// CurrentVersion returns the highest version present; ok is false while the
// room has not been keyed.
func (r *Ring) CurrentVersion() (version int, ok bool) {
	return r.current, r.keyed
}

func (r *Ring) Resolve(version int) (*encryption.Key, error) {
	key, ok := r.keys[version]
	if !ok {
		return nil, appErrors.UnknownKeyVersion(version)
	}
	return key, nil
}

// Current resolves the key used for outgoing messages.
func (r *Ring) Current() (int, *encryption.Key, error) {
	if !r.keyed {
		return 0, nil, appErrors.ErrNoRoomKey
	}
	return r.current, r.keys[r.current], nil
}
