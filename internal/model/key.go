package model

type (
	// WrappedKeyBundle carries one room key version wrapped separately for
	// every recipient. A client only ever reads its own entry.
	WrappedKeyBundle struct {
		RoomID  string            `json:"roomId" bson:"room_id"`
		Version int               `json:"version" bson:"version"`
		Keys    map[string][]byte `json:"keys" bson:"keys"`
	}

	// WrappedKey is a single recipient's entry for one version.
	WrappedKey struct {
		Version    int    `json:"version"`
		WrappedKey []byte `json:"wrappedKey"`
	}

	// KeyRotation announces a new room key version to one recipient.
	KeyRotation struct {
		WrappedKey    []byte `json:"wrappedKey"`
		NewKeyVersion int    `json:"newKeyVersion"`
	}
)

// Entry returns the bundle's entry for userID as a WrappedKey.
func (b *WrappedKeyBundle) Entry(userID string) (WrappedKey, bool) {
	k, ok := b.Keys[userID]
	if !ok {
		return WrappedKey{}, false
	}
	return WrappedKey{Version: b.Version, WrappedKey: k}, true
}
