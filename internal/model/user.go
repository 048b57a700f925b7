package model

import (
	"encoding/json"
	"slices"
)

type (
	// User is a relay-side record of a member's published identity.
	User struct {
		ID        string          `json:"id" bson:"_id"`
		PublicKey json.RawMessage `json:"publicKey" bson:"public_key"`
	}

	// Room is the relay-side membership record.
	Room struct {
		ID                string   `json:"id" bson:"_id"`
		Members           []string `json:"members" bson:"members"`
		CurrentKeyVersion int      `json:"currentKeyVersion" bson:"current_key_version"`
		Keyed             bool     `json:"keyed" bson:"keyed"`
	}
)

func (r *Room) IsMember(userID string) bool {
	return slices.Contains(r.Members, userID)
}
