package server

import (
	"context"
	"encoding/json"

	"e2e_room_chat/internal/model"
	"e2e_room_chat/internal/repository/room"
)

// Repository is the relay's persistent state. Payloads are opaque: the
// relay never holds a room key.
type Repository interface {
	GetRoom(ctx context.Context, roomID string) (*model.Room, error)
	AddMember(ctx context.Context, roomID, userID string) error
	RemoveMember(ctx context.Context, roomID, userID string) error

	PutPublicKey(ctx context.Context, userID string, jwk json.RawMessage) error
	PublicKeys(ctx context.Context, userIDs []string) (map[string]json.RawMessage, error)

	SaveBundle(ctx context.Context, b model.WrappedKeyBundle) error
	Bundles(ctx context.Context, roomID string) ([]model.WrappedKeyBundle, error)

	SaveMessage(ctx context.Context, m model.Message) error
	ListMessages(ctx context.Context, roomID string, skip, limit int) ([]model.Message, error)
}

var _ Repository = (*room.RoomRepo)(nil)
