package live

import (
	"fmt"

	"e2e_room_chat/internal/model"
)

// Event is one inbound real-time event, decoded from its envelope.
type Event interface {
	isEvent()
}

type (
	// KeysDelivered carries our entries of every key version, sent in reply
	// to joinRoom.
	KeysDelivered struct {
		Keys []model.WrappedKey
	}

	MessageReceived struct {
		Message model.Message
	}

	// PresenceChanged replaces the online set.
	PresenceChanged struct {
		Users []string
	}

	// Kicked is directed at us: the session must be discarded.
	Kicked struct{}

	KeyRotated struct {
		Rotation model.KeyRotation
	}

	// ServerError is a relay-side rejection of something we emitted.
	ServerError struct {
		Message string
	}
)

func (KeysDelivered) isEvent()   {}
func (MessageReceived) isEvent() {}
func (PresenceChanged) isEvent() {}
func (Kicked) isEvent()          {}
func (KeyRotated) isEvent()      {}
func (ServerError) isEvent()     {}

// DecodeEvent maps a wire envelope to its Event variant.
func DecodeEvent(env model.Envelope) (Event, error) {
	switch env.Event {
	case model.EventRoomKeys:
		var p model.RoomKeys
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		return KeysDelivered{Keys: p.Keys}, nil

	case model.EventChatMessage:
		var m model.Message
		if err := env.Decode(&m); err != nil {
			return nil, err
		}
		return MessageReceived{Message: m}, nil

	case model.EventOnlineUsers:
		var p model.OnlineUsers
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		return PresenceChanged{Users: p.Users}, nil

	case model.EventYouAreKicked:
		return Kicked{}, nil

	case model.EventRoomKeyUpdated:
		var r model.KeyRotation
		if err := env.Decode(&r); err != nil {
			return nil, err
		}
		return KeyRotated{Rotation: r}, nil

	case model.EventError:
		var p model.ErrorEvent
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		return ServerError{Message: p.Message}, nil
	}
	return nil, fmt.Errorf("unknown event %q", env.Event)
}
