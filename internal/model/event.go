package model

import (
	"encoding/json"
	"fmt"
)

// Real-time event names carried in Envelope.Event.
const (
	EventJoinRoom       = "joinRoom"
	EventRoomKeys       = "roomKeys"
	EventChatMessage    = "chatMessage"
	EventRoomKeyUpdated = "roomKeyUpdated"
	EventOnlineUsers    = "onlineUsers"
	EventYouAreKicked   = "youAreKicked"
	EventError          = "error"
)

type (
	// Envelope is the websocket frame: an event name and its JSON payload.
	Envelope struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data,omitempty"`
	}

	JoinRoom struct {
		RoomID string `json:"roomId"`
	}

	RoomKeys struct {
		Keys []WrappedKey `json:"keys"`
	}

	// OutgoingMessage is what a client emits to send; the relay assigns id,
	// sender and timestamp.
	OutgoingMessage struct {
		RoomID     string `json:"roomId"`
		Ciphertext string `json:"ciphertext"`
		Nonce      string `json:"nonce"`
		KeyVersion int    `json:"keyVersion"`
	}

	OnlineUsers struct {
		Users []string `json:"users"`
	}

	YouAreKicked struct {
		RoomID string `json:"roomId,omitempty"`
	}

	ErrorEvent struct {
		Message string `json:"message"`
	}
)

// NewEnvelope marshals payload under the given event name.
func NewEnvelope(event string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", event, err)
	}
	return Envelope{Event: event, Data: data}, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.Event, err)
	}
	return nil
}
