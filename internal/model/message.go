package model

import (
	"encoding/base64"
	"fmt"
	"time"
)

const (
	// FailedDecryptPlaceholder is shown in place of a message whose
	// ciphertext did not authenticate under its key version.
	FailedDecryptPlaceholder = "[Failed to decrypt message]"
)

// UnknownKeyPlaceholder is shown in place of a message whose key version
// has not been ingested by this session.
func UnknownKeyPlaceholder(version int) string {
	return fmt.Sprintf("[Unknown key version: %d]", version)
}

type (
	// Message is an encrypted room message as stored and relayed by the
	// server. Ciphertext and Nonce are standard base64 text; the relay never
	// decodes them and clients decode each message on its own.
	Message struct {
		ID         string    `json:"id" bson:"_id"`
		RoomID     string    `json:"roomId" bson:"room_id"`
		SenderID   string    `json:"senderId" bson:"sender_id"`
		KeyVersion int       `json:"keyVersion" bson:"key_version"`
		Ciphertext string    `json:"ciphertext" bson:"ciphertext"`
		Nonce      string    `json:"nonce" bson:"nonce"`
		CreatedAt  time.Time `json:"createdAt" bson:"created_at"`
	}

	// DecryptedMessage is a Message paired with its rendered content.
	// Content is the plaintext, or a placeholder when Decrypted is false.
	DecryptedMessage struct {
		Message
		Content   string `json:"content"`
		Decrypted bool   `json:"decrypted"`
		// KeyMissing is set when the placeholder is due to an unknown key
		// version rather than a failed authentication.
		KeyMissing bool `json:"keyMissing"`
	}
)

// Compare orders messages by creation time, ties broken by id. It suits
// slices.SortFunc and slices.BinarySearchFunc.
func Compare(a, b Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}

// EncodeSealed renders raw ciphertext or nonce bytes for the wire.
func EncodeSealed(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// Sealed decodes the ciphertext and nonce of m.
func (m Message) Sealed() (ciphertext, nonce []byte, err error) {
	if ciphertext, err = base64.StdEncoding.DecodeString(m.Ciphertext); err != nil {
		return nil, nil, fmt.Errorf("ciphertext: %w", err)
	}
	if nonce, err = base64.StdEncoding.DecodeString(m.Nonce); err != nil {
		return nil, nil, fmt.Errorf("nonce: %w", err)
	}
	return ciphertext, nonce, nil
}
