package errors

import "fmt"

var (
	ErrKeyGenerationFailed   = New(CodeKeyGenerationFailed, "identity key generation failed")
	ErrKeyUnwrapFailed       = New(CodeKeyUnwrapFailed, "room key unwrap failed")
	ErrUnknownKeyVersion     = New(CodeUnknownKeyVersion, "unknown room key version")
	ErrDecryptionFailed      = New(CodeDecryptionFailed, "message decryption failed")
	ErrRotationDecryptFailed = New(CodeRotationDecryptFailed, "rotated room key could not be decrypted, reload the room")
	ErrNoRoomKey             = New(CodeNoRoomKey, "room has no key yet")
	ErrRoomNotFound          = NotFound("room not found")
	ErrNotMember             = Forbidden("user is not a member of the room")
)

func KeyGenerationFailed(cause error) error {
	return Wrap(CodeKeyGenerationFailed, "identity key generation failed", cause)
}

func KeyUnwrapFailed(version int, cause error) error {
	return Wrap(CodeKeyUnwrapFailed, fmt.Sprintf("unwrap room key version %d", version), cause)
}

func UnknownKeyVersion(version int) error {
	return New(CodeUnknownKeyVersion, fmt.Sprintf("unknown room key version %d", version))
}

func DecryptionFailed(cause error) error {
	return Wrap(CodeDecryptionFailed, "message decryption failed", cause)
}

func RotationDecryptFailed(version int, cause error) error {
	return Wrap(CodeRotationDecryptFailed,
		fmt.Sprintf("rotated room key version %d could not be decrypted, reload the room", version), cause)
}
