package errors

type Code string

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodePermissionDenied      Code = "PERMISSION_DENIED"
	CodeInternal              Code = "INTERNAL"
	CodeUnavailable           Code = "UNAVAILABLE"
	CodeKeyGenerationFailed   Code = "KEY_GENERATION_FAILED"
	CodeKeyUnwrapFailed       Code = "KEY_UNWRAP_FAILED"
	CodeUnknownKeyVersion     Code = "UNKNOWN_KEY_VERSION"
	CodeDecryptionFailed      Code = "DECRYPTION_FAILED"
	CodeRotationDecryptFailed Code = "ROTATION_DECRYPT_FAILED"
	CodeNoRoomKey             Code = "NO_ROOM_KEY"
)
