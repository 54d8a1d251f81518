package wire

import (
	"errors"
	"fmt"
)

// Error codes carried in responses, upload_error and error events.
const (
	// Client-input errors: returned on the request path, no state change.
	CodeBadRequest        = "BAD_REQUEST"
	CodeNotFound          = "NOT_FOUND"
	CodeInvalidPath       = "INVALID_PATH"
	CodeRequestIDMismatch = "REQUEST_ID_MISMATCH"
	CodeAlreadyArchived   = "ALREADY_ARCHIVED"

	// State errors: the subscription may be dropped, the request returns a reason.
	CodeNotActive         = "NOT_ACTIVE"
	CodeNoPendingRequest  = "NO_PENDING_REQUEST"
	CodeAlreadyTerminated = "ALREADY_TERMINATED"
	CodeSlowConsumer      = "SLOW_CONSUMER"

	// Subprocess errors: the owning process transitions to terminated.
	CodeSpawnFailed = "SPAWN_FAILED"
	CodeChildExit   = "CHILD_EXIT"
	CodeStdioError  = "STDIO_ERROR"

	// Storage errors.
	CodeReadFailed  = "READ_FAILED"
	CodeWriteFailed = "WRITE_FAILED"

	// Auth errors.
	CodeInvalidIdentity = "INVALID_IDENTITY"
	CodeInvalidProof    = "INVALID_PROOF"
	CodeSessionExpired  = "SESSION_EXPIRED"

	// Protocol errors: the connection closes with CloseUnsupportedFormat.
	CodeUnknownFormat  = "UNKNOWN_FORMAT"
	CodeUnknownVersion = "UNKNOWN_VERSION"
	CodeMalformedFrame = "MALFORMED_FRAME"
	CodeDecryptFailed  = "DECRYPT_FAILED"

	// Upload errors.
	CodeInvalidOffset = "INVALID_OFFSET"
	CodeAlreadyInUse  = "ALREADY_IN_USE"
)

// SRPCodeServerError is sent in srp_error when handshake messages arrive
// out of order or the handshake state is otherwise unusable.
const SRPCodeServerError = "server_error"

// WebSocket close codes.
const (
	CloseAuthRequired      = 4001
	CloseUnsupportedFormat = 4002
	CloseForbiddenOrigin   = 4003
)

// Format bytes prefixing every binary frame: [format][payload].
const (
	FormatJSON           byte = 0x01
	FormatBinaryUpload   byte = 0x02
	FormatCompressedJSON byte = 0x03
)

// EnvelopeVersion is the leading byte of an encrypted envelope:
// [version][24-byte nonce][ciphertext].
const EnvelopeVersion byte = 0x01

// CodeError pairs a protocol error code with a human-readable message, so
// handlers can map failures to responses and close codes with errors.As.
type CodeError struct {
	Code    string
	Message string
}

func (e *CodeError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Errf builds a CodeError with a formatted message.
func Errf(code, format string, args ...any) *CodeError {
	return &CodeError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrorCode extracts the protocol code from err, or "" when err carries none.
func ErrorCode(err error) string {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}
