package wire

import (
	"encoding/binary"
	"math"

	"github.com/google/uuid"
)

// uploadHeaderLen is the fixed prefix of a FormatBinaryUpload payload:
// [16-byte upload UUID][8-byte big-endian offset].
const uploadHeaderLen = 16 + 8

// UploadChunk is the parsed form of a FormatBinaryUpload payload.
type UploadChunk struct {
	UploadID uuid.UUID
	Offset   int64
	Data     []byte
}

// EncodeUploadChunk packs a chunk into a FormatBinaryUpload payload
// (without the leading format byte).
func EncodeUploadChunk(id uuid.UUID, offset int64, data []byte) []byte {
	out := make([]byte, uploadHeaderLen+len(data))
	copy(out[:16], id[:])
	binary.BigEndian.PutUint64(out[16:24], uint64(offset))
	copy(out[24:], data)
	return out
}

// ParseUploadChunk unpacks a FormatBinaryUpload payload. An empty chunk body
// is allowed; a truncated header is not.
func ParseUploadChunk(payload []byte) (*UploadChunk, error) {
	if len(payload) < uploadHeaderLen {
		return nil, Errf(CodeMalformedFrame, "upload payload of %d bytes", len(payload))
	}
	id, err := uuid.FromBytes(payload[:16])
	if err != nil {
		return nil, Errf(CodeMalformedFrame, "upload id: %v", err)
	}
	offset := binary.BigEndian.Uint64(payload[16:24])
	if offset > math.MaxInt64 {
		return nil, Errf(CodeMalformedFrame, "upload offset out of range")
	}
	return &UploadChunk{UploadID: id, Offset: int64(offset), Data: payload[uploadHeaderLen:]}, nil
}
