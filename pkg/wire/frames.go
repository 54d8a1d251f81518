package wire

import (
	"bytes"
	"compress/gzip"
	"io"
)

// maxDecompressedSize caps gzip expansion of a single frame.
const maxDecompressedSize = 64 << 20

// EncodeFrame prefixes payload with its format byte.
func EncodeFrame(format byte, payload []byte) []byte {
	frame := make([]byte, 0, 1+len(payload))
	frame = append(frame, format)
	return append(frame, payload...)
}

// DecodeFrame splits a binary frame into format byte and payload.
// FormatCompressedJSON payloads are returned still compressed.
func DecodeFrame(frame []byte) (byte, []byte, error) {
	if len(frame) < 2 {
		return 0, nil, Errf(CodeMalformedFrame, "frame of %d bytes", len(frame))
	}
	format := frame[0]
	switch format {
	case FormatJSON, FormatBinaryUpload, FormatCompressedJSON:
		return format, frame[1:], nil
	default:
		return 0, nil, Errf(CodeUnknownFormat, "format byte 0x%02x", format)
	}
}

// LooksLikeEnvelope reports whether a binary frame should be parsed as an
// encrypted envelope rather than a Phase-0 framed JSON payload. Both start
// with 0x01; an envelope's second byte is a random nonce byte, so a frame
// whose second byte opens a JSON document is framed JSON.
func LooksLikeEnvelope(frame []byte, authenticated bool) bool {
	return authenticated &&
		len(frame) >= MinEnvelopeLen &&
		frame[0] == EnvelopeVersion &&
		frame[1] != '{' && frame[1] != '['
}

// Compress gzips data for a FormatCompressedJSON frame.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress gunzips a FormatCompressedJSON payload.
func Decompress(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, Errf(CodeMalformedFrame, "gzip: %v", err)
	}
	defer func() { _ = zr.Close() }()

	out, err := io.ReadAll(io.LimitReader(zr, maxDecompressedSize+1))
	if err != nil {
		return nil, Errf(CodeMalformedFrame, "gunzip: %v", err)
	}
	if len(out) > maxDecompressedSize {
		return nil, Errf(CodeMalformedFrame, "decompressed frame exceeds %d bytes", maxDecompressedSize)
	}
	return out, nil
}
