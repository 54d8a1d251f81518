package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"request","id":"1"}`)

	frame := EncodeFrame(FormatJSON, payload)
	format, got, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, format)
	assert.Equal(t, payload, got)
}

func TestDecodeFrame(t *testing.T) {
	t.Run("rejects unknown format bytes", func(t *testing.T) {
		_, _, err := DecodeFrame([]byte{0x09, 'x'})
		require.Error(t, err)
		assert.Equal(t, CodeUnknownFormat, ErrorCode(err))
	})

	t.Run("rejects frames too short to carry a payload", func(t *testing.T) {
		_, _, err := DecodeFrame([]byte{FormatJSON})
		require.Error(t, err)
		assert.Equal(t, CodeMalformedFrame, ErrorCode(err))
	})
}

func TestCompressRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"event","subscriptionId":"sub1","eventId":3,"eventType":"message"}`)

	compressed, err := Compress(payload)
	require.NoError(t, err)

	out, err := Decompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestDecompressRejectsGarbage(t *testing.T) {
	_, err := Decompress([]byte("definitely not gzip"))
	require.Error(t, err)
	assert.Equal(t, CodeMalformedFrame, ErrorCode(err))
}

func TestLooksLikeEnvelope(t *testing.T) {
	long := make([]byte, MinEnvelopeLen)
	long[0] = EnvelopeVersion
	long[1] = 0x9C // random nonce byte

	t.Run("random second byte on an authenticated connection is an envelope", func(t *testing.T) {
		assert.True(t, LooksLikeEnvelope(long, true))
	})

	t.Run("framed JSON object is never an envelope", func(t *testing.T) {
		frame := EncodeFrame(FormatJSON, []byte(`{"type":"request"}`))
		// Pad so length alone cannot disambiguate.
		frame = append(frame, make([]byte, MinEnvelopeLen)...)
		assert.False(t, LooksLikeEnvelope(frame, true))
	})

	t.Run("framed JSON array is never an envelope", func(t *testing.T) {
		frame := EncodeFrame(FormatJSON, []byte(`[1,2,3]`))
		frame = append(frame, make([]byte, MinEnvelopeLen)...)
		assert.False(t, LooksLikeEnvelope(frame, true))
	})

	t.Run("unauthenticated connections never see envelopes", func(t *testing.T) {
		assert.False(t, LooksLikeEnvelope(long, false))
	})

	t.Run("short frames are not envelopes", func(t *testing.T) {
		assert.False(t, LooksLikeEnvelope([]byte{EnvelopeVersion, 0x9C}, true))
	})
}
