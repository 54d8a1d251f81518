package wire

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(b byte) *[KeySize]byte {
	var key [KeySize]byte
	for i := range key {
		key[i] = b
	}
	return &key
}

func TestEnvelopeRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("open(seal(k, p)) = p for any key and payload", prop.ForAll(
		func(keyBytes []byte, payload []byte, format byte) bool {
			var key [KeySize]byte
			copy(key[:], keyBytes)

			sealed, err := SealEnvelope(&key, format, payload)
			if err != nil {
				return false
			}
			gotFormat, gotPayload, err := OpenEnvelope(&key, sealed)
			if err != nil {
				return false
			}
			if gotFormat != format || len(gotPayload) != len(payload) {
				return false
			}
			for i := range payload {
				if gotPayload[i] != payload[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(KeySize, gen.UInt8()),
		gen.SliceOf(gen.UInt8()),
		gen.OneConstOf(FormatJSON, FormatBinaryUpload, FormatCompressedJSON),
	))

	properties.Property("sealed envelopes are never mistaken for framed JSON", prop.ForAll(
		func(payload []byte) bool {
			sealed, err := SealEnvelope(testKey(0x42), FormatJSON, payload)
			return err == nil && LooksLikeEnvelope(sealed, true)
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.Property("flipping any byte after the version fails decryption", prop.ForAll(
		func(payload []byte, flipSeed int) bool {
			key := testKey(0x42)
			sealed, err := SealEnvelope(key, FormatJSON, payload)
			if err != nil {
				return false
			}
			idx := 1 + flipSeed%(len(sealed)-1)
			sealed[idx] ^= 0xFF

			_, _, err = OpenEnvelope(key, sealed)
			return err != nil && ErrorCode(err) == CodeDecryptFailed
		},
		gen.SliceOf(gen.UInt8()),
		gen.IntRange(0, 1<<20),
	))

	properties.TestingRun(t)
}

func TestOpenEnvelope(t *testing.T) {
	key := testKey(0x07)

	t.Run("rejects a wrong key", func(t *testing.T) {
		sealed, err := SealEnvelope(key, FormatJSON, []byte(`{"type":"request"}`))
		require.NoError(t, err)

		_, _, err = OpenEnvelope(testKey(0x08), sealed)
		require.Error(t, err)
		assert.Equal(t, CodeDecryptFailed, ErrorCode(err))
	})

	t.Run("rejects an unknown envelope version", func(t *testing.T) {
		sealed, err := SealEnvelope(key, FormatJSON, []byte("x"))
		require.NoError(t, err)
		sealed[0] = 0x02

		_, _, err = OpenEnvelope(key, sealed)
		require.Error(t, err)
		assert.Equal(t, CodeUnknownVersion, ErrorCode(err))
	})

	t.Run("rejects a truncated envelope", func(t *testing.T) {
		_, _, err := OpenEnvelope(key, []byte{EnvelopeVersion, 0x01, 0x02})
		require.Error(t, err)
		assert.Equal(t, CodeMalformedFrame, ErrorCode(err))
	})

	t.Run("rejects an unknown inner format byte", func(t *testing.T) {
		sealed, err := SealEnvelope(key, 0x7F, []byte("payload"))
		require.NoError(t, err)

		_, _, err = OpenEnvelope(key, sealed)
		require.Error(t, err)
		assert.Equal(t, CodeUnknownFormat, ErrorCode(err))
	})

	t.Run("fresh nonces make identical payloads encrypt differently", func(t *testing.T) {
		a, err := SealEnvelope(key, FormatJSON, []byte("same"))
		require.NoError(t, err)
		b, err := SealEnvelope(key, FormatJSON, []byte("same"))
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})
}
