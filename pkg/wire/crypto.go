package wire

import (
	"crypto/rand"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// KeySize is the symmetric session key length derived from the SRP secret.
	KeySize = 32
	// NonceSize is the XSalsa20-Poly1305 nonce length.
	NonceSize = 24
)

// MinEnvelopeLen is the smallest valid envelope: version byte, nonce,
// authenticator, and a one-byte inner format.
const MinEnvelopeLen = 1 + NonceSize + secretbox.Overhead + 1

// SealEnvelope encrypts [format][payload] into
// [version][24-byte nonce][ciphertext] under key with a fresh random nonce.
// Nonces opening like a JSON document are re-rolled so receivers can tell
// envelopes from framed JSON by the second byte.
func SealEnvelope(key *[KeySize]byte, format byte, payload []byte) ([]byte, error) {
	var nonce [NonceSize]byte
	for {
		if _, err := rand.Read(nonce[:]); err != nil {
			return nil, err
		}
		if nonce[0] != '{' && nonce[0] != '[' {
			break
		}
	}

	plain := make([]byte, 0, 1+len(payload))
	plain = append(plain, format)
	plain = append(plain, payload...)

	out := make([]byte, 0, 1+NonceSize+len(plain)+secretbox.Overhead)
	out = append(out, EnvelopeVersion)
	out = append(out, nonce[:]...)
	return secretbox.Seal(out, plain, &nonce, key), nil
}

// OpenEnvelope decrypts an envelope and returns the inner format byte and
// payload. Tampered nonce or ciphertext fails with CodeDecryptFailed.
func OpenEnvelope(key *[KeySize]byte, envelope []byte) (byte, []byte, error) {
	if len(envelope) < MinEnvelopeLen {
		return 0, nil, Errf(CodeMalformedFrame, "envelope of %d bytes", len(envelope))
	}
	if envelope[0] != EnvelopeVersion {
		return 0, nil, Errf(CodeUnknownVersion, "envelope version 0x%02x", envelope[0])
	}

	var nonce [NonceSize]byte
	copy(nonce[:], envelope[1:1+NonceSize])

	plain, ok := secretbox.Open(nil, envelope[1+NonceSize:], &nonce, key)
	if !ok {
		return 0, nil, Errf(CodeDecryptFailed, "envelope authentication failed")
	}
	if len(plain) < 1 {
		return 0, nil, Errf(CodeMalformedFrame, "empty envelope plaintext")
	}

	format := plain[0]
	switch format {
	case FormatJSON, FormatBinaryUpload, FormatCompressedJSON:
		return format, plain[1:], nil
	default:
		return 0, nil, Errf(CodeUnknownFormat, "inner format byte 0x%02x", format)
	}
}
