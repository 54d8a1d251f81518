// Package relay carries the wire protocol over WebSocket connections: the
// SRP-6a handshake, the encrypted envelope, request dispatch into the REST
// layer, channel subscriptions and chunked uploads.
package relay

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"math/big"
	"strings"

	"github.com/agentdeck/agentdeck/pkg/wire"
)

// SRP-6a over the RFC 5054 2048-bit group with SHA-256. Group elements are
// zero-padded to the 256-byte group size wherever they are hashed; the
// generator is hashed minimally in the parameter digest, matching common
// SRP implementations. Hex values on the wire are parsed case-insensitively
// and may omit leading zeros.

// srpGroupBytes is the byte length of the 2048-bit group.
const srpGroupBytes = 256

// rfc5054Prime2048 is the 2048-bit group prime from RFC 5054 appendix A.
const rfc5054Prime2048 = "AC6BDB41324A9A9BF166DE5E1389582FAF72B6651987EE07" +
	"FC3192943DB56050A37329CBB4A099ED8193E0757767A13DD52312AB4B03310D" +
	"CD7F48A9DA04FD50E8083969EDB767B0CF6095179A163AB3661A05FBD5FAAAE8" +
	"2918A9962F0B93B855F97993EC975EEAA80D740ADBF4FF747359D041D5C33EA7" +
	"1D281E446B14773BCA97B43A23FB801676BD207A436C6481F1D2B9078717461A" +
	"5B9D32E688F87748544523B524B0D57D5EA77A2775D2ECFA032CFBDBF52FB378" +
	"6160279004E57AE6AF874E7303CE53299CCC041C7BC308D82A5698F3A8D0C382" +
	"71AE35F8E9DBFBB694B5C803D89F7AE435DE236D525F54759B65E372FCD68EF2" +
	"0FA7111F9E4AFF73"

var (
	srpN          = mustParseGroupPrime(rfc5054Prime2048)
	srpG          = big.NewInt(2)
	srpMultiplier = new(big.Int).SetBytes(srpHash(srpPad(srpN), srpPad(srpG)))
)

func mustParseGroupPrime(hexStr string) *big.Int {
	n, ok := new(big.Int).SetString(hexStr, 16)
	if !ok {
		panic("relay: malformed SRP group prime")
	}
	return n
}

func srpHash(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// srpPad encodes x big-endian, zero-padded to the group size.
func srpPad(x *big.Int) []byte {
	return x.FillBytes(make([]byte, srpGroupBytes))
}

func parseHexInt(s string) (*big.Int, bool) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 16)
	if !ok || v.Sign() < 0 {
		return nil, false
	}
	return v, true
}

// ComputeVerifier derives the SRP verifier v = g^x mod N with
// x = H(salt | H(identity ":" password)).
func ComputeVerifier(identity, password string, salt []byte) *big.Int {
	x := new(big.Int).SetBytes(srpHash(salt, srpHash([]byte(identity+":"+password))))
	return new(big.Int).Exp(srpG, x, srpN)
}

// GenerateSalt returns a fresh 16-byte random salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// DeriveCredentials turns a plain password into a hex salt/verifier pair,
// for configurations that set auth.password instead of precomputed values.
func DeriveCredentials(identity, password string) (saltHex, verifierHex string, err error) {
	salt, err := GenerateSalt()
	if err != nil {
		return "", "", err
	}
	v := ComputeVerifier(identity, password, salt)
	return hex.EncodeToString(salt), hex.EncodeToString(srpPad(v)), nil
}

// srpServer holds the server side of one handshake attempt. It is discarded
// after the proof step, successful or not.
type srpServer struct {
	identity string
	salt     []byte
	verifier *big.Int
	b        *big.Int
	pubB     *big.Int
}

func newSRPServer(identity string, salt []byte, verifier *big.Int) (*srpServer, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	return newSRPServerFrom(identity, salt, verifier, new(big.Int).SetBytes(secret)), nil
}

// newSRPServerFrom fixes the ephemeral secret. Tests use it to replay
// known-answer vectors; production code goes through newSRPServer.
func newSRPServerFrom(identity string, salt []byte, verifier, b *big.Int) *srpServer {
	// B = (k*v + g^b) mod N
	pubB := new(big.Int).Mul(srpMultiplier, verifier)
	pubB.Add(pubB, new(big.Int).Exp(srpG, b, srpN))
	pubB.Mod(pubB, srpN)
	return &srpServer{identity: identity, salt: salt, verifier: verifier, b: b, pubB: pubB}
}

// Challenge returns the hex salt and public value B for srp_challenge.
func (s *srpServer) Challenge() (saltHex, bHex string) {
	return hex.EncodeToString(s.salt), hex.EncodeToString(srpPad(s.pubB))
}

// VerifyClientProof checks the client evidence M1 against its public value A.
// On success it returns the 32-byte session key K = H(PAD(S)) and the hex
// server evidence M2. Every failure reports INVALID_PROOF so the handshake
// does not reveal which check tripped.
func (s *srpServer) VerifyClientProof(aHex, m1Hex string) (*[32]byte, string, error) {
	pubA, ok := parseHexInt(aHex)
	if !ok {
		return nil, "", wire.Errf(wire.CodeInvalidProof, "malformed public value A")
	}
	if new(big.Int).Mod(pubA, srpN).Sign() == 0 {
		return nil, "", wire.Errf(wire.CodeInvalidProof, "public value A is zero mod N")
	}
	m1, err := hex.DecodeString(strings.TrimSpace(m1Hex))
	if err != nil || len(m1) != sha256.Size {
		return nil, "", wire.Errf(wire.CodeInvalidProof, "malformed evidence M1")
	}

	u := new(big.Int).SetBytes(srpHash(srpPad(pubA), srpPad(s.pubB)))
	if u.Sign() == 0 {
		return nil, "", wire.Errf(wire.CodeInvalidProof, "degenerate scrambling parameter")
	}

	// S = (A * v^u)^b mod N
	base := new(big.Int).Exp(s.verifier, u, srpN)
	base.Mul(base, pubA)
	base.Mod(base, srpN)
	secret := new(big.Int).Exp(base, s.b, srpN)

	key := srpHash(srpPad(secret))
	expected := srpHash(groupParamDigest(), srpHash([]byte(s.identity)), s.salt,
		srpPad(pubA), srpPad(s.pubB), key)
	if subtle.ConstantTimeCompare(m1, expected) != 1 {
		return nil, "", wire.Errf(wire.CodeInvalidProof, "client evidence mismatch")
	}

	m2 := srpHash(srpPad(pubA), expected, key)
	sessionKey := new([32]byte)
	copy(sessionKey[:], key)
	return sessionKey, hex.EncodeToString(m2), nil
}

// groupParamDigest is the H(N) xor H(g) prefix of the M1 evidence.
func groupParamDigest() []byte {
	hn := srpHash(srpPad(srpN))
	hg := srpHash(srpG.Bytes())
	mix := make([]byte, len(hn))
	for i := range hn {
		mix[i] = hn[i] ^ hg[i]
	}
	return mix
}

// resumeProof computes hex(HMAC-SHA256(K, "resume:"+sessionID+":"+identity)),
// the evidence a reconnecting client presents in srp_session_resume.
func resumeProof(key *[32]byte, sessionID, identity string) string {
	mac := hmac.New(sha256.New, key[:])
	mac.Write([]byte("resume:" + sessionID + ":" + identity))
	return hex.EncodeToString(mac.Sum(nil))
}
