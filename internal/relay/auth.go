package relay

import (
	"crypto/hmac"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentdeck/agentdeck/pkg/wire"
)

// Credentials is the server-side SRP material for the configured identity.
type Credentials struct {
	Identity string
	Salt     []byte
	Verifier *big.Int
}

// ParseCredentials decodes a hex salt/verifier pair from configuration.
func ParseCredentials(identity, saltHex, verifierHex string) (*Credentials, error) {
	if identity == "" {
		return nil, fmt.Errorf("auth identity is required")
	}
	salt, err := hex.DecodeString(strings.TrimSpace(saltHex))
	if err != nil || len(salt) == 0 {
		return nil, fmt.Errorf("auth salt is not valid hex")
	}
	verifier, ok := parseHexInt(verifierHex)
	if !ok || verifier.Sign() == 0 {
		return nil, fmt.Errorf("auth verifier is not valid hex")
	}
	return &Credentials{Identity: identity, Salt: salt, Verifier: verifier}, nil
}

// SessionStore keeps resumable auth sessions in memory. A session is minted
// on every successful handshake and lets the client skip the SRP exchange on
// reconnect for the lifetime of its TTL; a successful resume slides the
// expiry forward.
type SessionStore struct {
	ttl time.Duration

	mu       sync.Mutex
	sessions map[string]*authSession
}

type authSession struct {
	identity  string
	key       [32]byte
	expiresAt time.Time
}

// NewSessionStore builds a store with the given TTL (default 24h).
func NewSessionStore(ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SessionStore{ttl: ttl, sessions: make(map[string]*authSession)}
}

// Put mints a resumable session id bound to an identity and session key.
func (s *SessionStore) Put(identity string, key *[32]byte) string {
	id := uuid.New().String()
	s.mu.Lock()
	s.sessions[id] = &authSession{
		identity:  identity,
		key:       *key,
		expiresAt: time.Now().Add(s.ttl),
	}
	s.mu.Unlock()
	return id
}

// Resume validates a resume proof. On success the stored key is returned and
// the session TTL restarts; otherwise the key is nil and the reason is one of
// SESSION_EXPIRED, INVALID_IDENTITY, INVALID_PROOF.
func (s *SessionStore) Resume(sessionID, identity, proofHex string) (*[32]byte, string) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if ok && time.Now().After(sess.expiresAt) {
		delete(s.sessions, sessionID)
		ok = false
	}
	var key [32]byte
	var owner string
	if ok {
		key = sess.key
		owner = sess.identity
	}
	s.mu.Unlock()

	if !ok {
		return nil, wire.CodeSessionExpired
	}
	if owner != identity {
		return nil, wire.CodeInvalidIdentity
	}
	want := resumeProof(&key, sessionID, identity)
	got := strings.ToLower(strings.TrimSpace(proofHex))
	if !hmac.Equal([]byte(want), []byte(got)) {
		return nil, wire.CodeInvalidProof
	}

	s.mu.Lock()
	if cur, live := s.sessions[sessionID]; live {
		cur.expiresAt = time.Now().Add(s.ttl)
	}
	s.mu.Unlock()
	return &key, ""
}

// DeleteExpired drops expired sessions and reports how many were removed.
func (s *SessionStore) DeleteExpired() int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, sess := range s.sessions {
		if now.After(sess.expiresAt) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// Len reports the number of stored sessions, expired or not.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Authenticator runs SRP handshakes and resume checks against the single
// configured identity.
type Authenticator struct {
	creds *Credentials
	store *SessionStore
}

// NewAuthenticator binds credentials to a session store.
func NewAuthenticator(creds *Credentials, store *SessionStore) *Authenticator {
	return &Authenticator{creds: creds, store: store}
}

// Hello answers srp_hello: it validates the claimed identity and opens a
// handshake attempt. The returned server state must be fed the client proof.
func (a *Authenticator) Hello(identity string) (*srpServer, *wire.SRPChallenge, error) {
	if identity != a.creds.Identity {
		return nil, nil, wire.Errf(wire.CodeInvalidIdentity, "unknown identity")
	}
	srv, err := newSRPServer(a.creds.Identity, a.creds.Salt, a.creds.Verifier)
	if err != nil {
		return nil, nil, wire.Errf(wire.SRPCodeServerError, "ephemeral generation: %v", err)
	}
	salt, pubB := srv.Challenge()
	return srv, &wire.SRPChallenge{Type: wire.TypeSRPChallenge, Salt: salt, B: pubB}, nil
}

// Proof answers srp_proof: it verifies the client evidence and, on success,
// mints a resumable auth session and returns the session key with srp_verify.
func (a *Authenticator) Proof(srv *srpServer, proof *wire.SRPProof) (*[32]byte, *wire.SRPVerify, error) {
	key, m2, err := srv.VerifyClientProof(proof.A, proof.M1)
	if err != nil {
		return nil, nil, err
	}
	sessionID := a.store.Put(srv.identity, key)
	return key, &wire.SRPVerify{Type: wire.TypeSRPVerify, M2: m2, SessionID: sessionID}, nil
}

// Resume answers srp_session_resume. A nil key means rejection, with the
// reason for srp_session_invalid.
func (a *Authenticator) Resume(sessionID, identity, proofHex string) (*[32]byte, string) {
	return a.store.Resume(sessionID, identity, proofHex)
}
