// Package wallet implements a challenge/response proof-of-ownership flow
// so a client can prove control of an address without ever handing the
// node a private key. It is deliberately orthogonal to internal/ledger:
// a wallet session proves identity, it never touches balances or nonces.
package wallet

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"sync"
	"time"

	"github.com/bulengerk/bulennode/internal/ledger"
	"github.com/bulengerk/bulennode/internal/signing"
)

const (
	// ChallengeTTL is how long a client has to respond to a challenge.
	ChallengeTTL = 10 * time.Minute
	// SessionTTL is how long a verified session remains valid.
	SessionTTL = 24 * time.Hour
)

// Challenge is an outstanding proof-of-ownership request.
type Challenge struct {
	ID        string    `json:"id"`
	Address   string    `json:"address"`
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Session is an address whose ownership has been verified.
type Session struct {
	ID        string    `json:"id"`
	Address   string    `json:"address"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether s has passed its expiry.
func (s Session) Expired() bool { return time.Now().UTC().After(s.ExpiresAt) }

// Manager tracks outstanding challenges and verified sessions. Its own
// mutex is independent of the ledger's — wallet verification never reads
// or writes ledger state.
type Manager struct {
	mu         sync.Mutex
	challenges map[string]Challenge
	sessions   map[string]Session
}

// NewManager returns an empty wallet manager.
func NewManager() *Manager {
	return &Manager{
		challenges: make(map[string]Challenge),
		sessions:   make(map[string]Session),
	}
}

// IssueChallenge creates a fresh challenge for address, expiring after
// ChallengeTTL.
func (m *Manager) IssueChallenge(address string) Challenge {
	id := newID("chal")
	nonce := newID("nonce")
	challenge := Challenge{
		ID:        id,
		Address:   address,
		Message:   fmt.Sprintf("bulennode wallet verification for %s: %s", address, nonce),
		ExpiresAt: time.Now().UTC().Add(ChallengeTTL),
	}
	m.mu.Lock()
	m.challenges[id] = challenge
	m.mu.Unlock()
	return challenge
}

// GetChallenge returns the challenge with id.
func (m *Manager) GetChallenge(id string) (Challenge, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.challenges[id]
	return c, ok
}

// Verify checks that signatureB64 is a valid ECDSA/P-256 signature over
// the challenge's message under publicKeyPEM, and that publicKeyPEM
// derives the challenge's claimed address. On success it consumes the
// challenge and issues a new Session.
func (m *Manager) Verify(challengeID, publicKeyPEM, signatureB64 string) (Session, error) {
	m.mu.Lock()
	challenge, ok := m.challenges[challengeID]
	m.mu.Unlock()
	if !ok {
		return Session{}, &ledger.ValidationError{Msg: "unknown or already-used challenge"}
	}
	if time.Now().UTC().After(challenge.ExpiresAt) {
		m.mu.Lock()
		delete(m.challenges, challengeID)
		m.mu.Unlock()
		return Session{}, &ledger.ValidationError{Msg: "challenge expired"}
	}

	if signing.DeriveAddress(publicKeyPEM) != challenge.Address {
		return Session{}, &ledger.SignatureError{Msg: "public key does not match challenged address"}
	}
	if err := verifyRawSignature(publicKeyPEM, []byte(challenge.Message), signatureB64); err != nil {
		return Session{}, err
	}

	m.mu.Lock()
	delete(m.challenges, challengeID)
	session := Session{
		ID:        newID("sess"),
		Address:   challenge.Address,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(SessionTTL),
	}
	m.sessions[session.ID] = session
	m.mu.Unlock()

	return session, nil
}

// GetSession returns the session with id, failing if it does not exist or
// has expired.
func (m *Manager) GetSession(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.Expired() {
		return Session{}, false
	}
	return s, true
}

// verifyRawSignature checks an ECDSA/P-256 ASN.1 signature over an
// arbitrary message, independent of internal/signing's transaction-shaped
// canonical payload.
func verifyRawSignature(publicKeyPEM string, message []byte, signatureB64 string) error {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return &ledger.SignatureError{Msg: "invalid PEM public key"}
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return &ledger.SignatureError{Msg: "invalid public key encoding"}
	}
	ecdsaPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return &ledger.SignatureError{Msg: "public key is not ECDSA"}
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return &ledger.SignatureError{Msg: "invalid base64 signature"}
	}
	digest := sha256.Sum256(message)
	if !ecdsa.VerifyASN1(ecdsaPub, digest[:], sig) {
		return &ledger.SignatureError{Msg: "signature verification failed"}
	}
	return nil
}

func newID(prefix string) string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return prefix + "_" + hex.EncodeToString(buf)
}

// Snapshot is the JSON-serializable form persisted to wallet_sessions.json.
// Outstanding challenges are intentionally not persisted — they are
// short-lived and a restart invalidates them, matching the original
// protocol's behavior.
type Snapshot struct {
	Sessions map[string]Session `json:"sessions"`
}

// Snapshot captures current sessions for persistence.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Session, len(m.sessions))
	for k, v := range m.sessions {
		out[k] = v
	}
	return Snapshot{Sessions: out}
}

// Restore replaces the manager's sessions with snap's, dropping any that
// have already expired.
func (m *Manager) Restore(snap Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = make(map[string]Session)
	for k, v := range snap.Sessions {
		if !v.Expired() {
			m.sessions[k] = v
		}
	}
}
