package server

import (
	"crypto/subtle"
	"errors"

	"github.com/rs/zerolog"

	"github.com/dotside-studios/ntag-url-agent/internal/syncutil"
)

var (
	ErrInvalidSecret  = errors.New("invalid API secret")
	ErrSessionClaimed = errors.New("session already claimed by another client")
)

// SessionManager lets one WebSocket client drive the agent at a time.
// First come, first served; the session ends when that client leaves.
type SessionManager struct {
	apiSecret string
	holder    string // client ID
	ip        string
	mu        syncutil.Mutex
	logger    zerolog.Logger
}

// NewSessionManager creates a session manager. An empty secret disables
// the handshake check.
func NewSessionManager(apiSecret string, logger zerolog.Logger) *SessionManager {
	return &SessionManager{apiSecret: apiSecret, logger: logger}
}

// CheckSecret validates a secret presented by an HTTP or WebSocket client.
func (m *SessionManager) CheckSecret(secret string) bool {
	if m.apiSecret == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(m.apiSecret)) == 1
}

// Acquire claims the session for clientID.
func (m *SessionManager) Acquire(secret, clientID, remoteAddr string) error {
	if !m.CheckSecret(secret) {
		return ErrInvalidSecret
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holder != "" {
		return ErrSessionClaimed
	}
	m.holder = clientID
	m.ip = remoteAddr
	m.logger.Info().Str("client", clientID).Str("ip", remoteAddr).Msg("session acquired")
	return nil
}

// Release ends the session if clientID holds it.
func (m *SessionManager) Release(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holder != "" && m.holder == clientID {
		m.logger.Info().Str("client", clientID).Msg("session released")
		m.holder = ""
		m.ip = ""
	}
}

// Holder returns the client ID holding the session, or "".
func (m *SessionManager) Holder() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.holder
}
