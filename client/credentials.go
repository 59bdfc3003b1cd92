// Package client keeps keybridge session tokens on the client side and
// attaches them to outgoing requests, logging in again when they lapse.
package client

import (
	"sync"
	"time"

	kb "github.com/panyam/keybridge"
)

// Session is the session token a keybridge server issued, plus enough to
// log in again when it expires.
type Session struct {
	Token       string    `json:"token"`
	Method      kb.Method `json:"method"`
	Identifier  string    `json:"identifier"`
	Username    string    `json:"username,omitempty"`
	IdentityPub string    `json:"identity_pub,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// IsExpired returns true if the session token has expired
func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

// IsExpiringSoon returns true if the token expires within the given duration
func (s *Session) IsExpiringSoon(within time.Duration) bool {
	return time.Now().Add(within).After(s.ExpiresAt)
}

// CanRenew reports whether the session records how it was obtained.
func (s *Session) CanRenew() bool {
	return s.Method != "" && s.Identifier != ""
}

// SessionStore holds one session per server.
type SessionStore interface {
	// GetSession returns nil, nil when there is no session for serverURL.
	GetSession(serverURL string) (*Session, error)

	SetSession(serverURL string, sess *Session) error

	RemoveSession(serverURL string) error

	// ListServers returns all server URLs with stored sessions
	ListServers() ([]string, error)

	// Save persists any pending changes (for stores that batch writes)
	Save() error
}

// MemorySessionStore is a SessionStore that never touches disk.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*Session)}
}

func (m *MemorySessionStore) GetSession(serverURL string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[serverURL], nil
}

func (m *MemorySessionStore) SetSession(serverURL string, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[serverURL] = sess
	return nil
}

func (m *MemorySessionStore) RemoveSession(serverURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, serverURL)
	return nil
}

func (m *MemorySessionStore) ListServers() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sessions))
	for k := range m.sessions {
		out = append(out, k)
	}
	return out, nil
}

func (m *MemorySessionStore) Save() error { return nil }
