package stores

import (
	"context"
	"sync"

	kb "github.com/panyam/keybridge"
)

// MemoryUserStore keeps accounts in a map. It is meant for tests and single
// process deployments; nothing survives a restart.
type MemoryUserStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	session  string
}

func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{accounts: make(map[string]*Account)}
}

func (s *MemoryUserStore) Create(ctx context.Context, username, password string, keys kb.PublicKeys) error {
	acct, err := NewAccount(username, password, keys)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[acct.Username]; ok {
		return ErrExists(acct.Username)
	}
	s.accounts[acct.Username] = acct
	return nil
}

func (s *MemoryUserStore) Authenticate(ctx context.Context, username, password string) (kb.PublicKeys, error) {
	normalized := NormalizeUsername(username)
	s.mu.RLock()
	acct := s.accounts[normalized]
	s.mu.RUnlock()

	keys, err := CheckPassword(acct, password)
	if err != nil {
		return keys, err
	}
	s.mu.Lock()
	s.session = normalized
	s.mu.Unlock()
	return keys, nil
}

func (s *MemoryUserStore) Leave(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = ""
	return nil
}

func (s *MemoryUserStore) HasIdentity(ctx context.Context, identityPub string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, acct := range s.accounts {
		if acct.Pub == identityPub {
			return true, nil
		}
	}
	return false, nil
}

// Session returns the username last authenticated and not yet left.
func (s *MemoryUserStore) Session() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

// Get returns a copy of the account for username.
func (s *MemoryUserStore) Get(username string) (*Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[NormalizeUsername(username)]
	if !ok {
		return nil, false
	}
	cp := *acct
	return &cp, true
}

// Len returns the number of accounts.
func (s *MemoryUserStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts)
}
