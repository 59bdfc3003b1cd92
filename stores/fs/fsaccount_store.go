// Package fs stores keybridge accounts as JSON files.
package fs

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	kb "github.com/panyam/keybridge"
	"github.com/panyam/keybridge/stores"
)

// FSAccountStore implements kb.UserStore using filesystem storage.
//
// # File Structure
//
//	{StoragePath}/
//	└── accounts/
//	    ├── 0xabc....json     # {"username": "0xabc...", "pub": "...", ...}
//	    └── ...
//
// # Concurrency Model
//
// Create links a fully written temp file into place, so of two concurrent
// creates for one username exactly one succeeds and the other sees
// kb.ErrUserExists. Accounts are never rewritten after creation.
type FSAccountStore struct {
	StoragePath string

	mu      sync.Mutex
	session string
}

// NewFSAccountStore creates a new filesystem-backed UserStore
func NewFSAccountStore(storagePath string) *FSAccountStore {
	return &FSAccountStore{StoragePath: storagePath}
}

// getAccountPath returns the file path for a normalized username
func (s *FSAccountStore) getAccountPath(normalized string) string {
	return filepath.Join(s.StoragePath, "accounts", filepath.Base(normalized)+".json")
}

// readAccount reads an account from disk. A missing file is (nil, nil).
func (s *FSAccountStore) readAccount(normalized string) (*stores.Account, error) {
	data, err := os.ReadFile(s.getAccountPath(normalized))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var acct stores.Account
	if err := json.Unmarshal(data, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

func (s *FSAccountStore) Create(ctx context.Context, username, password string, keys kb.PublicKeys) error {
	acct, err := stores.NewAccount(username, password, keys)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(acct, "", "  ")
	if err != nil {
		return err
	}
	if err := writeExclusiveFile(s.getAccountPath(acct.Username), data); err != nil {
		if errors.Is(err, os.ErrExist) {
			return stores.ErrExists(acct.Username)
		}
		return err
	}
	return nil
}

func (s *FSAccountStore) Authenticate(ctx context.Context, username, password string) (kb.PublicKeys, error) {
	normalized := stores.NormalizeUsername(username)
	acct, err := s.readAccount(normalized)
	if err != nil {
		return kb.PublicKeys{}, err
	}
	keys, err := stores.CheckPassword(acct, password)
	if err != nil {
		return keys, err
	}
	s.mu.Lock()
	s.session = normalized
	s.mu.Unlock()
	return keys, nil
}

func (s *FSAccountStore) Leave(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = ""
	return nil
}

// HasIdentity scans the account files for one bound to identityPub.
func (s *FSAccountStore) HasIdentity(ctx context.Context, identityPub string) (bool, error) {
	entries, err := os.ReadDir(filepath.Join(s.StoragePath, "accounts"))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		acct, err := s.readAccount(strings.TrimSuffix(name, ".json"))
		if err != nil || acct == nil {
			continue
		}
		if acct.Pub == identityPub {
			return true, nil
		}
	}
	return false, nil
}

// GetAccount looks up an account by username (case-insensitive).
func (s *FSAccountStore) GetAccount(username string) (*stores.Account, error) {
	acct, err := s.readAccount(stores.NormalizeUsername(username))
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, errors.New("account not found")
	}
	return acct, nil
}

// DeleteAccount removes an account.
func (s *FSAccountStore) DeleteAccount(username string) error {
	err := os.Remove(s.getAccountPath(stores.NormalizeUsername(username)))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
