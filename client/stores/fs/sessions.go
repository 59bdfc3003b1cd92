// Package fs stores keybridge client sessions in a JSON file.
package fs

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/panyam/keybridge/client"
)

// SessionFileStore keeps one session per server in a JSON file readable only
// by its owner.
type SessionFileStore struct {
	mu       sync.RWMutex
	path     string
	servers  map[string]*client.Session
	modified bool
}

type sessionFile struct {
	Servers map[string]*client.Session `json:"servers"`
}

// NewSessionFileStore opens the store at path. If path is empty, it
// defaults to <user config dir>/<appName>/sessions.json.
func NewSessionFileStore(path string, appName string) (*SessionFileStore, error) {
	if path == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("could not determine config directory: %w", err)
			}
			configDir = filepath.Join(home, ".config")
		}
		if appName == "" {
			appName = "keybridge"
		}
		path = filepath.Join(configDir, appName, "sessions.json")
	}

	store := &SessionFileStore{path: path, servers: make(map[string]*client.Session)}
	if err := store.load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return store, nil
}

func (s *SessionFileStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var file sessionFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse sessions file: %w", err)
	}
	if file.Servers != nil {
		s.servers = file.Servers
	}
	return nil
}

// serverKey reduces a server URL to scheme://host.
func serverKey(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Scheme == "" {
		u.Scheme = "https"
	}
	return fmt.Sprintf("%s://%s", u.Scheme, u.Host), nil
}

func (s *SessionFileStore) GetSession(serverURL string) (*client.Session, error) {
	key, err := serverKey(serverURL)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.servers[key], nil
}

func (s *SessionFileStore) SetSession(serverURL string, sess *client.Session) error {
	key, err := serverKey(serverURL)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servers[key] = sess
	s.modified = true
	return nil
}

func (s *SessionFileStore) RemoveSession(serverURL string) error {
	key, err := serverKey(serverURL)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.servers, key)
	s.modified = true
	return nil
}

func (s *SessionFileStore) ListServers() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	servers := make([]string, 0, len(s.servers))
	for k := range s.servers {
		servers = append(servers, k)
	}
	sort.Strings(servers)
	return servers, nil
}

// Save writes pending changes to disk.
func (s *SessionFileStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.modified {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(sessionFile{Servers: s.servers}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize sessions: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write sessions: %w", err)
	}
	s.modified = false
	return nil
}

func (s *SessionFileStore) Path() string {
	return s.path
}
