package passkey

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"github.com/go-webauthn/webauthn/webauthn"
)

// ErrUnknownCredential is returned for credential ids never registered.
var ErrUnknownCredential = errors.New("unknown passkey credential")

// Registration ties a WebAuthn credential to the user it was registered for.
type Registration struct {
	UserID      []byte
	Name        string
	DisplayName string
	Credential  webauthn.Credential
}

func (r *Registration) user() *User {
	return &User{id: r.UserID, name: r.Name, displayName: r.DisplayName, credentials: []webauthn.Credential{r.Credential}}
}

// User adapts a registration to webauthn.User.
type User struct {
	id          []byte
	name        string
	displayName string
	credentials []webauthn.Credential
}

func (u *User) WebAuthnID() []byte                         { return u.id }
func (u *User) WebAuthnName() string                       { return u.name }
func (u *User) WebAuthnDisplayName() string                { return u.displayName }
func (u *User) WebAuthnCredentials() []webauthn.Credential { return u.credentials }

// CredentialStore holds registered passkeys.
type CredentialStore interface {
	Lookup(ctx context.Context, credentialID []byte) (*Registration, error)
	Save(ctx context.Context, reg *Registration) error
	UpdateSignCount(ctx context.Context, credentialID []byte, count uint32) error
}

// MemoryCredentialStore keeps registrations in memory.
type MemoryCredentialStore struct {
	mu   sync.RWMutex
	regs []*Registration
}

func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{}
}

func (s *MemoryCredentialStore) find(id []byte) int {
	for i, r := range s.regs {
		if bytes.Equal(r.Credential.ID, id) {
			return i
		}
	}
	return -1
}

func (s *MemoryCredentialStore) Lookup(ctx context.Context, credentialID []byte) (*Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.find(credentialID)
	if i < 0 {
		return nil, ErrUnknownCredential
	}
	cp := *s.regs[i]
	return &cp, nil
}

func (s *MemoryCredentialStore) Save(ctx context.Context, reg *Registration) error {
	if len(reg.Credential.ID) == 0 {
		return errors.New("credential id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *reg
	if i := s.find(reg.Credential.ID); i >= 0 {
		s.regs[i] = &cp
		return nil
	}
	s.regs = append(s.regs, &cp)
	return nil
}

func (s *MemoryCredentialStore) UpdateSignCount(ctx context.Context, credentialID []byte, count uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.find(credentialID)
	if i < 0 {
		return ErrUnknownCredential
	}
	s.regs[i].Credential.Authenticator.SignCount = count
	return nil
}
