package keybridge

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// SigningCredential is what a signature turns into: the store username and
// password for one identifier, plus the identity the store bound them to.
type SigningCredential struct {
	Identifier       string    `json:"identifier"`
	Signature        string    `json:"-"`
	Message          string    `json:"message"`
	Username         string    `json:"username"`
	Password         string    `json:"-"`
	Method           Method    `json:"method"`
	BoundIdentityPub string    `json:"bound_identity_pub,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// DeriveCredentials computes the store username and password for an identifier
// and the signature it produced. The username is the identifier lowercased
// with surrounding whitespace trimmed, so " 0xABC " and "0xabc" share an
// account. The same pair of inputs always yields the same credentials; both
// the oneshot and the interactive paths go through here.
func DeriveCredentials(identifier, signature string) (username, password string, err error) {
	if strings.TrimSpace(identifier) == "" {
		return "", "", NewAuthError(KindValidation, ErrCodeInvalidIdentifier, "identifier is required", nil)
	}
	if signature == "" {
		return "", "", NewAuthError(KindValidation, ErrCodeInvalidSignature, "signature is required", nil)
	}
	username = normalizeIdentifier(identifier)
	sum := sha256.Sum256([]byte(signature + ":" + username))
	return username, hex.EncodeToString(sum[:]), nil
}

// NewSigningCredential derives credentials and wraps them with their inputs.
func NewSigningCredential(method Method, identifier, signature, message string) (*SigningCredential, error) {
	username, password, err := DeriveCredentials(identifier, signature)
	if err != nil {
		return nil, err
	}
	return &SigningCredential{
		Identifier: strings.TrimSpace(identifier),
		Signature:  signature,
		Message:    message,
		Username:   username,
		Password:   password,
		Method:     method,
		CreatedAt:  time.Now(),
	}, nil
}

// KeyPair derives the credential's key pair.
func (c *SigningCredential) KeyPair(extra ...string) (*DerivedKeyPair, error) {
	return DeriveKeyPair(c.Password, extra...)
}

// CredentialRegistry keeps the latest SigningCredential per identifier in memory.
// Nothing is persisted; after a restart credentials are derived again.
type CredentialRegistry struct {
	mu    sync.RWMutex
	creds map[string]*SigningCredential
}

func NewCredentialRegistry() *CredentialRegistry {
	return &CredentialRegistry{creds: make(map[string]*SigningCredential)}
}

// Put records cred, replacing any earlier credential for the same identifier.
func (r *CredentialRegistry) Put(cred *SigningCredential) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creds[normalizeIdentifier(cred.Identifier)] = cred
}

// Get returns a copy of the credential for identifier.
func (r *CredentialRegistry) Get(identifier string) (*SigningCredential, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cred, ok := r.creds[normalizeIdentifier(identifier)]
	if !ok {
		return nil, false
	}
	out := *cred
	return &out, true
}

// AttachIdentity records the identity the store bound the credential to.
// It reports false when no credential is on file for identifier.
func (r *CredentialRegistry) AttachIdentity(identifier, identityPub string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cred, ok := r.creds[normalizeIdentifier(identifier)]
	if !ok {
		return false
	}
	cred.BoundIdentityPub = identityPub
	return true
}

// HasIdentity reports whether some credential on file was bound to identityPub.
func (r *CredentialRegistry) HasIdentity(identityPub string) bool {
	if identityPub == "" {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cred := range r.creds {
		if cred.BoundIdentityPub == identityPub {
			return true
		}
	}
	return false
}

// Delete forgets the credential for identifier.
func (r *CredentialRegistry) Delete(identifier string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.creds, normalizeIdentifier(identifier))
}

// Len returns the number of credentials on file.
func (r *CredentialRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.creds)
}
