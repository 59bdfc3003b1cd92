// Package stores holds UserStore implementations for keybridge.
//
// MemoryUserStore lives here. Persistent backends are in subpackages:
//
//	stores/fs    JSON files, one per account
//	stores/gorm  any database GORM supports
//	stores/gae   Google Cloud Datastore
package stores

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	kb "github.com/panyam/keybridge"
)

// Account is the record every backend keeps per username.
type Account struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"password_hash"`
	Pub          string    `json:"pub"`
	EPub         string    `json:"epub"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Keys returns the public keys recorded for the account.
func (a *Account) Keys() kb.PublicKeys {
	return kb.PublicKeys{Pub: a.Pub, EPub: a.EPub}
}

// NewAccount hashes password and builds the record for a new account.
func NewAccount(username, password string, keys kb.PublicKeys) (*Account, error) {
	if username == "" || password == "" {
		return nil, fmt.Errorf("username and password are required")
	}
	if keys.Pub == "" {
		return nil, fmt.Errorf("identity key is required")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &Account{
		Username:     NormalizeUsername(username),
		PasswordHash: hash,
		Pub:          keys.Pub,
		EPub:         keys.EPub,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// NormalizeUsername converts username to lowercase for case-insensitive lookup
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// HashPassword bcrypt-hashes password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword returns the account's keys if password matches, and
// kb.ErrInvalidCredentials otherwise. A nil account is treated as unknown.
func CheckPassword(acct *Account, password string) (kb.PublicKeys, error) {
	if acct == nil {
		return kb.PublicKeys{}, kb.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)); err != nil {
		return kb.PublicKeys{}, kb.ErrInvalidCredentials
	}
	return acct.Keys(), nil
}

// ErrExists wraps kb.ErrUserExists with the username.
func ErrExists(username string) error {
	return fmt.Errorf("%w: %s", kb.ErrUserExists, username)
}
