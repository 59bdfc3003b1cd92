// Package passkey authenticates WebAuthn credentials (platform biometrics,
// security keys).
//
// Assertion signatures are randomized, so they cannot feed credential
// derivation directly. Once an assertion validates, the material handed to
// keybridge is an HMAC of the credential id and its public key under a
// relying-party secret. It is fixed for the life of the passkey, and the
// public parts alone do not reproduce it.
package passkey

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"go.uber.org/zap"

	kb "github.com/panyam/keybridge"
	"github.com/panyam/keybridge/internal/logger"
)

// Config for the relying party.
type Config struct {
	RPID          string   `yaml:"rp_id" env:"PASSKEY_RP_ID"`
	RPDisplayName string   `yaml:"rp_display_name" env:"PASSKEY_RP_DISPLAY_NAME"`
	RPOrigins     []string `yaml:"rp_origins" env:"PASSKEY_RP_ORIGINS" envSeparator:","`
}

// NewRelyingParty builds the go-webauthn relying party for cfg.
func NewRelyingParty(cfg Config) (*webauthn.WebAuthn, error) {
	if cfg.RPDisplayName == "" {
		cfg.RPDisplayName = "KeyBridge"
	}
	return webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
	})
}

// RelyingParty is the subset of *webauthn.WebAuthn used for login ceremonies.
type RelyingParty interface {
	BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	ValidateLogin(user webauthn.User, session webauthn.SessionData, parsedResponse *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error)
}

// Authenticator is the device side of a ceremony.
type Authenticator interface {
	// CredentialIDs lists the credentials the device can assert with.
	CredentialIDs(ctx context.Context) ([][]byte, error)

	// GetAssertion answers assertion with the JSON credential response.
	GetAssertion(ctx context.Context, assertion *protocol.CredentialAssertion) ([]byte, error)
}

// ParseFunc parses a JSON assertion response.
type ParseFunc func(data []byte) (*protocol.ParsedCredentialAssertionData, error)

// EncodeCredentialID renders a credential id as the keybridge identifier.
func EncodeCredentialID(id []byte) string {
	return base64.RawURLEncoding.EncodeToString(id)
}

// DecodeCredentialID parses an identifier back into a credential id.
func DecodeCredentialID(identifier string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(strings.TrimSpace(identifier), "="))
	if err != nil {
		return nil, fmt.Errorf("credential id is not base64url: %w", err)
	}
	if len(raw) == 0 {
		return nil, errors.New("credential id is empty")
	}
	return raw, nil
}

// ValidateIdentifier accepts base64url credential ids.
func ValidateIdentifier(identifier string) error {
	_, err := DecodeCredentialID(identifier)
	return err
}

// ErrNoSecret is returned when a provider has no material secret.
var ErrNoSecret = errors.New("passkey material secret is not configured")

// DerivationMaterial is the stable value a validated credential contributes
// to credential derivation: HMAC-SHA256 under secret of the length-prefixed
// credential id followed by the public key. Changing secret changes every
// passkey identity.
func DerivationMaterial(secret []byte, cred *webauthn.Credential) string {
	mac := hmac.New(sha256.New, secret)
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(cred.ID)))
	mac.Write(n[:])
	mac.Write(cred.ID)
	mac.Write(cred.PublicKey)
	return hex.EncodeToString(mac.Sum(nil))
}

// Provider runs login ceremonies between a relying party and an authenticator.
type Provider struct {
	RP            RelyingParty
	Authenticator Authenticator
	Credentials   CredentialStore
	Parse         ParseFunc

	// Secret keys the derivation material. It must stay private to the
	// relying party and stable across restarts.
	Secret []byte

	mu      sync.Mutex
	account []byte
}

func NewProvider(rp RelyingParty, auth Authenticator, creds CredentialStore, secret string) *Provider {
	return &Provider{
		RP:            rp,
		Authenticator: auth,
		Credentials:   creds,
		Parse:         protocol.ParseCredentialRequestResponseBytes,
		Secret:        []byte(secret),
	}
}

// RequestAccounts returns the device credentials this relying party knows.
func (p *Provider) RequestAccounts(ctx context.Context) ([]string, error) {
	if len(p.Secret) == 0 {
		return nil, ErrNoSecret
	}
	ids, err := p.Authenticator.CredentialIDs(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	var first []byte
	for _, id := range ids {
		if _, err := p.Credentials.Lookup(ctx, id); err != nil {
			continue
		}
		if first == nil {
			first = id
		}
		out = append(out, EncodeCredentialID(id))
	}
	if len(out) == 0 {
		return nil, errors.New("no registered passkey on this authenticator")
	}
	p.mu.Lock()
	p.account = first
	p.mu.Unlock()
	return out, nil
}

func (p *Provider) Signer(ctx context.Context) (kb.Signer, error) {
	p.mu.Lock()
	account := p.account
	p.mu.Unlock()
	if account == nil {
		return nil, errors.New("no passkey selected")
	}
	return &signer{provider: p, credentialID: account, verified: make(map[string]string)}, nil
}

type signer struct {
	provider     *Provider
	credentialID []byte

	mu       sync.Mutex
	verified map[string]string
}

func (s *signer) Address(ctx context.Context) (string, error) {
	return EncodeCredentialID(s.credentialID), nil
}

// SignMessage runs a full assertion ceremony. The returned value is the
// derivation material of the credential that validated.
func (s *signer) SignMessage(ctx context.Context, message string) (string, error) {
	p := s.provider
	reg, err := p.Credentials.Lookup(ctx, s.credentialID)
	if err != nil {
		return "", err
	}
	user := reg.user()
	assertion, session, err := p.RP.BeginLogin(user)
	if err != nil {
		return "", fmt.Errorf("begin passkey login: %w", err)
	}
	resp, err := p.Authenticator.GetAssertion(ctx, assertion)
	if err != nil {
		return "", fmt.Errorf("authenticator declined: %w", err)
	}
	parse := p.Parse
	if parse == nil {
		parse = protocol.ParseCredentialRequestResponseBytes
	}
	parsed, err := parse(resp)
	if err != nil {
		return "", fmt.Errorf("parse credential response: %w", err)
	}
	cred, err := p.RP.ValidateLogin(user, *session, parsed)
	if err != nil {
		return "", fmt.Errorf("validate passkey login: %w", err)
	}
	if cred.Authenticator.CloneWarning {
		logger.Log.Warn("passkey sign count regressed; authenticator may be cloned",
			zap.String("credential_id", EncodeCredentialID(cred.ID)))
	}
	if err := p.Credentials.UpdateSignCount(ctx, cred.ID, cred.Authenticator.SignCount); err != nil {
		logger.Log.Warn("could not update passkey sign count", zap.Error(err))
	}

	if len(p.Secret) == 0 {
		return "", ErrNoSecret
	}
	material := DerivationMaterial(p.Secret, cred)
	s.mu.Lock()
	s.verified[material] = EncodeCredentialID(cred.ID)
	s.mu.Unlock()
	return material, nil
}

// RecoverIdentity returns the credential whose ceremony produced signature.
func (s *signer) RecoverIdentity(message, signature string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.verified[signature]
	if !ok {
		return "", errors.New("signature was not produced by a validated ceremony")
	}
	return id, nil
}

// Version of the passkey plugin.
const Version = "1.0.0"

// NewPlugin returns the passkey authentication plugin.
func NewPlugin(providers ...*Provider) *kb.SignerPlugin {
	return kb.NewSignerPlugin(kb.SignerPluginOptions{
		Name:    "passkey",
		Version: Version,
		Method:  kb.MethodPasskey,
		Slots: func() []kb.Slot {
			slots := make([]kb.Slot, 0, len(providers))
			for i, p := range providers {
				if p == nil {
					continue
				}
				slots = append(slots, kb.Slot{Name: fmt.Sprintf("authenticator[%d]", i), Provider: p})
			}
			return slots
		},
		ValidateIdentifier: ValidateIdentifier,
	})
}
