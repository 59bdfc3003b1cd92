// Package relay authenticates keys held by relay-network browser extensions
// (getPublicKey / signEvent style). The identifier is the hex compressed
// secp256k1 public key and signatures are Schnorr over sha256(message).
package relay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"

	kb "github.com/panyam/keybridge"
)

// Extension is the surface a relay extension exposes.
type Extension interface {
	GetPublicKey(ctx context.Context) (string, error)
	SignEvent(ctx context.Context, content string) (string, error)
}

// ValidatePublicKey accepts a hex compressed secp256k1 public key.
func ValidatePublicKey(identifier string) error {
	raw, err := hex.DecodeString(strings.TrimSpace(identifier))
	if err != nil {
		return fmt.Errorf("public key is not hex: %w", err)
	}
	if len(raw) != secp256k1.PubKeyBytesLenCompressed {
		return fmt.Errorf("public key must be %d bytes, got %d", secp256k1.PubKeyBytesLenCompressed, len(raw))
	}
	if _, err := secp256k1.ParsePubKey(raw); err != nil {
		return err
	}
	return nil
}

// Verify reports whether signature is pubHex's Schnorr signature over message.
func Verify(pubHex, message, signature string) error {
	rawPub, err := hex.DecodeString(strings.TrimSpace(pubHex))
	if err != nil {
		return fmt.Errorf("decode public key: %w", err)
	}
	pub, err := secp256k1.ParsePubKey(rawPub)
	if err != nil {
		return err
	}
	rawSig, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	sig, err := schnorr.ParseSignature(rawSig)
	if err != nil {
		return err
	}
	hash := sha256.Sum256([]byte(message))
	if !sig.Verify(hash[:], pub) {
		return errors.New("signature does not verify")
	}
	return nil
}

// LocalKey is an in-process Extension. Schnorr nonces are derived per
// RFC 6979 so signatures are deterministic.
type LocalKey struct {
	priv *secp256k1.PrivateKey
}

func NewLocalKey(priv *secp256k1.PrivateKey) *LocalKey {
	return &LocalKey{priv: priv}
}

// LocalKeyFromHex loads a 32-byte hex private key.
func LocalKeyFromHex(hexKey string) (*LocalKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, err
	}
	if len(raw) != secp256k1.PrivKeyBytesLen {
		return nil, fmt.Errorf("private key must be %d bytes", secp256k1.PrivKeyBytesLen)
	}
	return NewLocalKey(secp256k1.PrivKeyFromBytes(raw)), nil
}

func GenerateLocalKey() (*LocalKey, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return NewLocalKey(priv), nil
}

// PublicKeyHex returns the identifier for this key.
func (k *LocalKey) PublicKeyHex() string {
	return hex.EncodeToString(k.priv.PubKey().SerializeCompressed())
}

func (k *LocalKey) GetPublicKey(ctx context.Context) (string, error) {
	return k.PublicKeyHex(), nil
}

func (k *LocalKey) SignEvent(ctx context.Context, content string) (string, error) {
	hash := sha256.Sum256([]byte(content))
	sig, err := schnorr.Sign(k.priv, hash[:])
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig.Serialize()), nil
}

// Provider adapts an Extension to kb.Provider.
type Provider struct {
	Extension Extension

	mu  sync.Mutex
	pub string
}

func NewProvider(ext Extension) *Provider {
	return &Provider{Extension: ext}
}

func (p *Provider) RequestAccounts(ctx context.Context) ([]string, error) {
	pub, err := p.Extension.GetPublicKey(ctx)
	if err != nil {
		return nil, err
	}
	pub = strings.ToLower(strings.TrimSpace(pub))
	if err := ValidatePublicKey(pub); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.pub = pub
	p.mu.Unlock()
	return []string{pub}, nil
}

func (p *Provider) Signer(ctx context.Context) (kb.Signer, error) {
	p.mu.Lock()
	pub := p.pub
	p.mu.Unlock()
	if pub == "" {
		return nil, errors.New("extension has not shared a public key")
	}
	return &signer{ext: p.Extension, pub: pub}, nil
}

type signer struct {
	ext Extension
	pub string
}

func (s *signer) Address(ctx context.Context) (string, error) {
	return s.ext.GetPublicKey(ctx)
}

func (s *signer) SignMessage(ctx context.Context, message string) (string, error) {
	return s.ext.SignEvent(ctx, message)
}

// RecoverIdentity returns the connected key only if the signature verifies
// under it.
func (s *signer) RecoverIdentity(message, signature string) (string, error) {
	if err := Verify(s.pub, message, signature); err != nil {
		return "", err
	}
	return s.pub, nil
}

// Version of the relay plugin.
const Version = "1.0.0"

// NewPlugin returns the relay-extension authentication plugin.
func NewPlugin(extensions ...Extension) *kb.SignerPlugin {
	return kb.NewSignerPlugin(kb.SignerPluginOptions{
		Name:    "relay",
		Version: Version,
		Method:  kb.MethodRelay,
		Slots: func() []kb.Slot {
			slots := make([]kb.Slot, 0, len(extensions))
			for i, ext := range extensions {
				slots = append(slots, kb.Slot{Name: fmt.Sprintf("nostr[%d]", i), Provider: NewProvider(ext)})
			}
			return slots
		},
		ValidateIdentifier: ValidatePublicKey,
	})
}
