package keybridge

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/multiformats/go-varint"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	hkdfInfoSigning    = "keybridge/signing/v1"
	hkdfInfoEncryption = "keybridge/encryption/v1"

	// multicodec code for ed25519-pub, used in did:key
	multicodecEd25519Pub = 0xed
)

// DerivedKeyPair is the signing and encryption key material computed from a
// derived password. All fields are base58btc encoded raw keys.
type DerivedKeyPair struct {
	Pub   string `json:"pub"`
	Priv  string `json:"priv"`
	EPub  string `json:"epub"`
	EPriv string `json:"epriv"`

	seed []byte
}

// PublicKeys is the public half of a DerivedKeyPair, as recorded by a UserStore.
type PublicKeys struct {
	Pub  string `json:"pub"`
	EPub string `json:"epub"`
}

// DeriveKeyPair turns password into a key pair. The result depends only on
// password and extra; callers expecting the same pair must pass the same extra.
func DeriveKeyPair(password string, extra ...string) (*DerivedKeyPair, error) {
	if password == "" {
		return nil, NewAuthError(KindValidation, ErrCodeInvalidSignature, "password is required for key derivation", nil)
	}
	var salt []byte
	if len(extra) > 0 {
		sum := sha256.Sum256([]byte(strings.Join(extra, "\x00")))
		salt = sum[:]
	}
	seed, err := hkdfExpand([]byte(password), salt, hkdfInfoSigning, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	return keyPairFromSeed(seed)
}

func keyPairFromSeed(signingSeed []byte) (*DerivedKeyPair, error) {
	// encryption seed hangs off the signing seed so a mnemonic of the signing
	// seed restores both halves
	encSeed, err := hkdfExpand(signingSeed, nil, hkdfInfoEncryption, curve25519.ScalarSize)
	if err != nil {
		return nil, err
	}

	priv := ed25519.NewKeyFromSeed(signingSeed)
	pub := priv.Public().(ed25519.PublicKey)

	epub, err := curve25519.X25519(encSeed, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive encryption key: %w", err)
	}

	return &DerivedKeyPair{
		Pub:   base58.Encode(pub),
		Priv:  base58.Encode(signingSeed),
		EPub:  base58.Encode(epub),
		EPriv: base58.Encode(encSeed),
		seed:  append([]byte(nil), signingSeed...),
	}, nil
}

func hkdfExpand(secret, salt []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, salt, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}

// PublicKeys returns the public half of the pair.
func (k *DerivedKeyPair) PublicKeys() PublicKeys {
	return PublicKeys{Pub: k.Pub, EPub: k.EPub}
}

// Equal compares all four keys.
func (k *DerivedKeyPair) Equal(other *DerivedKeyPair) bool {
	if k == nil || other == nil {
		return k == other
	}
	return k.Pub == other.Pub && k.Priv == other.Priv && k.EPub == other.EPub && k.EPriv == other.EPriv
}

// SigningKey decodes the ed25519 private key.
func (k *DerivedKeyPair) SigningKey() (ed25519.PrivateKey, error) {
	seed, err := base58.Decode(k.Priv)
	if err != nil {
		return nil, fmt.Errorf("decode signing key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, errors.New("signing key has wrong length")
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// Sign signs data with the derived signing key so callers do not have to
// prompt the external signer again.
func (k *DerivedKeyPair) Sign(data []byte) ([]byte, error) {
	priv, err := k.SigningKey()
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(priv, data), nil
}

// DecodePublicKey parses a base58 identity pub into an ed25519 key.
func DecodePublicKey(pub string) (ed25519.PublicKey, error) {
	raw, err := base58.Decode(pub)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, errors.New("public key has wrong length")
	}
	return ed25519.PublicKey(raw), nil
}

// VerifySignature checks sig over data against a base58 identity pub.
func VerifySignature(pub string, data, sig []byte) bool {
	key, err := DecodePublicKey(pub)
	if err != nil {
		return false
	}
	return ed25519.Verify(key, data, sig)
}

// DID renders the signing key as a did:key identifier.
func (k *DerivedKeyPair) DID() (string, error) {
	return DIDFromPub(k.Pub)
}

// DIDFromPub renders a base58 ed25519 public key as did:key.
func DIDFromPub(pub string) (string, error) {
	raw, err := DecodePublicKey(pub)
	if err != nil {
		return "", err
	}
	prefixed := append(varint.ToUvarint(multicodecEd25519Pub), raw...)
	return "did:key:z" + base58.Encode(prefixed), nil
}

// PubFromDID is the inverse of DIDFromPub.
func PubFromDID(did string) (string, error) {
	rest, ok := strings.CutPrefix(did, "did:key:z")
	if !ok {
		return "", fmt.Errorf("not a base58 did:key: %q", did)
	}
	raw, err := base58.Decode(rest)
	if err != nil {
		return "", fmt.Errorf("decode did: %w", err)
	}
	code, n, err := varint.FromUvarint(raw)
	if err != nil {
		return "", fmt.Errorf("decode multicodec: %w", err)
	}
	if code != multicodecEd25519Pub {
		return "", fmt.Errorf("unsupported multicodec 0x%x", code)
	}
	if len(raw[n:]) != ed25519.PublicKeySize {
		return "", errors.New("did key has wrong length")
	}
	return base58.Encode(raw[n:]), nil
}

// Mnemonic returns a 24-word BIP-39 phrase for the signing seed.
func (k *DerivedKeyPair) Mnemonic() (string, error) {
	seed := k.seed
	if len(seed) == 0 {
		var err error
		if seed, err = base58.Decode(k.Priv); err != nil {
			return "", fmt.Errorf("decode signing key: %w", err)
		}
	}
	return bip39.NewMnemonic(seed)
}

// KeyPairFromMnemonic restores the pair written out by Mnemonic.
func KeyPairFromMnemonic(mnemonic string) (*DerivedKeyPair, error) {
	seed, err := bip39.EntropyFromMnemonic(strings.TrimSpace(mnemonic))
	if err != nil {
		return nil, fmt.Errorf("invalid mnemonic: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, errors.New("mnemonic does not encode a 32 byte seed")
	}
	return keyPairFromSeed(seed)
}
