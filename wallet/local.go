package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	kb "github.com/panyam/keybridge"
)

// ErrLocked is returned while a LocalWallet is locked.
var ErrLocked = errors.New("wallet is locked")

// LocalWallet is an in-process wallet holding one secp256k1 key. It acts as
// both the provider and the signer. Signatures are deterministic (RFC 6979),
// so the same message always yields the same signature.
type LocalWallet struct {
	mu         sync.RWMutex
	privateKey *ecdsa.PrivateKey
	address    common.Address
	locked     bool
}

// NewLocalWallet wraps key.
func NewLocalWallet(key *ecdsa.PrivateKey) *LocalWallet {
	return &LocalWallet{privateKey: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// LocalWalletFromHex loads a wallet from a hex private key.
func LocalWalletFromHex(hexKey string) (*LocalWallet, error) {
	key, err := crypto.HexToECDSA(trim0x(hexKey))
	if err != nil {
		return nil, err
	}
	return NewLocalWallet(key), nil
}

// GenerateLocalWallet creates a wallet with a fresh random key.
func GenerateLocalWallet() (*LocalWallet, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return NewLocalWallet(key), nil
}

// Lock makes the wallet refuse to hand out a signer until Unlock.
func (w *LocalWallet) Lock() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.locked = true
}

func (w *LocalWallet) Unlock() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.locked = false
}

// AddressHex returns the checksummed address.
func (w *LocalWallet) AddressHex() string {
	return w.address.Hex()
}

func (w *LocalWallet) RequestAccounts(ctx context.Context) ([]string, error) {
	return []string{w.address.Hex()}, nil
}

func (w *LocalWallet) Signer(ctx context.Context) (kb.Signer, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.locked {
		return nil, ErrLocked
	}
	return w, nil
}

func (w *LocalWallet) Address(ctx context.Context) (string, error) {
	return w.address.Hex(), nil
}

// SignMessage signs the EIP-191 hash of message and returns 0x-hex r || s || v
// with v in {27, 28}.
func (w *LocalWallet) SignMessage(ctx context.Context, message string) (string, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.locked {
		return "", ErrLocked
	}
	sig, err := crypto.Sign(MessageHash(message), w.privateKey)
	if err != nil {
		return "", err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

func (w *LocalWallet) RecoverIdentity(message, signature string) (string, error) {
	return RecoverAddress(message, signature)
}

func trim0x(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
