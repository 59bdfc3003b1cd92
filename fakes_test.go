package keybridge_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	kb "github.com/panyam/keybridge"
	"github.com/panyam/keybridge/stores"
)

// fakeSigner signs deterministically with a hash of its address and the message.
type fakeSigner struct {
	address string
	sign    func(ctx context.Context, message string) (string, error)

	mu    sync.Mutex
	signs int
}

func (s *fakeSigner) Address(ctx context.Context) (string, error) { return s.address, nil }

func (s *fakeSigner) SignMessage(ctx context.Context, message string) (string, error) {
	s.mu.Lock()
	s.signs++
	s.mu.Unlock()
	if s.sign != nil {
		return s.sign(ctx, message)
	}
	sum := sha256.Sum256([]byte(s.address + "|" + message))
	return "0x" + hex.EncodeToString(sum[:]), nil
}

func (s *fakeSigner) Signs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signs
}

type fakeProvider struct {
	signer         *fakeSigner
	failSigner     int
	rejectAccounts bool

	mu          sync.Mutex
	signerCalls int
}

func newFakeProvider(address string) *fakeProvider {
	return &fakeProvider{signer: &fakeSigner{address: address}}
}

func (p *fakeProvider) RequestAccounts(ctx context.Context) ([]string, error) {
	if p.rejectAccounts {
		return nil, errors.New("user rejected the request")
	}
	return []string{p.signer.address}, nil
}

func (p *fakeProvider) Signer(ctx context.Context) (kb.Signer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signerCalls++
	if p.signerCalls <= p.failSigner {
		return nil, errors.New("signer not ready")
	}
	return p.signer, nil
}

func (p *fakeProvider) SignerCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signerCalls
}

// countingStore records Leave calls on top of the memory store.
type countingStore struct {
	*stores.MemoryUserStore

	mu     sync.Mutex
	leaves int
}

func (s *countingStore) Leave(ctx context.Context) error {
	s.mu.Lock()
	s.leaves++
	s.mu.Unlock()
	return s.MemoryUserStore.Leave(ctx)
}

func (s *countingStore) Leaves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaves
}

func testConfig() *kb.Config {
	return (&kb.Config{
		RetryDelay:     time.Millisecond,
		AuthRetryDelay: time.Millisecond,
	}).EnsureDefaults()
}

// newCore returns a KeyBridge over a memory store with fast retries.
func newCore(t *testing.T) (*kb.KeyBridge, *stores.MemoryUserStore) {
	t.Helper()
	store := stores.NewMemoryUserStore()
	core := (&kb.KeyBridge{Config: testConfig(), Store: store}).EnsureDefaults()
	t.Cleanup(func() { _ = core.Close() })
	return core, store
}

func newWalletPlugin(t *testing.T, core *kb.KeyBridge, providers ...kb.Provider) *kb.SignerPlugin {
	t.Helper()
	p := kb.NewSignerPlugin(kb.SignerPluginOptions{
		Name:   "wallet",
		Method: kb.MethodWallet,
		Slots: func() []kb.Slot {
			var slots []kb.Slot
			for _, provider := range providers {
				slots = append(slots, kb.Slot{Name: "ethereum", Provider: provider})
			}
			return slots
		},
	})
	if core != nil {
		require.NoError(t, core.Register(p))
	}
	return p
}
