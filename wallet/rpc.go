package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	kb "github.com/panyam/keybridge"
)

// RPCProvider reaches a wallet over JSON-RPC (eth_requestAccounts,
// personal_sign), e.g. a browser bridge or a local signer daemon.
type RPCProvider struct {
	URL string

	mu      sync.Mutex
	client  *rpc.Client
	account string
}

func NewRPCProvider(url string) *RPCProvider {
	return &RPCProvider{URL: url}
}

func (p *RPCProvider) dial(ctx context.Context) (*rpc.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	client, err := rpc.DialContext(ctx, p.URL)
	if err != nil {
		return nil, fmt.Errorf("dial wallet rpc: %w", err)
	}
	p.client = client
	return client, nil
}

func (p *RPCProvider) RequestAccounts(ctx context.Context) ([]string, error) {
	client, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	var accounts []string
	if err := client.CallContext(ctx, &accounts, "eth_requestAccounts"); err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, errors.New("wallet returned no accounts")
	}
	p.mu.Lock()
	p.account = accounts[0]
	p.mu.Unlock()
	return accounts, nil
}

func (p *RPCProvider) Signer(ctx context.Context) (kb.Signer, error) {
	p.mu.Lock()
	account, client := p.account, p.client
	p.mu.Unlock()
	if client == nil || account == "" {
		return nil, errors.New("no account connected")
	}
	return &rpcSigner{client: client, account: account}, nil
}

// Close drops the RPC connection.
func (p *RPCProvider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		p.client.Close()
		p.client = nil
	}
	p.account = ""
}

type rpcSigner struct {
	client  *rpc.Client
	account string
}

func (s *rpcSigner) Address(ctx context.Context) (string, error) {
	return s.account, nil
}

func (s *rpcSigner) SignMessage(ctx context.Context, message string) (string, error) {
	var sig string
	if err := s.client.CallContext(ctx, &sig, "personal_sign", hexutil.Encode([]byte(message)), s.account); err != nil {
		return "", err
	}
	return sig, nil
}

// RecoverIdentity does not trust the remote wallet's claim about which
// account signed; the address is recovered from the signature.
func (s *rpcSigner) RecoverIdentity(message, signature string) (string, error) {
	return RecoverAddress(message, signature)
}
