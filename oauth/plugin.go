package oauth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	kb "github.com/panyam/keybridge"
	"github.com/panyam/keybridge/internal/logger"
)

// Version of the oauth plugin.
const Version = "1.0.0"

// DefaultStateTTL bounds how long an authorization request stays redeemable.
const DefaultStateTTL = 10 * time.Minute

type pendingAuth struct {
	provider  string
	verifier  string
	createdAt time.Time
}

type grant struct {
	provider string
	token    *oauth2.Token
}

// Plugin authenticates OAuth accounts through the authorization code flow.
type Plugin struct {
	kb.Lifecycle

	StateTTL time.Duration

	secret    []byte
	providers map[string]*Provider

	mu      sync.Mutex
	pending map[string]pendingAuth
	grants  map[string]grant
	now     func() time.Time
}

// NewPlugin returns the OAuth plugin. signingSecret keys the derivation
// material; changing it changes every OAuth-derived identity.
func NewPlugin(signingSecret string, providers ...*Provider) *Plugin {
	p := &Plugin{
		StateTTL:  DefaultStateTTL,
		secret:    []byte(signingSecret),
		providers: make(map[string]*Provider),
		pending:   make(map[string]pendingAuth),
		grants:    make(map[string]grant),
		now:       time.Now,
	}
	for _, prov := range providers {
		if prov != nil {
			p.providers[prov.Name] = prov
		}
	}
	return p
}

func (p *Plugin) Name() string          { return "oauth" }
func (p *Plugin) Version() string       { return Version }
func (p *Plugin) Category() kb.Category { return kb.CategoryAuthentication }

func (p *Plugin) Initialize(core *kb.KeyBridge) error {
	if len(p.secret) == 0 {
		return kb.NewAuthError(kb.KindEnvironment, kb.ErrCodeProviderUnavailable, "oauth signing secret is not configured", nil)
	}
	if !p.MarkInitialized(p.Name(), core) {
		return nil
	}
	if len(p.providers) == 0 {
		logger.Log.Warn("oauth plugin has no providers configured")
	}
	return nil
}

func (p *Plugin) Destroy() {
	p.mu.Lock()
	p.pending = make(map[string]pendingAuth)
	p.grants = make(map[string]grant)
	p.mu.Unlock()
	p.MarkDestroyed(kb.PluginEvent{Name: p.Name(), Version: p.Version(), Category: p.Category()})
}

// Providers lists configured provider names.
func (p *Plugin) Providers() []string {
	out := make([]string, 0, len(p.providers))
	for name := range p.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Provider returns the provider registered under name.
func (p *Plugin) Provider(name string) (*Provider, bool) {
	prov, ok := p.providers[name]
	return prov, ok
}

// Material is the derivation material for identifier.
func (p *Plugin) Material(identifier string) string {
	mac := hmac.New(sha256.New, p.secret)
	mac.Write([]byte(strings.ToLower(strings.TrimSpace(identifier))))
	return hex.EncodeToString(mac.Sum(nil))
}

func randomState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Start begins an authorization request with provider and returns the URL
// to send the user to and the state that must come back with the code.
func (p *Plugin) Start(providerName string) (authURL, state string, err error) {
	if _, err := kb.RequireInitialized(&p.Lifecycle); err != nil {
		return "", "", err
	}
	prov, ok := p.providers[providerName]
	if !ok {
		return "", "", kb.NewAuthError(kb.KindEnvironment, kb.ErrCodeProviderUnavailable, "unknown oauth provider "+providerName, nil)
	}
	if state, err = randomState(); err != nil {
		return "", "", err
	}
	verifier := oauth2.GenerateVerifier()

	p.mu.Lock()
	p.sweepLocked()
	p.pending[state] = pendingAuth{provider: providerName, verifier: verifier, createdAt: p.now()}
	p.mu.Unlock()
	return prov.AuthCodeURL(state, verifier), state, nil
}

func (p *Plugin) sweepLocked() {
	now := p.now()
	for state, pa := range p.pending {
		if now.Sub(pa.createdAt) > p.StateTTL {
			delete(p.pending, state)
		}
	}
}

func (p *Plugin) takePending(state string) (pendingAuth, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pa, ok := p.pending[state]
	if ok {
		delete(p.pending, state)
	}
	if !ok || p.now().Sub(pa.createdAt) > p.StateTTL {
		return pendingAuth{}, kb.NewAuthError(kb.KindValidation, kb.ErrCodeInvalidSignature, "unknown or expired oauth state", nil)
	}
	return pa, nil
}

// LoginWithCode redeems an authorization code and logs the account in.
func (p *Plugin) LoginWithCode(ctx context.Context, state, code string) *kb.LoginResult {
	return p.redeem(ctx, state, code, kb.EventAuthLogin)
}

// SignUpWithCode is LoginWithCode emitting auth:signup.
func (p *Plugin) SignUpWithCode(ctx context.Context, state, code string) *kb.SignUpResult {
	return p.redeem(ctx, state, code, kb.EventAuthSignup)
}

func (p *Plugin) redeem(ctx context.Context, state, code string, event kb.EventName) (res *kb.AuthResult) {
	defer func() {
		if r := recover(); r != nil {
			res = kb.FailedResult(kb.MethodOAuth, kb.PanicError("oauth "+string(event), r))
		}
	}()
	core, err := kb.RequireInitialized(&p.Lifecycle)
	if err != nil {
		return kb.FailedResult(kb.MethodOAuth, err)
	}
	pa, err := p.takePending(state)
	if err != nil {
		return kb.FailedResult(kb.MethodOAuth, err)
	}
	prov := p.providers[pa.provider]

	xctx, cancel := context.WithTimeout(ctx, core.Config.SignatureTimeout)
	defer cancel()
	ident, token, err := prov.Exchange(xctx, code, pa.verifier)
	if err != nil {
		if errors.Is(xctx.Err(), context.DeadlineExceeded) {
			return kb.FailedResult(kb.MethodOAuth, kb.NewAuthError(kb.KindTimeout, kb.ErrCodeTimeout, "oauth exchange timed out", err))
		}
		logger.Log.Info("oauth exchange failed", zap.String("provider", pa.provider), zap.Error(err))
		return kb.FailedResult(kb.MethodOAuth, kb.NewAuthError(kb.KindAuthentication, kb.ErrCodeSignatureFailed, "oauth code exchange failed", err))
	}

	identifier := ident.Identifier()
	if err := core.Allow(kb.MethodOAuth, identifier); err != nil {
		return kb.FailedResult(kb.MethodOAuth, err)
	}
	cred, err := p.credential(core, identifier, p.Material(identifier))
	if err != nil {
		return kb.FailedResult(kb.MethodOAuth, err)
	}
	core.Cache.Put(identifier, cred.Signature)

	p.mu.Lock()
	p.grants[strings.ToLower(identifier)] = grant{provider: pa.provider, token: token}
	p.mu.Unlock()

	res = core.CompleteAuth(ctx, cred, event)
	if !res.Success {
		core.Cache.Delete(identifier)
	}
	return res
}

func (p *Plugin) credential(core *kb.KeyBridge, identifier, material string) (*kb.SigningCredential, error) {
	cred, err := kb.NewSigningCredential(kb.MethodOAuth, identifier, material, core.Config.AuthMessage(identifier))
	if err != nil {
		return nil, err
	}
	core.Credentials.Put(cred)
	return cred, nil
}

// ValidateIdentifier accepts "provider:subject" for a configured provider.
func (p *Plugin) ValidateIdentifier(identifier string) error {
	name, subject, ok := strings.Cut(strings.TrimSpace(identifier), ":")
	if !ok || name == "" || subject == "" {
		return kb.NewAuthError(kb.KindValidation, kb.ErrCodeInvalidIdentifier, "identifier must be provider:subject", nil)
	}
	if _, ok := p.providers[strings.ToLower(name)]; !ok {
		return kb.NewAuthError(kb.KindValidation, kb.ErrCodeInvalidIdentifier, "unknown oauth provider "+name, nil)
	}
	return nil
}

// CreateSigningCredential rebuilds the credential for identifier from an
// authorization redeemed within the cache window.
func (p *Plugin) CreateSigningCredential(ctx context.Context, identifier string) (*kb.SigningCredential, error) {
	core, err := kb.RequireInitialized(&p.Lifecycle)
	if err != nil {
		return nil, err
	}
	if err := p.ValidateIdentifier(identifier); err != nil {
		return nil, err
	}
	sig, ok := core.Cache.Get(identifier)
	if !ok {
		return nil, kb.NewAuthError(kb.KindAuthentication, kb.ErrCodeSignatureFailed,
			"no recent oauth authorization for "+identifier+"; complete the authorization code flow", nil)
	}
	if !hmac.Equal([]byte(sig), []byte(p.Material(identifier))) {
		core.Cache.Delete(identifier)
		return nil, kb.NewAuthError(kb.KindSecurity, kb.ErrCodeIdentityMismatch, "cached oauth proof does not match identifier", nil)
	}
	return p.credential(core, identifier, sig)
}

// Login logs identifier in again from an authorization redeemed within the
// cache window, without another provider round trip.
func (p *Plugin) Login(ctx context.Context, identifier string) *kb.LoginResult {
	return p.authenticate(ctx, identifier, kb.EventAuthLogin)
}

func (p *Plugin) SignUp(ctx context.Context, identifier string) *kb.SignUpResult {
	return p.authenticate(ctx, identifier, kb.EventAuthSignup)
}

func (p *Plugin) authenticate(ctx context.Context, identifier string, event kb.EventName) (res *kb.AuthResult) {
	defer func() {
		if r := recover(); r != nil {
			res = kb.FailedResult(kb.MethodOAuth, kb.PanicError("oauth "+string(event), r))
		}
	}()
	core, err := kb.RequireInitialized(&p.Lifecycle)
	if err != nil {
		return kb.FailedResult(kb.MethodOAuth, err)
	}
	if err := core.Allow(kb.MethodOAuth, identifier); err != nil {
		return kb.FailedResult(kb.MethodOAuth, err)
	}
	cred, err := p.CreateSigningCredential(ctx, identifier)
	if err != nil {
		return kb.FailedResult(kb.MethodOAuth, err)
	}
	res = core.CompleteAuth(ctx, cred, event)
	if !res.Success {
		core.Cache.Delete(identifier)
	}
	return res
}

// CreateAuthenticator returns a liveness check for identifier: each call
// refreshes the stored grant with the provider, confirms it still resolves
// to identifier and returns an HMAC over the payload.
func (p *Plugin) CreateAuthenticator(identifier string) (kb.AuthenticatorFunc, error) {
	if _, err := kb.RequireInitialized(&p.Lifecycle); err != nil {
		return nil, err
	}
	if err := p.ValidateIdentifier(identifier); err != nil {
		return nil, err
	}
	key := strings.ToLower(strings.TrimSpace(identifier))
	return func(ctx context.Context, payload any) (string, error) {
		data, err := json.Marshal(payload)
		if err != nil {
			return "", kb.NewAuthError(kb.KindValidation, "invalid_payload", "payload is not serializable", err)
		}
		p.mu.Lock()
		g, ok := p.grants[key]
		p.mu.Unlock()
		if !ok {
			return "", kb.NewAuthError(kb.KindAuthentication, kb.ErrCodeSignatureFailed, "no oauth grant on file for "+identifier, nil)
		}
		prov := p.providers[g.provider]
		token, err := prov.OAuthConfig.TokenSource(prov.exchangeContext(ctx), g.token).Token()
		if err != nil {
			return "", kb.NewAuthError(kb.KindAuthentication, kb.ErrCodeSignatureFailed, "oauth grant is no longer valid", err)
		}
		ident, err := prov.Resolve(prov.exchangeContext(ctx), token)
		if err != nil {
			return "", kb.NewAuthError(kb.KindAuthentication, kb.ErrCodeSignatureFailed, "could not resolve oauth account", err)
		}
		if !strings.EqualFold(ident.Identifier(), identifier) {
			return "", kb.NewAuthError(kb.KindSecurity, kb.ErrCodeIdentityMismatch,
				fmt.Sprintf("oauth grant now resolves to %s, not %s", ident.Identifier(), identifier), nil)
		}
		p.mu.Lock()
		p.grants[key] = grant{provider: g.provider, token: token}
		p.mu.Unlock()

		mac := hmac.New(sha256.New, p.secret)
		mac.Write([]byte(key))
		mac.Write([]byte{0})
		mac.Write(data)
		return hex.EncodeToString(mac.Sum(nil)), nil
	}, nil
}

func (p *Plugin) CreateDerivedKeyPair(ctx context.Context, identifier string, extra ...string) (*kb.DerivedKeyPair, error) {
	core, err := kb.RequireInitialized(&p.Lifecycle)
	if err != nil {
		return nil, err
	}
	cred, ok := core.Credentials.Get(identifier)
	if !ok {
		if cred, err = p.CreateSigningCredential(ctx, identifier); err != nil {
			return nil, err
		}
	}
	return cred.KeyPair(extra...)
}

func (p *Plugin) VerifyConsistency(identifier, expectedPub string) (*kb.ConsistencyResult, error) {
	core, err := kb.RequireInitialized(&p.Lifecycle)
	if err != nil {
		return nil, err
	}
	return kb.VerifyConsistency(core.Credentials, identifier, expectedPub)
}

// SetupConsistentOneshotSigning binds identifier from a recent authorization,
// returns its authenticator and confirms the bound identity matches.
func (p *Plugin) SetupConsistentOneshotSigning(ctx context.Context, identifier string) (res *kb.OneshotResult) {
	defer func() {
		if r := recover(); r != nil {
			res = kb.FailedOneshot(kb.PanicError("oauth oneshot", r))
		}
	}()
	core, err := kb.RequireInitialized(&p.Lifecycle)
	if err != nil {
		return kb.FailedOneshot(err)
	}
	cred, err := p.CreateSigningCredential(ctx, identifier)
	if err != nil {
		return kb.FailedOneshot(err)
	}
	pub, err := core.Binder.BindCredential(ctx, cred)
	if err != nil {
		core.Cache.Delete(identifier)
		return kb.FailedOneshot(err)
	}
	auth, err := p.CreateAuthenticator(identifier)
	if err != nil {
		return kb.FailedOneshot(err)
	}
	check, err := kb.VerifyConsistency(core.Credentials, identifier, pub)
	if err != nil {
		return kb.FailedOneshot(err)
	}
	if !check.Consistent {
		res = kb.FailedOneshot(kb.NewAuthError(kb.KindSecurity, kb.ErrCodeIdentityMismatch, "bound identity does not match derived keys", nil))
		res.Consistency = check
		return res
	}
	return &kb.OneshotResult{Success: true, Credential: cred, IdentityPub: pub, Authenticator: auth, Consistency: check}
}
