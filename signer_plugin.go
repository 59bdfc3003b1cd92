package keybridge

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/panyam/keybridge/internal/logger"
)

// SignerPluginOptions describes one signer-backed authentication method.
type SignerPluginOptions struct {
	Name     string
	Version  string
	Method   Method
	Category Category

	// Slots lists where providers for this method may be found, in probe order.
	// It is called on Initialize.
	Slots func() []Slot

	// ValidateIdentifier rejects malformed identifiers for this method.
	ValidateIdentifier func(identifier string) error
}

// SignerPlugin implements login, signup and the credential operations for
// any method whose proof is a signature over the auth message: wallets,
// passkeys and relay extensions.
type SignerPlugin struct {
	Lifecycle
	opts SignerPluginOptions

	mu        sync.RWMutex
	connector *Connector
}

func NewSignerPlugin(opts SignerPluginOptions) *SignerPlugin {
	if opts.Name == "" {
		opts.Name = string(opts.Method)
	}
	if opts.Version == "" {
		opts.Version = "1.0.0"
	}
	if opts.Category == "" {
		opts.Category = CategoryAuthentication
	}
	return &SignerPlugin{opts: opts}
}

func (p *SignerPlugin) Name() string       { return p.opts.Name }
func (p *SignerPlugin) Version() string    { return p.opts.Version }
func (p *SignerPlugin) Category() Category { return p.opts.Category }
func (p *SignerPlugin) Method() Method     { return p.opts.Method }

func (p *SignerPlugin) Initialize(core *KeyBridge) error {
	if !p.MarkInitialized(p.opts.Name, core) {
		return nil
	}
	var slots []Slot
	if p.opts.Slots != nil {
		slots = p.opts.Slots()
	}
	copts := core.ConnectorOptions()
	copts.ValidateIdentifier = p.opts.ValidateIdentifier
	conn := NewConnector(p.opts.Method, slots, copts)

	p.mu.Lock()
	p.connector = conn
	p.mu.Unlock()
	if !conn.Available() {
		logger.Log.Warn("no provider detected; operations will fail until one is available",
			zap.String("plugin", p.opts.Name))
	}
	return nil
}

func (p *SignerPlugin) Destroy() {
	p.mu.Lock()
	conn := p.connector
	p.connector = nil
	p.mu.Unlock()
	if conn != nil {
		conn.Disconnect()
	}
	p.MarkDestroyed(PluginEvent{Name: p.opts.Name, Version: p.opts.Version, Category: p.opts.Category})
}

// Connector returns the plugin's connector once initialized.
func (p *SignerPlugin) Connector() (*Connector, error) {
	if _, err := RequireInitialized(&p.Lifecycle); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.connector == nil {
		return nil, ErrNotInitialized
	}
	return p.connector, nil
}

func (p *SignerPlugin) ready() (*KeyBridge, *Connector, error) {
	core, err := RequireInitialized(&p.Lifecycle)
	if err != nil {
		return nil, nil, err
	}
	conn, err := p.Connector()
	if err != nil {
		return nil, nil, err
	}
	return core, conn, nil
}

// CreateSigningCredential obtains a signature for identifier (cached when
// fresh), derives the storage credential from it and files it in the registry.
func (p *SignerPlugin) CreateSigningCredential(ctx context.Context, identifier string) (cred *SigningCredential, err error) {
	defer recoverInto(p.opts.Name+" create signing credential", &err)
	core, conn, err := p.ready()
	if err != nil {
		return nil, err
	}
	sig, message, err := conn.Signature(ctx, identifier)
	if err != nil {
		return nil, err
	}
	cred, err = NewSigningCredential(p.opts.Method, identifier, sig, message)
	if err != nil {
		conn.ForgetSignature(identifier)
		return nil, err
	}
	core.Credentials.Put(cred)
	return cred, nil
}

// Login derives credentials for identifier and binds them to an identity.
func (p *SignerPlugin) Login(ctx context.Context, identifier string) *LoginResult {
	return p.authenticate(ctx, identifier, EventAuthLogin)
}

// SignUp is Login for a first-time user; it emits auth:signup instead.
func (p *SignerPlugin) SignUp(ctx context.Context, identifier string) *SignUpResult {
	return p.authenticate(ctx, identifier, EventAuthSignup)
}

func (p *SignerPlugin) authenticate(ctx context.Context, identifier string, event EventName) (res *AuthResult) {
	defer func() {
		if r := recover(); r != nil {
			res = FailedResult(p.opts.Method, PanicError(p.opts.Name+" "+string(event), r))
		}
	}()
	core, conn, err := p.ready()
	if err != nil {
		return FailedResult(p.opts.Method, err)
	}
	if err := core.Allow(p.opts.Method, identifier); err != nil {
		core.Metrics.login(string(p.opts.Method), operationName(event), false)
		return FailedResult(p.opts.Method, err)
	}
	cred, err := p.CreateSigningCredential(ctx, identifier)
	if err != nil {
		core.Metrics.login(string(p.opts.Method), operationName(event), false)
		logger.Log.Info("credential derivation failed",
			zap.String("method", string(p.opts.Method)),
			zap.String("identifier", identifier),
			zap.Error(err))
		return FailedResult(p.opts.Method, err)
	}
	res = core.CompleteAuth(ctx, cred, event)
	if !res.Success {
		// a signature that could not be bound must not be replayed from cache
		conn.ForgetSignature(identifier)
	}
	return res
}

// CreateAuthenticator returns a liveness-checking signer bound to identifier.
func (p *SignerPlugin) CreateAuthenticator(identifier string) (AuthenticatorFunc, error) {
	_, conn, err := p.ready()
	if err != nil {
		return nil, err
	}
	return NewAuthenticator(conn, identifier)
}

// CreateDerivedKeyPair returns the key pair for identifier, deriving a
// credential first when none is on file.
func (p *SignerPlugin) CreateDerivedKeyPair(ctx context.Context, identifier string, extra ...string) (*DerivedKeyPair, error) {
	core, _, err := p.ready()
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

// VerifyConsistency checks the credential on file for identifier still
// derives expectedPub.
func (p *SignerPlugin) VerifyConsistency(identifier, expectedPub string) (*ConsistencyResult, error) {
	core, _, err := p.ready()
	if err != nil {
		return nil, err
	}
	return VerifyConsistency(core.Credentials, identifier, expectedPub)
}

// SetupConsistentOneshotSigning derives and binds credentials for identifier
// in one call, returns an authenticator for it and confirms the bound
// identity is the one the credential derives.
func (p *SignerPlugin) SetupConsistentOneshotSigning(ctx context.Context, identifier string) (res *OneshotResult) {
	defer func() {
		if r := recover(); r != nil {
			res = FailedOneshot(PanicError(p.opts.Name+" oneshot", r))
		}
	}()
	core, conn, err := p.ready()
	if err != nil {
		return FailedOneshot(err)
	}
	cred, err := p.CreateSigningCredential(ctx, identifier)
	if err != nil {
		return FailedOneshot(err)
	}
	pub, err := core.Binder.BindCredential(ctx, cred)
	if err != nil {
		conn.ForgetSignature(identifier)
		return FailedOneshot(err)
	}
	auth, err := NewAuthenticator(conn, identifier)
	if err != nil {
		return FailedOneshot(err)
	}
	check, err := VerifyConsistency(core.Credentials, identifier, pub)
	if err != nil {
		return FailedOneshot(err)
	}
	if !check.Consistent {
		err := NewAuthError(KindSecurity, ErrCodeIdentityMismatch, "bound identity does not match derived keys", nil)
		res = FailedOneshot(err)
		res.Consistency = check
		return res
	}
	return &OneshotResult{
		Success:       true,
		Credential:    cred,
		IdentityPub:   pub,
		Authenticator: auth,
		Consistency:   check,
	}
}

// CompleteAuth binds cred, records the outcome and emits event on success.
// Method plugins that derive their credential outside a Connector finish
// through here.
func (k *KeyBridge) CompleteAuth(ctx context.Context, cred *SigningCredential, event EventName) *AuthResult {
	op := operationName(event)
	pub, err := k.Binder.BindCredential(ctx, cred)
	if err != nil {
		k.Metrics.login(string(cred.Method), op, false)
		logger.Log.Info("identity bind failed",
			zap.String("method", string(cred.Method)),
			zap.String("identifier", cred.Identifier),
			zap.Error(err))
		return FailedResult(cred.Method, err)
	}
	k.Metrics.login(string(cred.Method), op, true)
	k.Events.Emit(event, AuthEvent{IdentityPub: pub, Username: cred.Username, Method: cred.Method})
	return &AuthResult{Success: true, IdentityPub: pub, Username: cred.Username, Method: cred.Method}
}

func operationName(event EventName) string {
	if event == EventAuthSignup {
		return "signup"
	}
	return "login"
}
