package keybridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/panyam/keybridge/internal/logger"
)

// Signer is a handle on an external signer bound to one account.
type Signer interface {
	// Address returns the account identifier the signer currently answers for
	// (wallet address, public key, credential id).
	Address(ctx context.Context) (string, error)

	// SignMessage asks the external party to sign message.
	SignMessage(ctx context.Context, message string) (string, error)
}

// Provider is an external signer provider, the thing a wallet extension or
// authenticator bridge exposes before an account is chosen.
type Provider interface {
	// RequestAccounts asks the provider for account access.
	RequestAccounts(ctx context.Context) ([]string, error)

	// Signer returns a handle for the connected account.
	Signer(ctx context.Context) (Signer, error)
}

// IdentityRecoverer is implemented by signers whose signatures identify the
// signing account (e.g. recoverable ECDSA). The connector prefers it over
// asking the signer for its address again.
type IdentityRecoverer interface {
	RecoverIdentity(message, signature string) (string, error)
}

// Slot is a named place a provider may be registered under. Slots are probed in
// order and the first one holding a provider wins.
type Slot struct {
	Name     string
	Provider Provider
}

// ConnectorOptions tunes a Connector. Zero values take the Config defaults.
type ConnectorOptions struct {
	MaxRetries       int
	RetryDelay       time.Duration
	SignatureTimeout time.Duration

	// Message builds the message signed for credential derivation.
	Message func(identifier string) string

	// ValidateIdentifier rejects malformed identifiers before any prompt.
	ValidateIdentifier func(identifier string) error

	Cache   *SignatureCache
	Metrics *Metrics
}

// Connector finds an external signer, connects to it and requests signatures
// with a timeout.
type Connector struct {
	method Method
	slots  []Slot
	opts   ConnectorOptions

	mu       sync.Mutex
	provider Provider
	slotName string
	signer   Signer
	account  string
}

func NewConnector(method Method, slots []Slot, opts ConnectorOptions) *Connector {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	if opts.SignatureTimeout <= 0 {
		opts.SignatureTimeout = DefaultSignatureTimeout
	}
	if opts.Message == nil {
		opts.Message = func(identifier string) string {
			return fmt.Sprintf(DefaultMessageTemplate, normalizeIdentifier(identifier))
		}
	}
	return &Connector{method: method, slots: slots, opts: opts}
}

// Method returns the authentication method this connector serves.
func (c *Connector) Method() Method { return c.method }

// Detect returns the first slot holding a provider.
func (c *Connector) Detect() (Provider, string, error) {
	for _, slot := range c.slots {
		if slot.Provider != nil {
			return slot.Provider, slot.Name, nil
		}
	}
	return nil, "", NewAuthError(KindEnvironment, ErrCodeProviderUnavailable,
		fmt.Sprintf("no %s provider found", c.method), nil)
}

// Available reports whether any slot holds a provider.
func (c *Connector) Available() bool {
	_, _, err := c.Detect()
	return err == nil
}

// Connect requests account access and obtains a signer handle, retrying up to
// MaxRetries times with a linearly growing delay. It returns the connected
// account identifier.
func (c *Connector) Connect(ctx context.Context) (string, error) {
	provider, slotName, err := c.Detect()
	if err != nil {
		return "", err
	}

	if _, err := provider.RequestAccounts(ctx); err != nil {
		c.opts.Metrics.connectAttempt(string(c.method), "rejected")
		return "", NewAuthError(KindEnvironment, ErrCodeProviderUnavailable, "account access was not granted", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxRetries; attempt++ {
		signer, account, err := c.obtainSigner(ctx, provider)
		if err == nil {
			c.mu.Lock()
			c.provider, c.slotName, c.signer, c.account = provider, slotName, signer, account
			c.mu.Unlock()
			c.opts.Metrics.connectAttempt(string(c.method), "connected")
			logger.Log.Debug("signer connected",
				zap.String("method", string(c.method)),
				zap.String("slot", slotName),
				zap.Int("attempt", attempt))
			return account, nil
		}
		lastErr = err
		c.opts.Metrics.connectAttempt(string(c.method), "failed")
		logger.Log.Warn("signer connection attempt failed",
			zap.String("method", string(c.method)),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", c.opts.MaxRetries),
			zap.Error(err))

		if attempt < c.opts.MaxRetries {
			if err := sleepContext(ctx, c.opts.RetryDelay*time.Duration(attempt)); err != nil {
				return "", NewAuthError(KindTimeout, ErrCodeTimeout, "connection cancelled", err)
			}
		}
	}
	return "", NewAuthError(KindEnvironment, ErrCodeProviderUnavailable,
		fmt.Sprintf("could not obtain a %s signer after %d attempts", c.method, c.opts.MaxRetries), lastErr)
}

func (c *Connector) obtainSigner(ctx context.Context, provider Provider) (Signer, string, error) {
	signer, err := provider.Signer(ctx)
	if err != nil {
		return nil, "", err
	}
	if signer == nil {
		return nil, "", errors.New("provider returned no signer")
	}
	account, err := signer.Address(ctx)
	if err != nil {
		return nil, "", err
	}
	account = strings.TrimSpace(account)
	if account == "" {
		return nil, "", errors.New("signer returned an empty address")
	}
	return signer, account, nil
}

// Account returns the identifier of the connected account, if any.
func (c *Connector) Account() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.account
}

// Disconnect drops the signer handle. The next request connects again.
func (c *Connector) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.provider, c.slotName, c.signer, c.account = nil, "", nil, ""
}

func (c *Connector) connectedSigner(ctx context.Context) (Signer, error) {
	c.mu.Lock()
	signer := c.signer
	c.mu.Unlock()
	if signer != nil {
		return signer, nil
	}
	if _, err := c.Connect(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signer, nil
}

// ValidateIdentifier checks identifier is present and well formed for this method.
func (c *Connector) ValidateIdentifier(identifier string) error {
	if strings.TrimSpace(identifier) == "" {
		return NewAuthError(KindValidation, ErrCodeInvalidIdentifier, "identifier is required", nil)
	}
	if c.opts.ValidateIdentifier != nil {
		if err := c.opts.ValidateIdentifier(identifier); err != nil {
			return NewAuthError(KindValidation, ErrCodeInvalidIdentifier, "malformed identifier", err)
		}
	}
	return nil
}

// RequestSignature asks the connected signer to sign message, bounded by the
// signature timeout. After signing, the identity behind the signature is
// derived again and must match identifier; a signer answering for another
// account is a hard failure and never retried.
func (c *Connector) RequestSignature(ctx context.Context, identifier, message string) (string, error) {
	if err := c.ValidateIdentifier(identifier); err != nil {
		return "", err
	}
	signer, err := c.connectedSigner(ctx)
	if err != nil {
		return "", err
	}

	sig, err := raceTimeout(ctx, c.opts.SignatureTimeout, "signature request", func(ctx context.Context) (string, error) {
		return signer.SignMessage(ctx, message)
	})
	if err != nil {
		var ae *AuthError
		if errors.As(err, &ae) {
			return "", err
		}
		return "", NewAuthError(KindAuthentication, ErrCodeSignatureFailed, "signer refused to sign", err)
	}
	if sig == "" {
		return "", NewAuthError(KindAuthentication, ErrCodeSignatureFailed, "signer returned an empty signature", nil)
	}

	actual, err := c.signingIdentity(ctx, signer, message, sig)
	if err != nil {
		return "", NewAuthError(KindSecurity, ErrCodeIdentityMismatch, "could not determine signing identity", err)
	}
	if !strings.EqualFold(strings.TrimSpace(actual), strings.TrimSpace(identifier)) {
		logger.Log.Warn("signer identity mismatch",
			zap.String("method", string(c.method)),
			zap.String("requested", identifier),
			zap.String("actual", actual))
		return "", NewAuthError(KindSecurity, ErrCodeIdentityMismatch,
			fmt.Sprintf("signature was produced by %s, not %s", actual, identifier), nil)
	}
	return sig, nil
}

func (c *Connector) signingIdentity(ctx context.Context, signer Signer, message, sig string) (string, error) {
	if r, ok := signer.(IdentityRecoverer); ok {
		return r.RecoverIdentity(message, sig)
	}
	return signer.Address(ctx)
}

// AuthMessage returns the deterministic message signed for identifier.
func (c *Connector) AuthMessage(identifier string) string {
	return c.opts.Message(identifier)
}

// Signature returns a signature over the auth message for identifier, reusing
// a cached one while it is still fresh.
func (c *Connector) Signature(ctx context.Context, identifier string) (signature, message string, err error) {
	if err := c.ValidateIdentifier(identifier); err != nil {
		return "", "", err
	}
	message = c.AuthMessage(identifier)
	if c.opts.Cache != nil {
		if sig, ok := c.opts.Cache.Get(identifier); ok {
			return sig, message, nil
		}
	}
	sig, err := c.RequestSignature(ctx, identifier, message)
	if err != nil {
		return "", "", err
	}
	if c.opts.Cache != nil {
		c.opts.Cache.Put(identifier, sig)
	}
	return sig, message, nil
}

// ForgetSignature evicts the cached signature for identifier.
func (c *Connector) ForgetSignature(identifier string) {
	if c.opts.Cache != nil {
		c.opts.Cache.Delete(identifier)
	}
}
