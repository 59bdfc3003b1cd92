package keybridge

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/panyam/keybridge/internal/logger"
)

// IdentityBinder performs create-or-authenticate against a UserStore.
//
// Two binds for the same username may run at the same time; nothing here
// serializes them. Convergence on a single account relies on the store's
// Create failing for a username that already exists.
type IdentityBinder struct {
	Store      UserStore
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
	Registry   *CredentialRegistry
	Metrics    *Metrics
}

func NewIdentityBinder(store UserStore, cfg *Config) *IdentityBinder {
	if cfg == nil {
		cfg = (&Config{}).EnsureDefaults()
	}
	return &IdentityBinder{
		Store:      store,
		Timeout:    cfg.StoreTimeout,
		Retries:    cfg.AuthRetries,
		RetryDelay: cfg.AuthRetryDelay,
	}
}

// Bind makes sure an account for username exists and that password opens it,
// and returns the identity public key the store holds for it.
//
// A fresh account is created with the keys derived from password. An existing
// account is authenticated instead; if that keeps failing the result is an
// AccountConflict. Bind never falls back to a different password, since that
// would bind the identifier to a second, diverging identity.
func (b *IdentityBinder) Bind(ctx context.Context, username, password string) (string, error) {
	if b.Store == nil {
		return "", NewAuthError(KindEnvironment, ErrCodeBindFailed, "no identity store configured", nil)
	}
	if username == "" || password == "" {
		return "", NewAuthError(KindValidation, ErrCodeInvalidIdentifier, "username and password are required", nil)
	}
	pair, err := DeriveKeyPair(password)
	if err != nil {
		return "", err
	}

	_, err = raceTimeout(ctx, b.Timeout, "identity create", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, b.Store.Create(ctx, username, password, pair.PublicKeys())
	})
	switch {
	case err == nil:
		pub, err := b.authenticate(ctx, username, password)
		if err != nil {
			b.Metrics.bind("error")
			if isTimeout(err) {
				return "", err
			}
			return "", NewAuthError(KindAuthentication, ErrCodeBindFailed, "account created but authentication failed", err)
		}
		b.Metrics.bind("created")
		b.checkPub(username, pair.Pub, pub)
		return pub, nil

	case IsAlreadyExists(err):
		pub, err := b.authenticate(ctx, username, password)
		if err != nil {
			if isTimeout(err) {
				b.Metrics.bind("error")
				return "", err
			}
			b.Metrics.bind("conflict")
			logger.Log.Warn("account exists but credentials do not authenticate",
				zap.String("username", username), zap.Error(err))
			return "", NewAuthError(KindAccountConflict, ErrCodeAccountConflict,
				"account "+username+" exists but the derived credentials do not authenticate", err)
		}
		b.Metrics.bind("authenticated")
		b.checkPub(username, pair.Pub, pub)
		return pub, nil

	case isTimeout(err):
		b.Metrics.bind("error")
		return "", err

	default:
		b.Metrics.bind("error")
		return "", NewAuthError(KindAuthentication, ErrCodeBindFailed, "could not create account", err)
	}
}

// BindCredential binds cred and records the resulting identity on it and in
// the registry.
func (b *IdentityBinder) BindCredential(ctx context.Context, cred *SigningCredential) (string, error) {
	pub, err := b.Bind(ctx, cred.Username, cred.Password)
	if err != nil {
		return "", err
	}
	cred.BoundIdentityPub = pub
	if b.Registry != nil {
		b.Registry.AttachIdentity(cred.Identifier, pub)
	}
	return pub, nil
}

// authenticate tries once, then up to Retries more times, each preceded by a
// session reset and a short wait.
func (b *IdentityBinder) authenticate(ctx context.Context, username, password string) (string, error) {
	pub, err := b.authenticateOnce(ctx, username, password)
	if err == nil {
		return pub, nil
	}
	for attempt := 1; attempt <= b.Retries; attempt++ {
		if ctx.Err() != nil {
			break
		}
		logger.Log.Debug("retrying authentication",
			zap.String("username", username),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if _, lerr := raceTimeout(ctx, b.Timeout, "identity leave", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, b.Store.Leave(ctx)
		}); lerr != nil {
			logger.Log.Warn("session reset failed", zap.Error(lerr))
		}
		if serr := sleepContext(ctx, b.RetryDelay); serr != nil {
			break
		}
		if pub, err = b.authenticateOnce(ctx, username, password); err == nil {
			return pub, nil
		}
	}
	return "", err
}

func (b *IdentityBinder) authenticateOnce(ctx context.Context, username, password string) (string, error) {
	keys, err := raceTimeout(ctx, b.Timeout, "identity authenticate", func(ctx context.Context) (PublicKeys, error) {
		return b.Store.Authenticate(ctx, username, password)
	})
	if err != nil {
		return "", err
	}
	if keys.Pub == "" {
		return "", errors.New("store returned no identity key")
	}
	return keys.Pub, nil
}

func (b *IdentityBinder) checkPub(username, derived, bound string) {
	if derived != bound {
		logger.Log.Warn("bound identity differs from derived keys",
			zap.String("username", username),
			zap.String("derived_pub", derived),
			zap.String("bound_pub", bound))
	}
}

func isTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
