// Package grpc carries keybridge session identities into gRPC services.
// Clients send the session token as "authorization: Bearer <token>"
// metadata; the interceptors verify it and put the identity on the context.
package grpc

import (
	"context"
	"strings"

	"google.golang.org/grpc/metadata"

	kb "github.com/panyam/keybridge"
)

// Default metadata keys for authentication context.
const (
	// DefaultMetadataKeyAuthorization is the gRPC metadata key carrying the bearer session token
	DefaultMetadataKeyAuthorization = "authorization"

	bearerPrefix = "bearer "
)

// Config holds the metadata key configuration for auth context.
type Config struct {
	// MetadataKeyAuthorization is the gRPC metadata key for the session token.
	// Defaults to "authorization".
	MetadataKeyAuthorization string

	// VerifyToken checks a session token. Defaults to kb.VerifySessionToken
	// with IsBound.
	VerifyToken func(token string) (*kb.SessionClaims, error)

	// IsBound must accept the token's identity. While it is nil every token
	// is refused.
	IsBound func(identityPub string) bool
}

// NewConfig returns a config that trusts identities bound through core.
func NewConfig(core *kb.KeyBridge) *Config {
	c := &Config{IsBound: core.IsBound}
	c.EnsureDefaults()
	return c
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	c := &Config{}
	c.EnsureDefaults()
	return c
}

// EnsureDefaults fills in default values for any unset fields.
func (c *Config) EnsureDefaults() {
	if c.MetadataKeyAuthorization == "" {
		c.MetadataKeyAuthorization = DefaultMetadataKeyAuthorization
	}
	if c.VerifyToken == nil {
		c.VerifyToken = func(token string) (*kb.SessionClaims, error) {
			return kb.VerifySessionToken(token, c.IsBound)
		}
	}
}

// Identity is the authenticated caller.
type Identity struct {
	IdentityPub string
	Username    string
	Method      kb.Method
}

type identityKey struct{}

// WithIdentity returns ctx carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the authenticated identity, or nil.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// IdentityPubFromContext returns the authenticated identity public key, or "".
func IdentityPubFromContext(ctx context.Context) string {
	if id := IdentityFromContext(ctx); id != nil {
		return id.IdentityPub
	}
	return ""
}

// IsAuthenticated returns true if there is an authenticated identity in the context.
func IsAuthenticated(ctx context.Context) bool {
	return IdentityPubFromContext(ctx) != ""
}

// TokenToOutgoingContext adds the session token to outgoing gRPC metadata.
func TokenToOutgoingContext(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, DefaultMetadataKeyAuthorization, "Bearer "+token)
}

// tokenFromIncoming returns the bearer token in ctx metadata, or "".
func tokenFromIncoming(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, v := range md.Get(key) {
		if len(v) > len(bearerPrefix) && strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
			return strings.TrimSpace(v[len(bearerPrefix):])
		}
	}
	return ""
}
