package grpc

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/panyam/keybridge/internal/logger"
)

// InterceptorConfig configures the auth interceptor behavior.
type InterceptorConfig struct {
	// Config holds the metadata key configuration.
	*Config

	// RequireAuth when true rejects unauthenticated requests.
	// When false, requests proceed but IdentityFromContext returns nil.
	RequireAuth bool

	// PublicMethods is a set of method names that don't require auth.
	// Only used when RequireAuth is true.
	// Keys should be full method names like "/package.Service/Method".
	PublicMethods map[string]bool
}

// DefaultInterceptorConfig returns a config that requires auth for all methods.
func DefaultInterceptorConfig() *InterceptorConfig {
	return &InterceptorConfig{
		Config:        DefaultConfig(),
		RequireAuth:   true,
		PublicMethods: make(map[string]bool),
	}
}

// NewPublicMethodsConfig creates a config with the specified public methods.
func NewPublicMethodsConfig(publicMethods ...string) *InterceptorConfig {
	config := DefaultInterceptorConfig()
	for _, method := range publicMethods {
		config.PublicMethods[method] = true
	}
	return config
}

// OptionalAuthConfig returns a config that allows unauthenticated requests.
func OptionalAuthConfig() *InterceptorConfig {
	config := DefaultInterceptorConfig()
	config.RequireAuth = false
	return config
}

func (config *InterceptorConfig) ensureDefaults() *InterceptorConfig {
	if config == nil {
		config = DefaultInterceptorConfig()
	}
	if config.Config == nil {
		config.Config = DefaultConfig()
	}
	config.Config.EnsureDefaults()
	return config
}

// authenticate verifies the session token in ctx, if any, and returns ctx
// carrying the identity. A present but invalid token is always rejected.
func (config *InterceptorConfig) authenticate(ctx context.Context, method string) (context.Context, error) {
	token := tokenFromIncoming(ctx, config.MetadataKeyAuthorization)
	if token == "" {
		if config.RequireAuth && !config.PublicMethods[method] {
			return nil, status.Error(codes.Unauthenticated, "authentication required")
		}
		return ctx, nil
	}
	claims, err := config.VerifyToken(token)
	if err != nil {
		logger.Log.Debug("rejected session token", zap.String("method", method), zap.Error(err))
		return nil, status.Error(codes.Unauthenticated, "invalid session token")
	}
	return WithIdentity(ctx, &Identity{
		IdentityPub: claims.Subject,
		Username:    claims.Username,
		Method:      claims.Method,
	}), nil
}

// UnaryAuthInterceptor returns a gRPC unary interceptor that verifies session tokens.
func UnaryAuthInterceptor(config *InterceptorConfig) grpc.UnaryServerInterceptor {
	config = config.ensureDefaults()
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := config.authenticate(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

type authStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authStream) Context() context.Context { return s.ctx }

// StreamAuthInterceptor returns a gRPC stream interceptor that verifies session tokens.
func StreamAuthInterceptor(config *InterceptorConfig) grpc.StreamServerInterceptor {
	config = config.ensureDefaults()
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := config.authenticate(ss.Context(), info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &authStream{ServerStream: ss, ctx: ctx})
	}
}
