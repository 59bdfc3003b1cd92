package grpc

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	kb "github.com/panyam/keybridge"
	"github.com/panyam/keybridge/stores"
)

func issueToken(t *testing.T, ttl time.Duration) (string, *kb.DerivedKeyPair) {
	t.Helper()
	pair, err := kb.DeriveKeyPair("grpc-test-password")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	token, err := kb.IssueSessionToken(pair, "keybridge-test", "0xabc", kb.MethodWallet, ttl)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return token, pair
}

// boundTo accepts tokens for pub only.
func boundTo(pub string) *InterceptorConfig {
	config := DefaultInterceptorConfig()
	config.Config = &Config{IsBound: func(p string) bool { return p == pub }}
	return config
}

func incoming(token string) context.Context {
	md := metadata.Pairs(DefaultMetadataKeyAuthorization, "Bearer "+token)
	return metadata.NewIncomingContext(context.Background(), md)
}

func expectUnauthenticated(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error for unauthenticated request")
	}
	st, ok := status.FromError(err)
	if !ok {
		t.Fatalf("expected grpc status error, got %v", err)
	}
	if st.Code() != codes.Unauthenticated {
		t.Errorf("expected Unauthenticated code, got %v", st.Code())
	}
}

func TestDefaultInterceptorConfig(t *testing.T) {
	config := DefaultInterceptorConfig()
	if !config.RequireAuth {
		t.Error("expected RequireAuth to be true by default")
	}
	if config.PublicMethods == nil {
		t.Error("expected PublicMethods to be initialized")
	}
	if config.Config == nil || config.VerifyToken == nil {
		t.Error("expected Config to be initialized")
	}
}

func TestNewPublicMethodsConfig(t *testing.T) {
	config := NewPublicMethodsConfig("/pkg.Svc/Method1", "/pkg.Svc/Method2")
	if !config.RequireAuth {
		t.Error("expected RequireAuth to be true")
	}
	if !config.PublicMethods["/pkg.Svc/Method1"] || !config.PublicMethods["/pkg.Svc/Method2"] {
		t.Error("expected Method1 and Method2 to be public")
	}
	if config.PublicMethods["/pkg.Svc/Method3"] {
		t.Error("expected Method3 to not be public")
	}
}

func TestOptionalAuthConfig(t *testing.T) {
	if OptionalAuthConfig().RequireAuth {
		t.Error("expected RequireAuth to be false")
	}
}

func TestUnaryAuthInterceptor_RequireAuth_NoToken(t *testing.T) {
	interceptor := UnaryAuthInterceptor(nil)
	info := &grpc.UnaryServerInfo{FullMethod: "/pkg.Svc/Method"}

	_, err := interceptor(context.Background(), nil, info, func(ctx context.Context, req any) (any, error) {
		t.Error("handler should not be called")
		return nil, nil
	})
	expectUnauthenticated(t, err)
}

func TestUnaryAuthInterceptor_ValidToken(t *testing.T) {
	token, pair := issueToken(t, time.Hour)
	interceptor := UnaryAuthInterceptor(boundTo(pair.Pub))
	info := &grpc.UnaryServerInfo{FullMethod: "/pkg.Svc/Method"}

	var got *Identity
	_, err := interceptor(incoming(token), nil, info, func(ctx context.Context, req any) (any, error) {
		got = IdentityFromContext(ctx)
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil {
		t.Fatal("expected identity in handler context")
	}
	if got.IdentityPub != pair.Pub {
		t.Errorf("expected identity %s, got %s", pair.Pub, got.IdentityPub)
	}
	if got.Username != "0xabc" || got.Method != kb.MethodWallet {
		t.Errorf("unexpected claims: %+v", got)
	}
}

func TestUnaryAuthInterceptor_InvalidToken(t *testing.T) {
	interceptor := OptionalAuthConfig()
	unary := UnaryAuthInterceptor(interceptor)
	info := &grpc.UnaryServerInfo{FullMethod: "/pkg.Svc/Method"}

	_, err := unary(incoming("not-a-token"), nil, info, func(ctx context.Context, req any) (any, error) {
		t.Error("handler should not be called")
		return nil, nil
	})
	expectUnauthenticated(t, err)
}

func TestUnaryAuthInterceptor_ExpiredToken(t *testing.T) {
	_, pair := issueToken(t, time.Hour)
	key, err := pair.SigningKey()
	if err != nil {
		t.Fatalf("signing key: %v", err)
	}
	past := time.Now().Add(-time.Hour)
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, kb.SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   pair.Pub,
			IssuedAt:  jwt.NewNumericDate(past),
			ExpiresAt: jwt.NewNumericDate(past.Add(time.Minute)),
		},
	}).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	unary := UnaryAuthInterceptor(boundTo(pair.Pub))
	info := &grpc.UnaryServerInfo{FullMethod: "/pkg.Svc/Method"}

	_, err = unary(incoming(token), nil, info, func(ctx context.Context, req any) (any, error) {
		t.Error("handler should not be called")
		return nil, nil
	})
	expectUnauthenticated(t, err)
}

func TestUnaryAuthInterceptor_UnboundIdentity(t *testing.T) {
	token, _ := issueToken(t, time.Hour)
	config := DefaultInterceptorConfig()
	config.Config = &Config{IsBound: func(string) bool { return false }}
	unary := UnaryAuthInterceptor(config)
	info := &grpc.UnaryServerInfo{FullMethod: "/pkg.Svc/Method"}

	_, err := unary(incoming(token), nil, info, func(ctx context.Context, req any) (any, error) {
		t.Error("handler should not be called")
		return nil, nil
	})
	expectUnauthenticated(t, err)
}

func TestUnaryAuthInterceptor_NoBindingCheck(t *testing.T) {
	// a well-formed token signed by any key is refused when nothing can
	// confirm the identity belongs to an account
	token, _ := issueToken(t, time.Hour)
	unary := UnaryAuthInterceptor(nil)
	info := &grpc.UnaryServerInfo{FullMethod: "/pkg.Svc/Method"}

	_, err := unary(incoming(token), nil, info, func(ctx context.Context, req any) (any, error) {
		t.Error("handler should not be called")
		return nil, nil
	})
	expectUnauthenticated(t, err)
}

func TestUnaryAuthInterceptor_CoreBinding(t *testing.T) {
	token, pair := issueToken(t, time.Hour)
	store := stores.NewMemoryUserStore()
	core := kb.New("GrpcTest", store)
	defer core.Close()

	unary := UnaryAuthInterceptor(&InterceptorConfig{Config: NewConfig(core), RequireAuth: true})
	info := &grpc.UnaryServerInfo{FullMethod: "/pkg.Svc/Method"}
	handler := func(ctx context.Context, req any) (any, error) { return "ok", nil }

	_, err := unary(incoming(token), nil, info, handler)
	expectUnauthenticated(t, err)

	if err := store.Create(context.Background(), "0xabc", "pw", pair.PublicKeys()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := unary(incoming(token), nil, info, handler); err != nil {
		t.Errorf("expected bound identity to pass, got %v", err)
	}
}

func TestUnaryAuthInterceptor_PublicMethod(t *testing.T) {
	unary := UnaryAuthInterceptor(NewPublicMethodsConfig("/pkg.Svc/Public"))
	info := &grpc.UnaryServerInfo{FullMethod: "/pkg.Svc/Public"}

	called := false
	_, err := unary(context.Background(), nil, info, func(ctx context.Context, req any) (any, error) {
		called = true
		if IsAuthenticated(ctx) {
			t.Error("expected no identity on a public call without a token")
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected handler to be called")
	}
}

func TestUnaryAuthInterceptor_OptionalAuth(t *testing.T) {
	unary := UnaryAuthInterceptor(OptionalAuthConfig())
	info := &grpc.UnaryServerInfo{FullMethod: "/pkg.Svc/Method"}

	_, err := unary(context.Background(), nil, info, func(ctx context.Context, req any) (any, error) {
		if IdentityPubFromContext(ctx) != "" {
			t.Error("expected empty identity")
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

type mockServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (m *mockServerStream) Context() context.Context { return m.ctx }

func TestStreamAuthInterceptor(t *testing.T) {
	token, pair := issueToken(t, time.Hour)
	stream := StreamAuthInterceptor(boundTo(pair.Pub))
	info := &grpc.StreamServerInfo{FullMethod: "/pkg.Svc/Stream"}

	err := stream(nil, &mockServerStream{ctx: context.Background()}, info, func(srv any, ss grpc.ServerStream) error {
		t.Error("handler should not be called")
		return nil
	})
	expectUnauthenticated(t, err)

	var got string
	err = stream(nil, &mockServerStream{ctx: incoming(token)}, info, func(srv any, ss grpc.ServerStream) error {
		got = IdentityPubFromContext(ss.Context())
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != pair.Pub {
		t.Errorf("expected identity %s, got %s", pair.Pub, got)
	}
}

func TestTokenToOutgoingContext(t *testing.T) {
	ctx := TokenToOutgoingContext(context.Background(), "abc")
	md, ok := metadata.FromOutgoingContext(ctx)
	if !ok {
		t.Fatal("expected outgoing metadata")
	}
	vals := md.Get(DefaultMetadataKeyAuthorization)
	if len(vals) != 1 || vals[0] != "Bearer abc" {
		t.Errorf("unexpected metadata: %v", vals)
	}

	// lowercase scheme is accepted on the way in
	in := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "bearer xyz"))
	if tok := tokenFromIncoming(in, DefaultMetadataKeyAuthorization); tok != "xyz" {
		t.Errorf("expected xyz, got %q", tok)
	}
}
