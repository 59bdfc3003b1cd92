package server

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	kb "github.com/panyam/keybridge"
	"github.com/panyam/keybridge/internal/logger"
)

type identityKey struct{}

// Identity is the caller behind a verified session token.
type Identity struct {
	IdentityPub string    `json:"identityPub"`
	Username    string    `json:"username"`
	Method      kb.Method `json:"method"`
}

// Middleware finds the session token on a request, either in the
// Authorization header, the auth cookie or the server side session.
type Middleware struct {
	AuthTokenHeaderName string
	AuthTokenCookieName string
	CallbackURLParam    string

	// SessionToken returns the token held in the server side session, if any.
	SessionToken func(r *http.Request) string

	// GetRedirURL, when set, sends unauthenticated browsers to a login page
	// instead of answering 401.
	GetRedirURL func(r *http.Request) string

	VerifyToken func(token string) (*kb.SessionClaims, error)
}

func (m *Middleware) EnsureReasonableDefaults() {
	if m.AuthTokenHeaderName == "" {
		m.AuthTokenHeaderName = "Authorization"
	}
	if m.CallbackURLParam == "" {
		m.CallbackURLParam = "callbackURL"
	}
	if m.VerifyToken == nil {
		// nothing to check bindings against, so every token is refused
		m.VerifyToken = func(token string) (*kb.SessionClaims, error) {
			return nil, kb.ErrNoBindingCheck
		}
	}
}

// IdentityFromRequest returns the identity set by ExtractIdentity or
// RequireSession, or nil.
func IdentityFromRequest(r *http.Request) *Identity {
	id, _ := r.Context().Value(identityKey{}).(*Identity)
	return id
}

func (m *Middleware) candidateTokens(r *http.Request) []string {
	var tokens []string
	if m.SessionToken != nil {
		if tok := m.SessionToken(r); tok != "" {
			tokens = append(tokens, tok)
		}
	}
	for _, h := range r.Header.Values(m.AuthTokenHeaderName) {
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			tokens = append(tokens, strings.TrimSpace(h[7:]))
		}
	}
	if m.AuthTokenCookieName != "" {
		for _, cookie := range r.CookiesNamed(m.AuthTokenCookieName) {
			if cookie.Value != "" {
				tokens = append(tokens, cookie.Value)
			}
		}
	}
	return tokens
}

// identity returns the first verifiable identity on r.
func (m *Middleware) identity(r *http.Request) *Identity {
	for _, token := range m.candidateTokens(r) {
		claims, err := m.VerifyToken(token)
		if err != nil {
			logger.Log.Debug("error verifying session token", zap.Error(err))
			continue
		}
		return &Identity{IdentityPub: claims.Subject, Username: claims.Username, Method: claims.Method}
	}
	return nil
}

func withIdentity(r *http.Request, id *Identity) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), identityKey{}, id))
}

// ExtractIdentity loads the caller's identity, if any, without enforcing one.
func (m *Middleware) ExtractIdentity(next http.Handler) http.Handler {
	m.EnsureReasonableDefaults()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := m.identity(r); id != nil {
			r = withIdentity(r, id)
		}
		next.ServeHTTP(w, r)
	})
}

// RequireSession rejects requests without a valid session token.
func (m *Middleware) RequireSession(next http.Handler) http.Handler {
	m.EnsureReasonableDefaults()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := m.identity(r)
		if id == nil {
			redirURL := ""
			if m.GetRedirURL != nil {
				redirURL = m.GetRedirURL(r)
			}
			if redirURL != "" {
				encoded := strings.ReplaceAll(url.QueryEscape(r.URL.Path), "+", "%20")
				http.Redirect(w, r, fmt.Sprintf("%s?%s=%s", redirURL, m.CallbackURLParam, encoded), http.StatusFound)
				return
			}
			writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "error": "authentication required"})
			return
		}
		next.ServeHTTP(w, withIdentity(r, id))
	})
}
