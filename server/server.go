// Package server exposes a KeyBridge over HTTP. Every method plugin gets
// login, signup, oneshot and consistency routes, OAuth providers get
// start and callback redirects, and successful logins receive a session
// token held in an scs session and returned in the response body.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/gorilla/mux"

	kb "github.com/panyam/keybridge"
	"github.com/panyam/keybridge/oauth"
)

// MethodPlugin is what the per-method routes need from a registered plugin.
type MethodPlugin interface {
	kb.Plugin
	Login(ctx context.Context, identifier string) *kb.LoginResult
	SignUp(ctx context.Context, identifier string) *kb.SignUpResult
	SetupConsistentOneshotSigning(ctx context.Context, identifier string) *kb.OneshotResult
	VerifyConsistency(identifier, expectedPub string) (*kb.ConsistencyResult, error)
}

type Server struct {
	Core       *kb.KeyBridge
	Session    *scs.SessionManager
	Middleware Middleware

	// Name of the session variable and cookie holding the session token
	AuthTokenSessionVar string

	// Where the OAuth callback sends the browser when no callback URL was
	// remembered. Empty answers with JSON instead.
	DefaultRedirectURL string

	// IsBound must accept an identity before its token is trusted. Defaults
	// to Core.IsBound.
	IsBound func(identityPub string) bool

	router *mux.Router
}

func New(core *kb.KeyBridge) *Server {
	return (&Server{Core: core}).EnsureDefaults()
}

func (s *Server) EnsureDefaults() *Server {
	if s.Session == nil {
		s.Session = scs.New()
		s.Session.Lifetime = s.sessionTTL()
		s.Session.Cookie.HttpOnly = true
		s.Session.Cookie.SameSite = http.SameSiteLaxMode
	}
	if s.AuthTokenSessionVar == "" {
		s.AuthTokenSessionVar = s.appName() + "AuthToken"
	}
	if s.Middleware.AuthTokenCookieName == "" {
		s.Middleware.AuthTokenCookieName = s.AuthTokenSessionVar
	}
	if s.Middleware.SessionToken == nil {
		s.Middleware.SessionToken = func(r *http.Request) string {
			return s.Session.GetString(r.Context(), s.AuthTokenSessionVar)
		}
	}
	if s.Middleware.VerifyToken == nil {
		s.Middleware.VerifyToken = func(token string) (*kb.SessionClaims, error) {
			return kb.VerifySessionToken(token, s.isBound)
		}
	}
	s.Middleware.EnsureReasonableDefaults()
	return s
}

func (s *Server) isBound(identityPub string) bool {
	if s.IsBound != nil {
		return s.IsBound(identityPub)
	}
	return s.Core != nil && s.Core.IsBound(identityPub)
}

func (s *Server) appName() string {
	if s.Core != nil && s.Core.Config != nil {
		return s.Core.Config.AppName
	}
	return "KeyBridge"
}

func (s *Server) sessionTTL() time.Duration {
	if s.Core != nil && s.Core.Config != nil && s.Core.Config.SessionTTL > 0 {
		return s.Core.Config.SessionTTL
	}
	return kb.DefaultSessionTTL
}

// Handler returns the routes wrapped in session loading.
func (s *Server) Handler() http.Handler {
	return s.Session.LoadAndSave(s.Router())
}

// Router returns the route table, building it on first use.
func (s *Server) Router() *mux.Router {
	if s.router != nil {
		return s.router
	}
	r := mux.NewRouter()
	auth := r.PathPrefix("/auth").Subrouter()
	auth.HandleFunc("/logout", s.onLogout).Methods(http.MethodPost)
	auth.Handle("/me", s.Middleware.RequireSession(http.HandlerFunc(s.onMe))).Methods(http.MethodGet)
	auth.HandleFunc("/plugins", s.onPlugins).Methods(http.MethodGet)
	auth.HandleFunc("/oauth/{provider}/start", s.onOAuthStart).Methods(http.MethodGet)
	auth.HandleFunc("/oauth/{provider}/callback", s.onOAuthCallback).Methods(http.MethodGet)
	auth.HandleFunc("/{method}/login", s.onLogin(false)).Methods(http.MethodPost)
	auth.HandleFunc("/{method}/signup", s.onLogin(true)).Methods(http.MethodPost)
	auth.HandleFunc("/{method}/oneshot", s.onOneshot).Methods(http.MethodPost)
	auth.HandleFunc("/{method}/consistency", s.onConsistency).Methods(http.MethodGet)
	s.router = r
	return r
}

func (s *Server) methodPlugin(name string) (MethodPlugin, bool) {
	p, ok := s.Core.Plugin(name)
	if !ok {
		return nil, false
	}
	mp, ok := p.(MethodPlugin)
	return mp, ok
}

func (s *Server) oauthPlugin() (*oauth.Plugin, bool) {
	p, ok := s.Core.Plugin("oauth")
	if !ok {
		return nil, false
	}
	op, ok := p.(*oauth.Plugin)
	return op, ok
}

// issueToken signs a session token for a successful result and stores it in
// the session.
func (s *Server) issueToken(ctx context.Context, res *kb.AuthResult) (string, error) {
	cred, ok := s.Core.Credentials.Get(res.Username)
	if !ok {
		return "", errors.New("no credential on file for " + res.Username)
	}
	pair, err := cred.KeyPair()
	if err != nil {
		return "", err
	}
	token, err := kb.IssueSessionToken(pair, s.appName(), res.Username, res.Method, s.sessionTTL())
	if err != nil {
		return "", err
	}
	if err := s.Session.RenewToken(ctx); err != nil {
		return "", err
	}
	s.Session.Put(ctx, s.AuthTokenSessionVar, token)
	return token, nil
}
