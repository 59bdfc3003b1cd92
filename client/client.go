package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	kb "github.com/panyam/keybridge"
)

// RenewThreshold is how long before expiry a session is proactively renewed.
const RenewThreshold = 5 * time.Minute

// Identity is what /auth/me reports for the current session.
type Identity struct {
	IdentityPub string    `json:"identityPub"`
	Username    string    `json:"username"`
	Method      kb.Method `json:"method"`
}

// ServerError is a failure reported by a keybridge server.
type ServerError struct {
	Status  int
	Kind    kb.ErrorKind
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("keybridge: %s (%s, HTTP %d)", e.Message, e.Code, e.Status)
	}
	return fmt.Sprintf("keybridge: %s (HTTP %d)", e.Message, e.Status)
}

type authResponse struct {
	Success     bool         `json:"success"`
	IdentityPub string       `json:"identityPub"`
	Username    string       `json:"username"`
	Method      kb.Method    `json:"method"`
	Error       string       `json:"error"`
	Kind        kb.ErrorKind `json:"kind"`
	Code        string       `json:"code"`
	Token       string       `json:"token"`
}

// SessionClient is an HTTP client for one keybridge server. It remembers
// the session token in a SessionStore and attaches it to every request.
type SessionClient struct {
	mu            sync.Mutex
	serverURL     string
	store         SessionStore
	httpClient    *http.Client
	baseTransport http.RoundTripper
}

// ClientOption configures a SessionClient
type ClientOption func(*SessionClient)

// WithHTTPClient sets a custom base HTTP client (for timeouts, TLS config, etc.)
// The transport from this client will be wrapped with session handling.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *SessionClient) {
		if client == nil {
			return
		}
		if client.Transport != nil {
			c.baseTransport = client.Transport
		}
		c.httpClient.Timeout = client.Timeout
		c.httpClient.CheckRedirect = client.CheckRedirect
	}
}

// WithTransport sets a custom base transport.
func WithTransport(transport http.RoundTripper) ClientOption {
	return func(c *SessionClient) {
		c.baseTransport = transport
	}
}

// NewSessionClient creates a session client for serverURL.
func NewSessionClient(serverURL string, store SessionStore, opts ...ClientOption) *SessionClient {
	u, err := url.Parse(serverURL)
	if err == nil && u.Scheme != "" && u.Host != "" {
		serverURL = fmt.Sprintf("%s://%s", u.Scheme, u.Host)
	}
	if store == nil {
		store = NewMemorySessionStore()
	}
	c := &SessionClient{
		serverURL:     serverURL,
		store:         store,
		httpClient:    &http.Client{},
		baseTransport: http.DefaultTransport,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.httpClient.Transport = &sessionTransport{client: c, base: c.baseTransport}
	return c
}

// HTTPClient returns an HTTP client that sends the session token.
func (c *SessionClient) HTTPClient() *http.Client {
	return c.httpClient
}

func (c *SessionClient) ServerURL() string {
	return c.serverURL
}

// Session returns the stored session, or nil.
func (c *SessionClient) Session() (*Session, error) {
	return c.store.GetSession(c.serverURL)
}

// IsLoggedIn returns true if there is an unexpired session.
func (c *SessionClient) IsLoggedIn() bool {
	sess, err := c.store.GetSession(c.serverURL)
	if err != nil || sess == nil {
		return false
	}
	return !sess.IsExpired()
}

// Login authenticates identifier with method on the server and stores the
// session token it issues.
func (c *SessionClient) Login(ctx context.Context, method kb.Method, identifier string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticateLocked(ctx, "login", method, identifier)
}

// SignUp is Login for a first-time user.
func (c *SessionClient) SignUp(ctx context.Context, method kb.Method, identifier string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticateLocked(ctx, "signup", method, identifier)
}

// Token returns the session token, renewing it when it is about to expire.
func (c *SessionClient) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess, err := c.store.GetSession(c.serverURL)
	if err != nil || sess == nil {
		return "", err
	}
	if sess.IsExpiringSoon(RenewThreshold) && sess.CanRenew() {
		renewed, err := c.authenticateLocked(ctx, "login", sess.Method, sess.Identifier)
		if err != nil {
			// still usable until it actually lapses
			if !sess.IsExpired() {
				return sess.Token, nil
			}
			return "", fmt.Errorf("session expired and renewal failed: %w", err)
		}
		sess = renewed
	}
	if sess.IsExpired() {
		return "", nil
	}
	return sess.Token, nil
}

// renew logs in again with the stored method and identifier.
func (c *SessionClient) renew(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, err := c.store.GetSession(c.serverURL)
	if err != nil {
		return "", err
	}
	if sess == nil || !sess.CanRenew() {
		return "", errors.New("no session to renew")
	}
	renewed, err := c.authenticateLocked(ctx, "login", sess.Method, sess.Identifier)
	if err != nil {
		return "", err
	}
	return renewed.Token, nil
}

// Logout ends the server session and forgets the token.
func (c *SessionClient) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess, err := c.store.GetSession(c.serverURL)
	if err != nil {
		return err
	}
	if sess != nil {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+"/auth/logout", nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+sess.Token)
		if resp, err := c.plainClient().Do(req); err == nil {
			resp.Body.Close()
		}
	}
	if err := c.store.RemoveSession(c.serverURL); err != nil {
		return err
	}
	return c.store.Save()
}

// Me asks the server who the current session belongs to.
func (c *SessionClient) Me(ctx context.Context) (*Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serverURL+"/auth/me", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body struct {
		Success  bool      `json:"success"`
		Error    string    `json:"error"`
		Identity *Identity `json:"identity"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("invalid response from server: %w", err)
	}
	if resp.StatusCode != http.StatusOK || !body.Success || body.Identity == nil {
		return nil, &ServerError{Status: resp.StatusCode, Kind: kb.KindAuthentication, Message: body.Error}
	}
	return body.Identity, nil
}

// plainClient skips the session transport so auth calls cannot loop.
func (c *SessionClient) plainClient() *http.Client {
	return &http.Client{Transport: c.baseTransport, Timeout: c.httpClient.Timeout}
}

// authenticateLocked posts identifier to the method's login or signup
// endpoint. Caller must hold c.mu.
func (c *SessionClient) authenticateLocked(ctx context.Context, op string, method kb.Method, identifier string) (*Session, error) {
	jsonBody, err := json.Marshal(map[string]string{"identifier": identifier})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/auth/%s/%s", c.serverURL, url.PathEscape(string(method)), op)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.plainClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	var ar authResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		return nil, &ServerError{Status: resp.StatusCode, Message: "invalid response from server"}
	}
	if resp.StatusCode != http.StatusOK || !ar.Success || ar.Token == "" {
		msg := ar.Error
		if msg == "" {
			msg = "authentication failed"
		}
		return nil, &ServerError{Status: resp.StatusCode, Kind: ar.Kind, Code: ar.Code, Message: msg}
	}

	expiresAt, err := tokenExpiry(ar.Token)
	if err != nil {
		return nil, err
	}
	sess := &Session{
		Token:       ar.Token,
		Method:      method,
		Identifier:  identifier,
		Username:    ar.Username,
		IdentityPub: ar.IdentityPub,
		ExpiresAt:   expiresAt,
		CreatedAt:   time.Now(),
	}
	if err := c.store.SetSession(c.serverURL, sess); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}
	if err := c.store.Save(); err != nil {
		return nil, fmt.Errorf("failed to save sessions: %w", err)
	}
	return sess, nil
}

// tokenExpiry reads exp without verifying; the server verifies on use.
func tokenExpiry(token string) (time.Time, error) {
	claims := &kb.SessionClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("malformed session token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, errors.New("session token has no expiry")
	}
	return claims.ExpiresAt.Time, nil
}

// sessionTransport adds the session token and renews it once on a 401.
type sessionTransport struct {
	client *SessionClient
	base   http.RoundTripper
}

func (t *sessionTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.client.Token(req.Context())
	if err != nil {
		return nil, err
	}
	out := req
	if token != "" {
		out = req.Clone(req.Context())
		out.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := t.base.RoundTrip(out)
	if err != nil || resp.StatusCode != http.StatusUnauthorized || token == "" {
		return resp, err
	}
	if req.Body != nil && req.GetBody == nil {
		return resp, nil
	}

	newToken, err := t.client.renew(req.Context())
	if err != nil || newToken == "" {
		return resp, nil
	}
	resp.Body.Close()

	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		if retry.Body, err = req.GetBody(); err != nil {
			return nil, err
		}
	}
	retry.Header.Set("Authorization", "Bearer "+newToken)
	return t.base.RoundTrip(retry)
}
