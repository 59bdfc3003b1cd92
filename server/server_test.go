package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kb "github.com/panyam/keybridge"
	"github.com/panyam/keybridge/server"
	"github.com/panyam/keybridge/stores"
	"github.com/panyam/keybridge/wallet"
)

type loginBody struct {
	Success     bool   `json:"success"`
	IdentityPub string `json:"identityPub"`
	Username    string `json:"username"`
	Error       string `json:"error"`
	Kind        string `json:"kind"`
	Token       string `json:"token"`
}

func setupServer(t *testing.T) (*server.Server, *wallet.LocalWallet, *httptest.Server) {
	t.Helper()
	w, err := wallet.GenerateLocalWallet()
	require.NoError(t, err)

	core := kb.New("KeyBridgeTest", stores.NewMemoryUserStore())
	require.NoError(t, core.Register(wallet.NewPlugin(w)))
	t.Cleanup(func() { _ = core.Close() })

	srv := server.New(core)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, w, ts
}

func newClient(t *testing.T) *http.Client {
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar}
}

func postIdentifier(t *testing.T, c *http.Client, u, identifier string) (*http.Response, loginBody) {
	t.Helper()
	payload, _ := json.Marshal(map[string]string{"identifier": identifier})
	resp, err := c.Post(u, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	var body loginBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp, body
}

func TestWalletLoginIssuesSessionToken(t *testing.T) {
	srv, w, ts := setupServer(t)
	c := newClient(t)

	resp, body := postIdentifier(t, c, ts.URL+"/auth/wallet/signup", w.AddressHex())
	require.Equal(t, http.StatusOK, resp.StatusCode, body.Error)
	assert.True(t, body.Success)
	assert.NotEmpty(t, body.IdentityPub)
	assert.NotEmpty(t, body.Token)

	claims, err := kb.VerifySessionToken(body.Token, srv.Core.IsBound)
	require.NoError(t, err)
	assert.Equal(t, body.IdentityPub, claims.Subject)
	assert.Equal(t, kb.MethodWallet, claims.Method)

	// logging in again lands on the same identity
	resp, again := postIdentifier(t, c, ts.URL+"/auth/wallet/login", w.AddressHex())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, body.IdentityPub, again.IdentityPub)
}

func TestMeWithBearerAndSession(t *testing.T) {
	_, w, ts := setupServer(t)
	c := newClient(t)

	resp, err := http.Get(ts.URL + "/auth/me")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, body := postIdentifier(t, c, ts.URL+"/auth/wallet/login", w.AddressHex())
	require.True(t, body.Success, body.Error)

	// bearer token from a fresh client
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+body.Token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	var me struct {
		Success  bool             `json:"success"`
		Identity *server.Identity `json:"identity"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&me))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, body.IdentityPub, me.Identity.IdentityPub)

	// session cookie from the logged in client
	resp, err = c.Get(ts.URL + "/auth/me")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = c.Post(ts.URL+"/auth/logout", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = c.Get(ts.URL + "/auth/me")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSelfSignedTokenForUnboundKeyRejected(t *testing.T) {
	srv, _, ts := setupServer(t)

	// anyone can derive a key and sign a well-formed token with it
	pair, err := kb.DeriveKeyPair("chosen-by-the-caller")
	require.NoError(t, err)
	token, err := kb.IssueSessionToken(pair, "KeyBridgeTest", "0xabc", kb.MethodWallet, 0)
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// the same token passes once the key belongs to an account in the store
	store := srv.Core.Store.(*stores.MemoryUserStore)
	require.NoError(t, store.Create(context.Background(), "0xabc", "pw", pair.PublicKeys()))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStandaloneMiddlewareRefusesTokens(t *testing.T) {
	pair, err := kb.DeriveKeyPair("pw")
	require.NoError(t, err)
	token, err := kb.IssueSessionToken(pair, "KeyBridgeTest", "0xabc", kb.MethodWallet, 0)
	require.NoError(t, err)

	m := &server.Middleware{}
	m.EnsureReasonableDefaults()
	h := m.RequireSession(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called")
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogoutRedirectStaysLocal(t *testing.T) {
	_, _, ts := setupServer(t)
	c := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}

	resp, err := c.Post(ts.URL+"/auth/logout?to=/home", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/home", resp.Header.Get("Location"))

	for _, target := range []string{"https://evil.example/x", "//evil.example", `/\evil.example`, "javascript:alert(1)"} {
		resp, err := c.Post(ts.URL+"/auth/logout?to="+url.QueryEscape(target), "application/json", nil)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, target)
		assert.Empty(t, resp.Header.Get("Location"), target)
	}
}

func TestLoginFailures(t *testing.T) {
	_, _, ts := setupServer(t)
	c := newClient(t)

	resp, body := postIdentifier(t, c, ts.URL+"/auth/wallet/login", "not-an-address")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.False(t, body.Success)
	assert.Equal(t, string(kb.KindValidation), body.Kind)

	// a different account than the wallet holds
	other, err := wallet.GenerateLocalWallet()
	require.NoError(t, err)
	resp, body = postIdentifier(t, c, ts.URL+"/auth/wallet/login", other.AddressHex())
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, string(kb.KindSecurity), body.Kind)

	resp, body = postIdentifier(t, c, ts.URL+"/auth/passkey/login", "abc")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.False(t, body.Success)
	assert.NotEmpty(t, body.Error)
}

func TestOneshotAndConsistency(t *testing.T) {
	_, w, ts := setupServer(t)
	c := newClient(t)

	payload, _ := json.Marshal(map[string]string{"identifier": w.AddressHex()})
	resp, err := c.Post(ts.URL+"/auth/wallet/oneshot", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	var oneshot kb.OneshotResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&oneshot))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, oneshot.Error)
	require.True(t, oneshot.Success)
	require.NotNil(t, oneshot.Consistency)
	assert.True(t, oneshot.Consistency.Consistent)

	q := url.Values{"identifier": {w.AddressHex()}, "pub": {oneshot.IdentityPub}}
	resp, err = c.Get(ts.URL + "/auth/wallet/consistency?" + q.Encode())
	require.NoError(t, err)
	var check struct {
		Success     bool                  `json:"success"`
		Consistency *kb.ConsistencyResult `json:"consistency"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&check))
	resp.Body.Close()
	assert.True(t, check.Success)
	assert.Equal(t, oneshot.IdentityPub, check.Consistency.ActualPub)

	q.Set("pub", "somethingelse")
	resp, err = c.Get(ts.URL + "/auth/wallet/consistency?" + q.Encode())
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&check))
	resp.Body.Close()
	assert.False(t, check.Success)
	assert.False(t, check.Consistency.Consistent)
}

func TestPluginsListing(t *testing.T) {
	_, _, ts := setupServer(t)
	resp, err := http.Get(ts.URL + "/auth/plugins")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body struct {
		Plugins []kb.PluginRegistration `json:"plugins"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Plugins, 1)
	assert.Equal(t, "wallet", body.Plugins[0].Name)
	assert.True(t, body.Plugins[0].Initialized)
}

func TestOAuthRoutesDisabled(t *testing.T) {
	_, _, ts := setupServer(t)
	resp, err := http.Get(ts.URL + "/auth/oauth/google/start")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
