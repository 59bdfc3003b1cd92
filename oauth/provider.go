// Package oauth authenticates OAuth2 / OpenID Connect accounts. The
// authorization code proves control of a provider account; the identifier is
// "provider:subject" and the derivation material is an HMAC of it under a
// deployment secret, so every login for the account derives the same identity.
package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"
)

// Identity is what a provider tells us about the account behind a code.
type Identity struct {
	Provider string         `json:"provider"`
	Subject  string         `json:"subject"`
	Email    string         `json:"email,omitempty"`
	Name     string         `json:"name,omitempty"`
	Claims   map[string]any `json:"-"`
}

// Identifier is the keybridge identifier for the account.
func (i *Identity) Identifier() string {
	return i.Provider + ":" + i.Subject
}

// Provider is one OAuth2 provider.
type Provider struct {
	Name        string
	OAuthConfig oauth2.Config

	// UserInfoURL is fetched with the access token when there is no verifier.
	// Can be overridden for testing.
	UserInfoURL string

	// SubjectClaim names the userinfo field holding the stable account id.
	SubjectClaim string

	// Verifier, when set, checks the id_token and takes the subject from it.
	Verifier *oidc.IDTokenVerifier

	// HTTPClient is used for the exchange and userinfo calls. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client
}

func envOr(value, key string) string {
	if value != "" {
		return value
	}
	return strings.TrimSpace(os.Getenv(key))
}

// NewGoogle configures Google. Empty arguments fall back to the
// OAUTH2_GOOGLE_* environment variables.
func NewGoogle(clientId, clientSecret, callbackUrl string) *Provider {
	return &Provider{
		Name: "google",
		OAuthConfig: oauth2.Config{
			ClientID:     envOr(clientId, "OAUTH2_GOOGLE_CLIENT_ID"),
			ClientSecret: envOr(clientSecret, "OAUTH2_GOOGLE_CLIENT_SECRET"),
			RedirectURL:  envOr(callbackUrl, "OAUTH2_GOOGLE_CALLBACK_URL"),
			Endpoint:     google.Endpoint,
			Scopes: []string{
				"https://www.googleapis.com/auth/userinfo.email",
				"https://www.googleapis.com/auth/userinfo.profile",
			},
		},
		UserInfoURL:  "https://www.googleapis.com/oauth2/v2/userinfo",
		SubjectClaim: "id",
	}
}

// NewGithub configures GitHub. Empty arguments fall back to the
// OAUTH2_GITHUB_* environment variables.
func NewGithub(clientId, clientSecret, callbackUrl string) *Provider {
	return &Provider{
		Name: "github",
		OAuthConfig: oauth2.Config{
			ClientID:     envOr(clientId, "OAUTH2_GITHUB_CLIENT_ID"),
			ClientSecret: envOr(clientSecret, "OAUTH2_GITHUB_CLIENT_SECRET"),
			RedirectURL:  envOr(callbackUrl, "OAUTH2_GITHUB_CALLBACK_URL"),
			Endpoint:     github.Endpoint,
			Scopes:       []string{"read:user", "user:email"},
		},
		UserInfoURL:  "https://api.github.com/user",
		SubjectClaim: "id",
	}
}

// NewOIDC discovers issuer and configures a provider that verifies id tokens.
func NewOIDC(ctx context.Context, name, issuer, clientId, clientSecret, callbackUrl string) (*Provider, error) {
	op, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", issuer, err)
	}
	return &Provider{
		Name: name,
		OAuthConfig: oauth2.Config{
			ClientID:     clientId,
			ClientSecret: clientSecret,
			RedirectURL:  callbackUrl,
			Endpoint:     op.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		},
		SubjectClaim: "sub",
		Verifier:     op.Verifier(&oidc.Config{ClientID: clientId}),
	}, nil
}

func (p *Provider) httpClient() *http.Client {
	if p.HTTPClient != nil {
		return p.HTTPClient
	}
	return http.DefaultClient
}

func (p *Provider) exchangeContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient())
}

// AuthCodeURL returns the consent URL for state with a PKCE challenge for verifier.
func (p *Provider) AuthCodeURL(state, verifier string) string {
	return p.OAuthConfig.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
}

// Exchange trades code for a token and resolves the account behind it.
func (p *Provider) Exchange(ctx context.Context, code, verifier string) (*Identity, *oauth2.Token, error) {
	ctx = p.exchangeContext(ctx)
	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}
	token, err := p.OAuthConfig.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to exchange token: %w", err)
	}
	ident, err := p.Resolve(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	return ident, token, nil
}

// Resolve identifies the account behind token, from the id_token when a
// verifier is configured and from the userinfo endpoint otherwise.
func (p *Provider) Resolve(ctx context.Context, token *oauth2.Token) (*Identity, error) {
	var claims map[string]any
	if p.Verifier != nil {
		rawIDToken, ok := token.Extra("id_token").(string)
		if !ok {
			return nil, errors.New("no id_token in token response")
		}
		idToken, err := p.Verifier.Verify(ctx, rawIDToken)
		if err != nil {
			return nil, fmt.Errorf("failed to verify id token: %w", err)
		}
		if err := idToken.Claims(&claims); err != nil {
			return nil, fmt.Errorf("failed to parse claims: %w", err)
		}
	} else {
		var err error
		if claims, err = p.userInfo(ctx, token); err != nil {
			return nil, err
		}
	}

	subject := claimString(claims, p.SubjectClaim)
	if subject == "" {
		return nil, fmt.Errorf("%s returned no %q claim", p.Name, p.SubjectClaim)
	}
	return &Identity{
		Provider: p.Name,
		Subject:  subject,
		Email:    claimString(claims, "email"),
		Name:     claimString(claims, "name"),
		Claims:   claims,
	}, nil
}

func (p *Provider) userInfo(ctx context.Context, token *oauth2.Token) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Accept", "application/json")

	response, err := p.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed getting user info from %s: %w", p.Name, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("user info request to %s failed: %s", p.Name, response.Status)
	}

	contents, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("failed read response: %w", err)
	}
	var userInfo map[string]any
	dec := json.NewDecoder(bytes.NewReader(contents))
	dec.UseNumber()
	if err := dec.Decode(&userInfo); err != nil {
		return nil, fmt.Errorf("failed to parse user info: %w", err)
	}
	return userInfo, nil
}

// claimString reads a claim as a string. Numeric ids (GitHub) are rendered
// without exponent.
func claimString(claims map[string]any, key string) string {
	switch v := claims[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return fmt.Sprintf("%.0f", v)
	}
	return ""
}
