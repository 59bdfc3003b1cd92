package client

import (
	"net/http"
)

// BearerTransport sends a fixed session token, for callers that manage the
// token themselves.
type BearerTransport struct {
	Base  http.RoundTripper
	Token string
}

func (t *BearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Token != "" {
		// don't mutate the caller's request
		req2 := req.Clone(req.Context())
		req2.Header.Set("Authorization", "Bearer "+t.Token)
		req = req2
	}
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// NewBearerTransport wraps base, or http.DefaultTransport when nil.
func NewBearerTransport(base http.RoundTripper, token string) *BearerTransport {
	return &BearerTransport{Base: base, Token: token}
}
