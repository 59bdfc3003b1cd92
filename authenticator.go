package keybridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// AuthenticatorFunc re-proves control of an identity by obtaining a fresh
// signature over payload. Use it to gate privileged operations.
type AuthenticatorFunc func(ctx context.Context, payload any) (string, error)

// NewAuthenticator binds an AuthenticatorFunc to identifier. Each call
// reconnects, checks the connected account is still identifier and signs
// json(payload). The signature cache is never consulted.
func NewAuthenticator(c *Connector, identifier string) (AuthenticatorFunc, error) {
	if err := c.ValidateIdentifier(identifier); err != nil {
		return nil, err
	}
	return func(ctx context.Context, payload any) (string, error) {
		data, err := json.Marshal(payload)
		if err != nil {
			return "", NewAuthError(KindValidation, "invalid_payload", "payload is not serializable", err)
		}
		account, err := c.Connect(ctx)
		if err != nil {
			return "", err
		}
		if !strings.EqualFold(account, strings.TrimSpace(identifier)) {
			return "", NewAuthError(KindSecurity, ErrCodeIdentityMismatch,
				fmt.Sprintf("connected account %s is not %s", account, identifier), nil)
		}
		return c.RequestSignature(ctx, identifier, string(data))
	}, nil
}
