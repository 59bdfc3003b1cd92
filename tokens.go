package keybridge

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SessionClaims are carried by a session token. The subject is the identity
// public key, which is also the key that verifies the token.
type SessionClaims struct {
	Username string `json:"usr"`
	Method   Method `json:"mth"`
	jwt.RegisteredClaims
}

// IssueSessionToken signs a session token for pair with its own derived key.
func IssueSessionToken(pair *DerivedKeyPair, issuer, username string, method Method, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	key, err := pair.SigningKey()
	if err != nil {
		return "", err
	}
	now := time.Now()
	claims := SessionClaims{
		Username: username,
		Method:   method,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuer,
			Subject:   pair.Pub,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

// ErrNoBindingCheck is returned when a session token is verified without a
// way to tell whether its identity belongs to an account.
var ErrNoBindingCheck = errors.New("session token verification needs an identity binding check")

// VerifySessionToken checks the token was signed by the key named in its
// subject, has not expired and that isBound accepts the subject. A token
// only proves possession of its own key, so isBound is required.
func VerifySessionToken(tokenString string, isBound func(identityPub string) bool) (*SessionClaims, error) {
	if isBound == nil {
		return nil, ErrNoBindingCheck
	}
	claims := &SessionClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		c, ok := t.Claims.(*SessionClaims)
		if !ok || c.Subject == "" {
			return nil, errors.New("token has no subject")
		}
		return DecodePublicKey(c.Subject)
	}, jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("invalid session token: %w", err)
	}
	if !isBound(claims.Subject) {
		return nil, errors.New("session token identity is not bound")
	}
	return claims, nil
}
