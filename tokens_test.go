package keybridge_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kb "github.com/panyam/keybridge"
)

func anyIdentity(string) bool { return true }

func TestSessionTokens(t *testing.T) {
	pair, err := kb.DeriveKeyPair("secret")
	require.NoError(t, err)

	token, err := kb.IssueSessionToken(pair, "KeyBridge", "0xabc", kb.MethodWallet, time.Minute)
	require.NoError(t, err)

	_, err = kb.VerifySessionToken(token, nil)
	assert.ErrorIs(t, err, kb.ErrNoBindingCheck)

	claims, err := kb.VerifySessionToken(token, anyIdentity)
	require.NoError(t, err)
	assert.Equal(t, pair.Pub, claims.Subject)
	assert.Equal(t, "0xabc", claims.Username)
	assert.Equal(t, kb.MethodWallet, claims.Method)
	assert.Equal(t, "KeyBridge", claims.Issuer)
	assert.NotEmpty(t, claims.ID)

	_, err = kb.VerifySessionToken(token, func(pub string) bool { return false })
	assert.Error(t, err, "unbound identities are rejected")
	_, err = kb.VerifySessionToken(token, func(pub string) bool { return pub == pair.Pub })
	assert.NoError(t, err)

	tampered := token[:len(token)-4] + "AAAA"
	_, err = kb.VerifySessionToken(tampered, anyIdentity)
	assert.Error(t, err)
}

func TestSessionTokenForeignSubject(t *testing.T) {
	mine, err := kb.DeriveKeyPair("mine")
	require.NoError(t, err)
	theirs, err := kb.DeriveKeyPair("theirs")
	require.NoError(t, err)
	key, err := mine.SigningKey()
	require.NoError(t, err)

	// signed by one key but claiming another identity
	forged, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, kb.SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   theirs.Pub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}).SignedString(key)
	require.NoError(t, err)
	_, err = kb.VerifySessionToken(forged, anyIdentity)
	assert.Error(t, err)

	hmac, err := jwt.NewWithClaims(jwt.SigningMethodHS256, kb.SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   mine.Pub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}).SignedString([]byte("shared"))
	require.NoError(t, err)
	_, err = kb.VerifySessionToken(hmac, anyIdentity)
	assert.Error(t, err, "only EdDSA tokens are accepted")

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, kb.SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: mine.Pub},
	}).SignedString(key)
	require.NoError(t, err)
	_, err = kb.VerifySessionToken(noExp, anyIdentity)
	assert.Error(t, err, "expiry is required")
}
