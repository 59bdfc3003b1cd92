package keybridge_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kb "github.com/panyam/keybridge"
)

func TestDeriveKeyPairDeterministic(t *testing.T) {
	_, password, err := kb.DeriveCredentials("0xABC", "sig123")
	require.NoError(t, err)

	a, err := kb.DeriveKeyPair(password)
	require.NoError(t, err)
	b, err := kb.DeriveKeyPair(password)
	require.NoError(t, err)
	assert.True(t, a.Equal(b))
	assert.NotEmpty(t, a.Pub)
	assert.NotEmpty(t, a.EPub)
	assert.NotEqual(t, a.Pub, a.EPub)

	other, err := kb.DeriveKeyPair(password + "x")
	require.NoError(t, err)
	assert.NotEqual(t, a.Pub, other.Pub)

	salted, err := kb.DeriveKeyPair(password, "app", "v2")
	require.NoError(t, err)
	assert.NotEqual(t, a.Pub, salted.Pub)
	salted2, err := kb.DeriveKeyPair(password, "app", "v2")
	require.NoError(t, err)
	assert.True(t, salted.Equal(salted2))

	_, err = kb.DeriveKeyPair("")
	assert.Error(t, err)
}

func TestKeyPairSignVerify(t *testing.T) {
	pair, err := kb.DeriveKeyPair("secret")
	require.NoError(t, err)

	sig, err := pair.Sign([]byte("payload"))
	require.NoError(t, err)
	assert.True(t, kb.VerifySignature(pair.Pub, []byte("payload"), sig))
	assert.False(t, kb.VerifySignature(pair.Pub, []byte("other"), sig))
	assert.False(t, kb.VerifySignature("not-base58-!!", []byte("payload"), sig))
}

func TestDID(t *testing.T) {
	pair, err := kb.DeriveKeyPair("secret")
	require.NoError(t, err)

	did, err := pair.DID()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(did, "did:key:z6Mk"), did)

	pub, err := kb.PubFromDID(did)
	require.NoError(t, err)
	assert.Equal(t, pair.Pub, pub)

	_, err = kb.PubFromDID("did:web:example.com")
	assert.Error(t, err)
}

func TestMnemonicRoundTrip(t *testing.T) {
	pair, err := kb.DeriveKeyPair("secret")
	require.NoError(t, err)

	phrase, err := pair.Mnemonic()
	require.NoError(t, err)
	assert.Len(t, strings.Fields(phrase), 24)

	restored, err := kb.KeyPairFromMnemonic(phrase)
	require.NoError(t, err)
	assert.True(t, pair.Equal(restored))

	_, err = kb.KeyPairFromMnemonic("not a real phrase")
	assert.Error(t, err)
}
