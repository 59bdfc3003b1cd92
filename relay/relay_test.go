package relay_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kb "github.com/panyam/keybridge"
	"github.com/panyam/keybridge/relay"
	"github.com/panyam/keybridge/stores"
)

const testKeyHex = "b7e151628aed2a6abf7158809cf4f3c762e7160f38b4da56a784d9045190cfef"

func TestLocalKeySignVerify(t *testing.T) {
	ctx := context.Background()
	key, err := relay.LocalKeyFromHex(testKeyHex)
	require.NoError(t, err)
	pub := key.PublicKeyHex()
	require.NoError(t, relay.ValidatePublicKey(pub))
	assert.Len(t, pub, 66)

	sig1, err := key.SignEvent(ctx, "hello")
	require.NoError(t, err)
	sig2, err := key.SignEvent(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, sig1, sig2, "nonces are deterministic")

	assert.NoError(t, relay.Verify(pub, "hello", sig1))
	assert.Error(t, relay.Verify(pub, "goodbye", sig1))

	other, err := relay.GenerateLocalKey()
	require.NoError(t, err)
	assert.Error(t, relay.Verify(other.PublicKeyHex(), "hello", sig1))
	assert.Error(t, relay.Verify(pub, "hello", "zz"))
}

func TestValidatePublicKey(t *testing.T) {
	assert.Error(t, relay.ValidatePublicKey("not hex"))
	assert.Error(t, relay.ValidatePublicKey("02abcd"))
	assert.Error(t, relay.ValidatePublicKey("05"+strings.Repeat("11", 32)))
	_, err := relay.LocalKeyFromHex("abcd")
	assert.Error(t, err)
}

// lyingExtension reports one key but signs with another.
type lyingExtension struct {
	shown  *relay.LocalKey
	signer *relay.LocalKey
}

func (e *lyingExtension) GetPublicKey(ctx context.Context) (string, error) {
	return e.shown.GetPublicKey(ctx)
}

func (e *lyingExtension) SignEvent(ctx context.Context, content string) (string, error) {
	return e.signer.SignEvent(ctx, content)
}

type deniedExtension struct{}

func (deniedExtension) GetPublicKey(ctx context.Context) (string, error) {
	return "", errors.New("user denied access")
}

func (deniedExtension) SignEvent(ctx context.Context, content string) (string, error) {
	return "", errors.New("user denied access")
}

func newCore(t *testing.T) *kb.KeyBridge {
	t.Helper()
	core := kb.New("RelayTest", stores.NewMemoryUserStore())
	core.Config.RetryDelay = 0
	t.Cleanup(func() { _ = core.Close() })
	return core
}

func TestRelayPluginLogin(t *testing.T) {
	ctx := context.Background()
	key, err := relay.LocalKeyFromHex(testKeyHex)
	require.NoError(t, err)
	core := newCore(t)
	p := relay.NewPlugin(key)
	require.NoError(t, core.Register(p))
	assert.Equal(t, "relay", p.Name())

	first := p.SignUp(ctx, strings.ToUpper(key.PublicKeyHex()))
	require.True(t, first.Success, first.Error)
	assert.Equal(t, key.PublicKeyHex(), first.Username)

	core.Cache.Purge()
	again := p.Login(ctx, key.PublicKeyHex())
	require.True(t, again.Success, again.Error)
	assert.Equal(t, first.IdentityPub, again.IdentityPub)

	one := p.SetupConsistentOneshotSigning(ctx, key.PublicKeyHex())
	require.True(t, one.Success, one.Error)
	assert.Equal(t, first.IdentityPub, one.IdentityPub)
}

func TestRelayPluginRejectsForgedSignature(t *testing.T) {
	ctx := context.Background()
	shown, err := relay.GenerateLocalKey()
	require.NoError(t, err)
	signer, err := relay.GenerateLocalKey()
	require.NoError(t, err)

	core := newCore(t)
	p := relay.NewPlugin(&lyingExtension{shown: shown, signer: signer})
	require.NoError(t, core.Register(p))

	res := p.Login(ctx, shown.PublicKeyHex())
	assert.False(t, res.Success)
	assert.Equal(t, kb.KindSecurity, res.Kind)
}

func TestRelayPluginDenied(t *testing.T) {
	core := newCore(t)
	p := relay.NewPlugin(deniedExtension{})
	require.NoError(t, core.Register(p))

	key, err := relay.GenerateLocalKey()
	require.NoError(t, err)
	res := p.Login(context.Background(), key.PublicKeyHex())
	assert.False(t, res.Success)
	assert.Equal(t, kb.KindEnvironment, res.Kind)
}
