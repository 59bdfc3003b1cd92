package keybridge_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kb "github.com/panyam/keybridge"
)

func TestSignerPluginNotInitialized(t *testing.T) {
	p := newWalletPlugin(t, nil, newFakeProvider("0xabc"))
	assert.Equal(t, kb.StateUnregistered, p.State())

	res := p.Login(context.Background(), "0xabc")
	assert.False(t, res.Success)
	assert.True(t, errors.Is(res.Err, kb.ErrNotInitialized))
	assert.Equal(t, kb.KindEnvironment, res.Kind)
	assert.Equal(t, kb.ErrCodeNotInitialized, res.Code)

	_, err := p.CreateSigningCredential(context.Background(), "0xabc")
	assert.True(t, errors.Is(err, kb.ErrNotInitialized))
	_, err = p.CreateAuthenticator("0xabc")
	assert.True(t, errors.Is(err, kb.ErrNotInitialized))
	_, err = p.VerifyConsistency("0xabc", "")
	assert.True(t, errors.Is(err, kb.ErrNotInitialized))
	one := p.SetupConsistentOneshotSigning(context.Background(), "0xabc")
	assert.False(t, one.Success)
	assert.True(t, errors.Is(one.Err, kb.ErrNotInitialized))
}

func TestSignerPluginLifecycle(t *testing.T) {
	core, _ := newCore(t)
	p := newWalletPlugin(t, nil, newFakeProvider("0xabc"))

	destroyed := 0
	core.Events.On(kb.EventPluginDestroyed, func(kb.Event) { destroyed++ })

	require.NoError(t, p.Initialize(core))
	conn, err := p.Connector()
	require.NoError(t, err)

	// second initialize is ignored
	require.NoError(t, p.Initialize(core))
	again, err := p.Connector()
	require.NoError(t, err)
	assert.Same(t, conn, again)
	assert.Equal(t, kb.StateInitialized, p.State())

	p.Destroy()
	p.Destroy()
	assert.Equal(t, kb.StateDestroyed, p.State())
	assert.Equal(t, 1, destroyed)

	// destroyed plugins stay destroyed
	require.NoError(t, p.Initialize(core))
	assert.Equal(t, kb.StateDestroyed, p.State())
	res := p.Login(context.Background(), "0xabc")
	assert.True(t, errors.Is(res.Err, kb.ErrNotInitialized))
}

func TestSignerPluginLoginIsStable(t *testing.T) {
	core, store := newCore(t)
	provider := newFakeProvider("0xAbC")
	p := newWalletPlugin(t, core, provider)

	var events []kb.AuthEvent
	core.Events.On(kb.EventAuthSignup, func(ev kb.Event) { events = append(events, ev.Payload.(kb.AuthEvent)) })
	core.Events.On(kb.EventAuthLogin, func(ev kb.Event) { events = append(events, ev.Payload.(kb.AuthEvent)) })

	first := p.SignUp(context.Background(), "0xAbC")
	require.True(t, first.Success, first.Error)
	assert.Equal(t, "0xabc", first.Username)
	assert.Equal(t, kb.MethodWallet, first.Method)

	second := p.Login(context.Background(), "0xabc")
	require.True(t, second.Success, second.Error)
	assert.Equal(t, first.IdentityPub, second.IdentityPub)
	assert.Equal(t, 1, provider.signer.Signs(), "second login uses the cached signature")
	assert.Equal(t, 1, store.Len())

	require.Len(t, events, 2)
	assert.Equal(t, first.IdentityPub, events[0].IdentityPub)

	// with the cache cleared the signer is asked again and lands on the same identity
	core.Cache.Purge()
	third := p.Login(context.Background(), "0xabc")
	require.True(t, third.Success, third.Error)
	assert.Equal(t, first.IdentityPub, third.IdentityPub)
	assert.Equal(t, 2, provider.signer.Signs())

	pair, err := p.CreateDerivedKeyPair(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, first.IdentityPub, pair.Pub)
}

func TestSignerPluginWrongAccount(t *testing.T) {
	core, store := newCore(t)
	p := newWalletPlugin(t, core, newFakeProvider("0xother"))

	res := p.Login(context.Background(), "0xabc")
	assert.False(t, res.Success)
	assert.Equal(t, kb.KindSecurity, res.Kind)
	assert.Equal(t, 0, store.Len())
	_, cached := core.Cache.Get("0xabc")
	assert.False(t, cached)
}

func TestSignerPluginNoProvider(t *testing.T) {
	core, _ := newCore(t)
	p := newWalletPlugin(t, core)
	res := p.Login(context.Background(), "0xabc")
	assert.False(t, res.Success)
	assert.True(t, errors.Is(res.Err, kb.ErrProviderUnavailable))
}

func TestSignerPluginConflictEvictsSignature(t *testing.T) {
	core, _ := newCore(t)
	p := newWalletPlugin(t, core, newFakeProvider("0xabc"))

	// someone else already holds the account under a different password
	username, _, err := kb.DeriveCredentials("0xabc", "sig")
	require.NoError(t, err)
	pair, err := kb.DeriveKeyPair("other-password")
	require.NoError(t, err)
	require.NoError(t, core.Store.Create(context.Background(), username, "other-password", pair.PublicKeys()))

	res := p.Login(context.Background(), "0xabc")
	assert.False(t, res.Success)
	assert.Equal(t, kb.KindAccountConflict, res.Kind)
	_, cached := core.Cache.Get("0xabc")
	assert.False(t, cached, "unbound signatures are not replayed")
}

func TestSignerPluginPanicIsContained(t *testing.T) {
	core, _ := newCore(t)
	provider := newFakeProvider("0xabc")
	provider.signer.sign = func(ctx context.Context, message string) (string, error) {
		panic("extension crashed")
	}
	p := newWalletPlugin(t, core, provider)

	res := p.Login(context.Background(), "0xabc")
	assert.False(t, res.Success)
	assert.Equal(t, "internal", res.Code)
}

func TestSignerPluginRateLimited(t *testing.T) {
	core, _ := newCore(t)
	core.RateLimiter = kb.NewKeyedLimiter(0.001, 1)
	p := newWalletPlugin(t, core, newFakeProvider("0xabc"))

	require.True(t, p.Login(context.Background(), "0xabc").Success)
	res := p.Login(context.Background(), "0xabc")
	assert.False(t, res.Success)
	assert.True(t, errors.Is(res.Err, kb.ErrRateLimited))
}

func TestOneshotMatchesInteractiveLogin(t *testing.T) {
	core, _ := newCore(t)
	provider := newFakeProvider("0xabc")
	p := newWalletPlugin(t, core, provider)

	one := p.SetupConsistentOneshotSigning(context.Background(), "0xabc")
	require.True(t, one.Success, one.Error)
	require.NotNil(t, one.Consistency)
	assert.True(t, one.Consistency.Consistent)
	assert.Equal(t, one.IdentityPub, one.Credential.BoundIdentityPub)

	login := p.Login(context.Background(), "0xabc")
	require.True(t, login.Success)
	assert.Equal(t, one.IdentityPub, login.IdentityPub)

	sig, err := one.Authenticator(context.Background(), map[string]string{"action": "withdraw"})
	require.NoError(t, err)
	assert.NotEmpty(t, sig)

	check, err := p.VerifyConsistency("0xabc", one.IdentityPub)
	require.NoError(t, err)
	assert.True(t, check.Consistent)

	check, err = p.VerifyConsistency("0xabc", "someone-else")
	require.NoError(t, err)
	assert.False(t, check.Consistent)
	assert.Equal(t, one.IdentityPub, check.ActualPub)

	_, err = p.VerifyConsistency("0xunknown", "")
	var ae *kb.AuthError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, kb.ErrCodeNoCredential, ae.Code)
}
