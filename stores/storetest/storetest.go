// Package storetest checks a kb.UserStore implementation against the
// behaviour the identity binder relies on.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kb "github.com/panyam/keybridge"
)

func keysFor(t *testing.T, password string) kb.PublicKeys {
	t.Helper()
	pair, err := kb.DeriveKeyPair(password)
	require.NoError(t, err)
	return pair.PublicKeys()
}

// Run exercises newStore. Each subtest gets a fresh, empty store.
func Run(t *testing.T, newStore func(t *testing.T) kb.UserStore) {
	ctx := context.Background()

	t.Run("CreateAuthenticate", func(t *testing.T) {
		store := newStore(t)
		keys := keysFor(t, "pw-1")
		require.NoError(t, store.Create(ctx, "0xABC", "pw-1", keys))

		got, err := store.Authenticate(ctx, "0xabc", "pw-1")
		require.NoError(t, err)
		assert.Equal(t, keys, got)
		require.NoError(t, store.Leave(ctx))
	})

	t.Run("CreateExisting", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Create(ctx, "0xabc", "pw-1", keysFor(t, "pw-1")))
		err := store.Create(ctx, "0xABC", "pw-2", keysFor(t, "pw-2"))
		require.Error(t, err)
		assert.True(t, kb.IsAlreadyExists(err), "got %v", err)

		// the first account is untouched
		got, err := store.Authenticate(ctx, "0xabc", "pw-1")
		require.NoError(t, err)
		assert.Equal(t, keysFor(t, "pw-1"), got)
	})

	t.Run("HasIdentity", func(t *testing.T) {
		store := newStore(t)
		lookup, ok := store.(kb.IdentityLookup)
		if !ok {
			t.Skip("store does not look up identities")
		}
		keys := keysFor(t, "pw-1")
		found, err := lookup.HasIdentity(ctx, keys.Pub)
		require.NoError(t, err)
		assert.False(t, found)

		require.NoError(t, store.Create(ctx, "0xabc", "pw-1", keys))
		found, err = lookup.HasIdentity(ctx, keys.Pub)
		require.NoError(t, err)
		assert.True(t, found)

		found, err = lookup.HasIdentity(ctx, keysFor(t, "pw-2").Pub)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("WrongPassword", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Create(ctx, "0xabc", "pw-1", keysFor(t, "pw-1")))
		_, err := store.Authenticate(ctx, "0xabc", "pw-2")
		assert.True(t, errors.Is(err, kb.ErrInvalidCredentials), "got %v", err)
	})

	t.Run("UnknownUser", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Authenticate(ctx, "nobody", "pw")
		assert.True(t, errors.Is(err, kb.ErrInvalidCredentials), "got %v", err)
	})

	t.Run("ConcurrentCreate", func(t *testing.T) {
		store := newStore(t)
		keys := keysFor(t, "pw")
		const n = 6
		var wg sync.WaitGroup
		results := make([]error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = store.Create(ctx, "0xrace", "pw", keys)
			}(i)
		}
		wg.Wait()
		created := 0
		for _, err := range results {
			if err == nil {
				created++
			} else {
				assert.True(t, kb.IsAlreadyExists(err), "got %v", err)
			}
		}
		assert.Equal(t, 1, created)
	})
}
