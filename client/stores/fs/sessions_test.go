package fs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kb "github.com/panyam/keybridge"
	"github.com/panyam/keybridge/client"
)

func TestSessionFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sessions.json")
	store, err := NewSessionFileStore(path, "")
	require.NoError(t, err)
	assert.Equal(t, path, store.Path())

	sess, err := store.GetSession("https://example.com")
	require.NoError(t, err)
	assert.Nil(t, sess)

	expires := time.Now().Add(time.Hour).Truncate(time.Second)
	require.NoError(t, store.SetSession("https://example.com/auth/me", &client.Session{
		Token:      "tok",
		Method:     kb.MethodWallet,
		Identifier: "0xabc",
		ExpiresAt:  expires,
	}))
	require.NoError(t, store.SetSession("https://example.org", &client.Session{Token: "other"}))
	require.NoError(t, store.Save())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	reopened, err := NewSessionFileStore(path, "")
	require.NoError(t, err)
	got, err := reopened.GetSession("https://example.com")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "tok", got.Token)
	assert.Equal(t, kb.MethodWallet, got.Method)
	assert.True(t, expires.Equal(got.ExpiresAt))
	assert.True(t, got.CanRenew())

	servers, err := reopened.ListServers()
	require.NoError(t, err)
	assert.Len(t, servers, 2)

	require.NoError(t, reopened.RemoveSession("https://example.com"))
	require.NoError(t, reopened.Save())
	again, err := NewSessionFileStore(path, "")
	require.NoError(t, err)
	got, err = again.GetSession("https://example.com")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSessionFileStoreCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))
	_, err := NewSessionFileStore(path, "")
	assert.Error(t, err)
}
