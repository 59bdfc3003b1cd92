//go:build !wasm
// +build !wasm

package gorm_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	kb "github.com/panyam/keybridge"
	gormstore "github.com/panyam/keybridge/stores/gorm"
	"github.com/panyam/keybridge/stores/storetest"
)

func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keybridge.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// sqlite allows one writer; a single connection keeps transactions serial
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, gormstore.AutoMigrate(db))
	return db
}

func TestAccountStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) kb.UserStore { return gormstore.NewAccountStore(openDB(t)) })
}

func TestAccountStoreLookups(t *testing.T) {
	ctx := context.Background()
	store := gormstore.NewAccountStore(openDB(t))
	keys := kb.PublicKeys{Pub: "pub-1", EPub: "epub-1"}
	require.NoError(t, store.Create(ctx, "0xABC", "pw", keys))

	acct, err := store.GetAccount(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "0xabc", acct.Username)
	assert.Equal(t, "epub-1", acct.EPub)

	_, err = store.GetAccount(ctx, "0xdef")
	assert.True(t, errors.Is(err, kb.ErrInvalidCredentials))

	found, err := store.FindByPub(ctx, "pub-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "0xabc", found.Username)

	missing, err := store.FindByPub(ctx, "pub-2")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
