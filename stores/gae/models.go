//go:build !wasm
// +build !wasm

package gae

import (
	"time"

	"cloud.google.com/go/datastore"

	"github.com/panyam/keybridge/stores"
)

// AccountEntity is the Datastore entity for accounts
// Key name: normalized username
type AccountEntity struct {
	Key          *datastore.Key `datastore:"__key__"`
	PasswordHash string         `datastore:"password_hash,noindex"`
	Pub          string         `datastore:"pub"`
	EPub         string         `datastore:"epub,noindex"`
	CreatedAt    time.Time      `datastore:"created_at"`
	UpdatedAt    time.Time      `datastore:"updated_at"`
	Version      int            `datastore:"version"`
}

func (e *AccountEntity) ToAccount() *stores.Account {
	return &stores.Account{
		Username:     e.Key.Name,
		PasswordHash: e.PasswordHash,
		Pub:          e.Pub,
		EPub:         e.EPub,
		CreatedAt:    e.CreatedAt,
		UpdatedAt:    e.UpdatedAt,
	}
}

func AccountToEntity(a *stores.Account, key *datastore.Key) *AccountEntity {
	return &AccountEntity{
		Key:          key,
		PasswordHash: a.PasswordHash,
		Pub:          a.Pub,
		EPub:         a.EPub,
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
		Version:      1,
	}
}
