//go:build !wasm
// +build !wasm

package gorm

import (
	"time"

	"github.com/panyam/keybridge/stores"
)

// AccountModel is the GORM model for accounts
type AccountModel struct {
	Username     string    `gorm:"primaryKey;size:255"`
	PasswordHash string    `gorm:"size:128;not null"`
	Pub          string    `gorm:"size:64;not null;index"`
	EPub         string    `gorm:"size:64"`
	CreatedAt    time.Time `gorm:"autoCreateTime"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
}

func (AccountModel) TableName() string {
	return "accounts"
}

func (m *AccountModel) ToAccount() *stores.Account {
	return &stores.Account{
		Username:     m.Username,
		PasswordHash: m.PasswordHash,
		Pub:          m.Pub,
		EPub:         m.EPub,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func AccountToModel(a *stores.Account) *AccountModel {
	return &AccountModel{
		Username:     a.Username,
		PasswordHash: a.PasswordHash,
		Pub:          a.Pub,
		EPub:         a.EPub,
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
	}
}
