//go:build !wasm
// +build !wasm

package gorm

import (
	"context"
	"errors"
	"strings"
	"sync"

	"gorm.io/gorm"

	kb "github.com/panyam/keybridge"
	"github.com/panyam/keybridge/stores"
)

// AutoMigrate runs database migrations for all keybridge tables
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&AccountModel{})
}

// AccountStore implements kb.UserStore using GORM
type AccountStore struct {
	db *gorm.DB

	mu      sync.Mutex
	session string
}

func NewAccountStore(db *gorm.DB) *AccountStore {
	return &AccountStore{db: db}
}

func (s *AccountStore) Create(ctx context.Context, username, password string, keys kb.PublicKeys) error {
	acct, err := stores.NewAccount(username, password, keys)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&AccountModel{}).Where("username = ?", acct.Username).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return stores.ErrExists(acct.Username)
		}
		if err := tx.Create(AccountToModel(acct)).Error; err != nil {
			if isDuplicate(err) {
				return stores.ErrExists(acct.Username)
			}
			return err
		}
		return nil
	})
}

func (s *AccountStore) Authenticate(ctx context.Context, username, password string) (kb.PublicKeys, error) {
	acct, err := s.GetAccount(ctx, username)
	if err != nil && !errors.Is(err, kb.ErrInvalidCredentials) {
		return kb.PublicKeys{}, err
	}
	keys, err := stores.CheckPassword(acct, password)
	if err != nil {
		return keys, err
	}
	s.mu.Lock()
	s.session = stores.NormalizeUsername(username)
	s.mu.Unlock()
	return keys, nil
}

func (s *AccountStore) Leave(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = ""
	return nil
}

// GetAccount loads the account for username. An unknown username is
// kb.ErrInvalidCredentials.
func (s *AccountStore) GetAccount(ctx context.Context, username string) (*stores.Account, error) {
	var model AccountModel
	err := s.db.WithContext(ctx).First(&model, "username = ?", stores.NormalizeUsername(username)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, kb.ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	return model.ToAccount(), nil
}

// FindByPub returns the account bound to identity pub.
func (s *AccountStore) FindByPub(ctx context.Context, pub string) (*stores.Account, error) {
	var model AccountModel
	err := s.db.WithContext(ctx).First(&model, "pub = ?", pub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return model.ToAccount(), nil
}

func (s *AccountStore) HasIdentity(ctx context.Context, identityPub string) (bool, error) {
	acct, err := s.FindByPub(ctx, identityPub)
	return acct != nil, err
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
