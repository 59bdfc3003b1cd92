//go:build !wasm
// +build !wasm

package gae

import (
	"context"
	"errors"
	"sync"

	"cloud.google.com/go/datastore"
	"google.golang.org/api/iterator"

	kb "github.com/panyam/keybridge"
	"github.com/panyam/keybridge/stores"
)

// Kind constants for Datastore entities
const (
	KindAccount = "Account"
)

// AccountStore implements kb.UserStore using Google Cloud Datastore
type AccountStore struct {
	client    *datastore.Client
	namespace string

	mu      sync.Mutex
	session string
}

// NewAccountStore creates a new Datastore-backed UserStore
func NewAccountStore(client *datastore.Client, namespace string) *AccountStore {
	return &AccountStore{
		client:    client,
		namespace: namespace,
	}
}

func (s *AccountStore) namespacedKey(kind, name string) *datastore.Key {
	key := datastore.NameKey(kind, name, nil)
	key.Namespace = s.namespace
	return key
}

// Create inserts the account inside a transaction so that two concurrent
// creates for one username cannot both succeed.
func (s *AccountStore) Create(ctx context.Context, username, password string, keys kb.PublicKeys) error {
	acct, err := stores.NewAccount(username, password, keys)
	if err != nil {
		return err
	}
	key := s.namespacedKey(KindAccount, acct.Username)
	_, err = s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		var existing AccountEntity
		err := tx.Get(key, &existing)
		if err == nil {
			return stores.ErrExists(acct.Username)
		}
		if !errors.Is(err, datastore.ErrNoSuchEntity) {
			return err
		}
		_, err = tx.Put(key, AccountToEntity(acct, key))
		return err
	})
	return err
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
	s.session = acct.Username
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
	key := s.namespacedKey(KindAccount, stores.NormalizeUsername(username))
	var entity AccountEntity
	if err := s.client.Get(ctx, key, &entity); err != nil {
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			return nil, kb.ErrInvalidCredentials
		}
		return nil, err
	}
	entity.Key = key
	return entity.ToAccount(), nil
}

// FindByPub returns the accounts bound to identity pub. More than one means
// the same identity was bound under different usernames.
func (s *AccountStore) FindByPub(ctx context.Context, pub string) ([]*stores.Account, error) {
	query := datastore.NewQuery(KindAccount).FilterField("pub", "=", pub)
	if s.namespace != "" {
		query = query.Namespace(s.namespace)
	}
	var out []*stores.Account
	it := s.client.Run(ctx, query)
	for {
		var entity AccountEntity
		_, err := it.Next(&entity)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, entity.ToAccount())
	}
	return out, nil
}

func (s *AccountStore) HasIdentity(ctx context.Context, identityPub string) (bool, error) {
	accts, err := s.FindByPub(ctx, identityPub)
	return len(accts) > 0, err
}
