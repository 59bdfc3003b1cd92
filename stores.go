package keybridge

import "context"

// UserStore is the identity store the broker binds derived credentials to.
//
// Create must fail with an error matching IsAlreadyExists when username is taken
// so that concurrent binds for one identifier converge on a single account.
// Authenticate returns the public keys recorded at creation. Leave drops any
// session the store keeps for the current caller.
type UserStore interface {
	Create(ctx context.Context, username, password string, keys PublicKeys) error
	Authenticate(ctx context.Context, username, password string) (PublicKeys, error)
	Leave(ctx context.Context) error
}

// IdentityLookup is implemented by stores that can tell whether an identity
// key is bound to one of their accounts.
type IdentityLookup interface {
	HasIdentity(ctx context.Context, identityPub string) (bool, error)
}
