// Package keybridge brokers authentication across wallets, passkeys, OAuth
// providers and relay extensions, and turns whichever proof the user gives
// into the same decentralized identity.
//
// # Architecture
//
// Every method ends in the same pipeline:
//
//	signature -> DeriveCredentials -> DeriveKeyPair -> IdentityBinder.Bind
//
// The signature is over a fixed message per identifier (see
// Config.MessageTemplate), so a deterministic signer yields the same
// signature every time, which yields the same username and password, which
// yields the same key pair and identity. Methods whose raw proof is not
// deterministic (passkeys, OAuth) supply stable derivation material instead.
//
// Connector: finds an external signer, connects with bounded retries and
// requests signatures with a timeout. The identity behind each signature is
// checked against the requested identifier.
//
// SignatureCache: reuses a signature per identifier for CacheDuration so a
// repeat login does not prompt the user again.
//
// IdentityBinder: create-or-authenticate against a UserStore. An existing
// account that refuses the derived password is reported as an
// AccountConflict, never papered over with a second account.
//
// # Basic Usage
//
//	import (
//	    "github.com/panyam/keybridge"
//	    "github.com/panyam/keybridge/stores"
//	    "github.com/panyam/keybridge/wallet"
//	)
//
//	kb := keybridge.New("myapp", stores.NewMemoryUserStore())
//	walletPlugin := wallet.NewPlugin(wallet.NewLocalWallet(privKey))
//	if err := kb.Register(walletPlugin); err != nil {
//	    log.Fatal(err)
//	}
//
//	res := walletPlugin.Login(ctx, address)
//	if !res.Success {
//	    log.Printf("login failed (%s): %s", res.Kind, res.Error)
//	}
//
// Listen for logins:
//
//	kb.Events.On(keybridge.EventAuthLogin, func(ev keybridge.Event) {
//	    payload := ev.Payload.(keybridge.AuthEvent)
//	    log.Println("logged in", payload.IdentityPub)
//	})
//
// # Concurrency
//
// Two logins for the same identifier at the same time are not serialized.
// Each runs its own create-then-authenticate sequence and the store's
// duplicate check on Create decides which one creates the account.
package keybridge
