//go:build !wasm
// +build !wasm

// Package gae provides a Google Cloud Datastore keybridge UserStore.
// It is designed for deployment on Google Cloud Platform and supports multi-tenancy
// through Datastore namespaces.
//
// # Datastore Kinds
//
//   - Account: one entity per bound identity, keyed by the derived username
//
// # Namespacing
//
// Pass a namespace when creating the store to isolate data between tenants:
//
//	store := gae.NewAccountStore(client, "tenant-123")
//
// # Usage
//
//	client, _ := datastore.NewClient(ctx, projectID)
//	store := gae.NewAccountStore(client, "")  // default namespace
package gae
