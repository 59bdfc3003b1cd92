//go:build !wasm
// +build !wasm

// Package gorm provides a GORM-based keybridge UserStore.
// It supports any database that GORM supports (PostgreSQL, MySQL, SQLite, etc.)
// and is suitable for production deployments requiring relational database storage.
//
// # Database Schema
//
// The package auto-migrates the following tables:
//   - accounts: one row per bound identity, keyed by the derived username
//
// # Usage
//
//	db, _ := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
//	if err := gormstore.AutoMigrate(db); err != nil { ... }
//	store := gormstore.NewAccountStore(db)
//	kb := keybridge.New("myapp", store)
package gorm
