package keybridge

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/panyam/keybridge/internal/logger"
)

// KeyBridge is the core plugins are initialized against. It owns the state
// every authentication method shares: the signature cache, the credential
// registry, the identity binder and the event bus.
type KeyBridge struct {
	Config      *Config
	Store       UserStore
	Events      *Events
	Metrics     *Metrics
	Cache       *SignatureCache
	Credentials *CredentialRegistry
	Binder      *IdentityBinder

	// Optional. Login and SignUp attempts are limited per identifier.
	RateLimiter RateLimiter

	mu      sync.RWMutex
	plugins map[string]*registered
}

type registered struct {
	plugin Plugin
	reg    PluginRegistration
}

// New creates a KeyBridge with default configuration backed by store.
func New(appName string, store UserStore) *KeyBridge {
	return (&KeyBridge{Config: &Config{AppName: appName}, Store: store}).EnsureDefaults()
}

// EnsureDefaults fills in every unset collaborator.
func (k *KeyBridge) EnsureDefaults() *KeyBridge {
	if k.Config == nil {
		k.Config = &Config{}
	}
	k.Config.EnsureDefaults()
	if k.Events == nil {
		k.Events = NewEvents()
	}
	if k.Cache == nil {
		k.Cache = NewSignatureCache(k.Config.CacheDuration, k.Config.CacheSize, nil)
	}
	if k.Metrics != nil {
		k.Cache.WithMetrics(k.Metrics)
	}
	if k.Credentials == nil {
		k.Credentials = NewCredentialRegistry()
	}
	if k.Binder == nil {
		k.Binder = NewIdentityBinder(k.Store, k.Config)
	}
	if k.Binder.Registry == nil {
		k.Binder.Registry = k.Credentials
	}
	if k.Binder.Metrics == nil {
		k.Binder.Metrics = k.Metrics
	}
	if k.RateLimiter == nil && k.Config.LoginRatePerSecond > 0 {
		k.RateLimiter = NewKeyedLimiter(k.Config.LoginRatePerSecond, k.Config.LoginBurst)
	}
	if k.plugins == nil {
		k.plugins = make(map[string]*registered)
	}
	return k
}

// ConnectorOptions returns connector settings derived from the config and
// wired to the shared cache.
func (k *KeyBridge) ConnectorOptions() ConnectorOptions {
	return ConnectorOptions{
		MaxRetries:       k.Config.MaxRetries,
		RetryDelay:       k.Config.RetryDelay,
		SignatureTimeout: k.Config.SignatureTimeout,
		Message:          k.Config.AuthMessage,
		Cache:            k.Cache,
		Metrics:          k.Metrics,
	}
}

// Register initializes p and records it under its name. A name can only be
// registered once. If Initialize fails the registration is kept with its Err
// set and the error is returned.
func (k *KeyBridge) Register(p Plugin) error {
	name := p.Name()
	k.mu.Lock()
	if _, ok := k.plugins[name]; ok {
		k.mu.Unlock()
		return fmt.Errorf("plugin %q already registered", name)
	}
	entry := &registered{plugin: p, reg: PluginRegistration{Name: name, Version: p.Version(), Category: p.Category()}}
	k.plugins[name] = entry
	k.mu.Unlock()

	err := safeInitialize(p, k)
	k.mu.Lock()
	entry.reg.Initialized = err == nil
	entry.reg.Err = err
	k.mu.Unlock()
	if err != nil {
		logger.Log.Error("plugin initialization failed", zap.String("plugin", name), zap.Error(err))
		return err
	}
	logger.Log.Info("plugin registered", zap.String("plugin", name), zap.String("version", p.Version()))
	k.Events.Emit(EventPluginRegistered, PluginEvent{Name: name, Version: p.Version(), Category: p.Category()})
	return nil
}

func safeInitialize(p Plugin, k *KeyBridge) (err error) {
	defer recoverInto(p.Name()+" initialize", &err)
	return p.Initialize(k)
}

func safeDestroy(p Plugin) (err error) {
	defer recoverInto(p.Name()+" destroy", &err)
	p.Destroy()
	return nil
}

// Unregister destroys the plugin registered under name and forgets it.
func (k *KeyBridge) Unregister(name string) error {
	k.mu.Lock()
	entry, ok := k.plugins[name]
	if ok {
		delete(k.plugins, name)
	}
	k.mu.Unlock()
	if !ok {
		return fmt.Errorf("plugin %q not registered", name)
	}
	err := safeDestroy(entry.plugin)
	k.Events.Emit(EventPluginUnregistered, PluginEvent{Name: name, Version: entry.reg.Version, Category: entry.reg.Category})
	return err
}

// Plugin returns the plugin registered under name.
func (k *KeyBridge) Plugin(name string) (Plugin, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	entry, ok := k.plugins[name]
	if !ok {
		return nil, false
	}
	return entry.plugin, true
}

// Registrations lists registered plugins sorted by name.
func (k *KeyBridge) Registrations() []PluginRegistration {
	k.mu.RLock()
	out := make([]PluginRegistration, 0, len(k.plugins))
	for _, entry := range k.plugins {
		out = append(out, entry.reg)
	}
	k.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close destroys and unregisters every plugin.
func (k *KeyBridge) Close() error {
	var err error
	for _, reg := range k.Registrations() {
		err = multierr.Append(err, k.Unregister(reg.Name))
	}
	return err
}

// Allow applies the rate limiter to identifier.
func (k *KeyBridge) Allow(method Method, identifier string) error {
	if k.RateLimiter == nil {
		return nil
	}
	if !k.RateLimiter.Allow(string(method) + ":" + normalizeIdentifier(identifier)) {
		return ErrRateLimited
	}
	return nil
}

// IsBound reports whether identityPub belongs to an account bound through
// this broker: a credential on file carries it, or the store knows it.
func (k *KeyBridge) IsBound(identityPub string) bool {
	if identityPub == "" {
		return false
	}
	if k.Credentials != nil && k.Credentials.HasIdentity(identityPub) {
		return true
	}
	lookup, ok := k.Store.(IdentityLookup)
	if !ok {
		return false
	}
	found, err := raceTimeout(context.Background(), k.Config.StoreTimeout, "identity lookup", func(ctx context.Context) (bool, error) {
		return lookup.HasIdentity(ctx, identityPub)
	})
	if err != nil {
		logger.Log.Warn("identity lookup failed", zap.Error(err))
		return false
	}
	return found
}
