package keybridge

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/panyam/keybridge/internal/logger"
)

// Method names an authentication method.
type Method string

const (
	MethodWallet  Method = "wallet"
	MethodPasskey Method = "passkey"
	MethodOAuth   Method = "oauth"
	MethodRelay   Method = "relay"
)

// Category groups plugins by purpose.
type Category string

const (
	CategoryAuthentication Category = "authentication"
	CategoryUtility        Category = "utility"
)

// Plugin is implemented by everything registered with a KeyBridge.
type Plugin interface {
	Name() string
	Version() string
	Category() Category

	// Initialize binds the plugin to core. A second call is ignored.
	Initialize(core *KeyBridge) error

	// Destroy releases the plugin's resources. It is safe to call more than once.
	Destroy()
}

// PluginState is the lifecycle state of a plugin.
type PluginState int

const (
	StateUnregistered PluginState = iota
	StateInitialized
	StateDestroyed
)

func (s PluginState) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateInitialized:
		return "initialized"
	case StateDestroyed:
		return "destroyed"
	}
	return fmt.Sprintf("PluginState(%d)", int(s))
}

// Lifecycle tracks Unregistered -> Initialized -> Destroyed for a plugin.
// Plugins embed it and call MarkInitialized / MarkDestroyed from their
// Initialize and Destroy methods.
type Lifecycle struct {
	mu    sync.RWMutex
	state PluginState
	core  *KeyBridge
}

// MarkInitialized moves to Initialized and reports whether the caller should
// go on with initialization. Re-initializing, or initializing after destroy,
// logs a warning and returns false.
func (l *Lifecycle) MarkInitialized(name string, core *KeyBridge) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateUnregistered {
		logger.Log.Warn("plugin already initialized or destroyed",
			zap.String("plugin", name), zap.Stringer("state", l.state))
		return false
	}
	l.state = StateInitialized
	l.core = core
	return true
}

// MarkDestroyed moves to Destroyed and emits plugin:destroyed. It returns
// false when there was nothing to destroy.
func (l *Lifecycle) MarkDestroyed(ev PluginEvent) bool {
	l.mu.Lock()
	if l.state != StateInitialized {
		l.state = StateDestroyed
		l.mu.Unlock()
		return false
	}
	core := l.core
	l.state = StateDestroyed
	l.core = nil
	l.mu.Unlock()

	if core != nil {
		core.Events.Emit(EventPluginDestroyed, ev)
	}
	return true
}

// State returns the current lifecycle state.
func (l *Lifecycle) State() PluginState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Core returns the KeyBridge the plugin was initialized with.
func (l *Lifecycle) Core() *KeyBridge {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.core
}

// RequireInitialized guards every plugin operation other than Initialize and Destroy.
func RequireInitialized(l *Lifecycle) (*KeyBridge, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.state != StateInitialized || l.core == nil {
		return nil, ErrNotInitialized
	}
	return l.core, nil
}

// PluginRegistration records a plugin held by a KeyBridge.
type PluginRegistration struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Category    Category `json:"category"`
	Initialized bool     `json:"initialized"`
	Err         error    `json:"-"`
}
