package keybridge

import (
	"sync"

	"go.uber.org/zap"

	"github.com/panyam/keybridge/internal/logger"
)

// EventName identifies a broker event.
type EventName string

const (
	EventAuthLogin          EventName = "auth:login"
	EventAuthSignup         EventName = "auth:signup"
	EventPluginRegistered   EventName = "plugin:registered"
	EventPluginUnregistered EventName = "plugin:unregistered"
	EventPluginDestroyed    EventName = "plugin:destroyed"
)

// AuthEvent is the payload of auth:login and auth:signup.
type AuthEvent struct {
	IdentityPub string `json:"identityPub"`
	Username    string `json:"username"`
	Method      Method `json:"method"`
}

// PluginEvent is the payload of the plugin:* events.
type PluginEvent struct {
	Name     string   `json:"name"`
	Version  string   `json:"version"`
	Category Category `json:"category"`
}

// Event is delivered to listeners.
type Event struct {
	Name    EventName
	Payload any
}

type Listener func(Event)

type listenerEntry struct {
	id int
	fn Listener
}

// Events is a synchronous publish/subscribe registry. Emit runs listeners
// inline, in subscription order, before returning.
type Events struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[EventName][]listenerEntry
}

func NewEvents() *Events {
	return &Events{listeners: make(map[EventName][]listenerEntry)}
}

// On subscribes fn to name and returns a function that unsubscribes it.
func (e *Events) On(name EventName, fn Listener) (off func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.listeners[name] = append(e.listeners[name], listenerEntry{id: id, fn: fn})
	return func() { e.off(name, id) }
}

func (e *Events) off(name EventName, id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entries := e.listeners[name]
	for i, entry := range entries {
		if entry.id == id {
			e.listeners[name] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// Emit delivers payload to every listener of name. A panicking listener is
// logged and does not stop delivery to the others.
func (e *Events) Emit(name EventName, payload any) {
	if e == nil {
		return
	}
	e.mu.RLock()
	entries := append([]listenerEntry(nil), e.listeners[name]...)
	e.mu.RUnlock()

	ev := Event{Name: name, Payload: payload}
	for _, entry := range entries {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Log.Error("event listener panicked",
						zap.String("event", string(name)), zap.Any("panic", r))
				}
			}()
			entry.fn(ev)
		}()
	}
}

// ListenerCount returns the number of listeners on name.
func (e *Events) ListenerCount(name EventName) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners[name])
}
