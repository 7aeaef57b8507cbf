// Package plugin defines the push provider contract and hosts provider
// binaries over hashicorp/go-plugin's net/rpc protocol.
//
// A provider delivers wake-ups while the client holds no connection. The
// host registers a Listener with it; the provider calls the listener back
// through the plugin broker whenever a push arrives.
package plugin

import (
	"time"
)

// Push is a wake-up delivered by a provider
type Push struct {
	// ID is the provider's identifier for the push
	ID string
	// Topic is the sender id the push was addressed to
	Topic    string
	Priority int
	Received time.Time
}

// Listener receives pushes
type Listener interface {
	OnPush(p Push) error
}

// Provider is the push registrar contract
type Provider interface {
	// Name identifies the provider
	Name() string

	// Register starts delivering pushes addressed to senderID to l. A second
	// Register replaces the listener.
	Register(senderID string, l Listener) error

	// Unregister stops delivery
	Unregister() error

	// IsRegistered reports whether a listener is registered
	IsRegistered() bool

	// IsServiceAvailable reports whether the push service can currently
	// reach the client
	IsServiceAvailable() bool
}

// ListenerFunc adapts a function to a Listener
type ListenerFunc func(p Push) error

// OnPush calls f
func (f ListenerFunc) OnPush(p Push) error {
	return f(p)
}

// Metadata describes a loaded provider
type Metadata struct {
	Name    string
	Path    string
	Started time.Time
}
