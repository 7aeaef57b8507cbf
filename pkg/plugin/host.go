package plugin

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"
)

// ErrNoProvider is returned when no provider is loaded
var ErrNoProvider = errors.New("no push provider loaded")

// Handshake is the plugin handshake config
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "BEACON_PUSH_PLUGIN",
	MagicCookieValue: "beacon",
}

// PluginMap is the plugin type map
var PluginMap = map[string]plugin.Plugin{
	"push": &PushPlugin{},
}

// Host runs a push provider binary and acts as the registrar for it. A host
// without a provider reports the push service as unavailable.
type Host struct {
	mu       sync.RWMutex
	client   *plugin.Client
	provider Provider
	meta     Metadata
	logOut   io.Writer
}

// NewHost creates a host. Provider logs are written to logOut; nil
// discards them.
func NewHost(logOut io.Writer) *Host {
	if logOut == nil {
		logOut = io.Discard
	}
	return &Host{logOut: logOut}
}

// Load starts the provider binary at path, replacing any loaded one
func (h *Host) Load(path string) error {
	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig: Handshake,
		Plugins:         PluginMap,
		Cmd:             exec.Command(path),
		AllowedProtocols: []plugin.Protocol{
			plugin.ProtocolNetRPC,
		},
		Logger: hclog.New(&hclog.LoggerOptions{
			Name:   "push",
			Output: h.logOut,
			Level:  hclog.Info,
		}),
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return fmt.Errorf("failed to connect to plugin: %w", err)
	}

	raw, err := rpcClient.Dispense("push")
	if err != nil {
		client.Kill()
		return fmt.Errorf("failed to dispense plugin: %w", err)
	}
	p, ok := raw.(Provider)
	if !ok {
		client.Kill()
		return fmt.Errorf("plugin %s is not a push provider", path)
	}

	h.mu.Lock()
	prev := h.client
	h.client = client
	h.setLocked(p, path)
	h.mu.Unlock()

	if prev != nil {
		prev.Kill()
	}
	return nil
}

// Attach uses an in-process provider
func (h *Host) Attach(p Provider) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.setLocked(p, "")
}

func (h *Host) setLocked(p Provider, path string) {
	h.provider = p
	h.meta = Metadata{Name: p.Name(), Path: path, Started: time.Now()}
}

func (h *Host) current() Provider {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.provider
}

// Metadata describes the loaded provider
func (h *Host) Metadata() (Metadata, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.meta, h.provider != nil
}

// Register registers l for pushes addressed to senderID
func (h *Host) Register(senderID string, l Listener) error {
	p := h.current()
	if p == nil {
		return ErrNoProvider
	}
	return p.Register(senderID, l)
}

// Unregister stops push delivery
func (h *Host) Unregister() error {
	p := h.current()
	if p == nil {
		return ErrNoProvider
	}
	return p.Unregister()
}

// IsRegistered reports whether a listener is registered
func (h *Host) IsRegistered() bool {
	p := h.current()
	return p != nil && p.IsRegistered()
}

// IsServiceAvailable reports whether pushes can reach us
func (h *Host) IsServiceAvailable() bool {
	p := h.current()
	return p != nil && p.IsServiceAvailable()
}

// Close unregisters and stops the provider
func (h *Host) Close() {
	h.mu.Lock()
	p, client := h.provider, h.client
	h.provider, h.client = nil, nil
	h.mu.Unlock()

	if p != nil {
		_ = p.Unregister()
	}
	if client != nil {
		client.Kill()
	}
}
