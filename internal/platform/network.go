package platform

import (
	"context"
	"net"
	"strings"
	"time"
)

// Network type names
const (
	NetworkWiFi     = "wifi"
	NetworkEthernet = "ethernet"
	NetworkMobile   = "mobile"
	NetworkNone     = "none"
)

// Network describes the active network
type Network struct {
	Type string
	// ID distinguishes networks with different latency characteristics,
	// e.g. "wifi" or "mobile:rmnet0"
	ID        string
	Metered   bool
	Available bool
}

// Unmetered reports whether probing traffic is cheap and carriers will not
// drop the session for being late
func (n Network) Unmetered() bool {
	return n.Available && !n.Metered
}

// NetworkMonitor reports the active network
type NetworkMonitor interface {
	Current() Network
}

// StaticNetwork always reports the same network
type StaticNetwork Network

// Current returns the configured network
func (s StaticNetwork) Current() Network {
	return Network(s)
}

// InterfaceMonitor classifies the first usable interface by name
type InterfaceMonitor struct {
	interfaces func() ([]net.Interface, error)
}

// NewInterfaceMonitor creates a monitor over the host interfaces
func NewInterfaceMonitor() *InterfaceMonitor {
	return &InterfaceMonitor{interfaces: net.Interfaces}
}

// Current inspects the host interfaces
func (m *InterfaceMonitor) Current() Network {
	ifaces, err := m.interfaces()
	if err != nil {
		return Network{Type: NetworkNone, ID: NetworkNone}
	}

	var fallback *Network
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		n := Classify(iface.Name)
		if n.Type == NetworkWiFi || n.Type == NetworkMobile {
			return n
		}
		if fallback == nil {
			fallback = &n
		}
	}
	if fallback != nil {
		return *fallback
	}
	return Network{Type: NetworkNone, ID: NetworkNone}
}

// Classify maps an interface name to a network
func Classify(name string) Network {
	switch {
	case strings.HasPrefix(name, "wl"), strings.HasPrefix(name, "wlan"):
		return Network{Type: NetworkWiFi, ID: NetworkWiFi, Available: true}
	case strings.HasPrefix(name, "ww"), strings.HasPrefix(name, "rmnet"), strings.HasPrefix(name, "ccmni"):
		return Network{Type: NetworkMobile, ID: NetworkMobile + ":" + name, Metered: true, Available: true}
	default:
		// wired links behave like wifi for keepalive purposes
		return Network{Type: NetworkEthernet, ID: NetworkWiFi, Available: true}
	}
}

// Watch polls monitor every interval and calls fn when the network ID changes.
// It returns when ctx is done.
func Watch(ctx context.Context, monitor NetworkMonitor, interval time.Duration, fn func(Network)) {
	if interval <= 0 {
		return
	}
	last := monitor.Current()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := monitor.Current()
			if cur.ID != last.ID || cur.Available != last.Available {
				last = cur
				fn(cur)
			}
		}
	}
}
