// Package disco caches service discovery results for the server and the
// services the delivery core talks to.
package disco

import (
	"context"
	"sync"
)

// Identity represents a disco identity
type Identity struct {
	Category string
	Type     string
	Name     string
}

// Feature represents a disco feature
type Feature string

// Features the delivery core looks for
const (
	FeatureCSI        Feature = "urn:xmpp:csi:0"
	FeaturePing       Feature = "urn:xmpp:ping"
	FeatureReceipts   Feature = "urn:xmpp:receipts"
	FeatureChatStates Feature = "http://jabber.org/protocol/chatstates"
	FeatureHTTPUpload Feature = "urn:xmpp:http:upload:0"
	FeatureMulticast  Feature = "http://jabber.org/protocol/address"
	FeaturePush       Feature = "urn:xmpp:push:0"
	FeatureVersion    Feature = "jabber:iq:version"
)

// Info represents disco info response
type Info struct {
	Identities []Identity
	Features   []Feature
}

// Has reports whether the entity advertises feature
func (i *Info) Has(feature Feature) bool {
	if i == nil {
		return false
	}
	for _, f := range i.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// Querier performs disco#info requests
type Querier interface {
	DiscoInfo(ctx context.Context, to string) (*Info, error)
}

// Cache caches disco information per entity address; the empty address
// is the server
type Cache struct {
	mu   sync.RWMutex
	info map[string]*Info
}

// NewCache creates a new disco cache
func NewCache() *Cache {
	return &Cache{
		info: make(map[string]*Info),
	}
}

// Discover queries an entity and caches the answer
func (c *Cache) Discover(ctx context.Context, q Querier, to string) (*Info, error) {
	info, err := q.DiscoInfo(ctx, to)
	if err != nil {
		return nil, err
	}
	c.SetInfo(to, info)
	return info, nil
}

// SetInfo sets disco info for an address
func (c *Cache) SetInfo(to string, info *Info) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.info[to] = info
}

// GetInfo gets disco info for an address
func (c *Cache) GetInfo(to string) *Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info[to]
}

// HasFeature checks if an address supports a feature. Unknown entities
// support nothing.
func (c *Cache) HasFeature(to string, feature Feature) bool {
	return c.GetInfo(to).Has(feature)
}

// Clear clears the cache
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.info = make(map[string]*Info)
}
