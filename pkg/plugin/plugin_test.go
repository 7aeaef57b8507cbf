package plugin

import (
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memProvider struct {
	mu        sync.Mutex
	senderID  string
	listener  Listener
	available bool
}

func (p *memProvider) Name() string { return "mem" }

func (p *memProvider) Register(senderID string, l Listener) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.senderID = senderID
	p.listener = l
	return nil
}

func (p *memProvider) Unregister() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listener = nil
	return nil
}

func (p *memProvider) IsRegistered() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listener != nil
}

func (p *memProvider) IsServiceAvailable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}

func (p *memProvider) push(push Push) error {
	p.mu.Lock()
	l := p.listener
	p.mu.Unlock()
	return l.OnPush(push)
}

func dispense(t *testing.T, impl Provider) Provider {
	t.Helper()
	client, _ := plugin.TestPluginRPCConn(t, map[string]plugin.Plugin{
		"push": &PushPlugin{Impl: impl},
	}, nil)
	t.Cleanup(func() { client.Close() })

	raw, err := client.Dispense("push")
	require.NoError(t, err)
	p, ok := raw.(Provider)
	require.True(t, ok)
	return p
}

func TestPushOverRPC(t *testing.T) {
	impl := &memProvider{available: true}
	p := dispense(t, impl)

	assert.Equal(t, "mem", p.Name())
	assert.True(t, p.IsServiceAvailable())
	assert.False(t, p.IsRegistered())

	got := make(chan Push, 1)
	require.NoError(t, p.Register("beacon-topic", ListenerFunc(func(push Push) error {
		got <- push
		return nil
	})))
	assert.True(t, p.IsRegistered())
	assert.Equal(t, "beacon-topic", impl.senderID)

	at := time.Unix(1700000000, 0).UTC()
	require.NoError(t, impl.push(Push{ID: "p1", Topic: "beacon-topic", Priority: 4, Received: at}))

	select {
	case push := <-got:
		assert.Equal(t, "p1", push.ID)
		assert.Equal(t, 4, push.Priority)
		assert.True(t, at.Equal(push.Received))
	case <-time.After(2 * time.Second):
		t.Fatal("push was not delivered")
	}

	require.NoError(t, p.Unregister())
	assert.False(t, p.IsRegistered())
}

func TestHostWithoutProvider(t *testing.T) {
	h := NewHost(nil)
	assert.False(t, h.IsServiceAvailable())
	assert.False(t, h.IsRegistered())
	assert.ErrorIs(t, h.Register("x", ListenerFunc(func(Push) error { return nil })), ErrNoProvider)
	_, ok := h.Metadata()
	assert.False(t, ok)
}

func TestHostAttach(t *testing.T) {
	impl := &memProvider{available: true}
	h := NewHost(nil)
	h.Attach(impl)

	var pushes []Push
	require.NoError(t, h.Register("s", ListenerFunc(func(p Push) error {
		pushes = append(pushes, p)
		return nil
	})))
	assert.True(t, h.IsRegistered())
	require.NoError(t, impl.push(Push{ID: "a"}))
	assert.Len(t, pushes, 1)

	meta, ok := h.Metadata()
	require.True(t, ok)
	assert.Equal(t, "mem", meta.Name)

	h.Close()
	assert.False(t, impl.IsRegistered())
	assert.False(t, h.IsServiceAvailable())
}
