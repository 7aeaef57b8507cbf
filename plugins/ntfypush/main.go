// Command ntfypush is a push provider that subscribes to an ntfy topic and
// wakes the client for every message published to it.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"

	"github.com/meszmate/beacon/pkg/plugin"
)

// event is one line of ntfy's JSON stream
type event struct {
	ID       string `json:"id"`
	Time     int64  `json:"time"`
	Event    string `json:"event"`
	Topic    string `json:"topic"`
	Priority int    `json:"priority"`
}

// NtfyProvider streams a topic and forwards messages to the listener
type NtfyProvider struct {
	server string
	client *http.Client
	log    hclog.Logger

	mu        sync.Mutex
	listener  plugin.Listener
	cancel    context.CancelFunc
	available bool
}

// Name returns the provider name
func (p *NtfyProvider) Name() string {
	return "ntfy"
}

// Register subscribes to senderID, which is the topic name
func (p *NtfyProvider) Register(senderID string, l plugin.Listener) error {
	if senderID == "" {
		return fmt.Errorf("empty topic")
	}

	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.listener = l
	p.cancel = cancel
	p.mu.Unlock()

	go p.subscribe(ctx, senderID)
	return nil
}

// Unregister stops the subscription
func (p *NtfyProvider) Unregister() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.listener = nil
	p.available = false
	return nil
}

// IsRegistered reports whether a listener is registered
func (p *NtfyProvider) IsRegistered() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listener != nil
}

// IsServiceAvailable reports whether the stream is currently open
func (p *NtfyProvider) IsServiceAvailable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}

func (p *NtfyProvider) setAvailable(v bool) {
	p.mu.Lock()
	p.available = v
	p.mu.Unlock()
}

// subscribe keeps the stream open, reconnecting with a fixed delay
func (p *NtfyProvider) subscribe(ctx context.Context, topic string) {
	for {
		err := p.stream(ctx, topic)
		p.setAvailable(false)
		if ctx.Err() != nil {
			return
		}
		p.log.Warn("stream ended", "topic", topic, "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(30 * time.Second):
		}
	}
}

func (p *NtfyProvider) stream(ctx context.Context, topic string) error {
	url := strings.TrimRight(p.server, "/") + "/" + topic + "/json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	p.setAvailable(true)

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var ev event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			p.log.Debug("skipping malformed event", "error", err)
			continue
		}
		if ev.Event != "message" {
			continue
		}

		p.mu.Lock()
		l := p.listener
		p.mu.Unlock()
		if l == nil {
			continue
		}
		push := plugin.Push{ID: ev.ID, Topic: ev.Topic, Priority: ev.Priority, Received: time.Unix(ev.Time, 0)}
		if err := l.OnPush(push); err != nil {
			p.log.Warn("listener rejected push", "id", ev.ID, "error", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("stream closed")
}

func main() {
	server := os.Getenv("NTFY_SERVER")
	if server == "" {
		server = "https://ntfy.sh"
	}
	log := hclog.New(&hclog.LoggerOptions{Name: "ntfypush", Output: os.Stderr, JSONFormat: true})

	provider := &NtfyProvider{
		server: server,
		// the stream is long-lived, so only the dial is bounded
		client: &http.Client{Transport: &http.Transport{ResponseHeaderTimeout: 30 * time.Second}},
		log:    log,
	}

	goplugin.Serve(&goplugin.ServeConfig{
		HandshakeConfig: plugin.Handshake,
		Plugins: map[string]goplugin.Plugin{
			"push": &plugin.PushPlugin{Impl: provider},
		},
		Logger: log,
	})
}
