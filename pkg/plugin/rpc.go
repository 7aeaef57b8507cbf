package plugin

import (
	"net/rpc"

	"github.com/hashicorp/go-plugin"
)

// PushPlugin is the go-plugin glue for a Provider. Provider binaries set
// Impl; the host leaves it nil.
type PushPlugin struct {
	Impl Provider
}

var _ plugin.Plugin = (*PushPlugin)(nil)

// Server returns the RPC server for the provider side
func (p *PushPlugin) Server(broker *plugin.MuxBroker) (interface{}, error) {
	return &PushRPCServer{Impl: p.Impl, broker: broker}, nil
}

// Client returns the host side stub
func (p *PushPlugin) Client(broker *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &PushRPCClient{client: c, broker: broker}, nil
}

// RegisterArgs carries a registration across the plugin boundary. The
// listener is served by the host on ListenerID.
type RegisterArgs struct {
	SenderID   string
	ListenerID uint32
}

// PushRPCClient is the host's view of a provider
type PushRPCClient struct {
	client *rpc.Client
	broker *plugin.MuxBroker
}

var _ Provider = (*PushRPCClient)(nil)

// Name asks the provider for its name
func (c *PushRPCClient) Name() string {
	var resp string
	if err := c.client.Call("Plugin.Name", new(interface{}), &resp); err != nil {
		return ""
	}
	return resp
}

// Register serves l on a broker stream and passes its id to the provider
func (c *PushRPCClient) Register(senderID string, l Listener) error {
	id := c.broker.NextId()
	go c.broker.AcceptAndServe(id, &ListenerRPCServer{Impl: l})
	return c.client.Call("Plugin.Register", &RegisterArgs{SenderID: senderID, ListenerID: id}, new(interface{}))
}

// Unregister stops delivery
func (c *PushRPCClient) Unregister() error {
	return c.client.Call("Plugin.Unregister", new(interface{}), new(interface{}))
}

// IsRegistered reports whether the provider has a listener
func (c *PushRPCClient) IsRegistered() bool {
	var resp bool
	if err := c.client.Call("Plugin.IsRegistered", new(interface{}), &resp); err != nil {
		return false
	}
	return resp
}

// IsServiceAvailable reports false when the provider cannot be reached
func (c *PushRPCClient) IsServiceAvailable() bool {
	var resp bool
	if err := c.client.Call("Plugin.IsServiceAvailable", new(interface{}), &resp); err != nil {
		return false
	}
	return resp
}

// PushRPCServer runs inside the provider binary
type PushRPCServer struct {
	Impl   Provider
	broker *plugin.MuxBroker
}

func (s *PushRPCServer) Name(_ interface{}, resp *string) error {
	*resp = s.Impl.Name()
	return nil
}

func (s *PushRPCServer) Register(args *RegisterArgs, _ *interface{}) error {
	conn, err := s.broker.Dial(args.ListenerID)
	if err != nil {
		return err
	}
	return s.Impl.Register(args.SenderID, &ListenerRPCClient{client: rpc.NewClient(conn)})
}

func (s *PushRPCServer) Unregister(_ interface{}, _ *interface{}) error {
	return s.Impl.Unregister()
}

func (s *PushRPCServer) IsRegistered(_ interface{}, resp *bool) error {
	*resp = s.Impl.IsRegistered()
	return nil
}

func (s *PushRPCServer) IsServiceAvailable(_ interface{}, resp *bool) error {
	*resp = s.Impl.IsServiceAvailable()
	return nil
}

// ListenerRPCClient is the provider's handle on the host's listener
type ListenerRPCClient struct {
	client *rpc.Client
}

// OnPush forwards p to the host
func (c *ListenerRPCClient) OnPush(p Push) error {
	return c.client.Call("Plugin.OnPush", &p, new(interface{}))
}

// Close drops the broker stream
func (c *ListenerRPCClient) Close() error {
	return c.client.Close()
}

// ListenerRPCServer serves a Listener on a broker stream
type ListenerRPCServer struct {
	Impl Listener
}

func (s *ListenerRPCServer) OnPush(p *Push, _ *interface{}) error {
	return s.Impl.OnPush(*p)
}
