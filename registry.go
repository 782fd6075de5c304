package watergate

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/stn81/watergate/protocol"
)

// Registry owns the named clients of a Config and ticks them together.
// Like Client, it belongs to the tick goroutine.
type Registry struct {
	conf    *Config
	clients map[string]*Client
	names   []string
	closed  bool
}

// NewRegistry builds one client per configured connection. Every client
// identifies itself by its connection name and gets the same opts.
func NewRegistry(ctx context.Context, conf *Config, opts ...Option) (*Registry, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	r := &Registry{
		conf:    conf,
		clients: make(map[string]*Client, len(conf.Connections)),
	}

	for name := range conf.Connections {
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)

	for _, name := range r.names {
		clientConf, err := conf.ClientConfig(name)
		if err != nil {
			return nil, err
		}

		client, err := NewClient(ctx, clientConf, opts...)
		if err != nil {
			return nil, errors.Wrapf(err, "create client %s", name)
		}
		r.clients[name] = client
	}
	return r, nil
}

// Client returns the named client, or nil.
func (r *Registry) Client(name string) *Client {
	return r.clients[name]
}

// Default returns the client named by defaultClient, or nil.
func (r *Registry) Default() *Client {
	return r.clients[r.conf.DefaultClient]
}

// Clients returns all clients ordered by name.
func (r *Registry) Clients() []*Client {
	clients := make([]*Client, 0, len(r.names))
	for _, name := range r.names {
		clients = append(clients, r.clients[name])
	}
	return clients
}

// ConnectAll connects every client when the config enables autoStart.
func (r *Registry) ConnectAll() error {
	if r.closed {
		return ErrClientClosed
	}
	if !r.conf.AutoStart {
		return nil
	}

	for _, c := range r.Clients() {
		if err := c.Connect(); err != nil {
			return errors.Wrapf(err, "connect %s", c.Name())
		}
	}
	return nil
}

// AddForwardHandler registers h with every client.
func (r *Registry) AddForwardHandler(h protocol.Handler) {
	for _, c := range r.clients {
		c.AddForwardHandler(h)
	}
}

func (r *Registry) Tick() {
	for _, c := range r.Clients() {
		c.Tick()
	}
}

// Run ticks all clients every tickInterval until ctx ends or the registry is
// shut down.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.conf.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if r.closed {
				return ErrClientClosed
			}
			r.Tick()
		}
	}
}

func (r *Registry) Shutdown() {
	if r.closed {
		return
	}
	r.closed = true

	for _, c := range r.Clients() {
		c.Shutdown()
	}
}

// TransferPlayer asks the proxy to move player to target. An empty client
// name selects the default client.
func (r *Registry) TransferPlayer(player, target, client string) error {
	c, err := r.pick(client)
	if err != nil {
		return err
	}
	return c.SendPacket(&protocol.ServerTransfer{PlayerName: player, TargetServer: target})
}

// ServerInfo queries the proxy about server, or about the client's own
// server when self is set. The future completes with a
// *protocol.ServerInfoResponse.
func (r *Registry) ServerInfo(server string, self bool, client string) (*Future[protocol.Packet], error) {
	c, err := r.pick(client)
	if err != nil {
		return nil, err
	}
	return c.SendRequest(&protocol.ServerInfoRequest{ServerName: server, SelfInfo: self})
}

// PlayerPing queries the proxy for the latency of player. The future
// completes with a *protocol.PlayerPingResponse.
func (r *Registry) PlayerPing(player, client string) (*Future[protocol.Packet], error) {
	c, err := r.pick(client)
	if err != nil {
		return nil, err
	}
	return c.SendRequest(&protocol.PlayerPingRequest{PlayerName: player})
}

func (r *Registry) pick(name string) (*Client, error) {
	if name == "" {
		name = r.conf.DefaultClient
	}

	c, ok := r.clients[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownClient, "client %q", name)
	}
	return c, nil
}
