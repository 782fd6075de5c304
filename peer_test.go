package watergate

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stn81/watergate/protocol"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

// pipePeer is the proxy end of a net.Pipe, scripted by the test.
type pipePeer struct {
	conn  net.Conn
	codec *protocol.Codec
	recv  chan protocol.Packet
}

func newPipePeer(conn net.Conn) *pipePeer {
	p := &pipePeer{
		conn:  conn,
		codec: protocol.NewCodec(),
		recv:  make(chan protocol.Packet, 64),
	}
	go p.readLoop()
	return p
}

func (p *pipePeer) readLoop() {
	defer close(p.recv)

	var (
		buf   = make([]byte, 4096)
		reasm = protocol.NewReassembler(0)
	)
	for {
		n, err := p.conn.Read(buf)
		if n > 0 {
			reasm.Write(buf[:n])
			derr := reasm.Drain(func(body []byte) {
				if pkt, err := p.codec.Decode(body); err == nil {
					p.recv <- pkt
				}
			})
			if derr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (p *pipePeer) send(t *testing.T, pkt protocol.Packet) {
	t.Helper()
	body, err := p.codec.Encode(pkt)
	require.NoError(t, err)
	p.sendRaw(t, body)
}

func (p *pipePeer) sendRaw(t *testing.T, body []byte) {
	t.Helper()
	_, err := p.conn.Write(protocol.AppendFrame(nil, body))
	require.NoError(t, err)
}

func (p *pipePeer) reply(t *testing.T, req, resp protocol.Packet) {
	t.Helper()
	resp.SetResponseID(req.ResponseID())
	p.send(t, resp)
}

func (p *pipePeer) expect(t *testing.T) protocol.Packet {
	t.Helper()
	select {
	case pkt, ok := <-p.recv:
		require.True(t, ok, "peer connection closed")
		return pkt
	case <-time.After(waitFor):
		t.Fatal("peer received nothing")
		return nil
	}
}

// expectNone asserts nothing arrives within d. A closed connection counts
// as nothing.
func (p *pipePeer) expectNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case pkt, ok := <-p.recv:
		if ok {
			t.Fatalf("unexpected packet %s", protocol.Name(pkt))
		}
	case <-time.After(d):
	}
}

func (p *pipePeer) close() {
	_ = p.conn.Close()
}

// pipeDialer hands out a fresh pipe on every dial.
type pipeDialer struct {
	peers chan *pipePeer
	mu    sync.Mutex
	all   []net.Conn
}

func newPipeDialer(t *testing.T) *pipeDialer {
	d := &pipeDialer{peers: make(chan *pipePeer, 8)}
	t.Cleanup(func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for _, c := range d.all {
			_ = c.Close()
		}
	})
	return d
}

func (d *pipeDialer) Dial(context.Context, string) (net.Conn, error) {
	client, server := net.Pipe()

	d.mu.Lock()
	d.all = append(d.all, client, server)
	d.mu.Unlock()

	d.peers <- newPipePeer(server)
	return client, nil
}

func (d *pipeDialer) next(t *testing.T) *pipePeer {
	t.Helper()
	select {
	case p := <-d.peers:
		return p
	case <-time.After(waitFor):
		t.Fatal("client did not dial")
		return nil
	}
}

type mockListener struct {
	mock.Mock
}

func (m *mockListener) OnConnected(c *Client) {
	m.Called(c)
}

func (m *mockListener) OnAuthenticated(c *Client) error {
	return m.Called(c).Error(0)
}

func (m *mockListener) OnDisconnected(c *Client, reason string) {
	m.Called(c, reason)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testClientConfig() *ClientConfig {
	conf := NewClientConfig()
	conf.Address = "127.0.0.1"
	conf.Port = 19132
	conf.Handshake.ClientName = "lobby"
	conf.Handshake.Password = "secret"
	conf.PacketLogLevel = protocol.LogLevelAll
	conf.Io.PollInterval = time.Millisecond
	conf.Io.ReadTimeout = time.Millisecond
	conf.Retry.Interval = 5 * time.Millisecond
	conf.Retry.MaxInterval = 20 * time.Millisecond
	conf.Breaker.Enabled = false
	return conf
}

func newTestClient(t *testing.T, conf *ClientConfig, opts ...Option) *Client {
	t.Helper()
	c, err := NewClient(context.Background(), conf, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)
	return c
}

// tickUntil ticks c until cond holds.
func tickUntil(t *testing.T, c *Client, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		c.Tick()
		return cond()
	}, waitFor, 2*time.Millisecond)
}

// authenticate connects c through d and completes the handshake.
func authenticate(t *testing.T, c *Client, d *pipeDialer) *pipePeer {
	t.Helper()
	require.NoError(t, c.Connect())

	peer := d.next(t)
	tickUntil(t, c, func() bool { return c.Session().State() == StateAuthenticating })

	_, ok := peer.expect(t).(*protocol.Handshake)
	require.True(t, ok)

	peer.send(t, &protocol.ServerHandshake{})
	tickUntil(t, c, c.IsAuthenticated)
	return peer
}

// waitQueued blocks until the transport has an inbound body waiting.
func waitQueued(t *testing.T, c *Client) {
	t.Helper()
	waitQueuedN(t, c, 1)
}

func waitQueuedN(t *testing.T, c *Client, n int) {
	t.Helper()
	tr := c.Session().Transport()
	require.Eventually(t, func() bool { return len(tr.recvQ) >= n }, waitFor, time.Millisecond)
}
