package watergate

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stn81/watergate/protocol"
)

type options struct {
	log      logrus.FieldLogger
	dial     DialFunc
	listener Listener
	custom   protocol.Handler
	reg      prometheus.Registerer
	codec    *protocol.Codec
	now      func() time.Time
}

type Option func(*options)

func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) { o.log = l }
}

// WithDialFunc replaces the TCP dialer. The circuit breaker still applies.
func WithDialFunc(dial DialFunc) Option {
	return func(o *options) { o.dial = dial }
}

func WithListener(l Listener) Option {
	return func(o *options) { o.listener = l }
}

// WithCustomHandler installs a handler offered every packet the session
// itself leaves unhandled.
func WithCustomHandler(h protocol.Handler) Option {
	return func(o *options) { o.custom = h }
}

// WithRegisterer registers the client metrics with reg instead of a private
// registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.reg = reg }
}

// WithCodec shares a codec, typically one with extra packets registered.
func WithCodec(c *protocol.Codec) Option {
	return func(o *options) { o.codec = c }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Client keeps one upstream session alive and replaces it on reconnect.
//
// Tick, Connect, SendPacket, SendRequest, Ping and Shutdown belong to the tick
// goroutine, the one calling Tick or running Run. Other goroutines hand work
// over with Dispatch.
type Client struct {
	name     string
	conf     *ClientConfig
	codec    *protocol.Codec
	dial     DialFunc
	listener Listener
	custom   protocol.Handler
	forward  []protocol.Handler
	log      logrus.FieldLogger
	metrics  *Metrics
	now      func() time.Time
	session  *Session
	closed   bool

	ctx       context.Context
	dispatchQ chan func()
	closing   chan struct{}
	closeOnce sync.Once
}

func NewClient(ctx context.Context, conf *ClientConfig, opts ...Option) (*Client, error) {
	if err := conf.Retry.Validate(); err != nil {
		return nil, errors.Wrap(err, "client config")
	}
	if err := conf.Io.Validate(); err != nil {
		return nil, errors.Wrap(err, "client config")
	}
	if conf.TickInterval <= 0 {
		return nil, errors.Errorf("client config: tick interval must be positive, got %v", conf.TickInterval)
	}

	o := &options{
		log:      logger,
		listener: ListenerAdapter{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.codec == nil {
		o.codec = protocol.NewCodec()
	}
	if o.dial == nil {
		o.dial = TCPDialFunc(conf.DialTimeout)
	}

	name := conf.Handshake.ClientName
	log := o.log.WithField("client", name)

	c := &Client{
		name:      name,
		conf:      conf,
		codec:     o.codec,
		dial:      breakerDialFunc(newDialBreaker(name, conf.Breaker, log), o.dial),
		listener:  o.listener,
		custom:    o.custom,
		log:       log,
		metrics:   NewMetrics(o.reg, name),
		now:       o.now,
		ctx:       ctx,
		dispatchQ: make(chan func(), 256),
		closing:   make(chan struct{}),
	}
	return c, nil
}

func (c *Client) Name() string {
	return c.name
}

func (c *Client) Config() *ClientConfig {
	return c.conf
}

func (c *Client) Codec() *protocol.Codec {
	return c.codec
}

func (c *Client) Metrics() *Metrics {
	return c.metrics
}

// Session returns the current session, or nil before the first Connect.
func (c *Client) Session() *Session {
	return c.session
}

func (c *Client) SetCustomHandler(h protocol.Handler) {
	c.custom = h
}

// AddForwardHandler registers h to receive the inner packet of every
// Forward, as an Unknown.
func (c *Client) AddForwardHandler(h protocol.Handler) {
	c.forward = append(c.forward, h)
}

// Connect starts a new session unless one is already alive. It does not wait
// for the connection; progress is reported through the Listener.
func (c *Client) Connect() error {
	if c.closed {
		return ErrClientClosed
	}
	if c.IsConnected() {
		return nil
	}

	c.session = newSession(c.ctx, c, c.conf, c.codec, c.dial, c.log, c.metrics, c.now)
	c.log.WithField("addr", c.conf.Addr()).Info("connecting")
	c.session.start()
	return nil
}

func (c *Client) IsConnected() bool {
	return c.session != nil && c.session.IsConnected()
}

func (c *Client) IsAuthenticated() bool {
	return c.session != nil && c.session.IsAuthenticated()
}

func (c *Client) SendPacket(p protocol.Packet) error {
	if c.session == nil {
		return ErrNotConnected
	}
	return c.session.SendPacket(p)
}

func (c *Client) SendRequest(p protocol.Packet) (*Future[protocol.Packet], error) {
	if c.session == nil {
		return nil, ErrNotConnected
	}
	return c.session.SendRequest(p)
}

func (c *Client) Ping(timeout time.Duration) *Future[*protocol.Pong] {
	if c.session == nil {
		f := newFuture[*protocol.Pong]()
		f.complete(nil, ErrNotConnected)
		return f
	}
	return c.session.Ping(timeout)
}

// Dispatch queues fn to run at the start of the next Tick.
func (c *Client) Dispatch(fn func()) error {
	select {
	case <-c.closing:
		return ErrClientClosed
	default:
	}

	select {
	case c.dispatchQ <- fn:
		return nil
	case <-c.closing:
		return ErrClientClosed
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

func (c *Client) Tick() {
	for drained := false; !drained; {
		select {
		case fn := <-c.dispatchQ:
			fn()
		default:
			drained = true
		}
	}

	if c.session != nil {
		c.session.Tick()
	}
}

// Run ticks the client every TickInterval until ctx ends or the client is
// shut down.
func (c *Client) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.conf.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closing:
			return ErrClientClosed
		case <-ticker.C:
			c.Tick()
		}
	}
}

// Shutdown disconnects the current session and stops the client for good.
func (c *Client) Shutdown() {
	if c.closed {
		return
	}
	c.closed = true

	if c.session != nil {
		c.session.Disconnect(protocol.ReasonClientShutdown)
	}

	c.closeOnce.Do(func() { close(c.closing) })
	c.metrics.State.Set(float64(StateShutdown))
	c.log.Info("client shut down")
}

func (c *Client) onSessionConnected(*Session) {
	c.log.Info("client connected")
	c.listener.OnConnected(c)
}

func (c *Client) onSessionAuthenticated(*Session) error {
	c.log.Info("client authenticated")
	return c.listener.OnAuthenticated(c)
}

func (c *Client) onSessionDisconnected(_ *Session, reason string) {
	c.log.WithField("reason", reason).Info("client disconnected")
	c.listener.OnDisconnected(c, reason)
}

func (c *Client) reconnect() error {
	return c.Connect()
}

func (c *Client) customHandler() protocol.Handler {
	return c.custom
}

func (c *Client) forwardHandlers() []protocol.Handler {
	return c.forward
}
