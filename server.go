package watergate

import (
	"context"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stn81/watergate/protocol"
)

type ListenFunc func(addr string) (net.Listener, error)

func TCPListen(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

type ServerConfig struct {
	SendQueueSize  int
	WriteTimeout   time.Duration
	ReadBufferSize int
	MaxFrameSize   int
	MaxConnections int
}

func NewServerConfig() *ServerConfig {
	io := defaultIoConfig()
	return &ServerConfig{
		SendQueueSize:  io.SendQueueSize,
		WriteTimeout:   io.WriteTimeout,
		ReadBufferSize: io.ReadBufferSize,
		MaxFrameSize:   io.MaxFrameSize,
	}
}

// ServerHandler serves one accepted connection. Calls for a connection are
// serialized on its read goroutine; returning an error closes it.
type ServerHandler interface {
	OnConnected(c *ServerConn) error
	OnPacket(c *ServerConn, p protocol.Packet) error
	OnDisconnected(c *ServerConn)
}

// Server is the proxy side of the protocol: it accepts client connections
// and hands their packets to a per-connection ServerHandler.
type Server struct {
	conf       *ServerConfig
	codec      *protocol.Codec
	newHandler func() ServerHandler
	listen     ListenFunc
	log        logrus.FieldLogger

	nextConnID uint64
	numConns   int64

	lnLock    sync.Mutex
	listeners map[net.Listener]struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewServer(ctx context.Context, conf *ServerConfig, newHandler func() ServerHandler) *Server {
	newctx, cancel := context.WithCancel(ctx)

	return &Server{
		conf:       conf,
		codec:      protocol.NewCodec(),
		newHandler: newHandler,
		listen:     TCPListen,
		log:        logger.WithField("component", "server"),
		listeners:  make(map[net.Listener]struct{}),
		ctx:        newctx,
		cancel:     cancel,
	}
}

func (srv *Server) SetLogger(l logrus.FieldLogger) {
	srv.log = l
}

func (srv *Server) Codec() *protocol.Codec {
	return srv.codec
}

func (srv *Server) ListenAndServe(addr string) error {
	ln, err := srv.listen(addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}
	return srv.Serve(ln)
}

func (srv *Server) Serve(ln net.Listener) error {
	if !srv.trackListener(ln) {
		_ = ln.Close()
		return ErrServerClosed
	}
	defer srv.untrackListener(ln)

	var tempDelay time.Duration

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-srv.ctx.Done():
				return ErrServerClosed
			default:
			}

			if ne, ok := err.(net.Error); ok && ne.Temporary() { // nolint: staticcheck
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				srv.log.WithError(err).Warnf("accept error, retrying in %v", tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			return err
		}

		tempDelay = 0

		if max := srv.conf.MaxConnections; max > 0 && atomic.LoadInt64(&srv.numConns) >= int64(max) {
			srv.log.WithField("remote", conn.RemoteAddr().String()).Warn("connection limit reached")
			_ = conn.Close()
			continue
		}

		srv.ServeConn(conn)
	}
}

// ServeConn serves an already established connection in the background.
func (srv *Server) ServeConn(conn net.Conn) *ServerConn {
	c := newServerConn(srv, conn)
	atomic.AddInt64(&srv.numConns, 1)
	srv.wg.Add(1)
	go srv.serve(c)
	return c
}

// Close stops accepting, drops every connection and waits for them to end.
func (srv *Server) Close() {
	srv.closeOnce.Do(func() {
		srv.cancel()

		srv.lnLock.Lock()
		for ln := range srv.listeners {
			_ = ln.Close()
		}
		srv.lnLock.Unlock()

		srv.wg.Wait()
	})
}

func (srv *Server) trackListener(ln net.Listener) bool {
	srv.lnLock.Lock()
	defer srv.lnLock.Unlock()

	select {
	case <-srv.ctx.Done():
		return false
	default:
	}
	srv.listeners[ln] = struct{}{}
	return true
}

func (srv *Server) untrackListener(ln net.Listener) {
	srv.lnLock.Lock()
	delete(srv.listeners, ln)
	srv.lnLock.Unlock()
	_ = ln.Close()
}

func (srv *Server) serve(c *ServerConn) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorf("panic in server connection: %v, stack=%s", r, debug.Stack())
		}
		c.Close()
		c.wg.Wait()
		c.handler.OnDisconnected(c)
		atomic.AddInt64(&srv.numConns, -1)
		srv.wg.Done()
	}()

	c.wg.Add(1)
	go c.writeLoop()

	if err := c.handler.OnConnected(c); err != nil {
		c.log.WithError(err).Info("connection rejected")
		return
	}

	if err := c.readLoop(); err != nil && !c.isClosing() {
		c.log.WithError(err).Debug("connection closed")
	}
}

// ServerConn is one client connection accepted by a Server.
type ServerConn struct {
	id      uint64
	srv     *Server
	conn    net.Conn
	handler ServerHandler
	log     logrus.FieldLogger
	sendQ   chan []byte

	ctx       context.Context
	cancel    context.CancelFunc
	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newServerConn(srv *Server, conn net.Conn) *ServerConn {
	var (
		id             = atomic.AddUint64(&srv.nextConnID, 1)
		newctx, cancel = context.WithCancel(srv.ctx)
	)

	return &ServerConn{
		id:      id,
		srv:     srv,
		conn:    conn,
		handler: srv.newHandler(),
		log: srv.log.WithFields(logrus.Fields{
			"conn":   id,
			"remote": conn.RemoteAddr().String(),
		}),
		sendQ:   make(chan []byte, srv.conf.SendQueueSize),
		ctx:     newctx,
		cancel:  cancel,
		closing: make(chan struct{}),
	}
}

func (c *ServerConn) ID() uint64 {
	return c.id
}

func (c *ServerConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *ServerConn) Logger() logrus.FieldLogger {
	return c.log
}

// Send queues p for writing, waiting while the queue is full.
func (c *ServerConn) Send(p protocol.Packet) error {
	body, err := c.srv.codec.Encode(p)
	if err != nil {
		return errors.Wrapf(err, "encode %s", protocol.Name(p))
	}

	select {
	case <-c.closing:
		return ErrServerClosed
	case <-c.ctx.Done():
		return ErrServerClosed
	case c.sendQ <- body:
		return nil
	}
}

// Reply sends resp as the response to req.
func (c *ServerConn) Reply(req, resp protocol.Packet) error {
	resp.SetResponseID(req.ResponseID())
	return c.Send(resp)
}

// Close flushes the packets already queued and closes the connection.
func (c *ServerConn) Close() {
	c.closeOnce.Do(func() { close(c.closing) })
}

func (c *ServerConn) isClosing() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

func (c *ServerConn) readLoop() error {
	var (
		buf   = make([]byte, c.srv.conf.ReadBufferSize)
		reasm = protocol.NewReassembler(c.srv.conf.MaxFrameSize)
		perr  error
	)

	emit := func(body []byte) {
		if perr != nil {
			return
		}

		p, err := c.srv.codec.Decode(body)
		if err != nil {
			c.log.WithError(err).Error("decode packet failed")
			return
		}
		perr = c.handler.OnPacket(c, p)
	}

	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			reasm.Write(buf[:n])
			if derr := reasm.Drain(emit); derr != nil {
				return derr
			}
			if perr != nil {
				return perr
			}
		}
		if err != nil {
			return err
		}
		if c.isClosing() {
			return nil
		}
	}
}

func (c *ServerConn) writeLoop() {
	var frame []byte

	defer func() {
		_ = c.conn.Close()
		c.cancel()
		c.wg.Done()
	}()

	write := func(body []byte) error {
		frame = protocol.AppendFrame(frame[:0], body)
		if c.srv.conf.WriteTimeout > 0 {
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.srv.conf.WriteTimeout))
		}
		_, err := c.conn.Write(frame)
		return err
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case body := <-c.sendQ:
			if err := write(body); err != nil {
				c.log.WithError(err).Debug("write failed")
				return
			}
		case <-c.closing:
			for {
				select {
				case body := <-c.sendQ:
					if write(body) != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}
