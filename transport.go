package watergate

import (
	"context"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stn81/watergate/protocol"
)

// Transport owns one upstream connection. It dials, then runs a paced loop on
// its own goroutine that reads frames into the inbound queue and writes the
// bodies waiting in the outbound queue. The queues and the state word are the
// only things shared with the session.
type Transport struct {
	addr    string
	conf    *IoConfig
	retry   RetryPolicy
	dial    DialFunc
	log     logrus.FieldLogger
	metrics *Metrics

	sendQ chan []byte
	recvQ chan []byte

	state   int32
	started int32

	connLock sync.Mutex
	conn     *pollConn
	reasm    *protocol.Reassembler

	errLock sync.Mutex
	err     error

	ctx          context.Context
	cancel       context.CancelFunc
	closing      chan struct{}
	done         chan struct{}
	closeOnce    sync.Once
	closingOnce  sync.Once
	shutdownOnce sync.Once
}

func newTransport(ctx context.Context, addr string, conf *ClientConfig, dial DialFunc, log logrus.FieldLogger, m *Metrics) *Transport {
	newctx, cancel := context.WithCancel(ctx)

	io := conf.Io.withDefaults()

	return &Transport{
		addr:    addr,
		conf:    &io,
		retry:   conf.Retry,
		dial:    dial,
		log:     log.WithField("addr", addr),
		metrics: m,
		sendQ:   make(chan []byte, io.SendQueueSize),
		recvQ:   make(chan []byte, io.RecvQueueSize),
		state:   int32(StateDisconnected),
		reasm:   protocol.NewReassembler(io.MaxFrameSize),
		ctx:     newctx,
		cancel:  cancel,
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the transport goroutine. Calls after the first, or after the
// transport was closed, do nothing.
func (t *Transport) Start() {
	if !atomic.CompareAndSwapInt32(&t.started, 0, 1) {
		return
	}
	t.setState(StateConnecting)
	go t.run()
}

func (t *Transport) State() State {
	return State(atomic.LoadInt32(&t.state))
}

func (t *Transport) setState(s State) {
	atomic.StoreInt32(&t.state, int32(s))
	t.metrics.State.Set(float64(s))
}

func (t *Transport) IsClosed() bool {
	return t.State().Closed()
}

// Send queues a frame body for writing. It never blocks.
func (t *Transport) Send(body []byte) error {
	if t.IsClosed() {
		return ErrTransportClosed
	}

	select {
	case t.sendQ <- body:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Receive pops the next inbound frame body, if any.
func (t *Transport) Receive() (body []byte, ok bool) {
	select {
	case body = <-t.recvQ:
		ok = true
	default:
	}
	return
}

// Close stops the loop after one more iteration, so bodies already queued
// for writing still go out.
func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		if t.State() != StateShutdown {
			t.setState(StateDisconnected)
		}
		t.signalClosing()

		if atomic.CompareAndSwapInt32(&t.started, 0, 1) {
			t.Shutdown()
			close(t.done)
		}
	})
}

// Shutdown releases the socket and cancels the loop immediately.
func (t *Transport) Shutdown() {
	t.shutdownOnce.Do(func() {
		t.setState(StateShutdown)
		t.signalClosing()
		t.cancel()

		t.connLock.Lock()
		if t.conn != nil {
			_ = t.conn.Close()
		}
		t.connLock.Unlock()

		if atomic.CompareAndSwapInt32(&t.started, 0, 1) {
			close(t.done)
		}
	})
}

// Done is closed when the transport goroutine has exited.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// Err returns the cause of an unrequested teardown, or nil.
func (t *Transport) Err() error {
	t.errLock.Lock()
	defer t.errLock.Unlock()
	return t.err
}

func (t *Transport) Addr() string {
	return t.addr
}

func (t *Transport) LocalAddr() net.Addr {
	t.connLock.Lock()
	defer t.connLock.Unlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

func (t *Transport) String() string {
	var in, out uint64
	t.connLock.Lock()
	if t.conn != nil {
		in, out = t.conn.ReadBytes(), t.conn.WriteBytes()
	}
	t.connLock.Unlock()
	return fmt.Sprintf("transport %s, state: %v, read bytes: %d, write bytes: %d", t.addr, t.State(), in, out)
}

func (t *Transport) signalClosing() {
	t.closingOnce.Do(func() { close(t.closing) })
}

func (t *Transport) isClosing() bool {
	select {
	case <-t.closing:
		return true
	default:
		return false
	}
}

func (t *Transport) setErr(err error) {
	t.errLock.Lock()
	if t.err == nil {
		t.err = err
	}
	t.errLock.Unlock()
}

func (t *Transport) run() {
	var err error

	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic in transport loop: %v, stack=%s", r, debug.Stack())
		}

		if err != nil && !t.isClosing() {
			t.setErr(err)
			t.log.WithError(err).Error("transport closed")
		}

		t.Shutdown()
		close(t.done)
	}()

	if err = t.connect(); err != nil || t.isClosing() {
		return
	}

	var (
		buf   = make([]byte, t.conf.ReadBufferSize)
		frame []byte
		timer = time.NewTimer(0)
	)
	defer timer.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-t.closing:
			if err := t.iterate(buf, &frame); err != nil {
				t.log.WithError(err).Debug("final transport flush failed")
			}
			return
		default:
		}

		begin := time.Now()
		if err = t.iterate(buf, &frame); err != nil {
			return
		}

		if wait := t.conf.PollInterval - time.Since(begin); wait > 0 {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(wait)

			select {
			case <-t.ctx.Done():
			case <-t.closing:
			case <-timer.C:
			}
		}
	}
}

func (t *Transport) connect() error {
	b := t.retry.newBackOff(t.ctx)

	for attempt := 1; ; attempt++ {
		conn, err := t.dial(t.ctx, t.addr)
		if err == nil {
			t.connLock.Lock()
			t.conn = newPollConn(conn, t.conf, t.metrics)
			t.connLock.Unlock()

			// Close or Shutdown may have run while dialing.
			if !atomic.CompareAndSwapInt32(&t.state, int32(StateConnecting), int32(StateConnected)) {
				_ = conn.Close()
				return nil
			}
			t.metrics.State.Set(float64(StateConnected))
			t.log.Info("transport connected")
			return nil
		}

		t.metrics.DialFailures.Inc()
		t.log.WithError(err).WithField("attempt", attempt).Debug("dial failed")

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			if t.ctx.Err() != nil {
				return nil
			}
			return errors.Wrapf(ErrRetriesExhausted, "dial %s: %d attempts, last error: %v", t.addr, attempt, err)
		}

		select {
		case <-t.ctx.Done():
			return nil
		case <-t.closing:
			return nil
		case <-time.After(wait):
		}
	}
}

func (t *Transport) iterate(buf []byte, frame *[]byte) error {
	readErr := t.readAvailable(buf)

	if readErr == nil {
		if err := t.flush(frame); err != nil {
			return err
		}
	}

	if err := t.reasm.Drain(t.push); err != nil {
		return errors.Wrap(err, "reassemble")
	}
	return readErr
}

// readAvailable reads until the socket has nothing more to give within the
// read deadline. Timeouts are not errors.
func (t *Transport) readAvailable(buf []byte) error {
	for {
		n, err := t.conn.Read(buf)
		if n > 0 {
			t.reasm.Write(buf[:n])
		}

		if err != nil {
			if isPollTimeout(err) {
				return nil
			}
			return errors.Wrap(err, "read")
		}

		if n < len(buf) {
			return nil
		}
	}
}

func (t *Transport) flush(frame *[]byte) error {
	for {
		select {
		case body := <-t.sendQ:
			*frame = protocol.AppendFrame((*frame)[:0], body)

			if _, err := t.conn.Write(*frame); err != nil {
				return errors.Wrap(err, "write")
			}
			t.metrics.FramesSent.Inc()
		default:
			return nil
		}
	}
}

func (t *Transport) push(body []byte) {
	t.metrics.FramesReceived.Inc()

	select {
	case t.recvQ <- body:
	case <-t.ctx.Done():
	case <-t.closing:
	}
}
