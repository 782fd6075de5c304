package watergate

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stn81/watergate/protocol"
)

// sessionOwner is the side of the client a session reports to. All calls
// happen on the tick goroutine.
type sessionOwner interface {
	onSessionConnected(s *Session)
	onSessionAuthenticated(s *Session) error
	onSessionDisconnected(s *Session, reason string)
	reconnect() error
	customHandler() protocol.Handler
	forwardHandlers() []protocol.Handler
}

// transportCloseWait bounds how long Reconnect waits for the old transport
// to flush and release its socket.
const transportCloseWait = time.Second

type pingEntry struct {
	future   *Future[*protocol.Pong]
	sent     time.Time
	deadline time.Time
}

// Session is the protocol endpoint bound to one transport. It performs the
// handshake, dispatches inbound packets, correlates responses and tracks the
// keepalive ping.
//
// A Session is driven by Tick and is not safe for concurrent use.
type Session struct {
	id        string
	owner     sessionOwner
	conf      *ClientConfig
	codec     *protocol.Codec
	transport *Transport
	handler   protocol.Handler
	log       logrus.FieldLogger
	metrics   *Metrics
	now       func() time.Time

	phase          State
	closed         bool
	nextResponseID uint32
	pending        map[uint32]*Future[protocol.Packet]
	ping           *pingEntry
}

func newSession(ctx context.Context, owner sessionOwner, conf *ClientConfig, codec *protocol.Codec,
	dial DialFunc, log logrus.FieldLogger, m *Metrics, now func() time.Time) *Session {

	id := uuid.NewString()
	log = log.WithField("session", id)

	s := &Session{
		id:        id,
		owner:     owner,
		conf:      conf,
		codec:     codec,
		transport: newTransport(ctx, conf.Addr(), conf, dial, log, m),
		log:       log,
		metrics:   m,
		now:       now,
		phase:     StateConnecting,
		pending:   make(map[uint32]*Future[protocol.Packet]),
	}
	s.handler = &handshakeHandler{commonHandler{session: s}}
	return s
}

func (s *Session) start() {
	s.transport.Start()
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Transport() *Transport {
	return s.transport
}

// State combines the transport state with the handshake phase.
func (s *Session) State() State {
	ts := s.transport.State()
	if s.closed || ts != StateConnected {
		return ts
	}
	return s.phase
}

// IsConnected reports whether the transport is still alive, including while
// it is dialing.
func (s *Session) IsConnected() bool {
	return !s.closed && !s.transport.IsClosed()
}

func (s *Session) IsAuthenticated() bool {
	return s.IsConnected() && s.phase == StateAuthenticated
}

// PendingRequests returns the number of requests awaiting a response.
func (s *Session) PendingRequests() int {
	return len(s.pending)
}

// Tick advances the session: it sends the handshake once the transport is
// up, dispatches every queued inbound packet, reports a lost transport and
// expires the keepalive ping.
func (s *Session) Tick() {
	if s.closed {
		return
	}

	ts := s.transport.State()
	if ts == StateConnecting {
		return
	}

	if ts == StateConnected && s.phase == StateConnecting {
		s.onConnect()
	}

	for !s.closed {
		body, ok := s.transport.Receive()
		if !ok || len(body) == 0 {
			break
		}
		s.receive(body)
	}

	if !s.closed && s.transport.IsClosed() {
		s.onTransportLost()
	}

	if !s.closed {
		s.checkPing()
	}
}

func (s *Session) onConnect() {
	s.phase = StateConnected

	handshake := &protocol.Handshake{Data: s.conf.Handshake}
	if err := s.SendPacket(handshake); err != nil {
		s.log.WithError(err).Error("send handshake failed")
	}

	s.phase = StateAuthenticating
	s.metrics.State.Set(float64(s.phase))
	s.owner.onSessionConnected(s)
}

func (s *Session) onAuthenticated() {
	if s.phase != StateAuthenticating {
		return
	}

	s.phase = StateAuthenticated
	s.handler = &connectedHandler{commonHandler{session: s}}
	s.metrics.State.Set(float64(s.phase))
	s.log.Info("session authenticated")

	if err := s.owner.onSessionAuthenticated(s); err != nil {
		s.log.WithError(err).Info("authentication vetoed")
		s.Disconnect(err.Error())
	}
}

func (s *Session) receive(body []byte) {
	p, err := s.codec.Decode(body)
	if err != nil {
		s.metrics.DecodeErrors.Inc()
		s.log.WithError(err).Error("decode packet failed")
		return
	}
	s.dispatch(p)
}

func (s *Session) dispatch(p protocol.Packet) {
	handled := s.handler != nil && p.Handle(s.handler)

	if !handled && p.IsResponse() {
		if future, ok := s.pending[p.ResponseID()]; ok {
			delete(s.pending, p.ResponseID())
			s.metrics.PendingRequests.Set(float64(len(s.pending)))
			future.complete(p, nil)
			handled = true
		}
	}

	if !handled {
		if h := s.owner.customHandler(); h != nil {
			handled = s.safeHandle(h, p, "custom")
		}
	}

	if !handled {
		s.log.WithFields(packetFields(p)).Debug("unhandled packet")
	}

	if s.conf.PacketLogLevel >= p.LogLevel() {
		s.log.WithFields(packetFields(p)).Debug("received packet")
	}
}

// safeHandle offers p to an application handler, recovering from panics.
func (s *Session) safeHandle(h protocol.Handler, p protocol.Packet, kind string) (handled bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithFields(packetFields(p)).Errorf("panic in %s packet handler: %v, stack=%s", kind, r, debug.Stack())
			handled = false
		}
	}()
	return p.Handle(h)
}

// SendPacket encodes p and queues it for the transport. It fails with
// ErrNotConnected unless the transport is connected.
func (s *Session) SendPacket(p protocol.Packet) error {
	if s.closed || s.transport.State() != StateConnected {
		return ErrNotConnected
	}

	body, err := s.codec.Encode(p)
	if err != nil {
		s.log.WithError(err).WithFields(packetFields(p)).Error("encode packet failed")
		return errors.Wrapf(err, "encode %s", protocol.Name(p))
	}

	if err = s.transport.Send(body); err != nil {
		return err
	}

	if s.conf.PacketLogLevel >= p.LogLevel() {
		s.log.WithFields(packetFields(p)).Debug("sent packet")
	}
	return nil
}

// SendRequest sends p under the next response id and returns the future the
// matching response completes.
func (s *Session) SendRequest(p protocol.Packet) (*Future[protocol.Packet], error) {
	if !p.SendsResponse() {
		return nil, ErrNotRequest
	}

	id := s.nextResponseID
	s.nextResponseID++
	p.SetResponseID(id)

	future, ok := s.pending[id]
	if !ok {
		future = newFuture[protocol.Packet]()
		s.pending[id] = future
	}

	if err := s.SendPacket(p); err != nil {
		delete(s.pending, id)
		return nil, err
	}

	s.metrics.PendingRequests.Set(float64(len(s.pending)))
	return future, nil
}

// Ping sends a keepalive ping. The future completes with the Pong, or with
// ErrPingTimeout on the first tick after timeout. A new ping replaces an
// unanswered one, which is then never completed.
func (s *Session) Ping(timeout time.Duration) *Future[*protocol.Pong] {
	s.ping = nil

	now := s.now()
	entry := &pingEntry{
		future:   newFuture[*protocol.Pong](),
		sent:     now,
		deadline: now.Add(timeout),
	}

	if err := s.SendPacket(&protocol.Ping{PingTime: now.UnixMilli()}); err != nil {
		entry.future.complete(nil, err)
		return entry.future
	}

	s.ping = entry
	return entry.future
}

func (s *Session) onPong(p *protocol.Pong) {
	if s.ping == nil {
		return
	}

	now := s.now()
	p.PongTime = now.UnixMilli()
	s.metrics.PingRTT.Observe(now.Sub(s.ping.sent).Seconds())

	s.ping.future.complete(p, nil)
	s.ping = nil
}

func (s *Session) checkPing() {
	if s.ping == nil || s.now().Before(s.ping.deadline) {
		return
	}

	s.metrics.PingTimeouts.Inc()
	s.log.Warn("ping timeout")

	s.ping.future.complete(nil, ErrPingTimeout)
	s.ping = nil
}

// Disconnect announces reason to the peer and tears the session down.
func (s *Session) Disconnect(reason string) {
	if s.closed {
		return
	}

	s.log.WithField("reason", reason).Info("closing connection")
	_ = s.SendPacket(&protocol.Disconnect{Reason: reason})
	s.close(reason)
}

// Reconnect tears the session down, optionally announcing reason, and asks
// the owner to connect again with a fresh session.
func (s *Session) Reconnect(reason string, announce bool) {
	if s.closed {
		return
	}
	if announce {
		_ = s.SendPacket(&protocol.Disconnect{Reason: reason})
	}

	s.log.WithField("reason", reason).Info("reconnecting")
	s.close(reason)
	s.metrics.Reconnects.Inc()

	// the old socket must be gone before the new session dials
	select {
	case <-s.transport.Done():
	case <-time.After(transportCloseWait):
		s.log.Warn("old transport still closing, reconnecting anyway")
		s.transport.Shutdown()
	}

	if err := s.owner.reconnect(); err != nil {
		s.log.WithError(err).Error("reconnect failed")
	}
}

func (s *Session) onDisconnect(reason string) {
	s.log.WithField("reason", reason).Info("disconnected by peer")
	s.close(reason)
}

func (s *Session) onTransportLost() {
	reason := "connection lost"
	if err := s.transport.Err(); err != nil {
		reason = err.Error()
	}

	s.log.WithField("reason", reason).Info("transport lost")
	s.close(reason)
}

// close releases the transport and abandons outstanding futures. The owner
// hears about it once.
func (s *Session) close(reason string) bool {
	if s.closed {
		return false
	}

	s.closed = true
	s.transport.Close()

	s.pending = make(map[uint32]*Future[protocol.Packet])
	s.ping = nil
	s.metrics.PendingRequests.Set(0)

	s.owner.onSessionDisconnected(s, reason)
	return true
}

func packetFields(p protocol.Packet) logrus.Fields {
	fields := logrus.Fields{
		"packet":    protocol.Name(p),
		"packet_id": uint8(p.ID()),
	}
	if protocol.HasResponseID(p) {
		fields["response_id"] = p.ResponseID()
	}
	return fields
}
