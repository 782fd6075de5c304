package watergate

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stn81/watergate/protocol"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestSessionHandshake(t *testing.T) {
	d := newPipeDialer(t)
	l := &mockListener{}
	l.On("OnConnected", mock.Anything).Once()
	l.On("OnAuthenticated", mock.Anything).Return(nil).Once()
	l.On("OnDisconnected", mock.Anything, mock.Anything).Maybe()

	conf := testClientConfig()
	c := newTestClient(t, conf, WithDialFunc(d.Dial), WithListener(l))
	require.Nil(t, c.Session())
	require.False(t, c.IsConnected())

	require.NoError(t, c.Connect())
	peer := d.next(t)

	tickUntil(t, c, func() bool { return c.Session().State() == StateAuthenticating })
	require.True(t, c.IsConnected())
	require.False(t, c.IsAuthenticated())

	hs, ok := peer.expect(t).(*protocol.Handshake)
	require.True(t, ok)
	require.Equal(t, conf.Handshake, hs.Data)
	require.Equal(t, protocol.SoftwarePocketMine, hs.Data.Software)
	require.Equal(t, ProtocolVersion, hs.Data.ProtocolVersion)

	// more ticks before the ack must not repeat the handshake
	for i := 0; i < 5; i++ {
		c.Tick()
	}
	peer.expectNone(t, 20*time.Millisecond)
	require.Equal(t, StateAuthenticating, c.Session().State())

	peer.send(t, &protocol.ServerHandshake{})
	tickUntil(t, c, c.IsAuthenticated)
	require.Equal(t, StateAuthenticated, c.Session().State())
	require.IsType(t, &connectedHandler{}, c.Session().handler)

	// a repeated ack is ignored
	peer.send(t, &protocol.ServerHandshake{})
	waitQueued(t, c)
	c.Tick()
	require.True(t, c.IsAuthenticated())

	l.AssertExpectations(t)
}

func TestSessionAuthenticationVeto(t *testing.T) {
	d := newPipeDialer(t)
	l := &mockListener{}
	l.On("OnConnected", mock.Anything).Once()
	l.On("OnAuthenticated", mock.Anything).Return(errors.New("server is full")).Once()
	l.On("OnDisconnected", mock.Anything, "server is full").Once()

	c := newTestClient(t, testClientConfig(), WithDialFunc(d.Dial), WithListener(l))
	require.NoError(t, c.Connect())
	peer := d.next(t)

	tickUntil(t, c, func() bool { return c.Session().State() == StateAuthenticating })
	_, ok := peer.expect(t).(*protocol.Handshake)
	require.True(t, ok)

	peer.send(t, &protocol.ServerHandshake{})
	tickUntil(t, c, func() bool { return !c.IsConnected() })
	require.False(t, c.IsAuthenticated())

	dc, ok := peer.expect(t).(*protocol.Disconnect)
	require.True(t, ok)
	require.Equal(t, "server is full", dc.Reason)

	require.ErrorIs(t, c.SendPacket(&protocol.ServerTransfer{PlayerName: "Steve"}), ErrNotConnected)
	_, err := c.SendRequest(&protocol.ServerInfoRequest{ServerName: "lobby"})
	require.ErrorIs(t, err, ErrNotConnected)
	peer.expectNone(t, 20*time.Millisecond)

	c.Tick()
	l.AssertExpectations(t)
}

func TestSessionRequestCorrelation(t *testing.T) {
	d := newPipeDialer(t)
	c := newTestClient(t, testClientConfig(), WithDialFunc(d.Dial))
	peer := authenticate(t, c, d)

	const k = 5
	futures := make([]*Future[protocol.Packet], k)
	for i := range futures {
		f, err := c.SendRequest(&protocol.PlayerPingRequest{PlayerName: "Steve"})
		require.NoError(t, err)
		futures[i] = f
	}
	require.Equal(t, k, c.Session().PendingRequests())

	requests := make(map[uint32]protocol.Packet, k)
	for i := 0; i < k; i++ {
		req := peer.expect(t)
		_, dup := requests[req.ResponseID()]
		require.False(t, dup, "response id %d reused", req.ResponseID())
		requests[req.ResponseID()] = req
	}

	peer.reply(t, requests[3], &protocol.PlayerPingResponse{PlayerName: "Steve", UpstreamPing: 30})
	waitQueued(t, c)
	c.Tick()

	for i, f := range futures {
		require.Equal(t, i == 3, f.Completed(), "future %d", i)
	}
	resp, err, ok := futures[3].Result()
	require.True(t, ok)
	require.NoError(t, err)
	require.Equal(t, int64(30), resp.(*protocol.PlayerPingResponse).UpstreamPing)
	require.Equal(t, k-1, c.Session().PendingRequests())

	// a second response with the same id has nothing left to complete
	peer.reply(t, requests[3], &protocol.PlayerPingResponse{PlayerName: "Steve", UpstreamPing: 99})
	waitQueued(t, c)
	c.Tick()
	resp, _, _ = futures[3].Result()
	require.Equal(t, int64(30), resp.(*protocol.PlayerPingResponse).UpstreamPing)

	for _, id := range []uint32{4, 2, 1, 0} {
		peer.reply(t, requests[id], &protocol.PlayerPingResponse{PlayerName: "Steve", DownstreamPing: int64(id)})
	}
	tickUntil(t, c, func() bool { return c.Session().PendingRequests() == 0 })

	for i, f := range futures {
		if i == 3 {
			continue
		}
		resp, err, ok := f.Result()
		require.True(t, ok)
		require.NoError(t, err)
		require.Equal(t, int64(i), resp.(*protocol.PlayerPingResponse).DownstreamPing)
	}
}

func TestSessionServerInfoWithinOneTick(t *testing.T) {
	d := newPipeDialer(t)
	c := newTestClient(t, testClientConfig(), WithDialFunc(d.Dial))
	peer := authenticate(t, c, d)

	f, err := c.SendRequest(&protocol.ServerInfoRequest{ServerName: "lobby", SelfInfo: false})
	require.NoError(t, err)

	req, ok := peer.expect(t).(*protocol.ServerInfoRequest)
	require.True(t, ok)
	require.Equal(t, "lobby", req.ServerName)
	require.False(t, req.SelfInfo)

	want := &protocol.ServerInfoResponse{
		ServerList:    []string{"lobby", "survival"},
		OnlinePlayers: 3,
		MaxPlayers:    50,
		PlayerList:    []string{"Steve", "Alex", "Herobrine"},
	}
	peer.reply(t, req, want)

	waitQueued(t, c)
	require.False(t, f.Completed())
	c.Tick()
	require.True(t, f.Completed())

	got, err, _ := f.Result()
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestSessionRequestValidation(t *testing.T) {
	d := newPipeDialer(t)
	c := newTestClient(t, testClientConfig(), WithDialFunc(d.Dial))

	_, err := c.SendRequest(&protocol.PlayerPingRequest{})
	require.ErrorIs(t, err, ErrNotConnected)

	authenticate(t, c, d)

	_, err = c.SendRequest(&protocol.ServerTransfer{PlayerName: "Steve"})
	require.ErrorIs(t, err, ErrNotRequest)
	require.Zero(t, c.Session().PendingRequests())
}

func TestSessionPingTimeout(t *testing.T) {
	d := newPipeDialer(t)
	clock := newFakeClock()
	c := newTestClient(t, testClientConfig(), WithDialFunc(d.Dial), WithClock(clock.Now))
	peer := authenticate(t, c, d)

	f := c.Ping(time.Second)
	ping, ok := peer.expect(t).(*protocol.Ping)
	require.True(t, ok)
	require.Equal(t, clock.Now().UnixMilli(), ping.PingTime)

	c.Tick()
	require.False(t, f.Completed())

	clock.Advance(time.Second)
	c.Tick()
	require.True(t, f.Completed())
	_, err, _ := f.Result()
	require.ErrorIs(t, err, ErrPingTimeout)
	require.Nil(t, c.Session().ping)

	c.Tick()
	require.Equal(t, float64(1), testutil.ToFloat64(c.Metrics().PingTimeouts))
	require.True(t, c.IsAuthenticated(), "a ping timeout must not drop the connection")

	// the slot is free for another ping, answered this time
	f = c.Ping(time.Second)
	ping, ok = peer.expect(t).(*protocol.Ping)
	require.True(t, ok)

	clock.Advance(250 * time.Millisecond)
	peer.send(t, &protocol.Pong{PingTime: ping.PingTime})
	tickUntil(t, c, f.Completed)

	pong, err, _ := f.Result()
	require.NoError(t, err)
	require.Equal(t, ping.PingTime, pong.PingTime)
	require.Equal(t, clock.Now().UnixMilli(), pong.PongTime)
	require.Equal(t, 1, testutil.CollectAndCount(c.Metrics().PingRTT))
}

func TestSessionPingOverwrite(t *testing.T) {
	d := newPipeDialer(t)
	clock := newFakeClock()
	c := newTestClient(t, testClientConfig(), WithDialFunc(d.Dial), WithClock(clock.Now))
	peer := authenticate(t, c, d)

	first := c.Ping(time.Second)
	peer.expect(t)
	second := c.Ping(time.Minute)
	peer.expect(t)

	clock.Advance(2 * time.Second)
	c.Tick()
	require.False(t, first.Completed(), "replaced ping is abandoned")
	require.False(t, second.Completed())
}

func TestSessionPingSendFailureClearsSlot(t *testing.T) {
	d := newPipeDialer(t)
	clock := newFakeClock()
	c := newTestClient(t, testClientConfig(), WithDialFunc(d.Dial), WithClock(clock.Now))
	peer := authenticate(t, c, d)

	first := c.Ping(time.Second)
	peer.expect(t)
	require.NotNil(t, c.Session().ping)

	c.Session().Transport().Close()
	second := c.Ping(time.Second)
	require.True(t, second.Completed())
	_, err, _ := second.Result()
	require.ErrorIs(t, err, ErrNotConnected)
	require.Nil(t, c.Session().ping, "failed ping still replaces the pending one")

	clock.Advance(2 * time.Second)
	c.Tick()
	require.False(t, first.Completed())
	require.Zero(t, testutil.ToFloat64(c.Metrics().PingTimeouts))
}

func TestSessionPingNotConnected(t *testing.T) {
	c := newTestClient(t, testClientConfig(), WithDialFunc(newPipeDialer(t).Dial))

	f := c.Ping(time.Second)
	require.True(t, f.Completed())
	_, err, _ := f.Result()
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestSessionAnswersPeerPing(t *testing.T) {
	d := newPipeDialer(t)
	c := newTestClient(t, testClientConfig(), WithDialFunc(d.Dial))
	peer := authenticate(t, c, d)

	peer.send(t, &protocol.Ping{PingTime: 4242})
	waitQueued(t, c)
	c.Tick()

	pong, ok := peer.expect(t).(*protocol.Pong)
	require.True(t, ok)
	require.Equal(t, int64(4242), pong.PingTime)
}

func TestSessionPeerDisconnect(t *testing.T) {
	d := newPipeDialer(t)
	l := &mockListener{}
	l.On("OnConnected", mock.Anything).Once()
	l.On("OnAuthenticated", mock.Anything).Return(nil).Once()
	l.On("OnDisconnected", mock.Anything, "proxy shutting down").Once()

	c := newTestClient(t, testClientConfig(), WithDialFunc(d.Dial), WithListener(l))
	peer := authenticate(t, c, d)

	f, err := c.SendRequest(&protocol.PlayerPingRequest{PlayerName: "Steve"})
	require.NoError(t, err)
	peer.expect(t)

	peer.send(t, &protocol.Disconnect{Reason: "proxy shutting down"})
	tickUntil(t, c, func() bool { return !c.IsConnected() })

	// no disconnect is echoed back
	peer.expectNone(t, 20*time.Millisecond)
	require.False(t, f.Completed(), "pending requests are abandoned")
	require.Zero(t, c.Session().PendingRequests())

	c.Tick()
	l.AssertExpectations(t)
}

func TestSessionTransportLost(t *testing.T) {
	d := newPipeDialer(t)
	l := &mockListener{}
	l.On("OnConnected", mock.Anything).Once()
	l.On("OnAuthenticated", mock.Anything).Return(nil).Once()
	l.On("OnDisconnected", mock.Anything, mock.AnythingOfType("string")).Once()

	c := newTestClient(t, testClientConfig(), WithDialFunc(d.Dial), WithListener(l))
	peer := authenticate(t, c, d)

	peer.close()
	tickUntil(t, c, func() bool { return !c.IsConnected() })
	require.Error(t, c.Session().Transport().Err())

	for i := 0; i < 3; i++ {
		c.Tick()
	}
	l.AssertExpectations(t)
}

func TestSessionReconnect(t *testing.T) {
	d := newPipeDialer(t)
	l := &mockListener{}
	l.On("OnConnected", mock.Anything).Twice()
	l.On("OnAuthenticated", mock.Anything).Return(nil).Twice()
	l.On("OnDisconnected", mock.Anything, "proxy restart").Once()
	l.On("OnDisconnected", mock.Anything, protocol.ReasonClientShutdown).Maybe()

	c := newTestClient(t, testClientConfig(), WithDialFunc(d.Dial), WithListener(l))
	peer := authenticate(t, c, d)
	first := c.Session()

	peer.send(t, &protocol.Reconnect{Reason: "proxy restart"})
	tickUntil(t, c, func() bool { return c.Session() != first })
	require.True(t, first.closed)
	require.True(t, first.Transport().IsClosed())
	select {
	case <-first.Transport().Done():
	default:
		t.Fatal("new session started before the old transport exited")
	}

	next := d.next(t)

	tickUntil(t, c, func() bool { return c.Session().State() == StateAuthenticating })
	_, ok := next.expect(t).(*protocol.Handshake)
	require.True(t, ok)

	next.send(t, &protocol.ServerHandshake{})
	tickUntil(t, c, c.IsAuthenticated)
	require.Equal(t, float64(1), testutil.ToFloat64(c.Metrics().Reconnects))
	peer.expectNone(t, 20*time.Millisecond)
}

type recordingHandler struct {
	protocol.HandlerAdapter
	unknown   []*protocol.Unknown
	transfers []*protocol.ServerTransfer
	panicOn   protocol.PacketID
}

func (h *recordingHandler) HandleUnknown(p *protocol.Unknown) bool {
	if p.PacketID == h.panicOn {
		panic("handler bug")
	}
	h.unknown = append(h.unknown, p)
	return true
}

func (h *recordingHandler) HandleServerTransfer(p *protocol.ServerTransfer) bool {
	h.transfers = append(h.transfers, p)
	return true
}

func TestSessionCustomHandler(t *testing.T) {
	d := newPipeDialer(t)
	h := &recordingHandler{panicOn: 0x66}
	c := newTestClient(t, testClientConfig(), WithDialFunc(d.Dial), WithCustomHandler(h))
	peer := authenticate(t, c, d)

	peer.send(t, &protocol.Unknown{PacketID: 0x66, Payload: []byte("boom")})
	peer.send(t, &protocol.Unknown{PacketID: 0x42, Payload: []byte("payload")})
	peer.send(t, &protocol.ServerTransfer{PlayerName: "Steve", TargetServer: "survival"})
	tickUntil(t, c, func() bool { return len(h.transfers) == 1 })

	require.True(t, c.IsAuthenticated())
	require.Len(t, h.unknown, 1)
	require.Equal(t, protocol.PacketID(0x42), h.unknown[0].PacketID)
	require.Equal(t, []byte("payload"), h.unknown[0].Payload)
	require.Equal(t, "survival", h.transfers[0].TargetServer)
}

func TestSessionForwardHandlers(t *testing.T) {
	d := newPipeDialer(t)
	c := newTestClient(t, testClientConfig(), WithDialFunc(d.Dial))
	custom := &recordingHandler{}
	c.SetCustomHandler(custom)

	first, second := &recordingHandler{}, &recordingHandler{panicOn: 0x10}
	c.AddForwardHandler(second)
	c.AddForwardHandler(first)
	peer := authenticate(t, c, d)

	peer.send(t, protocol.NewForward(&protocol.Unknown{PacketID: 0x20, Payload: []byte{1, 2, 3}}))
	tickUntil(t, c, func() bool { return len(first.unknown) == 1 })
	require.Len(t, second.unknown, 1)
	require.Equal(t, []byte{1, 2, 3}, first.unknown[0].Payload)

	// a panicking forward handler does not starve the others
	peer.send(t, protocol.NewForward(&protocol.Unknown{PacketID: 0x10}))
	tickUntil(t, c, func() bool { return len(first.unknown) == 2 })
	require.Len(t, second.unknown, 1)

	require.Empty(t, custom.unknown, "forwards are consumed by the session")
}

func TestSessionEmptyBodyEndsDrain(t *testing.T) {
	d := newPipeDialer(t)
	c := newTestClient(t, testClientConfig(), WithDialFunc(d.Dial))
	peer := authenticate(t, c, d)

	peer.sendRaw(t, nil)
	peer.send(t, &protocol.Ping{PingTime: 7})
	waitQueuedN(t, c, 2)

	c.Tick()
	peer.expectNone(t, 20*time.Millisecond)
	require.True(t, c.IsAuthenticated())

	c.Tick()
	pong, ok := peer.expect(t).(*protocol.Pong)
	require.True(t, ok)
	require.Equal(t, int64(7), pong.PingTime)
}

func TestSessionZeroIoTimings(t *testing.T) {
	d := newPipeDialer(t)
	conf := testClientConfig()
	conf.Io.ReadTimeout = 0
	conf.Io.PollInterval = 0
	c := newTestClient(t, conf, WithDialFunc(d.Dial))

	// the handshake is written even though the peer stays silent until then
	peer := authenticate(t, c, d)

	tr := c.Session().Transport()
	c.Shutdown()
	require.Equal(t, protocol.ReasonClientShutdown, peer.expect(t).(*protocol.Disconnect).Reason)
	select {
	case <-tr.Done():
	case <-time.After(waitFor):
		t.Fatal("transport did not stop on close")
	}
}

func TestSessionDecodeErrorIsSkipped(t *testing.T) {
	d := newPipeDialer(t)
	c := newTestClient(t, testClientConfig(), WithDialFunc(d.Dial))
	peer := authenticate(t, c, d)

	peer.sendRaw(t, []byte{byte(protocol.IDPing), 0, 0x01})
	peer.send(t, &protocol.Ping{PingTime: 7})
	tickUntil(t, c, func() bool { return testutil.ToFloat64(c.Metrics().DecodeErrors) == 1 })

	pong, ok := peer.expect(t).(*protocol.Pong)
	require.True(t, ok)
	require.Equal(t, int64(7), pong.PingTime)
	require.True(t, c.IsAuthenticated())
}

func TestClientShutdownAnnouncesDisconnect(t *testing.T) {
	d := newPipeDialer(t)
	l := &mockListener{}
	l.On("OnConnected", mock.Anything).Once()
	l.On("OnAuthenticated", mock.Anything).Return(nil).Once()
	l.On("OnDisconnected", mock.Anything, protocol.ReasonClientShutdown).Once()

	c := newTestClient(t, testClientConfig(), WithDialFunc(d.Dial), WithListener(l))
	peer := authenticate(t, c, d)

	c.Shutdown()
	c.Shutdown()

	dc, ok := peer.expect(t).(*protocol.Disconnect)
	require.True(t, ok)
	require.Equal(t, protocol.ReasonClientShutdown, dc.Reason)

	require.False(t, c.IsConnected())
	require.ErrorIs(t, c.Connect(), ErrClientClosed)
	require.ErrorIs(t, c.Dispatch(func() {}), ErrClientClosed)

	select {
	case <-c.Session().Transport().Done():
	case <-time.After(waitFor):
		t.Fatal("transport goroutine did not exit")
	}
	require.Equal(t, StateShutdown, c.Session().Transport().State())
	l.AssertExpectations(t)
}

func TestClientDispatch(t *testing.T) {
	d := newPipeDialer(t)
	c := newTestClient(t, testClientConfig(), WithDialFunc(d.Dial))
	peer := authenticate(t, c, d)

	done := make(chan error, 1)
	go func() {
		done <- c.Dispatch(func() {
			_ = c.SendPacket(&protocol.ServerTransfer{PlayerName: "Alex", TargetServer: "pvp"})
		})
	}()
	require.NoError(t, <-done)

	c.Tick()
	st, ok := peer.expect(t).(*protocol.ServerTransfer)
	require.True(t, ok)
	require.Equal(t, "Alex", st.PlayerName)
}
