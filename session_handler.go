package watergate

import "github.com/stn81/watergate/protocol"

// commonHandler covers the packets a session answers in every phase.
type commonHandler struct {
	protocol.HandlerAdapter
	session *Session
}

func (h *commonHandler) HandleDisconnect(p *protocol.Disconnect) bool {
	h.session.onDisconnect(p.Reason)
	return true
}

func (h *commonHandler) HandleReconnect(p *protocol.Reconnect) bool {
	h.session.Reconnect(p.Reason, false)
	return true
}

func (h *commonHandler) HandlePing(p *protocol.Ping) bool {
	if err := h.session.SendPacket(&protocol.Pong{PingTime: p.PingTime}); err != nil {
		h.session.log.WithError(err).Debug("reply pong failed")
	}
	return true
}

func (h *commonHandler) HandlePong(p *protocol.Pong) bool {
	h.session.onPong(p)
	return true
}

func (h *commonHandler) HandleForward(p *protocol.Forward) bool {
	inner, err := p.Inner()
	if err != nil {
		h.session.log.WithError(err).Error("malformed forward packet")
		return true
	}

	for _, fh := range h.session.owner.forwardHandlers() {
		h.session.safeHandle(fh, inner, "forward")
	}
	return true
}

// handshakeHandler is active until the peer acknowledges the handshake.
type handshakeHandler struct {
	commonHandler
}

func (h *handshakeHandler) HandleServerHandshake(*protocol.ServerHandshake) bool {
	h.session.onAuthenticated()
	return true
}

// connectedHandler replaces handshakeHandler once authenticated.
type connectedHandler struct {
	commonHandler
}

func (h *connectedHandler) HandleServerHandshake(*protocol.ServerHandshake) bool {
	h.session.log.Debug("ignoring repeated server handshake")
	return true
}
