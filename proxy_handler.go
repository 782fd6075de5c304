package watergate

import (
	"github.com/sirupsen/logrus"
	"github.com/stn81/watergate/protocol"
)

const (
	ReasonInvalidPassword  = "Invalid password"
	ReasonNotAuthenticated = "Not authenticated"
)

// Responder answers an application packet received from an authenticated
// client. A nil result sends nothing; a result to a request is sent as its
// response.
type Responder func(c *ServerConn, p protocol.Packet) protocol.Packet

// ProxyHandler is a minimal proxy-side ServerHandler. It authenticates the
// handshake against Password, answers pings and hands everything else to
// Respond.
type ProxyHandler struct {
	protocol.HandlerAdapter

	Password string
	Respond  Responder

	conn          *ServerConn
	clientName    string
	authenticated bool
}

// NewProxyHandlerFactory returns a handler factory for NewServer.
func NewProxyHandlerFactory(password string, respond Responder) func() ServerHandler {
	return func() ServerHandler {
		return &ProxyHandler{Password: password, Respond: respond}
	}
}

func (h *ProxyHandler) ClientName() string {
	return h.clientName
}

func (h *ProxyHandler) Authenticated() bool {
	return h.authenticated
}

func (h *ProxyHandler) OnConnected(c *ServerConn) error {
	h.conn = c
	c.Logger().Info("client connected")
	return nil
}

func (h *ProxyHandler) OnDisconnected(c *ServerConn) {
	c.Logger().WithField("client", h.clientName).Info("client disconnected")
}

func (h *ProxyHandler) OnPacket(c *ServerConn, p protocol.Packet) error {
	if p.Handle(h) {
		return nil
	}

	if !h.authenticated {
		return h.disconnect(ReasonNotAuthenticated)
	}

	if h.Respond == nil {
		c.Logger().WithField("packet", protocol.Name(p)).Debug("unhandled packet")
		return nil
	}

	resp := h.Respond(c, p)
	if resp == nil {
		return nil
	}
	if p.SendsResponse() {
		return c.Reply(p, resp)
	}
	return c.Send(resp)
}

func (h *ProxyHandler) HandleHandshake(p *protocol.Handshake) bool {
	log := h.conn.Logger().WithFields(logrus.Fields{
		"client":   p.Data.ClientName,
		"software": p.Data.Software,
		"version":  p.Data.ProtocolVersion,
	})

	if p.Data.Password != h.Password {
		log.Warn("handshake rejected")
		_ = h.disconnect(ReasonInvalidPassword)
		return true
	}

	h.clientName = p.Data.ClientName
	h.authenticated = true
	log.Info("handshake accepted")

	if err := h.conn.Send(&protocol.ServerHandshake{}); err != nil {
		log.WithError(err).Error("send server handshake failed")
	}
	return true
}

func (h *ProxyHandler) HandlePing(p *protocol.Ping) bool {
	_ = h.conn.Send(&protocol.Pong{PingTime: p.PingTime})
	return true
}

func (h *ProxyHandler) HandlePong(*protocol.Pong) bool {
	return true
}

func (h *ProxyHandler) HandleDisconnect(p *protocol.Disconnect) bool {
	h.conn.Logger().WithField("reason", p.Reason).Info("client sent disconnect")
	h.conn.Close()
	return true
}

func (h *ProxyHandler) disconnect(reason string) error {
	err := h.conn.Send(&protocol.Disconnect{Reason: reason})
	h.conn.Close()
	return err
}
