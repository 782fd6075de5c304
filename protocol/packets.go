package protocol

import "github.com/pkg/errors"

// Software identifies the game-server implementation announced in a handshake.
type Software int32

const (
	SoftwareUnknown Software = iota
	SoftwarePocketMine
)

// HandshakeData is the client identity sent with Handshake.
type HandshakeData struct {
	ClientName      string
	Password        string
	Software        Software
	ProtocolVersion int32
}

func (d *HandshakeData) encode(w *Writer) {
	w.WriteString(d.ClientName)
	w.WriteString(d.Password)
	w.WriteInt32(int32(d.Software))
	w.WriteInt32(d.ProtocolVersion)
}

func (d *HandshakeData) decode(r *Reader) (err error) {
	if d.ClientName, err = r.ReadString(); err != nil {
		return
	}
	if d.Password, err = r.ReadString(); err != nil {
		return
	}
	var software int32
	if software, err = r.ReadInt32(); err != nil {
		return
	}
	d.Software = Software(software)
	d.ProtocolVersion, err = r.ReadInt32()
	return
}

// Handshake announces the client identity and credential.
type Handshake struct {
	packetBase
	Data HandshakeData
}

func (p *Handshake) ID() PacketID                  { return IDHandshake }
func (p *Handshake) LogLevel() LogLevel            { return LogLevelAll }
func (p *Handshake) Handle(h Handler) bool         { return h.HandleHandshake(p) }
func (p *Handshake) EncodePayload(w *Writer) error { p.Data.encode(w); return nil }
func (p *Handshake) DecodePayload(r *Reader) error { return p.Data.decode(r) }

// ServerHandshake acknowledges a Handshake and authenticates the link.
type ServerHandshake struct {
	packetBase
}

func (p *ServerHandshake) ID() PacketID                { return IDServerHandshake }
func (p *ServerHandshake) LogLevel() LogLevel          { return LogLevelAll }
func (p *ServerHandshake) Handle(h Handler) bool       { return h.HandleServerHandshake(p) }
func (p *ServerHandshake) EncodePayload(*Writer) error { return nil }
func (p *ServerHandshake) DecodePayload(*Reader) error { return nil }

// ReasonClientShutdown is the Disconnect reason sent when a client shuts down.
const ReasonClientShutdown = "WaterGate client shutdown!"

type Disconnect struct {
	packetBase
	Reason string
}

func (p *Disconnect) ID() PacketID                  { return IDDisconnect }
func (p *Disconnect) LogLevel() LogLevel            { return LogLevelAll }
func (p *Disconnect) Handle(h Handler) bool         { return h.HandleDisconnect(p) }
func (p *Disconnect) EncodePayload(w *Writer) error { w.WriteString(p.Reason); return nil }

func (p *Disconnect) DecodePayload(r *Reader) (err error) {
	p.Reason, err = r.ReadString()
	return
}

// Ping carries the sender's clock in unix milliseconds.
type Ping struct {
	packetBase
	PingTime int64
}

func (p *Ping) ID() PacketID                  { return IDPing }
func (p *Ping) LogLevel() LogLevel            { return LogLevelAll }
func (p *Ping) Handle(h Handler) bool         { return h.HandlePing(p) }
func (p *Ping) EncodePayload(w *Writer) error { w.WriteInt64(p.PingTime); return nil }

func (p *Ping) DecodePayload(r *Reader) (err error) {
	p.PingTime, err = r.ReadInt64()
	return
}

// Pong echoes a Ping's time. PongTime is stamped locally on receipt and is
// not part of the wire format.
type Pong struct {
	packetBase
	PingTime int64
	PongTime int64
}

func (p *Pong) ID() PacketID                  { return IDPong }
func (p *Pong) LogLevel() LogLevel            { return LogLevelAll }
func (p *Pong) Handle(h Handler) bool         { return h.HandlePong(p) }
func (p *Pong) EncodePayload(w *Writer) error { w.WriteInt64(p.PingTime); return nil }

func (p *Pong) DecodePayload(r *Reader) (err error) {
	p.PingTime, err = r.ReadInt64()
	return
}

// Reconnect asks the client to drop and re-establish its connection.
type Reconnect struct {
	packetBase
	Reason string
}

func (p *Reconnect) ID() PacketID                  { return IDReconnect }
func (p *Reconnect) Handle(h Handler) bool         { return h.HandleReconnect(p) }
func (p *Reconnect) EncodePayload(w *Writer) error { w.WriteString(p.Reason); return nil }

func (p *Reconnect) DecodePayload(r *Reader) (err error) {
	p.Reason, err = r.ReadString()
	return
}

// Forward wraps an application-defined packet passed through the proxy.
// Payload holds the inner packet id followed by the inner payload.
type Forward struct {
	packetBase
	Payload []byte
}

// NewForward wraps inner for passthrough.
func NewForward(inner *Unknown) *Forward {
	payload := make([]byte, 0, len(inner.Payload)+1)
	payload = append(payload, byte(inner.PacketID))
	payload = append(payload, inner.Payload...)
	return &Forward{Payload: payload}
}

// Inner unwraps the forwarded packet.
func (p *Forward) Inner() (*Unknown, error) {
	if len(p.Payload) == 0 {
		return nil, errors.Wrap(ErrBufferTooShort, "empty forward payload")
	}
	u := &Unknown{PacketID: PacketID(p.Payload[0])}
	if len(p.Payload) > 1 {
		u.Payload = append([]byte(nil), p.Payload[1:]...)
	}
	return u, nil
}

func (p *Forward) ID() PacketID                  { return IDForward }
func (p *Forward) Handle(h Handler) bool         { return h.HandleForward(p) }
func (p *Forward) EncodePayload(w *Writer) error { w.WriteByteArray(p.Payload); return nil }

func (p *Forward) DecodePayload(r *Reader) (err error) {
	p.Payload, err = r.ReadByteArray()
	return
}

type ServerInfoRequest struct {
	packetBase
	ServerName string
	SelfInfo   bool
}

func (p *ServerInfoRequest) ID() PacketID          { return IDServerInfoRequest }
func (p *ServerInfoRequest) SendsResponse() bool   { return true }
func (p *ServerInfoRequest) Handle(h Handler) bool { return h.HandleServerInfoRequest(p) }

func (p *ServerInfoRequest) EncodePayload(w *Writer) error {
	w.WriteString(p.ServerName)
	w.WriteBool(p.SelfInfo)
	return nil
}

func (p *ServerInfoRequest) DecodePayload(r *Reader) (err error) {
	if p.ServerName, err = r.ReadString(); err != nil {
		return
	}
	p.SelfInfo, err = r.ReadBool()
	return
}

type ServerInfoResponse struct {
	packetBase
	ServerList    []string
	OnlinePlayers int32
	MaxPlayers    int32
	PlayerList    []string
}

func (p *ServerInfoResponse) ID() PacketID          { return IDServerInfoResponse }
func (p *ServerInfoResponse) IsResponse() bool      { return true }
func (p *ServerInfoResponse) Handle(h Handler) bool { return h.HandleServerInfoResponse(p) }

func (p *ServerInfoResponse) EncodePayload(w *Writer) error {
	w.WriteStringArray(p.ServerList)
	w.WriteInt32(p.OnlinePlayers)
	w.WriteInt32(p.MaxPlayers)
	w.WriteStringArray(p.PlayerList)
	return nil
}

func (p *ServerInfoResponse) DecodePayload(r *Reader) (err error) {
	if p.ServerList, err = r.ReadStringArray(); err != nil {
		return
	}
	if p.OnlinePlayers, err = r.ReadInt32(); err != nil {
		return
	}
	if p.MaxPlayers, err = r.ReadInt32(); err != nil {
		return
	}
	p.PlayerList, err = r.ReadStringArray()
	return
}

// ServerTransfer moves a player to another server behind the proxy.
type ServerTransfer struct {
	packetBase
	PlayerName   string
	TargetServer string
}

func (p *ServerTransfer) ID() PacketID          { return IDServerTransfer }
func (p *ServerTransfer) Handle(h Handler) bool { return h.HandleServerTransfer(p) }

func (p *ServerTransfer) EncodePayload(w *Writer) error {
	w.WriteString(p.PlayerName)
	w.WriteString(p.TargetServer)
	return nil
}

func (p *ServerTransfer) DecodePayload(r *Reader) (err error) {
	if p.PlayerName, err = r.ReadString(); err != nil {
		return
	}
	p.TargetServer, err = r.ReadString()
	return
}

type PlayerPingRequest struct {
	packetBase
	PlayerName string
}

func (p *PlayerPingRequest) ID() PacketID                  { return IDPlayerPingRequest }
func (p *PlayerPingRequest) SendsResponse() bool           { return true }
func (p *PlayerPingRequest) Handle(h Handler) bool         { return h.HandlePlayerPingRequest(p) }
func (p *PlayerPingRequest) EncodePayload(w *Writer) error { w.WriteString(p.PlayerName); return nil }

func (p *PlayerPingRequest) DecodePayload(r *Reader) (err error) {
	p.PlayerName, err = r.ReadString()
	return
}

type PlayerPingResponse struct {
	packetBase
	PlayerName     string
	UpstreamPing   int64
	DownstreamPing int64
}

func (p *PlayerPingResponse) ID() PacketID          { return IDPlayerPingResponse }
func (p *PlayerPingResponse) IsResponse() bool      { return true }
func (p *PlayerPingResponse) Handle(h Handler) bool { return h.HandlePlayerPingResponse(p) }

func (p *PlayerPingResponse) EncodePayload(w *Writer) error {
	w.WriteString(p.PlayerName)
	w.WriteInt64(p.UpstreamPing)
	w.WriteInt64(p.DownstreamPing)
	return nil
}

func (p *PlayerPingResponse) DecodePayload(r *Reader) (err error) {
	if p.PlayerName, err = r.ReadString(); err != nil {
		return
	}
	if p.UpstreamPing, err = r.ReadInt64(); err != nil {
		return
	}
	p.DownstreamPing, err = r.ReadInt64()
	return
}

// Unknown stands in for any id missing from the registry. It keeps the
// wire id, the response id if one was sent, and the raw payload so the packet
// can be logged or forwarded unchanged.
type Unknown struct {
	packetBase
	PacketID    PacketID
	HasResponse bool
	Payload     []byte
}

func (p *Unknown) SetResponseID(id uint32) {
	p.packetBase.SetResponseID(id)
	p.HasResponse = true
}

func (p *Unknown) ID() PacketID                  { return p.PacketID }
func (p *Unknown) Handle(h Handler) bool         { return h.HandleUnknown(p) }
func (p *Unknown) EncodePayload(w *Writer) error { w.WriteRaw(p.Payload); return nil }

func (p *Unknown) DecodePayload(r *Reader) error {
	p.Payload = r.Rest()
	return nil
}
