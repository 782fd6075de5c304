package protocol

import "fmt"

// PacketID identifies a packet variant on the wire.
type PacketID uint8

const (
	IDHandshake          PacketID = 0x01
	IDServerHandshake    PacketID = 0x02
	IDDisconnect         PacketID = 0x03
	IDPing               PacketID = 0x04
	IDPong               PacketID = 0x05
	IDReconnect          PacketID = 0x06
	IDForward            PacketID = 0x07
	IDServerInfoRequest  PacketID = 0x08
	IDServerInfoResponse PacketID = 0x09
	IDServerTransfer     PacketID = 0x0A
	IDPlayerPingRequest  PacketID = 0x0B
	IDPlayerPingResponse PacketID = 0x0C
)

var packetNames = map[PacketID]string{
	IDHandshake:          "Handshake",
	IDServerHandshake:    "ServerHandshake",
	IDDisconnect:         "Disconnect",
	IDPing:               "Ping",
	IDPong:               "Pong",
	IDReconnect:          "Reconnect",
	IDForward:            "Forward",
	IDServerInfoRequest:  "ServerInfoRequest",
	IDServerInfoResponse: "ServerInfoResponse",
	IDServerTransfer:     "ServerTransfer",
	IDPlayerPingRequest:  "PlayerPingRequest",
	IDPlayerPingResponse: "PlayerPingResponse",
}

func (id PacketID) String() string {
	if name, ok := packetNames[id]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(0x%02x)", uint8(id))
}

// LogLevel classifies how chatty a packet is. A session logs a packet when
// its configured level is at least the packet's level.
type LogLevel int

const (
	LogLevelNone LogLevel = iota
	// LogLevelDefault covers application traffic.
	LogLevelDefault
	// LogLevelAll covers connection housekeeping: handshake, keepalive, disconnect.
	LogLevelAll
)

// Packet is implemented by every message variant.
//
// IsResponse reports that the packet completes a pending request;
// SendsResponse reports that the packet expects a reply and must carry a
// fresh response id. Packets that are neither never put a response id on the
// wire.
type Packet interface {
	ID() PacketID
	LogLevel() LogLevel
	IsResponse() bool
	SendsResponse() bool
	ResponseID() uint32
	SetResponseID(id uint32)
	EncodePayload(w *Writer) error
	DecodePayload(r *Reader) error
	// Handle calls the single handler method matching the variant and
	// reports whether the handler consumed the packet.
	Handle(h Handler) bool
}

// packetBase carries the correlation id and the defaults most variants share.
type packetBase struct {
	responseID uint32
}

func (p *packetBase) ResponseID() uint32      { return p.responseID }
func (p *packetBase) SetResponseID(id uint32) { p.responseID = id }
func (p *packetBase) LogLevel() LogLevel      { return LogLevelDefault }
func (p *packetBase) IsResponse() bool        { return false }
func (p *packetBase) SendsResponse() bool     { return false }

// HasResponseID reports whether p carries a response id on the wire.
func HasResponseID(p Packet) bool {
	if u, ok := p.(*Unknown); ok {
		return u.HasResponse
	}
	return p.IsResponse() || p.SendsResponse()
}

// Name returns a printable name for p, used in log fields.
func Name(p Packet) string {
	if u, ok := p.(*Unknown); ok {
		return u.PacketID.String()
	}
	return p.ID().String()
}
