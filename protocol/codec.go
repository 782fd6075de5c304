package protocol

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// DecodeError reports a body that could not be decoded.
type DecodeError struct {
	PacketID PacketID
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("watergate: decode %v: %v", e.PacketID, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Cause lets errors.Cause reach the underlying error.
func (e *DecodeError) Cause() error { return e.Err }

// Codec turns packets into frame bodies and back. It owns the registry of
// packet constructors; lookups always yield a fresh packet.
type Codec struct {
	lock     sync.RWMutex
	registry map[PacketID]func() Packet
}

// NewCodec returns a codec with every built-in packet registered.
func NewCodec() *Codec {
	c := &Codec{registry: make(map[PacketID]func() Packet)}
	c.Register(IDHandshake, func() Packet { return &Handshake{} })
	c.Register(IDServerHandshake, func() Packet { return &ServerHandshake{} })
	c.Register(IDDisconnect, func() Packet { return &Disconnect{} })
	c.Register(IDPing, func() Packet { return &Ping{} })
	c.Register(IDPong, func() Packet { return &Pong{} })
	c.Register(IDReconnect, func() Packet { return &Reconnect{} })
	c.Register(IDForward, func() Packet { return &Forward{} })
	c.Register(IDServerInfoRequest, func() Packet { return &ServerInfoRequest{} })
	c.Register(IDServerInfoResponse, func() Packet { return &ServerInfoResponse{} })
	c.Register(IDServerTransfer, func() Packet { return &ServerTransfer{} })
	c.Register(IDPlayerPingRequest, func() Packet { return &PlayerPingRequest{} })
	c.Register(IDPlayerPingResponse, func() Packet { return &PlayerPingResponse{} })
	return c
}

// Register adds a constructor for id. It returns false, leaving the registry
// untouched, when id is already taken.
func (c *Codec) Register(id PacketID, newPacket func() Packet) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	if _, exists := c.registry[id]; exists {
		return false
	}
	c.registry[id] = newPacket
	return true
}

// Unregister removes id, reporting whether it was registered.
func (c *Codec) Unregister(id PacketID) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	if _, exists := c.registry[id]; !exists {
		return false
	}
	delete(c.registry, id)
	return true
}

// NewPacket builds a fresh packet for id.
func (c *Codec) NewPacket(id PacketID) (Packet, bool) {
	c.lock.RLock()
	newPacket, ok := c.registry[id]
	c.lock.RUnlock()

	if !ok {
		return nil, false
	}
	return newPacket(), true
}

// Encode serializes p into a frame body:
//
//	u8  packet id
//	u8  response flag
//	u32 response id (only when the flag is set)
//	... payload
func (c *Codec) Encode(p Packet) ([]byte, error) {
	w := NewWriter(64)
	_ = w.WriteByte(byte(p.ID()))

	hasResponse := HasResponseID(p)
	w.WriteBool(hasResponse)
	if hasResponse {
		w.WriteUint32(p.ResponseID())
	}

	if err := p.EncodePayload(w); err != nil {
		return nil, errors.Wrapf(err, "encode %v payload", Name(p))
	}
	return w.Bytes(), nil
}

// Decode parses a frame body. Ids missing from the registry decode to
// *Unknown instead of failing.
func (c *Codec) Decode(body []byte) (Packet, error) {
	r := NewReader(body)

	rawID, err := r.ReadByte()
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	id := PacketID(rawID)

	p, ok := c.NewPacket(id)
	if !ok {
		p = &Unknown{PacketID: id}
	}

	hasResponse, err := r.ReadBool()
	if err != nil {
		return nil, &DecodeError{PacketID: id, Err: err}
	}
	if hasResponse {
		responseID, err := r.ReadUint32()
		if err != nil {
			return nil, &DecodeError{PacketID: id, Err: err}
		}
		p.SetResponseID(responseID)
	}

	if err = p.DecodePayload(r); err != nil {
		return nil, &DecodeError{PacketID: id, Err: err}
	}
	return p, nil
}
