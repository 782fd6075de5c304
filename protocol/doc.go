// Package protocol implements the WaterGate wire format.
//
// A frame on the wire is
//
//	u16 magic (0x0A20)
//	u32 body length
//	u8  packet id
//	u8  response flag (0/1)
//	u32 response id, present only when the flag is 1
//	... packet payload
//
// All integers are big-endian. Strings are a u32 byte length followed by the
// raw bytes, booleans a single byte, arrays a u32 count followed by the
// elements.
//
// Packets dispatch to a Handler through Packet.Handle, one handler method per
// variant. Embedding HandlerAdapter gives a handler that leaves everything it
// does not override unhandled.
package protocol
