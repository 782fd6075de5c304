package watergate

import "github.com/pkg/errors"

var (
	ErrNotConnected     = errors.New("watergate: not connected")
	ErrNotRequest       = errors.New("watergate: packet does not expect a response")
	ErrPingTimeout      = errors.New("watergate: ping timeout")
	ErrClientClosed     = errors.New("watergate: client closed")
	ErrTransportClosed  = errors.New("watergate: transport closed")
	ErrSendQueueFull    = errors.New("watergate: send queue full")
	ErrRetriesExhausted = errors.New("watergate: connect retries exhausted")
	ErrUnknownClient    = errors.New("watergate: unknown client")
	ErrServerClosed     = errors.New("watergate: server closed")
)
