package protocol

// Handler receives decoded packets through Packet.Handle. Each method
// reports whether the packet was consumed; unconsumed packets continue down
// the session's dispatch chain.
type Handler interface {
	HandleHandshake(*Handshake) bool
	HandleServerHandshake(*ServerHandshake) bool
	HandleDisconnect(*Disconnect) bool
	HandlePing(*Ping) bool
	HandlePong(*Pong) bool
	HandleReconnect(*Reconnect) bool
	HandleForward(*Forward) bool
	HandleServerInfoRequest(*ServerInfoRequest) bool
	HandleServerInfoResponse(*ServerInfoResponse) bool
	HandleServerTransfer(*ServerTransfer) bool
	HandlePlayerPingRequest(*PlayerPingRequest) bool
	HandlePlayerPingResponse(*PlayerPingResponse) bool
	HandleUnknown(*Unknown) bool
}

// HandlerAdapter leaves every packet unhandled. Embed it and override only
// the methods of interest.
type HandlerAdapter struct{}

func (HandlerAdapter) HandleHandshake(*Handshake) bool                   { return false }
func (HandlerAdapter) HandleServerHandshake(*ServerHandshake) bool       { return false }
func (HandlerAdapter) HandleDisconnect(*Disconnect) bool                 { return false }
func (HandlerAdapter) HandlePing(*Ping) bool                             { return false }
func (HandlerAdapter) HandlePong(*Pong) bool                             { return false }
func (HandlerAdapter) HandleReconnect(*Reconnect) bool                   { return false }
func (HandlerAdapter) HandleForward(*Forward) bool                       { return false }
func (HandlerAdapter) HandleServerInfoRequest(*ServerInfoRequest) bool   { return false }
func (HandlerAdapter) HandleServerInfoResponse(*ServerInfoResponse) bool { return false }
func (HandlerAdapter) HandleServerTransfer(*ServerTransfer) bool         { return false }
func (HandlerAdapter) HandlePlayerPingRequest(*PlayerPingRequest) bool   { return false }
func (HandlerAdapter) HandlePlayerPingResponse(*PlayerPingResponse) bool { return false }
func (HandlerAdapter) HandleUnknown(*Unknown) bool                       { return false }
