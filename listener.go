package watergate

// Listener observes the lifecycle of a client. Callbacks run on the tick
// goroutine.
type Listener interface {
	// OnConnected is called once the handshake has been sent.
	OnConnected(c *Client)
	// OnAuthenticated is called when the peer accepts the handshake. A
	// non-nil error vetoes the session, which is disconnected with the
	// error text as reason.
	OnAuthenticated(c *Client) error
	OnDisconnected(c *Client, reason string)
}

type ListenerAdapter struct{}

func (ListenerAdapter) OnConnected(*Client)            {}
func (ListenerAdapter) OnAuthenticated(*Client) error  { return nil }
func (ListenerAdapter) OnDisconnected(*Client, string) {}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Connected     func(c *Client)
	Authenticated func(c *Client) error
	Disconnected  func(c *Client, reason string)
}

func (l ListenerFuncs) OnConnected(c *Client) {
	if l.Connected != nil {
		l.Connected(c)
	}
}

func (l ListenerFuncs) OnAuthenticated(c *Client) error {
	if l.Authenticated != nil {
		return l.Authenticated(c)
	}
	return nil
}

func (l ListenerFuncs) OnDisconnected(c *Client, reason string) {
	if l.Disconnected != nil {
		l.Disconnected(c, reason)
	}
}
