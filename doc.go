// Package watergate implements the client side of the WaterGate protocol,
// which links a game server to its proxy over one long-lived TCP connection.
//
// A Client owns a Session, and the Session owns a Transport. The Transport
// runs on its own goroutine and exchanges frame bodies with the Session
// through two buffered channels. Everything else, including packet handlers,
// pending responses and the keepalive ping, is driven by Client.Tick on a
// single goroutine:
//
//	client, err := watergate.NewClient(ctx, conf, watergate.WithListener(l))
//	if err != nil {
//		return err
//	}
//	if err = client.Connect(); err != nil {
//		return err
//	}
//	go client.Run(ctx)
//
// Code running elsewhere uses Client.Dispatch to reach the tick goroutine.
//
// A Registry manages several named clients loaded from a YAML Config, and
// Server with ProxyHandler provides the proxy end for tests and tooling.
package watergate
