// Package bridge wires the overlay-bridge components into a running relay.
//
// A Bridge owns one HTTP server. The configured WebSocket path accepts
// sandbox clients; the /api endpoints let an out-of-process overlay host
// list clients, send or broadcast envelopes, run code in a client, stream
// notifications, and read session history. An in-process host uses the Go
// methods and the WithHost option instead.
//
// Usage:
//
//	b, err := bridge.New(cfg, logger, bridge.WithHost(host))
//	if err != nil {
//		return err
//	}
//	return b.Run(ctx)
//
// Run returns when ctx is canceled. Shutdown closes every client with a
// going-away status, delivers the remaining host notifications, and closes
// the history database.
package bridge
