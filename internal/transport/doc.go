// Package transport accepts sandbox client connections over WebSocket.
//
// # Connection lifecycle
//
//  1. Listener.ServeHTTP upgrades the request and starts a grace timer.
//  2. Frames are read one at a time and decoded with protocol.Decode.
//  3. REGISTER goes to Handler.HandleRegister; success stops the timer.
//  4. Other frames are dropped until the connection is registered, then go
//     to Handler.HandleMessage in arrival order.
//  5. On any read error, peer close, or local close, Handler.HandleClose is
//     called once and reading stops.
//
// Undecodable frames, unknown types and binary frames are logged and
// dropped; the connection stays open.
//
// # Writing
//
// Conn serializes writes under a mutex with a per-write deadline. Close may
// be called from any goroutine, any number of times.
package transport
