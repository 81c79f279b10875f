// Package router moves messages between registered sandbox clients and the
// host.
//
// Inbound frames from a registered connection are tagged with the sender's
// client id and handed to the host sink in arrival order. PONG frames are
// consumed by the liveness monitor and never reach the host. A message that
// carries a new document key updates the registry before it is forwarded,
// so the host sees the updated client list first.
//
// Outbound envelopes go to one client with Send or to a filtered set with
// Broadcast. Outcomes are reported per client as a Delivery value. Any write
// failure evicts the client: its connection is closed, it is removed from
// the registry, and pending ExecuteCode calls against it fail with
// ErrClientGone.
package router
