// Package registry tracks the sandbox clients connected to the bridge.
//
// # Records
//
// A record is created by a successful REGISTER and lives exactly as long as
// its connection. Ids are UUIDs assigned by the bridge and never reused while
// a record holding them exists. A connection maps to at most one record;
// repeating REGISTER on it updates that record in place.
//
// # Change hook
//
// Options.OnChange is invoked with the full client list after each change,
// while the registry lock is held. Callers pass a hook that only enqueues, so
// host notifications follow the exact order of the mutations.
//
// # Liveness
//
// Probe and RecordPong implement the heartbeat state machine:
//
//	ALIVE --Probe--> AWAITING_PONG --RecordPong--> ALIVE
//	AWAITING_PONG --Probe x maxMissed--> expired
//
// Expired ids are returned to the caller, which closes and unregisters them.
package registry
