// Package protocol defines the envelopes spoken between the bridge and its
// sandbox clients.
//
// # Wire format
//
// Each WebSocket text frame carries one JSON object with a "type" tag:
//
//	{"type":"REGISTER","clientType":"widget","widgetId":"W1","fileKey":"abc"}
//	{"type":"SELECTION_CHANGED","nodes":[{"id":"1:2","name":"Frame","type":"FRAME"}]}
//	{"type":"EXECUTE_CODE","id":"exec-1","code":"figma.notify('hi')"}
//
// Inbound (client to bridge): REGISTER, SELECTION_CHANGED, ANALYSIS_RESULT,
// PONG, EXECUTE_CODE_RESULT.
//
// Outbound (bridge or host to client): REGISTERED, PING, TRIGGER_ANALYSIS,
// EXECUTE_CODE, HIGHLIGHT_NODE, NOTIFY.
//
// # Decoding
//
// Decode and DecodeOutbound accept only the tags of their direction. Anything
// else fails with ErrUnknownType; a known tag with missing or invalid fields
// fails with ErrMalformed. There is no version field, so a newer client's
// unknown message types take the ErrUnknownType path.
package protocol
