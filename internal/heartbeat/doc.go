// Package heartbeat evicts clients that stop answering PING.
//
// Each cycle a client is either alive (it answered the last PING) or
// awaiting a PONG. An awaiting client counts one missed cycle per tick; when
// it reaches the configured maximum it is evicted with reason
// "heartbeat timeout" instead of being pinged again. Any PONG resets the
// count.
package heartbeat
