// Package hostsink delivers bridge notifications to the embedding host.
//
// The Dispatcher turns clientsChanged and messageReceived calls into a single
// FIFO stream. Producers (the registry change hook, the router) only append
// to the queue; one goroutine calls the Host and then publishes the same
// event to the EventBroadcaster, which feeds the HTTP event stream.
package hostsink
