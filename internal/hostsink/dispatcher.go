// ABOUTME: Ordered, non-blocking delivery of registry changes and inbound messages to the host
// ABOUTME: Events queue without bound and a single goroutine drains them in FIFO order

package hostsink

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/overlay-bridge/internal/protocol"
	"github.com/2389/overlay-bridge/internal/registry"
)

// Host receives bridge notifications. Calls arrive from a single goroutine in
// the order the underlying events happened.
type Host interface {
	ClientsChanged(clients []registry.ClientInfo)
	MessageReceived(clientID string, msg protocol.Inbound)
}

// HostFuncs adapts a pair of functions to Host. Nil fields are ignored.
type HostFuncs struct {
	OnClientsChanged  func(clients []registry.ClientInfo)
	OnMessageReceived func(clientID string, msg protocol.Inbound)
}

func (h HostFuncs) ClientsChanged(clients []registry.ClientInfo) {
	if h.OnClientsChanged != nil {
		h.OnClientsChanged(clients)
	}
}

func (h HostFuncs) MessageReceived(clientID string, msg protocol.Inbound) {
	if h.OnMessageReceived != nil {
		h.OnMessageReceived(clientID, msg)
	}
}

// EventKind names a host notification.
type EventKind string

const (
	EventClientsChanged  EventKind = "clientsChanged"
	EventMessageReceived EventKind = "messageReceived"
)

// Event is one queued host notification.
type Event struct {
	Seq      uint64
	Kind     EventKind
	At       time.Time
	Clients  []registry.ClientInfo
	ClientID string
	Message  protocol.Inbound
}

type eventJSON struct {
	Seq      uint64                 `json:"seq"`
	Kind     EventKind              `json:"event"`
	At       time.Time              `json:"at"`
	Clients  *[]registry.ClientInfo `json:"clients,omitempty"`
	ClientID string                 `json:"clientId,omitempty"`
	Message  json.RawMessage        `json:"message,omitempty"`
}

// MarshalJSON encodes the event with its message in wire form.
func (e Event) MarshalJSON() ([]byte, error) {
	out := eventJSON{
		Seq:      e.Seq,
		Kind:     e.Kind,
		At:       e.At,
		ClientID: e.ClientID,
	}
	if e.Kind == EventClientsChanged {
		clients := e.Clients
		if clients == nil {
			clients = []registry.ClientInfo{}
		}
		// Always present on clientsChanged, even when the last client left.
		out.Clients = &clients
	}
	if e.Message != nil {
		frame, err := protocol.Encode(e.Message)
		if err != nil {
			return nil, fmt.Errorf("encoding event message: %w", err)
		}
		out.Message = frame
	}
	return json.Marshal(out)
}

// Dispatcher implements Host by queueing. Its methods never block, so they
// are safe to call with the registry lock held.
type Dispatcher struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	seq    uint64
	closed bool

	host   Host
	events *EventBroadcaster
	now    func() time.Time
	logger *slog.Logger
	done   chan struct{}
}

// NewDispatcher starts a dispatcher delivering to host and events. Either
// may be nil.
func NewDispatcher(host Host, events *EventBroadcaster, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		host:   host,
		events: events,
		now:    time.Now,
		logger: logger.With("component", "hostsink"),
		done:   make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

// ClientsChanged queues a client list notification.
func (d *Dispatcher) ClientsChanged(clients []registry.ClientInfo) {
	d.enqueue(Event{Kind: EventClientsChanged, Clients: clients})
}

// MessageReceived queues an inbound message notification.
func (d *Dispatcher) MessageReceived(clientID string, msg protocol.Inbound) {
	d.enqueue(Event{Kind: EventMessageReceived, ClientID: clientID, Message: msg})
}

func (d *Dispatcher) enqueue(ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		d.logger.Debug("dispatcher closed, dropping event", "event", ev.Kind)
		return
	}
	d.seq++
	ev.Seq = d.seq
	ev.At = d.now()
	d.queue = append(d.queue, ev)
	d.cond.Signal()
}

// Pending returns the number of queued, undelivered events.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

func (d *Dispatcher) run() {
	defer close(d.done)

	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		ev := d.queue[0]
		d.queue[0] = Event{}
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.deliver(ev)
	}
}

func (d *Dispatcher) deliver(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("host callback panicked", "event", ev.Kind, "seq", ev.Seq, "panic", r)
		}
	}()

	if d.host != nil {
		switch ev.Kind {
		case EventClientsChanged:
			d.host.ClientsChanged(ev.Clients)
		case EventMessageReceived:
			d.host.MessageReceived(ev.ClientID, ev.Message)
		}
	}
	if d.events != nil {
		d.events.Publish(ev)
	}
}

// Close stops accepting events, delivers what is already queued, and waits
// for the drain goroutine to exit.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()

	<-d.done
}
