// ABOUTME: Concurrency-safe set of registered sandbox clients and their liveness state
// ABOUTME: Membership changes invoke a change hook under the lock so notifications stay ordered

package registry

import (
	"cmp"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/overlay-bridge/internal/protocol"
)

// ErrClientTypeChanged indicates a re-REGISTER tried to change the client type.
var ErrClientTypeChanged = errors.New("client type cannot change after registration")

// ErrPluginAlreadyRegistered indicates another connection already holds the plugin slot.
var ErrPluginAlreadyRegistered = errors.New("plugin client already registered")

// Conn is the write side of a client connection. The registry owns it for the
// lifetime of the record and never hands it to the host.
type Conn interface {
	Send(frame []byte) error
	Close() error
}

// ClientInfo is a point-in-time snapshot of a registered client.
type ClientInfo struct {
	ID          string              `json:"id"`
	ClientType  protocol.ClientType `json:"clientType"`
	WidgetID    string              `json:"widgetId,omitempty"`
	FileKey     string              `json:"fileKey,omitempty"`
	RemoteAddr  string              `json:"remoteAddr,omitempty"`
	ConnectedAt time.Time           `json:"connectedAt"`
	LastPongAt  time.Time           `json:"lastPongAt"`
}

// Target pairs a client snapshot with its connection for writing outside the lock.
type Target struct {
	Info ClientInfo
	Conn Conn
}

type entry struct {
	info     ClientInfo
	conn     Conn
	awaiting bool
	missed   int
}

// Options configures a Registry.
type Options struct {
	// SinglePlugin rejects a second plugin registration while one is present.
	SinglePlugin bool

	// OnChange receives the full client list after every membership or
	// metadata change. It runs with the registry lock held and must not block
	// or call back into the registry.
	OnChange func(clients []ClientInfo)

	Now   func() time.Time
	NewID func() string
}

// Registry tracks registered clients keyed by id and by connection.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*entry
	byConn map[Conn]*entry

	singlePlugin bool
	onChange     func([]ClientInfo)
	now          func() time.Time
	newID        func() string
	logger       *slog.Logger
}

// New creates an empty Registry.
func New(opts Options, logger *slog.Logger) *Registry {
	r := &Registry{
		byID:         make(map[string]*entry),
		byConn:       make(map[Conn]*entry),
		singlePlugin: opts.SinglePlugin,
		onChange:     opts.OnChange,
		now:          opts.Now,
		newID:        opts.NewID,
		logger:       logger.With("component", "registry"),
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.newID == nil {
		r.newID = func() string { return uuid.New().String() }
	}
	return r
}

// Register records a client for conn. A repeated REGISTER on the same
// connection updates the existing record in place and reports created=false.
func (r *Registry) Register(conn Conn, msg protocol.Register, remoteAddr string) (ClientInfo, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.byConn[conn]; ok {
		if e.info.ClientType != msg.ClientType {
			return e.info, false, ErrClientTypeChanged
		}

		changed := false
		if msg.WidgetID != "" && msg.WidgetID != e.info.WidgetID {
			e.info.WidgetID = msg.WidgetID
			changed = true
		}
		if msg.FileKey != "" && msg.FileKey != e.info.FileKey {
			e.info.FileKey = msg.FileKey
			changed = true
		}
		if changed {
			r.logger.Info("client re-registered",
				"client_id", e.info.ID,
				"file_key", e.info.FileKey,
				"widget_id", e.info.WidgetID,
			)
			r.notifyLocked()
		}
		return e.info, false, nil
	}

	if r.singlePlugin && msg.ClientType == protocol.ClientPlugin {
		for _, e := range r.byID {
			if e.info.ClientType == protocol.ClientPlugin {
				return ClientInfo{}, false, ErrPluginAlreadyRegistered
			}
		}
	}

	id := r.newID()
	for _, taken := r.byID[id]; taken; _, taken = r.byID[id] {
		id = r.newID()
	}

	now := r.now()
	e := &entry{
		info: ClientInfo{
			ID:          id,
			ClientType:  msg.ClientType,
			WidgetID:    msg.WidgetID,
			FileKey:     msg.FileKey,
			RemoteAddr:  remoteAddr,
			ConnectedAt: now,
			LastPongAt:  now,
		},
		conn: conn,
	}
	r.byID[id] = e
	r.byConn[conn] = e

	r.logger.Info("=== CLIENT REGISTERED ===",
		"client_id", id,
		"client_type", msg.ClientType,
		"widget_id", msg.WidgetID,
		"file_key", msg.FileKey,
		"remote_addr", remoteAddr,
		"total_clients", len(r.byID),
	)
	r.notifyLocked()
	return e.info, true, nil
}

// Unregister removes the client with the given id. Removing an absent client
// is a no-op and reports false.
func (r *Registry) Unregister(id string) (ClientInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[id]
	if !ok {
		return ClientInfo{}, false
	}
	r.removeLocked(e)
	return e.info, true
}

// UnregisterConn removes the client registered on conn, if any.
func (r *Registry) UnregisterConn(conn Conn) (ClientInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byConn[conn]
	if !ok {
		return ClientInfo{}, false
	}
	r.removeLocked(e)
	return e.info, true
}

func (r *Registry) removeLocked(e *entry) {
	delete(r.byID, e.info.ID)
	delete(r.byConn, e.conn)

	r.logger.Info("=== CLIENT UNREGISTERED ===",
		"client_id", e.info.ID,
		"client_type", e.info.ClientType,
		"total_clients", len(r.byID),
	)
	r.notifyLocked()
}

// Get returns the client with the given id.
func (r *Registry) Get(id string) (ClientInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byID[id]
	if !ok {
		return ClientInfo{}, false
	}
	return e.info, true
}

// Lookup returns the client registered on conn.
func (r *Registry) Lookup(conn Conn) (ClientInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byConn[conn]
	if !ok {
		return ClientInfo{}, false
	}
	return e.info, true
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// List returns all clients ordered by registration time, then id.
func (r *Registry) List() []ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked()
}

func (r *Registry) listLocked() []ClientInfo {
	out := make([]ClientInfo, 0, len(r.byID))
	for _, e := range r.byID {
		out = append(out, e.info)
	}
	slices.SortFunc(out, func(a, b ClientInfo) int {
		if c := a.ConnectedAt.Compare(b.ConnectedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// UpdateFileKey associates a document with a client. changed reports whether
// the stored key differed; ok is false when the client is unknown.
func (r *Registry) UpdateFileKey(id, fileKey string) (info ClientInfo, changed bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[id]
	if !ok {
		return ClientInfo{}, false, false
	}
	if fileKey == "" || e.info.FileKey == fileKey {
		return e.info, false, true
	}

	r.logger.Debug("client file key updated",
		"client_id", id,
		"old_file_key", e.info.FileKey,
		"file_key", fileKey,
	)
	e.info.FileKey = fileKey
	r.notifyLocked()
	return e.info, true, true
}

// Target returns the client and its connection.
func (r *Registry) Target(id string) (Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byID[id]
	if !ok {
		return Target{}, false
	}
	return Target{Info: e.info, Conn: e.conn}, true
}

// Targets returns every client accepted by match, or all clients when match is nil.
func (r *Registry) Targets(match func(ClientInfo) bool) []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Target
	for _, e := range r.byID {
		if match == nil || match(e.info) {
			out = append(out, Target{Info: e.info, Conn: e.conn})
		}
	}
	return out
}

// Probe advances every client's liveness state by one heartbeat cycle.
// Alive clients become awaiting; clients already awaiting count a miss.
// It returns the ids to ping and the ids whose misses reached maxMissed.
// Expired clients are not removed here; the caller evicts them.
func (r *Registry) Probe(maxMissed int) (probe, expired []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, e := range r.byID {
		if e.awaiting {
			e.missed++
			if e.missed >= maxMissed {
				expired = append(expired, id)
				continue
			}
		}
		e.awaiting = true
		probe = append(probe, id)
	}
	slices.Sort(probe)
	slices.Sort(expired)
	return probe, expired
}

// RecordPong marks a client alive and clears its missed count.
func (r *Registry) RecordPong(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[id]
	if !ok {
		return false
	}
	e.awaiting = false
	e.missed = 0
	e.info.LastPongAt = r.now()
	return true
}

// Awaiting reports whether a client has an unanswered ping outstanding.
func (r *Registry) Awaiting(id string) (awaiting bool, missed int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.byID[id]; ok {
		return e.awaiting, e.missed
	}
	return false, 0
}

func (r *Registry) notifyLocked() {
	if r.onChange != nil {
		r.onChange(r.listLocked())
	}
}
