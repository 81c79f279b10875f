// ABOUTME: Routes inbound client frames to the host and host envelopes to clients
// ABOUTME: Owns eviction so every removal path closes, unregisters, and records history exactly once

package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/overlay-bridge/internal/dedupe"
	"github.com/2389/overlay-bridge/internal/hostsink"
	"github.com/2389/overlay-bridge/internal/protocol"
	"github.com/2389/overlay-bridge/internal/registry"
	"github.com/2389/overlay-bridge/internal/store"
)

const historyTimeout = 2 * time.Second

// PongRecorder consumes PONG frames.
type PongRecorder interface {
	RecordPong(clientID string) bool
}

// SessionRecorder receives session history updates. Failures are logged only.
type SessionRecorder interface {
	RecordConnect(ctx context.Context, s *store.Session) error
	RecordFileKey(ctx context.Context, clientID, fileKey string) error
	RecordDisconnect(ctx context.Context, clientID string, endedAt time.Time, reason string) error
}

// Options configures a Router.
type Options struct {
	Registry *registry.Registry
	Sink     hostsink.Host

	// Pongs defaults to the registry itself.
	Pongs PongRecorder

	// History may be nil.
	History SessionRecorder

	// Dedupe suppresses repeated execution results. May be nil.
	Dedupe *dedupe.Cache

	Now func() time.Time
}

// Router implements transport.Handler and the host-facing send operations.
type Router struct {
	reg     *registry.Registry
	sink    hostsink.Host
	history SessionRecorder
	dedupe  *dedupe.Cache
	now     func() time.Time
	logger  *slog.Logger

	pongMu sync.RWMutex
	pongs  PongRecorder

	pendingMu sync.Mutex
	pending   map[string]*pendingExec
}

// New creates a Router.
func New(opts Options, logger *slog.Logger) *Router {
	r := &Router{
		reg:     opts.Registry,
		sink:    opts.Sink,
		history: opts.History,
		dedupe:  opts.Dedupe,
		now:     opts.Now,
		pongs:   opts.Pongs,
		logger:  logger.With("component", "router"),
		pending: make(map[string]*pendingExec),
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.pongs == nil {
		r.pongs = opts.Registry
	}
	return r
}

// SetPongRecorder replaces the PONG consumer. The heartbeat monitor is
// attached this way because it is built after the router.
func (r *Router) SetPongRecorder(p PongRecorder) {
	r.pongMu.Lock()
	defer r.pongMu.Unlock()
	r.pongs = p
}

// HandleRegister registers conn and acknowledges with the assigned id.
func (r *Router) HandleRegister(conn registry.Conn, msg protocol.Register, remoteAddr string) (string, error) {
	info, created, err := r.reg.Register(conn, msg, remoteAddr)
	switch {
	case errors.Is(err, registry.ErrPluginAlreadyRegistered):
		r.logger.Warn("rejecting plugin registration: plugin already connected",
			"remote_addr", remoteAddr)
		_ = conn.Close()
		return "", err
	case err != nil:
		r.logger.Warn("ignoring REGISTER", "client_id", info.ID, "error", err)
		return "", err
	}

	if err := conn.Send(protocol.MustEncode(protocol.Registered{ClientID: info.ID})); err != nil {
		r.logger.Warn("registration ack failed", "client_id", info.ID, "error", err)
		r.Evict(info.ID, store.EndReasonWriteFailed)
		return "", err
	}

	if created {
		r.recordHistory("connect", info.ID, func(ctx context.Context, h SessionRecorder) error {
			return h.RecordConnect(ctx, &store.Session{
				ClientID:    info.ID,
				ClientType:  string(info.ClientType),
				WidgetID:    info.WidgetID,
				FileKey:     info.FileKey,
				RemoteAddr:  info.RemoteAddr,
				ConnectedAt: info.ConnectedAt,
			})
		})
	} else if info.FileKey != "" {
		r.recordFileKey(info.ID, info.FileKey)
	}
	return info.ID, nil
}

// HandleMessage routes a frame from a registered connection.
func (r *Router) HandleMessage(conn registry.Conn, msg protocol.Inbound) {
	info, ok := r.reg.Lookup(conn)
	if !ok {
		r.logger.Debug("dropping frame from removed client", "type", msg.MessageType())
		return
	}

	switch m := msg.(type) {
	case protocol.Pong:
		r.pongMu.RLock()
		pongs := r.pongs
		r.pongMu.RUnlock()
		pongs.RecordPong(info.ID)
		return

	case protocol.Register:
		// The listener routes REGISTER to HandleRegister.
		return

	case protocol.ExecuteCodeResult:
		if m.ID == "" {
			// Answers an id-less EXECUTE_CODE; nothing to correlate.
			break
		}
		if r.dedupe != nil && r.dedupe.CheckAndMark("exec:"+info.ID+":"+m.ID) {
			r.logger.Debug("dropping duplicate execution result", "client_id", info.ID, "exec_id", m.ID)
			return
		}
		r.resolvePending(info.ID, m)
	}

	if fk, ok := msg.(protocol.FileKeyed); ok {
		if key := fk.DocumentKey(); key != "" && key != info.FileKey {
			if _, changed, _ := r.reg.UpdateFileKey(info.ID, key); changed {
				r.recordFileKey(info.ID, key)
			}
		}
	}

	r.sink.MessageReceived(info.ID, msg)
}

// HandleClose removes the client registered on conn, if any.
func (r *Router) HandleClose(conn registry.Conn) {
	info, ok := r.reg.UnregisterConn(conn)
	if !ok {
		return
	}
	r.finish(info.ID, store.EndReasonClosed)
}

// Evict closes and removes a client. It is safe to call for a client that
// is already gone and reports whether this call removed it.
func (r *Router) Evict(clientID, reason string) bool {
	target, ok := r.reg.Target(clientID)
	if !ok {
		return false
	}
	if _, removed := r.reg.Unregister(clientID); !removed {
		return false
	}

	r.logger.Info("client evicted", "client_id", clientID, "reason", reason)
	_ = target.Conn.Close()
	r.finish(clientID, reason)
	return true
}

func (r *Router) finish(clientID, reason string) {
	r.failPending(clientID)

	ended := r.now()
	r.recordHistory("disconnect", clientID, func(ctx context.Context, h SessionRecorder) error {
		return h.RecordDisconnect(ctx, clientID, ended, reason)
	})
}

// Send writes env to one client. A failed write evicts the client.
func (r *Router) Send(clientID string, env protocol.Outbound) Delivery {
	target, ok := r.reg.Target(clientID)
	if !ok {
		return ClientNotFound
	}

	frame, err := protocol.Encode(env)
	if err != nil {
		r.logger.Error("encoding outbound envelope", "type", env.MessageType(), "error", err)
		return WriteFailed
	}
	return r.deliver(target, frame, env.MessageType())
}

// Broadcast writes env to every client selected by filter, each in its own
// goroutine, and waits for all writes to finish. One failing or slow client
// never prevents delivery to the others.
func (r *Router) Broadcast(env protocol.Outbound, filter Filter) Report {
	targets := r.reg.Targets(filter)
	report := make(Report, len(targets))
	if len(targets) == 0 {
		return report
	}

	frame, err := protocol.Encode(env)
	if err != nil {
		r.logger.Error("encoding outbound envelope", "type", env.MessageType(), "error", err)
		for _, t := range targets {
			report[t.Info.ID] = WriteFailed
		}
		return report
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, t := range targets {
		wg.Add(1)
		go func(t registry.Target) {
			defer wg.Done()
			d := r.deliver(t, frame, env.MessageType())
			mu.Lock()
			report[t.Info.ID] = d
			mu.Unlock()
		}(t)
	}
	wg.Wait()

	r.logger.Debug("broadcast complete",
		"type", env.MessageType(),
		"targets", len(targets),
		"failed", len(report.Failed()),
	)
	return report
}

func (r *Router) deliver(t registry.Target, frame []byte, kind protocol.MessageType) Delivery {
	if err := t.Conn.Send(frame); err != nil {
		r.logger.Warn("write failed", "client_id", t.Info.ID, "type", kind, "error", err)
		r.Evict(t.Info.ID, store.EndReasonWriteFailed)
		return WriteFailed
	}
	return Delivered
}

func (r *Router) recordFileKey(clientID, key string) {
	r.recordHistory("file key", clientID, func(ctx context.Context, h SessionRecorder) error {
		return h.RecordFileKey(ctx, clientID, key)
	})
}

func (r *Router) recordHistory(what, clientID string, fn func(context.Context, SessionRecorder) error) {
	if r.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()

	if err := fn(ctx, r.history); err != nil {
		r.logger.Warn("session history update failed", "op", what, "client_id", clientID, "error", err)
	}
}
