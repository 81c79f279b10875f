// ABOUTME: WebSocket listener: upgrades requests, gates on REGISTER, and runs one read loop per connection
// ABOUTME: Decoded frames go to a Handler; undecodable or premature frames are logged and dropped

package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/overlay-bridge/internal/protocol"
	"github.com/2389/overlay-bridge/internal/registry"
)

// Handler receives connection events from the listener. All calls for one
// connection come from that connection's read goroutine, in frame order.
type Handler interface {
	// HandleRegister processes a REGISTER frame and returns the client id.
	// An error leaves the connection unregistered; the handler closes it if
	// the error is terminal.
	HandleRegister(conn registry.Conn, msg protocol.Register, remoteAddr string) (string, error)

	// HandleMessage processes any other frame from a registered connection.
	HandleMessage(conn registry.Conn, msg protocol.Inbound)

	// HandleClose is called exactly once after the connection stops reading.
	HandleClose(conn registry.Conn)
}

// Options configures a Listener.
type Options struct {
	// AllowedOrigins lists accepted Origin headers. Empty accepts any origin,
	// which sandboxed iframes (Origin "null") need.
	AllowedOrigins []string

	RegisterTimeout time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
}

// Listener accepts client WebSocket connections. It implements http.Handler.
type Listener struct {
	upgrader websocket.Upgrader
	handler  Handler
	opts     Options
	logger   *slog.Logger

	mu       sync.Mutex
	conns    map[*Conn]struct{}
	draining bool
	wg       sync.WaitGroup
}

// NewListener creates a listener delivering events to handler.
func NewListener(handler Handler, opts Options, logger *slog.Logger) *Listener {
	if opts.RegisterTimeout <= 0 {
		opts.RegisterTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 1 << 20
	}

	l := &Listener{
		handler: handler,
		opts:    opts,
		logger:  logger.With("component", "transport"),
		conns:   make(map[*Conn]struct{}),
	}
	l.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     l.checkOrigin,
	}
	return l
}

func (l *Listener) checkOrigin(r *http.Request) bool {
	if len(l.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range l.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	l.logger.Warn("rejected connection from disallowed origin",
		"origin", origin,
		"remote_addr", r.RemoteAddr,
	)
	return false
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	l.mu.Lock()
	if l.draining {
		l.mu.Unlock()
		http.Error(w, "bridge shutting down", http.StatusServiceUnavailable)
		return
	}
	l.wg.Add(1)
	l.mu.Unlock()
	defer l.wg.Done()

	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		l.logger.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(l.opts.MaxMessageBytes)

	conn := newConn(ws, r.RemoteAddr, l.opts.WriteTimeout, l.logger)
	l.track(conn)
	defer l.untrack(conn)

	conn.logger.Debug("connection opened", "remote_addr", conn.RemoteAddr())

	deadline := time.Now().Add(l.opts.RegisterTimeout)
	grace := time.AfterFunc(l.opts.RegisterTimeout, func() {
		if conn.Registered() {
			return
		}
		select {
		case <-conn.Done():
			return
		default:
		}
		conn.logger.Warn("closing connection: no REGISTER within grace period",
			"remote_addr", conn.RemoteAddr(),
			"timeout", l.opts.RegisterTimeout,
		)
		_ = conn.CloseWithReason(websocket.ClosePolicyViolation, "registration timeout")
	})
	defer grace.Stop()

	l.readLoop(conn, grace, deadline)
}

// readLoop runs until the connection fails. The grace timer is paused while a
// REGISTER is being handled, so slow acks or history writes cannot close a
// client that registered in time. A rejected REGISTER resumes the countdown
// toward the original deadline.
func (l *Listener) readLoop(conn *Conn, grace *time.Timer, deadline time.Time) {
	defer func() {
		_ = conn.Close()
		l.handler.HandleClose(conn)
		conn.logger.Debug("connection closed", "client_id", conn.ClientID())
	}()

	for {
		kind, data, err := conn.ws.ReadMessage()
		if err != nil {
			l.logReadError(conn, err)
			return
		}

		if kind != websocket.TextMessage {
			conn.logger.Warn("dropping non-text frame", "client_id", conn.ClientID(), "frame_type", kind)
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			conn.logger.Warn("dropping undecodable frame",
				"client_id", conn.ClientID(),
				"bytes", len(data),
				"error", err,
			)
			continue
		}

		if reg, ok := msg.(protocol.Register); ok {
			paused := !conn.Registered() && grace.Stop()
			clientID, err := l.handler.HandleRegister(conn, reg, conn.RemoteAddr())
			if err != nil {
				conn.logger.Warn("registration rejected", "client_type", reg.ClientType, "error", err)
				if paused {
					grace.Reset(time.Until(deadline))
				}
				continue
			}
			conn.markRegistered(clientID)
			continue
		}

		if !conn.Registered() {
			conn.logger.Warn("dropping frame from unregistered connection", "type", msg.MessageType())
			continue
		}

		l.handler.HandleMessage(conn, msg)
	}
}

func (l *Listener) logReadError(conn *Conn, err error) {
	select {
	case <-conn.Done():
		// Closed locally; the closer already logged why.
		return
	default:
	}

	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		conn.logger.Debug("client closed connection", "client_id", conn.ClientID())
	case errors.Is(err, websocket.ErrReadLimit):
		conn.logger.Warn("closing connection: frame exceeds read limit",
			"client_id", conn.ClientID(),
			"limit", l.opts.MaxMessageBytes,
		)
	default:
		conn.logger.Info("connection read failed", "client_id", conn.ClientID(), "error", err)
	}
}

func (l *Listener) track(c *Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conns[c] = struct{}{}
}

func (l *Listener) untrack(c *Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.conns, c)
}

// ActiveConnections returns the number of open connections, registered or not.
func (l *Listener) ActiveConnections() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}

// Shutdown refuses new connections, closes open ones, and waits for their
// read loops to finish or ctx to expire.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	l.draining = true
	open := make([]*Conn, 0, len(l.conns))
	for c := range l.conns {
		open = append(open, c)
	}
	l.mu.Unlock()

	for _, c := range open {
		_ = c.CloseWithReason(websocket.CloseGoingAway, "bridge shutting down")
	}

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
