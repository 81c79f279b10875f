// ABOUTME: Write side of a client WebSocket: serialized text frames with deadlines
// ABOUTME: Close is idempotent and safe from the reader, the router, and the heartbeat

package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrConnClosed is returned by Send after the connection has been closed.
var ErrConnClosed = errors.New("connection closed")

const closeGracePeriod = time.Second

// Conn is one client WebSocket connection.
type Conn struct {
	ws           *websocket.Conn
	id           string
	remoteAddr   string
	writeTimeout time.Duration
	logger       *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}

	clientID atomic.Pointer[string]
}

func newConn(ws *websocket.Conn, remoteAddr string, writeTimeout time.Duration, logger *slog.Logger) *Conn {
	id := uuid.New().String()
	return &Conn{
		ws:           ws,
		id:           id,
		remoteAddr:   remoteAddr,
		writeTimeout: writeTimeout,
		logger:       logger.With("conn_id", id),
		closed:       make(chan struct{}),
	}
}

// ID identifies the connection in logs. It is not the client id.
func (c *Conn) ID() string { return c.id }

// RemoteAddr returns the peer address reported by the HTTP server.
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

// ClientID returns the id assigned at registration, or "" before it.
func (c *Conn) ClientID() string {
	if p := c.clientID.Load(); p != nil {
		return *p
	}
	return ""
}

// Registered reports whether REGISTER has completed on this connection.
func (c *Conn) Registered() bool {
	return c.clientID.Load() != nil
}

func (c *Conn) markRegistered(clientID string) bool {
	return c.clientID.CompareAndSwap(nil, &clientID)
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// Send writes one text frame. Writes are serialized, so frames reach the
// client in the order Send was called.
func (c *Conn) Send(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}

	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Close closes the connection with a normal closure status.
func (c *Conn) Close() error {
	return c.CloseWithReason(websocket.CloseNormalClosure, "")
}

// CloseWithReason sends a close frame with code and text, then closes the
// socket. Only the first call has any effect.
func (c *Conn) CloseWithReason(code int, text string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)

		msg := websocket.FormatCloseMessage(code, text)
		if werr := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod)); werr != nil {
			c.logger.Debug("close frame not sent", "error", werr)
		}
		err = c.ws.Close()
	})
	return err
}
