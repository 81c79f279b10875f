// ABOUTME: Session history types and the SessionStore interface
// ABOUTME: A session is one registered client connection from REGISTER to close

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested session does not exist
var ErrNotFound = errors.New("not found")

// End reasons recorded for closed sessions.
const (
	EndReasonClosed           = "connection closed"
	EndReasonHeartbeatTimeout = "heartbeat timeout"
	EndReasonWriteFailed      = "write failed"
	EndReasonShutdown         = "bridge shutdown"
	EndReasonRestart          = "bridge restart"
)

// Session records one client connection.
type Session struct {
	ClientID    string     `json:"clientId"`
	ClientType  string     `json:"clientType"`
	WidgetID    string     `json:"widgetId,omitempty"`
	FileKey     string     `json:"fileKey,omitempty"`
	RemoteAddr  string     `json:"remoteAddr,omitempty"`
	ConnectedAt time.Time  `json:"connectedAt"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
	EndReason   string     `json:"endReason,omitempty"`
}

// SessionStore persists client session history.
type SessionStore interface {
	// RecordConnect stores a new open session.
	RecordConnect(ctx context.Context, s *Session) error

	// RecordFileKey updates the document associated with a session.
	RecordFileKey(ctx context.Context, clientID, fileKey string) error

	// RecordDisconnect closes an open session. Closing an already closed
	// session keeps the first end time and reason.
	RecordDisconnect(ctx context.Context, clientID string, endedAt time.Time, reason string) error

	// GetSession returns ErrNotFound for unknown ids.
	GetSession(ctx context.Context, clientID string) (*Session, error)

	// ListSessions returns up to limit sessions, newest first.
	ListSessions(ctx context.Context, limit int) ([]*Session, error)

	// CloseOpenSessions ends every session still open, returning how many.
	CloseOpenSessions(ctx context.Context, endedAt time.Time, reason string) (int64, error)

	Close() error
}
