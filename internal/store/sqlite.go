// ABOUTME: SQLite implementation of SessionStore using modernc.org/sqlite
// ABOUTME: Creates the client_sessions schema on open and stores times as RFC 3339 text

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultListLimit caps ListSessions when the caller passes a non-positive limit.
const DefaultListLimit = 100

// SQLiteStore implements SessionStore using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ SessionStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the history database at path.
// Parent directories are created if needed.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One writer; also keeps ":memory:" on a single shared connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS client_sessions (
			client_id    TEXT PRIMARY KEY,
			client_type  TEXT NOT NULL,
			widget_id    TEXT,
			file_key     TEXT,
			remote_addr  TEXT,
			connected_at TEXT NOT NULL,
			ended_at     TEXT,
			end_reason   TEXT,

			CHECK (client_type IN ('plugin', 'widget'))
		);

		CREATE INDEX IF NOT EXISTS idx_client_sessions_connected
			ON client_sessions(connected_at);

		CREATE INDEX IF NOT EXISTS idx_client_sessions_open
			ON client_sessions(ended_at) WHERE ended_at IS NULL;
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordConnect stores a new open session.
func (s *SQLiteStore) RecordConnect(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO client_sessions (client_id, client_type, widget_id, file_key, remote_addr, connected_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		sess.ClientID,
		sess.ClientType,
		nullString(sess.WidgetID),
		nullString(sess.FileKey),
		nullString(sess.RemoteAddr),
		formatTime(sess.ConnectedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting session %s: %w", sess.ClientID, err)
	}
	return nil
}

// RecordFileKey updates the document associated with a session.
func (s *SQLiteStore) RecordFileKey(ctx context.Context, clientID, fileKey string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE client_sessions SET file_key = ? WHERE client_id = ?`,
		nullString(fileKey), clientID,
	)
	if err != nil {
		return fmt.Errorf("updating file key for %s: %w", clientID, err)
	}
	return requireRow(res)
}

// RecordDisconnect closes an open session; an already closed one is left as is.
func (s *SQLiteStore) RecordDisconnect(ctx context.Context, clientID string, endedAt time.Time, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE client_sessions SET ended_at = ?, end_reason = ?
		WHERE client_id = ? AND ended_at IS NULL
	`, formatTime(endedAt), reason, clientID)
	if err != nil {
		return fmt.Errorf("closing session %s: %w", clientID, err)
	}
	return nil
}

// GetSession returns a single session by client id.
func (s *SQLiteStore) GetSession(ctx context.Context, clientID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT client_id, client_type, widget_id, file_key, remote_addr, connected_at, ended_at, end_reason
		FROM client_sessions WHERE client_id = ?
	`, clientID)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting session %s: %w", clientID, err)
	}
	return sess, nil
}

// ListSessions returns up to limit sessions, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT client_id, client_type, widget_id, file_key, remote_addr, connected_at, ended_at, end_reason
		FROM client_sessions
		ORDER BY connected_at DESC, client_id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

// CloseOpenSessions ends every session still open. Used at startup to close
// sessions left behind by a previous process.
func (s *SQLiteStore) CloseOpenSessions(ctx context.Context, endedAt time.Time, reason string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE client_sessions SET ended_at = ?, end_reason = ? WHERE ended_at IS NULL`,
		formatTime(endedAt), reason,
	)
	if err != nil {
		return 0, fmt.Errorf("closing open sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting closed sessions: %w", err)
	}
	if n > 0 {
		s.logger.Info("closed stale sessions", "count", n, "reason", reason)
	}
	return n, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var (
		sess                              Session
		widgetID, fileKey, remote, reason sql.NullString
		connectedAt                       string
		endedAt                           sql.NullString
	)
	if err := row.Scan(&sess.ClientID, &sess.ClientType, &widgetID, &fileKey, &remote, &connectedAt, &endedAt, &reason); err != nil {
		return nil, err
	}

	sess.WidgetID = widgetID.String
	sess.FileKey = fileKey.String
	sess.RemoteAddr = remote.String
	sess.EndReason = reason.String

	t, err := time.Parse(time.RFC3339Nano, connectedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing connected_at: %w", err)
	}
	sess.ConnectedAt = t

	if endedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, endedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing ended_at: %w", err)
		}
		sess.EndedAt = &t
	}
	return &sess, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
