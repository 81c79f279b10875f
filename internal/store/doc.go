// Package store keeps a history of client sessions in SQLite.
//
// # Schema
//
// One table, client_sessions, holds a row per registered connection:
//
//	client_id | client_type | widget_id | file_key | remote_addr |
//	connected_at | ended_at | end_reason
//
// Times are stored as RFC 3339 text in UTC. A NULL ended_at marks a session
// that is still open; CloseOpenSessions sweeps those at startup so a crash
// does not leave phantom connections in the history.
//
// # Usage
//
//	s, err := store.NewSQLiteStore(cfg.History.Path, logger)
//	defer s.Close()
//
// History is optional. The bridge logs write failures and never lets them
// affect message delivery.
package store
