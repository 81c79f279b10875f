// Package logging builds the process logger.
//
// Text format uses ConsoleHandler, a compact colorized layout:
//
//	14:03:22 INF === CLIENT REGISTERED === component=registry client_id=6f1c... client_type=widget
//
// JSON format uses slog.NewJSONHandler unchanged. Components receive the
// logger through their constructors and scope it with
// logger.With("component", name).
package logging
