// ABOUTME: HTTP host API: client listing, send, broadcast, code execution, event stream, history
// ABOUTME: Out-of-process hosts use these endpoints instead of the Go API

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/overlay-bridge/internal/protocol"
	"github.com/2389/overlay-bridge/internal/router"
	"github.com/2389/overlay-bridge/internal/store"
)

const (
	defaultExecTimeout = 30 * time.Second
	maxRequestBytes    = 1 << 20
	sseKeepalive       = 30 * time.Second
)

// SendRequest is the body of POST /api/send.
type SendRequest struct {
	ClientID string          `json:"clientId"`
	Message  json.RawMessage `json:"message"`
}

// SendResponse reports a unicast outcome.
type SendResponse struct {
	ClientID string          `json:"clientId"`
	Delivery router.Delivery `json:"delivery"`
}

// BroadcastRequest is the body of POST /api/broadcast. Empty selectors match
// every client; set selectors are combined.
type BroadcastRequest struct {
	Message    json.RawMessage     `json:"message"`
	ClientType protocol.ClientType `json:"clientType,omitempty"`
	ClientIDs  []string            `json:"clientIds,omitempty"`
	FileKey    string              `json:"fileKey,omitempty"`
}

// BroadcastResponse reports per-client outcomes of a broadcast.
type BroadcastResponse struct {
	Results   router.Report `json:"results"`
	Delivered []string      `json:"delivered"`
	Failed    []string      `json:"failed"`
}

// ExecuteRequest is the body of POST /api/execute.
type ExecuteRequest struct {
	ClientID  string `json:"clientId"`
	Code      string `json:"code"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

// handleListClients returns the registered clients as a JSON array.
func (b *Bridge) handleListClients(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	b.writeJSON(w, http.StatusOK, b.Clients())
}

// handleSend writes one envelope to one client.
func (b *Bridge) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	req, env, err := parseSendRequest(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		b.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	d := b.SendTo(req.ClientID, env)
	b.writeJSON(w, deliveryStatus(d), SendResponse{ClientID: req.ClientID, Delivery: d})
}

// deliveryStatus maps a unicast outcome to an HTTP status.
func deliveryStatus(d router.Delivery) int {
	switch d {
	case router.Delivered:
		return http.StatusOK
	case router.ClientNotFound:
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}

// parseSendRequest decodes and validates a send body.
func parseSendRequest(body io.Reader) (*SendRequest, protocol.Outbound, error) {
	var req SendRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		return nil, nil, errors.New("invalid JSON body")
	}
	if req.ClientID == "" {
		return nil, nil, errors.New("clientId is required")
	}
	env, err := decodeMessage(req.Message)
	if err != nil {
		return nil, nil, err
	}
	return &req, env, nil
}

func decodeMessage(raw json.RawMessage) (protocol.Outbound, error) {
	if len(raw) == 0 {
		return nil, errors.New("message is required")
	}
	env, err := protocol.DecodeOutbound(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	return env, nil
}

// handleBroadcast writes one envelope to every selected client.
func (b *Bridge) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req BroadcastRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		b.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ClientType != "" && !req.ClientType.Valid() {
		b.sendJSONError(w, http.StatusBadRequest, "clientType must be plugin or widget")
		return
	}
	env, err := decodeMessage(req.Message)
	if err != nil {
		b.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	report := b.Broadcast(env, req.filter())
	b.writeJSON(w, http.StatusOK, BroadcastResponse{
		Results:   report,
		Delivered: report.Delivered(),
		Failed:    report.Failed(),
	})
}

func (req *BroadcastRequest) filter() router.Filter {
	var filters []router.Filter
	if req.ClientType != "" {
		filters = append(filters, router.ByType(req.ClientType))
	}
	if req.ClientIDs != nil {
		filters = append(filters, router.ByIDs(req.ClientIDs...))
	}
	if req.FileKey != "" {
		filters = append(filters, router.ByFileKey(req.FileKey))
	}
	if len(filters) == 0 {
		return router.All()
	}
	return router.And(filters...)
}

// handleExecute runs code on a client and waits for the result.
func (b *Bridge) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req ExecuteRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		b.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ClientID == "" {
		b.sendJSONError(w, http.StatusBadRequest, "clientId is required")
		return
	}
	if req.TimeoutMs < 0 {
		b.sendJSONError(w, http.StatusBadRequest, "timeoutMs must not be negative")
		return
	}

	timeout := defaultExecTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	res, err := b.ExecuteCode(r.Context(), req.ClientID, req.Code, timeout)
	switch {
	case err == nil:
		b.writeJSON(w, http.StatusOK, res)
	case errors.Is(err, router.ErrEmptyCode):
		b.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, router.ErrClientNotFound):
		b.sendJSONError(w, http.StatusNotFound, "client not found")
	case errors.Is(err, router.ErrWriteFailed), errors.Is(err, router.ErrClientGone):
		b.sendJSONError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		b.sendJSONError(w, http.StatusGatewayTimeout, "execution timed out")
	default:
		b.logger.Debug("execute request ended", "client_id", req.ClientID, "error", err)
		b.sendJSONError(w, http.StatusServiceUnavailable, "request cancelled")
	}
}

// handleEvents streams host notifications as server-sent events. The first
// event is a clientsChanged snapshot of the current client list.
func (b *Bridge) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		b.logger.Error("streaming not supported")
		b.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, subID := b.Subscribe(r.Context())
	b.logger.Debug("event stream opened", "sub_id", subID, "remote_addr", r.RemoteAddr)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	b.writeSSEEvent(w, "snapshot", map[string]any{"clients": b.Clients()})
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			b.writeSSEEvent(w, string(ev.Kind), ev)
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (b *Bridge) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		b.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	_, _ = fmt.Fprintf(w, "event: %s\n", event)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// handleSessions returns recent session history.
func (b *Bridge) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	limit := store.DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			b.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	sessions, err := b.Sessions(r.Context(), limit)
	if errors.Is(err, ErrHistoryDisabled) {
		b.sendJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		b.logger.Error("listing sessions", "error", err)
		b.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if sessions == nil {
		sessions = []*store.Session{}
	}
	b.writeJSON(w, http.StatusOK, sessions)
}

func (b *Bridge) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		b.logger.Debug("writing response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (b *Bridge) sendJSONError(w http.ResponseWriter, status int, message string) {
	b.writeJSON(w, status, map[string]string{"error": message})
}
