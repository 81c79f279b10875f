// ABOUTME: Request/response correlation for EXECUTE_CODE
// ABOUTME: Each call waits on its own channel keyed by a fresh correlation id

package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/2389/overlay-bridge/internal/protocol"
)

var (
	// ErrClientNotFound means the target client is not registered.
	ErrClientNotFound = errors.New("client not found")

	// ErrWriteFailed means the request could not be written; the client was evicted.
	ErrWriteFailed = errors.New("write to client failed")

	// ErrClientGone means the client disconnected before answering.
	ErrClientGone = errors.New("client disconnected before responding")

	// ErrEmptyCode means ExecuteCode was called without code.
	ErrEmptyCode = errors.New("code is required")
)

type pendingExec struct {
	clientID string
	result   chan protocol.ExecuteCodeResult
	gone     chan struct{}
}

// ExecuteCode sends EXECUTE_CODE to a client and waits for the matching
// EXECUTE_CODE_RESULT. A positive timeout bounds the wait and is also passed
// to the client; ctx cancellation ends the wait early.
func (r *Router) ExecuteCode(ctx context.Context, clientID, code string, timeout time.Duration) (protocol.ExecuteCodeResult, error) {
	if code == "" {
		return protocol.ExecuteCodeResult{}, ErrEmptyCode
	}

	execID := uuid.New().String()
	p := &pendingExec{
		clientID: clientID,
		result:   make(chan protocol.ExecuteCodeResult, 1),
		gone:     make(chan struct{}),
	}

	r.pendingMu.Lock()
	r.pending[execID] = p
	r.pendingMu.Unlock()
	defer r.dropPending(execID)

	msg := protocol.ExecuteCode{Code: code, ID: execID, Timeout: int(timeout.Milliseconds())}
	switch r.Send(clientID, msg) {
	case ClientNotFound:
		return protocol.ExecuteCodeResult{}, ErrClientNotFound
	case WriteFailed:
		return protocol.ExecuteCodeResult{}, ErrWriteFailed
	}

	r.logger.Debug("execution requested", "client_id", clientID, "exec_id", execID)

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case res := <-p.result:
		return res, nil
	case <-p.gone:
		return protocol.ExecuteCodeResult{}, ErrClientGone
	case <-ctx.Done():
		return protocol.ExecuteCodeResult{}, fmt.Errorf("waiting for execution result %s: %w", execID, ctx.Err())
	}
}

// PendingExecutions returns the number of ExecuteCode calls awaiting a result.
func (r *Router) PendingExecutions() int {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	return len(r.pending)
}

func (r *Router) resolvePending(clientID string, res protocol.ExecuteCodeResult) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()

	p, ok := r.pending[res.ID]
	if !ok || p.clientID != clientID {
		return
	}
	delete(r.pending, res.ID)

	select {
	case p.result <- res:
	default:
	}
}

func (r *Router) failPending(clientID string) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()

	for id, p := range r.pending {
		if p.clientID == clientID {
			delete(r.pending, id)
			close(p.gone)
		}
	}
}

func (r *Router) dropPending(execID string) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	delete(r.pending, execID)
}
