// ABOUTME: Bridge orchestrates the overlay-bridge components and owns the HTTP server
// ABOUTME: It serves the client WebSocket endpoint and the host API on one listener

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/2389/overlay-bridge/internal/config"
	"github.com/2389/overlay-bridge/internal/dedupe"
	"github.com/2389/overlay-bridge/internal/heartbeat"
	"github.com/2389/overlay-bridge/internal/hostsink"
	"github.com/2389/overlay-bridge/internal/protocol"
	"github.com/2389/overlay-bridge/internal/registry"
	"github.com/2389/overlay-bridge/internal/router"
	"github.com/2389/overlay-bridge/internal/store"
	"github.com/2389/overlay-bridge/internal/transport"
)

var (
	// ErrHistoryDisabled is returned by Sessions when no history path is configured.
	ErrHistoryDisabled = errors.New("session history disabled")

	// ErrBridgeClosed is returned by Serve after Shutdown.
	ErrBridgeClosed = errors.New("bridge closed")
)

const (
	shutdownTimeout = 5 * time.Second
	dedupeTTL       = 5 * time.Minute
	dedupeMaxSize   = 10_000
)

// Option customizes a Bridge.
type Option func(*options)

type options struct {
	host hostsink.Host
}

// WithHost delivers clientsChanged and messageReceived to an in-process host.
// Calls arrive on a single goroutine in the order the bridge observed them.
func WithHost(h hostsink.Host) Option {
	return func(o *options) { o.host = h }
}

// Bridge relays messages between sandbox clients and the overlay host.
type Bridge struct {
	config     *config.Config
	registry   *registry.Registry
	dispatcher *hostsink.Dispatcher
	events     *hostsink.EventBroadcaster
	router     *router.Router
	monitor    *heartbeat.Monitor
	listener   *transport.Listener
	dedupe     *dedupe.Cache
	history    store.SessionStore
	handler    http.Handler
	httpServer *http.Server
	logger     *slog.Logger

	shutdownOnce sync.Once
	shutdownErr  error
	shuttingDown chan struct{}

	monitorMu   sync.Mutex
	stopMonitor context.CancelFunc
}

// New creates a Bridge from cfg. Nothing listens until Run or Serve.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Bridge, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	b := &Bridge{
		config:       cfg,
		logger:       logger.With("component", "bridge"),
		shuttingDown: make(chan struct{}),
	}

	history, err := initHistory(cfg, logger)
	if err != nil {
		return nil, err
	}
	b.history = history

	b.events = hostsink.NewEventBroadcaster(logger)
	b.dispatcher = hostsink.NewDispatcher(o.host, b.events, logger)
	b.registry = registry.New(registry.Options{
		SinglePlugin: cfg.SinglePlugin(),
		OnChange:     b.dispatcher.ClientsChanged,
	}, logger)
	b.dedupe = dedupe.New(dedupeTTL, dedupeMaxSize)

	routerOpts := router.Options{
		Registry: b.registry,
		Sink:     b.dispatcher,
		Dedupe:   b.dedupe,
	}
	if history != nil {
		routerOpts.History = history
	}
	b.router = router.New(routerOpts, logger)

	b.monitor = heartbeat.New(b.registry, b.router, b.router,
		cfg.Bridge.HeartbeatInterval, cfg.Bridge.HeartbeatMaxMissed, logger)
	b.router.SetPongRecorder(b.monitor)

	b.listener = transport.NewListener(b.router, transport.Options{
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		RegisterTimeout: cfg.Bridge.RegisterTimeout,
		WriteTimeout:    cfg.Bridge.WriteTimeout,
		MaxMessageBytes: cfg.Bridge.MaxMessageBytes,
	}, logger)

	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("/health", b.handleHealth)
	mux.HandleFunc("/health/ready", b.handleReady)

	// Host API
	mux.HandleFunc("/api/clients", b.handleListClients)
	mux.HandleFunc("/api/send", b.handleSend)
	mux.HandleFunc("/api/broadcast", b.handleBroadcast)
	mux.HandleFunc("/api/execute", b.handleExecute)
	mux.HandleFunc("/api/events", b.handleEvents)
	mux.HandleFunc("/api/sessions", b.handleSessions)

	// Client endpoint
	mux.Handle(cfg.Server.WSPath, b.listener)

	b.handler = mux
	b.httpServer = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return b, nil
}

// initHistory opens the session store when a path is configured and closes
// sessions left open by a previous process.
func initHistory(cfg *config.Config, logger *slog.Logger) (store.SessionStore, error) {
	if cfg.History.Path == "" {
		return nil, nil
	}

	s, err := store.NewSQLiteStore(cfg.History.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("opening session history: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	n, err := s.CloseOpenSessions(ctx, time.Now(), store.EndReasonRestart)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("closing stale sessions: %w", err)
	}
	if n > 0 {
		logger.Info("closed sessions left open by previous run", "count", n)
	}
	return s, nil
}

// Handler returns the HTTP handler serving both the client endpoint and the host API.
func (b *Bridge) Handler() http.Handler {
	return b.handler
}

// Run binds the configured address and serves until ctx is canceled.
// A bind failure is returned immediately.
func (b *Bridge) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", b.config.Server.Addr)
	if err != nil {
		_ = b.Shutdown(context.Background())
		return fmt.Errorf("listening on %s: %w", b.config.Server.Addr, err)
	}
	return b.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is canceled, Shutdown is called,
// or the server fails, then shuts down. It returns nil after a clean shutdown.
func (b *Bridge) Serve(ctx context.Context, ln net.Listener) error {
	select {
	case <-b.shuttingDown:
		_ = ln.Close()
		return ErrBridgeClosed
	default:
	}

	b.logger.Info("starting bridge",
		"addr", ln.Addr().String(),
		"ws_path", b.config.Server.WSPath,
		"plugin_policy", b.config.Bridge.PluginPolicy,
		"history", b.history != nil,
	)

	monitorCtx, stop := context.WithCancel(context.Background())
	b.monitorMu.Lock()
	b.stopMonitor = stop
	b.monitorMu.Unlock()
	go b.monitor.Run(monitorCtx)

	errCh := make(chan error, 1)
	go func() {
		if err := b.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	serverErr := b.waitForShutdownSignal(ctx, errCh)
	shutdownErr := b.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// waitForShutdownSignal waits for context cancellation, an explicit
// Shutdown, or server error.
func (b *Bridge) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		b.logger.Info("context canceled, initiating shutdown")
		return nil
	case <-b.shuttingDown:
		return nil
	case err := <-errCh:
		b.logger.Error("server error", "error", err)
		return err
	}
}

// gracefulShutdown uses a fresh context since the caller's is already canceled.
func (b *Bridge) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return b.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown closes every client connection, flushes pending host
// notifications, and releases resources. It is safe to call more than once.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.shutdownOnce.Do(func() {
		defer close(b.shuttingDown)
		b.logger.Info("shutting down bridge", "clients", b.registry.Len())

		b.monitorMu.Lock()
		if b.stopMonitor != nil {
			b.stopMonitor()
		}
		b.monitorMu.Unlock()

		var errs []error
		if b.history != nil {
			_, err := b.history.CloseOpenSessions(ctx, time.Now(), store.EndReasonShutdown)
			errs = appendCloseError(errs, "session history", err)
		}
		errs = appendCloseError(errs, "client connections", b.listener.Shutdown(ctx))

		b.dispatcher.Close()
		b.events.Close()

		errs = appendCloseError(errs, "HTTP shutdown", b.httpServer.Shutdown(ctx))
		b.dedupe.Close()

		if b.history != nil {
			errs = appendCloseError(errs, "history close", b.history.Close())
		}

		if len(errs) > 0 {
			b.shutdownErr = fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
		}
	})
	return b.shutdownErr
}

// Clients returns the registered clients.
func (b *Bridge) Clients() []registry.ClientInfo {
	return b.registry.List()
}

// SendTo writes env to one client.
func (b *Bridge) SendTo(clientID string, env protocol.Outbound) router.Delivery {
	return b.router.Send(clientID, env)
}

// Broadcast writes env to every client accepted by filter. A nil filter
// selects all clients.
func (b *Bridge) Broadcast(env protocol.Outbound, filter router.Filter) router.Report {
	return b.router.Broadcast(env, filter)
}

// ExecuteCode asks a client to run code and waits for its result.
func (b *Bridge) ExecuteCode(ctx context.Context, clientID, code string, timeout time.Duration) (protocol.ExecuteCodeResult, error) {
	return b.router.ExecuteCode(ctx, clientID, code, timeout)
}

// Subscribe streams host notifications until ctx is canceled or the bridge
// shuts down. Slow subscribers miss events rather than stall the bridge.
func (b *Bridge) Subscribe(ctx context.Context) (<-chan hostsink.Event, string) {
	return b.events.Subscribe(ctx)
}

// Sessions returns recent client sessions, newest first.
func (b *Bridge) Sessions(ctx context.Context, limit int) ([]*store.Session, error) {
	if b.history == nil {
		return nil, ErrHistoryDisabled
	}
	return b.history.ListSessions(ctx, limit)
}

// Tick runs one heartbeat cycle immediately.
func (b *Bridge) Tick() heartbeat.Result {
	return b.monitor.Tick(time.Now())
}

// handleHealth returns 200 OK if the server is alive.
func (b *Bridge) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once at least one client is registered.
func (b *Bridge) handleReady(w http.ResponseWriter, r *http.Request) {
	n := b.registry.Len()
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no clients registered"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d clients)", n)
}
