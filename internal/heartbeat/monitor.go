// ABOUTME: Periodic PING/PONG liveness checks for registered clients
// ABOUTME: Clients silent for too many cycles are evicted through the router

package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/overlay-bridge/internal/protocol"
	"github.com/2389/overlay-bridge/internal/registry"
	"github.com/2389/overlay-bridge/internal/router"
	"github.com/2389/overlay-bridge/internal/store"
)

const (
	DefaultInterval  = 15 * time.Second
	DefaultMaxMissed = 2
)

// Broadcaster writes an envelope to a filtered set of clients.
type Broadcaster interface {
	Broadcast(env protocol.Outbound, filter router.Filter) router.Report
}

// Evictor closes and removes a client.
type Evictor interface {
	Evict(clientID, reason string) bool
}

// Result describes one heartbeat cycle.
type Result struct {
	At      time.Time
	Pinged  []string
	Evicted []string
	Failed  []string
}

// Monitor drives the liveness state kept in the registry.
type Monitor struct {
	reg       *registry.Registry
	out       Broadcaster
	evict     Evictor
	interval  time.Duration
	maxMissed int
	logger    *slog.Logger
}

// New creates a Monitor. Non-positive interval or maxMissed use the defaults.
func New(reg *registry.Registry, out Broadcaster, evict Evictor, interval time.Duration, maxMissed int, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if maxMissed < 1 {
		maxMissed = DefaultMaxMissed
	}
	return &Monitor{
		reg:       reg,
		out:       out,
		evict:     evict,
		interval:  interval,
		maxMissed: maxMissed,
		logger:    logger.With("component", "heartbeat"),
	}
}

// Interval returns the time between cycles.
func (m *Monitor) Interval() time.Duration { return m.interval }

// Run ticks every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Debug("heartbeat started", "interval", m.interval, "max_missed", m.maxMissed)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Tick(now)
		}
	}
}

// Tick runs one cycle: expired clients are evicted, then every remaining
// probed client is sent PING.
func (m *Monitor) Tick(now time.Time) Result {
	probe, expired := m.reg.Probe(m.maxMissed)
	res := Result{At: now}

	for _, id := range expired {
		if m.evict.Evict(id, store.EndReasonHeartbeatTimeout) {
			m.logger.Warn("client missed heartbeats", "client_id", id, "max_missed", m.maxMissed)
			res.Evicted = append(res.Evicted, id)
		}
	}

	if len(probe) > 0 {
		report := m.out.Broadcast(protocol.Ping{}, router.ByIDs(probe...))
		res.Pinged = report.Delivered()
		res.Failed = report.Failed()
	}

	if len(res.Evicted) > 0 || len(res.Failed) > 0 {
		m.logger.Debug("heartbeat cycle",
			"pinged", len(res.Pinged),
			"evicted", len(res.Evicted),
			"failed", len(res.Failed),
		)
	}
	return res
}

// RecordPong marks a client alive. It satisfies router.PongRecorder.
func (m *Monitor) RecordPong(clientID string) bool {
	ok := m.reg.RecordPong(clientID)
	if !ok {
		m.logger.Debug("pong from unknown client", "client_id", clientID)
	}
	return ok
}
