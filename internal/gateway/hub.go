package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"optionrelay/internal/config"
	"optionrelay/internal/metrics"
	"optionrelay/pkg/types"
)

// commandSink is where inbound client commands go: the user's session loop.
type commandSink interface {
	Dispatch(cmd types.ClientCommand)
}

// Broadcaster is the per-user outbound fan-out. It holds every connected
// transport for one user, pushes each session frame onto all of their
// queues, and demuxes inbound commands back to the session. It implements
// session.Emitter.
type Broadcaster struct {
	cfg     config.SessionsConfig
	metrics *metrics.Relay
	logger  *slog.Logger

	mu         sync.RWMutex
	transports map[*transport]struct{}
	sink       commandSink
	lastActive time.Time
	closed     bool
}

// NewBroadcaster creates the fan-out for one user.
func NewBroadcaster(cfg config.SessionsConfig, m *metrics.Relay, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		cfg:        cfg,
		metrics:    m,
		logger:     logger.With("component", "broadcaster"),
		transports: make(map[*transport]struct{}),
		lastActive: time.Now(),
	}
}

// BindSession points inbound commands at the session loop. Called once
// during wiring, before any transport attaches.
func (b *Broadcaster) BindSession(sink commandSink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sink = sink
}

// AddTransport adopts an upgraded connection and starts its pumps.
func (b *Broadcaster) AddTransport(conn *websocket.Conn) {
	t := newTransport(
		conn,
		b.cfg.OutboundQueueCap,
		b.cfg.HeartbeatInterval(),
		b.cfg.HeartbeatTimeout(),
		b.handleCommand,
		b.touch,
		b.removeTransport,
		b.metrics,
		b.logger,
	)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		conn.Close()
		return
	}
	b.transports[t] = struct{}{}
	count := len(b.transports)
	b.lastActive = time.Now()
	b.mu.Unlock()

	b.metrics.TransportsActive.Inc()
	b.logger.Info("transport connected", "transport", t.id, "count", count)
	t.start()
}

// Send fans one frame out to every connected transport. Never blocks: slow
// transports shed market updates through their queue policy.
func (b *Broadcaster) Send(frame types.Frame) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for t := range b.transports {
		t.push(frame)
	}
}

// TransportCount reports the connected transports.
func (b *Broadcaster) TransportCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.transports)
}

// IdleSince reports the last inbound client activity (connect, command, or
// pong) across all transports. The registry sweeper expires sessions on it.
func (b *Broadcaster) IdleSince() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastActive
}

// Close shuts every transport down. Further sends are no-ops.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	ts := make([]*transport, 0, len(b.transports))
	for t := range b.transports {
		ts = append(ts, t)
	}
	b.transports = make(map[*transport]struct{})
	b.mu.Unlock()

	for _, t := range ts {
		t.close()
		b.metrics.TransportsActive.Dec()
	}
}

func (b *Broadcaster) touch() {
	b.mu.Lock()
	b.lastActive = time.Now()
	b.mu.Unlock()
}

func (b *Broadcaster) handleCommand(cmd types.ClientCommand) {
	b.touch()
	b.mu.RLock()
	sink := b.sink
	b.mu.RUnlock()
	if sink == nil {
		b.logger.Warn("command before session bind", "action", cmd.Action)
		return
	}
	sink.Dispatch(cmd)
}

func (b *Broadcaster) removeTransport(t *transport) {
	b.mu.Lock()
	_, ok := b.transports[t]
	if ok {
		delete(b.transports, t)
	}
	count := len(b.transports)
	b.mu.Unlock()
	if !ok {
		return
	}
	b.metrics.TransportsActive.Dec()
	b.logger.Info("transport disconnected", "transport", t.id, "count", count)
}
