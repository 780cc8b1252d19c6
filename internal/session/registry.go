package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"optionrelay/internal/metrics"
	"optionrelay/pkg/types"
)

// sweepInterval is how often the registry looks for idle sessions.
const sweepInterval = time.Minute

// Factory builds a session and its broadcaster for a user on first attach.
type Factory func(userID string) (*Session, Emitter, error)

// Handle is one live entry in the registry: the session, its outbound
// emitter, and the cancel that tears both down.
type Handle struct {
	UserID   string
	Session  *Session
	Emitter  Emitter
	cancel   context.CancelFunc
	attached time.Time
}

// Registry is the only cross-session state in the process: a map from user
// identity to the live session handle. Attach is idempotent per user; a
// second transport for the same user shares the existing session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Handle

	factory Factory
	idle    time.Duration
	metrics *metrics.Relay
	logger  *slog.Logger

	ctx context.Context
	wg  sync.WaitGroup
}

// NewRegistry creates the process registry. ctx bounds every session started
// through it.
func NewRegistry(ctx context.Context, factory Factory, idleTimeout time.Duration, m *metrics.Relay, logger *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Handle),
		factory:  factory,
		idle:     idleTimeout,
		metrics:  m,
		logger:   logger.With("component", "registry"),
		ctx:      ctx,
	}
}

// Attach returns the user's live session, creating and starting one on first
// attach.
func (r *Registry) Attach(userID string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.sessions[userID]; ok {
		return h, nil
	}

	sess, emitter, err := r.factory(userID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(r.ctx)
	h := &Handle{
		UserID:   userID,
		Session:  sess,
		Emitter:  emitter,
		cancel:   cancel,
		attached: time.Now(),
	}
	r.sessions[userID] = h
	r.metrics.SessionsActive.Set(float64(len(r.sessions)))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		sess.Run(ctx)
	}()

	r.logger.Info("session attached", "user", userID, "sessions", len(r.sessions))
	return h, nil
}

// Detach stops and removes a user's session.
func (r *Registry) Detach(userID string) {
	r.mu.Lock()
	h, ok := r.sessions[userID]
	if ok {
		delete(r.sessions, userID)
	}
	r.metrics.SessionsActive.Set(float64(len(r.sessions)))
	r.mu.Unlock()
	if !ok {
		return
	}

	h.cancel()
	h.Emitter.Close()
	r.logger.Info("session detached", "user", userID)
}

// Len reports the number of attached sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Run sweeps for sessions idle past the timeout. Each expiring session gets
// a SESSION_EXPIRED frame before teardown so clients know to re-establish.
// Blocks until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	now := time.Now()

	r.mu.RLock()
	var expired []string
	for userID, h := range r.sessions {
		idleSince := h.Emitter.IdleSince()
		if idleSince.Before(h.attached) {
			idleSince = h.attached
		}
		if now.Sub(idleSince) > r.idle {
			expired = append(expired, userID)
		}
	}
	r.mu.RUnlock()

	for _, userID := range expired {
		r.mu.RLock()
		h, ok := r.sessions[userID]
		r.mu.RUnlock()
		if !ok {
			continue
		}
		r.logger.Info("session expired for inactivity", "user", userID)
		h.Emitter.Send(types.Frame{Type: types.TypeSessionExpired})
		r.Detach(userID)
	}
}

// CloseAll tears down every session, used at shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.sessions))
	for _, h := range r.sessions {
		handles = append(handles, h)
	}
	r.sessions = make(map[string]*Handle)
	r.metrics.SessionsActive.Set(0)
	r.mu.Unlock()

	for _, h := range handles {
		h.cancel()
		h.Emitter.Close()
	}
	r.wg.Wait()
}
