package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/cabwire/cabwire/internal/storage/sqlite"
	"github.com/cabwire/cabwire/pkg/logger"
)

// Registry owns every in-flight call session. Concurrent calls share
// nothing but the registry map and the downstream clients.
type Registry struct {
	deps   Deps
	logger *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry(deps Deps) *Registry {
	return &Registry{
		deps:     deps,
		logger:   deps.Logger.Named("registry"),
		sessions: make(map[string]*Session),
	}
}

// Create registers a new session for an incoming call. The call ID must
// be unique among live sessions. The caller's history profile is
// preloaded so the greeting can use it; collected data never is.
func (r *Registry) Create(ctx context.Context, callID, callerPhone string) (*Session, *sqlite.CallerProfile, error) {
	if callID == "" {
		return nil, nil, fmt.Errorf("empty call ID")
	}

	r.mu.Lock()
	if _, exists := r.sessions[callID]; exists {
		r.mu.Unlock()
		return nil, nil, fmt.Errorf("session %s already exists", callID)
	}
	sess := newSession(callID, callerPhone, r.deps, r.remove)
	r.sessions[callID] = sess
	count := len(r.sessions)
	r.mu.Unlock()

	profile := sess.PreloadHistory(ctx)

	r.logger.Info("Session created",
		logger.String("call_id", callID),
		logger.String("caller_phone", callerPhone),
		logger.Int("active_sessions", count))

	if r.deps.Events != nil {
		r.deps.Events.Publish("session_started", map[string]any{
			"call_id":      callID,
			"caller_phone": callerPhone,
		})
	}

	return sess, profile, nil
}

// Get returns a live session by call ID.
func (r *Registry) Get(callID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[callID]
	return sess, ok
}

// End shuts a session down with a reason. Idempotent: ending an unknown
// or already-ended session is a no-op.
func (r *Registry) End(callID, reason string) {
	r.mu.RLock()
	sess, ok := r.sessions[callID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	sess.Shutdown(reason)
}

// EndAll shuts every live session down, used on server shutdown.
func (r *Registry) EndAll(reason string) {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.RUnlock()

	for _, sess := range sessions {
		sess.Shutdown(reason)
	}
}

// ActiveSessions returns the API view of every live session.
func (r *Registry) ActiveSessions() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.sessions))
	for _, sess := range r.sessions {
		infos = append(infos, sess.Info())
	}
	return infos
}

// remove is the session's end callback.
func (r *Registry) remove(callID, reason string) {
	r.mu.Lock()
	_, ok := r.sessions[callID]
	delete(r.sessions, callID)
	count := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		return
	}

	r.logger.Info("Session removed",
		logger.String("call_id", callID),
		logger.String("reason", reason),
		logger.Int("active_sessions", count))

	if r.deps.Events != nil {
		r.deps.Events.Publish("session_ended", map[string]any{
			"call_id": callID,
			"reason":  reason,
		})
	}
}
