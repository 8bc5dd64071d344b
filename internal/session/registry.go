package session

import (
	"log/slog"
	"sort"
	"sync"
)

// Registry maps session IDs to live sessions. It is mutated only when a
// connection opens or closes.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// Register adds a session for id.
func (r *Registry) Register(id string, handle Handle) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; exists {
		r.logger.Warn("Duplicate session rejected", "session_id", id)
		return nil, ErrDuplicateSession
	}

	s := newSession(id, handle)
	r.sessions[id] = s
	r.logger.Info("Session registered", "session_id", id, "active", len(r.sessions))
	return s, nil
}

// Lookup returns the session for id.
func (r *Registry) Lookup(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sessions[id]; ok {
		return s, nil
	}
	return nil, ErrSessionNotFound
}

// Unregister removes id and cancels any in-flight or queued work. It reports
// whether the session existed.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	active := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		return false
	}

	abandoned := s.close()
	r.logger.Info("Session unregistered", "session_id", id, "abandoned", abandoned, "active", active)
	return true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// IDs returns the live session IDs in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// CloseAll closes every connection and empties the registry.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for id, s := range sessions {
		s.close()
		if err := s.handle.Close(reason); err != nil {
			r.logger.Debug("Failed to close connection", "session_id", id, "error", err)
		}
		r.logger.Info("Session closed", "session_id", id, "reason", reason)
	}
}
