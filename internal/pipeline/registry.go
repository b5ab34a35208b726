package pipeline

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Registry keeps live sessions by id, and the latest session per user.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]string

	// starts collapses concurrent GetOrStart calls for one user.
	starts singleflight.Group
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		byUser:   make(map[string]string),
	}
}

func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
	r.byUser[s.UserID] = s.ID
}

// Get returns the session with id, or ErrSessionNotFound.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %q: %w", id, ErrSessionNotFound)
	}
	return s, nil
}

// GetOrStart returns the user's latest live session, starting one with
// start when there is none. Concurrent callers for the same user share one
// start; the registry lock is not held while start runs.
func (r *Registry) GetOrStart(ctx context.Context, userID string, start func(context.Context, string) (*Session, error)) (*Session, error) {
	if s, ok := r.latest(userID); ok {
		return s, nil
	}
	v, err, _ := r.starts.Do(userID, func() (any, error) {
		if s, ok := r.latest(userID); ok {
			return s, nil
		}
		s, err := start(ctx, userID)
		if err != nil {
			return nil, err
		}
		r.Add(s)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (r *Registry) latest(userID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byUser[userID]
	if !ok {
		return nil, false
	}
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	delete(r.sessions, id)
	if r.byUser[s.UserID] == id {
		delete(r.byUser, s.UserID)
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
