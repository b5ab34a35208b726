package pipeline

import (
	"sync"

	"github.com/kalambet/tandem/internal/storage"
)

// State is where a session is in the turn cycle.
type State int

const (
	StateIdle State = iota
	StateAwaitingUserInput
	StateProcessing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingUserInput:
		return "awaiting_user_input"
	case StateProcessing:
		return "processing"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Session is one live chat against a conversation. History holds what the
// user sees, including greeting lines that are never persisted.
type Session struct {
	ID             string
	UserID         string
	ConversationID string
	Resumed        bool

	// processing is held for the duration of a turn.
	processing sync.Mutex

	mu           sync.Mutex
	state        State
	history      []storage.Message
	interactions int
}

func (s *Session) tryAcquire() bool {
	return s.processing.TryLock()
}

func (s *Session) release() {
	s.processing.Unlock()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

// History returns a copy of the session transcript.
func (s *Session) History() []storage.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.Message, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Session) appendHistory(m storage.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, m)
}

// Interactions is the number of turns taken in this session.
func (s *Session) Interactions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interactions
}

func (s *Session) nextInteraction() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interactions++
	return s.interactions
}

// SessionView is a point-in-time copy of a session for display.
type SessionView struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	ConversationID string            `json:"conversation_id"`
	Resumed        bool              `json:"resumed"`
	State          State             `json:"state"`
	Interactions   int               `json:"interactions"`
	History        []storage.Message `json:"history"`
}

func (s *Session) View() SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := make([]storage.Message, len(s.history))
	copy(history, s.history)
	return SessionView{
		ID:             s.ID,
		UserID:         s.UserID,
		ConversationID: s.ConversationID,
		Resumed:        s.Resumed,
		State:          s.state,
		Interactions:   s.interactions,
		History:        history,
	}
}
