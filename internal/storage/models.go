package storage

import (
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Conversation struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	StartedAt       time.Time `json:"started_at"`
	LastInteraction time.Time `json:"last_interaction"`
	ContextSummary  string    `json:"context_summary"`
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
}

// Preference is a learned (user, type, key) -> value observation with a
// confidence score and the conversations it was learned from.
type Preference struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Type        string    `json:"type"`
	Key         string    `json:"key"`
	Value       string    `json:"value"`
	Confidence  float64   `json:"confidence"`
	LearnedFrom []string  `json:"learned_from"` // JSON array stored as text
	LastUpdated time.Time `json:"last_updated"`
}

type Topic struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Name          string    `json:"name"`
	MentionCount  int       `json:"mention_count"`
	Keywords      []string  `json:"keywords"` // JSON array stored as text
	Notes         string    `json:"notes"`
	LastMentioned time.Time `json:"last_mentioned"`
}

type Trait struct {
	ID          string        `json:"id"`
	UserID      string        `json:"user_id"`
	Name        string        `json:"name"`
	Value       string        `json:"value"`
	History     []TraitChange `json:"history"` // JSON array stored as text
	LastUpdated time.Time     `json:"last_updated"`
}

// TraitChange is one entry of a trait's append-only history.
type TraitChange struct {
	Value     string    `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}
