package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// --- Conversations ---

// CreateConversation starts a new, empty conversation for userID.
func (s *Store) CreateConversation(ctx context.Context, userID string) (Conversation, error) {
	now := s.now()
	c := Conversation{
		ID:              uuid.New().String(),
		UserID:          userID,
		StartedAt:       now,
		LastInteraction: now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, started_at, last_interaction, context_summary)
		VALUES (?, ?, ?, ?, '')`,
		c.ID, c.UserID, formatTime(c.StartedAt), formatTime(c.LastInteraction),
	)
	if err != nil {
		return Conversation{}, writeErr("creating conversation", err)
	}
	return c, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, started_at, last_interaction, context_summary
		FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, readErr("getting conversation", err)
	}
	return c, nil
}

// ListConversations returns the user's conversations, most recently active first.
func (s *Store) ListConversations(ctx context.Context, userID string, limit int) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, started_at, last_interaction, context_summary
		FROM conversations WHERE user_id = ?
		ORDER BY last_interaction DESC, rowid DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, readErr("listing conversations", err)
	}
	defer rows.Close()

	var results []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, readErr("listing conversations", err)
		}
		results = append(results, c)
	}
	return results, readErr("listing conversations", rows.Err())
}

// UpdateConversationContext replaces the context summary and bumps the last
// interaction time.
func (s *Store) UpdateConversationContext(ctx context.Context, id, summary string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET context_summary = ?, last_interaction = ? WHERE id = ?`,
		summary, formatTime(s.now()), id)
	if err != nil {
		return writeErr("updating conversation context", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return writeErr("updating conversation context", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Messages ---

// AddMessage appends a message to a conversation and bumps the
// conversation's last interaction time in the same transaction.
func (s *Store) AddMessage(ctx context.Context, conversationID, role, content string) (Message, error) {
	if role != RoleUser && role != RoleAssistant {
		return Message{}, fmt.Errorf("invalid message role %q", role)
	}
	m := Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Timestamp:      s.now(),
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE conversations SET last_interaction = ? WHERE id = ?`,
			formatTime(m.Timestamp), conversationID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, role, content, timestamp)
			VALUES (?, ?, ?, ?, ?)`,
			m.ID, m.ConversationID, m.Role, m.Content, formatTime(m.Timestamp))
		return err
	})
	if err != nil {
		return Message{}, writeErr("adding message", err)
	}
	return m, nil
}

// ListMessages returns a conversation's messages in chronological order.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, timestamp
		FROM messages WHERE conversation_id = ?
		ORDER BY timestamp ASC, rowid ASC`, conversationID)
	if err != nil {
		return nil, readErr("listing messages", err)
	}
	defer rows.Close()

	var results []Message
	for rows.Next() {
		var m Message
		var ts string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &ts); err != nil {
			return nil, readErr("listing messages", err)
		}
		if m.Timestamp, err = parseTime("timestamp", ts); err != nil {
			return nil, readErr("listing messages", err)
		}
		results = append(results, m)
	}
	return results, readErr("listing messages", rows.Err())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(r rowScanner) (Conversation, error) {
	var c Conversation
	var startedAt, lastInteraction string
	if err := r.Scan(&c.ID, &c.UserID, &startedAt, &lastInteraction, &c.ContextSummary); err != nil {
		return Conversation{}, err
	}
	var err error
	if c.StartedAt, err = parseTime("started_at", startedAt); err != nil {
		return Conversation{}, err
	}
	if c.LastInteraction, err = parseTime("last_interaction", lastInteraction); err != nil {
		return Conversation{}, err
	}
	return c, nil
}
