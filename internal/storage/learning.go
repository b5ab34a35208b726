package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// The Merge* methods run a read-merge-write against one record inside a
// single transaction. merge receives the stored record, or nil when none
// exists, and returns the record to persist. A failure leaves the stored
// record untouched.

// --- Preferences ---

const preferenceColumns = `id, user_id, type, key, value, confidence, learned_from, last_updated`

func (s *Store) GetPreference(ctx context.Context, userID, typ, key string) (Preference, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+preferenceColumns+`
		FROM learned_preferences WHERE user_id = ? AND type = ? AND key = ?`, userID, typ, key)
	p, err := scanPreference(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Preference{}, ErrNotFound
	}
	return p, readErr("getting preference", err)
}

// ListPreferences returns the user's preferences, highest confidence first.
func (s *Store) ListPreferences(ctx context.Context, userID string) ([]Preference, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+preferenceColumns+`
		FROM learned_preferences WHERE user_id = ?
		ORDER BY confidence DESC, rowid ASC`, userID)
	if err != nil {
		return nil, readErr("listing preferences", err)
	}
	defer rows.Close()

	var results []Preference
	for rows.Next() {
		p, err := scanPreference(rows)
		if err != nil {
			return nil, readErr("listing preferences", err)
		}
		results = append(results, p)
	}
	return results, readErr("listing preferences", rows.Err())
}

func (s *Store) CountPreferences(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM learned_preferences WHERE user_id = ?`, userID).Scan(&n)
	return n, readErr("counting preferences", err)
}

func (s *Store) MergePreference(ctx context.Context, userID, typ, key string, merge func(existing *Preference) Preference) (Preference, error) {
	var out Preference
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+preferenceColumns+`
			FROM learned_preferences WHERE user_id = ? AND type = ? AND key = ?`, userID, typ, key)
		var existing *Preference
		p, err := scanPreference(row)
		switch {
		case err == nil:
			existing = &p
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("reading preference: %w", err)
		}

		out = merge(existing)
		out.UserID, out.Type, out.Key = userID, typ, key
		if existing != nil {
			out.ID = existing.ID
		} else if out.ID == "" {
			out.ID = uuid.New().String()
		}
		if out.LearnedFrom == nil {
			out.LearnedFrom = []string{}
		}
		learnedFrom, err := json.Marshal(out.LearnedFrom)
		if err != nil {
			return fmt.Errorf("marshalling learned_from: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO learned_preferences (id, user_id, type, key, value, confidence, learned_from, last_updated)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id, type, key) DO UPDATE SET
				value = excluded.value,
				confidence = excluded.confidence,
				learned_from = excluded.learned_from,
				last_updated = excluded.last_updated`,
			out.ID, out.UserID, out.Type, out.Key, out.Value, out.Confidence,
			string(learnedFrom), formatTime(out.LastUpdated))
		return err
	})
	if err != nil {
		return Preference{}, writeErr("merging preference", err)
	}
	return out, nil
}

func scanPreference(r rowScanner) (Preference, error) {
	var p Preference
	var learnedFrom, lastUpdated string
	if err := r.Scan(&p.ID, &p.UserID, &p.Type, &p.Key, &p.Value, &p.Confidence, &learnedFrom, &lastUpdated); err != nil {
		return Preference{}, err
	}
	if err := json.Unmarshal([]byte(learnedFrom), &p.LearnedFrom); err != nil {
		return Preference{}, fmt.Errorf("parsing learned_from: %w", err)
	}
	var err error
	if p.LastUpdated, err = parseTime("last_updated", lastUpdated); err != nil {
		return Preference{}, err
	}
	return p, nil
}

// --- Topics ---

const topicColumns = `id, user_id, name, mention_count, keywords, notes, last_mentioned`

func (s *Store) GetTopic(ctx context.Context, userID, name string) (Topic, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+topicColumns+`
		FROM knowledge_topics WHERE user_id = ? AND name = ?`, userID, name)
	t, err := scanTopic(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Topic{}, ErrNotFound
	}
	return t, readErr("getting topic", err)
}

// ListTopics returns the user's topics, most mentioned first.
func (s *Store) ListTopics(ctx context.Context, userID string) ([]Topic, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+topicColumns+`
		FROM knowledge_topics WHERE user_id = ?
		ORDER BY mention_count DESC, rowid ASC`, userID)
	if err != nil {
		return nil, readErr("listing topics", err)
	}
	defer rows.Close()

	var results []Topic
	for rows.Next() {
		t, err := scanTopic(rows)
		if err != nil {
			return nil, readErr("listing topics", err)
		}
		results = append(results, t)
	}
	return results, readErr("listing topics", rows.Err())
}

func (s *Store) MergeTopic(ctx context.Context, userID, name string, merge func(existing *Topic) Topic) (Topic, error) {
	var out Topic
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+topicColumns+`
			FROM knowledge_topics WHERE user_id = ? AND name = ?`, userID, name)
		var existing *Topic
		t, err := scanTopic(row)
		switch {
		case err == nil:
			existing = &t
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("reading topic: %w", err)
		}

		out = merge(existing)
		out.UserID, out.Name = userID, name
		if existing != nil {
			out.ID = existing.ID
		} else if out.ID == "" {
			out.ID = uuid.New().String()
		}
		if out.Keywords == nil {
			out.Keywords = []string{}
		}
		keywords, err := json.Marshal(out.Keywords)
		if err != nil {
			return fmt.Errorf("marshalling keywords: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO knowledge_topics (id, user_id, name, mention_count, keywords, notes, last_mentioned)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id, name) DO UPDATE SET
				mention_count = excluded.mention_count,
				keywords = excluded.keywords,
				notes = excluded.notes,
				last_mentioned = excluded.last_mentioned`,
			out.ID, out.UserID, out.Name, out.MentionCount, string(keywords), out.Notes,
			formatTime(out.LastMentioned))
		return err
	})
	if err != nil {
		return Topic{}, writeErr("merging topic", err)
	}
	return out, nil
}

func scanTopic(r rowScanner) (Topic, error) {
	var t Topic
	var keywords, lastMentioned string
	if err := r.Scan(&t.ID, &t.UserID, &t.Name, &t.MentionCount, &keywords, &t.Notes, &lastMentioned); err != nil {
		return Topic{}, err
	}
	if err := json.Unmarshal([]byte(keywords), &t.Keywords); err != nil {
		return Topic{}, fmt.Errorf("parsing keywords: %w", err)
	}
	var err error
	if t.LastMentioned, err = parseTime("last_mentioned", lastMentioned); err != nil {
		return Topic{}, err
	}
	return t, nil
}

// --- Traits ---

const traitColumns = `id, user_id, name, value, history, last_updated`

func (s *Store) GetTrait(ctx context.Context, userID, name string) (Trait, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+traitColumns+`
		FROM personality_traits WHERE user_id = ? AND name = ?`, userID, name)
	t, err := scanTrait(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Trait{}, ErrNotFound
	}
	return t, readErr("getting trait", err)
}

func (s *Store) ListTraits(ctx context.Context, userID string) ([]Trait, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+traitColumns+`
		FROM personality_traits WHERE user_id = ? ORDER BY rowid ASC`, userID)
	if err != nil {
		return nil, readErr("listing traits", err)
	}
	defer rows.Close()

	var results []Trait
	for rows.Next() {
		t, err := scanTrait(rows)
		if err != nil {
			return nil, readErr("listing traits", err)
		}
		results = append(results, t)
	}
	return results, readErr("listing traits", rows.Err())
}

func (s *Store) MergeTrait(ctx context.Context, userID, name string, merge func(existing *Trait) Trait) (Trait, error) {
	var out Trait
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+traitColumns+`
			FROM personality_traits WHERE user_id = ? AND name = ?`, userID, name)
		var existing *Trait
		t, err := scanTrait(row)
		switch {
		case err == nil:
			existing = &t
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("reading trait: %w", err)
		}

		out = merge(existing)
		out.UserID, out.Name = userID, name
		if existing != nil {
			out.ID = existing.ID
		} else if out.ID == "" {
			out.ID = uuid.New().String()
		}
		if out.History == nil {
			out.History = []TraitChange{}
		}
		history, err := json.Marshal(out.History)
		if err != nil {
			return fmt.Errorf("marshalling history: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO personality_traits (id, user_id, name, value, history, last_updated)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id, name) DO UPDATE SET
				value = excluded.value,
				history = excluded.history,
				last_updated = excluded.last_updated`,
			out.ID, out.UserID, out.Name, out.Value, string(history), formatTime(out.LastUpdated))
		return err
	})
	if err != nil {
		return Trait{}, writeErr("merging trait", err)
	}
	return out, nil
}

func scanTrait(r rowScanner) (Trait, error) {
	var t Trait
	var history, lastUpdated string
	if err := r.Scan(&t.ID, &t.UserID, &t.Name, &t.Value, &history, &lastUpdated); err != nil {
		return Trait{}, err
	}
	if err := json.Unmarshal([]byte(history), &t.History); err != nil {
		return Trait{}, fmt.Errorf("parsing history: %w", err)
	}
	var err error
	if t.LastUpdated, err = parseTime("last_updated", lastUpdated); err != nil {
		return Trait{}, err
	}
	return t, nil
}
