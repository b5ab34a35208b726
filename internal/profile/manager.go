// Package profile accumulates what tandem has learned about a user:
// preferences with confidence scores, topics with mention counts, and
// personality traits with their evolution history.
package profile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/tandem/internal/storage"
)

// Store defines the storage operations the Manager needs.
// Implemented by storage.Store.
type Store interface {
	MergePreference(ctx context.Context, userID, typ, key string, merge func(*storage.Preference) storage.Preference) (storage.Preference, error)
	ListPreferences(ctx context.Context, userID string) ([]storage.Preference, error)

	MergeTopic(ctx context.Context, userID, name string, merge func(*storage.Topic) storage.Topic) (storage.Topic, error)
	ListTopics(ctx context.Context, userID string) ([]storage.Topic, error)

	GetTrait(ctx context.Context, userID, name string) (storage.Trait, error)
	MergeTrait(ctx context.Context, userID, name string, merge func(*storage.Trait) storage.Trait) (storage.Trait, error)
	ListTraits(ctx context.Context, userID string) ([]storage.Trait, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// ErrMissingID is returned when a required user id or record key is empty.
var ErrMissingID = errors.New("missing required id")

// Manager applies observations to the store through the Merge functions.
type Manager struct {
	store Store
	clock Clock
}

func NewManager(store Store) *Manager {
	return &Manager{store: store, clock: realClock{}}
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store Store, clock Clock) *Manager {
	return &Manager{store: store, clock: clock}
}

func (m *Manager) UpdatePreference(ctx context.Context, obs PreferenceObservation) (storage.Preference, error) {
	if obs.UserID == "" || obs.Type == "" || obs.Key == "" {
		return storage.Preference{}, fmt.Errorf("updating preference: %w", ErrMissingID)
	}
	now := m.clock.Now()
	p, err := m.store.MergePreference(ctx, obs.UserID, obs.Type, obs.Key, func(existing *storage.Preference) storage.Preference {
		return MergePreference(existing, obs, now)
	})
	if err != nil {
		return storage.Preference{}, fmt.Errorf("updating preference %s/%s: %w", obs.Type, obs.Key, err)
	}
	return p, nil
}

func (m *Manager) UpdateTopic(ctx context.Context, obs TopicObservation) (storage.Topic, error) {
	if obs.UserID == "" || obs.Topic == "" {
		return storage.Topic{}, fmt.Errorf("updating topic: %w", ErrMissingID)
	}
	now := m.clock.Now()
	t, err := m.store.MergeTopic(ctx, obs.UserID, obs.Topic, func(existing *storage.Topic) storage.Topic {
		return MergeTopic(existing, obs, now)
	})
	if err != nil {
		return storage.Topic{}, fmt.Errorf("updating topic %q: %w", obs.Topic, err)
	}
	return t, nil
}

func (m *Manager) UpdateTrait(ctx context.Context, obs TraitObservation) (storage.Trait, error) {
	if obs.UserID == "" || obs.Name == "" {
		return storage.Trait{}, fmt.Errorf("updating trait: %w", ErrMissingID)
	}
	now := m.clock.Now()
	t, err := m.store.MergeTrait(ctx, obs.UserID, obs.Name, func(existing *storage.Trait) storage.Trait {
		return MergeTrait(existing, obs, now)
	})
	if err != nil {
		return storage.Trait{}, fmt.Errorf("updating trait %q: %w", obs.Name, err)
	}
	return t, nil
}

// Preferences returns the user's preferences, highest confidence first.
func (m *Manager) Preferences(ctx context.Context, userID string) ([]storage.Preference, error) {
	return m.store.ListPreferences(ctx, userID)
}

// Topics returns the user's topics, most mentioned first.
func (m *Manager) Topics(ctx context.Context, userID string) ([]storage.Topic, error) {
	return m.store.ListTopics(ctx, userID)
}

func (m *Manager) Traits(ctx context.Context, userID string) ([]storage.Trait, error) {
	return m.store.ListTraits(ctx, userID)
}

// Snapshot is everything learned about one user.
type Snapshot struct {
	Preferences []storage.Preference `json:"preferences" yaml:"preferences"`
	Topics      []storage.Topic      `json:"topics" yaml:"topics"`
	Traits      []storage.Trait      `json:"traits" yaml:"traits"`
}

// Snapshot loads preferences, topics and traits concurrently. The three reads
// are independent; the first failure cancels the others.
func (m *Manager) Snapshot(ctx context.Context, userID string) (Snapshot, error) {
	var snap Snapshot
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		prefs, err := m.store.ListPreferences(gCtx, userID)
		if err != nil {
			return fmt.Errorf("loading preferences: %w", err)
		}
		snap.Preferences = prefs
		return nil
	})
	g.Go(func() error {
		topics, err := m.store.ListTopics(gCtx, userID)
		if err != nil {
			return fmt.Errorf("loading topics: %w", err)
		}
		snap.Topics = topics
		return nil
	})
	g.Go(func() error {
		traits, err := m.store.ListTraits(gCtx, userID)
		if err != nil {
			return fmt.Errorf("loading traits: %w", err)
		}
		snap.Traits = traits
		return nil
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// HasTrait reports whether the user already has a trait called name.
func (m *Manager) HasTrait(ctx context.Context, userID, name string) (bool, error) {
	_, err := m.store.GetTrait(ctx, userID, name)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ConfidenceBand buckets a confidence score for display.
func ConfidenceBand(score float64) string {
	switch {
	case score >= 0.8:
		return "high"
	case score >= 0.5:
		return "medium"
	default:
		return "low"
	}
}

// FormatKey renders a snake_case preference type or key for display,
// e.g. "communication_style" -> "communication style".
func FormatKey(s string) string {
	return strings.ReplaceAll(s, "_", " ")
}
