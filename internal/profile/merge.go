package profile

import (
	"math"
	"time"

	"github.com/kalambet/tandem/internal/storage"
)

const (
	// DefaultBaseConfidence seeds a preference observed for the first time.
	DefaultBaseConfidence = 0.5
	// ConfidenceStep is added on every repeated observation.
	ConfidenceStep = 0.1
	// MaxConfidence caps the score.
	MaxConfidence = 1.0
)

// PreferenceObservation is one piece of evidence for a (user, type, key)
// preference.
type PreferenceObservation struct {
	UserID         string
	Type           string
	Key            string
	Value          string
	ConversationID string
	BaseConfidence float64 // <= 0 means DefaultBaseConfidence
}

type TopicObservation struct {
	UserID   string
	Topic    string
	Keywords []string
	Note     string
}

type TraitObservation struct {
	UserID string
	Name   string
	Value  string
	Reason string
}

// MergePreference computes the next stored preference. A repeated observation
// overwrites the value and raises confidence even when the value changed.
func MergePreference(existing *storage.Preference, obs PreferenceObservation, now time.Time) storage.Preference {
	if existing == nil {
		base := obs.BaseConfidence
		if base <= 0 {
			base = DefaultBaseConfidence
		}
		return storage.Preference{
			UserID:      obs.UserID,
			Type:        obs.Type,
			Key:         obs.Key,
			Value:       obs.Value,
			Confidence:  roundConfidence(base),
			LearnedFrom: []string{obs.ConversationID},
			LastUpdated: now,
		}
	}

	next := *existing
	next.Value = obs.Value
	next.Confidence = roundConfidence(existing.Confidence + ConfidenceStep)
	next.LearnedFrom = append(append([]string(nil), existing.LearnedFrom...), obs.ConversationID)
	next.LastUpdated = now
	return next
}

// MergeTopic computes the next stored topic: one more mention, the keyword
// union in first-seen order, and the note appended on its own line.
func MergeTopic(existing *storage.Topic, obs TopicObservation, now time.Time) storage.Topic {
	if existing == nil {
		return storage.Topic{
			UserID:        obs.UserID,
			Name:          obs.Topic,
			MentionCount:  1,
			Keywords:      unionKeywords(nil, obs.Keywords),
			Notes:         obs.Note,
			LastMentioned: now,
		}
	}

	next := *existing
	next.MentionCount = existing.MentionCount + 1
	next.Keywords = unionKeywords(existing.Keywords, obs.Keywords)
	if existing.Notes != "" {
		next.Notes = existing.Notes + "\n" + obs.Note
	} else {
		next.Notes = obs.Note
	}
	next.LastMentioned = now
	return next
}

// MergeTrait appends the observation to the trait's history and makes it the
// current value. History is never compacted.
func MergeTrait(existing *storage.Trait, obs TraitObservation, now time.Time) storage.Trait {
	change := storage.TraitChange{Value: obs.Value, Timestamp: now, Reason: obs.Reason}
	if existing == nil {
		return storage.Trait{
			UserID:      obs.UserID,
			Name:        obs.Name,
			Value:       obs.Value,
			History:     []storage.TraitChange{change},
			LastUpdated: now,
		}
	}

	next := *existing
	next.Value = obs.Value
	next.History = append(append([]storage.TraitChange(nil), existing.History...), change)
	next.LastUpdated = now
	return next
}

// roundConfidence snaps c to nine decimals and caps it, so repeated steps of
// 0.1 land on 0.8, 0.9 and 1.0 rather than just below them.
func roundConfidence(c float64) float64 {
	return math.Min(MaxConfidence, math.Round(c*1e9)/1e9)
}

func unionKeywords(stored, incoming []string) []string {
	out := make([]string, 0, len(stored)+len(incoming))
	seen := make(map[string]bool, len(stored)+len(incoming))
	for _, list := range [][]string{stored, incoming} {
		for _, k := range list {
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}
