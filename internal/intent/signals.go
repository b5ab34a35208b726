// Package intent derives classification signals from raw user text.
//
// Matching is deliberately shallow: ASCII case folding and raw substring
// containment against fixed phrase tables, with no tokenization, stemming or
// word-boundary checks. "art" matches "start" and "AI" matches "explain".
package intent

import "strings"

// Formality is the register a message was written in.
type Formality string

const (
	FormalityNone   Formality = ""
	FormalityFormal Formality = "formal"
	FormalityCasual Formality = "casual"
)

var (
	formalPhrases = []string{"please", "kindly", "would you", "could you"}
	casualPhrases = []string{"hey", "yeah", "cool", "awesome"}

	recencyPhrases = []string{"latest", "recent", "current", "today", "now", "2025"}
	newsPhrases    = []string{"what's happening", "news", "update"}
)

// Vocabulary is the closed set of topics ExtractTopics recognizes, in the
// order results are reported.
var Vocabulary = []string{
	"technology", "programming", "AI", "machine learning", "web development",
	"science", "mathematics", "business", "design", "art", "music",
	"health", "fitness", "cooking", "travel", "books", "movies",
	"sports", "gaming", "psychology", "philosophy", "history",
}

// Signals bundles everything Analyze derives from one message.
type Signals struct {
	Formality        Formality
	Topics           []string
	NeedsCurrentInfo bool
}

// Analyze runs every extractor over text.
func Analyze(text string) Signals {
	return Signals{
		Formality:        ClassifyFormality(text),
		Topics:           ExtractTopics(text),
		NeedsCurrentInfo: NeedsCurrentInfo(text),
	}
}

// ClassifyFormality reports formal when any politeness phrase occurs, casual
// when any informal phrase occurs, and none otherwise. Formal wins when both
// are present.
func ClassifyFormality(text string) Formality {
	lower := lowerASCII(text)
	switch {
	case containsAny(lower, formalPhrases):
		return FormalityFormal
	case containsAny(lower, casualPhrases):
		return FormalityCasual
	default:
		return FormalityNone
	}
}

// ExtractTopics returns the Vocabulary entries contained in text.
func ExtractTopics(text string) []string {
	lower := lowerASCII(text)
	var topics []string
	for _, topic := range Vocabulary {
		if strings.Contains(lower, lowerASCII(topic)) {
			topics = append(topics, topic)
		}
	}
	return topics
}

// NeedsCurrentInfo reports whether text asks about recent events.
func NeedsCurrentInfo(text string) bool {
	lower := lowerASCII(text)
	return containsAny(lower, recencyPhrases) || containsAny(lower, newsPhrases)
}

// ContainsFold reports whether substr occurs in s under ASCII case folding.
func ContainsFold(s, substr string) bool {
	return strings.Contains(lowerASCII(s), lowerASCII(substr))
}

// lowerASCII folds A-Z only; other bytes, including multi-byte runes, pass
// through unchanged.
func lowerASCII(s string) string {
	for i := 0; i < len(s); i++ {
		if c := s[i]; 'A' <= c && c <= 'Z' {
			b := []byte(s)
			for j := i; j < len(b); j++ {
				if 'A' <= b[j] && b[j] <= 'Z' {
					b[j] += 'a' - 'A'
				}
			}
			return string(b)
		}
	}
	return s
}

func containsAny(lower string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
