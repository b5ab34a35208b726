// Package composer assembles templated assistant replies from what has been
// learned about the user.
package composer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/kalambet/tandem/internal/intent"
	"github.com/kalambet/tandem/internal/storage"
)

// maxQueryRunes bounds the search query taken from the message.
const maxQueryRunes = 50

var greetings = []string{
	"Hello! I'm here to chat, learn, and grow with you. What's on your mind today?",
	"Hey there! I'm excited to continue learning from our conversations. How can I help you?",
	"Welcome! Every conversation with you helps me become a better assistant. What would you like to explore?",
	"Hi! I'm curious to hear your thoughts today. What brings you here?",
}

// WelcomeBack is shown when an existing conversation is resumed.
const WelcomeBack = "Welcome back! I remember our previous conversations. What would you like to explore today?"

var curiosityPhrases = []string{
	"That's fascinating! Tell me more about",
	"I'm really curious about",
	"I'd love to understand more about",
	"That's interesting! I'm learning that",
}

var acknowledgments = []string{
	"I appreciate you sharing that with me.",
	"Thanks for helping me understand your perspective.",
	"I'm learning so much from our conversation.",
	"That's a great point.",
}

var genericClosings = []string{
	"I'm always learning from our conversations, which helps me provide better responses tailored to you.",
	"Your input is helping me understand your unique perspective and communication style.",
	"I'm building a deeper understanding of the topics you care about most.",
	"Through our interactions, I'm developing insights that make our conversations more meaningful.",
	"Every exchange helps me adapt to better serve your needs and interests.",
}

const (
	closingPreferences = "I've learned quite a bit about your preferences, which allows me to engage with you in a way that feels natural and helpful."
	closingHistory     = "Our conversation history is helping me understand the context and nuances of what matters to you."
)

// Thresholds on the inputs that change the reply.
const (
	ackMinHistory      = 5  // history > 5 adds an acknowledgment
	preferenceMinCount = 3  // preferences > 3 selects the preferences closing
	contextMinHistory  = 10 // history > 10 selects the context closing and traits line
	maxInterestTopics  = 3
)

// Input is everything a reply is built from. History is the transcript
// before Message.
type Input struct {
	Message     string
	Preferences []storage.Preference
	Topics      []storage.Topic
	Traits      []storage.Trait
	History     []storage.Message
}

// Reply is a composed assistant message.
type Reply struct {
	Message         string `json:"message"`
	SearchPerformed bool   `json:"search_performed"`
	SearchQuery     string `json:"search_query,omitempty"`
}

// Composer builds replies. It never touches the store.
type Composer struct {
	chooser  Chooser
	searcher Searcher
}

// New creates a Composer. A nil chooser picks at random; a nil searcher
// renders the simulated search marker.
func New(chooser Chooser, searcher Searcher) *Composer {
	if chooser == nil {
		chooser = NewRandomChooser(0)
	}
	if searcher == nil {
		searcher = SimulatedSearcher{}
	}
	return &Composer{chooser: chooser, searcher: searcher}
}

// Greeting returns an opening line for a new conversation.
func (c *Composer) Greeting() string {
	return greetings[c.chooser.Choose(len(greetings))]
}

// Compose builds the reply to in.Message.
func (c *Composer) Compose(ctx context.Context, in Input) Reply {
	var reply Reply
	var sb strings.Builder

	if intent.NeedsCurrentInfo(in.Message) {
		reply.SearchPerformed = true
		reply.SearchQuery = truncateRunes(in.Message, maxQueryRunes)
		sb.WriteString("Let me search for the most up-to-date information on that topic...\n\n")
		sb.WriteString(c.searchSection(ctx, reply.SearchQuery))
		sb.WriteString("Based on current information, here's what I found: ")
	}

	topics := sortTopics(in.Topics)
	sb.WriteString(c.body(in, topics))

	if len(topics) > 0 {
		names := make([]string, 0, maxInterestTopics)
		for i := 0; i < len(topics) && i < maxInterestTopics; i++ {
			names = append(names, topics[i].Name)
		}
		fmt.Fprintf(&sb, "\n\n💡 I've noticed you're interested in %s. I'm building deeper knowledge in these areas to help you better!",
			strings.Join(names, ", "))
	}

	if len(in.Traits) > 0 && len(in.History) > contextMinHistory {
		sb.WriteString("\n\n✨ Our conversations have helped me understand your preferences better. I'm adapting my responses to match your style!")
	}

	reply.Message = sb.String()
	return reply
}

func (c *Composer) searchSection(ctx context.Context, query string) string {
	results, err := c.searcher.Search(ctx, query)
	if err != nil {
		slog.Warn("search failed, using placeholder", "query", query, "error", err)
	}
	if len(results) == 0 {
		return fmt.Sprintf("[Simulated Search Results for: \"%s\"]\n\n", query)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "[Search Results for: \"%s\"]\n", query)
	for _, r := range results {
		sb.WriteString("- ")
		sb.WriteString(r.Title)
		if r.URL != "" {
			sb.WriteString(" (" + r.URL + ")")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	return sb.String()
}

// body is the conversational part of the reply: optional acknowledgment,
// topic recall, the branch on the message shape, and a closing sentence.
func (c *Composer) body(in Input, topics []storage.Topic) string {
	formal := isFormal(in.Preferences)
	var sb strings.Builder

	if len(in.History) > ackMinHistory {
		sb.WriteString(acknowledgments[c.chooser.Choose(len(acknowledgments))])
		sb.WriteString(" ")
	}

	for _, t := range topics {
		if intent.ContainsFold(in.Message, t.Name) {
			fmt.Fprintf(&sb, "I remember we've discussed %s %d times before. ", t.Name, t.MentionCount)
			break
		}
	}

	switch {
	case intent.ContainsFold(in.Message, "how are you"):
		sb.WriteString(pick(formal,
			"I'm functioning well, thank you for asking. I'm continuously evolving through our interactions. ",
			"I'm doing great! Every conversation helps me grow and understand you better. "))
	case intent.ContainsFold(in.Message, "thank"):
		sb.WriteString(pick(formal,
			"You're most welcome. It's my pleasure to assist you. ",
			"You're welcome! Happy to help anytime. "))
	case strings.Contains(in.Message, "?"):
		sb.WriteString(curiosityPhrases[c.chooser.Choose(len(curiosityPhrases))])
		sb.WriteString(" your question. ")
		sb.WriteString(pick(formal,
			"Based on my understanding, I would approach this thoughtfully by considering multiple perspectives. ",
			"Let me think about this with you! "))
	default:
		sb.WriteString(pick(formal,
			"I find your perspective quite interesting. ",
			"That's really cool! "))
	}

	sb.WriteString(c.closing(in))
	return sb.String()
}

func (c *Composer) closing(in Input) string {
	switch {
	case len(in.Preferences) > preferenceMinCount:
		return closingPreferences
	case len(in.History) > contextMinHistory:
		return closingHistory
	default:
		return genericClosings[c.chooser.Choose(len(genericClosings))]
	}
}

func isFormal(prefs []storage.Preference) bool {
	for _, p := range prefs {
		if p.Type == "communication_style" && p.Key == "formality" && p.Value == string(intent.FormalityFormal) {
			return true
		}
	}
	return false
}

func pick(formal bool, formalText, casualText string) string {
	if formal {
		return formalText
	}
	return casualText
}

// sortTopics returns a copy ordered by mention count, highest first, keeping
// the incoming order among equal counts.
func sortTopics(topics []storage.Topic) []storage.Topic {
	sorted := make([]storage.Topic, len(topics))
	copy(sorted, topics)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].MentionCount > sorted[j].MentionCount
	})
	return sorted
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
