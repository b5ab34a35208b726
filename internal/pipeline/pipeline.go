// Package pipeline runs chat turns: it persists messages, feeds what the
// user wrote into the learning store, and composes the reply.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/tandem/internal/composer"
	"github.com/kalambet/tandem/internal/intent"
	"github.com/kalambet/tandem/internal/profile"
	"github.com/kalambet/tandem/internal/storage"
)

var (
	ErrValidation      = errors.New("validation failed")
	ErrEmptyMessage    = errors.New("message is empty")
	ErrTurnInFlight    = errors.New("a turn is already in progress for this session")
	ErrSessionNotFound = errors.New("session not found")
)

const (
	AdaptabilityTrait  = "adaptability"
	adaptabilityValue  = "high"
	adaptabilityReason = "Learned multiple user preferences through sustained interaction"

	styleType    = "communication_style"
	formalityKey = "formality"

	summaryPrefix   = "Last discussed: "
	maxSummaryRunes = 100
	noteDateLayout  = "1/2/2006"
)

// ConversationStore is the persistence the pipeline needs for transcripts.
// Implemented by storage.Store.
type ConversationStore interface {
	CreateConversation(ctx context.Context, userID string) (storage.Conversation, error)
	ListConversations(ctx context.Context, userID string, limit int) ([]storage.Conversation, error)
	UpdateConversationContext(ctx context.Context, id, summary string) error
	AddMessage(ctx context.Context, conversationID, role, content string) (storage.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]storage.Message, error)
}

// Learner records observations about a user. Implemented by profile.Manager.
type Learner interface {
	UpdatePreference(ctx context.Context, obs profile.PreferenceObservation) (storage.Preference, error)
	UpdateTopic(ctx context.Context, obs profile.TopicObservation) (storage.Topic, error)
	UpdateTrait(ctx context.Context, obs profile.TraitObservation) (storage.Trait, error)
	Preferences(ctx context.Context, userID string) ([]storage.Preference, error)
	HasTrait(ctx context.Context, userID, name string) (bool, error)
	Snapshot(ctx context.Context, userID string) (profile.Snapshot, error)
}

// Options tunes the learning rules.
type Options struct {
	// FormalityConfidence seeds a newly learned formality preference.
	FormalityConfidence float64
	// FormalityMinHistory: when positive, formality is learned only once
	// the history is longer than this.
	FormalityMinHistory int
	// AdaptabilityEvery is how many interactions pass between adaptability
	// checks.
	AdaptabilityEvery int
	// AdaptabilityMinPreferences: the trait needs more stored preferences
	// than this.
	AdaptabilityMinPreferences int
	// Now defaults to time.Now.
	Now func() time.Time
}

func DefaultOptions() Options {
	return Options{
		FormalityConfidence:        0.7,
		FormalityMinHistory:        0,
		AdaptabilityEvery:          5,
		AdaptabilityMinPreferences: 3,
	}
}

// Pipeline drives sessions. It is safe for concurrent use across sessions.
type Pipeline struct {
	store    ConversationStore
	learner  Learner
	composer *composer.Composer
	opts     Options
	logger   *slog.Logger
}

// New creates a Pipeline. A nil logger uses slog.Default().
func New(store ConversationStore, learner Learner, comp *composer.Composer, opts Options, logger *slog.Logger) *Pipeline {
	if opts.AdaptabilityEvery <= 0 {
		opts.AdaptabilityEvery = DefaultOptions().AdaptabilityEvery
	}
	if opts.FormalityConfidence <= 0 {
		opts.FormalityConfidence = DefaultOptions().FormalityConfidence
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{store: store, learner: learner, composer: comp, opts: opts, logger: logger}
}

// Start opens a session for userID. The most recent conversation is resumed
// with its messages and a welcome-back line; a user with none gets a new
// conversation and a greeting. Neither line is persisted.
func (p *Pipeline) Start(ctx context.Context, userID string) (*Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("starting session: empty user id: %w", ErrValidation)
	}

	recent, err := p.store.ListConversations(ctx, userID, 1)
	if err != nil {
		return nil, fmt.Errorf("loading recent conversations: %w", err)
	}

	s := &Session{ID: uuid.New().String(), UserID: userID}
	if len(recent) > 0 {
		conv := recent[0]
		msgs, err := p.store.ListMessages(ctx, conv.ID)
		if err != nil {
			return nil, fmt.Errorf("loading messages for %s: %w", conv.ID, err)
		}
		s.ConversationID = conv.ID
		s.Resumed = true
		s.history = msgs
		if len(msgs) > 0 {
			s.history = append(s.history, p.localMessage(conv.ID, composer.WelcomeBack))
		}
	} else {
		conv, err := p.store.CreateConversation(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("creating conversation: %w", err)
		}
		s.ConversationID = conv.ID
		s.history = []storage.Message{p.localMessage(conv.ID, p.composer.Greeting())}
	}
	s.state = StateAwaitingUserInput

	p.logger.Debug("session started",
		"session_id", s.ID, "user_id", userID, "conversation_id", s.ConversationID, "resumed", s.Resumed)
	return s, nil
}

// localMessage is an assistant line shown in the session but never stored.
func (p *Pipeline) localMessage(conversationID, content string) storage.Message {
	return storage.Message{
		ConversationID: conversationID,
		Role:           storage.RoleAssistant,
		Content:        content,
		Timestamp:      p.opts.Now().UTC(),
	}
}

// TurnResult is the outcome of one user message.
type TurnResult struct {
	UserMessage storage.Message `json:"user_message"`
	Reply       composer.Reply  `json:"reply"`
	// AssistantMessage is nil when the reply could not be persisted.
	AssistantMessage *storage.Message `json:"assistant_message,omitempty"`
}

// Turn processes one user message. Only a failure to persist the user
// message aborts the turn; learning, loading and the remaining writes
// degrade with a warning.
func (p *Pipeline) Turn(ctx context.Context, s *Session, text string) (TurnResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return TurnResult{}, ErrEmptyMessage
	}
	if s == nil || s.UserID == "" || s.ConversationID == "" {
		return TurnResult{}, fmt.Errorf("turn on unstarted session: %w", ErrValidation)
	}
	if !s.tryAcquire() {
		return TurnResult{}, ErrTurnInFlight
	}
	defer s.release()

	s.setState(StateProcessing)
	defer s.setState(StateAwaitingUserInput)

	logger := p.logger.With("session_id", s.ID, "user_id", s.UserID)

	// Learning and composition see the transcript as it stood before text.
	prior := s.History()

	userMsg, err := p.store.AddMessage(ctx, s.ConversationID, storage.RoleUser, text)
	if err != nil {
		return TurnResult{}, fmt.Errorf("saving user message: %w", err)
	}
	s.appendHistory(userMsg)

	p.learn(ctx, logger, s, text, len(prior))
	p.maybeAdapt(ctx, logger, s.UserID, s.nextInteraction())

	snap, err := p.learner.Snapshot(ctx, s.UserID)
	if err != nil {
		logger.Warn("loading personality failed, composing without it", "error", err)
		snap = profile.Snapshot{}
	}

	reply := p.composer.Compose(ctx, composer.Input{
		Message:     text,
		Preferences: snap.Preferences,
		Topics:      snap.Topics,
		Traits:      snap.Traits,
		History:     prior,
	})

	result := TurnResult{UserMessage: userMsg, Reply: reply}

	assistantMsg, err := p.store.AddMessage(ctx, s.ConversationID, storage.RoleAssistant, reply.Message)
	if err != nil {
		logger.Warn("saving assistant message failed", "error", err)
	} else {
		s.appendHistory(assistantMsg)
		result.AssistantMessage = &assistantMsg
	}

	if err := p.store.UpdateConversationContext(ctx, s.ConversationID, ContextSummary(text)); err != nil {
		logger.Warn("updating conversation context failed", "error", err)
	}

	logger.Debug("turn complete",
		"interactions", s.Interactions(), "search_performed", reply.SearchPerformed)
	return result, nil
}

// learn records formality and topic signals from text. historyLen is the
// transcript length before text.
func (p *Pipeline) learn(ctx context.Context, logger *slog.Logger, s *Session, text string, historyLen int) {
	sig := intent.Analyze(text)

	gated := p.opts.FormalityMinHistory > 0 && historyLen <= p.opts.FormalityMinHistory
	if sig.Formality != intent.FormalityNone && !gated {
		_, err := p.learner.UpdatePreference(ctx, profile.PreferenceObservation{
			UserID:         s.UserID,
			Type:           styleType,
			Key:            formalityKey,
			Value:          string(sig.Formality),
			ConversationID: s.ConversationID,
			BaseConfidence: p.opts.FormalityConfidence,
		})
		if err != nil {
			logger.Warn("learning formality failed", "error", err)
		}
	}

	note := "Discussed on " + p.opts.Now().Format(noteDateLayout)
	for _, topic := range sig.Topics {
		_, err := p.learner.UpdateTopic(ctx, profile.TopicObservation{
			UserID:   s.UserID,
			Topic:    topic,
			Keywords: []string{strings.ToLower(topic)},
			Note:     note,
		})
		if err != nil {
			logger.Warn("learning topic failed", "topic", topic, "error", err)
		}
	}
}

// maybeAdapt grants the adaptability trait once the user has shown enough
// preferences. Checked every AdaptabilityEvery interactions; never
// revisited once the trait exists.
func (p *Pipeline) maybeAdapt(ctx context.Context, logger *slog.Logger, userID string, interactions int) {
	if interactions <= 0 || interactions%p.opts.AdaptabilityEvery != 0 {
		return
	}

	has, err := p.learner.HasTrait(ctx, userID, AdaptabilityTrait)
	if err != nil {
		logger.Warn("checking adaptability trait failed", "error", err)
		return
	}
	if has {
		return
	}

	prefs, err := p.learner.Preferences(ctx, userID)
	if err != nil {
		logger.Warn("loading preferences failed", "error", err)
		return
	}
	if len(prefs) <= p.opts.AdaptabilityMinPreferences {
		return
	}

	if _, err := p.learner.UpdateTrait(ctx, profile.TraitObservation{
		UserID: userID,
		Name:   AdaptabilityTrait,
		Value:  adaptabilityValue,
		Reason: adaptabilityReason,
	}); err != nil {
		logger.Warn("recording adaptability trait failed", "error", err)
		return
	}
	logger.Info("adaptability trait learned", "interactions", interactions, "preferences", len(prefs))
}

// ContextSummary is the conversation summary stored after a turn on text.
func ContextSummary(text string) string {
	r := []rune(text)
	if len(r) > maxSummaryRunes {
		r = r[:maxSummaryRunes]
	}
	return summaryPrefix + string(r)
}
