package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/kalambet/tandem/internal/composer"
	"github.com/kalambet/tandem/internal/profile"
	"github.com/kalambet/tandem/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	ctx     = context.Background()
	t0      = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	errDisk = errors.New("disk full")
)

// faultyStore fails AddMessage for one role.
type faultyStore struct {
	*storage.Store
	failRole string
}

func (f *faultyStore) AddMessage(ctx context.Context, conversationID, role, content string) (storage.Message, error) {
	if role == f.failRole {
		return storage.Message{}, errDisk
	}
	return f.Store.AddMessage(ctx, conversationID, role, content)
}

// faultyLearner fails selected operations of a real Manager.
type faultyLearner struct {
	*profile.Manager
	failTopics   bool
	failSnapshot bool
}

func (f *faultyLearner) UpdateTopic(ctx context.Context, obs profile.TopicObservation) (storage.Topic, error) {
	if f.failTopics {
		return storage.Topic{}, errDisk
	}
	return f.Manager.UpdateTopic(ctx, obs)
}

func (f *faultyLearner) Snapshot(ctx context.Context, userID string) (profile.Snapshot, error) {
	if f.failSnapshot {
		return profile.Snapshot{}, errDisk
	}
	return f.Manager.Snapshot(ctx, userID)
}

type fixture struct {
	store   *storage.Store
	manager *profile.Manager
	comp    *composer.Composer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return &fixture{
		store:   s,
		manager: profile.NewManager(s),
		comp:    composer.New(composer.FixedChooser(0), nil),
	}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Now = func() time.Time { return t0 }
	return opts
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (f *fixture) pipeline(store ConversationStore, learner Learner, opts Options) *Pipeline {
	if store == nil {
		store = f.store
	}
	if learner == nil {
		learner = f.manager
	}
	return New(store, learner, f.comp, opts, quietLogger())
}

func mustStart(t *testing.T, p *Pipeline, userID string) *Session {
	t.Helper()
	s, err := p.Start(ctx, userID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return s
}

func mustTurn(t *testing.T, p *Pipeline, s *Session, text string) TurnResult {
	t.Helper()
	res, err := p.Turn(ctx, s, text)
	if err != nil {
		t.Fatalf("Turn(%q): %v", text, err)
	}
	return res
}

func TestStart_NewConversationGreets(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(nil, nil, testOptions())

	s := mustStart(t, p, "u1")
	if s.Resumed {
		t.Error("Resumed = true for a first session")
	}
	if s.State() != StateAwaitingUserInput {
		t.Errorf("State = %v, want awaiting_user_input", s.State())
	}

	h := s.History()
	if len(h) != 1 || h[0].Role != storage.RoleAssistant || h[0].Content != f.comp.Greeting() {
		t.Fatalf("history = %+v, want one greeting", h)
	}

	stored, err := f.store.ListMessages(ctx, s.ConversationID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(stored) != 0 {
		t.Errorf("greeting was persisted: %+v", stored)
	}
}

func TestStart_ResumesMostRecent(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(nil, nil, testOptions())

	conv, err := f.store.CreateConversation(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range []string{"first", "second"} {
		if _, err := f.store.AddMessage(ctx, conv.ID, storage.RoleUser, c); err != nil {
			t.Fatal(err)
		}
	}

	s := mustStart(t, p, "u1")
	if !s.Resumed || s.ConversationID != conv.ID {
		t.Fatalf("session = %+v, want resumed %s", s.View(), conv.ID)
	}
	h := s.History()
	if len(h) != 3 {
		t.Fatalf("history length = %d, want 3", len(h))
	}
	if h[0].Content != "first" || h[2].Content != composer.WelcomeBack {
		t.Errorf("history = %+v", h)
	}
}

func TestStart_ResumedEmptyConversation(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(nil, nil, testOptions())

	conv, err := f.store.CreateConversation(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	s := mustStart(t, p, "u1")
	if s.ConversationID != conv.ID {
		t.Errorf("ConversationID = %s, want %s", s.ConversationID, conv.ID)
	}
	if len(s.History()) != 0 {
		t.Errorf("history = %+v, want empty", s.History())
	}
}

func TestStart_EmptyUser(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline(nil, nil, testOptions()).Start(ctx, "")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestTurn_PersistsLearnsAndReplies(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(nil, nil, testOptions())
	s := mustStart(t, p, "u1")

	res := mustTurn(t, p, s, "  hey, tell me about music  ")

	if res.UserMessage.Content != "hey, tell me about music" {
		t.Errorf("user message = %q, want trimmed text", res.UserMessage.Content)
	}
	if res.AssistantMessage == nil || res.AssistantMessage.Content != res.Reply.Message {
		t.Fatalf("assistant message = %+v", res.AssistantMessage)
	}
	if !strings.Contains(res.Reply.Message, "interested in music") {
		t.Errorf("reply does not mention the new topic: %q", res.Reply.Message)
	}

	stored, err := f.store.ListMessages(ctx, s.ConversationID)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 2 || stored[0].Role != storage.RoleUser || stored[1].Role != storage.RoleAssistant {
		t.Errorf("stored messages = %+v", stored)
	}
	if got := len(s.History()); got != 3 {
		t.Errorf("history length = %d, want 3", got)
	}
	if s.Interactions() != 1 {
		t.Errorf("Interactions = %d, want 1", s.Interactions())
	}

	pref, err := f.store.GetPreference(ctx, "u1", "communication_style", "formality")
	if err != nil {
		t.Fatalf("GetPreference: %v", err)
	}
	if pref.Value != "casual" || pref.Confidence != 0.7 || len(pref.LearnedFrom) != 1 || pref.LearnedFrom[0] != s.ConversationID {
		t.Errorf("preference = %+v", pref)
	}

	topic, err := f.store.GetTopic(ctx, "u1", "music")
	if err != nil {
		t.Fatalf("GetTopic: %v", err)
	}
	if topic.MentionCount != 1 || topic.Notes != "Discussed on 3/1/2025" || topic.Keywords[0] != "music" {
		t.Errorf("topic = %+v", topic)
	}

	conv, err := f.store.GetConversation(ctx, s.ConversationID)
	if err != nil {
		t.Fatal(err)
	}
	if conv.ContextSummary != "Last discussed: hey, tell me about music" {
		t.Errorf("ContextSummary = %q", conv.ContextSummary)
	}
}

func TestTurn_TopicKeywordIsLowercase(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(nil, nil, testOptions())
	s := mustStart(t, p, "u1")

	mustTurn(t, p, s, "I read about AI today")

	topic, err := f.store.GetTopic(ctx, "u1", "AI")
	if err != nil {
		t.Fatalf("GetTopic: %v", err)
	}
	if len(topic.Keywords) != 1 || topic.Keywords[0] != "ai" {
		t.Errorf("keywords = %v, want [ai]", topic.Keywords)
	}
}

func TestTurn_ComposesWithPriorHistory(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(nil, nil, testOptions())

	conv, err := f.store.CreateConversation(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if _, err := f.store.AddMessage(ctx, conv.ID, storage.RoleUser, "earlier"); err != nil {
			t.Fatal(err)
		}
	}

	// Five stored messages plus the welcome-back line make six.
	s := mustStart(t, p, "u1")
	res := mustTurn(t, p, s, "ok")
	if !strings.HasPrefix(res.Reply.Message, "I appreciate you sharing that with me. ") {
		t.Errorf("reply = %q, want acknowledgment", res.Reply.Message)
	}
}

func TestTurn_FormalityGate(t *testing.T) {
	f := newFixture(t)
	opts := testOptions()
	opts.FormalityMinHistory = 3
	p := f.pipeline(nil, nil, opts)
	s := mustStart(t, p, "u1")

	mustTurn(t, p, s, "please help") // history 1
	if _, err := f.store.GetPreference(ctx, "u1", "communication_style", "formality"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("formality learned with short history: err = %v", err)
	}

	mustTurn(t, p, s, "please help again") // history 3
	mustTurn(t, p, s, "please, once more") // history 5
	pref, err := f.store.GetPreference(ctx, "u1", "communication_style", "formality")
	if err != nil {
		t.Fatalf("GetPreference: %v", err)
	}
	if pref.Value != "formal" || pref.Confidence != 0.7 {
		t.Errorf("preference = %+v", pref)
	}
}

func seedPreferences(t *testing.T, m *profile.Manager, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := m.UpdatePreference(ctx, profile.PreferenceObservation{
			UserID: "u1", Type: "interest", Key: string(rune('a' + i)), Value: "yes", ConversationID: "seed",
		})
		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestTurn_AdaptabilityOnFifthInteraction(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(nil, nil, testOptions())
	seedPreferences(t, f.manager, 4)
	s := mustStart(t, p, "u1")

	for i := 1; i <= 4; i++ {
		mustTurn(t, p, s, "ok")
		if has, _ := f.manager.HasTrait(ctx, "u1", AdaptabilityTrait); has {
			t.Fatalf("trait granted after %d interactions", i)
		}
	}

	mustTurn(t, p, s, "ok")
	trait, err := f.store.GetTrait(ctx, "u1", AdaptabilityTrait)
	if err != nil {
		t.Fatalf("trait missing after 5 interactions: %v", err)
	}
	if trait.Value != "high" || len(trait.History) != 1 ||
		trait.History[0].Reason != "Learned multiple user preferences through sustained interaction" {
		t.Errorf("trait = %+v", trait)
	}

	for i := 0; i < 5; i++ {
		mustTurn(t, p, s, "ok")
	}
	trait, err = f.store.GetTrait(ctx, "u1", AdaptabilityTrait)
	if err != nil {
		t.Fatal(err)
	}
	if len(trait.History) != 1 {
		t.Errorf("trait history length = %d after 10 interactions, want 1", len(trait.History))
	}
}

func TestTurn_AdaptabilityNeedsPreferences(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(nil, nil, testOptions())
	seedPreferences(t, f.manager, 3)
	s := mustStart(t, p, "u1")

	for i := 0; i < 5; i++ {
		mustTurn(t, p, s, "ok")
	}
	if has, _ := f.manager.HasTrait(ctx, "u1", AdaptabilityTrait); has {
		t.Error("trait granted with only 3 preferences")
	}
}

func TestTurn_EmptyMessage(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(nil, nil, testOptions())
	s := mustStart(t, p, "u1")

	if _, err := p.Turn(ctx, s, " \n\t "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("err = %v, want ErrEmptyMessage", err)
	}
	stored, _ := f.store.ListMessages(ctx, s.ConversationID)
	if len(stored) != 0 || s.Interactions() != 0 {
		t.Errorf("empty message had effects: %d stored, %d interactions", len(stored), s.Interactions())
	}
}

func TestTurn_UnstartedSession(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(nil, nil, testOptions())
	if _, err := p.Turn(ctx, &Session{}, "hi"); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestTurn_InFlight(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(nil, nil, testOptions())
	s := mustStart(t, p, "u1")

	if !s.tryAcquire() {
		t.Fatal("tryAcquire on idle session failed")
	}
	_, err := p.Turn(ctx, s, "hi")
	s.release()
	if !errors.Is(err, ErrTurnInFlight) {
		t.Fatalf("err = %v, want ErrTurnInFlight", err)
	}

	mustTurn(t, p, s, "hi")
	if s.State() != StateAwaitingUserInput {
		t.Errorf("State after turn = %v", s.State())
	}
}

func TestTurn_UserPersistFailureAborts(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(&faultyStore{Store: f.store, failRole: storage.RoleUser}, nil, testOptions())
	s := mustStart(t, p, "u1")

	_, err := p.Turn(ctx, s, "tell me about music")
	if !errors.Is(err, errDisk) {
		t.Fatalf("err = %v, want errDisk", err)
	}
	if len(s.History()) != 1 || s.Interactions() != 0 {
		t.Errorf("aborted turn changed session: history %d, interactions %d", len(s.History()), s.Interactions())
	}
	if _, err := f.store.GetTopic(ctx, "u1", "music"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("aborted turn learned a topic: err = %v", err)
	}
	if s.State() != StateAwaitingUserInput {
		t.Errorf("State = %v after failed turn", s.State())
	}
}

func TestTurn_AssistantPersistFailureStillReplies(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(&faultyStore{Store: f.store, failRole: storage.RoleAssistant}, nil, testOptions())
	s := mustStart(t, p, "u1")

	res := mustTurn(t, p, s, "hello there")
	if res.Reply.Message == "" {
		t.Fatal("empty reply")
	}
	if res.AssistantMessage != nil {
		t.Errorf("AssistantMessage = %+v, want nil", res.AssistantMessage)
	}
	h := s.History()
	if len(h) != 2 || h[1].Role != storage.RoleUser {
		t.Errorf("history = %+v, want greeting and user message only", h)
	}

	conv, err := f.store.GetConversation(ctx, s.ConversationID)
	if err != nil {
		t.Fatal(err)
	}
	if conv.ContextSummary != "Last discussed: hello there" {
		t.Errorf("ContextSummary = %q", conv.ContextSummary)
	}
}

func TestTurn_LearningFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	learner := &faultyLearner{Manager: f.manager, failTopics: true, failSnapshot: true}
	p := f.pipeline(nil, learner, testOptions())
	s := mustStart(t, p, "u1")

	res := mustTurn(t, p, s, "music is awesome")
	if res.AssistantMessage == nil {
		t.Error("assistant message not persisted")
	}
	if strings.Contains(res.Reply.Message, "interested in") {
		t.Errorf("reply used topics despite snapshot failure: %q", res.Reply.Message)
	}
	if s.Interactions() != 1 {
		t.Errorf("Interactions = %d, want 1", s.Interactions())
	}
}

func TestContextSummary(t *testing.T) {
	long := strings.Repeat("a", 150)
	if got := ContextSummary(long); got != "Last discussed: "+strings.Repeat("a", 100) {
		t.Errorf("ContextSummary(150 chars) = %q", got)
	}
	if got := ContextSummary("short"); got != "Last discussed: short" {
		t.Errorf("ContextSummary(short) = %q", got)
	}
	multi := strings.Repeat("日", 120)
	if got := ContextSummary(multi); got != "Last discussed: "+strings.Repeat("日", 100) {
		t.Errorf("ContextSummary(multibyte) = %q", got)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	s := &Session{ID: "s1", UserID: "u1"}
	r.Add(s)

	got, err := r.Get("s1")
	if err != nil || got != s {
		t.Fatalf("Get = %v, %v", got, err)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d", r.Len())
	}

	r.Remove("s1")
	if _, err := r.Get("s1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get after Remove err = %v, want ErrSessionNotFound", err)
	}
}

func TestRegistry_GetOrStart(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(nil, nil, testOptions())
	r := NewRegistry()

	first, err := r.GetOrStart(ctx, "u1", p.Start)
	if err != nil {
		t.Fatalf("GetOrStart: %v", err)
	}
	again, err := r.GetOrStart(ctx, "u1", p.Start)
	if err != nil {
		t.Fatalf("GetOrStart: %v", err)
	}
	if again != first {
		t.Error("second GetOrStart started a new session")
	}

	if _, err := r.GetOrStart(ctx, "", p.Start); !errors.Is(err, ErrValidation) {
		t.Errorf("GetOrStart with empty user err = %v, want ErrValidation", err)
	}

	r.Remove(first.ID)
	fresh, err := r.GetOrStart(ctx, "u1", p.Start)
	if err != nil {
		t.Fatalf("GetOrStart: %v", err)
	}
	if fresh == first {
		t.Error("GetOrStart returned a removed session")
	}
	if fresh.ConversationID != first.ConversationID {
		t.Errorf("restarted session did not resume conversation %s", first.ConversationID)
	}
}

func TestRegistry_GetOrStartDoesNotBlockOthers(t *testing.T) {
	r := NewRegistry()
	release := make(chan struct{})
	entered := make(chan struct{})
	var calls atomic.Int32
	slowStart := func(_ context.Context, userID string) (*Session, error) {
		if calls.Add(1) == 1 {
			close(entered)
		}
		<-release
		return &Session{ID: "slow", UserID: userID}, nil
	}

	type result struct {
		s   *Session
		err error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			s, err := r.GetOrStart(ctx, "u1", slowStart)
			results <- result{s, err}
		}()
	}
	<-entered

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Add(&Session{ID: "other", UserID: "u2"})
		if _, err := r.Get("other"); err != nil {
			t.Errorf("Get(other): %v", err)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		close(release)
		t.Fatal("Add/Get blocked while another user's session was starting")
	}

	close(release)
	for i := 0; i < 2; i++ {
		res := <-results
		if res.err != nil || res.s == nil || res.s.ID != "slow" {
			t.Errorf("GetOrStart = %v, %v, want session slow", res.s, res.err)
		}
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("start called %d times, want 1", n)
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}
}

func TestStateString(t *testing.T) {
	b, err := StateProcessing.MarshalText()
	if err != nil || string(b) != "processing" {
		t.Errorf("MarshalText = %q, %v", b, err)
	}
	if State(42).String() != "unknown" {
		t.Errorf("State(42) = %q", State(42).String())
	}
}
