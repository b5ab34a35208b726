package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"

	"github.com/kalambet/tandem/internal/storage"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func withNoColor(t *testing.T) {
	t.Helper()
	old := noColor
	noColor = true
	t.Cleanup(func() { noColor = old })
}

var chatResponses = map[string]string{
	"POST /sessions":             `{"id":"s1","conversation_id":"c1","resumed":false,"history":[{"role":"assistant","content":"Hi! I'm here to chat."}]}`,
	"POST /sessions/s1/messages": `{"user_message":{"role":"user","content":"hello"},"reply":{"message":"That's interesting!","search_performed":false}}`,
}

func TestChatREPL(t *testing.T) {
	withNoColor(t)
	ts := newTestServer(t, chatResponses)

	var out bytes.Buffer
	in := strings.NewReader("hello\n\n   \nquit\nnever sent\n")
	if err := runChat(ctx, ts.client(), "u1", in, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(out.String(), "tandem: Hi! I'm here to chat.") {
		t.Errorf("greeting not shown, output:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "tandem: That's interesting!") {
		t.Errorf("reply not shown, output:\n%s", out.String())
	}

	if len(ts.requests) != 3 {
		t.Fatalf("expected 3 requests, got %d: %+v", len(ts.requests), ts.requests)
	}

	start := ts.requests[0]
	if start.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", start.Auth)
	}
	var startBody map[string]string
	if err := json.Unmarshal([]byte(start.Body), &startBody); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if startBody["user_id"] != "u1" {
		t.Errorf("user_id = %q, want u1", startBody["user_id"])
	}

	var msgBody map[string]string
	if err := json.Unmarshal([]byte(ts.requests[1].Body), &msgBody); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if msgBody["content"] != "hello" {
		t.Errorf("content = %q, want hello", msgBody["content"])
	}

	end := ts.requests[2]
	if end.Method != http.MethodDelete || end.Path != "/sessions/s1" {
		t.Errorf("last request = %s %s, want DELETE /sessions/s1", end.Method, end.Path)
	}
}

func TestChatREPL_EOF(t *testing.T) {
	withNoColor(t)
	ts := newTestServer(t, chatResponses)

	var out bytes.Buffer
	if err := runChat(ctx, ts.client(), "u1", strings.NewReader("hello"), &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ts.requests) != 3 {
		t.Fatalf("expected 3 requests, got %d", len(ts.requests))
	}
}

func TestChatREPL_FailedTurnContinues(t *testing.T) {
	withNoColor(t)
	ts := newTestServer(t, map[string]string{
		"POST /sessions": chatResponses["POST /sessions"],
	})

	var out bytes.Buffer
	if err := runChat(ctx, ts.client(), "u1", strings.NewReader("hi\nagain\nexit\n"), &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.Count(out.String(), "✗ server returned 404: not found"); got != 2 {
		t.Errorf("expected 2 turn errors, got %d; output:\n%s", got, out.String())
	}
}

func TestChatREPL_ServerDown(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.server.Close()

	err := runChat(ctx, ts.client(), "u1", strings.NewReader("hi\n"), &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "not reachable") {
		t.Fatalf("error = %v, want it to mention 'not reachable'", err)
	}
}

func testPersonality() personality {
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return personality{
		UserID: "u1",
		Preferences: []storage.Preference{{
			Type: "communication_style", Key: "formality", Value: "casual",
			Confidence: 0.7, LearnedFrom: []string{"c1"}, LastUpdated: t0,
		}},
		Topics: []storage.Topic{{
			Name: "music", MentionCount: 2, Keywords: []string{"music"},
			Notes: "Discussed on 3/1/2025", LastMentioned: t0,
		}},
		Traits: []storage.Trait{{
			Name: "adaptability", Value: "high",
			History: []storage.TraitChange{{Value: "high", Timestamp: t0, Reason: "Consistent interaction patterns"}},
		}},
	}
}

func TestRenderPersonality_YAML(t *testing.T) {
	var buf bytes.Buffer
	if err := renderPersonality(&buf, testPersonality(), "yaml"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got personalityDoc
	if err := yaml.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("yaml parse error: %v\n%s", err, buf.String())
	}
	want := personalityDoc{
		User: "u1",
		Preferences: []preferenceDoc{{
			Type: "communication style", Key: "formality", Value: "casual", Confidence: 0.7, Band: "medium",
		}},
		Topics: []topicDoc{{Name: "music", Mentions: 2, Keywords: []string{"music"}, Notes: "Discussed on 3/1/2025"}},
		Traits: []traitDoc{{Name: "adaptability", Value: "high", Changes: 1}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("yaml (-want +got):\n%s", diff)
	}
}

func TestRenderPersonality_JSON(t *testing.T) {
	var buf bytes.Buffer
	if err := renderPersonality(&buf, testPersonality(), "json"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got personality
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("json parse error: %v", err)
	}
	if diff := cmp.Diff(testPersonality(), got); diff != "" {
		t.Errorf("json (-want +got):\n%s", diff)
	}
}

func TestPersonalityShow_UnknownFormat(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"personality", "show", "--format", "xml"})
	err := rootCmd.Execute()
	personalityShowCmd.Flags().Set("format", "json")
	if err == nil || !strings.Contains(err.Error(), "unknown format") {
		t.Fatalf("error = %v, want unknown format", err)
	}
}

func TestSetPreference(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"PUT /users/u1/preferences": `{"type":"interest","key":"language","value":"Go","confidence":0.5}`,
	})
	client := ts.client()

	p, err := setPreference(ctx, client, "u1", "interest", "language", "Go", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Confidence != 0.5 || p.Value != "Go" {
		t.Errorf("preference = %+v", p)
	}

	if _, err := setPreference(ctx, client, "u1", "interest", "language", "Go", 0.9); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var first, second map[string]any
	json.Unmarshal([]byte(ts.requests[0].Body), &first)
	json.Unmarshal([]byte(ts.requests[1].Body), &second)
	if _, ok := first["confidence"]; ok {
		t.Errorf("zero confidence should be omitted, body = %v", first)
	}
	if second["confidence"] != 0.9 {
		t.Errorf("confidence = %v, want 0.9", second["confidence"])
	}
	if ts.requests[0].Method != http.MethodPut {
		t.Errorf("method = %q, want PUT", ts.requests[0].Method)
	}
}

func TestSetPreference_ServerError(t *testing.T) {
	ts := newTestServer(t, nil)

	_, err := setPreference(ctx, ts.client(), "u1", "interest", "language", "Go", 0)
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("error = %v, want 404", err)
	}
}

func TestPreferenceSet_MissingArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"preference", "set", "interest"})
	if err := rootCmd.Execute(); err == nil {
		t.Fatal("expected error for missing args")
	}
}

func TestPrintConversations(t *testing.T) {
	withNoColor(t)

	var buf bytes.Buffer
	printConversations(&buf, nil)
	if !strings.Contains(buf.String(), "No conversations found.") {
		t.Errorf("empty output = %q", buf.String())
	}

	buf.Reset()
	printConversations(&buf, []storage.Conversation{
		{ID: "abcdef123456", ContextSummary: "Last discussed: music"},
		{ID: "xyz"},
	})
	out := buf.String()
	for _, want := range []string{"abcdef12  ", "Last discussed: music", "xyz  ", "(no messages)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestDecodeJSON_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/plain" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"message":"a turn is already in progress for this session","type":"conflict"}}`))
	}))
	defer srv.Close()

	c := &apiClient{baseURL: srv.URL, token: "t", httpClient: srv.Client()}

	resp, err := c.get(ctx, "/plain")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := decodeJSON(resp, &struct{}{}); err == nil || !strings.Contains(err.Error(), "500: boom") {
		t.Errorf("plain error = %v", err)
	}

	resp, err = c.get(ctx, "/envelope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err = decodeJSON(resp, &struct{}{})
	if err == nil || err.Error() != "server returned 409: a turn is already in progress for this session" {
		t.Errorf("envelope error = %v", err)
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	_, err := ts.client().get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestPIDFile(t *testing.T) {
	path := pidFilePath(filepath.Join(t.TempDir(), "data"))
	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatalf("readPIDFile: %v", err)
	}
	if pid <= 0 {
		t.Errorf("pid = %d", pid)
	}

	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("expected error after removal")
	}
}

func TestLocalUser_Flag(t *testing.T) {
	old := userFlag
	defer func() { userFlag = old }()

	userFlag = "user_override"
	got, err := localUser()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "user_override" {
		t.Errorf("localUser = %q, want user_override", got)
	}
}

func TestRootCommands(t *testing.T) {
	for _, name := range []string{"start", "stop", "status", "chat", "personality", "conversations", "preference", "config", "mcp"} {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("command %q not registered (got %v, %v)", name, cmd, err)
		}
	}
}
