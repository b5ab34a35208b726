package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/tandem/internal/pipeline"
	"github.com/kalambet/tandem/internal/profile"
	"github.com/kalambet/tandem/internal/storage"
)

type AppDeps struct {
	Pipeline *pipeline.Pipeline
	Sessions *pipeline.Registry
	Store    *storage.Store
	Profile  *profile.Manager
	Token    string
}

// NewAppHandler returns the HTTP API. Everything except /health requires the
// bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/sessions", handleStartSession(deps))
		r.Get("/sessions/{id}", handleGetSession(deps))
		r.Delete("/sessions/{id}", handleEndSession(deps))
		r.Post("/sessions/{id}/messages", handleSendMessage(deps))

		r.Get("/users/{userID}/personality", handleGetPersonality(deps))
		r.Put("/users/{userID}/preferences", handlePutPreference(deps))
		r.Get("/users/{userID}/conversations", handleListConversations(deps))
		r.Get("/conversations/{id}/messages", handleListMessages(deps))
	})

	return r
}

type startSessionRequest struct {
	UserID string `json:"user_id"`
}

func handleStartSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req startSessionRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.UserID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id is required")
			return
		}

		s, err := deps.Pipeline.Start(r.Context(), req.UserID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to start session: %v", err)
			return
		}
		deps.Sessions.Add(s)

		writeJSON(w, http.StatusCreated, s.View())
	}
}

func handleGetSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := deps.Sessions.Get(chi.URLParam(r, "id"))
		if err != nil {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		writeJSON(w, http.StatusOK, s.View())
	}
}

func handleEndSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := deps.Sessions.Get(id); err != nil {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		deps.Sessions.Remove(id)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
	}
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

func handleSendMessage(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := deps.Sessions.Get(chi.URLParam(r, "id"))
		if err != nil {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}

		var req sendMessageRequest
		if !decodeBody(w, r, &req) {
			return
		}

		res, err := deps.Pipeline.Turn(r.Context(), s, req.Content)
		if err != nil {
			code, errType := turnErrorStatus(err)
			httpError(w, code, errType, "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// turnErrorStatus maps a Turn error to an HTTP status and error type.
func turnErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, pipeline.ErrEmptyMessage), errors.Is(err, pipeline.ErrValidation):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, pipeline.ErrTurnInFlight):
		return http.StatusConflict, "conflict"
	case errors.Is(err, pipeline.ErrSessionNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "not_found"
	default:
		return http.StatusInternalServerError, "api_error"
	}
}

// personalityResponse is a profile.Snapshot with empty lists instead of null.
type personalityResponse struct {
	UserID      string               `json:"user_id"`
	Preferences []storage.Preference `json:"preferences"`
	Topics      []storage.Topic      `json:"topics"`
	Traits      []storage.Trait      `json:"traits"`
}

func newPersonalityResponse(userID string, snap profile.Snapshot) personalityResponse {
	resp := personalityResponse{
		UserID:      userID,
		Preferences: snap.Preferences,
		Topics:      snap.Topics,
		Traits:      snap.Traits,
	}
	if resp.Preferences == nil {
		resp.Preferences = []storage.Preference{}
	}
	if resp.Topics == nil {
		resp.Topics = []storage.Topic{}
	}
	if resp.Traits == nil {
		resp.Traits = []storage.Trait{}
	}
	return resp
}

func handleGetPersonality(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		snap, err := deps.Profile.Snapshot(r.Context(), userID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load personality: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, newPersonalityResponse(userID, snap))
	}
}

// manualSource stands in for a conversation id on preferences set directly
// rather than learned from chat.
const manualSource = "manual"

type putPreferenceRequest struct {
	Type           string  `json:"type"`
	Key            string  `json:"key"`
	Value          string  `json:"value"`
	ConversationID string  `json:"conversation_id"`
	Confidence     float64 `json:"confidence"`
}

func handlePutPreference(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req putPreferenceRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Type == "" || req.Key == "" || req.Value == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "type, key and value are required")
			return
		}
		if req.Confidence < 0 || req.Confidence > 1 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "confidence must be between 0 and 1")
			return
		}

		if req.ConversationID == "" {
			req.ConversationID = manualSource
		}

		p, err := deps.Profile.UpdatePreference(r.Context(), profile.PreferenceObservation{
			UserID:         chi.URLParam(r, "userID"),
			Type:           req.Type,
			Key:            req.Key,
			Value:          req.Value,
			ConversationID: req.ConversationID,
			BaseConfidence: req.Confidence,
		})
		if errors.Is(err, profile.ErrMissingID) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to update preference: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func handleListConversations(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)

		convs, err := deps.Store.ListConversations(r.Context(), chi.URLParam(r, "userID"), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list conversations: %v", err)
			return
		}
		if convs == nil {
			convs = []storage.Conversation{}
		}
		writeJSON(w, http.StatusOK, convs)
	}
}

func handleListMessages(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if _, err := deps.Store.GetConversation(r.Context(), id); errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "conversation not found")
			return
		} else if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get conversation: %v", err)
			return
		}

		msgs, err := deps.Store.ListMessages(r.Context(), id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list messages: %v", err)
			return
		}
		if msgs == nil {
			msgs = []storage.Message{}
		}
		writeJSON(w, http.StatusOK, msgs)
	}
}
