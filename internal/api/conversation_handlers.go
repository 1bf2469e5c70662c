package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/callsight/callsight/internal/database"
	"github.com/callsight/callsight/internal/database/models"
)

// conversationResponse is the JSON response for a single analyzed call.
type conversationResponse struct {
	ID         int64  `json:"id"`
	FromUserID int64  `json:"from_user_id"`
	ToUserID   int64  `json:"to_user_id"`
	Type       string `json:"type"`
	Status     string `json:"status"`
	RecordURL  string `json:"record_url"`
	Summary    string `json:"summary"`
	Mood       string `json:"mood"`
	CreatedAt  string `json:"created_at"`
}

// conversationDetail adds the transcript to a conversation.
type conversationDetail struct {
	conversationResponse
	Messages []models.Message `json:"messages"`
}

func toConversationResponse(c *models.Conversation) conversationResponse {
	return conversationResponse{
		ID:         c.ID,
		FromUserID: c.FromUserID,
		ToUserID:   c.ToUserID,
		Type:       c.Type,
		Status:     c.Status,
		RecordURL:  c.RecordURL,
		Summary:    c.Summary,
		Mood:       c.Mood,
		CreatedAt:  c.CreatedAt.Format(time.RFC3339),
	}
}

// handleListConversations returns analyzed calls with pagination. The
// optional user_id filter narrows to calls a given user took part in.
func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	var (
		convs []models.Conversation
		err   error
	)
	if raw := r.URL.Query().Get("user_id"); raw != "" {
		userID, parseErr := strconv.ParseInt(raw, 10, 64)
		if parseErr != nil || userID < 1 {
			writeError(w, http.StatusBadRequest, "user_id must be a positive integer")
			return
		}
		convs, err = s.conversations.ListByUser(r.Context(), userID)
	} else {
		convs, err = s.conversations.List(r.Context())
	}
	if err != nil {
		slog.Error("list conversations: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	all := make([]conversationResponse, len(convs))
	for i := range convs {
		all[i] = toConversationResponse(&convs[i])
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  paginate(all, pg),
		Total:  len(all),
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// handleGetConversation returns a single conversation with its transcript.
func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}

	conv, err := s.conversations.GetByID(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		slog.Error("get conversation: failed to query", "error", err, "conversation_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	messages, err := s.conversations.Messages(r.Context(), id)
	if err != nil {
		slog.Error("get conversation: failed to query messages", "error", err, "conversation_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, conversationDetail{
		conversationResponse: toConversationResponse(conv),
		Messages:             messages,
	})
}
