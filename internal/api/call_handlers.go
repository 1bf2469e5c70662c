package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/callsight/callsight/internal/session"
)

// callResponse is the JSON view of one live call session.
type callResponse struct {
	CallID            string   `json:"call_id"`
	Status            string   `json:"status"`
	CallerChannel     string   `json:"caller_channel"`
	AgentChannel      string   `json:"agent_channel,omitempty"`
	CallerExtension   string   `json:"caller_extension"`
	AgentExtension    string   `json:"agent_extension,omitempty"`
	BridgeID          string   `json:"bridge_id,omitempty"`
	BridgedChannels   []string `json:"bridged_channels"`
	RecordingName     string   `json:"recording_name"`
	RecordingFinished bool     `json:"recording_finished"`
}

func toCallResponse(sess *session.CallSession) callResponse {
	bridged := make([]string, 0, sess.Bridged.Len())
	for channel := range sess.Bridged {
		bridged = append(bridged, channel)
	}
	return callResponse{
		CallID:            sess.CallID,
		Status:            string(sess.Status),
		CallerChannel:     sess.CallerChannel,
		AgentChannel:      sess.AgentChannel,
		CallerExtension:   sess.CallerExtension,
		AgentExtension:    sess.AgentExtension,
		BridgeID:          sess.BridgeID,
		BridgedChannels:   bridged,
		RecordingName:     sess.RecordingName,
		RecordingFinished: sess.RecordingFinished,
	}
}

// handleListCalls returns every live call session.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.List(r.Context())
	if err != nil {
		slog.Error("list calls: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]callResponse, len(sessions))
	for i, sess := range sessions {
		items[i] = toCallResponse(sess)
	}

	writeJSON(w, http.StatusOK, items)
}

// handleGetCall returns one live call session by call id.
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "id")
	if callID == "" {
		writeError(w, http.StatusBadRequest, "invalid call id")
		return
	}

	sess, err := s.sessions.Get(r.Context(), callID)
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}
	if err != nil {
		slog.Error("get call: failed to query", "error", err, "call_id", callID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, toCallResponse(sess))
}
