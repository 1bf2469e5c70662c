package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/callsight/callsight/internal/database"
	"github.com/callsight/callsight/internal/database/models"
)

// extensionRequest is the JSON request body for creating/updating an extension.
type extensionRequest struct {
	Extension string `json:"extension"`
	Number    string `json:"number"`
}

// extensionResponse is the JSON response for a single extension.
type extensionResponse struct {
	ID        int64  `json:"id"`
	Extension string `json:"extension"`
	Number    string `json:"number"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func toExtensionResponse(e *models.Extension) extensionResponse {
	return extensionResponse{
		ID:        e.ID,
		Extension: e.Extension,
		Number:    e.Number,
		CreatedAt: e.CreatedAt.Format(time.RFC3339),
		UpdatedAt: e.UpdatedAt.Format(time.RFC3339),
	}
}

// handleListExtensions returns extensions with pagination.
func (s *Server) handleListExtensions(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	exts, err := s.extensions.List(r.Context())
	if err != nil {
		slog.Error("list extensions: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	all := make([]extensionResponse, len(exts))
	for i := range exts {
		all[i] = toExtensionResponse(&exts[i])
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  paginate(all, pg),
		Total:  len(all),
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// handleCreateExtension creates a new extension. Admin only.
func (s *Server) handleCreateExtension(w http.ResponseWriter, r *http.Request) {
	var req extensionRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	if errMsg := validateExtensionRequest(req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	ext := &models.Extension{
		Extension: req.Extension,
		Number:    req.Number,
	}

	if err := s.extensions.Create(r.Context(), ext); err != nil {
		slog.Error("create extension: failed to insert", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	created, err := s.extensions.GetByID(r.Context(), ext.ID)
	if err != nil {
		slog.Error("create extension: failed to re-fetch", "error", err, "extension_id", ext.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	slog.Info("extension created", "extension_id", created.ID, "extension", created.Extension)

	writeJSON(w, http.StatusCreated, toExtensionResponse(created))
}

// handleGetExtension returns a single extension by ID.
func (s *Server) handleGetExtension(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid extension id")
		return
	}

	ext, err := s.extensions.GetByID(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "extension not found")
		return
	}
	if err != nil {
		slog.Error("get extension: failed to query", "error", err, "extension_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, toExtensionResponse(ext))
}

// handleUpdateExtension updates an existing extension. Admin only.
func (s *Server) handleUpdateExtension(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid extension id")
		return
	}

	existing, err := s.extensions.GetByID(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "extension not found")
		return
	}
	if err != nil {
		slog.Error("update extension: failed to query", "error", err, "extension_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	var req extensionRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	if errMsg := validateExtensionRequest(req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	existing.Extension = req.Extension
	existing.Number = req.Number

	if err := s.extensions.Update(r.Context(), existing); err != nil {
		slog.Error("update extension: failed to update", "error", err, "extension_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	updated, err := s.extensions.GetByID(r.Context(), id)
	if err != nil {
		slog.Error("update extension: failed to re-fetch", "error", err, "extension_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	slog.Info("extension updated", "extension_id", id, "extension", updated.Extension)

	writeJSON(w, http.StatusOK, toExtensionResponse(updated))
}

// handleDeleteExtension removes an extension by ID. Admin only.
func (s *Server) handleDeleteExtension(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid extension id")
		return
	}

	if err := s.extensions.Delete(r.Context(), id); errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "extension not found")
		return
	} else if err != nil {
		slog.Error("delete extension: failed to delete", "error", err, "extension_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	slog.Info("extension deleted", "extension_id", id)

	w.WriteHeader(http.StatusNoContent)
}

// validateExtensionRequest checks required fields for an extension create/update.
func validateExtensionRequest(req extensionRequest) string {
	if errMsg := validateExtensionNumber("extension", req.Extension); errMsg != "" {
		return errMsg
	}
	if errMsg := validateRequiredStringLen("number", req.Number, maxNameLen); errMsg != "" {
		return errMsg
	}
	return ""
}
