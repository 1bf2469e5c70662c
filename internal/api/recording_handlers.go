package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/callsight/callsight/internal/database"
	"github.com/callsight/callsight/internal/database/models"
)

// recordingResponse is the JSON view of one archived recording.
type recordingResponse struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
	UploadedBy  string `json:"uploaded_by"`
	UploadedAt  string `json:"uploaded_at"`
}

func toRecordingResponse(d *models.Document) recordingResponse {
	return recordingResponse{
		ID:          d.ID,
		Name:        d.Name,
		Size:        d.Size,
		ContentType: d.ContentType,
		UploadedBy:  d.UploadedBy,
		UploadedAt:  d.UploadedAt.Format(time.RFC3339),
	}
}

// handleListRecordings returns archived recordings with pagination.
func (s *Server) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	docs, err := s.documents.List(r.Context())
	if err != nil {
		slog.Error("list recordings: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	all := make([]recordingResponse, len(docs))
	for i := range docs {
		all[i] = toRecordingResponse(&docs[i])
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  paginate(all, pg),
		Total:  len(all),
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// handleDownloadRecording streams an archived recording from the blob store.
func (s *Server) handleDownloadRecording(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid recording id")
		return
	}

	doc, err := s.documents.GetByID(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "recording not found")
		return
	}
	if err != nil {
		slog.Error("download recording: failed to query", "error", err, "recording_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	blob, err := s.blobs.Open(r.Context(), doc.Name)
	if errors.Is(err, os.ErrNotExist) {
		slog.Warn("download recording: blob missing", "recording_id", id, "name", doc.Name)
		writeError(w, http.StatusNotFound, "recording file not found")
		return
	}
	if err != nil {
		slog.Error("download recording: failed to open blob", "error", err, "recording_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer blob.Close()

	contentType := doc.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(doc.Size, 10))
	w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(doc.Name))

	if _, err := io.Copy(w, blob); err != nil {
		slog.Error("download recording: stream interrupted", "error", err, "recording_id", id)
	}
}
