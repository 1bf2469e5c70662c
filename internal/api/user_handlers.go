package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/callsight/callsight/internal/database"
	"github.com/callsight/callsight/internal/database/models"
)

// userRequest is the JSON request body for creating/updating a user.
type userRequest struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	Role      string `json:"role"`
	Extension string `json:"extension"`
}

// userResponse is the JSON response for a single user. The password hash
// is never returned.
type userResponse struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	Extension string `json:"extension"`
	LastLogin string `json:"last_login,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func toUserResponse(u *models.User) userResponse {
	resp := userResponse{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		Role:      u.Role,
		Extension: u.Extension,
		CreatedAt: u.CreatedAt.Format(time.RFC3339),
		UpdatedAt: u.UpdatedAt.Format(time.RFC3339),
	}
	if u.LastLogin != nil {
		resp.LastLogin = u.LastLogin.Format(time.RFC3339)
	}
	return resp
}

// handleListUsers returns users with pagination.
func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	users, err := s.users.List(r.Context())
	if err != nil {
		slog.Error("list users: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	all := make([]userResponse, len(users))
	for i := range users {
		all[i] = toUserResponse(&users[i])
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  paginate(all, pg),
		Total:  len(all),
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// handleCreateUser creates a new user. Admin only.
func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	if errMsg := validateUserRequest(req, true); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	hash, err := database.HashPassword(req.Password)
	if err != nil {
		slog.Error("create user: failed to hash password", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	user := &models.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
		Role:         req.Role,
		Extension:    req.Extension,
	}

	if err := s.users.Create(r.Context(), user); err != nil {
		slog.Error("create user: failed to insert", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	created, err := s.users.GetByID(r.Context(), user.ID)
	if err != nil {
		slog.Error("create user: failed to re-fetch", "error", err, "user_id", user.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	slog.Info("user created", "user_id", created.ID, "username", created.Username, "role", created.Role)

	writeJSON(w, http.StatusCreated, toUserResponse(created))
}

// handleGetUser returns a single user by ID.
func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	user, err := s.users.GetByID(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		slog.Error("get user: failed to query", "error", err, "user_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, toUserResponse(user))
}

// handleUpdateUser updates an existing user. Admin only.
func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	existing, err := s.users.GetByID(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		slog.Error("update user: failed to query", "error", err, "user_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	var req userRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	if errMsg := validateUserRequest(req, false); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	existing.Username = req.Username
	existing.Email = req.Email
	existing.Role = req.Role
	existing.Extension = req.Extension

	// Only replace the password when a new one is provided.
	if req.Password != "" {
		hash, err := database.HashPassword(req.Password)
		if err != nil {
			slog.Error("update user: failed to hash password", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		existing.PasswordHash = hash
	}

	if err := s.users.Update(r.Context(), existing); err != nil {
		slog.Error("update user: failed to update", "error", err, "user_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	updated, err := s.users.GetByID(r.Context(), id)
	if err != nil {
		slog.Error("update user: failed to re-fetch", "error", err, "user_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	slog.Info("user updated", "user_id", id, "username", updated.Username)

	writeJSON(w, http.StatusOK, toUserResponse(updated))
}

// handleDeleteUser removes a user by ID. Admin only.
func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	if err := s.users.Delete(r.Context(), id); errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	} else if err != nil {
		slog.Error("delete user: failed to delete", "error", err, "user_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	slog.Info("user deleted", "user_id", id)

	w.WriteHeader(http.StatusNoContent)
}

// parseIDParam extracts and parses the numeric id URL parameter.
func parseIDParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

// validateUserRequest checks required fields for a user create/update.
// isCreate controls whether the password is required.
func validateUserRequest(req userRequest, isCreate bool) string {
	if errMsg := validateRequiredStringLen("username", req.Username, maxNameLen); errMsg != "" {
		return errMsg
	}
	if errMsg := validateEmail("email", req.Email); errMsg != "" {
		return errMsg
	}
	if isCreate && req.Password == "" {
		return "password is required"
	}
	if req.Password != "" {
		if errMsg := validatePassword("password", req.Password); errMsg != "" {
			return errMsg
		}
	}
	if req.Role != models.RoleAdmin && req.Role != models.RoleAgent {
		return "role must be \"admin\" or \"agent\""
	}
	if req.Extension != "" {
		if errMsg := validateExtensionNumber("extension", req.Extension); errMsg != "" {
			return errMsg
		}
	}
	return ""
}
