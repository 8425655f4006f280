package handler

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/assessor/internal/apperr"
	"github.com/pavelanni/assessor/internal/attempt"
	appI18n "github.com/pavelanni/assessor/internal/i18n"
	"github.com/pavelanni/assessor/internal/model"
)

func (h *Handler) handleReviewSession(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.SessionResults(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type gradeRequest struct {
	Marks    *float64 `json:"marks"`
	Feedback string   `json:"feedback"`
}

func (h *Handler) handleGradeAnswer(w http.ResponseWriter, r *http.Request) {
	var req gradeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Marks == nil {
		writeError(w, r, fmt.Errorf("marks are required: %w", apperr.ErrInvalidInput))
		return
	}
	sessionID, questionID := chi.URLParam(r, "sessionID"), chi.URLParam(r, "questionID")
	sess, err := h.svc.ApplySubjectiveGrade(r.Context(), sessionID, questionID,
		attempt.SubjectiveGrade{Marks: *req.Marks, Feedback: req.Feedback})
	if err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("answer graded by reviewer", "reviewer", currentUser(r).ID, "session", sessionID, "question", questionID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "session": sess})
}

func (h *Handler) handleAutoGrade(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.AutoGradeSubjective(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"report":  report,
		"message": appI18n.Tp(r.Context(), "AnswersGraded", report.Graded),
	})
}

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers(r.Context())
	if err != nil {
		writeError(w, r, fmt.Errorf("list users: %w", err))
		return
	}
	out := make([]userView, 0, len(users))
	for i := range users {
		out = append(out, newUserView(&users[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": out})
}

type createUserRequest struct {
	Username    string         `json:"username"`
	DisplayName string         `json:"displayName"`
	Password    string         `json:"password"`
	Role        model.UserRole `json:"role"`
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, r, fmt.Errorf("username and password required: %w", apperr.ErrInvalidInput))
		return
	}
	switch req.Role {
	case "":
		req.Role = model.UserRoleStudent
	case model.UserRoleStudent, model.UserRoleTeacher, model.UserRoleAdmin:
	default:
		writeError(w, r, fmt.Errorf("unknown role %q: %w", req.Role, apperr.ErrInvalidInput))
		return
	}
	if req.DisplayName == "" {
		req.DisplayName = req.Username
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, r, fmt.Errorf("hash password: %w", err))
		return
	}
	u := model.User{
		Username:     req.Username,
		DisplayName:  req.DisplayName,
		PasswordHash: string(hash),
		Role:         req.Role,
		Active:       true,
	}
	id, err := h.store.CreateUser(r.Context(), u)
	if err != nil {
		writeError(w, r, fmt.Errorf("create user: %w", err))
		return
	}
	u.ID = id
	writeJSON(w, http.StatusCreated, newUserView(&u))
}

func (h *Handler) handleToggleUserActive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "userID")
	if id == currentUser(r).ID {
		writeError(w, r, fmt.Errorf("cannot deactivate yourself: %w", apperr.ErrInvalidInput))
		return
	}
	if err := h.store.ToggleUserActive(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
