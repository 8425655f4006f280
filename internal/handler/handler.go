// Package handler serves the JSON API of the assessment engine.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/pavelanni/assessor/internal/apperr"
	"github.com/pavelanni/assessor/internal/attempt"
	"github.com/pavelanni/assessor/internal/auth"
	appI18n "github.com/pavelanni/assessor/internal/i18n"
	"github.com/pavelanni/assessor/internal/model"
	"github.com/pavelanni/assessor/internal/store"
)

// maxBodyBytes limits request bodies; a full submission batch fits easily.
const maxBodyBytes = 1 << 20

// Config holds transport settings.
type Config struct {
	Lang           string
	CORSOrigins    []string
	SecureCookies  bool
	RequestTimeout time.Duration
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store  *store.Store
	svc    *attempt.Service
	tokens *auth.TokenService
	config Config
}

// New creates a new Handler.
func New(s *store.Store, svc *attempt.Service, tokens *auth.TokenService, cfg Config) *Handler {
	if cfg.Lang == "" {
		cfg.Lang = "en"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	return &Handler{store: s, svc: svc, tokens: tokens, config: cfg}
}

// Router returns the complete HTTP handler with middleware installed.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(h.config.RequestTimeout))
	if len(h.config.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   h.config.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Accept-Language", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	r.Use(appI18n.Middleware(h.config.Lang))
	h.Routes(r)
	return r
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", h.handleLogin)
		r.Post("/auth/logout", h.handleLogout)

		r.Group(func(r chi.Router) {
			r.Use(h.requireAuth)

			r.Get("/exams", h.handleListExams)
			r.Get("/exams/{examID}/attempt", h.handleGetAttempt)
			r.Post("/sessions", h.handleStartSession)
			r.Put("/sessions/{sessionID}/answers", h.handleSaveAnswer)
			r.Put("/sessions/{sessionID}/time", h.handleUpdateTime)
			r.Post("/sessions/{sessionID}/submit", h.handleSubmit)
			r.Get("/sessions/{sessionID}/results", h.handleResults)
			r.Get("/me/mistakes", h.handleMyMistakes)
			r.Get("/me/history", h.handleMyHistory)

			r.Route("/review", func(r chi.Router) {
				r.Use(requireRole(model.UserRoleTeacher, model.UserRoleAdmin))
				r.Get("/sessions/{sessionID}", h.handleReviewSession)
				r.Post("/sessions/{sessionID}/questions/{questionID}/grade", h.handleGradeAnswer)
				r.Post("/sessions/{sessionID}/autograde", h.handleAutoGrade)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(requireRole(model.UserRoleAdmin))
				r.Get("/users", h.handleListUsers)
				r.Post("/users", h.handleCreateUser)
				r.Post("/users/{userID}/toggle", h.handleToggleUserActive)
			})
		})
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		slog.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeError maps err onto the API's status, code and localized message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	code := apperr.Code(err)
	msgID := messageID(code)
	if errors.Is(err, attempt.ErrNoGrader) {
		status, code, msgID = http.StatusServiceUnavailable, "no_grader", "ErrorNoGrader"
	}
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()), "error", err)
	}
	writeJSON(w, status, errorResponse{Error: appI18n.T(r.Context(), msgID), Code: code})
}

var messageIDs = map[string]string{
	"unauthorized":      "ErrorUnauthorized",
	"forbidden":         "ErrorForbidden",
	"not_found":         "ErrorNotFound",
	"exam_not_open":     "ErrorExamNotOpen",
	"exam_closed":       "ErrorExamClosed",
	"out_of_window":     "ErrorOutOfWindow",
	"already_submitted": "ErrorAlreadySubmitted",
	"not_submitted":     "ErrorNotSubmitted",
	"invalid_input":     "ErrorInvalidInput",
	"grading_failure":   "ErrorGradingFailure",
}

func messageID(code string) string {
	if id, ok := messageIDs[code]; ok {
		return id
	}
	return "ErrorInternal"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

// decodeJSON reads a single JSON object from the request body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode body: %v: %w", err, apperr.ErrInvalidInput)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("body must hold a single JSON object: %w", apperr.ErrInvalidInput)
	}
	return nil
}
