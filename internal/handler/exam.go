package handler

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/assessor/internal/apperr"
	"github.com/pavelanni/assessor/internal/model"
	"github.com/pavelanni/assessor/internal/store"
)

// currentUser returns the user set by requireAuth.
func currentUser(r *http.Request) *model.User {
	return model.UserFromContext(r.Context())
}

func (h *Handler) handleListExams(w http.ResponseWriter, r *http.Request) {
	exams, err := h.svc.ListExams(r.Context(), currentUser(r).ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exams)
}

type startRequest struct {
	ExamID string `json:"examId"`
}

func (h *Handler) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.ExamID == "" {
		writeError(w, r, fmt.Errorf("examId is required: %w", apperr.ErrInvalidInput))
		return
	}
	sess, resumed, err := h.svc.Start(r.Context(), currentUser(r).ID, req.ExamID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if resumed {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{"session": sess, "resumed": resumed})
}

func (h *Handler) handleGetAttempt(w http.ResponseWriter, r *http.Request) {
	a, err := h.svc.GetAttempt(r.Context(), currentUser(r).ID, chi.URLParam(r, "examID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type answerRequest struct {
	QuestionID string            `json:"questionId"`
	Answer     model.AnswerValue `json:"answer"`
	TimeSpent  int               `json:"timeSpent"`
}

func (h *Handler) handleSaveAnswer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	err := h.svc.SaveAnswer(r.Context(), currentUser(r).ID, chi.URLParam(r, "sessionID"),
		req.QuestionID, req.Answer, req.TimeSpent)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type timeRequest struct {
	TimeRemaining *int `json:"timeRemaining"`
}

func (h *Handler) handleUpdateTime(w http.ResponseWriter, r *http.Request) {
	var req timeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.TimeRemaining == nil {
		writeError(w, r, fmt.Errorf("timeRemaining is required: %w", apperr.ErrInvalidInput))
		return
	}
	if err := h.svc.UpdateTime(r.Context(), currentUser(r).ID, chi.URLParam(r, "sessionID"), *req.TimeRemaining); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type submitRequest struct {
	Answers []answerRequest `json:"answers"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}
	batch := make([]store.AnswerInput, 0, len(req.Answers))
	for _, a := range req.Answers {
		if a.QuestionID == "" || a.TimeSpent < 0 {
			writeError(w, r, fmt.Errorf("answer needs a question id and non-negative time: %w", apperr.ErrInvalidInput))
			return
		}
		batch = append(batch, store.AnswerInput{QuestionID: a.QuestionID, Value: a.Answer, TimeSpentSeconds: a.TimeSpent})
	}

	res, err := h.svc.Submit(r.Context(), currentUser(r).ID, chi.URLParam(r, "sessionID"), batch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"result":  res.Result,
		"session": res.Session,
	})
}

func (h *Handler) handleResults(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Results(r.Context(), currentUser(r).ID, chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleMyMistakes(w http.ResponseWriter, r *http.Request) {
	mistakes, err := h.store.ListMistakes(r.Context(), currentUser(r).ID)
	if err != nil {
		writeError(w, r, fmt.Errorf("list mistakes: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mistakes": mistakes})
}

func (h *Handler) handleMyHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.store.ListScoreHistory(r.Context(), currentUser(r).ID)
	if err != nil {
		writeError(w, r, fmt.Errorf("list score history: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": history})
}
