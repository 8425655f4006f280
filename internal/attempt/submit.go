package attempt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pavelanni/assessor/internal/apperr"
	"github.com/pavelanni/assessor/internal/grading"
	"github.com/pavelanni/assessor/internal/model"
	"github.com/pavelanni/assessor/internal/store"
)

// SubmitResult is returned by a successful submission.
type SubmitResult struct {
	Session model.Session   `json:"session"`
	Result  *grading.Result `json:"result"`
}

// Submit finalizes the caller's session. Buffered answers in batch are saved
// first; grading then runs on the stored answer set, not on batch.
//
// Only one concurrent Submit can succeed; the others get ErrAlreadySubmitted.
// A grading failure leaves the session in progress. Mistake log and score
// history writes happen after the session is final and never fail the call.
func (s *Service) Submit(ctx context.Context, userID, sessionID string, batch []store.AnswerInput) (*SubmitResult, error) {
	sess, err := s.ownedSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State.Terminal() {
		return nil, fmt.Errorf("session %s: %w", sessionID, apperr.ErrAlreadySubmitted)
	}
	if len(batch) > 0 {
		if err := s.store.SaveAnswers(ctx, userID, sessionID, batch, s.now()); err != nil {
			return nil, fmt.Errorf("save trailing answers: %w", err)
		}
	}

	exam, err := s.catalog.GetExam(ctx, sess.ExamID)
	if err != nil {
		return nil, fmt.Errorf("get exam: %w", err)
	}
	questions, err := s.catalog.ListQuestions(ctx, sess.ExamID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}

	params := grading.ParamsFor(exam, s.cfg.GradeScale)
	var (
		result *grading.Result
		graded []model.Answer
	)
	now := s.now()
	final, err := s.store.FinalizeSession(ctx, userID, sessionID, now, func(answers []model.Answer) (model.SessionScore, []model.AnswerGrade, error) {
		r, err := s.engine.Grade(questions, answers, params)
		if err != nil {
			return model.SessionScore{}, nil, err
		}
		result, graded = r, answers
		return r.Score(), r.AnswerGrades(), nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("session submitted", "session", sessionID, "user", userID, "exam", exam.ID,
		"percentage", final.Percentage, "grade", final.Grade, "subjective_graded", final.SubjectiveGraded)

	s.writeDerived(ctx, final, exam, questions, graded, result, now)
	return &SubmitResult{Session: final, Result: result}, nil
}

// writeDerived records mistakes and then score history, logging failures.
// The history row marks the session as done, so it is skipped when the
// mistakes could not be written and Reconcile will retry both.
func (s *Service) writeDerived(ctx context.Context, sess model.Session, exam model.Exam, questions []model.Question, answers []model.Answer, r *grading.Result, now time.Time) (mistakes int, history bool) {
	entries := BuildMistakes(sess, exam, questions, answers, r, now)
	if len(entries) > 0 {
		n, err := s.store.RecordMistakes(ctx, entries)
		if err != nil {
			slog.Error("derived write failed", "kind", "mistake_log", "session", sess.ID,
				"error", fmt.Errorf("%w: %v", apperr.ErrDerivedWrite, err))
			return 0, false
		}
		mistakes = n
	}
	history, err := s.store.AppendScoreHistory(ctx, BuildScoreHistory(sess, exam, questions, answers, r, now))
	if err != nil {
		slog.Error("derived write failed", "kind", "score_history", "session", sess.ID,
			"error", fmt.Errorf("%w: %v", apperr.ErrDerivedWrite, err))
	}
	return mistakes, history
}

// BuildMistakes returns one entry per answered objective question graded incorrect.
// Unanswered and subjective questions produce none.
func BuildMistakes(sess model.Session, exam model.Exam, questions []model.Question, answers []model.Answer, r *grading.Result, now time.Time) []model.MistakeLogEntry {
	qByID := make(map[string]model.Question, len(questions))
	for _, q := range questions {
		qByID[q.ID] = q
	}
	aByQ := make(map[string]model.Answer, len(answers))
	for _, a := range answers {
		aByQ[a.QuestionID] = a
	}
	var out []model.MistakeLogEntry
	for _, qr := range r.PerQuestion {
		if qr.Subjective || !qr.Answered || qr.IsCorrect == nil || *qr.IsCorrect {
			continue
		}
		q := qByID[qr.QuestionID]
		a := aByQ[qr.QuestionID]
		out = append(out, model.MistakeLogEntry{
			UserID:           sess.UserID,
			SessionID:        sess.ID,
			ExamID:           exam.ID,
			QuestionID:       q.ID,
			QuestionText:     q.Prompt,
			QuestionType:     q.Type,
			UserAnswer:       a.Value.String(),
			CorrectAnswer:    q.AnswerText(),
			Explanation:      q.Explanation,
			Subject:          exam.Subject,
			Topic:            q.Topic,
			Difficulty:       q.Difficulty,
			TimeSpentSeconds: a.TimeSpentSeconds,
			CreatedAt:        now,
		})
	}
	return out
}

// BuildScoreHistory summarizes a graded session.
func BuildScoreHistory(sess model.Session, exam model.Exam, questions []model.Question, answers []model.Answer, r *grading.Result, now time.Time) model.ScoreHistoryEntry {
	h := model.ScoreHistoryEntry{
		UserID:          sess.UserID,
		SessionID:       sess.ID,
		SourceType:      model.ScoreSourceExam,
		SourceID:        exam.ID,
		Subject:         exam.Subject,
		ScorePercentage: r.Percentage,
		TotalQuestions:  len(questions),
		CreatedAt:       now,
	}
	for _, qr := range r.PerQuestion {
		if qr.Answered {
			h.AnsweredCount++
		}
		if qr.IsCorrect != nil && *qr.IsCorrect {
			h.CorrectCount++
		}
	}
	for _, a := range answers {
		h.TimeSpentSeconds += a.TimeSpentSeconds
	}
	return h
}
