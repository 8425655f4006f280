package attempt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/pavelanni/assessor/internal/apperr"
	"github.com/pavelanni/assessor/internal/grading"
	"github.com/pavelanni/assessor/internal/model"
)

// SubjectiveGrade is a grade for one subjective answer.
type SubjectiveGrade struct {
	Marks    float64
	Feedback string
}

// Grader grades subjective answers outside the engine, for example with an LLM.
type Grader interface {
	GradeSubjective(ctx context.Context, q model.Question, answer string) (SubjectiveGrade, error)
}

// ErrNoGrader is returned by AutoGradeSubjective when no grader is configured.
var ErrNoGrader = errors.New("no subjective grader configured")

// ApplySubjectiveGrade records a grade for a subjective answer of a submitted
// session and recomputes the session score. Marks are clamped to the
// question's maximum; an answer counts as correct with at least half marks.
func (s *Service) ApplySubjectiveGrade(ctx context.Context, sessionID, questionID string, g SubjectiveGrade) (model.Session, error) {
	if math.IsNaN(g.Marks) || math.IsInf(g.Marks, 0) {
		return model.Session{}, fmt.Errorf("marks must be a number: %w", apperr.ErrInvalidInput)
	}
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return model.Session{}, err
	}
	exam, err := s.catalog.GetExam(ctx, sess.ExamID)
	if err != nil {
		return model.Session{}, fmt.Errorf("get exam: %w", err)
	}
	questions, err := s.catalog.ListQuestions(ctx, sess.ExamID)
	if err != nil {
		return model.Session{}, fmt.Errorf("list questions: %w", err)
	}
	var target *model.Question
	for i := range questions {
		if questions[i].ID == questionID {
			target = &questions[i]
			break
		}
	}
	if target == nil {
		return model.Session{}, fmt.Errorf("question %s in exam %s: %w", questionID, exam.ID, apperr.ErrNotFound)
	}
	if !target.Subjective() {
		return model.Session{}, fmt.Errorf("question %s is graded automatically: %w", questionID, apperr.ErrInvalidInput)
	}

	marks := math.Max(0, math.Min(g.Marks, target.Marks))
	correct := marks*2 >= target.Marks
	params := grading.ParamsFor(exam, s.cfg.GradeScale)

	updated, err := s.store.RegradeSession(ctx, sessionID, func(answers []model.Answer) (model.SessionScore, []model.AnswerGrade, error) {
		found := false
		for i := range answers {
			if answers[i].QuestionID != questionID {
				continue
			}
			if answers[i].Value.IsEmpty() {
				break
			}
			answers[i].Graded = true
			answers[i].MarksObtained = marks
			answers[i].IsCorrect = &correct
			answers[i].GraderFeedback = g.Feedback
			found = true
		}
		if !found {
			return model.SessionScore{}, nil, fmt.Errorf("question %s was not answered: %w", questionID, apperr.ErrInvalidInput)
		}
		r, err := s.engine.Grade(questions, answers, params)
		if err != nil {
			return model.SessionScore{}, nil, err
		}
		return r.Score(), r.AnswerGrades(), nil
	})
	if err != nil {
		return model.Session{}, err
	}
	slog.Info("subjective grade applied", "session", sessionID, "question", questionID,
		"marks", marks, "percentage", updated.Percentage, "subjective_graded", updated.SubjectiveGraded)
	return updated, nil
}

// AutoGradeReport summarizes an AutoGradeSubjective run.
type AutoGradeReport struct {
	Graded  int           `json:"graded"`
	Failed  int           `json:"failed"`
	Session model.Session `json:"session"`
}

// AutoGradeSubjective asks the configured Grader to grade every answered,
// ungraded subjective question of a submitted session. Individual grader
// failures are logged and counted; the remaining answers are still graded.
func (s *Service) AutoGradeSubjective(ctx context.Context, sessionID string) (AutoGradeReport, error) {
	if s.grader == nil {
		return AutoGradeReport{}, ErrNoGrader
	}
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return AutoGradeReport{}, err
	}
	if sess.State != model.StateSubmitted {
		return AutoGradeReport{}, fmt.Errorf("session %s: %w", sessionID, apperr.ErrNotSubmitted)
	}
	questions, err := s.catalog.ListQuestions(ctx, sess.ExamID)
	if err != nil {
		return AutoGradeReport{}, fmt.Errorf("list questions: %w", err)
	}
	answers, err := s.store.ListAnswers(ctx, sessionID)
	if err != nil {
		return AutoGradeReport{}, fmt.Errorf("list answers: %w", err)
	}
	aByQ := make(map[string]model.Answer, len(answers))
	for _, a := range answers {
		aByQ[a.QuestionID] = a
	}

	report := AutoGradeReport{Session: sess}
	for _, q := range questions {
		a, ok := aByQ[q.ID]
		if !q.Subjective() || !ok || a.Graded || a.Value.IsEmpty() {
			continue
		}
		g, err := s.grader.GradeSubjective(ctx, q, a.Value.String())
		if err != nil {
			slog.Error("subjective grader failed", "session", sessionID, "question", q.ID, "error", err)
			report.Failed++
			continue
		}
		updated, err := s.ApplySubjectiveGrade(ctx, sessionID, q.ID, g)
		if err != nil {
			return report, err
		}
		report.Session = updated
		report.Graded++
	}
	return report, nil
}
