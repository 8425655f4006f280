package attempt

import (
	"context"
	"fmt"

	"github.com/pavelanni/assessor/internal/apperr"
	"github.com/pavelanni/assessor/internal/model"
	"github.com/pavelanni/assessor/internal/store"
)

// Results is the review of a submitted session.
type Results struct {
	Session   model.Session          `json:"session"`
	Exam      model.Exam             `json:"exam"`
	Questions []model.QuestionResult `json:"questions"`
}

// Results returns the caller's graded answers with the correct answers revealed.
// Only submitted sessions have results.
func (s *Service) Results(ctx context.Context, userID, sessionID string) (*Results, error) {
	sess, err := s.ownedSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	return s.results(ctx, sess)
}

// SessionResults is Results without the ownership check, for reviewers.
func (s *Service) SessionResults(ctx context.Context, sessionID string) (*Results, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.results(ctx, sess)
}

func (s *Service) results(ctx context.Context, sess model.Session) (*Results, error) {
	if sess.State != model.StateSubmitted {
		return nil, fmt.Errorf("session %s: %w", sess.ID, apperr.ErrNotSubmitted)
	}
	exam, err := s.catalog.GetExam(ctx, sess.ExamID)
	if err != nil {
		return nil, fmt.Errorf("get exam: %w", err)
	}
	questions, err := s.catalog.ListQuestions(ctx, sess.ExamID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	answers, err := s.store.ListAnswers(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	return &Results{
		Session:   sess,
		Exam:      exam,
		Questions: store.QuestionResults(questions, answers, true),
	}, nil
}
