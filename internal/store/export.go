package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/assessor/internal/apperr"
	"github.com/pavelanni/assessor/internal/model"
)

// ExportExamResults builds export-ready results of every submitted session of an exam.
func (s *Store) ExportExamResults(ctx context.Context, examID string) (model.ResultsExport, error) {
	exam, err := s.GetExam(ctx, examID)
	if err != nil {
		return model.ResultsExport{}, err
	}
	questions, err := s.ListQuestions(ctx, examID)
	if err != nil {
		return model.ResultsExport{}, fmt.Errorf("list questions: %w", err)
	}
	sessions, err := s.ListSubmittedSessions(ctx, examID)
	if err != nil {
		return model.ResultsExport{}, fmt.Errorf("list sessions: %w", err)
	}

	out := model.ResultsExport{
		ExamID:     exam.ID,
		ExamTitle:  exam.Title,
		Subject:    exam.Subject,
		TotalMarks: exam.TotalMarks,
		ExportedAt: time.Now(),
	}
	for _, sess := range sessions {
		answers, err := s.ListAnswers(ctx, sess.ID)
		if err != nil {
			return out, fmt.Errorf("list answers of %s: %w", sess.ID, err)
		}

		username, displayName := sess.UserID, ""
		user, err := s.GetUserByID(ctx, sess.UserID)
		switch {
		case err == nil:
			username, displayName = user.Username, user.DisplayName
		case !errors.Is(err, apperr.ErrNotFound):
			return out, fmt.Errorf("get user %s: %w", sess.UserID, err)
		}

		out.Results = append(out.Results, model.StudentResult{
			Username:         username,
			DisplayName:      displayName,
			SessionID:        sess.ID,
			StartedAt:        sess.StartedAt,
			SubmittedAt:      sess.SubmittedAt,
			TotalMarks:       sess.TotalMarksObtained,
			Percentage:       sess.Percentage,
			Grade:            sess.Grade,
			Passed:           sess.Passed,
			SubjectiveGraded: sess.SubjectiveGraded,
			Questions:        QuestionResults(questions, answers, true),
		})
	}
	return out, nil
}

// QuestionResults joins questions with a session's answers. With reveal, answer
// keys and explanations are included.
func QuestionResults(questions []model.Question, answers []model.Answer, reveal bool) []model.QuestionResult {
	byQ := make(map[string]model.Answer, len(answers))
	for _, a := range answers {
		byQ[a.QuestionID] = a
	}
	out := make([]model.QuestionResult, 0, len(questions))
	for _, q := range questions {
		qr := model.QuestionResult{
			QuestionID: q.ID,
			Number:     q.Number,
			Type:       q.Type,
			Prompt:     q.Prompt,
			Options:    q.Options,
			Topic:      q.Topic,
			Difficulty: q.Difficulty,
			Marks:      q.Marks,
		}
		if reveal {
			qr.CorrectAnswer = q.AnswerText()
			qr.Explanation = q.Explanation
		}
		if a, ok := byQ[q.ID]; ok {
			qr.UserAnswer = a.Value
			qr.IsCorrect = a.IsCorrect
			qr.MarksObtained = a.MarksObtained
			qr.GraderFeedback = a.GraderFeedback
			qr.Graded = a.Graded
		}
		out = append(out, qr)
	}
	return out
}
