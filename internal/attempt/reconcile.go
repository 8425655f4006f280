package attempt

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pavelanni/assessor/internal/grading"
	"github.com/pavelanni/assessor/internal/model"
)

// ReconcileReport counts what a Reconcile run repaired.
type ReconcileReport struct {
	Sessions int
	Mistakes int
	History  int
	Failed   int
}

// Reconcile replays the derived writes of up to limit submitted sessions that
// have no score history row. Grades are recomputed from the stored answers with
// any reviewer marks on subjective questions stripped, so the rows carry the
// score as it stood at submission. Writes skip rows that already exist, so
// running it repeatedly is safe.
func (s *Service) Reconcile(ctx context.Context, limit int) (ReconcileReport, error) {
	var rep ReconcileReport
	sessions, err := s.store.ListSessionsMissingHistory(ctx, limit)
	if err != nil {
		return rep, fmt.Errorf("list sessions missing history: %w", err)
	}
	for _, sess := range sessions {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Sessions++
		exam, err := s.catalog.GetExam(ctx, sess.ExamID)
		if err != nil {
			slog.Error("reconcile: get exam", "session", sess.ID, "error", err)
			rep.Failed++
			continue
		}
		questions, err := s.catalog.ListQuestions(ctx, sess.ExamID)
		if err != nil {
			slog.Error("reconcile: list questions", "session", sess.ID, "error", err)
			rep.Failed++
			continue
		}
		answers, err := s.store.ListAnswers(ctx, sess.ID)
		if err != nil {
			slog.Error("reconcile: list answers", "session", sess.ID, "error", err)
			rep.Failed++
			continue
		}
		answers = submittedAnswers(questions, answers)
		r, err := s.engine.Grade(questions, answers, grading.ParamsFor(exam, s.cfg.GradeScale))
		if err != nil {
			slog.Error("reconcile: grade", "session", sess.ID, "error", err)
			rep.Failed++
			continue
		}
		at := s.now()
		if sess.SubmittedAt != nil {
			at = *sess.SubmittedAt
		}
		m, h := s.writeDerived(ctx, sess, exam, questions, answers, r, at)
		rep.Mistakes += m
		if h {
			rep.History++
		}
	}
	if rep.Sessions > 0 {
		slog.Info("reconcile finished", "sessions", rep.Sessions, "mistakes", rep.Mistakes,
			"history", rep.History, "failed", rep.Failed)
	}
	return rep, nil
}

// submittedAnswers returns a copy of answers with the grades of subjective
// questions cleared, as they were when the session was submitted.
func submittedAnswers(questions []model.Question, answers []model.Answer) []model.Answer {
	subjective := make(map[string]bool, len(questions))
	for _, q := range questions {
		if q.Subjective() {
			subjective[q.ID] = true
		}
	}
	out := make([]model.Answer, len(answers))
	copy(out, answers)
	for i := range out {
		if !subjective[out[i].QuestionID] {
			continue
		}
		out[i].Graded = false
		out[i].IsCorrect = nil
		out[i].MarksObtained = 0
		out[i].GraderFeedback = ""
	}
	return out
}
