package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pavelanni/assessor/internal/apperr"
	"github.com/pavelanni/assessor/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insertTestExam(t *testing.T, s *Store) model.Exam {
	t.Helper()
	e := model.Exam{
		ID: "exam-1", Title: "Biology", Subject: "biology", DurationMinutes: 30,
		TotalMarks: 10, PassingMarks: 5, Status: model.ExamPublished,
		GradeScale: model.DefaultGradeScale,
	}
	questions := []model.Question{
		{
			ID: "q1", Number: 1, Type: model.QuestionMultipleChoice, Prompt: "Pick B", Marks: 5,
			Options:       []model.Option{{Key: "A", Text: "alpha"}, {Key: "B", Text: "beta"}},
			CorrectAnswer: "B", Topic: "cells", Difficulty: model.DifficultyEasy,
		},
		{ID: "q2", Number: 2, Type: model.QuestionEssay, Prompt: "Discuss", Marks: 5},
	}
	if err := s.PutExam(context.Background(), e, questions); err != nil {
		t.Fatalf("PutExam: %v", err)
	}
	return e
}

func noopGrade(answers []model.Answer) (model.SessionScore, []model.AnswerGrade, error) {
	return model.SessionScore{Grade: "F"}, nil, nil
}

func TestExamCatalog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertTestExam(t, s)

	e, err := s.GetExam(ctx, "exam-1")
	if err != nil {
		t.Fatalf("GetExam: %v", err)
	}
	if e.Title != "Biology" || e.DurationMinutes != 30 || len(e.GradeScale) != 4 {
		t.Errorf("unexpected exam: %+v", e)
	}
	if e.StartDate != nil {
		t.Errorf("expected nil start date, got %v", e.StartDate)
	}

	qs, err := s.ListQuestions(ctx, "exam-1")
	if err != nil {
		t.Fatalf("ListQuestions: %v", err)
	}
	if len(qs) != 2 || qs[0].ID != "q1" || len(qs[0].Options) != 2 {
		t.Fatalf("unexpected questions: %+v", qs)
	}

	if _, err := s.GetExam(ctx, "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	// Drafts are hidden from the published listing.
	if err := s.PutExam(ctx, model.Exam{ID: "draft", Title: "Draft", DurationMinutes: 5}, nil); err != nil {
		t.Fatalf("PutExam draft: %v", err)
	}
	published, _ := s.ListExams(ctx, true)
	all, _ := s.ListExams(ctx, false)
	if len(published) != 1 || len(all) != 2 {
		t.Errorf("expected 1 published and 2 total, got %d and %d", len(published), len(all))
	}
}

func TestPutExamDropsRemovedQuestions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := insertTestExam(t, s)
	qs, _ := s.ListQuestions(ctx, e.ID)

	e.TotalMarks = 5
	if err := s.PutExam(ctx, e, qs[:1]); err != nil {
		t.Fatalf("PutExam: %v", err)
	}
	got, err := s.ListQuestions(ctx, e.ID)
	if err != nil {
		t.Fatalf("ListQuestions: %v", err)
	}
	if len(got) != 1 || got[0].ID != "q1" {
		t.Errorf("expected only q1 after re-import, got %+v", got)
	}
}

func TestPutExamRefusesRemovingAnsweredQuestion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := insertTestExam(t, s)
	qs, _ := s.ListQuestions(ctx, e.ID)
	sess, _, _ := s.StartSession(ctx, "u1", e.ID, 1800, time.Now())
	err := s.SaveAnswers(ctx, "u1", sess.ID, []AnswerInput{{QuestionID: "q2", Value: model.TextAnswer("essay")}}, time.Now())
	if err != nil {
		t.Fatalf("SaveAnswers: %v", err)
	}

	renamed := e
	renamed.Title = "Biology II"
	if err := s.PutExam(ctx, renamed, qs[:1]); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	// The refused import leaves the catalog untouched.
	got, _ := s.ListQuestions(ctx, e.ID)
	stored, _ := s.GetExam(ctx, e.ID)
	if len(got) != 2 || stored.Title != "Biology" {
		t.Errorf("catalog changed by refused import: %d questions, title %q", len(got), stored.Title)
	}
}

func TestStartSessionIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertTestExam(t, s)
	now := time.Now()

	first, created, err := s.StartSession(ctx, "u1", "exam-1", 1800, now)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if !created || first.State != model.StateInProgress || first.TimeRemainingSeconds != 1800 {
		t.Fatalf("unexpected first session: created=%v %+v", created, first)
	}

	if err := s.UpdateTimeRemaining(ctx, "u1", first.ID, 1200); err != nil {
		t.Fatalf("UpdateTimeRemaining: %v", err)
	}

	second, created, err := s.StartSession(ctx, "u1", "exam-1", 1800, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("StartSession again: %v", err)
	}
	if created {
		t.Error("second start should not create a session")
	}
	if second.ID != first.ID {
		t.Errorf("expected same session %s, got %s", first.ID, second.ID)
	}
	if second.TimeRemainingSeconds != 1200 {
		t.Errorf("timer was reset: got %d, want 1200", second.TimeRemainingSeconds)
	}
}

func TestSaveAnswersUpserts(t *testing.T) {
	testSaveAnswersUpserts(t, newTestStore(t))
}

func testSaveAnswersUpserts(t *testing.T, s *Store) {
	ctx := context.Background()
	insertTestExam(t, s)
	sess, _, _ := s.StartSession(ctx, "u1", "exam-1", 1800, time.Now())

	save := func(v model.AnswerValue, spent int) {
		t.Helper()
		err := s.SaveAnswers(ctx, "u1", sess.ID, []AnswerInput{{QuestionID: "q1", Value: v, TimeSpentSeconds: spent}}, time.Now())
		if err != nil {
			t.Fatalf("SaveAnswers: %v", err)
		}
	}
	save(model.TextAnswer("A"), 10)
	save(model.TextAnswer("B"), 25)

	answers, err := s.ListAnswers(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListAnswers: %v", err)
	}
	if len(answers) != 1 {
		t.Fatalf("expected 1 answer row, got %d", len(answers))
	}
	a := answers[0]
	// Choice questions store the coerced shape.
	if a.Value.Kind != model.AnswerChoice || a.Value.Choice != "B" || a.TimeSpentSeconds != 25 {
		t.Errorf("unexpected answer: %+v", a)
	}
	if a.IsCorrect != nil {
		t.Errorf("in-progress answer should not be graded, got %v", *a.IsCorrect)
	}
}

func TestSaveAnswersRejects(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertTestExam(t, s)
	sess, _, _ := s.StartSession(ctx, "u1", "exam-1", 1800, time.Now())
	other := model.Exam{ID: "exam-2", Title: "Other", DurationMinutes: 5}
	if err := s.PutExam(ctx, other, []model.Question{{ID: "x1", Number: 1, Type: model.QuestionEssay, Prompt: "?", Marks: 1}}); err != nil {
		t.Fatalf("PutExam: %v", err)
	}

	tests := []struct {
		name    string
		userID  string
		session string
		input   AnswerInput
		want    error
	}{
		{"foreign question", "u1", sess.ID, AnswerInput{QuestionID: "x1", Value: model.TextAnswer("a")}, apperr.ErrNotFound},
		{"wrong shape", "u1", sess.ID, AnswerInput{QuestionID: "q1", Value: model.ChoicesAnswer("A", "B")}, apperr.ErrInvalidInput},
		{"not owner", "u2", sess.ID, AnswerInput{QuestionID: "q1", Value: model.TextAnswer("A")}, apperr.ErrNotFound},
		{"unknown session", "u1", "nope", AnswerInput{QuestionID: "q1", Value: model.TextAnswer("A")}, apperr.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.SaveAnswers(ctx, tt.userID, tt.session, []AnswerInput{tt.input}, time.Now())
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	answers, _ := s.ListAnswers(ctx, sess.ID)
	if len(answers) != 0 {
		t.Errorf("rejected writes must not persist, got %d answers", len(answers))
	}
}

func TestFinalizeSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertTestExam(t, s)
	sess, _, _ := s.StartSession(ctx, "u1", "exam-1", 1800, time.Now())
	_ = s.SaveAnswers(ctx, "u1", sess.ID, []AnswerInput{{QuestionID: "q1", Value: model.ChoiceAnswer("B")}}, time.Now())

	var seen []model.Answer
	correct := true
	grade := func(answers []model.Answer) (model.SessionScore, []model.AnswerGrade, error) {
		seen = answers
		return model.SessionScore{TotalMarksObtained: 5, Percentage: 50, Grade: "F", ObjectiveScore: 5},
			[]model.AnswerGrade{{QuestionID: "q1", IsCorrect: &correct, MarksObtained: 5, Graded: true}}, nil
	}
	done, err := s.FinalizeSession(ctx, "u1", sess.ID, time.Now(), grade)
	if err != nil {
		t.Fatalf("FinalizeSession: %v", err)
	}
	if len(seen) != 1 {
		t.Errorf("grade saw %d answers, want 1", len(seen))
	}
	if done.State != model.StateSubmitted || done.SubmittedAt == nil {
		t.Errorf("expected submitted session, got %+v", done)
	}
	if done.TotalMarksObtained != 5 || done.Percentage != 50 || done.Grade != "F" {
		t.Errorf("score not stored: %+v", done)
	}
	answers, _ := s.ListAnswers(ctx, sess.ID)
	if answers[0].IsCorrect == nil || !*answers[0].IsCorrect || answers[0].MarksObtained != 5 {
		t.Errorf("answer grade not stored: %+v", answers[0])
	}

	// Second submit loses.
	if _, err := s.FinalizeSession(ctx, "u1", sess.ID, time.Now(), noopGrade); !errors.Is(err, apperr.ErrAlreadySubmitted) {
		t.Errorf("expected ErrAlreadySubmitted, got %v", err)
	}
	// Submitted sessions are immutable.
	err = s.SaveAnswers(ctx, "u1", sess.ID, []AnswerInput{{QuestionID: "q1", Value: model.ChoiceAnswer("A")}}, time.Now())
	if !errors.Is(err, apperr.ErrAlreadySubmitted) {
		t.Errorf("expected ErrAlreadySubmitted on save, got %v", err)
	}
	if err := s.UpdateTimeRemaining(ctx, "u1", sess.ID, 10); !errors.Is(err, apperr.ErrAlreadySubmitted) {
		t.Errorf("expected ErrAlreadySubmitted on time update, got %v", err)
	}
}

func TestFinalizeSessionRollsBackOnGradeError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertTestExam(t, s)
	sess, _, _ := s.StartSession(ctx, "u1", "exam-1", 1800, time.Now())

	failing := func([]model.Answer) (model.SessionScore, []model.AnswerGrade, error) {
		return model.SessionScore{}, nil, apperr.ErrGrading
	}
	if _, err := s.FinalizeSession(ctx, "u1", sess.ID, time.Now(), failing); !errors.Is(err, apperr.ErrGrading) {
		t.Fatalf("expected ErrGrading, got %v", err)
	}
	got, _ := s.GetSession(ctx, sess.ID)
	if got.State != model.StateInProgress || got.SubmittedAt != nil {
		t.Errorf("session should stay in progress, got %+v", got)
	}
}

func TestFinalizeSessionConcurrent(t *testing.T) {
	testFinalizeSessionConcurrent(t, newTestStore(t))
}

func testFinalizeSessionConcurrent(t *testing.T, s *Store) {
	ctx := context.Background()
	insertTestExam(t, s)
	sess, _, _ := s.StartSession(ctx, "u1", "exam-1", 1800, time.Now())

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.FinalizeSession(ctx, "u1", sess.ID, time.Now(), noopGrade)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, apperr.ErrAlreadySubmitted):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("expected exactly one winner, got %d", wins)
	}
}

func TestRegradeSessionRequiresSubmitted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertTestExam(t, s)
	sess, _, _ := s.StartSession(ctx, "u1", "exam-1", 1800, time.Now())

	if _, err := s.RegradeSession(ctx, sess.ID, noopGrade); !errors.Is(err, apperr.ErrNotSubmitted) {
		t.Errorf("expected ErrNotSubmitted, got %v", err)
	}
	if _, err := s.FinalizeSession(ctx, "u1", sess.ID, time.Now(), noopGrade); err != nil {
		t.Fatalf("FinalizeSession: %v", err)
	}
	regrade := func([]model.Answer) (model.SessionScore, []model.AnswerGrade, error) {
		return model.SessionScore{TotalMarksObtained: 7, Grade: "C", Passed: true, SubjectiveGraded: true}, nil, nil
	}
	got, err := s.RegradeSession(ctx, sess.ID, regrade)
	if err != nil {
		t.Fatalf("RegradeSession: %v", err)
	}
	if got.TotalMarksObtained != 7 || !got.SubjectiveGraded || got.State != model.StateSubmitted {
		t.Errorf("unexpected regraded session: %+v", got)
	}
}

func TestDerivedWritesAreIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertTestExam(t, s)
	sess, _, _ := s.StartSession(ctx, "u1", "exam-1", 1800, time.Now())
	if _, err := s.FinalizeSession(ctx, "u1", sess.ID, time.Now(), noopGrade); err != nil {
		t.Fatalf("FinalizeSession: %v", err)
	}

	missing, err := s.ListSessionsMissingHistory(ctx, 10)
	if err != nil {
		t.Fatalf("ListSessionsMissingHistory: %v", err)
	}
	if len(missing) != 1 {
		t.Fatalf("expected 1 session missing history, got %d", len(missing))
	}

	mistake := model.MistakeLogEntry{
		UserID: "u1", SessionID: sess.ID, ExamID: "exam-1", QuestionID: "q1",
		QuestionText: "Pick B", QuestionType: model.QuestionMultipleChoice,
		UserAnswer: "A", CorrectAnswer: "B", CreatedAt: time.Now(),
	}
	for i, want := range []int{1, 0} {
		n, err := s.RecordMistakes(ctx, []model.MistakeLogEntry{mistake})
		if err != nil {
			t.Fatalf("RecordMistakes #%d: %v", i, err)
		}
		if n != want {
			t.Errorf("RecordMistakes #%d inserted %d, want %d", i, n, want)
		}
	}
	mistakes, _ := s.ListMistakes(ctx, "u1")
	if len(mistakes) != 1 {
		t.Errorf("expected 1 mistake row, got %d", len(mistakes))
	}

	entry := model.ScoreHistoryEntry{
		UserID: "u1", SessionID: sess.ID, SourceType: model.ScoreSourceExam, SourceID: "exam-1",
		TotalQuestions: 2, CreatedAt: time.Now(),
	}
	for i, want := range []bool{true, false} {
		ok, err := s.AppendScoreHistory(ctx, entry)
		if err != nil {
			t.Fatalf("AppendScoreHistory #%d: %v", i, err)
		}
		if ok != want {
			t.Errorf("AppendScoreHistory #%d = %v, want %v", i, ok, want)
		}
	}
	history, _ := s.ListScoreHistory(ctx, "u1")
	if len(history) != 1 {
		t.Errorf("expected 1 history row, got %d", len(history))
	}
	missing, _ = s.ListSessionsMissingHistory(ctx, 10)
	if len(missing) != 0 {
		t.Errorf("expected no sessions missing history, got %d", len(missing))
	}
}

func TestUsersAndAuthSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateUser(ctx, model.User{Username: "alice", PasswordHash: "x", Role: model.UserRoleStudent, Active: true})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	u, err := s.GetUserByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if u.ID != id || !u.Active {
		t.Errorf("unexpected user: %+v", u)
	}
	if _, err := s.GetUserByUsername(ctx, "bob"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.ToggleUserActive(ctx, id); err != nil {
		t.Fatalf("ToggleUserActive: %v", err)
	}
	u, _ = s.GetUserByID(ctx, id)
	if u.Active {
		t.Error("expected user to be inactive")
	}

	token, err := s.CreateAuthSession(ctx, id)
	if err != nil {
		t.Fatalf("CreateAuthSession: %v", err)
	}
	as, err := s.GetAuthSession(ctx, token)
	if err != nil || as == nil || as.UserID != id {
		t.Fatalf("GetAuthSession = %+v, %v", as, err)
	}
	if err := s.DeleteAuthSession(ctx, token); err != nil {
		t.Fatalf("DeleteAuthSession: %v", err)
	}
	as, _ = s.GetAuthSession(ctx, token)
	if as != nil {
		t.Error("expected deleted session to be gone")
	}
}

func TestImportedFileHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	h, err := s.GetImportedFileHash(ctx, "catalog.yaml")
	if err != nil || h != "" {
		t.Fatalf("GetImportedFileHash = %q, %v; want empty", h, err)
	}
	_ = s.SetImportedFileHash(ctx, "catalog.yaml", "abc")
	_ = s.SetImportedFileHash(ctx, "catalog.yaml", "def")
	h, _ = s.GetImportedFileHash(ctx, "catalog.yaml")
	if h != "def" {
		t.Errorf("expected hash def, got %q", h)
	}
}

func TestExportExamResults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertTestExam(t, s)
	uid, _ := s.CreateUser(ctx, model.User{Username: "alice", DisplayName: "Alice", PasswordHash: "x", Role: model.UserRoleStudent, Active: true})
	sess, _, _ := s.StartSession(ctx, uid, "exam-1", 1800, time.Now())
	_ = s.SaveAnswers(ctx, uid, sess.ID, []AnswerInput{{QuestionID: "q1", Value: model.ChoiceAnswer("A")}}, time.Now())
	// In-progress sessions are not exported.
	s.StartSession(ctx, "u2", "exam-1", 1800, time.Now())
	if _, err := s.FinalizeSession(ctx, uid, sess.ID, time.Now(), noopGrade); err != nil {
		t.Fatalf("FinalizeSession: %v", err)
	}

	exp, err := s.ExportExamResults(ctx, "exam-1")
	if err != nil {
		t.Fatalf("ExportExamResults: %v", err)
	}
	if len(exp.Results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(exp.Results))
	}
	r := exp.Results[0]
	if r.Username != "alice" || len(r.Questions) != 2 {
		t.Errorf("unexpected result: %+v", r)
	}
	if r.Questions[0].CorrectAnswer != "B" || r.Questions[0].UserAnswer.Choice != "A" {
		t.Errorf("unexpected question result: %+v", r.Questions[0])
	}
}
