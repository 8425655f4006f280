package attempt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pavelanni/assessor/internal/apperr"
	"github.com/pavelanni/assessor/internal/catalog"
	"github.com/pavelanni/assessor/internal/model"
	"github.com/pavelanni/assessor/internal/store"
)

var testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// seedExam stores a published exam of one MCQ (5 marks, key B) and one essay (5 marks).
func seedExam(t *testing.T, s *store.Store, id string, mutate func(*model.Exam)) model.Exam {
	t.Helper()
	e := model.Exam{
		ID: id, Title: "Exam " + id, Subject: "biology", DurationMinutes: 30,
		TotalMarks: 10, PassingMarks: 5, Status: model.ExamPublished,
	}
	if mutate != nil {
		mutate(&e)
	}
	questions := []model.Question{
		{
			ID: id + "-mcq", Number: 1, Type: model.QuestionMultipleChoice, Prompt: "Pick B", Marks: 5,
			Options:       []model.Option{{Key: "A", Text: "alpha"}, {Key: "B", Text: "beta"}},
			CorrectAnswer: "B", Explanation: "B is beta", Topic: "cells",
		},
		{ID: id + "-essay", Number: 2, Type: model.QuestionEssay, Prompt: "Discuss", Marks: 5},
	}
	if err := s.PutExam(context.Background(), e, questions); err != nil {
		t.Fatalf("PutExam: %v", err)
	}
	return e
}

func newTestService(t *testing.T, st Store, cfg Config, opts ...Option) *Service {
	t.Helper()
	src := st.(catalog.Source)
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return NewService(st, catalog.New(src, catalog.NewMemoryCache(), time.Minute), cfg, opts...)
}

func at(d time.Duration) *time.Time {
	t := testNow.Add(d)
	return &t
}

func TestCheckEligibility(t *testing.T) {
	published := model.Exam{ID: "e", Status: model.ExamPublished}
	inProgress := &model.Session{ID: "s", State: model.StateInProgress}
	submitted := &model.Session{ID: "s", State: model.StateSubmitted}

	tests := []struct {
		name    string
		exam    *model.Exam
		session *model.Session
		want    error
		resume  bool
	}{
		{"missing exam", nil, nil, apperr.ErrNotFound, false},
		{"draft exam", &model.Exam{ID: "e", Status: model.ExamDraft}, nil, apperr.ErrNotFound, false},
		{"not open yet", &model.Exam{ID: "e", Status: model.ExamPublished, StartDate: at(time.Hour)}, nil, apperr.ErrExamNotOpen, false},
		{"closed", &model.Exam{ID: "e", Status: model.ExamPublished, EndDate: at(-time.Hour)}, nil, apperr.ErrExamClosed, false},
		{"window checked before submission", &model.Exam{ID: "e", Status: model.ExamPublished, EndDate: at(-time.Hour)}, submitted, apperr.ErrExamClosed, false},
		{"inside window", &model.Exam{ID: "e", Status: model.ExamPublished, StartDate: at(-time.Hour), EndDate: at(time.Hour)}, nil, nil, false},
		{"already submitted", &published, submitted, apperr.ErrAlreadySubmitted, false},
		{"resume", &published, inProgress, nil, true},
		{"fresh start", &published, nil, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := CheckEligibility(tt.exam, tt.session, testNow)
			if tt.want == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if (d.Resume != nil) != tt.resume {
				t.Errorf("resume = %v, want %v", d.Resume != nil, tt.resume)
			}
		})
	}
}

func TestWindowErrorsAreDistinguishable(t *testing.T) {
	_, early := CheckEligibility(&model.Exam{Status: model.ExamPublished, StartDate: at(time.Hour)}, nil, testNow)
	_, late := CheckEligibility(&model.Exam{Status: model.ExamPublished, EndDate: at(-time.Hour)}, nil, testNow)
	if !errors.Is(early, apperr.ErrOutOfWindow) || !errors.Is(late, apperr.ErrOutOfWindow) {
		t.Fatalf("both should be out of window: %v / %v", early, late)
	}
	if errors.Is(early, apperr.ErrExamClosed) || errors.Is(late, apperr.ErrExamNotOpen) {
		t.Error("too early and too late must not match each other")
	}
	if apperr.Code(early) == apperr.Code(late) {
		t.Errorf("codes must differ, both %q", apperr.Code(early))
	}
}

func TestStartIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	seedExam(t, st, "e1", nil)
	svc := newTestService(t, st, Config{})
	ctx := context.Background()

	first, resumed, err := svc.Start(ctx, "u1", "e1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if resumed || first.TimeRemainingSeconds != 1800 {
		t.Fatalf("unexpected first start: resumed=%v %+v", resumed, first)
	}
	if err := svc.UpdateTime(ctx, "u1", first.ID, 900); err != nil {
		t.Fatalf("UpdateTime: %v", err)
	}

	second, resumed, err := svc.Start(ctx, "u1", "e1")
	if err != nil {
		t.Fatalf("Start again: %v", err)
	}
	if !resumed || second.ID != first.ID {
		t.Errorf("expected resume of %s, got resumed=%v id=%s", first.ID, resumed, second.ID)
	}
	if second.TimeRemainingSeconds != 900 {
		t.Errorf("timer reset to %d, want 900", second.TimeRemainingSeconds)
	}
}

func TestStartOutOfWindow(t *testing.T) {
	st := newTestStore(t)
	seedExam(t, st, "past", func(e *model.Exam) { e.EndDate = at(-24 * time.Hour) })
	seedExam(t, st, "future", func(e *model.Exam) { e.StartDate = at(24 * time.Hour) })
	seedExam(t, st, "draft", func(e *model.Exam) { e.Status = model.ExamDraft })
	svc := newTestService(t, st, Config{})
	ctx := context.Background()

	tests := []struct {
		exam string
		want error
	}{
		{"past", apperr.ErrExamClosed},
		{"future", apperr.ErrExamNotOpen},
		{"draft", apperr.ErrNotFound},
		{"missing", apperr.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.exam, func(t *testing.T) {
			if _, _, err := svc.Start(ctx, "u1", tt.exam); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
	sessions, _ := st.ListSessionsForUser(ctx, "u1")
	if len(sessions) != 0 {
		t.Errorf("rejected starts must not create sessions, got %d", len(sessions))
	}
}

func TestGetAttemptHidesKeys(t *testing.T) {
	st := newTestStore(t)
	seedExam(t, st, "e1", nil)
	svc := newTestService(t, st, Config{})
	ctx := context.Background()

	a, err := svc.GetAttempt(ctx, "u1", "e1")
	if err != nil {
		t.Fatalf("GetAttempt: %v", err)
	}
	if a.Session != nil {
		t.Error("no session expected before start")
	}
	for _, q := range a.Questions {
		if q.CorrectAnswer != "" || len(q.AnswerKey) != 0 || q.Explanation != "" {
			t.Errorf("question %s leaks its key: %+v", q.ID, q)
		}
	}

	sess, _, _ := svc.Start(ctx, "u1", "e1")
	_ = svc.SaveAnswer(ctx, "u1", sess.ID, "e1-mcq", model.ChoiceAnswer("A"), 5)
	a, err = svc.GetAttempt(ctx, "u1", "e1")
	if err != nil {
		t.Fatalf("GetAttempt: %v", err)
	}
	if a.Session == nil || a.Session.ID != sess.ID || len(a.Answers) != 1 {
		t.Errorf("expected resumed session with 1 answer, got %+v", a)
	}
}

func TestSubmitGradesMCQAndEssay(t *testing.T) {
	st := newTestStore(t)
	seedExam(t, st, "e1", nil)
	svc := newTestService(t, st, Config{})
	ctx := context.Background()

	sess, _, _ := svc.Start(ctx, "u1", "e1")
	if err := svc.SaveAnswer(ctx, "u1", sess.ID, "e1-mcq", model.TextAnswer("B"), 12); err != nil {
		t.Fatalf("SaveAnswer: %v", err)
	}
	batch := []store.AnswerInput{{QuestionID: "e1-essay", Value: model.TextAnswer("Cells are ..."), TimeSpentSeconds: 100}}
	res, err := svc.Submit(ctx, "u1", sess.ID, batch)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	got := res.Session
	if got.State != model.StateSubmitted || got.SubmittedAt == nil || !got.SubmittedAt.Equal(testNow) {
		t.Errorf("unexpected session state: %+v", got)
	}
	if got.ObjectiveScore != 5 || got.SubjectiveScore != 0 || got.SubjectiveGraded || got.Percentage != 50.0 {
		t.Errorf("got objective=%v subjective=%v graded=%v pct=%v, want 5 0 false 50",
			got.ObjectiveScore, got.SubjectiveScore, got.SubjectiveGraded, got.Percentage)
	}
	// 5 of 10 meets the passing marks; 50% is below every letter threshold.
	if !got.Passed || got.Grade != "F" {
		t.Errorf("unexpected pass/grade: %v %q", got.Passed, got.Grade)
	}

	mistakes, _ := st.ListMistakes(ctx, "u1")
	if len(mistakes) != 0 {
		t.Errorf("expected no mistakes, got %d", len(mistakes))
	}
	history, _ := st.ListScoreHistory(ctx, "u1")
	if len(history) != 1 {
		t.Fatalf("expected 1 history row, got %d", len(history))
	}
	h := history[0]
	if h.ScorePercentage != 50 || h.TotalQuestions != 2 || h.AnsweredCount != 2 || h.CorrectCount != 1 || h.TimeSpentSeconds != 112 {
		t.Errorf("unexpected history row: %+v", h)
	}
}

func TestSubmitLogsMistakes(t *testing.T) {
	st := newTestStore(t)
	seedExam(t, st, "e1", nil)
	svc := newTestService(t, st, Config{})
	ctx := context.Background()

	sess, _, _ := svc.Start(ctx, "u1", "e1")
	batch := []store.AnswerInput{
		{QuestionID: "e1-mcq", Value: model.TextAnswer("A"), TimeSpentSeconds: 7},
		{QuestionID: "e1-essay", Value: model.TextAnswer("...")},
	}
	if _, err := svc.Submit(ctx, "u1", sess.ID, batch); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	mistakes, err := st.ListMistakes(ctx, "u1")
	if err != nil {
		t.Fatalf("ListMistakes: %v", err)
	}
	if len(mistakes) != 1 {
		t.Fatalf("expected exactly 1 mistake, got %d", len(mistakes))
	}
	m := mistakes[0]
	if m.QuestionID != "e1-mcq" || m.UserAnswer != "A" || m.CorrectAnswer != "B" ||
		m.Explanation != "B is beta" || m.Subject != "biology" || m.TimeSpentSeconds != 7 {
		t.Errorf("unexpected mistake: %+v", m)
	}
}

func TestSubmitTwice(t *testing.T) {
	st := newTestStore(t)
	seedExam(t, st, "e1", nil)
	svc := newTestService(t, st, Config{})
	ctx := context.Background()

	sess, _, _ := svc.Start(ctx, "u1", "e1")
	_ = svc.SaveAnswer(ctx, "u1", sess.ID, "e1-mcq", model.ChoiceAnswer("B"), 0)
	if _, err := svc.Submit(ctx, "u1", sess.ID, nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := svc.Submit(ctx, "u1", sess.ID, nil); !errors.Is(err, apperr.ErrAlreadySubmitted) {
		t.Errorf("expected ErrAlreadySubmitted, got %v", err)
	}
	if _, _, err := svc.Start(ctx, "u1", "e1"); !errors.Is(err, apperr.ErrAlreadySubmitted) {
		t.Errorf("restart: expected ErrAlreadySubmitted, got %v", err)
	}

	// Answers of a submitted session are immutable.
	err := svc.SaveAnswer(ctx, "u1", sess.ID, "e1-mcq", model.ChoiceAnswer("A"), 0)
	if !errors.Is(err, apperr.ErrAlreadySubmitted) {
		t.Errorf("expected ErrAlreadySubmitted, got %v", err)
	}
	answers, _ := st.ListAnswers(ctx, sess.ID)
	if len(answers) != 1 || answers[0].Value.Choice != "B" {
		t.Errorf("stored answer changed: %+v", answers)
	}
	if err := svc.UpdateTime(ctx, "u1", sess.ID, 5); !errors.Is(err, apperr.ErrAlreadySubmitted) {
		t.Errorf("expected ErrAlreadySubmitted on time update, got %v", err)
	}
}

func TestConcurrentSubmitGradesOnce(t *testing.T) {
	st := newTestStore(t)
	seedExam(t, st, "e1", nil)
	svc := newTestService(t, st, Config{})
	ctx := context.Background()

	sess, _, _ := svc.Start(ctx, "u1", "e1")
	_ = svc.SaveAnswer(ctx, "u1", sess.ID, "e1-mcq", model.ChoiceAnswer("A"), 0)

	const n = 6
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Submit(ctx, "u1", sess.ID, nil)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, apperr.ErrAlreadySubmitted):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("expected exactly one successful submit, got %d", wins)
	}
	mistakes, _ := st.ListMistakes(ctx, "u1")
	history, _ := st.ListScoreHistory(ctx, "u1")
	if len(mistakes) != 1 || len(history) != 1 {
		t.Errorf("derived rows duplicated: %d mistakes, %d history", len(mistakes), len(history))
	}
}

func TestSubmitRejectsOtherUsers(t *testing.T) {
	st := newTestStore(t)
	seedExam(t, st, "e1", nil)
	svc := newTestService(t, st, Config{})
	ctx := context.Background()

	sess, _, _ := svc.Start(ctx, "u1", "e1")
	if _, err := svc.Submit(ctx, "intruder", sess.ID, nil); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := svc.Results(ctx, "intruder", sess.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected ErrNotFound for results, got %v", err)
	}
}

// failingStore fails derived writes on demand.
type failingStore struct {
	*store.Store
	failMistakes bool
	failHistory  bool
}

func (f *failingStore) RecordMistakes(ctx context.Context, entries []model.MistakeLogEntry) (int, error) {
	if f.failMistakes {
		return 0, fmt.Errorf("disk full")
	}
	return f.Store.RecordMistakes(ctx, entries)
}

func (f *failingStore) AppendScoreHistory(ctx context.Context, h model.ScoreHistoryEntry) (bool, error) {
	if f.failHistory {
		return false, fmt.Errorf("disk full")
	}
	return f.Store.AppendScoreHistory(ctx, h)
}

func TestDerivedWriteFailureDoesNotFailSubmit(t *testing.T) {
	st := newTestStore(t)
	seedExam(t, st, "e1", nil)
	fs := &failingStore{Store: st, failMistakes: true, failHistory: true}
	svc := newTestService(t, fs, Config{})
	ctx := context.Background()

	sess, _, _ := svc.Start(ctx, "u1", "e1")
	_ = svc.SaveAnswer(ctx, "u1", sess.ID, "e1-mcq", model.ChoiceAnswer("A"), 3)
	res, err := svc.Submit(ctx, "u1", sess.ID, nil)
	if err != nil {
		t.Fatalf("Submit must succeed despite derived-write failures: %v", err)
	}
	if res.Session.State != model.StateSubmitted {
		t.Errorf("expected submitted session, got %s", res.Session.State)
	}

	// Reconcile replays the missing rows once storage recovers.
	fs.failMistakes, fs.failHistory = false, false
	rep, err := svc.Reconcile(ctx, 100)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if rep.Sessions != 1 || rep.Mistakes != 1 || rep.History != 1 {
		t.Errorf("unexpected report: %+v", rep)
	}
	rep, _ = svc.Reconcile(ctx, 100)
	if rep.Sessions != 0 {
		t.Errorf("second reconcile should find nothing, got %+v", rep)
	}
	mistakes, _ := st.ListMistakes(ctx, "u1")
	history, _ := st.ListScoreHistory(ctx, "u1")
	if len(mistakes) != 1 || len(history) != 1 {
		t.Errorf("expected 1 mistake and 1 history row, got %d and %d", len(mistakes), len(history))
	}
}

func TestReconcileKeepsSubmissionScore(t *testing.T) {
	st := newTestStore(t)
	seedExam(t, st, "e1", nil)
	fs := &failingStore{Store: st, failHistory: true}
	svc := newTestService(t, fs, Config{})
	ctx := context.Background()

	sess := submitEssayAttempt(t, svc, "An essay awaiting review")
	if sess.Percentage != 50 {
		t.Fatalf("submission percentage = %v, want 50", sess.Percentage)
	}
	fs.failHistory = false
	reviewed, err := svc.ApplySubjectiveGrade(ctx, sess.ID, "e1-essay", SubjectiveGrade{Marks: 5})
	if err != nil {
		t.Fatalf("ApplySubjectiveGrade: %v", err)
	}
	if reviewed.Percentage != 100 {
		t.Fatalf("reviewed percentage = %v, want 100", reviewed.Percentage)
	}

	rep, err := svc.Reconcile(ctx, 100)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if rep.History != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	history, err := st.ListScoreHistory(ctx, "u1")
	if err != nil {
		t.Fatalf("ListScoreHistory: %v", err)
	}
	if len(history) != 1 || history[0].ScorePercentage != 50 {
		t.Fatalf("history = %+v, want one row at 50%%", history)
	}

	// The reviewer grade itself is untouched.
	res, _ := svc.Results(ctx, "u1", sess.ID)
	if res.Session.Percentage != 100 || res.Questions[1].MarksObtained != 5 {
		t.Errorf("reviewer grade lost: session %+v, essay %+v", res.Session, res.Questions[1])
	}
}

func TestResultsOnlyAfterSubmit(t *testing.T) {
	st := newTestStore(t)
	seedExam(t, st, "e1", nil)
	svc := newTestService(t, st, Config{})
	ctx := context.Background()

	sess, _, _ := svc.Start(ctx, "u1", "e1")
	_ = svc.SaveAnswer(ctx, "u1", sess.ID, "e1-mcq", model.ChoiceAnswer("A"), 0)
	if _, err := svc.Results(ctx, "u1", sess.ID); !errors.Is(err, apperr.ErrNotSubmitted) {
		t.Errorf("expected ErrNotSubmitted, got %v", err)
	}
	if _, err := svc.Submit(ctx, "u1", sess.ID, nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	res, err := svc.Results(ctx, "u1", sess.ID)
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if len(res.Questions) != 2 {
		t.Fatalf("expected 2 questions, got %d", len(res.Questions))
	}
	mcq := res.Questions[0]
	if mcq.CorrectAnswer != "B" || mcq.IsCorrect == nil || *mcq.IsCorrect || mcq.UserAnswer.Choice != "A" {
		t.Errorf("unexpected mcq result: %+v", mcq)
	}
	essay := res.Questions[1]
	if essay.IsCorrect != nil || essay.UserAnswer.Kind != model.AnswerNone {
		t.Errorf("unexpected essay result: %+v", essay)
	}
}

func TestUpdateTime(t *testing.T) {
	st := newTestStore(t)
	seedExam(t, st, "e1", nil)
	ctx := context.Background()

	tests := []struct {
		name     string
		clamp    bool
		elapsed  time.Duration
		reported int
		want     int
	}{
		{"verbatim", false, 10 * time.Minute, 1790, 1790},
		{"clamped to time left", true, 10 * time.Minute, 1790, 1200},
		{"under time left kept", true, 10 * time.Minute, 600, 600},
		{"clamped to zero", true, time.Hour, 100, 0},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := testNow
			svc := newTestService(t, st, Config{ClampTimer: tt.clamp}, WithClock(func() time.Time { return clock }))
			user := fmt.Sprintf("user-%d", i)
			sess, _, err := svc.Start(ctx, user, "e1")
			if err != nil {
				t.Fatalf("Start: %v", err)
			}
			clock = testNow.Add(tt.elapsed)
			if err := svc.UpdateTime(ctx, user, sess.ID, tt.reported); err != nil {
				t.Fatalf("UpdateTime: %v", err)
			}
			got, _ := st.GetSession(ctx, sess.ID)
			if got.TimeRemainingSeconds != tt.want {
				t.Errorf("stored %d, want %d", got.TimeRemainingSeconds, tt.want)
			}
		})
	}

	svc := newTestService(t, st, Config{})
	sess, _, _ := svc.Start(ctx, "neg", "e1")
	if err := svc.UpdateTime(ctx, "neg", sess.ID, -1); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestListExamsEmbedsSession(t *testing.T) {
	st := newTestStore(t)
	seedExam(t, st, "e1", nil)
	seedExam(t, st, "e2", nil)
	seedExam(t, st, "hidden", func(e *model.Exam) { e.Status = model.ExamDraft })
	svc := newTestService(t, st, Config{})
	ctx := context.Background()

	sess, _, _ := svc.Start(ctx, "u1", "e2")
	list, err := svc.ListExams(ctx, "u1")
	if err != nil {
		t.Fatalf("ListExams: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 published exams, got %d", len(list))
	}
	for _, l := range list {
		switch l.ID {
		case "e1":
			if l.Session != nil {
				t.Error("e1 should have no session")
			}
		case "e2":
			if l.Session == nil || l.Session.ID != sess.ID {
				t.Errorf("e2 session = %+v, want %s", l.Session, sess.ID)
			}
		}
	}
}
