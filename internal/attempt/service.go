// Package attempt runs the lifecycle of a timed exam attempt: eligibility,
// start and resume, answer capture, submission with grading, and the derived
// mistake log and score history writes.
package attempt

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand"
	"time"

	"github.com/pavelanni/assessor/internal/apperr"
	"github.com/pavelanni/assessor/internal/grading"
	"github.com/pavelanni/assessor/internal/model"
	"github.com/pavelanni/assessor/internal/store"
)

// Store is the persistence the service needs.
type Store interface {
	StartSession(ctx context.Context, userID, examID string, timeRemaining int, now time.Time) (model.Session, bool, error)
	GetSession(ctx context.Context, id string) (model.Session, error)
	GetSessionForExam(ctx context.Context, userID, examID string) (model.Session, error)
	ListSessionsForUser(ctx context.Context, userID string) ([]model.Session, error)
	ListSessionsMissingHistory(ctx context.Context, limit int) ([]model.Session, error)
	UpdateTimeRemaining(ctx context.Context, userID, sessionID string, seconds int) error
	SaveAnswers(ctx context.Context, userID, sessionID string, inputs []store.AnswerInput, now time.Time) error
	ListAnswers(ctx context.Context, sessionID string) ([]model.Answer, error)
	FinalizeSession(ctx context.Context, userID, sessionID string, now time.Time, grade store.GradeFunc) (model.Session, error)
	RegradeSession(ctx context.Context, sessionID string, grade store.GradeFunc) (model.Session, error)
	RecordMistakes(ctx context.Context, entries []model.MistakeLogEntry) (int, error)
	AppendScoreHistory(ctx context.Context, h model.ScoreHistoryEntry) (bool, error)
}

// Catalog is the read-only exam source.
type Catalog interface {
	GetExam(ctx context.Context, id string) (model.Exam, error)
	ListExams(ctx context.Context, publishedOnly bool) ([]model.Exam, error)
	ListQuestions(ctx context.Context, examID string) ([]model.Question, error)
}

// Config tunes the service.
type Config struct {
	// ClampTimer bounds client-reported remaining time by the time actually left.
	ClampTimer bool
	// GradeScale is used for exams that carry no scale of their own.
	GradeScale []model.GradeThreshold
}

// Service implements the attempt operations.
type Service struct {
	store   Store
	catalog Catalog
	engine  *grading.Engine
	grader  Grader
	cfg     Config
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithGrader installs an external grader for subjective answers.
func WithGrader(g Grader) Option {
	return func(s *Service) { s.grader = g }
}

// NewService creates a Service.
func NewService(st Store, cat Catalog, cfg Config, opts ...Option) *Service {
	if len(cfg.GradeScale) == 0 {
		cfg.GradeScale = model.DefaultGradeScale
	}
	s := &Service{
		store:   st,
		catalog: cat,
		engine:  grading.New(),
		cfg:     cfg,
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ExamListing is an exam with the caller's session, if any.
type ExamListing struct {
	model.Exam
	Session *model.Session `json:"session"`
}

// ListExams returns published exams with the caller's session embedded.
func (s *Service) ListExams(ctx context.Context, userID string) ([]ExamListing, error) {
	exams, err := s.catalog.ListExams(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list exams: %w", err)
	}
	sessions, err := s.store.ListSessionsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	byExam := make(map[string]model.Session, len(sessions))
	for _, sess := range sessions {
		byExam[sess.ExamID] = sess
	}
	out := make([]ExamListing, 0, len(exams))
	for _, e := range exams {
		l := ExamListing{Exam: e}
		if sess, ok := byExam[e.ID]; ok {
			l.Session = &sess
		}
		out = append(out, l)
	}
	return out, nil
}

// Start creates the caller's session for an exam, or resumes the in-progress one.
// resumed is true when an existing session was returned.
func (s *Service) Start(ctx context.Context, userID, examID string) (sess model.Session, resumed bool, err error) {
	exam, existing, err := s.lookup(ctx, userID, examID)
	if err != nil {
		return model.Session{}, false, err
	}
	now := s.now()
	d, err := CheckEligibility(exam, existing, now)
	if err != nil {
		return model.Session{}, false, err
	}
	if d.Resume != nil {
		return *d.Resume, true, nil
	}

	sess, created, err := s.store.StartSession(ctx, userID, examID, exam.DurationMinutes*60, now)
	if err != nil {
		return model.Session{}, false, err
	}
	// A concurrent start may have won; re-check what it left behind.
	if !created && sess.State == model.StateSubmitted {
		return model.Session{}, false, fmt.Errorf("session %s: %w", sess.ID, apperr.ErrAlreadySubmitted)
	}
	if created {
		slog.Info("session started", "session", sess.ID, "user", userID, "exam", examID)
	}
	return sess, !created, nil
}

// Attempt is what a client needs to render an exam in progress.
type Attempt struct {
	Exam      model.Exam       `json:"exam"`
	Questions []model.Question `json:"questions"`
	Session   *model.Session   `json:"existingSession"`
	Answers   []model.Answer   `json:"answers"`
}

// GetAttempt returns the exam with answer keys stripped, and the caller's
// in-progress session with its answers when one exists.
func (s *Service) GetAttempt(ctx context.Context, userID, examID string) (*Attempt, error) {
	exam, existing, err := s.lookup(ctx, userID, examID)
	if err != nil {
		return nil, err
	}
	d, err := CheckEligibility(exam, existing, s.now())
	if err != nil {
		return nil, err
	}
	questions, err := s.catalog.ListQuestions(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	public := make([]model.Question, 0, len(questions))
	for _, q := range questions {
		public = append(public, q.Public())
	}

	a := &Attempt{Exam: *exam, Questions: public}
	if d.Resume != nil {
		a.Session = d.Resume
		if exam.ShuffleQuestions {
			shuffleFor(d.Resume.ID, a.Questions)
		}
		if a.Answers, err = s.store.ListAnswers(ctx, d.Resume.ID); err != nil {
			return nil, fmt.Errorf("list answers: %w", err)
		}
	}
	return a, nil
}

// SaveAnswer upserts one answer of the caller's in-progress session.
func (s *Service) SaveAnswer(ctx context.Context, userID, sessionID, questionID string, v model.AnswerValue, timeSpent int) error {
	if questionID == "" {
		return fmt.Errorf("question id is required: %w", apperr.ErrInvalidInput)
	}
	if timeSpent < 0 {
		return fmt.Errorf("time spent must not be negative: %w", apperr.ErrInvalidInput)
	}
	in := []store.AnswerInput{{QuestionID: questionID, Value: v, TimeSpentSeconds: timeSpent}}
	return s.store.SaveAnswers(ctx, userID, sessionID, in, s.now())
}

// UpdateTime stores the client's remaining time for an in-progress session.
func (s *Service) UpdateTime(ctx context.Context, userID, sessionID string, seconds int) error {
	if seconds < 0 {
		return fmt.Errorf("time remaining must not be negative: %w", apperr.ErrInvalidInput)
	}
	if s.cfg.ClampTimer {
		sess, err := s.ownedSession(ctx, userID, sessionID)
		if err != nil {
			return err
		}
		exam, err := s.catalog.GetExam(ctx, sess.ExamID)
		if err != nil {
			return err
		}
		seconds = clampRemaining(seconds, exam.DurationMinutes, sess.StartedAt, s.now())
	}
	return s.store.UpdateTimeRemaining(ctx, userID, sessionID, seconds)
}

// clampRemaining bounds reported by the time left since start.
func clampRemaining(reported, durationMinutes int, startedAt, now time.Time) int {
	left := durationMinutes*60 - int(now.Sub(startedAt).Seconds())
	if left < 0 {
		left = 0
	}
	if reported > left {
		return left
	}
	return reported
}

func (s *Service) lookup(ctx context.Context, userID, examID string) (*model.Exam, *model.Session, error) {
	var exam *model.Exam
	e, err := s.catalog.GetExam(ctx, examID)
	switch {
	case err == nil:
		exam = &e
	case !errors.Is(err, apperr.ErrNotFound):
		return nil, nil, fmt.Errorf("get exam: %w", err)
	}

	var existing *model.Session
	sess, err := s.store.GetSessionForExam(ctx, userID, examID)
	switch {
	case err == nil:
		existing = &sess
	case !errors.Is(err, apperr.ErrNotFound):
		return nil, nil, fmt.Errorf("get session: %w", err)
	}
	return exam, existing, nil
}

// ownedSession returns a session only if userID owns it; others are reported as not found.
func (s *Service) ownedSession(ctx context.Context, userID, sessionID string) (model.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return model.Session{}, err
	}
	if sess.UserID != userID {
		return model.Session{}, fmt.Errorf("session %s: %w", sessionID, apperr.ErrNotFound)
	}
	return sess, nil
}

// shuffleFor orders questions in a stable per-session permutation.
func shuffleFor(sessionID string, qs []model.Question) {
	h := fnv.New64a()
	h.Write([]byte(sessionID))
	r := rand.New(rand.NewSource(int64(h.Sum64())))
	r.Shuffle(len(qs), func(i, j int) { qs[i], qs[j] = qs[j], qs[i] })
}
