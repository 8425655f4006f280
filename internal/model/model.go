package model

import (
	"context"
	"strings"
	"time"
)

// UserRole represents a user's access level.
type UserRole string

const (
	// UserRoleStudent is a student user role.
	UserRoleStudent UserRole = "student"
	// UserRoleTeacher is a teacher user role.
	UserRoleTeacher UserRole = "teacher"
	// UserRoleAdmin is an admin user role.
	UserRoleAdmin UserRole = "admin"
)

// User represents a system user.
type User struct {
	ID           string
	Username     string
	DisplayName  string
	PasswordHash string
	Role         UserRole
	Active       bool
	CreatedAt    time.Time
}

// AuthSession represents an authentication session.
type AuthSession struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}

// ExamStatus is the publication status of an exam.
type ExamStatus string

const (
	ExamDraft     ExamStatus = "draft"
	ExamPublished ExamStatus = "published"
)

// QuestionType determines how a question is answered and graded.
type QuestionType string

const (
	QuestionMultipleChoice QuestionType = "multiple_choice"
	QuestionTrueFalse      QuestionType = "true_false"
	QuestionMultipleSelect QuestionType = "multiple_select"
	QuestionShortAnswer    QuestionType = "short_answer"
	QuestionNumeric        QuestionType = "numeric"
	QuestionEssay          QuestionType = "essay"
)

// Difficulty represents question difficulty level.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// GradeThreshold maps a minimum percentage to a letter grade.
type GradeThreshold struct {
	Grade      string  `json:"grade" yaml:"grade"`
	MinPercent float64 `json:"min_percent" yaml:"min_percent"`
}

// DefaultGradeScale is used when neither the exam nor the configuration supplies one.
var DefaultGradeScale = []GradeThreshold{
	{Grade: "A", MinPercent: 90},
	{Grade: "B", MinPercent: 80},
	{Grade: "C", MinPercent: 70},
	{Grade: "D", MinPercent: 60},
}

// Exam is an immutable assessment definition owned by the catalog.
type Exam struct {
	ID               string           `json:"id"`
	Title            string           `json:"title"`
	Subject          string           `json:"subject"`
	GradeLevel       string           `json:"grade_level"`
	DurationMinutes  int              `json:"duration_minutes"`
	TotalMarks       float64          `json:"total_marks"`
	PassingMarks     float64          `json:"passing_marks"`
	StartDate        *time.Time       `json:"start_date,omitempty"`
	EndDate          *time.Time       `json:"end_date,omitempty"`
	ShuffleQuestions bool             `json:"shuffle_questions"`
	Status           ExamStatus       `json:"status"`
	GradeScale       []GradeThreshold `json:"grade_scale,omitempty"`
}

// Option is one choice of a choice-type question.
type Option struct {
	Key  string `json:"key" yaml:"key"`
	Text string `json:"text" yaml:"text"`
}

// Question belongs to exactly one exam.
type Question struct {
	ID            string       `json:"id"`
	ExamID        string       `json:"exam_id"`
	Number        int          `json:"question_number"`
	Type          QuestionType `json:"question_type"`
	Prompt        string       `json:"prompt"`
	Options       []Option     `json:"options,omitempty"`
	CorrectAnswer string       `json:"correct_answer,omitempty"`
	AnswerKey     []string     `json:"answer_key,omitempty"`
	Explanation   string       `json:"explanation,omitempty"`
	Marks         float64      `json:"marks"`
	Topic         string       `json:"topic"`
	Difficulty    Difficulty   `json:"difficulty"`
}

// Keys returns every accepted answer for the question.
func (q Question) Keys() []string {
	var keys []string
	if q.CorrectAnswer != "" {
		keys = append(keys, q.CorrectAnswer)
	}
	return append(keys, q.AnswerKey...)
}

// AnswerText renders the accepted answers for display, leaving out numeric tolerance options.
func (q Question) AnswerText() string {
	var keys []string
	for _, k := range q.Keys() {
		if q.Type == QuestionNumeric && strings.Contains(k, "=") {
			continue
		}
		keys = append(keys, k)
	}
	return strings.Join(keys, ", ")
}

// Subjective reports whether the question needs human or external judgment.
func (q Question) Subjective() bool {
	switch q.Type {
	case QuestionEssay:
		return true
	case QuestionShortAnswer:
		return len(q.Keys()) == 0
	default:
		return false
	}
}

// Public returns a copy without answer keys or explanation, safe to show during an attempt.
func (q Question) Public() Question {
	q.CorrectAnswer = ""
	q.AnswerKey = nil
	q.Explanation = ""
	return q
}

// SessionState is the lifecycle state of a session.
type SessionState string

const (
	// StateAbsent means no session row exists; it is never persisted.
	StateAbsent     SessionState = "absent"
	StateInProgress SessionState = "in_progress"
	StateSubmitted  SessionState = "submitted"
)

// Terminal reports whether no transition can leave the state.
func (s SessionState) Terminal() bool {
	return s == StateSubmitted
}

// Session is one user's single attempt at one exam.
type Session struct {
	ID                   string       `json:"id"`
	UserID               string       `json:"user_id"`
	ExamID               string       `json:"exam_id"`
	State                SessionState `json:"state"`
	TimeRemainingSeconds int          `json:"time_remaining_seconds"`
	StartedAt            time.Time    `json:"started_at"`
	SubmittedAt          *time.Time   `json:"submitted_at,omitempty"`
	TotalMarksObtained   float64      `json:"total_marks_obtained"`
	Percentage           float64      `json:"percentage"`
	Grade                string       `json:"grade,omitempty"`
	Passed               bool         `json:"passed"`
	ObjectiveScore       float64      `json:"objective_score"`
	SubjectiveScore      float64      `json:"subjective_score"`
	SubjectiveGraded     bool         `json:"subjective_graded"`
}

// Answer is the current answer of a session to one question.
type Answer struct {
	SessionID        string      `json:"session_id"`
	QuestionID       string      `json:"question_id"`
	Value            AnswerValue `json:"user_answer"`
	TimeSpentSeconds int         `json:"time_spent_seconds"`
	UpdatedAt        time.Time   `json:"updated_at"`
	IsCorrect        *bool       `json:"is_correct"`
	MarksObtained    float64     `json:"marks_obtained"`
	GraderFeedback   string      `json:"grader_feedback,omitempty"`
	Graded           bool        `json:"graded"`
}

// AnswerGrade is the graded outcome for one answer, written when a session is finalized or reviewed.
type AnswerGrade struct {
	QuestionID     string
	IsCorrect      *bool
	MarksObtained  float64
	GraderFeedback string
	Graded         bool
}

// SessionScore holds the computed score fields of a submitted session.
type SessionScore struct {
	TotalMarksObtained float64
	Percentage         float64
	Grade              string
	Passed             bool
	ObjectiveScore     float64
	SubjectiveScore    float64
	SubjectiveGraded   bool
}

// MistakeLogEntry is a denormalized snapshot of one incorrect objective answer.
type MistakeLogEntry struct {
	ID               string       `json:"id"`
	UserID           string       `json:"user_id"`
	SessionID        string       `json:"session_id"`
	ExamID           string       `json:"exam_id"`
	QuestionID       string       `json:"question_id"`
	QuestionText     string       `json:"question_text"`
	QuestionType     QuestionType `json:"question_type"`
	UserAnswer       string       `json:"user_answer"`
	CorrectAnswer    string       `json:"correct_answer"`
	Explanation      string       `json:"explanation"`
	Subject          string       `json:"subject"`
	Topic            string       `json:"topic"`
	Difficulty       Difficulty   `json:"difficulty"`
	TimeSpentSeconds int          `json:"time_spent_seconds"`
	Resolved         bool         `json:"resolved"`
	CreatedAt        time.Time    `json:"created_at"`
}

// ScoreSourceExam marks score history rows written by exam submissions.
const ScoreSourceExam = "exam"

// ScoreHistoryEntry summarizes one submitted session for longitudinal analytics.
type ScoreHistoryEntry struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	SessionID        string    `json:"session_id"`
	SourceType       string    `json:"source_type"`
	SourceID         string    `json:"source_id"`
	Subject          string    `json:"subject"`
	ScorePercentage  float64   `json:"score_percentage"`
	TotalQuestions   int       `json:"total_questions"`
	AnsweredCount    int       `json:"answered_count"`
	CorrectCount     int       `json:"correct_count"`
	TimeSpentSeconds int       `json:"time_spent_seconds"`
	CreatedAt        time.Time `json:"created_at"`
}
