package attempt

import (
	"fmt"
	"time"

	"github.com/pavelanni/assessor/internal/apperr"
	"github.com/pavelanni/assessor/internal/model"
)

// Decision is the outcome of an eligibility check that allows the attempt.
type Decision struct {
	// Resume is the in-progress session to continue; nil means a new session may be created.
	Resume *model.Session
}

// CheckEligibility decides whether a user may start or continue an exam.
// exam is nil when the catalog has no such exam; session is nil when the user
// has no session for it. The checks run in a fixed order: publication, date
// window, prior submission.
func CheckEligibility(exam *model.Exam, session *model.Session, now time.Time) (Decision, error) {
	if exam == nil || exam.Status != model.ExamPublished {
		return Decision{}, fmt.Errorf("exam: %w", apperr.ErrNotFound)
	}
	if exam.StartDate != nil && now.Before(*exam.StartDate) {
		return Decision{}, fmt.Errorf("exam %s opens at %s: %w", exam.ID, exam.StartDate.Format(time.RFC3339), apperr.ErrExamNotOpen)
	}
	if exam.EndDate != nil && now.After(*exam.EndDate) {
		return Decision{}, fmt.Errorf("exam %s closed at %s: %w", exam.ID, exam.EndDate.Format(time.RFC3339), apperr.ErrExamClosed)
	}
	if session == nil {
		return Decision{}, nil
	}
	switch session.State {
	case model.StateSubmitted:
		return Decision{}, fmt.Errorf("session %s: %w", session.ID, apperr.ErrAlreadySubmitted)
	case model.StateInProgress:
		return Decision{Resume: session}, nil
	default:
		return Decision{}, nil
	}
}
