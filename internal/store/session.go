package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/assessor/internal/apperr"
	"github.com/pavelanni/assessor/internal/model"
)

const sessionColumns = `id, user_id, exam_id, state, time_remaining_seconds, started_at, submitted_at,
	total_marks_obtained, percentage, grade, passed, objective_score, subjective_score, subjective_graded`

// GradeFunc computes the score of a session from its final answers.
type GradeFunc func(answers []model.Answer) (model.SessionScore, []model.AnswerGrade, error)

// StartSession creates the session for (userID, examID) unless one exists.
// It returns the stored session and whether this call created it.
// An existing session is returned untouched, so its timer is never reset.
func (s *Store) StartSession(ctx context.Context, userID, examID string, timeRemaining int, now time.Time) (model.Session, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, exam_id, state, time_remaining_seconds, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id, exam_id) DO NOTHING`,
		uuid.NewString(), userID, examID, model.StateInProgress, timeRemaining, now,
	)
	if err != nil {
		return model.Session{}, false, fmt.Errorf("insert session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.Session{}, false, err
	}
	sess, err := s.GetSessionForExam(ctx, userID, examID)
	if err != nil {
		return model.Session{}, false, err
	}
	return sess, n == 1, nil
}

// GetSession returns a session by ID regardless of owner.
func (s *Store) GetSession(ctx context.Context, id string) (model.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if isNoRows(err) {
		return model.Session{}, fmt.Errorf("session %s: %w", id, apperr.ErrNotFound)
	}
	return sess, err
}

// GetSessionForExam returns the session of a user for an exam.
func (s *Store) GetSessionForExam(ctx context.Context, userID, examID string) (model.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id = $1 AND exam_id = $2`, userID, examID))
	if isNoRows(err) {
		return model.Session{}, fmt.Errorf("session for exam %s: %w", examID, apperr.ErrNotFound)
	}
	return sess, err
}

// ListSessionsForUser returns all sessions of a user.
func (s *Store) ListSessionsForUser(ctx context.Context, userID string) ([]model.Session, error) {
	return s.listSessions(ctx, `WHERE user_id = $1 ORDER BY started_at`, userID)
}

// ListSubmittedSessions returns the submitted sessions of an exam.
func (s *Store) ListSubmittedSessions(ctx context.Context, examID string) ([]model.Session, error) {
	return s.listSessions(ctx, `WHERE exam_id = $1 AND state = $2 ORDER BY submitted_at, id`, examID, model.StateSubmitted)
}

// ListSessionsMissingHistory returns submitted sessions with no score history row.
func (s *Store) ListSessionsMissingHistory(ctx context.Context, limit int) ([]model.Session, error) {
	return s.listSessions(ctx,
		`WHERE state = $1 AND NOT EXISTS (SELECT 1 FROM score_history h WHERE h.session_id = sessions.id)
		 ORDER BY submitted_at, id LIMIT $2`, model.StateSubmitted, limit)
}

func (s *Store) listSessions(ctx context.Context, where string, args ...any) ([]model.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sessions []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateTimeRemaining stores the client-reported remaining time of an in-progress session.
func (s *Store) UpdateTimeRemaining(ctx context.Context, userID, sessionID string, seconds int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET time_remaining_seconds = $1
		 WHERE id = $2 AND user_id = $3 AND state = $4`,
		seconds, sessionID, userID, model.StateInProgress,
	)
	if err != nil {
		return fmt.Errorf("update time remaining: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.notWritable(ctx, userID, sessionID)
	}
	return nil
}

// FinalizeSession moves an in-progress session to submitted and stores its grades.
//
// The state change is a compare-and-set: exactly one caller can win it. The answers
// are re-read inside the same transaction after the state change, so grade sees the
// final answer set. If grade fails the transaction rolls back and the session stays
// in progress.
func (s *Store) FinalizeSession(ctx context.Context, userID, sessionID string, now time.Time, grade GradeFunc) (model.Session, error) {
	won := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE sessions SET state = $1, submitted_at = $2
			 WHERE id = $3 AND user_id = $4 AND state = $5`,
			model.StateSubmitted, now, sessionID, userID, model.StateInProgress,
		)
		if err != nil {
			return fmt.Errorf("mark submitted: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		won = true
		return s.regrade(ctx, tx, sessionID, grade)
	})
	if err != nil {
		return model.Session{}, err
	}
	if !won {
		return model.Session{}, s.notWritable(ctx, userID, sessionID)
	}
	return s.GetSession(ctx, sessionID)
}

// RegradeSession recomputes the score of a submitted session, for example after
// a subjective answer was graded.
func (s *Store) RegradeSession(ctx context.Context, sessionID string, grade GradeFunc) (model.Session, error) {
	locked := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		// No-op write to serialize with concurrent reviews.
		res, err := tx.ExecContext(ctx,
			`UPDATE sessions SET state = state WHERE id = $1 AND state = $2`, sessionID, model.StateSubmitted)
		if err != nil {
			return fmt.Errorf("lock session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		locked = true
		return s.regrade(ctx, tx, sessionID, grade)
	})
	if err != nil {
		return model.Session{}, err
	}
	if !locked {
		sess, err := s.GetSession(ctx, sessionID)
		if err != nil {
			return model.Session{}, err
		}
		return model.Session{}, fmt.Errorf("session %s is %s: %w", sessionID, sess.State, apperr.ErrNotSubmitted)
	}
	return s.GetSession(ctx, sessionID)
}

func (s *Store) regrade(ctx context.Context, tx *sql.Tx, sessionID string, grade GradeFunc) error {
	answers, err := listAnswers(ctx, tx, sessionID)
	if err != nil {
		return fmt.Errorf("read answers: %w", err)
	}
	score, grades, err := grade(answers)
	if err != nil {
		return err
	}
	for _, g := range grades {
		// Unanswered questions have no row and nothing to update.
		_, err := tx.ExecContext(ctx,
			`UPDATE answers SET is_correct = $1, marks_obtained = $2, grader_feedback = $3, graded = $4
			 WHERE session_id = $5 AND question_id = $6`,
			nullBool(g.IsCorrect), g.MarksObtained, g.GraderFeedback, g.Graded, sessionID, g.QuestionID,
		)
		if err != nil {
			return fmt.Errorf("store grade for question %s: %w", g.QuestionID, err)
		}
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET total_marks_obtained = $1, percentage = $2, grade = $3, passed = $4,
		   objective_score = $5, subjective_score = $6, subjective_graded = $7
		 WHERE id = $8`,
		score.TotalMarksObtained, score.Percentage, score.Grade, score.Passed,
		score.ObjectiveScore, score.SubjectiveScore, score.SubjectiveGraded, sessionID,
	)
	if err != nil {
		return fmt.Errorf("store score: %w", err)
	}
	return nil
}

// notWritable explains why a write guarded on an owned in-progress session matched nothing.
func (s *Store) notWritable(ctx context.Context, userID, sessionID string) error {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.UserID != userID {
		return fmt.Errorf("session %s: %w", sessionID, apperr.ErrNotFound)
	}
	if sess.State == model.StateSubmitted {
		return fmt.Errorf("session %s: %w", sessionID, apperr.ErrAlreadySubmitted)
	}
	return fmt.Errorf("session %s in state %s: %w", sessionID, sess.State, apperr.ErrInvalidInput)
}

func scanSession(sc scanner) (model.Session, error) {
	var sess model.Session
	var submitted sql.NullTime
	err := sc.Scan(&sess.ID, &sess.UserID, &sess.ExamID, &sess.State, &sess.TimeRemainingSeconds,
		&sess.StartedAt, &submitted, &sess.TotalMarksObtained, &sess.Percentage, &sess.Grade,
		&sess.Passed, &sess.ObjectiveScore, &sess.SubjectiveScore, &sess.SubjectiveGraded)
	if err != nil {
		return sess, err
	}
	sess.SubmittedAt = timePtr(submitted)
	return sess, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

func boolPtr(nb sql.NullBool) *bool {
	if !nb.Valid {
		return nil
	}
	b := nb.Bool
	return &b
}
