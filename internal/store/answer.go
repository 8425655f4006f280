package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pavelanni/assessor/internal/apperr"
	"github.com/pavelanni/assessor/internal/model"
)

const answerColumns = `session_id, question_id, user_answer, time_spent_seconds, updated_at,
	is_correct, marks_obtained, grader_feedback, graded`

// AnswerInput is one answer write.
type AnswerInput struct {
	QuestionID       string
	Value            model.AnswerValue
	TimeSpentSeconds int
}

// SaveAnswers upserts answers of an in-progress session owned by userID.
// All writes share one transaction that first locks the session row, so a
// concurrent submit either sees every answer or rejects the save.
func (s *Store) SaveAnswers(ctx context.Context, userID, sessionID string, inputs []AnswerInput, now time.Time) error {
	writable := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE sessions SET state = state WHERE id = $1 AND user_id = $2 AND state = $3`,
			sessionID, userID, model.StateInProgress,
		)
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
		writable = true

		var examID string
		if err := tx.QueryRowContext(ctx, `SELECT exam_id FROM sessions WHERE id = $1`, sessionID).Scan(&examID); err != nil {
			return err
		}
		for _, in := range inputs {
			if err := upsertAnswer(ctx, tx, sessionID, examID, in, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !writable {
		return s.notWritable(ctx, userID, sessionID)
	}
	return nil
}

func upsertAnswer(ctx context.Context, tx *sql.Tx, sessionID, examID string, in AnswerInput, now time.Time) error {
	var qt model.QuestionType
	err := tx.QueryRowContext(ctx,
		`SELECT question_type FROM questions WHERE id = $1 AND exam_id = $2`, in.QuestionID, examID,
	).Scan(&qt)
	if isNoRows(err) {
		return fmt.Errorf("question %s is not part of exam %s: %w", in.QuestionID, examID, apperr.ErrNotFound)
	}
	if err != nil {
		return err
	}
	v, err := in.Value.For(qt)
	if err != nil {
		return fmt.Errorf("question %s: %v: %w", in.QuestionID, err, apperr.ErrInvalidInput)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode answer: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO answers (session_id, question_id, user_answer, time_spent_seconds, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (session_id, question_id) DO UPDATE SET
		   user_answer = excluded.user_answer,
		   time_spent_seconds = excluded.time_spent_seconds,
		   updated_at = excluded.updated_at`,
		sessionID, in.QuestionID, string(raw), in.TimeSpentSeconds, now,
	)
	if err != nil {
		return fmt.Errorf("upsert answer %s: %w", in.QuestionID, err)
	}
	return nil
}

// ListAnswers returns the answers of a session ordered by question ID.
func (s *Store) ListAnswers(ctx context.Context, sessionID string) ([]model.Answer, error) {
	return listAnswers(ctx, s.db, sessionID)
}

func listAnswers(ctx context.Context, q queryer, sessionID string) ([]model.Answer, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+answerColumns+` FROM answers WHERE session_id = $1 ORDER BY question_id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var answers []model.Answer
	for rows.Next() {
		var a model.Answer
		var raw string
		var correct sql.NullBool
		if err := rows.Scan(&a.SessionID, &a.QuestionID, &raw, &a.TimeSpentSeconds, &a.UpdatedAt,
			&correct, &a.MarksObtained, &a.GraderFeedback, &a.Graded); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &a.Value); err != nil {
			return nil, fmt.Errorf("decode answer %s/%s: %w", a.SessionID, a.QuestionID, err)
		}
		a.IsCorrect = boolPtr(correct)
		answers = append(answers, a)
	}
	return answers, rows.Err()
}
