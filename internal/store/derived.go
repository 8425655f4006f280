package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/pavelanni/assessor/internal/model"
)

// RecordMistakes inserts mistake log rows. Rows already present for the same
// (session, question) are left as they are, so retries never duplicate.
func (s *Store) RecordMistakes(ctx context.Context, entries []model.MistakeLogEntry) (int, error) {
	inserted := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, m := range entries {
			if m.ID == "" {
				m.ID = uuid.NewString()
			}
			res, err := tx.ExecContext(ctx,
				`INSERT INTO mistake_log (id, user_id, session_id, exam_id, question_id, question_text,
				   question_type, user_answer, correct_answer, explanation, subject, topic, difficulty,
				   time_spent_seconds, resolved, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
				 ON CONFLICT (session_id, question_id) DO NOTHING`,
				m.ID, m.UserID, m.SessionID, m.ExamID, m.QuestionID, m.QuestionText,
				m.QuestionType, m.UserAnswer, m.CorrectAnswer, m.Explanation, m.Subject, m.Topic, m.Difficulty,
				m.TimeSpentSeconds, m.Resolved, m.CreatedAt,
			)
			if err != nil {
				return fmt.Errorf("insert mistake %s/%s: %w", m.SessionID, m.QuestionID, err)
			}
			n, _ := res.RowsAffected()
			inserted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// ListMistakes returns the mistake log of a user, newest first.
func (s *Store) ListMistakes(ctx context.Context, userID string) ([]model.MistakeLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, session_id, exam_id, question_id, question_text, question_type,
		   user_answer, correct_answer, explanation, subject, topic, difficulty,
		   time_spent_seconds, resolved, created_at
		 FROM mistake_log WHERE user_id = $1 ORDER BY created_at DESC, question_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.MistakeLogEntry
	for rows.Next() {
		var m model.MistakeLogEntry
		if err := rows.Scan(&m.ID, &m.UserID, &m.SessionID, &m.ExamID, &m.QuestionID, &m.QuestionText,
			&m.QuestionType, &m.UserAnswer, &m.CorrectAnswer, &m.Explanation, &m.Subject, &m.Topic,
			&m.Difficulty, &m.TimeSpentSeconds, &m.Resolved, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AppendScoreHistory inserts the history row of a session. It reports false
// when the session already has one.
func (s *Store) AppendScoreHistory(ctx context.Context, h model.ScoreHistoryEntry) (bool, error) {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO score_history (id, user_id, session_id, source_type, source_id, subject,
		   score_percentage, total_questions, answered_count, correct_count, time_spent_seconds, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (session_id) DO NOTHING`,
		h.ID, h.UserID, h.SessionID, h.SourceType, h.SourceID, h.Subject,
		h.ScorePercentage, h.TotalQuestions, h.AnsweredCount, h.CorrectCount, h.TimeSpentSeconds, h.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert score history for %s: %w", h.SessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListScoreHistory returns the score history of a user, oldest first.
func (s *Store) ListScoreHistory(ctx context.Context, userID string) ([]model.ScoreHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, session_id, source_type, source_id, subject, score_percentage,
		   total_questions, answered_count, correct_count, time_spent_seconds, created_at
		 FROM score_history WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ScoreHistoryEntry
	for rows.Next() {
		var h model.ScoreHistoryEntry
		if err := rows.Scan(&h.ID, &h.UserID, &h.SessionID, &h.SourceType, &h.SourceID, &h.Subject,
			&h.ScorePercentage, &h.TotalQuestions, &h.AnsweredCount, &h.CorrectCount,
			&h.TimeSpentSeconds, &h.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
