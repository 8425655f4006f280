package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/pavelanni/assessor/internal/apperr"
	"github.com/pavelanni/assessor/internal/model"
)

const examColumns = `id, title, subject, grade_level, duration_minutes, total_marks, passing_marks,
	start_date, end_date, shuffle_questions, status, grade_scale_json`

const questionColumns = `id, exam_id, question_number, question_type, prompt, options_json,
	correct_answer, answer_key_json, explanation, marks, topic, difficulty`

// PutExam inserts or replaces an exam together with its questions. Questions
// stored for the exam but absent from questions are deleted; if any of them
// has been answered the whole import is refused with ErrInvalidInput.
func (s *Store) PutExam(ctx context.Context, e model.Exam, questions []model.Question) error {
	scale, err := json.Marshal(e.GradeScale)
	if err != nil {
		return fmt.Errorf("marshal grade scale: %w", err)
	}
	if e.Status == "" {
		e.Status = model.ExamDraft
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO exams (`+examColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			 ON CONFLICT (id) DO UPDATE SET
			   title = excluded.title, subject = excluded.subject, grade_level = excluded.grade_level,
			   duration_minutes = excluded.duration_minutes, total_marks = excluded.total_marks,
			   passing_marks = excluded.passing_marks, start_date = excluded.start_date,
			   end_date = excluded.end_date, shuffle_questions = excluded.shuffle_questions,
			   status = excluded.status, grade_scale_json = excluded.grade_scale_json`,
			e.ID, e.Title, e.Subject, e.GradeLevel, e.DurationMinutes, e.TotalMarks, e.PassingMarks,
			nullTime(e.StartDate), nullTime(e.EndDate), e.ShuffleQuestions, e.Status, string(scale),
		)
		if err != nil {
			return fmt.Errorf("upsert exam %s: %w", e.ID, err)
		}
		keep := make(map[string]bool, len(questions))
		for _, q := range questions {
			q.ExamID = e.ID
			if err := putQuestion(ctx, tx, q); err != nil {
				return err
			}
			keep[q.ID] = true
		}
		return dropStaleQuestions(ctx, tx, e.ID, keep)
	})
}

func dropStaleQuestions(ctx context.Context, tx *sql.Tx, examID string, keep map[string]bool) error {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM questions WHERE exam_id = $1`, examID)
	if err != nil {
		return fmt.Errorf("list questions of %s: %w", examID, err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan question id: %w", err)
		}
		if !keep[id] {
			stale = append(stale, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("list questions of %s: %w", examID, err)
	}

	for _, id := range stale {
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM answers WHERE question_id = $1`, id).Scan(&n); err != nil {
			return fmt.Errorf("count answers for %s: %w", id, err)
		}
		if n > 0 {
			return fmt.Errorf("exam %s: question %s has %d answers and cannot be removed: %w",
				examID, id, n, apperr.ErrInvalidInput)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM questions WHERE id = $1`, id); err != nil {
			return fmt.Errorf("delete question %s: %w", id, err)
		}
	}
	return nil
}

func putQuestion(ctx context.Context, tx *sql.Tx, q model.Question) error {
	opts, err := json.Marshal(q.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	keys, err := json.Marshal(q.AnswerKey)
	if err != nil {
		return fmt.Errorf("marshal answer key: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO questions (`+questionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE SET
		   exam_id = excluded.exam_id, question_number = excluded.question_number,
		   question_type = excluded.question_type, prompt = excluded.prompt,
		   options_json = excluded.options_json, correct_answer = excluded.correct_answer,
		   answer_key_json = excluded.answer_key_json, explanation = excluded.explanation,
		   marks = excluded.marks, topic = excluded.topic, difficulty = excluded.difficulty`,
		q.ID, q.ExamID, q.Number, q.Type, q.Prompt, string(opts),
		q.CorrectAnswer, string(keys), q.Explanation, q.Marks, q.Topic, q.Difficulty,
	)
	if err != nil {
		return fmt.Errorf("upsert question %s: %w", q.ID, err)
	}
	return nil
}

// GetExam returns an exam by ID.
func (s *Store) GetExam(ctx context.Context, id string) (model.Exam, error) {
	e, err := scanExam(s.db.QueryRowContext(ctx, `SELECT `+examColumns+` FROM exams WHERE id = $1`, id))
	if isNoRows(err) {
		return model.Exam{}, fmt.Errorf("exam %s: %w", id, apperr.ErrNotFound)
	}
	return e, err
}

// ListExams returns exams ordered by title. With publishedOnly, drafts are skipped.
func (s *Store) ListExams(ctx context.Context, publishedOnly bool) ([]model.Exam, error) {
	query := `SELECT ` + examColumns + ` FROM exams`
	var args []any
	if publishedOnly {
		query += ` WHERE status = $1`
		args = append(args, model.ExamPublished)
	}
	query += ` ORDER BY title, id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var exams []model.Exam
	for rows.Next() {
		e, err := scanExam(rows)
		if err != nil {
			return nil, err
		}
		exams = append(exams, e)
	}
	return exams, rows.Err()
}

// ListQuestions returns the questions of an exam in question-number order.
func (s *Store) ListQuestions(ctx context.Context, examID string) ([]model.Question, error) {
	return listQuestions(ctx, s.db, examID)
}

func listQuestions(ctx context.Context, q queryer, examID string) ([]model.Question, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE exam_id = $1 ORDER BY question_number, id`, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var questions []model.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExam(sc scanner) (model.Exam, error) {
	var e model.Exam
	var start, end sql.NullTime
	var scale string
	err := sc.Scan(&e.ID, &e.Title, &e.Subject, &e.GradeLevel, &e.DurationMinutes, &e.TotalMarks,
		&e.PassingMarks, &start, &end, &e.ShuffleQuestions, &e.Status, &scale)
	if err != nil {
		return e, err
	}
	e.StartDate = timePtr(start)
	e.EndDate = timePtr(end)
	if err := json.Unmarshal([]byte(scale), &e.GradeScale); err != nil {
		return e, fmt.Errorf("decode grade scale of exam %s: %w", e.ID, err)
	}
	return e, nil
}

func scanQuestion(sc scanner) (model.Question, error) {
	var q model.Question
	var opts, keys string
	err := sc.Scan(&q.ID, &q.ExamID, &q.Number, &q.Type, &q.Prompt, &opts,
		&q.CorrectAnswer, &keys, &q.Explanation, &q.Marks, &q.Topic, &q.Difficulty)
	if err != nil {
		return q, err
	}
	if err := json.Unmarshal([]byte(opts), &q.Options); err != nil {
		return q, fmt.Errorf("decode options of question %s: %w", q.ID, err)
	}
	if err := json.Unmarshal([]byte(keys), &q.AnswerKey); err != nil {
		return q, fmt.Errorf("decode answer key of question %s: %w", q.ID, err)
	}
	return q, nil
}
