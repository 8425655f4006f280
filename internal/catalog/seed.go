package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pavelanni/assessor/internal/model"
)

// Seed is the on-disk format of a catalog file, in JSON or YAML.
type Seed struct {
	Exams []SeedExam `json:"exams" yaml:"exams"`
}

// SeedExam is one exam with its questions.
type SeedExam struct {
	ID               string                 `json:"id" yaml:"id"`
	Title            string                 `json:"title" yaml:"title"`
	Subject          string                 `json:"subject" yaml:"subject"`
	GradeLevel       string                 `json:"grade_level" yaml:"grade_level"`
	DurationMinutes  int                    `json:"duration_minutes" yaml:"duration_minutes"`
	TotalMarks       float64                `json:"total_marks" yaml:"total_marks"`
	PassingMarks     float64                `json:"passing_marks" yaml:"passing_marks"`
	StartDate        *time.Time             `json:"start_date" yaml:"start_date"`
	EndDate          *time.Time             `json:"end_date" yaml:"end_date"`
	ShuffleQuestions bool                   `json:"shuffle_questions" yaml:"shuffle_questions"`
	Status           model.ExamStatus       `json:"status" yaml:"status"`
	GradeScale       []model.GradeThreshold `json:"grade_scale" yaml:"grade_scale"`
	Questions        []SeedQuestion         `json:"questions" yaml:"questions"`
}

// SeedQuestion is one question of a SeedExam.
type SeedQuestion struct {
	ID            string             `json:"id" yaml:"id"`
	Type          model.QuestionType `json:"type" yaml:"type"`
	Prompt        string             `json:"prompt" yaml:"prompt"`
	Options       []model.Option     `json:"options" yaml:"options"`
	CorrectAnswer string             `json:"correct_answer" yaml:"correct_answer"`
	AnswerKey     []string           `json:"answer_key" yaml:"answer_key"`
	Explanation   string             `json:"explanation" yaml:"explanation"`
	Marks         float64            `json:"marks" yaml:"marks"`
	Topic         string             `json:"topic" yaml:"topic"`
	Difficulty    model.Difficulty   `json:"difficulty" yaml:"difficulty"`
}

// ParseSeed decodes a catalog file; names ending in .yaml or .yml are YAML, anything else JSON.
func ParseSeed(name string, data []byte) (Seed, error) {
	var s Seed
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &s); err != nil {
			return Seed{}, fmt.Errorf("parse yaml %s: %w", name, err)
		}
	default:
		if err := json.Unmarshal(data, &s); err != nil {
			return Seed{}, fmt.Errorf("parse json %s: %w", name, err)
		}
	}
	return s, nil
}

// Model validates the seed exam and converts it. Question IDs default to
// "<exam>-q<n>", total marks to the sum of question marks, status to published.
func (se SeedExam) Model() (model.Exam, []model.Question, error) {
	if se.ID == "" {
		return model.Exam{}, nil, errors.New("exam without id")
	}
	if se.DurationMinutes <= 0 {
		return model.Exam{}, nil, fmt.Errorf("exam %s: duration must be positive", se.ID)
	}
	if len(se.Questions) == 0 {
		return model.Exam{}, nil, fmt.Errorf("exam %s: no questions", se.ID)
	}
	if se.StartDate != nil && se.EndDate != nil && !se.EndDate.After(*se.StartDate) {
		return model.Exam{}, nil, fmt.Errorf("exam %s: end date must be after start date", se.ID)
	}

	exam := model.Exam{
		ID:               se.ID,
		Title:            se.Title,
		Subject:          se.Subject,
		GradeLevel:       se.GradeLevel,
		DurationMinutes:  se.DurationMinutes,
		TotalMarks:       se.TotalMarks,
		PassingMarks:     se.PassingMarks,
		StartDate:        se.StartDate,
		EndDate:          se.EndDate,
		ShuffleQuestions: se.ShuffleQuestions,
		Status:           se.Status,
		GradeScale:       se.GradeScale,
	}
	if exam.Status == "" {
		exam.Status = model.ExamPublished
	}
	if exam.Status != model.ExamPublished && exam.Status != model.ExamDraft {
		return model.Exam{}, nil, fmt.Errorf("exam %s: unknown status %q", se.ID, exam.Status)
	}

	var sum float64
	questions := make([]model.Question, 0, len(se.Questions))
	seen := make(map[string]bool, len(se.Questions))
	for i, sq := range se.Questions {
		q := model.Question{
			ID:            sq.ID,
			ExamID:        se.ID,
			Number:        i + 1,
			Type:          sq.Type,
			Prompt:        sq.Prompt,
			Options:       sq.Options,
			CorrectAnswer: sq.CorrectAnswer,
			AnswerKey:     sq.AnswerKey,
			Explanation:   sq.Explanation,
			Marks:         sq.Marks,
			Topic:         sq.Topic,
			Difficulty:    sq.Difficulty,
		}
		if q.ID == "" {
			q.ID = fmt.Sprintf("%s-q%d", se.ID, i+1)
		}
		if seen[q.ID] {
			return model.Exam{}, nil, fmt.Errorf("exam %s: duplicate question id %s", se.ID, q.ID)
		}
		seen[q.ID] = true
		if q.Marks <= 0 {
			return model.Exam{}, nil, fmt.Errorf("question %s: marks must be positive", q.ID)
		}
		if err := validateQuestion(q); err != nil {
			return model.Exam{}, nil, err
		}
		sum += q.Marks
		questions = append(questions, q)
	}
	if exam.TotalMarks == 0 {
		exam.TotalMarks = sum
	}
	return exam, questions, nil
}

func validateQuestion(q model.Question) error {
	switch q.Type {
	case model.QuestionMultipleChoice, model.QuestionTrueFalse, model.QuestionMultipleSelect:
		if len(q.Keys()) == 0 {
			return fmt.Errorf("question %s: %s needs an answer key", q.ID, q.Type)
		}
	case model.QuestionNumeric:
		if len(q.Keys()) == 0 {
			return fmt.Errorf("question %s: numeric needs an answer key", q.ID)
		}
	case model.QuestionShortAnswer, model.QuestionEssay:
	default:
		return fmt.Errorf("question %s: unknown type %q", q.ID, q.Type)
	}
	return nil
}

// Importer stores seeded exams and remembers which files were imported.
type Importer interface {
	PutExam(ctx context.Context, e model.Exam, questions []model.Question) error
	GetImportedFileHash(ctx context.Context, path string) (string, error)
	SetImportedFileHash(ctx context.Context, path, hash string) error
}

// ImportFiles loads catalog files into st. A file whose hash matches the last
// import is skipped. A file that changed since its last import is skipped
// with a warning unless force is set, so running sessions keep their questions.
// It returns the number of exams written.
func ImportFiles(ctx context.Context, st Importer, paths []string, force bool) (int, error) {
	total := 0
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return total, fmt.Errorf("read %s: %w", path, err)
		}

		hash := sha256sum(data)
		storedHash, err := st.GetImportedFileHash(ctx, path)
		if err != nil {
			return total, fmt.Errorf("check import status for %s: %w", path, err)
		}
		if storedHash == hash {
			slog.Info("catalog file unchanged, skipping", "path", path)
			continue
		}
		if storedHash != "" && !force {
			slog.Warn("catalog file changed since last import, skipping to avoid breaking existing sessions",
				"path", path)
			continue
		}

		seed, err := ParseSeed(path, data)
		if err != nil {
			return total, err
		}
		for _, se := range seed.Exams {
			exam, questions, err := se.Model()
			if err != nil {
				return total, fmt.Errorf("%s: %w", path, err)
			}
			if err := st.PutExam(ctx, exam, questions); err != nil {
				return total, fmt.Errorf("store exam %s from %s: %w", exam.ID, path, err)
			}
			total++
		}

		if err := st.SetImportedFileHash(ctx, path, hash); err != nil {
			return total, fmt.Errorf("record import for %s: %w", path, err)
		}
		slog.Info("imported catalog file", "path", path, "exams", len(seed.Exams))
	}
	return total, nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
