package model

import "time"

// ResultsExport is the top-level JSON structure for exam result export.
type ResultsExport struct {
	ExamID     string          `json:"exam_id"`
	ExamTitle  string          `json:"exam_title"`
	Subject    string          `json:"subject"`
	TotalMarks float64         `json:"total_marks"`
	ExportedAt time.Time       `json:"exported_at"`
	Results    []StudentResult `json:"results"`
}

// StudentResult holds one student's submitted session for export.
type StudentResult struct {
	Username         string           `json:"username"`
	DisplayName      string           `json:"display_name"`
	SessionID        string           `json:"session_id"`
	StartedAt        time.Time        `json:"started_at"`
	SubmittedAt      *time.Time       `json:"submitted_at,omitempty"`
	TotalMarks       float64          `json:"total_marks_obtained"`
	Percentage       float64          `json:"percentage"`
	Grade            string           `json:"grade"`
	Passed           bool             `json:"passed"`
	SubjectiveGraded bool             `json:"subjective_graded"`
	Questions        []QuestionResult `json:"questions"`
}

// QuestionResult holds per-question data for export and result review.
type QuestionResult struct {
	QuestionID     string       `json:"question_id"`
	Number         int          `json:"question_number"`
	Type           QuestionType `json:"question_type"`
	Prompt         string       `json:"prompt"`
	Options        []Option     `json:"options,omitempty"`
	Topic          string       `json:"topic"`
	Difficulty     Difficulty   `json:"difficulty"`
	Marks          float64      `json:"marks"`
	CorrectAnswer  string       `json:"correct_answer,omitempty"`
	Explanation    string       `json:"explanation,omitempty"`
	UserAnswer     AnswerValue  `json:"user_answer"`
	IsCorrect      *bool        `json:"is_correct"`
	MarksObtained  float64      `json:"marks_obtained"`
	GraderFeedback string       `json:"grader_feedback,omitempty"`
	Graded         bool         `json:"graded"`
}
