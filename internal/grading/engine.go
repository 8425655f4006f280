// Package grading turns a question set and a final answer set into a score.
//
// Grading is a pure function: the same questions, answers and parameters always
// produce the same Result. Nothing here reads the clock, storage or randomness.
package grading

import (
	"fmt"
	"math"
	"sort"

	"github.com/pavelanni/assessor/internal/apperr"
	"github.com/pavelanni/assessor/internal/model"
)

// Params carries the exam-level configuration the engine needs.
type Params struct {
	TotalMarks   float64 // 0 means the sum of question marks
	PassingMarks float64
	Scale        []model.GradeThreshold
}

// ParamsFor builds Params from an exam, falling back to scale when the exam has none.
func ParamsFor(exam model.Exam, scale []model.GradeThreshold) Params {
	if len(exam.GradeScale) > 0 {
		scale = exam.GradeScale
	}
	return Params{TotalMarks: exam.TotalMarks, PassingMarks: exam.PassingMarks, Scale: scale}
}

// QuestionResult is the outcome for one question.
type QuestionResult struct {
	QuestionID    string  `json:"question_id"`
	IsCorrect     *bool   `json:"is_correct"`
	MarksObtained float64 `json:"marks_obtained"`
	Subjective    bool    `json:"subjective"`
	Answered      bool    `json:"answered"`
	Graded        bool    `json:"graded"`
	Feedback      string  `json:"feedback,omitempty"`
}

// Result is the outcome of grading a whole session.
type Result struct {
	PerQuestion        []QuestionResult `json:"per_question"`
	ObjectiveScore     float64          `json:"objective_score"`
	SubjectiveScore    float64          `json:"subjective_score"`
	SubjectiveGraded   bool             `json:"subjective_graded"`
	TotalMarksObtained float64          `json:"total_marks_obtained"`
	TotalMarks         float64          `json:"total_marks"`
	Percentage         float64          `json:"percentage"`
	Grade              string           `json:"grade"`
	Passed             bool             `json:"passed"`
}

// Score returns the session score fields of the result.
func (r *Result) Score() model.SessionScore {
	return model.SessionScore{
		TotalMarksObtained: r.TotalMarksObtained,
		Percentage:         r.Percentage,
		Grade:              r.Grade,
		Passed:             r.Passed,
		ObjectiveScore:     r.ObjectiveScore,
		SubjectiveScore:    r.SubjectiveScore,
		SubjectiveGraded:   r.SubjectiveGraded,
	}
}

// AnswerGrades converts the per-question results into rows for the answer store.
func (r *Result) AnswerGrades() []model.AnswerGrade {
	out := make([]model.AnswerGrade, 0, len(r.PerQuestion))
	for _, qr := range r.PerQuestion {
		out = append(out, model.AnswerGrade{
			QuestionID:     qr.QuestionID,
			IsCorrect:      qr.IsCorrect,
			MarksObtained:  qr.MarksObtained,
			GraderFeedback: qr.Feedback,
			Graded:         qr.Graded,
		})
	}
	return out
}

// Strategy grades one objective question.
type Strategy interface {
	Correct(q model.Question, v model.AnswerValue) bool
}

// Engine routes objective questions by type to a Strategy.
type Engine struct {
	strategies map[model.QuestionType]Strategy
}

// New installs the built-in strategies.
func New() *Engine {
	return &Engine{
		strategies: map[model.QuestionType]Strategy{
			model.QuestionMultipleChoice: choiceStrategy{},
			model.QuestionTrueFalse:      choiceStrategy{},
			model.QuestionMultipleSelect: multiSelectStrategy{},
			model.QuestionShortAnswer:    textStrategy{},
			model.QuestionNumeric:        numericStrategy{},
		},
	}
}

// Grade scores answers against questions.
//
// Answers to subjective questions keep any externally supplied grade (Graded=true);
// otherwise they score 0 with IsCorrect=nil and leave SubjectiveGraded false.
func (e *Engine) Grade(questions []model.Question, answers []model.Answer, p Params) (*Result, error) {
	qs := make([]model.Question, len(questions))
	copy(qs, questions)
	sort.SliceStable(qs, func(i, j int) bool {
		if qs[i].Number != qs[j].Number {
			return qs[i].Number < qs[j].Number
		}
		return qs[i].ID < qs[j].ID
	})

	byID := make(map[string]model.Question, len(qs))
	var sumMarks float64
	for _, q := range qs {
		if _, dup := byID[q.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate question %s", apperr.ErrGrading, q.ID)
		}
		if q.Marks < 0 || math.IsNaN(q.Marks) || math.IsInf(q.Marks, 0) {
			return nil, fmt.Errorf("%w: question %s has invalid marks %v", apperr.ErrGrading, q.ID, q.Marks)
		}
		byID[q.ID] = q
		sumMarks += q.Marks
	}

	answerByQ := make(map[string]model.Answer, len(answers))
	for _, a := range answers {
		if _, ok := byID[a.QuestionID]; !ok {
			return nil, fmt.Errorf("%w: answer for unknown question %s", apperr.ErrGrading, a.QuestionID)
		}
		if _, dup := answerByQ[a.QuestionID]; dup {
			return nil, fmt.Errorf("%w: duplicate answer for question %s", apperr.ErrGrading, a.QuestionID)
		}
		answerByQ[a.QuestionID] = a
	}

	total := p.TotalMarks
	if total <= 0 {
		total = sumMarks
	}
	if total <= 0 {
		return nil, fmt.Errorf("%w: exam has no marks", apperr.ErrGrading)
	}

	res := &Result{TotalMarks: total, SubjectiveGraded: true}
	for _, q := range qs {
		a, answered := answerByQ[q.ID]
		answered = answered && !a.Value.IsEmpty()

		var qr QuestionResult
		var err error
		if q.Subjective() {
			qr = gradeSubjective(q, a, answered)
			if !qr.Graded {
				res.SubjectiveGraded = false
			}
			res.SubjectiveScore += qr.MarksObtained
		} else {
			qr, err = e.gradeObjective(q, a, answered)
			if err != nil {
				return nil, err
			}
			res.ObjectiveScore += qr.MarksObtained
		}
		res.PerQuestion = append(res.PerQuestion, qr)
	}

	res.TotalMarksObtained = res.ObjectiveScore + res.SubjectiveScore
	res.Percentage = round2(res.TotalMarksObtained / total * 100)
	res.Passed = res.TotalMarksObtained >= p.PassingMarks
	res.Grade = LetterGrade(res.Percentage, res.Passed, p.Scale)
	return res, nil
}

func (e *Engine) gradeObjective(q model.Question, a model.Answer, answered bool) (QuestionResult, error) {
	qr := QuestionResult{QuestionID: q.ID, Answered: answered, Graded: true}
	incorrect := false
	qr.IsCorrect = &incorrect
	if !answered {
		return qr, nil
	}
	s, ok := e.strategies[q.Type]
	if !ok {
		return qr, fmt.Errorf("%w: no strategy for question type %q", apperr.ErrGrading, q.Type)
	}
	v, err := a.Value.For(q.Type)
	if err != nil {
		return qr, fmt.Errorf("%w: question %s: %v", apperr.ErrGrading, q.ID, err)
	}
	correct := s.Correct(q, v)
	qr.IsCorrect = &correct
	if correct {
		qr.MarksObtained = q.Marks
	}
	return qr, nil
}

func gradeSubjective(q model.Question, a model.Answer, answered bool) QuestionResult {
	qr := QuestionResult{QuestionID: q.ID, Subjective: true, Answered: answered}
	if !answered {
		// Nothing to review: an empty response scores zero.
		incorrect := false
		qr.IsCorrect = &incorrect
		qr.Graded = true
		return qr
	}
	if !a.Graded {
		return qr
	}
	qr.Graded = true
	qr.IsCorrect = a.IsCorrect
	qr.MarksObtained = math.Max(0, math.Min(a.MarksObtained, q.Marks))
	qr.Feedback = a.GraderFeedback
	return qr
}

// LetterGrade picks the first threshold (highest first) met by pct. Failing sessions get "F".
func LetterGrade(pct float64, passed bool, scale []model.GradeThreshold) string {
	if !passed {
		return "F"
	}
	sorted := make([]model.GradeThreshold, len(scale))
	copy(sorted, scale)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].MinPercent > sorted[j].MinPercent })
	for _, t := range sorted {
		if pct >= t.MinPercent {
			return t.Grade
		}
	}
	return "F"
}

// round2 rounds half away from zero to two decimals.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// --- Strategies ---

type choiceStrategy struct{}

func (choiceStrategy) Correct(q model.Question, v model.AnswerValue) bool {
	got := resolveOption(q, v.Choice)
	for _, k := range q.Keys() {
		if got == resolveOption(q, k) {
			return true
		}
	}
	return false
}

type multiSelectStrategy struct{}

func (multiSelectStrategy) Correct(q model.Question, v model.AnswerValue) bool {
	want := make([]string, 0, len(q.Keys()))
	for _, k := range q.Keys() {
		want = append(want, resolveOption(q, k))
	}
	got := make([]string, 0, len(v.Choices))
	for _, c := range v.Choices {
		got = append(got, resolveOption(q, c))
	}
	return len(want) > 0 && setEqual(toSet(want), toSet(got))
}

type textStrategy struct{}

func (textStrategy) Correct(q model.Question, v model.AnswerValue) bool {
	got := normalize(v.Text)
	for _, k := range q.Keys() {
		if normalize(k) == got {
			return true
		}
	}
	return false
}

type numericStrategy struct{}

func (numericStrategy) Correct(q model.Question, v model.AnswerValue) bool {
	return numericMatch(v.Text, q.Keys())
}

// resolveOption maps an option key or option text to the normalized option key.
// Values that match no option are returned normalized as-is.
func resolveOption(q model.Question, s string) string {
	ns := normalize(s)
	for _, o := range q.Options {
		if normalize(o.Key) == ns {
			return normalize(o.Key)
		}
	}
	for _, o := range q.Options {
		if o.Text != "" && normalize(o.Text) == ns {
			return normalize(o.Key)
		}
	}
	return ns
}
