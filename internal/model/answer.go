package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// AnswerKind tags the shape of an AnswerValue.
type AnswerKind string

const (
	// AnswerNone is the zero value: no answer was given.
	AnswerNone AnswerKind = ""
	// AnswerChoice is a single option key (multiple choice, true/false).
	AnswerChoice AnswerKind = "choice"
	// AnswerChoices is a set of option keys (multiple select).
	AnswerChoices AnswerKind = "choices"
	// AnswerText is free text (short answer, numeric, essay).
	AnswerText AnswerKind = "text"
)

// ErrAnswerShape is returned when an answer cannot be coerced to a question type.
var ErrAnswerShape = errors.New("answer does not match question type")

// AnswerValue is a tagged union of the answer shapes a question type accepts.
type AnswerValue struct {
	Kind    AnswerKind
	Choice  string
	Choices []string
	Text    string
}

// ChoiceAnswer builds a single-choice answer.
func ChoiceAnswer(key string) AnswerValue { return AnswerValue{Kind: AnswerChoice, Choice: key} }

// ChoicesAnswer builds a multi-select answer.
func ChoicesAnswer(keys ...string) AnswerValue {
	return AnswerValue{Kind: AnswerChoices, Choices: keys}
}

// TextAnswer builds a free-text answer.
func TextAnswer(s string) AnswerValue { return AnswerValue{Kind: AnswerText, Text: s} }

// IsEmpty reports whether the value carries no answer.
func (v AnswerValue) IsEmpty() bool {
	switch v.Kind {
	case AnswerChoice:
		return strings.TrimSpace(v.Choice) == ""
	case AnswerChoices:
		return len(v.Choices) == 0
	case AnswerText:
		return strings.TrimSpace(v.Text) == ""
	default:
		return true
	}
}

// String renders the value for denormalized records.
func (v AnswerValue) String() string {
	switch v.Kind {
	case AnswerChoice:
		return v.Choice
	case AnswerChoices:
		return strings.Join(v.Choices, ", ")
	case AnswerText:
		return v.Text
	default:
		return ""
	}
}

// For coerces a loosely-typed value to the shape expected by a question type.
// A bare JSON string decodes as text; choice types reinterpret it as an option key.
func (v AnswerValue) For(qt QuestionType) (AnswerValue, error) {
	if v.Kind == AnswerNone {
		return v, nil
	}
	switch qt {
	case QuestionMultipleChoice, QuestionTrueFalse:
		switch v.Kind {
		case AnswerChoice:
			return v, nil
		case AnswerText:
			return ChoiceAnswer(v.Text), nil
		case AnswerChoices:
			if len(v.Choices) == 1 {
				return ChoiceAnswer(v.Choices[0]), nil
			}
		}
	case QuestionMultipleSelect:
		switch v.Kind {
		case AnswerChoices:
			return v, nil
		case AnswerChoice:
			return ChoicesAnswer(v.Choice), nil
		case AnswerText:
			return ChoicesAnswer(v.Text), nil
		}
	case QuestionShortAnswer, QuestionNumeric, QuestionEssay:
		switch v.Kind {
		case AnswerText:
			return v, nil
		case AnswerChoice:
			return TextAnswer(v.Choice), nil
		}
	default:
		return AnswerValue{}, fmt.Errorf("%w: unknown question type %q", ErrAnswerShape, qt)
	}
	return AnswerValue{}, fmt.Errorf("%w: %s answer for %s question", ErrAnswerShape, v.Kind, qt)
}

type answerJSON struct {
	Kind  AnswerKind      `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes the value as {"kind": ..., "value": ...}, or null when empty.
func (v AnswerValue) MarshalJSON() ([]byte, error) {
	var value any
	switch v.Kind {
	case AnswerNone:
		return []byte("null"), nil
	case AnswerChoice:
		value = v.Choice
	case AnswerChoices:
		value = v.Choices
	case AnswerText:
		value = v.Text
	default:
		return nil, fmt.Errorf("unknown answer kind %q", v.Kind)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(answerJSON{Kind: v.Kind, Value: raw})
}

// UnmarshalJSON accepts null, a bare string, an array of strings, or the tagged object form.
func (v *AnswerValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*v = AnswerValue{}
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = TextAnswer(s)
		return nil
	case '[':
		var ss []string
		if err := json.Unmarshal(data, &ss); err != nil {
			return fmt.Errorf("%w: %v", ErrAnswerShape, err)
		}
		*v = ChoicesAnswer(ss...)
		return nil
	case '{':
		var aj answerJSON
		if err := json.Unmarshal(data, &aj); err != nil {
			return err
		}
		switch aj.Kind {
		case AnswerChoice, AnswerText:
			var s string
			if err := json.Unmarshal(aj.Value, &s); err != nil {
				return fmt.Errorf("%w: %v", ErrAnswerShape, err)
			}
			if aj.Kind == AnswerChoice {
				*v = ChoiceAnswer(s)
			} else {
				*v = TextAnswer(s)
			}
		case AnswerChoices:
			var ss []string
			if err := json.Unmarshal(aj.Value, &ss); err != nil {
				return fmt.Errorf("%w: %v", ErrAnswerShape, err)
			}
			*v = ChoicesAnswer(ss...)
		default:
			return fmt.Errorf("%w: unknown kind %q", ErrAnswerShape, aj.Kind)
		}
		return nil
	default:
		return fmt.Errorf("%w: unsupported JSON value", ErrAnswerShape)
	}
}
