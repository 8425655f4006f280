// Package llm grades subjective answers with an OpenAI-compatible model.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/pavelanni/assessor/internal/attempt"
	"github.com/pavelanni/assessor/internal/llm/prompts"
	"github.com/pavelanni/assessor/internal/model"

	openai "github.com/sashabaranov/go-openai"
)

// gradeResponse is the JSON object the model is asked to return.
type gradeResponse struct {
	Score    *float64 `json:"score"`
	Feedback string   `json:"feedback"`
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api     *openai.Client
	model   string
	variant prompts.PromptVariant
}

// New creates a new LLM client. An empty variant means the standard prompt.
func New(baseURL, apiKey, modelName string, variant prompts.PromptVariant) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	if variant == "" {
		variant = prompts.PromptStandard
	}
	return &Client{
		api:     openai.NewClientWithConfig(config),
		model:   modelName,
		variant: variant,
	}
}

// GradeSubjective asks the model for marks and feedback on one answer.
func (c *Client) GradeSubjective(ctx context.Context, q model.Question, answer string) (attempt.SubjectiveGrade, error) {
	prompt, err := prompts.BuildGradePrompt(c.variant, q, answer)
	if err != nil {
		return attempt.SubjectiveGrade{}, fmt.Errorf("build prompt: %w", err)
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.1,
	})
	if err != nil {
		return attempt.SubjectiveGrade{}, fmt.Errorf("LLM grading API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return attempt.SubjectiveGrade{}, errors.New("LLM returned no choices for grading")
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "question", q.ID, "raw", raw)
	return parseGrade(raw, q.Marks)
}

func parseGrade(raw string, maxMarks float64) (attempt.SubjectiveGrade, error) {
	var r gradeResponse
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return attempt.SubjectiveGrade{}, fmt.Errorf("parse grading response: %w (raw: %s)", err, raw)
	}
	if r.Score == nil {
		return attempt.SubjectiveGrade{}, fmt.Errorf("grading response has no score (raw: %s)", raw)
	}
	score := math.Max(0, math.Min(*r.Score, maxMarks))
	return attempt.SubjectiveGrade{Marks: score, Feedback: r.Feedback}, nil
}
