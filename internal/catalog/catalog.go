// Package catalog serves exam definitions to the session engine, optionally
// through a cache. Exams are immutable once published, so entries only expire.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pavelanni/assessor/internal/model"
)

// Source is the authoritative exam store.
type Source interface {
	GetExam(ctx context.Context, id string) (model.Exam, error)
	ListExams(ctx context.Context, publishedOnly bool) ([]model.Exam, error)
	ListQuestions(ctx context.Context, examID string) ([]model.Question, error)
}

// Cache stores encoded catalog entries.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Catalog reads exams through a cache. A nil cache disables caching.
type Catalog struct {
	src   Source
	cache Cache
	ttl   time.Duration
}

// New creates a Catalog.
func New(src Source, cache Cache, ttl time.Duration) *Catalog {
	return &Catalog{src: src, cache: cache, ttl: ttl}
}

// GetExam returns an exam by ID.
func (c *Catalog) GetExam(ctx context.Context, id string) (model.Exam, error) {
	var e model.Exam
	err := c.cached(ctx, "exam:"+id, &e, func() (any, error) { return c.src.GetExam(ctx, id) })
	return e, err
}

// ListExams returns exams; lists are not cached since new exams may be published at any time.
func (c *Catalog) ListExams(ctx context.Context, publishedOnly bool) ([]model.Exam, error) {
	return c.src.ListExams(ctx, publishedOnly)
}

// ListQuestions returns the questions of an exam.
func (c *Catalog) ListQuestions(ctx context.Context, examID string) ([]model.Question, error) {
	var qs []model.Question
	err := c.cached(ctx, "questions:"+examID, &qs, func() (any, error) { return c.src.ListQuestions(ctx, examID) })
	return qs, err
}

func (c *Catalog) cached(ctx context.Context, key string, dst any, load func() (any, error)) error {
	if c.cache != nil {
		raw, ok, err := c.cache.Get(ctx, key)
		if err != nil {
			slog.Warn("catalog cache get failed", "key", key, "error", err)
		} else if ok {
			if err := json.Unmarshal(raw, dst); err == nil {
				return nil
			}
			slog.Warn("catalog cache entry undecodable", "key", key)
		}
	}

	v, err := load()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	if c.cache != nil {
		if err := c.cache.Set(ctx, key, raw, c.ttl); err != nil {
			slog.Warn("catalog cache set failed", "key", key, "error", err)
		}
	}
	return nil
}
