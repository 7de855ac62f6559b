// Package generate turns source text or a free-form request into multiple
// choice questions using a language model, in bounded batches with retries.
package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jinjjij/Capstone-Qbank/internal/apperr"
	"github.com/jinjjij/Capstone-Qbank/internal/extract"
	"github.com/jinjjij/Capstone-Qbank/internal/llm"
	"github.com/jinjjij/Capstone-Qbank/internal/llm/prompts"
	"github.com/jinjjij/Capstone-Qbank/internal/metrics"
	"github.com/jinjjij/Capstone-Qbank/internal/model"
)

const systemPrompt = "You are an experienced teacher who writes clear, unambiguous quiz questions."

// Model is the language model the pipeline calls.
type Model interface {
	Invoke(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Config bounds the cost and latency of a run.
type Config struct {
	BatchCap       int
	MaxAttempts    int
	CallTimeout    time.Duration
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	MaxSourceChars int
	MaxCount       int
	MaxTokens      int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BatchCap:       5,
		MaxAttempts:    3,
		CallTimeout:    60 * time.Second,
		BackoffBase:    500 * time.Millisecond,
		BackoffCap:     8 * time.Second,
		MaxSourceChars: 20000,
		MaxCount:       50,
		MaxTokens:      2000,
	}
}

// Request is one generation job. At least one of SourceText and
// FreeformPrompt must be non-empty.
type Request struct {
	SourceText     string
	FreeformPrompt string
	Count          int
}

// Result is the outcome of a successful run. len(Items) <= the requested count.
type Result struct {
	RunID   string
	Batches int
	Items   []model.QuestionItem
}

// Pipeline runs generation requests. It is safe for concurrent use.
type Pipeline struct {
	model   Model
	cfg     Config
	metrics *metrics.Metrics
	tracer  trace.Tracer
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates a pipeline. m may be nil.
func New(mdl Model, cfg Config, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		model:   mdl,
		cfg:     cfg,
		metrics: m,
		tracer:  otel.Tracer("github.com/jinjjij/Capstone-Qbank/internal/generate"),
		sleep:   sleepCtx,
	}
}

// Batches splits n into consecutive batch sizes of at most batchCap.
func Batches(n, batchCap int) []int {
	if n <= 0 {
		return nil
	}
	if batchCap <= 0 || n <= batchCap {
		return []int{n}
	}
	var out []int
	for n > 0 {
		size := min(n, batchCap)
		out = append(out, size)
		n -= size
	}
	return out
}

// Backoff returns the delay before retry number attempt (1-based):
// min(cap, base * 2^(attempt-1)).
func (c Config) Backoff(attempt int) time.Duration {
	d := c.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.BackoffCap {
			return c.BackoffCap
		}
	}
	return min(d, c.BackoffCap)
}

// Generate validates req and runs all batches in order. Any batch failure
// aborts the whole run and discards earlier batches.
func (p *Pipeline) Generate(ctx context.Context, req Request) (*Result, error) {
	source := extract.Truncate(extract.CollapseWhitespace(req.SourceText), p.cfg.MaxSourceChars)
	instructions := strings.TrimSpace(req.FreeformPrompt)

	if req.Count <= 0 {
		return nil, apperr.Errorf(apperr.InvalidField, "questionCount must be a positive integer")
	}
	if p.cfg.MaxCount > 0 && req.Count > p.cfg.MaxCount {
		return nil, apperr.Errorf(apperr.InvalidField, "questionCount must not exceed %d", p.cfg.MaxCount)
	}
	if source == "" && instructions == "" {
		return nil, apperr.Errorf(apperr.InvalidField, "a source document or a message is required")
	}

	res := &Result{RunID: uuid.NewString()}
	sizes := Batches(req.Count, p.cfg.BatchCap)
	res.Batches = len(sizes)

	ctx, span := p.tracer.Start(ctx, "generate", trace.WithAttributes(
		attribute.String("qbank.run_id", res.RunID),
		attribute.Int("qbank.requested", req.Count),
		attribute.Int("qbank.batches", len(sizes)),
		attribute.Int("qbank.source_chars", len([]rune(source))),
	))
	defer span.End()

	log := slog.With("run_id", res.RunID)
	log.Info("generation started", "requested", req.Count, "batches", sizes, "has_source", source != "")

	for i, size := range sizes {
		items, err := p.runBatch(ctx, log, i, size, source, instructions)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(apperr.CodeOf(err)))
			p.metrics.ObserveGeneration(string(apperr.CodeOf(err)), 0)
			log.Warn("generation failed", "batch", i+1, "error", err)
			return nil, err
		}
		res.Items = append(res.Items, items...)
	}

	if len(res.Items) > req.Count {
		res.Items = res.Items[:req.Count]
	}
	p.metrics.ObserveGeneration("ok", len(res.Items))
	span.SetAttributes(attribute.Int("qbank.items", len(res.Items)))
	log.Info("generation finished", "items", len(res.Items))
	return res, nil
}

func (p *Pipeline) runBatch(ctx context.Context, log *slog.Logger, index, size int, source, instructions string) ([]model.QuestionItem, error) {
	ctx, span := p.tracer.Start(ctx, "generate.batch", trace.WithAttributes(
		attribute.Int("qbank.batch", index+1),
		attribute.Int("qbank.batch_size", size),
	))
	defer span.End()

	prompt, err := prompts.Generation(prompts.GenerationData{Count: size, Source: source, Instructions: instructions})
	if err != nil {
		return nil, fmt.Errorf("build prompt: %w", err)
	}

	resp, err := p.invoke(ctx, log, llm.Request{
		System:      systemPrompt,
		Prompt:      prompt,
		Tool:        submitTool(size),
		MaxTokens:   p.cfg.MaxTokens,
		Temperature: 0.7,
	})
	if err != nil {
		return nil, err
	}

	raw, err := parseResponse(resp)
	if err != nil {
		log.Debug("unparseable model output", "batch", index+1, "arguments", resp.Arguments, "content", resp.Content)
		return nil, apperr.New(apperr.InvalidAIResponse, err)
	}
	if len(raw) < size {
		log.Warn("model under-produced", "batch", index+1, "want", size, "got", len(raw))
	}
	return normalize(raw), nil
}

// invoke calls the model with a per-attempt timeout, retrying transient
// failures with capped exponential backoff.
func (p *Pipeline) invoke(ctx context.Context, log *slog.Logger, req llm.Request) (*llm.Response, error) {
	for attempt := 1; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
		resp, err := p.model.Invoke(callCtx, req)
		cancel()
		if err == nil {
			p.metrics.ObserveLLMCall("ok")
			return resp, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return nil, apperr.New(apperr.UpstreamTimeout, ctxErr)
			}
			return nil, fmt.Errorf("generation aborted: %w", ctxErr)
		}

		le := llm.Classify(err)
		p.metrics.ObserveLLMCall(le.Class.String())
		trace.SpanFromContext(ctx).AddEvent("llm.failure", trace.WithAttributes(
			attribute.Int("attempt", attempt),
			attribute.String("class", le.Class.String()),
			attribute.Int("status", le.Status),
		))

		if !le.Class.Retryable() {
			return nil, apperr.New(apperr.UpstreamError, le)
		}
		if attempt >= p.cfg.MaxAttempts {
			if le.Class == llm.ClassTimeout {
				return nil, apperr.New(apperr.UpstreamTimeout, le)
			}
			return nil, apperr.New(apperr.UpstreamError, le)
		}

		delay := p.cfg.Backoff(attempt)
		log.Warn("LLM call failed, retrying",
			"attempt", attempt,
			"max_attempts", p.cfg.MaxAttempts,
			"class", le.Class.String(),
			"status", le.Status,
			"backoff", delay,
		)
		if err := p.sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("generation aborted: %w", err)
		}
	}
}

func normalize(raw []rawItem) []model.QuestionItem {
	items := make([]model.QuestionItem, 0, len(raw))
	for _, r := range raw {
		items = append(items, model.QuestionItem{
			Type:     model.QuestionMCQ,
			Question: r.Question,
			Choices:  r.Choices,
			Answer:   r.Answer,
		})
	}
	return items
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
