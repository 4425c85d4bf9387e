// Package reasoning adapts a language model to the structured reasoning calls
// made by the planner, the specialists and the synthesizer.
//
// Every call is a Task: a system prompt describing the expected JSON shape and a
// user prompt carrying the ticket data. The LLM implementation rate limits calls,
// retries transient failures with exponential backoff and scrubs secrets from
// prompts before they leave the process.
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/concierge/internal/redact"
)

// Default configuration values.
const (
	defaultTemperature = 0.2
	defaultMaxTokens   = 1024
	defaultMaxRetries  = 3
	defaultBaseBackoff = 1 * time.Second
	defaultRateLimit   = 5.0
	defaultBurst       = 5
)

var (
	// ErrEmptyResponse indicates the model returned no choices or only whitespace.
	ErrEmptyResponse = errors.New("empty response from model")

	// ErrMalformedOutput indicates the model output could not be decoded.
	ErrMalformedOutput = errors.New("malformed model output")
)

// Task is one reasoning request.
type Task struct {
	// Name labels the call for tracing, e.g. "planner" or "specialist.billing".
	Name   string
	System string
	Prompt string
}

// Reasoner performs a reasoning task and returns the raw model text.
type Reasoner interface {
	Reason(ctx context.Context, task Task) (string, error)
}

// Func adapts a function to Reasoner.
type Func func(ctx context.Context, task Task) (string, error)

// Reason calls f.
func (f Func) Reason(ctx context.Context, task Task) (string, error) { return f(ctx, task) }

// Options tunes an LLM reasoner.
type Options struct {
	// Temperature is sent as is, zero included; nil uses the default.
	Temperature *float64
	MaxTokens   int
	MaxRetries  int
	RateLimit   float64 // requests per second
	Burst       int
	Timeout     time.Duration
	// JSONMode asks the provider for a JSON object response.
	JSONMode bool
	// Redactor scrubs prompts; nil uses the default rules.
	Redactor redact.Redactor
}

// LLM implements Reasoner over a langchaingo model.
type LLM struct {
	model   llms.Model
	opts    Options
	limiter *rate.Limiter
	backoff time.Duration
}

// NewLLM wraps model. Zero options fall back to defaults.
func NewLLM(model llms.Model, opts Options) *LLM {
	if opts.Temperature == nil {
		t := defaultTemperature
		opts.Temperature = &t
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = defaultRateLimit
	}
	if opts.Burst <= 0 {
		opts.Burst = defaultBurst
	}
	if opts.Redactor == nil {
		opts.Redactor = redact.MustNew(nil)
	}
	return &LLM{
		model:   model,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.RateLimit), opts.Burst),
		backoff: defaultBaseBackoff,
	}
}

// Reason sends the task to the model and returns the first choice's text.
func (l *LLM) Reason(ctx context.Context, task Task) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, task.System),
		llms.TextParts(llms.ChatMessageTypeHuman, l.opts.Redactor.Redact(task.Prompt).Text),
	}

	callOpts := []llms.CallOption{
		llms.WithTemperature(*l.opts.Temperature),
		llms.WithMaxTokens(l.opts.MaxTokens),
	}
	if l.opts.JSONMode {
		callOpts = append(callOpts, llms.WithJSONMode())
	}

	var lastErr error
	for attempt := 0; attempt <= l.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := l.backoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		if err := l.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limiter error: %w", err)
		}

		text, err := l.generate(ctx, messages, callOpts)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !retryable(ctx, err) {
			return "", fmt.Errorf("%s: %w", task.Name, err)
		}
	}

	return "", fmt.Errorf("%s: max retries exceeded: %w", task.Name, lastErr)
}

func (l *LLM) generate(ctx context.Context, messages []llms.MessageContent, opts []llms.CallOption) (string, error) {
	if l.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.opts.Timeout)
		defer cancel()
	}

	resp, err := l.model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Content) == "" {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Content, nil
}

// retryable reports whether a failed call is worth another attempt. Cancellation
// of the caller's context is final; everything else from the provider is treated
// as transient.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return !errors.Is(err, context.Canceled)
}
