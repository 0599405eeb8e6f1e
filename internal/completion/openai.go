// ABOUTME: OpenAI-compatible completion adapter built on go-openai
// ABOUTME: Works against Groq, OpenAI, or any compatible endpoint via base_url

package completion

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/2389/chat-gateway/internal/config"
)

const providerOpenAI = "openai"

// retryPolicy bounds how often a call is retried before any output is produced.
type retryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{
		maxAttempts: 3,
		baseDelay:   100 * time.Millisecond,
		maxDelay:    2 * time.Second,
	}
}

func (p retryPolicy) delay(attempt int) time.Duration {
	d := p.baseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.maxDelay {
			return p.maxDelay
		}
	}
	return d
}

// OpenAI implements Port against an OpenAI-compatible chat completions API.
type OpenAI struct {
	client       *openai.Client
	model        string
	temperature  float32
	maxTokens    int
	systemPrompt string
	timeout      time.Duration
	retry        retryPolicy
	logger       *slog.Logger
}

// NewOpenAI creates an adapter from the completion config.
func NewOpenAI(cfg config.CompletionConfig, logger *slog.Logger) *OpenAI {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAI{
		client:       openai.NewClientWithConfig(clientCfg),
		model:        cfg.Model,
		temperature:  cfg.Temperature,
		maxTokens:    cfg.MaxTokens,
		systemPrompt: cfg.SystemPrompt,
		timeout:      cfg.Timeout,
		retry:        defaultRetryPolicy(),
		logger:       logger.With("provider", providerOpenAI, "model", cfg.Model),
	}
}

func (o *OpenAI) request(history []Turn, stream bool) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	if o.systemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: o.systemPrompt,
		})
	}
	for _, t := range history {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: t.Role, Content: t.Content})
	}

	return openai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    msgs,
		Temperature: o.temperature,
		MaxTokens:   o.maxTokens,
		Stream:      stream,
	}
}

func (o *OpenAI) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.timeout)
}

// withRetry runs fn until it succeeds, fails permanently, or attempts run out.
func (o *OpenAI) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= o.retry.maxAttempts; attempt++ {
		err = fn()
		if err == nil || !retryable(err) || attempt == o.retry.maxAttempts {
			return err
		}

		delay := o.retry.delay(attempt)
		o.logger.Warn("completion call failed, retrying", "op", op, "attempt", attempt, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

// Complete returns the full reply in one call.
func (o *OpenAI) Complete(ctx context.Context, history []Turn) (string, error) {
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()

	var resp openai.ChatCompletionResponse
	err := o.withRetry(ctx, "complete", func() error {
		var callErr error
		resp, callErr = o.client.CreateChatCompletion(ctx, o.request(history, false))
		return callErr
	})
	if err != nil {
		return "", &UpstreamError{Provider: providerOpenAI, Op: "complete", Err: err}
	}
	if len(resp.Choices) == 0 {
		return "", &UpstreamError{Provider: providerOpenAI, Op: "complete", Err: errors.New("response has no choices")}
	}
	return resp.Choices[0].Message.Content, nil
}

// Stream opens a streaming completion. Opening is retried; once the stream
// is open, failures are reported as a terminal EventError.
func (o *OpenAI) Stream(ctx context.Context, history []Turn) (<-chan Event, error) {
	ctx, cancel := o.withTimeout(ctx)

	var stream *openai.ChatCompletionStream
	err := o.withRetry(ctx, "stream", func() error {
		var callErr error
		stream, callErr = o.client.CreateChatCompletionStream(ctx, o.request(history, true))
		return callErr
	})
	if err != nil {
		cancel()
		return nil, &UpstreamError{Provider: providerOpenAI, Op: "stream", Err: err}
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		defer cancel()
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				emit(ctx, out, Event{Type: EventDone})
				return
			}
			if err != nil {
				emit(ctx, out, Event{Type: EventError, Err: &UpstreamError{Provider: providerOpenAI, Op: "stream", Err: err}})
				return
			}

			for _, choice := range resp.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				if !emit(ctx, out, Event{Type: EventDelta, Text: choice.Delta.Content}) {
					return
				}
			}
		}
	}()

	return out, nil
}

// Compile-time check that OpenAI implements Port
var _ Port = (*OpenAI)(nil)
