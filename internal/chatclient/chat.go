package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"EdgeChat/internal/backend"
	chaterrors "EdgeChat/internal/errors"
)

// Chat sends message without streaming and returns the assistant reply.
// Usage is nil when the response carries no token accounting. On success
// the exchange is appended to the history; on failure history is untouched.
func (c *Client) Chat(ctx context.Context, message string) (string, *backend.Usage, error) {
	if !c.inFlight.CompareAndSwap(false, true) {
		return "", nil, chaterrors.ErrBusy
	}
	defer c.inFlight.Store(false)

	ctx, span := c.tracer.Start(ctx, "chat_completion",
		trace.WithAttributes(attribute.String("llm.model", c.cfg.Model)))
	defer span.End()

	start := time.Now()
	content, usage, err := c.chat(ctx, message)
	c.duration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.Bool("stream", false)))
	if err != nil {
		c.recordFailure(ctx, span, err, false)
		c.logger.Error("chat completion failed", "model", c.cfg.Model, "error", err)
		return "", nil, err
	}

	c.history.Add(message, content)
	c.recordUsage(ctx, usage)
	c.logger.Info("chat completion finished",
		"model", c.cfg.Model,
		"duration_ms", time.Since(start).Milliseconds(),
		"history_len", c.history.Len())
	return content, usage, nil
}

func (c *Client) chat(ctx context.Context, message string) (string, *backend.Usage, error) {
	payload, err := backend.BuildPayload(c.cfg.Model, c.system.List(), c.history.Entries(), message, false)
	if err != nil {
		return "", nil, err
	}

	if timeout := c.timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, timeout, chaterrors.ErrTimeout)
		defer cancel()
	}

	headers := map[string]string{
		"Authorization": "Bearer " + c.cfg.APIKey,
		"Content-Type":  "application/json",
	}
	code, body, err := c.poster.Post(ctx, c.cfg.URL(), headers, payload)
	if err != nil {
		// The cause is ErrTimeout only when our own deadline fired
		if cause := context.Cause(ctx); errors.Is(cause, chaterrors.ErrTimeout) {
			return "", nil, fmt.Errorf("%w after %s", chaterrors.ErrTimeout, c.timeout())
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", nil, fmt.Errorf("request aborted: %w", ctxErr)
		}
		return "", nil, fmt.Errorf("%w: %w", chaterrors.ErrTransport, err)
	}
	if code != http.StatusOK {
		return "", nil, &chaterrors.StatusError{Code: code, Body: string(body)}
	}

	var apiResp backend.OpenAIResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return "", nil, fmt.Errorf("%w: failed to unmarshal response: %w", chaterrors.ErrProtocol, err)
	}
	content, ok := apiResp.Content()
	if !ok {
		return "", nil, chaterrors.ErrMissingContent
	}
	return content, apiResp.Usage, nil
}

// recordUsage records token counters from usage data
func (c *Client) recordUsage(ctx context.Context, usage *backend.Usage) {
	if usage == nil {
		return
	}

	counts := map[string]int{
		"prompt_tokens":     usage.PromptTokens,
		"completion_tokens": usage.CompletionTokens,
		"total_tokens":      usage.TotalTokens,
	}
	for key, value := range counts {
		counter, err := c.meter.Int64Counter(
			fmt.Sprintf("llm.usage.%s", key),
			metric.WithDescription(fmt.Sprintf("LLM usage metric: %s", key)),
		)
		if err != nil {
			c.logger.Warn("failed to create counter", "key", key, "error", err)
			continue
		}
		counter.Add(ctx, int64(value))
	}
}

func (c *Client) recordFailure(ctx context.Context, span trace.Span, err error, stream bool) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	c.failures.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("stream", stream),
		attribute.String("cause", failureCause(err)),
	))
}

func failureCause(err error) string {
	switch {
	case errors.Is(err, chaterrors.ErrTimeout):
		return "timeout"
	case errors.Is(err, chaterrors.ErrIncompleteStream):
		return "incomplete"
	case errors.Is(err, chaterrors.ErrTransport):
		return "transport"
	case errors.Is(err, chaterrors.ErrProtocol), errors.Is(err, chaterrors.ErrMissingContent):
		return "protocol"
	}
	return "other"
}
