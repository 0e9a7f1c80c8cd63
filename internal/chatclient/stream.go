package chatclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"EdgeChat/internal/backend"
	chaterrors "EdgeChat/internal/errors"
	"EdgeChat/internal/stream"
	"EdgeChat/internal/transport"
)

// ChatStream sends message as a streaming request over a raw TLS
// connection. onFragment (may be nil) is called for every content fragment
// in arrival order before ChatStream returns. The full reply is committed to
// history only when the server signals completion.
func (c *Client) ChatStream(ctx context.Context, message string, onFragment stream.FragmentFunc) (string, error) {
	if !c.inFlight.CompareAndSwap(false, true) {
		return "", chaterrors.ErrBusy
	}
	defer c.inFlight.Store(false)

	ctx, span := c.tracer.Start(ctx, "chat_completion_stream",
		trace.WithAttributes(attribute.String("llm.model", c.cfg.Model)))
	defer span.End()

	start := time.Now()
	var delivered int64
	dec := stream.NewDecoder(func(text string) {
		delivered++
		if onFragment != nil {
			onFragment(text)
		}
	})

	err := c.chatStream(ctx, message, dec)
	c.duration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.Bool("stream", true)))
	c.fragments.Add(ctx, delivered)
	span.SetAttributes(attribute.Int64("llm.stream.fragments", delivered))
	if err != nil {
		c.recordFailure(ctx, span, err, true)
		c.logger.Error("chat stream failed",
			"model", c.cfg.Model,
			"phase", dec.Phase().String(),
			"fragments", delivered,
			"error", err)
		return "", err
	}

	text := dec.Text()
	c.history.Add(message, text)
	c.logger.Info("chat stream finished",
		"model", c.cfg.Model,
		"fragments", delivered,
		"duration_ms", time.Since(start).Milliseconds(),
		"history_len", c.history.Len())
	return text, nil
}

func (c *Client) chatStream(ctx context.Context, message string, dec *stream.Decoder) error {
	payload, err := backend.BuildPayload(c.cfg.Model, c.system.List(), c.history.Entries(), message, true)
	if err != nil {
		return err
	}

	conn, err := c.dialer.Dial(ctx, c.cfg.Host, c.cfg.Port)
	if err != nil {
		return fmt.Errorf("%w: %w", chaterrors.ErrTransport, err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			c.logger.Debug("failed to close stream connection", "error", err)
		}
	}()

	if err := transport.WriteRequest(conn, c.cfg.Host, c.cfg.Path, c.cfg.APIKey, payload); err != nil {
		return fmt.Errorf("%w: %w", chaterrors.ErrTransport, err)
	}

	return c.pump(ctx, conn, dec)
}

// pump reads from conn into dec until the decoder reaches a terminal phase.
// Each read waits at most one poll interval; the idle timer restarts
// whenever bytes arrive.
func (c *Client) pump(ctx context.Context, conn transport.Conn, dec *stream.Decoder) error {
	buf := make([]byte, readBufferSize)
	timeout := c.timeout()
	lastActivity := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			dec.Abort(err)
			return err
		}
		if err := conn.SetReadDeadline(time.Now().Add(c.pollInterval)); err != nil {
			dec.Abort(err)
			return fmt.Errorf("%w: failed to set read deadline: %w", chaterrors.ErrTransport, err)
		}

		n, err := conn.Read(buf)
		if n > 0 {
			lastActivity = time.Now()
			_, _ = dec.Write(buf[:n])
			if dec.Phase().Terminal() {
				return dec.Err()
			}
		}

		switch {
		case err == nil:
		case errors.Is(err, os.ErrDeadlineExceeded):
			if timeout > 0 && time.Since(lastActivity) > timeout {
				dec.Abort(chaterrors.ErrTimeout)
				return fmt.Errorf("%w after %s", chaterrors.ErrTimeout, timeout)
			}
		case errors.Is(err, io.EOF):
			_ = dec.Close()
			return dec.Err()
		default:
			dec.Abort(err)
			return fmt.Errorf("%w: failed to read response: %w", chaterrors.ErrTransport, err)
		}
	}
}
