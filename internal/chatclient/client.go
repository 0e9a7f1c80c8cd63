// Package chatclient drives single chat exchanges against a chat completions
// API and folds completed exchanges back into a bounded history.
//
// A Client is not safe for concurrent use. Only one exchange may be in
// flight at a time; a second call fails fast with ErrBusy.
package chatclient

import (
	"crypto/x509"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"EdgeChat/internal/config"
	"EdgeChat/internal/history"
	"EdgeChat/internal/session"
	"EdgeChat/internal/transport"
)

const (
	instrumentationName = "edgechat"
	defaultPollInterval = 100 * time.Millisecond
	readBufferSize      = 1024
)

// Client owns the conversation state for one chat session
type Client struct {
	cfg     config.Client
	history *history.Store
	system  history.Prompts

	logger       *slog.Logger
	tracer       trace.Tracer
	meter        metric.Meter
	dialer       transport.Dialer
	poster       transport.Poster
	pollInterval time.Duration

	duration  metric.Float64Histogram
	fragments metric.Int64Counter
	failures  metric.Int64Counter

	inFlight atomic.Bool
}

// Option customises a Client
type Option func(*Client)

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithTracer sets the tracer used for exchange spans
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Client) { c.tracer = tracer }
}

// WithMeter sets the meter used for exchange metrics
func WithMeter(meter metric.Meter) Option {
	return func(c *Client) { c.meter = meter }
}

// WithDialer replaces the streaming transport
func WithDialer(d transport.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithPoster replaces the request/response transport
func WithPoster(p transport.Poster) Option {
	return func(c *Client) { c.poster = p }
}

// WithPollInterval sets how long a single streaming read waits for data
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

// New creates a client from cfg
func New(cfg config.Client, opts ...Option) (*Client, error) {
	var rootCAs *x509.CertPool
	if cfg.RootCertificate != "" {
		pool, err := transport.LoadRootCA([]byte(cfg.RootCertificate))
		if err != nil {
			return nil, err
		}
		rootCAs = pool
	}

	c := &Client{
		cfg:          cfg,
		history:      history.New(cfg.MaxHistory),
		logger:       slog.Default(),
		tracer:       otel.Tracer(instrumentationName),
		meter:        otel.Meter(instrumentationName),
		dialer:       &transport.TLSDialer{RootCAs: rootCAs, DialTimeout: 30 * time.Second},
		poster:       transport.NewHTTPPoster(rootCAs),
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg.TimeoutMs < 0 {
		c.cfg.TimeoutMs = 0
	}

	var err error
	c.duration, err = c.meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}
	c.fragments, err = c.meter.Int64Counter(
		"llm.stream.fragments",
		metric.WithDescription("Content fragments delivered from streamed responses"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create fragment counter: %w", err)
	}
	c.failures, err = c.meter.Int64Counter(
		"llm.request.failures",
		metric.WithDescription("Chat exchanges that ended without a committed response"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create failure counter: %w", err)
	}

	return c, nil
}

// AddSystem appends a system prompt segment
func (c *Client) AddSystem(content string) {
	c.system.Add(content)
}

// ClearSystem removes every system prompt segment
func (c *Client) ClearSystem() {
	c.system.Clear()
}

// SystemPrompts returns the system prompt segments in order
func (c *Client) SystemPrompts() []string {
	return c.system.List()
}

// SetMaxHistory changes the number of retained pairs, trimming at once
func (c *Client) SetMaxHistory(n int) {
	c.history.SetMaxHistory(n)
}

func (c *Client) MaxHistory() int {
	return c.history.MaxHistory()
}

// ClearHistory forgets every stored turn
func (c *Client) ClearHistory() {
	c.history.Clear()
}

// History returns the stored turns, oldest first
func (c *Client) History() []session.Message {
	return c.history.Entries()
}

// SetTimeout sets the idle timeout in milliseconds; 0 waits forever
func (c *Client) SetTimeout(ms int) {
	if ms < 0 {
		ms = 0
	}
	c.cfg.TimeoutMs = ms
}

func (c *Client) Timeout() int {
	return c.cfg.TimeoutMs
}

func (c *Client) SetModel(model string) {
	c.cfg.Model = model
}

func (c *Client) Model() string {
	return c.cfg.Model
}

// Reset restores the session defaults: no system prompts, empty history,
// the default pair bound and no timeout.
func (c *Client) Reset() {
	c.system.Clear()
	c.history.Clear()
	c.history.SetMaxHistory(history.DefaultMaxHistory)
	c.cfg.TimeoutMs = 0
}

func (c *Client) timeout() time.Duration {
	return time.Duration(c.cfg.TimeoutMs) * time.Millisecond
}
