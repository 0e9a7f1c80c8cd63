package chatclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"EdgeChat/internal/backend"
	"EdgeChat/internal/config"
	chaterrors "EdgeChat/internal/errors"
	"EdgeChat/internal/session"
	"EdgeChat/internal/transport"
)

const helloStream = "HTTP/1.1 200 OK\r\n\r\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\r\n" +
	"data: [DONE]\r\n"

// fakePoster records the last request and replies with a canned response
type fakePoster struct {
	code    int
	body    string
	err     error
	block   bool
	url     string
	headers map[string]string
	payload []byte
	calls   int
}

func (p *fakePoster) Post(ctx context.Context, url string, headers map[string]string, body []byte) (int, []byte, error) {
	p.calls++
	p.url = url
	p.headers = headers
	p.payload = body
	if p.block {
		<-ctx.Done()
		return 0, nil, ctx.Err()
	}
	if p.err != nil {
		return 0, nil, p.err
	}
	return p.code, []byte(p.body), nil
}

// pipeDialer serves each dialed connection from an in-memory pipe
type pipeDialer struct {
	t       *testing.T
	respond func(conn net.Conn)
	err     error

	mu       sync.Mutex
	requests []*http.Request
	bodies   [][]byte
	closed   chan struct{}
}

func newPipeDialer(t *testing.T, respond func(conn net.Conn)) *pipeDialer {
	return &pipeDialer{t: t, respond: respond, closed: make(chan struct{}, 8)}
}

func (d *pipeDialer) Dial(ctx context.Context, host string, port int) (transport.Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	client, server := net.Pipe()
	go func() {
		defer server.Close()
		req, err := http.ReadRequest(bufio.NewReader(server))
		if err != nil {
			d.t.Errorf("failed to read framed request: %v", err)
			return
		}
		body, _ := io.ReadAll(req.Body)
		d.mu.Lock()
		d.requests = append(d.requests, req)
		d.bodies = append(d.bodies, body)
		d.mu.Unlock()

		d.respond(server)

		// Hold the connection open until the client hangs up.
		_, _ = io.Copy(io.Discard, server)
		d.closed <- struct{}{}
	}()
	return client, nil
}

func (d *pipeDialer) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-d.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not close the connection")
	}
}

func writeAll(data string) func(net.Conn) {
	return func(conn net.Conn) {
		_, _ = conn.Write([]byte(data))
	}
}

func writeBytewise(data string) func(net.Conn) {
	return func(conn net.Conn) {
		for i := 0; i < len(data); i++ {
			if _, err := conn.Write([]byte{data[i]}); err != nil {
				return
			}
		}
	}
}

func writeThenHangUp(data string) func(net.Conn) {
	return func(conn net.Conn) {
		_, _ = conn.Write([]byte(data))
		_ = conn.Close()
	}
}

func newTestClient(t *testing.T, opts ...Option) *Client {
	t.Helper()
	cfg := config.Client{
		APIKey:     "sk-test",
		Model:      "gpt-test",
		MaxHistory: config.DefaultMaxHistory,
		Host:       "api.example.com",
		Port:       443,
		Path:       "/v1/chat/completions",
	}
	opts = append([]Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithPollInterval(5 * time.Millisecond),
	}, opts...)
	c, err := New(cfg, opts...)
	require.NoError(t, err)
	return c
}

func TestChatCommitsExchange(t *testing.T) {
	poster := &fakePoster{
		code: http.StatusOK,
		body: `{"choices":[{"message":{"role":"assistant","content":"world"}}],"usage":{"prompt_tokens":5,"completion_tokens":1,"total_tokens":6}}`,
	}
	c := newTestClient(t, WithPoster(poster))

	reply, usage, err := c.Chat(context.Background(), "hello")

	require.NoError(t, err)
	assert.Equal(t, "world", reply)
	require.NotNil(t, usage)
	assert.Equal(t, backend.Usage{PromptTokens: 5, CompletionTokens: 1, TotalTokens: 6}, *usage)

	hist := c.History()
	require.Len(t, hist, 2)
	assert.Equal(t, session.RoleUser, hist[0].Role)
	assert.Equal(t, "hello", hist[0].Content)
	assert.Equal(t, session.RoleAssistant, hist[1].Role)
	assert.Equal(t, "world", hist[1].Content)

	assert.Equal(t, "https://api.example.com/v1/chat/completions", poster.url)
	assert.Equal(t, "Bearer sk-test", poster.headers["Authorization"])
	assert.Equal(t, "application/json", poster.headers["Content-Type"])

	var sent map[string]any
	require.NoError(t, json.Unmarshal(poster.payload, &sent))
	assert.NotContains(t, sent, "stream")
	assert.Equal(t, "gpt-test", sent["model"])
}

func TestChatWithoutUsage(t *testing.T) {
	poster := &fakePoster{code: http.StatusOK, body: `{"choices":[{"message":{"content":"ok"}}]}`}
	c := newTestClient(t, WithPoster(poster))

	reply, usage, err := c.Chat(context.Background(), "hi")

	require.NoError(t, err)
	assert.Equal(t, "ok", reply)
	assert.Nil(t, usage)
}

func TestChatSendsHistoryAndSystem(t *testing.T) {
	poster := &fakePoster{code: http.StatusOK, body: `{"choices":[{"message":{"content":"a2"}}]}`}
	c := newTestClient(t, WithPoster(poster))
	c.AddSystem("be brief")

	_, _, err := c.Chat(context.Background(), "q1")
	require.NoError(t, err)
	_, _, err = c.Chat(context.Background(), "q2")
	require.NoError(t, err)

	var req backend.OpenAIRequest
	require.NoError(t, json.Unmarshal(poster.payload, &req))
	assert.Equal(t, []backend.OpenAIMessage{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "q1"},
		{Role: "assistant", Content: "a2"},
		{Role: "user", Content: "q2"},
	}, req.Messages)
}

func TestChatFailuresLeaveHistoryUntouched(t *testing.T) {
	tests := []struct {
		name   string
		poster *fakePoster
		target error
	}{
		{"status", &fakePoster{code: http.StatusUnauthorized, body: `{"error":"bad key"}`}, chaterrors.ErrProtocol},
		{"malformed", &fakePoster{code: http.StatusOK, body: `{"choices":`}, chaterrors.ErrProtocol},
		{"missing content", &fakePoster{code: http.StatusOK, body: `{"choices":[]}`}, chaterrors.ErrMissingContent},
		{"transport", &fakePoster{err: errors.New("connection refused")}, chaterrors.ErrTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, WithPoster(tt.poster))

			reply, usage, err := c.Chat(context.Background(), "hello")

			assert.ErrorIs(t, err, tt.target)
			assert.Empty(t, reply)
			assert.Nil(t, usage)
			assert.Empty(t, c.History())
		})
	}
}

func TestChatStatusErrorCarriesCode(t *testing.T) {
	c := newTestClient(t, WithPoster(&fakePoster{code: http.StatusTooManyRequests}))

	_, _, err := c.Chat(context.Background(), "hello")

	var statusErr *chaterrors.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusTooManyRequests, statusErr.Code)
}

func TestChatTimeout(t *testing.T) {
	c := newTestClient(t, WithPoster(&fakePoster{block: true}))
	c.SetTimeout(20)

	_, _, err := c.Chat(context.Background(), "hello")

	assert.ErrorIs(t, err, chaterrors.ErrTimeout)
	assert.Empty(t, c.History())
}

func TestChatCallerDeadlineIsNotClientTimeout(t *testing.T) {
	c := newTestClient(t, WithPoster(&fakePoster{block: true}))
	c.SetTimeout(5000)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := c.Chat(ctx, "hello")

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, chaterrors.ErrTimeout)
	assert.NotErrorIs(t, err, chaterrors.ErrTransport)
	assert.Empty(t, c.History())
}

func TestChatStream(t *testing.T) {
	dialer := newPipeDialer(t, writeAll(helloStream))
	c := newTestClient(t, WithDialer(dialer))

	var fragments []string
	text, err := c.ChatStream(context.Background(), "hello", func(s string) {
		fragments = append(fragments, s)
	})

	require.NoError(t, err)
	assert.Equal(t, "Hi", text)
	assert.Equal(t, []string{"Hi"}, fragments)
	dialer.waitClosed(t)

	hist := c.History()
	require.Len(t, hist, 2)
	assert.Equal(t, "hello", hist[0].Content)
	assert.Equal(t, "Hi", hist[1].Content)

	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	require.Len(t, dialer.requests, 1)
	req := dialer.requests[0]
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/v1/chat/completions", req.URL.Path)
	assert.Equal(t, "api.example.com", req.Host)
	assert.Equal(t, "Bearer sk-test", req.Header.Get("Authorization"))
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))

	var sent map[string]any
	require.NoError(t, json.Unmarshal(dialer.bodies[0], &sent))
	assert.Equal(t, true, sent["stream"])
}

func TestChatStreamByteAtATime(t *testing.T) {
	dialer := newPipeDialer(t, writeBytewise(helloStream))
	c := newTestClient(t, WithDialer(dialer))

	var fragments []string
	text, err := c.ChatStream(context.Background(), "hello", func(s string) {
		fragments = append(fragments, s)
	})

	require.NoError(t, err)
	assert.Equal(t, "Hi", text)
	assert.Equal(t, []string{"Hi"}, fragments)
	assert.Len(t, c.History(), 2)
}

func TestChatStreamUnauthorized(t *testing.T) {
	dialer := newPipeDialer(t, writeAll("HTTP/1.1 401 Unauthorized\r\n\r\n"))
	c := newTestClient(t, WithDialer(dialer))

	var fragments []string
	text, err := c.ChatStream(context.Background(), "hello", func(s string) {
		fragments = append(fragments, s)
	})

	var statusErr *chaterrors.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusUnauthorized, statusErr.Code)
	assert.Empty(t, text)
	assert.Empty(t, fragments)
	assert.Empty(t, c.History())
	dialer.waitClosed(t)
}

func TestChatStreamIncomplete(t *testing.T) {
	dialer := newPipeDialer(t, writeThenHangUp("HTTP/1.1 200 OK\r\n\r\n"+
		"data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\r\n"))
	c := newTestClient(t, WithDialer(dialer))

	var fragments []string
	text, err := c.ChatStream(context.Background(), "hello", func(s string) {
		fragments = append(fragments, s)
	})

	assert.ErrorIs(t, err, chaterrors.ErrIncompleteStream)
	assert.Empty(t, text)
	assert.Equal(t, []string{"Hi"}, fragments)
	assert.Empty(t, c.History())
}

func TestChatStreamTimeout(t *testing.T) {
	dialer := newPipeDialer(t, writeAll("HTTP/1.1 200 OK\r\n\r\n"))
	c := newTestClient(t, WithDialer(dialer))
	c.SetTimeout(30)

	start := time.Now()
	_, err := c.ChatStream(context.Background(), "hello", nil)

	assert.ErrorIs(t, err, chaterrors.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Empty(t, c.History())
	dialer.waitClosed(t)
}

// writePaced writes each part after waiting gap
func writePaced(gap time.Duration, parts ...string) func(net.Conn) {
	return func(conn net.Conn) {
		for _, part := range parts {
			time.Sleep(gap)
			if _, err := conn.Write([]byte(part)); err != nil {
				return
			}
		}
	}
}

func TestChatStreamIdleTimerRestartsOnData(t *testing.T) {
	dialer := newPipeDialer(t, writePaced(25*time.Millisecond,
		"HTTP/1.1 200 OK\r\n\r\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\r\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\r\n",
		"data: [DONE]\r\n",
	))
	c := newTestClient(t, WithDialer(dialer))
	c.SetTimeout(40)

	start := time.Now()
	text, err := c.ChatStream(context.Background(), "hello", nil)

	require.NoError(t, err)
	assert.Equal(t, "Hello", text)
	assert.Greater(t, time.Since(start), 40*time.Millisecond, "total time exceeds the idle timeout")
	assert.Len(t, c.History(), 2)
}

func TestChatStreamZeroTimeoutNeverExpires(t *testing.T) {
	dialer := newPipeDialer(t, writePaced(60*time.Millisecond, helloStream))
	c := newTestClient(t, WithDialer(dialer))
	require.Equal(t, 0, c.Timeout())

	text, err := c.ChatStream(context.Background(), "hello", nil)

	require.NoError(t, err)
	assert.Equal(t, "Hi", text)
	assert.Len(t, c.History(), 2)
}

func TestChatStreamContextCancelled(t *testing.T) {
	dialer := newPipeDialer(t, writeAll("HTTP/1.1 200 OK\r\n\r\n"))
	c := newTestClient(t, WithDialer(dialer))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := c.ChatStream(ctx, "hello", nil)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, c.History())
	dialer.waitClosed(t)
}

func TestChatStreamDialFailure(t *testing.T) {
	dialer := newPipeDialer(t, nil)
	dialer.err = errors.New("no route to host")
	c := newTestClient(t, WithDialer(dialer))

	_, err := c.ChatStream(context.Background(), "hello", nil)

	assert.ErrorIs(t, err, chaterrors.ErrTransport)
	assert.Empty(t, c.History())
}

func TestChatStreamRecoversAfterFailure(t *testing.T) {
	responses := []func(net.Conn){
		writeAll("HTTP/1.1 500 Internal Server Error\r\n\r\n"),
		writeAll(helloStream),
	}
	var calls int
	dialer := newPipeDialer(t, func(conn net.Conn) {
		responses[calls](conn)
		calls++
	})
	c := newTestClient(t, WithDialer(dialer))

	_, err := c.ChatStream(context.Background(), "first", nil)
	require.Error(t, err)
	dialer.waitClosed(t)

	text, err := c.ChatStream(context.Background(), "second", nil)
	require.NoError(t, err)
	assert.Equal(t, "Hi", text)

	hist := c.History()
	require.Len(t, hist, 2)
	assert.Equal(t, "second", hist[0].Content)
}

func TestBusyClientRejectsSecondExchange(t *testing.T) {
	c := newTestClient(t, WithPoster(&fakePoster{code: http.StatusOK, body: `{"choices":[{"message":{"content":"x"}}]}`}))
	c.inFlight.Store(true)

	_, _, err := c.Chat(context.Background(), "hello")
	assert.ErrorIs(t, err, chaterrors.ErrBusy)

	_, err = c.ChatStream(context.Background(), "hello", nil)
	assert.ErrorIs(t, err, chaterrors.ErrBusy)
}

func TestHistoryBoundAcrossExchanges(t *testing.T) {
	poster := &fakePoster{code: http.StatusOK, body: `{"choices":[{"message":{"content":"a"}}]}`}
	c := newTestClient(t, WithPoster(poster))
	c.SetMaxHistory(2)

	for i := 0; i < 6; i++ {
		_, _, err := c.Chat(context.Background(), "q")
		require.NoError(t, err)
		assert.LessOrEqual(t, len(c.History()), 4)
	}

	c.SetMaxHistory(1)
	assert.Len(t, c.History(), 2)
}

func TestManagementAndReset(t *testing.T) {
	poster := &fakePoster{code: http.StatusOK, body: `{"choices":[{"message":{"content":"a"}}]}`}
	c := newTestClient(t, WithPoster(poster))

	c.AddSystem("one")
	c.AddSystem("two")
	assert.Equal(t, []string{"one", "two"}, c.SystemPrompts())
	c.ClearSystem()
	assert.Empty(t, c.SystemPrompts())

	c.SetModel("gpt-other")
	assert.Equal(t, "gpt-other", c.Model())
	c.SetTimeout(-5)
	assert.Equal(t, 0, c.Timeout())
	c.SetTimeout(2500)
	assert.Equal(t, 2500, c.Timeout())

	_, _, err := c.Chat(context.Background(), "q")
	require.NoError(t, err)
	c.ClearHistory()
	assert.Empty(t, c.History())

	c.AddSystem("s")
	c.SetMaxHistory(9)
	c.Reset()
	assert.Empty(t, c.SystemPrompts())
	assert.Equal(t, config.DefaultMaxHistory, c.MaxHistory())
	assert.Equal(t, 0, c.Timeout())
	assert.Equal(t, "gpt-other", c.Model())
}

func TestNewRejectsBadRootCertificate(t *testing.T) {
	_, err := New(config.Client{RootCertificate: "garbage"})
	assert.Error(t, err)
}
