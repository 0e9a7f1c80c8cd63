package chatbot

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"EdgeChat/internal/chatclient"
	"EdgeChat/internal/config"
	"EdgeChat/internal/relay"
	"EdgeChat/internal/session"
	"EdgeChat/internal/store"
	"EdgeChat/internal/telemetry"
)

const defaultSessionListLimit = 10

// ChatBot is the interactive terminal front end
type ChatBot struct {
	config     config.Config
	client     *chatclient.Client
	transcript *store.Transcript
	relay      *relay.Relay
	logger     *slog.Logger
	session    *session.Session
	in         io.Reader
	out        io.Writer
	cleanup    []func()
}

// NewChatBot wires logging, telemetry, storage, the optional relay and the
// chat client from cfg
func NewChatBot(cfg config.Config) (cb *ChatBot, err error) {
	logger, closeLog, err := telemetry.InitLogger(cfg.LogDir, cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	var cleanup []func()
	release := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}
	cleanup = append(cleanup, func() {
		if err := closeLog(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to close log file: %v\n", err)
		}
	})
	defer func() {
		if err != nil {
			release()
		}
	}()

	ctx := context.Background()
	tracer, meter, shutdown, err := telemetry.InitTelemetry(ctx, cfg.LogDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	cleanup = append(cleanup, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			logger.Error("failed to shutdown telemetry", "error", err)
		}
	})

	if err := cfg.LoadRootCertificate(); err != nil {
		return nil, err
	}

	client, err := chatclient.New(cfg.Client,
		chatclient.WithLogger(logger),
		chatclient.WithTracer(tracer),
		chatclient.WithMeter(meter),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize chat client: %w", err)
	}

	var transcript *store.Transcript
	if cfg.DBPath != "" {
		transcript, err = store.Open(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
	}

	var rel *relay.Relay
	if cfg.RelayURL != "" {
		var dialErr error
		rel, dialErr = relay.Dial(cfg.RelayURL, logger)
		if dialErr != nil {
			logger.Warn("failed to connect fragment relay, continuing without it", "error", dialErr)
			rel = nil
		}
	}

	if cfg.Debug {
		logger.Info("Debug mode enabled")
	}

	cb = New(cfg, client, transcript, rel, logger, os.Stdin, os.Stdout)
	cb.cleanup = append(cb.cleanup, release)
	return cb, nil
}

// New assembles a ChatBot from already constructed parts. transcript and
// rel may be nil.
func New(cfg config.Config, client *chatclient.Client, transcript *store.Transcript, rel *relay.Relay, logger *slog.Logger, in io.Reader, out io.Writer) *ChatBot {
	for _, s := range cfg.System {
		client.AddSystem(s)
	}

	cb := &ChatBot{
		config:     cfg,
		client:     client,
		transcript: transcript,
		relay:      rel,
		logger:     logger,
		in:         in,
		out:        out,
	}

	if cfg.SessionID != "" && transcript != nil {
		sess, err := transcript.LoadSession(cfg.SessionID)
		if err != nil {
			logger.Warn("failed to load session, creating new one", "error", err)
			cb.session = cb.newSession()
		} else {
			cb.session = sess
			logger.Info("continuing transcript", "session_id", sess.ID, "message_count", len(sess.Messages))
		}
	} else {
		cb.session = cb.newSession()
	}
	return cb
}

// newSession creates and records a new transcript session
func (cb *ChatBot) newSession() *session.Session {
	sess := &session.Session{
		ID:        uuid.NewString(),
		StartTime: time.Now(),
		Model:     cb.client.Model(),
	}
	if cb.transcript != nil {
		if err := cb.transcript.CreateSession(sess); err != nil {
			cb.logger.Error("failed to record session", "session_id", sess.ID, "error", err)
		}
	}
	cb.logger.Info("created new session", "session_id", sess.ID, "model", sess.Model)
	return sess
}

// record appends a committed exchange to the transcript
func (cb *ChatBot) record(user, assistant string) {
	if cb.transcript == nil {
		return
	}
	err := cb.transcript.SaveExchange(cb.session.ID,
		session.NewMessage(session.RoleUser, user),
		session.NewMessage(session.RoleAssistant, assistant))
	if err != nil {
		cb.logger.Error("failed to save exchange", "session_id", cb.session.ID, "error", err)
	}
}

// sendMessage runs one exchange and prints the reply
func (cb *ChatBot) sendMessage(ctx context.Context, userMessage string) error {
	if !cb.config.Stream {
		response, usage, err := cb.client.Chat(ctx, userMessage)
		if err != nil {
			return err
		}
		fmt.Fprintf(cb.out, "Bot: %s\n", response)
		if usage != nil {
			fmt.Fprintf(cb.out, "[tokens: prompt=%d completion=%d total=%d]\n",
				usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens)
		}
		fmt.Fprintln(cb.out)
		cb.record(userMessage, response)
		return nil
	}

	var relayFragment func(string)
	if cb.relay != nil {
		relayFragment = cb.relay.Fragment(cb.session.ID)
	}

	fmt.Fprint(cb.out, "Bot: ")
	response, err := cb.client.ChatStream(ctx, userMessage, func(text string) {
		fmt.Fprint(cb.out, text)
		if relayFragment != nil {
			relayFragment(text)
		}
	})
	fmt.Fprint(cb.out, "\n\n")

	if cb.relay != nil {
		frame := relay.Frame{Kind: relay.KindDone, SessionID: cb.session.ID}
		if err != nil {
			frame = relay.Frame{Kind: relay.KindError, SessionID: cb.session.ID, Text: err.Error()}
		}
		if sendErr := cb.relay.Send(frame); sendErr != nil {
			cb.logger.Warn("failed to relay end of stream", "error", sendErr)
		}
	}

	if err != nil {
		return err
	}
	cb.record(userMessage, response)
	return nil
}

// handleCommand handles slash commands; it reports whether to quit
func (cb *ChatBot) handleCommand(cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}
	arg := strings.TrimSpace(strings.TrimPrefix(cmd, parts[0]))

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/system":
		if arg == "" {
			return false, fmt.Errorf("usage: /system <text>")
		}
		cb.client.AddSystem(arg)
		fmt.Fprintf(cb.out, "Added system prompt (%d total)\n", len(cb.client.SystemPrompts()))
		return false, nil

	case "/clear-system":
		cb.client.ClearSystem()
		fmt.Fprintln(cb.out, "Cleared system prompts")
		return false, nil

	case "/clear":
		cb.client.ClearHistory()
		fmt.Fprintln(cb.out, "Cleared conversation history")
		return false, nil

	case "/history":
		hist := cb.client.History()
		if len(hist) == 0 {
			fmt.Fprintln(cb.out, "History is empty.")
			return false, nil
		}
		fmt.Fprintf(cb.out, "\nHistory (%d/%d turns):\n", len(hist), 2*cb.client.MaxHistory())
		for i, msg := range hist {
			fmt.Fprintf(cb.out, "%d. [%s] %s\n", i+1, msg.Role, msg.Content)
		}
		fmt.Fprintln(cb.out)
		return false, nil

	case "/max-history":
		n, err := intArg(parts, "/max-history <pairs>")
		if err != nil {
			return false, err
		}
		cb.client.SetMaxHistory(n)
		fmt.Fprintf(cb.out, "Max history set to %d pairs\n", cb.client.MaxHistory())
		return false, nil

	case "/timeout":
		n, err := intArg(parts, "/timeout <milliseconds>")
		if err != nil {
			return false, err
		}
		cb.client.SetTimeout(n)
		fmt.Fprintf(cb.out, "Timeout set to %d ms\n", cb.client.Timeout())
		return false, nil

	case "/model":
		if len(parts) < 2 {
			fmt.Fprintf(cb.out, "Model: %s\n", cb.client.Model())
			return false, nil
		}
		cb.client.SetModel(parts[1])
		fmt.Fprintf(cb.out, "Model set to: %s\n", parts[1])
		return false, nil

	case "/stream":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /stream on|off")
		}
		switch parts[1] {
		case "on":
			cb.config.Stream = true
		case "off":
			cb.config.Stream = false
		default:
			return false, fmt.Errorf("usage: /stream on|off")
		}
		fmt.Fprintf(cb.out, "Streaming %s\n", parts[1])
		return false, nil

	case "/new-session":
		cb.client.ClearHistory()
		cb.session = cb.newSession()
		fmt.Fprintln(cb.out, "Started new session:", cb.session.ID)
		return false, nil

	case "/transcript":
		return false, cb.showTranscript(parts)

	case "/sessions":
		return false, cb.listSessions(parts)

	case "/reset":
		cb.client.Reset()
		fmt.Fprintln(cb.out, "Client reset to defaults")
		return false, nil

	case "/help":
		fmt.Fprintln(cb.out, "Available commands:")
		fmt.Fprintln(cb.out, "  /quit, /exit          - Exit the chatbot")
		fmt.Fprintln(cb.out, "  /system <text>        - Add a system prompt segment")
		fmt.Fprintln(cb.out, "  /clear-system         - Remove all system prompts")
		fmt.Fprintln(cb.out, "  /clear                - Clear conversation history")
		fmt.Fprintln(cb.out, "  /history              - Show conversation history")
		fmt.Fprintln(cb.out, "  /max-history <pairs>  - Set how many exchanges are kept")
		fmt.Fprintln(cb.out, "  /timeout <ms>         - Set request timeout (0 = none)")
		fmt.Fprintln(cb.out, "  /model [id]           - Show or set the model")
		fmt.Fprintln(cb.out, "  /stream on|off        - Toggle streaming replies")
		fmt.Fprintln(cb.out, "  /new-session          - Start a new transcript session")
		fmt.Fprintln(cb.out, "  /transcript [id]      - Show a stored transcript")
		fmt.Fprintln(cb.out, "  /sessions [n]         - List recent transcript sessions")
		fmt.Fprintln(cb.out, "  /reset                - Restore client defaults")
		fmt.Fprintln(cb.out, "  /help                 - Show this help message")
		return false, nil

	default:
		return false, fmt.Errorf("unknown command: %s", parts[0])
	}
}

func (cb *ChatBot) showTranscript(parts []string) error {
	if cb.transcript == nil {
		fmt.Fprintln(cb.out, "Transcript storage is disabled.")
		return nil
	}
	id := cb.session.ID
	if len(parts) > 1 {
		id = parts[1]
	}
	sess, err := cb.transcript.LoadSession(id)
	if err != nil {
		return err
	}
	fmt.Fprintf(cb.out, "\nTranscript %s (%s, started %s):\n", sess.ID, sess.Model, sess.StartTime.Format(time.RFC3339))
	for _, msg := range sess.Messages {
		fmt.Fprintf(cb.out, "[%s] %s\n", msg.Role, msg.Content)
	}
	fmt.Fprintln(cb.out)
	return nil
}

func (cb *ChatBot) listSessions(parts []string) error {
	if cb.transcript == nil {
		fmt.Fprintln(cb.out, "Transcript storage is disabled.")
		return nil
	}
	limit := defaultSessionListLimit
	if len(parts) > 1 {
		n, err := intArg(parts, "/sessions [count]")
		if err != nil {
			return err
		}
		limit = n
	}
	sessions, err := cb.transcript.ListSessions(limit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(cb.out, "No stored sessions.")
		return nil
	}
	fmt.Fprintln(cb.out, "\nRecent sessions:")
	for _, sess := range sessions {
		marker := " "
		if sess.ID == cb.session.ID {
			marker = "*"
		}
		fmt.Fprintf(cb.out, "%s %s  %s  %s\n", marker, sess.ID, sess.StartTime.Format(time.RFC3339), sess.Model)
	}
	fmt.Fprintln(cb.out)
	return nil
}

func intArg(parts []string, usage string) (int, error) {
	if len(parts) < 2 {
		return 0, fmt.Errorf("usage: %s", usage)
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("usage: %s", usage)
	}
	return n, nil
}

// readLines feeds lines from in to the returned channel until input ends
// or done is closed. The scanner error, if any, is sent before the line
// channel closes.
func readLines(in io.Reader, done <-chan struct{}) (<-chan string, <-chan error) {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
		scanErr <- scanner.Err()
	}()
	return lines, scanErr
}

// Run starts the chat loop and blocks until input ends, the user quits or
// ctx is cancelled
func (cb *ChatBot) Run(ctx context.Context) error {
	defer cb.Close()

	fmt.Fprintln(cb.out, "=== EdgeChat ===")
	fmt.Fprintf(cb.out, "Session: %s\n", cb.session.ID)
	fmt.Fprintf(cb.out, "Model: %s\n", cb.client.Model())
	fmt.Fprintln(cb.out, "Type /help for commands, /quit to exit")
	fmt.Fprintln(cb.out)

	done := make(chan struct{})
	defer close(done)
	lines, scanErr := readLines(cb.in, done)

loop:
	for {
		fmt.Fprint(cb.out, "You: ")

		var line string
		var ok bool
		select {
		case <-ctx.Done():
			fmt.Fprintln(cb.out)
			cb.logger.Info("chat loop interrupted", "error", ctx.Err())
			break loop
		case line, ok = <-lines:
		}
		if !ok {
			break
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			shouldQuit, err := cb.handleCommand(input)
			if err != nil {
				fmt.Fprintf(cb.out, "Error: %v\n", err)
				cb.logger.Error("command error", "error", err)
			}
			if shouldQuit {
				break
			}
			continue
		}

		if err := cb.sendMessage(ctx, input); err != nil {
			fmt.Fprintf(cb.out, "Error: %v\n", err)
			cb.logger.Error("failed to send message", "error", err)
		}
	}

	fmt.Fprintln(cb.out, "Goodbye!")
	select {
	case err := <-scanErr:
		return err
	default:
		return nil
	}
}

// Close releases the relay, database and telemetry exporters
func (cb *ChatBot) Close() {
	if cb.relay != nil {
		if err := cb.relay.Close(); err != nil {
			cb.logger.Warn("failed to close relay", "error", err)
		}
		cb.relay = nil
	}
	if cb.transcript != nil {
		if err := cb.transcript.Close(); err != nil {
			cb.logger.Warn("failed to close database", "error", err)
		}
		cb.transcript = nil
	}
	for _, fn := range cb.cleanup {
		fn()
	}
	cb.cleanup = nil
}
