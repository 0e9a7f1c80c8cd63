// Package relay mirrors streamed reply fragments to a WebSocket viewer,
// such as a companion display attached to the device.
package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Frame kinds sent to the viewer
const (
	KindFragment = "fragment"
	KindDone     = "done"
	KindError    = "error"
)

// Frame is one JSON message sent over the socket
type Frame struct {
	Kind      string `json:"kind"`
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text,omitempty"`
}

// Relay is a WebSocket connection to a fragment viewer
type Relay struct {
	url          string
	conn         *websocket.Conn
	logger       *slog.Logger
	writeTimeout time.Duration
	mu           sync.Mutex
	closed       bool
}

// Dial connects to the viewer at url
func Dial(url string, logger *slog.Logger) (*Relay, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	logger.Info("connected fragment relay", "url", url)
	return &Relay{
		url:          url,
		conn:         conn,
		logger:       logger,
		writeTimeout: 2 * time.Second,
	}, nil
}

// Send writes a frame to the viewer
func (r *Relay) Send(frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("relay is closed")
	}
	if err := r.conn.SetWriteDeadline(time.Now().Add(r.writeTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := r.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send frame: %w", err)
	}
	return nil
}

// Fragment returns a callback that relays each fragment for sessionID.
// Send failures are logged and never interrupt the stream.
func (r *Relay) Fragment(sessionID string) func(string) {
	return func(text string) {
		if err := r.Send(Frame{Kind: KindFragment, SessionID: sessionID, Text: text}); err != nil {
			r.logger.Warn("failed to relay fragment", "url", r.url, "error", err)
		}
	}
}

// Close sends a close frame and disconnects
func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	err := r.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		r.logger.Warn("failed to send close message", "error", err)
	}

	if err := r.conn.Close(); err != nil {
		return fmt.Errorf("failed to close WebSocket: %w", err)
	}
	r.logger.Info("closed fragment relay", "url", r.url)
	return nil
}
