package session

import "time"

// Roles understood by the chat completions API
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single chat message
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage creates a message stamped with the current time
func NewMessage(role, content string) Message {
	return Message{Role: role, Content: content, Timestamp: time.Now()}
}

// Session represents a persisted chat transcript
type Session struct {
	ID        string    `json:"id"`
	StartTime time.Time `json:"start_time"`
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
}
