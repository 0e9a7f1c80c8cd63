package backend

import (
	"encoding/json"
	"fmt"

	"EdgeChat/internal/session"
)

// OpenAIMessage is one entry of the request message list
type OpenAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OpenAIRequest represents the request body for the chat completions API.
// Stream is omitted entirely for non-streaming requests.
type OpenAIRequest struct {
	Model    string          `json:"model"`
	Stream   bool            `json:"stream,omitempty"`
	Messages []OpenAIMessage `json:"messages"`
}

// Usage is the token accounting attached to a non-streaming response
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// OpenAIResponse represents a non-streaming chat completion
type OpenAIResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string  `json:"role"`
			Content *string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

// Content returns the first choice's message content, if any
func (r *OpenAIResponse) Content() (string, bool) {
	if len(r.Choices) == 0 || r.Choices[0].Message.Content == nil {
		return "", false
	}
	return *r.Choices[0].Message.Content, true
}

// OpenAIStreamChunk is the payload carried by one "data:" line
type OpenAIStreamChunk struct {
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Role    string  `json:"role"`
			Content *string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// DeltaContent returns the incremental content of the first choice.
// Role-only and empty deltas report false.
func (c *OpenAIStreamChunk) DeltaContent() (string, bool) {
	if len(c.Choices) == 0 || c.Choices[0].Delta.Content == nil {
		return "", false
	}
	content := *c.Choices[0].Delta.Content
	return content, content != ""
}

// BuildMessages assembles the message list: system segments, then history
// with roles assigned by position starting from user, then the new message.
func BuildMessages(system []string, history []session.Message, message string) []OpenAIMessage {
	messages := make([]OpenAIMessage, 0, len(system)+len(history)+1)
	for _, s := range system {
		messages = append(messages, OpenAIMessage{Role: session.RoleSystem, Content: s})
	}
	user := true
	for _, h := range history {
		role := session.RoleAssistant
		if user {
			role = session.RoleUser
		}
		messages = append(messages, OpenAIMessage{Role: role, Content: h.Content})
		user = !user
	}
	return append(messages, OpenAIMessage{Role: session.RoleUser, Content: message})
}

// BuildPayload serializes a chat completions request body
func BuildPayload(model string, system []string, history []session.Message, message string, stream bool) ([]byte, error) {
	reqBody := OpenAIRequest{
		Model:    model,
		Stream:   stream,
		Messages: BuildMessages(system, history, message),
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return jsonData, nil
}
