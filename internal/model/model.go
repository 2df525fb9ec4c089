package model

import "context"

// Role tags the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single chat turn sent to or received from the model.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// CompletionResponse is the common response model for completion providers.
type CompletionResponse struct {
	Content      string
	InputTokens  int
	OutputTokens int
}

// Completer is the chat-completion provider abstraction used by the
// conversation controller.
type Completer interface {
	ChatCompletion(ctx context.Context, messages []Message) (CompletionResponse, error)
}

// CompleterFunc adapts a plain function to Completer.
type CompleterFunc func(ctx context.Context, messages []Message) (CompletionResponse, error)

func (f CompleterFunc) ChatCompletion(ctx context.Context, messages []Message) (CompletionResponse, error) {
	return f(ctx, messages)
}
