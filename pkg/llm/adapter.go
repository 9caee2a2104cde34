package llm

import "context"

// Role values used in chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Context struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// LLMAdapter streams a chat completion as raw text chunks. The returned
// channel is closed when the stream ends or ctx is cancelled; a read error
// mid-stream is reported through StreamErr when the adapter supports it.
type LLMAdapter interface {
	Stream(ctx context.Context, input Context) (<-chan string, error)
	Name() string
}

// StreamErrorReporter is implemented by adapters that can report why a stream
// stopped early.
type StreamErrorReporter interface {
	StreamErr(ch <-chan string) error
}
