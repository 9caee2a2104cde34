package mock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/interviewer/pkg/llm"
)

type LLMConfig struct {
	// Replies are used in order, cycling when exhausted. When empty the
	// adapter asks the candidate to elaborate on their last answer.
	Replies []string
	// ChunkSize splits replies into chunks of that many runes.
	ChunkSize  int
	ChunkDelay time.Duration
}

type LLMAdapter struct {
	cfg   LLMConfig
	mu    sync.Mutex
	calls int
}

func NewLLMAdapter(cfg LLMConfig) *LLMAdapter {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 8
	}
	return &LLMAdapter{cfg: cfg}
}

func (a *LLMAdapter) Name() string { return "mock_llm" }

func (a *LLMAdapter) Stream(ctx context.Context, input llm.Context) (<-chan string, error) {
	reply := a.next(input)
	out := make(chan string, 4)
	go func() {
		defer close(out)
		runes := []rune(reply)
		for i := 0; i < len(runes); i += a.cfg.ChunkSize {
			end := i + a.cfg.ChunkSize
			if end > len(runes) {
				end = len(runes)
			}
			if a.cfg.ChunkDelay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(a.cfg.ChunkDelay):
				}
			}
			select {
			case <-ctx.Done():
				return
			case out <- string(runes[i:end]):
			}
		}
	}()
	return out, nil
}

func (a *LLMAdapter) next(input llm.Context) string {
	if len(a.cfg.Replies) > 0 {
		a.mu.Lock()
		defer a.mu.Unlock()
		r := a.cfg.Replies[a.calls%len(a.cfg.Replies)]
		a.calls++
		return r
	}
	for i := len(input.Messages) - 1; i >= 0; i-- {
		if input.Messages[i].Role == llm.RoleUser {
			last := strings.TrimSpace(input.Messages[i].Content)
			return "Thanks. You said: " + last + " Can you tell me more about that?"
		}
	}
	return "Hello, thanks for joining. Could you start by introducing yourself?"
}

var _ llm.LLMAdapter = (*LLMAdapter)(nil)
