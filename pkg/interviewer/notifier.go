package interviewer

import (
	"github.com/harunnryd/interviewer/pkg/conversation"
	"github.com/harunnryd/interviewer/pkg/turn"
)

// Notifier receives display updates for the client. Calls come from the
// engine goroutine and must not block.
type Notifier interface {
	OnTranscript(text string, final bool)
	OnStatus(status turn.Status)
	OnTurn(t conversation.Turn)
}

type NoopNotifier struct{}

func (NoopNotifier) OnTranscript(string, bool) {}
func (NoopNotifier) OnStatus(turn.Status)      {}
func (NoopNotifier) OnTurn(conversation.Turn)  {}

var _ Notifier = NoopNotifier{}
