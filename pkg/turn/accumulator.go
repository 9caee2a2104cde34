package turn

import (
	"strings"
	"time"
)

// DefaultSilenceTimeout is used when no timeout is configured.
const DefaultSilenceTimeout = 1200 * time.Millisecond

// Interrupter cancels in-flight AI work when the candidate starts talking.
type Interrupter interface {
	Interrupt(reason string) bool
}

// AccumulatorState is the turn-detection state.
type AccumulatorState int

const (
	AccumulatorIdle AccumulatorState = iota
	AccumulatorAccumulating
)

func (s AccumulatorState) String() string {
	if s == AccumulatorAccumulating {
		return "ACCUMULATING"
	}
	return "IDLE"
}

// PendingUtterance is the candidate speech gathered since the last turn.
type PendingUtterance struct {
	BufferedText string
	InterimText  string
}

// TurnComplete is produced once per finished candidate utterance.
type TurnComplete struct {
	Text string
}

// Accumulator buffers final transcripts and detects the end of a candidate
// turn with a silence timer. It is not safe for concurrent use; the owning
// goroutine feeds it events and timer expiries.
//
// Expiries are delivered through the notify callback carrying a generation
// number. The owner hands that number back to Expire from its own goroutine.
type Accumulator struct {
	timeout     time.Duration
	notify      func(gen uint64)
	interrupter Interrupter

	pending  PendingUtterance
	speaking bool
	timer    *time.Timer
	gen      uint64
	armed    bool
}

func NewAccumulator(timeout time.Duration, interrupter Interrupter, notify func(gen uint64)) *Accumulator {
	if timeout <= 0 {
		timeout = DefaultSilenceTimeout
	}
	return &Accumulator{timeout: timeout, notify: notify, interrupter: interrupter}
}

// OnSpeechStart cancels pending AI work and any armed silence timer. It
// reports whether the interrupter cancelled anything.
func (a *Accumulator) OnSpeechStart() bool {
	interrupted := false
	if a.interrupter != nil {
		interrupted = a.interrupter.Interrupt("speech_start")
	}
	a.speaking = true
	a.stopTimer()
	return interrupted
}

func (a *Accumulator) OnFinal(text string) {
	a.pending.BufferedText += text + " "
	a.pending.InterimText = ""
}

func (a *Accumulator) OnInterim(text string) {
	a.pending.InterimText = text
}

// OnSpeechEnd (re)arms the silence timer.
func (a *Accumulator) OnSpeechEnd() {
	a.stopTimer()
	a.gen++
	gen := a.gen
	a.armed = true
	notify := a.notify
	a.timer = time.AfterFunc(a.timeout, func() {
		if notify != nil {
			notify(gen)
		}
	})
}

// Expire handles a silence timer expiry. Stale generations are ignored. A
// non-empty buffer yields exactly one TurnComplete and resets the utterance.
func (a *Accumulator) Expire(gen uint64) (TurnComplete, bool) {
	if !a.armed || gen != a.gen {
		return TurnComplete{}, false
	}
	a.armed = false
	a.timer = nil
	a.speaking = false
	text := strings.Join(strings.Fields(a.pending.BufferedText), " ")
	a.pending = PendingUtterance{}
	if text == "" {
		return TurnComplete{}, false
	}
	return TurnComplete{Text: text}, true
}

// Reset drops the pending utterance and stops the timer.
func (a *Accumulator) Reset() {
	a.stopTimer()
	a.pending = PendingUtterance{}
	a.speaking = false
}

func (a *Accumulator) stopTimer() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	if a.armed {
		a.armed = false
		a.gen++
	}
}

func (a *Accumulator) Pending() PendingUtterance { return a.pending }

// UserSpeaking reports whether the candidate is considered to be talking.
func (a *Accumulator) UserSpeaking() bool { return a.speaking }

// TimerArmed reports whether a silence timer is pending.
func (a *Accumulator) TimerArmed() bool { return a.armed }

func (a *Accumulator) State() AccumulatorState {
	if a.speaking || a.armed || a.pending.BufferedText != "" {
		return AccumulatorAccumulating
	}
	return AccumulatorIdle
}
