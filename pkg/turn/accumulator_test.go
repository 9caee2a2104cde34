package turn

import (
	"testing"
	"time"
)

type countingInterrupter struct {
	calls  int
	result bool
}

func (c *countingInterrupter) Interrupt(string) bool {
	c.calls++
	return c.result
}

func newTestAccumulator(timeout time.Duration) (*Accumulator, chan uint64, *countingInterrupter) {
	expiries := make(chan uint64, 8)
	intr := &countingInterrupter{}
	acc := NewAccumulator(timeout, intr, func(gen uint64) { expiries <- gen })
	return acc, expiries, intr
}

func nextExpiry(t *testing.T, ch <-chan uint64) uint64 {
	t.Helper()
	select {
	case gen := <-ch:
		return gen
	case <-time.After(time.Second):
		t.Fatalf("silence timer never fired")
	}
	return 0
}

func TestAccumulatorCompletesTurnAfterSilence(t *testing.T) {
	acc, expiries, _ := newTestAccumulator(20 * time.Millisecond)
	acc.OnSpeechStart()
	acc.OnInterim("I have five")
	acc.OnFinal("I have five years of experience")
	acc.OnFinal("  in backend development. ")
	if acc.Pending().InterimText != "" {
		t.Fatalf("final must clear interim text")
	}
	acc.OnSpeechEnd()

	tc, ok := acc.Expire(nextExpiry(t, expiries))
	if !ok {
		t.Fatalf("expected a completed turn")
	}
	if tc.Text != "I have five years of experience in backend development." {
		t.Fatalf("unexpected text %q", tc.Text)
	}
	if acc.UserSpeaking() || acc.Pending().BufferedText != "" {
		t.Fatalf("utterance must reset after turn complete")
	}
	if _, again := acc.Expire(acc.gen); again {
		t.Fatalf("a turn must complete only once")
	}
}

func TestAccumulatorEmptyBufferProducesNoTurn(t *testing.T) {
	acc, expiries, _ := newTestAccumulator(10 * time.Millisecond)
	acc.OnSpeechStart()
	acc.OnSpeechEnd()
	if _, ok := acc.Expire(nextExpiry(t, expiries)); ok {
		t.Fatalf("empty buffer must not produce a turn")
	}
	if acc.UserSpeaking() {
		t.Fatalf("user speaking flag must clear")
	}
}

func TestAccumulatorSpeechStartCancelsTimer(t *testing.T) {
	acc, expiries, intr := newTestAccumulator(30 * time.Millisecond)
	acc.OnSpeechStart()
	acc.OnFinal("first part")
	acc.OnSpeechEnd()
	stale := acc.gen

	acc.OnSpeechStart()
	if acc.TimerArmed() {
		t.Fatalf("speech start must disarm the timer")
	}
	if intr.calls != 2 {
		t.Fatalf("each speech start must reach the interrupter, got %d", intr.calls)
	}
	if _, ok := acc.Expire(stale); ok {
		t.Fatalf("stale expiry must be ignored")
	}

	acc.OnFinal("second part")
	acc.OnSpeechEnd()
	var gen uint64
	for gen = nextExpiry(t, expiries); gen == stale; gen = nextExpiry(t, expiries) {
	}
	tc, ok := acc.Expire(gen)
	if !ok || tc.Text != "first part second part" {
		t.Fatalf("unexpected turn %+v ok=%v", tc, ok)
	}
}

func TestAccumulatorReset(t *testing.T) {
	acc, _, _ := newTestAccumulator(time.Hour)
	acc.OnSpeechStart()
	acc.OnFinal("hello")
	acc.OnSpeechEnd()
	acc.Reset()
	if acc.State() != AccumulatorIdle || acc.TimerArmed() {
		t.Fatalf("reset must return to idle")
	}
}
