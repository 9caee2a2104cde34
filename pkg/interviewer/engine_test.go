package interviewer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harunnryd/interviewer/pkg/adapters/stt"
	"github.com/harunnryd/interviewer/pkg/adapters/tts"
	"github.com/harunnryd/interviewer/pkg/conversation"
	"github.com/harunnryd/interviewer/pkg/errorsx"
	"github.com/harunnryd/interviewer/pkg/frames"
	"github.com/harunnryd/interviewer/pkg/metrics"
	"github.com/harunnryd/interviewer/pkg/providers/mock"
	"github.com/harunnryd/interviewer/pkg/turn"
)

type fakeSource struct {
	active bool
	ch     chan frames.AudioFrame
}

func (s *fakeSource) Active() bool                     { return s.active }
func (s *fakeSource) Frames() <-chan frames.AudioFrame { return s.ch }
func (s *fakeSource) Muted() bool                      { return false }

// scriptedConn lets a test play the recognizer side of the session.
type scriptedConn struct {
	sid string
	out chan frames.Frame
}

func (c *scriptedConn) Name() string                      { return "scripted" }
func (c *scriptedConn) Start(context.Context) error       { return nil }
func (c *scriptedConn) Close() error                      { return nil }
func (c *scriptedConn) SendAudio(frames.AudioFrame) error { return nil }
func (c *scriptedConn) Results() <-chan frames.Frame      { return c.out }

func (c *scriptedConn) speechStart() {
	c.out <- frames.NewControlFrame(c.sid, 0, frames.ControlSpeechStart, nil)
}

func (c *scriptedConn) final(text string) {
	c.out <- frames.NewTranscriptFrame(c.sid, "scripted", text, true, 0.9)
}

func (c *scriptedConn) interim(text string) {
	c.out <- frames.NewTranscriptFrame(c.sid, "scripted", text, false, 0.5)
}

func (c *scriptedConn) speechEnd() {
	c.out <- frames.NewControlFrame(c.sid, 0, frames.ControlSpeechEnd, nil)
}

func (c *scriptedConn) say(text string) {
	c.speechStart()
	c.final(text)
	c.speechEnd()
}

type refusingConn struct{ scriptedConn }

func (c *refusingConn) Start(context.Context) error { return errors.New("refused") }

// recordingPlayer counts clips. With hold set it keeps playing until the
// queue cancels it.
type recordingPlayer struct {
	hold      bool
	mu        sync.Mutex
	played    int
	cancelled int
}

func (p *recordingPlayer) Play(ctx context.Context, _ tts.Clip) error {
	if p.hold {
		<-ctx.Done()
		p.mu.Lock()
		p.cancelled++
		p.mu.Unlock()
		return ctx.Err()
	}
	p.mu.Lock()
	p.played++
	p.mu.Unlock()
	return nil
}

func (p *recordingPlayer) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.played, p.cancelled
}

type captureEmitter struct {
	mu     sync.Mutex
	frames []frames.Frame
}

func (c *captureEmitter) Emit(f frames.Frame) error {
	c.mu.Lock()
	c.frames = append(c.frames, f)
	c.mu.Unlock()
	return nil
}

func (c *captureEmitter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

type recordingNotifier struct {
	mu       sync.Mutex
	interims []string
	statuses []turn.Status
}

func (n *recordingNotifier) OnTranscript(text string, final bool) {
	if final {
		return
	}
	n.mu.Lock()
	n.interims = append(n.interims, text)
	n.mu.Unlock()
}

func (n *recordingNotifier) OnStatus(s turn.Status) {
	n.mu.Lock()
	n.statuses = append(n.statuses, s)
	n.mu.Unlock()
}

func (n *recordingNotifier) OnTurn(conversation.Turn) {}

type harness struct {
	engine   *Engine
	conn     *scriptedConn
	player   *recordingPlayer
	emitter  *captureEmitter
	observer *metrics.MemoryObserver
}

type harnessOptions struct {
	replies   []string
	delay     time.Duration
	hold      bool
	greet     bool
	persister conversation.Persister
	notifier  Notifier
}

func newHarness(t *testing.T, ho harnessOptions) *harness {
	t.Helper()
	conn := &scriptedConn{sid: "s1", out: make(chan frames.Frame, 32)}
	var calls atomic.Int32
	factory := stt.Factory(func(string) stt.StreamingSTT {
		if calls.Add(1) == 1 {
			return conn
		}
		return &refusingConn{scriptedConn{out: make(chan frames.Frame)}}
	})
	h := &harness{
		conn:     conn,
		player:   &recordingPlayer{hold: ho.hold},
		emitter:  &captureEmitter{},
		observer: metrics.NewMemoryObserver(),
	}
	engine, err := New(Dependencies{
		STT:    factory,
		LLM:    mock.NewLLMAdapter(mock.LLMConfig{Replies: ho.replies, ChunkSize: 6, ChunkDelay: ho.delay}),
		TTS:    mock.NewTTS(mock.TTSConfig{}),
		Source: &fakeSource{active: true, ch: make(chan frames.AudioFrame)},
		Player: h.player,
	}, Options{
		SessionID:      "s1",
		GreetOnStart:   ho.greet,
		SilenceTimeout: 40 * time.Millisecond,
		Reconnect:      ReconnectOptions{MaxAttempts: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
		Persister:      ho.persister,
		Emitter:        h.emitter,
		Notifier:       ho.notifier,
		Observer:       h.observer,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	h.engine = engine
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = engine.End(context.Background()) })
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func finishedTurns(e *Engine) []conversation.Turn {
	var out []conversation.Turn
	for _, t := range e.History() {
		if !t.InProgress {
			out = append(out, t)
		}
	}
	return out
}

func TestEngineRepliesAfterSilence(t *testing.T) {
	reply := "Thanks for that. Which project are you proudest of?"
	h := newHarness(t, harnessOptions{replies: []string{reply}})

	h.conn.speechStart()
	h.conn.final("I build payment")
	h.conn.final("  systems in Go.")
	h.conn.speechEnd()

	waitFor(t, "reply to finish", func() bool {
		return len(finishedTurns(h.engine)) == 2 && h.engine.State() == turn.StateIdle
	})
	history := h.engine.History()
	if history[0].Role != conversation.RoleCandidate || history[0].Text != "I build payment systems in Go." {
		t.Fatalf("unexpected candidate turn: %+v", history[0])
	}
	if history[1].Role != conversation.RoleInterviewer || history[1].Text != reply || history[1].Interrupted {
		t.Fatalf("unexpected interviewer turn: %+v", history[1])
	}
	if played, _ := h.player.counts(); played != 2 {
		t.Fatalf("expected 2 sentences played, got %d", played)
	}
	if h.observer.Count(metrics.EventTurnComplete) != 1 {
		t.Fatalf("expected one turn_complete metric")
	}
	if h.engine.Status().IsAISpeaking {
		t.Fatalf("expected AI speaking flag cleared")
	}
}

func TestEngineBargeInCancelsReply(t *testing.T) {
	h := newHarness(t, harnessOptions{
		replies: []string{"Tell me about your last role. What did you own there? How big was the team?"},
		hold:    true,
	})

	h.conn.say("Hello.")
	waitFor(t, "speaking", func() bool { return h.engine.State() == turn.StateSpeaking })
	if !h.engine.Status().IsAISpeaking {
		t.Fatalf("expected AI speaking while playing")
	}

	h.conn.speechStart()
	waitFor(t, "listening after barge-in", func() bool {
		return h.engine.State() == turn.StateListeningToUser
	})
	waitFor(t, "playback cancelled", func() bool {
		_, cancelled := h.player.counts()
		return cancelled == 1
	})
	history := h.engine.History()
	if len(history) != 2 || !history[1].Interrupted || history[1].InProgress {
		t.Fatalf("expected interrupted interviewer turn, got %+v", history)
	}
	if h.observer.Count(metrics.EventInterrupt) != 1 || h.emitter.count() != 1 {
		t.Fatalf("expected one interrupt, metric=%d frames=%d",
			h.observer.Count(metrics.EventInterrupt), h.emitter.count())
	}
	status := h.engine.Status()
	if status.IsAISpeaking || status.IsGenerating || !status.IsUserSpeaking {
		t.Fatalf("unexpected status after barge-in: %+v", status)
	}

	h.conn.final("Sorry, one more thing.")
	h.conn.speechEnd()
	waitFor(t, "second reply", func() bool {
		history := h.engine.History()
		return len(history) == 4 && h.engine.State() == turn.StateSpeaking
	})
	if got := h.engine.History()[2].Text; got != "Sorry, one more thing." {
		t.Fatalf("unexpected candidate text %q", got)
	}
}

func TestEngineSpeechWithoutTranscriptProducesNoTurn(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	h.conn.speechStart()
	h.conn.speechEnd()
	waitFor(t, "idle", func() bool { return h.engine.State() == turn.StateIdle })
	time.Sleep(80 * time.Millisecond)
	if n := len(h.engine.History()); n != 0 {
		t.Fatalf("expected no turns, got %d", n)
	}
}

func TestEngineSpeechResumingKeepsUtteranceOpen(t *testing.T) {
	h := newHarness(t, harnessOptions{replies: []string{"Okay."}})

	h.conn.speechStart()
	h.conn.final("First part.")
	h.conn.speechEnd()
	h.conn.speechStart()
	time.Sleep(80 * time.Millisecond)
	if n := len(h.engine.History()); n != 0 {
		t.Fatalf("turn completed while candidate was still speaking")
	}
	h.conn.final("Second part.")
	h.conn.speechEnd()
	waitFor(t, "turn", func() bool { return len(finishedTurns(h.engine)) == 2 })
	if got := h.engine.History()[0].Text; got != "First part. Second part." {
		t.Fatalf("unexpected joined text %q", got)
	}
}

func TestEngineGreetsOnStart(t *testing.T) {
	n := &recordingNotifier{}
	h := newHarness(t, harnessOptions{replies: []string{"Welcome. Shall we begin?"}, greet: true, notifier: n})

	waitFor(t, "greeting", func() bool {
		return len(finishedTurns(h.engine)) == 1 && h.engine.State() == turn.StateIdle
	})
	if got := h.engine.History()[0]; got.Role != conversation.RoleInterviewer {
		t.Fatalf("expected interviewer greeting, got %+v", got)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.statuses) == 0 || !n.statuses[0].IsGenerating {
		t.Fatalf("expected generating status first, got %+v", n.statuses)
	}
}

func TestEngineForwardsInterimTranscripts(t *testing.T) {
	n := &recordingNotifier{}
	h := newHarness(t, harnessOptions{notifier: n})

	h.conn.speechStart()
	h.conn.interim("I have")
	waitFor(t, "interim", func() bool {
		n.mu.Lock()
		defer n.mu.Unlock()
		return len(n.interims) == 1 && n.interims[0] == "I have"
	})
}

func TestEngineResetDropsPendingUtterance(t *testing.T) {
	h := newHarness(t, harnessOptions{replies: []string{"Noted."}})

	h.conn.say("One.")
	waitFor(t, "first exchange", func() bool {
		return len(finishedTurns(h.engine)) == 2 && h.engine.State() == turn.StateIdle
	})

	h.conn.speechStart()
	h.conn.final("half a thought")
	waitFor(t, "listening", func() bool { return h.engine.State() == turn.StateListeningToUser })
	if err := h.engine.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := h.engine.Reset(); err != nil {
		t.Fatalf("second reset: %v", err)
	}
	if h.engine.State() != turn.StateIdle {
		t.Fatalf("expected idle after reset, got %s", h.engine.State())
	}
	h.conn.speechEnd()
	time.Sleep(80 * time.Millisecond)
	if n := len(h.engine.History()); n != 2 {
		t.Fatalf("expected history unchanged, got %d turns", n)
	}
}

func TestEngineEndIsIdempotent(t *testing.T) {
	var persisted atomic.Int32
	var got []conversation.Turn
	persister := conversation.PersisterFunc(func(_ context.Context, sid string, turns []conversation.Turn) error {
		persisted.Add(1)
		got = turns
		if sid != "s1" {
			t.Errorf("unexpected session id %q", sid)
		}
		return nil
	})
	h := newHarness(t, harnessOptions{replies: []string{"Good."}, persister: persister})

	h.conn.say("Hi there.")
	waitFor(t, "exchange", func() bool { return len(finishedTurns(h.engine)) == 2 })

	if err := h.engine.End(context.Background()); err != nil {
		t.Fatalf("end: %v", err)
	}
	if err := h.engine.End(context.Background()); err != nil {
		t.Fatalf("second end: %v", err)
	}
	if persisted.Load() != 1 || len(got) != 2 {
		t.Fatalf("expected one persist of two turns, calls=%d turns=%d", persisted.Load(), len(got))
	}
	select {
	case <-h.engine.Done():
	default:
		t.Fatalf("expected engine done after end")
	}
	if h.engine.State() != turn.StateIdle {
		t.Fatalf("expected idle after end")
	}
	if err := h.engine.Start(context.Background()); !errors.Is(err, ErrEnded) {
		t.Fatalf("expected ErrEnded, got %v", err)
	}
	if err := h.engine.Reset(); err != nil {
		t.Fatalf("reset after end: %v", err)
	}
	if h.observer.Count(metrics.EventSessionEnd) != 1 {
		t.Fatalf("expected one session_end metric")
	}
}

func TestEngineEndDuringReplyKeepsPartialTurn(t *testing.T) {
	var got []conversation.Turn
	persister := conversation.PersisterFunc(func(_ context.Context, _ string, turns []conversation.Turn) error {
		got = turns
		return nil
	})
	h := newHarness(t, harnessOptions{
		replies:   []string{"Let us talk about scaling. How would you shard this?"},
		hold:      true,
		persister: persister,
	})
	h.conn.say("Ready.")
	waitFor(t, "speaking", func() bool { return h.engine.State() == turn.StateSpeaking })

	if err := h.engine.End(context.Background()); err != nil {
		t.Fatalf("end: %v", err)
	}
	if len(got) != 2 || !got[1].Interrupted || got[1].InProgress {
		t.Fatalf("expected interrupted partial reply persisted, got %+v", got)
	}
}

func TestEngineFatalWhenReconnectExhausted(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	h.conn.out <- frames.NewSystemFrame("s1", 0, frames.SystemClosed, nil)
	select {
	case <-h.engine.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("engine did not stop")
	}
	if !errorsx.HasReason(h.engine.Err(), errorsx.ReasonSTTReconnectExhausted) {
		t.Fatalf("expected stt_reconnect_exhausted, got %v", h.engine.Err())
	}
	if !errorsx.IsFatal(h.engine.Err()) {
		t.Fatalf("expected fatal error")
	}
}

func TestEngineStartFailsWithoutAudioSource(t *testing.T) {
	engine, err := New(Dependencies{
		STT:    func(string) stt.StreamingSTT { return &scriptedConn{out: make(chan frames.Frame)} },
		LLM:    mock.NewLLMAdapter(mock.LLMConfig{}),
		TTS:    mock.NewTTS(mock.TTSConfig{}),
		Source: &fakeSource{active: false},
		Player: &recordingPlayer{},
	}, Options{SessionID: "s2"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	err = engine.Start(context.Background())
	if !errorsx.HasReason(err, errorsx.ReasonAudioSourceUnavailable) {
		t.Fatalf("expected audio source error, got %v", err)
	}
	select {
	case <-engine.Done():
	default:
		t.Fatalf("expected done after failed start")
	}
	if err := engine.End(context.Background()); err != nil {
		t.Fatalf("end: %v", err)
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Dependencies{}, Options{})
	if !errorsx.HasReason(err, errorsx.ReasonConfigInvalid) {
		t.Fatalf("expected config_invalid, got %v", err)
	}
}
