package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/interviewer/pkg/adapters/tts"
	"github.com/harunnryd/interviewer/pkg/metrics"
	"github.com/harunnryd/interviewer/pkg/response"
)

type delaySynth struct {
	delays map[string]time.Duration
	fail   map[string]bool
}

func (d *delaySynth) Name() string { return "delay" }

func (d *delaySynth) Synthesize(ctx context.Context, req tts.Request) (tts.Clip, error) {
	if delay := d.delays[req.Text]; delay > 0 {
		select {
		case <-ctx.Done():
			return tts.Clip{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	if d.fail[req.Text] {
		return tts.Clip{}, &tts.SynthesisError{Provider: "delay", Message: "voice unavailable"}
	}
	return tts.Clip{Audio: []byte(req.Text), Format: "pcm16"}, nil
}

type recordingPlayer struct {
	mu      sync.Mutex
	log     []string
	hold    time.Duration
	block   bool
	started chan string
}

func newRecordingPlayer(hold time.Duration) *recordingPlayer {
	return &recordingPlayer{hold: hold, started: make(chan string, 16)}
}

func (p *recordingPlayer) Play(ctx context.Context, clip tts.Clip) error {
	text := string(clip.Audio)
	p.record("start " + text)
	p.started <- text
	if p.block {
		<-ctx.Done()
		p.record("stopped " + text)
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		p.record("stopped " + text)
		return ctx.Err()
	case <-time.After(p.hold):
	}
	p.record("end " + text)
	return nil
}

func (p *recordingPlayer) record(s string) {
	p.mu.Lock()
	p.log = append(p.log, s)
	p.mu.Unlock()
}

func (p *recordingPlayer) entries() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.log...)
}

func units(texts ...string) []response.SentenceUnit {
	out := make([]response.SentenceUnit, len(texts))
	for i, t := range texts {
		out[i] = response.SentenceUnit{Seq: i, Text: t}
	}
	return out
}

func waitDrained(t *testing.T, ch <-chan uint64) uint64 {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatalf("queue never drained")
	}
	return 0
}

func TestQueuePlaysInOrderDespiteSynthesisOrder(t *testing.T) {
	synth := &delaySynth{delays: map[string]time.Duration{"First.": 80 * time.Millisecond}}
	player := newRecordingPlayer(10 * time.Millisecond)
	drained := make(chan uint64, 1)
	q := New(synth, player, Options{MaxConcurrentSynthesis: 4, OnDrained: func(e uint64) { drained <- e }})
	defer q.Close()

	epoch := q.Begin()
	for _, u := range units("First.", " Second.", " Third.") {
		if err := q.Enqueue(epoch, u); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	q.CloseInput(epoch)
	if got := waitDrained(t, drained); got != epoch {
		t.Fatalf("drained wrong epoch %d", got)
	}

	want := []string{"start First.", "end First.", "start  Second.", "end  Second.", "start  Third.", "end  Third."}
	got := player.entries()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("unexpected playback log\n got %q\nwant %q", got, want)
	}
	if q.Busy() {
		t.Fatalf("queue should be idle")
	}
}

func TestQueueClearStopsPlaybackAndDropsLateResults(t *testing.T) {
	synth := &delaySynth{delays: map[string]time.Duration{" Three.": 60 * time.Millisecond}}
	player := newRecordingPlayer(0)
	player.block = true
	obs := metrics.NewMemoryObserver()
	q := New(synth, player, Options{MaxConcurrentSynthesis: 3, Observer: obs})
	defer q.Close()

	epoch := q.Begin()
	for _, u := range units("One.", " Two.", " Three.") {
		_ = q.Enqueue(epoch, u)
	}
	select {
	case <-player.started:
	case <-time.After(time.Second):
		t.Fatalf("playback never started")
	}

	next := q.Clear()
	if next == epoch {
		t.Fatalf("clear must advance epoch")
	}
	if q.Busy() || q.Len() != 0 {
		t.Fatalf("queue must be empty right after clear")
	}
	if err := q.Enqueue(epoch, response.SentenceUnit{Seq: 3, Text: " Four."}); !errors.Is(err, ErrStaleEpoch) {
		t.Fatalf("expected stale epoch, got %v", err)
	}

	time.Sleep(120 * time.Millisecond)
	for _, line := range player.entries() {
		if line == "start  Two." || line == "start  Three." {
			t.Fatalf("cleared unit played: %v", player.entries())
		}
	}
	if got := player.entries(); len(got) != 2 || got[1] != "stopped One." {
		t.Fatalf("expected playing clip stopped, got %v", got)
	}
}

func TestQueueSkipsFailedSynthesis(t *testing.T) {
	synth := &delaySynth{fail: map[string]bool{" Broken.": true}}
	player := newRecordingPlayer(time.Millisecond)
	drained := make(chan uint64, 1)
	obs := metrics.NewMemoryObserver()
	q := New(synth, player, Options{Observer: obs, OnDrained: func(e uint64) { drained <- e }})
	defer q.Close()

	epoch := q.Begin()
	for _, u := range units("Fine.", " Broken.", " Also fine.") {
		_ = q.Enqueue(epoch, u)
	}
	q.CloseInput(epoch)
	waitDrained(t, drained)

	got := player.entries()
	want := []string{"start Fine.", "end Fine.", "start  Also fine.", "end  Also fine."}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("unexpected playback log %q", got)
	}
	if obs.Count(metrics.EventTTSError) != 1 {
		t.Fatalf("expected one tts_error event")
	}
}

func TestQueueDrainsWithNothingSpeakable(t *testing.T) {
	drained := make(chan uint64, 1)
	q := New(&delaySynth{}, newRecordingPlayer(0), Options{OnDrained: func(e uint64) { drained <- e }})
	defer q.Close()
	epoch := q.Begin()
	_ = q.Enqueue(epoch, response.SentenceUnit{Text: " ..."})
	q.CloseInput(epoch)
	waitDrained(t, drained)
}

func TestQueueCapacity(t *testing.T) {
	synth := &delaySynth{delays: map[string]time.Duration{"A.": time.Second, "B.": time.Second}}
	q := New(synth, newRecordingPlayer(0), Options{Capacity: 1})
	defer q.Close()
	epoch := q.Begin()
	if err := q.Enqueue(epoch, response.SentenceUnit{Text: "A."}); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if err := q.Enqueue(epoch, response.SentenceUnit{Seq: 1, Text: "B."}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}
