package turn

import (
	"sync"
	"testing"

	"github.com/harunnryd/interviewer/pkg/frames"
	"github.com/harunnryd/interviewer/pkg/metrics"
)

type captureEmitter struct {
	mu     sync.Mutex
	frames []frames.Frame
}

func (c *captureEmitter) Emit(frame frames.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}

func (c *captureEmitter) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

type fakeGeneration struct {
	id        string
	cancelled bool
}

func (g *fakeGeneration) Cancel()        { g.cancelled = true }
func (g *fakeGeneration) TurnID() string { return g.id }

type fakePlayback struct {
	busy    bool
	cleared int
}

func (p *fakePlayback) Busy() bool { return p.busy }
func (p *fakePlayback) Clear() uint64 {
	p.cleared++
	p.busy = false
	return uint64(p.cleared)
}

type fakeHandles struct {
	gen *fakeGeneration
	pb  *fakePlayback
}

func (h *fakeHandles) Generation() Generation {
	if h.gen == nil {
		return nil
	}
	return h.gen
}

func (h *fakeHandles) Playback() Playback { return h.pb }

func TestCoordinatorCancelsEverything(t *testing.T) {
	emitter := &captureEmitter{}
	obs := metrics.NewMemoryObserver()
	h := &fakeHandles{gen: &fakeGeneration{id: "turn-1"}, pb: &fakePlayback{busy: true}}
	var interruptedTurn string
	c := NewCoordinator(h, CoordinatorOptions{
		SessionID:     "s1",
		Emitter:       emitter,
		Observer:      obs,
		OnInterrupted: func(_, id string) { interruptedTurn = id },
	})

	if !c.Interrupt("speech_start") {
		t.Fatalf("expected interrupt to report cancellation")
	}
	if !h.gen.cancelled || h.pb.cleared != 1 {
		t.Fatalf("generation and playback must both be cancelled")
	}
	if interruptedTurn != "turn-1" {
		t.Fatalf("unexpected interrupted turn %q", interruptedTurn)
	}
	if emitter.Count() != 1 {
		t.Fatalf("expected one control frame")
	}
	cf, ok := emitter.frames[0].(frames.ControlFrame)
	if !ok || cf.Code() != frames.ControlInterrupt {
		t.Fatalf("expected interrupt control frame, got %#v", emitter.frames[0])
	}
	if obs.Count(metrics.EventInterrupt) != 1 {
		t.Fatalf("expected interrupt metric")
	}
}

func TestCoordinatorPlaybackOnly(t *testing.T) {
	h := &fakeHandles{pb: &fakePlayback{busy: true}}
	c := NewCoordinator(h, CoordinatorOptions{})
	if !c.Interrupt("speech_start") {
		t.Fatalf("busy playback must be interrupted")
	}
	if h.pb.cleared != 1 {
		t.Fatalf("playback must be cleared")
	}
}

func TestCoordinatorNothingInFlight(t *testing.T) {
	emitter := &captureEmitter{}
	h := &fakeHandles{pb: &fakePlayback{}}
	c := NewCoordinator(h, CoordinatorOptions{Emitter: emitter})
	if c.Interrupt("speech_start") {
		t.Fatalf("idle engine must not report an interrupt")
	}
	if h.pb.cleared != 0 || emitter.Count() != 0 {
		t.Fatalf("idle interrupt must have no side effects")
	}
}
