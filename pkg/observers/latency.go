package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/interviewer/pkg/metrics"
)

// Latency breaks down how long the candidate waited for the interviewer to
// start talking. Stages that were not observed are -1.
type Latency struct {
	SessionID string
	TurnID    string
	// Silence is speech end until the turn was declared complete.
	Silence time.Duration
	// FirstToken is turn completion until the first reply token.
	FirstToken time.Duration
	// FirstAudio is the first token until the first synthesized audio.
	FirstAudio time.Duration
	// Total is speech end until the first synthesized audio.
	Total time.Duration
}

type LatencyObserver struct {
	mu       sync.Mutex
	sessions map[string]*latencyTrace
	log      *slog.Logger
	onDone   func(Latency)
	last     map[string]Latency
}

type latencyTrace struct {
	turnID       string
	speechEnd    time.Time
	turnComplete time.Time
	firstToken   time.Time
}

// NewLatencyObserver measures speech end to first audio per session. onDone,
// when set, receives every completed measurement.
func NewLatencyObserver(log *slog.Logger, onDone func(Latency)) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		sessions: make(map[string]*latencyTrace),
		last:     make(map[string]Latency),
		log:      log,
		onDone:   onDone,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	sid := ev.Tags[metrics.TagSessionID]
	if sid == "" {
		return
	}
	o.mu.Lock()
	t := o.sessions[sid]
	if t == nil {
		t = &latencyTrace{}
		o.sessions[sid] = t
	}
	var done *Latency
	switch ev.Name {
	case metrics.EventSpeechEnd:
		if t.turnComplete.IsZero() {
			t.speechEnd = ev.Time
		}
	case metrics.EventSpeechStart:
		if t.turnComplete.IsZero() {
			t.speechEnd = time.Time{}
		}
	case metrics.EventTurnComplete:
		t.turnComplete = ev.Time
		t.turnID = ev.Tags[metrics.TagTurnID]
		t.firstToken = time.Time{}
	case metrics.EventLLMFirstToken:
		if !t.turnComplete.IsZero() && t.firstToken.IsZero() {
			t.firstToken = ev.Time
		}
	case metrics.EventTTSFirstAudio:
		if t.turnComplete.IsZero() {
			break
		}
		l := Latency{
			SessionID:  sid,
			TurnID:     t.turnID,
			Silence:    since(t.speechEnd, t.turnComplete),
			FirstToken: since(t.turnComplete, t.firstToken),
			FirstAudio: since(t.firstToken, ev.Time),
			Total:      since(t.speechEnd, ev.Time),
		}
		o.last[sid] = l
		done = &l
		*t = latencyTrace{}
	case metrics.EventSessionEnd:
		delete(o.sessions, sid)
		delete(o.last, sid)
	}
	o.mu.Unlock()

	if done == nil {
		return
	}
	o.log.Info("response_latency",
		slog.String("session_id", done.SessionID),
		slog.String("turn_id", done.TurnID),
		slog.Int64("silence_ms", ms(done.Silence)),
		slog.Int64("llm_first_token_ms", ms(done.FirstToken)),
		slog.Int64("tts_first_audio_ms", ms(done.FirstAudio)),
		slog.Int64("total_ms", ms(done.Total)))
	if o.onDone != nil {
		o.onDone(*done)
	}
}

// Last returns the most recent measurement of a live session.
func (o *LatencyObserver) Last(sessionID string) (Latency, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.last[sessionID]
	return l, ok
}

func since(a, b time.Time) time.Duration {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a)
}

func ms(d time.Duration) int64 {
	if d < 0 {
		return -1
	}
	return d.Milliseconds()
}

var _ metrics.Observer = (*LatencyObserver)(nil)
