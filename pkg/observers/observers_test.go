package observers

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/harunnryd/interviewer/pkg/metrics"
)

func event(name, sid string, at time.Time, fields map[string]any) metrics.MetricsEvent {
	return metrics.MetricsEvent{
		Name:   name,
		Time:   at,
		Tags:   map[string]string{metrics.TagSessionID: sid, metrics.TagTurnID: "t1", metrics.TagComponent: "engine"},
		Fields: fields,
	}
}

func TestTimelineObserverWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)
	now := time.Now()
	obs.RecordEvent(event(metrics.EventTurnComplete, "sess/1", now, map[string]any{"chars": 12}))
	obs.RecordEvent(event(metrics.EventSessionEnd, "sess/1", now, nil))
	obs.RecordEvent(metrics.MetricsEvent{Name: "orphan", Time: now})
	_ = obs.Close()

	b, err := os.ReadFile(filepath.Join(dir, "sess_1.jsonl"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	var first timelineEvent
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.Event != metrics.EventTurnComplete || first.TurnID != "t1" || first.Component != "engine" {
		t.Fatalf("unexpected entry %+v", first)
	}
}

func TestLatencyObserverMeasuresTurn(t *testing.T) {
	var got []Latency
	obs := NewLatencyObserver(nil, func(l Latency) { got = append(got, l) })
	base := time.Now()
	obs.RecordEvent(event(metrics.EventSpeechEnd, "s", base, nil))
	obs.RecordEvent(event(metrics.EventTurnComplete, "s", base.Add(1200*time.Millisecond), nil))
	obs.RecordEvent(event(metrics.EventLLMFirstToken, "s", base.Add(1500*time.Millisecond), nil))
	obs.RecordEvent(event(metrics.EventTTSFirstAudio, "s", base.Add(1800*time.Millisecond), nil))
	obs.RecordEvent(event(metrics.EventTTSFirstAudio, "s", base.Add(2500*time.Millisecond), nil))

	if len(got) != 1 {
		t.Fatalf("expected one measurement, got %d", len(got))
	}
	l := got[0]
	if l.Silence != 1200*time.Millisecond || l.FirstToken != 300*time.Millisecond ||
		l.FirstAudio != 300*time.Millisecond || l.Total != 1800*time.Millisecond {
		t.Fatalf("unexpected latency %+v", l)
	}
	if last, ok := obs.Last("s"); !ok || last.TurnID != "t1" {
		t.Fatalf("expected last measurement, got %+v", last)
	}
	obs.RecordEvent(event(metrics.EventSessionEnd, "s", base, nil))
	if _, ok := obs.Last("s"); ok {
		t.Fatalf("expected session forgotten")
	}
}

func TestLatencyObserverGreetingHasNoSpeechEnd(t *testing.T) {
	var got Latency
	obs := NewLatencyObserver(nil, func(l Latency) { got = l })
	base := time.Now()
	obs.RecordEvent(event(metrics.EventTurnComplete, "s", base, nil))
	obs.RecordEvent(event(metrics.EventTTSFirstAudio, "s", base.Add(time.Second), nil))
	if got.Total != -1 || got.FirstToken != -1 {
		t.Fatalf("expected unobserved stages, got %+v", got)
	}
}

func TestUsageObserverWritesSummaryOnSessionEnd(t *testing.T) {
	dir := t.TempDir()
	obs := NewUsageObserver(dir)
	now := time.Now()
	obs.RecordEvent(event(metrics.EventTurnComplete, "s1", now, nil))
	obs.RecordEvent(event(metrics.EventLLMDone, "s1", now, map[string]any{"chars": 40}))
	obs.RecordEvent(event(metrics.EventPlaybackFinished, "s1", now, map[string]any{"duration_ms": int64(1500)}))
	obs.RecordEvent(event(metrics.EventInterrupt, "s1", now, map[string]any{"reason": "speech_start"}))
	if s, ok := obs.Summary("s1"); !ok || s.Sentences != 1 {
		t.Fatalf("unexpected running summary %+v", s)
	}
	obs.RecordEvent(event(metrics.EventSessionEnd, "s1", now, nil))

	b, err := os.ReadFile(filepath.Join(dir, "s1.usage.json"))
	if err != nil {
		t.Fatalf("read summary: %v", err)
	}
	var s UsageSummary
	if err := json.Unmarshal(b, &s); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s.CandidateTurns != 1 || s.Replies != 1 || s.ReplyChars != 40 || s.SpokenSeconds != 1.5 || s.Interrupts != 1 {
		t.Fatalf("unexpected summary %+v", s)
	}
}

func TestPurgeArtifactsKeepsRecentAndForeignFiles(t *testing.T) {
	dir := t.TempDir()
	old := time.Now().Add(-72 * time.Hour)
	for _, name := range []string{"a.jsonl", "a.usage.json", "notes.txt", "b.jsonl"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	for _, name := range []string{"a.jsonl", "a.usage.json", "notes.txt"} {
		if err := os.Chtimes(filepath.Join(dir, name), old, old); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}
	removed, err := PurgeArtifacts(dir, 1)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
		t.Fatalf("foreign file removed")
	}
	if n, err := PurgeArtifacts(filepath.Join(dir, "missing"), 1); err != nil || n != 0 {
		t.Fatalf("missing dir should be a no-op, got %d %v", n, err)
	}
}

func TestPrometheusObserverCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs, err := NewPrometheusObserver(reg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	now := time.Now()
	obs.RecordEvent(event(metrics.EventInterrupt, "s", now, map[string]any{"reason": "speech_start"}))
	obs.RecordEvent(event(metrics.EventInterrupt, "s", now, map[string]any{"reason": "speech_start"}))
	obs.RecordEvent(event(metrics.EventSessionEnd, "s", now, nil))
	obs.ObserveLatency(Latency{Total: time.Second})

	if got := testutil.ToFloat64(obs.interrupts.WithLabelValues("speech_start")); got != 2 {
		t.Fatalf("expected 2 interrupts, got %v", got)
	}
	if got := testutil.ToFloat64(obs.events.WithLabelValues(metrics.EventSessionEnd, "engine")); got != 1 {
		t.Fatalf("expected 1 session_end, got %v", got)
	}
	if got := testutil.CollectAndCount(obs.responseLatency); got != 1 {
		t.Fatalf("expected latency histogram collected, got %d", got)
	}
	if _, err := NewPrometheusObserver(reg); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
}

func TestMultiObserverFansOut(t *testing.T) {
	a, b := metrics.NewMemoryObserver(), metrics.NewMemoryObserver()
	m := NewMultiObserver(a, nil, b, NewLoggerObserver(nil))
	m.RecordEvent(event(metrics.EventTurnComplete, "s", time.Now(), nil))
	if a.Count(metrics.EventTurnComplete) != 1 || b.Count(metrics.EventTurnComplete) != 1 {
		t.Fatalf("expected both observers to receive the event")
	}
	if err := m.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
}
