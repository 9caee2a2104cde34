package observers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/interviewer/pkg/metrics"
)

// UsageSummary totals what one interview consumed.
type UsageSummary struct {
	SessionID       string  `json:"session_id"`
	CandidateTurns  int     `json:"candidate_turns"`
	Replies         int     `json:"replies"`
	ReplyChars      int     `json:"reply_chars"`
	Sentences       int     `json:"sentences"`
	SpokenSeconds   float64 `json:"spoken_seconds"`
	Interrupts      int     `json:"interrupts"`
	STTReconnects   int     `json:"stt_reconnects"`
	SynthesisErrors int     `json:"synthesis_errors"`
	RecordedAtUTC   string  `json:"recorded_at_utc,omitempty"`
}

// UsageObserver writes <dir>/<session>.usage.json when a session ends.
type UsageObserver struct {
	dir   string
	mu    sync.Mutex
	stats map[string]*UsageSummary
}

func NewUsageObserver(dir string) *UsageObserver {
	return &UsageObserver{dir: dir, stats: make(map[string]*UsageSummary)}
}

func (o *UsageObserver) RecordEvent(ev metrics.MetricsEvent) {
	sid := ev.Tags[metrics.TagSessionID]
	if sid == "" {
		return
	}
	o.mu.Lock()
	stat := o.stats[sid]
	if stat == nil {
		stat = &UsageSummary{SessionID: sid}
		o.stats[sid] = stat
	}
	switch ev.Name {
	case metrics.EventTurnComplete:
		stat.CandidateTurns++
	case metrics.EventLLMDone:
		stat.Replies++
		stat.ReplyChars += intField(ev.Fields, "chars")
	case metrics.EventPlaybackFinished:
		stat.Sentences++
		stat.SpokenSeconds += float64(intField(ev.Fields, "duration_ms")) / 1000
	case metrics.EventInterrupt:
		stat.Interrupts++
	case metrics.EventSTTReconnect:
		stat.STTReconnects++
	case metrics.EventTTSError:
		stat.SynthesisErrors++
	}
	if ev.Name != metrics.EventSessionEnd {
		o.mu.Unlock()
		return
	}
	delete(o.stats, sid)
	o.mu.Unlock()
	_ = o.write(stat)
}

// Summary returns the running totals of a live session.
func (o *UsageObserver) Summary(sessionID string) (UsageSummary, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	stat, ok := o.stats[sessionID]
	if !ok {
		return UsageSummary{}, false
	}
	return *stat, true
}

// Close writes the summaries of sessions that never reported an end.
func (o *UsageObserver) Close() error {
	o.mu.Lock()
	pending := o.stats
	o.stats = make(map[string]*UsageSummary)
	o.mu.Unlock()
	var err error
	for _, stat := range pending {
		err = errors.Join(err, o.write(stat))
	}
	return err
}

func (o *UsageObserver) write(stat *UsageSummary) error {
	if strings.TrimSpace(o.dir) == "" {
		return nil
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return err
	}
	stat.RecordedAtUTC = time.Now().UTC().Format(time.RFC3339)
	b, err := json.MarshalIndent(stat, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(o.dir, sanitizeID(stat.SessionID)+".usage.json"), b, 0o644)
}

func intField(fields map[string]any, key string) int {
	switch v := fields[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

var _ metrics.Observer = (*UsageObserver)(nil)
