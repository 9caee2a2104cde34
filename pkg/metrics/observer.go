package metrics

import "time"

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Event names emitted by the turn engine.
const (
	EventSTTConnected     = "stt_connected"
	EventSTTReconnect     = "stt_reconnect"
	EventSTTFinal         = "stt_final"
	EventSpeechStart      = "speech_start"
	EventSpeechEnd        = "speech_end"
	EventTurnComplete     = "turn_complete"
	EventLLMFirstToken    = "llm_first_token"
	EventLLMDone          = "llm_done"
	EventLLMError         = "llm_error"
	EventSentenceEmitted  = "sentence_emitted"
	EventTTSFirstAudio    = "tts_first_audio"
	EventTTSError         = "tts_error"
	EventPlaybackStarted  = "playback_started"
	EventPlaybackFinished = "playback_finished"
	EventInterrupt        = "interrupt"
	EventStateChange      = "state_change"
	EventSessionEnd       = "session_end"
	EventBreakerDenied    = "breaker_denied"
)

// Tag keys shared across events.
const (
	TagSessionID = "session_id"
	TagTurnID    = "turn_id"
	TagComponent = "component"
	TagProvider  = "provider"
)

// Emit records a named event stamped with the current time. A nil observer is ignored.
func Emit(obs Observer, name string, tags map[string]string, fields map[string]any) {
	if obs == nil {
		return
	}
	obs.RecordEvent(MetricsEvent{
		Name:   name,
		Time:   time.Now(),
		Tags:   tags,
		Fields: fields,
	})
}
