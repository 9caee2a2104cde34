package frames

import (
	"strconv"
	"sync/atomic"
	"time"
)

type Kind string

const (
	KindAudio   Kind = "audio"
	KindText    Kind = "text"
	KindControl Kind = "control"
	KindSystem  Kind = "system"
)

type ControlCode string

const (
	ControlSpeechStart ControlCode = "speech_start"
	ControlSpeechEnd   ControlCode = "speech_end"
	ControlInterrupt   ControlCode = "interrupt"
	ControlError       ControlCode = "error"
)

// System frame names.
const (
	SystemOpened = "opened"
	SystemClosed = "closed"
)

type Frame interface {
	Kind() Kind
	PTS() int64
	Meta() map[string]string
}

type AudioFrame struct {
	pts  int64
	data []byte
	rate int
	ch   int
	meta map[string]string
}

func NewAudioFrame(sessionID string, pts int64, data []byte, rate, ch int, meta map[string]string) AudioFrame {
	return AudioFrame{
		pts:  pts,
		data: data,
		rate: rate,
		ch:   ch,
		meta: mergeMeta(sessionID, meta),
	}
}

func (a AudioFrame) Kind() Kind              { return KindAudio }
func (a AudioFrame) PTS() int64              { return a.pts }
func (a AudioFrame) Meta() map[string]string { return cloneMeta(a.meta) }
func (a AudioFrame) Data() []byte            { return append([]byte(nil), a.data...) }
func (a AudioFrame) RawPayload() []byte      { return a.data }
func (a AudioFrame) Rate() int               { return a.rate }
func (a AudioFrame) Channels() int           { return a.ch }

// TextFrame carries a transcript fragment. IsFinal reads MetaIsFinal.
type TextFrame struct {
	pts  int64
	text string
	meta map[string]string
}

func NewTextFrame(sessionID string, pts int64, text string, meta map[string]string) TextFrame {
	return TextFrame{
		pts:  pts,
		text: text,
		meta: mergeMeta(sessionID, meta),
	}
}

// NewTranscriptFrame builds a transcript text frame from a recognizer result.
func NewTranscriptFrame(sessionID, source, text string, final bool, confidence float64) TextFrame {
	meta := map[string]string{
		MetaSource:     source,
		MetaIsFinal:    strconv.FormatBool(final),
		MetaConfidence: strconv.FormatFloat(confidence, 'f', 3, 64),
	}
	return NewTextFrame(sessionID, time.Now().UnixNano(), text, meta)
}

func (t TextFrame) Kind() Kind              { return KindText }
func (t TextFrame) PTS() int64              { return t.pts }
func (t TextFrame) Meta() map[string]string { return cloneMeta(t.meta) }
func (t TextFrame) Text() string            { return t.text }
func (t TextFrame) IsFinal() bool           { return t.meta[MetaIsFinal] == "true" }

func (t TextFrame) Confidence() float64 {
	v, err := strconv.ParseFloat(t.meta[MetaConfidence], 64)
	if err != nil {
		return 0
	}
	return v
}

type ControlFrame struct {
	pts  int64
	code ControlCode
	meta map[string]string
}

func NewControlFrame(sessionID string, pts int64, code ControlCode, meta map[string]string) ControlFrame {
	return ControlFrame{
		pts:  pts,
		code: code,
		meta: mergeMeta(sessionID, meta),
	}
}

// NewErrorFrame wraps a provider error message into a control frame.
func NewErrorFrame(sessionID, source string, err error) ControlFrame {
	meta := map[string]string{MetaSource: source}
	if err != nil {
		meta[MetaError] = err.Error()
	}
	return NewControlFrame(sessionID, time.Now().UnixNano(), ControlError, meta)
}

func (c ControlFrame) Kind() Kind              { return KindControl }
func (c ControlFrame) PTS() int64              { return c.pts }
func (c ControlFrame) Meta() map[string]string { return cloneMeta(c.meta) }
func (c ControlFrame) Code() ControlCode       { return c.code }

type SystemFrame struct {
	pts  int64
	name string
	meta map[string]string
}

func NewSystemFrame(sessionID string, pts int64, name string, meta map[string]string) SystemFrame {
	return SystemFrame{
		pts:  pts,
		name: name,
		meta: mergeMeta(sessionID, meta),
	}
}

func (s SystemFrame) Kind() Kind              { return KindSystem }
func (s SystemFrame) PTS() int64              { return s.pts }
func (s SystemFrame) Meta() map[string]string { return cloneMeta(s.meta) }
func (s SystemFrame) Name() string            { return s.name }

// PTSGen hands out monotonically increasing presentation timestamps.
type PTSGen struct {
	value atomic.Int64
}

func (g *PTSGen) Next() int64 {
	return g.value.Add(time.Millisecond.Nanoseconds())
}

func mergeMeta(sessionID string, meta map[string]string) map[string]string {
	out := make(map[string]string, 2+len(meta))
	if sessionID != "" {
		out[MetaSessionID] = sessionID
	}
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func cloneMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
