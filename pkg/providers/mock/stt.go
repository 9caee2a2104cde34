package mock

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/harunnryd/interviewer/pkg/adapters/stt"
	"github.com/harunnryd/interviewer/pkg/frames"
)

type STTConfig struct {
	SessionID string
	// Transcripts are spoken one per utterance, cycling when exhausted.
	Transcripts []string
	// FramesPerUtterance is how many audio frames make one utterance.
	FramesPerUtterance int
	EmitInterim        bool
}

// StreamingSTT pretends to recognize speech. Every FramesPerUtterance audio
// frames it emits speech_start, an optional interim, the next scripted final
// and speech_end.
type StreamingSTT struct {
	cfg       STTConfig
	out       chan frames.Frame
	mu        sync.Mutex
	started   bool
	closed    bool
	count     int
	utterance int
	pts       frames.PTSGen
}

func NewSTT(cfg STTConfig) *StreamingSTT {
	if len(cfg.Transcripts) == 0 {
		cfg.Transcripts = []string{"mock transcript"}
	}
	if cfg.FramesPerUtterance <= 0 {
		cfg.FramesPerUtterance = 50
	}
	return &StreamingSTT{cfg: cfg, out: make(chan frames.Frame, 64)}
}

// NewSTTFactory returns a factory producing a fresh mock per connection.
func NewSTTFactory(cfg STTConfig) stt.Factory {
	return func(sessionID string) stt.StreamingSTT {
		c := cfg
		c.SessionID = sessionID
		return NewSTT(c)
	}
}

func (s *StreamingSTT) Name() string { return "mock_stt" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("closed")
	}
	s.started = true
	return nil
}

func (s *StreamingSTT) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.started = false
	return nil
}

func (s *StreamingSTT) SendAudio(frame frames.AudioFrame) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return errors.New("not started")
	}
	s.count++
	if s.count%s.cfg.FramesPerUtterance != 0 {
		s.mu.Unlock()
		return nil
	}
	text := s.cfg.Transcripts[s.utterance%len(s.cfg.Transcripts)]
	s.utterance++
	id := strconv.Itoa(s.utterance)
	s.mu.Unlock()

	sid := s.cfg.SessionID
	meta := map[string]string{frames.MetaSource: "stt"}
	s.push(frames.NewControlFrame(sid, s.pts.Next(), frames.ControlSpeechStart, meta))
	if s.cfg.EmitInterim {
		s.push(frames.NewTranscriptFrame(sid, "stt", text, false, 0.5))
	}
	s.push(frames.NewTextFrame(sid, s.pts.Next(), text, map[string]string{
		frames.MetaSource:     "stt",
		frames.MetaIsFinal:    "true",
		frames.MetaConfidence: "1",
		frames.MetaResultID:   id,
	}))
	s.push(frames.NewControlFrame(sid, s.pts.Next(), frames.ControlSpeechEnd, meta))
	return nil
}

// Drop simulates the provider closing the connection.
func (s *StreamingSTT) Drop() {
	s.push(frames.NewSystemFrame(s.cfg.SessionID, time.Now().UnixNano(), frames.SystemClosed, nil))
}

func (s *StreamingSTT) push(f frames.Frame) {
	select {
	case s.out <- f:
	default:
	}
}

func (s *StreamingSTT) Results() <-chan frames.Frame { return s.out }

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
