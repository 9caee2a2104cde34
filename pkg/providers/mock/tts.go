package mock

import (
	"context"
	"time"

	"github.com/harunnryd/interviewer/pkg/adapters/tts"
)

type TTSConfig struct {
	SampleRate int
	// MsPerChar sizes the silent clip relative to the text.
	MsPerChar int
	Latency   time.Duration
}

// Synthesizer returns silent PCM sized to the request text.
type Synthesizer struct {
	cfg TTSConfig
}

func NewTTS(cfg TTSConfig) *Synthesizer {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.MsPerChar <= 0 {
		cfg.MsPerChar = 60
	}
	return &Synthesizer{cfg: cfg}
}

func (s *Synthesizer) Name() string { return "mock_tts" }

func (s *Synthesizer) Synthesize(ctx context.Context, req tts.Request) (tts.Clip, error) {
	if s.cfg.Latency > 0 {
		t := time.NewTimer(s.cfg.Latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return tts.Clip{}, ctx.Err()
		case <-t.C:
		}
	}
	ms := len(req.Text) * s.cfg.MsPerChar
	pcm := make([]byte, s.cfg.SampleRate*2*ms/1000)
	return tts.Clip{
		Audio:      pcm,
		Format:     "pcm_s16le",
		SampleRate: s.cfg.SampleRate,
		Duration:   tts.EstimateDuration(len(pcm), s.cfg.SampleRate),
	}, nil
}

var _ tts.Synthesizer = (*Synthesizer)(nil)
