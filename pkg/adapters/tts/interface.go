package tts

import (
	"context"
	"fmt"
	"time"
)

// Request is a single sentence to voice.
type Request struct {
	Text  string
	Speed float64
	Style string
}

// Clip is a synthesized audio payload ready for playback.
type Clip struct {
	Audio      []byte
	Format     string
	SampleRate int
	Duration   time.Duration
}

// Synthesizer turns one sentence into one clip. Implementations must abort
// promptly when ctx is cancelled.
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, req Request) (Clip, error)
}

// SynthesisError reports a provider failure for one request.
type SynthesisError struct {
	Provider  string
	Code      string
	Message   string
	Retryable bool
}

func (e *SynthesisError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s synthesis failed (%s): %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("%s synthesis failed: %s", e.Provider, e.Message)
}

// EstimateDuration approximates playback length of raw PCM16 mono audio.
func EstimateDuration(pcmBytes, sampleRate int) time.Duration {
	if sampleRate <= 0 || pcmBytes <= 0 {
		return 0
	}
	samples := pcmBytes / 2
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
