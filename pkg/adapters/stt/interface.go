package stt

import (
	"context"

	"github.com/harunnryd/interviewer/pkg/frames"
)

// StreamingSTT defines the contract for any STT vendor implementation.
//
// Results carries text frames (interim and final transcripts, see
// frames.TextFrame.IsFinal), control frames for voice activity
// (frames.ControlSpeechStart, frames.ControlSpeechEnd) and provider errors
// (frames.ControlError), and a closing frames.SystemClosed system frame when
// the connection ends. The channel is not closed by the vendor; consumers stop
// reading after SystemClosed or Close.
type StreamingSTT interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Start initializes the STT connection.
	Start(ctx context.Context) error
	// Close shuts down the STT connection.
	Close() error
	// SendAudio sends audio frames to the STT service.
	SendAudio(frame frames.AudioFrame) error
	// Results returns a channel of transcription/control frames.
	Results() <-chan frames.Frame
}

// Factory builds a fresh recognizer for one connection attempt of a session.
type Factory func(sessionID string) StreamingSTT
