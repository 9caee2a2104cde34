package deepgram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/harunnryd/interviewer/pkg/adapters/stt"
	"github.com/harunnryd/interviewer/pkg/frames"
	"github.com/harunnryd/interviewer/pkg/logging"
	"github.com/harunnryd/interviewer/pkg/redact"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

type Config struct {
	APIKey         string
	Model          string
	Language       string
	SampleRate     int
	Encoding       string
	Interim        bool
	VADEvents      bool
	SmartFormat    bool
	UtteranceEndMS int
	SessionID      string
	Logger         *slog.Logger
}

// StreamingSTT is one Deepgram live transcription connection.
type StreamingSTT struct {
	cfg        Config
	dgClient   *client.WSCallback
	out        chan frames.Frame
	ctx        context.Context
	cancel     context.CancelFunc
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	logger     *slog.Logger
	pts        frames.PTSGen

	mu         sync.Mutex
	metaLogged bool
	closed     bool
}

func New(cfg Config) *StreamingSTT {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "linear16"
	}
	return &StreamingSTT{
		cfg:    cfg,
		out:    make(chan frames.Frame, 256),
		logger: logging.NewComponentLogger(cfg.Logger, "deepgram_stt"),
	}
}

// NewFactory builds a connection per attempt, stamped with the session id.
func NewFactory(cfg Config) stt.Factory {
	return func(sessionID string) stt.StreamingSTT {
		c := cfg
		c.SessionID = sessionID
		return New(c)
	}
}

func (s *StreamingSTT) Name() string { return "deepgram_streaming" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.cfg.APIKey == "" {
		return errors.New("deepgram api key is empty")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.pipeReader, s.pipeWriter = io.Pipe()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          s.cfg.Model,
		Language:       s.cfg.Language,
		Encoding:       s.cfg.Encoding,
		SampleRate:     s.cfg.SampleRate,
		InterimResults: s.cfg.Interim,
		VadEvents:      s.cfg.VADEvents,
		SmartFormat:    s.cfg.SmartFormat,
	}
	if s.cfg.UtteranceEndMS > 0 {
		transcriptOptions.UtteranceEndMs = strconv.Itoa(s.cfg.UtteranceEndMS)
	}

	s.logger.Info("initializing deepgram connection",
		slog.String("session_id", s.cfg.SessionID),
		slog.String("model", s.cfg.Model),
		slog.Bool("vad_events", s.cfg.VADEvents),
		slog.Int("utterance_end_ms", s.cfg.UtteranceEndMS),
		slog.Int("sample_rate", s.cfg.SampleRate))

	dgClient, err := client.NewWSUsingCallback(s.ctx, s.cfg.APIKey, clientOptions, transcriptOptions, &callback{parent: s})
	if err != nil {
		s.logger.Error("deepgram_client_create_error",
			slog.String("error", err.Error()),
			slog.String("session_id", s.cfg.SessionID))
		return err
	}
	s.dgClient = dgClient

	if connected := s.dgClient.Connect(); !connected {
		s.logger.Error("deepgram_connect_failed",
			slog.String("session_id", s.cfg.SessionID))
		return fmt.Errorf("deepgram connection failed")
	}

	go func() {
		err := s.dgClient.Stream(s.pipeReader)
		if s.ctx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, io.EOF) {
			s.logger.Error("deepgram_stream_error",
				slog.String("error", err.Error()),
				slog.String("session_id", s.cfg.SessionID))
			s.emit(frames.NewErrorFrame(s.cfg.SessionID, "stt", err))
		}
		s.emit(frames.NewSystemFrame(s.cfg.SessionID, s.pts.Next(), frames.SystemClosed, nil))
	}()
	return nil
}

// Close stops the connection. Safe to call more than once.
func (s *StreamingSTT) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.logger.Info("closing deepgram connection",
		slog.String("session_id", s.cfg.SessionID))
	if s.cancel != nil {
		s.cancel()
	}
	if s.pipeWriter != nil {
		_ = s.pipeWriter.Close()
	}
	if s.dgClient != nil {
		s.dgClient.Stop()
	}
	return nil
}

func (s *StreamingSTT) SendAudio(frame frames.AudioFrame) error {
	if s.pipeWriter == nil {
		return fmt.Errorf("not started")
	}
	_, err := s.pipeWriter.Write(frame.RawPayload())
	if err != nil {
		s.logger.Debug("deepgram_send_failed",
			slog.String("error", err.Error()),
			slog.String("session_id", s.cfg.SessionID))
	}
	return err
}

func (s *StreamingSTT) Results() <-chan frames.Frame { return s.out }

func (s *StreamingSTT) emit(f frames.Frame) {
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case s.out <- f:
	case <-ctx.Done():
	case <-time.After(time.Second):
		s.logger.Warn("deepgram_out_channel_full",
			slog.String("session_id", s.cfg.SessionID))
	}
}

type callback struct {
	parent *StreamingSTT
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened",
		slog.String("session_id", c.parent.cfg.SessionID))
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	p := c.parent
	if len(mr.Channel.Alternatives) > 0 {
		alt := mr.Channel.Alternatives[0]
		if alt.Transcript != "" {
			meta := map[string]string{
				frames.MetaSource:     "stt",
				frames.MetaIsFinal:    strconv.FormatBool(mr.IsFinal),
				frames.MetaConfidence: strconv.FormatFloat(alt.Confidence, 'f', 3, 64),
			}
			if mr.IsFinal {
				meta[frames.MetaResultID] = resultID(mr)
			}
			p.logger.Debug("transcript_received",
				slog.String("session_id", p.cfg.SessionID),
				slog.String("transcript", redact.Preview(alt.Transcript, 120)),
				slog.Bool("is_final", mr.IsFinal))
			p.emit(frames.NewTextFrame(p.cfg.SessionID, p.pts.Next(), alt.Transcript, meta))
		}
	}
	// With utterance-end events enabled the UtteranceEnd callback ends the
	// turn; a second speech end here would re-arm the silence timer.
	if mr.SpeechFinal && p.cfg.UtteranceEndMS > 0 {
		p.logger.Debug("speech_final_received",
			slog.String("session_id", p.cfg.SessionID))
	} else if mr.SpeechFinal {
		p.emit(frames.NewControlFrame(p.cfg.SessionID, p.pts.Next(), frames.ControlSpeechEnd, map[string]string{
			frames.MetaSource: "stt",
			frames.MetaReason: "speech_final",
		}))
	}
	return nil
}

// resultID identifies a finalized segment within one connection.
func resultID(mr *msginterfaces.MessageResponse) string {
	return mr.Metadata.RequestID + ":" + strconv.FormatFloat(mr.Start, 'f', 3, 64)
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	c.parent.mu.Lock()
	logged := c.parent.metaLogged
	c.parent.metaLogged = true
	c.parent.mu.Unlock()
	if !logged {
		c.parent.logger.Info("deepgram_metadata_received",
			slog.String("session_id", c.parent.cfg.SessionID),
			slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	p := c.parent
	p.logger.Debug("speech_started_event",
		slog.String("session_id", p.cfg.SessionID))
	p.emit(frames.NewControlFrame(p.cfg.SessionID, p.pts.Next(), frames.ControlSpeechStart, map[string]string{
		frames.MetaSource: "stt",
		frames.MetaReason: "speech_started",
	}))
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	p := c.parent
	p.logger.Debug("utterance_end_event",
		slog.String("session_id", p.cfg.SessionID),
		slog.Int("utterance_end_ms", p.cfg.UtteranceEndMS))
	p.emit(frames.NewControlFrame(p.cfg.SessionID, p.pts.Next(), frames.ControlSpeechEnd, map[string]string{
		frames.MetaSource: "stt",
		frames.MetaReason: "utterance_end",
	}))
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed",
		slog.String("session_id", c.parent.cfg.SessionID))
	if c.parent.ctx != nil && c.parent.ctx.Err() == nil {
		c.parent.emit(frames.NewSystemFrame(c.parent.cfg.SessionID, c.parent.pts.Next(), frames.SystemClosed, nil))
	}
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("session_id", c.parent.cfg.SessionID),
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	c.parent.emit(frames.NewErrorFrame(c.parent.cfg.SessionID, "stt", fmt.Errorf("%s: %s", er.ErrCode, er.ErrMsg)))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event",
		slog.String("session_id", c.parent.cfg.SessionID),
		slog.Int("bytes", len(byData)))
	return nil
}

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
