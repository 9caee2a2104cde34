package browser

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/interviewer/pkg/adapters/tts"
	"github.com/harunnryd/interviewer/pkg/conversation"
	"github.com/harunnryd/interviewer/pkg/errorsx"
	"github.com/harunnryd/interviewer/pkg/frames"
	"github.com/harunnryd/interviewer/pkg/turn"
)

var ErrSessionClosed = errorsx.New(errorsx.ReasonSessionClosed, "browser session closed")

// outbound is one write on the socket. A binary payload, when present, is
// written right after text so an audio header is never separated from its
// clip.
type outbound struct {
	text   []byte
	binary []byte
	close  bool
}

// Session is one browser connection. It is the audio source, the player and
// the notifier of the engine running behind it.
type Session struct {
	id     string
	conn   *websocket.Conn
	cfg    Config
	logger *slog.Logger
	pts    frames.PTSGen

	audio chan frames.AudioFrame
	out   chan outbound

	muted     atomic.Bool
	closed    atomic.Bool
	dropped   atomic.Int64
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	nextID uint64
	acks   map[uint64]chan struct{}
}

func newSession(id string, conn *websocket.Conn, cfg Config, logger *slog.Logger) *Session {
	return &Session{
		id:     id,
		conn:   conn,
		cfg:    cfg,
		logger: logger.With(slog.String("session_id", id)),
		audio:  make(chan frames.AudioFrame, cfg.FrameBuffer),
		out:    make(chan outbound, cfg.FrameBuffer),
		done:   make(chan struct{}),
		acks:   make(map[uint64]chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

// Active reports whether the browser is still connected.
func (s *Session) Active() bool { return !s.closed.Load() }

func (s *Session) Frames() <-chan frames.AudioFrame { return s.audio }

func (s *Session) Muted() bool { return s.muted.Load() }

func (s *Session) SetMuted(v bool) { s.muted.Store(v) }

// Dropped counts inbound audio frames discarded because the engine fell behind.
func (s *Session) Dropped() int64 { return s.dropped.Load() }

func (s *Session) pushAudio(data []byte) {
	if s.closed.Load() || len(data) == 0 {
		return
	}
	meta := map[string]string{
		frames.MetaSource:   "browser",
		frames.MetaEncoding: "linear16",
	}
	af := frames.NewAudioFrame(s.id, s.pts.Next(), data, s.cfg.SampleRate, 1, meta)
	select {
	case s.audio <- af:
	default:
		if s.dropped.Add(1)%100 == 1 {
			s.logger.Warn("browser_audio_dropped", slog.Int64("dropped", s.dropped.Load()))
		}
	}
}

// Play sends clip to the browser and waits until the browser reports it
// finished. A missing acknowledgement is tolerated once the clip plus the
// grace period has elapsed.
func (s *Session) Play(ctx context.Context, clip tts.Clip) error {
	id, ack := s.registerAck()
	defer s.dropAck(id)

	hdr, err := json.Marshal(audioMessage{
		Type:       MsgAudio,
		ID:         id,
		Format:     clip.Format,
		SampleRate: clip.SampleRate,
		DurationMS: clip.Duration.Milliseconds(),
	})
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTransportSend)
	}
	if err := s.send(ctx, outbound{text: hdr, binary: clip.Audio}); err != nil {
		return err
	}

	timer := time.NewTimer(clip.Duration + s.cfg.AckGrace)
	defer timer.Stop()
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		s.trySend(stopMessage{Type: MsgStop, ID: id})
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	case <-timer.C:
		s.logger.Warn("playback_ack_timeout", slog.Uint64("clip_id", id))
		return nil
	}
}

// Ack marks clip id as played.
func (s *Session) Ack(id uint64) {
	s.mu.Lock()
	ch, ok := s.acks[id]
	delete(s.acks, id)
	s.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (s *Session) registerAck() (uint64, chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	ch := make(chan struct{})
	s.acks[s.nextID] = ch
	return s.nextID, ch
}

func (s *Session) dropAck(id uint64) {
	s.mu.Lock()
	delete(s.acks, id)
	s.mu.Unlock()
}

// clearTimeout bounds how long an interrupt waits for room in the outbound
// buffer.
const clearTimeout = 500 * time.Millisecond

// Emit forwards interrupt frames as a clear instruction so the browser
// flushes whatever audio it still buffers. Unlike status updates the clear is
// never dropped on a full buffer; it waits up to clearTimeout.
func (s *Session) Emit(f frames.Frame) error {
	cf, ok := f.(frames.ControlFrame)
	if !ok || cf.Code() != frames.ControlInterrupt {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), clearTimeout)
	defer cancel()
	if err := s.sendJSON(ctx, clearMessage{Type: MsgClear, Reason: cf.Meta()[frames.MetaReason]}); err != nil {
		s.logger.Warn("browser_clear_not_sent", slog.String("error", err.Error()))
		return err
	}
	return nil
}

func (s *Session) OnTranscript(text string, final bool) {
	s.trySend(transcriptMessage{Type: MsgTranscript, Text: text, Final: final})
}

func (s *Session) OnStatus(st turn.Status) {
	s.trySend(statusMessage{
		Type:           MsgStatus,
		State:          st.State.String(),
		IsUserSpeaking: st.IsUserSpeaking,
		IsAISpeaking:   st.IsAISpeaking,
		IsGenerating:   st.IsGenerating,
	})
}

func (s *Session) OnTurn(t conversation.Turn) { s.trySend(newTurnMessage(t)) }

func (s *Session) sendJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTransportSend)
	}
	return s.send(ctx, outbound{text: data})
}

func (s *Session) send(ctx context.Context, msg outbound) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	select {
	case s.out <- msg:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// trySend never blocks the caller. Messages are dropped when the writer is
// backed up.
func (s *Session) trySend(v any) {
	if s.closed.Load() {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case s.out <- outbound{text: data}:
	default:
		s.logger.Warn("browser_send_dropped")
	}
}

// writeLoop is the only goroutine writing to the connection.
func (s *Session) writeLoop() {
	defer s.shutdown()
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.out:
			if msg.close {
				_ = s.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(s.cfg.WriteTimeout))
				return
			}
			if err := s.write(msg); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					s.logger.Debug("browser_write_failed", slog.String("error", err.Error()))
				}
				return
			}
		}
	}
}

func (s *Session) write(msg outbound) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, msg.text); err != nil {
		return err
	}
	if msg.binary != nil {
		return s.conn.WriteMessage(websocket.BinaryMessage, msg.binary)
	}
	return nil
}

// closeGracefully flushes queued messages and sends a close frame.
func (s *Session) closeGracefully(ctx context.Context) {
	_ = s.send(ctx, outbound{close: true})
}

func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
	})
}
