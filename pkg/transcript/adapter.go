package transcript

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/interviewer/pkg/adapters/stt"
	"github.com/harunnryd/interviewer/pkg/errorsx"
	"github.com/harunnryd/interviewer/pkg/frames"
	"github.com/harunnryd/interviewer/pkg/logging"
	"github.com/harunnryd/interviewer/pkg/metrics"
	"github.com/harunnryd/interviewer/pkg/redact"
	"github.com/harunnryd/interviewer/pkg/resilience"
)

// AudioSource is the live capture track of one session. The adapter never
// owns the device and never writes the mute flag.
type AudioSource interface {
	Active() bool
	Frames() <-chan frames.AudioFrame
	Muted() bool
}

type EventKind int

const (
	EventInterim EventKind = iota
	EventFinal
	EventSpeechStart
	EventSpeechEnd
	EventError
	EventClosed
	EventFatal
)

func (k EventKind) String() string {
	switch k {
	case EventInterim:
		return "interim"
	case EventFinal:
		return "final"
	case EventSpeechStart:
		return "speech_start"
	case EventSpeechEnd:
		return "speech_end"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	case EventFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Event is one recognition signal delivered to the engine.
type Event struct {
	Kind       EventKind
	Text       string
	Confidence float64
	Err        error
	At         time.Time
}

type Options struct {
	SessionID            string
	MaxReconnectAttempts int
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	Buffer               int
	Observer             metrics.Observer
	Logger               *slog.Logger
}

var ErrAlreadyStarted = errors.New("transcript adapter already started")

// Adapter keeps one recognition connection open for the whole session and
// turns its frames into Events. Dropped connections are re-established with
// bounded exponential backoff.
type Adapter struct {
	factory stt.Factory
	source  AudioSource
	opts    Options
	logger  *slog.Logger
	backoff *resilience.Backoff
	events  chan Event

	mu      sync.Mutex
	conn    stt.StreamingSTT
	started bool
	cancel  context.CancelFunc

	seen      map[string]struct{}
	// endSent is set once a speech end was forwarded and cleared by the next
	// speech start or transcript. Owned by the result pump.
	endSent   bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func New(factory stt.Factory, source AudioSource, opts Options) *Adapter {
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = 5
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.Observer == nil {
		opts.Observer = metrics.NoopObserver{}
	}
	return &Adapter{
		factory: factory,
		source:  source,
		opts:    opts,
		logger:  logging.NewComponentLogger(opts.Logger, "transcript"),
		backoff: resilience.NewBackoff(opts.InitialBackoff, opts.MaxBackoff, 0.2),
		events:  make(chan Event, opts.Buffer),
		seen:    make(map[string]struct{}),
	}
}

// Events delivers recognition events. It is closed after Close.
func (a *Adapter) Events() <-chan Event { return a.events }

// Start opens the recognition connection and starts the audio and result
// pumps. It fails if the audio source is not active.
func (a *Adapter) Start(ctx context.Context) error {
	if a.source == nil || !a.source.Active() {
		return errorsx.New(errorsx.ReasonAudioSourceUnavailable, "audio source is not active")
	}
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return ErrAlreadyStarted
	}
	a.started = true
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.mu.Unlock()

	conn, err := a.connect(ctx)
	if err != nil {
		a.logger.Warn("stt_connect_failed",
			slog.String("session_id", a.opts.SessionID),
			slog.String("error", err.Error()))
		if conn, err = a.reconnect(ctx); err != nil {
			cancel()
			return err
		}
	}
	a.setConn(conn)

	a.wg.Add(2)
	go a.pumpAudio(ctx)
	go a.pumpResults(ctx, conn)
	return nil
}

// Close tears down the connection. Safe to call more than once.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		cancel := a.cancel
		a.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		a.wg.Wait()
		a.setConn(nil)
		close(a.events)
	})
	return nil
}

func (a *Adapter) connect(ctx context.Context) (stt.StreamingSTT, error) {
	conn := a.factory(a.opts.SessionID)
	if err := conn.Start(ctx); err != nil {
		_ = conn.Close()
		return nil, errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}
	a.logger.Info("stt_connected",
		slog.String("session_id", a.opts.SessionID),
		slog.String("provider", conn.Name()))
	metrics.Emit(a.opts.Observer, metrics.EventSTTConnected, a.tags(conn.Name()), nil)
	return conn, nil
}

func (a *Adapter) setConn(conn stt.StreamingSTT) {
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
}

func (a *Adapter) current() stt.StreamingSTT {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn
}

func (a *Adapter) pumpAudio(ctx context.Context) {
	defer a.wg.Done()
	in := a.source.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-in:
			if !ok {
				return
			}
			if a.source.Muted() {
				continue
			}
			conn := a.current()
			if conn == nil {
				continue
			}
			if err := conn.SendAudio(f); err != nil {
				a.logger.Debug("stt_send_failed",
					slog.String("session_id", a.opts.SessionID),
					slog.String("error", err.Error()))
			}
		}
	}
}

func (a *Adapter) pumpResults(ctx context.Context, conn stt.StreamingSTT) {
	defer a.wg.Done()
	defer func() {
		if conn != nil {
			_ = conn.Close()
		}
	}()
	for {
		dropped := a.readUntilClosed(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		_ = conn.Close()
		conn = nil
		a.setConn(nil)
		a.emit(ctx, Event{Kind: EventClosed, Err: dropped})

		next, err := a.reconnect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Error("stt_reconnect_exhausted",
				slog.String("session_id", a.opts.SessionID),
				slog.Int("attempts", a.opts.MaxReconnectAttempts),
				slog.String("error", err.Error()))
			a.emit(ctx, Event{Kind: EventFatal, Err: err})
			return
		}
		conn = next
		a.setConn(conn)
	}
}

// readUntilClosed forwards frames until the connection reports closing. It
// returns the last provider error seen, if any.
func (a *Adapter) readUntilClosed(ctx context.Context, conn stt.StreamingSTT) error {
	var lastErr error
	results := conn.Results()
	for {
		select {
		case <-ctx.Done():
			return lastErr
		case f, ok := <-results:
			if !ok {
				return lastErr
			}
			switch v := f.(type) {
			case frames.TextFrame:
				a.handleText(ctx, v, conn.Name())
			case frames.ControlFrame:
				switch v.Code() {
				case frames.ControlSpeechStart:
					a.endSent = false
					a.emit(ctx, Event{Kind: EventSpeechStart})
				case frames.ControlSpeechEnd:
					if a.endSent {
						a.logger.Debug("stt_speech_end_repeated",
							slog.String("session_id", a.opts.SessionID),
							slog.String("reason", v.Meta()[frames.MetaReason]))
						continue
					}
					a.endSent = true
					a.emit(ctx, Event{Kind: EventSpeechEnd})
				case frames.ControlError:
					lastErr = errorsx.New(errorsx.ReasonSTTStream, v.Meta()[frames.MetaError])
					a.logger.Warn("stt_error",
						slog.String("session_id", a.opts.SessionID),
						slog.String("error", lastErr.Error()))
					a.emit(ctx, Event{Kind: EventError, Err: lastErr})
				}
			case frames.SystemFrame:
				if v.Name() == frames.SystemClosed {
					return lastErr
				}
			}
		}
	}
}

func (a *Adapter) handleText(ctx context.Context, f frames.TextFrame, provider string) {
	text := f.Text()
	if strings.TrimSpace(text) != "" {
		a.endSent = false
	}
	if !f.IsFinal() {
		if text != "" {
			a.emit(ctx, Event{Kind: EventInterim, Text: text, Confidence: f.Confidence()})
		}
		return
	}
	if strings.TrimSpace(text) == "" {
		return
	}
	if id := f.Meta()[frames.MetaResultID]; id != "" {
		if _, dup := a.seen[id]; dup {
			return
		}
		if len(a.seen) >= 1024 {
			a.seen = make(map[string]struct{})
		}
		a.seen[id] = struct{}{}
	}
	a.logger.Debug("stt_final",
		slog.String("session_id", a.opts.SessionID),
		slog.String("text", redact.Preview(text, 120)))
	metrics.Emit(a.opts.Observer, metrics.EventSTTFinal, a.tags(provider), map[string]any{
		"confidence": f.Confidence(),
		"chars":      len(text),
	})
	a.emit(ctx, Event{Kind: EventFinal, Text: text, Confidence: f.Confidence()})
}

func (a *Adapter) reconnect(ctx context.Context) (stt.StreamingSTT, error) {
	var lastErr error
	for attempt := 0; attempt < a.opts.MaxReconnectAttempts; attempt++ {
		delay := a.backoff.Delay(attempt)
		a.logger.Warn("stt_reconnecting",
			slog.String("session_id", a.opts.SessionID),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay))
		if !resilience.Sleep(ctx, delay) {
			return nil, ctx.Err()
		}
		conn, err := a.connect(ctx)
		if err == nil {
			metrics.Emit(a.opts.Observer, metrics.EventSTTReconnect, a.tags(conn.Name()), map[string]any{"attempt": attempt + 1})
			return conn, nil
		}
		lastErr = err
	}
	return nil, errorsx.Errorf(errorsx.ReasonSTTReconnectExhausted,
		"stt reconnect failed after %d attempts: %v", a.opts.MaxReconnectAttempts, lastErr)
}

func (a *Adapter) emit(ctx context.Context, ev Event) {
	ev.At = time.Now()
	select {
	case a.events <- ev:
	case <-ctx.Done():
	}
}

func (a *Adapter) tags(provider string) map[string]string {
	return map[string]string{
		metrics.TagSessionID: a.opts.SessionID,
		metrics.TagComponent: "transcript",
		metrics.TagProvider:  provider,
	}
}
