package interviewer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harunnryd/interviewer/pkg/adapters/stt"
	"github.com/harunnryd/interviewer/pkg/adapters/tts"
	"github.com/harunnryd/interviewer/pkg/conversation"
	"github.com/harunnryd/interviewer/pkg/errorsx"
	"github.com/harunnryd/interviewer/pkg/llm"
	"github.com/harunnryd/interviewer/pkg/logging"
	"github.com/harunnryd/interviewer/pkg/metrics"
	"github.com/harunnryd/interviewer/pkg/playback"
	"github.com/harunnryd/interviewer/pkg/redact"
	"github.com/harunnryd/interviewer/pkg/response"
	"github.com/harunnryd/interviewer/pkg/transcript"
	"github.com/harunnryd/interviewer/pkg/turn"
)

var (
	ErrAlreadyStarted = errors.New("engine already started")
	ErrEnded          = errors.New("engine ended")
)

// Dependencies are the collaborators of one interview session.
type Dependencies struct {
	STT    stt.Factory
	LLM    llm.LLMAdapter
	TTS    tts.Synthesizer
	Source transcript.AudioSource
	Player playback.Player
}

type Options struct {
	SessionID      string
	Params         response.SessionParams
	GreetOnStart   bool
	SilenceTimeout time.Duration

	Reconnect ReconnectOptions
	Playback  PlaybackOptions
	Retry     llm.RetryConfig

	Persister conversation.Persister
	Emitter   turn.InterruptEmitter
	Notifier  Notifier
	Observer  metrics.Observer
	Logger    *slog.Logger
}

type ReconnectOptions struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type PlaybackOptions struct {
	Capacity               int
	MaxConcurrentSynthesis int
	Speed                  float64
	Style                  string
}

// reply is the abort handle of one interviewer generation.
type reply struct {
	turnID string
	epoch  uint64
	cancel context.CancelFunc
}

func (r *reply) Cancel()        { r.cancel() }
func (r *reply) TurnID() string { return r.turnID }

// handles is every live abort handle owned by the engine goroutine.
type handles struct {
	reply   *reply
	// turnID stays set until the reply's playback drains.
	turnID  string
	epoch   uint64
	drained bool
}

type timerExpired struct{ gen uint64 }

type generationDone struct {
	reply  *reply
	result response.Result
	err    error
}

type playbackStarted struct{ epoch uint64 }

type playbackDrained struct{ epoch uint64 }

type resetRequest struct{ done chan struct{} }

// Engine runs one spoken interview. A single goroutine consumes transcript
// events, silence timer expiries, generation results and playback progress,
// and owns every abort handle.
type Engine struct {
	opts     Options
	deps     Dependencies
	logger   *slog.Logger
	obs      metrics.Observer
	notifier Notifier

	store   *conversation.Store
	sm      *turn.StateMachine
	acc     *turn.Accumulator
	coord   *turn.Coordinator
	adapter *transcript.Adapter
	gen     *response.Generator
	queue   *playback.Queue

	inbox chan any
	h     handles

	mu       sync.Mutex
	started  bool
	ended    bool
	ctx      context.Context
	cancel   context.CancelFunc
	err      error
	done     chan struct{}
	loopDone chan struct{}
	endOnce  sync.Once
	endErr   error
	replies  sync.WaitGroup
}

func New(deps Dependencies, opts Options) (*Engine, error) {
	if deps.STT == nil || deps.LLM == nil || deps.TTS == nil || deps.Player == nil {
		return nil, errorsx.New(errorsx.ReasonConfigInvalid, "engine requires stt, llm, tts and player")
	}
	if opts.Observer == nil {
		opts.Observer = metrics.NoopObserver{}
	}
	if opts.Notifier == nil {
		opts.Notifier = NoopNotifier{}
	}
	e := &Engine{
		opts:     opts,
		deps:     deps,
		logger:   logging.NewComponentLogger(opts.Logger, "interviewer"),
		obs:      opts.Observer,
		notifier: opts.Notifier,
		store:    conversation.NewStore(opts.SessionID),
		sm:       turn.NewStateMachine(),
		inbox:    make(chan any, 64),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	e.adapter = transcript.New(deps.STT, deps.Source, transcript.Options{
		SessionID:            opts.SessionID,
		MaxReconnectAttempts: opts.Reconnect.MaxAttempts,
		InitialBackoff:       opts.Reconnect.InitialBackoff,
		MaxBackoff:           opts.Reconnect.MaxBackoff,
		Observer:             opts.Observer,
		Logger:               opts.Logger,
	})
	e.gen = response.NewGenerator(deps.LLM, response.Options{
		Retry:    opts.Retry,
		Observer: opts.Observer,
		Logger:   opts.Logger,
	})
	e.queue = playback.New(deps.TTS, deps.Player, playback.Options{
		SessionID:              opts.SessionID,
		Capacity:               opts.Playback.Capacity,
		MaxConcurrentSynthesis: opts.Playback.MaxConcurrentSynthesis,
		Speed:                  opts.Playback.Speed,
		Style:                  opts.Playback.Style,
		Observer:               opts.Observer,
		Logger:                 opts.Logger,
		OnStarted: func(epoch uint64, _ response.SentenceUnit) {
			e.post(playbackStarted{epoch: epoch})
		},
		OnDrained: func(epoch uint64) {
			e.post(playbackDrained{epoch: epoch})
		},
	})
	e.coord = turn.NewCoordinator(e, turn.CoordinatorOptions{
		SessionID:     opts.SessionID,
		Emitter:       opts.Emitter,
		Observer:      opts.Observer,
		Logger:        opts.Logger,
		OnInterrupted: e.onInterrupted,
	})
	e.acc = turn.NewAccumulator(opts.SilenceTimeout, e.coord, func(gen uint64) {
		e.post(timerExpired{gen: gen})
	})
	e.sm.AddListener(turn.StateListenerFunc(e.onStateChange))
	return e, nil
}

func (e *Engine) SessionID() string { return e.opts.SessionID }

// Start opens the recognition connection and launches the engine goroutine.
// Failure to acquire the audio source or to connect is fatal.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.ended {
		e.mu.Unlock()
		return ErrEnded
	}
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.started = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	if err := e.adapter.Start(e.ctx); err != nil {
		e.logger.Error("engine_start_failed",
			slog.String("session_id", e.opts.SessionID),
			slog.String("error", err.Error()))
		e.mu.Lock()
		e.err = err
		e.mu.Unlock()
		e.cancel()
		close(e.loopDone)
		e.cleanup()
		close(e.done)
		return err
	}
	e.logger.Info("interview_started",
		slog.String("session_id", e.opts.SessionID),
		slog.String("job_role", e.opts.Params.JobRole))
	go e.run()
	return nil
}

// Status projects the engine state onto the client facing flags.
func (e *Engine) Status() turn.Status { return turn.StatusOf(e.sm.State()) }

func (e *Engine) State() turn.State { return e.sm.State() }

// History returns the conversation so far, including partial text of an
// in-progress interviewer turn.
func (e *Engine) History() []conversation.Turn { return e.store.Snapshot() }

// Done is closed once the engine goroutine stopped.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Err returns the fatal error that stopped the engine, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Reset cancels all in-flight work and drops the pending utterance. The
// conversation is kept. Safe to call repeatedly.
func (e *Engine) Reset() error {
	e.mu.Lock()
	running := e.started && !e.ended
	e.mu.Unlock()
	if !running {
		return nil
	}
	req := resetRequest{done: make(chan struct{})}
	if !e.post(req) {
		return nil
	}
	select {
	case <-req.done:
	case <-e.loopDone:
	}
	return nil
}

// End stops the session and hands the conversation to the persister. Only
// the first call has any effect.
func (e *Engine) End(ctx context.Context) error {
	e.endOnce.Do(func() {
		e.mu.Lock()
		e.ended = true
		started := e.started
		cancel := e.cancel
		e.mu.Unlock()

		if started {
			cancel()
			<-e.loopDone
			<-e.done
		} else {
			e.cleanup()
		}
		turns, first := e.store.Close()
		if !first {
			return
		}
		metrics.Emit(e.obs, metrics.EventSessionEnd, e.tags(""), map[string]any{"turns": len(turns)})
		e.logger.Info("interview_ended",
			slog.String("session_id", e.opts.SessionID),
			slog.Int("turns", len(turns)))
		if e.opts.Persister != nil {
			if err := e.opts.Persister.Persist(ctx, e.opts.SessionID, turns); err != nil {
				e.logger.Error("persist_failed",
					slog.String("session_id", e.opts.SessionID),
					slog.String("error", err.Error()))
				e.endErr = err
			}
		}
	})
	return e.endErr
}

// Generation implements turn.Handles.
func (e *Engine) Generation() turn.Generation {
	if e.h.reply == nil {
		return nil
	}
	return e.h.reply
}

// Playback implements turn.Handles.
func (e *Engine) Playback() turn.Playback { return e.queue }

func (e *Engine) post(msg any) bool {
	select {
	case e.inbox <- msg:
		return true
	case <-e.loopDone:
		return false
	}
}

func (e *Engine) run() {
	defer func() {
		close(e.loopDone)
		e.cleanup()
		close(e.done)
	}()

	if e.opts.GreetOnStart && e.store.Len() == 0 {
		e.startReply("greeting")
	}

	events := e.adapter.Events()
	for {
		select {
		case <-e.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if fatal := e.handleTranscript(ev); fatal {
				return
			}
		case msg := <-e.inbox:
			e.handleMessage(msg)
		}
	}
}

func (e *Engine) handleTranscript(ev transcript.Event) bool {
	switch ev.Kind {
	case transcript.EventSpeechStart:
		metrics.Emit(e.obs, metrics.EventSpeechStart, e.tags(""), nil)
		e.acc.OnSpeechStart()
		e.transition(turn.StateListeningToUser, "speech_start")
	case transcript.EventInterim:
		e.acc.OnInterim(ev.Text)
		e.notifier.OnTranscript(ev.Text, false)
	case transcript.EventFinal:
		e.acc.OnFinal(ev.Text)
		e.notifier.OnTranscript(ev.Text, true)
		if e.sm.State() == turn.StateIdle {
			e.transition(turn.StateListeningToUser, "final_transcript")
		}
	case transcript.EventSpeechEnd:
		metrics.Emit(e.obs, metrics.EventSpeechEnd, e.tags(""), nil)
		e.acc.OnSpeechEnd()
	case transcript.EventError:
		e.logger.Warn("transcript_error",
			slog.String("session_id", e.opts.SessionID),
			slog.String("error", errString(ev.Err)))
	case transcript.EventClosed:
		e.logger.Warn("transcript_connection_dropped",
			slog.String("session_id", e.opts.SessionID),
			slog.String("error", errString(ev.Err)))
	case transcript.EventFatal:
		e.fail(ev.Err)
		return true
	}
	return false
}

func (e *Engine) handleMessage(msg any) {
	switch m := msg.(type) {
	case timerExpired:
		e.onSilence(m.gen)
	case generationDone:
		e.onGenerationDone(m)
	case playbackStarted:
		if m.epoch == e.h.epoch && e.sm.State() == turn.StateGenerating {
			e.transition(turn.StateSpeaking, "playback_started")
		}
	case playbackDrained:
		if m.epoch != e.h.epoch {
			return
		}
		if e.h.reply != nil {
			e.h.drained = true
			return
		}
		e.finishSpeaking()
	case resetRequest:
		e.reset()
		close(m.done)
	}
}

func (e *Engine) onSilence(gen uint64) {
	tc, ok := e.acc.Expire(gen)
	if !ok {
		if !e.acc.UserSpeaking() && e.sm.State() == turn.StateListeningToUser {
			e.transition(turn.StateIdle, "silence_without_speech")
		}
		return
	}
	_, span := tracer.Start(e.ctx, "candidate turn complete")
	defer span.End()

	if e.h.reply != nil || e.queue.Busy() {
		e.coord.Interrupt("turn_complete")
		e.transition(turn.StateListeningToUser, "turn_complete")
	}
	t, err := e.store.AppendCandidate(tc.Text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Warn("candidate_turn_rejected",
			slog.String("session_id", e.opts.SessionID),
			slog.String("error", err.Error()))
		e.transition(turn.StateIdle, "turn_rejected")
		return
	}
	span.SetAttributes(attribute.String("turn.id", t.ID), attribute.Int("turn.chars", len(t.Text)))
	metrics.Emit(e.obs, metrics.EventTurnComplete, e.tags(t.ID), map[string]any{"chars": len(t.Text)})
	e.logger.Info("turn_complete",
		slog.String("session_id", e.opts.SessionID),
		slog.String("turn_id", t.ID),
		slog.String("text", redact.Preview(t.Text, 80)))
	e.notifier.OnTurn(t)
	e.startReply("turn_complete")
}

// startReply opens the interviewer turn and launches generation.
func (e *Engine) startReply(reason string) {
	history := e.store.Snapshot()
	iv, err := e.store.BeginInterviewer()
	if err != nil {
		e.logger.Warn("interviewer_turn_rejected",
			slog.String("session_id", e.opts.SessionID),
			slog.String("error", err.Error()))
		return
	}
	ctx, cancel := context.WithCancel(e.ctx)
	r := &reply{turnID: iv.ID, epoch: e.queue.Begin(), cancel: cancel}
	e.h = handles{reply: r, turnID: r.turnID, epoch: r.epoch}
	e.transition(turn.StateGenerating, reason)

	e.replies.Add(1)
	go func() {
		defer e.replies.Done()
		ctx, span := tracer.Start(ctx, "interviewer reply")
		span.SetAttributes(attribute.String("turn.id", r.turnID), attribute.String("reply.reason", reason))
		res, err := e.gen.Generate(ctx, response.Request{
			SessionID: e.opts.SessionID,
			TurnID:    r.turnID,
			History:   history,
			Params:    e.opts.Params,
			Sink:      &replySink{engine: e, reply: r},
		})
		e.queue.CloseInput(r.epoch)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Bool("reply.cancelled", res.Cancelled))
		span.End()
		e.post(generationDone{reply: r, result: res, err: err})
	}()
}

func (e *Engine) onGenerationDone(m generationDone) {
	defer m.reply.cancel()
	if e.h.reply != m.reply {
		return
	}
	e.h.reply = nil
	t, kept := e.store.FinishInterviewer(m.reply.turnID, m.result.Cancelled)
	if m.err != nil {
		e.logger.Warn("reply_failed",
			slog.String("session_id", e.opts.SessionID),
			slog.String("turn_id", m.reply.turnID),
			slog.String("reason", string(errorsx.Reason(m.err))),
			slog.String("error", m.err.Error()))
	}
	if kept {
		e.notifier.OnTurn(t)
	}
	if e.h.drained {
		e.finishSpeaking()
	}
}

func (e *Engine) finishSpeaking() {
	e.h.drained = false
	e.h.turnID = ""
	switch e.sm.State() {
	case turn.StateGenerating, turn.StateSpeaking:
		e.transition(turn.StateIdle, "reply_finished")
	}
}

// onInterrupted runs inside Coordinator.Interrupt after every handle was
// cancelled.
func (e *Engine) onInterrupted(reason, _ string) {
	if id := e.abandonReply(); id != "" {
		e.logger.Debug("interviewer_turn_interrupted",
			slog.String("session_id", e.opts.SessionID),
			slog.String("turn_id", id),
			slog.String("reason", reason))
	}
}

// abandonReply closes the interviewer turn of the current reply as
// interrupted and forgets every handle.
func (e *Engine) abandonReply() string {
	id := e.h.turnID
	switch {
	case e.h.reply != nil:
		e.h.reply.cancel()
		e.store.FinishInterviewer(e.h.reply.turnID, true)
	case id != "":
		e.store.MarkInterrupted(id)
	}
	e.h = handles{}
	return id
}

func (e *Engine) reset() {
	e.coord.Interrupt("reset")
	e.acc.Reset()
	e.h = handles{}
	e.sm.Reset("reset")
}

func (e *Engine) fail(err error) {
	if err == nil {
		err = errorsx.New(errorsx.ReasonUnknown, "engine failed")
	}
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()
	e.logger.Error("interview_failed",
		slog.String("session_id", e.opts.SessionID),
		slog.String("reason", string(errorsx.Reason(err))),
		slog.String("error", err.Error()))
}

// cleanup cancels every remaining handle. It runs after the engine goroutine
// stopped, so the handle record is no longer shared.
func (e *Engine) cleanup() {
	if e.h.reply != nil || e.queue.Busy() {
		e.abandonReply()
	}
	e.h = handles{}
	e.acc.Reset()
	e.queue.Close()
	_ = e.adapter.Close()
	if e.cancel != nil {
		e.cancel()
	}
	e.replies.Wait()
	e.sm.Reset("session_closed")
}

func (e *Engine) transition(to turn.State, reason string) {
	if err := e.sm.Transition(to, reason); err != nil {
		e.logger.Warn("invalid_state_transition",
			slog.String("session_id", e.opts.SessionID),
			slog.String("error", err.Error()),
			slog.String("reason", reason))
	}
}

func (e *Engine) onStateChange(ev turn.StateChange) {
	metrics.Emit(e.obs, metrics.EventStateChange, e.tags(""), map[string]any{
		"from":   ev.FromState.String(),
		"to":     ev.ToState.String(),
		"reason": ev.Reason,
	})
	e.logger.Debug("state_change",
		slog.String("session_id", e.opts.SessionID),
		slog.String("from", ev.FromState.String()),
		slog.String("to", ev.ToState.String()),
		slog.String("reason", ev.Reason))
	e.notifier.OnStatus(turn.StatusOf(ev.ToState))
}

func (e *Engine) tags(turnID string) map[string]string {
	tags := map[string]string{
		metrics.TagSessionID: e.opts.SessionID,
		metrics.TagComponent: "engine",
	}
	if turnID != "" {
		tags[metrics.TagTurnID] = turnID
	}
	return tags
}

type replySink struct {
	engine *Engine
	reply  *reply
}

func (s *replySink) OnText(chunk string) {
	_ = s.engine.store.AppendInterviewer(s.reply.turnID, chunk)
}

func (s *replySink) OnSentence(unit response.SentenceUnit) {
	err := s.engine.queue.Enqueue(s.reply.epoch, unit)
	switch {
	case err == nil, errors.Is(err, playback.ErrStaleEpoch), errors.Is(err, playback.ErrClosed):
	default:
		s.engine.logger.Warn("sentence_dropped",
			slog.String("session_id", s.engine.opts.SessionID),
			slog.Int("seq", unit.Seq),
			slog.String("error", err.Error()))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

var (
	_ turn.Handles    = (*Engine)(nil)
	_ turn.Generation = (*reply)(nil)
	_ response.Sink   = (*replySink)(nil)
)
