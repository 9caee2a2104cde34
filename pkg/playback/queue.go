package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"

	"github.com/harunnryd/interviewer/pkg/adapters/tts"
	"github.com/harunnryd/interviewer/pkg/errorsx"
	"github.com/harunnryd/interviewer/pkg/logging"
	"github.com/harunnryd/interviewer/pkg/metrics"
	"github.com/harunnryd/interviewer/pkg/response"
)

var (
	ErrStaleEpoch = errors.New("playback epoch superseded")
	ErrQueueFull  = errors.New("playback queue full")
	ErrClosed     = errors.New("playback queue closed")
)

// Player renders one clip. Play blocks until the clip finished or ctx is
// cancelled, in which case output must stop immediately.
type Player interface {
	Play(ctx context.Context, clip tts.Clip) error
}

type Options struct {
	SessionID string
	// Capacity bounds queued (not yet played) entries. Default 64.
	Capacity int
	// MaxConcurrentSynthesis bounds in-flight synthesis requests. Default 2.
	MaxConcurrentSynthesis int
	Speed                  float64
	Style                  string
	Observer               metrics.Observer
	Logger                 *slog.Logger

	// OnStarted fires when a unit starts playing.
	OnStarted func(epoch uint64, unit response.SentenceUnit)
	// OnDrained fires once per epoch after CloseInput when every queued unit
	// has been played or skipped.
	OnDrained func(epoch uint64)
}

type entry struct {
	epoch uint64
	unit  response.SentenceUnit
	clip  tts.Clip
	err   error
	ready bool
}

// Queue synthesizes sentence units concurrently and plays them one at a time
// in enqueue order. Clear discards everything belonging to the current epoch.
type Queue struct {
	synth  tts.Synthesizer
	player Player
	opts   Options
	sem    *semaphore.Weighted
	obs    metrics.Observer
	logger *slog.Logger

	mu          sync.Mutex
	epoch       uint64
	epochCtx    context.Context
	epochCancel context.CancelFunc
	pending     []*entry
	playing     *entry
	inputClosed bool
	drained     bool
	firstAudio  bool
	closed      bool
	wg          sync.WaitGroup
}

func New(synth tts.Synthesizer, player Player, opts Options) *Queue {
	if opts.Capacity <= 0 {
		opts.Capacity = 64
	}
	if opts.MaxConcurrentSynthesis <= 0 {
		opts.MaxConcurrentSynthesis = 2
	}
	if opts.Observer == nil {
		opts.Observer = metrics.NoopObserver{}
	}
	q := &Queue{
		synth:  synth,
		player: player,
		opts:   opts,
		sem:    semaphore.NewWeighted(int64(opts.MaxConcurrentSynthesis)),
		obs:    opts.Observer,
		logger: logging.NewComponentLogger(opts.Logger, "playback_queue"),
	}
	q.epochCtx, q.epochCancel = context.WithCancel(context.Background())
	return q
}

// Epoch returns the current epoch. Producers tag their units with it.
func (q *Queue) Epoch() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.epoch
}

// Begin opens a fresh epoch for the next reply and returns it. Anything
// still queued from the previous epoch is discarded.
func (q *Queue) Begin() uint64 {
	return q.Clear()
}

// Enqueue accepts a unit produced for epoch and starts synthesizing it.
// Units from a superseded epoch are rejected with ErrStaleEpoch.
func (q *Queue) Enqueue(epoch uint64, unit response.SentenceUnit) error {
	q.mu.Lock()
	switch {
	case q.closed:
		q.mu.Unlock()
		return ErrClosed
	case epoch != q.epoch:
		q.mu.Unlock()
		return ErrStaleEpoch
	case !unit.Speakable():
		q.mu.Unlock()
		return nil
	case len(q.pending) >= q.opts.Capacity:
		q.mu.Unlock()
		q.logger.Warn("playback_queue_full",
			slog.String("session_id", q.opts.SessionID),
			slog.Int("seq", unit.Seq))
		return ErrQueueFull
	}
	e := &entry{epoch: epoch, unit: unit}
	q.pending = append(q.pending, e)
	ctx := q.epochCtx
	q.wg.Add(1)
	q.mu.Unlock()

	go q.synthesize(ctx, e)
	return nil
}

// CloseInput signals that no further units will arrive for epoch.
func (q *Queue) CloseInput(epoch uint64) {
	q.mu.Lock()
	if epoch != q.epoch || q.inputClosed {
		q.mu.Unlock()
		return
	}
	q.inputClosed = true
	notify := q.checkDrainedLocked()
	q.mu.Unlock()
	q.notifyDrained(notify, epoch)
}

// Busy reports whether anything is queued or playing.
func (q *Queue) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing != nil || len(q.pending) > 0
}

// Len returns the number of entries waiting to play.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Clear empties the queue, stops the playing clip and abandons in-flight
// synthesis. It returns the epoch that is current afterwards.
func (q *Queue) Clear() uint64 {
	q.mu.Lock()
	dropped := len(q.pending)
	wasPlaying := q.playing != nil
	q.epochCancel()
	q.epoch++
	q.epochCtx, q.epochCancel = context.WithCancel(context.Background())
	q.pending = nil
	q.playing = nil
	q.inputClosed = false
	q.drained = false
	q.firstAudio = false
	epoch := q.epoch
	q.mu.Unlock()

	if dropped > 0 || wasPlaying {
		q.logger.Info("playback_cleared",
			slog.String("session_id", q.opts.SessionID),
			slog.Int("dropped", dropped),
			slog.Bool("was_playing", wasPlaying))
	}
	return epoch
}

// Close clears the queue, rejects further units and waits for workers to exit.
func (q *Queue) Close() {
	q.Clear()
	q.mu.Lock()
	q.closed = true
	q.epochCancel()
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *Queue) synthesize(ctx context.Context, e *entry) {
	defer q.wg.Done()
	ctx, span := tracer.Start(ctx, "synthesize sentence")
	defer span.End()
	span.SetAttributes(attribute.Int("unit.seq", e.unit.Seq), attribute.String("tts.provider", q.synth.Name()))

	if err := q.sem.Acquire(ctx, 1); err != nil {
		return
	}
	started := time.Now()
	clip, err := q.synth.Synthesize(ctx, tts.Request{
		Text:  e.unit.Text,
		Speed: q.opts.Speed,
		Style: q.opts.Style,
	})
	q.sem.Release(1)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonTTSSynthesize)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	q.mu.Lock()
	if e.epoch != q.epoch {
		q.mu.Unlock()
		return
	}
	e.clip, e.err, e.ready = clip, err, true
	first := err == nil && !q.firstAudio
	if first {
		q.firstAudio = true
	}
	start, notify := q.advanceLocked()
	ctxPlay := q.epochCtx
	q.mu.Unlock()

	tags := q.tags()
	if err != nil {
		metrics.Emit(q.obs, metrics.EventTTSError, tags, map[string]any{"seq": e.unit.Seq, "error": err.Error()})
		q.logger.Warn("synthesis_failed",
			slog.String("session_id", q.opts.SessionID),
			slog.Int("seq", e.unit.Seq),
			slog.String("error", err.Error()))
	} else if first {
		metrics.Emit(q.obs, metrics.EventTTSFirstAudio, tags, map[string]any{
			"seq":        e.unit.Seq,
			"latency_ms": time.Since(started).Milliseconds(),
		})
	}
	q.startPlayback(ctxPlay, start)
	q.notifyDrained(notify, e.epoch)
}

// advanceLocked pops ready entries off the head, skipping failed ones, and
// claims the playing slot for the first playable one.
func (q *Queue) advanceLocked() (*entry, bool) {
	if q.playing != nil {
		return nil, false
	}
	for len(q.pending) > 0 {
		head := q.pending[0]
		if !head.ready {
			return nil, false
		}
		q.pending = q.pending[1:]
		if head.err != nil {
			continue
		}
		q.playing = head
		return head, false
	}
	return nil, q.checkDrainedLocked()
}

func (q *Queue) checkDrainedLocked() bool {
	if !q.inputClosed || q.drained || q.playing != nil || len(q.pending) > 0 {
		return false
	}
	q.drained = true
	return true
}

func (q *Queue) startPlayback(ctx context.Context, e *entry) {
	if e == nil {
		return
	}
	q.wg.Add(1)
	go q.play(ctx, e)
}

func (q *Queue) play(ctx context.Context, e *entry) {
	defer q.wg.Done()
	ctx, span := tracer.Start(ctx, "play sentence")
	defer span.End()
	span.SetAttributes(attribute.Int("unit.seq", e.unit.Seq))

	if q.opts.OnStarted != nil {
		q.opts.OnStarted(e.epoch, e.unit)
	}
	tags := q.tags()
	metrics.Emit(q.obs, metrics.EventPlaybackStarted, tags, map[string]any{"seq": e.unit.Seq})
	err := q.player.Play(ctx, e.clip)
	if err != nil && ctx.Err() == nil {
		err = errorsx.Wrap(err, errorsx.ReasonPlayback)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		q.logger.Warn("playback_failed",
			slog.String("session_id", q.opts.SessionID),
			slog.Int("seq", e.unit.Seq),
			slog.String("error", err.Error()))
	}

	q.mu.Lock()
	if e.epoch != q.epoch || q.playing != e {
		q.mu.Unlock()
		return
	}
	q.playing = nil
	next, notify := q.advanceLocked()
	ctxPlay := q.epochCtx
	q.mu.Unlock()

	metrics.Emit(q.obs, metrics.EventPlaybackFinished, tags, map[string]any{
		"seq":         e.unit.Seq,
		"duration_ms": e.clip.Duration.Milliseconds(),
	})
	q.startPlayback(ctxPlay, next)
	q.notifyDrained(notify, e.epoch)
}

func (q *Queue) notifyDrained(notify bool, epoch uint64) {
	if notify && q.opts.OnDrained != nil {
		q.opts.OnDrained(epoch)
	}
}

func (q *Queue) tags() map[string]string {
	return map[string]string{
		metrics.TagSessionID: q.opts.SessionID,
		metrics.TagComponent: "playback",
		metrics.TagProvider:  q.synth.Name(),
	}
}
