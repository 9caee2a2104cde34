package turn

import (
	"log/slog"

	"github.com/harunnryd/interviewer/pkg/frames"
	"github.com/harunnryd/interviewer/pkg/logging"
	"github.com/harunnryd/interviewer/pkg/metrics"
)

// InterruptEmitter forwards control frames to the client side.
type InterruptEmitter interface {
	Emit(frame frames.Frame) error
}

// Generation is the abort handle of an in-flight reply.
type Generation interface {
	Cancel()
	TurnID() string
}

// Playback is the portion of the playback queue the coordinator drives.
type Playback interface {
	Busy() bool
	Clear() uint64
}

// Handles exposes the live abort handles owned by the engine. A nil
// Generation means nothing is being generated.
type Handles interface {
	Generation() Generation
	Playback() Playback
}

type CoordinatorOptions struct {
	SessionID string
	Emitter   InterruptEmitter
	Observer  metrics.Observer
	Logger    *slog.Logger
	// OnInterrupted runs after cancellation, with the cancelled turn id if a
	// generation was aborted.
	OnInterrupted func(reason, turnID string)
}

// Coordinator cancels all AI work on barge-in. It keeps no state of its own
// beyond the handles it is given and runs on the caller's goroutine.
type Coordinator struct {
	handles Handles
	opts    CoordinatorOptions
	logger  *slog.Logger
	pts     frames.PTSGen
}

func NewCoordinator(handles Handles, opts CoordinatorOptions) *Coordinator {
	return &Coordinator{
		handles: handles,
		opts:    opts,
		logger:  logging.NewComponentLogger(opts.Logger, "interrupt"),
	}
}

// Interrupt aborts the active generation and clears playback. It returns
// false when nothing was in flight.
func (c *Coordinator) Interrupt(reason string) bool {
	gen := c.handles.Generation()
	pb := c.handles.Playback()
	busy := pb != nil && pb.Busy()
	if gen == nil && !busy {
		return false
	}

	turnID := ""
	if gen != nil {
		turnID = gen.TurnID()
		gen.Cancel()
	}
	if pb != nil {
		pb.Clear()
	}
	if c.opts.OnInterrupted != nil {
		c.opts.OnInterrupted(reason, turnID)
	}

	c.logger.Info("barge_in",
		slog.String("session_id", c.opts.SessionID),
		slog.String("reason", reason),
		slog.String("turn_id", turnID),
		slog.Bool("was_generating", gen != nil),
		slog.Bool("was_playing", busy))
	metrics.Emit(c.opts.Observer, metrics.EventInterrupt, map[string]string{
		metrics.TagSessionID: c.opts.SessionID,
		metrics.TagTurnID:    turnID,
		metrics.TagComponent: "interrupt",
	}, map[string]any{
		"reason":         reason,
		"was_generating": gen != nil,
		"was_playing":    busy,
	})
	if c.opts.Emitter != nil {
		_ = c.opts.Emitter.Emit(NewInterruptFrame(c.opts.SessionID, c.pts.Next(), reason))
	}
	return true
}

func NewInterruptFrame(sessionID string, pts int64, reason string) frames.ControlFrame {
	return frames.NewControlFrame(sessionID, pts, frames.ControlInterrupt, map[string]string{
		frames.MetaSource: "turn",
		frames.MetaReason: reason,
	})
}
