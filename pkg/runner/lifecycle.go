package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/interviewer/pkg/logging"
)

var (
	ErrInvalidState = errors.New("runner: invalid state transition")
	ErrDrainTimeout = errors.New("runner: drain timeout")
)

type Options struct {
	DrainTimeout time.Duration
	// Banner receives the startup banner; nil suppresses it.
	Banner io.Writer
	Logger *slog.Logger
}

type LifecycleRunner struct {
	state    atomic.Int32
	mu       sync.Mutex
	cancel   context.CancelFunc
	onceStop sync.Once
	hooks    Hooks
	drainer  Drainer
	stopErr  error
	opts     Options
	logger   *slog.Logger
}

func NewLifecycleRunner(drainer Drainer, hooks Hooks, opts Options) *LifecycleRunner {
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 10 * time.Second
	}
	return &LifecycleRunner{
		hooks:   hooks,
		drainer: drainer,
		opts:    opts,
		logger:  logging.NewComponentLogger(opts.Logger, "runner"),
	}
}

// Run starts the hooks and blocks until ctx is done or Stop is called, then
// drains within the configured timeout.
func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(StateNew), int32(StateStarting)) {
		return ErrInvalidState
	}
	PrintBanner(r.opts.Banner, true)
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	defer cancel()

	if r.hooks.OnStart != nil {
		if err := r.hooks.OnStart(ctx); err != nil {
			r.logger.Error("start_failed", slog.String("error", err.Error()))
			_ = r.stop()
			return err
		}
	}
	r.setState(StateRunning)
	r.logger.Info("runner_started")
	<-ctx.Done()
	return r.stop()
}

func (r *LifecycleRunner) Stop() error {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel == nil {
		return r.stop()
	}
	cancel()
	return nil
}

func (r *LifecycleRunner) State() State {
	return State(r.state.Load())
}

func (r *LifecycleRunner) stop() error {
	r.onceStop.Do(func() {
		r.setState(StateDraining)
		started := time.Now()
		if r.drainer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), r.opts.DrainTimeout)
			done := make(chan error, 1)
			go func() { done <- r.drainer.Drain(ctx) }()
			select {
			case err := <-done:
				r.stopErr = err
			case <-ctx.Done():
				r.stopErr = ErrDrainTimeout
			}
			cancel()
		}
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.setState(StateStopped)
		attrs := []any{slog.Int64("drain_ms", time.Since(started).Milliseconds())}
		if r.stopErr != nil {
			attrs = append(attrs, slog.String("error", r.stopErr.Error()))
		}
		r.logger.Info("runner_stopped", attrs...)
	})
	return r.stopErr
}

func (r *LifecycleRunner) setState(s State) {
	r.state.Store(int32(s))
}

var _ Runner = (*LifecycleRunner)(nil)
