package runner

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func TestLifecycleRunnerDrainsOnCancel(t *testing.T) {
	var started, stopped, drained bool
	r := NewLifecycleRunner(DrainerFunc(func(context.Context) error {
		drained = true
		return nil
	}), Hooks{
		OnStart: func(context.Context) error { started = true; return nil },
		OnStop:  func() { stopped = true },
	}, Options{DrainTimeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	deadline := time.Now().Add(time.Second)
	for r.State() != StateRunning {
		if time.Now().After(deadline) {
			t.Fatalf("runner never reached running, state=%s", r.State())
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if !started || !drained || !stopped || r.State() != StateStopped {
		t.Fatalf("started=%v drained=%v stopped=%v state=%s", started, drained, stopped, r.State())
	}
	if err := r.Run(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestLifecycleRunnerDrainTimeout(t *testing.T) {
	r := NewLifecycleRunner(DrainerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return nil
	}), Hooks{}, Options{DrainTimeout: 20 * time.Millisecond})

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()
	for r.State() != StateRunning {
		time.Sleep(time.Millisecond)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := <-done; !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("expected ErrDrainTimeout, got %v", err)
	}
}

func TestLifecycleRunnerStartFailure(t *testing.T) {
	boom := errors.New("listen failed")
	r := NewLifecycleRunner(nil, Hooks{OnStart: func(context.Context) error { return boom }}, Options{})
	if err := r.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected start error, got %v", err)
	}
	if r.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", r.State())
	}
}

func TestPrintBanner(t *testing.T) {
	var buf bytes.Buffer
	PrintBanner(&buf, false)
	if !bytes.Contains(buf.Bytes(), []byte("Version: "+Version)) {
		t.Fatalf("expected version line, got %q", buf.String())
	}
	PrintBanner(nil, false)
}
