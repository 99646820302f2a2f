package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/veloxlabs/velox-tts/internal/config"
	"github.com/veloxlabs/velox-tts/internal/model"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type scriptedRuntime struct {
	loadErrs []error
	loads    atomic.Int64
	closes   atomic.Int64
}

func (r *scriptedRuntime) Load(ctx context.Context) error {
	n := int(r.loads.Add(1)) - 1
	if n < len(r.loadErrs) {
		return r.loadErrs[n]
	}
	return nil
}

func (r *scriptedRuntime) MaxConcurrency() int { return 1 }

func (r *scriptedRuntime) Synthesize(ctx context.Context, req model.Request) (<-chan model.Chunk, <-chan error) {
	chunks := make(chan model.Chunk)
	errs := make(chan error, 1)
	close(chunks)
	close(errs)
	return chunks, errs
}

func (r *scriptedRuntime) Close() { r.closes.Add(1) }

func newManager(rt model.Runtime, mutate func(*config.Config)) *Manager {
	cfg := config.Default()
	cfg.Model.LoadBackoffMS = 1
	if mutate != nil {
		mutate(&cfg)
	}
	return NewManager(cfg.Lifecycle, cfg.Model, rt, newLogger())
}

func waitForState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %v, still %v", want, m.State())
}

func TestStartupReachesReady(t *testing.T) {
	m := newManager(&scriptedRuntime{}, nil)
	if m.State() != StateLoading {
		t.Fatalf("expected initial state loading, got %v", m.State())
	}
	if m.Ready() {
		t.Fatal("must not be ready before startup")
	}
	if err := m.Startup(context.Background()); err != nil {
		t.Fatalf("startup failed: %v", err)
	}
	if !m.Ready() {
		t.Fatal("expected ready after startup")
	}
}

func TestStartupFailureIsTerminal(t *testing.T) {
	rt := &scriptedRuntime{loadErrs: []error{
		errors.New("no gpu"), errors.New("no gpu"), errors.New("no gpu"),
	}}
	m := newManager(rt, nil)
	if err := m.Startup(context.Background()); err == nil {
		t.Fatal("expected startup error")
	}
	if m.State() != StateStopped {
		t.Fatalf("expected stopped after load exhaustion, got %v", m.State())
	}
	select {
	case <-m.Failed():
	default:
		t.Fatal("expected failure channel closed")
	}
}

func TestFaultDegradesThenRecovers(t *testing.T) {
	rt := &scriptedRuntime{}
	m := newManager(rt, nil)
	if err := m.Startup(context.Background()); err != nil {
		t.Fatalf("startup failed: %v", err)
	}

	m.ReportFault(model.ErrRuntimeFault)
	if got := m.State(); got != StateDegraded && got != StateReady {
		t.Fatalf("expected degraded or already-recovered state, got %v", got)
	}
	waitForState(t, m, StateReady)

	if rt.closes.Load() == 0 {
		t.Fatal("expected the faulted handle to be closed before reload")
	}
	if rt.loads.Load() < 2 {
		t.Fatalf("expected a reload, got %d loads", rt.loads.Load())
	}
}

func TestFaultExhaustsReloadsAndStops(t *testing.T) {
	rt := &scriptedRuntime{loadErrs: []error{
		nil, // startup succeeds
		errors.New("still broken"),
		errors.New("still broken"),
	}}
	m := newManager(rt, func(cfg *config.Config) {
		cfg.Lifecycle.ReloadAttempts = 2
	})
	if err := m.Startup(context.Background()); err != nil {
		t.Fatalf("startup failed: %v", err)
	}

	m.ReportFault(model.ErrRuntimeFault)
	waitForState(t, m, StateStopped)

	select {
	case <-m.Failed():
	case <-time.After(time.Second):
		t.Fatal("expected failure channel closed after exhausting reloads")
	}
}

func TestDrainBlocksAdmission(t *testing.T) {
	m := newManager(&scriptedRuntime{}, nil)
	if err := m.Startup(context.Background()); err != nil {
		t.Fatalf("startup failed: %v", err)
	}
	m.BeginDrain()
	if m.State() != StateDraining {
		t.Fatalf("expected draining, got %v", m.State())
	}
	if m.Ready() {
		t.Fatal("draining process must not admit requests")
	}
	m.Shutdown()
	if m.State() != StateStopped {
		t.Fatalf("expected stopped, got %v", m.State())
	}
}
