package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/veloxlabs/velox-tts/internal/config"
	"github.com/veloxlabs/velox-tts/internal/model"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type gateFunc func() bool

func (g gateFunc) Ready() bool { return g() }

var alwaysReady = gateFunc(func() bool { return true })

type faultRecorder struct {
	mu     sync.Mutex
	faults []error
}

func (f *faultRecorder) ReportFault(err error) {
	f.mu.Lock()
	f.faults = append(f.faults, err)
	f.mu.Unlock()
}

func (f *faultRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.faults)
}

// fakeRuntime scripts synthesis behavior per request id.
type fakeRuntime struct {
	concurrency int
	delay       time.Duration
	failWith    map[string]error
	calls       atomic.Int64
	active      atomic.Int64
	maxActive   atomic.Int64
}

func (f *fakeRuntime) Load(ctx context.Context) error { return nil }
func (f *fakeRuntime) Close()                         {}
func (f *fakeRuntime) MaxConcurrency() int {
	if f.concurrency <= 0 {
		return 1
	}
	return f.concurrency
}

func (f *fakeRuntime) Synthesize(ctx context.Context, req model.Request) (<-chan model.Chunk, <-chan error) {
	f.calls.Add(1)
	chunks := make(chan model.Chunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		active := f.active.Add(1)
		defer f.active.Add(-1)
		for {
			max := f.maxActive.Load()
			if active <= max || f.maxActive.CompareAndSwap(max, active) {
				break
			}
		}

		if err := f.failWith[req.RequestID]; err != nil {
			errs <- err
			return
		}
		for i := 0; i < 3; i++ {
			if f.delay > 0 {
				select {
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				case <-time.After(f.delay):
				}
			}
			select {
			case chunks <- model.Chunk{RequestID: req.RequestID, Sequence: i, PCM: []byte{1, 2}, Final: i == 2}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return chunks, errs
}

func newScheduler(t *testing.T, rt model.Runtime, gate Gate, faults FaultReporter, mutate func(*config.SchedulerConfig)) *Scheduler {
	t.Helper()
	cfg := config.Default()
	cfg.Scheduler.AdmissionTimeoutMS = 200
	if mutate != nil {
		mutate(&cfg.Scheduler)
	}
	s := New(context.Background(), cfg.Scheduler, cfg.Model, rt, gate, faults, newLogger())
	s.Start()
	t.Cleanup(s.Close)
	return s
}

func collect(t *testing.T, stream *Stream) []model.Chunk {
	t.Helper()
	var out []model.Chunk
	for chunk := range stream.Chunks() {
		out = append(out, chunk)
	}
	return out
}

func TestSubmitStreamsOrderedChunks(t *testing.T) {
	s := newScheduler(t, &fakeRuntime{}, alwaysReady, &faultRecorder{}, nil)

	stream, err := s.Submit(context.Background(), model.Request{RequestID: "r1", Text: "Hello"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	chunks := collect(t, stream)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	for i, chunk := range chunks {
		if chunk.Sequence != i {
			t.Fatalf("expected sequence %d, got %d", i, chunk.Sequence)
		}
	}
	if !chunks[len(chunks)-1].Final {
		t.Fatal("last chunk not final")
	}
	if stream.Err() != nil {
		t.Fatalf("unexpected stream error: %v", stream.Err())
	}
}

func TestSubmitRejectedWhenNotReady(t *testing.T) {
	rt := &fakeRuntime{}
	s := newScheduler(t, rt, gateFunc(func() bool { return false }), &faultRecorder{}, nil)

	if _, err := s.Submit(context.Background(), model.Request{RequestID: "r1", Text: "hi"}); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if rt.calls.Load() != 0 {
		t.Fatal("request must never reach the runtime while not ready")
	}
}

func TestConcurrencyCeilingHolds(t *testing.T) {
	rt := &fakeRuntime{concurrency: 1, delay: 10 * time.Millisecond}
	s := newScheduler(t, rt, alwaysReady, &faultRecorder{}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			stream, err := s.Submit(context.Background(), model.Request{RequestID: string(rune('a' + id)), Text: "x"})
			if err != nil {
				t.Errorf("submit failed: %v", err)
				return
			}
			collect(t, stream)
		}(i)
	}
	wg.Wait()

	if rt.maxActive.Load() != 1 {
		t.Fatalf("concurrency ceiling exceeded: %d simultaneous synthesize calls", rt.maxActive.Load())
	}
	if rt.calls.Load() != 4 {
		t.Fatalf("expected 4 dispatches, got %d", rt.calls.Load())
	}
}

func TestQueuedRequestsDroppedOnDisconnect(t *testing.T) {
	rt := &fakeRuntime{delay: 30 * time.Millisecond}
	s := newScheduler(t, rt, alwaysReady, &faultRecorder{}, nil)

	// Occupy the single worker.
	busy, err := s.Submit(context.Background(), model.Request{RequestID: "busy", Text: "x"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	connCtx, disconnect := context.WithCancel(context.Background())
	var queued []*Stream
	for i := 0; i < 3; i++ {
		stream, err := s.Submit(connCtx, model.Request{RequestID: string(rune('a' + i)), Text: "x"})
		if err != nil {
			t.Fatalf("submit failed: %v", err)
		}
		queued = append(queued, stream)
	}
	disconnect()

	collect(t, busy)
	for _, stream := range queued {
		if chunks := collect(t, stream); len(chunks) != 0 {
			t.Fatalf("cancelled request produced %d chunks", len(chunks))
		}
		if !errors.Is(stream.Err(), ErrCancelled) {
			t.Fatalf("expected ErrCancelled, got %v", stream.Err())
		}
	}

	// Only the busy request may have reached the runtime.
	deadline := time.Now().Add(time.Second)
	for rt.calls.Load() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := rt.calls.Load(); got != 1 {
		t.Fatalf("expected 1 runtime invocation, got %d", got)
	}
}

func TestAdmissionTimeoutOverloaded(t *testing.T) {
	rt := &fakeRuntime{delay: 200 * time.Millisecond}
	s := newScheduler(t, rt, alwaysReady, &faultRecorder{}, func(c *config.SchedulerConfig) {
		c.QueueDepth = 1
		c.AdmissionTimeoutMS = 50
	})

	first, err := s.Submit(context.Background(), model.Request{RequestID: "r1", Text: "x"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	// Wait until the worker picks r1 up, then fill the single queue slot.
	deadline := time.Now().Add(time.Second)
	for rt.calls.Load() != 1 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	second, err := s.Submit(context.Background(), model.Request{RequestID: "r2", Text: "x"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	if _, err := s.Submit(context.Background(), model.Request{RequestID: "r3", Text: "x"}); !errors.Is(err, ErrOverloaded) {
		t.Fatalf("expected ErrOverloaded, got %v", err)
	}

	collect(t, first)
	collect(t, second)
}

func TestSubmitRacingShutdownAlwaysTerminates(t *testing.T) {
	// A Submit concurrent with Close may win the enqueue after the workers
	// have already flushed and exited. The admitted stream must still get
	// its terminal signal; an orphaned stream here would wedge the caller.
	for round := 0; round < 300; round++ {
		s := newScheduler(t, &fakeRuntime{}, alwaysReady, &faultRecorder{}, nil)

		outcome := make(chan error, 1)
		go func() {
			stream, err := s.Submit(context.Background(), model.Request{RequestID: "race", Text: "x"})
			if err != nil {
				outcome <- nil
				return
			}
			drained := make(chan struct{})
			go func() {
				for range stream.Chunks() {
				}
				close(drained)
			}()
			select {
			case <-drained:
				outcome <- nil
			case <-time.After(2 * time.Second):
				outcome <- errors.New("admitted stream never terminated")
			}
		}()

		s.Close()
		if err := <-outcome; err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
	}
}

func TestSubmitAfterCloseRejected(t *testing.T) {
	rt := &fakeRuntime{}
	s := newScheduler(t, rt, alwaysReady, &faultRecorder{}, nil)
	s.Close()

	if _, err := s.Submit(context.Background(), model.Request{RequestID: "late", Text: "x"}); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady after close, got %v", err)
	}
	if rt.calls.Load() != 0 {
		t.Fatal("request must never reach the runtime after close")
	}
}

func TestSynthesisErrorSurfacedOnce(t *testing.T) {
	rt := &fakeRuntime{failWith: map[string]error{"bad": errors.New("synthesis exploded")}}
	faults := &faultRecorder{}
	s := newScheduler(t, rt, alwaysReady, faults, nil)

	stream, err := s.Submit(context.Background(), model.Request{RequestID: "bad", Text: "x"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if chunks := collect(t, stream); len(chunks) != 0 {
		t.Fatalf("failed request produced %d chunks", len(chunks))
	}
	if stream.Err() == nil {
		t.Fatal("expected stream error")
	}
	if faults.count() != 0 {
		t.Fatal("plain synthesis error must not escalate to a fault")
	}
}

func TestRuntimeFaultEscalates(t *testing.T) {
	rt := &fakeRuntime{failWith: map[string]error{"boom": model.ErrRuntimeFault}}
	faults := &faultRecorder{}
	s := newScheduler(t, rt, alwaysReady, faults, nil)

	stream, err := s.Submit(context.Background(), model.Request{RequestID: "boom", Text: "x"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	collect(t, stream)
	if !errors.Is(stream.Err(), model.ErrRuntimeFault) {
		t.Fatalf("expected runtime fault on stream, got %v", stream.Err())
	}
	if faults.count() != 1 {
		t.Fatalf("expected exactly one fault report, got %d", faults.count())
	}
}
