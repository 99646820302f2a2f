// Package scheduler serializes access to the warm model. Every synthesis
// request in the process, whichever front end it arrived on, passes through
// the admission queue here and is dispatched by a fixed pool of workers
// sized to the runtime's declared concurrency ceiling.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/veloxlabs/velox-tts/internal/config"
	"github.com/veloxlabs/velox-tts/internal/model"
)

var (
	// ErrNotReady is returned while the model is loading, reloading after a
	// fault, or the process is draining.
	ErrNotReady = errors.New("server not ready")
	// ErrOverloaded is returned when the admission queue stays full past the
	// configured timeout. Callers should retry with backoff.
	ErrOverloaded = errors.New("scheduler overloaded")
	// ErrCancelled is reported on a stream whose owning connection went away.
	ErrCancelled = errors.New("request cancelled")
)

// Gate is the scheduler's read-only view of the lifecycle state.
type Gate interface {
	Ready() bool
}

// FaultReporter receives accelerator-level faults so the lifecycle manager
// can stop admission and reload the model.
type FaultReporter interface {
	ReportFault(err error)
}

// Stream delivers the ordered audio for one admitted request. Chunks closes
// after the last chunk; Err is valid only after that.
type Stream struct {
	chunks chan model.Chunk
	err    error
	mu     sync.Mutex
}

func (s *Stream) Chunks() <-chan model.Chunk { return s.chunks }

func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

type job struct {
	ctx    context.Context
	req    model.Request
	stream *Stream
}

type Scheduler struct {
	cfg     config.SchedulerConfig
	rt      model.Runtime
	gate    Gate
	faults  FaultReporter
	log     *slog.Logger
	timeout time.Duration
	synthTO time.Duration

	queue  chan job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	admitters sync.WaitGroup

	queued    metric.Int64UpDownCounter
	completed metric.Int64Counter
	synthTime metric.Float64Histogram
}

func New(parent context.Context, cfg config.SchedulerConfig, modelCfg config.ModelConfig, rt model.Runtime, gate Gate, faults FaultReporter, log *slog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(parent)

	meter := otel.Meter("velox/scheduler")
	queued, _ := meter.Int64UpDownCounter("velox_scheduler_queued")
	completed, _ := meter.Int64Counter("velox_scheduler_requests_total")
	synthTime, _ := meter.Float64Histogram("velox_synthesis_seconds")

	return &Scheduler{
		cfg:       cfg,
		rt:        rt,
		gate:      gate,
		faults:    faults,
		log:       log.With(slog.String("component", "scheduler")),
		timeout:   time.Duration(cfg.AdmissionTimeoutMS) * time.Millisecond,
		synthTO:   time.Duration(modelCfg.SynthesisTimeoutMS) * time.Millisecond,
		queue:     make(chan job, cfg.QueueDepth),
		ctx:       ctx,
		cancel:    cancel,
		queued:    queued,
		completed: completed,
		synthTime: synthTime,
	}
}

// Start launches the dispatch workers. The pool size is negotiated with the
// runtime, never configured past what it declares safe.
func (s *Scheduler) Start() {
	workers := s.rt.MaxConcurrency()
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.dispatchLoop()
	}
	s.log.Info("scheduler started", slog.Int("workers", workers), slog.Int("queue_depth", s.cfg.QueueDepth))
}

// Close stops admission and waits for dispatched work to finish. A Submit
// racing the shutdown may still win the enqueue after the workers have
// flushed and exited, so the queue is flushed once more after every
// admitter has returned; no accepted request is left without its terminal
// signal.
func (s *Scheduler) Close() {
	s.stop()
	s.wg.Wait()
	s.admitters.Wait()
	s.flush()
}

// Drain waits for the queue and in-flight synthesis to empty, up to the
// grace deadline.
func (s *Scheduler) Drain(grace time.Duration) {
	s.stop()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		s.admitters.Wait()
		s.flush()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		s.log.Warn("drain grace deadline expired with work in flight")
	}
}

func (s *Scheduler) stop() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
}

func (s *Scheduler) flush() {
	for {
		select {
		case j := <-s.queue:
			s.queued.Add(context.Background(), -1)
			s.finish(j, ErrNotReady)
		default:
			return
		}
	}
}

// Submit admits one request. ctx is the owning connection's context: if it
// is cancelled while the request is still queued, the request is dropped
// without ever reaching the model. Submit blocks at most the admission
// timeout; a full queue past that fails with ErrOverloaded.
func (s *Scheduler) Submit(ctx context.Context, req model.Request) (*Stream, error) {
	if !s.gate.Ready() {
		return nil, ErrNotReady
	}

	// Register before enqueueing so shutdown can wait for every in-flight
	// admission and flush whatever they landed in the queue.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrNotReady
	}
	s.admitters.Add(1)
	s.mu.Unlock()
	defer s.admitters.Done()

	j := job{
		ctx:    ctx,
		req:    req,
		stream: &Stream{chunks: make(chan model.Chunk)},
	}

	admission := time.NewTimer(s.timeout)
	defer admission.Stop()

	select {
	case s.queue <- j:
		s.queued.Add(s.ctx, 1)
		return j.stream, nil
	case <-ctx.Done():
		return nil, ErrCancelled
	case <-s.ctx.Done():
		return nil, ErrNotReady
	case <-admission.C:
		return nil, ErrOverloaded
	}
}

func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			// Admission is closed; flush whatever is still queued so every
			// accepted request gets its terminal signal.
			for {
				select {
				case j := <-s.queue:
					s.queued.Add(context.Background(), -1)
					s.finish(j, ErrNotReady)
				default:
					return
				}
			}
		case j := <-s.queue:
			s.queued.Add(s.ctx, -1)
			s.run(j)
		}
	}
}

// run dispatches one job to the runtime. A job whose owner disconnected
// while queued is discarded here with zero runtime invocations.
func (s *Scheduler) run(j job) {
	if err := j.ctx.Err(); err != nil {
		s.finish(j, ErrCancelled)
		return
	}
	if !s.gate.Ready() {
		s.finish(j, ErrNotReady)
		return
	}

	ctx, cancel := context.WithTimeout(j.ctx, s.synthTO)
	defer cancel()

	start := time.Now()
	chunks, errs := s.rt.Synthesize(ctx, j.req)

	sequence := 0
	abandoned := false
	for chunk := range chunks {
		if abandoned {
			continue
		}
		chunk.Sequence = sequence
		select {
		case j.stream.chunks <- chunk:
			sequence++
		case <-j.ctx.Done():
			// Owner is gone mid-synthesis: keep draining the runtime so the
			// model finishes cleanly, but discard its output.
			abandoned = true
		}
	}

	err := <-errs
	elapsed := time.Since(start)
	s.synthTime.Record(context.Background(), elapsed.Seconds())

	switch {
	case abandoned || errors.Is(err, context.Canceled):
		s.finish(j, ErrCancelled)
		s.record("cancelled")
	case err == nil:
		s.finish(j, nil)
		s.record("ok")
		s.log.Debug("synthesis complete",
			slog.String("request_id", j.req.RequestID),
			slog.Int("chunks", sequence),
			slog.Duration("took", elapsed))
	default:
		if errors.Is(err, model.ErrRuntimeFault) {
			s.log.Error("runtime fault during synthesis",
				slog.String("request_id", j.req.RequestID),
				slog.String("error", err.Error()))
			s.faults.ReportFault(err)
			s.record("fault")
		} else {
			s.record("error")
		}
		s.finish(j, err)
	}
}

func (s *Scheduler) finish(j job, err error) {
	if err != nil {
		j.stream.fail(err)
	}
	close(j.stream.chunks)
}

func (s *Scheduler) record(outcome string) {
	s.completed.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
}
