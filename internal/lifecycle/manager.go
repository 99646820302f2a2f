// Package lifecycle owns the process-wide state machine around the warm
// model: Loading -> Ready -> (Degraded <-> Ready) -> Draining -> Stopped.
// All transitions happen here; every other component only reads the state.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/veloxlabs/velox-tts/internal/config"
	"github.com/veloxlabs/velox-tts/internal/model"
)

type State int32

const (
	StateLoading State = iota
	StateReady
	StateDegraded
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Manager holds the single model handle for the process and is the only
// component allowed to load, reload, or discard it.
type Manager struct {
	cfg      config.LifecycleConfig
	modelCfg config.ModelConfig
	rt       model.Runtime
	log      *slog.Logger

	state  atomic.Int32
	failed chan struct{} // closed when recovery is exhausted
	once   sync.Once

	mu        sync.Mutex // serializes reload cycles
	reloading bool
}

func NewManager(cfg config.LifecycleConfig, modelCfg config.ModelConfig, rt model.Runtime, log *slog.Logger) *Manager {
	m := &Manager{
		cfg:      cfg,
		modelCfg: modelCfg,
		rt:       rt,
		log:      log.With(slog.String("component", "lifecycle")),
		failed:   make(chan struct{}),
	}
	m.state.Store(int32(StateLoading))
	return m
}

func (m *Manager) State() State { return State(m.state.Load()) }

// Ready reports whether synthesis requests may currently be admitted.
func (m *Manager) Ready() bool { return m.State() == StateReady }

// Failed is closed when the process can no longer serve and must exit
// non-zero so the supervisor restarts it.
func (m *Manager) Failed() <-chan struct{} { return m.failed }

// Startup performs the initial model load under the retry budget and moves
// the process to Ready. A failed startup is terminal.
func (m *Manager) Startup(ctx context.Context) error {
	if err := model.LoadWithRetry(ctx, m.rt, m.modelCfg, m.log); err != nil {
		m.state.Store(int32(StateStopped))
		m.markFailed()
		return fmt.Errorf("startup: %w", err)
	}
	m.transition(StateLoading, StateReady)
	return nil
}

// ReportFault is called by the scheduler when the runtime raises an
// accelerator-level fault. The first report moves Ready -> Degraded and
// kicks off a bounded reload cycle in the background; repeat reports while
// already degraded are ignored.
func (m *Manager) ReportFault(err error) {
	if !m.transition(StateReady, StateDegraded) {
		return
	}
	m.log.Error("entering degraded state", slog.String("error", err.Error()))

	m.mu.Lock()
	if m.reloading {
		m.mu.Unlock()
		return
	}
	m.reloading = true
	m.mu.Unlock()

	go m.recover()
}

func (m *Manager) recover() {
	defer func() {
		m.mu.Lock()
		m.reloading = false
		m.mu.Unlock()
	}()

	backoffStep := time.Duration(m.modelCfg.LoadBackoffMS) * time.Millisecond
	for attempt := 1; attempt <= m.cfg.ReloadAttempts; attempt++ {
		if m.State() != StateDegraded {
			return
		}
		m.log.Info("reloading model", slog.Int("attempt", attempt))
		m.rt.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		err := m.rt.Load(ctx)
		cancel()
		if err == nil {
			if m.transition(StateDegraded, StateReady) {
				m.log.Info("model reloaded, back to ready")
			}
			return
		}
		m.log.Warn("model reload failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
		time.Sleep(backoffStep * time.Duration(attempt))
	}

	m.log.Error("reload attempts exhausted, stopping",
		slog.Int("attempts", m.cfg.ReloadAttempts))
	m.state.Store(int32(StateStopped))
	m.markFailed()
}

// BeginDrain moves the process into Draining on an external shutdown
// signal. New requests are rejected from this point on.
func (m *Manager) BeginDrain() {
	for {
		cur := m.State()
		if cur == StateDraining || cur == StateStopped {
			return
		}
		if m.state.CompareAndSwap(int32(cur), int32(StateDraining)) {
			m.log.Info("draining", slog.String("from", cur.String()))
			return
		}
	}
}

// Shutdown finalizes the state machine and releases the model handle.
func (m *Manager) Shutdown() {
	m.state.Store(int32(StateStopped))
	m.rt.Close()
}

// DrainGrace is the deadline in-flight synthesis gets during shutdown.
func (m *Manager) DrainGrace() time.Duration {
	return time.Duration(m.cfg.DrainGraceMS) * time.Millisecond
}

func (m *Manager) transition(from, to State) bool {
	if m.state.CompareAndSwap(int32(from), int32(to)) {
		m.log.Info("state transition",
			slog.String("from", from.String()),
			slog.String("to", to.String()))
		return true
	}
	return false
}

func (m *Manager) markFailed() {
	m.once.Do(func() { close(m.failed) })
}
