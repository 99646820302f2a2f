// Package runtime assembles the process: telemetry, the warm model and its
// lifecycle, the scheduler, both transport front ends, and the health
// endpoints the external supervisor probes.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/veloxlabs/velox-tts/internal/audit"
	"github.com/veloxlabs/velox-tts/internal/bus"
	"github.com/veloxlabs/velox-tts/internal/config"
	"github.com/veloxlabs/velox-tts/internal/lifecycle"
	"github.com/veloxlabs/velox-tts/internal/model"
	"github.com/veloxlabs/velox-tts/internal/natsserver"
	"github.com/veloxlabs/velox-tts/internal/scheduler"
	"github.com/veloxlabs/velox-tts/internal/server"
)

// ErrFailed is returned when the service can no longer serve and the
// process must exit non-zero so the supervisor restarts it.
var ErrFailed = errors.New("service failed")

type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	wg         sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start runs the service until ctx is cancelled (external shutdown signal)
// or the lifecycle gives up. A non-nil error means exit non-zero.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	auditStore, err := audit.Open(ctx, r.cfg.Audit, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open audit store: %w", err)
	}

	rt, err := model.New(r.cfg.Model, r.logger)
	if err != nil {
		return fmt.Errorf("failed to build model runtime: %w", err)
	}

	mgr := lifecycle.NewManager(r.cfg.Lifecycle, r.cfg.Model, rt, r.logger)
	sched := scheduler.New(ctx, r.cfg.Scheduler, r.cfg.Model, rt, mgr, mgr, r.logger)
	sched.Start()

	srv := server.New(r.cfg.Server, r.cfg.Model.Voices, sched, auditStore, r.logger)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start streaming server: %w", err)
	}

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	var busClient *bus.Client
	var busSvc *bus.Service
	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		if url := embedded.ClientURL(); url != "" {
			busCfg.Servers = []string{url}
		}
		busClient, err = bus.Connect(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("failed to connect bus: %w", err)
		}
		busSvc = bus.NewService(ctx, r.cfg.Bus, busClient, sched, r.logger)
		if err := busSvc.Start(); err != nil {
			return fmt.Errorf("failed to start bus front end: %w", err)
		}
	}

	r.startHealthServer(mgr, busSvc, metricsHandler)

	// The model load dominates startup; connections are already accepted
	// and answered with NotReady until it finishes.
	loadDone := make(chan error, 1)
	go func() { loadDone <- mgr.Startup(ctx) }()

	var runErr error
	select {
	case <-ctx.Done():
		r.logger.Info("shutdown signal received")
	case <-mgr.Failed():
		runErr = ErrFailed
	case err := <-loadDone:
		if err != nil {
			runErr = fmt.Errorf("%w: %v", ErrFailed, err)
			break
		}
		select {
		case <-ctx.Done():
			r.logger.Info("shutdown signal received")
		case <-mgr.Failed():
			runErr = ErrFailed
		}
	}

	mgr.BeginDrain()
	sched.Drain(mgr.DrainGrace())
	srv.Close()
	if busSvc != nil {
		busSvc.Close()
	}
	busClient.Close()
	embedded.Shutdown()
	sched.Close()
	mgr.Shutdown()
	if err := auditStore.Close(); err != nil {
		r.logger.Error("audit store close error", slog.String("error", err.Error()))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if err := shutdownTelemetry(shutdownCtx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}

	return runErr
}

func (r *Runtime) startHealthServer(mgr *lifecycle.Manager, busSvc *bus.Service, metricsHandler http.Handler) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if mgr.Ready() && (busSvc == nil || busSvc.Healthy()) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(mgr.State().String()))
	})
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("health server failed", slog.String("error", err.Error()))
		}
	}()
	r.logger.Info("health endpoints up", slog.String("addr", addr))
}
