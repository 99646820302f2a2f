package model

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/veloxlabs/velox-tts/internal/config"
)

// New builds the configured runtime. The exec mode wraps a warm runner
// subprocess; mock needs nothing external.
func New(cfg config.ModelConfig, log *slog.Logger) (Runtime, error) {
	switch cfg.Mode {
	case "exec":
		return NewExecRuntime(cfg, log)
	case "mock":
		return NewMockRuntime(cfg.SampleRate, cfg.Channels, cfg.MaxConcurrency), nil
	default:
		return nil, fmt.Errorf("unknown model mode %q", cfg.Mode)
	}
}

// LoadWithRetry drives Runtime.Load under the configured retry budget.
// Loading the model is by far the slowest operation in the process; each
// failed attempt backs off exponentially before the next one, and exhausting
// the budget is a startup-fatal error for the caller.
func LoadWithRetry(ctx context.Context, rt Runtime, cfg config.ModelConfig, log *slog.Logger) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(cfg.LoadBackoffMS) * time.Millisecond

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		start := time.Now()
		if err := rt.Load(ctx); err != nil {
			log.Warn("model load attempt failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			return struct{}{}, err
		}
		log.Info("model loaded",
			slog.Int("attempt", attempt),
			slog.Duration("took", time.Since(start)))
		return struct{}{}, nil
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(cfg.LoadAttempts)),
	)
	if err != nil {
		return fmt.Errorf("model load failed after %d attempts: %w", attempt, err)
	}

	if cfg.WarmupText != "" {
		warmup(ctx, rt, cfg.WarmupText, log)
	}
	return nil
}

// warmup runs one throwaway utterance so the first real request does not pay
// for lazy accelerator initialization. Failure here is only a warning.
func warmup(ctx context.Context, rt Runtime, text string, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	chunks, errs := rt.Synthesize(ctx, Request{RequestID: "warmup", Text: text})
	for range chunks {
	}
	if err := <-errs; err != nil {
		log.Warn("model warmup failed", slog.String("error", err.Error()))
		return
	}
	log.Info("model warmup complete")
}
