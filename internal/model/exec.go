package model

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/veloxlabs/velox-tts/internal/config"
)

// execRuntime keeps a runner subprocess warm for the lifetime of the loaded
// model. The runner loads weights once at startup, prints a ready banner, and
// then serves synthesis requests over stdin/stdout as JSON lines. A dead or
// misbehaving runner is reported as ErrRuntimeFault.
type execRuntime struct {
	cfg config.ModelConfig
	cmd []string
	log *slog.Logger

	mu      sync.Mutex
	proc    *exec.Cmd
	stdin   io.WriteCloser
	scanner *bufio.Scanner
}

type runnerBanner struct {
	Event   string `json:"event"`
	Message string `json:"message,omitempty"`
}

type runnerRequest struct {
	ID         string `json:"id"`
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type runnerChunk struct {
	ID        string `json:"id"`
	PCMBase64 string `json:"pcm_base64,omitempty"`
	Final     bool   `json:"final,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NewExecRuntime builds a Runtime that shells out to the configured runner
// command, appending the model path arguments.
func NewExecRuntime(cfg config.ModelConfig, log *slog.Logger) (Runtime, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse model command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("model command empty")
	}
	return &execRuntime{
		cfg: cfg,
		cmd: args,
		log: log.With(slog.String("component", "model-exec")),
	}, nil
}

func (e *execRuntime) MaxConcurrency() int {
	// One runner process, one accelerator context. The runner protocol is
	// strictly request-reply, so concurrency above 1 is never safe here.
	return 1
}

// Load starts the runner and waits for its ready banner. When a fallback
// model path is configured, a failed primary load is retried once against
// the fallback before the error is surfaced.
func (e *execRuntime) Load(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.proc != nil {
		return nil
	}

	err := e.start(ctx, e.cfg.Path)
	if err != nil && e.cfg.FallbackPath != "" {
		e.log.Warn("primary model load failed, trying fallback",
			slog.String("path", e.cfg.Path),
			slog.String("fallback", e.cfg.FallbackPath),
			slog.String("error", err.Error()))
		err = e.start(ctx, e.cfg.FallbackPath)
	}
	if err != nil {
		return err
	}

	e.log.Info("model runner ready", slog.String("command", e.cmd[0]))
	return nil
}

func (e *execRuntime) start(ctx context.Context, modelPath string) error {
	args := append([]string{}, e.cmd[1:]...)
	if modelPath != "" {
		args = append(args, "--model", modelPath)
	}
	cmd := exec.Command(e.cmd[0], args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("runner stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("runner stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start runner: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	banner := make(chan error, 1)
	go func() {
		if !scanner.Scan() {
			banner <- fmt.Errorf("runner exited before ready banner")
			return
		}
		var b runnerBanner
		if err := json.Unmarshal(scanner.Bytes(), &b); err != nil {
			banner <- fmt.Errorf("decode runner banner: %w", err)
			return
		}
		if b.Event != "ready" {
			banner <- fmt.Errorf("runner failed to load model: %s", b.Message)
			return
		}
		banner <- nil
	}()

	select {
	case err := <-banner:
		if err != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return err
		}
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return ctx.Err()
	}

	e.proc = cmd
	e.stdin = stdin
	e.scanner = scanner
	return nil
}

// Synthesize writes one request line and streams chunk lines back until the
// final one. The runner handles exactly one request at a time; the mutex
// keeps the stdin/stdout conversation framed.
func (e *execRuntime) Synthesize(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		e.mu.Lock()
		defer e.mu.Unlock()

		if e.proc == nil {
			errs <- fmt.Errorf("model not loaded: %w", ErrRuntimeFault)
			return
		}

		payload, err := json.Marshal(runnerRequest{
			ID:         req.RequestID,
			Text:       req.Text,
			Voice:      req.Voice,
			SampleRate: e.cfg.SampleRate,
			Channels:   e.cfg.Channels,
		})
		if err != nil {
			errs <- err
			return
		}
		if _, err := e.stdin.Write(append(payload, '\n')); err != nil {
			errs <- fmt.Errorf("write to runner: %v: %w", err, ErrRuntimeFault)
			return
		}

		sequence := 0
		for e.scanner.Scan() {
			line := e.scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var resp runnerChunk
			if err := json.Unmarshal(line, &resp); err != nil {
				errs <- fmt.Errorf("decode runner chunk: %v: %w", err, ErrRuntimeFault)
				return
			}
			if resp.Error != "" {
				errs <- fmt.Errorf("runner synthesis failed: %s", resp.Error)
				return
			}
			pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
			if err != nil {
				errs <- fmt.Errorf("decode runner pcm: %v: %w", err, ErrRuntimeFault)
				return
			}
			select {
			case chunks <- Chunk{
				RequestID:  req.RequestID,
				Sequence:   sequence,
				SampleRate: e.cfg.SampleRate,
				Channels:   e.cfg.Channels,
				PCM:        pcm,
				Final:      resp.Final,
			}:
			case <-ctx.Done():
				// The consumer is gone but the runner conversation must be
				// drained to its final line so the next request starts clean.
				if resp.Final {
					errs <- ctx.Err()
					return
				}
				continue
			}
			sequence++
			if resp.Final {
				return
			}
		}
		if err := e.scanner.Err(); err != nil {
			errs <- fmt.Errorf("runner stream: %v: %w", err, ErrRuntimeFault)
			return
		}
		errs <- fmt.Errorf("runner closed stdout mid-request: %w", ErrRuntimeFault)
	}()

	return chunks, errs
}

// Close terminates the runner process. Load may be called afterwards to
// bring up a fresh one.
func (e *execRuntime) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.proc == nil {
		return
	}
	_ = e.stdin.Close()

	done := make(chan struct{})
	go func() {
		_ = e.proc.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = e.proc.Process.Kill()
		<-done
	}

	e.proc = nil
	e.stdin = nil
	e.scanner = nil
}
