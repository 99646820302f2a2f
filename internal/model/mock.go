package model

import (
	"context"
	"sync/atomic"
	"time"
)

// mockRuntime fabricates silence-filled PCM without any accelerator. Used
// for development and tests.
type mockRuntime struct {
	sampleRate  int
	channels    int
	concurrency int
	loadDelay   time.Duration
	loaded      atomic.Bool
}

func NewMockRuntime(sampleRate, channels, concurrency int) Runtime {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &mockRuntime{
		sampleRate:  sampleRate,
		channels:    channels,
		concurrency: concurrency,
		loadDelay:   20 * time.Millisecond,
	}
}

func (m *mockRuntime) Load(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.loadDelay):
	}
	m.loaded.Store(true)
	return nil
}

func (m *mockRuntime) MaxConcurrency() int { return m.concurrency }

func (m *mockRuntime) Synthesize(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		if !m.loaded.Load() {
			errs <- ErrRuntimeFault
			return
		}

		// Roughly 40ms of audio per 10 characters of input, split into
		// fixed-size frames so callers see a genuine multi-chunk stream.
		frames := len(req.Text)/10 + 2
		frameBytes := m.sampleRate * m.channels * 2 / 25
		for i := 0; i < frames; i++ {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case <-time.After(5 * time.Millisecond):
			}
			select {
			case chunks <- Chunk{
				RequestID:  req.RequestID,
				Sequence:   i,
				SampleRate: m.sampleRate,
				Channels:   m.channels,
				PCM:        make([]byte, frameBytes),
				Final:      i == frames-1,
			}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return chunks, errs
}

func (m *mockRuntime) Close() { m.loaded.Store(false) }
