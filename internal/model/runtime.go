package model

import (
	"context"
	"errors"
)

// Request contains parameters to synthesize one utterance.
type Request struct {
	RequestID string
	Text      string
	Voice     string
}

// Chunk contains raw PCM data. Sequence starts at 0 and is gapless within a
// request.
type Chunk struct {
	RequestID  string
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// ErrRuntimeFault marks accelerator-level failures that poison the loaded
// model. Callers must stop dispatching and reload before synthesizing again.
var ErrRuntimeFault = errors.New("model runtime fault")

// Runtime owns the warm TTS model. Load is the expensive call; once it
// returns, the model stays resident and Synthesize can be called repeatedly
// up to MaxConcurrency outstanding calls. After a fault, Close then Load
// again restores service.
type Runtime interface {
	Load(ctx context.Context) error
	MaxConcurrency() int
	Synthesize(ctx context.Context, req Request) (<-chan Chunk, <-chan error)
	Close()
}
