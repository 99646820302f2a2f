// Package client implements the voice-agent side of the synthesis protocol:
// one persistent WebSocket connection, many sequential or concurrent
// requests, each answered by an ack, an ordered chunk stream, and exactly
// one terminal marker.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/veloxlabs/velox-tts/internal/protocol"
)

// DefaultServerURL is used when TTS_SERVER_URL is unset.
const DefaultServerURL = "ws://127.0.0.1:9001"

var (
	// ErrNotReady means the server is loading, reloading, or draining.
	// Retry after backoff.
	ErrNotReady = errors.New("tts server not ready")
	// ErrOverloaded means admission timed out server-side. Retry after
	// backoff.
	ErrOverloaded = errors.New("tts server overloaded")
	// ErrBadRequest means the request itself was rejected. Do not retry.
	ErrBadRequest = errors.New("bad synthesis request")
	// ErrSynthesis means the utterance failed inside the model.
	ErrSynthesis = errors.New("synthesis failed")
	// ErrClosed means the connection went away before the stream finished.
	ErrClosed = errors.New("connection closed")
)

// Chunk is one ordered slice of synthesized audio.
type Chunk struct {
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Options configures the bridge connection.
type Options struct {
	URL            string
	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	ConnectRetries uint
	Logger         *slog.Logger
}

func (o *Options) defaults() {
	if o.URL == "" {
		o.URL = ServerURLFromEnv()
	}
	if o.DialTimeout == 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.ConnectRetries == 0 {
		o.ConnectRetries = 5
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// ServerURLFromEnv resolves the server address from TTS_SERVER_URL.
func ServerURLFromEnv() string {
	if url := os.Getenv("TTS_SERVER_URL"); url != "" {
		return url
	}
	return DefaultServerURL
}

type pending struct {
	chunks chan Chunk
	errs   chan error
}

// Client is one persistent bridge connection. Safe for concurrent
// Synthesize calls; writes are serialized internally.
type Client struct {
	opts Options
	log  *slog.Logger

	ws      *websocket.Conn
	writeMu sync.Mutex

	mu       sync.Mutex
	requests map[string]*pending
	closed   bool
	done     chan struct{}
}

// Dial connects to the server, retrying with exponential backoff. The two
// processes are supervised independently, so the server may come up after
// the agent does.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	opts.defaults()
	log := opts.Logger.With(slog.String("component", "tts-bridge"))

	dialer := websocket.Dialer{HandshakeTimeout: opts.DialTimeout}
	ws, err := backoff.Retry(ctx, func() (*websocket.Conn, error) {
		ws, _, err := dialer.DialContext(ctx, opts.URL, nil)
		if err != nil {
			log.Warn("tts server dial failed", slog.String("url", opts.URL), slog.String("error", err.Error()))
			return nil, err
		}
		return ws, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(opts.ConnectRetries),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", opts.URL, err)
	}

	c := &Client{
		opts:     opts,
		log:      log,
		ws:       ws,
		requests: make(map[string]*pending),
		done:     make(chan struct{}),
	}
	go c.readLoop()

	log.Info("connected to tts server", slog.String("url", opts.URL))
	return c, nil
}

// Close tears the connection down. In-flight streams fail with ErrClosed.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = c.ws.Close()
	<-c.done
}

// Synthesize submits one utterance and returns its audio stream. The chunk
// channel closes after the final chunk; exactly one value is then readable
// from the error channel, nil on success.
func (c *Client) Synthesize(ctx context.Context, text, voice string) (<-chan Chunk, <-chan error, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	requestID := uuid.NewString()
	p := &pending{
		chunks: make(chan Chunk, 16),
		errs:   make(chan error, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, nil, ErrClosed
	}
	c.requests[requestID] = p
	c.mu.Unlock()

	req := protocol.SynthesisRequest{RequestID: requestID, Text: text, Voice: voice}
	writeDeadline := time.Now().Add(c.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(writeDeadline) {
		writeDeadline = d
	}
	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(writeDeadline)
	err := c.ws.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.drop(requestID)
		return nil, nil, fmt.Errorf("send request: %w", err)
	}

	return p.chunks, p.errs, nil
}

// SynthesizeAll is a convenience wrapper that gathers the whole utterance
// into one PCM buffer.
func (c *Client) SynthesizeAll(ctx context.Context, text, voice string) ([]byte, int, int, error) {
	chunks, errs, err := c.Synthesize(ctx, text, voice)
	if err != nil {
		return nil, 0, 0, err
	}

	var pcm []byte
	sampleRate, channels := 0, 0
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return pcm, sampleRate, channels, <-errs
			}
			if sampleRate == 0 {
				sampleRate, channels = chunk.SampleRate, chunk.Channels
			}
			pcm = append(pcm, chunk.PCM...)
		case <-ctx.Done():
			return nil, 0, 0, ctx.Err()
		}
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		var msg protocol.ServerMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			c.failAll(ErrClosed)
			return
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg protocol.ServerMessage) {
	c.mu.Lock()
	p := c.requests[msg.RequestID]
	c.mu.Unlock()
	if p == nil {
		if msg.RequestID != "" {
			c.log.Warn("reply for unknown request", slog.String("request_id", msg.RequestID))
		}
		return
	}

	switch msg.Type {
	case protocol.TypeAck:
		// Queued server-side; audio follows.
	case protocol.TypeChunk:
		p.chunks <- Chunk{
			Sequence:   msg.Sequence,
			SampleRate: msg.SampleRate,
			Channels:   msg.Channels,
			PCM:        msg.PCM,
			Final:      msg.Final,
		}
	case protocol.TypeDone:
		c.finish(msg.RequestID, p, nil)
	case protocol.TypeError:
		c.finish(msg.RequestID, p, codeError(msg.Code, msg.Message))
	}
}

func (c *Client) finish(requestID string, p *pending, err error) {
	c.drop(requestID)
	if err != nil {
		p.errs <- err
	} else {
		p.errs <- nil
	}
	close(p.chunks)
}

func (c *Client) drop(requestID string) {
	c.mu.Lock()
	delete(c.requests, requestID)
	c.mu.Unlock()
}

func (c *Client) failAll(err error) {
	c.mu.Lock()
	pendings := c.requests
	c.requests = make(map[string]*pending)
	c.mu.Unlock()

	for _, p := range pendings {
		p.errs <- err
		close(p.chunks)
	}
}

func codeError(code, message string) error {
	switch code {
	case protocol.CodeNotReady:
		return fmt.Errorf("%w: %s", ErrNotReady, message)
	case protocol.CodeOverloaded:
		return fmt.Errorf("%w: %s", ErrOverloaded, message)
	case protocol.CodeBadRequest:
		return fmt.Errorf("%w: %s", ErrBadRequest, message)
	default:
		return fmt.Errorf("%w: %s", ErrSynthesis, message)
	}
}
