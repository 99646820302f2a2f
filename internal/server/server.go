// Package server terminates persistent WebSocket connections from voice
// agents and multiplexes synthesis streams back over them, keyed by
// request_id. Connection handling never blocks on the model: requests are
// handed straight to the scheduler and the audio is relayed as it arrives.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/veloxlabs/velox-tts/internal/config"
	"github.com/veloxlabs/velox-tts/internal/model"
	"github.com/veloxlabs/velox-tts/internal/protocol"
	"github.com/veloxlabs/velox-tts/internal/scheduler"
)

// Auditor records request outcomes. Satisfied by audit.Store; a nil-safe
// no-op when auditing is disabled.
type Auditor interface {
	RecordAccepted(ctx context.Context, requestID, voice string, textLen int)
	RecordResult(ctx context.Context, requestID, status, detail string)
}

type Server struct {
	cfg      config.ServerConfig
	voices   []string
	sched    *scheduler.Scheduler
	audit    Auditor
	logger   *slog.Logger
	upgrader websocket.Upgrader

	httpServer *http.Server
	listener   net.Listener
	wg         sync.WaitGroup

	connMu sync.Mutex
	conns  map[*conn]struct{}
}

// New builds the server. voices is the allow-list for voice_profile
// validation; empty means any profile is accepted.
func New(cfg config.ServerConfig, voices []string, sched *scheduler.Scheduler, audit Auditor, log *slog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		voices: voices,
		sched:  sched,
		audit:  audit,
		logger: log.With(slog.String("component", "server")),
		conns:  make(map[*conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents connect from their own process, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Start begins accepting connections on the configured address. It returns
// once the listener is bound so callers can treat bind failures as fatal.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Bind, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("websocket server failed", slog.String("error", err.Error()))
		}
	}()

	s.logger.Info("streaming server listening", slog.String("addr", listener.Addr().String()))
	return nil
}

// Addr reports the bound listen address, useful when the port is 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close stops the listener, force-closes remaining connections (upgraded
// sockets are hijacked, so http.Server.Shutdown does not cover them), and
// waits for the handlers to unwind.
func (s *Server) Close() {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(ctx)
	}
	s.connMu.Lock()
	for c := range s.conns {
		c.cancel()
		_ = c.ws.Close()
	}
	s.connMu.Unlock()
	s.wg.Wait()
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serveConn(ws, r.RemoteAddr)
	}()
}

// conn wraps one client connection. All writes go through outbound so the
// single writer goroutine owns the socket's write side; interleaving between
// requests happens there, never within one message.
type conn struct {
	ws       *websocket.Conn
	outbound chan protocol.ServerMessage
	ctx      context.Context
	cancel   context.CancelFunc
	requests sync.WaitGroup
}

func (s *Server) serveConn(ws *websocket.Conn, remote string) {
	log := s.logger.With(slog.String("remote", remote))
	log.Info("client connected")

	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ws:       ws,
		outbound: make(chan protocol.ServerMessage, 64),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.connMu.Lock()
	s.conns[c] = struct{}{}
	s.connMu.Unlock()
	defer func() {
		s.connMu.Lock()
		delete(s.conns, c)
		s.connMu.Unlock()
	}()

	ws.SetReadLimit(int64(s.cfg.MaxMessageKB) * 1024)

	var writer sync.WaitGroup
	writer.Add(1)
	go func() {
		defer writer.Done()
		s.writePump(c, log)
	}()

	s.readLoop(c, log)

	// Reader is done: the connection is gone or closing. Cancel in-flight
	// requests, let their relay goroutines finish, then release the writer.
	cancel()
	c.requests.Wait()
	close(c.outbound)
	writer.Wait()
	_ = ws.Close()
	log.Info("client disconnected")
}

func (s *Server) readLoop(c *conn, log *slog.Logger) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("read error", slog.String("error", err.Error()))
			}
			return
		}

		var req protocol.SynthesisRequest
		if err := json.Unmarshal(data, &req); err != nil {
			// No request_id to correlate with; the error still must not
			// take down other in-flight requests on this connection.
			s.send(c, protocol.Fail("", protocol.CodeBadRequest, "unparseable request"))
			continue
		}
		s.handleRequest(c, req, log)
	}
}

func (s *Server) handleRequest(c *conn, req protocol.SynthesisRequest, log *slog.Logger) {
	if reason := s.validate(req); reason != "" {
		s.send(c, protocol.Fail(req.RequestID, protocol.CodeBadRequest, reason))
		s.audit.RecordResult(c.ctx, req.RequestID, "bad_request", reason)
		return
	}

	stream, err := s.sched.Submit(c.ctx, model.Request{
		RequestID: req.RequestID,
		Text:      strings.TrimSpace(req.Text),
		Voice:     req.Voice,
	})
	if err != nil {
		s.send(c, protocol.Fail(req.RequestID, errCode(err), err.Error()))
		s.audit.RecordResult(c.ctx, req.RequestID, errCode(err), err.Error())
		return
	}

	// Queued: acknowledge before any audio so the client can tell an
	// admitted request from a dead connection.
	s.send(c, protocol.Ack(req.RequestID))
	s.audit.RecordAccepted(c.ctx, req.RequestID, req.Voice, len(req.Text))

	c.requests.Add(1)
	go func() {
		defer c.requests.Done()
		s.relay(c, req.RequestID, stream, log)
	}()
}

// relay forwards one request's chunk stream to the connection and finishes
// with exactly one terminal message.
func (s *Server) relay(c *conn, requestID string, stream *scheduler.Stream, log *slog.Logger) {
	for chunk := range stream.Chunks() {
		s.send(c, protocol.ServerMessage{
			Type:       protocol.TypeChunk,
			RequestID:  requestID,
			Sequence:   chunk.Sequence,
			SampleRate: chunk.SampleRate,
			Channels:   chunk.Channels,
			PCM:        chunk.PCM,
			Final:      chunk.Final,
		})
	}

	err := stream.Err()
	switch {
	case err == nil && c.ctx.Err() != nil:
		// Synthesis finished but the owner is gone; the output was dropped,
		// so the request did not complete from the client's point of view.
		s.audit.RecordResult(context.Background(), requestID, "cancelled", "")
	case err == nil:
		s.send(c, protocol.Done(requestID))
		s.audit.RecordResult(context.Background(), requestID, "ok", "")
	case errors.Is(err, scheduler.ErrCancelled):
		// Owner disconnected; nobody is listening for a terminal marker.
		s.audit.RecordResult(context.Background(), requestID, "cancelled", "")
	default:
		s.send(c, protocol.Fail(requestID, errCode(err), err.Error()))
		s.audit.RecordResult(context.Background(), requestID, errCode(err), err.Error())
		log.Warn("synthesis failed",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()))
	}
}

func (s *Server) validate(req protocol.SynthesisRequest) string {
	if req.RequestID == "" {
		return "missing request_id"
	}
	if strings.TrimSpace(req.Text) == "" {
		return "empty text"
	}
	if len(req.Text) > s.cfg.MaxTextLen {
		return fmt.Sprintf("text exceeds %d characters", s.cfg.MaxTextLen)
	}
	if len(s.voices) > 0 && req.Voice != "" && !slices.Contains(s.voices, req.Voice) {
		return fmt.Sprintf("unknown voice %q", req.Voice)
	}
	return ""
}

// send queues a message for the writer goroutine. A closed or wedged
// connection drops the message; the read loop notices the failure and tears
// the connection down.
func (s *Server) send(c *conn, msg protocol.ServerMessage) {
	select {
	case c.outbound <- msg:
	case <-c.ctx.Done():
	}
}

func (s *Server) writePump(c *conn, log *slog.Logger) {
	ping := time.NewTicker(time.Duration(s.cfg.PingIntervalMS) * time.Millisecond)
	defer ping.Stop()

	writeWait := time.Duration(s.cfg.WriteTimeoutMS) * time.Millisecond
	for {
		select {
		case msg, ok := <-c.outbound:
			if !ok {
				_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				log.Warn("write failed", slog.String("error", err.Error()))
				c.cancel()
				_ = c.ws.Close()
				return
			}
		case <-ping.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				_ = c.ws.Close()
				return
			}
		}
	}
}

func errCode(err error) string {
	switch {
	case errors.Is(err, scheduler.ErrNotReady):
		return protocol.CodeNotReady
	case errors.Is(err, scheduler.ErrOverloaded):
		return protocol.CodeOverloaded
	default:
		return protocol.CodeSynthesis
	}
}
