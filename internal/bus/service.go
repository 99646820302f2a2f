package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/veloxlabs/velox-tts/internal/config"
	"github.com/veloxlabs/velox-tts/internal/model"
	"github.com/veloxlabs/velox-tts/internal/protocol"
	"github.com/veloxlabs/velox-tts/internal/scheduler"
)

// Service is the NATS front end: it accepts synthesis requests from the bus
// and feeds them through the same scheduler as the WebSocket server, so the
// model's concurrency ceiling holds across both transports.
type Service struct {
	cfg    config.BusConfig
	bus    *Client
	sched  *scheduler.Scheduler
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewService(parent context.Context, cfg config.BusConfig, busClient *Client, sched *scheduler.Scheduler, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		sched:  sched,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "bus-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectSynthRequest, s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || s.sub != nil }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.BusRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode bus synthesis request", slogError(err))
		return
	}
	if req.RequestID == "" || req.Text == "" {
		s.publishStatus(req.RequestID, "bad request: missing request_id or text")
		return
	}

	stream, err := s.sched.Submit(s.ctx, model.Request{
		RequestID: req.RequestID,
		Text:      req.Text,
		Voice:     req.Voice,
	})
	if err != nil {
		s.publishStatus(req.RequestID, err.Error())
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.relay(req.RequestID, stream)
	}()
}

func (s *Service) relay(requestID string, stream *scheduler.Stream) {
	for chunk := range stream.Chunks() {
		s.publishChunk(requestID, chunk)
	}
	if err := stream.Err(); err != nil {
		s.publishStatus(requestID, err.Error())
		return
	}
	s.publishStatus(requestID, "")
}

func (s *Service) publishChunk(requestID string, chunk model.Chunk) {
	packet := protocol.ServerMessage{
		Type:       protocol.TypeChunk,
		RequestID:  requestID,
		Sequence:   chunk.Sequence,
		SampleRate: chunk.SampleRate,
		Channels:   chunk.Channels,
		PCM:        chunk.PCM,
		Final:      chunk.Final,
	}
	data, err := json.Marshal(packet)
	if err != nil {
		s.logger.Warn("failed to marshal audio chunk", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectSynthAudio, data); err != nil {
		s.logger.Warn("failed to publish audio chunk", slogError(err))
	}
}

func (s *Service) publishStatus(requestID, errMsg string) {
	status := protocol.BusStatus{
		RequestID: requestID,
		Completed: errMsg == "",
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(status)
	if err != nil {
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectSynthDone, data); err != nil {
		s.logger.Warn("failed to publish status", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
