package tts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-interpreter/internal/bus"
	"github.com/loqalabs/loqa-interpreter/internal/config"
	"github.com/loqalabs/loqa-interpreter/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Service synthesizes requests one at a time in arrival order so spoken
// output never overlaps. Failures are logged and the next request proceeds.
type Service struct {
	cfg    config.TTSConfig
	bus    *bus.Client
	synth  Synthesizer
	queue  chan protocol.TTSRequest
	tracer trace.Tracer
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	ready  atomic.Bool
	logger *slog.Logger
}

func NewService(parent context.Context, cfg config.TTSConfig, busClient *bus.Client, synth Synthesizer, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	size := cfg.QueueSize
	if size <= 0 {
		size = 1
	}
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		synth:  synth,
		queue:  make(chan protocol.TTSRequest, size),
		tracer: otel.Tracer("github.com/loqalabs/loqa-interpreter/tts"),
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "tts-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectTTSRequest, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe tts requests: %w", err)
	}
	s.sub = sub
	s.wg.Add(1)
	go s.worker()
	s.ready.Store(true)
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || s.ready.Load() }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.TTSRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode tts request", slogError(err))
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		return
	}
	select {
	case s.queue <- req:
	case <-s.ctx.Done():
	}
}

func (s *Service) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case req := <-s.queue:
			s.synthesize(req)
		}
	}
}

func (s *Service) synthesize(req protocol.TTSRequest) {
	voice := req.Voice
	if voice == "" {
		voice = s.cfg.Voice
	}
	ctx, cancel := context.WithTimeout(s.ctx, 45*time.Second)
	defer cancel()
	ctx, span := s.tracer.Start(ctx, "tts.synthesize", trace.WithAttributes(
		attribute.String("session_id", req.SessionID),
		attribute.String("voice", voice),
		attribute.Int("chars", len(req.Text)),
	))
	defer span.End()

	chunks, errs := s.synth.Synthesize(ctx, SynthRequest{SessionID: req.SessionID, Text: req.Text, Voice: voice})
	sequence := 0
	var synthErr error
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			chunk.Sequence = sequence
			sequence++
			s.publishChunk(req, chunk)
		case err, ok := <-errs:
			if ok && err != nil {
				synthErr = err
			}
			if !ok {
				errs = nil
			}
		case <-ctx.Done():
			synthErr = ctx.Err()
			chunks, errs = nil, nil
		}
	}

	status := protocol.TTSStatus{SessionID: req.SessionID, Target: req.Target, Completed: synthErr == nil, Timestamp: time.Now().UTC()}
	if synthErr != nil {
		span.RecordError(synthErr)
		span.SetStatus(codes.Error, synthErr.Error())
		status.Error = synthErr.Error()
		s.logger.Warn("tts synthesis error", slogError(synthErr), slog.String("session_id", req.SessionID))
	}
	if err := s.bus.PublishJSON(protocol.SubjectTTSDone, status); err != nil {
		s.logger.Warn("failed to publish tts status", slogError(err))
	}
}

func (s *Service) publishChunk(req protocol.TTSRequest, chunk SynthChunk) {
	packet := protocol.AudioChunk{
		SessionID:  req.SessionID,
		Target:     req.Target,
		SampleRate: chunk.SampleRate,
		Channels:   chunk.Channels,
		Sequence:   chunk.Sequence,
		PCM:        chunk.PCM,
		Final:      chunk.Final,
	}
	if err := s.bus.PublishJSON(protocol.SubjectTTSAudio, packet); err != nil {
		s.logger.Warn("failed to publish tts chunk", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
