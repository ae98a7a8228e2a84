package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/loqalabs/loqa-interpreter/internal/bus"
	"github.com/loqalabs/loqa-interpreter/internal/chunker"
	"github.com/loqalabs/loqa-interpreter/internal/config"
	"github.com/loqalabs/loqa-interpreter/internal/protocol"
	"github.com/loqalabs/loqa-interpreter/internal/reorder"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	inboxSize = 1024
	// tombstones bounds how many ended session IDs are remembered.
	tombstones = 256
)

// Service turns chunked-pipeline audio frames into ordered final transcripts.
type Service struct {
	cfg        config.STTConfig
	capture    config.CaptureConfig
	bus        *bus.Client
	recognizer Recognizer
	logger     *slog.Logger
	tracer     trace.Tracer
	sem        chan struct{}

	segments metric.Int64Counter
	failures metric.Int64Counter
	latency  metric.Float64Histogram

	mu       sync.Mutex
	sessions map[string]*sessionState
	ended    *lru.Cache[string, struct{}]

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan *nats.Msg
	subs   []*nats.Subscription
	wg     sync.WaitGroup
	ready  atomic.Bool
}

type sessionState struct {
	id        string
	format    frameFormat
	segmenter *chunker.Segmenter
	order     *reorder.Buffer
	inflight  int
	closing   bool
}

func NewService(parent context.Context, cfg config.STTConfig, capture config.CaptureConfig, busClient *bus.Client, recognizer Recognizer, logger *slog.Logger) *Service {
	ended, _ := lru.New[string, struct{}](tombstones)
	ctx, cancel := context.WithCancel(parent)
	limit := cfg.MaxConcurrent
	if limit <= 0 {
		limit = 1
	}
	s := &Service{
		cfg:        cfg,
		capture:    capture,
		bus:        busClient,
		recognizer: recognizer,
		logger:     logger.With(slog.String("component", "stt-service")),
		tracer:     otel.Tracer("github.com/loqalabs/loqa-interpreter/stt"),
		sem:        make(chan struct{}, limit),
		sessions:   make(map[string]*sessionState),
		ended:      ended,
		ctx:        ctx,
		cancel:     cancel,
		inbox:      make(chan *nats.Msg, inboxSize),
	}
	if err := s.initMetrics(); err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return s
}

// Start subscribes to session lifecycle and audio frame subjects. Both feed a
// single channel so lifecycle events and frames are handled in publish order.
func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	subjects := []string{
		protocol.SubjectSessionPrefix + ".*",
		protocol.SubjectAudioFramePrefix + ".>",
	}
	for _, subject := range subjects {
		sub, err := s.bus.Conn().ChanSubscribe(subject, s.inbox)
		if err != nil {
			s.unsubscribe()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}

	s.wg.Add(1)
	go s.run()
	s.ready.Store(true)
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.unsubscribe()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready.Load()
}

func (s *Service) unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
}

func (s *Service) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.inbox:
			s.dispatch(msg)
		}
	}
}

func (s *Service) dispatch(msg *nats.Msg) {
	switch {
	case msg.Subject == protocol.SubjectSessionStarted:
		var ev protocol.SessionEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			s.logger.Warn("failed to decode session event", slogError(err))
			return
		}
		s.startSession(ev)
	case msg.Subject == protocol.SubjectSessionStopped:
		var ev protocol.SessionEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			s.logger.Warn("failed to decode session event", slogError(err))
			return
		}
		s.stopSession(ev)
	case strings.HasPrefix(msg.Subject, protocol.SubjectAudioFramePrefix+"."):
		var frame protocol.AudioFrame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			s.logger.Warn("failed to decode audio frame", slogError(err))
			return
		}
		s.handleFrame(frame)
	}
}

// startSession discards every other session: only one capture session exists at
// a time, and results still in flight for a replaced session are dropped.
// Tombstones of earlier sessions are kept so their late frames stay ignored.
func (s *Service) startSession(ev protocol.SessionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, state := range s.sessions {
		if id == ev.SessionID {
			continue
		}
		delete(s.sessions, id)
		s.ended.Add(id, struct{}{})
		if state.closing {
			s.publishDrained(id)
		}
	}
	s.logger.Debug("session reset", slog.String("session_id", ev.SessionID), slog.String("mode", ev.Mode))
}

// stopSession flushes the buffered tail and lets in-flight segments drain before
// the session state is discarded. The drain marker follows the last transcript.
func (s *Service) stopSession(ev protocol.SessionEvent) {
	s.mu.Lock()
	state := s.sessions[ev.SessionID]
	s.ended.Add(ev.SessionID, struct{}{})
	if state == nil {
		if ev.Mode == "" || ev.Mode == "chunked" {
			s.publishDrained(ev.SessionID)
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if seg, ok := state.segmenter.Flush(); ok {
		s.transcribe(state, seg)
	}

	s.mu.Lock()
	state.closing = true
	if state.inflight == 0 && s.sessions[ev.SessionID] == state {
		delete(s.sessions, ev.SessionID)
		s.publishDrained(ev.SessionID)
	}
	s.mu.Unlock()
	s.logger.Info("session closed", slog.String("session_id", ev.SessionID), slog.String("reason", ev.Reason))
}

type frameFormat struct {
	sampleRate int
	channels   int
}

func (s *Service) handleFrame(frame protocol.AudioFrame) {
	state, err := s.stateFor(frame)
	if err != nil {
		s.logger.Warn("dropping audio frame", slog.String("session_id", frame.SessionID), slogError(err))
		return
	}
	if state == nil {
		return
	}

	segments := state.segmenter.Write(frame.PCM)
	if frame.Final {
		if seg, ok := state.segmenter.Flush(); ok {
			segments = append(segments, seg)
		}
	}
	for _, seg := range segments {
		s.transcribe(state, seg)
	}
}

// stateFor returns the live state for the frame's session, creating it on the
// first frame. Frames for ended sessions yield nil.
func (s *Service) stateFor(frame protocol.AudioFrame) (*sessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended.Contains(frame.SessionID) {
		return nil, nil
	}
	if state := s.sessions[frame.SessionID]; state != nil {
		if state.closing {
			return nil, nil
		}
		return state, nil
	}

	sampleRate := frame.SampleRate
	if sampleRate <= 0 {
		sampleRate = s.capture.SampleRate
	}
	channels := frame.Channels
	if channels <= 0 {
		channels = s.capture.Channels
	}
	seg, err := chunker.New(chunker.Config{
		SampleRate:      sampleRate,
		Channels:        channels,
		SegmentDuration: time.Duration(s.capture.SegmentDurationMS) * time.Millisecond,
		MinSegment:      time.Duration(s.capture.MinSegmentMS) * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}
	id := frame.SessionID
	state := &sessionState{
		id:        id,
		format:    frameFormat{sampleRate: sampleRate, channels: channels},
		segmenter: seg,
	}
	state.order = reorder.New(func(sequence int, text string) {
		s.publishTranscript(id, sequence, text)
	})
	s.sessions[id] = state
	return state, nil
}

func (s *Service) transcribe(state *sessionState, seg chunker.Segment) {
	s.mu.Lock()
	state.inflight++
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		text := s.recognize(state.id, seg, state.format)
		s.complete(state, seg.Sequence, text)
	}()
}

// recognize transcribes one segment. Any failure degrades to an empty result so
// the ordering buffer never waits on a segment forever.
func (s *Service) recognize(sessionID string, seg chunker.Segment, format frameFormat) string {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-s.ctx.Done():
		return ""
	}

	timeout := time.Duration(s.cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	ctx, span := s.tracer.Start(ctx, "stt.transcribe", trace.WithAttributes(
		attribute.String("session_id", sessionID),
		attribute.Int("sequence", seg.Sequence),
		attribute.Int("bytes", len(seg.PCM)),
	))
	defer span.End()

	start := time.Now()
	result, err := s.recognizer.Transcribe(ctx, seg.PCM, format.sampleRate, format.channels, seg.Final)
	if s.latency != nil {
		s.latency.Record(ctx, float64(time.Since(start).Milliseconds()))
	}
	if s.segments != nil {
		s.segments.Add(ctx, 1)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if s.failures != nil {
			s.failures.Add(ctx, 1)
		}
		s.logger.Warn("stt transcription failed",
			slog.String("session_id", sessionID),
			slog.Int("sequence", seg.Sequence),
			slogError(err))
		return ""
	}
	return strings.TrimSpace(result.Text)
}

func (s *Service) complete(state *sessionState, sequence int, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state.inflight--
	if s.sessions[state.id] != state {
		s.logger.Debug("discarding stale transcription", slog.String("session_id", state.id), slog.Int("sequence", sequence))
		return
	}
	state.order.Complete(sequence, text)
	if state.closing && state.inflight == 0 {
		delete(s.sessions, state.id)
		s.publishDrained(state.id)
	}
}

// publishDrained must be called with s.mu held so the marker is ordered after
// every transcript emitted by the ordering buffer.
func (s *Service) publishDrained(sessionID string) {
	msg := protocol.TranscriptsDrained{
		SessionID: sessionID,
		Mode:      "chunked",
		Timestamp: time.Now().UTC(),
	}
	if err := s.bus.PublishJSON(protocol.SubjectTranscriptDrained, msg); err != nil {
		s.logger.Warn("failed to publish drain marker", slogError(err))
	}
}

func (s *Service) publishTranscript(sessionID string, sequence int, text string) {
	if text == "" {
		return
	}
	msg := protocol.Transcript{
		SessionID: sessionID,
		Sequence:  sequence,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
	if err := s.bus.PublishJSON(protocol.SubjectTranscriptFinal, msg); err != nil {
		s.logger.Warn("failed to publish transcript", slogError(err))
	}
}

func (s *Service) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-interpreter/stt")
	segments, err := meter.Int64Counter("loqa.stt.segments", metric.WithDescription("Segments submitted for transcription"))
	if err != nil {
		return err
	}
	failures, err := meter.Int64Counter("loqa.stt.failures", metric.WithDescription("Segments whose transcription failed"))
	if err != nil {
		return err
	}
	latency, err := meter.Float64Histogram("loqa.stt.latency", metric.WithUnit("ms"), metric.WithDescription("Transcription latency per segment"))
	if err != nil {
		return err
	}
	s.segments = segments
	s.failures = failures
	s.latency = latency
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
