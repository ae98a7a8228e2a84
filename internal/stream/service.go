package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-interpreter/internal/bus"
	"github.com/loqalabs/loqa-interpreter/internal/config"
	"github.com/loqalabs/loqa-interpreter/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	inboxSize     = 1024
	frameBacklog  = 256
	audioTarget   = "stream"
	writeDeadline = 5 * time.Second
)

// Service runs one remote streaming session per native-mode capture session.
// Final transcripts are published on the shared transcript subject so
// translation and speech are handled like every other mode.
type Service struct {
	cfg     config.StreamConfig
	capture config.CaptureConfig
	bus     *bus.Client
	logger  *slog.Logger

	reconnects metric.Int64Counter

	mu    sync.Mutex
	pipes map[string]*pipe

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan *nats.Msg
	subs   []*nats.Subscription
	wg     sync.WaitGroup
	ready  atomic.Bool
}

type pipe struct {
	event    protocol.SessionEvent
	frames   chan protocol.AudioFrame
	stop     chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc

	// retry holds a frame whose write failed; it is resent after reconnecting.
	retry    *protocol.AudioFrame
	textSeq  int
	audioSeq int
}

func (p *pipe) requestStop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func NewService(parent context.Context, cfg config.StreamConfig, capture config.CaptureConfig, busClient *bus.Client, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:     cfg,
		capture: capture,
		bus:     busClient,
		logger:  logger.With(slog.String("component", "stream-service")),
		pipes:   make(map[string]*pipe),
		ctx:     ctx,
		cancel:  cancel,
		inbox:   make(chan *nats.Msg, inboxSize),
	}
	counter, err := otel.Meter("github.com/loqalabs/loqa-interpreter/stream").Int64Counter(
		"loqa.stream.reconnects", metric.WithDescription("Remote streaming connections re-established"))
	if err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
	}
	s.reconnects = counter
	return s
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	subjects := []string{
		protocol.SubjectSessionPrefix + ".*",
		protocol.SubjectAudioNativePrefix + ".>",
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
		s.openPipe(ev)
	case msg.Subject == protocol.SubjectSessionStopped:
		var ev protocol.SessionEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			s.logger.Warn("failed to decode session event", slogError(err))
			return
		}
		s.closePipe(ev.SessionID)
	case strings.HasPrefix(msg.Subject, protocol.SubjectAudioNativePrefix+"."):
		var frame protocol.AudioFrame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			s.logger.Warn("failed to decode audio frame", slogError(err))
			return
		}
		s.forward(frame)
	}
}

// openPipe replaces any running pipe; only one capture session exists at a
// time. Non-native sessions just tear down what is running.
func (s *Service) openPipe(ev protocol.SessionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.pipes {
		p.cancel()
		delete(s.pipes, id)
	}
	if ev.Mode != "native" {
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	p := &pipe{
		event:  ev,
		frames: make(chan protocol.AudioFrame, frameBacklog),
		stop:   make(chan struct{}),
		cancel: cancel,
	}
	s.pipes[ev.SessionID] = p
	s.wg.Add(1)
	go s.runPipe(ctx, p)
}

// closePipe asks the remote to finish; trailing transcripts are still
// published until the remote reports done or the drain timeout passes.
func (s *Service) closePipe(sessionID string) {
	s.mu.Lock()
	p := s.pipes[sessionID]
	delete(s.pipes, sessionID)
	s.mu.Unlock()
	if p != nil {
		p.requestStop()
	}
}

func (s *Service) forget(p *pipe) {
	p.cancel()
	s.mu.Lock()
	if s.pipes[p.event.SessionID] == p {
		delete(s.pipes, p.event.SessionID)
	}
	s.mu.Unlock()
}

func (s *Service) forward(frame protocol.AudioFrame) {
	s.mu.Lock()
	p := s.pipes[frame.SessionID]
	s.mu.Unlock()
	if p == nil {
		return
	}
	select {
	case p.frames <- frame:
	default:
		s.logger.Warn("stream backlog full, dropping frame",
			slog.String("session_id", frame.SessionID),
			slog.Int("sequence", frame.Sequence))
	}
}

func (s *Service) runPipe(ctx context.Context, p *pipe) {
	defer s.wg.Done()
	defer s.publishDrained(p)
	defer s.forget(p)
	log := s.logger.With(slog.String("session_id", p.event.SessionID))

	drops := 0
	for {
		conn, err := s.connect(ctx, p, drops > 0)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("remote stream unavailable", slogError(err))
			}
			return
		}
		err = s.pump(ctx, p, conn)
		if err == nil || ctx.Err() != nil {
			log.Info("remote stream finished")
			return
		}
		drops++
		if drops > s.cfg.MaxReconnects {
			log.Error("remote stream dropped too often, giving up", slogError(err), slog.Int("drops", drops))
			return
		}
		log.Warn("remote stream dropped, reconnecting", slogError(err), slog.Int("drops", drops))
		if s.reconnects != nil {
			s.reconnects.Add(ctx, 1)
		}
	}
}

func (s *Service) connect(ctx context.Context, p *pipe, resume bool) (*websocket.Conn, error) {
	start := StartMessage{
		Type:           "start",
		SessionID:      p.event.SessionID,
		SourceLanguage: p.event.SourceLanguage,
		TargetLanguage: p.event.TargetLanguage,
		SampleRate:     s.capture.SampleRate,
		Channels:       s.capture.Channels,
		Speak:          s.cfg.Speak,
		Resume:         resume,
	}
	handshake := time.Duration(s.cfg.HandshakeTimeoutMS) * time.Millisecond

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Duration(s.cfg.ReconnectInitialMS) * time.Millisecond
	policy.MaxInterval = time.Duration(s.cfg.ReconnectMaxMS) * time.Millisecond

	return backoff.Retry(ctx, func() (*websocket.Conn, error) {
		return dial(ctx, s.cfg.Endpoint, s.cfg.APIKey, handshake, start)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(s.cfg.MaxReconnects+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Warn("stream dial failed", slogError(err), slog.Duration("backoff", next))
		}),
	)
}

// pump writes frames to conn until the session stops or the connection fails.
// A nil return means the remote session ended normally.
func (s *Service) pump(ctx context.Context, p *pipe, conn *websocket.Conn) error {
	readErr := make(chan error, 1)
	go func() { readErr <- s.read(p, conn) }()

	finish := func() {
		conn.Close()
		<-readErr
	}

	frames := p.frames
	stop := p.stop
	var drain <-chan time.Time
	if p.retry != nil {
		if err := s.write(conn, *p.retry); err != nil {
			finish()
			return err
		}
		if p.retry.Final {
			stop, frames = nil, nil
			drain = s.sendStop(conn)
		}
		p.retry = nil
	}
	for {
		select {
		case <-ctx.Done():
			finish()
			return nil
		case err := <-readErr:
			conn.Close()
			if drain != nil {
				return nil
			}
			return err
		case <-drain:
			finish()
			return nil
		case <-stop:
			stop, frames = nil, nil
			if err := s.flush(conn, p); err != nil {
				finish()
				return err
			}
			drain = s.sendStop(conn)
		case frame := <-frames:
			if err := s.write(conn, frame); err != nil {
				p.retry = &frame
				finish()
				return err
			}
			if frame.Final {
				stop, frames = nil, nil
				drain = s.sendStop(conn)
			}
		}
	}
}

// flush writes the frames still queued when the stop arrives. They were
// published before the stop, so the remote must see them first.
func (s *Service) flush(conn *websocket.Conn, p *pipe) error {
	for {
		select {
		case frame := <-p.frames:
			if err := s.write(conn, frame); err != nil {
				p.retry = &frame
				return err
			}
			if frame.Final {
				return nil
			}
		default:
			return nil
		}
	}
}

func (s *Service) write(conn *websocket.Conn, frame protocol.AudioFrame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := conn.WriteMessage(websocket.BinaryMessage, frame.PCM); err != nil {
		return fmt.Errorf("write audio frame %d: %w", frame.Sequence, err)
	}
	return nil
}

func (s *Service) sendStop(conn *websocket.Conn) <-chan time.Time {
	_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := conn.WriteJSON(controlMessage{Type: "stop"}); err != nil {
		s.logger.Debug("failed to send stop message", slogError(err))
	}
	wait := time.Duration(s.cfg.HandshakeTimeoutMS) * time.Millisecond
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return time.After(wait)
}

// read handles remote events until done (nil) or a connection failure.
func (s *Service) read(p *pipe, conn *websocket.Conn) error {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if kind == websocket.BinaryMessage {
			s.publishAudio(p, data, s.capture.SampleRate, s.capture.Channels)
			continue
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			s.logger.Warn("failed to decode stream event", slogError(err))
			continue
		}
		switch ev.Type {
		case EventTranscript:
			if ev.Final {
				s.publishTranscript(p, ev.Text)
			}
		case EventAudio:
			s.publishAudio(p, ev.Audio, ev.SampleRate, ev.Channels)
		case EventError:
			s.logger.Warn("remote stream reported error",
				slog.String("session_id", p.event.SessionID),
				slog.String("message", ev.Message))
		case EventDone:
			return nil
		}
	}
}

func (s *Service) publishTranscript(p *pipe, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	msg := protocol.Transcript{
		SessionID: p.event.SessionID,
		Sequence:  p.textSeq,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
	p.textSeq++
	if err := s.bus.PublishJSON(protocol.SubjectTranscriptFinal, msg); err != nil {
		s.logger.Warn("failed to publish transcript", slogError(err))
	}
}

// publishDrained runs after the reader has exited, so no transcript for the
// session can follow it.
func (s *Service) publishDrained(p *pipe) {
	if s.ctx.Err() != nil {
		return
	}
	msg := protocol.TranscriptsDrained{
		SessionID: p.event.SessionID,
		Mode:      "native",
		Timestamp: time.Now().UTC(),
	}
	if err := s.bus.PublishJSON(protocol.SubjectTranscriptDrained, msg); err != nil {
		s.logger.Warn("failed to publish drain marker", slogError(err))
	}
}

func (s *Service) publishAudio(p *pipe, pcm []byte, sampleRate, channels int) {
	if !s.cfg.Speak || len(pcm) == 0 {
		return
	}
	if sampleRate <= 0 {
		sampleRate = s.capture.SampleRate
	}
	if channels <= 0 {
		channels = s.capture.Channels
	}
	chunk := protocol.AudioChunk{
		SessionID:  p.event.SessionID,
		Target:     audioTarget,
		Sequence:   p.audioSeq,
		SampleRate: sampleRate,
		Channels:   channels,
		PCM:        pcm,
	}
	p.audioSeq++
	if err := s.bus.PublishJSON(protocol.SubjectTTSAudio, chunk); err != nil {
		s.logger.Warn("failed to publish stream audio", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
