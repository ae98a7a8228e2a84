package capture

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-interpreter/internal/config"
	"github.com/loqalabs/loqa-interpreter/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Publisher is the slice of the bus client the coordinator needs.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

type session struct {
	Session
	detachedAt time.Time
	frameSeq   int
	textSeq    int
}

// Coordinator owns the single capture session and publishes its lifecycle and
// input onto the bus.
type Coordinator struct {
	cfg           config.CaptureConfig
	streamEnabled bool
	pub           Publisher
	log           *slog.Logger
	clock         func() time.Time

	mu      sync.Mutex
	current *session

	meter      metric.Meter
	started    metric.Int64Counter
	reconnects metric.Int64Counter
}

func NewCoordinator(cfg config.CaptureConfig, streamEnabled bool, pub Publisher, log *slog.Logger) *Coordinator {
	c := &Coordinator{
		cfg:           cfg,
		streamEnabled: streamEnabled,
		pub:           pub,
		log:           log.With(slog.String("component", "capture")),
		clock:         time.Now,
		meter:         otel.Meter("github.com/loqalabs/loqa-interpreter/capture"),
	}
	if err := c.initMetrics(); err != nil {
		c.log.Warn("failed to initialize metrics", slogError(err))
	}
	return c
}

// Start begins a new capture session, tearing down any session already active.
func (c *Coordinator) Start(req StartRequest) (Session, error) {
	sourceName := req.Source
	if sourceName == "" {
		sourceName = c.cfg.DefaultSource
	}
	src, err := ParseSource(sourceName)
	if err != nil {
		return Session{}, err
	}
	device := strings.TrimSpace(req.DeviceID)
	if device == "" {
		device = DefaultDevice
	}
	localRecognition := req.LocalRecognition || c.cfg.LocalRecognition
	mode := SelectMode(src, localRecognition, c.cfg, c.streamEnabled)
	if mode == ModeNative && !c.streamEnabled {
		mode = ModeChunked
	}

	now := c.clock()
	next := &session{Session: Session{
		ID:             uuid.NewString(),
		Source:         src,
		DeviceID:       device,
		Mode:           mode,
		State:          StateActive,
		SourceLanguage: coalesce(req.SourceLanguage, c.cfg.DefaultSourceLang),
		TargetLanguage: coalesce(req.TargetLanguage, c.cfg.DefaultTargetLang),
		Voice:          req.Voice,
		StartedAt:      now,
		LastActivity:   now,
	}}

	// Lifecycle events are published under the lock so a concurrent Stop or
	// PushAudio cannot interleave with the replacement.
	c.mu.Lock()
	previous := c.current
	c.current = next
	if previous != nil {
		c.publishStopped(previous.Session, "replaced")
	}
	if err := c.pub.PublishJSON(protocol.SubjectSessionStarted, eventFor(next.Session, "")); err != nil {
		c.log.Warn("failed to publish session start", slogError(err))
	}
	c.mu.Unlock()
	if c.started != nil {
		c.started.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("source", string(src)),
			attribute.String("mode", string(mode)),
		))
	}
	c.log.Info("capture session started",
		slog.String("session_id", next.ID),
		slog.String("source", string(src)),
		slog.String("device_id", device),
		slog.String("mode", string(mode)))
	return next.Session, nil
}

// Stop tears down sessionID. An empty id stops whatever session is active.
func (c *Coordinator) Stop(sessionID, reason string) (Session, error) {
	c.mu.Lock()
	cur := c.current
	if cur == nil {
		c.mu.Unlock()
		return Session{}, ErrNoSession
	}
	if sessionID != "" && cur.ID != sessionID {
		c.mu.Unlock()
		return Session{}, ErrSessionMismatch
	}
	c.current = nil
	snapshot := cur.Session
	snapshot.State = StateIdle
	c.publishStopped(snapshot, reason)
	c.mu.Unlock()
	return snapshot, nil
}

// Current returns the active session, if any.
func (c *Coordinator) Current() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Session{}, false
	}
	return c.current.Session, true
}

// Detach marks the capture connection as dropped. The session survives for the
// reconnect grace period.
func (c *Coordinator) Detach(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.current
	if cur == nil || cur.ID != sessionID || cur.State != StateActive {
		return
	}
	cur.State = StateReconnecting
	cur.detachedAt = c.clock()
	c.log.Info("capture connection lost, awaiting reconnect", slog.String("session_id", sessionID))
}

// Resume reattaches a client to a session in the reconnecting (or active) state.
// Sequence numbering continues where it left off.
func (c *Coordinator) Resume(sessionID string) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.current
	if cur == nil {
		return Session{}, ErrNoSession
	}
	if cur.ID != sessionID {
		return Session{}, ErrSessionMismatch
	}
	if cur.State == StateReconnecting {
		cur.Reconnects++
		if c.reconnects != nil {
			c.reconnects.Add(context.Background(), 1)
		}
	}
	cur.State = StateActive
	cur.detachedAt = time.Time{}
	cur.LastActivity = c.clock()
	c.log.Info("capture session resumed", slog.String("session_id", sessionID), slog.Int("reconnects", cur.Reconnects))
	return cur.Session, nil
}

// PushAudio stamps a frame with its capture sequence and publishes it to the
// session's pipeline. Publishing happens under the lock so bus order matches
// sequence order.
func (c *Coordinator) PushAudio(sessionID string, pcm []byte, final bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, err := c.activeLocked(sessionID)
	if err != nil {
		return err
	}
	if cur.Mode == ModeHybrid {
		return ErrWrongMode
	}
	frame := protocol.AudioFrame{
		SessionID:  cur.ID,
		Sequence:   cur.frameSeq,
		SampleRate: c.cfg.SampleRate,
		Channels:   c.cfg.Channels,
		PCM:        pcm,
		Final:      final,
	}
	cur.frameSeq++
	cur.Frames++
	cur.LastActivity = c.clock()
	subject := protocol.AudioFrameSubject(cur.ID)
	if cur.Mode == ModeNative {
		subject = protocol.AudioNativeSubject(cur.ID)
	}
	return c.pub.PublishJSON(subject, frame)
}

// PushTranscript accepts locally recognized text (hybrid pipeline) and publishes
// it as a final transcript in arrival order.
func (c *Coordinator) PushTranscript(sessionID, text string) error {
	text = strings.TrimSpace(text)
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, err := c.activeLocked(sessionID)
	if err != nil {
		return err
	}
	if cur.Mode != ModeHybrid {
		return ErrWrongMode
	}
	cur.LastActivity = c.clock()
	if text == "" {
		return nil
	}
	msg := protocol.Transcript{
		SessionID: cur.ID,
		Sequence:  cur.textSeq,
		Text:      text,
		Timestamp: c.clock().UTC(),
	}
	cur.textSeq++
	cur.Transcripts++
	return c.pub.PublishJSON(protocol.SubjectTranscriptFinal, msg)
}

func (c *Coordinator) activeLocked(sessionID string) (*session, error) {
	cur := c.current
	if cur == nil {
		return nil, ErrNoSession
	}
	if cur.ID != sessionID {
		return nil, ErrSessionMismatch
	}
	return cur, nil
}

// Run evaluates reconnect deadlines and source stalls until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(c.cfg.WatchdogIntervalMS) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.evaluate()
		}
	}
}

func (c *Coordinator) evaluate() {
	grace := time.Duration(c.cfg.ReconnectGraceMS) * time.Millisecond
	now := c.clock()

	c.mu.Lock()
	cur := c.current
	if cur == nil {
		c.mu.Unlock()
		return
	}
	var reason string
	switch {
	case cur.State == StateReconnecting && now.Sub(cur.detachedAt) > grace:
		reason = "reconnect timeout"
	case cur.State == StateActive && cur.Mode != ModeHybrid && now.Sub(cur.LastActivity) > grace:
		// Hybrid clients only send text while someone speaks.
		reason = "source stalled"
	}
	if reason == "" {
		c.mu.Unlock()
		return
	}
	c.current = nil
	snapshot := cur.Session
	snapshot.State = StateIdle
	c.publishStopped(snapshot, reason)
	c.mu.Unlock()
}

func (c *Coordinator) publishStopped(s Session, reason string) {
	if err := c.pub.PublishJSON(protocol.SubjectSessionStopped, eventFor(s, reason)); err != nil {
		c.log.Warn("failed to publish session stop", slogError(err))
	}
	c.log.Info("capture session stopped", slog.String("session_id", s.ID), slog.String("reason", reason))
}

func (c *Coordinator) initMetrics() error {
	started, err := c.meter.Int64Counter("loqa.capture.sessions.started", metric.WithDescription("Capture sessions started"))
	if err != nil {
		return err
	}
	reconnects, err := c.meter.Int64Counter("loqa.capture.reconnects", metric.WithDescription("Capture connections resumed within the grace period"))
	if err != nil {
		return err
	}
	active, err := c.meter.Int64ObservableGauge("loqa.capture.sessions.active", metric.WithDescription("Active capture sessions"))
	if err != nil {
		return err
	}
	c.started = started
	c.reconnects = reconnects
	_, err = c.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		var n int64
		if _, ok := c.Current(); ok {
			n = 1
		}
		obs.ObserveInt64(active, n)
		return nil
	}, active)
	return err
}

func eventFor(s Session, reason string) protocol.SessionEvent {
	return protocol.SessionEvent{
		SessionID:      s.ID,
		Source:         string(s.Source),
		DeviceID:       s.DeviceID,
		Mode:           string(s.Mode),
		SourceLanguage: s.SourceLanguage,
		TargetLanguage: s.TargetLanguage,
		Voice:          s.Voice,
		Reason:         reason,
		Timestamp:      time.Now().UTC(),
	}
}

func coalesce(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
