package router

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
)

const inboxSize = 1024

// Service sequences the pipeline: final transcripts become translation
// requests and translations become speech requests.
type Service struct {
	cfg          config.RouterConfig
	capture      config.CaptureConfig
	nativeSpeech bool
	bus          *bus.Client
	logger       *slog.Logger

	inbox chan *nats.Msg
	subs  []*nats.Subscription

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	ready  atomic.Bool

	// sessions is only touched by the run goroutine.
	sessions map[string]*sessionState
}

type sessionState struct {
	SourceLanguage string
	TargetLanguage string
	Voice          string
	Mode           string

	// A stopped session is kept until its recognizer has drained and every
	// routed transcript has come back translated.
	stopped bool
	drained bool
	pending int
}

// NewService builds the router. nativeSpeech reports that the streaming
// endpoint already speaks for native sessions, so their translations are not
// sent to synthesis again.
func NewService(parent context.Context, cfg config.RouterConfig, capture config.CaptureConfig, nativeSpeech bool, busClient *bus.Client, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:          cfg,
		capture:      capture,
		nativeSpeech: nativeSpeech,
		bus:          busClient,
		logger:       logger.With(slog.String("component", "router")),
		inbox:        make(chan *nats.Msg, inboxSize),
		ctx:          ctx,
		cancel:       cancel,
		sessions:     make(map[string]*sessionState),
	}
}

// Start subscribes every routed subject onto one channel so session events,
// transcripts and translations are handled in the order they were published.
func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	for _, subject := range []string{
		protocol.SubjectSessionPrefix + ".*",
		protocol.SubjectTranscriptFinal,
		protocol.SubjectTranscriptDrained,
		protocol.SubjectTranslateText,
	} {
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
			s.route(msg)
		}
	}
}

func (s *Service) route(msg *nats.Msg) {
	switch msg.Subject {
	case protocol.SubjectSessionStarted:
		var ev protocol.SessionEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			s.logger.Warn("router failed to decode session event", slogError(err))
			return
		}
		// A new session replaces the previous one; late translations for the old
		// session fall back to default voices.
		s.sessions = map[string]*sessionState{
			ev.SessionID: {
				SourceLanguage: ev.SourceLanguage,
				TargetLanguage: ev.TargetLanguage,
				Voice:          ev.Voice,
				Mode:           ev.Mode,
			},
		}
	case protocol.SubjectSessionStopped:
		var ev protocol.SessionEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			s.logger.Warn("router failed to decode session event", slogError(err))
			return
		}
		if state, ok := s.sessions[ev.SessionID]; ok {
			state.stopped = true
			// Hybrid transcripts come from the client and are all published
			// before the stop.
			state.drained = state.drained || state.Mode == "hybrid"
			s.release(ev.SessionID, state)
		}
	case protocol.SubjectTranscriptDrained:
		var drained protocol.TranscriptsDrained
		if err := json.Unmarshal(msg.Data, &drained); err != nil {
			s.logger.Warn("router failed to decode drain marker", slogError(err))
			return
		}
		if state, ok := s.sessions[drained.SessionID]; ok {
			state.drained = true
			s.release(drained.SessionID, state)
		}
	case protocol.SubjectTranscriptFinal:
		var transcript protocol.Transcript
		if err := json.Unmarshal(msg.Data, &transcript); err != nil {
			s.logger.Warn("router failed to decode transcript", slogError(err))
			return
		}
		s.handleTranscript(transcript)
	case protocol.SubjectTranslateText:
		var translation protocol.Translation
		if err := json.Unmarshal(msg.Data, &translation); err != nil {
			s.logger.Warn("router failed to decode translation", slogError(err))
			return
		}
		s.handleTranslation(translation)
	}
}

func (s *Service) handleTranscript(transcript protocol.Transcript) {
	text := strings.TrimSpace(transcript.Text)
	if text == "" {
		return
	}
	source, target := s.capture.DefaultSourceLang, s.capture.DefaultTargetLang
	state, known := s.sessions[transcript.SessionID]
	if known {
		source = coalesce(state.SourceLanguage, source)
		target = coalesce(state.TargetLanguage, target)
	}

	req := protocol.TranslationRequest{
		SessionID:      transcript.SessionID,
		Sequence:       transcript.Sequence,
		Text:           text,
		SourceLanguage: source,
		TargetLanguage: target,
		Timestamp:      time.Now().UTC(),
	}
	if err := s.bus.PublishJSON(protocol.SubjectTranslateRequest, req); err != nil {
		s.logger.Warn("router failed to publish translate request", slogError(err))
		return
	}
	if known {
		state.pending++
	}
}

func (s *Service) handleTranslation(translation protocol.Translation) {
	state, known := s.sessions[translation.SessionID]
	if !known {
		state = &sessionState{}
	} else {
		if state.pending > 0 {
			state.pending--
		}
		defer s.release(translation.SessionID, state)
	}

	if !s.cfg.Speak {
		return
	}
	text := strings.TrimSpace(translation.TranslatedText)
	if text == "" {
		return
	}
	if known && state.Mode == "native" && s.nativeSpeech {
		return
	}

	req := protocol.TTSRequest{
		SessionID: translation.SessionID,
		Sequence:  translation.Sequence,
		Text:      text,
		Voice:     s.voiceFor(state, translation.TargetLanguage),
		Target:    s.cfg.Target,
	}
	if err := s.bus.PublishJSON(protocol.SubjectTTSRequest, req); err != nil {
		s.logger.Warn("router failed to publish tts request", slogError(err))
	}
}

// release forgets a stopped session once nothing more can be routed for it.
func (s *Service) release(sessionID string, state *sessionState) {
	if state.stopped && state.drained && state.pending == 0 {
		delete(s.sessions, sessionID)
	}
}

// voiceFor picks the session voice, then the configured voice for the target
// language (exact tag first, then its primary subtag), then the default.
func (s *Service) voiceFor(state *sessionState, target string) string {
	if state.Voice != "" {
		return state.Voice
	}
	if v, ok := s.cfg.Voices[target]; ok && v != "" {
		return v
	}
	if i := strings.IndexAny(target, "-_"); i > 0 {
		if v, ok := s.cfg.Voices[target[:i]]; ok && v != "" {
			return v
		}
	}
	return s.cfg.DefaultVoice
}

func coalesce(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
