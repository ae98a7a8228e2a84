package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-interpreter/internal/protocol"
	"github.com/nats-io/nats.go"
)

const (
	inboxSize           = 1024
	defaultDrainTimeout = 15 * time.Second
)

// Pipeline describes the stages behind the gateway so it can tell when a
// stopped session has nothing left to deliver.
type Pipeline struct {
	// Chunked and Native report that a recognizer publishes drain markers for
	// sessions in that mode.
	Chunked bool
	Native  bool
	// Translate reports that every transcript comes back translated.
	Translate bool
	// Speak reports that translations are synthesized; NativeSpeech that the
	// streaming endpoint speaks for native sessions itself.
	Speak        bool
	NativeSpeech bool
	DrainTimeout time.Duration
}

// progress tracks what a session still owes its clients. Only the run
// goroutine touches it.
type progress struct {
	mode         string
	reason       string
	stopped      bool
	drained      bool
	translations int
	speech       int
	timer        *time.Timer
}

func (s *Server) subscribeEvents() error {
	for _, subject := range []string{
		protocol.SubjectSessionPrefix + ".*",
		protocol.SubjectTranscriptFinal,
		protocol.SubjectTranscriptDrained,
		protocol.SubjectTranslateText,
		protocol.SubjectTTSAudio,
		protocol.SubjectTTSDone,
	} {
		sub, err := s.bus.Conn().ChanSubscribe(subject, s.inbox)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	s.wg.Add(1)
	go s.run()
	return nil
}

// run relays pipeline events in publish order, so a session's done message
// always follows its last transcript, translation and audio.
func (s *Server) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			for _, p := range s.sessions {
				if p.timer != nil {
					p.timer.Stop()
				}
			}
			return
		case msg := <-s.inbox:
			s.dispatch(msg)
		case id := <-s.expired:
			if p, ok := s.sessions[id]; ok {
				s.logger.Warn("session drain timed out",
					slog.String("session_id", id),
					slog.Bool("drained", p.drained),
					slog.Int("translations", p.translations),
					slog.Int("speech", p.speech))
				s.finish(id, p)
			}
		}
	}
}

func (s *Server) decode(msg *nats.Msg, v any) bool {
	if err := json.Unmarshal(msg.Data, v); err != nil {
		s.logger.Warn("gateway failed to decode event", slog.String("subject", msg.Subject), slogError(err))
		return false
	}
	return true
}

func (s *Server) dispatch(msg *nats.Msg) {
	switch msg.Subject {
	case protocol.SubjectSessionStarted:
		var ev protocol.SessionEvent
		if s.decode(msg, &ev) {
			s.onSessionStarted(ev)
		}
	case protocol.SubjectSessionStopped:
		var ev protocol.SessionEvent
		if s.decode(msg, &ev) {
			s.onSessionStopped(ev)
		}
	case protocol.SubjectTranscriptFinal:
		var t protocol.Transcript
		if s.decode(msg, &t) {
			s.onTranscript(t)
		}
	case protocol.SubjectTranscriptDrained:
		var d protocol.TranscriptsDrained
		if s.decode(msg, &d) {
			if p, ok := s.sessions[d.SessionID]; ok {
				p.drained = true
				s.settle(d.SessionID, p)
			}
		}
	case protocol.SubjectTranslateText:
		var t protocol.Translation
		if s.decode(msg, &t) {
			s.onTranslation(t)
		}
	case protocol.SubjectTTSAudio:
		var chunk protocol.AudioChunk
		if s.decode(msg, &chunk) {
			s.broadcast(chunk.SessionID, serverMessage{
				Type:       "audio",
				Sequence:   chunk.Sequence,
				PCM:        chunk.PCM,
				SampleRate: chunk.SampleRate,
				Channels:   chunk.Channels,
				Final:      chunk.Final,
			})
		}
	case protocol.SubjectTTSDone:
		var st protocol.TTSStatus
		if s.decode(msg, &st) {
			s.onSpeechDone(st)
		}
	}
}

// onSessionStarted forgets sessions that were replaced without a stop; stopped
// ones keep draining.
func (s *Server) onSessionStarted(ev protocol.SessionEvent) {
	for id, p := range s.sessions {
		if !p.stopped {
			delete(s.sessions, id)
		}
	}
	s.sessions[ev.SessionID] = &progress{mode: ev.Mode}
}

func (s *Server) onSessionStopped(ev protocol.SessionEvent) {
	p, ok := s.sessions[ev.SessionID]
	if !ok {
		p = &progress{mode: ev.Mode}
		s.sessions[ev.SessionID] = p
	}
	if p.stopped {
		return
	}
	p.stopped = true
	p.reason = ev.Reason
	if !s.drains(p.mode) {
		p.drained = true
	}

	id := ev.SessionID
	p.timer = time.AfterFunc(s.drainTimeout(), func() {
		select {
		case s.expired <- id:
		case <-s.ctx.Done():
		}
	})
	s.settle(id, p)
}

func (s *Server) drainTimeout() time.Duration {
	if s.pipeline.DrainTimeout <= 0 {
		return defaultDrainTimeout
	}
	return s.pipeline.DrainTimeout
}

// drains reports whether a drain marker will follow the stop for mode. Hybrid
// transcripts come from the client and are all published before the stop.
func (s *Server) drains(mode string) bool {
	switch mode {
	case "chunked", "":
		return s.pipeline.Chunked
	case "native":
		return s.pipeline.Native
	default:
		return false
	}
}

func (s *Server) onTranscript(t protocol.Transcript) {
	s.broadcast(t.SessionID, serverMessage{Type: "transcript", Sequence: t.Sequence, Text: t.Text, Final: !t.Partial})
	if p, ok := s.sessions[t.SessionID]; ok && s.pipeline.Translate && strings.TrimSpace(t.Text) != "" {
		p.translations++
	}
}

func (s *Server) onTranslation(t protocol.Translation) {
	s.broadcast(t.SessionID, serverMessage{
		Type:           "translation",
		Sequence:       t.Sequence,
		Text:           t.TranslatedText,
		SourceText:     t.SourceText,
		SourceLanguage: t.SourceLanguage,
		TargetLanguage: t.TargetLanguage,
		Fallback:       t.Fallback,
	})
	p, ok := s.sessions[t.SessionID]
	if !ok {
		return
	}
	if p.translations > 0 {
		p.translations--
	}
	if s.pipeline.Speak && strings.TrimSpace(t.TranslatedText) != "" && !(p.mode == "native" && s.pipeline.NativeSpeech) {
		p.speech++
	}
	s.settle(t.SessionID, p)
}

// onSpeechDone only surfaces failures to clients; completed speech is implied
// by the final audio chunk.
func (s *Server) onSpeechDone(st protocol.TTSStatus) {
	if st.Error != "" {
		s.broadcast(st.SessionID, serverMessage{Type: "error", Message: "speech failed: " + st.Error})
	}
	if p, ok := s.sessions[st.SessionID]; ok && p.speech > 0 {
		p.speech--
		s.settle(st.SessionID, p)
	}
}

func (s *Server) settle(id string, p *progress) {
	if p.stopped && p.drained && p.translations == 0 && p.speech == 0 {
		s.finish(id, p)
	}
}

func (s *Server) finish(id string, p *progress) {
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(s.sessions, id)
	s.broadcast(id, serverMessage{Type: "done", Reason: p.reason})
}
