package router

import (
	"context"
	"testing"
	"time"

	"github.com/loqalabs/loqa-interpreter/internal/bus"
	"github.com/loqalabs/loqa-interpreter/internal/bustest"
	"github.com/loqalabs/loqa-interpreter/internal/config"
	"github.com/loqalabs/loqa-interpreter/internal/protocol"
)

func startRouter(t *testing.T, client *bus.Client, mutate func(*config.RouterConfig), nativeSpeech bool) {
	t.Helper()
	cfg := config.Default().Router
	cfg.Voices = map[string]string{"fr": "fr-FR-Denise", "pt-BR": "pt-BR-Francisca"}
	if mutate != nil {
		mutate(&cfg)
	}
	svc := NewService(context.Background(), cfg, config.Default().Capture, nativeSpeech, client, bustest.Logger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)
}

func TestRoutesTranscriptWithSessionLanguages(t *testing.T) {
	client := bustest.Start(t)
	startRouter(t, client, nil, false)
	requests := bustest.Collect(t, client, protocol.SubjectTranslateRequest)

	bustest.Publish(t, client, protocol.SubjectSessionStarted, protocol.SessionEvent{
		SessionID: "s1", Mode: "chunked", SourceLanguage: "de", TargetLanguage: "fr",
	})
	bustest.Publish(t, client, protocol.SubjectTranscriptFinal, protocol.Transcript{SessionID: "s1", Sequence: 3, Text: " guten Tag "})

	var req protocol.TranslationRequest
	bustest.Next(t, requests, &req, 2*time.Second)
	if req.Text != "guten Tag" || req.SourceLanguage != "de" || req.TargetLanguage != "fr" || req.Sequence != 3 {
		t.Fatalf("unexpected request %+v", req)
	}
}

func TestUnknownSessionUsesDefaultLanguages(t *testing.T) {
	client := bustest.Start(t)
	startRouter(t, client, nil, false)
	requests := bustest.Collect(t, client, protocol.SubjectTranslateRequest)

	bustest.Publish(t, client, protocol.SubjectTranscriptFinal, protocol.Transcript{SessionID: "x", Text: "hello"})
	var req protocol.TranslationRequest
	bustest.Next(t, requests, &req, 2*time.Second)
	if req.SourceLanguage != "en" || req.TargetLanguage != "es" {
		t.Fatalf("expected default languages, got %+v", req)
	}
}

func TestSkipsEmptyTranscripts(t *testing.T) {
	client := bustest.Start(t)
	startRouter(t, client, nil, false)
	requests := bustest.Collect(t, client, protocol.SubjectTranslateRequest)

	bustest.Publish(t, client, protocol.SubjectTranscriptFinal, protocol.Transcript{SessionID: "x", Text: "  "})
	bustest.ExpectNone(t, requests, 150*time.Millisecond)
}

func TestRoutesTranslationToSpeech(t *testing.T) {
	client := bustest.Start(t)
	startRouter(t, client, nil, false)
	speech := bustest.Collect(t, client, protocol.SubjectTTSRequest)

	cases := []struct {
		voice  string
		target string
		want   string
	}{
		{"", "fr", "fr-FR-Denise"},
		{"", "pt-BR", "pt-BR-Francisca"},
		{"", "fr-CA", "fr-FR-Denise"},
		{"", "ja", "es-ES"},
		{"custom-voice", "fr", "custom-voice"},
	}
	for _, tc := range cases {
		bustest.Publish(t, client, protocol.SubjectSessionStarted, protocol.SessionEvent{
			SessionID: "s", Mode: "chunked", TargetLanguage: tc.target, Voice: tc.voice,
		})
		bustest.Publish(t, client, protocol.SubjectTranslateText, protocol.Translation{
			SessionID: "s", Sequence: 1, TranslatedText: "texte", TargetLanguage: tc.target,
		})
		var req protocol.TTSRequest
		bustest.Next(t, speech, &req, 2*time.Second)
		if req.Voice != tc.want || req.Text != "texte" || req.Target != "default" {
			t.Fatalf("target %s voice %q: unexpected request %+v", tc.target, tc.voice, req)
		}
	}
}

func TestNativeSessionsSpeakRemotely(t *testing.T) {
	client := bustest.Start(t)
	startRouter(t, client, nil, true)
	speech := bustest.Collect(t, client, protocol.SubjectTTSRequest)

	bustest.Publish(t, client, protocol.SubjectSessionStarted, protocol.SessionEvent{SessionID: "n", Mode: "native"})
	bustest.Publish(t, client, protocol.SubjectTranslateText, protocol.Translation{SessionID: "n", TranslatedText: "hola"})
	bustest.ExpectNone(t, speech, 150*time.Millisecond)
}

func TestSpeechDisabled(t *testing.T) {
	client := bustest.Start(t)
	startRouter(t, client, func(c *config.RouterConfig) { c.Speak = false }, false)
	speech := bustest.Collect(t, client, protocol.SubjectTTSRequest)

	bustest.Publish(t, client, protocol.SubjectTranslateText, protocol.Translation{SessionID: "s", TranslatedText: "hola"})
	bustest.ExpectNone(t, speech, 150*time.Millisecond)
}

func TestStoppedSessionKeepsVoiceUntilTailTranslated(t *testing.T) {
	client := bustest.Start(t)
	startRouter(t, client, nil, false)
	requests := bustest.Collect(t, client, protocol.SubjectTranslateRequest)
	speech := bustest.Collect(t, client, protocol.SubjectTTSRequest)

	const id = "tail"
	bustest.Publish(t, client, protocol.SubjectSessionStarted, protocol.SessionEvent{
		SessionID: id, Mode: "chunked", SourceLanguage: "de", TargetLanguage: "ja", Voice: "ja-JP-Nanami",
	})
	bustest.Publish(t, client, protocol.SubjectTranscriptFinal, protocol.Transcript{SessionID: id, Sequence: 0, Text: "letzter Satz"})
	bustest.Publish(t, client, protocol.SubjectSessionStopped, protocol.SessionEvent{SessionID: id, Mode: "chunked"})
	bustest.Publish(t, client, protocol.SubjectTranscriptDrained, protocol.TranscriptsDrained{SessionID: id, Mode: "chunked"})

	var req protocol.TranslationRequest
	bustest.Next(t, requests, &req, 2*time.Second)
	if req.TargetLanguage != "ja" {
		t.Fatalf("unexpected request %+v", req)
	}

	// The tail translation arrives after the stop and still uses the session voice.
	bustest.Publish(t, client, protocol.SubjectTranslateText, protocol.Translation{
		SessionID: id, Sequence: 0, TranslatedText: "最後の文", TargetLanguage: "ja",
	})
	var tts protocol.TTSRequest
	bustest.Next(t, speech, &tts, 2*time.Second)
	if tts.Voice != "ja-JP-Nanami" {
		t.Fatalf("expected session voice for the tail, got %+v", tts)
	}

	// After the tail the session is forgotten and defaults apply.
	bustest.Publish(t, client, protocol.SubjectTranslateText, protocol.Translation{
		SessionID: id, Sequence: 1, TranslatedText: "おまけ", TargetLanguage: "ja",
	})
	bustest.Next(t, speech, &tts, 2*time.Second)
	if tts.Voice != "es-ES" {
		t.Fatalf("expected default voice once the session is released, got %+v", tts)
	}
}
