package protocol

import "time"

// SessionEvent announces the start or teardown of a capture session.
type SessionEvent struct {
	SessionID      string    `json:"session_id"`
	Source         string    `json:"source"`
	DeviceID       string    `json:"device_id"`
	Mode           string    `json:"mode"`
	SourceLanguage string    `json:"source_language"`
	TargetLanguage string    `json:"target_language"`
	Voice          string    `json:"voice,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// AudioFrame represents PCM16LE audio captured by a client.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript represents recognized speech, published in capture order.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Sequence   int       `json:"sequence"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// TranscriptsDrained marks that a recognizer has published every transcript
// it will ever publish for a stopped session.
type TranscriptsDrained struct {
	SessionID string    `json:"session_id"`
	Mode      string    `json:"mode"`
	Timestamp time.Time `json:"timestamp"`
}

// TranslationRequest asks the translate service to translate one transcript.
type TranslationRequest struct {
	SessionID      string    `json:"session_id"`
	Sequence       int       `json:"sequence"`
	Text           string    `json:"text"`
	SourceLanguage string    `json:"source_language"`
	TargetLanguage string    `json:"target_language"`
	Timestamp      time.Time `json:"timestamp"`
}

// Translation is the translate service output. Fallback marks an echo of the
// source text after a translation failure.
type Translation struct {
	SessionID      string    `json:"session_id"`
	Sequence       int       `json:"sequence"`
	SourceText     string    `json:"source_text"`
	TranslatedText string    `json:"translated_text"`
	SourceLanguage string    `json:"source_language"`
	TargetLanguage string    `json:"target_language"`
	Fallback       bool      `json:"fallback,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// TTSRequest asks the speech service to speak text.
type TTSRequest struct {
	SessionID string `json:"session_id"`
	Sequence  int    `json:"sequence"`
	Text      string `json:"text"`
	Voice     string `json:"voice"`
	Target    string `json:"target"`
}

// AudioChunk carries synthesized PCM back to playback targets.
type AudioChunk struct {
	SessionID  string `json:"session_id"`
	Target     string `json:"target"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// TTSStatus reports completion of a synthesis request.
type TTSStatus struct {
	SessionID string    `json:"session_id"`
	Target    string    `json:"target"`
	Completed bool      `json:"completed"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectSessionStarted    = "session.started"
	SubjectSessionStopped    = "session.stopped"
	SubjectSessionPrefix     = "session"
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectAudioNativePrefix = "audio.native"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectTranscriptDrained = "stt.drained"
	SubjectTranslateRequest  = "translate.request"
	SubjectTranslateText     = "translate.text"
	SubjectTTSRequest        = "tts.request"
	SubjectTTSAudio          = "tts.audio"
	SubjectTTSDone           = "tts.done"
)

// AudioFrameSubject returns the chunked pipeline subject for a session.
func AudioFrameSubject(sessionID string) string {
	return SubjectAudioFramePrefix + "." + sessionID
}

// AudioNativeSubject returns the streaming pipeline subject for a session.
func AudioNativeSubject(sessionID string) string {
	return SubjectAudioNativePrefix + "." + sessionID
}
