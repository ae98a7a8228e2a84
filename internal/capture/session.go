// Package capture coordinates the single active capture session: source and
// device selection, pipeline mode, reconnection and teardown.
package capture

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-interpreter/internal/config"
)

type Source string

const (
	SourceMicrophone Source = "microphone"
	SourceTab        Source = "tab"
	SourceWindow     Source = "window"
	SourceSystem     Source = "system"
	SourceConference Source = "conference"
)

// ParseSource validates a source kind name.
func ParseSource(name string) (Source, error) {
	switch s := Source(strings.ToLower(strings.TrimSpace(name))); s {
	case SourceMicrophone, SourceTab, SourceWindow, SourceSystem, SourceConference:
		return s, nil
	default:
		return "", fmt.Errorf("unknown capture source %q", name)
	}
}

// Mode is the pipeline a session's input flows through.
type Mode string

const (
	// ModeHybrid: the client recognizes speech locally and sends text.
	ModeHybrid Mode = "hybrid"
	// ModeChunked: audio is sliced into segments and transcribed remotely.
	ModeChunked Mode = "chunked"
	// ModeNative: raw audio is streamed to a remote session.
	ModeNative Mode = "native"
)

type State string

const (
	StateIdle         State = "idle"
	StateActive       State = "active"
	StateReconnecting State = "reconnecting"
)

const DefaultDevice = "default"

var (
	ErrNoSession       = errors.New("no active capture session")
	ErrSessionMismatch = errors.New("session is not the active capture session")
	ErrWrongMode       = errors.New("input not accepted in this pipeline mode")
)

type StartRequest struct {
	Source           string `json:"source"`
	DeviceID         string `json:"device_id"`
	SourceLanguage   string `json:"source_language"`
	TargetLanguage   string `json:"target_language"`
	Voice            string `json:"voice"`
	LocalRecognition bool   `json:"local_recognition"`
}

// Session is a snapshot of the active capture session.
type Session struct {
	ID             string    `json:"session_id"`
	Source         Source    `json:"source"`
	DeviceID       string    `json:"device_id"`
	Mode           Mode      `json:"mode"`
	State          State     `json:"state"`
	SourceLanguage string    `json:"source_language"`
	TargetLanguage string    `json:"target_language"`
	Voice          string    `json:"voice,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	LastActivity   time.Time `json:"last_activity"`
	Frames         int       `json:"frames"`
	Transcripts    int       `json:"transcripts"`
	Reconnects     int       `json:"reconnects"`
}

// SelectMode picks the pipeline for a capture source.
func SelectMode(src Source, localRecognition bool, cfg config.CaptureConfig, streamEnabled bool) Mode {
	if cfg.ForceMode != "" {
		return Mode(cfg.ForceMode)
	}
	switch {
	case src == SourceMicrophone && localRecognition:
		return ModeHybrid
	case src == SourceConference && streamEnabled:
		return ModeNative
	default:
		return ModeChunked
	}
}
