package stt

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-interpreter/internal/config"
)

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts STT backends. Implementations must be safe for
// concurrent use; segments of one session are transcribed in parallel.
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error)
}

// NewRecognizer builds the backend selected by cfg.Mode.
func NewRecognizer(cfg config.STTConfig, log *slog.Logger) (Recognizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockRecognizer(), nil
	case "exec":
		return NewExecRecognizer(cfg)
	case "http":
		return NewHTTPRecognizer(cfg, log)
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}
