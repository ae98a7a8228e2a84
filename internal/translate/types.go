package translate

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-interpreter/internal/config"
)

// Translator defines a pluggable translation backend.
type Translator interface {
	Translate(ctx context.Context, text, source, target string) (string, error)
}

// NewTranslator builds the backend selected by cfg.Mode.
func NewTranslator(cfg config.TranslateConfig) (Translator, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockTranslator(), nil
	case "http":
		return NewHTTPTranslator(cfg.Endpoint, cfg.APIKey, time.Duration(cfg.TimeoutMS)*time.Millisecond), nil
	case "exec":
		return NewExecTranslator(cfg.Command)
	default:
		return nil, fmt.Errorf("unknown translate mode %q", cfg.Mode)
	}
}
