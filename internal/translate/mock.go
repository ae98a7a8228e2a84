package translate

import (
	"context"
	"strings"
	"time"
)

type mockTranslator struct{}

func NewMockTranslator() Translator { return &mockTranslator{} }

func (m *mockTranslator) Translate(ctx context.Context, text, _, target string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(5 * time.Millisecond):
	}
	return "[" + target + "] " + strings.TrimSpace(text), nil
}
