package stt

import (
	"context"
	"fmt"
	"time"
)

type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, pcm []byte, sampleRate int, channels int, _ bool) (TranscriptResult, error) {
	if len(pcm) == 0 {
		return TranscriptResult{}, nil
	}
	var d time.Duration
	if sampleRate > 0 && channels > 0 {
		d = time.Duration(len(pcm)/(2*channels)) * time.Second / time.Duration(sampleRate)
	}
	return TranscriptResult{
		Text:       fmt.Sprintf("[speech %s]", d.Round(time.Millisecond)),
		Confidence: 0,
	}, nil
}
