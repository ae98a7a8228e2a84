package tts

import (
	"context"
	"time"
)

// mockSynth produces silence, roughly 60ms per character, split into chunks.
type mockSynth struct {
	sampleRate int
	channels   int
	chunk      time.Duration
}

const mockPerChar = 60 * time.Millisecond

func NewMockSynth(sampleRate, channels int, chunk time.Duration) Synthesizer {
	if chunk <= 0 {
		chunk = 400 * time.Millisecond
	}
	return &mockSynth{sampleRate: sampleRate, channels: channels, chunk: chunk}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		bytesPerSecond := m.sampleRate * m.channels * 2
		remaining := int(time.Duration(len([]rune(req.Text))) * mockPerChar * time.Duration(bytesPerSecond) / time.Second)
		chunkBytes := int(m.chunk * time.Duration(bytesPerSecond) / time.Second)
		chunkBytes -= chunkBytes % (2 * m.channels)
		if chunkBytes <= 0 {
			chunkBytes = 2 * m.channels
		}

		sequence := 0
		for {
			n := chunkBytes
			if remaining < n {
				n = remaining - remaining%(2*m.channels)
			}
			remaining -= n
			final := remaining < 2*m.channels
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case chunks <- SynthChunk{
				SessionID:  req.SessionID,
				Sequence:   sequence,
				SampleRate: m.sampleRate,
				Channels:   m.channels,
				PCM:        make([]byte, n),
				Final:      final,
			}:
			}
			sequence++
			if final {
				return
			}
		}
	}()
	return chunks, errs
}
