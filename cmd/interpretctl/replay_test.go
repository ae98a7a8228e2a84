package main

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-interpreter/internal/protocol"
)

type recorder struct {
	mu       sync.Mutex
	subjects []string
	frames   []protocol.AudioFrame
}

func (r *recorder) PublishJSON(subject string, v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, subject)
	if frame, ok := v.(protocol.AudioFrame); ok {
		r.frames = append(r.frames, frame)
	}
	return nil
}

func writeTestWAV(t *testing.T, samples []int, sampleRate int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	buf := &audio.IntBuffer{Format: &audio.Format{NumChannels: 1, SampleRate: sampleRate}, Data: samples, SourceBitDepth: 16}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close file: %v", err)
	}
	return path
}

func TestReplayPublishesSession(t *testing.T) {
	// 250 samples at 1kHz: 250ms of audio, so 20ms frames give 13 frames.
	samples := make([]int, 250)
	for i := range samples {
		samples[i] = i - 125
	}
	path := writeTestWAV(t, samples, 1000)

	rec := &recorder{}
	result, err := replay(context.Background(), rec, path, replayOptions{
		SourceLanguage: "en", TargetLanguage: "fr", Frame: 20 * time.Millisecond, Fast: true,
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if result.Frames != 13 || result.Duration != 250*time.Millisecond {
		t.Fatalf("unexpected result %+v", result)
	}
	if rec.subjects[0] != protocol.SubjectSessionStarted || rec.subjects[len(rec.subjects)-1] != protocol.SubjectSessionStopped {
		t.Fatalf("unexpected subject order %v", rec.subjects)
	}
	for i, f := range rec.frames {
		if f.Sequence != i || f.SessionID != result.SessionID || f.SampleRate != 1000 {
			t.Fatalf("frame %d: unexpected %+v", i, f)
		}
		if f.Final != (i == len(rec.frames)-1) {
			t.Fatalf("frame %d: wrong final flag", i)
		}
	}
	if got := int16(binary.LittleEndian.Uint16(rec.frames[0].PCM)); got != -125 {
		t.Fatalf("expected first sample -125, got %d", got)
	}
	if len(rec.frames[12].PCM) != 20 {
		t.Fatalf("expected 10-sample tail frame, got %d bytes", len(rec.frames[12].PCM))
	}
}

func TestReplayRejectsNonWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.wav")
	if err := os.WriteFile(path, []byte("not audio"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := replay(context.Background(), &recorder{}, path, replayOptions{Fast: true}); err == nil {
		t.Fatal("expected error for invalid file")
	}
}

func TestReplayHonoursCancellation(t *testing.T) {
	path := writeTestWAV(t, make([]int, 1000), 1000)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := replay(ctx, &recorder{}, path, replayOptions{Frame: 100 * time.Millisecond}); err == nil {
		t.Fatal("expected cancellation error")
	}
}
