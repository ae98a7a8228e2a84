package tts

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-interpreter/internal/bustest"
	"github.com/loqalabs/loqa-interpreter/internal/config"
	"github.com/loqalabs/loqa-interpreter/internal/protocol"
)

// serialSynth fails on "fail" and records the peak number of concurrent calls.
type serialSynth struct {
	active atomic.Int32
	peak   atomic.Int32
}

func (s *serialSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		n := s.active.Add(1)
		defer s.active.Add(-1)
		if n > s.peak.Load() {
			s.peak.Store(n)
		}
		time.Sleep(10 * time.Millisecond)
		if req.Text == "fail" {
			errs <- errors.New("voice unavailable")
			return
		}
		chunks <- SynthChunk{SampleRate: 16000, Channels: 1, PCM: []byte(req.Text), Final: true}
	}()
	return chunks, errs
}

func TestMockSynthChunksByDuration(t *testing.T) {
	synth := NewMockSynth(1000, 1, 100*time.Millisecond)
	// 10 characters at 60ms each is 600ms: six chunks of 100ms.
	chunks, errs := synth.Synthesize(context.Background(), SynthRequest{Text: "abcdefghij"})
	var got []SynthChunk
	for c := range chunks {
		got = append(got, c)
	}
	if err := <-errs; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 6 {
		t.Fatalf("expected 6 chunks, got %d", len(got))
	}
	for i, c := range got {
		if c.Sequence != i || len(c.PCM) != 200 {
			t.Fatalf("chunk %d: unexpected %+v", i, c)
		}
		if c.Final != (i == len(got)-1) {
			t.Fatalf("chunk %d: wrong final flag", i)
		}
	}
}

func TestServiceSynthesizesSerially(t *testing.T) {
	client := bustest.Start(t)
	synth := &serialSynth{}
	cfg := config.Default().TTS
	svc := NewService(context.Background(), cfg, client, synth, bustest.Logger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)
	audio := bustest.Collect(t, client, protocol.SubjectTTSAudio)
	done := bustest.Collect(t, client, protocol.SubjectTTSDone)

	for _, text := range []string{"one", "fail", "three"} {
		bustest.Publish(t, client, protocol.SubjectTTSRequest, protocol.TTSRequest{SessionID: "s", Text: text, Target: "default"})
	}

	for _, want := range []string{"one", "three"} {
		var chunk protocol.AudioChunk
		bustest.Next(t, audio, &chunk, 2*time.Second)
		if string(chunk.PCM) != want || !chunk.Final || chunk.Target != "default" {
			t.Fatalf("unexpected chunk %+v", chunk)
		}
	}
	var statuses []protocol.TTSStatus
	for i := 0; i < 3; i++ {
		var st protocol.TTSStatus
		bustest.Next(t, done, &st, 2*time.Second)
		statuses = append(statuses, st)
	}
	if !statuses[0].Completed || statuses[1].Completed || statuses[1].Error == "" || !statuses[2].Completed {
		t.Fatalf("unexpected statuses %+v", statuses)
	}
	if synth.peak.Load() != 1 {
		t.Fatalf("expected serial synthesis, peak concurrency %d", synth.peak.Load())
	}
}

func TestStreamSynth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var req streamRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		if req.Text == "bad" {
			_ = conn.WriteJSON(streamEvent{Type: "error", Message: "unsupported voice"})
			return
		}
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2})
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{3, 4})
		_ = conn.WriteJSON(streamEvent{Type: "done"})
	}))
	defer srv.Close()

	synth := NewStreamSynth(srv.URL, "k", 24000, 1)
	chunks, errs := synth.Synthesize(context.Background(), SynthRequest{SessionID: "s", Text: "hola", Voice: "es-ES"})
	var got []SynthChunk
	for c := range chunks {
		got = append(got, c)
	}
	if err := <-errs; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0].Final || !got[1].Final || got[1].PCM[0] != 3 || got[1].SampleRate != 24000 {
		t.Fatalf("unexpected chunks %+v", got)
	}

	chunks, errs = synth.Synthesize(context.Background(), SynthRequest{Text: "bad"})
	for range chunks {
	}
	if err := <-errs; err == nil {
		t.Fatal("expected endpoint error")
	}
}

func TestNewSynthesizerModes(t *testing.T) {
	cfg := config.Default().TTS
	if _, err := NewSynthesizer(cfg); err != nil {
		t.Fatalf("mock: %v", err)
	}
	cfg.Mode = "exec"
	cfg.Command = ""
	if _, err := NewSynthesizer(cfg); err == nil {
		t.Fatal("expected error for empty exec command")
	}
	cfg.Mode = "opera"
	if _, err := NewSynthesizer(cfg); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
