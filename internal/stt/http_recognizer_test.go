package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-interpreter/internal/bustest"
	"github.com/loqalabs/loqa-interpreter/internal/config"
)

func newTestHTTPRecognizer(t *testing.T, endpoint string, retries int) *httpRecognizer {
	t.Helper()
	rec, err := NewHTTPRecognizer(config.STTConfig{
		Mode:       "http",
		Endpoint:   endpoint,
		APIKey:     "secret",
		Model:      "whisper-1",
		Language:   "en",
		TimeoutMS:  2000,
		MaxRetries: retries,
	}, bustest.Logger())
	if err != nil {
		t.Fatalf("new recognizer: %v", err)
	}
	r := rec.(*httpRecognizer)
	r.initialInterval = time.Millisecond
	return r
}

func TestHTTPRecognizerRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected authorization %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if r.FormValue("model") != "whisper-1" || r.FormValue("language") != "en" {
			t.Errorf("missing form fields: %v", r.Form)
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			t.Errorf("missing file: %v", err)
		} else {
			data, _ := io.ReadAll(file)
			if !bytes.HasPrefix(data, []byte("RIFF")) {
				t.Errorf("expected wav upload")
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"text": "hola"})
	}))
	defer srv.Close()

	r := newTestHTTPRecognizer(t, srv.URL, 2)
	result, err := r.Transcribe(context.Background(), make([]byte, 3200), 16000, 1, true)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if result.Text != "hola" {
		t.Fatalf("unexpected text %q", result.Text)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}

func TestHTTPRecognizerDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "bad audio", http.StatusBadRequest)
	}))
	defer srv.Close()

	r := newTestHTTPRecognizer(t, srv.URL, 3)
	if _, err := r.Transcribe(context.Background(), make([]byte, 320), 16000, 1, true); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single call, got %d", calls.Load())
	}
}

func TestHTTPRecognizerGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	r := newTestHTTPRecognizer(t, srv.URL, 1)
	if _, err := r.Transcribe(context.Background(), make([]byte, 320), 16000, 1, true); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestEncodeWAV(t *testing.T) {
	pcm := make([]byte, 1600)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	data, err := encodeWAV(pcm, 8000, 1)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		t.Fatal("expected a valid wav file")
	}
	if dec.SampleRate != 8000 || dec.NumChans != 1 || dec.BitDepth != 16 {
		t.Fatalf("unexpected format %d/%d/%d", dec.SampleRate, dec.NumChans, dec.BitDepth)
	}

	if _, err := encodeWAV([]byte{1, 2, 3}, 8000, 1); err == nil {
		t.Fatal("expected error for odd-length pcm")
	}
}
