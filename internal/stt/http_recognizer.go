package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/loqalabs/loqa-interpreter/internal/config"
	"golang.org/x/time/rate"
)

// httpRecognizer uploads each segment as a WAV file to a remote transcription
// endpoint.
type httpRecognizer struct {
	endpoint   string
	apiKey     string
	model      string
	language   string
	maxRetries int
	client     *http.Client
	limiter    *rate.Limiter
	log        *slog.Logger

	// initialInterval is the first retry delay; tests shrink it.
	initialInterval time.Duration
}

type httpTranscription struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
}

func NewHTTPRecognizer(cfg config.STTConfig, log *slog.Logger) (Recognizer, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("stt endpoint is empty")
	}
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return &httpRecognizer{
		endpoint:        cfg.Endpoint,
		apiKey:          cfg.APIKey,
		model:           cfg.Model,
		language:        cfg.Language,
		maxRetries:      cfg.MaxRetries,
		client:          &http.Client{Timeout: timeout},
		limiter:         limiter,
		log:             log.With(slog.String("component", "stt-http")),
		initialInterval: 500 * time.Millisecond,
	}, nil
}

func (r *httpRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, _ bool) (TranscriptResult, error) {
	audio, err := encodeWAV(pcm, sampleRate, channels)
	if err != nil {
		return TranscriptResult{}, err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.initialInterval
	policy.MaxInterval = 8 * r.initialInterval

	return backoff.Retry(ctx, func() (TranscriptResult, error) {
		return r.attempt(ctx, audio)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(r.maxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.log.Warn("transcription attempt failed, retrying", slogError(err), slog.Duration("backoff", next))
		}),
	)
}

func (r *httpRecognizer) attempt(ctx context.Context, audio []byte) (TranscriptResult, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return TranscriptResult{}, backoff.Permanent(err)
	}

	body, contentType, err := r.multipartBody(audio)
	if err != nil {
		return TranscriptResult{}, backoff.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, body)
	if err != nil {
		return TranscriptResult{}, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return TranscriptResult{}, backoff.Permanent(ctx.Err())
		}
		return TranscriptResult{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			return TranscriptResult{}, backoff.RetryAfter(secs)
		}
		return TranscriptResult{}, fmt.Errorf("transcription endpoint returned status %s", resp.Status)
	case resp.StatusCode >= 500:
		return TranscriptResult{}, fmt.Errorf("transcription endpoint returned status %s", resp.Status)
	case resp.StatusCode >= 300:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return TranscriptResult{}, backoff.Permanent(fmt.Errorf("transcription endpoint returned status %s: %s", resp.Status, bytes.TrimSpace(detail)))
	}

	var out httpTranscription
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return TranscriptResult{}, backoff.Permanent(fmt.Errorf("decode transcription response: %w", err))
	}
	return TranscriptResult{Text: out.Text, Confidence: out.Confidence}, nil
}

func (r *httpRecognizer) multipartBody(audio []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "segment.wav")
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(audio); err != nil {
		return nil, "", err
	}
	if r.model != "" {
		if err := mw.WriteField("model", r.model); err != nil {
			return nil, "", err
		}
	}
	if r.language != "" {
		if err := mw.WriteField("language", r.language); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}
