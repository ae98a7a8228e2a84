package tts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// streamSynth opens one websocket per request to a streaming speech endpoint:
// a JSON request goes up, binary PCM frames come down until a done event.
type streamSynth struct {
	endpoint   string
	apiKey     string
	sampleRate int
	channels   int
	dialer     websocket.Dialer
}

type streamRequest struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type streamEvent struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

func NewStreamSynth(endpoint, apiKey string, sampleRate, channels int) Synthesizer {
	return &streamSynth{
		endpoint:   endpoint,
		apiKey:     apiKey,
		sampleRate: sampleRate,
		channels:   channels,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

func (s *streamSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if err := s.run(ctx, req, chunks); err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}

func (s *streamSynth) run(ctx context.Context, req SynthRequest, chunks chan<- SynthChunk) error {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return fmt.Errorf("parse tts endpoint: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	headers := http.Header{}
	if s.apiKey != "" {
		headers.Set("Authorization", "Bearer "+s.apiKey)
	}
	conn, _, err := s.dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return fmt.Errorf("dial tts endpoint: %w", err)
	}
	defer conn.Close()

	// Unblock ReadMessage when the request is cancelled.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := conn.WriteJSON(streamRequest{
		Type:       "synthesize",
		Text:       req.Text,
		Voice:      req.Voice,
		SampleRate: s.sampleRate,
		Channels:   s.channels,
	}); err != nil {
		return fmt.Errorf("send tts request: %w", err)
	}

	out := newEmitter(ctx, chunks, req.SessionID, s.sampleRate, s.channels)
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read tts stream: %w", err)
		}
		if kind == websocket.BinaryMessage {
			if err := out.push(data); err != nil {
				return err
			}
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("decode tts event: %w", err)
		}
		switch ev.Type {
		case "done":
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return out.finish()
		case "error":
			return errors.New("tts endpoint error: " + ev.Message)
		}
	}
}
