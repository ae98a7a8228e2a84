// Package stream bridges native-mode capture sessions to a remote streaming
// speech endpoint over a websocket.
package stream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Event types sent by the remote endpoint.
const (
	EventTranscript = "transcript"
	EventAudio      = "audio"
	EventError      = "error"
	EventDone       = "done"
)

// Event is one JSON message received from the remote endpoint. Audio carries
// base64 PCM16LE in JSON.
type Event struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Final      bool   `json:"final,omitempty"`
	Audio      []byte `json:"audio,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Message    string `json:"message,omitempty"`
}

// StartMessage opens a remote session. It is the first message on every
// connection, including reconnects.
type StartMessage struct {
	Type           string `json:"type"`
	SessionID      string `json:"session_id"`
	SourceLanguage string `json:"source_language"`
	TargetLanguage string `json:"target_language"`
	SampleRate     int    `json:"sample_rate"`
	Channels       int    `json:"channels"`
	Speak          bool   `json:"speak"`
	Resume         bool   `json:"resume,omitempty"`
}

type controlMessage struct {
	Type string `json:"type"`
}

// dial opens a websocket to endpoint and sends start.
func dial(ctx context.Context, endpoint, apiKey string, handshake time.Duration, start StartMessage) (*websocket.Conn, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse stream endpoint: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshake,
	}
	headers := http.Header{}
	if apiKey != "" {
		headers.Set("Authorization", "Bearer "+apiKey)
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil && resp.Body != nil {
			preview, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return nil, fmt.Errorf("dial stream endpoint (%s): %w: %s", resp.Status, err, preview)
		}
		return nil, fmt.Errorf("dial stream endpoint: %w", err)
	}
	if err := conn.WriteJSON(start); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send start message: %w", err)
	}
	return conn, nil
}
