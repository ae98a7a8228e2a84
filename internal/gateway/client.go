package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-interpreter/internal/capture"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

// clientMessage is a text message from a capture client. Start requests carry
// the StartRequest fields inline.
type clientMessage struct {
	Type string `json:"type"`
	capture.StartRequest
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text,omitempty"`
}

// serverMessage is pushed to capture clients.
type serverMessage struct {
	Type           string           `json:"type"`
	Session        *capture.Session `json:"session,omitempty"`
	Sequence       int              `json:"sequence"`
	Text           string           `json:"text,omitempty"`
	SourceText     string           `json:"source_text,omitempty"`
	SourceLanguage string           `json:"source_language,omitempty"`
	TargetLanguage string           `json:"target_language,omitempty"`
	Fallback       bool             `json:"fallback,omitempty"`
	PCM            []byte           `json:"pcm,omitempty"`
	SampleRate     int              `json:"sample_rate,omitempty"`
	Channels       int              `json:"channels,omitempty"`
	Final          bool             `json:"final,omitempty"`
	Reason         string           `json:"reason,omitempty"`
	Message        string           `json:"message,omitempty"`
}

type client struct {
	conn   *websocket.Conn
	out    chan serverMessage
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger

	mu      sync.Mutex
	session string
}

func newClient(conn *websocket.Conn, logger *slog.Logger) *client {
	return &client{
		conn:   conn,
		out:    make(chan serverMessage, sendBuffer),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (c *client) sessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *client) setSession(id string) {
	c.mu.Lock()
	c.session = id
	c.mu.Unlock()
}

// send queues msg without blocking; a client that cannot keep up loses
// messages rather than stalling the pipeline.
func (c *client) send(msg serverMessage) {
	select {
	case <-c.done:
	case c.out <- msg:
	default:
		c.logger.Warn("client send buffer full, dropping message", slog.String("type", msg.Type))
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// await waits for the writer to finish, bounded by d.
func (c *client) await(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.done:
	case <-timer.C:
	}
}

// writeLoop owns every write to the connection. A done message is the last
// thing written before the socket closes.
func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.close()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
			if msg.Type == "done" {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, msg.Reason),
					time.Now().Add(writeWait))
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slogError(err))
		return
	}
	c := newClient(conn, s.logger)
	go c.writeLoop()
	defer c.close()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	session, err := s.open(conn)
	if err != nil {
		c.send(serverMessage{Type: "error", Message: err.Error()})
		c.send(serverMessage{Type: "done", Reason: "rejected"})
		c.await(writeWait)
		return
	}
	c.setSession(session.ID)
	s.attach(c)
	defer s.detach(c)
	c.send(serverMessage{Type: "session", Session: &session})

	log := s.logger.With(slog.String("session_id", session.ID))
	log.Info("capture client attached", slog.String("remote", r.RemoteAddr))

	if s.readLoop(c, session.ID, log) {
		return
	}
	// The connection dropped without a stop; keep the session for the
	// reconnect grace period.
	s.coord.Detach(session.ID)
}

// open reads the first message, which must start or resume a session.
func (s *Server) open(conn *websocket.Conn) (capture.Session, error) {
	kind, data, err := conn.ReadMessage()
	if err != nil {
		return capture.Session{}, err
	}
	if kind != websocket.TextMessage {
		return capture.Session{}, errors.New("first message must be start or resume")
	}
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return capture.Session{}, err
	}
	switch msg.Type {
	case "start":
		return s.coord.Start(msg.StartRequest)
	case "resume":
		return s.coord.Resume(msg.SessionID)
	default:
		return capture.Session{}, errors.New("first message must be start or resume")
	}
}

// readLoop forwards client input until the connection ends. It reports whether
// the session ended on purpose.
func (s *Server) readLoop(c *client, sessionID string, log *slog.Logger) bool {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				// Closed by us after a done message.
				return true
			default:
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info("capture connection lost", slogError(err))
			}
			return false
		}

		switch kind {
		case websocket.BinaryMessage:
			err = s.coord.PushAudio(sessionID, data, false)
		case websocket.TextMessage:
			var msg clientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				c.send(serverMessage{Type: "error", Message: "malformed message"})
				continue
			}
			switch msg.Type {
			case "transcript":
				err = s.coord.PushTranscript(sessionID, msg.Text)
			case "stop":
				if _, err := s.coord.Stop(sessionID, "client stop"); err != nil {
					log.Debug("stop for inactive session", slogError(err))
					c.send(serverMessage{Type: "done", Reason: "client stop"})
				}
				// The done message follows the session's tail.
				c.await(s.drainTimeout() + writeWait)
				return true
			default:
				c.send(serverMessage{Type: "error", Message: "unknown message type " + msg.Type})
				continue
			}
		}

		switch {
		case err == nil:
		case errors.Is(err, capture.ErrNoSession), errors.Is(err, capture.ErrSessionMismatch):
			c.send(serverMessage{Type: "done", Reason: "session ended"})
			c.await(writeWait)
			return true
		default:
			c.send(serverMessage{Type: "error", Message: err.Error()})
		}
	}
}
