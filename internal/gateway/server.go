// Package gateway is the client-facing surface: a capture websocket plus a
// small REST API for session control.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-interpreter/internal/bus"
	"github.com/loqalabs/loqa-interpreter/internal/capture"
	"github.com/loqalabs/loqa-interpreter/internal/config"
	"github.com/nats-io/nats.go"
)

// Server attaches capture clients to the coordinator and relays pipeline output
// back to them.
type Server struct {
	auth     config.AuthConfig
	pipeline Pipeline
	coord    *capture.Coordinator
	bus      *bus.Client
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}

	// sessions is only touched by the run goroutine.
	sessions map[string]*progress
	inbox    chan *nats.Msg
	expired  chan string

	ctx    context.Context
	cancel context.CancelFunc
	subs   []*nats.Subscription
	wg     sync.WaitGroup
	ready  atomic.Bool
}

func New(auth config.AuthConfig, pipeline Pipeline, coord *capture.Coordinator, busClient *bus.Client, logger *slog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		auth:     auth,
		pipeline: pipeline,
		coord:    coord,
		bus:      busClient,
		logger:   logger.With(slog.String("component", "gateway")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 << 10,
			WriteBufferSize: 16 << 10,
			// Any origin; the token guards access.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients:  make(map[*client]struct{}),
		sessions: make(map[string]*progress),
		inbox:    make(chan *nats.Msg, inboxSize),
		expired:  make(chan string),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to pipeline output for fan-out to attached clients. A
// stopped session's done message waits until its tail has been delivered or
// the drain timeout passes.
func (s *Server) Start() error {
	if err := s.subscribeEvents(); err != nil {
		s.unsubscribe()
		return err
	}
	s.ready.Store(true)
	return nil
}

// Close detaches every client and drops bus subscriptions.
func (s *Server) Close() {
	s.cancel()
	s.unsubscribe()
	s.wg.Wait()
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (s *Server) Healthy() bool {
	return s.ready.Load()
}

func (s *Server) unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
}

// Register installs the gateway routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.Handle("GET /v1/capture", s.authorize(http.HandlerFunc(s.handleCapture)))
	mux.Handle("POST /v1/sessions", s.authorize(http.HandlerFunc(s.handleStartSession)))
	mux.Handle("GET /v1/sessions/current", s.authorize(http.HandlerFunc(s.handleCurrentSession)))
	mux.Handle("DELETE /v1/sessions/current", s.authorize(http.HandlerFunc(s.handleStopSession)))
}

// authorize accepts "Authorization: Bearer <token>" or a token query parameter
// (browsers cannot set headers on websocket requests). An empty configured
// token disables the check.
func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.auth.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		presented := r.URL.Query().Get("token")
		if header := r.Header.Get("Authorization"); header != "" {
			presented = strings.TrimPrefix(header, "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(s.auth.Token)) != 1 {
			writeError(w, http.StatusUnauthorized, errors.New("invalid or missing token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req capture.StartRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decode start request: %w", err))
			return
		}
	}
	session, err := s.coord.Start(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleCurrentSession(w http.ResponseWriter, _ *http.Request) {
	session, ok := s.coord.Current()
	if !ok {
		writeError(w, http.StatusNotFound, capture.ErrNoSession)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleStopSession(w http.ResponseWriter, _ *http.Request) {
	session, err := s.coord.Stop("", "api stop")
	if errors.Is(err, capture.ErrNoSession) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) attach(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) detach(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

// broadcast delivers msg to every client attached to sessionID.
func (s *Server) broadcast(sessionID string, msg serverMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		if c.sessionID() == sessionID {
			c.send(msg)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
