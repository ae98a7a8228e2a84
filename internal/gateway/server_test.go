package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-interpreter/internal/bus"
	"github.com/loqalabs/loqa-interpreter/internal/bustest"
	"github.com/loqalabs/loqa-interpreter/internal/capture"
	"github.com/loqalabs/loqa-interpreter/internal/config"
	"github.com/loqalabs/loqa-interpreter/internal/protocol"
)

type harness struct {
	client *bus.Client
	coord  *capture.Coordinator
	http   *httptest.Server
}

func newHarness(t *testing.T, token string) *harness {
	t.Helper()
	return newPipelineHarness(t, token, Pipeline{})
}

func newPipelineHarness(t *testing.T, token string, pipeline Pipeline) *harness {
	t.Helper()
	client := bustest.Start(t)
	coord := capture.NewCoordinator(config.Default().Capture, false, client, bustest.Logger())
	srv := New(config.AuthConfig{Token: token}, pipeline, coord, client, bustest.Logger())
	if err := srv.Start(); err != nil {
		t.Fatalf("start gateway: %v", err)
	}
	mux := http.NewServeMux()
	srv.Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	return &harness{client: client, coord: coord, http: ts}
}

func (h *harness) dial(t *testing.T, first clientMessage) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/v1/capture"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := conn.WriteJSON(first); err != nil {
		t.Fatalf("write first message: %v", err)
	}
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) serverMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg serverMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read server message: %v", err)
	}
	return msg
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestRESTSessionLifecycle(t *testing.T) {
	h := newHarness(t, "")

	resp, err := http.Get(h.http.URL + "/v1/sessions/current")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 without session, got %d", resp.StatusCode)
	}

	resp, err = http.Post(h.http.URL+"/v1/sessions", "application/json",
		strings.NewReader(`{"source":"conference","target_language":"fr"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	var started capture.Session
	_ = json.NewDecoder(resp.Body).Decode(&started)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated || started.ID == "" || started.TargetLanguage != "fr" {
		t.Fatalf("unexpected start response %d %+v", resp.StatusCode, started)
	}

	resp, err = http.Get(h.http.URL + "/v1/sessions/current")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var current capture.Session
	_ = json.NewDecoder(resp.Body).Decode(&current)
	resp.Body.Close()
	if current.ID != started.ID {
		t.Fatalf("expected current session %s, got %s", started.ID, current.ID)
	}

	for _, want := range []int{http.StatusOK, http.StatusNotFound} {
		req, _ := http.NewRequest(http.MethodDelete, h.http.URL+"/v1/sessions/current", nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("delete: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Fatalf("expected %d, got %d", want, resp.StatusCode)
		}
	}
}

func TestRejectsMissingToken(t *testing.T) {
	h := newHarness(t, "secret")

	resp, err := http.Post(h.http.URL+"/v1/sessions", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	resp, err = http.Post(h.http.URL+"/v1/sessions?token=secret", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 with query token, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, h.http.URL+"/v1/sessions/current", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong bearer, got %d", resp.StatusCode)
	}
}

func TestCaptureRoundTrip(t *testing.T) {
	h := newHarness(t, "")
	frames := bustest.Collect(t, h.client, protocol.SubjectAudioFramePrefix+".>")

	conn := h.dial(t, clientMessage{Type: "start", StartRequest: capture.StartRequest{TargetLanguage: "de"}})
	hello := readMessage(t, conn)
	if hello.Type != "session" || hello.Session == nil || hello.Session.Mode != capture.ModeChunked {
		t.Fatalf("unexpected first message %+v", hello)
	}
	id := hello.Session.ID

	for i := 0; i < 2; i++ {
		if err := conn.WriteMessage(websocket.BinaryMessage, []byte{byte(i), 0}); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		var frame protocol.AudioFrame
		bustest.Next(t, frames, &frame, 2*time.Second)
		if frame.SessionID != id || frame.Sequence != i || frame.PCM[0] != byte(i) {
			t.Fatalf("unexpected frame %+v", frame)
		}
	}

	bustest.Publish(t, h.client, protocol.SubjectTranslateText, protocol.Translation{
		SessionID: id, Sequence: 4, SourceText: "hello", TranslatedText: "hallo", TargetLanguage: "de",
	})
	if msg := readMessage(t, conn); msg.Type != "translation" || msg.Text != "hallo" || msg.SourceText != "hello" || msg.Sequence != 4 {
		t.Fatalf("unexpected translation message %+v", msg)
	}

	// Output for other sessions is not relayed.
	bustest.Publish(t, h.client, protocol.SubjectTranscriptFinal, protocol.Transcript{SessionID: "other", Text: "nope"})
	bustest.Publish(t, h.client, protocol.SubjectTTSAudio, protocol.AudioChunk{
		SessionID: id, SampleRate: 22050, Channels: 1, PCM: []byte{7, 8}, Final: true,
	})
	if msg := readMessage(t, conn); msg.Type != "audio" || len(msg.PCM) != 2 || msg.PCM[0] != 7 || !msg.Final {
		t.Fatalf("unexpected audio message %+v", msg)
	}

	if err := conn.WriteJSON(clientMessage{Type: "stop"}); err != nil {
		t.Fatalf("write stop: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != "done" || msg.Reason != "client stop" {
		t.Fatalf("unexpected done message %+v", msg)
	}
	if _, ok := h.coord.Current(); ok {
		t.Fatal("session should be stopped")
	}
}

func TestCaptureRequiresStart(t *testing.T) {
	h := newHarness(t, "")
	conn := h.dial(t, clientMessage{Type: "transcript", Text: "too early"})

	if msg := readMessage(t, conn); msg.Type != "error" {
		t.Fatalf("expected error, got %+v", msg)
	}
	if msg := readMessage(t, conn); msg.Type != "done" || msg.Reason != "rejected" {
		t.Fatalf("expected rejection, got %+v", msg)
	}
}

func TestCaptureResumesAfterDrop(t *testing.T) {
	h := newHarness(t, "")
	conn := h.dial(t, clientMessage{Type: "start"})
	id := readMessage(t, conn).Session.ID
	_ = conn.Close()

	waitFor(t, func() bool {
		s, ok := h.coord.Current()
		return ok && s.State == capture.StateReconnecting
	})

	conn = h.dial(t, clientMessage{Type: "resume", SessionID: id})
	msg := readMessage(t, conn)
	if msg.Type != "session" || msg.Session.ID != id || msg.Session.Reconnects != 1 {
		t.Fatalf("unexpected resume response %+v", msg)
	}
}

func TestHybridTranscriptsReachTheBus(t *testing.T) {
	h := newHarness(t, "")
	transcripts := bustest.Collect(t, h.client, protocol.SubjectTranscriptFinal)

	conn := h.dial(t, clientMessage{Type: "start", StartRequest: capture.StartRequest{LocalRecognition: true}})
	hello := readMessage(t, conn)
	if hello.Session.Mode != capture.ModeHybrid {
		t.Fatalf("expected hybrid mode, got %s", hello.Session.Mode)
	}
	if err := conn.WriteJSON(clientMessage{Type: "transcript", Text: "good morning"}); err != nil {
		t.Fatalf("write transcript: %v", err)
	}
	var tr protocol.Transcript
	bustest.Next(t, transcripts, &tr, 2*time.Second)
	if tr.SessionID != hello.Session.ID || tr.Text != "good morning" {
		t.Fatalf("unexpected transcript %+v", tr)
	}
	// The gateway relays the transcript back to the client as well.
	if msg := readMessage(t, conn); msg.Type != "transcript" || msg.Text != "good morning" {
		t.Fatalf("unexpected relay %+v", msg)
	}
}
