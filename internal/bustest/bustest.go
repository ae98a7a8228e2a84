// Package bustest starts an embedded NATS server and a connected bus client
// for tests.
package bustest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-interpreter/internal/bus"
	"github.com/loqalabs/loqa-interpreter/internal/config"
	"github.com/loqalabs/loqa-interpreter/internal/natsserver"
	"github.com/nats-io/nats.go"
)

// Logger discards everything below error.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// Start runs an embedded server on a random port and returns a client
// connected to it. Both are shut down when the test ends.
func Start(t testing.TB) *bus.Client {
	t.Helper()
	log := Logger()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, log)
	if err != nil {
		srv.Shutdown()
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
		srv.Shutdown()
	})
	return client
}

// Collect subscribes to subject and returns a channel of raw messages.
func Collect(t testing.TB, client *bus.Client, subject string) <-chan *nats.Msg {
	t.Helper()
	ch := make(chan *nats.Msg, 256)
	sub, err := client.Conn().ChanSubscribe(subject, ch)
	if err != nil {
		t.Fatalf("subscribe %s: %v", subject, err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	return ch
}

// Next decodes the next message from ch into v or fails after timeout.
func Next(t testing.TB, ch <-chan *nats.Msg, v any, timeout time.Duration) *nats.Msg {
	t.Helper()
	select {
	case msg := <-ch:
		if err := json.Unmarshal(msg.Data, v); err != nil {
			t.Fatalf("decode %s: %v", msg.Subject, err)
		}
		return msg
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for message")
		return nil
	}
}

// ExpectNone fails if a message arrives on ch within d.
func ExpectNone(t testing.TB, ch <-chan *nats.Msg, d time.Duration) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected message on %s: %s", msg.Subject, msg.Data)
	case <-time.After(d):
	}
}

// Publish marshals v onto subject and flushes the connection.
func Publish(t testing.TB, client *bus.Client, subject string, v any) {
	t.Helper()
	if err := client.PublishJSON(subject, v); err != nil {
		t.Fatalf("publish %s: %v", subject, err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
}
