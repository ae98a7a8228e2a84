package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-interpreter/internal/bustest"
	"github.com/loqalabs/loqa-interpreter/internal/config"
)

type fakeComponent struct {
	healthy atomic.Bool
}

func (f *fakeComponent) Start() error  { return nil }
func (f *fakeComponent) Close()        {}
func (f *fakeComponent) Healthy() bool { return f.healthy.Load() }

func TestReadyAggregatesComponents(t *testing.T) {
	r := New(config.Default(), bustest.Logger())
	r.bus = bustest.Start(t)
	stage := &fakeComponent{}
	stage.healthy.Store(true)
	r.components = []namedComponent{{"stt", stage}}

	check := func(want int, body string) {
		t.Helper()
		rec := httptest.NewRecorder()
		r.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if rec.Code != want || !strings.Contains(rec.Body.String(), body) {
			t.Fatalf("expected %d %q, got %d %q", want, body, rec.Code, rec.Body.String())
		}
	}

	check(http.StatusServiceUnavailable, "not ready")
	r.ready.Store(true)
	check(http.StatusOK, "ready")
	stage.healthy.Store(false)
	check(http.StatusServiceUnavailable, "stt not ready")
}

func TestStartAndShutdown(t *testing.T) {
	cfg := config.Default()
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Telemetry.PrometheusBind = ""
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = t.TempDir()

	r := New(cfg, bustest.Logger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for !r.ready.Load() {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("runtime did not become ready")
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected shutdown error: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("runtime did not shut down")
	}
}
