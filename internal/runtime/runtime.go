package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-interpreter/internal/bus"
	"github.com/loqalabs/loqa-interpreter/internal/capture"
	"github.com/loqalabs/loqa-interpreter/internal/config"
	"github.com/loqalabs/loqa-interpreter/internal/gateway"
	"github.com/loqalabs/loqa-interpreter/internal/natsserver"
	"github.com/loqalabs/loqa-interpreter/internal/router"
	"github.com/loqalabs/loqa-interpreter/internal/stream"
	"github.com/loqalabs/loqa-interpreter/internal/stt"
	"github.com/loqalabs/loqa-interpreter/internal/translate"
	"github.com/loqalabs/loqa-interpreter/internal/tts"
)

// component is a long-running pipeline stage.
type component interface {
	Start() error
	Close()
	Healthy() bool
}

type namedComponent struct {
	name string
	component
}

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	telemetryStop func(context.Context) error
	nats          *natsserver.EmbeddedServer
	bus           *bus.Client
	coordinator   *capture.Coordinator
	components    []namedComponent
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings the pipeline up and blocks until ctx is cancelled or the HTTP
// server fails, then shuts everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryStop = shutdownTelemetry
	fail := func(err error) error {
		cancel()
		return errors.Join(err, r.shutdown())
	}

	serveErr := make(chan error, 2)
	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics", serveErr)
	}

	if err := r.startBus(ctx); err != nil {
		return fail(err)
	}

	r.coordinator = capture.NewCoordinator(r.cfg.Capture, r.cfg.Stream.Enabled, r.bus, r.logger)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.coordinator.Run(ctx)
	}()

	gw, err := r.buildComponents(ctx)
	if err != nil {
		return fail(err)
	}
	for i, c := range r.components {
		if err := c.Start(); err != nil {
			r.components = r.components[:i]
			return fail(fmt.Errorf("start %s: %w", c.name, err))
		}
		r.logger.Info("component started", slog.String("component", c.name))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	gw.Register(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http", serveErr)

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
	}
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	cancel()
	return errors.Join(runErr, r.shutdown())
}

func (r *Runtime) serve(srv *http.Server, name string, errs chan<- error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("server failed", slog.String("server", name), slog.String("error", err.Error()))
			errs <- fmt.Errorf("%s server: %w", name, err)
		}
	}()
}

func (r *Runtime) startBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	ns, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	r.nats = ns
	if ns != nil {
		busCfg.Servers = []string{ns.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.bus = client
	return nil
}

// buildComponents constructs every stage in pipeline order. Backends are only
// built for enabled stages.
func (r *Runtime) buildComponents(ctx context.Context) (*gateway.Server, error) {
	cfg := r.cfg

	var recognizer stt.Recognizer
	if cfg.STT.Enabled {
		var err error
		if recognizer, err = stt.NewRecognizer(cfg.STT, r.logger); err != nil {
			return nil, fmt.Errorf("build recognizer: %w", err)
		}
	}
	var translator translate.Translator
	if cfg.Translate.Enabled {
		var err error
		if translator, err = translate.NewTranslator(cfg.Translate); err != nil {
			return nil, fmt.Errorf("build translator: %w", err)
		}
	}
	var synth tts.Synthesizer
	if cfg.TTS.Enabled {
		var err error
		if synth, err = tts.NewSynthesizer(cfg.TTS); err != nil {
			return nil, fmt.Errorf("build synthesizer: %w", err)
		}
	}

	translateSvc, err := translate.NewService(ctx, cfg.Translate, r.bus, translator, r.logger)
	if err != nil {
		return nil, err
	}
	nativeSpeech := cfg.Stream.Enabled && cfg.Stream.Speak
	translated := cfg.Router.Enabled && cfg.Translate.Enabled
	gw := gateway.New(cfg.Auth, gateway.Pipeline{
		Chunked:      cfg.STT.Enabled,
		Native:       cfg.Stream.Enabled,
		Translate:    translated,
		Speak:        translated && cfg.Router.Speak && cfg.TTS.Enabled,
		NativeSpeech: nativeSpeech,
		DrainTimeout: time.Duration(cfg.Capture.DrainTimeoutMS) * time.Millisecond,
	}, r.coordinator, r.bus, r.logger)

	// Consumers start before producers so nothing published during startup is
	// missed.
	r.components = []namedComponent{
		{"tts", tts.NewService(ctx, cfg.TTS, r.bus, synth, r.logger)},
		{"translate", translateSvc},
		{"router", router.NewService(ctx, cfg.Router, cfg.Capture, nativeSpeech, r.bus, r.logger)},
		{"stt", stt.NewService(ctx, cfg.STT, cfg.Capture, r.bus, recognizer, r.logger)},
		{"stream", stream.NewService(ctx, cfg.Stream, cfg.Capture, r.bus, r.logger)},
		{"gateway", gw},
	}
	return gw, nil
}

func (r *Runtime) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	for i := len(r.components) - 1; i >= 0; i-- {
		r.components[i].Close()
	}
	r.bus.Close()
	r.nats.Shutdown()
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics shutdown: %w", err))
		}
	}
	r.wg.Wait()

	if r.telemetryStop != nil {
		if err := r.telemetryStop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReady reports ready once startup finished and the bus and every
// component are healthy.
func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !r.ready.Load() || !r.bus.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	for _, c := range r.components {
		if !c.Healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(c.name + " not ready"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
