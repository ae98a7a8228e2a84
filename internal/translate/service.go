package translate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/loqalabs/loqa-interpreter/internal/bus"
	"github.com/loqalabs/loqa-interpreter/internal/config"
	"github.com/loqalabs/loqa-interpreter/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var errEmptyTranslation = errors.New("empty translation")

type cacheKey struct {
	source string
	target string
	text   string
}

// Service translates requests one at a time, so translations leave in the order
// requests arrived. A failed translation falls back to the source text.
type Service struct {
	cfg        config.TranslateConfig
	bus        *bus.Client
	translator Translator
	cache      *lru.Cache[cacheKey, string]
	queue      chan protocol.TranslationRequest
	logger     *slog.Logger
	tracer     trace.Tracer

	requests  metric.Int64Counter
	fallbacks metric.Int64Counter
	cacheHits metric.Int64Counter

	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	ready  atomic.Bool
}

func NewService(parent context.Context, cfg config.TranslateConfig, busClient *bus.Client, translator Translator, logger *slog.Logger) (*Service, error) {
	ctx, cancel := context.WithCancel(parent)
	size := cfg.QueueSize
	if size <= 0 {
		size = 1
	}
	s := &Service{
		cfg:        cfg,
		bus:        busClient,
		translator: translator,
		queue:      make(chan protocol.TranslationRequest, size),
		logger:     logger.With(slog.String("component", "translate-service")),
		tracer:     otel.Tracer("github.com/loqalabs/loqa-interpreter/translate"),
		ctx:        ctx,
		cancel:     cancel,
	}
	if cfg.CacheSize > 0 {
		cache, err := lru.New[cacheKey, string](cfg.CacheSize)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("create translation cache: %w", err)
		}
		s.cache = cache
	}
	if err := s.initMetrics(); err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return s, nil
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectTranslateRequest, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe translate requests: %w", err)
	}
	s.sub = sub
	s.wg.Add(1)
	go s.worker()
	s.ready.Store(true)
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready.Load()
}

// handleRequest blocks while the queue is full rather than dropping; the NATS
// subscription buffers behind it.
func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.TranslationRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode translate request", slogError(err))
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		return
	}
	select {
	case s.queue <- req:
	case <-s.ctx.Done():
	}
}

func (s *Service) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case req := <-s.queue:
			s.process(req)
		}
	}
}

func (s *Service) process(req protocol.TranslationRequest) {
	out := protocol.Translation{
		SessionID:      req.SessionID,
		Sequence:       req.Sequence,
		SourceText:     req.Text,
		SourceLanguage: req.SourceLanguage,
		TargetLanguage: req.TargetLanguage,
	}
	text, fallback := s.Translate(s.ctx, req.Text, req.SourceLanguage, req.TargetLanguage)
	out.TranslatedText = text
	out.Fallback = fallback
	out.Timestamp = time.Now().UTC()

	if err := s.bus.PublishJSON(protocol.SubjectTranslateText, out); err != nil {
		s.logger.Warn("failed to publish translation", slogError(err))
	}
}

// Translate returns the translation of text and whether it fell back to the
// source text. Same-language pairs are echoed without calling the backend.
func (s *Service) Translate(ctx context.Context, text, source, target string) (string, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", false
	}
	if sameLanguage(source, target) {
		return text, false
	}
	key := cacheKey{source: strings.ToLower(source), target: strings.ToLower(target), text: text}
	if s.cache != nil {
		if cached, ok := s.cache.Get(key); ok {
			if s.cacheHits != nil {
				s.cacheHits.Add(ctx, 1)
			}
			return cached, false
		}
	}

	timeout := time.Duration(s.cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ctx, span := s.tracer.Start(ctx, "translate.text", trace.WithAttributes(
		attribute.String("source", source),
		attribute.String("target", target),
		attribute.Int("chars", len(text)),
	))
	defer span.End()

	if s.requests != nil {
		s.requests.Add(ctx, 1)
	}
	start := time.Now()
	translated, err := s.translator.Translate(ctx, text, source, target)
	translated = strings.TrimSpace(translated)
	if err == nil && translated == "" {
		err = errEmptyTranslation
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if s.fallbacks != nil {
			s.fallbacks.Add(ctx, 1)
		}
		s.logger.Warn("translation failed, echoing source text", slogError(err),
			slog.String("source", source), slog.String("target", target))
		return text, true
	}
	if s.cache != nil {
		s.cache.Add(key, translated)
	}
	s.logger.Debug("translation complete", slog.Duration("latency", time.Since(start)))
	return translated, false
}

func sameLanguage(a, b string) bool {
	return a != "" && strings.EqualFold(primary(a), primary(b))
}

// primary reduces a tag like "en-US" to "en".
func primary(tag string) string {
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		return tag[:i]
	}
	return tag
}

func (s *Service) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-interpreter/translate")
	requests, err := meter.Int64Counter("loqa.translate.requests", metric.WithDescription("Translation backend calls"))
	if err != nil {
		return err
	}
	fallbacks, err := meter.Int64Counter("loqa.translate.fallbacks", metric.WithDescription("Translations that fell back to the source text"))
	if err != nil {
		return err
	}
	hits, err := meter.Int64Counter("loqa.translate.cache_hits", metric.WithDescription("Translations served from cache"))
	if err != nil {
		return err
	}
	s.requests = requests
	s.fallbacks = fallbacks
	s.cacheHits = hits
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
