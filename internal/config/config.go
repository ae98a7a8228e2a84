package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

// AuthConfig holds the single static credential accepted by the gateway.
type AuthConfig struct {
	Token string `yaml:"token"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Auth        AuthConfig      `yaml:"auth"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Capture     CaptureConfig   `yaml:"capture"`
	STT         STTConfig       `yaml:"stt"`
	Stream      StreamConfig    `yaml:"stream"`
	Translate   TranslateConfig `yaml:"translate"`
	TTS         TTSConfig       `yaml:"tts"`
	Router      RouterConfig    `yaml:"router"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type CaptureConfig struct {
	SampleRate         int    `yaml:"sample_rate"`
	Channels           int    `yaml:"channels"`
	SegmentDurationMS  int    `yaml:"segment_duration_ms"`
	MinSegmentMS       int    `yaml:"min_segment_ms"`
	ReconnectGraceMS   int    `yaml:"reconnect_grace_ms"`
	WatchdogIntervalMS int    `yaml:"watchdog_interval_ms"`
	DrainTimeoutMS     int    `yaml:"drain_timeout_ms"`
	DefaultSource      string `yaml:"default_source"`
	ForceMode          string `yaml:"force_mode"`
	DefaultSourceLang  string `yaml:"default_source_language"`
	DefaultTargetLang  string `yaml:"default_target_language"`
	LocalRecognition   bool   `yaml:"local_recognition"`
}

type STTConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Mode              string  `yaml:"mode"` // mock, exec, http
	Command           string  `yaml:"command"`
	ModelPath         string  `yaml:"model_path"`
	Language          string  `yaml:"language"`
	Endpoint          string  `yaml:"endpoint"`
	APIKey            string  `yaml:"api_key"`
	Model             string  `yaml:"model"`
	TimeoutMS         int     `yaml:"timeout_ms"`
	MaxRetries        int     `yaml:"max_retries"`
	MaxConcurrent     int     `yaml:"max_concurrent"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

type StreamConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Endpoint           string `yaml:"endpoint"`
	APIKey             string `yaml:"api_key"`
	Speak              bool   `yaml:"speak"`
	MaxReconnects      int    `yaml:"max_reconnects"`
	ReconnectInitialMS int    `yaml:"reconnect_initial_ms"`
	ReconnectMaxMS     int    `yaml:"reconnect_max_ms"`
	HandshakeTimeoutMS int    `yaml:"handshake_timeout_ms"`
}

type TranslateConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Mode      string `yaml:"mode"` // mock, http, exec
	Endpoint  string `yaml:"endpoint"`
	APIKey    string `yaml:"api_key"`
	Command   string `yaml:"command"`
	TimeoutMS int    `yaml:"timeout_ms"`
	CacheSize int    `yaml:"cache_size"`
	QueueSize int    `yaml:"queue_size"`
}

type TTSConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Mode            string `yaml:"mode"` // mock, exec, stream
	Command         string `yaml:"command"`
	Endpoint        string `yaml:"endpoint"`
	APIKey          string `yaml:"api_key"`
	Voice           string `yaml:"voice"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	ChunkDurationMS int    `yaml:"chunk_duration_ms"`
	QueueSize       int    `yaml:"queue_size"`
}

type RouterConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Speak        bool              `yaml:"speak"`
	DefaultVoice string            `yaml:"default_voice"`
	Voices       map[string]string `yaml:"voices"`
	Target       string            `yaml:"target"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-interpreter",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Capture: CaptureConfig{
			SampleRate:         16000,
			Channels:           1,
			SegmentDurationMS:  2000,
			MinSegmentMS:       250,
			ReconnectGraceMS:   10000,
			WatchdogIntervalMS: 1000,
			DrainTimeoutMS:     15000,
			DefaultSource:      "microphone",
			DefaultSourceLang:  "en",
			DefaultTargetLang:  "es",
		},
		STT: STTConfig{
			Enabled:           true,
			Mode:              "mock",
			TimeoutMS:         30000,
			MaxRetries:        2,
			MaxConcurrent:     4,
			RequestsPerSecond: 0,
		},
		Stream: StreamConfig{
			Enabled:            false,
			Speak:              false,
			MaxReconnects:      5,
			ReconnectInitialMS: 250,
			ReconnectMaxMS:     5000,
			HandshakeTimeoutMS: 10000,
		},
		Translate: TranslateConfig{
			Enabled:   true,
			Mode:      "mock",
			TimeoutMS: 10000,
			CacheSize: 512,
			QueueSize: 64,
		},
		TTS: TTSConfig{
			Enabled:         true,
			Mode:            "mock",
			SampleRate:      22050,
			Channels:        1,
			ChunkDurationMS: 400,
			QueueSize:       32,
		},
		Router: RouterConfig{
			Enabled:      true,
			Speak:        true,
			DefaultVoice: "es-ES",
			Target:       "default",
		},
	}
}

// Load reads path (optional) over the defaults, then applies a .env file from the
// working directory when present and LOQA_* environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("failed to load .env file: %w", err)
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Auth.Token, "LOQA_AUTH_TOKEN")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Capture.SampleRate, "LOQA_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "LOQA_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.SegmentDurationMS, "LOQA_CAPTURE_SEGMENT_DURATION_MS")
	overrideInt(&cfg.Capture.MinSegmentMS, "LOQA_CAPTURE_MIN_SEGMENT_MS")
	overrideInt(&cfg.Capture.ReconnectGraceMS, "LOQA_CAPTURE_RECONNECT_GRACE_MS")
	overrideInt(&cfg.Capture.WatchdogIntervalMS, "LOQA_CAPTURE_WATCHDOG_INTERVAL_MS")
	overrideInt(&cfg.Capture.DrainTimeoutMS, "LOQA_CAPTURE_DRAIN_TIMEOUT_MS")
	overrideString(&cfg.Capture.DefaultSource, "LOQA_CAPTURE_DEFAULT_SOURCE")
	overrideString(&cfg.Capture.ForceMode, "LOQA_CAPTURE_FORCE_MODE")
	overrideString(&cfg.Capture.DefaultSourceLang, "LOQA_CAPTURE_DEFAULT_SOURCE_LANGUAGE")
	overrideString(&cfg.Capture.DefaultTargetLang, "LOQA_CAPTURE_DEFAULT_TARGET_LANGUAGE")
	overrideBool(&cfg.Capture.LocalRecognition, "LOQA_CAPTURE_LOCAL_RECOGNITION")
	overrideBool(&cfg.STT.Enabled, "LOQA_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideString(&cfg.STT.Endpoint, "LOQA_STT_ENDPOINT")
	overrideString(&cfg.STT.APIKey, "LOQA_STT_API_KEY")
	overrideString(&cfg.STT.Model, "LOQA_STT_MODEL")
	overrideInt(&cfg.STT.TimeoutMS, "LOQA_STT_TIMEOUT_MS")
	overrideInt(&cfg.STT.MaxRetries, "LOQA_STT_MAX_RETRIES")
	overrideInt(&cfg.STT.MaxConcurrent, "LOQA_STT_MAX_CONCURRENT")
	overrideFloat(&cfg.STT.RequestsPerSecond, "LOQA_STT_REQUESTS_PER_SECOND")
	overrideBool(&cfg.Stream.Enabled, "LOQA_STREAM_ENABLED")
	overrideString(&cfg.Stream.Endpoint, "LOQA_STREAM_ENDPOINT")
	overrideString(&cfg.Stream.APIKey, "LOQA_STREAM_API_KEY")
	overrideBool(&cfg.Stream.Speak, "LOQA_STREAM_SPEAK")
	overrideInt(&cfg.Stream.MaxReconnects, "LOQA_STREAM_MAX_RECONNECTS")
	overrideInt(&cfg.Stream.ReconnectInitialMS, "LOQA_STREAM_RECONNECT_INITIAL_MS")
	overrideInt(&cfg.Stream.ReconnectMaxMS, "LOQA_STREAM_RECONNECT_MAX_MS")
	overrideInt(&cfg.Stream.HandshakeTimeoutMS, "LOQA_STREAM_HANDSHAKE_TIMEOUT_MS")
	overrideBool(&cfg.Translate.Enabled, "LOQA_TRANSLATE_ENABLED")
	overrideString(&cfg.Translate.Mode, "LOQA_TRANSLATE_MODE")
	overrideString(&cfg.Translate.Endpoint, "LOQA_TRANSLATE_ENDPOINT")
	overrideString(&cfg.Translate.APIKey, "LOQA_TRANSLATE_API_KEY")
	overrideString(&cfg.Translate.Command, "LOQA_TRANSLATE_COMMAND")
	overrideInt(&cfg.Translate.TimeoutMS, "LOQA_TRANSLATE_TIMEOUT_MS")
	overrideInt(&cfg.Translate.CacheSize, "LOQA_TRANSLATE_CACHE_SIZE")
	overrideInt(&cfg.Translate.QueueSize, "LOQA_TRANSLATE_QUEUE_SIZE")
	overrideBool(&cfg.TTS.Enabled, "LOQA_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.Endpoint, "LOQA_TTS_ENDPOINT")
	overrideString(&cfg.TTS.APIKey, "LOQA_TTS_API_KEY")
	overrideString(&cfg.TTS.Voice, "LOQA_TTS_VOICE")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "LOQA_TTS_CHANNELS")
	overrideInt(&cfg.TTS.ChunkDurationMS, "LOQA_TTS_CHUNK_DURATION_MS")
	overrideInt(&cfg.TTS.QueueSize, "LOQA_TTS_QUEUE_SIZE")
	overrideBool(&cfg.Router.Enabled, "LOQA_ROUTER_ENABLED")
	overrideBool(&cfg.Router.Speak, "LOQA_ROUTER_SPEAK")
	overrideString(&cfg.Router.DefaultVoice, "LOQA_ROUTER_DEFAULT_VOICE")
	overrideString(&cfg.Router.Target, "LOQA_ROUTER_TARGET")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

// Validate reports the first configuration problem found in cfg.
func Validate(cfg Config) error {
	return validate(cfg)
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}

	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.Channels <= 0 {
		return errors.New("capture.channels must be positive")
	}
	if cfg.Capture.SegmentDurationMS < 1000 || cfg.Capture.SegmentDurationMS > 3000 {
		return errors.New("capture.segment_duration_ms must be between 1000 and 3000")
	}
	if cfg.Capture.MinSegmentMS < 0 || cfg.Capture.MinSegmentMS > cfg.Capture.SegmentDurationMS {
		return errors.New("capture.min_segment_ms must be between 0 and segment_duration_ms")
	}
	if cfg.Capture.ReconnectGraceMS <= 0 {
		return errors.New("capture.reconnect_grace_ms must be positive")
	}
	if cfg.Capture.WatchdogIntervalMS <= 0 {
		return errors.New("capture.watchdog_interval_ms must be positive")
	}
	if cfg.Capture.DrainTimeoutMS <= 0 {
		return errors.New("capture.drain_timeout_ms must be positive")
	}
	switch cfg.Capture.DefaultSource {
	case "microphone", "tab", "window", "system", "conference":
	default:
		return errors.New("capture.default_source must be one of microphone|tab|window|system|conference")
	}
	switch cfg.Capture.ForceMode {
	case "", "hybrid", "chunked", "native":
	default:
		return errors.New("capture.force_mode must be one of hybrid|chunked|native")
	}
	if cfg.Capture.ForceMode == "native" && !cfg.Stream.Enabled {
		return errors.New("capture.force_mode=native requires stream.enabled")
	}

	if cfg.STT.Enabled {
		switch cfg.STT.Mode {
		case "mock", "exec", "http":
		default:
			return errors.New("stt.mode must be one of mock|exec|http")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
		if cfg.STT.Mode == "http" && cfg.STT.Endpoint == "" {
			return errors.New("stt.endpoint must be set when mode=http")
		}
		if cfg.STT.MaxConcurrent <= 0 {
			return errors.New("stt.max_concurrent must be >= 1")
		}
		if cfg.STT.MaxRetries < 0 {
			return errors.New("stt.max_retries must be >= 0")
		}
		if cfg.STT.RequestsPerSecond < 0 {
			return errors.New("stt.requests_per_second must be >= 0")
		}
	}
	if cfg.Stream.Enabled {
		if cfg.Stream.Endpoint == "" {
			return errors.New("stream.endpoint must be set when stream is enabled")
		}
		if cfg.Stream.MaxReconnects < 0 {
			return errors.New("stream.max_reconnects must be >= 0")
		}
		if cfg.Stream.ReconnectInitialMS <= 0 || cfg.Stream.ReconnectMaxMS < cfg.Stream.ReconnectInitialMS {
			return errors.New("stream.reconnect_max_ms must be >= reconnect_initial_ms > 0")
		}
	}
	if cfg.Translate.Enabled {
		switch cfg.Translate.Mode {
		case "mock", "http", "exec":
		default:
			return errors.New("translate.mode must be one of mock|http|exec")
		}
		if cfg.Translate.Mode == "http" && cfg.Translate.Endpoint == "" {
			return errors.New("translate.endpoint must be set when mode=http")
		}
		if cfg.Translate.Mode == "exec" && cfg.Translate.Command == "" {
			return errors.New("translate.command must be set when mode=exec")
		}
		if cfg.Translate.CacheSize < 0 {
			return errors.New("translate.cache_size must be >= 0")
		}
		if cfg.Translate.QueueSize <= 0 {
			return errors.New("translate.queue_size must be >= 1")
		}
	}
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "mock", "exec", "stream":
		default:
			return errors.New("tts.mode must be one of mock|exec|stream")
		}
		if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
		if cfg.TTS.Mode == "stream" && cfg.TTS.Endpoint == "" {
			return errors.New("tts.endpoint must be set when mode=stream")
		}
		if cfg.TTS.SampleRate <= 0 {
			return errors.New("tts.sample_rate must be positive")
		}
		if cfg.TTS.Channels <= 0 {
			return errors.New("tts.channels must be positive")
		}
		if cfg.TTS.QueueSize <= 0 {
			return errors.New("tts.queue_size must be >= 1")
		}
	}
	if cfg.Router.Enabled && cfg.Router.Speak && cfg.Router.DefaultVoice == "" {
		return errors.New("router.default_voice must be set when router.speak is enabled")
	}
	return nil
}
