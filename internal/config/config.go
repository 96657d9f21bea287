package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	BackendStreaming = "streaming"
	BackendBatch     = "batch"

	OutputKeyboard = "keyboard"
	OutputLog      = "log"
)

// Turn-detection threshold bounds accepted by the streaming backend.
const (
	MinEagerThreshold    = 0.3
	MaxEagerThreshold    = 0.9
	MinStandardThreshold = 0.5
	MaxStandardThreshold = 0.9
)

// ErrInvalidThresholds is returned when the eager/standard turn thresholds are out of range
// or not strictly ordered.
var ErrInvalidThresholds = errors.New("invalid turn-detection thresholds")

// Config holds all configuration for the dictation daemon
type Config struct {
	// Control server configuration (health, metrics, HTTP control surface)
	HTTPAddr string `envconfig:"HTTP_ADDR" default:"127.0.0.1:9477"`

	// STT backend selection: streaming or batch
	STTBackend string `envconfig:"STT_BACKEND" default:"streaming"`
	// Endpoint override for the selected backend (empty uses the backend default)
	STTURL string `envconfig:"STT_URL" default:""`

	// Streaming backend configuration
	DeepgramAPIKey        string  `envconfig:"DEEPGRAM_API_KEY" default:""`
	STTModel              string  `envconfig:"STT_MODEL" default:"flux-general-en"`
	STTLanguage           string  `envconfig:"STT_LANGUAGE" default:""`
	EagerEOTThreshold     float64 `envconfig:"EAGER_EOT_THRESHOLD" default:"0"`      // 0 = unset
	EOTThreshold          float64 `envconfig:"EOT_THRESHOLD" default:"0"`            // 0 = unset
	StreamingDrainTimeout int     `envconfig:"STREAMING_DRAIN_TIMEOUT" default:"10"` // seconds
	IngestQueueSize       int     `envconfig:"INGEST_QUEUE_SIZE" default:"32"`       // frames

	// Batch backend configuration
	OpenAIAPIKey  string `envconfig:"OPENAI_API_KEY" default:""`
	WhisperModel  string `envconfig:"WHISPER_MODEL" default:"whisper-1"`
	UploadTimeout int    `envconfig:"UPLOAD_TIMEOUT" default:"60"` // seconds

	// Audio configuration
	FrameDurationMs  int    `envconfig:"FRAME_DURATION_MS" default:"160"`
	AudioCapturePath string `envconfig:"AUDIO_CAPTURE_PATH" default:""` // raw capture dump for diagnostics

	// Session configuration
	InactivityTimeout int `envconfig:"INACTIVITY_TIMEOUT" default:"30"` // seconds, 0 disables the watchdog

	// Collaborators
	OutputMode          string `envconfig:"OUTPUT_MODE" default:"keyboard"` // keyboard or log
	MediaControlEnabled bool   `envconfig:"MEDIA_CONTROL_ENABLED" default:"true"`
	DBusEnabled         bool   `envconfig:"DBUS_ENABLED" default:"true"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.STTBackend = strings.ToLower(strings.TrimSpace(c.STTBackend))
	c.OutputMode = strings.ToLower(strings.TrimSpace(c.OutputMode))
	c.STTURL = strings.TrimSpace(c.STTURL)
}

// Validate rejects configurations that must never reach a recording session.
func (c *Config) Validate() error {
	switch c.STTBackend {
	case BackendStreaming, BackendBatch:
	default:
		return fmt.Errorf("STT_BACKEND must be %q or %q, got %q", BackendStreaming, BackendBatch, c.STTBackend)
	}

	switch c.OutputMode {
	case OutputKeyboard, OutputLog:
	default:
		return fmt.Errorf("OUTPUT_MODE must be %q or %q, got %q", OutputKeyboard, OutputLog, c.OutputMode)
	}

	if err := ValidateThresholds(c.EagerEOTThreshold, c.EOTThreshold); err != nil {
		return err
	}

	if c.InactivityTimeout < 0 {
		return fmt.Errorf("INACTIVITY_TIMEOUT must not be negative, got %d", c.InactivityTimeout)
	}
	if c.FrameDurationMs <= 0 {
		return fmt.Errorf("FRAME_DURATION_MS must be positive, got %d", c.FrameDurationMs)
	}
	if c.IngestQueueSize <= 0 {
		return fmt.Errorf("INGEST_QUEUE_SIZE must be positive, got %d", c.IngestQueueSize)
	}
	return nil
}

// ValidateThresholds checks the eager and standard end-of-turn thresholds.
// A zero value means the threshold is unset and the service default applies.
func ValidateThresholds(eager, standard float64) error {
	for _, v := range []float64{eager, standard} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: threshold %v is not a number", ErrInvalidThresholds, v)
		}
	}
	if eager != 0 && (eager < MinEagerThreshold || eager > MaxEagerThreshold) {
		return fmt.Errorf("%w: eager threshold %.2f outside [%.1f, %.1f]",
			ErrInvalidThresholds, eager, MinEagerThreshold, MaxEagerThreshold)
	}
	if standard != 0 && (standard < MinStandardThreshold || standard > MaxStandardThreshold) {
		return fmt.Errorf("%w: standard threshold %.2f outside [%.1f, %.1f]",
			ErrInvalidThresholds, standard, MinStandardThreshold, MaxStandardThreshold)
	}
	if eager != 0 && standard != 0 && eager >= standard {
		return fmt.Errorf("%w: eager threshold %.2f must be less than standard threshold %.2f",
			ErrInvalidThresholds, eager, standard)
	}
	return nil
}

// InactivityWindow returns the watchdog timeout; zero disables the watchdog.
func (c *Config) InactivityWindow() time.Duration {
	return time.Duration(c.InactivityTimeout) * time.Second
}

// FrameDuration returns the streaming frame duration.
func (c *Config) FrameDuration() time.Duration {
	return time.Duration(c.FrameDurationMs) * time.Millisecond
}

// DrainTimeout bounds how long a stopped streaming session may deliver trailing events.
func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.StreamingDrainTimeout) * time.Second
}

// UploadTimeoutDuration bounds a single batch upload.
func (c *Config) UploadTimeoutDuration() time.Duration {
	return time.Duration(c.UploadTimeout) * time.Second
}

// BreakerResetTimeout returns the circuit breaker reset timeout.
func (c *Config) BreakerResetTimeout() time.Duration {
	return time.Duration(c.CircuitBreakerResetTimeout) * time.Second
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
