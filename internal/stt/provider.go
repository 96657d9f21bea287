package stt

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/pushlean/voice-keyboard-linux/internal/audio"
	"github.com/pushlean/voice-keyboard-linux/internal/config"
	"github.com/pushlean/voice-keyboard-linux/internal/observability"
	"github.com/pushlean/voice-keyboard-linux/internal/resilience"
)

// Provider builds the backend variant selected at configuration time.
type Provider struct {
	cfg     *config.Config
	mode    Mode
	breaker *resilience.CircuitBreaker
	client  *http.Client
	logger  zerolog.Logger

	dial func(ctx context.Context, cfg StreamingConfig) (*StreamingSession, error)
}

// NewProvider creates a provider for cfg.STTBackend.
func NewProvider(cfg *config.Config) *Provider {
	mode := ModeStreaming
	if cfg.STTBackend == config.BackendBatch {
		mode = ModeBatch
	}

	breaker := resilience.NewCircuitBreaker(
		"stt_"+string(mode),
		cfg.CircuitBreakerMaxFailures,
		cfg.BreakerResetTimeout(),
	)
	logger := observability.WithComponent("stt")
	breaker.OnStateChange = func(name string, from, to resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(to))
		logger.Warn().
			Str("breaker", name).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("Circuit breaker state changed")
	}
	observability.UpdateCircuitBreakerState(breaker.Name(), int(resilience.StateClosed))

	return &Provider{
		cfg:     cfg,
		mode:    mode,
		breaker: breaker,
		client:  &http.Client{Timeout: cfg.UploadTimeoutDuration()},
		logger:  logger,
		dial:    DialStreaming,
	}
}

// Mode returns the configured backend variant.
func (p *Provider) Mode() Mode { return p.mode }

// FramerConfig returns the framing the configured backend expects for a device.
// Streaming needs small fixed frames; batch buffers whatever the device delivers.
func (p *Provider) FramerConfig(sampleRate, channels int) audio.FramerConfig {
	fc := audio.FramerConfig{
		Channels:   channels,
		SampleRate: sampleRate,
		Encoding:   audio.EncodingPCM16,
	}
	if p.mode == ModeStreaming {
		fc.FrameDuration = p.cfg.FrameDuration()
	}
	return fc
}

// NewBackend constructs a backend for one session. Streaming opens its
// connection here; batch defers all network work to Finish.
func (p *Provider) NewBackend(ctx context.Context, sampleRate int, logger zerolog.Logger) (Backend, error) {
	if p.mode == ModeBatch {
		return NewBatchSession(BatchConfig{
			URL:        p.cfg.STTURL,
			Model:      p.cfg.WhisperModel,
			SampleRate: sampleRate,
			Credential: p.credential,
			Client:     p.client,
			Logger:     logger,
		}), nil
	}

	streamCfg := StreamingConfig{
		URL:               p.cfg.STTURL,
		APIKey:            p.cfg.DeepgramAPIKey,
		Model:             p.cfg.STTModel,
		Language:          p.cfg.STTLanguage,
		SampleRate:        sampleRate,
		EagerEOTThreshold: p.cfg.EagerEOTThreshold,
		EOTThreshold:      p.cfg.EOTThreshold,
		QueueSize:         p.cfg.IngestQueueSize,
		Logger:            logger,
	}

	var session *StreamingSession
	err := p.breaker.Execute(ctx, func(ctx context.Context) error {
		s, err := p.dial(ctx, streamCfg)
		if err != nil {
			observability.IncrementCircuitBreakerFailures(p.breaker.Name())
			return err
		}
		session = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("open streaming backend: %w", err)
	}
	return session, nil
}

// HasCredential reports whether the configured backend has an API key available.
func (p *Provider) HasCredential() bool {
	if p.mode == ModeBatch {
		return p.credential() != ""
	}
	// Self-hosted streaming endpoints may not require a key.
	return p.cfg.DeepgramAPIKey != "" || p.cfg.STTURL != ""
}

func (p *Provider) credential() string {
	return config.GetEnv("OPENAI_API_KEY", p.cfg.OpenAIAPIKey)
}
