package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/pushlean/voice-keyboard-linux/internal/audio"
	"github.com/pushlean/voice-keyboard-linux/internal/config"
	"github.com/pushlean/voice-keyboard-linux/internal/ipc"
	"github.com/pushlean/voice-keyboard-linux/internal/keyboard"
	"github.com/pushlean/voice-keyboard-linux/internal/media"
	"github.com/pushlean/voice-keyboard-linux/internal/observability"
	"github.com/pushlean/voice-keyboard-linux/internal/session"
	"github.com/pushlean/voice-keyboard-linux/internal/stt"
)

func main() {
	sttURL := flag.String("stt-url", "", "override the STT endpoint")
	debugSTT := flag.Bool("debug-stt", false, "log transcripts instead of typing them")
	testAudio := flag.Bool("test-audio", false, "record for 5 seconds and print input levels")
	listDevices := flag.Bool("list-devices", false, "list audio input devices and exit")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *sttURL != "" {
		cfg.STTURL = strings.TrimSpace(*sttURL)
	}
	if *debugSTT {
		cfg.OutputMode = config.OutputLog
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	if err := portaudio.Initialize(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize audio")
	}
	defer portaudio.Terminate()

	capture := &audio.PortAudioCapture{Logger: observability.WithComponent("audio")}

	switch {
	case *listDevices:
		if err := printDevices(capture); err != nil {
			logger.Error().Err(err).Msg("Failed to list audio devices")
			os.Exit(1)
		}
		return
	case *testAudio:
		if err := runAudioTest(capture, logger); err != nil {
			logger.Error().Err(err).Msg("Audio test failed")
			os.Exit(1)
		}
		return
	}

	if err := run(cfg, capture, logger); err != nil {
		logger.Error().Err(err).Msg("voicekeyd failed")
		os.Exit(1)
	}
}

func run(cfg *config.Config, capture *audio.PortAudioCapture, logger zerolog.Logger) error {
	logger.Info().
		Str("http_addr", cfg.HTTPAddr).
		Str("stt_backend", cfg.STTBackend).
		Str("output", cfg.OutputMode).
		Str("log_level", cfg.LogLevel).
		Dur("inactivity_timeout", cfg.InactivityWindow()).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice keyboard daemon starting")

	output, err := newOutput(cfg)
	if err != nil {
		return err
	}
	mediaControl := newMediaControl(cfg, logger)
	provider := stt.NewProvider(cfg)
	if !provider.HasCredential() {
		logger.Warn().Str("backend", cfg.STTBackend).Msg("No STT credential configured; sessions will fail until one is set")
	}

	controller := session.NewController(session.Options{
		Capture:       capture,
		Backends:      provider,
		Output:        output,
		Media:         mediaControl,
		DrainTimeout:  cfg.DrainTimeout(),
		UploadTimeout: cfg.UploadTimeoutDuration(),
		CapturePath:   cfg.AudioCapturePath,
		Logger:        observability.WithComponent("session"),
	})
	watchdog := session.NewWatchdog(controller, cfg.InactivityWindow(), observability.WithComponent("watchdog"))

	controller.State().OnChange(func(active bool) {
		logger.Info().Bool("active", active).Msg("Recording state changed")
	})

	if cfg.DBusEnabled {
		dbusService := ipc.NewDBusService(controller, observability.WithComponent("dbus"))
		if err := dbusService.Start(); err != nil {
			logger.Warn().Err(err).Msg("D-Bus control unavailable")
		} else {
			defer dbusService.Close()
			controller.State().OnChange(dbusService.NotifyActive)
		}
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	controllerDone := make(chan struct{})
	go func() {
		defer close(controllerDone)
		_ = controller.Run(ctx)
	}()
	go watchdog.Run(ctx)

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      newMux(cfg, controller, capture, provider, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("Control server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Control server failed")
		}
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(signals)

	logger.Info().Msg("Ready: send SIGUSR1 to toggle recording, SIGUSR2 to cancel")
wait:
	for sig := range signals {
		switch sig {
		case syscall.SIGUSR1:
			controller.Toggle("signal")
		case syscall.SIGUSR2:
			controller.Cancel("signal")
		default:
			break wait
		}
	}

	logger.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Control server forced to shutdown")
	}

	stop()
	select {
	case <-controllerDone:
	case <-shutdownCtx.Done():
		logger.Warn().Msg("Session controller did not stop in time")
	}
	if closer, ok := mediaControl.(interface{ Close() error }); ok {
		_ = closer.Close()
	}

	logger.Info().Msg("Daemon exited gracefully")
	return nil
}

func newMux(cfg *config.Config, controller *session.Controller, capture audio.Capture, provider *stt.Provider, logger zerolog.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"audio_device": func(ctx context.Context) (bool, error) {
			devices, err := capture.ListDevices()
			if err != nil {
				return false, err
			}
			if len(devices) == 0 {
				return false, errors.New("no input devices")
			}
			return true, nil
		},
		"stt_credentials": func(ctx context.Context) (bool, error) {
			if !provider.HasCredential() {
				return false, fmt.Errorf("no credential for %s backend", provider.Mode())
			}
			return true, nil
		},
	}))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	ipc.RegisterHTTP(mux, controller, observability.WithComponent("http"))
	return mux
}

func newOutput(cfg *config.Config) (session.KeyboardOutput, error) {
	if cfg.OutputMode == config.OutputLog {
		return keyboard.NewLogOutput(observability.WithComponent("transcript")), nil
	}
	typist, err := keyboard.NewTypist(observability.WithComponent("keyboard"))
	if err != nil {
		observability.RecordError(observability.ErrorSetup, "keyboard")
		return nil, err
	}
	return typist, nil
}

func newMediaControl(cfg *config.Config, logger zerolog.Logger) session.MediaControl {
	if !cfg.MediaControlEnabled {
		return session.NoopMedia{}
	}
	m, err := media.NewMPRIS(observability.WithComponent("media"))
	if err != nil {
		logger.Warn().Err(err).Msg("Media control unavailable")
		return session.NoopMedia{}
	}
	return m
}

func printDevices(capture audio.Capture) error {
	names, err := capture.ListDevices()
	if err != nil {
		return err
	}
	fmt.Println("Available input devices:")
	for i, name := range names {
		fmt.Printf("  %d: %s\n", i, name)
	}
	return nil
}

// runAudioTest records from the default device for five seconds and logs a
// level meter.
func runAudioTest(capture audio.Capture, logger zerolog.Logger) error {
	handle, err := capture.Open()
	if err != nil {
		return err
	}
	logger.Info().Int("sample_rate", handle.SampleRate()).Int("channels", handle.Channels()).Msg("Testing audio input")

	type reading struct {
		level   float64
		talking bool
	}
	vad := audio.NewVADDetector(audio.DefaultVADConfig())
	readings := make(chan reading, 64)
	if err := handle.Start(func(samples []float32) {
		talking, _ := vad.Process(samples)
		select {
		case readings <- reading{level: audio.CalculateRMSFloat(samples), talking: talking}:
		default:
		}
	}); err != nil {
		_ = handle.Stop()
		return err
	}
	defer handle.Stop()

	logger.Info().Msg("Recording for 5 seconds...")
	deadline := time.After(5 * time.Second)
	for {
		select {
		case r := <-readings:
			bar := strings.Repeat("#", min(int(r.level*50), 50))
			logger.Info().
				Float64("level", r.level).
				Str("db", fmt.Sprintf("%.1f", audio.LevelDB(r.level))).
				Bool("speech", r.talking).
				Msgf("[%s]", bar)
		case <-handle.Done():
			return handle.Err()
		case <-deadline:
			logger.Info().Msg("Audio test completed")
			return nil
		}
	}
}
