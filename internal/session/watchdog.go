package session

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/pushlean/voice-keyboard-linux/internal/observability"
)

// DefaultWatchdogInterval is the watchdog poll period.
const DefaultWatchdogInterval = time.Second

// Watchdog stops a session that has produced no transcript text for Timeout.
type Watchdog struct {
	controller *Controller
	timeout    time.Duration
	interval   time.Duration
	now        func() time.Time
	logger     zerolog.Logger
}

// NewWatchdog creates a watchdog for controller. A zero timeout disables it.
func NewWatchdog(controller *Controller, timeout time.Duration, logger zerolog.Logger) *Watchdog {
	return &Watchdog{
		controller: controller,
		timeout:    timeout,
		interval:   DefaultWatchdogInterval,
		now:        time.Now,
		logger:     logger,
	}
}

// Run polls until ctx is done.
func (w *Watchdog) Run(ctx context.Context) {
	if w.timeout <= 0 {
		w.logger.Info().Msg("Inactivity watchdog disabled")
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check()
		}
	}
}

// Check runs one poll. The visible flag is cleared before Stop is queued, so a
// single idle period yields at most one Stop.
func (w *Watchdog) Check() bool {
	if w.timeout <= 0 {
		return false
	}
	if !w.controller.state.deactivateIfIdle(w.now(), w.timeout) {
		return false
	}

	w.logger.Info().Dur("timeout", w.timeout).Msg("No transcript activity, stopping recording")
	observability.RecordWatchdogStop()
	w.controller.submit(request{cmd: CommandStop}, "watchdog")
	return true
}
