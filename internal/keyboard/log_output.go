package keyboard

import (
	"sync"

	"github.com/rs/zerolog"
)

// LogOutput writes transcripts to the log instead of typing them.
type LogOutput struct {
	logger zerolog.Logger

	mu      sync.Mutex
	current string
	turns   int
}

func NewLogOutput(logger zerolog.Logger) *LogOutput {
	return &LogOutput{logger: logger}
}

func (o *LogOutput) UpdateTranscript(text string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.current = text
	o.logger.Info().Str("event", "Update").Str("transcript", text).Msg("Transcription")
	return nil
}

func (o *LogOutput) FinalizeTranscript() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.turns++
	o.logger.Info().Str("event", "EndOfTurn").Str("transcript", o.current).Int("turn", o.turns).Msg("Transcription")
	o.current = ""
	return nil
}

func (o *LogOutput) MarkEagerFinalized() {
	o.logger.Debug().Msg("Turn finalized eagerly")
}

func (o *LogOutput) ResetEagerFlag() {}

// Turns returns the number of finalized turns.
func (o *LogOutput) Turns() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.turns
}
