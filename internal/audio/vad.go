package audio

// VADConfig configures the energy-based speech detector.
type VADConfig struct {
	ThresholdDB    float64 // level above which a block counts as speech
	HangoverBlocks int     // consecutive quiet blocks before speech is considered over
}

// DefaultVADConfig suits a desk microphone at normal speaking distance.
func DefaultVADConfig() VADConfig {
	return VADConfig{
		ThresholdDB:    -45,
		HangoverBlocks: 8,
	}
}

// VADDetector tracks whether captured audio currently contains speech. It is
// used by the audio test mode to show whether the microphone picks up voice.
type VADDetector struct {
	config  VADConfig
	quiet   int
	talking bool
}

func NewVADDetector(config VADConfig) *VADDetector {
	if config.HangoverBlocks <= 0 {
		config.HangoverBlocks = 1
	}
	return &VADDetector{config: config}
}

// Process consumes one block of samples and returns the current speech state
// and whether it changed with this block.
func (v *VADDetector) Process(samples []float32) (talking, changed bool) {
	loud := LevelDB(CalculateRMSFloat(samples)) > v.config.ThresholdDB

	switch {
	case loud:
		v.quiet = 0
		if !v.talking {
			v.talking = true
			changed = true
		}
	case v.talking:
		v.quiet++
		if v.quiet >= v.config.HangoverBlocks {
			v.talking = false
			v.quiet = 0
			changed = true
		}
	}
	return v.talking, changed
}

func (v *VADDetector) Reset() {
	v.quiet = 0
	v.talking = false
}
