package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// FloatToPCM16 converts float samples in [-1, 1] to 16-bit signed little-endian PCM.
// Out-of-range samples are clipped.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

func floatToInt16(s float32) int16 {
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	if s < 0 {
		return int16(s * 32768)
	}
	return int16(s * 32767)
}

// PCM16ToFloat converts 16-bit signed little-endian PCM to float samples.
func PCM16ToFloat(pcmData []byte) ([]float32, error) {
	if len(pcmData)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples)")
	}
	out := make([]float32, len(pcmData)/2)
	for i := range out {
		sample := int16(binary.LittleEndian.Uint16(pcmData[i*2:]))
		out[i] = float32(sample) / 32768
	}
	return out, nil
}

// PCM16Samples decodes 16-bit little-endian PCM into integer samples.
func PCM16Samples(pcmData []byte) ([]int16, error) {
	if len(pcmData)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples)")
	}
	samples := make([]int16, len(pcmData)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcmData[i*2:]))
	}
	return samples, nil
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
// Useful for detecting audio levels and silence
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}

// CalculateRMSFloat is CalculateRMS for float samples; the result is in [0, 1].
func CalculateRMSFloat(samples []float32) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}

// LevelDB converts an RMS level in [0, 1] to dBFS, floored at -96.
func LevelDB(rms float64) float64 {
	if rms <= 0 {
		return -96
	}
	db := 20 * math.Log10(rms)
	if db < -96 {
		return -96
	}
	return db
}
