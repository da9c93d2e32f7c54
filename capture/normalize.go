package capture

import "math"

const (
	// TargetRMS is the level captured frames are normalized toward.
	TargetRMS = 0.8

	// MaxGain caps the normalizing gain so low-level noise is not blown up
	// to full scale.
	MaxGain = 20
)

// RMS returns the root mean square of samples.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Normalize scales samples in place toward TargetRMS and clamps to [-1, 1].
// Silent frames are left unchanged.
func Normalize(samples []float32) {
	rms := RMS(samples)
	if rms == 0 || math.IsNaN(rms) {
		return
	}
	gain := math.Min(TargetRMS/rms, MaxGain)
	for i, s := range samples {
		samples[i] = clamp(float32(float64(s) * gain))
	}
}
