package audio

import "math"

// Level returns the root-mean-square amplitude of samples, clamped to [0, 1].
// An empty slice has level 0.
func Level(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if math.IsNaN(rms) {
		return 0
	}
	return min(rms, 1)
}
