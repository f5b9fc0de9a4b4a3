package audio

import "math"

const (
	// lowPassTaps is the FIR length of the anti-aliasing filter. A Blackman
	// window at this length reaches stopband within roughly 5.5/65 of the
	// sample rate past the cutoff.
	lowPassTaps = 65

	// antiAliasCutoff places the corner below the lower Nyquist frequency so
	// the transition band has finished by the time it is reached.
	antiAliasCutoff = 0.9
)

// lowPass filters samples with a Blackman-windowed sinc FIR. cutoff is a
// fraction of the sample rate in (0, 0.5). Both ends are extended with the
// edge sample, so each buffer can be filtered on its own without ringing
// towards zero at the boundaries. The result has unity gain at DC.
func lowPass(samples []float32, cutoff float64) []float32 {
	if len(samples) == 0 || cutoff <= 0 || cutoff >= 0.5 {
		return samples
	}
	kernel := sincKernel(cutoff, lowPassTaps)
	half := len(kernel) / 2
	last := len(samples) - 1

	out := make([]float32, len(samples))
	for i := range samples {
		var acc float64
		for k, h := range kernel {
			j := min(max(i+k-half, 0), last)
			acc += h * float64(samples[j])
		}
		out[i] = float32(acc)
	}
	return out
}

func sincKernel(cutoff float64, taps int) []float64 {
	h := make([]float64, taps)
	m := float64(taps - 1)
	var sum float64
	for i := range h {
		x := float64(i) - m/2
		v := 2 * cutoff
		if x != 0 {
			v = math.Sin(2*math.Pi*cutoff*x) / (math.Pi * x)
		}
		w := 0.42 - 0.5*math.Cos(2*math.Pi*float64(i)/m) + 0.08*math.Cos(4*math.Pi*float64(i)/m)
		h[i] = v * w
		sum += h[i]
	}
	for i := range h {
		h[i] /= sum
	}
	return h
}
