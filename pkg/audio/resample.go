package audio

import (
	"github.com/gopxl/beep"
)

// resampleQuality is the Lagrange interpolation order handed to beep.
const resampleQuality = 4

// Resample converts mono samples from fromRate to toRate.
//
// When the rates match (or either is invalid) the input slice is returned
// unchanged. Otherwise the output has exactly ceil(len(samples)*toRate/fromRate)
// samples, rendered offline through beep's interpolating resampler. If the
// renderer runs dry before the target length the remainder is silence.
//
// Interpolation alone folds content above the lower Nyquist frequency back
// into the band, so the signal is low-passed at 0.9*min(fromRate, toRate)/2:
// before interpolation when downsampling, after it when upsampling.
func Resample(samples []float32, fromRate, toRate int) []float32 {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 || len(samples) == 0 {
		return samples
	}

	target := int((int64(len(samples))*int64(toRate) + int64(fromRate) - 1) / int64(fromRate))
	out := make([]float32, target)

	if toRate < fromRate {
		samples = lowPass(samples, antiAliasCutoff*float64(toRate)/float64(fromRate)/2)
	}

	r := beep.Resample(resampleQuality, beep.SampleRate(fromRate), beep.SampleRate(toRate), NewMonoStreamer(samples))
	buf := make([][2]float64, 512)
	for n := 0; n < target; {
		chunk := buf
		if rem := target - n; rem < len(chunk) {
			chunk = chunk[:rem]
		}
		got, ok := r.Stream(chunk)
		for i := range got {
			out[n+i] = float32(chunk[i][0])
		}
		n += got
		if !ok || got == 0 {
			break
		}
	}

	if toRate > fromRate {
		out = lowPass(out, antiAliasCutoff*float64(fromRate)/float64(toRate)/2)
	}
	return out
}

// Resampler converts a stream of buffers between two fixed rates. It is a
// thin convenience around [Resample]; each call is rendered independently.
type Resampler struct {
	From int
	To   int
}

// Process resamples one buffer.
func (r Resampler) Process(samples []float32) []float32 {
	return Resample(samples, r.From, r.To)
}

// Passthrough reports whether Process returns its input unchanged.
func (r Resampler) Passthrough() bool {
	return r.From == r.To || r.From <= 0 || r.To <= 0
}

// NewMonoStreamer exposes a float32 slice as a beep stream, duplicating each
// sample into both channels.
func NewMonoStreamer(samples []float32) beep.Streamer {
	return &monoStreamer{samples: samples}
}

type monoStreamer struct {
	samples []float32
	pos     int
}

func (m *monoStreamer) Stream(buf [][2]float64) (int, bool) {
	if m.pos >= len(m.samples) {
		return 0, false
	}
	n := 0
	for n < len(buf) && m.pos < len(m.samples) {
		v := float64(m.samples[m.pos])
		buf[n] = [2]float64{v, v}
		n++
		m.pos++
	}
	return n, true
}

func (m *monoStreamer) Err() error { return nil }
