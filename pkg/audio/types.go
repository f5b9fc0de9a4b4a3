package audio

import "time"

// Transport formats used on the wire to the conversational engine.
const (
	// TransportSampleRate is the rate at which microphone audio is sent upstream.
	TransportSampleRate = 16000

	// SynthesisSampleRate is the rate of the synthesised speech the engine returns.
	SynthesisSampleRate = 24000

	// TransportBitDepth is the bit depth of all PCM on the wire.
	TransportBitDepth = 16
)

// Frame is a single buffer of outbound audio: signed 16-bit little-endian
// samples at the transport rate. Frames are transient; the capture loop owns
// a frame until it is handed to the session's outbound queue.
type Frame struct {
	// Data holds s16le PCM.
	Data []byte

	// SampleRate in Hz (16000 for the transport).
	SampleRate int

	// Channels: always 1 on the transport.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Segment is a decoded, playable unit of output audio. Samples are mono
// float32 values nominally in [-1, 1] at SampleRate.
type Segment struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the playback length of the segment.
func (s Segment) Duration() time.Duration {
	if s.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(s.Samples)) * time.Second / time.Duration(s.SampleRate)
}

// Resample returns a copy of s rendered at rate. Matching rates return s
// unchanged.
func (s Segment) Resample(rate int) Segment {
	if rate == s.SampleRate || rate <= 0 {
		return s
	}
	return Segment{
		Samples:    Resample(s.Samples, s.SampleRate, rate),
		SampleRate: rate,
	}
}
