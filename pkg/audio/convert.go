package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeFloat32 converts float samples in [-1, 1] to signed 16-bit
// little-endian PCM by scaling with 32768 and truncating toward zero.
//
// Input is not clamped: a sample of exactly 1.0 (or anything outside the
// range) wraps with two's-complement truncation. Callers that cannot
// guarantee the range should run [Clamp] first.
func EncodeFloat32(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int16(int32(s * 32768))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// DecodeFloat32 converts s16le PCM back to float samples. A trailing odd
// byte is ignored.
func DecodeFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(v) / 32768
	}
	return out
}

// Clamp limits every sample to [-1, 32767/32768] in place so that
// [EncodeFloat32] never wraps. It returns samples for chaining.
func Clamp(samples []float32) []float32 {
	const maxPositive = float32(32767) / 32768
	for i, s := range samples {
		switch {
		case s > maxPositive:
			samples[i] = maxPositive
		case s < -1:
			samples[i] = -1
		case math.IsNaN(float64(s)):
			samples[i] = 0
		}
	}
	return samples
}

// EncodeBase64 returns the standard base64 encoding of a PCM chunk as
// required by the JSON wire protocol.
func EncodeBase64(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// DecodeBase64 decodes a base64 PCM payload received from the wire.
func DecodeBase64(data string) ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("audio: decode base64: %w", err)
	}
	return pcm, nil
}

// Silence returns n zero-valued samples.
func Silence(n int) []float32 {
	if n <= 0 {
		return nil
	}
	return make([]float32, n)
}
