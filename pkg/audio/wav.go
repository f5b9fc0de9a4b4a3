package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gopxl/beep/wav"
)

// WAVHeaderSize is the length of the canonical PCM RIFF/WAVE header.
const WAVHeaderSize = 44

var (
	// ErrEmptySegment is returned by [Decode] when the payload holds no
	// complete sample frame.
	ErrEmptySegment = errors.New("audio: empty segment")

	// ErrMalformedHeader is returned by [Decode] when the requested container
	// parameters cannot describe a valid PCM stream.
	ErrMalformedHeader = errors.New("audio: malformed header")
)

// WAVHeader builds the canonical 44-byte header for dataLen bytes of integer
// PCM with the given parameters.
func WAVHeader(dataLen, sampleRate, channels, bitDepth int) []byte {
	bytesPerSample := bitDepth / 8
	h := make([]byte, WAVHeaderSize)

	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], uint32(36+dataLen))
	copy(h[8:12], "WAVE")

	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16)
	binary.LittleEndian.PutUint16(h[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(h[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(h[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(h[28:32], uint32(sampleRate*channels*bytesPerSample))
	binary.LittleEndian.PutUint16(h[32:34], uint16(channels*bytesPerSample))
	binary.LittleEndian.PutUint16(h[34:36], uint16(bitDepth))

	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], uint32(dataLen))
	return h
}

// WrapPCM prepends a [WAVHeader] to headerless PCM so that a generic audio
// file decoder can interpret it.
func WrapPCM(pcm []byte, sampleRate, channels, bitDepth int) []byte {
	out := make([]byte, 0, WAVHeaderSize+len(pcm))
	out = append(out, WAVHeader(len(pcm), sampleRate, channels, bitDepth)...)
	return append(out, pcm...)
}

// Decode turns a headerless PCM chunk into a playable [Segment].
//
// The raw bytes are wrapped in a WAV container and handed to a standard WAV
// decoder rather than being interpreted by hand. Multi-channel input is
// down-mixed to mono. A trailing partial frame is discarded.
func Decode(pcm []byte, sampleRate, channels, bitDepth int) (Segment, error) {
	if sampleRate <= 0 || channels <= 0 || channels > 2 {
		return Segment{}, fmt.Errorf("%w: rate=%d channels=%d", ErrMalformedHeader, sampleRate, channels)
	}
	if bitDepth != 16 {
		return Segment{}, fmt.Errorf("%w: unsupported bit depth %d", ErrMalformedHeader, bitDepth)
	}

	frameBytes := channels * bitDepth / 8
	usable := len(pcm) - len(pcm)%frameBytes
	if usable == 0 {
		return Segment{}, ErrEmptySegment
	}

	stream, format, err := wav.Decode(bytes.NewReader(WrapPCM(pcm[:usable], sampleRate, channels, bitDepth)))
	if err != nil {
		return Segment{}, fmt.Errorf("audio: decode wav: %w", err)
	}
	defer stream.Close()

	out := make([]float32, 0, usable/frameBytes)
	buf := make([][2]float64, 512)
	for {
		n, ok := stream.Stream(buf)
		for _, s := range buf[:n] {
			if format.NumChannels == 1 {
				out = append(out, float32(s[0]))
			} else {
				out = append(out, float32((s[0]+s[1])/2))
			}
		}
		if !ok || n == 0 {
			break
		}
	}
	if err := stream.Err(); err != nil {
		return Segment{}, fmt.Errorf("audio: decode wav: %w", err)
	}
	if len(out) == 0 {
		return Segment{}, ErrEmptySegment
	}

	return Segment{Samples: out, SampleRate: int(format.SampleRate)}, nil
}
