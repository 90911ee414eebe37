// Package audio provides PCM frame arithmetic for the telephony media path.
//
// All audio in Ligvox is linear PCM, 8 kHz, mono, signed 16-bit little-endian.
// The switch exchanges audio in fixed 20 ms frames (160 samples = 320 bytes),
// and every component that touches raw audio — the switch adapter, the TTS
// framer, the barge-in truncation estimate — goes through this package so the
// frame math lives in exactly one place.
package audio

import "time"

const (
	// SampleRate is the telephony sample rate in Hz.
	SampleRate = 8000

	// BytesPerSample is the width of one signed 16-bit sample.
	BytesPerSample = 2

	// FrameDuration is the wall-clock length of one switch frame.
	FrameDuration = 20 * time.Millisecond

	// FrameSamples is the number of samples in one frame.
	FrameSamples = SampleRate / 50 // 20 ms

	// FrameBytes is the byte length of one frame.
	FrameBytes = FrameSamples * BytesPerSample
)

// Duration returns the playback duration of n bytes of PCM.
func Duration(n int) time.Duration {
	samples := n / BytesPerSample
	return time.Duration(samples) * time.Second / SampleRate
}

// BytesFor returns the number of PCM bytes covering duration d, rounded down
// to a whole sample.
func BytesFor(d time.Duration) int {
	samples := int(d * SampleRate / time.Second)
	return samples * BytesPerSample
}

// SilenceFrame returns a fresh all-zero frame. Callers may mutate the result.
func SilenceFrame() []byte {
	return make([]byte, FrameBytes)
}

// Framer re-chunks an arbitrary PCM byte stream into fixed switch frames.
// TTS providers emit audio in whatever chunk sizes their transport produces;
// the switch needs exact 320-byte frames. A Framer carries the remainder
// between pushes.
//
// Framer is not safe for concurrent use; each media path owns its own.
type Framer struct {
	rest []byte
}

// Push appends chunk to the internal buffer and returns all complete frames
// now available, in order. The returned slices are copies and remain valid
// after subsequent calls.
func (f *Framer) Push(chunk []byte) [][]byte {
	f.rest = append(f.rest, chunk...)

	n := len(f.rest) / FrameBytes
	if n == 0 {
		return nil
	}

	frames := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		frame := make([]byte, FrameBytes)
		copy(frame, f.rest[i*FrameBytes:(i+1)*FrameBytes])
		frames = append(frames, frame)
	}
	f.rest = f.rest[:copy(f.rest, f.rest[n*FrameBytes:])]
	return frames
}

// Flush returns the trailing partial frame padded with silence, or nil when
// no partial data is buffered. The Framer is empty afterwards.
func (f *Framer) Flush() []byte {
	if len(f.rest) == 0 {
		return nil
	}
	frame := make([]byte, FrameBytes)
	copy(frame, f.rest)
	f.rest = f.rest[:0]
	return frame
}

// Buffered returns the number of bytes awaiting a complete frame.
func (f *Framer) Buffered() int {
	return len(f.rest)
}
