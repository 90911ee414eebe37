package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrNotWAV is returned by ExtractWAVData when the input does not start with
// a RIFF/WAVE header.
var ErrNotWAV = errors.New("audio: not a RIFF/WAVE file")

// ExtractWAVData returns the raw PCM payload of a WAV file by locating its
// "data" chunk. HTTP-based TTS providers return complete WAV files; the media
// path only wants the samples.
//
// The format chunk is not validated against the telephony format — callers
// that request pcm_s16le @ 8 kHz from the provider get exactly that back, and
// a mismatch would be a provider bug surfaced as garbled audio, not a crash.
func ExtractWAVData(b []byte) ([]byte, error) {
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return nil, ErrNotWAV
	}

	// Walk the chunk list after the 12-byte RIFF header.
	off := 12
	for off+8 <= len(b) {
		id := string(b[off : off+4])
		size := int(binary.LittleEndian.Uint32(b[off+4 : off+8]))
		body := off + 8

		if body+size > len(b) {
			return nil, fmt.Errorf("audio: wav chunk %q overruns file (%d+%d > %d)", id, body, size, len(b))
		}
		if id == "data" {
			return b[body : body+size], nil
		}

		// Chunks are word-aligned.
		off = body + size + (size & 1)
	}
	return nil, errors.New("audio: wav data chunk not found")
}
