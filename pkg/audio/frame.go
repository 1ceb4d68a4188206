package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// HeaderSize is the byte length of the metadata header prefixed to every
// raw-PCM wire frame.
const HeaderSize = 16

// ErrInvalidFrame is returned when a binary frame is too short to carry the
// metadata header plus at least one byte of payload.
var ErrInvalidFrame = errors.New("audio: invalid frame")

// EncodeFrame prepends the 16-byte little-endian metadata header to pcm.
// Layout: seq uint32 at offset 0, captureTs float64 (ms since epoch) at
// offset 4, durationMs float32 at offset 12.
func EncodeFrame(meta FrameMeta, pcm []byte) []byte {
	out := make([]byte, HeaderSize+len(pcm))
	binary.LittleEndian.PutUint32(out[0:4], meta.Seq)
	binary.LittleEndian.PutUint64(out[4:12], math.Float64bits(meta.CaptureTs))
	binary.LittleEndian.PutUint32(out[12:16], math.Float32bits(float32(meta.DurationMs)))
	copy(out[HeaderSize:], pcm)
	return out
}

// DecodeFrame splits a wire frame into its metadata header and PCM payload.
// The payload aliases b; callers that retain it past the read must copy.
func DecodeFrame(b []byte) (FrameMeta, []byte, error) {
	if len(b) <= HeaderSize {
		return FrameMeta{}, nil, fmt.Errorf("%w: %d bytes", ErrInvalidFrame, len(b))
	}
	meta := FrameMeta{
		Seq:        binary.LittleEndian.Uint32(b[0:4]),
		CaptureTs:  math.Float64frombits(binary.LittleEndian.Uint64(b[4:12])),
		DurationMs: float64(math.Float32frombits(binary.LittleEndian.Uint32(b[12:16]))),
	}
	return meta, b[HeaderSize:], nil
}
