package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrNotWAV is returned by ParseWAV for data that is not a PCM16 RIFF/WAVE
// file.
var ErrNotWAV = errors.New("audio: not a PCM16 WAV file")

// EncodeWAVHeader returns the canonical 44-byte RIFF/WAVE header for a PCM16
// stream of dataLen payload bytes.
func EncodeWAVHeader(sampleRate, channels, dataLen int) []byte {
	h := make([]byte, 44)
	byteRate := sampleRate * channels * 2
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], uint32(36+dataLen))
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16)
	binary.LittleEndian.PutUint16(h[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(h[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(h[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(h[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(h[32:34], uint16(channels*2))
	binary.LittleEndian.PutUint16(h[34:36], 16)
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], uint32(dataLen))
	return h
}

// ParseWAV walks the chunk list of a RIFF/WAVE file and returns the sample
// rate, channel count, and a slice of the PCM16 payload (aliasing b).
// Non-PCM encodings and bit depths other than 16 are rejected.
func ParseWAV(b []byte) (sampleRate, channels int, pcm []byte, err error) {
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return 0, 0, nil, ErrNotWAV
	}
	pos := 12
	haveFmt := false
	for pos+8 <= len(b) {
		id := string(b[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(b[pos+4 : pos+8]))
		body := pos + 8
		if body+size > len(b) {
			size = len(b) - body
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return 0, 0, nil, fmt.Errorf("%w: short fmt chunk", ErrNotWAV)
			}
			format := binary.LittleEndian.Uint16(b[body : body+2])
			bits := binary.LittleEndian.Uint16(b[body+14 : body+16])
			if format != 1 || bits != 16 {
				return 0, 0, nil, fmt.Errorf("%w: format=%d bits=%d", ErrNotWAV, format, bits)
			}
			channels = int(binary.LittleEndian.Uint16(b[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(b[body+4 : body+8]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return 0, 0, nil, fmt.Errorf("%w: data before fmt", ErrNotWAV)
			}
			return sampleRate, channels, b[body : body+size], nil
		}
		// Chunks are word-aligned.
		pos = body + size + size%2
	}
	return 0, 0, nil, fmt.Errorf("%w: no data chunk", ErrNotWAV)
}
