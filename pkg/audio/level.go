package audio

import "math"

// silenceFloorDbfs is reported for PCM that contains no signal at all.
const silenceFloorDbfs = -96.0

// RMS16 returns the root-mean-square level of little-endian int16 PCM,
// normalized to [0, 1]. Interleaved channels all contribute equally.
func RMS16(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := range samples {
		s := float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		sum += s * s
	}
	return math.Sqrt(sum/float64(samples)) / 32768.0
}

// PeakDbfs returns the peak level of little-endian int16 PCM in dBFS.
// Digital silence reports -96 dBFS.
func PeakDbfs(pcm []byte) float64 {
	samples := len(pcm) / 2
	var peak int32
	for i := range samples {
		s := int32(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	if peak == 0 {
		return silenceFloorDbfs
	}
	return 20 * math.Log10(float64(peak)/32768.0)
}

// ApplyGain16 scales little-endian int16 PCM by gainDb decibels, clamping to
// the int16 range. A fresh slice is returned; the input is not modified.
func ApplyGain16(pcm []byte, gainDb float64) []byte {
	factor := math.Pow(10, gainDb/20)
	samples := len(pcm) / 2
	out := make([]byte, samples*2)
	for i := range samples {
		s := float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		scaled := int32(math.Round(s * factor))
		if scaled > 32767 {
			scaled = 32767
		} else if scaled < -32768 {
			scaled = -32768
		}
		out[i*2] = byte(scaled)
		out[i*2+1] = byte(scaled >> 8)
	}
	return out
}
