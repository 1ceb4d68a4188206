package audio

// Chunk is a span of PCM16 audio plus the capture metadata that travels with
// it through the pipeline. Chunks are the atomic unit of audio transport —
// parsed off the wire or sliced out of a decoder, resampled per provider, and
// paired with transcripts for latency attribution.
type Chunk struct {
	// Data is little-endian int16 PCM, interleaved if the stream has more
	// than one channel.
	Data []byte

	// Meta carries the attribution metadata for this span of audio.
	Meta FrameMeta
}

// FrameMeta is the per-chunk attribution record. A copy of it is queued for
// every chunk sent to a provider so the next transcript can be timed against
// the audio span that produced it.
type FrameMeta struct {
	// Seq is the client-assigned sequence number. It wraps at 2^32;
	// consumers must not assume monotonicity beyond per-channel ordering.
	Seq uint32

	// CaptureTs is the end-of-chunk wall clock in milliseconds since the
	// Unix epoch, as recorded by whoever produced the PCM.
	CaptureTs float64

	// DurationMs is the chunk length in milliseconds.
	DurationMs float64
}

// StartMs returns the wall-clock start of the chunk's span in milliseconds
// since the Unix epoch.
func (m FrameMeta) StartMs() float64 {
	return m.CaptureTs - m.DurationMs
}

// SampleCount returns the number of PCM16 sample frames in byteLen bytes of
// interleaved audio.
func SampleCount(byteLen, channels int) int {
	if channels < 1 {
		channels = 1
	}
	return byteLen / (2 * channels)
}

// DurationMs returns the play time in milliseconds of byteLen bytes of PCM16
// at the given rate and channel count.
func DurationMs(byteLen, sampleRate, channels int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(SampleCount(byteLen, channels)) / float64(sampleRate) * 1000
}
