package audio

const (
	SampleRate = 44100
	Channels   = 2
	// ChunkFrames is the number of frames (per channel) in one decoded chunk.
	ChunkFrames = 1024
	// ChunkSamples is the total interleaved float32 samples per chunk.
	ChunkSamples = ChunkFrames * Channels
)

// Chunk is one unit of interleaved float32 PCM moving through the ring buffers.
type Chunk []float32

// MixdownMono averages interleaved multi-channel samples into a mono signal,
// one output sample per frame. Used to feed the beat analyzer.
func MixdownMono(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		out := make([]float32, len(interleaved))
		copy(out, interleaved)
		return out
	}
	frames := len(interleaved) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += interleaved[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// FloatsToInt16 converts float32 samples in [-1,1] to int16 with clipping.
func FloatsToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := s * 32767
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[i] = int16(v)
	}
	return out
}

// Int16ToBytes converts int16 samples to little-endian bytes.
func Int16ToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		buf[i*2] = byte(uint16(s))
		buf[i*2+1] = byte(uint16(s) >> 8)
	}
	return buf
}
