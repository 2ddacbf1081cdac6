package stream

import (
	"context"
	"fmt"
	"log"

	resampler "github.com/tphakala/go-audio-resampler"
)

// Feeder converts the player's mixed output (engine rate) into fixed 20ms
// frames at the 48kHz broadcast rate and hands them to the broadcaster.
type Feeder struct {
	engines [BroadcastChannels]*resampler.SimpleResamplerFloat32
	frames  chan []int16
	pending []int16
}

// NewFeeder creates a feeder resampling from the given input rate.
func NewFeeder(inputRate int) (*Feeder, error) {
	f := &Feeder{
		frames: make(chan []int16, 150),
	}
	if inputRate != BroadcastRate {
		for c := range f.engines {
			eng, err := resampler.NewEngineFloat32(float64(inputRate), BroadcastRate, resampler.QualityMedium)
			if err != nil {
				return nil, fmt.Errorf("stream: broadcast resampler: %w", err)
			}
			f.engines[c] = eng
		}
	}
	return f, nil
}

// Frames is the broadcaster source channel.
func (f *Feeder) Frames() <-chan []int16 { return f.frames }

// Run consumes mixed interleaved int16 frames from source, resamples, and
// emits fixed-size broadcast frames until ctx is cancelled or source closes.
func (f *Feeder) Run(ctx context.Context, source <-chan []int16) {
	defer close(f.frames)
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-source:
			if !ok {
				return
			}
			out, err := f.convert(in)
			if err != nil {
				log.Printf("stream: resample: %v", err)
				continue
			}
			f.emit(out)
		}
	}
}

// convert resamples one interleaved block to the broadcast rate.
func (f *Feeder) convert(in []int16) ([]int16, error) {
	if f.engines[0] == nil {
		return in, nil
	}
	frames := len(in) / BroadcastChannels
	planar := [BroadcastChannels][]float32{}
	for c := range planar {
		planar[c] = make([]float32, frames)
		for i := 0; i < frames; i++ {
			planar[c][i] = float32(in[i*BroadcastChannels+c]) / 32768
		}
	}

	outFrames := -1
	for c, eng := range f.engines {
		res, err := eng.Process(planar[c])
		if err != nil {
			return nil, err
		}
		planar[c] = res
		if outFrames < 0 || len(res) < outFrames {
			outFrames = len(res)
		}
	}

	out := make([]int16, outFrames*BroadcastChannels)
	for c := range planar {
		for i := 0; i < outFrames; i++ {
			v := planar[c][i] * 32767
			if v > 32767 {
				v = 32767
			} else if v < -32768 {
				v = -32768
			}
			out[i*BroadcastChannels+c] = int16(v)
		}
	}
	return out, nil
}

// emit accumulates samples and pushes complete 20ms frames, dropping when the
// broadcaster side is saturated.
func (f *Feeder) emit(samples []int16) {
	f.pending = append(f.pending, samples...)
	for len(f.pending) >= FrameSamples {
		frame := make([]int16, FrameSamples)
		copy(frame, f.pending[:FrameSamples])
		f.pending = f.pending[FrameSamples:]
		select {
		case f.frames <- frame:
		default:
		}
	}
}
