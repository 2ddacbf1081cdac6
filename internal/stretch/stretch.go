// Package stretch changes playback speed by resampling decoded PCM, so a
// track's tempo can be matched to another's without touching the decode rate.
package stretch

import (
	"fmt"
	"math"
	"sync"

	resampler "github.com/tphakala/go-audio-resampler"
)

const (
	// MinSpeed and MaxSpeed bound the accepted speed ratio.
	MinSpeed = 0.5
	MaxSpeed = 2.0
	// rebuildHysteresis avoids resampler churn on tiny speed adjustments.
	rebuildHysteresis = 0.03
)

// TimeStretcher resamples interleaved PCM to play it back faster or slower.
// A speed ratio above 1.0 shortens the output (faster playback).
type TimeStretcher struct {
	sampleRate int
	channels   int

	mu      sync.Mutex
	speed   float64
	engines []*resampler.SimpleResamplerFloat32
}

// New creates a stretcher at unity speed. Engines are only built once a
// non-unity speed is requested.
func New(sampleRate, channels int) (*TimeStretcher, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("stretch: invalid format %dHz/%dch", sampleRate, channels)
	}
	return &TimeStretcher{
		sampleRate: sampleRate,
		channels:   channels,
		speed:      1.0,
	}, nil
}

// Speed returns the current speed ratio.
func (t *TimeStretcher) Speed() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.speed
}

// SetSpeed clamps the ratio to [0.5,2.0] and rebuilds the resampler engines.
// Changes smaller than 3% of the current ratio are ignored to avoid rebuild
// churn mid-playback.
func (t *TimeStretcher) SetSpeed(ratio float64) error {
	if ratio < MinSpeed {
		ratio = MinSpeed
	} else if ratio > MaxSpeed {
		ratio = MaxSpeed
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if math.Abs(ratio-t.speed) <= rebuildHysteresis*t.speed {
		return nil
	}

	if ratio == 1.0 {
		t.speed = 1.0
		t.engines = nil
		return nil
	}

	// The resampler consumes at the decode rate and produces at rate/speed,
	// which the device then plays back at the decode rate.
	outRate := math.Round(float64(t.sampleRate) / ratio)
	engines := make([]*resampler.SimpleResamplerFloat32, t.channels)
	for c := range engines {
		eng, err := resampler.NewEngineFloat32(float64(t.sampleRate), outRate, resampler.QualityMedium)
		if err != nil {
			return fmt.Errorf("stretch: build resampler %d->%.0f: %w", t.sampleRate, outRate, err)
		}
		engines[c] = eng
	}
	t.speed = ratio
	t.engines = engines
	return nil
}

// Process resamples one buffer of interleaved PCM. Empty input yields empty
// output; trailing samples that do not form a complete frame are dropped. At
// unity speed the input is passed through untouched.
func (t *TimeStretcher) Process(interleaved []float32) ([]float32, error) {
	if len(interleaved) == 0 {
		return nil, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	frames := len(interleaved) / t.channels
	interleaved = interleaved[:frames*t.channels]

	if t.engines == nil {
		out := make([]float32, len(interleaved))
		copy(out, interleaved)
		return out, nil
	}

	// De-interleave, resample each channel, re-interleave.
	planar := make([][]float32, t.channels)
	for c := range planar {
		planar[c] = make([]float32, frames)
		for i := 0; i < frames; i++ {
			planar[c][i] = interleaved[i*t.channels+c]
		}
	}

	outFrames := -1
	for c, eng := range t.engines {
		out, err := eng.Process(planar[c])
		if err != nil {
			return nil, fmt.Errorf("stretch: resample channel %d: %w", c, err)
		}
		planar[c] = out
		if outFrames < 0 || len(out) < outFrames {
			outFrames = len(out)
		}
	}

	out := make([]float32, outFrames*t.channels)
	for c := range planar {
		for i := 0; i < outFrames; i++ {
			out[i*t.channels+c] = planar[c][i]
		}
	}
	return out, nil
}
