package analysis

import (
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"
	"github.com/mjibson/go-dsp/window"
)

const (
	// FrameSize is the FFT analysis frame length in samples.
	FrameSize = 2048
	// HopSize is the analysis hop between successive frames.
	HopSize = 512
)

// Spectral bands for weighted flux. Percussive onsets live mostly in the low
// band, so it dominates the weighting.
var fluxBands = []struct {
	loHz, hiHz float64
	weight     float64
}{
	{20, 150, 1.0},
	{150, 400, 0.6},
	{400, math.MaxFloat64, 0.2},
}

// OnsetAnalyzer computes a normalized onset-strength curve from mono PCM.
type OnsetAnalyzer struct {
	sampleRate int
	hann       []float64
}

// NewOnsetAnalyzer creates an analyzer for the given sample rate.
func NewOnsetAnalyzer(sampleRate int) *OnsetAnalyzer {
	return &OnsetAnalyzer{
		sampleRate: sampleRate,
		hann:       window.Hann(FrameSize),
	}
}

// OnsetCurve returns one onset-strength value per analysis frame. The curve is
// log-compressed and z-score normalized. Empty input (shorter than one frame)
// yields an empty curve.
func (a *OnsetAnalyzer) OnsetCurve(pcm []float32) []float32 {
	if len(pcm) < FrameSize {
		return nil
	}
	numFrames := (len(pcm)-FrameSize)/HopSize + 1

	curve := make([]float32, numFrames)
	frame := make([]float64, FrameSize)
	var prevMag []float64
	mag := make([]float64, FrameSize/2+1)

	nyquist := float64(a.sampleRate) / 2
	binHz := float64(a.sampleRate) / FrameSize

	for i := 0; i < numFrames; i++ {
		start := i * HopSize
		for j := 0; j < FrameSize; j++ {
			frame[j] = float64(pcm[start+j]) * a.hann[j]
		}
		spec := fft.FFTReal(frame)
		for j := 0; j <= FrameSize/2; j++ {
			mag[j] = cmplx.Abs(spec[j])
		}

		if prevMag != nil {
			curve[i] = float32(weightedFlux(mag, prevMag, binHz, nyquist))
		}
		if prevMag == nil {
			prevMag = make([]float64, len(mag))
		}
		copy(prevMag, mag)
	}

	compressAndNormalize(curve)
	return curve
}

// weightedFlux sums rectified bin-to-bin magnitude increases per band and
// combines the band sums with their perceptual weights.
func weightedFlux(mag, prevMag []float64, binHz, nyquist float64) float64 {
	var total float64
	for _, band := range fluxBands {
		hi := band.hiHz
		if hi > nyquist {
			hi = nyquist
		}
		var sum float64
		for j := range mag {
			freq := float64(j) * binHz
			if freq < band.loHz || freq >= hi {
				continue
			}
			if d := mag[j] - prevMag[j]; d > 0 {
				sum += d
			}
		}
		total += band.weight * sum
	}
	return total
}

// compressAndNormalize applies ln(1+x) compression then z-score normalization
// in place. A floor on the standard deviation guards constant curves.
func compressAndNormalize(curve []float32) {
	if len(curve) == 0 {
		return
	}
	var mean float64
	for i, v := range curve {
		c := math.Log1p(float64(v))
		curve[i] = float32(c)
		mean += c
	}
	mean /= float64(len(curve))

	var variance float64
	for _, v := range curve {
		d := float64(v) - mean
		variance += d * d
	}
	stddev := math.Sqrt(variance / float64(len(curve)))
	if stddev < 1e-4 {
		stddev = 1e-4
	}
	for i, v := range curve {
		curve[i] = float32((float64(v) - mean) / stddev)
	}
}
