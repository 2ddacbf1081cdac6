package analysis

import "math"

const (
	minBPM = 60
	maxBPM = 200
	// maxCombOffsets caps the phase offsets scanned per candidate period.
	maxCombOffsets = 16
	// beatThreshold is the minimum normalized onset value accepted as a beat.
	beatThreshold = 0.5
)

// TempoEstimator derives BPM, beat positions, and the downbeat offset from an
// onset-strength curve using comb-filter scoring.
type TempoEstimator struct {
	sampleRate int
}

// NewTempoEstimator creates an estimator for the given sample rate.
func NewTempoEstimator(sampleRate int) *TempoEstimator {
	return &TempoEstimator{sampleRate: sampleRate}
}

// periodFrames converts a BPM candidate to its beat period in analysis frames.
func (t *TempoEstimator) periodFrames(bpm float64) int {
	return int(math.Round(60.0 / bpm * float64(t.sampleRate) / HopSize))
}

// combScore scores a candidate period: for each phase offset, average the
// rectified onset values at every period step; the score is the best offset's
// mean. Averaging instead of summing keeps short periods from winning merely
// by visiting more frames.
func combScore(curve []float32, period int) float64 {
	if period <= 0 || period >= len(curve) {
		return 0
	}
	offsets := period
	if offsets > maxCombOffsets {
		offsets = maxCombOffsets
	}
	var best float64
	for off := 0; off < offsets; off++ {
		var sum float64
		n := 0
		for i := off; i < len(curve); i += period {
			if v := float64(curve[i]); v > 0 {
				sum += v
			}
			n++
		}
		if n == 0 {
			continue
		}
		if mean := sum / float64(n); mean > best {
			best = mean
		}
	}
	return best
}

// tempoWeight is a log-normal prior centered at 120 BPM (one-octave width).
// Without it, a track's half tempo scores the same comb mean as the true
// tempo, since every other comb point still lands on a beat.
func tempoWeight(bpm float64) float64 {
	x := math.Log2(bpm / 120.0)
	return math.Exp(-0.5 * x * x)
}

// EstimateBPM searches [60,200] BPM with a coarse pass (step 2) and refines
// around the winner with step 1. Returns the BPM and its period in frames.
func (t *TempoEstimator) EstimateBPM(curve []float32) (float64, int) {
	bestBPM := 120.0
	bestScore := -1.0
	for bpm := float64(minBPM); bpm <= maxBPM; bpm += 2 {
		if s := combScore(curve, t.periodFrames(bpm)) * tempoWeight(bpm); s > bestScore {
			bestScore = s
			bestBPM = bpm
		}
	}
	lo, hi := bestBPM-2, bestBPM+2
	if lo < minBPM {
		lo = minBPM
	}
	if hi > maxBPM {
		hi = maxBPM
	}
	for bpm := lo; bpm <= hi; bpm++ {
		if s := combScore(curve, t.periodFrames(bpm)) * tempoWeight(bpm); s > bestScore {
			bestScore = s
			bestBPM = bpm
		}
	}
	return bestBPM, t.periodFrames(bestBPM)
}

// BeatPositions extracts beat times (seconds) using the detected period. A
// frame counts as a beat when it is a local maximum in a +-3 frame window,
// exceeds the normalized threshold, and keeps at least 75% of a period from
// the previous accepted beat.
func (t *TempoEstimator) BeatPositions(curve []float32, period int) []float64 {
	if period <= 0 {
		return nil
	}
	minGap := period - period/4
	var beats []float64
	lastBeat := -minGap
	for i := minGap; i < len(curve); i++ {
		if float64(curve[i]) <= beatThreshold {
			continue
		}
		if i-lastBeat < minGap {
			continue
		}
		if !isLocalMax(curve, i, 3) {
			continue
		}
		beats = append(beats, float64(i)*HopSize/float64(t.sampleRate))
		lastBeat = i
	}
	return beats
}

func isLocalMax(curve []float32, i, radius int) bool {
	for j := i - radius; j <= i+radius; j++ {
		if j < 0 || j >= len(curve) || j == i {
			continue
		}
		if curve[j] > curve[i] {
			return false
		}
	}
	return true
}

// Downbeat evaluates the four quarter-period phases of a 4-beat measure and
// returns the strongest one in seconds, or nil when the curve is shorter than
// four periods.
func (t *TempoEstimator) Downbeat(curve []float32, period int) *float64 {
	if period <= 0 || len(curve) < 4*period {
		return nil
	}
	bestOffset := 0
	bestSum := math.Inf(-1)
	for i := 0; i < 4; i++ {
		offset := i * period / 4
		var sum float64
		for j := offset; j < len(curve); j += period {
			sum += float64(curve[j])
		}
		if sum > bestSum {
			bestSum = sum
			bestOffset = offset
		}
	}
	sec := float64(bestOffset) * HopSize / float64(t.sampleRate)
	return &sec
}
