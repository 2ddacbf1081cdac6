// Package analysis detects tempo and beat timing in mono PCM audio.
//
// The detector computes a multi-band spectral-flux onset curve via windowed
// FFT, scores candidate beat periods with a comb filter over [60,200] BPM,
// and places beats on onset peaks aligned with the winning period.
package analysis

import "sync"

// Result is the immutable outcome of one analysis run.
type Result struct {
	BPM              float64   `json:"bpm"`
	BeatPositions    []float64 `json:"beat_positions"` // seconds, ascending
	OnsetCurve       []float32 `json:"-"`
	DownbeatPosition *float64  `json:"downbeat_position,omitempty"` // seconds
}

// BeatDetector composes the onset analyzer and tempo estimator into a single
// analyze call. Safe for concurrent use; analysis is a pure function of input.
type BeatDetector struct {
	sampleRate int
	onset      *OnsetAnalyzer
	tempo      *TempoEstimator
}

// NewBeatDetector creates a detector for mono PCM at the given sample rate.
func NewBeatDetector(sampleRate int) *BeatDetector {
	return &BeatDetector{
		sampleRate: sampleRate,
		onset:      NewOnsetAnalyzer(sampleRate),
		tempo:      NewTempoEstimator(sampleRate),
	}
}

// Analyze runs the full beat analysis over mono PCM.
func (d *BeatDetector) Analyze(pcm []float32) *Result {
	curve := d.onset.OnsetCurve(pcm)
	if len(curve) == 0 {
		return &Result{BPM: 0, OnsetCurve: curve}
	}
	bpm, period := d.tempo.EstimateBPM(curve)
	return &Result{
		BPM:              bpm,
		BeatPositions:    d.tempo.BeatPositions(curve, period),
		OnsetCurve:       curve,
		DownbeatPosition: d.tempo.Downbeat(curve, period),
	}
}

// minStreamingSeconds is how much audio must accumulate before a streaming
// analysis attempt succeeds.
const minStreamingSeconds = 6

// StreamingDetector accumulates PCM chunks and analyzes once enough audio has
// been fed. TryAnalyze is cheap when the buffer is still too short.
type StreamingDetector struct {
	detector *BeatDetector

	mu     sync.Mutex
	buffer []float32
}

// NewStreamingDetector creates an incremental detector at the given sample rate.
func NewStreamingDetector(sampleRate int) *StreamingDetector {
	return &StreamingDetector{detector: NewBeatDetector(sampleRate)}
}

// Feed appends mono PCM to the accumulation buffer.
func (s *StreamingDetector) Feed(pcm []float32) {
	s.mu.Lock()
	s.buffer = append(s.buffer, pcm...)
	s.mu.Unlock()
}

// BufferedSeconds reports how much audio has accumulated.
func (s *StreamingDetector) BufferedSeconds() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return float64(len(s.buffer)) / float64(s.detector.sampleRate)
}

// TryAnalyze runs the analysis when at least six seconds of audio have been
// accumulated, and returns nil otherwise.
func (s *StreamingDetector) TryAnalyze() *Result {
	s.mu.Lock()
	if len(s.buffer) < minStreamingSeconds*s.detector.sampleRate {
		s.mu.Unlock()
		return nil
	}
	pcm := make([]float32, len(s.buffer))
	copy(pcm, s.buffer)
	s.mu.Unlock()

	return s.detector.Analyze(pcm)
}

// Reset discards the accumulated audio.
func (s *StreamingDetector) Reset() {
	s.mu.Lock()
	s.buffer = s.buffer[:0]
	s.mu.Unlock()
}
