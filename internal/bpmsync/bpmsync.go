// Package bpmsync computes the playback speed and beat phase adjustments that
// align an incoming track's tempo to the playing track's.
package bpmsync

import (
	"math"
	"sync"
)

const (
	minBPM = 60.0
	maxBPM = 200.0
)

func clampBPM(bpm float64) float64 {
	if bpm < minBPM {
		return minBPM
	}
	if bpm > maxBPM {
		return maxBPM
	}
	return bpm
}

// Manager holds the master/slave tempo pair and derives the speed ratio the
// slave track's time stretcher must apply.
type Manager struct {
	sampleRate int

	mu        sync.RWMutex
	masterBPM float64
	slaveBPM  float64
	enabled   bool
}

// NewManager creates a sync manager at the given sample rate with sync disabled.
func NewManager(sampleRate int) *Manager {
	return &Manager{
		sampleRate: sampleRate,
		masterBPM:  120,
		slaveBPM:   120,
	}
}

// SetMasterBPM sets the playing track's tempo, clamped to [60,200].
func (m *Manager) SetMasterBPM(bpm float64) {
	m.mu.Lock()
	m.masterBPM = clampBPM(bpm)
	m.mu.Unlock()
}

// SetSlaveBPM sets the incoming track's tempo, clamped to [60,200].
func (m *Manager) SetSlaveBPM(bpm float64) {
	m.mu.Lock()
	m.slaveBPM = clampBPM(bpm)
	m.mu.Unlock()
}

// SetEnabled toggles BPM sync.
func (m *Manager) SetEnabled(enabled bool) {
	m.mu.Lock()
	m.enabled = enabled
	m.mu.Unlock()
}

// Enabled reports whether sync is active.
func (m *Manager) Enabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// MasterBPM returns the clamped master tempo.
func (m *Manager) MasterBPM() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.masterBPM
}

// SlaveBPM returns the clamped slave tempo.
func (m *Manager) SlaveBPM() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.slaveBPM
}

// SpeedRatio returns master/slave while sync is enabled, else 1.0. The ratio
// is applied to the slave (next) track's time stretcher.
func (m *Manager) SpeedRatio() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.enabled || m.slaveBPM == 0 {
		return 1.0
	}
	return m.masterBPM / m.slaveBPM
}

// BeatIntervalSamples returns the beat period in samples for a BPM.
func (m *Manager) BeatIntervalSamples(bpm float64) int64 {
	if bpm <= 0 {
		return 0
	}
	return int64(math.Round(float64(m.sampleRate) * 60.0 / bpm))
}

// NearestBeatPosition rounds a sample position down to the previous beat boundary.
func (m *Manager) NearestBeatPosition(pos int64, bpm float64) int64 {
	interval := m.BeatIntervalSamples(bpm)
	if interval == 0 {
		return pos
	}
	return (pos / interval) * interval
}

// NextBeatPosition returns the first beat boundary at or after pos.
func (m *Manager) NextBeatPosition(pos int64, bpm float64) int64 {
	interval := m.BeatIntervalSamples(bpm)
	if interval == 0 {
		return pos
	}
	if pos%interval == 0 {
		return pos
	}
	return (pos/interval + 1) * interval
}

// CalculatePhaseAlignment returns the signed sample correction that moves
// currentPos onto the closest beat of the grid anchored at targetBeatPos.
// Negative values pull back to the previous beat, positive push forward.
func CalculatePhaseAlignment(currentPos, beatInterval, targetBeatPos int64) int64 {
	if beatInterval <= 0 {
		return 0
	}
	phase := (currentPos - targetBeatPos) % beatInterval
	if phase < 0 {
		phase += beatInterval
	}
	if phase > beatInterval/2 {
		return beatInterval - phase
	}
	return -phase
}
