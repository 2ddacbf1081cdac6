package bpmsync

import (
	"math"
	"sync"
)

const (
	// phaseSnapSamples is the window inside which the offset snaps to target.
	phaseSnapSamples = 10
	defaultSyncSpeed = 0.1
)

// PhaseSync converges a sample offset toward a target phase one step per
// update, so beat alignment corrections are spread over time instead of
// causing an audible jump.
type PhaseSync struct {
	mu            sync.Mutex
	currentOffset int64
	targetOffset  int64
	syncSpeed     float64
}

// NewPhaseSync creates a phase tracker with the default convergence speed.
func NewPhaseSync() *PhaseSync {
	return &PhaseSync{syncSpeed: defaultSyncSpeed}
}

// SetTarget sets the offset Update converges toward.
func (p *PhaseSync) SetTarget(offset int64) {
	p.mu.Lock()
	p.targetOffset = offset
	p.mu.Unlock()
}

// SetSyncSpeed overrides the per-update convergence fraction.
func (p *PhaseSync) SetSyncSpeed(speed float64) {
	p.mu.Lock()
	p.syncSpeed = speed
	p.mu.Unlock()
}

// Offset returns the current sample offset.
func (p *PhaseSync) Offset() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentOffset
}

// Update moves the current offset one step toward the target and returns the
// new offset. Within the snap window it lands exactly on the target.
func (p *PhaseSync) Update() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	diff := p.targetOffset - p.currentOffset
	if diff > -phaseSnapSamples && diff < phaseSnapSamples {
		p.currentOffset = p.targetOffset
		return p.currentOffset
	}
	p.currentOffset += int64(math.Round(float64(diff) * p.syncSpeed))
	return p.currentOffset
}

// IsSynced reports whether the offset is within the snap window of the target.
func (p *PhaseSync) IsSynced() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	diff := p.targetOffset - p.currentOffset
	return diff > -phaseSnapSamples && diff < phaseSnapSamples
}
