package mixer

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"

	"github.com/quaverhq/deckmix/internal/audio"
)

// ErrBufferFull signals a ring at capacity. The producer retries on its next
// iteration; this is back-pressure, not a failure.
var ErrBufferFull = errors.New("mixer: ring buffer full")

// DefaultRingCapacity is the chunk capacity of each ring buffer.
const DefaultRingCapacity = 32

// chunkRing is a fixed-capacity FIFO of audio chunks. Push and pop never
// block. PushFront returns partially consumed chunks for the next mix call.
type chunkRing struct {
	mu       sync.Mutex
	chunks   []audio.Chunk
	capacity int
}

func newChunkRing(capacity int) *chunkRing {
	return &chunkRing{capacity: capacity}
}

func (r *chunkRing) Push(c audio.Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.chunks) >= r.capacity {
		return ErrBufferFull
	}
	r.chunks = append(r.chunks, c)
	return nil
}

func (r *chunkRing) PushFront(c audio.Chunk) {
	r.mu.Lock()
	r.chunks = append([]audio.Chunk{c}, r.chunks...)
	r.mu.Unlock()
}

func (r *chunkRing) Pop() (audio.Chunk, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.chunks) == 0 {
		return nil, false
	}
	c := r.chunks[0]
	r.chunks = r.chunks[1:]
	return c, true
}

func (r *chunkRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chunks)
}

func (r *chunkRing) Full() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chunks) >= r.capacity
}

func (r *chunkRing) Clear() {
	r.mu.Lock()
	r.chunks = nil
	r.mu.Unlock()
}

// DoubleBuffer holds two chunk rings: the active ring carries the playing
// track, the preload ring the incoming one. During a crossfade MixOutput
// blends both and the roles swap once progress reaches 1.0.
type DoubleBuffer struct {
	sampleRate int
	ringA      *chunkRing
	ringB      *chunkRing

	activeIsA   atomic.Bool
	crossfading atomic.Bool
	progress    atomic.Uint64 // float64 bits

	cfMu       sync.Mutex
	cfDuration float64
	cfCurve    audio.Curve
}

// NewDoubleBuffer creates a double buffer with the given per-ring capacity.
func NewDoubleBuffer(sampleRate, capacity int) *DoubleBuffer {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	db := &DoubleBuffer{
		sampleRate: sampleRate,
		ringA:      newChunkRing(capacity),
		ringB:      newChunkRing(capacity),
	}
	db.activeIsA.Store(true)
	return db
}

func (db *DoubleBuffer) active() *chunkRing {
	if db.activeIsA.Load() {
		return db.ringA
	}
	return db.ringB
}

func (db *DoubleBuffer) preload() *chunkRing {
	if db.activeIsA.Load() {
		return db.ringB
	}
	return db.ringA
}

// PushActive enqueues a chunk for the playing track.
func (db *DoubleBuffer) PushActive(c audio.Chunk) error { return db.active().Push(c) }

// PushPreload enqueues a chunk for the incoming track.
func (db *DoubleBuffer) PushPreload(c audio.Chunk) error { return db.preload().Push(c) }

// PopActive dequeues one chunk from the active ring.
func (db *DoubleBuffer) PopActive() (audio.Chunk, bool) { return db.active().Pop() }

// PopPreload dequeues one chunk from the preload ring.
func (db *DoubleBuffer) PopPreload() (audio.Chunk, bool) { return db.preload().Pop() }

// ActiveFull reports whether the active ring is at capacity.
func (db *DoubleBuffer) ActiveFull() bool { return db.active().Full() }

// PreloadFull reports whether the preload ring is at capacity.
func (db *DoubleBuffer) PreloadFull() bool { return db.preload().Full() }

// ActiveLen returns the number of queued chunks in the active ring.
func (db *DoubleBuffer) ActiveLen() int { return db.active().Len() }

// StartCrossfade begins blending preload audio into the output over the given
// duration.
func (db *DoubleBuffer) StartCrossfade(durationSecs float64, curve audio.Curve) {
	db.cfMu.Lock()
	db.cfDuration = durationSecs
	db.cfCurve = curve
	db.cfMu.Unlock()
	db.progress.Store(math.Float64bits(0))
	db.crossfading.Store(true)
}

// StopCrossfade clears the crossfading flag without swapping roles.
func (db *DoubleBuffer) StopCrossfade() {
	db.crossfading.Store(false)
}

// Crossfading reports whether a crossfade is in progress.
func (db *DoubleBuffer) Crossfading() bool { return db.crossfading.Load() }

// Progress returns the crossfade progress in [0,1].
func (db *DoubleBuffer) Progress() float64 {
	return math.Float64frombits(db.progress.Load())
}

// SwapBuffers flips the active/preload roles. Called automatically when a
// crossfade completes.
func (db *DoubleBuffer) SwapBuffers() {
	db.activeIsA.Store(!db.activeIsA.Load())
}

// ShiftPreload moves the preload ring's playback phase by n interleaved
// samples: a positive n discards samples from the head (the incoming track
// plays earlier), a negative n prepends silence (it plays later). Discards
// stop early when the ring runs out of audio.
func (db *DoubleBuffer) ShiftPreload(n int) {
	r := db.preload()
	if n < 0 {
		r.PushFront(make(audio.Chunk, -n))
		return
	}
	for n > 0 {
		c, ok := r.Pop()
		if !ok {
			return
		}
		if len(c) > n {
			r.PushFront(c[n:])
			return
		}
		n -= len(c)
	}
}

// ClearActive empties only the active ring, keeping preloaded audio.
func (db *DoubleBuffer) ClearActive() {
	db.active().Clear()
}

// Clear empties both rings and resets crossfade state.
func (db *DoubleBuffer) Clear() {
	db.ringA.Clear()
	db.ringB.Clear()
	db.crossfading.Store(false)
	db.progress.Store(math.Float64bits(0))
}

// MixOutput produces exactly n output samples. Outside a crossfade it drains
// the active ring; during one it blends active and preload at the current
// progress. Missing audio is replaced with silence, never with blocking.
func (db *DoubleBuffer) MixOutput(n int) []float32 {
	out := make([]float32, n)
	if n == 0 {
		return out
	}

	if !db.crossfading.Load() {
		chunk, ok := db.active().Pop()
		if !ok {
			return out
		}
		copied := copy(out, chunk)
		if copied < len(chunk) {
			db.active().PushFront(chunk[copied:])
		}
		return out
	}

	active, preload := db.active(), db.preload()
	a, okA := active.Pop()
	b, okB := preload.Pop()
	if !okA {
		a = make(audio.Chunk, n)
	}
	if !okB {
		b = make(audio.Chunk, n)
	}

	m := n
	if len(a) < m {
		m = len(a)
	}
	if len(b) < m {
		m = len(b)
	}

	db.cfMu.Lock()
	duration := db.cfDuration
	curve := db.cfCurve
	db.cfMu.Unlock()

	p := db.Progress()
	gain := float32(curve.Gain(p))
	for i := 0; i < m; i++ {
		out[i] = a[i]*(1-gain) + b[i]*gain
	}

	if okA && m < len(a) {
		active.PushFront(a[m:])
	}
	if okB && m < len(b) {
		preload.PushFront(b[m:])
	}

	if duration > 0 {
		p += float64(m) / (float64(db.sampleRate) * duration)
	} else {
		p = 1.0
	}
	if p >= 1.0 {
		p = 1.0
		db.progress.Store(math.Float64bits(p))
		// Crossfade done: the incoming track takes over the active role.
		// Anything the outgoing track left queued is discarded, otherwise
		// it would sit at the head of the preload ring and bleed into the
		// next crossfade.
		active.Clear()
		db.SwapBuffers()
		db.crossfading.Store(false)
	} else {
		db.progress.Store(math.Float64bits(p))
	}
	return out
}
