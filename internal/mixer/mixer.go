// Package mixer implements the two-deck crossfade engine: a double-buffered
// chunk pipeline, per-deck track state, and the state machine that decides
// when to preload and when to blend the next track in.
package mixer

import (
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"

	"github.com/quaverhq/deckmix/internal/audio"
	"github.com/quaverhq/deckmix/internal/bpmsync"
	"github.com/quaverhq/deckmix/internal/decode"
	"github.com/quaverhq/deckmix/internal/stretch"
)

// State is the mixer's playback state. Stored atomically for lock-free reads.
type State int32

const (
	StateIdle State = iota
	StatePlaying
	StatePreloading
	StateCrossfading
	StatePaused
)

func (s State) String() string {
	switch s {
	case StatePlaying:
		return "playing"
	case StatePreloading:
		return "preloading"
	case StateCrossfading:
		return "crossfading"
	case StatePaused:
		return "paused"
	default:
		return "idle"
	}
}

// CrossfadeConfig controls the blend between tracks.
type CrossfadeConfig struct {
	DurationSecs float32
	Curve        audio.Curve
}

// DefaultPreloadThreshold is how many seconds before track end the next track
// is loaded.
const DefaultPreloadThreshold = 10.0

// OpenFunc creates a decoder for a path. Injected so tests can supply
// synthetic tracks.
type OpenFunc func(path string) (decode.Decoder, error)

// Mixer owns the two deck slots, the double buffer, crossfade configuration,
// and BPM sync state.
//
// Lock order: curMu -> nextMu -> cfgMu -> syncMu. Any operation holding more
// than one of these must acquire them in that order; single-guard accesses are
// unconstrained. Violating the order can deadlock against the audio worker.
type Mixer struct {
	db   *DoubleBuffer
	open OpenFunc

	state            atomic.Int32
	preloadThreshold float32

	// fadePending is set from StartCrossfade until CompleteCrossfade promotes
	// the next track. It survives Pause, so a blend that finished while
	// paused is still promoted after Resume.
	fadePending atomic.Bool

	curMu      sync.Mutex
	current    *Track
	pendingCur audio.Chunk // decoded frame awaiting ring space

	nextMu      sync.Mutex
	next        *Track
	pendingNext audio.Chunk

	cfgMu sync.Mutex
	cfg   CrossfadeConfig

	syncMu sync.Mutex
	sync   *bpmsync.Manager
	phase  *bpmsync.PhaseSync
}

// New creates a mixer with default crossfade settings. A nil open falls back
// to the production decoder.
func New(open OpenFunc) *Mixer {
	if open == nil {
		open = decode.Open
	}
	return &Mixer{
		// The double buffer counts interleaved samples, so its rate is the
		// engine rate times the channel count.
		db:               NewDoubleBuffer(audio.SampleRate*audio.Channels, DefaultRingCapacity),
		open:             open,
		preloadThreshold: DefaultPreloadThreshold,
		cfg:              CrossfadeConfig{DurationSecs: 10, Curve: audio.CurveSCurve},
		sync:             bpmsync.NewManager(audio.SampleRate),
		phase:            bpmsync.NewPhaseSync(),
	}
}

// State returns the current playback state.
func (m *Mixer) State() State { return State(m.state.Load()) }

func (m *Mixer) setState(s State) { m.state.Store(int32(s)) }

// Buffer exposes the double buffer for the output callback.
func (m *Mixer) Buffer() *DoubleBuffer { return m.db }

// MixOutput produces n mixed interleaved samples for the output device.
func (m *Mixer) MixOutput(n int) []float32 { return m.db.MixOutput(n) }

// LoadTrack replaces the current track and starts playback. On failure the
// mixer keeps its previous state and track slots.
func (m *Mixer) LoadTrack(path string) error {
	dec, err := m.open(path)
	if err != nil {
		return fmt.Errorf("load track: %w", err)
	}
	track := NewTrack(path, dec)

	m.curMu.Lock()
	m.nextMu.Lock()
	if m.current != nil {
		m.current.Close()
	}
	if m.next != nil {
		m.next.Close()
	}
	m.current = track
	m.next = nil
	m.pendingCur = nil
	m.pendingNext = nil
	m.nextMu.Unlock()
	m.curMu.Unlock()

	m.db.Clear()
	m.fadePending.Store(false)
	m.setState(StatePlaying)
	log.Printf("mixer: loaded %s (%.1fs)", path, track.Duration())
	return nil
}

// PreloadNext installs the next track without touching the current one.
func (m *Mixer) PreloadNext(path string) error {
	dec, err := m.open(path)
	if err != nil {
		return fmt.Errorf("preload next: %w", err)
	}
	track := NewTrack(path, dec)

	stretcher, serr := stretch.New(audio.SampleRate, audio.Channels)
	if serr != nil {
		// Playback continues without tempo adjustment.
		log.Printf("mixer: time stretcher unavailable for %s: %v", path, serr)
	}

	m.nextMu.Lock()
	if m.next != nil {
		m.next.Close()
	}
	m.next = track
	m.pendingNext = nil
	track.setStretcher(stretcher)

	m.syncMu.Lock()
	ratio := m.sync.SpeedRatio()
	m.syncMu.Unlock()
	m.nextMu.Unlock()

	if stretcher != nil && ratio != 1.0 {
		if err := stretcher.SetSpeed(ratio); err != nil {
			log.Printf("mixer: set speed %.4f: %v", ratio, err)
		}
	}

	if m.State() == StatePlaying {
		m.setState(StatePreloading)
	}
	log.Printf("mixer: preloaded %s (%.1fs)", path, track.Duration())
	return nil
}

// ShouldPreload reports whether the current track is close enough to its end
// to load the next one.
func (m *Mixer) ShouldPreload() bool {
	m.curMu.Lock()
	cur := m.current
	m.curMu.Unlock()
	if cur == nil {
		return false
	}

	m.nextMu.Lock()
	hasNext := m.next != nil
	m.nextMu.Unlock()
	return !hasNext && cur.Remaining() <= m.preloadThreshold
}

// ShouldStartCrossfade reports whether the blend into the next track should
// begin now.
func (m *Mixer) ShouldStartCrossfade() bool {
	if m.db.Crossfading() {
		return false
	}
	m.curMu.Lock()
	cur := m.current
	m.curMu.Unlock()
	if cur == nil {
		return false
	}

	m.nextMu.Lock()
	hasNext := m.next != nil
	m.nextMu.Unlock()

	m.cfgMu.Lock()
	duration := m.cfg.DurationSecs
	m.cfgMu.Unlock()

	return hasNext && cur.Remaining() <= duration
}

// StartCrossfade begins blending the next track into the output. When BPM
// sync is active the phase tracker is aimed at the nearest beat boundary.
func (m *Mixer) StartCrossfade() {
	m.cfgMu.Lock()
	cfg := m.cfg
	m.cfgMu.Unlock()

	m.curMu.Lock()
	cur := m.current
	var posSamples int64
	if cur != nil {
		posSamples = int64(float64(cur.Position()) * audio.SampleRate)
	}
	m.curMu.Unlock()

	m.syncMu.Lock()
	if m.sync.Enabled() && cur != nil {
		interval := m.sync.BeatIntervalSamples(m.sync.MasterBPM())
		align := bpmsync.CalculatePhaseAlignment(posSamples, interval, 0)
		m.phase.SetTarget(align)
	}
	m.syncMu.Unlock()

	m.db.StartCrossfade(float64(cfg.DurationSecs), cfg.Curve)
	m.fadePending.Store(true)
	m.setState(StateCrossfading)
	log.Printf("mixer: crossfade started (%.1fs, %s)", cfg.DurationSecs, cfg.Curve)
}

// CrossfadeDone reports whether a started blend has finished in the double
// buffer without its track promotion having happened yet. Deliberately not
// gated on state: the output callback keeps draining a fade while the mixer
// is paused, and the promotion must not be lost when that fade completes.
func (m *Mixer) CrossfadeDone() bool {
	return m.fadePending.Load() && !m.db.Crossfading()
}

// CompleteCrossfade promotes the next track to current. Must be called only
// after the double buffer reports crossfade completion.
func (m *Mixer) CompleteCrossfade() {
	m.curMu.Lock()
	m.nextMu.Lock()
	if m.current != nil {
		m.current.Close()
	}
	m.current = m.next
	m.next = nil
	m.pendingCur = m.pendingNext
	m.pendingNext = nil
	hasTrack := m.current != nil
	var path string
	if hasTrack {
		path = m.current.Path()
	}
	m.nextMu.Unlock()
	m.curMu.Unlock()

	m.db.StopCrossfade()
	m.fadePending.Store(false)
	if hasTrack {
		m.setState(StatePlaying)
		log.Printf("mixer: crossfade complete, now playing %s", path)
	} else {
		m.setState(StateIdle)
		log.Printf("mixer: crossfade complete, no track remained")
	}
}

// DecodeCurrentFrame pulls one frame from the current track into the active
// ring. Returns false once the track is exhausted or absent. A full ring is
// back-pressure: the frame is deferred to the next iteration.
func (m *Mixer) DecodeCurrentFrame() (bool, error) {
	m.curMu.Lock()
	defer m.curMu.Unlock()
	return m.decodeFrame(m.current, &m.pendingCur, m.db.PushActive, m.db.ActiveFull)
}

// DecodeNextFrame pulls one frame from the next track into the preload ring.
func (m *Mixer) DecodeNextFrame() (bool, error) {
	m.nextMu.Lock()
	defer m.nextMu.Unlock()
	return m.decodeFrame(m.next, &m.pendingNext, m.db.PushPreload, m.db.PreloadFull)
}

func (m *Mixer) decodeFrame(t *Track, pending *audio.Chunk, push func(audio.Chunk) error, full func() bool) (bool, error) {
	if t == nil {
		return false, nil
	}
	if *pending != nil {
		// A decoded frame is still waiting for ring space; it must go in
		// before anything newer.
		if push(*pending) == ErrBufferFull {
			return true, nil
		}
		*pending = nil
		return true, nil
	}
	if full() {
		return true, nil
	}
	chunk, err := t.NextFrame()
	if err == io.EOF {
		return false, nil
	}
	if chunk != nil {
		if perr := push(chunk); perr == ErrBufferFull {
			// The output thread's push-back can fill the ring between the
			// capacity check and here; hold the frame instead of losing it.
			*pending = chunk
		}
	}
	if err != nil {
		// Transient decode error: report for logging, keep going.
		return true, err
	}
	return true, nil
}

// SetCurrentBPM records analysis results for the current track and feeds the
// master side of BPM sync.
func (m *Mixer) SetCurrentBPM(bpm float64, beats []float64) {
	m.curMu.Lock()
	if m.current != nil {
		m.current.setAnalysis(bpm, beats)
	}
	m.curMu.Unlock()

	m.syncMu.Lock()
	m.sync.SetMasterBPM(bpm)
	m.syncMu.Unlock()
	m.applySyncRatio()
}

// SetNextBPM records analysis results for the next track and feeds the slave
// side of BPM sync.
func (m *Mixer) SetNextBPM(bpm float64, beats []float64) {
	m.nextMu.Lock()
	if m.next != nil {
		m.next.setAnalysis(bpm, beats)
	}
	m.nextMu.Unlock()

	m.syncMu.Lock()
	m.sync.SetSlaveBPM(bpm)
	m.syncMu.Unlock()
	m.applySyncRatio()
}

// SetSyncEnabled toggles BPM sync and reapplies the speed ratio to the next
// track's stretcher.
func (m *Mixer) SetSyncEnabled(enabled bool) {
	m.syncMu.Lock()
	m.sync.SetEnabled(enabled)
	m.syncMu.Unlock()
	m.applySyncRatio()
}

// applySyncRatio pushes the current speed ratio onto the next track's
// stretcher. Lock order: nextMu before syncMu.
func (m *Mixer) applySyncRatio() {
	m.nextMu.Lock()
	var stretcher *stretch.TimeStretcher
	if m.next != nil {
		stretcher = m.next.stretcher
	}
	m.syncMu.Lock()
	ratio := m.sync.SpeedRatio()
	m.syncMu.Unlock()
	m.nextMu.Unlock()

	if stretcher == nil {
		return
	}
	if err := stretcher.SetSpeed(ratio); err != nil {
		log.Printf("mixer: apply sync ratio %.4f: %v", ratio, err)
	}
}

// SyncEnabled reports whether BPM sync is active.
func (m *Mixer) SyncEnabled() bool {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()
	return m.sync.Enabled()
}

// SpeedRatio returns the ratio applied to the next track.
func (m *Mixer) SpeedRatio() float64 {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()
	return m.sync.SpeedRatio()
}

// UpdatePhase advances the beat-phase tracker one step and applies the
// increment to the incoming track's buffered audio, so the correction the
// tracker converges on is actually heard: dropped samples pull the incoming
// track earlier, padded silence pushes it later. Returns the new offset.
func (m *Mixer) UpdatePhase() int64 {
	m.syncMu.Lock()
	if !m.sync.Enabled() {
		offset := m.phase.Offset()
		m.syncMu.Unlock()
		return offset
	}
	before := m.phase.Offset()
	after := m.phase.Update()
	m.syncMu.Unlock()

	if d := after - before; d != 0 {
		// The tracker works in per-channel samples; the rings hold
		// interleaved ones.
		m.db.ShiftPreload(int(d) * audio.Channels)
	}
	return after
}

// SetCrossfadeConfig replaces the crossfade settings. Duration is clamped to
// the supported [1,30] second range.
func (m *Mixer) SetCrossfadeConfig(cfg CrossfadeConfig) {
	if cfg.DurationSecs < 1 {
		cfg.DurationSecs = 1
	} else if cfg.DurationSecs > 30 {
		cfg.DurationSecs = 30
	}
	m.cfgMu.Lock()
	m.cfg = cfg
	m.cfgMu.Unlock()
}

// CrossfadeConfig returns the active crossfade settings.
func (m *Mixer) CrossfadeConfig() CrossfadeConfig {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	return m.cfg
}

// SetPreloadThreshold overrides the preload trigger distance in seconds.
func (m *Mixer) SetPreloadThreshold(seconds float32) {
	if seconds > 0 {
		m.preloadThreshold = seconds
	}
}

// Pause freezes playback state. Decoding stops; buffered audio drains.
func (m *Mixer) Pause() {
	if m.State() != StateIdle {
		m.setState(StatePaused)
	}
}

// Resume returns to playing (or preloading when a next track is loaded). A
// crossfade that was interrupted by Pause resumes as a crossfade, whether or
// not the double buffer finished the blend in the meantime.
func (m *Mixer) Resume() {
	if m.State() != StatePaused {
		return
	}
	if m.fadePending.Load() {
		m.setState(StateCrossfading)
		return
	}
	m.nextMu.Lock()
	hasNext := m.next != nil
	m.nextMu.Unlock()
	if hasNext {
		m.setState(StatePreloading)
	} else {
		m.setState(StatePlaying)
	}
}

// Stop releases both tracks, clears the buffers, and returns to idle.
func (m *Mixer) Stop() {
	m.curMu.Lock()
	m.nextMu.Lock()
	if m.current != nil {
		m.current.Close()
		m.current = nil
	}
	if m.next != nil {
		m.next.Close()
		m.next = nil
	}
	m.pendingCur = nil
	m.pendingNext = nil
	m.nextMu.Unlock()
	m.curMu.Unlock()

	m.db.Clear()
	m.fadePending.Store(false)
	m.setState(StateIdle)
	log.Printf("mixer: stopped")
}

// Seek repositions the current track. Buffered active audio is discarded so
// the new position is heard promptly; preloaded next-track audio is kept.
func (m *Mixer) Seek(seconds float64) error {
	m.curMu.Lock()
	defer m.curMu.Unlock()
	if m.current == nil {
		return fmt.Errorf("seek: no track loaded")
	}
	if err := m.current.Seek(seconds); err != nil {
		return err
	}
	m.pendingCur = nil
	m.db.ClearActive()
	return nil
}

// CurrentPath returns the playing track's path, or "".
func (m *Mixer) CurrentPath() string {
	m.curMu.Lock()
	defer m.curMu.Unlock()
	if m.current == nil {
		return ""
	}
	return m.current.Path()
}

// NextPath returns the preloaded track's path, or "".
func (m *Mixer) NextPath() string {
	m.nextMu.Lock()
	defer m.nextMu.Unlock()
	if m.next == nil {
		return ""
	}
	return m.next.Path()
}

// Position returns the current track's published position in seconds.
func (m *Mixer) Position() float64 {
	m.curMu.Lock()
	defer m.curMu.Unlock()
	if m.current == nil {
		return 0
	}
	return float64(m.current.Position())
}

// Duration returns the current track's length in seconds.
func (m *Mixer) Duration() float64 {
	m.curMu.Lock()
	defer m.curMu.Unlock()
	if m.current == nil {
		return 0
	}
	return float64(m.current.Duration())
}

// CurrentBPM returns the analyzed tempo of the playing track (0 = unknown).
func (m *Mixer) CurrentBPM() float64 {
	m.curMu.Lock()
	defer m.curMu.Unlock()
	if m.current == nil {
		return 0
	}
	return m.current.BPM()
}
