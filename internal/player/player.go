// Package player runs the audio worker: a single goroutine that owns the
// mixer, drains playback commands, drives decode and crossfade triggers, and
// feeds mixed samples to the output device through a non-blocking pull
// callback.
package player

import (
	"context"
	"log"
	"math"
	"sync/atomic"
	"time"

	"github.com/quaverhq/deckmix/internal/audio"
	"github.com/quaverhq/deckmix/internal/mixer"
)

type commandOp int

const (
	opPlay commandOp = iota
	opPause
	opResume
	opStop
	opSeek
	opSetVolume
	opPreloadNext
	opSetCrossfade
	opSetSync
)

type command struct {
	op    commandOp
	path  string
	value float64
	cfg   mixer.CrossfadeConfig
	flag  bool
	reply chan error // nil for fire-and-forget commands
}

// loopInterval bounds CPU usage of the worker between useful iterations.
const loopInterval = 2 * time.Millisecond

// idleInterval is the sleep while there is nothing to decode.
const idleInterval = 20 * time.Millisecond

// PreloadFunc supplies the next track path when the preload trigger fires.
// Empty string means nothing is queued.
type PreloadFunc func() string

// TrackFunc is notified after a track is installed in a deck slot.
type TrackFunc func(path string)

// Player owns the mixer for its lifetime and exposes the command surface.
// All mutation flows through the command queue to the worker goroutine;
// queries read published atomic state.
type Player struct {
	mixer *mixer.Mixer
	cmds  chan command

	volume atomic.Uint64 // float64 bits

	preloadFn   PreloadFunc
	onLoaded    TrackFunc
	onPreloaded TrackFunc

	frameCh chan []int16
}

// New creates a player around the given mixer.
func New(m *mixer.Mixer) *Player {
	p := &Player{
		mixer:   m,
		cmds:    make(chan command, 32),
		frameCh: make(chan []int16, 100),
	}
	p.volume.Store(math.Float64bits(1.0))
	return p
}

// SetPreloadFunc installs the queue callback consulted when the preload
// trigger fires. Call before Run.
func (p *Player) SetPreloadFunc(fn PreloadFunc) { p.preloadFn = fn }

// SetOnLoaded installs a callback fired after Play installs a track.
func (p *Player) SetOnLoaded(fn TrackFunc) { p.onLoaded = fn }

// SetOnPreloaded installs a callback fired after a track lands in the next
// slot.
func (p *Player) SetOnPreloaded(fn TrackFunc) { p.onPreloaded = fn }

// Frames returns mixed int16 frames mirrored off the output path, for
// broadcast listeners. Slow consumers miss frames instead of stalling audio.
func (p *Player) Frames() <-chan []int16 { return p.frameCh }

// Play loads and starts a track. Blocks until the worker reports the result,
// so decoder setup failures surface to the caller.
func (p *Player) Play(path string) error {
	reply := make(chan error, 1)
	p.cmds <- command{op: opPlay, path: path, reply: reply}
	return <-reply
}

// PreloadNext installs the next track. Blocks for the setup result.
func (p *Player) PreloadNext(path string) error {
	reply := make(chan error, 1)
	p.cmds <- command{op: opPreloadNext, path: path, reply: reply}
	return <-reply
}

// Pause suspends decoding; buffered audio drains to silence.
func (p *Player) Pause() { p.cmds <- command{op: opPause} }

// Resume continues playback after Pause.
func (p *Player) Resume() { p.cmds <- command{op: opResume} }

// Stop releases both tracks and clears all buffered audio.
func (p *Player) Stop() { p.cmds <- command{op: opStop} }

// Seek repositions the current track. Best effort: buffered audio is flushed
// and the decoder reseeks, but in-flight stretcher state is kept.
func (p *Player) Seek(seconds float64) { p.cmds <- command{op: opSeek, value: seconds} }

// SetVolume sets output gain in [0,1]. Applied in the output callback.
func (p *Player) SetVolume(v float64) { p.cmds <- command{op: opSetVolume, value: v} }

// SetCrossfadeConfig replaces crossfade duration and curve.
func (p *Player) SetCrossfadeConfig(cfg mixer.CrossfadeConfig) {
	p.cmds <- command{op: opSetCrossfade, cfg: cfg}
}

// SetSyncEnabled toggles BPM sync.
func (p *Player) SetSyncEnabled(enabled bool) { p.cmds <- command{op: opSetSync, flag: enabled} }

// Volume returns the published output gain.
func (p *Player) Volume() float64 { return math.Float64frombits(p.volume.Load()) }

// State returns the mixer's playback state.
func (p *Player) State() mixer.State { return p.mixer.State() }

// IsPlaying reports whether audio is being produced.
func (p *Player) IsPlaying() bool {
	switch p.mixer.State() {
	case mixer.StatePlaying, mixer.StatePreloading, mixer.StateCrossfading:
		return true
	}
	return false
}

// Position returns the current track position in seconds.
func (p *Player) Position() float64 { return p.mixer.Position() }

// Duration returns the current track length in seconds.
func (p *Player) Duration() float64 { return p.mixer.Duration() }

// CurrentPath returns the playing track's path.
func (p *Player) CurrentPath() string { return p.mixer.CurrentPath() }

// NextPath returns the preloaded track's path.
func (p *Player) NextPath() string { return p.mixer.NextPath() }

// SyncEnabled reports whether BPM sync is active.
func (p *Player) SyncEnabled() bool { return p.mixer.SyncEnabled() }

// SpeedRatio returns the sync speed ratio applied to the next track.
func (p *Player) SpeedRatio() float64 { return p.mixer.SpeedRatio() }

// Mixer exposes the owned mixer for status reads.
func (p *Player) Mixer() *mixer.Mixer { return p.mixer }

// Run is the audio worker loop. Each iteration drains pending commands, then
// decodes according to mixer state, then evaluates the preload and crossfade
// triggers. Blocks until ctx is cancelled; the mixer is stopped on the way
// out so decoders are released.
func (p *Player) Run(ctx context.Context) {
	defer close(p.frameCh)
	defer p.mixer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		p.drainCommands()

		worked := false
		switch p.mixer.State() {
		case mixer.StatePlaying, mixer.StatePreloading:
			worked = p.stepPlaying()
		case mixer.StateCrossfading:
			worked = p.stepCrossfading()
		}

		if worked {
			time.Sleep(loopInterval)
		} else {
			time.Sleep(idleInterval)
		}
	}
}

// drainCommands processes every queued command without blocking.
func (p *Player) drainCommands() {
	for {
		select {
		case cmd := <-p.cmds:
			p.handle(cmd)
		default:
			return
		}
	}
}

func (p *Player) handle(cmd command) {
	var err error
	switch cmd.op {
	case opPlay:
		err = p.mixer.LoadTrack(cmd.path)
		if err == nil && p.onLoaded != nil {
			p.onLoaded(cmd.path)
		}
	case opPreloadNext:
		err = p.mixer.PreloadNext(cmd.path)
		if err == nil && p.onPreloaded != nil {
			p.onPreloaded(cmd.path)
		}
	case opPause:
		p.mixer.Pause()
	case opResume:
		p.mixer.Resume()
	case opStop:
		p.mixer.Stop()
	case opSeek:
		if serr := p.mixer.Seek(cmd.value); serr != nil {
			log.Printf("player: seek: %v", serr)
		}
	case opSetVolume:
		v := cmd.value
		if v < 0 {
			v = 0
		} else if v > 1 {
			v = 1
		}
		p.volume.Store(math.Float64bits(v))
	case opSetCrossfade:
		p.mixer.SetCrossfadeConfig(cmd.cfg)
	case opSetSync:
		p.mixer.SetSyncEnabled(cmd.flag)
	}

	if cmd.reply != nil {
		cmd.reply <- err
	} else if err != nil {
		log.Printf("player: command failed: %v", err)
	}
}

// stepPlaying decodes one current frame (and one next frame while
// preloading), then runs the trigger checks. Returns false when there was
// nothing to do.
func (p *Player) stepPlaying() bool {
	more, err := p.mixer.DecodeCurrentFrame()
	if err != nil {
		log.Printf("player: decode current: %v (frame skipped)", err)
	}

	if p.mixer.State() == mixer.StatePreloading {
		if _, nerr := p.mixer.DecodeNextFrame(); nerr != nil {
			log.Printf("player: decode next: %v (frame skipped)", nerr)
		}
	}

	// Trigger checks, after decode, in a fixed order.
	if p.mixer.ShouldPreload() && p.preloadFn != nil {
		if path := p.preloadFn(); path != "" {
			if perr := p.mixer.PreloadNext(path); perr != nil {
				log.Printf("player: auto preload %s: %v", path, perr)
			} else if p.onPreloaded != nil {
				p.onPreloaded(path)
			}
		}
	}
	if p.mixer.ShouldStartCrossfade() {
		p.mixer.StartCrossfade()
		return true
	}

	if !more {
		return p.handleTrackEnd()
	}
	return true
}

// handleTrackEnd runs when the current decoder is exhausted outside a
// crossfade. With a next track waiting the blend starts immediately; with
// nothing queued the mixer idles once the buffered audio has drained.
func (p *Player) handleTrackEnd() bool {
	if p.mixer.NextPath() != "" {
		if !p.mixer.Buffer().Crossfading() {
			p.mixer.StartCrossfade()
		}
		return true
	}
	if p.mixer.Buffer().ActiveLen() == 0 {
		log.Printf("player: track finished: %s", p.mixer.CurrentPath())
		p.mixer.Stop()
	}
	return false
}

// stepCrossfading completes a finished blend, otherwise decodes from both
// tracks and advances phase sync. The completion check runs before decoding
// so that, once the rings have swapped, no further outgoing-track audio is
// pushed into what is now the incoming track's ring.
func (p *Player) stepCrossfading() bool {
	if p.mixer.CrossfadeDone() {
		p.mixer.CompleteCrossfade()
		return true
	}

	if _, err := p.mixer.DecodeCurrentFrame(); err != nil {
		log.Printf("player: decode current: %v (frame skipped)", err)
	}
	if _, err := p.mixer.DecodeNextFrame(); err != nil {
		log.Printf("player: decode next: %v (frame skipped)", err)
	}
	p.mixer.UpdatePhase()
	return true
}

// Fill is the device pull callback: it writes exactly len(buf) mixed samples
// scaled by the published volume, silence when no audio is buffered. It never
// blocks and is safe to call from the device's real-time thread.
func (p *Player) Fill(buf []float32) {
	mixed := p.mixer.MixOutput(len(buf))
	vol := float32(p.Volume())
	for i := range buf {
		buf[i] = mixed[i] * vol
	}

	// Mirror to broadcast listeners without ever stalling the device.
	select {
	case p.frameCh <- audio.FloatsToInt16(buf):
	default:
	}
}

// Err keeps Player usable as a beep streamer source wrapper.
func (p *Player) Err() error { return nil }

// Stream implements beep's pull interface on top of Fill, so the speaker can
// drive the player directly.
func (p *Player) Stream(samples [][2]float64) (int, bool) {
	buf := make([]float32, len(samples)*audio.Channels)
	p.Fill(buf)
	for i := range samples {
		samples[i][0] = float64(buf[i*2])
		samples[i][1] = float64(buf[i*2+1])
	}
	return len(samples), true
}
