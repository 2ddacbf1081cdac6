package mixer

import (
	"fmt"
	"io"
	"math"
	"sync/atomic"

	"github.com/quaverhq/deckmix/internal/audio"
	"github.com/quaverhq/deckmix/internal/decode"
	"github.com/quaverhq/deckmix/internal/stretch"
)

// Track is one deck slot: a decoder plus the playback metadata the mixer
// needs. A Track lives in the current or next slot and moves from next to
// current exactly once, at crossfade completion.
type Track struct {
	decoder decode.Decoder
	path    string

	duration    float32
	position    atomic.Uint32 // float32 bits
	isPreloaded atomic.Bool

	// Set under the owning slot's mutex.
	bpm           float64 // 0 = unknown
	beatPositions []float64
	stretcher     *stretch.TimeStretcher
}

// NewTrack wraps an open decoder. The decoder is owned by the track and
// released on Close.
func NewTrack(path string, dec decode.Decoder) *Track {
	t := &Track{
		decoder:  dec,
		path:     path,
		duration: float32(dec.Duration()),
	}
	return t
}

// Path returns the source file path.
func (t *Track) Path() string { return t.path }

// Duration returns the track length in seconds.
func (t *Track) Duration() float32 { return t.duration }

// Position returns the published playback position in seconds.
func (t *Track) Position() float32 {
	return math.Float32frombits(t.position.Load())
}

func (t *Track) setPosition(seconds float32) {
	t.position.Store(math.Float32bits(seconds))
}

// Remaining returns seconds left until the end of the track.
func (t *Track) Remaining() float32 {
	r := t.duration - t.Position()
	if r < 0 {
		return 0
	}
	return r
}

// Preloaded reports whether at least one frame has been decoded.
func (t *Track) Preloaded() bool { return t.isPreloaded.Load() }

// BPM returns the analyzed tempo, or 0 when unknown.
func (t *Track) BPM() float64 { return t.bpm }

// BeatPositions returns the analyzed beat times in seconds.
func (t *Track) BeatPositions() []float64 { return t.beatPositions }

// setAnalysis records tempo metadata. Caller holds the slot mutex.
func (t *Track) setAnalysis(bpm float64, beats []float64) {
	t.bpm = bpm
	t.beatPositions = beats
}

// setStretcher attaches a time stretcher; nil detaches. Caller holds the slot
// mutex.
func (t *Track) setStretcher(s *stretch.TimeStretcher) {
	t.stretcher = s
}

// NextFrame decodes one frame, runs it through the stretcher when attached,
// and publishes the new position. Returns io.EOF at end of track.
func (t *Track) NextFrame() (audio.Chunk, error) {
	frame, err := t.decoder.NextFrame()
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("track %s: %w", t.path, err)
	}
	t.setPosition(float32(frame.Timestamp))
	t.isPreloaded.Store(true)

	samples := frame.Samples
	if t.stretcher != nil {
		stretched, serr := t.stretcher.Process(samples)
		if serr != nil {
			// Degrade to the unstretched frame rather than dropping audio.
			return audio.Chunk(samples), serr
		}
		samples = stretched
	}
	return audio.Chunk(samples), nil
}

// Seek repositions the decoder and republishes the position.
func (t *Track) Seek(seconds float64) error {
	if err := t.decoder.Seek(seconds); err != nil {
		return err
	}
	t.setPosition(float32(seconds))
	return nil
}

// Close releases the decoder.
func (t *Track) Close() error {
	if t.decoder == nil {
		return nil
	}
	err := t.decoder.Close()
	t.decoder = nil
	return err
}
