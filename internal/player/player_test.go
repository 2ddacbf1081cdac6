package player

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/quaverhq/deckmix/internal/audio"
	"github.com/quaverhq/deckmix/internal/decode"
	"github.com/quaverhq/deckmix/internal/mixer"
)

// fakeDecoder emits fixed frames with timestamps advancing one second per
// frame, so short tests can walk an entire track.
type fakeDecoder struct {
	duration   float64
	framesRead int
}

func (d *fakeDecoder) SampleRate() int   { return 44100 }
func (d *fakeDecoder) Channels() int     { return 2 }
func (d *fakeDecoder) Duration() float64 { return d.duration }

func (d *fakeDecoder) NextFrame() (*decode.Frame, error) {
	ts := float64(d.framesRead)
	if ts >= d.duration {
		return nil, io.EOF
	}
	d.framesRead++
	return &decode.Frame{Samples: make([]float32, 64), Timestamp: ts + 1}, nil
}

func (d *fakeDecoder) Seek(seconds float64) error {
	d.framesRead = int(seconds)
	return nil
}

func (d *fakeDecoder) Close() error { return nil }

func newTestPlayer(t *testing.T, tracks map[string]float64) *Player {
	t.Helper()
	m := mixer.New(func(path string) (decode.Decoder, error) {
		dur, ok := tracks[path]
		if !ok {
			return nil, fmt.Errorf("no such track %s", path)
		}
		return &fakeDecoder{duration: dur}, nil
	})
	p := New(m)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPlaySurfacesErrors(t *testing.T) {
	p := newTestPlayer(t, map[string]float64{"a.mp3": 60})

	if err := p.Play("missing.mp3"); err == nil {
		t.Error("Play of a missing track returned nil")
	}
	if err := p.Play("a.mp3"); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if got := p.CurrentPath(); got != "a.mp3" {
		t.Errorf("CurrentPath = %q", got)
	}
	if !p.IsPlaying() {
		t.Error("IsPlaying = false after Play")
	}
}

func TestPreloadNextSurfacesErrors(t *testing.T) {
	p := newTestPlayer(t, map[string]float64{"a.mp3": 60, "b.mp3": 60})
	if err := p.Play("a.mp3"); err != nil {
		t.Fatal(err)
	}
	if err := p.PreloadNext("missing.mp3"); err == nil {
		t.Error("PreloadNext of a missing track returned nil")
	}
	if err := p.PreloadNext("b.mp3"); err != nil {
		t.Fatal(err)
	}
	if got := p.NextPath(); got != "b.mp3" {
		t.Errorf("NextPath = %q", got)
	}
}

func TestVolumeClamped(t *testing.T) {
	p := newTestPlayer(t, nil)

	p.SetVolume(1.5)
	waitFor(t, "volume clamp high", func() bool { return p.Volume() == 1.0 })

	p.SetVolume(-0.2)
	waitFor(t, "volume clamp low", func() bool { return p.Volume() == 0 })

	p.SetVolume(0.3)
	waitFor(t, "volume set", func() bool { return p.Volume() == 0.3 })
}

func TestAutoPreloadFromQueue(t *testing.T) {
	m := mixer.New(func(path string) (decode.Decoder, error) {
		return &fakeDecoder{duration: 5}, nil
	})
	p := New(m)
	p.SetPreloadFunc(func() string { return "queued.mp3" })
	notified := make(chan string, 1)
	p.SetOnPreloaded(func(path string) {
		select {
		case notified <- path:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	if err := p.Play("a.mp3"); err != nil {
		t.Fatal(err)
	}
	// The 5s track sits inside the preload threshold from the start, so the
	// worker pulls the queued path on its own.
	waitFor(t, "auto preload", func() bool { return p.NextPath() == "queued.mp3" })
	select {
	case path := <-notified:
		if path != "queued.mp3" {
			t.Errorf("preload callback got %q", path)
		}
	case <-time.After(time.Second):
		t.Error("preload callback never fired")
	}
}

func TestTrackEndGoesIdle(t *testing.T) {
	p := newTestPlayer(t, map[string]float64{"short.mp3": 2})
	if err := p.Play("short.mp3"); err != nil {
		t.Fatal(err)
	}
	// Drain the buffered audio the way the output device would.
	buf := make([]float32, 256)
	waitFor(t, "idle after track end", func() bool {
		p.Fill(buf)
		return p.State() == mixer.StateIdle
	})
	if got := p.CurrentPath(); got != "" {
		t.Errorf("CurrentPath = %q after track end, want empty", got)
	}
}

func TestPauseResumeStop(t *testing.T) {
	p := newTestPlayer(t, map[string]float64{"a.mp3": 60})
	if err := p.Play("a.mp3"); err != nil {
		t.Fatal(err)
	}

	p.Pause()
	waitFor(t, "paused", func() bool { return p.State() == mixer.StatePaused })
	if p.IsPlaying() {
		t.Error("IsPlaying = true while paused")
	}

	p.Resume()
	waitFor(t, "resumed", func() bool { return p.State() == mixer.StatePlaying })

	p.Stop()
	waitFor(t, "stopped", func() bool { return p.State() == mixer.StateIdle })
}

func TestFillExactLengthAndVolume(t *testing.T) {
	m := mixer.New(func(path string) (decode.Decoder, error) {
		return &fakeDecoder{duration: 60}, nil
	})
	p := New(m)

	// Idle player fills with silence.
	buf := make([]float32, 128)
	for i := range buf {
		buf[i] = 99
	}
	p.Fill(buf)
	for i, v := range buf {
		if v != 0 {
			t.Fatalf("buf[%d] = %g on idle fill, want 0", i, v)
		}
	}

	// Buffered audio comes back scaled by the published volume.
	chunk := make(audio.Chunk, 128)
	for i := range chunk {
		chunk[i] = 0.5
	}
	if err := m.Buffer().PushActive(chunk); err != nil {
		t.Fatal(err)
	}
	p.Fill(buf)
	for i, v := range buf {
		if v != 0.5 {
			t.Fatalf("buf[%d] = %g, want 0.5", i, v)
		}
	}
}

func TestFillMirrorsFrames(t *testing.T) {
	m := mixer.New(nil)
	p := New(m)

	p.Fill(make([]float32, 64))
	select {
	case frame := <-p.Frames():
		if len(frame) != 64 {
			t.Errorf("mirrored frame length = %d, want 64", len(frame))
		}
	default:
		t.Error("no frame mirrored to the broadcast channel")
	}
}

func TestStreamConvertsToStereoFloat64(t *testing.T) {
	m := mixer.New(nil)
	p := New(m)

	chunk := audio.Chunk{0.1, -0.1, 0.2, -0.2}
	if err := m.Buffer().PushActive(chunk); err != nil {
		t.Fatal(err)
	}

	samples := make([][2]float64, 2)
	n, ok := p.Stream(samples)
	if n != 2 || !ok {
		t.Fatalf("Stream = (%d, %v), want (2, true)", n, ok)
	}
	const eps = 1e-6
	want := [][2]float64{{0.1, -0.1}, {0.2, -0.2}}
	for i := range want {
		for c := 0; c < 2; c++ {
			if diff := samples[i][c] - want[i][c]; diff > eps || diff < -eps {
				t.Errorf("samples[%d][%d] = %g, want %g", i, c, samples[i][c], want[i][c])
			}
		}
	}
}
