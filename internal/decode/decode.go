// Package decode provides the compressed-audio decoder used by the playback
// engine. Codec work is delegated to beep's mp3/flac/wav/vorbis decoders; the
// output is always interleaved float32 stereo at the engine sample rate.
package decode

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/flac"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/vorbis"
	"github.com/gopxl/beep/v2/wav"

	"github.com/quaverhq/deckmix/internal/audio"
)

// Frame is one decoded block of interleaved float32 samples.
type Frame struct {
	Samples   []float32
	Timestamp float64 // seconds from track start
}

// Decoder is the engine's view of a compressed audio source. NextFrame
// returns io.EOF at end of stream.
type Decoder interface {
	SampleRate() int
	Channels() int
	Duration() float64
	NextFrame() (*Frame, error)
	Seek(seconds float64) error
	Close() error
}

// SupportedExt reports whether the file extension has a registered codec.
func SupportedExt(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3", ".flac", ".wav", ".ogg":
		return true
	}
	return false
}

// Open creates a Decoder for the file, chosen by extension.
func Open(path string) (Decoder, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("decode: open %s: %w", path, err)
	}

	var (
		streamer beep.StreamSeekCloser
		format   beep.Format
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		streamer, format, err = mp3.Decode(f)
	case ".flac":
		streamer, format, err = flac.Decode(f)
	case ".wav":
		streamer, format, err = wav.Decode(f)
	case ".ogg":
		streamer, format, err = vorbis.Decode(f)
	default:
		f.Close()
		return nil, fmt.Errorf("decode: unsupported format %q", filepath.Ext(path))
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("decode: %s: %w", path, err)
	}

	d := &beepDecoder{
		file:     f,
		streamer: streamer,
		fileRate: int(format.SampleRate),
	}
	d.source = beep.Streamer(streamer)
	if d.fileRate != audio.SampleRate {
		d.source = beep.Resample(4, format.SampleRate, beep.SampleRate(audio.SampleRate), streamer)
	}
	return d, nil
}

type beepDecoder struct {
	file     *os.File
	streamer beep.StreamSeekCloser
	source   beep.Streamer // streamer, possibly wrapped in a rate converter
	fileRate int

	mu         sync.Mutex
	framesRead int64
	buf        [audio.ChunkFrames][2]float64
}

func (d *beepDecoder) SampleRate() int { return audio.SampleRate }
func (d *beepDecoder) Channels() int   { return audio.Channels }

// Duration returns the track length in seconds, derived from the codec's
// reported sample count at the file's native rate.
func (d *beepDecoder) Duration() float64 {
	return float64(d.streamer.Len()) / float64(d.fileRate)
}

// NextFrame decodes up to one chunk of frames. Returns io.EOF once the
// stream is exhausted, or the codec error for an unreadable frame.
func (d *beepDecoder) NextFrame() (*Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, ok := d.source.Stream(d.buf[:])
	if n == 0 {
		if !ok {
			if err := d.streamer.Err(); err != nil {
				return nil, fmt.Errorf("decode: stream: %w", err)
			}
			return nil, io.EOF
		}
		return nil, io.EOF
	}

	samples := make([]float32, n*audio.Channels)
	for i := 0; i < n; i++ {
		samples[i*2] = float32(d.buf[i][0])
		samples[i*2+1] = float32(d.buf[i][1])
	}
	ts := float64(d.framesRead) / float64(audio.SampleRate)
	d.framesRead += int64(n)
	return &Frame{Samples: samples, Timestamp: ts}, nil
}

// Seek repositions the underlying codec stream. The position is converted to
// the file's native sample domain.
func (d *beepDecoder) Seek(seconds float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if seconds < 0 {
		seconds = 0
	}
	pos := int(seconds * float64(d.fileRate))
	if max := d.streamer.Len(); pos > max {
		pos = max
	}
	if err := d.streamer.Seek(pos); err != nil {
		return fmt.Errorf("decode: seek to %.2fs: %w", seconds, err)
	}
	d.framesRead = int64(seconds * float64(audio.SampleRate))
	return nil
}

func (d *beepDecoder) Close() error {
	err := d.streamer.Close()
	if cerr := d.file.Close(); err == nil {
		err = cerr
	}
	return err
}
