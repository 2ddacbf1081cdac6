// Package stream broadcasts the mixed program output to network listeners:
// WebRTC peers receive Opus, plain HTTP listeners a chunked MP3 stream. The
// mix is mirrored off the playback path and resampled to the 48kHz broadcast
// rate before fan-out.
package stream

import (
	"context"
	"sync"
	"time"
)

const (
	// BroadcastRate is the fan-out sample rate. Opus requires 48kHz.
	BroadcastRate = 48000
	// BroadcastChannels is the broadcast channel count.
	BroadcastChannels = 2
	// FrameDuration is the length of one broadcast frame.
	FrameDuration = 20 * time.Millisecond
	// FrameSize is samples per channel per broadcast frame.
	FrameSize = 960
	// FrameSamples is total interleaved samples per broadcast frame.
	FrameSamples = FrameSize * BroadcastChannels

	// listenerBuffer is per-listener frame capacity, ~3s at 20ms frames.
	listenerBuffer = 150
)

// Listener is one subscriber's view of the program stream. Frames carries
// fixed-size PCM blocks; the channel returned by Done closes on unsubscribe.
type Listener struct {
	Frames chan []int16
	closed chan struct{}
}

// Done signals that the listener was unsubscribed.
func (l *Listener) Done() <-chan struct{} { return l.closed }

// Broadcaster fans the program mix out to any number of listeners. A listener
// that stops draining misses frames; the fan-out never blocks on a subscriber.
type Broadcaster struct {
	mu        sync.RWMutex
	listeners map[*Listener]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{listeners: make(map[*Listener]struct{})}
}

// Subscribe attaches a new listener to the stream.
func (b *Broadcaster) Subscribe() *Listener {
	l := &Listener{
		Frames: make(chan []int16, listenerBuffer),
		closed: make(chan struct{}),
	}
	b.mu.Lock()
	b.listeners[l] = struct{}{}
	b.mu.Unlock()
	return l
}

// Unsubscribe detaches the listener and closes its done channel.
func (b *Broadcaster) Unsubscribe(l *Listener) {
	b.mu.Lock()
	_, ok := b.listeners[l]
	delete(b.listeners, l)
	b.mu.Unlock()
	if ok {
		close(l.closed)
	}
}

// ListenerCount returns the number of attached listeners.
func (b *Broadcaster) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// publish hands one frame to every listener, skipping full buffers.
func (b *Broadcaster) publish(frame []int16) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for l := range b.listeners {
		select {
		case l.Frames <- frame:
		default:
		}
	}
}

// Run fans frames from source out to the listeners until ctx is cancelled or
// the source closes.
func (b *Broadcaster) Run(ctx context.Context, source <-chan []int16) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-source:
			if !ok {
				return
			}
			b.publish(frame)
		}
	}
}
