package stream

import (
	"context"
	"testing"
	"time"
)

func TestFeederPassthroughAtBroadcastRate(t *testing.T) {
	f, err := NewFeeder(BroadcastRate)
	if err != nil {
		t.Fatalf("NewFeeder: %v", err)
	}

	in := []int16{1, 2, 3, 4}
	out, err := f.convert(in)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("convert changed length: got %d, want %d", len(out), len(in))
	}
	for i, v := range out {
		if v != in[i] {
			t.Errorf("out[%d] = %d, want %d", i, v, in[i])
		}
	}
}

func TestFeederEmitsFixedFrames(t *testing.T) {
	f, err := NewFeeder(BroadcastRate)
	if err != nil {
		t.Fatalf("NewFeeder: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source := make(chan []int16, 8)
	go f.Run(ctx, source)

	// Two and a half broadcast frames of input, in odd-sized blocks.
	total := FrameSamples*2 + FrameSamples/2
	sent := 0
	for sent < total {
		n := 700
		if sent+n > total {
			n = total - sent
		}
		block := make([]int16, n)
		for i := range block {
			block[i] = int16((sent + i) % 1000)
		}
		source <- block
		sent += n
	}

	// Exactly two complete frames should come out; the half frame stays pending.
	for i := 0; i < 2; i++ {
		select {
		case frame := <-f.Frames():
			if len(frame) != FrameSamples {
				t.Errorf("frame %d length = %d, want %d", i, len(frame), FrameSamples)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for frame %d", i)
		}
	}
	select {
	case <-f.Frames():
		t.Error("got a third frame from an incomplete input")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFeederClosesFramesOnSourceClose(t *testing.T) {
	f, err := NewFeeder(BroadcastRate)
	if err != nil {
		t.Fatalf("NewFeeder: %v", err)
	}

	source := make(chan []int16)
	go f.Run(context.Background(), source)
	close(source)

	select {
	case _, ok := <-f.Frames():
		if ok {
			t.Error("expected closed frames channel")
		}
	case <-time.After(time.Second):
		t.Fatal("frames channel not closed after source close")
	}
}
