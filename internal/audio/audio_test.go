package audio

import (
	"math"
	"testing"
)

// --- Constants ---

func TestChunkConstants(t *testing.T) {
	if ChunkSamples != ChunkFrames*Channels {
		t.Errorf("ChunkSamples = %d, want %d", ChunkSamples, ChunkFrames*Channels)
	}
}

// --- MixdownMono ---

func TestMixdownMonoAveragesChannels(t *testing.T) {
	stereo := []float32{1.0, 0.0, 0.5, -0.5, -1.0, 1.0}
	mono := MixdownMono(stereo, 2)
	want := []float32{0.5, 0.0, 0.0}
	if len(mono) != len(want) {
		t.Fatalf("len = %d, want %d", len(mono), len(want))
	}
	for i, v := range want {
		if mono[i] != v {
			t.Errorf("mono[%d] = %v, want %v", i, mono[i], v)
		}
	}
}

func TestMixdownMonoSingleChannel(t *testing.T) {
	in := []float32{0.1, 0.2, 0.3}
	mono := MixdownMono(in, 1)
	if len(mono) != 3 {
		t.Fatalf("len = %d, want 3", len(mono))
	}
	for i := range in {
		if mono[i] != in[i] {
			t.Errorf("mono[%d] = %v, want %v", i, mono[i], in[i])
		}
	}
}

// --- Sample conversion ---

func TestFloatsToInt16Clips(t *testing.T) {
	out := FloatsToInt16([]float32{0, 1, -1, 2, -2})
	if out[0] != 0 {
		t.Errorf("0 -> %d, want 0", out[0])
	}
	if out[1] != 32767 {
		t.Errorf("1 -> %d, want 32767", out[1])
	}
	if out[3] != 32767 {
		t.Errorf("2 should clip to 32767, got %d", out[3])
	}
	if out[4] != -32768 {
		t.Errorf("-2 should clip to -32768, got %d", out[4])
	}
}

func TestInt16ToBytesLittleEndian(t *testing.T) {
	buf := Int16ToBytes([]int16{0x0102, -1})
	want := []byte{0x02, 0x01, 0xff, 0xff}
	for i, b := range want {
		if buf[i] != b {
			t.Errorf("buf[%d] = %#x, want %#x", i, buf[i], b)
		}
	}
}

// --- Smoothstep ---

func TestSmoothstepBoundaries(t *testing.T) {
	tests := []struct {
		input float64
		want  float64
	}{
		{-0.5, 0},
		{0, 0},
		{0.5, 0.5},
		{1, 1},
		{1.5, 1},
	}
	for _, tt := range tests {
		got := Smoothstep(tt.input)
		if got != tt.want {
			t.Errorf("Smoothstep(%v) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestSmoothstepMonotonic(t *testing.T) {
	prev := 0.0
	for i := 1; i <= 100; i++ {
		x := float64(i) / 100.0
		val := Smoothstep(x)
		if val < prev {
			t.Errorf("Smoothstep not monotonic: f(%v)=%v < f(%v)=%v", x, val, float64(i-1)/100.0, prev)
		}
		prev = val
	}
}

// --- Curves ---

func TestCurveGainBoundaries(t *testing.T) {
	for _, curve := range []Curve{CurveLinear, CurveLogarithmic, CurveSCurve} {
		if g := curve.Gain(0); g != 0 {
			t.Errorf("%s.Gain(0) = %v, want 0", curve, g)
		}
		if g := curve.Gain(1); g != 1 {
			t.Errorf("%s.Gain(1) = %v, want 1", curve, g)
		}
		if g := curve.Gain(-1); g != 0 {
			t.Errorf("%s.Gain(-1) = %v, want 0", curve, g)
		}
		if g := curve.Gain(2); g != 1 {
			t.Errorf("%s.Gain(2) = %v, want 1", curve, g)
		}
	}
}

func TestCurveGainMonotonic(t *testing.T) {
	for _, curve := range []Curve{CurveLinear, CurveLogarithmic, CurveSCurve} {
		prev := -1.0
		for i := 0; i <= 100; i++ {
			g := curve.Gain(float64(i) / 100)
			if g < prev {
				t.Errorf("%s not monotonic at t=%v", curve, float64(i)/100)
			}
			prev = g
		}
	}
}

func TestParseCurveRoundTrip(t *testing.T) {
	tests := []struct {
		in   string
		want Curve
	}{
		{"linear", CurveLinear},
		{"logarithmic", CurveLogarithmic},
		{"log", CurveLogarithmic},
		{"scurve", CurveSCurve},
		{"nonsense", CurveLinear},
	}
	for _, tt := range tests {
		if got := ParseCurve(tt.in); got != tt.want {
			t.Errorf("ParseCurve(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// --- CrossfadeSamples ---

func TestCrossfadeAllOutgoing(t *testing.T) {
	out := []float32{0.5, -0.5, 0.25, -0.25}
	in := []float32{1, -1, 0.75, -0.75}
	result := CrossfadeSamples(out, in, 0, CurveLinear)
	for i, v := range result {
		if v != out[i] {
			t.Errorf("at progress=0 sample[%d] = %v, want %v", i, v, out[i])
		}
	}
}

func TestCrossfadeAllIncoming(t *testing.T) {
	out := []float32{0.5, -0.5}
	in := []float32{1, -1}
	result := CrossfadeSamples(out, in, 1, CurveLinear)
	for i, v := range result {
		if v != in[i] {
			t.Errorf("at progress=1 sample[%d] = %v, want %v", i, v, in[i])
		}
	}
}

func TestCrossfadeLinearMidpoint(t *testing.T) {
	out := []float32{0.2}
	in := []float32{0.6}
	result := CrossfadeSamples(out, in, 0.5, CurveLinear)
	if math.Abs(float64(result[0])-0.4) > 1e-6 {
		t.Errorf("midpoint = %v, want 0.4", result[0])
	}
}
