package audio

import "math"

// Curve selects the gain law applied to crossfade progress.
type Curve int

const (
	CurveLinear Curve = iota
	CurveLogarithmic
	CurveSCurve
)

func (c Curve) String() string {
	switch c {
	case CurveLogarithmic:
		return "logarithmic"
	case CurveSCurve:
		return "scurve"
	default:
		return "linear"
	}
}

// ParseCurve maps a config string to a Curve; unknown values fall back to linear.
func ParseCurve(s string) Curve {
	switch s {
	case "logarithmic", "log":
		return CurveLogarithmic
	case "scurve", "s-curve", "smooth":
		return CurveSCurve
	default:
		return CurveLinear
	}
}

// Gain maps crossfade progress t in [0,1] to the incoming track's gain.
// The outgoing track receives 1-Gain(t).
func (c Curve) Gain(t float64) float64 {
	if t <= 0 {
		return 0
	}
	if t >= 1 {
		return 1
	}
	switch c {
	case CurveLogarithmic:
		// Fast early rise, perceptually even for program material.
		return math.Log10(1 + 9*t)
	case CurveSCurve:
		return Smoothstep(t)
	default:
		return t
	}
}

// Smoothstep returns the smoothstep interpolation 3t^2 - 2t^3 for t in [0,1].
func Smoothstep(t float64) float64 {
	if t <= 0 {
		return 0
	}
	if t >= 1 {
		return 1
	}
	return t * t * (3 - 2*t)
}

// CrossfadeSamples blends outgoing and incoming float32 samples in place into
// a new slice at the given progress (0 = all outgoing, 1 = all incoming).
// Both slices must have the same length.
func CrossfadeSamples(outgoing, incoming []float32, progress float64, curve Curve) []float32 {
	gain := float32(curve.Gain(progress))
	result := make([]float32, len(outgoing))
	for i := range outgoing {
		result[i] = outgoing[i]*(1-gain) + incoming[i]*gain
	}
	return result
}
