package utils

import "math"

const TwoPi = 2 * math.Pi

// WrapPhase maps r into (-pi, pi] by removing the nearest whole number of
// 2*pi cycles: r - round(r/2pi)*2pi, with -pi taken as pi
func WrapPhase(r float64) float64 {
	w := r - math.Round(r/TwoPi)*TwoPi
	if w <= -math.Pi {
		w += TwoPi
	}
	return w
}

// MinMax returns the extremes of a slice, ignoring NaN entries
func MinMax(s []float64) (min, max float64) {
	first := true
	for _, v := range s {
		if math.IsNaN(v) {
			continue
		}
		if first {
			min, max = v, v
			first = false
			continue
		}
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max
}
