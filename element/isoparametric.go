package element

import "math"

// LocalTol is the slack allowed outside [0,1] before a local coordinate is
// rejected. Accepted coordinates are clamped back into range.
const LocalTol = 1.e-9

// InvertQuad finds the iso-parametric position (u,v) of pixel (x,y) inside
// the quad with corners (xs[k], ys[k]), k = 0..3, ordered as QuadCorners.
//
// Writing the map as x = a0 + a1 u + a2 v + a3 uv (likewise y with b) and
// eliminating u gives A v^2 + B v + C = 0. When A vanishes (parallelograms,
// axis aligned rectangles) the equation is linear.
func InvertQuad(x, y float64, xs, ys [4]float64) (QuadLocal, bool) {
	a0, a1, a2, a3 := xs[0], xs[3]-xs[0], xs[1]-xs[0], xs[0]-xs[1]+xs[2]-xs[3]
	b0, b1, b2, b3 := ys[0], ys[3]-ys[0], ys[1]-ys[0], ys[0]-ys[1]+ys[2]-ys[3]
	dx, dy := x-a0, y-b0

	A := a3*b2 - a2*b3
	B := dx*b3 - dy*a3 + a1*b2 - a2*b1
	C := dx*b1 - dy*a1

	var roots [2]float64
	nroots := 0
	switch {
	case math.Abs(A) <= 1.e-12*math.Abs(B):
		if B == 0 {
			return QuadLocal{}, false
		}
		roots[0] = -C / B
		nroots = 1
	default:
		disc := B*B - 4*A*C
		if disc < 0 {
			if disc < -1.e-12*B*B {
				return QuadLocal{}, false
			}
			disc = 0
		}
		q := -0.5 * (B + math.Copysign(math.Sqrt(disc), B))
		roots[0] = q / A
		nroots = 1
		if q != 0 {
			roots[1] = C / q
			nroots = 2
		}
	}

	for i := 0; i < nroots; i++ {
		v := roots[i]
		if v < -LocalTol || v > 1+LocalTol {
			continue
		}
		den1, den2 := a1+a3*v, b1+b3*v
		var u float64
		switch {
		case math.Abs(den1) >= math.Abs(den2) && den1 != 0:
			u = (dx - a2*v) / den1
		case den2 != 0:
			u = (dy - b2*v) / den2
		default:
			continue
		}
		if u < -LocalTol || u > 1+LocalTol {
			continue
		}
		return QuadLocal{U: clamp01(u), V: clamp01(v)}, true
	}
	return QuadLocal{}, false
}

// MapQuad returns the pixel position of local coordinates (u,v)
func MapQuad(loc QuadLocal, xs, ys [4]float64) (x, y float64) {
	var w [4]float64
	Weights(loc, Bilinear, w[:])
	for k := 0; k < 4; k++ {
		x += w[k] * xs[k]
		y += w[k] * ys[k]
	}
	return
}

// InvertTri computes the barycentric weights of pixel (x,y) in the triangle
// with corners (xs[k], ys[k]). It fails when any weight falls outside [0,1].
func InvertTri(x, y float64, xs, ys [3]float64) (TriLocal, bool) {
	det := (ys[1]-ys[2])*(xs[0]-xs[2]) + (xs[2]-xs[1])*(ys[0]-ys[2])
	if det == 0 || math.IsNaN(det) {
		return TriLocal{}, false
	}
	l0 := ((ys[1]-ys[2])*(x-xs[2]) + (xs[2]-xs[1])*(y-ys[2])) / det
	l1 := ((ys[2]-ys[0])*(x-xs[2]) + (xs[0]-xs[2])*(y-ys[2])) / det
	l := [3]float64{l0, l1, 1 - l0 - l1}
	var sum float64
	for i := range l {
		if l[i] < -LocalTol || l[i] > 1+LocalTol {
			return TriLocal{}, false
		}
		l[i] = clamp01(l[i])
		sum += l[i]
	}
	for i := range l {
		l[i] /= sum
	}
	return TriLocal{L: l}, true
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}
