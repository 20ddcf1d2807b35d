package element

// Weights evaluates the basis weights at a local position. The result is
// written to dst (grown if too small) and has NumWeights entries:
//
//	Rectangle, Bilinear:       (1-u)(1-v), (1-u)v, uv, u(1-v)
//	Rectangle, BicubicHermite: 4 per corner, [value, d/du, d/dv, d2/dudv]
//	Tri (either model):        the barycentric weights
func Weights(loc Local, m Model, dst []float64) []float64 {
	switch l := loc.(type) {
	case TriLocal:
		dst = grow(dst, 3)
		copy(dst, l.L[:])
		return dst
	case QuadLocal:
		if m == BicubicHermite {
			return hermiteWeights(l.U, l.V, dst)
		}
		dst = grow(dst, 4)
		u, v := l.U, l.V
		dst[0] = (1 - u) * (1 - v)
		dst[1] = (1 - u) * v
		dst[2] = u * v
		dst[3] = u * (1 - v)
		return dst
	}
	return dst[:0]
}

// Derivatives evaluates the basis derivatives with respect to the local
// coordinates. For triangles the local coordinates are (u,v) = (L1,L2).
func Derivatives(loc Local, m Model, du, dv []float64) ([]float64, []float64) {
	switch l := loc.(type) {
	case TriLocal:
		du, dv = grow(du, 3), grow(dv, 3)
		du[0], du[1], du[2] = -1, 1, 0
		dv[0], dv[1], dv[2] = -1, 0, 1
		return du, dv
	case QuadLocal:
		if m == BicubicHermite {
			return hermiteDerivatives(l.U, l.V, du, dv)
		}
		du, dv = grow(du, 4), grow(dv, 4)
		u, v := l.U, l.V
		du[0], dv[0] = -(1 - v), -(1 - u)
		du[1], dv[1] = -v, 1-u
		du[2], dv[2] = v, u
		du[3], dv[3] = 1-v, -u
		return du, dv
	}
	return du[:0], dv[:0]
}

// Cubic Hermite blending functions on [0,1]
func h01(s float64) float64 { return 1 - 3*s*s + 2*s*s*s }
func h02(s float64) float64 { return 3*s*s - 2*s*s*s }
func h11(s float64) float64 { return s * (s - 1) * (s - 1) }
func h12(s float64) float64 { return s * s * (s - 1) }

func dh01(s float64) float64 { return -6*s + 6*s*s }
func dh02(s float64) float64 { return 6*s - 6*s*s }
func dh11(s float64) float64 { return 3*s*s - 4*s + 1 }
func dh12(s float64) float64 { return 3*s*s - 2*s }

// hermite1D returns the value-carrying and slope-carrying blending functions
// for the end of [0,1] at c (0 or 1), and their derivatives.
func hermite1D(s, c float64) (val, der, dval, dder float64) {
	if c == 0 {
		return h01(s), h11(s), dh01(s), dh11(s)
	}
	return h02(s), h12(s), dh02(s), dh12(s)
}

func hermiteWeights(u, v float64, dst []float64) []float64 {
	dst = grow(dst, 16)
	for k, c := range QuadCorners {
		hu, du, _, _ := hermite1D(u, c[0])
		hv, dv, _, _ := hermite1D(v, c[1])
		dst[4*k+0] = hu * hv
		dst[4*k+1] = du * hv
		dst[4*k+2] = hu * dv
		dst[4*k+3] = du * dv
	}
	return dst
}

func hermiteDerivatives(u, v float64, gu, gv []float64) ([]float64, []float64) {
	gu, gv = grow(gu, 16), grow(gv, 16)
	for k, c := range QuadCorners {
		hu, du, dhu, ddu := hermite1D(u, c[0])
		hv, dv, dhv, ddv := hermite1D(v, c[1])
		gu[4*k+0] = dhu * hv
		gu[4*k+1] = ddu * hv
		gu[4*k+2] = dhu * dv
		gu[4*k+3] = ddu * dv
		gv[4*k+0] = hu * dhv
		gv[4*k+1] = du * dhv
		gv[4*k+2] = hu * ddv
		gv[4*k+3] = du * ddv
	}
	return gu, gv
}

func grow(s []float64, n int) []float64 {
	if cap(s) < n {
		return make([]float64, n)
	}
	return s[:n]
}
