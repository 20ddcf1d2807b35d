package field

import (
	"fmt"

	"github.com/notargets/fringefit/element"
	"github.com/notargets/fringefit/mesh"
)

// BicubicFromBilinear turns bilinear nodal values into bicubic Hermite nodal
// parameters. The derivatives at each node are the bilinear derivatives at
// that corner, averaged over the quads sharing the node. Nodes touched only by
// triangles get zero derivatives. Entries of params past the node values are
// ignored.
func BicubicFromBilinear(m *mesh.Mesh, params []float64) ([]float64, error) {
	nn := m.NumNodes()
	if len(params) < nn {
		return nil, fmt.Errorf("%w: %d bilinear parameters for %d nodes",
			mesh.ErrMeshMismatch, len(params), nn)
	}
	out := make([]float64, 4*nn)
	count := make([]int, nn)

	var du, dv []float64
	for k := range m.Elements {
		el := &m.Elements[k]
		if el.Type != element.Rectangle {
			continue
		}
		var f [4]float64
		for c, n := range el.Nodes[:4] {
			f[c] = params[n]
		}
		// The cross derivative of a bilinear patch is constant
		cross := f[0] - f[1] + f[2] - f[3]
		for c, n := range el.Nodes[:4] {
			uv := element.QuadCorners[c]
			du, dv = element.Derivatives(element.QuadLocal{U: uv[0], V: uv[1]}, element.Bilinear, du, dv)
			var fu, fv float64
			for i := range f {
				fu += du[i] * f[i]
				fv += dv[i] * f[i]
			}
			out[4*n+1] += fu
			out[4*n+2] += fv
			out[4*n+3] += cross
			count[n]++
		}
	}
	for n := 0; n < nn; n++ {
		out[4*n] = params[n]
		if count[n] > 0 {
			c := float64(count[n])
			out[4*n+1] /= c
			out[4*n+2] /= c
			out[4*n+3] /= c
		}
	}
	return out, nil
}
