package field

import (
	"context"
	"fmt"

	"github.com/notargets/fringefit/element"
	"github.com/notargets/fringefit/mesh"
	"gonum.org/v1/gonum/mat"
)

// ComputeStrains stores the Lagrangian strain E = (F^T F - I)/2, F = I + grad d,
// on every located sample. The displacement d in pixels is the fitted phase
// (paramsX, paramsY) divided by phasePerPixel. The gradient is taken through
// the inverse Jacobian of the element map. Samples with a singular Jacobian
// get no strain.
func ComputeStrains(ctx context.Context, m *mesh.Mesh, layout Layout, paramsX, paramsY []float64,
	phasePerPixel float64, width int, samples []Sample) error {
	if phasePerPixel == 0 {
		return fmt.Errorf("phase per pixel must be non-zero")
	}
	if len(paramsX) < layout.NumNodeParams() || len(paramsY) < layout.NumNodeParams() {
		return fmt.Errorf("%w: %d/%d parameters for layout of %d",
			mesh.ErrMeshMismatch, len(paramsX), len(paramsY), layout.NumNodeParams())
	}
	if width <= 0 {
		return fmt.Errorf("invalid image width %d", width)
	}

	var (
		gdu, gdv []float64 // geometric basis derivatives
		fdu, fdv []float64 // field basis derivatives
		idx      []int
		J, Jinv  mat.Dense
		G, F, C  mat.Dense
	)
	J.ReuseAs(2, 2)
	G.ReuseAs(2, 2)
	eye := mat.NewDiagDense(2, []float64{1, 1})

	for i := range samples {
		if i%width == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		s := &samples[i]
		s.Strain = nil
		if !s.Located() {
			continue
		}
		el := &m.Elements[s.Element]

		gdu, gdv = element.Derivatives(s.Local, element.Bilinear, gdu, gdv)
		var xu, xv, yu, yv float64
		for k, n := range el.Nodes[:len(gdu)] {
			xu += gdu[k] * m.Nodes[n].XP
			xv += gdv[k] * m.Nodes[n].XP
			yu += gdu[k] * m.Nodes[n].YP
			yv += gdv[k] * m.Nodes[n].YP
		}
		J.Set(0, 0, xu)
		J.Set(0, 1, xv)
		J.Set(1, 0, yu)
		J.Set(1, 1, yv)
		if err := Jinv.Inverse(&J); err != nil {
			continue
		}

		fdu, fdv = element.Derivatives(s.Local, layout.Model, fdu, fdv)
		idx = Indices(el, layout, idx)
		var dxu, dxv, dyu, dyv float64
		for k, j := range idx {
			dxu += fdu[k] * paramsX[j]
			dxv += fdv[k] * paramsX[j]
			dyu += fdu[k] * paramsY[j]
			dyv += fdv[k] * paramsY[j]
		}
		G.Set(0, 0, dxu/phasePerPixel)
		G.Set(0, 1, dxv/phasePerPixel)
		G.Set(1, 0, dyu/phasePerPixel)
		G.Set(1, 1, dyv/phasePerPixel)

		// grad d with respect to pixel coordinates, then the deformation gradient
		F.Mul(&G, &Jinv)
		F.Add(&F, eye)
		C.Mul(F.T(), &F)
		s.Strain = &Strain{
			Exx: 0.5 * (C.At(0, 0) - 1),
			Exy: 0.5 * C.At(0, 1),
			Eyy: 0.5 * (C.At(1, 1) - 1),
		}
	}
	return nil
}
