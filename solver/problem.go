// Package solver fits the mesh field to pixel data, by linear least squares
// with fringe order unknowns and by nonlinear refinement against wrapped
// residuals
package solver

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/notargets/fringefit/field"
	"github.com/notargets/fringefit/fringe"
	"github.com/notargets/fringefit/mesh"
)

// ErrSolverFailure reports a singular system or a failed minimization
var ErrSolverFailure = errors.New("solver failure")

// cancellation is checked every this many samples
const checkEvery = 4096

// Problem is one axis of a fit: located samples, the observed phase at each
// and the fringe regions that offset it
type Problem struct {
	Mesh    *mesh.Mesh
	Layout  field.Layout
	Samples []field.Sample
	Data    []float64 // observed phase per pixel, radians
	Weights []float64 // per pixel, nil for uniform weights
	Fringes *fringe.Set
}

// Validate checks that the buffers and the layout agree
func (p *Problem) Validate() error {
	if p.Mesh == nil {
		return fmt.Errorf("problem has no mesh")
	}
	if p.Layout.NumNodes != p.Mesh.NumNodes() {
		return fmt.Errorf("%w: layout for %d nodes, mesh has %d",
			mesh.ErrMeshMismatch, p.Layout.NumNodes, p.Mesh.NumNodes())
	}
	if len(p.Data) != len(p.Samples) {
		return fmt.Errorf("%d data values for %d samples", len(p.Data), len(p.Samples))
	}
	if p.Weights != nil && len(p.Weights) != len(p.Samples) {
		return fmt.Errorf("%d weights for %d samples", len(p.Weights), len(p.Samples))
	}
	nfree := 0
	if p.Fringes != nil {
		nfree = p.Fringes.NumFree()
	}
	if nfree != p.Layout.NumFree {
		return fmt.Errorf("layout has %d free fringe slots, fringe set has %d", p.Layout.NumFree, nfree)
	}
	return nil
}

// weight returns the weight of pixel i, 0 when the pixel takes no part
func (p *Problem) weight(i int) float64 {
	if !p.Samples[i].Located() || math.IsNaN(p.Data[i]) {
		return 0
	}
	if p.Weights == nil {
		return 1
	}
	return p.Weights[i]
}

// offset returns the fringe phase offset of pixel i and the parameter column
// of its free fringe order, -1 when the order is fixed
func (p *Problem) offset(i int) (float64, int) {
	if p.Fringes == nil {
		return 0, -1
	}
	off, free := p.Fringes.Offset(i)
	if free < 0 {
		return off, -1
	}
	return off, p.Layout.FreeIndex(free)
}

// visit calls fn for every pixel that takes part in the fit
func (p *Problem) visit(ctx context.Context, fn func(i int, idx []int, phi []float64, w float64)) error {
	var (
		idx []int
		phi []float64
	)
	for i := range p.Samples {
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		w := p.weight(i)
		if w == 0 {
			continue
		}
		idx, phi = field.Basis(p.Mesh, p.Layout, p.Samples[i], idx, phi)
		fn(i, idx, phi, w)
	}
	return nil
}

// Residual returns the model minus the observed phase at pixel i, together
// with the pixel weight. ok is false for pixels that take no part in the fit.
func (p *Problem) Residual(i int, params []float64) (r, w float64, ok bool) {
	w = p.weight(i)
	if w == 0 {
		return 0, 0, false
	}
	offset, free := p.offset(i)
	model := field.ModelEval(p.Mesh, p.Layout, p.Samples[i], params)
	if free >= 0 {
		model -= 2 * math.Pi * params[free]
	}
	return model - (p.Data[i] + offset), w, true
}

// Observed returns the observed phase of pixel i with its fixed fringe offset
func (p *Problem) Observed(i int) float64 {
	offset, _ := p.offset(i)
	return p.Data[i] + offset
}
