package solver

import (
	"context"
	"math"

	"gonum.org/v1/gonum/mat"
)

// NormalEquations holds the weighted normal equations A x = B of one axis.
// Only the upper triangle of A is stored.
type NormalEquations struct {
	A *mat.SymDense
	B *mat.VecDense
}

// NewNormalEquations returns zeroed equations for n parameters
func NewNormalEquations(n int) *NormalEquations {
	return &NormalEquations{
		A: mat.NewSymDense(n, nil),
		B: mat.NewVecDense(n, nil),
	}
}

// Reset zeroes A and B
func (ne *NormalEquations) Reset() {
	a := ne.A.RawSymmetric()
	for i := range a.Data {
		a.Data[i] = 0
	}
	b := ne.B.RawVector()
	for i := 0; i < b.N; i++ {
		b.Data[i*b.Inc] = 0
	}
}

// AddSample accumulates one sample with basis weights phi on parameters idx,
// observed phase f, weight w and fringe offset. When free >= 0 it is the
// column of the sample's unknown fringe order n, fitted through
// sum(phi*x) = f + 2*pi*n.
func (ne *NormalEquations) AddSample(idx []int, phi []float64, f, w, offset float64, free int) {
	a := ne.A.RawSymmetric()
	b := ne.B.RawVector()
	upper := func(i, j int) *float64 {
		if i > j {
			i, j = j, i
		}
		return &a.Data[i*a.Stride+j]
	}

	for ii, i := range idx {
		wi := phi[ii] * w
		for jj, j := range idx {
			if i <= j {
				*upper(i, j) += wi * phi[jj]
			}
		}
		b.Data[i*b.Inc] += wi * (f + offset)
	}
	if free < 0 {
		return
	}
	for ii, i := range idx {
		*upper(i, free) -= 2 * math.Pi * w * phi[ii]
	}
	*upper(free, free) += 4 * math.Pi * math.Pi * w
	b.Data[free*b.Inc] -= 2 * math.Pi * w * f
}

// Assemble builds the normal equations of a problem
func Assemble(ctx context.Context, p *Problem) (*NormalEquations, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	ne := NewNormalEquations(p.Layout.Len())
	err := p.visit(ctx, func(i int, idx []int, phi []float64, w float64) {
		offset, free := p.offset(i)
		ne.AddSample(idx, phi, p.Data[i], w, offset, free)
	})
	if err != nil {
		return nil, err
	}
	return ne, nil
}
