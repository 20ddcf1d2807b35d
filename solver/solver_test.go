package solver

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/notargets/fringefit/element"
	"github.com/notargets/fringefit/field"
	"github.com/notargets/fringefit/fringe"
	"github.com/notargets/fringefit/mesh"
	"github.com/notargets/fringefit/raster"
	"github.com/notargets/fringefit/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const width, height = 100, 100

type fixture struct {
	m       *mesh.Mesh
	owner   []int
	samples []field.Sample
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m, err := mesh.NewDefault()
	require.NoError(t, err)
	xp, yp := mesh.LatticeBoundary(10, 10, 20, 20)
	require.NoError(t, m.SetBoundary(xp, yp))
	owner, err := raster.Rasterize(context.Background(), m, width, height, nil)
	require.NoError(t, err)
	samples := make([]field.Sample, len(owner))
	_, err = field.NewLocator(m).LocateAll(context.Background(), width, owner, samples, false)
	require.NoError(t, err)
	return &fixture{m: m, owner: owner, samples: samples}
}

func truePhase(x, y float64) float64 { return 0.1*x + 0.05*y - 3 }

// data samples a phase function at every pixel
func data(fn func(x, y float64) float64) []float64 {
	d := make([]float64, width*height)
	for i := range d {
		d[i] = fn(float64(i%width), float64(i/width))
	}
	return d
}

func trueParams(m *mesh.Mesh, n int) []float64 {
	p := make([]float64, n)
	for i, node := range m.Nodes {
		p[i] = truePhase(node.XP, node.YP)
	}
	return p
}

func TestAddSample(t *testing.T) {
	ne := NewNormalEquations(3)
	ne.AddSample([]int{0, 1}, []float64{0.25, 0.75}, 2, 2, 0, 2)
	pi := math.Pi
	expA := [][]float64{
		{0.125, 0.375, -pi},
		{0.375, 1.125, -3 * pi},
		{-pi, -3 * pi, 8 * pi * pi},
	}
	for i := range expA {
		for j := range expA[i] {
			assert.InDelta(t, expA[i][j], ne.A.At(i, j), 1.e-12, "A[%d][%d]", i, j)
		}
	}
	assert.InDeltaSlice(t, []float64{1, 3, -8 * pi}, ne.B.RawVector().Data, 1.e-12)

	// Constrained samples carry their offset into B only
	ne.Reset()
	ne.AddSample([]int{1}, []float64{1}, 1, 1, 2*pi, -1)
	assert.InDelta(t, 1.0, ne.A.At(1, 1), 1.e-12)
	assert.InDelta(t, 1+2*pi, ne.B.AtVec(1), 1.e-12)
	assert.Zero(t, ne.A.At(2, 2))
	assert.Zero(t, ne.B.AtVec(2))
}

func TestFitLinearExact(t *testing.T) {
	fx := newFixture(t)
	for _, ls := range []LinearSolver{QRSolver{}, CholeskySolver{}} {
		p := &Problem{
			Mesh:    fx.m,
			Layout:  field.NewLayout(element.Bilinear, fx.m.NumNodes(), 0),
			Samples: fx.samples,
			Data:    data(truePhase),
		}
		params, err := FitLinear(context.Background(), p, ls)
		require.NoError(t, err)
		assert.InDeltaSlice(t, trueParams(fx.m, p.Layout.Len()), params, 1.e-8)
	}
}

func TestFitLinearBicubic(t *testing.T) {
	fx := newFixture(t)
	quad := func(x, y float64) float64 { return 1.e-3*(x-50)*(y-40) + 0.02*x }
	p := &Problem{
		Mesh:    fx.m,
		Layout:  field.NewLayout(element.BicubicHermite, fx.m.NumNodes(), 0),
		Samples: fx.samples,
		Data:    data(quad),
	}
	params, err := FitLinear(context.Background(), p, nil)
	require.NoError(t, err)
	// The product x*y is bicubic on an axis-aligned lattice
	for i, n := range fx.m.Nodes {
		assert.InDelta(t, quad(n.XP, n.YP), params[p.Layout.NodeIndex(i, 0)], 1.e-7)
	}
}

func TestFitLinearExactModel(t *testing.T) {
	fx := newFixture(t)
	rng := rand.New(rand.NewSource(11))
	for _, model := range []element.Model{element.Bilinear, element.BicubicHermite} {
		t.Run(model.String(), func(t *testing.T) {
			layout := field.NewLayout(model, fx.m.NumNodes(), 0)
			want := make([]float64, layout.Len())
			for i := range want {
				want[i] = 2*rng.Float64() - 1
			}
			obs := make([]float64, len(fx.samples))
			for i, s := range fx.samples {
				if s.Located() {
					obs[i] = field.ModelEval(fx.m, layout, s, want)
				}
			}
			p := &Problem{Mesh: fx.m, Layout: layout, Samples: fx.samples, Data: obs}
			params, err := FitLinear(context.Background(), p, nil)
			require.NoError(t, err)
			// Derivative and cross derivative parameters are recovered too
			assert.InDeltaSlice(t, want, params, 1.e-8)
		})
	}
}

func TestFitLinearFringeOrders(t *testing.T) {
	fx := newFixture(t)
	// Pixels right of x=60 are observed two fringes low
	mask := make([]float64, width*height)
	obs := data(truePhase)
	for i := range mask {
		if i%width >= 60 {
			mask[i] = 1
			obs[i] -= 4 * math.Pi
		}
	}
	set, err := fringe.Count(mask, fx.owner)
	require.NoError(t, err)
	require.Equal(t, 1, set.NumFree())

	p := &Problem{
		Mesh:    fx.m,
		Layout:  field.NewLayout(element.Bilinear, fx.m.NumNodes(), set.NumFree()),
		Samples: fx.samples,
		Data:    obs,
		Fringes: set,
	}
	params, err := FitLinear(context.Background(), p, nil)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, params[p.Layout.FreeIndex(0)], 1.e-8)

	fixed, err := set.Scan(params, p.Layout, 0.25)
	require.NoError(t, err)
	assert.Equal(t, 1, fixed)
	require.True(t, set.AllConstrained())

	p.Layout = field.NewLayout(element.Bilinear, fx.m.NumNodes(), 0)
	params, err = FitLinear(context.Background(), p, nil)
	require.NoError(t, err)
	assert.InDeltaSlice(t, trueParams(fx.m, p.Layout.Len()), params, 1.e-8)
}

func TestFitLinearErrors(t *testing.T) {
	fx := newFixture(t)
	layout := field.NewLayout(element.Bilinear, fx.m.NumNodes(), 0)

	// No usable pixel leaves a singular system
	nan := data(func(x, y float64) float64 { return math.NaN() })
	for _, ls := range []LinearSolver{QRSolver{}, CholeskySolver{}} {
		p := &Problem{Mesh: fx.m, Layout: layout, Samples: fx.samples, Data: nan}
		_, err := FitLinear(context.Background(), p, ls)
		assert.True(t, errors.Is(err, ErrSolverFailure), "%T: %v", ls, err)
	}

	p := &Problem{Mesh: fx.m, Layout: layout, Samples: fx.samples, Data: nan[:10]}
	_, err := FitLinear(context.Background(), p, nil)
	assert.Error(t, err)

	p = &Problem{Mesh: fx.m, Layout: field.NewLayout(element.Bilinear, 3, 0), Samples: fx.samples, Data: nan}
	_, err = FitLinear(context.Background(), p, nil)
	assert.True(t, errors.Is(err, mesh.ErrMeshMismatch))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p = &Problem{Mesh: fx.m, Layout: layout, Samples: fx.samples, Data: data(truePhase)}
	_, err = FitLinear(ctx, p, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRefineWrapped(t *testing.T) {
	fx := newFixture(t)
	layout := field.NewLayout(element.Bilinear, fx.m.NumNodes(), 0)
	p := &Problem{
		Mesh:    fx.m,
		Layout:  layout,
		Samples: fx.samples,
		Data:    data(func(x, y float64) float64 { return utils.WrapPhase(truePhase(x, y)) }),
	}
	want := trueParams(fx.m, layout.Len())
	x0 := append([]float64(nil), want...)
	for i := range x0 {
		x0[i] += 0.05 * math.Sin(float64(i))
	}

	ref, err := Refine(context.Background(), p, x0, &BFGS{GradientThreshold: 1.e-9})
	require.NoError(t, err)
	assert.Less(t, ref.FinalCost, ref.InitialCost)
	assert.InDelta(t, 0, ref.FinalCost, 1.e-6)
	assert.Positive(t, ref.Evaluations)
	// The wrapped fit recovers the field up to whole fringes, which the
	// starting point already fixes
	assert.InDeltaSlice(t, want, ref.Params, 1.e-4)

	// Already at the minimum
	ref, err = Refine(context.Background(), p, want, nil)
	require.NoError(t, err)
	assert.Zero(t, ref.Iterations)
	assert.InDeltaSlice(t, want, ref.Params, 1.e-12)

	_, err = Refine(context.Background(), p, want[:3], nil)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Refine(ctx, p, x0, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
