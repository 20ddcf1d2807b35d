package fit

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/notargets/fringefit/element"
	"github.com/notargets/fringefit/fringe"
	"github.com/notargets/fringefit/mesh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	imgW, imgH = 100, 100
	ppp        = 4.0 // phase per pixel of displacement
)

type displacement func(x, y float64) float64

func affineX(x, y float64) float64 { return 0.02*(x-50) + 0.01*(y-50) }
func affineY(x, y float64) float64 { return -0.015*(x-50) + 0.005*(y-50) }
func zero(x, y float64) float64    { return 0 }

func latticeMesh(t *testing.T) *mesh.Mesh {
	t.Helper()
	m, err := mesh.NewDefault()
	require.NoError(t, err)
	xp, yp := mesh.LatticeBoundary(10, 10, 20, 20)
	require.NoError(t, m.SetBoundary(xp, yp))
	return m
}

// synthetic builds wrapped phase images of a displacement field together
// with the fringe order of every pixel as its region label
func synthetic(ux, uy displacement, noise float64) Input {
	n := imgW * imgH
	in := Input{
		Width: imgW, Height: imgH,
		RawX: make([]float64, n), RawY: make([]float64, n),
		RegionX: make([]float64, n), RegionY: make([]float64, n),
	}
	for i := 0; i < n; i++ {
		x, y := float64(i%imgW), float64(i/imgW)
		for _, c := range []struct {
			u       displacement
			raw, rg []float64
		}{{ux, in.RawX, in.RegionX}, {uy, in.RawY, in.RegionY}} {
			phase := ppp * c.u(x, y)
			k := math.Round(phase / (2 * math.Pi))
			c.raw[i] = phase - 2*math.Pi*k + noise*math.Sin(1.7*float64(i))
			c.rg[i] = k + 2
		}
	}
	return in
}

func nodePositions(m *mesh.Mesh) []mesh.Node {
	return append([]mesh.Node(nil), m.Nodes...)
}

func TestFitRecoversAffineField(t *testing.T) {
	for _, model := range []element.Model{element.Bilinear, element.BicubicHermite} {
		t.Run(model.String(), func(t *testing.T) {
			m := latticeMesh(t)
			before := nodePositions(m)
			s, err := NewSession(m, Options{Model: model, PhasePerPixel: ppp, ComputeStrain: true, KeepRotation: true})
			require.NoError(t, err)

			res, err := s.Fit(context.Background(), synthetic(affineX, affineY, 0))
			require.NoError(t, err)
			assert.Equal(t, NodesUpdated, res.Stage)
			assert.Greater(t, res.X.Fringes.NumRegions(), 1)
			assert.True(t, res.X.Fringes.AllConstrained())
			assert.True(t, res.Y.Fringes.AllConstrained())
			assert.Zero(t, res.Location.Rejected)
			assert.Equal(t, model, res.X.Layout.Model)
			assert.Len(t, res.X.Params, res.X.Layout.Len())

			for n, node := range before {
				assert.InDelta(t, affineX(node.XP, node.YP), res.DX[n], 1.e-7, "node %d", n)
				assert.InDelta(t, affineY(node.XP, node.YP), res.DY[n], 1.e-7, "node %d", n)
				assert.InDelta(t, node.XP+res.DX[n], m.Nodes[n].XP, 1.e-12)
				assert.InDelta(t, node.YW+res.DY[n]*m.Scale, m.Nodes[n].YW, 1.e-12)
			}
			for _, fit := range []ElementFit{res.X.Fit, res.Y.Fit} {
				require.GreaterOrEqual(t, fit.Worst, 0)
				assert.Greater(t, fit.WorstVAF(), 99.99)
				assert.InDelta(t, 0, fit.RMS, 1.e-6)
			}

			// The fitted field matches the unwrapped phase up to the anchor order
			i := 45*imgW + 45
			assert.InDelta(t, ppp*affineX(45, 45), res.X.Field[i], 1.e-6)
			assert.True(t, math.IsNaN(res.X.Field[0]))

			F := [2][2]float64{{1.02, 0.01}, {-0.015, 1.005}}
			exx := 0.5 * (F[0][0]*F[0][0] + F[1][0]*F[1][0] - 1)
			exy := 0.5 * (F[0][0]*F[0][1] + F[1][0]*F[1][1])
			require.NotNil(t, res.Samples[i].Strain)
			assert.InDelta(t, exx, res.Samples[i].Strain.Exx, 1.e-7)
			assert.InDelta(t, exy, res.Samples[i].Strain.Exy, 1.e-7)
		})
	}
}

func TestFitMixedElements(t *testing.T) {
	desc, err := mesh.DefaultDescription().SplitQuads(0, 5, 10, 15)
	require.NoError(t, err)
	m, err := mesh.New(desc)
	require.NoError(t, err)
	xp, yp := mesh.LatticeBoundary(10, 10, 20, 20)
	require.NoError(t, m.SetBoundary(xp, yp))
	before := nodePositions(m)

	s, err := NewSession(m, Options{PhasePerPixel: ppp, KeepRotation: true})
	require.NoError(t, err)
	res, err := s.Fit(context.Background(), synthetic(affineX, affineY, 0))
	require.NoError(t, err)
	assert.Zero(t, res.Location.Rejected)
	for n, node := range before {
		assert.InDelta(t, affineX(node.XP, node.YP), res.DX[n], 1.e-7, "node %d", n)
		assert.InDelta(t, affineY(node.XP, node.YP), res.DY[n], 1.e-7, "node %d", n)
	}
	// Triangles carry no VAF, quads still fit exactly
	for k := 16; k < m.NumElements(); k++ {
		assert.Zero(t, res.X.Fit.VAF[k])
	}
	assert.Greater(t, res.X.Fit.WorstVAF(), 99.99)

	// A pixel inside the lower triangle of the first quad
	i := 25*imgW + 15
	assert.Equal(t, 0, res.Samples[i].Element)
	assert.InDelta(t, ppp*affineX(15, 25), res.X.Field[i], 1.e-6)
}

func TestFitZeroDeformation(t *testing.T) {
	m := latticeMesh(t)
	before := nodePositions(m)
	s, err := NewSession(m, Options{})
	require.NoError(t, err)

	in := synthetic(zero, zero, 0)
	in.RegionX, in.RegionY = nil, nil
	res, err := s.Fit(context.Background(), in)
	require.NoError(t, err)
	for n := range before {
		assert.InDelta(t, 0, res.DX[n], 1.e-12)
		assert.InDelta(t, 0, res.DY[n], 1.e-12)
		assert.InDelta(t, before[n].XP, m.Nodes[n].XP, 1.e-12)
	}
	assert.Equal(t, 1, res.X.Fringes.NumRegions())
	assert.Zero(t, res.Rotation)
}

func TestFitRemovesRotation(t *testing.T) {
	const theta = 0.01
	ux := func(x, y float64) float64 { return -theta*(y-50) + 1 }
	uy := func(x, y float64) float64 { return theta*(x-50) - 0.5 }

	m := latticeMesh(t)
	s, err := NewSession(m, Options{PhasePerPixel: ppp, Solver: "cholesky"})
	require.NoError(t, err)
	res, err := s.Fit(context.Background(), synthetic(ux, uy, 0))
	require.NoError(t, err)
	assert.InDelta(t, theta, res.Rotation, 1.e-9)
	// Translation is relative to the reference node, which leaves nothing
	assert.InDeltaSlice(t, make([]float64, m.NumNodes()), res.DX, 1.e-7)
	assert.InDeltaSlice(t, make([]float64, m.NumNodes()), res.DY, 1.e-7)

	m = latticeMesh(t)
	before := nodePositions(m)
	s, err = NewSession(m, Options{PhasePerPixel: ppp, KeepRotation: true})
	require.NoError(t, err)
	res, err = s.Fit(context.Background(), synthetic(ux, uy, 0))
	require.NoError(t, err)
	assert.InDelta(t, theta, res.Rotation, 1.e-9)
	ref := before[m.ReferenceNode]
	for n, node := range before {
		assert.InDelta(t, -theta*(node.YP-ref.YP), res.DX[n], 1.e-7, "node %d", n)
		assert.InDelta(t, theta*(node.XP-ref.XP), res.DY[n], 1.e-7, "node %d", n)
	}
}

func TestFitNonlinearRefinement(t *testing.T) {
	m := latticeMesh(t)
	before := nodePositions(m)
	s, err := NewSession(m, Options{PhasePerPixel: ppp, FitType: NonlinearUniform, KeepRotation: true})
	require.NoError(t, err)

	res, err := s.Fit(context.Background(), synthetic(affineX, affineY, 0.05))
	require.NoError(t, err)
	assert.Equal(t, NodesUpdated, res.Stage)
	for _, a := range []AxisResult{res.X, res.Y} {
		require.NotNil(t, a.Refinement)
		assert.LessOrEqual(t, a.Refinement.FinalCost, a.Refinement.InitialCost)
		assert.Greater(t, a.Fit.WorstVAF(), 99.0)
	}
	for n, node := range before {
		assert.InDelta(t, affineX(node.XP, node.YP), res.DX[n], 0.01, "node %d", n)
		assert.InDelta(t, affineY(node.XP, node.YP), res.DY[n], 0.01, "node %d", n)
	}
}

func TestFitWeighted(t *testing.T) {
	m := latticeMesh(t)
	s, err := NewSession(m, Options{PhasePerPixel: ppp, FitType: NonlinearWeighted})
	require.NoError(t, err)

	in := synthetic(affineX, affineY, 0)
	in.WeightX = make([]float64, imgW*imgH)
	for i := range in.WeightX {
		in.WeightX[i] = 0.5
	}
	res, err := s.Fit(context.Background(), in)
	require.NoError(t, err)
	assert.NotNil(t, res.X.Refinement)

	m = latticeMesh(t)
	before := nodePositions(m)
	s, err = NewSession(m, Options{FitType: NonlinearWeighted})
	require.NoError(t, err)
	in.WeightX[10] = 1.5
	_, err = s.Fit(context.Background(), in)
	assert.True(t, errors.Is(err, ErrUnnormalizedWeights), "%v", err)
	assert.Equal(t, before, m.Nodes)
}

func TestFitErrors(t *testing.T) {
	m := latticeMesh(t)
	before := nodePositions(m)
	rev := m.Revision()
	s, err := NewSession(m, Options{PhasePerPixel: ppp})
	require.NoError(t, err)

	t.Run("BufferSize", func(t *testing.T) {
		in := synthetic(zero, zero, 0)
		in.RawY = in.RawY[:10]
		_, err := s.Fit(context.Background(), in)
		assert.True(t, errors.Is(err, ErrBufferSize))

		in = synthetic(zero, zero, 0)
		in.RegionX = in.RegionX[:10]
		_, err = s.Fit(context.Background(), in)
		assert.True(t, errors.Is(err, ErrBufferSize))

		_, err = s.Fit(context.Background(), Input{})
		assert.True(t, errors.Is(err, ErrBufferSize))
	})

	t.Run("FringeConstraining", func(t *testing.T) {
		s, err := NewSession(m, Options{PhasePerPixel: ppp, FinalFringeThreshold: 0.3})
		require.NoError(t, err)
		// A region observed half a fringe off never settles on an integer order
		in := synthetic(zero, zero, 0)
		for i := range in.RegionX {
			in.RegionX[i] = 0
			if i%imgW >= 60 {
				in.RegionX[i] = 1
				in.RawX[i] -= math.Pi
			}
		}
		_, err = s.Fit(context.Background(), in)
		assert.True(t, errors.Is(err, fringe.ErrFringeConstraining), "%v", err)
	})

	t.Run("AmbiguousOrderDefaults", func(t *testing.T) {
		s, err := NewSession(m, Options{PhasePerPixel: ppp})
		require.NoError(t, err)
		// Region 1 sits 0.49 fringe from region 0, closer to neither order
		// than the default thresholds accept
		in := synthetic(zero, zero, 0)
		for i := range in.RegionX {
			in.RegionX[i] = 0
			if i%imgW >= 60 {
				in.RegionX[i] = 1
				in.RawX[i] -= 0.98 * math.Pi
			}
		}
		_, err = s.Fit(context.Background(), in)
		assert.True(t, errors.Is(err, fringe.ErrFringeConstraining), "%v", err)
	})

	t.Run("LabelRange", func(t *testing.T) {
		in := synthetic(zero, zero, 0)
		in.RegionY[45*imgW+45] = 0.5
		_, err := s.Fit(context.Background(), in)
		assert.True(t, errors.Is(err, fringe.ErrLabelRange), "%v", err)
	})

	t.Run("Cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := s.Fit(ctx, synthetic(affineX, affineY, 0))
		assert.True(t, errors.Is(err, ErrCancelled), "%v", err)
		assert.True(t, errors.Is(err, context.Canceled))
	})

	assert.Equal(t, before, m.Nodes)
	assert.Equal(t, rev, m.Revision())
}

func TestOptions(t *testing.T) {
	src := `
model: bicubic
fit_type: weighted
solver: cholesky
fringe_threshold: 0.2
phase_per_pixel: 6.283185307179586
keep_rotation: true
`
	o, err := ParseOptions([]byte(src))
	require.NoError(t, err)
	assert.Equal(t, element.BicubicHermite, o.Model)
	assert.Equal(t, NonlinearWeighted, o.FitType)
	assert.True(t, o.KeepRotation)

	o = o.withDefaults()
	assert.Equal(t, 0.2, o.FringeThreshold)
	assert.Equal(t, 0.4, o.FinalFringeThreshold)
	assert.Equal(t, 200, o.MaxIterations)
	assert.InDelta(t, 2*math.Pi, o.PhasePerPixel, 1.e-12)

	_, err = ParseOptions([]byte("fit_type: sideways"))
	assert.Error(t, err)

	m := latticeMesh(t)
	for _, bad := range []Options{
		{Solver: "lu"},
		{FringeThreshold: 0.7},
		{FinalFringeThreshold: 0.5},
		{Model: element.Model(9)},
		{MaxIterations: -1},
	} {
		_, err := NewSession(m, bad)
		assert.Error(t, err, "%+v", bad)
	}
	_, err = NewSession(nil, Options{})
	assert.Error(t, err)
}
