// Package fit runs the fringe field fit of a mesh against one image pair and
// updates the mesh nodes with the fitted displacement
package fit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/notargets/fringefit/element"
	"github.com/notargets/fringefit/field"
	"github.com/notargets/fringefit/fringe"
	"github.com/notargets/fringefit/mesh"
	"github.com/notargets/fringefit/raster"
	"github.com/notargets/fringefit/solver"
	"gonum.org/v1/gonum/floats"
)

// Input is the pixel data of one fit. Every buffer is row major with
// Width*Height entries, phases are in radians.
type Input struct {
	Width, Height        int
	FilteredX, FilteredY []float64 // pass 1 data, nil uses the raw data
	RawX, RawY           []float64 // wrapped data for pass 2 and refinement
	WeightX, WeightY     []float64 // nil for uniform weights
	RegionX, RegionY     []float64 // fringe region labels, nil for one region
}

// AxisResult is the fit of one displacement axis
type AxisResult struct {
	Layout field.Layout
	Params []float64
	// Field is the fitted phase at every pixel, NaN outside the mesh
	Field      []float64
	Fringes    *fringe.Set
	FixedPass1 int // regions fixed after pass 1
	FixedPass2 int // regions fixed after pass 2
	Fit        ElementFit
	Refinement *solver.Refinement // nil for linear fits
}

// Result is the outcome of a successful fit
type Result struct {
	X, Y     AxisResult
	Location field.Stats
	// Samples carries the strain when requested. It is owned by the session
	// and valid until the next fit.
	Samples []field.Sample
	// DX, DY are the node displacements in pixels applied to the mesh
	DX, DY []float64
	// Rotation is the rigid rotation, in radians, found about the reference node
	Rotation float64
	Stage    Stage
}

// Session fits one mesh against successive images. It keeps the element
// buffer and the located samples while the image size and the node positions
// stay the same.
type Session struct {
	mesh    *mesh.Mesh
	opts    Options
	ls      solver.LinearSolver
	locator *field.Locator

	cache   raster.Cache
	owner   []int
	samples []field.Sample
	stats   field.Stats
	located bool
}

// NewSession validates the options and prepares a session for m
func NewSession(m *mesh.Mesh, opts Options) (*Session, error) {
	if m == nil {
		return nil, fmt.Errorf("session needs a mesh")
	}
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	ls, _ := opts.linearSolver()
	return &Session{
		mesh:    m,
		opts:    opts,
		ls:      ls,
		locator: field.NewLocator(m),
	}, nil
}

// Mesh returns the mesh being fitted
func (s *Session) Mesh() *mesh.Mesh { return s.mesh }

// Options returns the options with defaults filled in
func (s *Session) Options() Options { return s.opts }

// axis carries one displacement axis through the fit
type axis struct {
	name    string
	raw     []float64
	pass1   []float64
	weights []float64
	region  []float64
	prob    *solver.Problem
	params  []float64
	res     AxisResult
}

// Fit runs every stage against the input. On success the mesh nodes are
// displaced by the fitted field. On any error the nodes are left untouched
// and the error names the last stage completed.
func (s *Session) Fit(ctx context.Context, in Input) (res *Result, err error) {
	stage := NotStarted
	log := Logger()
	defer func() {
		if err == nil {
			return
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		err = fmt.Errorf("fit stopped after stage %s: %w", stage, err)
		res = nil
	}()

	if err = s.validate(in); err != nil {
		return nil, err
	}
	axes := []*axis{
		{name: "x", raw: in.RawX, pass1: in.FilteredX, weights: in.WeightX, region: in.RegionX},
		{name: "y", raw: in.RawY, pass1: in.FilteredY, weights: in.WeightY, region: in.RegionY},
	}

	mark := func(next Stage, start time.Time) {
		stage = next
		log.Debug("stage complete", "stage", next, "elapsed", time.Since(start))
	}

	start := time.Now()
	ids, reused, err := s.cache.Get(ctx, s.mesh, in.Width, in.Height)
	if err != nil {
		s.located = false
		return nil, err
	}
	mark(Rasterized, start)

	start = time.Now()
	if !reused || !s.located {
		s.located = false
		s.owner = append(s.owner[:0], ids...)
		if len(s.samples) != len(ids) {
			s.samples = make([]field.Sample, len(ids))
		}
		if s.stats, err = s.locator.LocateAll(ctx, in.Width, s.owner, s.samples, s.opts.CheckResiduals); err != nil {
			return nil, err
		}
		s.located = true
	}
	log.Info("samples located", "located", s.stats.Located, "reparented", s.stats.Reparented,
		"rejected", s.stats.Rejected, "reused", reused)
	if s.stats.Rejected > 0 {
		log.Warn("pixels rejected", "count", s.stats.Rejected, "at_boundary", s.stats.RejectedBoundary)
	}
	if s.stats.ResidualFlagged > 0 {
		log.Warn("samples failed the residual check", "count", s.stats.ResidualFlagged, "tolerance_px", field.ResidualTol)
	}
	mark(Located, start)

	start = time.Now()
	var dummy []float64
	for _, a := range axes {
		region := a.region
		if region == nil {
			if dummy == nil {
				dummy = make([]float64, len(s.owner))
			}
			region = dummy
		}
		if a.res.Fringes, err = fringe.Count(region, s.owner); err != nil {
			return nil, fmt.Errorf("%s fringes: %w", a.name, err)
		}
		log.Info("fringes counted", "axis", a.name, "regions", a.res.Fringes.NumRegions(),
			"free", a.res.Fringes.NumFree())
	}
	mark(FringesCounted, start)

	// Pass 1 scans fringe orders with the bilinear model, which is enough to
	// place every region and has the fewest unknowns
	start = time.Now()
	nn := s.mesh.NumNodes()
	for _, a := range axes {
		data := a.pass1
		if data == nil {
			data = a.raw
		}
		a.prob = &solver.Problem{
			Mesh:    s.mesh,
			Layout:  field.NewLayout(element.Bilinear, nn, a.res.Fringes.NumFree()),
			Samples: s.samples,
			Data:    data,
			Weights: a.weights,
			Fringes: a.res.Fringes,
		}
		if a.params, err = solver.FitLinear(ctx, a.prob, s.ls); err != nil {
			return nil, fmt.Errorf("%s pass 1: %w", a.name, err)
		}
	}
	mark(LinearPass1, start)

	start = time.Now()
	for _, a := range axes {
		if a.res.FixedPass1, err = a.res.Fringes.Scan(a.params, a.prob.Layout, s.opts.FringeThreshold); err != nil {
			return nil, err
		}
		log.Info("fringes constrained", "axis", a.name, "fixed", a.res.FixedPass1,
			"free", a.res.Fringes.NumFree())
	}
	mark(FringesConstrained, start)

	start = time.Now()
	for _, a := range axes {
		a.prob.Data = a.raw
		a.prob.Layout = field.NewLayout(s.opts.Model, nn, a.res.Fringes.NumFree())
		if a.params, err = solver.FitLinear(ctx, a.prob, s.ls); err != nil {
			return nil, fmt.Errorf("%s pass 2: %w", a.name, err)
		}
		if a.res.FixedPass2, err = a.res.Fringes.Scan(a.params, a.prob.Layout, s.opts.FinalFringeThreshold); err != nil {
			return nil, err
		}
		if err = a.res.Fringes.Check(); err != nil {
			return nil, fmt.Errorf("%s: %w", a.name, err)
		}
		if a.res.FixedPass2 > 0 {
			// Solve again with the newly fixed orders
			a.prob.Layout = field.NewLayout(s.opts.Model, nn, 0)
			if a.params, err = solver.FitLinear(ctx, a.prob, s.ls); err != nil {
				return nil, fmt.Errorf("%s pass 2: %w", a.name, err)
			}
		}
		log.Info("linear fit", "axis", a.name, "model", s.opts.Model, "fringes", a.res.Fringes.String())
	}
	mark(LinearPass2, start)

	if s.opts.FitType.Nonlinear() {
		start = time.Now()
		for _, a := range axes {
			prob := *a.prob
			if s.opts.FitType == NonlinearUniform {
				prob.Weights = nil
			}
			nls := &solver.BFGS{
				GradientThreshold: s.opts.GradientThreshold,
				MaxIterations:     s.opts.MaxIterations,
			}
			ref, err := solver.Refine(ctx, &prob, a.params, nls)
			if err != nil {
				return nil, fmt.Errorf("%s refinement: %w", a.name, err)
			}
			a.prob, a.params, a.res.Refinement = &prob, ref.Params, &ref
			log.Info("nonlinear refinement", "axis", a.name, "iterations", ref.Iterations,
				"evaluations", ref.Evaluations, "grad_norm", ref.GradNorm,
				"initial_cost", ref.InitialCost, "final_cost", ref.FinalCost, "status", ref.Status)
		}
		mark(NonlinearRefined, start)
	}

	start = time.Now()
	for _, a := range axes {
		if err = ctx.Err(); err != nil {
			return nil, err
		}
		a.res.Layout, a.res.Params = a.prob.Layout, a.params
		a.res.Fit = ElementVAFs(a.prob, a.params, s.opts.FitType.Nonlinear())
		if a.res.Field, err = field.Evaluate(s.mesh, a.prob.Layout, s.samples, a.params, nil); err != nil {
			return nil, err
		}
		log.Info("residuals", "axis", a.name, "ssr", a.res.Fit.SSR, "rms", a.res.Fit.RMS,
			"worst_element", a.res.Fit.Worst, "worst_vaf", a.res.Fit.WorstVAF())
	}
	x, y := axes[0], axes[1]
	if s.opts.ComputeStrain {
		err = field.ComputeStrains(ctx, s.mesh, x.prob.Layout, x.params, y.params,
			s.opts.PhasePerPixel, in.Width, s.samples)
		if err != nil {
			return nil, err
		}
	}
	mark(DiagnosticsComputed, start)

	start = time.Now()
	dx, dy, theta := s.nodeDisplacements(x.prob.Layout, x.params, y.params)
	if err = ctx.Err(); err != nil {
		return nil, err
	}
	if err = s.mesh.Displace(dx, dy); err != nil {
		return nil, err
	}
	log.Info("nodes updated", "rotation", theta, "rotation_removed", !s.opts.KeepRotation)
	mark(NodesUpdated, start)

	return &Result{
		X:        x.res,
		Y:        y.res,
		Location: s.stats,
		Samples:  s.samples,
		DX:       dx,
		DY:       dy,
		Rotation: theta,
		Stage:    stage,
	}, nil
}

func (s *Session) validate(in Input) error {
	if in.Width <= 0 || in.Height <= 0 {
		return fmt.Errorf("%w: image size %dx%d", ErrBufferSize, in.Width, in.Height)
	}
	n := in.Width * in.Height
	buffers := []struct {
		name     string
		buf      []float64
		required bool
	}{
		{"raw x", in.RawX, true},
		{"raw y", in.RawY, true},
		{"filtered x", in.FilteredX, false},
		{"filtered y", in.FilteredY, false},
		{"weight x", in.WeightX, false},
		{"weight y", in.WeightY, false},
		{"region x", in.RegionX, false},
		{"region y", in.RegionY, false},
	}
	for _, b := range buffers {
		if b.buf == nil && !b.required {
			continue
		}
		if len(b.buf) != n {
			return fmt.Errorf("%w: %s has %d entries for a %dx%d image",
				ErrBufferSize, b.name, len(b.buf), in.Width, in.Height)
		}
	}

	hi := math.Inf(1)
	if s.opts.FitType == NonlinearWeighted {
		hi = 1
	}
	for _, w := range [][]float64{in.WeightX, in.WeightY} {
		for i, v := range w {
			if !(v >= 0 && v <= hi) {
				return fmt.Errorf("%w: weight %g at pixel %d", ErrUnnormalizedWeights, v, i)
			}
		}
	}
	return nil
}

// nodeDisplacements converts the fitted phases at the nodes into pixel
// displacements relative to the reference node. theta is the least squares
// rigid rotation about the reference node, removed unless KeepRotation is set.
func (s *Session) nodeDisplacements(layout field.Layout, px, py []float64) (dx, dy []float64, theta float64) {
	m := s.mesh
	nn := m.NumNodes()
	ref := m.ReferenceNode
	ppp := s.opts.PhasePerPixel

	dx, dy = make([]float64, nn), make([]float64, nn)
	rx, ry := make([]float64, nn), make([]float64, nn)
	x0, y0 := layout.Value(px, ref), layout.Value(py, ref)
	for n := 0; n < nn; n++ {
		dx[n] = (layout.Value(px, n) - x0) / ppp
		dy[n] = (layout.Value(py, n) - y0) / ppp
		rx[n] = m.Nodes[n].XP - m.Nodes[ref].XP
		ry[n] = m.Nodes[n].YP - m.Nodes[ref].YP
	}

	if den := floats.Dot(rx, rx) + floats.Dot(ry, ry); den > 0 {
		theta = (floats.Dot(rx, dy) - floats.Dot(ry, dx)) / den
	}
	if !s.opts.KeepRotation {
		// Small rotation theta moves r by theta*(-ry, rx)
		floats.AddScaled(dx, theta, ry)
		floats.AddScaled(dy, -theta, rx)
	}
	return dx, dy, theta
}
