package solver

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/notargets/fringefit/utils"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
)

// Objective is a scalar function of the parameters with its gradient
type Objective struct {
	Func func(x []float64) float64
	Grad func(grad, x []float64)
}

// Minimum is the outcome of a minimization
type Minimum struct {
	X           []float64
	F           float64
	GradNorm    float64
	Iterations  int
	Evaluations int
	Status      string
}

// NonlinearLeastSquares minimizes an objective from a starting point
type NonlinearLeastSquares interface {
	Minimize(ctx context.Context, obj Objective, x0 []float64) (Minimum, error)
}

// BFGS minimizes with the gonum BFGS quasi-Newton method
type BFGS struct {
	GradientThreshold float64 // default 1e-6
	MaxIterations     int     // default 200
}

// ctxRecorder stops the optimizer once the context is done
type ctxRecorder struct {
	ctx context.Context
}

func (r ctxRecorder) Init() error { return r.ctx.Err() }

func (r ctxRecorder) Record(*optimize.Location, optimize.Operation, *optimize.Stats) error {
	return r.ctx.Err()
}

func (b *BFGS) Minimize(ctx context.Context, obj Objective, x0 []float64) (Minimum, error) {
	gradTol, maxIter := b.GradientThreshold, b.MaxIterations
	if gradTol <= 0 {
		gradTol = 1.e-6
	}
	if maxIter <= 0 {
		maxIter = 200
	}

	f0 := obj.Func(x0)
	g0 := make([]float64, len(x0))
	obj.Grad(g0, x0)
	start := Minimum{
		X:           append([]float64(nil), x0...),
		F:           f0,
		GradNorm:    floats.Norm(g0, 2),
		Evaluations: 1,
		Status:      optimize.GradientThreshold.String(),
	}
	if start.GradNorm < gradTol {
		return start, nil
	}

	problem := optimize.Problem{Func: obj.Func, Grad: obj.Grad}
	settings := &optimize.Settings{
		GradientThreshold: gradTol,
		MajorIterations:   maxIter,
		Recorder:          ctxRecorder{ctx: ctx},
	}
	result, err := optimize.Minimize(problem, x0, settings, &optimize.BFGS{})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return start, ctxErr
	}
	if err != nil {
		// A stalled line search still leaves a usable point if it did not
		// make things worse
		stalled := errors.Is(err, optimize.ErrNoProgress) || errors.Is(err, optimize.ErrLinesearcherFailure)
		if !stalled || result == nil || result.F > f0 {
			return start, fmt.Errorf("%w: %v", ErrSolverFailure, err)
		}
	}

	m := Minimum{
		X:           result.X,
		F:           result.F,
		Iterations:  result.Stats.MajorIterations,
		Evaluations: result.Stats.FuncEvaluations,
		Status:      result.Status.String(),
	}
	grad := result.Gradient
	if grad == nil {
		grad = make([]float64, len(m.X))
		obj.Grad(grad, m.X)
	}
	m.GradNorm = floats.Norm(grad, 2)
	return m, nil
}

// Refinement is the result of refining one axis against wrapped residuals
type Refinement struct {
	Params      []float64
	InitialCost float64 // unscaled weighted sum of squared wrapped residuals
	FinalCost   float64
	GradNorm    float64 // of the scaled objective
	Iterations  int
	Evaluations int
	Status      string
}

// wrappedCost evaluates sum(w*wrap(r)^2) over precomputed rows
type wrappedCost struct {
	rowPtr []int // row k spans idx/phi[rowPtr[k]:rowPtr[k+1]]
	idx    []int
	phi    []float64
	obs    []float64
	w      []float64
	free   []int
	scale  float64
	scaled bool
	// costs below floor are left unscaled
	floor float64
}

func newWrappedCost(ctx context.Context, p *Problem) (*wrappedCost, error) {
	c := &wrappedCost{rowPtr: []int{0}}
	err := p.visit(ctx, func(i int, idx []int, phi []float64, w float64) {
		offset, free := p.offset(i)
		c.idx = append(c.idx, idx...)
		c.phi = append(c.phi, phi...)
		c.rowPtr = append(c.rowPtr, len(c.idx))
		c.obs = append(c.obs, p.Data[i]+offset)
		c.w = append(c.w, w)
		c.free = append(c.free, free)
		c.floor += 1.e-12 * w
	})
	return c, err
}

// residual is the wrapped residual of row k
func (c *wrappedCost) residual(k int, x []float64) float64 {
	var model float64
	for j := c.rowPtr[k]; j < c.rowPtr[k+1]; j++ {
		model += c.phi[j] * x[c.idx[j]]
	}
	if c.free[k] >= 0 {
		model -= 2 * math.Pi * x[c.free[k]]
	}
	return utils.WrapPhase(model - c.obs[k])
}

// raw is the unscaled cost
func (c *wrappedCost) raw(x []float64) float64 {
	var sum float64
	for k := range c.w {
		r := c.residual(k, x)
		sum += c.w[k] * r * r
	}
	return sum
}

// Func scales the cost to 1 at the first point it is called with, unless
// that point already fits to round-off
func (c *wrappedCost) Func(x []float64) float64 {
	f := c.raw(x)
	if !c.scaled {
		c.scaled = true
		c.scale = 1
		if f > c.floor {
			c.scale = 1 / f
		}
	}
	return c.scale * f
}

func (c *wrappedCost) Grad(grad, x []float64) {
	if !c.scaled {
		c.Func(x)
	}
	for i := range grad {
		grad[i] = 0
	}
	for k := range c.w {
		g := 2 * c.scale * c.w[k] * c.residual(k, x)
		for j := c.rowPtr[k]; j < c.rowPtr[k+1]; j++ {
			grad[c.idx[j]] += g * c.phi[j]
		}
		if c.free[k] >= 0 {
			grad[c.free[k]] -= 2 * math.Pi * g
		}
	}
}

// Refine minimizes the weighted sum of squared wrapped residuals of a problem
// starting from x0, usually the linear fit. A nil minimizer uses BFGS.
func Refine(ctx context.Context, p *Problem, x0 []float64, nls NonlinearLeastSquares) (Refinement, error) {
	if err := p.Validate(); err != nil {
		return Refinement{}, err
	}
	if len(x0) != p.Layout.Len() {
		return Refinement{}, fmt.Errorf("%d starting parameters for layout of %d", len(x0), p.Layout.Len())
	}
	if nls == nil {
		nls = &BFGS{}
	}
	cost, err := newWrappedCost(ctx, p)
	if err != nil {
		return Refinement{}, err
	}
	if len(cost.w) == 0 {
		return Refinement{}, fmt.Errorf("%w: no samples to refine against", ErrSolverFailure)
	}

	initial := cost.raw(x0)
	m, err := nls.Minimize(ctx, Objective{Func: cost.Func, Grad: cost.Grad}, x0)
	if err != nil {
		return Refinement{}, err
	}
	return Refinement{
		Params:      m.X,
		InitialCost: initial,
		FinalCost:   cost.raw(m.X),
		GradNorm:    m.GradNorm,
		Iterations:  m.Iterations,
		Evaluations: m.Evaluations,
		Status:      m.Status,
	}, nil
}
