package solver

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// LinearSolver solves the symmetric normal equations
type LinearSolver interface {
	Solve(a *mat.SymDense, b *mat.VecDense) (*mat.VecDense, error)
}

// QRSolver solves through a QR factorization
type QRSolver struct{}

func (QRSolver) Solve(a *mat.SymDense, b *mat.VecDense) (*mat.VecDense, error) {
	var qr mat.QR
	qr.Factorize(a)
	x := mat.NewVecDense(a.SymmetricDim(), nil)
	if err := qr.SolveVecTo(x, false, b); err != nil {
		return nil, err
	}
	return x, nil
}

// CholeskySolver solves through a Cholesky factorization, A must be positive
// definite
type CholeskySolver struct{}

func (CholeskySolver) Solve(a *mat.SymDense, b *mat.VecDense) (*mat.VecDense, error) {
	var ch mat.Cholesky
	if ok := ch.Factorize(a); !ok {
		return nil, fmt.Errorf("matrix is not positive definite")
	}
	x := mat.NewVecDense(a.SymmetricDim(), nil)
	if err := ch.SolveVecTo(x, b); err != nil {
		return nil, err
	}
	return x, nil
}

// FitLinear assembles and solves a problem, returning the parameter vector.
// A nil solver uses QRSolver.
func FitLinear(ctx context.Context, p *Problem, ls LinearSolver) ([]float64, error) {
	if ls == nil {
		ls = QRSolver{}
	}
	ne, err := Assemble(ctx, p)
	if err != nil {
		return nil, err
	}
	if err = ctx.Err(); err != nil {
		return nil, err
	}
	x, err := ls.Solve(ne.A, ne.B)
	if err != nil {
		return nil, fmt.Errorf("%w: linear solve of %d parameters: %v", ErrSolverFailure, p.Layout.Len(), err)
	}
	params := make([]float64, p.Layout.Len())
	for i := range params {
		params[i] = x.AtVec(i)
	}
	return params, nil
}
