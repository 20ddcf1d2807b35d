package fit

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/notargets/fringefit/element"
	"github.com/notargets/fringefit/solver"
	"gopkg.in/yaml.v3"
)

var (
	// ErrBufferSize reports an input buffer whose length is not width*height
	ErrBufferSize = errors.New("buffer size mismatch")
	// ErrUnnormalizedWeights reports weights outside [0,1] for a weighted fit
	ErrUnnormalizedWeights = errors.New("weights outside [0,1]")
	// ErrCancelled reports a fit stopped through its context
	ErrCancelled = errors.New("fit cancelled")
)

// FitType selects the stages run after the linear passes
type FitType uint8

const (
	Linear            FitType = iota // linear passes only
	NonlinearUniform                 // refine against wrapped residuals, uniform weights
	NonlinearWeighted                // refine against wrapped residuals, supplied weights
)

func (f FitType) String() string {
	switch f {
	case Linear:
		return "linear"
	case NonlinearUniform:
		return "nonlinear-uniform"
	case NonlinearWeighted:
		return "nonlinear-weighted"
	default:
		return fmt.Sprintf("FitType(%d)", uint8(f))
	}
}

// Nonlinear reports whether the fit type refines against wrapped residuals
func (f FitType) Nonlinear() bool { return f == NonlinearUniform || f == NonlinearWeighted }

func (f FitType) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *FitType) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "linear":
		*f = Linear
	case "nonlinear-uniform", "uniform":
		*f = NonlinearUniform
	case "nonlinear-weighted", "weighted":
		*f = NonlinearWeighted
	default:
		return fmt.Errorf("unknown fit type %q", string(text))
	}
	return nil
}

// Options configures a Session. Zero values take the defaults noted.
type Options struct {
	Model   element.Model `yaml:"model"`
	FitType FitType       `yaml:"fit_type"`
	// Solver is "qr" (default) or "cholesky"
	Solver string `yaml:"solver"`
	// Free regions within this distance of an integer order are fixed after
	// pass 1 (default 0.25) and after pass 2 (default 0.4). Both must stay
	// below 0.5 so an order half way between integers is never rounded.
	FringeThreshold      float64 `yaml:"fringe_threshold"`
	FinalFringeThreshold float64 `yaml:"final_fringe_threshold"`
	// PhasePerPixel converts fitted phase to pixel displacement (default 1)
	PhasePerPixel float64 `yaml:"phase_per_pixel"`
	// KeepRotation leaves the rigid rotation about the reference node in the
	// node displacements, by default it is removed
	KeepRotation   bool `yaml:"keep_rotation"`
	CheckResiduals bool `yaml:"check_residuals"`
	ComputeStrain  bool `yaml:"compute_strain"`
	// Nonlinear refinement limits (defaults 200 and 1e-6)
	MaxIterations     int     `yaml:"max_iterations"`
	GradientThreshold float64 `yaml:"gradient_threshold"`
}

func (o Options) withDefaults() Options {
	if o.Solver == "" {
		o.Solver = "qr"
	}
	if o.FringeThreshold == 0 {
		o.FringeThreshold = 0.25
	}
	if o.FinalFringeThreshold == 0 {
		o.FinalFringeThreshold = 0.4
	}
	if o.PhasePerPixel == 0 {
		o.PhasePerPixel = 1
	}
	if o.MaxIterations == 0 {
		o.MaxIterations = 200
	}
	if o.GradientThreshold == 0 {
		o.GradientThreshold = 1.e-6
	}
	return o
}

func (o Options) validate() error {
	if o.Model != element.Bilinear && o.Model != element.BicubicHermite {
		return fmt.Errorf("invalid field model %v", o.Model)
	}
	if o.FitType > NonlinearWeighted {
		return fmt.Errorf("invalid fit type %v", o.FitType)
	}
	if _, err := o.linearSolver(); err != nil {
		return err
	}
	if o.FringeThreshold < 0 || o.FringeThreshold >= 0.5 ||
		o.FinalFringeThreshold < 0 || o.FinalFringeThreshold >= 0.5 {
		return fmt.Errorf("fringe thresholds %g/%g outside [0, 0.5)",
			o.FringeThreshold, o.FinalFringeThreshold)
	}
	if o.MaxIterations < 0 || o.GradientThreshold < 0 {
		return fmt.Errorf("negative refinement limits")
	}
	return nil
}

func (o Options) linearSolver() (solver.LinearSolver, error) {
	switch strings.ToLower(o.Solver) {
	case "qr":
		return solver.QRSolver{}, nil
	case "cholesky":
		return solver.CholeskySolver{}, nil
	default:
		return nil, fmt.Errorf("unknown linear solver %q", o.Solver)
	}
}

// ParseOptions decodes YAML options
func ParseOptions(data []byte) (Options, error) {
	var o Options
	if err := yaml.Unmarshal(data, &o); err != nil {
		return Options{}, fmt.Errorf("failed to parse fit options: %w", err)
	}
	return o, nil
}

// LoadOptions reads YAML options from a file
func LoadOptions(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, err
	}
	return ParseOptions(data)
}
