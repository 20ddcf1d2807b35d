package fit

import (
	"math"

	"github.com/notargets/fringefit/element"
	"github.com/notargets/fringefit/solver"
	"github.com/notargets/fringefit/utils"
)

// ElementFit is the fit quality of one axis
type ElementFit struct {
	// VAF is the percent variance accounted for per element, 0 for triangles
	// and elements without samples
	VAF []float64
	// SSR is the weighted mean squared residual over quad elements, RMS its root
	SSR, RMS float64
	// Worst is the quad element with the lowest VAF, -1 when no quad has samples
	Worst int
}

// WorstVAF returns the VAF of the worst element, NaN when there is none
func (e ElementFit) WorstVAF() float64 {
	if e.Worst < 0 {
		return math.NaN()
	}
	return e.VAF[e.Worst]
}

func residual(p *solver.Problem, i int, params []float64, wrap bool) (r, w float64, ok bool) {
	s := p.Samples[i]
	if !s.Located() || p.Mesh.Elements[s.Element].Type != element.Rectangle {
		return 0, 0, false
	}
	r, w, ok = p.Residual(i, params)
	if ok && wrap {
		r = utils.WrapPhase(r)
	}
	return r, w, ok
}

// SumSquaredResiduals returns the weighted mean of the squared residuals over
// pixels in quad elements, and its root. With wrap the residuals are first
// wrapped into [-pi, pi].
func SumSquaredResiduals(p *solver.Problem, params []float64, wrap bool) (ssr, rms float64) {
	var sum, wsum float64
	for i := range p.Samples {
		r, w, ok := residual(p, i, params, wrap)
		if !ok {
			continue
		}
		sum += w * r * r
		wsum += w
	}
	if wsum == 0 {
		return 0, 0
	}
	ssr = sum / wsum
	return ssr, math.Sqrt(ssr)
}

// ElementVAFs computes 100*(1 - sum(w*(model-obs)^2)/sum(w*obs^2)) for every
// quad element, floored at 0, together with the global residual statistics
func ElementVAFs(p *solver.Problem, params []float64, wrap bool) ElementFit {
	ne := p.Mesh.NumElements()
	resid := make([]float64, ne)
	signal := make([]float64, ne)
	count := make([]int, ne)
	for i := range p.Samples {
		r, w, ok := residual(p, i, params, wrap)
		if !ok {
			continue
		}
		k := p.Samples[i].Element
		obs := p.Observed(i)
		resid[k] += w * r * r
		signal[k] += w * obs * obs
		count[k]++
	}

	fit := ElementFit{VAF: make([]float64, ne), Worst: -1}
	for k := range fit.VAF {
		if count[k] == 0 {
			continue
		}
		vaf := 100 * (1 - resid[k]/signal[k])
		if vaf < 0 || math.IsNaN(vaf) || math.IsInf(vaf, 0) {
			vaf = 0
		}
		fit.VAF[k] = vaf
		if fit.Worst < 0 || vaf < fit.VAF[fit.Worst] {
			fit.Worst = k
		}
	}
	fit.SSR, fit.RMS = SumSquaredResiduals(p, params, wrap)
	return fit
}
