// Package field holds per-pixel samples and evaluates the mesh field model at
// them
package field

import (
	"fmt"
	"math"

	"github.com/notargets/fringefit/element"
	"github.com/notargets/fringefit/mesh"
)

// Strain is the Lagrangian strain tensor at a sample
type Strain struct {
	Exx, Exy, Eyy float64
}

// Sample is the location of one pixel in the mesh. Element is -1 when the
// pixel belongs to no element, Local is nil in that case.
type Sample struct {
	Element int
	Local   element.Local
	Strain  *Strain
}

// Located reports whether the sample has an owning element
func (s Sample) Located() bool { return s.Element >= 0 && s.Local != nil }

// Layout indexes the parameter vector of one axis: ParamsPerNode values for
// each node, then one slot per free fringe region.
type Layout struct {
	Model    element.Model
	NumNodes int
	NumFree  int
}

// NewLayout returns the layout for a model over numNodes nodes and numFree
// free fringe regions
func NewLayout(model element.Model, numNodes, numFree int) Layout {
	return Layout{Model: model, NumNodes: numNodes, NumFree: numFree}
}

// Len is the parameter vector length
func (l Layout) Len() int { return l.Model.ParamsPerNode()*l.NumNodes + l.NumFree }

// NumNodeParams is the number of leading node parameters
func (l Layout) NumNodeParams() int { return l.Model.ParamsPerNode() * l.NumNodes }

// NodeIndex is the index of nodal parameter p (0 = value) of a node
func (l Layout) NodeIndex(node, p int) int { return node*l.Model.ParamsPerNode() + p }

// FreeIndex is the index of the fringe order unknown in free slot c
func (l Layout) FreeIndex(c int) int { return l.NumNodeParams() + c }

// Value returns the value parameter of a node
func (l Layout) Value(params []float64, node int) float64 {
	return params[l.NodeIndex(node, 0)]
}

// Indices writes the parameter indices matching element.Weights for an
// element into dst
func Indices(el *mesh.Element, layout Layout, dst []int) []int {
	n := element.NumWeights(el.Type, layout.Model)
	if cap(dst) < n {
		dst = make([]int, n)
	}
	dst = dst[:n]
	if el.Type == element.Rectangle && layout.Model == element.BicubicHermite {
		for k, node := range el.Nodes[:4] {
			for p := 0; p < 4; p++ {
				dst[4*k+p] = layout.NodeIndex(node, p)
			}
		}
		return dst
	}
	// Triangles carry only the value parameter in either model
	for k, node := range el.Nodes[:n] {
		dst[k] = layout.NodeIndex(node, 0)
	}
	return dst
}

// Basis returns the parameter indices and basis weights of a located sample
func Basis(m *mesh.Mesh, layout Layout, s Sample, idx []int, w []float64) ([]int, []float64) {
	if !s.Located() {
		return idx[:0], w[:0]
	}
	idx = Indices(&m.Elements[s.Element], layout, idx)
	w = element.Weights(s.Local, layout.Model, w)
	return idx, w
}

// ModelEval evaluates the field described by params at a sample. Unlocated
// samples evaluate to NaN.
func ModelEval(m *mesh.Mesh, layout Layout, s Sample, params []float64) float64 {
	if !s.Located() {
		return math.NaN()
	}
	var (
		ibuf [16]int
		wbuf [16]float64
	)
	idx, w := Basis(m, layout, s, ibuf[:0], wbuf[:0])
	var val float64
	for i, j := range idx {
		val += w[i] * params[j]
	}
	return val
}

// Evaluate fills dst with ModelEval for every sample
func Evaluate(m *mesh.Mesh, layout Layout, samples []Sample, params []float64, dst []float64) ([]float64, error) {
	if len(params) < layout.NumNodeParams() {
		return nil, fmt.Errorf("%w: %d parameters for layout of %d",
			mesh.ErrMeshMismatch, len(params), layout.NumNodeParams())
	}
	if cap(dst) < len(samples) {
		dst = make([]float64, len(samples))
	}
	dst = dst[:len(samples)]
	for i, s := range samples {
		dst[i] = ModelEval(m, layout, s, params)
	}
	return dst, nil
}
