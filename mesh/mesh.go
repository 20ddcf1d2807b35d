package mesh

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/notargets/fringefit/element"
	"github.com/notargets/fringefit/utils"

	cfdutils "github.com/notargets/gocfd/utils"
)

var (
	// ErrMeshMismatch reports node or element data that disagrees with the topology
	ErrMeshMismatch = errors.New("mesh mismatch")
	// ErrDegenerateGeometry reports parallel lines while deriving interior nodes
	ErrDegenerateGeometry = errors.New("degenerate mesh geometry")
)

// Node carries world and pixel coordinates
type Node struct {
	XW, YW float64
	XP, YP float64
}

// Element is one cell of the mesh, addressed by its index in Mesh.Elements
type Element struct {
	Type      element.ElementGeometry
	Nodes     []int
	Neighbors [utils.MaxNeighbors]int // -1 marks an empty slot
	// Boundary is set when an edge of the element is not shared
	Boundary bool
	// Centroid in pixel coordinates
	CX, CY float64

	// Per-fit sample counters
	Located, Reparented, Rejected int
}

// Mesh is the node and element table for one fixed topology
type Mesh struct {
	Name          string
	Nodes         []Node
	Elements      []Element
	ReferenceNode int
	Scale         float64

	desc     Description
	revision int
}

// New validates a description and builds the element table
func New(desc Description) (*Mesh, error) {
	if desc.NumNodes <= 0 {
		return nil, fmt.Errorf("%w: description has %d nodes", ErrMeshMismatch, desc.NumNodes)
	}
	if len(desc.Elements) == 0 {
		return nil, fmt.Errorf("%w: description has no elements", ErrMeshMismatch)
	}
	if err := validatePlacement(desc); err != nil {
		return nil, err
	}
	if desc.ReferenceNode < 0 || desc.ReferenceNode >= desc.NumNodes {
		return nil, fmt.Errorf("%w: reference node %d out of range", ErrMeshMismatch, desc.ReferenceNode)
	}

	EToE := desc.Neighbors
	if len(EToE) == 0 {
		var err error
		if EToE, err = utils.BuildNeighbors(desc.Elements); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMeshMismatch, err)
		}
	} else if len(EToE) != len(desc.Elements) {
		return nil, fmt.Errorf("%w: %d neighbor lists for %d elements",
			ErrMeshMismatch, len(EToE), len(desc.Elements))
	}

	m := &Mesh{
		Name:          desc.Name,
		Nodes:         make([]Node, desc.NumNodes),
		Elements:      make([]Element, len(desc.Elements)),
		ReferenceNode: desc.ReferenceNode,
		Scale:         desc.Scale,
		desc:          desc,
	}
	if m.Scale == 0 {
		m.Scale = 1
	}

	edgeUse := make(map[[2]int]int)
	for k, verts := range desc.Elements {
		geom, err := element.GeometryForVertices(len(verts))
		if err != nil {
			return nil, fmt.Errorf("%w: element %d: %v", ErrMeshMismatch, k, err)
		}
		for _, v := range verts {
			if v < 0 || v >= desc.NumNodes {
				return nil, fmt.Errorf("%w: element %d references node %d", ErrMeshMismatch, k, v)
			}
		}
		if len(EToE[k]) > utils.MaxNeighbors {
			return nil, fmt.Errorf("%w: element %d has %d neighbors", ErrMeshMismatch, k, len(EToE[k]))
		}
		el := &m.Elements[k]
		el.Type = geom
		el.Nodes = append([]int(nil), verts...)
		copy(el.Neighbors[:], utils.PadNeighbors(EToE[k]))
		for _, nb := range EToE[k] {
			if nb < -1 || nb >= len(desc.Elements) {
				return nil, fmt.Errorf("%w: element %d neighbor %d out of range", ErrMeshMismatch, k, nb)
			}
		}
		for e := range verts {
			edgeUse[edgeOf(verts[e], verts[(e+1)%len(verts)])]++
		}
	}
	for k := range m.Elements {
		verts := m.Elements[k].Nodes
		for e := range verts {
			if edgeUse[edgeOf(verts[e], verts[(e+1)%len(verts)])] == 1 {
				m.Elements[k].Boundary = true
			}
		}
	}
	return m, nil
}

// NewDefault builds the mesh for DefaultDescription
func NewDefault() (*Mesh, error) {
	return New(DefaultDescription())
}

func edgeOf(a, b int) [2]int {
	if a > b {
		a, b = b, a
	}
	return [2]int{a, b}
}

// validatePlacement checks that every node is positioned exactly once, either
// as a boundary node or by an intersection of already placed nodes
func validatePlacement(desc Description) error {
	placed := make([]bool, desc.NumNodes)
	place := func(n int) error {
		if n < 0 || n >= desc.NumNodes {
			return fmt.Errorf("%w: node %d out of range", ErrMeshMismatch, n)
		}
		if placed[n] {
			return fmt.Errorf("%w: node %d placed twice", ErrMeshMismatch, n)
		}
		placed[n] = true
		return nil
	}
	for _, n := range desc.Boundary {
		if err := place(n); err != nil {
			return err
		}
	}
	for _, is := range desc.Interior {
		for _, n := range []int{is.A[0], is.A[1], is.B[0], is.B[1]} {
			if n < 0 || n >= desc.NumNodes || !placed[n] {
				return fmt.Errorf("%w: intersection for node %d uses unplaced node %d",
					ErrMeshMismatch, is.Node, n)
			}
		}
		if err := place(is.Node); err != nil {
			return err
		}
	}
	for n, ok := range placed {
		if !ok {
			return fmt.Errorf("%w: node %d has no position rule", ErrMeshMismatch, n)
		}
	}
	return nil
}

// NumNodes returns the node count
func (m *Mesh) NumNodes() int { return len(m.Nodes) }

// NumElements returns the element count
func (m *Mesh) NumElements() int { return len(m.Elements) }

// NumBoundary returns how many node positions SetBoundary expects
func (m *Mesh) NumBoundary() int { return len(m.desc.Boundary) }

// Description returns the topology the mesh was built from
func (m *Mesh) Description() Description { return m.desc }

// Revision changes whenever node positions change
func (m *Mesh) Revision() int { return m.revision }

// IsBoundaryElement reports whether element k has an edge on the mesh boundary
func (m *Mesh) IsBoundaryElement(k int) bool { return m.Elements[k].Boundary }

// ResetCounters clears the per-fit sample counters of every element
func (m *Mesh) ResetCounters() {
	for k := range m.Elements {
		el := &m.Elements[k]
		el.Located, el.Reparented, el.Rejected = 0, 0, 0
	}
}

// SetBoundary places the boundary nodes at the supplied pixel positions and
// derives the interior nodes by line intersection
func (m *Mesh) SetBoundary(xp, yp []float64) error {
	nb := len(m.desc.Boundary)
	if len(xp) != nb || len(yp) != nb {
		return fmt.Errorf("%w: got %d/%d boundary positions, topology has %d boundary nodes",
			ErrMeshMismatch, len(xp), len(yp), nb)
	}
	nodes := make([]Node, len(m.Nodes))
	for i, n := range m.desc.Boundary {
		nodes[n].XP, nodes[n].YP = xp[i], yp[i]
	}
	for _, is := range m.desc.Interior {
		x, y, err := intersect(nodes[is.A[0]], nodes[is.A[1]], nodes[is.B[0]], nodes[is.B[1]])
		if err != nil {
			return fmt.Errorf("interior node %d: %w", is.Node, err)
		}
		nodes[is.Node].XP, nodes[is.Node].YP = x, y
	}
	for i := range nodes {
		nodes[i].XW = nodes[i].XP * m.Scale
		nodes[i].YW = nodes[i].YP * m.Scale
	}
	m.commit(nodes)
	return nil
}

// LoadNodes replaces every node position, e.g. for a new deformation state
func (m *Mesh) LoadNodes(nodes []Node) error {
	if len(nodes) != len(m.Nodes) {
		return fmt.Errorf("%w: got %d nodes, topology has %d", ErrMeshMismatch, len(nodes), len(m.Nodes))
	}
	m.commit(append([]Node(nil), nodes...))
	return nil
}

// Displace moves every node by a pixel displacement, world positions follow
// through Scale
func (m *Mesh) Displace(dx, dy []float64) error {
	if len(dx) != len(m.Nodes) || len(dy) != len(m.Nodes) {
		return fmt.Errorf("%w: got %d/%d displacements for %d nodes",
			ErrMeshMismatch, len(dx), len(dy), len(m.Nodes))
	}
	nodes := append([]Node(nil), m.Nodes...)
	for i := range nodes {
		nodes[i].XP += dx[i]
		nodes[i].YP += dy[i]
		nodes[i].XW += dx[i] * m.Scale
		nodes[i].YW += dy[i] * m.Scale
	}
	m.commit(nodes)
	return nil
}

func (m *Mesh) commit(nodes []Node) {
	m.Nodes = nodes
	for k := range m.Elements {
		el := &m.Elements[k]
		el.CX, el.CY = 0, 0
		for _, n := range el.Nodes {
			el.CX += nodes[n].XP
			el.CY += nodes[n].YP
		}
		el.CX /= float64(len(el.Nodes))
		el.CY /= float64(len(el.Nodes))
	}
	m.revision++
}

// QuadCorners returns the pixel positions of a quad's nodes
func (m *Mesh) QuadCorners(k int) (xs, ys [4]float64) {
	for i, n := range m.Elements[k].Nodes[:4] {
		xs[i], ys[i] = m.Nodes[n].XP, m.Nodes[n].YP
	}
	return
}

// TriCorners returns the pixel positions of a triangle's nodes
func (m *Mesh) TriCorners(k int) (xs, ys [3]float64) {
	for i, n := range m.Elements[k].Nodes[:3] {
		xs[i], ys[i] = m.Nodes[n].XP, m.Nodes[n].YP
	}
	return
}

// intersect solves p1 + t(p2-p1) = p3 + s(p4-p3)
func intersect(p1, p2, p3, p4 Node) (x, y float64, err error) {
	d1x, d1y := p2.XP-p1.XP, p2.YP-p1.YP
	d2x, d2y := p4.XP-p3.XP, p4.YP-p3.YP
	det := d2x*d1y - d1x*d2y
	if math.Abs(det) <= 1.e-12*math.Hypot(d1x, d1y)*math.Hypot(d2x, d2y) {
		return 0, 0, ErrDegenerateGeometry
	}
	A := cfdutils.NewMatrix(2, 2)
	A.Set(0, 0, d1x)
	A.Set(0, 1, -d2x)
	A.Set(1, 0, d1y)
	A.Set(1, 1, -d2y)
	b := cfdutils.NewMatrix(2, 1)
	b.Set(0, 0, p3.XP-p1.XP)
	b.Set(1, 0, p3.YP-p1.YP)
	ts := A.LUSolve(b)
	t := ts.At(0, 0)
	return p1.XP + t*d1x, p1.YP + t*d1y, nil
}

// String returns a summary of the mesh
func (m *Mesh) String() string {
	var sb strings.Builder

	sb.WriteString("=== Mesh Summary ===\n")
	sb.WriteString(fmt.Sprintf("  Name: %s\n", m.Name))
	sb.WriteString(fmt.Sprintf("  Nodes: %d (%d boundary, %d derived)\n",
		m.NumNodes(), len(m.desc.Boundary), len(m.desc.Interior)))

	var nq, nt, nb int
	for _, el := range m.Elements {
		if el.Type == element.Tri {
			nt++
		} else {
			nq++
		}
		if el.Boundary {
			nb++
		}
	}
	sb.WriteString(fmt.Sprintf("  Elements: %d (%d quads, %d triangles, %d on the boundary)\n",
		m.NumElements(), nq, nt, nb))
	sb.WriteString(fmt.Sprintf("  Reference node: %d\n", m.ReferenceNode))
	sb.WriteString(fmt.Sprintf("  Scale: %g world units per pixel\n", m.Scale))

	xp := make([]float64, len(m.Nodes))
	yp := make([]float64, len(m.Nodes))
	for i, n := range m.Nodes {
		xp[i], yp[i] = n.XP, n.YP
	}
	xmin, xmax := utils.MinMax(xp)
	ymin, ymax := utils.MinMax(yp)
	sb.WriteString(fmt.Sprintf("  Pixel extent: x [%.2f, %.2f], y [%.2f, %.2f]\n", xmin, xmax, ymin, ymax))
	sb.WriteString("====================\n")
	return sb.String()
}
