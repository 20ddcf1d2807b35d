package field

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/notargets/fringefit/element"
	"github.com/notargets/fringefit/mesh"
)

// ErrNotLocated reports a pixel that lies in neither its candidate element nor
// any of the candidate's neighbors
var ErrNotLocated = errors.New("sample not located")

// ResidualTol is the largest distance, in pixels, between a pixel and the
// position reconstructed from its local coordinates before it is flagged
const ResidualTol = 0.5

// Stats counts the outcome of locating every pixel of an image
type Stats struct {
	Located          int
	Reparented       int
	Rejected         int
	RejectedBoundary int
	ResidualFlagged  int
}

func (s Stats) String() string {
	return fmt.Sprintf("located %d (reparented %d), rejected %d (%d at the boundary), flagged %d",
		s.Located, s.Reparented, s.Rejected, s.RejectedBoundary, s.ResidualFlagged)
}

// Locator finds the element and local coordinates of pixels
type Locator struct {
	mesh *mesh.Mesh
}

func NewLocator(m *mesh.Mesh) *Locator {
	return &Locator{mesh: m}
}

// Locate tries the candidate element and then its neighbors in stored order.
// reparented is set when the pixel was found in a neighbor.
func (l *Locator) Locate(x, y float64, candidate int) (k int, local element.Local, reparented bool, err error) {
	m := l.mesh
	if candidate < 0 || candidate >= m.NumElements() {
		return -1, nil, false, fmt.Errorf("%w: pixel (%g,%g) has no candidate element", ErrNotLocated, x, y)
	}
	if loc, ok := l.inElement(candidate, x, y); ok {
		return candidate, loc, false, nil
	}
	for _, nb := range m.Elements[candidate].Neighbors {
		if nb < 0 {
			continue
		}
		if loc, ok := l.inElement(nb, x, y); ok {
			return nb, loc, true, nil
		}
	}
	return -1, nil, false, fmt.Errorf("%w: pixel (%g,%g) outside element %d and its neighbors",
		ErrNotLocated, x, y, candidate)
}

func (l *Locator) inElement(k int, x, y float64) (element.Local, bool) {
	switch l.mesh.Elements[k].Type {
	case element.Tri:
		xs, ys := l.mesh.TriCorners(k)
		if loc, ok := element.InvertTri(x, y, xs, ys); ok {
			return loc, true
		}
	default:
		xs, ys := l.mesh.QuadCorners(k)
		if loc, ok := element.InvertQuad(x, y, xs, ys); ok {
			return loc, true
		}
	}
	return nil, false
}

// LocateAll locates every pixel of a width-wide image whose owner entry names
// an element. owner is rewritten with the final element (-1 when rejected)
// and samples receives the local coordinates. The per-element counters of the
// mesh are reset and updated.
func (l *Locator) LocateAll(ctx context.Context, width int, owner []int, samples []Sample, checkResiduals bool) (Stats, error) {
	var st Stats
	if width <= 0 || len(owner)%width != 0 {
		return st, fmt.Errorf("element buffer of %d pixels is not a multiple of width %d", len(owner), width)
	}
	if len(samples) != len(owner) {
		return st, fmt.Errorf("%d samples for %d pixels", len(samples), len(owner))
	}
	m := l.mesh
	m.ResetCounters()
	height := len(owner) / width

	for row := 0; row < height; row++ {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		for col := 0; col < width; col++ {
			i := row*width + col
			samples[i] = Sample{Element: -1}
			cand := owner[i]
			if cand < 0 {
				continue
			}
			x, y := float64(col), float64(row)
			k, loc, reparented, err := l.Locate(x, y, cand)
			if err != nil {
				owner[i] = -1
				st.Rejected++
				if cand < m.NumElements() {
					m.Elements[cand].Rejected++
					if m.Elements[cand].Boundary {
						st.RejectedBoundary++
					}
				}
				continue
			}
			owner[i] = k
			samples[i] = Sample{Element: k, Local: loc}
			st.Located++
			m.Elements[k].Located++
			if reparented {
				st.Reparented++
				m.Elements[cand].Reparented++
			}
			if checkResiduals && l.residual(k, loc, x, y) > ResidualTol {
				st.ResidualFlagged++
			}
		}
	}
	return st, nil
}

// residual is the distance between (x,y) and the pixel position rebuilt from
// the node coordinates with the geometric basis
func (l *Locator) residual(k int, loc element.Local, x, y float64) float64 {
	var wbuf [4]float64
	w := element.Weights(loc, element.Bilinear, wbuf[:0])
	el := &l.mesh.Elements[k]
	var rx, ry float64
	for i, n := range el.Nodes[:len(w)] {
		rx += w[i] * l.mesh.Nodes[n].XP
		ry += w[i] * l.mesh.Nodes[n].YP
	}
	return math.Hypot(rx-x, ry-y)
}
