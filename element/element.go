package element

import (
	"fmt"
	"strings"
)

// ElementGeometry identifies the shape of a mesh element
type ElementGeometry uint8

const (
	Tri       ElementGeometry = iota // Triangle, 3 nodes
	Rectangle                        // Quadrilateral, 4 nodes ordered clockwise
)

func (g ElementGeometry) String() string {
	switch g {
	case Tri:
		return "Tri"
	case Rectangle:
		return "Rectangle"
	default:
		return fmt.Sprintf("ElementGeometry(%d)", uint8(g))
	}
}

// NumVertices returns the number of defining nodes for the geometry
func (g ElementGeometry) NumVertices() int {
	if g == Tri {
		return 3
	}
	return 4
}

// GeometryForVertices maps a node count to an element geometry
func GeometryForVertices(n int) (ElementGeometry, error) {
	switch n {
	case 3:
		return Tri, nil
	case 4:
		return Rectangle, nil
	default:
		return 0, fmt.Errorf("element with %d nodes is neither a triangle nor a quad", n)
	}
}

// Model selects the field representation carried by the nodes
type Model uint8

const (
	Bilinear       Model = iota // One value per node
	BicubicHermite              // Value, d/du, d/dv and d2/dudv per node
)

func (m Model) String() string {
	switch m {
	case Bilinear:
		return "bilinear"
	case BicubicHermite:
		return "bicubic"
	default:
		return fmt.Sprintf("Model(%d)", uint8(m))
	}
}

// ParamsPerNode returns the number of nodal parameters for the model
func (m Model) ParamsPerNode() int {
	if m == BicubicHermite {
		return 4
	}
	return 1
}

func (m Model) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Model) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "bilinear", "linear":
		*m = Bilinear
	case "bicubic", "hermite", "bicubic-hermite":
		*m = BicubicHermite
	default:
		return fmt.Errorf("unknown field model %q", string(text))
	}
	return nil
}

// Local holds the local coordinates of a point inside an element. It is one of
// QuadLocal or TriLocal.
type Local interface {
	Geometry() ElementGeometry
}

// QuadLocal is the iso-parametric position (u,v) in [0,1]^2 inside a quad.
// Corner k of the quad sits at (0,0), (0,1), (1,1), (1,0) for k = 0..3.
type QuadLocal struct {
	U, V float64
}

func (QuadLocal) Geometry() ElementGeometry { return Rectangle }

// TriLocal holds the barycentric weights of a point inside a triangle
type TriLocal struct {
	L [3]float64
}

func (TriLocal) Geometry() ElementGeometry { return Tri }

// QuadCorners gives the local (u,v) position of each quad corner
var QuadCorners = [4][2]float64{{0, 0}, {0, 1}, {1, 1}, {1, 0}}

// NumWeights returns the number of basis weights for a geometry under a model
func NumWeights(g ElementGeometry, m Model) int {
	if g == Tri {
		return 3
	}
	if m == BicubicHermite {
		return 16
	}
	return 4
}
