package mesh

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Intersection places an interior node where the line through nodes A[0],A[1]
// crosses the line through nodes B[0],B[1]
type Intersection struct {
	Node int    `yaml:"node"`
	A    [2]int `yaml:"a"`
	B    [2]int `yaml:"b"`
}

// Description is the externally supplied mesh topology. Node positions are not
// part of it: boundary nodes come from the caller, interior nodes are derived.
type Description struct {
	Name     string `yaml:"name"`
	NumNodes int    `yaml:"num_nodes"`
	// Boundary lists the nodes whose pixel positions are supplied, in the order
	// they are supplied to SetBoundary
	Boundary []int          `yaml:"boundary"`
	Interior []Intersection `yaml:"interior"`
	// Elements holds 3 (triangle) or 4 (quad, clockwise) node indices each
	Elements [][]int `yaml:"elements"`
	// Neighbors is optional; derived from shared edges and corners when empty
	Neighbors     [][]int `yaml:"neighbors,omitempty"`
	ReferenceNode int     `yaml:"reference_node"`
	// Scale converts pixels to world units
	Scale float64 `yaml:"scale"`
}

// ParseDescription decodes a YAML mesh description
func ParseDescription(data []byte) (Description, error) {
	var desc Description
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return Description{}, fmt.Errorf("failed to parse mesh description: %w", err)
	}
	return desc, nil
}

// LoadDescription reads a YAML mesh description from a file
func LoadDescription(path string) (Description, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Description{}, err
	}
	return ParseDescription(data)
}

// Marshal encodes the description as YAML
func (d Description) Marshal() ([]byte, error) {
	return yaml.Marshal(d)
}

// SplitQuads returns a copy of d with the listed quads cut along the diagonal
// from their first node. The first triangle keeps the quad's index and the
// second is appended, so other element indices do not move. Neighbor lists
// are dropped and derived again by New.
func (d Description) SplitQuads(elements ...int) (Description, error) {
	out := d
	out.Neighbors = nil
	out.Elements = make([][]int, len(d.Elements), len(d.Elements)+len(elements))
	for k, verts := range d.Elements {
		out.Elements[k] = append([]int(nil), verts...)
	}
	for _, k := range elements {
		if k < 0 || k >= len(d.Elements) || len(out.Elements[k]) != 4 {
			return Description{}, fmt.Errorf("%w: element %d is not a quad", ErrMeshMismatch, k)
		}
		q := out.Elements[k]
		out.Elements[k] = []int{q[0], q[1], q[2]}
		out.Elements = append(out.Elements, []int{q[0], q[2], q[3]})
	}
	return out, nil
}

const (
	latticeN      = 5  // nodes per side of the bundled lattice
	boundaryCount = 16 // perimeter nodes of the bundled lattice
)

// DefaultDescription returns the bundled topology: a 5x5 node lattice whose 16
// perimeter nodes form the boundary ring, numbered clockwise from the top left
// corner (0..15), and whose 9 interior nodes (16..24) sit at the crossing of
// the row and column lines through the ring. The 16 quads have u along the
// lattice rows and v along the columns.
func DefaultDescription() Description {
	grid := latticeIndex()
	desc := Description{
		Name:          "lattice5x5",
		NumNodes:      latticeN * latticeN,
		ReferenceNode: grid[2][2],
		Scale:         1,
	}

	desc.Boundary = make([]int, boundaryCount)
	for i := range desc.Boundary {
		desc.Boundary[i] = i
	}

	last := latticeN - 1
	for j := 1; j < last; j++ {
		for i := 1; i < last; i++ {
			desc.Interior = append(desc.Interior, Intersection{
				Node: grid[i][j],
				A:    [2]int{grid[i][0], grid[i][last]},
				B:    [2]int{grid[0][j], grid[last][j]},
			})
		}
	}

	for j := 0; j < last; j++ {
		for i := 0; i < last; i++ {
			desc.Elements = append(desc.Elements, []int{
				grid[i][j], grid[i][j+1], grid[i+1][j+1], grid[i+1][j],
			})
		}
	}
	return desc
}

// latticeIndex numbers the lattice nodes, indexed [column][row]
func latticeIndex() (grid [latticeN][latticeN]int) {
	last := latticeN - 1
	n := 0
	for i := 0; i <= last; i++ { // top row, left to right
		grid[i][0] = n
		n++
	}
	for j := 1; j <= last; j++ { // right column, downward
		grid[last][j] = n
		n++
	}
	for i := last - 1; i >= 0; i-- { // bottom row, right to left
		grid[i][last] = n
		n++
	}
	for j := last - 1; j >= 1; j-- { // left column, upward
		grid[0][j] = n
		n++
	}
	for j := 1; j < last; j++ {
		for i := 1; i < last; i++ {
			grid[i][j] = n
			n++
		}
	}
	return grid
}

// LatticeBoundary returns boundary pixel positions for DefaultDescription laid
// out on a regular lattice with origin (x0,y0) and spacing (dx,dy)
func LatticeBoundary(x0, y0, dx, dy float64) (xp, yp []float64) {
	grid := latticeIndex()
	xp = make([]float64, boundaryCount)
	yp = make([]float64, boundaryCount)
	for i := 0; i < latticeN; i++ {
		for j := 0; j < latticeN; j++ {
			if n := grid[i][j]; n < boundaryCount {
				xp[n] = x0 + float64(i)*dx
				yp[n] = y0 + float64(j)*dy
			}
		}
	}
	return xp, yp
}
