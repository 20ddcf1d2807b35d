package utils

import (
	"fmt"
	"sort"
)

// MaxNeighbors is the number of neighbor slots carried by each element
const MaxNeighbors = 8

// edgeKey is the canonical signature of an element edge, node indices sorted
type edgeKey struct {
	a, b int
}

func newEdgeKey(a, b int) edgeKey {
	if a > b {
		a, b = b, a
	}
	return edgeKey{a, b}
}

// BuildNeighbors derives element-to-element connectivity from element node
// lists (EToV). Each element gets MaxNeighbors slots: first the elements
// sharing an edge, in edge order (edge k joins node k and node k+1), then the
// elements sharing only a corner, in corner order. Corner neighbors past the
// last slot are dropped. Unused slots hold -1.
func BuildNeighbors(EToV [][]int) (EToE [][]int, err error) {
	K := len(EToV)

	// Edge signatures -> owning elements
	edgeMap := make(map[edgeKey][]int)
	// Node -> incident elements
	nodeMap := make(map[int][]int)
	for k, verts := range EToV {
		n := len(verts)
		if n < 3 {
			return nil, fmt.Errorf("element %d has %d nodes", k, n)
		}
		for e := 0; e < n; e++ {
			key := newEdgeKey(verts[e], verts[(e+1)%n])
			edgeMap[key] = append(edgeMap[key], k)
		}
		for _, v := range verts {
			nodeMap[v] = append(nodeMap[v], k)
		}
	}

	EToE = make([][]int, K)
	for k, verts := range EToV {
		n := len(verts)
		nbrs := make([]int, 0, MaxNeighbors)
		seen := map[int]bool{k: true}

		for e := 0; e < n; e++ {
			for _, other := range edgeMap[newEdgeKey(verts[e], verts[(e+1)%n])] {
				if !seen[other] {
					seen[other] = true
					nbrs = append(nbrs, other)
				}
			}
		}
		for _, v := range verts {
			corner := append([]int(nil), nodeMap[v]...)
			sort.Ints(corner)
			for _, other := range corner {
				if !seen[other] {
					seen[other] = true
					nbrs = append(nbrs, other)
				}
			}
		}
		if len(nbrs) > MaxNeighbors {
			nbrs = nbrs[:MaxNeighbors]
		}
		EToE[k] = PadNeighbors(nbrs)
	}
	return EToE, nil
}

// PadNeighbors returns a MaxNeighbors long copy of nbrs filled with -1
func PadNeighbors(nbrs []int) []int {
	out := make([]int, MaxNeighbors)
	for i := range out {
		out[i] = -1
	}
	copy(out, nbrs)
	return out
}
