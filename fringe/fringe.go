// Package fringe tracks the fringe order regions of one displacement axis and
// which of them are fixed to an integer order
package fringe

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/notargets/fringefit/field"
)

// MaxLabel bounds the region labels accepted in a mask, labels are integers
// in [0, MaxLabel) and -1 marks pixels outside every region
const MaxLabel = 256

var (
	// ErrLabelRange reports a mask label that is negative, too large or not an
	// integer
	ErrLabelRange = errors.New("fringe label out of range")
	// ErrFringeConstraining reports regions still free after the final scan
	ErrFringeConstraining = errors.New("fringe regions left unconstrained")
)

// Region is one fringe order region
type Region struct {
	Index       int // dense index
	Label       int // label in the input mask
	Pixels      int // located pixels carrying the label
	Constrained bool
	Value       int // fringe order when constrained, applied as 2*pi*Value
	Free        int // free parameter slot, -1 when constrained
}

// Set is the region table of one axis together with the region of every pixel
type Set struct {
	regions []Region
	pixel   []int
	anchor  int
	nfree   int
}

// Count relabels the regions found among located pixels (owner >= 0) densely
// in ascending label order and counts their pixels. The largest region is
// the anchor, constrained to order 0; every other region starts free.
func Count(mask []float64, owner []int) (*Set, error) {
	if len(mask) != len(owner) {
		return nil, fmt.Errorf("fringe mask has %d pixels, element buffer has %d", len(mask), len(owner))
	}
	var counts [MaxLabel]int
	labels := make([]int, len(mask))
	for i, v := range mask {
		if v == -1 {
			labels[i] = -1
			continue
		}
		if v != math.Trunc(v) || v < 0 || v >= MaxLabel {
			return nil, fmt.Errorf("%w: pixel %d has label %g", ErrLabelRange, i, v)
		}
		labels[i] = int(v)
		if owner[i] >= 0 {
			counts[labels[i]]++
		}
	}

	s := &Set{pixel: labels, anchor: -1}
	var dense [MaxLabel]int
	for label, n := range counts {
		dense[label] = -1
		if n == 0 {
			continue
		}
		dense[label] = len(s.regions)
		s.regions = append(s.regions, Region{
			Index:  len(s.regions),
			Label:  label,
			Pixels: n,
		})
	}
	for i, label := range labels {
		if label < 0 || owner[i] < 0 {
			s.pixel[i] = -1
			continue
		}
		s.pixel[i] = dense[label]
	}
	for i, r := range s.regions {
		if s.anchor < 0 || r.Pixels > s.regions[s.anchor].Pixels {
			s.anchor = i
		}
	}
	s.Unconstrain()
	return s, nil
}

// Unconstrain frees every region except the anchor
func (s *Set) Unconstrain() {
	for i := range s.regions {
		r := &s.regions[i]
		r.Value = 0
		r.Constrained = i == s.anchor
	}
	s.renumber()
}

func (s *Set) renumber() {
	s.nfree = 0
	for i := range s.regions {
		r := &s.regions[i]
		if r.Constrained {
			r.Free = -1
			continue
		}
		r.Free = s.nfree
		s.nfree++
	}
}

// NumRegions is the number of regions with located pixels
func (s *Set) NumRegions() int { return len(s.regions) }

// Region returns region i
func (s *Set) Region(i int) Region { return s.regions[i] }

// Anchor is the index of the largest region, -1 when there are no regions
func (s *Set) Anchor() int { return s.anchor }

// NumFree is the number of fringe order unknowns
func (s *Set) NumFree() int { return s.nfree }

// AllConstrained reports whether every region has a fixed order
func (s *Set) AllConstrained() bool { return s.nfree == 0 }

// Offset returns the phase offset of a pixel, 2*pi times its fixed order, or
// the free slot of its region. free is -1 when the pixel has a fixed order or
// no region.
func (s *Set) Offset(pixel int) (offset float64, free int) {
	ri := s.pixel[pixel]
	if ri < 0 {
		return 0, -1
	}
	r := &s.regions[ri]
	if r.Constrained {
		return 2 * math.Pi * float64(r.Value), -1
	}
	return 0, r.Free
}

// Scan fixes every free region whose fitted order lies within threshold of an
// integer to that integer and renumbers the remaining free slots. It returns
// the number of regions fixed.
func (s *Set) Scan(params []float64, layout field.Layout, threshold float64) (int, error) {
	if layout.NumFree != s.nfree || len(params) != layout.Len() {
		return 0, fmt.Errorf("fringe scan: %d parameters with %d free slots, expected %d free",
			len(params), layout.NumFree, s.nfree)
	}
	var fixed int
	for i := range s.regions {
		r := &s.regions[i]
		if r.Constrained {
			continue
		}
		order := params[layout.FreeIndex(r.Free)]
		nearest := math.Round(order)
		if math.Abs(order-nearest) <= threshold {
			r.Constrained = true
			r.Value = int(nearest)
			fixed++
		}
	}
	s.renumber()
	return fixed, nil
}

// Check returns ErrFringeConstraining when any region is still free
func (s *Set) Check() error {
	if s.AllConstrained() {
		return nil
	}
	var free []string
	for _, r := range s.regions {
		if !r.Constrained {
			free = append(free, fmt.Sprintf("%d", r.Label))
		}
	}
	return fmt.Errorf("%w: labels %s", ErrFringeConstraining, strings.Join(free, ", "))
}

func (s *Set) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d regions, %d free", len(s.regions), s.nfree))
	for _, r := range s.regions {
		state := "free"
		if r.Constrained {
			state = fmt.Sprintf("order %d", r.Value)
		}
		sb.WriteString(fmt.Sprintf("; label %d: %d px, %s", r.Label, r.Pixels, state))
	}
	return sb.String()
}
