// Package raster paints mesh elements into a per-pixel element-index buffer
package raster

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"math"

	"github.com/notargets/fringefit/mesh"
	"golang.org/x/image/vector"
)

// Unassigned marks a pixel owned by no element
const Unassigned = -1

// coverage at or above this alpha (about one half) assigns the pixel to the
// element, so pixels centred on a shared edge are claimed rather than dropped
const coverageThreshold = 0x7f

// minVotes is the number of set neighbors (of 8) needed to repair a gap
const minVotes = 5

// Rasterize fills dst (len width*height, row major) with the index of the
// element covering each pixel, or Unassigned. Node pixel coordinates address
// pixel centres. dst is reallocated when its length does not match.
func Rasterize(ctx context.Context, m *mesh.Mesh, width, height int, dst []int) ([]int, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid image size %dx%d", width, height)
	}
	if len(dst) != width*height {
		dst = make([]int, width*height)
	}
	for i := range dst {
		dst[i] = 0
	}

	bounds := image.Rect(0, 0, width, height)
	mask := image.NewAlpha(bounds)
	z := vector.NewRasterizer(width, height)

	for k := range m.Elements {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		el := &m.Elements[k]
		z.Reset(width, height)
		z.DrawOp = draw.Src

		minX, minY := math.Inf(1), math.Inf(1)
		maxX, maxY := math.Inf(-1), math.Inf(-1)
		for i, n := range el.Nodes {
			// Shift by half a pixel so pixel (c,r) samples the polygon at (c,r)
			x, y := m.Nodes[n].XP+0.5, m.Nodes[n].YP+0.5
			if i == 0 {
				z.MoveTo(float32(x), float32(y))
			} else {
				z.LineTo(float32(x), float32(y))
			}
			minX, maxX = math.Min(minX, x), math.Max(maxX, x)
			minY, maxY = math.Min(minY, y), math.Max(maxY, y)
		}
		z.ClosePath()

		r := image.Rect(int(math.Floor(minX)), int(math.Floor(minY)),
			int(math.Ceil(maxX)), int(math.Ceil(maxY))).Intersect(bounds)
		if r.Empty() {
			continue
		}
		// The path is in image coordinates, so the whole mask is drawn and
		// only the element's bounding box is read back
		z.Draw(mask, bounds, image.Opaque, image.Point{})

		id := k + 1
		for y := r.Min.Y; y < r.Max.Y; y++ {
			row := y * width
			for x := r.Min.X; x < r.Max.X; x++ {
				if mask.Pix[mask.PixOffset(x, y)] >= coverageThreshold {
					dst[row+x] = id
				}
			}
		}
	}

	if err := repairGaps(ctx, dst, width, height); err != nil {
		return nil, err
	}
	for i := range dst {
		dst[i]--
	}
	return dst, nil
}

// repairGaps assigns unset pixels enclosed by set pixels to the most common
// id among their 8 neighbors. Votes are read from a snapshot so the result
// does not depend on scan order.
func repairGaps(ctx context.Context, ids []int, width, height int) error {
	snap := append([]int(nil), ids...)
	var (
		votes [8]int
		count [8]int
	)
	for y := 0; y < height; y++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		for x := 0; x < width; x++ {
			if snap[y*width+x] != 0 {
				continue
			}
			nv := 0
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					if dx == 0 && dy == 0 {
						continue
					}
					xx, yy := x+dx, y+dy
					if xx < 0 || yy < 0 || xx >= width || yy >= height {
						continue
					}
					if id := snap[yy*width+xx]; id != 0 {
						votes[nv] = id
						nv++
					}
				}
			}
			if nv < minVotes {
				continue
			}
			best, bestCount := 0, 0
			for i := 0; i < nv; i++ {
				count[i] = 0
				for j := 0; j < nv; j++ {
					if votes[j] == votes[i] {
						count[i]++
					}
				}
				if count[i] > bestCount || (count[i] == bestCount && votes[i] < best) {
					best, bestCount = votes[i], count[i]
				}
			}
			ids[y*width+x] = best
		}
	}
	return nil
}

// Cache keeps the last element-index buffer and reuses it while the image
// size and mesh revision are unchanged
type Cache struct {
	width, height int
	revision      int
	mesh          *mesh.Mesh
	ids           []int
}

// Get returns the element-index buffer for m at the given size, rasterizing
// only when needed. The second result reports whether the buffer was reused.
func (c *Cache) Get(ctx context.Context, m *mesh.Mesh, width, height int) ([]int, bool, error) {
	if c.ids != nil && c.mesh == m && c.width == width && c.height == height && c.revision == m.Revision() {
		return c.ids, true, nil
	}
	ids, err := Rasterize(ctx, m, width, height, c.ids)
	if err != nil {
		c.Invalidate()
		return nil, false, err
	}
	c.ids, c.mesh, c.width, c.height, c.revision = ids, m, width, height, m.Revision()
	return ids, false, nil
}

// Invalidate forces the next Get to rasterize
func (c *Cache) Invalidate() {
	c.ids = nil
	c.mesh = nil
}
