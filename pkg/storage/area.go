// pkg/storage/area.go

package storage

import (
	"fmt"

	"AveGrid/pkg/chunk"
	"AveGrid/pkg/utils"
)

// Rect is a half-open rectangle of chunk coordinates: [X0, X1) x [Y0, Y1).
type Rect struct {
	X0, Y0, X1, Y1 int
}

func (r Rect) Empty() bool {
	return r.X0 >= r.X1 || r.Y0 >= r.Y1
}

func (r Rect) Contains(x, y int) bool {
	return x >= r.X0 && x < r.X1 && y >= r.Y0 && y < r.Y1
}

// Count returns the number of chunks covered.
func (r Rect) Count() int {
	if r.Empty() {
		return 0
	}
	return (r.X1 - r.X0) * (r.Y1 - r.Y0)
}

func (r Rect) clip(w, h int) Rect {
	r.X0, r.Y0 = utils.Max(r.X0, 0), utils.Max(r.Y0, 0)
	r.X1, r.Y1 = utils.Min(r.X1, w), utils.Min(r.Y1, h)
	if r.Empty() {
		return Rect{}
	}
	return r
}

func (r Rect) String() string {
	return fmt.Sprintf("[%d,%d)x[%d,%d)", r.X0, r.X1, r.Y0, r.Y1)
}

// ActiveArea keeps the chunks under a rectangle in use. It must be closed to
// unpin them.
type ActiveArea struct {
	h        *Handler
	priority int
	rect     Rect
	closed   bool
}

// Rectangle returns the covered rectangle, clipped to the grid.
func (a *ActiveArea) Rectangle() Rect {
	return a.rect
}

// distance is the Chebyshev distance from (x, y) to the center of the area.
func (a *ActiveArea) distance(r Rect, x, y int) int {
	cx, cy := (r.X0+r.X1-1)/2, (r.Y0+r.Y1-1)/2
	dx, dy := x-cx, y-cy
	if dx < 0 {
		dx = -dx
	}
	if dy < 0 {
		dy = -dy
	}
	return utils.Max(dx, dy)
}

// SetRectangle moves the area. Newly covered chunks are requested with the
// area's priority plus their distance to the center; chunks no longer covered
// are released.
func (a *ActiveArea) SetRectangle(r Rect) {
	if a.closed {
		panic("set rectangle on a closed area")
	}
	r = r.clip(a.h.conf.GridWidth, a.h.conf.GridHeight)
	old := a.rect
	if r == old {
		return
	}
	var added, removed int
	for y := r.Y0; y < r.Y1; y++ {
		for x := r.X0; x < r.X1; x++ {
			if !old.Contains(x, y) {
				a.h.acquire(chunk.ID{X: uint16(x), Y: uint16(y)}, a.priority+a.distance(r, x, y))
				added++
			}
		}
	}
	for y := old.Y0; y < old.Y1; y++ {
		for x := old.X0; x < old.X1; x++ {
			if !r.Contains(x, y) {
				a.h.release(chunk.ID{X: uint16(x), Y: uint16(y)})
				removed++
			}
		}
	}
	a.rect = r
	logger.Debugf("area moved from %s to %s: %d acquired, %d released", old, r, added, removed)
}

// SetCenter covers the square of chunks within `radius` of (x, y).
func (a *ActiveArea) SetCenter(x, y, radius int) {
	a.SetRectangle(Rect{x - radius, y - radius, x + radius + 1, y + radius + 1})
}

// Close releases every covered chunk. Closing twice is a no-op.
func (a *ActiveArea) Close() {
	if a.closed {
		return
	}
	a.SetRectangle(Rect{})
	a.closed = true
	delete(a.h.areas, a)
}
