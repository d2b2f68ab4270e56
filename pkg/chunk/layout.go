// pkg/chunk/layout.go

package chunk

import (
	"fmt"
	"strings"

	"AveGrid/pkg/utils"

	"github.com/pkg/errors"
)

// BuildingBlocks selects which per-cell arrays a world allocates.
type BuildingBlocks uint8

const (
	Floor BuildingBlocks = 1 << iota
	Wall
	Spatial
	Aux
	User

	NoBlocks  BuildingBlocks = 0
	AllBlocks                = Floor | Wall | Spatial | Aux | User
)

const numBlocks = 5

// element size in bytes of every block, which is also its alignment
var blockSizes = [numBlocks]uint{2, 4, 1, 8, 8}
var blockNames = [numBlocks]string{"floor", "wall", "spatial", "aux", "user"}

func blockIndex(b BuildingBlocks) int {
	for i := 0; i < numBlocks; i++ {
		if b == 1<<i {
			return i
		}
	}
	panic(fmt.Sprintf("%#x is not a single building block", uint8(b)))
}

func (b BuildingBlocks) Has(o BuildingBlocks) bool {
	return b&o == o
}

func (b BuildingBlocks) String() string {
	if b == NoBlocks {
		return "none"
	}
	var names []string
	for i := 0; i < numBlocks; i++ {
		if b&(1<<i) != 0 {
			names = append(names, blockNames[i])
		}
	}
	return strings.Join(names, ",")
}

// ParseBlocks parses a comma separated list of block names, or "all".
func ParseBlocks(s string) (BuildingBlocks, error) {
	var b BuildingBlocks
	for _, name := range strings.Split(s, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || name == "none" {
			continue
		}
		if name == "all" {
			b |= AllBlocks
			continue
		}
		found := false
		for i, n := range blockNames {
			if n == name {
				b |= 1 << i
				found = true
			}
		}
		if !found {
			return 0, errors.Errorf("unknown building block %q", name)
		}
	}
	return b, nil
}

// LayoutInfo describes how the selected building blocks of one chunk are laid
// out in a single allocation. Offsets are fixed at construction.
type LayoutInfo struct {
	// OffHeap makes new chunks allocate their arena outside of the Go heap.
	OffHeap bool

	cellsX, cellsY int
	blocks         BuildingBlocks
	offsets        [numBlocks]int
	size           int
}

// NewLayoutInfo computes the offset table for chunks of cellsX*cellsY cells.
// It panics on a non-positive dimension.
func NewLayoutInfo(cellsX, cellsY int, blocks BuildingBlocks) *LayoutInfo {
	if cellsX <= 0 || cellsY <= 0 || cellsX > 1<<15 || cellsY > 1<<15 {
		panic(fmt.Sprintf("invalid chunk size %dx%d", cellsX, cellsY))
	}
	l := &LayoutInfo{cellsX: cellsX, cellsY: cellsY, blocks: blocks & AllBlocks}
	cells := cellsX * cellsY
	var off int
	for i := 0; i < numBlocks; i++ {
		if l.blocks&(1<<i) == 0 {
			l.offsets[i] = -1
			continue
		}
		off = utils.AlignUp(off, blockSizes[i])
		l.offsets[i] = off
		off += cells * int(blockSizes[i])
	}
	l.size = utils.AlignUp(off, 8)
	return l
}

func (l *LayoutInfo) Width() int             { return l.cellsX }
func (l *LayoutInfo) Height() int            { return l.cellsY }
func (l *LayoutInfo) Cells() int             { return l.cellsX * l.cellsY }
func (l *LayoutInfo) Blocks() BuildingBlocks { return l.blocks }

// Size is the number of bytes of one chunk arena.
func (l *LayoutInfo) Size() int { return l.size }

// Offset returns the byte offset of `block` in the arena, or -1 if it is not allocated.
func (l *LayoutInfo) Offset(block BuildingBlocks) int {
	return l.offsets[blockIndex(block)]
}

// Equal reports whether chunks of both layouts are interchangeable.
func (l *LayoutInfo) Equal(o *LayoutInfo) bool {
	return l.cellsX == o.cellsX && l.cellsY == o.cellsY && l.blocks == o.blocks
}

func (l *LayoutInfo) String() string {
	return fmt.Sprintf("%dx%d[%s] %d bytes", l.cellsX, l.cellsY, l.blocks, l.size)
}
