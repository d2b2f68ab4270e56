// pkg/chunk/chunk.go

package chunk

import (
	"unsafe"
)

// Cell holds the per-cell values of every building block. Only the fields
// selected by the mask passed to Chunk.Cell or Chunk.SetCell are touched.
type Cell struct {
	Floor   uint16
	Wall    uint32
	Spatial uint8
	Aux     uint64
	User    uint64
}

// RawExtension is the persisted form of an extension, handed back on load so
// the owner can decode it.
type RawExtension []byte

// Chunk is one block of the world grid. An empty chunk has no backing memory
// and stands for cells without any content. A chunk is owned by exactly one
// party at a time: whoever holds the pointer, and ownership moves only through
// the storage handler, the spooler and load handles.
type Chunk struct {
	layout *LayoutInfo
	mem    *arena
	ext    interface{}

	floors  []uint16
	walls   []uint32
	spatial []uint8
	aux     []uint64
	user    []uint64
}

// NewEmpty returns a chunk without backing memory.
func NewEmpty(layout *LayoutInfo) *Chunk {
	return &Chunk{layout: layout}
}

// New returns a zeroed, non-empty chunk.
func New(layout *LayoutInfo) *Chunk {
	c := &Chunk{layout: layout}
	c.allocate()
	return c
}

func (c *Chunk) allocate() {
	if c.layout.Size() == 0 {
		return
	}
	c.mem = newArena(c.layout.Size(), c.layout.OffHeap)
	n := c.layout.Cells()
	base := unsafe.Pointer(&c.mem.data[0])
	if off := c.layout.offsets[0]; off >= 0 {
		c.floors = unsafe.Slice((*uint16)(unsafe.Add(base, off)), n)
	}
	if off := c.layout.offsets[1]; off >= 0 {
		c.walls = unsafe.Slice((*uint32)(unsafe.Add(base, off)), n)
	}
	if off := c.layout.offsets[2]; off >= 0 {
		c.spatial = unsafe.Slice((*uint8)(unsafe.Add(base, off)), n)
	}
	if off := c.layout.offsets[3]; off >= 0 {
		c.aux = unsafe.Slice((*uint64)(unsafe.Add(base, off)), n)
	}
	if off := c.layout.offsets[4]; off >= 0 {
		c.user = unsafe.Slice((*uint64)(unsafe.Add(base, off)), n)
	}
}

func (c *Chunk) Layout() *LayoutInfo {
	return c.layout
}

func (c *Chunk) IsEmpty() bool {
	return c.mem == nil
}

// MakeEmpty releases the backing memory. The extension is dropped too; detach
// it with ReleaseExtension first to keep it.
func (c *Chunk) MakeEmpty() {
	if c.mem != nil {
		c.mem.release()
		c.mem = nil
	}
	c.ext = nil
	c.floors, c.walls, c.spatial, c.aux, c.user = nil, nil, nil, nil, nil
}

// Fill turns an empty chunk into a zeroed non-empty one. It is a no-op on a
// non-empty chunk.
func (c *Chunk) Fill() {
	if c.mem == nil {
		c.allocate()
	}
}

// Bytes exposes the raw arena, nil for an empty chunk.
func (c *Chunk) Bytes() []byte {
	if c.mem == nil {
		return nil
	}
	return c.mem.data
}

func (c *Chunk) Floors() []uint16   { return c.floors }
func (c *Chunk) Walls() []uint32    { return c.walls }
func (c *Chunk) Spatial() []uint8   { return c.spatial }
func (c *Chunk) Aux() []uint64      { return c.aux }
func (c *Chunk) UserData() []uint64 { return c.user }

// Cell copies the blocks selected by `mask` of cell (x, y) into out. The
// coordinates are not checked against the chunk and the selected blocks must
// be allocated; violating either panics.
func (c *Chunk) Cell(x, y int, mask BuildingBlocks, out *Cell) {
	i := y*c.layout.cellsX + x
	if mask&Floor != 0 {
		out.Floor = c.floors[i]
	}
	if mask&Wall != 0 {
		out.Wall = c.walls[i]
	}
	if mask&Spatial != 0 {
		out.Spatial = c.spatial[i]
	}
	if mask&Aux != 0 {
		out.Aux = c.aux[i]
	}
	if mask&User != 0 {
		out.User = c.user[i]
	}
}

// SetCell is the write counterpart of Cell, with the same preconditions.
func (c *Chunk) SetCell(x, y int, mask BuildingBlocks, in *Cell) {
	i := y*c.layout.cellsX + x
	if mask&Floor != 0 {
		c.floors[i] = in.Floor
	}
	if mask&Wall != 0 {
		c.walls[i] = in.Wall
	}
	if mask&Spatial != 0 {
		c.spatial[i] = in.Spatial
	}
	if mask&Aux != 0 {
		c.aux[i] = in.Aux
	}
	if mask&User != 0 {
		c.user[i] = in.User
	}
}

// SetExtension attaches `ext` and returns the previous extension.
func (c *Chunk) SetExtension(ext interface{}) interface{} {
	old := c.ext
	c.ext = ext
	return old
}

func (c *Chunk) Extension() interface{} {
	return c.ext
}

// ReleaseExtension detaches and returns the extension.
func (c *Chunk) ReleaseExtension() interface{} {
	ext := c.ext
	c.ext = nil
	return ext
}
