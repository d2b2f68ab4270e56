// pkg/storage/handler.go

package storage

import (
	"container/list"
	"fmt"
	"time"

	"AveGrid/pkg/chunk"
	"AveGrid/pkg/diskio"
	"AveGrid/pkg/spool"
	"AveGrid/pkg/utils"

	"github.com/dolthub/swiss"
	"github.com/pkg/errors"
)

var logger = utils.GetLogger("avegrid")

// ErrOutOfRange is returned by the checked accessors for coordinates outside the world.
var ErrOutOfRange = errors.New("coordinate out of range")

// control tracks one chunk id that is in use, resident or being loaded.
type control struct {
	id       chunk.ID
	usage    int
	priority int
	retries  int
	handle   *spool.Handle
	free     *list.Element
}

type freeEntry struct {
	id    chunk.ID
	since time.Time
}

// Stats of a Handler.
type Stats struct {
	Resident   int
	Free       int
	Pending    int
	Areas      int
	Integrated int64
	Created    int64
	Evicted    int64
	Failed     int64
	Spool      spool.Stats
}

// Handler owns the resident part of the chunk grid. Except for the spooler
// it is not safe for concurrent use: all methods run on the simulation
// goroutine.
type Handler struct {
	conf    Config
	layout  *chunk.LayoutInfo
	disk    diskio.Handler
	spooler *spool.Spooler
	binder  Binder

	grid     []*chunk.Chunk
	controls *swiss.Map[chunk.ID, *control]
	free     *list.List
	areas    map[*ActiveArea]struct{}
	resident int
	closed   bool

	integrated, created, evicted, failed int64
}

// NewHandler creates a handler and starts its spooler.
func NewHandler(layout *chunk.LayoutInfo, disk diskio.Handler, binder Binder, conf *Config, spoolConf *spool.Config) *Handler {
	if conf == nil {
		conf = DefaultConfig()
	}
	if conf.GridWidth <= 0 || conf.GridHeight <= 0 || conf.GridWidth > 1<<16 || conf.GridHeight > 1<<16 {
		panic(fmt.Sprintf("invalid grid size %dx%d", conf.GridWidth, conf.GridHeight))
	}
	if binder == nil {
		binder = NopBinder{}
	}
	h := &Handler{
		conf:     *conf,
		layout:   layout,
		disk:     disk,
		spooler:  spool.New(disk, spoolConf),
		binder:   binder,
		grid:     make([]*chunk.Chunk, conf.GridWidth*conf.GridHeight),
		controls: swiss.NewMap[chunk.ID, *control](uint32(utils.Min(conf.GridWidth*conf.GridHeight, 1024))),
		free:     list.New(),
		areas:    make(map[*ActiveArea]struct{}),
	}
	h.spooler.Start()
	return h
}

func (h *Handler) Layout() *chunk.LayoutInfo {
	return h.layout
}

// Spooler exposes the background worker, mostly for its stats.
func (h *Handler) Spooler() *spool.Spooler {
	return h.spooler
}

func (h *Handler) GridWidth() int  { return h.conf.GridWidth }
func (h *Handler) GridHeight() int { return h.conf.GridHeight }

func (h *Handler) InGrid(id chunk.ID) bool {
	return int(id.X) < h.conf.GridWidth && int(id.Y) < h.conf.GridHeight
}

func (h *Handler) index(id chunk.ID) int {
	if !h.InGrid(id) {
		panic(fmt.Sprintf("chunk %s is out of the %dx%d grid", id, h.conf.GridWidth, h.conf.GridHeight))
	}
	return int(id.Y)*h.conf.GridWidth + int(id.X)
}

// Chunk returns the resident chunk or nil. It never blocks.
func (h *Handler) Chunk(id chunk.ID) *chunk.Chunk {
	return h.grid[h.index(id)]
}

// Usage returns how many active areas cover `id`.
func (h *Handler) Usage(id chunk.ID) int {
	if ctl, ok := h.controls.Get(id); ok {
		return ctl.usage
	}
	return 0
}

// LoadChunk returns the chunk, loading it on the calling goroutine if it is
// not resident. A chunk that does not exist yet is created.
func (h *Handler) LoadChunk(id chunk.ID) (*chunk.Chunk, error) {
	idx := h.index(id)
	if c := h.grid[idx]; c != nil {
		return c, nil
	}
	ctl := h.control(id)
	if ctl.handle != nil {
		if !ctl.handle.Cancel() {
			// already on the worker
			<-ctl.handle.Done()
			h.finish(ctl, false)
			if c := h.grid[idx]; c != nil {
				return c, nil
			}
			// a failed load may have dropped the control block
			ctl = h.control(id)
		}
		ctl.handle = nil
	}
	c, found, err := h.spooler.LoadNow(id)
	if err != nil {
		h.failed++
		h.forget(ctl)
		return nil, errors.Wrapf(err, "load chunk %s", id)
	}
	h.integrate(ctl, c, found)
	return h.grid[idx], nil
}

func (h *Handler) cellID(x, y int) (chunk.ID, int, int) {
	w, ht := h.layout.Width(), h.layout.Height()
	return chunk.ID{X: uint16(x / w), Y: uint16(y / ht)}, x % w, y % ht
}

func (h *Handler) checkCell(x, y int) error {
	if x < 0 || y < 0 || x >= h.conf.GridWidth*h.layout.Width() || y >= h.conf.GridHeight*h.layout.Height() {
		return errors.Wrapf(ErrOutOfRange, "cell (%d, %d)", x, y)
	}
	return nil
}

// CellUnchecked reads the cell at world coordinates (x, y) if its chunk is
// resident. The coordinates must be inside the world.
func (h *Handler) CellUnchecked(x, y int, mask chunk.BuildingBlocks, out *chunk.Cell) bool {
	id, cx, cy := h.cellID(x, y)
	c := h.Chunk(id)
	if c == nil {
		return false
	}
	if c.IsEmpty() {
		*out = chunk.Cell{}
		return true
	}
	c.Cell(cx, cy, mask, out)
	return true
}

// Cell is CellUnchecked with bounds checking.
func (h *Handler) Cell(x, y int, mask chunk.BuildingBlocks, out *chunk.Cell) (bool, error) {
	if err := h.checkCell(x, y); err != nil {
		return false, err
	}
	if mask&^h.layout.Blocks() != 0 {
		return false, errors.Errorf("blocks %s are not allocated", mask&^h.layout.Blocks())
	}
	return h.CellUnchecked(x, y, mask, out), nil
}

// LoadCell reads a cell, loading its chunk if needed.
func (h *Handler) LoadCell(x, y int, mask chunk.BuildingBlocks, out *chunk.Cell) error {
	if err := h.checkCell(x, y); err != nil {
		return err
	}
	id, cx, cy := h.cellID(x, y)
	c, err := h.LoadChunk(id)
	if err != nil {
		return err
	}
	if c.IsEmpty() {
		*out = chunk.Cell{}
		return nil
	}
	c.Cell(cx, cy, mask, out)
	return nil
}

// SetCell writes a cell, loading its chunk if needed. Writing into an empty
// chunk allocates it.
func (h *Handler) SetCell(x, y int, mask chunk.BuildingBlocks, in *chunk.Cell) error {
	if err := h.checkCell(x, y); err != nil {
		return err
	}
	id, cx, cy := h.cellID(x, y)
	c, err := h.LoadChunk(id)
	if err != nil {
		return err
	}
	c.Fill()
	c.SetCell(cx, cy, mask, in)
	return nil
}

func (h *Handler) control(id chunk.ID) *control {
	ctl, ok := h.controls.Get(id)
	if !ok {
		ctl = &control{id: id}
		h.controls.Put(id, ctl)
	}
	return ctl
}

// forget drops the control block once nothing refers to the chunk anymore.
func (h *Handler) forget(ctl *control) {
	if ctl.usage == 0 && ctl.handle == nil && h.grid[h.index(ctl.id)] == nil {
		h.controls.Delete(ctl.id)
	}
}

// Update integrates every finished background load and returns how many
// chunks entered the grid.
func (h *Handler) Update() int {
	var done []*control
	h.controls.Iter(func(_ chunk.ID, ctl *control) bool {
		if ctl.handle != nil && ctl.handle.IsFinished() {
			done = append(done, ctl)
		}
		return false
	})
	var n int
	for _, ctl := range done {
		if h.finish(ctl, true) {
			n++
		}
	}
	return n
}

// finish collects the result of a finished background load. A failed load of a
// used chunk is queued again if `retry` is set and retries are left.
func (h *Handler) finish(ctl *control, retry bool) bool {
	hd := ctl.handle
	ctl.handle = nil
	c, found, err := hd.Take()
	if err != nil {
		h.failed++
		if retry && ctl.usage > 0 && ctl.retries < h.conf.LoadRetries && !errors.Is(err, spool.ErrClosed) {
			ctl.retries++
			logger.Warnf("load chunk %s: %s, retry %d", ctl.id, err, ctl.retries)
			ctl.handle = h.spooler.Load(ctl.id, ctl.priority)
		} else {
			logger.Errorf("load chunk %s: %s", ctl.id, err)
			h.forget(ctl)
		}
		return false
	}
	if h.grid[h.index(ctl.id)] != nil {
		logger.Warnf("chunk %s is resident already, drop the loaded copy", ctl.id)
		if c != nil {
			c.MakeEmpty()
		}
		return false
	}
	h.integrate(ctl, c, found)
	return true
}

func (h *Handler) integrate(ctl *control, c *chunk.Chunk, found bool) {
	if found {
		h.binder.WillIntegrateLoadedChunk(ctl.id, c, h.layout)
	} else {
		c = chunk.New(h.layout)
		h.created++
		h.binder.WillIntegrateNewChunk(ctl.id, c, h.layout)
	}
	h.grid[h.index(ctl.id)] = c
	h.resident++
	h.integrated++
	ctl.retries = 0
	h.binder.DidIntegrateChunk(ctl.id, c, h.layout)
	if ctl.usage == 0 {
		h.markFree(ctl)
	}
}

func (h *Handler) markFree(ctl *control) {
	ctl.free = h.free.PushBack(freeEntry{ctl.id, utils.Now()})
}

// acquire marks `id` as used, asking for it in the background if needed.
func (h *Handler) acquire(id chunk.ID, priority int) {
	ctl := h.control(id)
	ctl.usage++
	if ctl.usage > 1 {
		if priority < ctl.priority {
			ctl.priority = priority
			if ctl.handle != nil {
				ctl.handle.Promote(priority)
			}
		}
		return
	}
	ctl.priority = priority
	if ctl.free != nil {
		h.free.Remove(ctl.free)
		ctl.free = nil
	}
	if h.grid[h.index(id)] == nil && ctl.handle == nil {
		ctl.handle = h.spooler.Load(id, priority)
	}
}

// release undoes acquire. The chunk becomes free once nobody uses it; a load
// still queued for it is cancelled.
func (h *Handler) release(id chunk.ID) {
	ctl, ok := h.controls.Get(id)
	if !ok || ctl.usage == 0 {
		panic("release of unused chunk " + id.String())
	}
	ctl.usage--
	if ctl.usage > 0 {
		return
	}
	if h.grid[h.index(id)] != nil {
		h.markFree(ctl)
		return
	}
	if ctl.handle != nil && ctl.handle.Cancel() {
		ctl.handle = nil
	}
	h.forget(ctl)
}

// Prune evicts the chunks that have been free the longest until at most
// MaxFreeChunks free ones remain, and returns how many were evicted.
func (h *Handler) Prune() int {
	return h.prune(h.conf.MaxFreeChunks)
}

func (h *Handler) prune(keep int) int {
	if h.free.Len() <= keep {
		return 0
	}
	h.spooler.Pause()
	defer h.spooler.Unpause()
	var n int
	for h.free.Len() > keep {
		e := h.free.Front()
		ent := e.Value.(freeEntry)
		ctl, _ := h.controls.Get(ent.id)
		h.free.Remove(e)
		ctl.free = nil
		h.separate(ctl)
		n++
	}
	logger.Debugf("evicted %d free chunks, %d resident", n, h.resident)
	return n
}

// separate hands a resident, unused chunk to the spooler. The spooler must be paused.
func (h *Handler) separate(ctl *control) {
	idx := h.index(ctl.id)
	c := h.grid[idx]
	h.binder.WillSeparateChunk(ctl.id, c, h.layout)
	h.grid[idx] = nil
	h.resident--
	h.evicted++
	h.binder.DidSeparateChunk(ctl.id, c, h.layout)
	h.spooler.UnloadChunk(ctl.id, c)
	h.forget(ctl)
}

// NewActiveArea creates an empty area whose loads use `priority` plus the
// distance to the area's center.
func (h *Handler) NewActiveArea(priority int) *ActiveArea {
	a := &ActiveArea{h: h, priority: priority}
	h.areas[a] = struct{}{}
	return a
}

// Close releases all areas, writes back every resident chunk and stops the
// spooler. The disk handler is flushed if it supports it.
func (h *Handler) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	for a := range h.areas {
		a.Close()
	}
	h.Update()
	h.controls.Iter(func(_ chunk.ID, ctl *control) bool {
		if ctl.handle != nil {
			ctl.handle.Cancel()
		}
		return false
	})
	h.prune(0)
	h.spooler.Close()
	logger.Infof("storage closed: %d integrated, %d created, %d evicted", h.integrated, h.created, h.evicted)
	if f, ok := h.disk.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

func (h *Handler) Stats() Stats {
	st := Stats{
		Resident:   h.resident,
		Free:       h.free.Len(),
		Areas:      len(h.areas),
		Integrated: h.integrated,
		Created:    h.created,
		Evicted:    h.evicted,
		Failed:     h.failed,
		Spool:      h.spooler.Stats(),
	}
	h.controls.Iter(func(_ chunk.ID, ctl *control) bool {
		if ctl.handle != nil {
			st.Pending++
		}
		return false
	})
	return st
}
