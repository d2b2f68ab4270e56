// pkg/spool/spooler.go

package spool

import (
	"container/heap"
	"container/list"
	"sync"
	"time"

	"AveGrid/pkg/chunk"
	"AveGrid/pkg/diskio"
	"AveGrid/pkg/utils"

	"github.com/dolthub/swiss"
	"github.com/pkg/errors"
)

var logger = utils.GetLogger("avegrid")

var (
	// ErrClosed is delivered to loads still pending when the spooler is closed.
	ErrClosed = errors.New("spooler closed")
	// ErrTaken is returned by a second Take on the same handle.
	ErrTaken = errors.New("chunk already taken")
)

// LoadRequest asks for a chunk; a lower priority is served earlier.
type LoadRequest struct {
	ID       chunk.ID
	Priority int
}

// Stats of a Spooler.
type Stats struct {
	PendingLoads   int
	PendingUnloads int
	ServedLoads    int64
	ServedUnloads  int64
	SyncLoads      int64
	Steals         int64
	Merges         int64
	Cancelled      int64
	NotFound       int64
	Errors         int64
	UnloadPriority int
	Escalated      bool
	Paused         bool
	Running        bool
}

// Spooler runs chunk I/O on a single background worker. At most one request
// per chunk id is pending, and the worker executes one request at a time.
type Spooler struct {
	conf Config
	disk diskio.Handler

	mu       sync.Mutex
	cond     *utils.Cond
	pending  *swiss.Map[chunk.ID, *request]
	loads    loadQueue
	unloads  *list.List
	seq      int64
	paused   bool
	running  bool
	stopping bool
	closed   bool

	unloadPriority int
	escalated      bool

	busy     bool
	busyID   chunk.ID
	busyDone chan struct{}

	stats Stats
	wg    sync.WaitGroup
}

// New creates a stopped spooler; requests queue up until Start.
func New(disk diskio.Handler, conf *Config) *Spooler {
	if conf == nil {
		conf = DefaultConfig()
	}
	s := &Spooler{
		conf:    *conf,
		disk:    disk,
		pending: swiss.NewMap[chunk.ID, *request](64),
		unloads: list.New(),
	}
	s.conf.check()
	s.loads.step = int64(s.conf.AgingStep)
	s.unloadPriority = s.conf.DefaultUnloadPriority
	s.cond = utils.NewCond(&s.mu)
	return s
}

// Start launches the worker.
func (s *Spooler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.closed {
		return
	}
	s.running = true
	s.wg.Add(1)
	go s.run()
}

func (s *Spooler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Pause stops the worker from starting new requests. A request already being
// executed still finishes.
func (s *Spooler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

func (s *Spooler) Unpause() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *Spooler) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Load is LoadChunks for a single request.
func (s *Spooler) Load(id chunk.ID, priority int) *Handle {
	return s.LoadChunks([]LoadRequest{{id, priority}})[0]
}

// LoadChunks queues the requests and returns one handle per request. A load
// for a chunk with a pending unload takes that chunk without any disk access.
// A second load of a pending id keeps the better priority and shares the
// existing handle.
func (s *Spooler) LoadChunks(reqs []LoadRequest) []*Handle {
	handles := make([]*Handle, len(reqs))
	s.mu.Lock()
	for i, req := range reqs {
		handles[i] = s.enqueueLoad(req)
	}
	s.mu.Unlock()
	s.cond.Signal()
	return handles
}

// locked
func (s *Spooler) enqueueLoad(req LoadRequest) *Handle {
	if s.closed {
		h := newHandle(s, req.ID)
		h.finish(nil, false, ErrClosed)
		return h
	}
	if r, ok := s.pending.Get(req.ID); ok {
		if r.kind == unloadRequest {
			s.remove(r)
			s.stats.Steals++
			logger.Debugf("load %s steals pending unload", req.ID)
			h := newHandle(s, req.ID)
			h.finish(r.chunk, true, nil)
			return h
		}
		s.stats.Merges++
		logger.Warnf("duplicate load for %s (priority %d, pending %d), merged", req.ID, req.Priority, r.priority)
		if req.Priority < r.priority {
			r.priority = req.Priority
			heap.Fix(&s.loads, r.index)
		}
		return r.handle
	}
	r := &request{id: req.ID, kind: loadRequest, priority: req.Priority, seq: s.seq}
	s.seq++
	r.handle = newHandle(s, req.ID)
	heap.Push(&s.loads, r)
	s.pending.Put(req.ID, r)
	return r.handle
}

// UnloadChunk hands `c` over for write-back and returns the number of pending
// unloads. The spooler must be paused. A pending load of the same id is
// fulfilled with `c` directly; a pending unload of the same id is replaced.
func (s *Spooler) UnloadChunk(id chunk.ID, c *chunk.Chunk) int {
	s.mu.Lock()
	if !s.paused && !s.closed {
		s.mu.Unlock()
		panic("unload chunk " + id.String() + " while the spooler is not paused")
	}
	if s.closed {
		s.mu.Unlock()
		logger.Warnf("spooler is closed, write %s synchronously", id)
		diskio.UnloadChunk(s.disk, id, c)
		c.MakeEmpty()
		return 0
	}
	defer s.mu.Unlock()
	if r, ok := s.pending.Get(id); ok {
		if r.kind == loadRequest {
			s.remove(r)
			s.stats.Steals++
			logger.Debugf("unload %s fulfils pending load", id)
			r.handle.finish(c, true, nil)
			return s.unloads.Len()
		}
		s.stats.Merges++
		logger.Warnf("duplicate unload for %s, replace the pending one", id)
		if r.chunk != c {
			r.chunk.MakeEmpty()
		}
		r.chunk = c
		return s.unloads.Len()
	}
	r := &request{id: id, kind: unloadRequest, chunk: c, index: -1}
	r.elem = s.unloads.PushBack(r)
	s.pending.Put(id, r)
	return s.unloads.Len()
}

// locked
func (s *Spooler) remove(r *request) {
	s.pending.Delete(r.id)
	if r.kind == loadRequest {
		heap.Remove(&s.loads, r.index)
	} else {
		s.unloads.Remove(r.elem)
		r.elem = nil
	}
}

func (s *Spooler) cancel(h *Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.pending.Get(h.id)
	if !ok || r.handle != h {
		return false
	}
	s.remove(r)
	s.stats.Cancelled++
	logger.Debugf("cancel load of %s", h.id)
	return true
}

func (s *Spooler) promote(h *Handle, priority int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.pending.Get(h.id)
	if !ok || r.handle != h {
		return false
	}
	if priority < r.priority {
		r.priority = priority
		heap.Fix(&s.loads, r.index)
	}
	return true
}

// LoadNow loads `id` on the calling goroutine. It waits for the worker if it is
// busy with the same id, takes a pending unload, and drops a pending load,
// whose handle then never finishes.
func (s *Spooler) LoadNow(id chunk.ID) (*chunk.Chunk, bool, error) {
	s.mu.Lock()
	for s.busy && s.busyID == id {
		done := s.busyDone
		s.mu.Unlock()
		<-done
		s.mu.Lock()
	}
	if r, ok := s.pending.Get(id); ok {
		s.remove(r)
		if r.kind == unloadRequest {
			s.stats.Steals++
			s.mu.Unlock()
			return r.chunk, true, nil
		}
		s.stats.Cancelled++
		logger.Debugf("synchronous load of %s drops the queued one", id)
	}
	s.stats.SyncLoads++
	s.mu.Unlock()

	c, found, err := diskio.LoadChunk(s.disk, id)
	if err != nil {
		s.mu.Lock()
		s.stats.Errors++
		s.mu.Unlock()
	}
	return c, found, err
}

// pick chooses the next request to serve and removes it from the queues.
// locked
func (s *Spooler) pick() *request {
	nLoads, nUnloads := s.loads.Len(), s.unloads.Len()
	if nLoads == 0 && nUnloads == 0 {
		return nil
	}
	if nUnloads == 0 {
		r := s.loads.best()
		s.remove(r)
		s.leaveEscalation()
		s.unloadPriority = s.conf.DefaultUnloadPriority
		return r
	}
	var r *request
	switch {
	case nLoads == 0 || s.stopping:
		r = s.unloads.Front().Value.(*request)
	case nUnloads >= s.conf.UnloadBacklog:
		if !s.escalated {
			s.escalated = true
			logger.Infof("%d unloads pending, serve unloads first", nUnloads)
		}
		s.unloadPriority = s.conf.UrgentUnloadPriority
		r = s.unloads.Front().Value.(*request)
	default:
		if best := s.loads.best(); s.loads.effective(best, s.seq) <= s.unloadPriority {
			r = best
		} else {
			r = s.unloads.Front().Value.(*request)
		}
	}
	s.remove(r)

	if r.kind == loadRequest {
		if s.unloadPriority > s.conf.UrgentUnloadPriority {
			s.unloadPriority--
		}
	} else if s.escalated {
		if s.unloads.Len() < s.conf.UnloadBacklog {
			s.leaveEscalation()
			s.unloadPriority = s.conf.DefaultUnloadPriority
		}
	} else {
		s.unloadPriority = utils.Min(s.unloadPriority+s.conf.LoadsPerUnload, s.conf.DefaultUnloadPriority)
	}
	return r
}

// locked
func (s *Spooler) leaveEscalation() {
	if s.escalated {
		s.escalated = false
		logger.Infof("unload backlog drained to %d", s.unloads.Len())
	}
}

func (s *Spooler) ready() bool {
	if s.stopping {
		return true
	}
	return !s.paused && s.pending.Count() > 0
}

func (s *Spooler) run() {
	defer s.wg.Done()
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		s.cond.WaitUntil(s.ready, time.Second, nil)
		r := s.pick()
		if r == nil {
			if s.stopping {
				return
			}
			continue
		}
		s.busy, s.busyID, s.busyDone = true, r.id, make(chan struct{})
		s.mu.Unlock()
		s.execute(r)
		s.mu.Lock()
		s.busy = false
		close(s.busyDone)
	}
}

func (s *Spooler) execute(r *request) {
	start := time.Now()
	if r.kind == unloadRequest {
		diskio.UnloadChunk(s.disk, r.id, r.chunk)
		r.chunk.MakeEmpty()
		s.mu.Lock()
		s.stats.ServedUnloads++
		s.mu.Unlock()
		logger.Debugf("unload %s <%.6f>", r.id, time.Since(start).Seconds())
		return
	}
	c, found, err := diskio.LoadChunk(s.disk, r.id)
	s.mu.Lock()
	s.stats.ServedLoads++
	if err != nil {
		s.stats.Errors++
	} else if !found {
		s.stats.NotFound++
	}
	s.mu.Unlock()
	if err != nil {
		logger.Errorf("load %s: %s", r.id, err)
	} else {
		logger.Debugf("load %s (priority %d, found %v) <%.6f>", r.id, r.priority, found, time.Since(start).Seconds())
	}
	r.handle.finish(c, found, err)
}

// Close writes back every pending unload, fails pending loads with ErrClosed
// and stops the worker. Unloads handed over after Close are written
// synchronously.
func (s *Spooler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.stopping = true
	var cancelled []*Handle
	for s.loads.Len() > 0 {
		r := s.loads.best()
		s.remove(r)
		cancelled = append(cancelled, r.handle)
	}
	if !s.running {
		s.running = true
		s.wg.Add(1)
		go s.run()
	}
	s.mu.Unlock()
	for _, h := range cancelled {
		h.finish(nil, false, ErrClosed)
	}
	s.cond.Signal()
	s.wg.Wait()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	st := s.Stats()
	logger.Debugf("spooler closed: %d loads, %d unloads served", st.ServedLoads, st.ServedUnloads)
}

func (s *Spooler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.PendingLoads = s.loads.Len()
	st.PendingUnloads = s.unloads.Len()
	st.UnloadPriority = s.unloadPriority
	st.Escalated = s.escalated
	st.Paused = s.paused
	st.Running = s.running
	return st
}
