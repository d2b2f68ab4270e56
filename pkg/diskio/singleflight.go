// pkg/diskio/singleflight.go

package diskio

import (
	"sync"

	"AveGrid/pkg/chunk"
)

type request struct {
	wg  sync.WaitGroup
	val []byte
	err error
}

// Controller collapses concurrent reads of the same chunk into one: the
// spooler worker and a blocking load on the simulation goroutine may ask for
// the same id at once.
type Controller struct {
	sync.Mutex
	rs map[chunk.ID]*request
}

// Execute runs fn once for all concurrent callers with the same id. The
// returned bytes are shared and must not be modified.
func (con *Controller) Execute(id chunk.ID, fn func() ([]byte, error)) ([]byte, error) {
	con.Lock()
	if con.rs == nil {
		con.rs = make(map[chunk.ID]*request)
	}
	if c, ok := con.rs[id]; ok {
		con.Unlock()
		c.wg.Wait()
		return c.val, c.err
	}
	c := new(request)
	c.wg.Add(1)
	con.rs[id] = c
	con.Unlock()

	c.val, c.err = fn()
	c.wg.Done()

	con.Lock()
	delete(con.rs, id)
	con.Unlock()

	return c.val, c.err
}
