// pkg/utils/cond.go

package utils

import (
	"sync"
	"time"
)

// Cond is similar to sync.Cond, but a waiter can give up after a timeout.
type Cond struct {
	L      sync.Locker
	signal chan bool
}

// Signal wakes up a waiter.
func (c *Cond) Signal() {
	select {
	case c.signal <- true:
	default:
	}
}

var timerPool = sync.Pool{
	New: func() interface{} {
		return time.NewTimer(time.Second)
	},
}

// WaitWithTimeout wait for a signal or a period of timeout eclipsed.
// returns true in case of timeout else false
func (c *Cond) WaitWithTimeout(d time.Duration) bool {
	c.L.Unlock()
	t := timerPool.Get().(*time.Timer)
	t.Reset(d)
	defer func() {
		if !t.Stop() {
			select {
			case <-t.C:
			default:
			}
		}
		timerPool.Put(t)
	}()
	defer c.L.Lock()
	select {
	case <-c.signal:
		return false
	case <-t.C:
		return true
	}
}

// WaitUntil blocks until ready() holds. It must be called with L held and
// returns with L held. Every `tick` without a signal, idle() is invoked so the
// caller can log or account the wait; idle may be nil.
func (c *Cond) WaitUntil(ready func() bool, tick time.Duration, idle func()) {
	for !ready() {
		if c.WaitWithTimeout(tick) && idle != nil {
			idle()
		}
	}
}

// NewCond creates a Cond.
func NewCond(lock sync.Locker) *Cond {
	return &Cond{lock, make(chan bool, 1)}
}
