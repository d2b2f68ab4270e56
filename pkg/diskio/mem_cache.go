// pkg/diskio/mem_cache.go

package diskio

import (
	"sync"
	"time"

	"AveGrid/pkg/chunk"
)

type memItem struct {
	atime time.Time
	data  []byte
	dirty bool
}

// memCache is the runtime tier: encoded chunks kept in memory. Dirty items
// pushed out by cleanup move to `flushing` until the persistent tier has them,
// so a load never misses data that is on its way to disk.
type memCache struct {
	sync.Mutex
	capacity int64
	used     int64
	pages    map[chunk.ID]memItem
	flushing map[chunk.ID][]byte
}

func newMemCache(capacity int64) *memCache {
	return &memCache{
		capacity: capacity,
		pages:    make(map[chunk.ID]memItem),
		flushing: make(map[chunk.ID][]byte),
	}
}

func (c *memCache) stats() (int64, int64) {
	c.Lock()
	defer c.Unlock()
	return int64(len(c.pages)), c.used
}

// cache stores `data` as the newest version of `id` and returns the dirty
// items evicted to make room, which the caller must persist.
func (c *memCache) cache(id chunk.ID, data []byte, dirty bool) map[chunk.ID][]byte {
	c.Lock()
	defer c.Unlock()
	if item, ok := c.pages[id]; ok {
		c.used -= int64(len(item.data))
		dirty = dirty || item.dirty
	}
	c.pages[id] = memItem{time.Now(), data, dirty}
	c.used += int64(len(data))
	if c.used > c.capacity {
		return c.cleanup(id)
	}
	return nil
}

func (c *memCache) delete(id chunk.ID, item memItem) {
	c.used -= int64(len(item.data))
	delete(c.pages, id)
}

func (c *memCache) remove(id chunk.ID) {
	c.Lock()
	defer c.Unlock()
	if item, ok := c.pages[id]; ok {
		c.delete(id, item)
		logger.Debugf("remove %s from runtime cache", id)
	}
	delete(c.flushing, id)
}

func (c *memCache) load(id chunk.ID) ([]byte, bool) {
	c.Lock()
	defer c.Unlock()
	if item, ok := c.pages[id]; ok {
		item.atime = time.Now()
		c.pages[id] = item
		return item.data, true
	}
	if data, ok := c.flushing[id]; ok {
		return data, true
	}
	return nil, false
}

// locked
func (c *memCache) evict(id chunk.ID, item memItem, evicted map[chunk.ID][]byte) map[chunk.ID][]byte {
	c.delete(id, item)
	if !item.dirty {
		return evicted
	}
	if evicted == nil {
		evicted = make(map[chunk.ID][]byte)
	}
	evicted[id] = item.data
	c.flushing[id] = item.data
	return evicted
}

// locked
func (c *memCache) cleanup(keep chunk.ID) map[chunk.ID][]byte {
	var evicted map[chunk.ID][]byte
	var cnt int
	var lastKey chunk.ID
	var lastValue memItem
	var now = time.Now()
	// for each two random keys, then compare the access time, evict the older one
	for k, v := range c.pages {
		if k == keep {
			continue
		}
		if cnt == 0 || lastValue.atime.After(v.atime) {
			lastKey = k
			lastValue = v
		}
		cnt++
		if cnt > 1 {
			logger.Debugf("remove %s from runtime cache, age: %s", lastKey, now.Sub(lastValue.atime))
			evicted = c.evict(lastKey, lastValue, evicted)
			cnt = 0
			if c.used <= c.capacity {
				break
			}
		}
	}
	if cnt == 1 && c.used > c.capacity {
		evicted = c.evict(lastKey, lastValue, evicted)
	}
	return evicted
}

// flushed forgets the in-flight copy of `id` once it is persisted, unless a
// newer version replaced it meanwhile.
func (c *memCache) flushed(id chunk.ID, data []byte) {
	c.Lock()
	defer c.Unlock()
	if cur, ok := c.flushing[id]; ok && len(cur) == len(data) && (len(cur) == 0 || &cur[0] == &data[0]) {
		delete(c.flushing, id)
	}
}

// dirtyItems returns every item not yet persisted.
func (c *memCache) dirtyItems() map[chunk.ID][]byte {
	c.Lock()
	defer c.Unlock()
	items := make(map[chunk.ID][]byte, len(c.flushing))
	for k, v := range c.flushing {
		items[k] = v
	}
	for k, v := range c.pages {
		if v.dirty {
			items[k] = v.data
		}
	}
	return items
}

// markClean clears the dirty flag of `id` if `data` is still its current version.
func (c *memCache) markClean(id chunk.ID, data []byte) {
	c.Lock()
	defer c.Unlock()
	if item, ok := c.pages[id]; ok && len(item.data) > 0 && len(data) > 0 && &item.data[0] == &data[0] {
		item.dirty = false
		c.pages[id] = item
	}
}
