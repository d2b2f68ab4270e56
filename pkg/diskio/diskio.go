// pkg/diskio/diskio.go

package diskio

import (
	"AveGrid/pkg/chunk"
	"AveGrid/pkg/utils"
)

var logger = utils.GetLogger("avegrid")

// Handler is the persistence boundary used by the spooler. A miss is reported
// as found == false with a nil error; errors are reserved for I/O failures and
// corrupted data.
type Handler interface {
	LoadFromRuntimeCache(id chunk.ID) (c *chunk.Chunk, found bool, err error)
	LoadFromPersistentCache(id chunk.ID) (c *chunk.Chunk, found bool, err error)
	// StoreInRuntimeCache borrows `c` for the duration of the call. It does not
	// guarantee the chunk reaches the persistent tier.
	StoreInRuntimeCache(c *chunk.Chunk, id chunk.ID)
}

// LoadChunk tries the runtime cache first and falls back to the persistent one.
func LoadChunk(h Handler, id chunk.ID) (*chunk.Chunk, bool, error) {
	c, found, err := h.LoadFromRuntimeCache(id)
	if err != nil || found {
		return c, found, err
	}
	return h.LoadFromPersistentCache(id)
}

// UnloadChunk always writes to the runtime cache.
func UnloadChunk(h Handler, id chunk.ID, c *chunk.Chunk) {
	h.StoreInRuntimeCache(c, id)
}
