// pkg/storage/binder.go

package storage

import "AveGrid/pkg/chunk"

// Binder is notified on the simulation goroutine whenever a chunk enters or
// leaves the resident grid, so the world can attach or detach extensions.
type Binder interface {
	WillIntegrateNewChunk(id chunk.ID, c *chunk.Chunk, layout *chunk.LayoutInfo)
	WillIntegrateLoadedChunk(id chunk.ID, c *chunk.Chunk, layout *chunk.LayoutInfo)
	DidIntegrateChunk(id chunk.ID, c *chunk.Chunk, layout *chunk.LayoutInfo)
	WillSeparateChunk(id chunk.ID, c *chunk.Chunk, layout *chunk.LayoutInfo)
	DidSeparateChunk(id chunk.ID, c *chunk.Chunk, layout *chunk.LayoutInfo)
}

// NopBinder ignores every notification.
type NopBinder struct{}

func (NopBinder) WillIntegrateNewChunk(chunk.ID, *chunk.Chunk, *chunk.LayoutInfo)    {}
func (NopBinder) WillIntegrateLoadedChunk(chunk.ID, *chunk.Chunk, *chunk.LayoutInfo) {}
func (NopBinder) DidIntegrateChunk(chunk.ID, *chunk.Chunk, *chunk.LayoutInfo)        {}
func (NopBinder) WillSeparateChunk(chunk.ID, *chunk.Chunk, *chunk.LayoutInfo)        {}
func (NopBinder) DidSeparateChunk(chunk.ID, *chunk.Chunk, *chunk.LayoutInfo)         {}
