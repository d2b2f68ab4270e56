// pkg/meta/config.go

package meta

import (
	"AveGrid/pkg/chunk"
	"AveGrid/pkg/compress"

	"github.com/pkg/errors"
)

// Format is the immutable description of a world, written once by `format`
// and read back by everything that opens the world.
type Format struct {
	Name          string
	UUID          string
	Storage       string
	Bucket        string
	AccessKey     string
	SecretKey     string `json:",omitempty"`
	GridWidth     int
	GridHeight    int
	CellsX        int
	CellsY        int
	Blocks        string
	Compression   string
	MaxFreeChunks int
	UploadLimit   int64 `json:",omitempty"` // bytes per second
	DownloadLimit int64 `json:",omitempty"`
	Encrypted     bool  `json:",omitempty"`
}

func (f *Format) RemoveSecret() {
	if f.SecretKey != "" {
		f.SecretKey = "removed"
	}
}

// Validate checks the values that cannot be changed once chunks exist.
func (f *Format) Validate() error {
	if f.GridWidth <= 0 || f.GridHeight <= 0 || f.GridWidth > 1<<16 || f.GridHeight > 1<<16 {
		return errors.Errorf("invalid grid size %dx%d", f.GridWidth, f.GridHeight)
	}
	if f.CellsX <= 0 || f.CellsY <= 0 || f.CellsX > 1<<15 || f.CellsY > 1<<15 {
		return errors.Errorf("invalid chunk size %dx%d", f.CellsX, f.CellsY)
	}
	if _, err := chunk.ParseBlocks(f.Blocks); err != nil {
		return err
	}
	if compress.NewCompressor(f.Compression) == nil {
		return errors.Errorf("unsupported compress algorithm: %s", f.Compression)
	}
	if f.MaxFreeChunks < 0 {
		return errors.Errorf("negative max free chunks: %d", f.MaxFreeChunks)
	}
	return nil
}

// Layout returns the chunk layout of the world. Validate must have passed.
func (f *Format) Layout() *chunk.LayoutInfo {
	blocks, _ := chunk.ParseBlocks(f.Blocks)
	return chunk.NewLayoutInfo(f.CellsX, f.CellsY, blocks)
}
