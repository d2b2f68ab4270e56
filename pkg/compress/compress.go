// pkg/compress/compress.go

package compress

import (
	"fmt"
	"strings"

	"github.com/DataDog/zstd"
	"github.com/hungys/go-lz4"
	"github.com/pkg/errors"
)

// ZSTD_LEVEL is the default compression level used by zstd.
const ZSTD_LEVEL = 1

// Compressor compresses a whole chunk payload into a caller supplied buffer.
type Compressor interface {
	Name() string
	CompressBound(int) int
	Compress(dst, src []byte) (int, error)
	Decompress(dst, src []byte) (int, error)
}

// NewCompressor returns the compressor for `algr`, or nil if it is unknown.
func NewCompressor(algr string) Compressor {
	algr = strings.ToLower(algr)
	if algr == "zstd" {
		return ZStandard{ZSTD_LEVEL}
	} else if algr == "lz4" {
		return LZ4{}
	} else if algr == "none" || algr == "" {
		return noOp{}
	}
	return nil
}

// Algorithms lists the names accepted by NewCompressor, in the order of their on-disk ids.
var Algorithms = []string{"none", "lz4", "zstd"}

// ID returns the on-disk id of `c`.
func ID(c Compressor) uint8 {
	for i, name := range Algorithms {
		if name == c.Name() {
			return uint8(i)
		}
	}
	panic(fmt.Sprintf("unregistered compressor %s", c.Name()))
}

// ByID is the inverse of ID.
func ByID(id uint8) Compressor {
	if int(id) >= len(Algorithms) {
		return nil
	}
	return NewCompressor(Algorithms[id])
}

type noOp struct{}

func (n noOp) Name() string            { return "none" }
func (n noOp) CompressBound(l int) int { return l }
func (n noOp) Compress(dst, src []byte) (int, error) {
	if len(dst) < len(src) {
		return 0, errors.Errorf("buffer too short: %d < %d", len(dst), len(src))
	}
	copy(dst, src)
	return len(src), nil
}
func (n noOp) Decompress(dst, src []byte) (int, error) {
	if len(dst) < len(src) {
		return 0, errors.Errorf("buffer too short: %d < %d", len(dst), len(src))
	}
	copy(dst, src)
	return len(src), nil
}

// ZStandard trades speed for ratio; a good fit for the persistent tier.
type ZStandard struct {
	level int
}

func (n ZStandard) Name() string {
	return "zstd"
}

func (n ZStandard) CompressBound(l int) int {
	return zstd.CompressBound(l)
}

func (n ZStandard) Compress(dst, src []byte) (int, error) {
	d, err := zstd.CompressLevel(dst, src, n.level)
	if err != nil {
		return 0, err
	}
	if len(d) > 0 && len(dst) > 0 && &d[0] != &dst[0] {
		return 0, errors.Errorf("buffer too short: %d < %d", cap(dst), cap(d))
	}
	return len(d), err
}

func (n ZStandard) Decompress(dst, src []byte) (int, error) {
	d, err := zstd.Decompress(dst, src)
	if err != nil {
		return 0, err
	}
	if len(d) > 0 && len(dst) > 0 && &d[0] != &dst[0] {
		return 0, errors.Errorf("buffer too short: %d < %d", len(dst), len(d))
	}
	return len(d), err
}

// LZ4 is fast enough to keep on the load path of the spooler.
type LZ4 struct{}

func (l LZ4) Name() string {
	return "lz4"
}

func (l LZ4) CompressBound(size int) int {
	return lz4.CompressBound(size)
}

func (l LZ4) Compress(dst, src []byte) (int, error) {
	return lz4.CompressDefault(src, dst)
}

func (l LZ4) Decompress(dst, src []byte) (int, error) {
	return lz4.DecompressSafe(src, dst)
}
