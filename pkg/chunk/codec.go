// pkg/chunk/codec.go

package chunk

import (
	"encoding"

	"AveGrid/pkg/compress"
	"AveGrid/pkg/utils"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

const (
	magic         = 0x4B434741 // "AGCK"
	formatVersion = 1
	headerSize    = 32

	flagEmpty = 1 << 0
)

var (
	// ErrCorrupted is returned when a stored chunk fails validation.
	ErrCorrupted = errors.New("corrupted chunk")
	// ErrLayoutMismatch is returned when a stored chunk was written with another layout.
	ErrLayoutMismatch = errors.New("chunk layout mismatch")
)

// Encode serializes `c` for storage. The extension is kept when it is a
// RawExtension or implements encoding.BinaryMarshaler; other extensions are
// not persisted.
func Encode(c *Chunk, comp compress.Compressor) ([]byte, error) {
	var ext []byte
	switch e := c.ext.(type) {
	case nil:
	case RawExtension:
		ext = e
	case encoding.BinaryMarshaler:
		var err error
		if ext, err = e.MarshalBinary(); err != nil {
			return nil, errors.Wrap(err, "marshal extension")
		}
	default:
		logger.Debugf("extension %T is not persisted", e)
	}

	raw := c.Bytes()
	buf := make([]byte, headerSize+len(ext)+comp.CompressBound(len(raw)))
	var n int
	if len(raw) > 0 {
		var err error
		n, err = comp.Compress(buf[headerSize+len(ext):], raw)
		if err != nil {
			return nil, errors.Wrapf(err, "compress %d bytes with %s", len(raw), comp.Name())
		}
	}
	copy(buf[headerSize:], ext)
	buf = buf[:headerSize+len(ext)+n]

	var flags uint8
	if c.IsEmpty() {
		flags |= flagEmpty
	}
	w := utils.FromBuffer(buf)
	w.Put32(magic)
	w.Put8(formatVersion)
	w.Put8(flags)
	w.Put8(compress.ID(comp))
	w.Put8(uint8(c.layout.blocks))
	w.Put16(uint16(c.layout.cellsX))
	w.Put16(uint16(c.layout.cellsY))
	w.Put32(uint32(len(ext)))
	w.Put32(uint32(len(raw)))
	w.Put32(uint32(n))
	w.Put64(xxhash.Sum64(buf[headerSize:]))
	return buf, nil
}

// Header is the decoded preamble of a stored chunk.
type Header struct {
	Version     uint8
	Empty       bool
	Compression string
	Blocks      BuildingBlocks
	CellsX      int
	CellsY      int
	ExtLen      int
	RawLen      int
	PayloadLen  int
	Checksum    uint64
}

// ReadHeader validates the preamble and checksum of a stored chunk.
func ReadHeader(data []byte) (*Header, error) {
	if len(data) < headerSize {
		return nil, errors.Wrapf(ErrCorrupted, "%d bytes is too short", len(data))
	}
	r := utils.ReadBuffer(data)
	if m := r.Get32(); m != magic {
		return nil, errors.Wrapf(ErrCorrupted, "bad magic %#x", m)
	}
	h := &Header{Version: r.Get8()}
	if h.Version != formatVersion {
		return nil, errors.Wrapf(ErrCorrupted, "unsupported version %d", h.Version)
	}
	h.Empty = r.Get8()&flagEmpty != 0
	comp := compress.ByID(r.Get8())
	if comp == nil {
		return nil, errors.Wrap(ErrCorrupted, "unknown compression")
	}
	h.Compression = comp.Name()
	h.Blocks = BuildingBlocks(r.Get8())
	h.CellsX = int(r.Get16())
	h.CellsY = int(r.Get16())
	h.ExtLen = int(r.Get32())
	h.RawLen = int(r.Get32())
	h.PayloadLen = int(r.Get32())
	h.Checksum = r.Get64()
	if r.Left() != h.ExtLen+h.PayloadLen {
		return nil, errors.Wrapf(ErrCorrupted, "expect %d bytes after header, got %d", h.ExtLen+h.PayloadLen, r.Left())
	}
	if sum := xxhash.Sum64(data[headerSize:]); sum != h.Checksum {
		return nil, errors.Wrapf(ErrCorrupted, "checksum %x != %x", sum, h.Checksum)
	}
	return h, nil
}

// Decode rebuilds a chunk written by Encode. A persisted extension comes
// back as a RawExtension.
func Decode(data []byte, layout *LayoutInfo) (*Chunk, error) {
	h, err := ReadHeader(data)
	if err != nil {
		return nil, err
	}
	if h.Blocks != layout.blocks || h.CellsX != layout.cellsX || h.CellsY != layout.cellsY {
		return nil, errors.Wrapf(ErrLayoutMismatch, "stored %dx%d[%s], expect %s", h.CellsX, h.CellsY, h.Blocks, layout)
	}
	c := NewEmpty(layout)
	if h.ExtLen > 0 {
		ext := make(RawExtension, h.ExtLen)
		copy(ext, data[headerSize:headerSize+h.ExtLen])
		c.ext = ext
	}
	if h.Empty {
		return c, nil
	}
	if h.RawLen != layout.Size() {
		return nil, errors.Wrapf(ErrCorrupted, "payload of %d bytes, expect %d", h.RawLen, layout.Size())
	}
	c.Fill()
	payload := data[headerSize+h.ExtLen:]
	n, err := compress.NewCompressor(h.Compression).Decompress(c.Bytes(), payload)
	if err == nil && n != h.RawLen {
		err = errors.Errorf("decompressed %d bytes, expect %d", n, h.RawLen)
	}
	if err != nil {
		c.MakeEmpty()
		return nil, errors.Wrapf(ErrCorrupted, "decompress: %s", err)
	}
	return c, nil
}
