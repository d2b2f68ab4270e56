// cmd/info.go

package main

import (
	"fmt"
	"strconv"

	"AveGrid/pkg/chunk"
	"AveGrid/pkg/object"

	"github.com/urfave/cli/v2"
)

func infoFlags() *cli.Command {
	return &cli.Command{
		Name:      "info",
		Usage:     "show the stored header of chunks",
		ArgsUsage: "STORE X Y [X Y ...]",
		Action:    info,
	}
}

func parseCoord(s string, limit int) uint16 {
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 || v >= limit {
		logger.Fatalf("invalid chunk coordinate %q, should be in [0, %d)", s, limit)
	}
	return uint16(v)
}

func info(ctx *cli.Context) error {
	setLoggerLevel(ctx)
	if ctx.Args().Len() < 3 || ctx.Args().Len()%2 != 1 {
		logger.Fatalf("STORE and pairs of X Y are needed")
	}
	format, blob := openWorld(ctx)
	layout := format.Layout()
	for i := 1; i+1 < ctx.Args().Len(); i += 2 {
		id := chunk.ID{
			X: parseCoord(ctx.Args().Get(i), format.GridWidth),
			Y: parseCoord(ctx.Args().Get(i+1), format.GridHeight),
		}
		data, err := object.ReadAll(blob, id.Key())
		if object.IsNotFound(err) {
			fmt.Printf("%s: not stored\n", id)
			continue
		}
		if err != nil {
			logger.Errorf("read chunk %s: %s", id, err)
			continue
		}
		h, err := chunk.ReadHeader(data)
		if err != nil {
			logger.Errorf("chunk %s: %s", id, err)
			continue
		}
		fmt.Printf("%s:\n", id)
		fmt.Printf("  version: %d\n", h.Version)
		fmt.Printf("  empty: %v\n", h.Empty)
		fmt.Printf("  cells: %dx%d\n", h.CellsX, h.CellsY)
		fmt.Printf("  blocks: %s\n", h.Blocks)
		fmt.Printf("  compression: %s (%d -> %d bytes)\n", h.Compression, h.RawLen, h.PayloadLen)
		fmt.Printf("  extension: %d bytes\n", h.ExtLen)
		fmt.Printf("  checksum: %016x\n", h.Checksum)
		if _, err = chunk.Decode(data, layout); err != nil {
			fmt.Printf("  invalid: %s\n", err)
		}
	}
	return nil
}
