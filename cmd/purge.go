// cmd/purge.go

package main

import (
	"sync/atomic"
	"time"

	"AveGrid/pkg/chunk"
	"AveGrid/pkg/utils"

	"github.com/remeh/sizedwaitgroup"
	"github.com/urfave/cli/v2"
)

func purgeFlags() *cli.Command {
	return &cli.Command{
		Name:      "purge",
		Usage:     "delete the stored chunks inside a rectangle (bounds included)",
		ArgsUsage: "STORE X0 Y0 X1 Y1",
		Action:    purge,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "threads",
				Value: 10,
				Usage: "number of concurrent deletions",
			},
		},
	}
}

func purge(ctx *cli.Context) error {
	setLoggerLevel(ctx)
	if ctx.Args().Len() < 5 {
		logger.Fatalf("STORE X0 Y0 X1 Y1 are needed")
	}
	format, blob := openWorld(ctx)
	x0 := parseCoord(ctx.Args().Get(1), format.GridWidth)
	y0 := parseCoord(ctx.Args().Get(2), format.GridHeight)
	x1 := parseCoord(ctx.Args().Get(3), format.GridWidth)
	y1 := parseCoord(ctx.Args().Get(4), format.GridHeight)
	if x1 < x0 {
		x0, x1 = x1, x0
	}
	if y1 < y0 {
		y0, y1 = y1, y0
	}

	start := time.Now()
	progress, bar := utils.NewDynProgressBar("purging chunks: ", ctx.Bool("quiet"))
	bar.SetTotal(int64(x1-x0+1)*int64(y1-y0+1), false)
	var failed int64
	swg := sizedwaitgroup.New(utils.Max(ctx.Int("threads"), 1))
	for y := int(y0); y <= int(y1); y++ {
		for x := int(x0); x <= int(x1); x++ {
			id := chunk.ID{X: uint16(x), Y: uint16(y)}
			swg.Add()
			go func() {
				defer swg.Done()
				if err := blob.Delete(id.Key()); err != nil {
					logger.Errorf("delete chunk %s: %s", id, err)
					atomic.AddInt64(&failed, 1)
				}
				bar.Increment()
			}()
		}
	}
	swg.Wait()
	bar.SetTotal(-1, true)
	progress.Wait()
	if failed > 0 {
		logger.Fatalf("%d chunks could not be deleted", failed)
	}
	logger.Infof("Purged %d chunks of %s in %s", bar.Current(), format.Name, time.Since(start))
	return nil
}
