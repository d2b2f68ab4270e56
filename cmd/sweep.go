// cmd/sweep.go

package main

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"time"

	"AveGrid/pkg/chunk"
	"AveGrid/pkg/diskio"
	"AveGrid/pkg/spool"
	"AveGrid/pkg/storage"
	"AveGrid/pkg/utils"

	"github.com/juicedata/godaemon"
	"github.com/urfave/cli/v2"
)

func sweepFlags() *cli.Command {
	var defaultLogDir = "/var/log"
	switch runtime.GOOS {
	case "darwin":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			logger.Fatalf("%v", err)
			return nil
		}
		defaultLogDir = path.Join(homeDir, ".avegrid")
	}
	return &cli.Command{
		Name:      "sweep",
		Usage:     "move an active area across the whole world, loading or creating every chunk",
		ArgsUsage: "STORE",
		Action:    sweep,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "radius",
				Value: 2,
				Usage: "radius of the active area in chunks",
			},
			&cli.Int64Flag{
				Name:  "cache-size",
				Value: 256,
				Usage: "size of the runtime cache in MiB",
			},
			&cli.IntFlag{
				Name:  "unload-backlog",
				Value: 256,
				Usage: "number of queued unloads that makes write-back urgent",
			},
			&cli.BoolFlag{
				Name:  "off-heap",
				Usage: "allocate chunk memory outside of the Go heap",
			},
			&cli.BoolFlag{
				Name:    "d",
				Aliases: []string{"background"},
				Usage:   "run in background",
			},
			&cli.StringFlag{
				Name:  "log",
				Value: path.Join(defaultLogDir, "avegrid.log"),
				Usage: "path of log file when running in background",
			},
		},
	}
}

func makeDaemon(c *cli.Context, store string) error {
	var attrs godaemon.DaemonAttr
	attrs.OnExit = func(stage int) error {
		if stage != 0 {
			return nil
		}
		logger.Infof("sweep of %s is running in background, log: %s", store, c.String("log"))
		return nil
	}

	// the current dir will be changed to root in daemon,
	// so a local store has to be an absolute path.
	if godaemon.Stage() == 0 {
		if utils.Exists(store) {
			for i, a := range os.Args {
				if a == store {
					abs, err := filepath.Abs(store)
					if err == nil {
						os.Args[i] = abs
					} else {
						logger.Warnf("abs of %s: %s", store, err)
					}
				}
			}
		}
		var err error
		logfile := c.String("log")
		attrs.Stdout, err = os.OpenFile(logfile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			logger.Errorf("open log file %s: %s", logfile, err)
		}
	}
	_, _, err := godaemon.MakeDaemon(&attrs)
	return err
}

// sweepBinder counts how chunks enter the grid.
type sweepBinder struct {
	storage.NopBinder
	created, loaded int
}

func (b *sweepBinder) WillIntegrateNewChunk(id chunk.ID, c *chunk.Chunk, layout *chunk.LayoutInfo) {
	b.created++
}

func (b *sweepBinder) WillIntegrateLoadedChunk(id chunk.ID, c *chunk.Chunk, layout *chunk.LayoutInfo) {
	b.loaded++
}

// waitArea integrates finished loads until every chunk under the area is
// resident. Chunks still missing after `timeout` are loaded synchronously.
func waitArea(h *storage.Handler, r storage.Rect, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for {
		h.Update()
		var missing []chunk.ID
		for y := r.Y0; y < r.Y1; y++ {
			for x := r.X0; x < r.X1; x++ {
				if id := (chunk.ID{X: uint16(x), Y: uint16(y)}); h.Chunk(id) == nil {
					missing = append(missing, id)
				}
			}
		}
		if len(missing) == 0 {
			return
		}
		if time.Now().After(deadline) {
			for _, id := range missing {
				if _, err := h.LoadChunk(id); err != nil {
					logger.Errorf("skip chunk %s: %s", id, err)
				}
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
}

func sweep(c *cli.Context) error {
	setLoggerLevel(c)
	if c.Args().Len() < 1 {
		logger.Fatalf("STORE is needed")
	}
	if c.Bool("d") {
		if err := makeDaemon(c, c.Args().Get(0)); err != nil {
			logger.Fatalf("make daemon: %s", err)
		}
	}
	format, blob := openWorld(c)
	layout := format.Layout()
	layout.OffHeap = c.Bool("off-heap")

	disk, err := diskio.NewStore(layout, blob, &diskio.Config{
		RuntimeCacheSize: c.Int64("cache-size"),
		Compression:      format.Compression,
		SlowOperation:    time.Second,
	})
	if err != nil {
		logger.Fatalf("disk: %s", err)
	}
	spoolConf := spool.DefaultConfig()
	spoolConf.UnloadBacklog = c.Int("unload-backlog")
	binder := &sweepBinder{}
	h := storage.NewHandler(layout, disk, binder, &storage.Config{
		GridWidth:     format.GridWidth,
		GridHeight:    format.GridHeight,
		MaxFreeChunks: format.MaxFreeChunks,
		LoadRetries:   2,
	}, spoolConf)

	radius := utils.Max(c.Int("radius"), 0)
	step := 2*radius + 1
	cols := (format.GridWidth + step - 1) / step
	rows := (format.GridHeight + step - 1) / step

	start := time.Now()
	progress, bar := utils.NewDynProgressBar("sweeping world: ", c.Bool("quiet") || c.Bool("d"))
	bar.SetTotal(int64(cols*rows), false)
	area := h.NewActiveArea(0)
	for row := 0; row < rows; row++ {
		for i := 0; i < cols; i++ {
			col := i
			if row%2 == 1 {
				col = cols - 1 - i
			}
			area.SetCenter(col*step+radius, row*step+radius, radius)
			waitArea(h, area.Rectangle(), 10*time.Second)
			h.Prune()
			bar.Increment()
		}
	}
	area.Close()
	bar.SetTotal(-1, true)
	progress.Wait()

	if err = h.Close(); err != nil {
		logger.Errorf("close: %s", err)
	}
	st := h.Stats()
	ds := disk.Stats()
	fmt.Printf("swept %dx%d chunks of %s in %s: %d created, %d loaded, %d evicted, %d failed\n",
		format.GridWidth, format.GridHeight, format.Name, time.Since(start), binder.created, binder.loaded, st.Evicted, st.Failed)
	fmt.Printf("spooler: %d loads, %d unloads, %d steals, %d merges, %d cancelled\n",
		st.Spool.ServedLoads, st.Spool.ServedUnloads, st.Spool.Steals, st.Spool.Merges, st.Spool.Cancelled)
	fmt.Printf("disk: %d runtime hits, %d persistent reads (%d missing), %d writes, %d errors\n",
		ds.RuntimeHits, ds.PersistentReads, ds.PersistentMisses, ds.PersistentWrites, ds.WriteErrors)
	fmt.Printf("memory: %d bytes in chunk arenas, %s\n", chunk.UsedMemory(), utils.GetRusage())
	return err
}
