// cmd/format.go

package main

import (
	"bytes"
	crand "crypto/rand"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path"
	"regexp"
	"runtime"
	"strings"
	"time"

	"AveGrid/pkg/chunk"
	"AveGrid/pkg/compress"
	"AveGrid/pkg/meta"
	"AveGrid/pkg/object"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
)

var letters = []rune("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789")

func randSeq(n int) string {
	b := make([]rune, n)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}

func doTesting(store object.ObjectStorage, key string, data []byte) error {
	if err := store.Put(key, bytes.NewReader(data)); err != nil {
		if strings.Contains(err.Error(), "Access Denied") {
			return fmt.Errorf("Failed to put: %s", err)
		}
		if err2 := store.Create(); err2 != nil {
			return fmt.Errorf("Failed to create %s: %s,  previous error: %s\nplease create it manually, then format again",
				store, err2, err)
		}
		if err := store.Put(key, bytes.NewReader(data)); err != nil {
			return fmt.Errorf("Failed to put: %s", err)
		}
	}
	p, err := store.Get(key, 0, -1)
	if err != nil {
		return fmt.Errorf("Failed to get: %s", err)
	}
	data2, err := io.ReadAll(p)
	_ = p.Close()
	if err != nil {
		return err
	}
	if !bytes.Equal(data, data2) {
		return fmt.Errorf("Read wrong data")
	}
	err = store.Delete(key)
	if err != nil {
		// it's OK to don't have deletion permission
		fmt.Printf("Failed to delete: %s", err)
	}
	return nil
}

func test(store object.ObjectStorage) error {
	key := "testing/" + randSeq(10)
	data := make([]byte, 100)
	_, _ = crand.Read(data)
	nRetry := 3
	var err error
	for i := 0; i < nRetry; i++ {
		err = doTesting(store, key, data)
		if err == nil {
			return nil
		}
		time.Sleep(time.Second * time.Duration(i*3+1))
	}
	return err
}

func format(c *cli.Context) error {
	setLoggerLevel(c)
	if c.Args().Len() < 1 {
		logger.Fatalf("STORE and name are required")
	}
	uri := c.Args().Get(0)
	if c.Args().Len() < 2 {
		logger.Fatalf("Please give it a name")
	}
	name := c.Args().Get(1)
	validName := regexp.MustCompile(`^[a-z0-9][a-z0-9\-]{1,61}[a-z0-9]$`)
	if !validName.MatchString(name) {
		logger.Fatalf("invalid name: %s, only alphabet, number and - are allowed, and the length should be 3 to 63 characters.", name)
	}

	if compress.NewCompressor(c.String("compress")) == nil {
		logger.Fatalf("Unsupported compress algorithm: %s", c.String("compress"))
	}
	if _, err := chunk.ParseBlocks(c.String("blocks")); err != nil {
		logger.Fatalf("blocks: %s", err)
	}

	root, err := openStorage(uri)
	if err != nil {
		logger.Fatalf("object storage: %s", err)
	}
	if c.Bool("no-update") {
		if _, err := meta.Load(root); err == nil {
			return nil
		}
	}

	storage, bucket := object.ParseURL(uri)
	format := meta.Format{
		Name:          name,
		UUID:          uuid.New().String(),
		Storage:       storage,
		Bucket:        bucket,
		AccessKey:     os.Getenv("ACCESS_KEY"),
		SecretKey:     os.Getenv("SECRET_KEY"),
		GridWidth:     c.Int("grid-width"),
		GridHeight:    c.Int("grid-height"),
		CellsX:        c.Int("cells-x"),
		CellsY:        c.Int("cells-y"),
		Blocks:        c.String("blocks"),
		Compression:   c.String("compress"),
		MaxFreeChunks: c.Int("max-free-chunks"),
		UploadLimit:   c.Int64("upload-limit") * 1e6 / 8,
		DownloadLimit: c.Int64("download-limit") * 1e6 / 8,
		Encrypted:     c.Bool("encrypt"),
	}
	if err := format.Validate(); err != nil {
		logger.Fatalf("format: %s", err)
	}
	if old, err := meta.Load(root); err == nil && !c.Bool("force") {
		// keep the salt of an existing encrypted world
		format.UUID = old.UUID
	}

	blob, err := createStorage(root, &format)
	if err != nil {
		logger.Fatalf("object storage: %s", err)
	}
	logger.Infof("Data uses %s", blob)
	if err := test(blob); err != nil {
		logger.Fatalf("Storage %s is not configured correctly: %s", blob, err)
	}

	err = meta.Init(root, format, c.Bool("force"))
	if err != nil {
		logger.Fatalf("format: %s", err)
	}
	format.RemoveSecret()
	logger.Infof("World is formatted as %+v", format)
	return nil
}

func formatFlags() *cli.Command {
	var defaultStore string
	switch runtime.GOOS {
	case "darwin":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			logger.Fatalf("%v", err)
		}
		defaultStore = path.Join(homeDir, ".avegrid", "local")
	case "windows":
		defaultStore = path.Join("C:/avegrid/local")
	default:
		defaultStore = "/var/avegrid"
	}
	return &cli.Command{
		Name:      "format",
		Usage:     "format a world",
		ArgsUsage: "STORE NAME",
		Description: fmt.Sprintf(`STORE is a local path (e.g. %s) or a URL such as
redis://host:6379/1 or sftp://host/path. Credentials are read from ACCESS_KEY
and SECRET_KEY, the passphrase of an encrypted world from AVEGRID_PASSPHRASE.`, defaultStore),
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "grid-width",
				Value: 64,
				Usage: "width of the world in chunks",
			},
			&cli.IntFlag{
				Name:  "grid-height",
				Value: 64,
				Usage: "height of the world in chunks",
			},
			&cli.IntFlag{
				Name:  "cells-x",
				Value: 32,
				Usage: "width of a chunk in cells",
			},
			&cli.IntFlag{
				Name:  "cells-y",
				Value: 32,
				Usage: "height of a chunk in cells",
			},
			&cli.StringFlag{
				Name:  "blocks",
				Value: "floor,wall,spatial",
				Usage: "building blocks allocated per cell (floor, wall, spatial, aux, user or all)",
			},
			&cli.StringFlag{
				Name:  "compress",
				Value: "lz4",
				Usage: "compression algorithm (" + strings.Join(compress.Algorithms, ", ") + ")",
			},
			&cli.IntFlag{
				Name:  "max-free-chunks",
				Value: 128,
				Usage: "number of unused chunks kept in memory",
			},
			&cli.Int64Flag{
				Name:  "upload-limit",
				Value: 0,
				Usage: "bandwidth limit for upload in Mbps",
			},
			&cli.Int64Flag{
				Name:  "download-limit",
				Value: 0,
				Usage: "bandwidth limit for download in Mbps",
			},
			&cli.BoolFlag{
				Name:  "encrypt",
				Usage: "encrypt chunks with a passphrase (env AVEGRID_PASSPHRASE)",
			},
			&cli.BoolFlag{
				Name:  "force",
				Usage: "overwrite existing format",
			},
			&cli.BoolFlag{
				Name:  "no-update",
				Usage: "don't update existing world",
			},
		},
		Action: format,
	}
}
