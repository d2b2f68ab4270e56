// cmd/world.go

package main

import (
	"fmt"
	"os"

	"AveGrid/pkg/meta"
	"AveGrid/pkg/object"
	"AveGrid/pkg/version"

	"github.com/urfave/cli/v2"
)

// openStorage opens the root of a world storage given as a URL or a local path.
func openStorage(uri string) (object.ObjectStorage, error) {
	object.UserAgent = "AveGrid-" + version.Version()
	name, bucket := object.ParseURL(uri)
	accessKey, secretKey := os.Getenv("ACCESS_KEY"), os.Getenv("SECRET_KEY")
	return object.CreateStorage(name, bucket, accessKey, secretKey)
}

// createStorage returns where the chunks of `format` live inside `root`.
func createStorage(root object.ObjectStorage, format *meta.Format) (object.ObjectStorage, error) {
	blob := object.WithPrefix(root, format.Name+"/")
	blob = object.NewLimited(blob, format.UploadLimit, format.DownloadLimit)
	if format.Encrypted {
		passphrase := os.Getenv("AVEGRID_PASSPHRASE")
		if passphrase == "" {
			return nil, fmt.Errorf("world %s is encrypted, please set AVEGRID_PASSPHRASE", format.Name)
		}
		encryptor, err := object.NewAESEncryptor(passphrase, []byte(format.UUID))
		if err != nil {
			return nil, fmt.Errorf("encryptor: %s", err)
		}
		blob = object.NewEncrypted(blob, encryptor)
	}
	return blob, nil
}

// openWorld loads the format stored at the first argument and opens its chunk storage.
func openWorld(c *cli.Context) (*meta.Format, object.ObjectStorage) {
	if c.Args().Len() < 1 {
		logger.Fatalf("STORE is needed")
	}
	root, err := openStorage(c.Args().Get(0))
	if err != nil {
		logger.Fatalf("object storage: %s", err)
	}
	format, err := meta.Load(root)
	if err != nil {
		logger.Fatalf("load setting: %s", err)
	}
	blob, err := createStorage(root, format)
	if err != nil {
		logger.Fatalf("object storage: %s", err)
	}
	return format, blob
}
