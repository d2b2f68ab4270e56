// pkg/object/object_storage.go

package object

import (
	"fmt"
	"io"
	"strings"

	"AveGrid/pkg/utils"

	"github.com/pkg/errors"
)

var logger = utils.GetLogger("avegrid")

// UserAgent is announced by backends that support it.
var UserAgent = "AveGrid"

type Creator func(bucket, accessKey, secretKey string) (ObjectStorage, error)

var storages = make(map[string]Creator)

// Register makes a backend available to CreateStorage under `name`.
func Register(name string, register Creator) {
	storages[name] = register
}

// CreateStorage returns the backend `name` serving `bucket`.
func CreateStorage(name, bucket, accessKey, secretKey string) (ObjectStorage, error) {
	f, ok := storages[name]
	if !ok {
		return nil, errors.Errorf("invalid storage: %s", name)
	}
	return f(bucket, accessKey, secretKey)
}

// ParseURL splits "redis://host:6379/1" or "/var/avegrid" into a backend name and a bucket.
func ParseURL(uri string) (name, bucket string) {
	p := strings.Index(uri, "://")
	if p < 0 {
		return "file", uri
	}
	name = strings.ToLower(uri[:p])
	if name == "file" {
		return name, uri[p+3:]
	}
	return name, uri
}

type withPrefix struct {
	os     ObjectStorage
	prefix string
}

// WithPrefix returns an object storage that adds `prefix` to every key.
func WithPrefix(os ObjectStorage, prefix string) ObjectStorage {
	return &withPrefix{os, prefix}
}

func (p *withPrefix) String() string {
	return fmt.Sprintf("%s%s", p.os, p.prefix)
}

func (p *withPrefix) Create() error {
	return p.os.Create()
}

func (p *withPrefix) Get(key string, off, limit int64) (io.ReadCloser, error) {
	return p.os.Get(p.prefix+key, off, limit)
}

func (p *withPrefix) Put(key string, in io.Reader) error {
	return p.os.Put(p.prefix+key, in)
}

func (p *withPrefix) Delete(key string) error {
	return p.os.Delete(p.prefix + key)
}

func (p *withPrefix) List(prefix string) ([]string, error) {
	keys, err := p.os.List(p.prefix + prefix)
	if err != nil {
		return nil, err
	}
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, p.prefix)
	}
	return keys, nil
}

var _ ObjectStorage = &withPrefix{}
