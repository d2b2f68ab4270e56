// pkg/object/file.go

package object

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

type filestore struct {
	root string
}

func newDisk(root, accessKey, secretKey string) (ObjectStorage, error) {
	if root == "" {
		return nil, errors.Errorf("empty root for file storage")
	}
	if !strings.HasSuffix(root, "/") {
		root += "/"
	}
	return &filestore{root: root}, nil
}

func (d *filestore) String() string {
	return "file://" + d.root
}

func (d *filestore) path(key string) string {
	return filepath.Join(d.root, filepath.FromSlash(key))
}

func (d *filestore) Create() error {
	return os.MkdirAll(d.root, 0755)
}

type sectionReadCloser struct {
	io.Reader
	f *os.File
}

func (s *sectionReadCloser) Close() error {
	return s.f.Close()
}

func (d *filestore) Get(key string, off, limit int64) (io.ReadCloser, error) {
	f, err := os.Open(d.path(key))
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrNotFound, "%s", key)
	}
	if err != nil {
		return nil, err
	}
	if off > 0 {
		if _, err := f.Seek(off, io.SeekStart); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	if limit < 0 {
		return f, nil
	}
	return &sectionReadCloser{io.LimitReader(f, limit), f}, nil
}

// Put writes into a temporary file first so a crash never leaves a torn object.
func (d *filestore) Put(key string, in io.Reader) error {
	p := d.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return err
	}
	tmp := p + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err = io.Copy(f, in); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err = f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, p)
}

func (d *filestore) Delete(key string) error {
	err := os.Remove(d.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (d *filestore) List(prefix string) ([]string, error) {
	var keys []string
	err := filepath.Walk(d.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || strings.HasSuffix(path, ".tmp") {
			return nil
		}
		key := filepath.ToSlash(strings.TrimPrefix(path, d.root))
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	return keys, err
}

func init() {
	Register("file", newDisk)
}
