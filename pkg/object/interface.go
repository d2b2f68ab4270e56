// pkg/object/interface.go

package object

import (
	"io"

	"github.com/pkg/errors"
)

// ErrNotFound is returned (possibly wrapped) by Get for a missing key.
var ErrNotFound = errors.New("object not found")

// ObjectStorage is the persistent tier chunks are written to.
type ObjectStorage interface {
	String() string
	// Create prepares the bucket (directory, database) if it does not exist.
	Create() error
	// Get returns `limit` bytes of the object starting at `off`; limit -1 reads to the end.
	Get(key string, off, limit int64) (io.ReadCloser, error)
	Put(key string, in io.Reader) error
	// Delete removes the object; a missing key is not an error.
	Delete(key string) error
	// List returns the keys starting with `prefix`, in no particular order.
	List(prefix string) ([]string, error)
}

// IsNotFound reports whether err means the key does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ReadAll reads the whole object `key`.
func ReadAll(store ObjectStorage, key string) ([]byte, error) {
	r, err := store.Get(key, 0, -1)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
