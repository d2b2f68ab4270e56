// pkg/chunk/id.go

package chunk

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ID is the position of a chunk in the world grid, in chunks.
type ID struct {
	X, Y uint16
}

func (id ID) String() string {
	return fmt.Sprintf("%d_%d", id.X, id.Y)
}

// Less orders ids by X, then Y.
func (id ID) Less(o ID) bool {
	if id.X != o.X {
		return id.X < o.X
	}
	return id.Y < o.Y
}

// Key is the object storage key of the chunk.
func (id ID) Key() string {
	return "chunks/" + id.String()
}

// ParseID parses the output of ID.String.
func ParseID(s string) (ID, error) {
	ps := strings.SplitN(s, "_", 2)
	if len(ps) != 2 {
		return ID{}, errors.Errorf("invalid chunk id %q", s)
	}
	x, err := strconv.ParseUint(ps[0], 10, 16)
	if err != nil {
		return ID{}, errors.Wrapf(err, "invalid chunk id %q", s)
	}
	y, err := strconv.ParseUint(ps[1], 10, 16)
	if err != nil {
		return ID{}, errors.Wrapf(err, "invalid chunk id %q", s)
	}
	return ID{uint16(x), uint16(y)}, nil
}
