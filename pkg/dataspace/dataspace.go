// Package dataspace provides shared memory objects ("dataspaces") which can
// be mapped by more than one task at the same time.
//
// A dataspace is allocated once, attached (mapped) any number of times and
// freed by its owner. The backing object stays alive until the last mapping
// is detached, so a peer may keep using a region the owner already freed.
package dataspace

import (
	"errors"
	"fmt"
	"os"
)

var (
	// ErrNotFound is returned when a dataspace ID does not name a live object.
	ErrNotFound = errors.New("dataspace not found")
	// ErrInvalidSize is returned when a non-positive size is requested.
	ErrInvalidSize = errors.New("invalid dataspace size")
	// ErrDetached is returned when detaching a region twice.
	ErrDetached = errors.New("region is already detached")
)

// ID identifies a dataspace. The zero value never names a dataspace.
type ID uint32

// String implements fmt.Stringer
func (id ID) String() string { return fmt.Sprintf("ds:%d", uint32(id)) }

// Region is one local mapping of a dataspace.
type Region struct {
	id    ID
	mem   []byte
	owner bool
}

// ID returns the ID of the mapped dataspace.
func (r *Region) ID() ID { return r.id }

// Bytes returns the mapped memory. The slice is shared with every other
// mapping of the same dataspace.
func (r *Region) Bytes() []byte { return r.mem }

// Size returns the mapped size in bytes.
func (r *Region) Size() int { return len(r.mem) }

// Owner reports whether this mapping was created by Allocate.
func (r *Region) Owner() bool { return r.owner }

// Manager allocates, maps and frees dataspaces.
type Manager interface {
	// Allocate creates a new dataspace of at least size bytes and maps it.
	Allocate(size int) (*Region, error)

	// Attach maps an existing dataspace read-write.
	Attach(id ID) (*Region, error)

	// Detach unmaps a region obtained from Allocate or Attach.
	Detach(r *Region) error

	// Free releases the dataspace once every mapping is detached.
	Free(id ID) error

	// Size returns the size of a live dataspace.
	Size(id ID) (int, error)

	// PageSize returns the allocation granularity.
	PageSize() int
}

// RoundUp rounds size up to a multiple of page.
func RoundUp(size, page int) int {
	if page <= 0 {
		return size
	}
	return (size + page - 1) / page * page
}

func pageSize() int { return os.Getpagesize() }
