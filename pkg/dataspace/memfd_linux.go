//go:build linux

package dataspace

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

type memfdObject struct {
	fd    int
	size  int
	maps  int
	freed bool
}

// memfdManager backs every dataspace with an anonymous memfd. Each Attach
// creates a distinct MAP_SHARED mapping of the same pages, so two tasks see
// each other's writes through different virtual addresses.
type memfdManager struct {
	objects map[ID]*memfdObject
	mx      sync.Mutex
	lstID   ID
	page    int
}

// NewManager returns the memfd-backed Manager.
func NewManager() Manager {
	return NewMemfdManager()
}

// NewMemfdManager constructs a Manager backed by memfd_create(2) and mmap(2).
func NewMemfdManager() Manager {
	return &memfdManager{
		objects: make(map[ID]*memfdObject),
		page:    unix.Getpagesize(),
	}
}

func (m *memfdManager) Allocate(size int) (*Region, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}
	size = RoundUp(size, m.page)

	m.mx.Lock()
	defer m.mx.Unlock()

	id := m.nextID()
	fd, err := unix.MemfdCreate(fmt.Sprintf("dsi-%d", id), unix.MFD_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "memfd_create")
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd) // nolint:errcheck
		return nil, errors.Wrap(err, "ftruncate")
	}
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd) // nolint:errcheck
		return nil, errors.Wrap(err, "mmap")
	}

	m.objects[id] = &memfdObject{fd: fd, size: size, maps: 1}
	return &Region{id: id, mem: mem, owner: true}, nil
}

func (m *memfdManager) Attach(id ID) (*Region, error) {
	m.mx.Lock()
	defer m.mx.Unlock()

	obj, ok := m.objects[id]
	if !ok || obj.freed {
		return nil, ErrNotFound
	}
	mem, err := unix.Mmap(obj.fd, 0, obj.size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap %s", id)
	}
	obj.maps++

	return &Region{id: id, mem: mem}, nil
}

func (m *memfdManager) Detach(r *Region) error {
	if r.mem == nil {
		return ErrDetached
	}

	m.mx.Lock()
	defer m.mx.Unlock()

	if err := unix.Munmap(r.mem); err != nil {
		return errors.Wrapf(err, "munmap %s", r.id)
	}
	r.mem = nil

	obj, ok := m.objects[r.id]
	if !ok {
		return ErrNotFound
	}
	obj.maps--
	return m.maybeClose(r.id, obj)
}

func (m *memfdManager) Free(id ID) error {
	m.mx.Lock()
	defer m.mx.Unlock()

	obj, ok := m.objects[id]
	if !ok || obj.freed {
		return ErrNotFound
	}
	obj.freed = true
	return m.maybeClose(id, obj)
}

func (m *memfdManager) Size(id ID) (int, error) {
	m.mx.Lock()
	defer m.mx.Unlock()

	obj, ok := m.objects[id]
	if !ok || obj.freed {
		return 0, ErrNotFound
	}
	return obj.size, nil
}

func (m *memfdManager) PageSize() int { return m.page }

// maybeClose must be called with mx held.
func (m *memfdManager) maybeClose(id ID, obj *memfdObject) error {
	if !obj.freed || obj.maps > 0 {
		return nil
	}
	delete(m.objects, id)
	return unix.Close(obj.fd)
}

// nextID must be called with mx held.
func (m *memfdManager) nextID() ID {
	for {
		m.lstID++
		if _, ok := m.objects[m.lstID]; !ok && m.lstID != 0 {
			return m.lstID
		}
	}
}
