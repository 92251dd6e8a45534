package dataspace

import (
	"sync"
	"unsafe"
)

type heapObject struct {
	mem   []byte
	maps  int
	freed bool
}

// heapManager keeps dataspaces in Go memory. Every mapping of a dataspace
// aliases the same backing array, which is all two tasks living in one
// process need.
type heapManager struct {
	objects map[ID]*heapObject
	mx      sync.Mutex
	lstID   ID
	page    int
}

// NewHeapManager constructs a Manager backed by the Go heap.
func NewHeapManager() Manager {
	return &heapManager{
		objects: make(map[ID]*heapObject),
		page:    pageSize(),
	}
}

func (m *heapManager) Allocate(size int) (*Region, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}
	size = RoundUp(size, m.page)

	m.mx.Lock()
	defer m.mx.Unlock()

	id := m.nextID()
	obj := &heapObject{mem: alignedBytes(size), maps: 1}
	m.objects[id] = obj

	return &Region{id: id, mem: obj.mem, owner: true}, nil
}

func (m *heapManager) Attach(id ID) (*Region, error) {
	m.mx.Lock()
	defer m.mx.Unlock()

	obj, ok := m.objects[id]
	if !ok || obj.freed {
		return nil, ErrNotFound
	}
	obj.maps++

	return &Region{id: id, mem: obj.mem}, nil
}

func (m *heapManager) Detach(r *Region) error {
	if r.mem == nil {
		return ErrDetached
	}

	m.mx.Lock()
	defer m.mx.Unlock()

	r.mem = nil
	obj, ok := m.objects[r.id]
	if !ok {
		return ErrNotFound
	}
	obj.maps--
	if obj.freed && obj.maps <= 0 {
		delete(m.objects, r.id)
	}
	return nil
}

func (m *heapManager) Free(id ID) error {
	m.mx.Lock()
	defer m.mx.Unlock()

	obj, ok := m.objects[id]
	if !ok || obj.freed {
		return ErrNotFound
	}
	obj.freed = true
	if obj.maps <= 0 {
		delete(m.objects, id)
	}
	return nil
}

func (m *heapManager) Size(id ID) (int, error) {
	m.mx.Lock()
	defer m.mx.Unlock()

	obj, ok := m.objects[id]
	if !ok || obj.freed {
		return 0, ErrNotFound
	}
	return len(obj.mem), nil
}

func (m *heapManager) PageSize() int { return m.page }

// nextID must be called with mx held.
func (m *heapManager) nextID() ID {
	for {
		m.lstID++
		if _, ok := m.objects[m.lstID]; !ok && m.lstID != 0 {
			return m.lstID
		}
	}
}

// alignedBytes returns a zeroed byte slice whose first byte is 8-byte
// aligned, so 32-bit atomics can be used on any 4-byte aligned offset.
func alignedBytes(size int) []byte {
	words := make([]uint64, (size+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
}
