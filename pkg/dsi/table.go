package dsi

import (
	"sync"
	"sync/atomic"
)

const (
	slotUnused = iota
	slotUsed
)

type slot struct {
	state uint32
	sock  atomic.Pointer[Socket]
}

// socketTable is a fixed capacity arena of sockets. Slots are claimed
// with CAS on their state word; the cursor is only a hint.
type socketTable struct {
	slots []slot
	lstID uint32
}

func newSocketTable(capacity int) *socketTable {
	return &socketTable{slots: make([]slot, capacity)}
}

// reserveNextID claims the next unused slot and returns its id together
// with the func that frees it.
func (t *socketTable) reserveNextID() (id uint32, free func(), err error) {
	n := uint32(len(t.slots))
	start := atomic.LoadUint32(&t.lstID)

	for i := uint32(1); i <= n; i++ {
		id := (start + i) % n
		if atomic.CompareAndSwapUint32(&t.slots[id].state, slotUnused, slotUsed) {
			atomic.StoreUint32(&t.lstID, id)
			return id, t.constructFreeFunc(id), nil
		}
	}
	return 0, nil, ErrNoSocketAvailable
}

func (t *socketTable) set(id uint32, s *Socket) {
	t.slots[id].sock.Store(s)
}

// get returns the socket stored in slot id.
func (t *socketTable) get(id uint32) (*Socket, bool) {
	if id >= uint32(len(t.slots)) || atomic.LoadUint32(&t.slots[id].state) != slotUsed {
		return nil, false
	}
	s := t.slots[id].sock.Load()
	return s, s != nil
}

// all returns every live socket.
func (t *socketTable) all() []*Socket {
	var out []*Socket
	for i := range t.slots {
		if s, ok := t.get(uint32(i)); ok {
			out = append(out, s)
		}
	}
	return out
}

// inUse returns the number of claimed slots.
func (t *socketTable) inUse() int {
	n := 0
	for i := range t.slots {
		if atomic.LoadUint32(&t.slots[i].state) == slotUsed {
			n++
		}
	}
	return n
}

// constructFreeFunc constructs new func responsible for releasing slot `id`.
func (t *socketTable) constructFreeFunc(id uint32) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			t.slots[id].sock.Store(nil)
			atomic.StoreUint32(&t.slots[id].state, slotUnused)
		})
	}
}
