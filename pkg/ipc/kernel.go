package ipc

import (
	"sync"
)

const (
	defaultInboxSize = 64
)

// Kernel is the registry of live threads. Every endpoint is created by and
// destroyed through its Kernel.
type Kernel struct {
	threads  map[ThreadID]*Endpoint
	next     map[uint32]uint32
	lstTask  uint32
	mx       sync.RWMutex
	inboxCap int
}

// NewKernel constructs a new Kernel.
func NewKernel() *Kernel {
	return &Kernel{
		threads:  make(map[ThreadID]*Endpoint),
		next:     make(map[uint32]uint32),
		inboxCap: defaultInboxSize,
	}
}

// NewTask reserves a fresh task number.
func (k *Kernel) NewTask() uint32 {
	k.mx.Lock()
	defer k.mx.Unlock()

	for {
		k.lstTask++
		if _, ok := k.next[k.lstTask]; !ok && k.lstTask != 0 {
			k.next[k.lstTask] = 0
			return k.lstTask
		}
	}
}

// Spawn creates a new thread endpoint in the given task.
func (k *Kernel) Spawn(task uint32) (*Endpoint, error) {
	k.mx.Lock()
	defer k.mx.Unlock()

	n, ok := k.next[task]
	if !ok {
		return nil, ErrNotExist
	}
	n++
	k.next[task] = n

	ep := &Endpoint{
		id:    MakeThreadID(task, n),
		k:     k,
		inbox: make(chan Msg, k.inboxCap),
		calls: newCallMap(),
		done:  make(chan struct{}),
	}
	k.threads[ep.id] = ep

	log.Debugf("spawned thread %s", ep.id)
	return ep, nil
}

// Lookup returns the live endpoint of a thread.
func (k *Kernel) Lookup(id ThreadID) (*Endpoint, bool) {
	k.mx.RLock()
	ep, ok := k.threads[id]
	k.mx.RUnlock()
	return ep, ok
}

// Exists reports whether a thread is alive.
func (k *Kernel) Exists(id ThreadID) bool {
	_, ok := k.Lookup(id)
	return ok
}

// Destroy forcibly tears a thread down. Pending and future calls to it fail
// with ErrNotExist, its own blocking operations fail with ErrClosed.
func (k *Kernel) Destroy(id ThreadID) error {
	k.mx.Lock()
	ep, ok := k.threads[id]
	if ok {
		delete(k.threads, id)
	}
	k.mx.Unlock()

	if !ok {
		return ErrNotExist
	}
	ep.once.Do(func() { close(ep.done) })
	log.Debugf("destroyed thread %s", id)
	return nil
}
