package ipc

import (
	"sync"
)

// Map of outstanding calls indexed by sequence number
type callMap struct {
	sync.Mutex
	calls map[uint64]chan Msg
}

func newCallMap() *callMap {
	return &callMap{calls: make(map[uint64]chan Msg)}
}

func (cm *callMap) put(seq uint64) chan Msg {
	cm.Lock()
	defer cm.Unlock()

	ch := make(chan Msg, 1)
	cm.calls[seq] = ch
	return ch
}

func (cm *callMap) remove(seq uint64) {
	cm.Lock()
	defer cm.Unlock()

	delete(cm.calls, seq)
}

// deliver hands rep to the call waiting on seq. Each call takes exactly one
// reply; a duplicate or late reply is reported as not delivered. The reply
// is queued under the lock, so once remove returns no reply is in transit.
func (cm *callMap) deliver(seq uint64, rep Msg) bool {
	cm.Lock()
	defer cm.Unlock()

	ch, ok := cm.calls[seq]
	if !ok {
		return false
	}
	delete(cm.calls, seq)
	ch <- rep
	return true
}
