package dsi

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

// acquireSg claims an unused scatter-gather element. The scan starts at the
// socket's allocation hint and wraps once around the pool.
func (s *Socket) acquireSg() (uint32, error) {
	n := s.ctrl.numSgElems
	start := atomic.LoadUint32(&s.nextSg) % n

	for i := uint32(0); i < n; i++ {
		idx := (start + i) % n
		e := s.ctrl.sg(idx)
		if !cas(&e.flags, 0, sgUsed) {
			continue
		}
		store(&e.next, sentinel)
		atomic.StoreUint32(&s.nextSg, (idx+1)%n)
		return idx, nil
	}

	s.metrics.SgExhausted()
	s.log.Errorf("Scatter-gather pool exhausted: %d of %d elements in use, %d packets outstanding",
		s.sgInUse(), n, s.Outstanding())
	return sentinel, ErrNoSgElementAvailable
}

// releaseSgChain returns the length elements starting at head to the pool.
// The chain is verified before anything is freed, so a corrupted chain
// leaves the pool untouched.
func (s *Socket) releaseSgChain(head, length uint32) error {
	idx := head
	for i := uint32(0); i < length; i++ {
		if idx >= s.ctrl.numSgElems {
			return errors.Wrapf(ErrCorruptedChain, "chain ends after %d of %d elements", i, length)
		}
		e := s.ctrl.sg(idx)
		if load(&e.flags)&sgUsed == 0 {
			return errors.Wrapf(ErrCorruptedChain, "element %d of chain is unused", idx)
		}
		idx = load(&e.next)
	}
	if idx != sentinel {
		return errors.Wrapf(ErrCorruptedChain, "chain is longer than %d elements", length)
	}

	idx = head
	for i := uint32(0); i < length; i++ {
		e := s.ctrl.sg(idx)
		next := load(&e.next)
		store(&e.addr, 0)
		store(&e.size, 0)
		store(&e.next, sentinel)
		store(&e.flags, 0)
		idx = next
	}
	return nil
}

func (s *Socket) sgInUse() int {
	n := 0
	for i := uint32(0); i < s.ctrl.numSgElems; i++ {
		if load(&s.ctrl.sg(i).flags) != 0 {
			n++
		}
	}
	return n
}
