package event

import (
	"github.com/skycoin/dsi/pkg/ipc"
)

type waiter struct {
	req  ipc.Msg
	mask uint32
}

type entry struct {
	mask    uint32
	waiting []waiter
}

// Server is the event thread of one task.
type Server struct {
	ep   *ipc.Endpoint
	done chan struct{}
}

// NewServer spawns the event thread of task.
func NewServer(k *ipc.Kernel, task uint32) (*Server, error) {
	ep, err := k.Spawn(task)
	if err != nil {
		return nil, err
	}

	s := &Server{ep: ep, done: make(chan struct{})}
	go s.serve()
	return s, nil
}

// ID returns the thread id clients send requests to.
func (s *Server) ID() ipc.ThreadID { return s.ep.ID() }

// Close destroys the event thread. Pending waits fail with ipc.ErrNotExist.
func (s *Server) Close() error {
	err := s.ep.Close()
	<-s.done
	return err
}

func (s *Server) serve() {
	defer close(s.done)

	sockets := make(map[uint32]*entry)
	get := func(id uint32) *entry {
		e, ok := sockets[id]
		if !ok {
			e = &entry{}
			sockets[id] = e
		}
		return e
	}

	for {
		m, err := s.ep.Receive(nil)
		if err != nil {
			log.Debugf("event thread %s: %v", s.ep.ID(), err)
			return
		}

		mask, ok := decodeMask(m.Payload)
		if !ok {
			log.Warnf("Malformed %s request from %s", Op(m.Op), m.From)
			s.nack(m)
			continue
		}

		switch Op(m.Op) {
		case OpSet:
			e := get(m.Arg)
			e.mask |= mask
			s.deliver(e)
		case OpReset:
			get(m.Arg).mask &^= mask
		case OpWait:
			e := get(m.Arg)
			e.waiting = append(e.waiting, waiter{req: m, mask: mask})
			s.deliver(e)
		default:
			log.Warnf("Unexpected request %s from %s", Op(m.Op), m.From)
			s.nack(m)
		}
	}
}

// deliver answers every waiter whose mask intersects the raised bits.
// Delivered bits are consumed; bits offered to a vanished client stay.
func (s *Server) deliver(e *entry) {
	kept := e.waiting[:0]
	for _, w := range e.waiting {
		got := e.mask & w.mask
		if got == 0 {
			kept = append(kept, w)
			continue
		}
		if err := s.ep.Reply(w.req, ipc.Msg{Op: uint32(OpAck), Arg: w.req.Arg, Payload: encodeMask(got)}); err != nil {
			log.Debugf("Dropped waiter %s: %v", w.req.From, err)
			continue
		}
		e.mask &^= got
	}
	e.waiting = kept
}

func (s *Server) nack(m ipc.Msg) {
	if !m.IsCall() {
		return
	}
	if err := s.ep.Reply(m, ipc.Msg{Op: uint32(OpNack), Arg: m.Arg}); err != nil {
		log.Debugf("Failed to nack %s: %v", m.From, err)
	}
}
