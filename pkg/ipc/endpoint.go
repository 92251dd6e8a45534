package ipc

import (
	"sync"
	"sync/atomic"
)

// Endpoint is the message port of one thread.
type Endpoint struct {
	id    ThreadID
	k     *Kernel
	inbox chan Msg
	calls *callMap
	seq   uint64
	done  chan struct{}
	once  sync.Once
}

// ID returns the thread ID of the endpoint.
func (e *Endpoint) ID() ThreadID { return e.id }

// Done is closed when the endpoint is destroyed.
func (e *Endpoint) Done() <-chan struct{} { return e.done }

// Close destroys the endpoint.
func (e *Endpoint) Close() error {
	return e.k.Destroy(e.id)
}

// Send delivers m to the inbox of thread `to` without waiting for a reply.
func (e *Endpoint) Send(to ThreadID, m Msg) error {
	m.From = e.id
	m.call = false
	return e.deliver(to, m)
}

// Call sends m to thread `to` and blocks until it replies. A nil abort
// channel blocks until the reply arrives or either thread is destroyed.
func (e *Endpoint) Call(to ThreadID, m Msg, abort <-chan struct{}) (Msg, error) {
	dst, ok := e.k.Lookup(to)
	if !ok {
		return Msg{}, ErrNotExist
	}

	m.From = e.id
	m.call = true
	m.seq = atomic.AddUint64(&e.seq, 1)

	ch := e.calls.put(m.seq)
	defer e.calls.remove(m.seq)

	if err := e.push(dst, m); err != nil {
		return Msg{}, err
	}

	select {
	case rep := <-ch:
		return rep, nil
	case <-dst.done:
		return e.abandon(m.seq, ch, ErrNotExist)
	case <-e.done:
		return e.abandon(m.seq, ch, ErrClosed)
	case <-abort:
		return e.abandon(m.seq, ch, ErrAborted)
	}
}

// abandon stops waiting for call seq. A reply the callee delivered before
// that is still returned, since Reply already reported it as received.
func (e *Endpoint) abandon(seq uint64, ch chan Msg, err error) (Msg, error) {
	e.calls.remove(seq)
	select {
	case rep := <-ch:
		return rep, nil
	default:
		return Msg{}, err
	}
}

// TryReceive returns a queued message without blocking.
func (e *Endpoint) TryReceive() (Msg, bool) {
	select {
	case m := <-e.inbox:
		return m, true
	default:
		return Msg{}, false
	}
}

// Reply answers a message received by a Call. It never blocks: when the
// caller stopped waiting the reply is dropped and ErrNoCaller returned.
func (e *Endpoint) Reply(req Msg, rep Msg) error {
	if !req.call {
		return ErrNotCall
	}
	caller, ok := e.k.Lookup(req.From)
	if !ok {
		return ErrNotExist
	}

	rep.From = e.id
	rep.seq = req.seq
	rep.call = false

	if !caller.calls.deliver(req.seq, rep) {
		log.Debugf("%s: dropped reply to %s (seq %d)", e.id, req.From, req.seq)
		return ErrNoCaller
	}
	return nil
}

func (e *Endpoint) deliver(to ThreadID, m Msg) error {
	dst, ok := e.k.Lookup(to)
	if !ok {
		return ErrNotExist
	}
	return e.push(dst, m)
}

func (e *Endpoint) push(dst *Endpoint, m Msg) error {
	select {
	case dst.inbox <- m:
		return nil
	case <-dst.done:
		return ErrNotExist
	case <-e.done:
		return ErrClosed
	}
}
