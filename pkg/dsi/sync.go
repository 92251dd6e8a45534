package dsi

import (
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/skycoin/dsi/pkg/event"
	"github.com/skycoin/dsi/pkg/ipc"
)

// drainTimeout bounds how long a stopping socket refuses peer calls.
const drainTimeout = time.Second

// serveSync is the body of the socket's synchronization thread.
func (s *Socket) serveSync() {
	defer close(s.syncDone)

	if !s.awaitConnect() {
		return
	}

	waiters := make(map[uint32]ipc.Msg)
	defer func() {
		for idx, w := range waiters {
			s.replySync(w, ipc.Msg{Op: uint32(CmdNack), Arg: idx})
		}
	}()
	for {
		m, err := s.sync.Receive(s.stop)
		if err != nil {
			return
		}
		s.handleSync(m, waiters)
	}
}

// awaitConnect blocks until the owning task sends the handshake for this
// socket. Everything else is dropped; calls are refused so no peer blocks
// on a socket that is not connected yet.
func (s *Socket) awaitConnect() bool {
	for {
		m, err := s.sync.Receive(s.stop)
		if err != nil {
			return false
		}

		if Command(m.Op) == CmdConnect && m.From.Task() == s.task.id && m.Arg == s.id && s.remote.Load() != nil {
			s.replySync(m, ipc.Msg{Op: uint32(CmdWake), Arg: s.id})
			return true
		}

		s.log.Debugf("Sync thread not connected, dropped %s from %s", Command(m.Op), m.From)
		if m.IsCall() {
			s.replySync(m, ipc.Msg{Op: uint32(CmdNack), Arg: m.Arg})
		}
	}
}

func (s *Socket) handleSync(m ipc.Msg, waiters map[uint32]ipc.Msg) {
	remote := s.remote.Load()
	local := m.From.Task() == s.task.id
	fromPeer := remote != nil && m.From.Task() == remote.WorkThread.Task()

	if !isCommand(m.Op) || (!local && !fromPeer) {
		s.log.Warnf("Ignored %s from unexpected thread %s", Command(m.Op), m.From)
		return
	}
	if m.Arg >= s.ctrl.numPackets && Command(m.Op) != CmdConnect {
		s.log.Warnf("Ignored %s for packet %d out of range from %s", Command(m.Op), m.Arg, m.From)
		s.refuse(m)
		return
	}

	switch cmd := Command(m.Op); {
	case cmd == CmdCommitted && local:
		s.onCommitted(m.Arg, waiters)

	case (cmd == CmdWait || cmd == CmdMap || cmd == CmdCopy) && fromPeer && m.IsCall():
		if cmd != CmdWait && s.role != RoleSend {
			s.refuse(m)
			return
		}
		s.onWait(m, waiters)

	case cmd == CmdRelease && local && s.role == RoleReceive:
		s.forwardRelease(m, remote)

	case cmd == CmdRelease && fromPeer && m.From == remote.SyncThread && s.role == RoleSend:
		s.onRelease(m)

	default:
		s.log.Warnf("Ignored %s from %s", cmd, m.From)
		s.refuse(m)
	}
}

// waitBits returns the waiting and pending bits the sync thread owns.
func (s *Socket) waitBits() (waiting, pending uint32) {
	if s.role == RoleSend {
		return flagRxWaiting, flagRxPending
	}
	return flagTxWaiting, flagTxPending
}

// available reports whether the peer may take packet idx.
func (s *Socket) available(idx uint32) bool {
	d := s.ctrl.desc(idx)
	if s.role == RoleSend {
		return load(&d.flags)&flagCommitted != 0
	}
	return load(&d.txLock) == unlocked
}

func (s *Socket) onCommitted(idx uint32, waiters map[uint32]ipc.Msg) {
	d := s.ctrl.desc(idx)
	waiting, pending := s.waitBits()

	if w, ok := waiters[idx]; ok && load(&d.flags)&waiting != 0 {
		delete(waiters, idx)
		clearBits(&d.flags, waiting)
		s.wake(w, idx)
	} else {
		setBits(&d.flags, pending)
	}

	if s.role == RoleSend {
		s.raise(s.sync, event.EventCommitted)
	} else {
		s.raise(s.sync, event.EventReleased)
	}
}

// onWait answers a peer blocked on packet idx, now when the packet is
// available or a commit is pending, else on the next commit. A pending bit
// may be stale, the peer re-checks the lock after every wake.
func (s *Socket) onWait(m ipc.Msg, waiters map[uint32]ipc.Msg) {
	idx := m.Arg
	d := s.ctrl.desc(idx)
	waiting, pending := s.waitBits()

	wasPending := clearBits(&d.flags, pending)&pending != 0
	if wasPending || s.available(idx) {
		s.wake(m, idx)
		return
	}

	if _, ok := waiters[idx]; ok {
		s.log.Warnf("Replaced waiter on packet %d", idx)
	}
	waiters[idx] = m
	setBits(&d.flags, waiting)
}

// wake answers a wait. Map and Copy requests get the packet data when the
// packet is committed, a plain wake otherwise.
func (s *Socket) wake(req ipc.Msg, idx uint32) {
	rep := ipc.Msg{Op: uint32(CmdWake), Arg: idx}

	if cmd := Command(req.Op); (cmd == CmdMap || cmd == CmdCopy) && s.available(idx) {
		d := s.ctrl.desc(idx)
		rep.Op = uint32(cmd)
		rep.Arg = load(&d.seq)
		if cmd == CmdMap {
			rep.Grant = s.dataID
		} else {
			rep.Payload = s.copyOut(idx)
		}
	}
	s.replySync(req, rep)
}

// copyOut concatenates the data chunks of packet idx.
func (s *Socket) copyOut(idx uint32) []byte {
	if s.data == nil {
		return nil
	}
	d := s.ctrl.desc(idx)
	mem := s.data.Bytes()

	var out []byte
	e := load(&d.sgHead)
	for i := load(&d.sgLength); i > 0 && e < s.ctrl.numSgElems; i-- {
		el := s.ctrl.sg(e)
		if load(&el.flags)&dataUnchecked == 0 {
			addr, size := uint64(load(&el.addr)), uint64(load(&el.size))
			if addr+size <= uint64(len(mem)) {
				out = append(out, mem[addr:addr+size]...)
			}
		}
		e = load(&el.next)
	}
	return out
}

// forwardRelease passes a release from the local work thread to the peer.
func (s *Socket) forwardRelease(m ipc.Msg, remote *Ref) {
	fwd := ipc.Msg{Op: uint32(CmdRelease), Arg: m.Arg, Payload: m.Payload}

	rep := ipc.Msg{Op: uint32(CmdWake), Arg: m.Arg}
	if s.conf.Release == ReleaseSync {
		if _, err := s.callRemote(s.sync, fwd, s.stop); err != nil {
			s.log.WithError(err).Warnf("Release of packet %d not delivered", m.Arg)
			rep.Op = uint32(CmdNack)
		}
	} else if s.peerStopped() {
		rep.Op = uint32(CmdNack)
	} else if err := s.sync.Send(remote.SyncThread, fwd); err != nil {
		s.log.WithError(err).Warnf("Release of packet %d not delivered", m.Arg)
		rep.Op = uint32(CmdNack)
	}

	if m.IsCall() {
		s.replySync(m, rep)
	}
}

// onRelease runs the release callback for a packet the peer released.
func (s *Socket) onRelease(m ipc.Msg) {
	var seq uint32
	if len(m.Payload) == 4 {
		seq = binary.BigEndian.Uint32(m.Payload)
	}

	if s.releaseCallback != nil {
		s.releaseCallback(&Packet{s: s, idx: m.Arg, seq: seq, released: true})
	}
	if m.IsCall() {
		s.replySync(m, ipc.Msg{Op: uint32(CmdWake), Arg: m.Arg})
	}
}

// callRemote calls the peer's sync thread from one of the socket's threads.
// The call is counted in the shared header while it is in flight, and a
// stopping peer refuses calls until the count drops to zero, so the call
// either sees the stop or gets an answer.
func (s *Socket) callRemote(from *ipc.Endpoint, m ipc.Msg, abort <-chan struct{}) (ipc.Msg, error) {
	remote := s.remote.Load()
	if remote == nil {
		return ipc.Msg{}, ErrNotConnected
	}

	h := s.ctrl.hdr()
	unit := inflightUnit(s.role.peer())
	atomic.AddUint32(&h.inflight, unit)
	defer atomic.AddUint32(&h.inflight, ^(unit - 1))

	if s.peerStopped() {
		return ipc.Msg{}, errors.Wrap(ErrDisconnected, "peer stopped")
	}
	rep, err := from.Call(remote.SyncThread, m, abort)
	if err == nil && Command(rep.Op) == CmdNack && s.peerStopped() {
		return ipc.Msg{}, errors.Wrap(ErrDisconnected, "peer stopped")
	}
	return rep, err
}

func (s *Socket) peerStopped() bool {
	return load(&s.ctrl.hdr().stopped)&uint32(s.role.peer()) != 0
}

// drainSync refuses the calls left on a sync thread the socket does not
// own until no peer call into it is in flight.
func (s *Socket) drainSync() {
	h := s.ctrl.hdr()
	deadline := time.Now().Add(drainTimeout)
	for {
		for {
			m, ok := s.sync.TryReceive()
			if !ok {
				break
			}
			s.refuse(m)
		}
		n := inflightCalls(load(&h.inflight), s.role)
		if n == 0 {
			return
		}
		if time.Now().After(deadline) {
			s.log.Warnf("Stopped with %d peer calls in flight", n)
			return
		}
		time.Sleep(time.Millisecond)
	}
}

func (s *Socket) refuse(m ipc.Msg) {
	if m.IsCall() {
		s.replySync(m, ipc.Msg{Op: uint32(CmdNack), Arg: m.Arg})
	}
}

func (s *Socket) replySync(req, rep ipc.Msg) {
	if err := s.sync.Reply(req, rep); err != nil {
		s.log.WithError(err).Debugf("Reply to %s dropped", req.From)
	}
}
