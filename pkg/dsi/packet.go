package dsi

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/skycoin/dsi/pkg/dataspace"
	"github.com/skycoin/dsi/pkg/ipc"
)

// ChunkKind discriminates the chunks of a packet.
type ChunkKind byte

func (k ChunkKind) String() string {
	switch k {
	case ChunkData:
		return "Data"
	case ChunkGap:
		return "Gap"
	case ChunkEndOfStream:
		return "EndOfStream"
	case ChunkPhysical:
		return "Physical"
	}

	return fmt.Sprintf("Unknown(%d)", k)
}

const (
	// ChunkData is a byte range of the data region.
	ChunkData ChunkKind = iota
	// ChunkGap is a hole in the stream.
	ChunkGap
	// ChunkEndOfStream marks the end of the stream.
	ChunkEndOfStream
	// ChunkPhysical is a raw physical address range.
	ChunkPhysical
)

// Chunk is one scatter-gather element of a received packet. Data aliases
// the data region for ChunkData and is nil otherwise.
type Chunk struct {
	Kind ChunkKind
	Addr uint32
	Size uint32
	Data []byte
}

// Packet is a descriptor held by the local side.
type Packet struct {
	s        *Socket
	idx      uint32
	seq      uint32
	done     bool
	released bool
}

// Index returns the ring index of the packet.
func (p *Packet) Index() uint32 { return p.idx }

// Seq returns the sequence number the sender stamped on the packet.
func (p *Packet) Seq() uint32 { return p.seq }

// Len returns the number of chunks in the packet.
func (p *Packet) Len() uint32 {
	if p.released {
		return 0
	}
	return load(&p.s.ctrl.desc(p.idx).sgLength)
}

// Flags returns the user flags of the packet.
func (p *Packet) Flags() uint32 {
	if p.released {
		return 0
	}
	return load(&p.s.ctrl.desc(p.idx).flags) & PacketUserFlags
}

// SetFlags sets user flags on a packet being filled.
func (p *Packet) SetFlags(mask uint32) error {
	if err := p.valid(RoleSend); err != nil {
		return err
	}
	if mask&^PacketUserFlags != 0 {
		return errors.Wrapf(ErrInvalidArgument, "flags %#x outside user flags", mask)
	}
	setBits(&p.s.ctrl.desc(p.idx).flags, mask)
	return nil
}

func (p *Packet) valid(role Role) error {
	if p == nil || p.s == nil || p.done || p.released {
		return errors.Wrap(ErrInvalidArgument, "packet is not held")
	}
	if p.s.role != role {
		return errors.Wrapf(ErrInvalidArgument, "operation needs a %s socket", role)
	}
	return p.s.usable()
}

// GetPacket takes the next packet of the ring: a free slot on a send
// socket, a committed packet on a receive socket. A blocking socket waits
// for the peer; the lock word is checked again after every wake.
func (s *Socket) GetPacket() (*Packet, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	if s.flags.Has(FlagBlockAbort) {
		return nil, ErrEndOfStream
	}

	idx := s.nextPacket
	if s.held[idx] {
		// waiting for a packet we hold never ends.
		return nil, ErrNoPacketAvailable
	}
	d := s.ctrl.desc(idx)
	lock := &d.rxLock
	if s.role == RoleSend {
		lock = &d.txLock
	}

	var rep ipc.Msg
	for !tryLock(lock) {
		if !s.flags.Has(FlagBlock) {
			return nil, ErrNoPacketAvailable
		}
		r, err := s.waitPacket(idx)
		if err != nil {
			return nil, err
		}
		rep = r
	}

	p := &Packet{s: s, idx: idx}
	if s.role == RoleSend {
		clearBits(&d.flags, PacketUserFlags|flagReleaseCallback|flagCommitted)
		store(&d.sgHead, sentinel)
		store(&d.sgTail, sentinel)
		store(&d.sgCursor, sentinel)
		store(&d.sgLength, 0)
		p.seq = atomic.AddUint32(&s.seq, 1)
		store(&d.seq, p.seq)
	} else {
		if err := s.fetch(idx, rep); err != nil {
			if !unlock(lock) {
				return nil, s.markBroken(errors.Wrapf(ErrCorruptedChain, "packet %d: rx lock lost", idx))
			}
			return nil, err
		}
		p.seq = load(&d.seq)
		store(&d.sgCursor, load(&d.sgHead))
	}

	s.held[idx] = true
	atomic.AddInt32(&s.heldCount, 1)
	s.nextPacket = (idx + 1) % s.ctrl.numPackets
	return p, nil
}

// waitPacket blocks on the peer's sync thread until packet idx may be
// available or AbortGet is called.
func (s *Socket) waitPacket(idx uint32) (ipc.Msg, error) {
	if s.remote.Load() == nil {
		return ipc.Msg{}, ErrNotConnected
	}
	if s.syncCallback != nil {
		s.syncCallback(s)
	}

	s.mu.Lock()
	if s.flags.Has(FlagBlockAbort) {
		s.mu.Unlock()
		return ipc.Msg{}, ErrEndOfStream
	}
	abort := make(chan struct{})
	s.abortCh = abort
	s.flags.Set(FlagBlockingInGet)
	s.mu.Unlock()

	start := time.Now()
	rep, err := s.callRemote(s.work, ipc.Msg{Op: uint32(s.waitCommand()), Arg: idx}, abort)

	s.mu.Lock()
	s.flags.Clear(FlagBlockingInGet)
	s.abortCh = nil
	aborted := s.flags.Has(FlagBlockAbort)
	s.mu.Unlock()

	s.metrics.Waited(time.Since(start), aborted)
	switch {
	case aborted:
		return ipc.Msg{}, ErrEndOfStream
	case err != nil:
		return ipc.Msg{}, errors.Wrapf(ErrDisconnected, "wait for packet %d: %v", idx, err)
	case Command(rep.Op) == CmdNack:
		return ipc.Msg{}, errors.Wrap(ErrNotConnected, "peer refused wait")
	}
	return rep, nil
}

func (s *Socket) waitCommand() Command {
	if s.role == RoleReceive {
		switch s.conf.Delivery {
		case DeliveryMap:
			return CmdMap
		case DeliveryCopy:
			return CmdCopy
		}
	}
	return CmdWait
}

// fetch makes the data of a received packet locally readable. rep is the
// reply of the last wait, which may already carry it.
func (s *Socket) fetch(idx uint32, rep ipc.Msg) error {
	cmd := s.waitCommand()
	if cmd == CmdWait {
		return nil
	}

	seq := load(&s.ctrl.desc(idx).seq)
	if Command(rep.Op) != cmd || rep.Arg != seq {
		r, err := s.callRemote(s.work, ipc.Msg{Op: uint32(cmd), Arg: idx}, nil)
		if errors.Cause(err) == ErrNotConnected {
			return err
		}
		if err != nil {
			return errors.Wrapf(ErrDisconnected, "fetch packet %d: %v", idx, err)
		}
		if Command(r.Op) != cmd || r.Arg != seq {
			return errors.Wrapf(ErrDisconnected, "fetch packet %d: unexpected %s reply", idx, Command(r.Op))
		}
		rep = r
	}

	if cmd == CmdMap {
		return s.mapData(rep.Grant)
	}
	return s.copyIn(idx, rep.Payload)
}

// mapData maps the granted data region while any packet needs it.
func (s *Socket) mapData(grant dataspace.ID) error {
	if s.data == nil {
		r, err := s.task.ds.Attach(grant)
		if err != nil {
			return errors.Wrapf(ErrAllocation, "map data region %s: %v", grant, err)
		}
		s.data, s.dataID = r, grant
	} else if s.data.ID() != grant {
		return errors.Wrapf(ErrInvalidArgument, "grant %s does not match mapped region %s", grant, s.data.ID())
	}
	s.mapped++
	return nil
}

// unmapData drops one packet's use of the mapped data region.
func (s *Socket) unmapData() {
	if s.mapped == 0 {
		return
	}
	s.mapped--
	if s.mapped > 0 || s.data == nil {
		return
	}
	if err := s.task.ds.Detach(s.data); err != nil {
		s.log.WithError(err).Warn("Failed to unmap data region")
	}
	s.data = nil
}

// copyIn places the payload of packet idx at the offsets its chunks name.
func (s *Socket) copyIn(idx uint32, payload []byte) error {
	d := s.ctrl.desc(idx)
	mem := s.data.Bytes()

	off := uint64(0)
	e := load(&d.sgHead)
	for i := load(&d.sgLength); i > 0; i-- {
		if e >= s.ctrl.numSgElems {
			return s.markBroken(errors.Wrapf(ErrCorruptedChain, "packet %d", idx))
		}
		el := s.ctrl.sg(e)
		if load(&el.flags)&dataUnchecked == 0 {
			addr, size := uint64(load(&el.addr)), uint64(load(&el.size))
			if addr+size > uint64(len(mem)) || off+size > uint64(len(payload)) {
				return s.markBroken(errors.Wrapf(ErrCorruptedChain, "packet %d: chunk outside copied payload", idx))
			}
			copy(mem[addr:addr+size], payload[off:off+size])
			off += size
		}
		e = load(&el.next)
	}
	return nil
}

// AbortGet makes a GetPacket blocked in another goroutine return
// ErrEndOfStream. The socket stays at the end of its stream afterwards.
// When no GetPacket is blocked it returns ErrNotBlocked and changes nothing.
func (s *Socket) AbortGet() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.flags.Has(FlagBlockingInGet) || s.flags.Has(FlagBlockAbort) || s.abortCh == nil {
		return ErrNotBlocked
	}
	s.flags.Set(FlagBlockAbort)
	close(s.abortCh)
	s.abortCh = nil
	return nil
}

// AddData appends a chunk to a packet being filled. Unless flags mark a
// gap, an end of stream or a physical address, [addr, addr+size) must lie
// within the data region.
func (p *Packet) AddData(addr, size, flags uint32) error {
	if err := p.valid(RoleSend); err != nil {
		return err
	}
	if flags&^dataUnchecked != 0 {
		return errors.Wrapf(ErrInvalidArgument, "chunk flags %#x", flags)
	}

	s := p.s
	if flags&dataUnchecked == 0 {
		if size == 0 || uint64(addr)+uint64(size) > uint64(len(s.Data())) {
			return errors.Wrapf(ErrInvalidArgument, "chunk [%d, %d) outside data region of %d bytes",
				addr, uint64(addr)+uint64(size), len(s.Data()))
		}
	}

	d := s.ctrl.desc(p.idx)
	length := load(&d.sgLength)
	if length >= s.ctrl.maxSgLen {
		return ErrChainTooLong
	}

	e, err := s.acquireSg()
	if err != nil {
		return err
	}
	el := s.ctrl.sg(e)
	store(&el.addr, addr)
	store(&el.size, size)
	store(&el.flags, sgUsed|flags)

	if length == 0 {
		store(&d.sgHead, e)
	} else {
		store(&s.ctrl.sg(load(&d.sgTail)).next, e)
	}
	store(&d.sgTail, e)
	store(&d.sgLength, length+1)
	return nil
}

// GetData returns the next chunk of a received packet, or ErrNoMoreData.
// The sequence is forward only.
func (p *Packet) GetData() (Chunk, error) {
	if err := p.valid(RoleReceive); err != nil {
		return Chunk{}, err
	}

	s := p.s
	d := s.ctrl.desc(p.idx)
	cur := load(&d.sgCursor)
	if cur == sentinel {
		return Chunk{}, ErrNoMoreData
	}
	if cur >= s.ctrl.numSgElems {
		return Chunk{}, s.markBroken(errors.Wrapf(ErrCorruptedChain, "packet %d: cursor %d", p.idx, cur))
	}

	el := s.ctrl.sg(cur)
	flags := load(&el.flags)
	if flags&sgUsed == 0 {
		return Chunk{}, s.markBroken(errors.Wrapf(ErrCorruptedChain, "packet %d: element %d unused", p.idx, cur))
	}
	store(&d.sgCursor, load(&el.next))

	c := Chunk{Addr: load(&el.addr), Size: load(&el.size)}
	switch {
	case flags&sgEndOfStream != 0:
		c.Kind = ChunkEndOfStream
	case flags&sgGap != 0:
		c.Kind = ChunkGap
	case flags&sgPhysical != 0:
		c.Kind = ChunkPhysical
	default:
		mem := s.Data()
		end := uint64(c.Addr) + uint64(c.Size)
		if end > uint64(len(mem)) {
			return Chunk{}, s.markBroken(errors.Wrapf(ErrCorruptedChain, "packet %d: chunk outside data region", p.idx))
		}
		c.Kind = ChunkData
		c.Data = mem[c.Addr:end:end]
	}
	return c, nil
}

// Commit hands the packet to the peer: on a send socket the packet becomes
// readable, on a receive socket it is released back to the sender.
func (p *Packet) Commit() error {
	if p == nil || p.s == nil || p.done || p.released {
		return errors.Wrap(ErrInvalidArgument, "packet is not held")
	}
	if err := p.s.usable(); err != nil {
		return err
	}
	if p.s.role == RoleSend {
		return p.commitSend()
	}
	return p.commitRelease()
}

func (p *Packet) commitSend() error {
	s := p.s
	d := s.ctrl.desc(p.idx)
	if load(&d.sgLength) == 0 {
		return ErrNoData
	}

	if s.flags.Has(FlagReleaseCallback) {
		setBits(&d.flags, flagReleaseCallback)
	}
	setBits(&d.flags, flagCommitted)
	atomic.AddInt32(&s.ctrl.hdr().packetsCommitted, 1)
	if !unlock(&d.rxLock) {
		return s.markBroken(errors.Wrapf(ErrCorruptedChain, "packet %d: rx lock was not held", p.idx))
	}

	p.done = true
	s.held[p.idx] = false
	atomic.AddInt32(&s.heldCount, -1)
	s.metrics.Committed()
	s.notify(p.idx)
	return nil
}

func (p *Packet) commitRelease() error {
	s := p.s
	d := s.ctrl.desc(p.idx)
	store(&d.sgCursor, load(&d.sgHead))

	if load(&d.flags)&flagReleaseCallback != 0 {
		if err := s.notifyRelease(p.idx, p.seq); err != nil {
			return err
		}
	}
	if s.conf.Delivery == DeliveryMap {
		s.unmapData()
	}

	if err := s.releaseSgChain(load(&d.sgHead), load(&d.sgLength)); err != nil {
		return s.markBroken(err)
	}
	store(&d.sgHead, sentinel)
	store(&d.sgTail, sentinel)
	store(&d.sgCursor, sentinel)
	store(&d.sgLength, 0)
	clearBits(&d.flags, PacketUserFlags|flagReleaseCallback|flagCommitted)
	atomic.AddInt32(&s.ctrl.hdr().packetsCommitted, -1)
	if !unlock(&d.txLock) {
		return s.markBroken(errors.Wrapf(ErrCorruptedChain, "packet %d: tx lock was not held", p.idx))
	}

	p.done = true
	s.held[p.idx] = false
	atomic.AddInt32(&s.heldCount, -1)
	s.metrics.Released()
	s.notify(p.idx)
	return nil
}

// notify tells the local sync thread about a lock flip. The lock word is
// authoritative, so a lost notification only costs the peer a wake.
func (s *Socket) notify(idx uint32) {
	if err := s.work.Send(s.sync.ID(), ipc.Msg{Op: uint32(CmdCommitted), Arg: idx}); err != nil {
		s.log.WithError(err).Warnf("Commit of packet %d not signalled", idx)
	}
}

// notifyRelease routes a release notification through the local sync
// thread. In ReleaseSync mode it returns once the sender ran its callback.
func (s *Socket) notifyRelease(idx, seq uint32) error {
	if s.remote.Load() == nil {
		return ErrNotConnected
	}

	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, seq)
	m := ipc.Msg{Op: uint32(CmdRelease), Arg: idx, Payload: payload}

	if s.conf.Release == ReleaseAsync {
		if err := s.work.Send(s.sync.ID(), m); err != nil {
			return errors.Wrapf(ErrDisconnected, "release packet %d: %v", idx, err)
		}
		return nil
	}

	rep, err := s.work.Call(s.sync.ID(), m, nil)
	if err != nil {
		return errors.Wrapf(ErrDisconnected, "release packet %d: %v", idx, err)
	}
	if Command(rep.Op) != CmdWake {
		return errors.Wrapf(ErrDisconnected, "release packet %d not acknowledged", idx)
	}
	return nil
}
