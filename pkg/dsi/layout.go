package dsi

import (
	"sync/atomic"
	"unsafe"
)

// Shared control region layout. Every field is a native-endian uint32 and
// the structs below have no padding, so they overlay the region directly.
//
//	| header (32) | descriptor (32) * numPackets | sg element (16) * numSgElems |
const (
	headerSize     = int(unsafe.Sizeof(header{}))
	descriptorSize = int(unsafe.Sizeof(descriptor{}))
	sgElementSize  = int(unsafe.Sizeof(sgElement{}))

	// sentinel terminates chains and marks empty heads and cursors.
	sentinel = ^uint32(0)

	headerMagic   = uint32('D') | uint32('S')<<8 | uint32('I')<<16 | uint32('1')<<24
	layoutVersion = 1
)

type header struct {
	magic            uint32
	version          uint32
	numPackets       uint32
	numSgElems       uint32
	maxSgLen         uint32
	packetsCommitted int32
	stopped          uint32 // one bit per Role whose sync thread stopped
	inflight         uint32 // peer calls into each side's sync thread, see inflightUnit
}

// inflightUnit is one call into the sync thread of role r. The sender's
// count lives in the low half of header.inflight, the receiver's in the high half.
func inflightUnit(r Role) uint32 {
	if r == RoleReceive {
		return 1 << 16
	}
	return 1
}

func inflightCalls(v uint32, r Role) uint32 {
	if r == RoleReceive {
		return v >> 16
	}
	return v & 0xffff
}

// Lock words: 0 is unlocked, 1 is locked.
const (
	unlocked = 0
	locked   = 1
)

type descriptor struct {
	seq      uint32
	txLock   uint32
	rxLock   uint32
	sgHead   uint32
	sgLength uint32
	sgCursor uint32
	flags    uint32
	sgTail   uint32
}

// Descriptor flags. The low nibble belongs to the synchronization threads:
// the sender's sync thread owns the rx bits, the receiver's owns the tx bits.
const (
	flagRxWaiting = 1 << iota
	flagRxPending
	flagTxWaiting
	flagTxPending

	// set by the sender before handing the packet over and cleared by the
	// receiver before handing it back. While set, nobody writes the chain.
	flagCommitted

	// asks the receiver to notify the sender on release
	flagReleaseCallback = 1 << 8

	// PacketUserFlags is the part of the descriptor flags owned by the application.
	PacketUserFlags = uint32(0xffff0000)
)

type sgElement struct {
	addr  uint32
	size  uint32
	flags uint32
	next  uint32
}

// Chunk flags of a scatter-gather element. Zero means the element is unused.
const (
	sgUsed = 1 << iota
	sgGap
	sgEndOfStream
	sgPhysical
)

// Flags accepted by Packet.AddData.
const (
	// DataGap marks a hole in the stream. Addr and size are not checked.
	DataGap = sgGap
	// DataEndOfStream marks the end of the stream. Addr and size are not checked.
	DataEndOfStream = sgEndOfStream
	// DataPhysical marks addr as a raw physical address. It is not checked.
	DataPhysical = sgPhysical

	dataUnchecked = DataGap | DataEndOfStream | DataPhysical
)

// layoutSize returns the number of bytes a control region needs.
func layoutSize(numPackets, numSgElems uint32) int {
	return headerSize + int(numPackets)*descriptorSize + int(numSgElems)*sgElementSize
}

func load(p *uint32) uint32 { return atomic.LoadUint32(p) }

func store(p *uint32, v uint32) { atomic.StoreUint32(p, v) }

func cas(p *uint32, old, v uint32) bool { return atomic.CompareAndSwapUint32(p, old, v) }

// setBits sets mask in the word at p and returns the previous value.
func setBits(p *uint32, mask uint32) uint32 {
	for {
		old := load(p)
		if cas(p, old, old|mask) {
			return old
		}
	}
}

// clearBits clears mask in the word at p and returns the previous value.
func clearBits(p *uint32, mask uint32) uint32 {
	for {
		old := load(p)
		if cas(p, old, old&^mask) {
			return old
		}
	}
}

// tryLock takes a binary semaphore without blocking.
func tryLock(p *uint32) bool { return cas(p, unlocked, locked) }

// unlock releases a binary semaphore. It fails when the semaphore was not held.
func unlock(p *uint32) bool { return cas(p, locked, unlocked) }
