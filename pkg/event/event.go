// Package event implements per-task event threads. A socket raises event
// bits on the event thread of its task; other threads wait for any bit of
// a mask on a socket. The waiting lists are owned by the event thread alone,
// clients only talk to it through Set, Reset and Wait requests.
package event

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/skycoin/dsi/pkg/ipc"
)

var log = logging.MustGetLogger("event")

// Op defines type for event thread requests. Event opcodes occupy the
// 0x2xx tag space, disjoint from socket commands.
type Op uint32

func (op Op) String() string {
	switch op {
	case OpSet:
		return "Set"
	case OpReset:
		return "Reset"
	case OpWait:
		return "Wait"
	case OpAck:
		return "Ack"
	case OpNack:
		return "Nack"
	}

	return fmt.Sprintf("Unknown(%#x)", uint32(op))
}

const (
	// OpSet raises bits of a socket.
	OpSet Op = 0x201 + iota
	// OpReset clears bits of a socket.
	OpReset
	// OpWait blocks until any bit of the mask is raised.
	OpWait

	// OpAck answers a successful Wait. The payload is the delivered mask.
	OpAck Op = 0x2fe
	// OpNack answers a malformed request.
	OpNack Op = 0x2ff
)

// Event bits raised by DSI sockets.
const (
	// EventCommitted is raised when the sender committed a packet.
	EventCommitted uint32 = 1 << iota
	// EventReleased is raised when the receiver released a packet.
	EventReleased
	// EventStopped is raised when a socket stopped.
	EventStopped
)

var (
	// ErrRefused is returned when the event thread refused a request.
	ErrRefused = errors.New("event: request refused")
	// ErrNoEvents is returned when a wait mask is empty.
	ErrNoEvents = errors.New("event: empty event mask")
)

func encodeMask(mask uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, mask)
	return b
}

func decodeMask(b []byte) (uint32, bool) {
	if len(b) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(b), true
}

// Set raises mask on socket at the event thread srv.
func Set(from *ipc.Endpoint, srv ipc.ThreadID, socket, mask uint32) error {
	return from.Send(srv, ipc.Msg{Op: uint32(OpSet), Arg: socket, Payload: encodeMask(mask)})
}

// Reset clears mask on socket at the event thread srv.
func Reset(from *ipc.Endpoint, srv ipc.ThreadID, socket, mask uint32) error {
	return from.Send(srv, ipc.Msg{Op: uint32(OpReset), Arg: socket, Payload: encodeMask(mask)})
}

// Wait blocks until any bit of mask is raised on socket and returns the
// raised bits it consumed. Closing abort gives up with ipc.ErrAborted.
func Wait(from *ipc.Endpoint, srv ipc.ThreadID, socket, mask uint32, abort <-chan struct{}) (uint32, error) {
	if mask == 0 {
		return 0, ErrNoEvents
	}

	rep, err := from.Call(srv, ipc.Msg{Op: uint32(OpWait), Arg: socket, Payload: encodeMask(mask)}, abort)
	if err != nil {
		return 0, err
	}
	if Op(rep.Op) != OpAck {
		return 0, ErrRefused
	}
	got, ok := decodeMask(rep.Payload)
	if !ok {
		return 0, ErrRefused
	}
	return got, nil
}
