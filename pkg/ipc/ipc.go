// Package ipc implements the thread and message primitives DSI runs on:
// task-scoped thread identities, per-thread endpoints and short fixed-field
// messages which may carry an inline payload or a page grant.
//
// Send is asynchronous. Call sends a request and blocks until the callee
// replies, the callee is destroyed, the caller is destroyed or the abort
// channel is closed. Replies to calls that are no longer waiting are dropped.
package ipc

import (
	"errors"
	"fmt"

	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/skycoin/dsi/pkg/dataspace"
)

var log = logging.MustGetLogger("ipc")

var (
	// ErrNotExist is returned when the destination thread does not exist
	// or is destroyed while a call is pending.
	ErrNotExist = errors.New("ipc: thread does not exist")
	// ErrClosed is returned when the local endpoint is destroyed.
	ErrClosed = errors.New("ipc: endpoint closed")
	// ErrAborted is returned when a blocking operation is aborted.
	ErrAborted = errors.New("ipc: operation aborted")
	// ErrNoCaller is returned when replying to a call that is no longer waiting.
	ErrNoCaller = errors.New("ipc: caller is not waiting")
	// ErrNotCall is returned when replying to a message that was sent, not called.
	ErrNotCall = errors.New("ipc: message does not expect a reply")
)

// ThreadID identifies a thread: the upper 32 bits name the task, the lower
// 32 bits the thread within that task. The zero value is the nil thread.
type ThreadID uint64

// Nil is the nil thread.
const Nil ThreadID = 0

// MakeThreadID constructs a ThreadID.
func MakeThreadID(task, thread uint32) ThreadID {
	return ThreadID(uint64(task)<<32 | uint64(thread))
}

// Task returns the task part of the ID.
func (id ThreadID) Task() uint32 { return uint32(id >> 32) }

// Thread returns the thread part of the ID.
func (id ThreadID) Thread() uint32 { return uint32(id) }

// IsNil reports whether id is the nil thread.
func (id ThreadID) IsNil() bool { return id == Nil }

// String implements fmt.Stringer
func (id ThreadID) String() string {
	return fmt.Sprintf("%x.%x", id.Task(), id.Thread())
}

// Msg is a short datagram. Op and Arg form the fixed part; Payload carries
// inline data and Grant hands a dataspace to the receiver.
type Msg struct {
	From    ThreadID
	Op      uint32
	Arg     uint32
	Payload []byte
	Grant   dataspace.ID

	seq  uint64
	call bool
}

// IsCall reports whether the sender is blocked waiting for a reply.
func (m Msg) IsCall() bool { return m.call }
