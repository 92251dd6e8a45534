package dsi

import (
	"fmt"
)

// Command defines type for synchronization thread messages. It travels in
// ipc.Msg.Op; ipc.Msg.Arg carries the packet index unless noted.
type Command uint32

func (c Command) String() string {
	switch c {
	case CmdConnect:
		return "Connect"
	case CmdCommitted:
		return "Committed"
	case CmdWait:
		return "Wait"
	case CmdRelease:
		return "Release"
	case CmdMap:
		return "Map"
	case CmdCopy:
		return "Copy"
	case CmdWake:
		return "Wake"
	case CmdNack:
		return "Nack"
	}

	return fmt.Sprintf("Unknown(%#x)", uint32(c))
}

// Commands occupy the 0x1xx tag space.
const (
	// CmdConnect is the handshake from the owning task. Arg is the socket id.
	CmdConnect Command = 0x100 + iota
	// CmdCommitted reports a lock flip by the local work thread.
	CmdCommitted
	// CmdWait blocks the remote work thread until the packet is available.
	CmdWait
	// CmdRelease reports a released packet. Payload is the packet sequence number.
	CmdRelease
	// CmdMap is a wait which also asks for a grant of the data region.
	CmdMap
	// CmdCopy is a wait which also asks for an inline copy of the payload.
	CmdCopy

	// CmdWake answers a wait. Arg is the packet sequence number for Map and Copy.
	CmdWake Command = 0x1fe
	// CmdNack refuses a call: the socket is not connected or going away.
	CmdNack Command = 0x1ff
)

// cmdMask extracts the tag space of an opcode.
const cmdMask = 0xf00

func isCommand(op uint32) bool { return op&cmdMask == 0x100 }
