package dsi

import (
	"errors"
)

// Configuration errors.
var (
	// ErrInvalidConfiguration is returned when stream parameters are malformed
	// or disagree with an attached control region.
	ErrInvalidConfiguration = errors.New("invalid configuration")
	// ErrInvalidArgument is returned for invalid handles, ranges and role mismatches.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Resource exhaustion.
var (
	// ErrNoSocketAvailable is returned when the socket table is full.
	ErrNoSocketAvailable = errors.New("no socket available")
	// ErrNoSgElementAvailable is returned when the scatter-gather pool is exhausted.
	ErrNoSgElementAvailable = errors.New("no scatter-gather element available")
	// ErrAllocation is returned when a shared region cannot be allocated or mapped.
	ErrAllocation = errors.New("shared region allocation failed")
)

// Protocol and connection errors.
var (
	// ErrDisconnected is returned when the peer no longer exists.
	ErrDisconnected = errors.New("peer disconnected")
	// ErrNotConnected is returned when an operation needs the peer before Connect.
	ErrNotConnected = errors.New("socket is not connected")
)

// Consistency violations. A socket which hits one of these is broken.
var (
	// ErrCorruptedChain is returned when a scatter-gather chain disagrees with its length.
	ErrCorruptedChain = errors.New("corrupted scatter-gather chain")
	// ErrCorruptedHeader is returned when a control region header is not a DSI header.
	ErrCorruptedHeader = errors.New("corrupted control region header")
	// ErrSocketBroken is returned by every operation on a socket after a consistency violation.
	ErrSocketBroken = errors.New("socket is broken")
)

// Packet lifecycle.
var (
	// ErrNoPacketAvailable is returned by a non-blocking GetPacket when the next slot is busy.
	ErrNoPacketAvailable = errors.New("no packet available")
	// ErrEndOfStream is returned by a blocking GetPacket which was aborted.
	ErrEndOfStream = errors.New("end of stream")
	// ErrChainTooLong is returned when a packet already holds the maximum number of chunks.
	ErrChainTooLong = errors.New("scatter-gather chain too long")
	// ErrNoData is returned when committing a packet without data.
	ErrNoData = errors.New("packet has no data")
	// ErrNoMoreData is returned when every chunk of a packet has been read.
	ErrNoMoreData = errors.New("no more data")
	// ErrNotBlocked is returned by AbortGet when no GetPacket is blocked.
	// It belongs to the ErrNoPacketAvailable class: nothing was changed.
	ErrNotBlocked = errors.New("no packet wait in progress")
)
