package dsi

import (
	"fmt"

	"github.com/pkg/errors"
)

// Version is the DSI protocol and library version.
const Version = "0.1.0"

// Role of a socket.
type Role byte

func (r Role) String() string {
	switch r {
	case RoleSend:
		return "Send"
	case RoleReceive:
		return "Receive"
	}

	return fmt.Sprintf("Unknown(%d)", r)
}

// peer returns the role of the other end of a stream.
func (r Role) peer() Role {
	if r == RoleSend {
		return RoleReceive
	}
	return RoleSend
}

const (
	// RoleSend produces packets.
	RoleSend = Role(1)
	// RoleReceive consumes packets.
	RoleReceive = Role(2)
)

// DeliveryMode defines how a receiver obtains payload bytes.
type DeliveryMode string

const (
	// DeliveryReference attaches the sender's data region once; chunks are
	// read in place.
	DeliveryReference = DeliveryMode("reference")
	// DeliveryMap maps the sender's data region from a page grant carried by
	// the wait reply and unmaps it on release.
	DeliveryMap = DeliveryMode("map")
	// DeliveryCopy copies the payload inline into a private data region.
	DeliveryCopy = DeliveryMode("copy")
)

// ReleaseMode defines how release notifications reach the sender.
type ReleaseMode string

const (
	// ReleaseAsync sends the notification and goes on.
	ReleaseAsync = ReleaseMode("async")
	// ReleaseSync waits until the sender ran its release callback.
	ReleaseSync = ReleaseMode("sync")
)

// Config is a stream configuration. Both sides of a stream must agree on it;
// the side allocating the control region is authoritative.
type Config struct {
	NumPackets uint32       `json:"num_packets"`
	MaxSgLen   uint32       `json:"max_sg_len"`
	DataSize   int          `json:"data_size"`
	Delivery   DeliveryMode `json:"delivery"`
	Release    ReleaseMode  `json:"release"`
}

// DefaultConfig returns the default stream configuration.
func DefaultConfig() Config {
	return Config{
		NumPackets: 64,
		MaxSgLen:   4,
		DataSize:   1 << 20,
		Delivery:   DeliveryReference,
		Release:    ReleaseAsync,
	}
}

// NumSgElems returns the scatter-gather pool capacity.
func (c Config) NumSgElems() uint32 { return c.NumPackets * c.MaxSgLen }

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.NumPackets == 0 || c.MaxSgLen == 0 {
		return errors.Wrap(ErrInvalidConfiguration, "num_packets and max_sg_len must be positive")
	}
	if uint64(c.NumPackets)*uint64(c.MaxSgLen) >= uint64(sentinel) {
		return errors.Wrap(ErrInvalidConfiguration, "scatter-gather pool too large")
	}
	if c.DataSize < 0 || int64(c.DataSize) > int64(sentinel) {
		return errors.Wrapf(ErrInvalidConfiguration, "data_size %d out of range", c.DataSize)
	}
	switch c.Delivery {
	case DeliveryReference, DeliveryMap, DeliveryCopy:
	default:
		return errors.Wrapf(ErrInvalidConfiguration, "unknown delivery mode %q", c.Delivery)
	}
	switch c.Release {
	case ReleaseAsync, ReleaseSync:
	default:
		return errors.Wrapf(ErrInvalidConfiguration, "unknown release mode %q", c.Release)
	}
	return nil
}

// TaskConfig configures a Task.
type TaskConfig struct {
	Name       string `json:"name"`
	MaxSockets int    `json:"max_sockets"`
	Events     bool   `json:"events"`
}

// DefaultTaskConfig returns the default task configuration.
func DefaultTaskConfig() TaskConfig {
	return TaskConfig{
		Name:       "dsi",
		MaxSockets: 32,
		Events:     true,
	}
}
