package commands

import (
	"github.com/pkg/errors"

	"github.com/skycoin/dsi/pkg/dataspace"
	"github.com/skycoin/dsi/pkg/dsi"
)

// Dataspace backends.
const (
	DataspaceHeap  = "heap"
	DataspaceMemfd = "memfd"
)

// Config is a dsi-bench config.
type Config struct {
	Version         string     `json:"version"`
	Stream          dsi.Config `json:"stream"`
	Packets         int        `json:"packets"`
	ChunkSize       int        `json:"chunk_size"`
	ChunksPerPacket int        `json:"chunks_per_packet"`
	Dataspace       string     `json:"dataspace"`
	UseSelect       bool       `json:"use_select"`
	ReleaseCallback bool       `json:"release_callback"`
	MetricsAddr     string     `json:"metrics_addr"`
	LogLevel        string     `json:"log_level"`
}

func defaultConfig() *Config {
	return &Config{
		Version:         dsi.Version,
		Stream:          dsi.DefaultConfig(),
		Packets:         100000,
		ChunkSize:       4096,
		ChunksPerPacket: 2,
		Dataspace:       DataspaceMemfd,
		MetricsAddr:     ":2121",
		LogLevel:        "info",
	}
}

// Validate checks that every packet fits its own part of the data region.
func (c *Config) Validate() error {
	if err := c.Stream.Validate(); err != nil {
		return err
	}
	if c.Packets <= 0 || c.ChunkSize <= 0 || c.ChunksPerPacket <= 0 {
		return errors.New("packets, chunk_size and chunks_per_packet must be positive")
	}
	if uint32(c.ChunksPerPacket) > c.Stream.MaxSgLen {
		return errors.Errorf("chunks_per_packet %d exceeds max_sg_len %d", c.ChunksPerPacket, c.Stream.MaxSgLen)
	}
	if need := c.slotSize() * int(c.Stream.NumPackets); need > c.Stream.DataSize {
		return errors.Errorf("data_size %d is smaller than the %d bytes the ring needs", c.Stream.DataSize, need)
	}
	switch c.Dataspace {
	case DataspaceHeap, DataspaceMemfd:
	default:
		return errors.Errorf("unknown dataspace %q", c.Dataspace)
	}
	return nil
}

func (c *Config) slotSize() int { return c.ChunkSize * c.ChunksPerPacket }

func (c *Config) dataspaces() dataspace.Manager {
	if c.Dataspace == DataspaceHeap {
		return dataspace.NewHeapManager()
	}
	return dataspace.NewManager()
}
