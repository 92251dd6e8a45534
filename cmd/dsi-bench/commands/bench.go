package commands

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/skycoin/dsi/internal/metrics"
	"github.com/skycoin/dsi/pkg/dsi"
	"github.com/skycoin/dsi/pkg/event"
	"github.com/skycoin/dsi/pkg/ipc"
	"github.com/skycoin/dsi/pkg/stream"
)

// Report summarizes a bench run.
type Report struct {
	Packets  int
	Bytes    uint64
	Released int
	Elapsed  time.Duration
}

// Rate returns the human readable throughput.
func (r Report) Rate() string {
	if r.Elapsed <= 0 {
		return "n/a"
	}
	return humanize.Bytes(uint64(float64(r.Bytes)/r.Elapsed.Seconds())) + "/s"
}

func (r Report) String() string {
	return fmt.Sprintf("%s packets, %s in %s (%s)",
		humanize.Comma(int64(r.Packets)), humanize.Bytes(r.Bytes), r.Elapsed.Round(time.Millisecond), r.Rate())
}

// Progress counts the packets a running bench has received so far.
type Progress struct {
	packets int64
	bytes   int64
}

func (p *Progress) add(bytes uint64) {
	atomic.AddInt64(&p.packets, 1)
	atomic.AddInt64(&p.bytes, int64(bytes))
}

// Snapshot returns the received packet and byte counts.
func (p *Progress) Snapshot() (packets, bytes int64) {
	return atomic.LoadInt64(&p.packets), atomic.LoadInt64(&p.bytes)
}

// runBench sends conf.Packets packets through a fresh stream, followed by
// an end-of-stream packet, and receives them on the calling goroutine.
func runBench(conf *Config, rec metrics.Recorder, progress *Progress, logger *logging.Logger) (Report, error) {
	if err := conf.Validate(); err != nil {
		return Report{}, err
	}

	k := ipc.NewKernel()
	ds := conf.dataspaces()
	opts := []dsi.TaskOption{dsi.SetLogger(logger), dsi.SetMetrics(rec)}

	producer, err := dsi.NewTask(k, ds, dsi.TaskConfig{Name: "producer", MaxSockets: 1, Events: true}, opts...)
	if err != nil {
		return Report{}, err
	}
	defer closeTask(producer, logger)
	consumer, err := dsi.NewTask(k, ds, dsi.TaskConfig{Name: "consumer", MaxSockets: 1, Events: true}, opts...)
	if err != nil {
		return Report{}, err
	}
	defer closeTask(consumer, logger)

	var released int64
	snd := stream.Component{Task: producer, Flags: dsi.FlagBlock}
	if conf.ReleaseCallback {
		snd.Flags |= dsi.FlagReleaseCallback
		snd.ReleaseCallback = func(*dsi.Packet) { atomic.AddInt64(&released, 1) }
	}
	rcv := stream.Component{Task: consumer}
	if !conf.UseSelect {
		rcv.Flags = dsi.FlagBlock
	}
	if snd.Work, err = producer.Spawn(); err != nil {
		return Report{}, err
	}
	if rcv.Work, err = consumer.Spawn(); err != nil {
		return Report{}, err
	}

	s, err := stream.Create(conf.Stream, snd, rcv)
	if err != nil {
		return Report{}, err
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close stream")
		}
	}()
	if err := s.Start(); err != nil {
		return Report{}, err
	}
	logger.Infof("Stream %s: %d packets of %d x %s, %s delivery, %s release",
		s.ID, conf.Packets, conf.ChunksPerPacket, humanize.Bytes(uint64(conf.ChunkSize)),
		conf.Stream.Delivery, conf.Stream.Release)

	start := time.Now()
	sendErr := make(chan error, 1)
	go func() { sendErr <- produce(s.Sender, conf) }()

	rep, err := consume(s.Receiver, conf, progress)
	if err != nil {
		return rep, errors.Wrap(err, "consume")
	}
	rep.Elapsed = time.Since(start)
	if err := <-sendErr; err != nil {
		return rep, errors.Wrap(err, "produce")
	}

	// in async release mode the last callbacks may still be on their way.
	rep.Released = int(atomic.LoadInt64(&released))
	return rep, nil
}

func produce(s *dsi.Socket, conf *Config) error {
	mem := s.Data()
	for i := 0; i <= conf.Packets; i++ {
		p, err := s.GetPacket()
		if err != nil {
			return err
		}

		if i == conf.Packets {
			if err := p.AddData(0, 0, dsi.DataEndOfStream); err != nil {
				return err
			}
			return p.Commit()
		}

		off := int(p.Index()) * conf.slotSize()
		for c := 0; c < conf.ChunksPerPacket; c++ {
			chunk := mem[off : off+conf.ChunkSize]
			chunk[0] = byte(i)
			if err := p.AddData(uint32(off), uint32(conf.ChunkSize), 0); err != nil {
				return err
			}
			off += conf.ChunkSize
		}
		if err := p.Commit(); err != nil {
			return err
		}
	}
	return nil
}

func consume(s *dsi.Socket, conf *Config, progress *Progress) (Report, error) {
	var rep Report
	for {
		p, err := s.GetPacket()
		if errors.Cause(err) == dsi.ErrNoPacketAvailable && conf.UseSelect {
			if _, err := stream.Select([]stream.Candidate{{Socket: s, Mask: event.EventCommitted}}, nil); err != nil {
				return rep, err
			}
			continue
		}
		if err != nil {
			return rep, err
		}

		eos := false
		var size uint64
		for {
			c, err := p.GetData()
			if errors.Cause(err) == dsi.ErrNoMoreData {
				break
			}
			if err != nil {
				return rep, err
			}
			switch c.Kind {
			case dsi.ChunkEndOfStream:
				eos = true
			case dsi.ChunkData:
				if c.Data[0] != byte(rep.Packets) {
					return rep, errors.Errorf("packet %d: unexpected payload %#x", rep.Packets, c.Data[0])
				}
				size += uint64(c.Size)
			}
		}
		if err := p.Commit(); err != nil {
			return rep, err
		}
		if eos {
			return rep, nil
		}
		rep.Packets++
		rep.Bytes += size
		progress.add(size)
	}
}

func closeTask(t *dsi.Task, logger *logging.Logger) {
	if err := t.Close(); err != nil {
		logger.WithError(err).Warnf("Failed to close task %s", t.Name())
	}
}
