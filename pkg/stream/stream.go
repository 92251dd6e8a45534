// Package stream pairs a DSI send socket with a receive socket and drives
// their lifecycle as one unit.
package stream

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/skycoin/dsi/internal/ioutil"
	"github.com/skycoin/dsi/pkg/dataspace"
	"github.com/skycoin/dsi/pkg/dsi"
	"github.com/skycoin/dsi/pkg/ipc"
)

var log = logging.MustGetLogger("stream")

var (
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("stream already started")
	// ErrClosed is returned when operating on a closed stream.
	ErrClosed = errors.New("stream closed")
)

// Component is one side of a stream: the task it lives in and the work
// thread that will use its socket.
type Component struct {
	Task            *dsi.Task
	Work            *ipc.Endpoint
	Flags           uint32
	SyncCallback    func(s *dsi.Socket)
	ReleaseCallback func(p *dsi.Packet)
}

func (c Component) options(role dsi.Role) dsi.SocketOptions {
	return dsi.SocketOptions{
		Role:            role,
		Work:            c.Work,
		Flags:           c.Flags,
		SyncCallback:    c.SyncCallback,
		ReleaseCallback: c.ReleaseCallback,
	}
}

// Stream is a connected pair of sockets sharing one control and one data region.
type Stream struct {
	ID       uuid.UUID
	Sender   *dsi.Socket
	Receiver *dsi.Socket

	started ioutil.AtomicBool
	closed  ioutil.AtomicBool
	log     logrus.FieldLogger
}

// Create sets up both sockets of a stream. The sender allocates the regions
// and the receiver attaches them. Nothing flows until Start.
func Create(conf dsi.Config, snd, rcv Component) (*Stream, error) {
	if snd.Task == nil || rcv.Task == nil {
		return nil, errors.Wrap(dsi.ErrInvalidArgument, "both components need a task")
	}

	sender, err := snd.Task.CreateSocket(conf, snd.options(dsi.RoleSend))
	if err != nil {
		return nil, errors.Wrap(err, "create send socket")
	}

	ropts := rcv.options(dsi.RoleReceive)
	ropts.ControlRegion = sender.ControlRegion()
	ropts.DataRegion = sender.DataRegion()
	receiver, err := rcv.Task.CreateSocket(conf, ropts)
	if err != nil {
		if cErr := sender.Close(); cErr != nil {
			log.WithError(cErr).Warn("Failed to close send socket")
		}
		return nil, errors.Wrap(err, "create receive socket")
	}

	id := uuid.New()
	s := &Stream{
		ID:       id,
		Sender:   sender,
		Receiver: receiver,
		log:      log.WithField("stream", id),
	}
	s.log.Debugf("Created: %s -> %s, control %s, data %s",
		snd.Task.Name(), rcv.Task.Name(), s.Ctrl(), s.Data())
	return s, nil
}

// Ctrl returns the control region of the stream.
func (s *Stream) Ctrl() dataspace.ID { return s.Sender.ControlRegion() }

// Data returns the data region of the stream.
func (s *Stream) Data() dataspace.ID { return s.Sender.DataRegion() }

// Start connects the sockets to each other.
func (s *Stream) Start() error {
	if s.closed.Get() {
		return ErrClosed
	}
	if !s.started.Set(true) {
		return ErrAlreadyStarted
	}

	if err := s.Sender.Connect(s.Receiver.Ref()); err != nil {
		return errors.Wrap(err, "connect send socket")
	}
	if err := s.Receiver.Connect(s.Sender.Ref()); err != nil {
		return errors.Wrap(err, "connect receive socket")
	}

	s.log.Debug("Started")
	return nil
}

// Stop halts both synchronization threads, receiver first. Work threads
// blocked in GetPacket return ErrDisconnected.
func (s *Stream) Stop() error {
	if err := s.Receiver.Stop(); err != nil {
		return err
	}
	return s.Sender.Stop()
}

// Close stops the stream and releases both sockets. The receiver goes
// first so the sender's regions outlive every mapping of them.
func (s *Stream) Close() error {
	if !s.closed.Set(true) {
		return ErrClosed
	}

	var firstErr error
	if err := s.Receiver.Close(); err != nil {
		firstErr = errors.Wrap(err, "close receive socket")
	}
	if err := s.Sender.Close(); err != nil && firstErr == nil {
		firstErr = errors.Wrap(err, "close send socket")
	}

	s.log.Debug("Closed")
	return firstErr
}
