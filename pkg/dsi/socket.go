package dsi

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/skycoin/dsi/internal/ioutil"
	"github.com/skycoin/dsi/internal/metrics"
	"github.com/skycoin/dsi/pkg/dataspace"
	"github.com/skycoin/dsi/pkg/event"
	"github.com/skycoin/dsi/pkg/ipc"
)

// Socket flags.
const (
	// FlagBlock makes GetPacket wait for the next packet.
	FlagBlock uint32 = 1 << iota
	// FlagSyncCallback is set when a sync callback is registered.
	FlagSyncCallback
	// FlagReleaseCallback makes the sender ask for release notifications.
	FlagReleaseCallback
	// FlagMap is set on sockets in DeliveryMap mode.
	FlagMap
	// FlagCopy is set on sockets in DeliveryCopy mode.
	FlagCopy
	// FlagEvents is set when commits and releases raise events.
	FlagEvents
	// FlagBlockingInGet is set while GetPacket waits for the peer.
	FlagBlockingInGet
	// FlagBlockAbort is set by AbortGet.
	FlagBlockAbort
	// FlagFreeCtrl is set when the socket allocated its control region.
	FlagFreeCtrl
	// FlagFreeData is set when the socket allocated its data region.
	FlagFreeData
	// FlagFreeSync is set when the socket spawned its sync thread.
	FlagFreeSync

	// flags a caller may pass to CreateSocket.
	userSocketFlags = FlagBlock | FlagReleaseCallback
)

// Ref is everything a task needs to connect to a socket of another task.
type Ref struct {
	Socket      uint32       `json:"socket"`
	WorkThread  ipc.ThreadID `json:"work_thread"`
	SyncThread  ipc.ThreadID `json:"sync_thread"`
	EventThread ipc.ThreadID `json:"event_thread"`
}

// SocketOptions describes a socket to create. Zero region IDs and a nil
// sync thread ask the socket to allocate its own.
type SocketOptions struct {
	Role            Role
	ControlRegion   dataspace.ID
	DataRegion      dataspace.ID
	Work            *ipc.Endpoint
	SyncThread      *ipc.Endpoint
	Flags           uint32
	SyncCallback    func(s *Socket)
	ReleaseCallback func(p *Packet)
}

// Stats is a snapshot of socket state.
type Stats struct {
	Packets     uint32 `json:"packets"`
	SgElements  uint32 `json:"sg_elements"`
	SgInUse     int    `json:"sg_in_use"`
	Outstanding int32  `json:"outstanding"`
	Held        int    `json:"held"`
}

// Socket is one end of a stream.
type Socket struct {
	id   uint32
	task *Task
	role Role
	conf Config

	flags ioutil.Flags
	ctrl  *control

	data   *dataspace.Region
	dataID dataspace.ID
	mapped int

	work   *ipc.Endpoint
	sync   *ipc.Endpoint
	remote atomic.Pointer[Ref]

	nextPacket uint32
	nextSg     uint32
	seq        uint32
	held       []bool // work thread only
	heldCount  int32

	syncCallback    func(s *Socket)
	releaseCallback func(p *Packet)

	mu      sync.Mutex
	abortCh chan struct{}

	stop     chan struct{}
	stopOnce sync.Once
	syncDone chan struct{}
	stopped  ioutil.AtomicBool
	closed   ioutil.AtomicBool
	broken   ioutil.AtomicBool
	free     func()

	log     logrus.FieldLogger
	metrics metrics.Recorder
}

// CreateSocket creates a socket, sets up its regions and starts its
// synchronization thread. The thread accepts protocol traffic once the
// socket is connected.
func (t *Task) CreateSocket(conf Config, opts SocketOptions) (*Socket, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if opts.Role != RoleSend && opts.Role != RoleReceive {
		return nil, errors.Wrapf(ErrInvalidArgument, "role %s", opts.Role)
	}
	if opts.Work == nil || opts.Work.ID().Task() != t.id {
		return nil, errors.Wrap(ErrInvalidArgument, "work thread must belong to the task")
	}
	if opts.SyncThread != nil && opts.SyncThread.ID().Task() != t.id {
		return nil, errors.Wrap(ErrInvalidArgument, "sync thread must belong to the task")
	}
	if opts.Flags&^userSocketFlags != 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "flags %#x", opts.Flags)
	}

	id, free, err := t.sockets.reserveNextID()
	if err != nil {
		return nil, err
	}

	s := &Socket{
		id:              id,
		task:            t,
		role:            opts.Role,
		conf:            conf,
		work:            opts.Work,
		syncCallback:    opts.SyncCallback,
		releaseCallback: opts.ReleaseCallback,
		stop:            make(chan struct{}),
		syncDone:        make(chan struct{}),
		free:            free,
		log:             t.log.WithField("socket", id),
		metrics:         t.metrics,
	}
	s.flags.Set(opts.Flags)
	if opts.SyncCallback != nil {
		s.flags.Set(FlagSyncCallback)
	}
	switch conf.Delivery {
	case DeliveryMap:
		s.flags.Set(FlagMap)
	case DeliveryCopy:
		s.flags.Set(FlagCopy)
	}
	if t.events != nil {
		s.flags.Set(FlagEvents)
	}

	if err := s.setup(opts); err != nil {
		s.teardown()
		free()
		return nil, err
	}

	t.sockets.set(id, s)
	go s.serveSync()

	s.log.Debugf("Created %s socket: %d packets, %d sg elements, %s delivery, sync thread %s",
		s.role, s.ctrl.numPackets, s.ctrl.numSgElems, conf.Delivery, s.sync.ID())
	return s, nil
}

func (s *Socket) setup(opts SocketOptions) error {
	ds := s.task.ds

	if opts.ControlRegion == 0 {
		c, err := createControl(ds, s.conf)
		if err != nil {
			return err
		}
		s.ctrl = c
		s.flags.Set(FlagFreeCtrl)
	} else {
		c, err := attachControl(ds, opts.ControlRegion, s.conf, s.log)
		if err != nil {
			return err
		}
		s.ctrl = c
		s.conf.NumPackets = c.numPackets
		s.conf.MaxSgLen = c.maxSgLen
	}
	s.held = make([]bool, s.ctrl.numPackets)

	if err := s.setupData(opts.DataRegion); err != nil {
		return err
	}

	if opts.SyncThread != nil {
		s.sync = opts.SyncThread
	} else {
		ep, err := s.task.Spawn()
		if err != nil {
			return errors.Wrapf(ErrInvalidArgument, "spawn sync thread: %v", err)
		}
		s.sync = ep
		s.flags.Set(FlagFreeSync)
	}
	return nil
}

func (s *Socket) setupData(id dataspace.ID) error {
	ds := s.task.ds
	s.dataID = id

	if s.role == RoleSend {
		if id == 0 {
			if s.conf.DataSize == 0 {
				return nil
			}
			r, err := ds.Allocate(s.conf.DataSize)
			if err != nil {
				return errors.Wrapf(ErrAllocation, "data region of %d bytes: %v", s.conf.DataSize, err)
			}
			s.data, s.dataID = r, r.ID()
			s.flags.Set(FlagFreeData)
			return nil
		}
		r, err := ds.Attach(id)
		if err != nil {
			return errors.Wrapf(ErrInvalidArgument, "data region %s: %v", id, err)
		}
		s.data = r
		return nil
	}

	switch s.conf.Delivery {
	case DeliveryReference:
		if id == 0 {
			return errors.Wrap(ErrInvalidArgument, "receiver needs the sender's data region")
		}
		r, err := ds.Attach(id)
		if err != nil {
			return errors.Wrapf(ErrInvalidArgument, "data region %s: %v", id, err)
		}
		s.data = r
	case DeliveryCopy:
		if id == 0 {
			return errors.Wrap(ErrInvalidArgument, "receiver needs the sender's data region size")
		}
		size, err := ds.Size(id)
		if err != nil {
			return errors.Wrapf(ErrInvalidArgument, "data region %s: %v", id, err)
		}
		r, err := ds.Allocate(size)
		if err != nil {
			return errors.Wrapf(ErrAllocation, "private data region of %d bytes: %v", size, err)
		}
		s.data = r
		s.flags.Set(FlagFreeData)
	case DeliveryMap:
		// mapped on the first grant
	}
	return nil
}

// teardown releases whatever setup acquired.
func (s *Socket) teardown() {
	ds := s.task.ds

	if s.data != nil {
		id := s.data.ID()
		if err := ds.Detach(s.data); err != nil {
			s.log.WithError(err).Warn("Failed to detach data region")
		}
		if s.flags.Has(FlagFreeData) {
			if err := ds.Free(id); err != nil {
				s.log.WithError(err).Warn("Failed to free data region")
			}
		}
		s.data = nil
	}
	if s.ctrl != nil {
		if err := releaseControl(ds, s.ctrl, s.flags.Has(FlagFreeCtrl)); err != nil {
			s.log.WithError(err).Warn("Failed to release control region")
		}
	}
	if s.sync != nil && s.flags.Has(FlagFreeSync) {
		if err := s.sync.Close(); err != nil {
			s.log.WithError(err).Debug("Sync thread already gone")
		}
	}
}

// ID returns the socket id within its task.
func (s *Socket) ID() uint32 { return s.id }

// Role returns the socket role.
func (s *Socket) Role() Role { return s.role }

// Task returns the owning task.
func (s *Socket) Task() *Task { return s.task }

// Config returns the effective stream configuration. Packet counts follow
// the control region header when the region was attached.
func (s *Socket) Config() Config { return s.conf }

// Flags returns the socket flags.
func (s *Socket) Flags() uint32 { return s.flags.Load() }

// ControlRegion returns the id of the control region.
func (s *Socket) ControlRegion() dataspace.ID { return s.ctrl.region.ID() }

// DataRegion returns the id of the sender's data region.
func (s *Socket) DataRegion() dataspace.ID { return s.dataID }

// Data returns the local mapping of the data region. Senders write payload
// here before AddData; their view ends at the configured DataSize, not at
// the page the mapping is rounded up to. It is nil for a receiver in
// DeliveryMap mode while it holds no packet.
func (s *Socket) Data() []byte {
	if s.data == nil {
		return nil
	}
	mem := s.data.Bytes()
	if n := s.conf.DataSize; s.role == RoleSend && n > 0 && n < len(mem) {
		return mem[:n:n]
	}
	return mem
}

// Ref returns the reference another task connects to.
func (s *Socket) Ref() Ref {
	return Ref{
		Socket:      s.id,
		WorkThread:  s.work.ID(),
		SyncThread:  s.sync.ID(),
		EventThread: s.task.EventThread(),
	}
}

// Remote returns the connected peer.
func (s *Socket) Remote() (Ref, bool) {
	r := s.remote.Load()
	if r == nil {
		return Ref{}, false
	}
	return *r, true
}

// Outstanding returns the number of packets committed by the sender and
// not yet released by the receiver.
func (s *Socket) Outstanding() int32 {
	return atomic.LoadInt32(&s.ctrl.hdr().packetsCommitted)
}

// Stats returns a snapshot of the socket state.
// It may be called from any goroutine.
func (s *Socket) Stats() Stats {
	return Stats{
		Packets:     s.ctrl.numPackets,
		SgElements:  s.ctrl.numSgElems,
		SgInUse:     s.sgInUse(),
		Outstanding: s.Outstanding(),
		Held:        int(atomic.LoadInt32(&s.heldCount)),
	}
}

// Connect stores the peer and performs the handshake with the socket's
// synchronization thread. A socket connects once.
func (s *Socket) Connect(ref Ref) error {
	if err := s.usable(); err != nil {
		return err
	}
	if ref.WorkThread.IsNil() || ref.SyncThread.IsNil() {
		return errors.Wrap(ErrInvalidArgument, "incomplete peer reference")
	}
	if ref.WorkThread.Task() != ref.SyncThread.Task() || ref.WorkThread.Task() == s.task.id {
		return errors.Wrap(ErrInvalidArgument, "peer must be one other task")
	}
	if !s.remote.CompareAndSwap(nil, &ref) {
		return errors.Wrap(ErrInvalidArgument, "already connected")
	}

	rep, err := s.work.Call(s.sync.ID(), ipc.Msg{Op: uint32(CmdConnect), Arg: s.id}, s.stop)
	if err != nil {
		s.remote.Store(nil)
		return errors.Wrapf(ErrDisconnected, "connect: %v", err)
	}
	if Command(rep.Op) != CmdWake {
		s.remote.Store(nil)
		return errors.Wrap(ErrInvalidArgument, "connect refused by sync thread")
	}

	s.log.Debugf("Connected to socket %d of task %d", ref.Socket, ref.WorkThread.Task())
	return nil
}

// Stop halts the synchronization thread. It waits until the thread is
// gone, so no peer request touches the regions afterwards. Stop is
// idempotent.
func (s *Socket) Stop() error {
	s.stopOnce.Do(func() {
		s.stopped.Set(true)
		setBits(&s.ctrl.hdr().stopped, uint32(s.role))
		close(s.stop)
		<-s.syncDone

		if s.flags.Has(FlagFreeSync) {
			if err := s.sync.Close(); err != nil {
				s.log.WithError(err).Debug("Sync thread already gone")
			}
		} else {
			s.drainSync()
		}
		s.raise(s.work, event.EventStopped)
		s.log.Debug("Stopped")
	})
	return nil
}

// Close stops the socket, releases its regions and frees its slot.
func (s *Socket) Close() error {
	if !s.closed.Set(true) {
		return errors.Wrap(ErrInvalidArgument, "socket already closed")
	}
	if err := s.Stop(); err != nil {
		return err
	}

	ds := s.task.ds
	var firstErr error
	if s.data != nil {
		id := s.data.ID()
		if err := ds.Detach(s.data); err != nil {
			firstErr = err
		}
		if s.flags.Has(FlagFreeData) {
			if err := ds.Free(id); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		s.data = nil
	}
	if err := releaseControl(ds, s.ctrl, s.flags.Has(FlagFreeCtrl)); err != nil && firstErr == nil {
		firstErr = err
	}
	s.free()

	s.log.Debug("Closed")
	return firstErr
}

// usable reports why the socket cannot be used, if it cannot.
func (s *Socket) usable() error {
	switch {
	case s.closed.Get():
		return errors.Wrap(ErrInvalidArgument, "socket is closed")
	case s.broken.Get():
		return ErrSocketBroken
	case s.stopped.Get():
		return errors.Wrap(ErrDisconnected, "socket is stopped")
	}
	return nil
}

// markBroken makes every further operation fail with ErrSocketBroken.
func (s *Socket) markBroken(err error) error {
	if s.broken.Set(true) {
		s.log.WithError(err).Error("Socket is broken")
	}
	return err
}

// raise sets event bits of the socket on the task's event thread.
func (s *Socket) raise(from *ipc.Endpoint, mask uint32) {
	if !s.flags.Has(FlagEvents) {
		return
	}
	if err := event.Set(from, s.task.events.ID(), s.id, mask); err != nil {
		s.log.WithError(err).Debug("Failed to raise event")
	}
}
