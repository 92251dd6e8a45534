package dsi

import (
	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/skycoin/dsi/internal/metrics"
	"github.com/skycoin/dsi/pkg/dataspace"
	"github.com/skycoin/dsi/pkg/event"
	"github.com/skycoin/dsi/pkg/ipc"
)

var log = logging.MustGetLogger("dsi")

// TaskOption represents an optional argument for Task.
type TaskOption func(t *Task) error

// SetLogger sets the logger of the task and its sockets.
func SetLogger(log *logging.Logger) TaskOption {
	return func(t *Task) error {
		if log == nil {
			return errors.Wrap(ErrInvalidArgument, "nil logger")
		}
		t.log = log
		return nil
	}
}

// SetMetrics sets the metrics recorder of the task's sockets.
func SetMetrics(m metrics.Recorder) TaskOption {
	return func(t *Task) error {
		if m == nil {
			return errors.Wrap(ErrInvalidArgument, "nil metrics recorder")
		}
		t.metrics = m
		return nil
	}
}

// Task is one side of a set of streams: an address space owning a socket
// table, the threads of its sockets and, optionally, an event thread.
type Task struct {
	conf    TaskConfig
	id      uint32
	k       *ipc.Kernel
	ds      dataspace.Manager
	sockets *socketTable
	events  *event.Server
	log     *logging.Logger
	metrics metrics.Recorder
}

// NewTask constructs a new Task in kernel k using ds for shared regions.
func NewTask(k *ipc.Kernel, ds dataspace.Manager, conf TaskConfig, opts ...TaskOption) (*Task, error) {
	if k == nil || ds == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "kernel and dataspace manager are required")
	}
	if conf.MaxSockets <= 0 {
		return nil, errors.Wrapf(ErrInvalidConfiguration, "max_sockets %d", conf.MaxSockets)
	}

	t := &Task{
		conf:    conf,
		id:      k.NewTask(),
		k:       k,
		ds:      ds,
		sockets: newSocketTable(conf.MaxSockets),
		log:     log,
		metrics: metrics.NewDummy(),
	}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, err
		}
	}

	if conf.Events {
		srv, err := event.NewServer(k, t.id)
		if err != nil {
			return nil, err
		}
		t.events = srv
	}

	t.log.Debugf("Created task %d (%s), %d socket slots", t.id, conf.Name, conf.MaxSockets)
	return t, nil
}

// ID returns the task number.
func (t *Task) ID() uint32 { return t.id }

// Name returns the configured task name.
func (t *Task) Name() string { return t.conf.Name }

// Kernel returns the kernel the task lives in.
func (t *Task) Kernel() *ipc.Kernel { return t.k }

// Dataspaces returns the dataspace manager of the task.
func (t *Task) Dataspaces() dataspace.Manager { return t.ds }

// Spawn creates a new thread endpoint in the task.
func (t *Task) Spawn() (*ipc.Endpoint, error) {
	return t.k.Spawn(t.id)
}

// EventThread returns the event thread of the task, or ipc.Nil when events
// are disabled.
func (t *Task) EventThread() ipc.ThreadID {
	if t.events == nil {
		return ipc.Nil
	}
	return t.events.ID()
}

// Socket returns the live socket with the given id.
func (t *Task) Socket(id uint32) (*Socket, bool) {
	return t.sockets.get(id)
}

// Sockets returns the number of live sockets.
func (t *Task) Sockets() int {
	return t.sockets.inUse()
}

// Close closes every socket and the event thread.
func (t *Task) Close() error {
	var firstErr error
	for _, s := range t.sockets.all() {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if t.events != nil {
		if err := t.events.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
