package dsi

import (
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skycoin/dsi/internal/testhelpers"
	"github.com/skycoin/dsi/pkg/dataspace"
	"github.com/skycoin/dsi/pkg/event"
	"github.com/skycoin/dsi/pkg/ipc"
)

func TestNewTask(t *testing.T) {
	k := ipc.NewKernel()
	ds := dataspace.NewHeapManager()

	_, err := NewTask(nil, ds, DefaultTaskConfig())
	require.Equal(t, ErrInvalidArgument, errors.Cause(err))

	_, err = NewTask(k, ds, TaskConfig{MaxSockets: 0})
	require.Equal(t, ErrInvalidConfiguration, errors.Cause(err))

	_, err = NewTask(k, ds, DefaultTaskConfig(), SetLogger(nil))
	require.Equal(t, ErrInvalidArgument, errors.Cause(err))

	task, err := NewTask(k, ds, TaskConfig{Name: "quiet", MaxSockets: 1}, SetLogger(logging.MustGetLogger("dsi_test")))
	require.NoError(t, err)
	assert.Equal(t, "quiet", task.Name())
	assert.Equal(t, ipc.Nil, task.EventThread())
	assert.Same(t, k, task.Kernel())
	require.NoError(t, task.Close())
}

func TestCreateSocket_InvalidOptions(t *testing.T) {
	_, st, rt := newTasks(t)
	work := spawn(t, st)

	cases := []struct {
		name string
		conf Config
		opts SocketOptions
		err  error
	}{
		{"bad config", Config{}, SocketOptions{Role: RoleSend, Work: work}, ErrInvalidConfiguration},
		{"no role", testConfig(), SocketOptions{Work: work}, ErrInvalidArgument},
		{"no work thread", testConfig(), SocketOptions{Role: RoleSend}, ErrInvalidArgument},
		{"foreign work thread", testConfig(), SocketOptions{Role: RoleSend, Work: spawn(t, rt)}, ErrInvalidArgument},
		{"foreign sync thread", testConfig(), SocketOptions{Role: RoleSend, Work: work, SyncThread: spawn(t, rt)}, ErrInvalidArgument},
		{"internal flags", testConfig(), SocketOptions{Role: RoleSend, Work: work, Flags: FlagFreeCtrl}, ErrInvalidArgument},
		{"receiver without data", testConfig(), SocketOptions{Role: RoleReceive, Work: work}, ErrInvalidArgument},
		{"unknown control region", testConfig(), SocketOptions{Role: RoleSend, Work: work, ControlRegion: 4242}, ErrInvalidArgument},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := st.CreateSocket(tc.conf, tc.opts)
			require.Equal(t, tc.err, errors.Cause(err))
			assert.Equal(t, 0, st.Sockets())
		})
	}
}

func TestCreateSocket_ConfigMismatch(t *testing.T) {
	large := testConfig()
	large.NumPackets = 8

	t.Run("fewer packets than expected", func(t *testing.T) {
		_, st, rt := newTasks(t)
		snd, err := st.CreateSocket(testConfig(), SocketOptions{Role: RoleSend, Work: spawn(t, st)})
		require.NoError(t, err)

		_, err = rt.CreateSocket(large, SocketOptions{
			Role: RoleReceive, Work: spawn(t, rt), ControlRegion: snd.ControlRegion(), DataRegion: snd.DataRegion(),
		})
		require.Equal(t, ErrInvalidConfiguration, errors.Cause(err))
		assert.Equal(t, 0, rt.Sockets())
	})

	t.Run("more packets than expected", func(t *testing.T) {
		_, st, rt := newTasks(t)
		snd, err := st.CreateSocket(large, SocketOptions{Role: RoleSend, Work: spawn(t, st)})
		require.NoError(t, err)

		rcv, err := rt.CreateSocket(testConfig(), SocketOptions{
			Role: RoleReceive, Work: spawn(t, rt), ControlRegion: snd.ControlRegion(), DataRegion: snd.DataRegion(),
		})
		require.NoError(t, err)
		assert.Equal(t, uint32(8), rcv.Config().NumPackets)
		assert.Equal(t, uint32(16), rcv.Stats().SgElements)
	})

	t.Run("uninitialized region", func(t *testing.T) {
		ds, st, rt := newTasks(t)
		r, err := ds.Allocate(layoutSize(4, 8))
		require.NoError(t, err)
		defer func() { require.NoError(t, ds.Detach(r)) }()

		snd, err := st.CreateSocket(testConfig(), SocketOptions{Role: RoleSend, Work: spawn(t, st)})
		require.NoError(t, err)

		_, err = rt.CreateSocket(testConfig(), SocketOptions{
			Role: RoleReceive, Work: spawn(t, rt), ControlRegion: r.ID(), DataRegion: snd.DataRegion(),
		})
		require.Equal(t, ErrCorruptedHeader, errors.Cause(err))
		assert.Equal(t, 0, rt.Sockets())
	})

	t.Run("header larger than region", func(t *testing.T) {
		_, st, rt := newTasks(t)
		snd, err := st.CreateSocket(testConfig(), SocketOptions{Role: RoleSend, Work: spawn(t, st)})
		require.NoError(t, err)
		store(&snd.ctrl.hdr().numPackets, 1<<20)
		store(&snd.ctrl.hdr().numSgElems, 2<<20)

		_, err = rt.CreateSocket(testConfig(), SocketOptions{
			Role: RoleReceive, Work: spawn(t, rt), ControlRegion: snd.ControlRegion(), DataRegion: snd.DataRegion(),
		})
		require.Equal(t, ErrInvalidConfiguration, errors.Cause(err))
	})
}

func TestTask_SocketTable(t *testing.T) {
	k := ipc.NewKernel()
	ds := dataspace.NewHeapManager()
	task, err := NewTask(k, ds, TaskConfig{Name: "small", MaxSockets: 2})
	require.NoError(t, err)
	defer func() { require.NoError(t, task.Close()) }()

	create := func() (*Socket, error) {
		return task.CreateSocket(testConfig(), SocketOptions{Role: RoleSend, Work: spawn(t, task)})
	}

	s1, err := create()
	require.NoError(t, err)
	s2, err := create()
	require.NoError(t, err)
	assert.NotEqual(t, s1.ID(), s2.ID())
	assert.Equal(t, 2, task.Sockets())

	_, err = create()
	require.Equal(t, ErrNoSocketAvailable, errors.Cause(err))

	got, ok := task.Socket(s1.ID())
	require.True(t, ok)
	assert.Same(t, s1, got)

	require.NoError(t, s1.Close())
	_, ok = task.Socket(s1.ID())
	assert.False(t, ok)
	assert.Equal(t, 1, task.Sockets())

	s3, err := create()
	require.NoError(t, err)
	assert.Equal(t, s1.ID(), s3.ID())
}

func TestSocket_Connect(t *testing.T) {
	_, st, rt := newTasks(t)
	snd, err := st.CreateSocket(testConfig(), SocketOptions{Role: RoleSend, Work: spawn(t, st)})
	require.NoError(t, err)
	rcv, err := rt.CreateSocket(testConfig(), SocketOptions{
		Role: RoleReceive, Work: spawn(t, rt), ControlRegion: snd.ControlRegion(), DataRegion: snd.DataRegion(),
	})
	require.NoError(t, err)

	_, ok := snd.Remote()
	assert.False(t, ok)

	require.Equal(t, ErrInvalidArgument, errors.Cause(snd.Connect(Ref{})))
	require.Equal(t, ErrInvalidArgument, errors.Cause(snd.Connect(snd.Ref())))

	mixed := rcv.Ref()
	mixed.SyncThread = snd.Ref().SyncThread
	require.Equal(t, ErrInvalidArgument, errors.Cause(snd.Connect(mixed)))

	require.NoError(t, snd.Connect(rcv.Ref()))
	require.Equal(t, ErrInvalidArgument, errors.Cause(snd.Connect(rcv.Ref())))

	remote, ok := snd.Remote()
	require.True(t, ok)
	assert.Equal(t, rcv.Ref(), remote)
}

func TestRef_JSON(t *testing.T) {
	tp := newPair(t, testConfig(), SocketOptions{}, SocketOptions{})

	b, err := json.Marshal(tp.snd.Ref())
	require.NoError(t, err)

	var ref Ref
	require.NoError(t, json.Unmarshal(b, &ref))
	assert.Equal(t, tp.snd.Ref(), ref)
	assert.Equal(t, tp.st.EventThread(), ref.EventThread)
}

func TestSocket_StopClose(t *testing.T) {
	tp := newPair(t, testConfig(), SocketOptions{}, SocketOptions{})
	sync := tp.snd.Ref().SyncThread

	require.NoError(t, tp.snd.Stop())
	require.NoError(t, tp.snd.Stop())
	assert.False(t, tp.st.Kernel().Exists(sync))

	_, err := tp.snd.GetPacket()
	require.Equal(t, ErrDisconnected, errors.Cause(err))

	require.NoError(t, tp.snd.Close())
	require.Equal(t, ErrInvalidArgument, errors.Cause(tp.snd.Close()))
	_, err = tp.snd.GetPacket()
	require.Equal(t, ErrInvalidArgument, errors.Cause(err))
	assert.Equal(t, 0, tp.st.Sockets())

	// the receiver keeps its mapping until it closes too.
	assert.NotNil(t, tp.rcv.Data())
}

func TestSocket_SharedSyncThread(t *testing.T) {
	_, st, _ := newTasks(t)
	sync := spawn(t, st)

	s, err := st.CreateSocket(testConfig(), SocketOptions{Role: RoleSend, Work: spawn(t, st), SyncThread: sync})
	require.NoError(t, err)
	assert.Zero(t, s.Flags()&FlagFreeSync)
	assert.Equal(t, sync.ID(), s.Ref().SyncThread)

	require.NoError(t, s.Close())
	assert.True(t, st.Kernel().Exists(sync.ID()))
}

func TestSocket_SharedSyncThreadStopWakesPeer(t *testing.T) {
	for _, role := range []Role{RoleSend, RoleReceive} {
		t.Run(role.String(), func(t *testing.T) {
			_, st, rt := newTasks(t)

			sopts := SocketOptions{Role: RoleSend, Work: spawn(t, st), Flags: FlagBlock}
			ropts := SocketOptions{Role: RoleReceive, Work: spawn(t, rt), Flags: FlagBlock}
			if role == RoleSend {
				sopts.SyncThread = spawn(t, st)
			} else {
				ropts.SyncThread = spawn(t, rt)
			}

			snd, err := st.CreateSocket(testConfig(), sopts)
			require.NoError(t, err)
			ropts.ControlRegion = snd.ControlRegion()
			ropts.DataRegion = snd.DataRegion()
			rcv, err := rt.CreateSocket(testConfig(), ropts)
			require.NoError(t, err)
			require.NoError(t, snd.Connect(rcv.Ref()))
			require.NoError(t, rcv.Connect(snd.Ref()))

			// the peer of the stopping socket blocks on it.
			stopping, blocked := snd, rcv
			if role == RoleReceive {
				stopping, blocked = rcv, snd
				for i := 0; i < int(testConfig().NumPackets); i++ {
					sendChunks(t, snd, []byte{byte(i)})
				}
			}

			errCh := make(chan error, 1)
			go func() {
				_, err := blocked.GetPacket()
				errCh <- err
			}()
			testhelpers.Await(t, func() bool { return blocked.Flags()&FlagBlockingInGet != 0 })

			require.NoError(t, stopping.Stop())
			assert.True(t, st.Kernel().Exists(stopping.Ref().SyncThread))

			select {
			case err := <-errCh:
				require.Equal(t, ErrDisconnected, errors.Cause(err))
			case <-time.After(5 * time.Second):
				t.Fatal("peer still blocked after the socket stopped")
			}

			// later waits fail at once instead of queueing on the idle thread.
			_, err = blocked.GetPacket()
			require.Equal(t, ErrDisconnected, errors.Cause(err))

			require.NoError(t, blocked.Close())
			require.NoError(t, stopping.Close())
		})
	}
}

func TestSocket_NoDataRegion(t *testing.T) {
	conf := testConfig()
	conf.DataSize = 0
	_, st, _ := newTasks(t)
	snd, err := st.CreateSocket(conf, SocketOptions{Role: RoleSend, Work: spawn(t, st)})
	require.NoError(t, err)

	assert.Nil(t, snd.Data())
	assert.Zero(t, snd.Flags()&FlagFreeData)

	p, err := snd.GetPacket()
	require.NoError(t, err)
	require.Equal(t, ErrInvalidArgument, errors.Cause(p.AddData(0, 1, 0)))
	require.NoError(t, p.AddData(0x1000, 64, DataPhysical))
	require.NoError(t, p.Commit())
}

func TestSocket_Stats(t *testing.T) {
	tp := newPair(t, testConfig(), SocketOptions{}, SocketOptions{})

	sendChunks(t, tp.snd, []byte("a"), []byte("b"))
	sendChunks(t, tp.snd, []byte("c"))
	rp, err := tp.rcv.GetPacket()
	require.NoError(t, err)

	assert.Equal(t, Stats{Packets: 4, SgElements: 8, SgInUse: 3, Outstanding: 2, Held: 0}, tp.snd.Stats())
	assert.Equal(t, Stats{Packets: 4, SgElements: 8, SgInUse: 3, Outstanding: 2, Held: 1}, tp.rcv.Stats())

	require.NoError(t, rp.Commit())
	assert.Equal(t, Stats{Packets: 4, SgElements: 8, SgInUse: 1, Outstanding: 1, Held: 0}, tp.rcv.Stats())
}

func TestSocket_StatsWhileStreaming(t *testing.T) {
	tp := newPair(t, testConfig(), SocketOptions{Flags: FlagBlock}, SocketOptions{Flags: FlagBlock})

	stop := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		for {
			select {
			case <-stop:
				errCh <- nil
				return
			default:
			}
			if held := tp.rcv.Stats().Held; held < 0 || held > 1 {
				errCh <- errors.Errorf("receiver holds %d packets", held)
				return
			}
		}
	}()

	sendErr := make(chan error, 1)
	go func() {
		for i := 0; i < 100; i++ {
			p, err := tp.snd.GetPacket()
			if err == nil {
				off := p.Index() * slotSize
				tp.snd.Data()[off] = byte(i)
				err = p.AddData(off, 1, 0)
			}
			if err == nil {
				err = p.Commit()
			}
			if err != nil {
				sendErr <- err
				return
			}
		}
		sendErr <- nil
	}()
	for i := 0; i < 100; i++ {
		rp, chunks := recvChunks(t, tp.rcv)
		require.Equal(t, []byte{byte(i)}, chunks[0])
		require.NoError(t, rp.Commit())
	}

	close(stop)
	require.NoError(t, testhelpers.WithinTimeout(sendErr))
	require.NoError(t, testhelpers.WithinTimeout(errCh))
	assert.Equal(t, 0, tp.rcv.Stats().Held)
}

func TestSocket_Events(t *testing.T) {
	tp := newPair(t, testConfig(), SocketOptions{}, SocketOptions{})
	assert.NotZero(t, tp.snd.Flags()&FlagEvents)

	watcher := spawn(t, tp.rt)
	wait := func(ref Ref, mask uint32) uint32 {
		abort := make(chan struct{})
		timer := time.AfterFunc(5*time.Second, func() { close(abort) })
		defer timer.Stop()

		got, err := event.Wait(watcher, ref.EventThread, ref.Socket, mask, abort)
		require.NoError(t, err)
		return got
	}

	sendChunks(t, tp.snd, []byte("x"))
	assert.Equal(t, event.EventCommitted, wait(tp.snd.Ref(), event.EventCommitted))

	recvAndRelease(t, tp.rcv)
	assert.Equal(t, event.EventReleased, wait(tp.rcv.Ref(), event.EventReleased|event.EventStopped))

	ref := tp.snd.Ref()
	require.NoError(t, tp.snd.Stop())
	assert.Equal(t, event.EventStopped, wait(ref, event.EventStopped))
}

type countingRecorder struct {
	committed, released, waits, aborts, exhausted int32
}

func (r *countingRecorder) Committed() { atomic.AddInt32(&r.committed, 1) }

func (r *countingRecorder) Released() { atomic.AddInt32(&r.released, 1) }

func (r *countingRecorder) Waited(_ time.Duration, aborted bool) {
	atomic.AddInt32(&r.waits, 1)
	if aborted {
		atomic.AddInt32(&r.aborts, 1)
	}
}

func (r *countingRecorder) SgExhausted() { atomic.AddInt32(&r.exhausted, 1) }

func TestTask_Metrics(t *testing.T) {
	k := ipc.NewKernel()
	ds := dataspace.NewHeapManager()
	rec := &countingRecorder{}

	st, err := NewTask(k, ds, DefaultTaskConfig(), SetMetrics(rec))
	require.NoError(t, err)
	defer func() { require.NoError(t, st.Close()) }()
	rt, err := NewTask(k, ds, DefaultTaskConfig(), SetMetrics(rec))
	require.NoError(t, err)
	defer func() { require.NoError(t, rt.Close()) }()

	_, err = NewTask(k, ds, DefaultTaskConfig(), SetMetrics(nil))
	require.Equal(t, ErrInvalidArgument, errors.Cause(err))

	snd, err := st.CreateSocket(testConfig(), SocketOptions{Role: RoleSend, Work: spawn(t, st)})
	require.NoError(t, err)
	rcv, err := rt.CreateSocket(testConfig(), SocketOptions{
		Role: RoleReceive, Work: spawn(t, rt), Flags: FlagBlock,
		ControlRegion: snd.ControlRegion(), DataRegion: snd.DataRegion(),
	})
	require.NoError(t, err)
	require.NoError(t, snd.Connect(rcv.Ref()))
	require.NoError(t, rcv.Connect(snd.Ref()))

	errCh := make(chan error, 1)
	go func() {
		_, err := rcv.GetPacket()
		errCh <- err
	}()
	testhelpers.Await(t, func() bool { return rcv.Flags()&FlagBlockingInGet != 0 })
	require.NoError(t, rcv.AbortGet())
	require.Equal(t, ErrEndOfStream, errors.Cause(<-errCh))

	sendChunks(t, snd, []byte("x"))
	for i := uint32(0); i < snd.ctrl.numSgElems; i++ {
		store(&snd.ctrl.sg(i).flags, sgUsed)
	}
	p, err := snd.GetPacket()
	require.NoError(t, err)
	require.Equal(t, ErrNoSgElementAvailable, errors.Cause(p.AddData(0, 1, 0)))

	assert.Equal(t, int32(1), atomic.LoadInt32(&rec.committed))
	assert.Equal(t, int32(1), atomic.LoadInt32(&rec.waits))
	assert.Equal(t, int32(1), atomic.LoadInt32(&rec.aborts))
	assert.Equal(t, int32(1), atomic.LoadInt32(&rec.exhausted))
}
