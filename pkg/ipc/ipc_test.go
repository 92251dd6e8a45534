package ipc

import (
	stdlog "log"
	"os"
	"testing"
	"time"

	"github.com/skycoin/skycoin/src/util/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skycoin/dsi/internal/testhelpers"
	"github.com/skycoin/dsi/pkg/dataspace"
)

func TestMain(m *testing.M) {
	loggingLevel, ok := os.LookupEnv("TEST_LOGGING_LEVEL")
	if ok {
		lvl, err := logging.LevelFromString(loggingLevel)
		if err != nil {
			stdlog.Fatal(err)
		}
		logging.SetLevel(lvl)
	} else {
		logging.Disable()
	}

	os.Exit(m.Run())
}

func spawnPair(t *testing.T) (*Kernel, *Endpoint, *Endpoint) {
	k := NewKernel()
	a, err := k.Spawn(k.NewTask())
	require.NoError(t, err)
	b, err := k.Spawn(k.NewTask())
	require.NoError(t, err)
	return k, a, b
}

func TestThreadID(t *testing.T) {
	id := MakeThreadID(3, 7)
	assert.Equal(t, uint32(3), id.Task())
	assert.Equal(t, uint32(7), id.Thread())
	assert.False(t, id.IsNil())
	assert.True(t, Nil.IsNil())
	assert.Equal(t, "3.7", id.String())
}

func TestKernel_Spawn(t *testing.T) {
	k := NewKernel()

	_, err := k.Spawn(42)
	require.Equal(t, ErrNotExist, err)

	task := k.NewTask()
	a, err := k.Spawn(task)
	require.NoError(t, err)
	b, err := k.Spawn(task)
	require.NoError(t, err)

	assert.Equal(t, task, a.ID().Task())
	assert.NotEqual(t, a.ID(), b.ID())
	assert.True(t, k.Exists(a.ID()))

	require.NoError(t, a.Close())
	assert.False(t, k.Exists(a.ID()))
	require.Equal(t, ErrNotExist, k.Destroy(a.ID()))
}

func TestEndpoint_SendReceive(t *testing.T) {
	_, a, b := spawnPair(t)

	require.NoError(t, a.Send(b.ID(), Msg{Op: 1, Arg: 2, Payload: []byte("x"), Grant: dataspace.ID(9)}))

	m, err := b.Receive(nil)
	require.NoError(t, err)
	assert.Equal(t, a.ID(), m.From)
	assert.Equal(t, uint32(1), m.Op)
	assert.Equal(t, uint32(2), m.Arg)
	assert.Equal(t, []byte("x"), m.Payload)
	assert.Equal(t, dataspace.ID(9), m.Grant)
	assert.False(t, m.IsCall())
	require.Equal(t, ErrNotCall, b.Reply(m, Msg{}))

	require.Equal(t, ErrNotExist, a.Send(MakeThreadID(99, 1), Msg{}))
}

func TestEndpoint_Call(t *testing.T) {
	_, a, b := spawnPair(t)

	errCh := make(chan error, 1)
	go func() {
		m, err := b.Receive(nil)
		if err == nil {
			err = b.Reply(m, Msg{Op: m.Op + 1, Arg: m.Arg * 2})
		}
		errCh <- err
	}()

	rep, err := a.Call(b.ID(), Msg{Op: 10, Arg: 21}, nil)
	require.NoError(t, err)
	assert.Equal(t, b.ID(), rep.From)
	assert.Equal(t, uint32(11), rep.Op)
	assert.Equal(t, uint32(42), rep.Arg)
	require.NoError(t, testhelpers.WithinTimeout(errCh))
}

func TestEndpoint_CallAbort(t *testing.T) {
	_, a, b := spawnPair(t)

	abort := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		_, err := a.Call(b.ID(), Msg{Op: 1}, abort)
		errCh <- err
	}()

	m, err := b.Receive(nil)
	require.NoError(t, err)
	close(abort)
	require.Equal(t, ErrAborted, testhelpers.WithinTimeout(errCh))

	// a late reply to the aborted call is dropped, not delivered to the next call.
	require.Equal(t, ErrNoCaller, b.Reply(m, Msg{Op: 100}))

	go func() {
		m, err := b.Receive(nil)
		if err == nil {
			err = b.Reply(m, Msg{Op: 200})
		}
		errCh <- err
	}()
	rep, err := a.Call(b.ID(), Msg{Op: 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(200), rep.Op)
	require.NoError(t, testhelpers.WithinTimeout(errCh))
}

func TestEndpoint_CalleeDestroyed(t *testing.T) {
	k, a, b := spawnPair(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := a.Call(b.ID(), Msg{Op: 1}, nil)
		errCh <- err
	}()

	_, err := b.Receive(nil)
	require.NoError(t, err)
	require.NoError(t, k.Destroy(b.ID()))
	require.Equal(t, ErrNotExist, testhelpers.WithinTimeout(errCh))

	_, err = a.Call(b.ID(), Msg{}, nil)
	require.Equal(t, ErrNotExist, err)
}

func TestEndpoint_ReceiveAfterDestroy(t *testing.T) {
	_, a, _ := spawnPair(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := a.Receive(nil)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, a.Close())
	require.Equal(t, ErrClosed, testhelpers.WithinTimeout(errCh))
}

func TestEndpoint_ReceiveAbort(t *testing.T) {
	_, a, _ := spawnPair(t)

	abort := make(chan struct{})
	close(abort)
	_, err := a.Receive(abort)
	require.Equal(t, ErrAborted, err)
}

func TestEndpoint_ConcurrentCalls(t *testing.T) {
	_, a, b := spawnPair(t)

	const n = 32
	go func() {
		for i := 0; i < n; i++ {
			m, err := b.Receive(nil)
			if err != nil {
				return
			}
			go func(m Msg) {
				b.Reply(m, Msg{Arg: m.Arg}) // nolint:errcheck
			}(m)
		}
	}()

	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i uint32) {
			rep, err := a.Call(b.ID(), Msg{Arg: i}, nil)
			if err == nil && rep.Arg != i {
				err = ErrNotCall
			}
			errCh <- err
		}(uint32(i))
	}
	for i := 0; i < n; i++ {
		require.NoError(t, testhelpers.WithinTimeout(errCh))
	}
}

func TestEndpoint_ReplyRacingAbort(t *testing.T) {
	_, a, b := spawnPair(t)

	replies := make(chan error, 1)
	go func() {
		for {
			m, err := b.Receive(nil)
			if err != nil {
				return
			}
			replies <- b.Reply(m, Msg{Op: 7, Arg: m.Arg})
		}
	}()

	abort := make(chan struct{})
	close(abort)

	// whatever the caller sees must agree with what the callee was told.
	for i := uint32(0); i < 500; i++ {
		rep, err := a.Call(b.ID(), Msg{Arg: i}, abort)
		replyErr := <-replies
		if replyErr == nil {
			require.NoError(t, err, "reply %d reported delivered but the call was aborted", i)
			assert.Equal(t, i, rep.Arg)
		} else {
			require.Equal(t, ErrNoCaller, replyErr)
			require.Equal(t, ErrAborted, err)
		}
	}
}

func TestEndpoint_TryReceive(t *testing.T) {
	_, a, b := spawnPair(t)

	_, ok := b.TryReceive()
	assert.False(t, ok)

	require.NoError(t, a.Send(b.ID(), Msg{Op: 3}))
	m, ok := b.TryReceive()
	require.True(t, ok)
	assert.Equal(t, uint32(3), m.Op)
	assert.Equal(t, a.ID(), m.From)
}
