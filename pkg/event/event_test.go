package event

import (
	stdlog "log"
	"os"
	"testing"
	"time"

	"github.com/skycoin/skycoin/src/util/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skycoin/dsi/pkg/ipc"
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

func newServer(t *testing.T) (*ipc.Kernel, *Server, *ipc.Endpoint) {
	k := ipc.NewKernel()

	srv, err := NewServer(k, k.NewTask())
	require.NoError(t, err)
	t.Cleanup(func() {
		srv.Close() // nolint: errcheck
	})

	client, err := k.Spawn(k.NewTask())
	require.NoError(t, err)
	return k, srv, client
}

func timeout() <-chan struct{} {
	ch := make(chan struct{})
	time.AfterFunc(5*time.Second, func() { close(ch) })
	return ch
}

func TestOp_String(t *testing.T) {
	assert.Equal(t, "Set", OpSet.String())
	assert.Equal(t, "Wait", OpWait.String())
	assert.Equal(t, "Nack", OpNack.String())
	assert.Equal(t, "Unknown(0x1ff)", Op(0x1ff).String())
}

func TestSetThenWait(t *testing.T) {
	_, srv, client := newServer(t)

	require.NoError(t, Set(client, srv.ID(), 3, EventCommitted|EventStopped))

	got, err := Wait(client, srv.ID(), 3, EventCommitted|EventReleased, timeout())
	require.NoError(t, err)
	assert.Equal(t, EventCommitted, got)

	// delivered bits are consumed, the rest stay raised.
	got, err = Wait(client, srv.ID(), 3, EventCommitted|EventStopped, timeout())
	require.NoError(t, err)
	assert.Equal(t, EventStopped, got)
}

func TestWaitThenSet(t *testing.T) {
	k, srv, client := newServer(t)

	type result struct {
		mask uint32
		err  error
	}
	done := make(chan result, 1)
	go func() {
		mask, err := Wait(client, srv.ID(), 1, EventReleased, timeout())
		done <- result{mask, err}
	}()

	setter, err := k.Spawn(srv.ID().Task())
	require.NoError(t, err)

	// bits of another socket or outside the mask do not wake the waiter.
	require.NoError(t, Set(setter, srv.ID(), 2, EventReleased))
	require.NoError(t, Set(setter, srv.ID(), 1, EventCommitted))
	select {
	case r := <-done:
		t.Fatalf("woke early: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, Set(setter, srv.ID(), 1, EventReleased))
	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, EventReleased, r.mask)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestReset(t *testing.T) {
	_, srv, client := newServer(t)

	require.NoError(t, Set(client, srv.ID(), 0, EventCommitted|EventReleased))
	require.NoError(t, Reset(client, srv.ID(), 0, EventCommitted))

	got, err := Wait(client, srv.ID(), 0, EventCommitted|EventReleased, timeout())
	require.NoError(t, err)
	assert.Equal(t, EventReleased, got)
}

func TestWaitAbort(t *testing.T) {
	_, srv, client := newServer(t)

	abort := make(chan struct{})
	close(abort)
	_, err := Wait(client, srv.ID(), 0, EventCommitted, abort)
	require.Equal(t, ipc.ErrAborted, err)

	// the bits are kept for the next waiter.
	require.NoError(t, Set(client, srv.ID(), 0, EventCommitted))
	got, err := Wait(client, srv.ID(), 0, EventCommitted, timeout())
	require.NoError(t, err)
	assert.Equal(t, EventCommitted, got)
}

func TestWaitEmptyMask(t *testing.T) {
	_, srv, client := newServer(t)

	_, err := Wait(client, srv.ID(), 0, 0, nil)
	require.Equal(t, ErrNoEvents, err)
}

func TestMalformedRequest(t *testing.T) {
	_, srv, client := newServer(t)

	rep, err := client.Call(srv.ID(), ipc.Msg{Op: uint32(OpWait), Arg: 0, Payload: []byte{1}}, timeout())
	require.NoError(t, err)
	assert.Equal(t, OpNack, Op(rep.Op))

	rep, err = client.Call(srv.ID(), ipc.Msg{Op: 0x999, Payload: encodeMask(1)}, timeout())
	require.NoError(t, err)
	assert.Equal(t, OpNack, Op(rep.Op))
}

func TestServer_Close(t *testing.T) {
	_, srv, client := newServer(t)

	done := make(chan error, 1)
	go func() {
		_, err := Wait(client, srv.ID(), 0, EventStopped, nil)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, srv.Close())

	select {
	case err := <-done:
		require.Equal(t, ipc.ErrNotExist, err)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter outlived the event thread")
	}
}
