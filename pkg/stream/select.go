package stream

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/skycoin/dsi/pkg/dsi"
	"github.com/skycoin/dsi/pkg/event"
	"github.com/skycoin/dsi/pkg/ipc"
)

// Candidate is a socket to watch and the peer events that make it ready.
// A receiver waits for event.EventCommitted, a sender for event.EventReleased.
type Candidate struct {
	Socket *dsi.Socket
	Mask   uint32
}

// Ready is a candidate whose peer raised events.
type Ready struct {
	Index int
	Mask  uint32
}

// Select blocks until the peer of at least one candidate raises an event in
// the candidate's mask, or abort is closed. It returns every candidate that
// became ready before the remaining waits were cancelled, in candidate order.
// Events only hint at progress: callers still try GetPacket, which may
// return ErrNoPacketAvailable.
func Select(candidates []Candidate, abort <-chan struct{}) ([]Ready, error) {
	if len(candidates) == 0 {
		return nil, errors.Wrap(dsi.ErrInvalidArgument, "no candidates")
	}

	type target struct {
		ep   *ipc.Endpoint
		ref  dsi.Ref
		mask uint32
	}
	targets := make([]target, len(candidates))
	closeAll := func() {
		for _, t := range targets {
			if t.ep == nil {
				continue
			}
			if err := t.ep.Close(); err != nil {
				log.WithError(err).Debug("Failed to close select thread")
			}
		}
	}

	for i, c := range candidates {
		if c.Socket == nil || c.Mask == 0 {
			closeAll()
			return nil, errors.Wrapf(dsi.ErrInvalidArgument, "candidate %d", i)
		}
		ref, ok := c.Socket.Remote()
		if !ok {
			closeAll()
			return nil, errors.Wrapf(dsi.ErrNotConnected, "candidate %d", i)
		}
		if ref.EventThread.IsNil() {
			closeAll()
			return nil, errors.Wrapf(dsi.ErrInvalidArgument, "candidate %d: peer has no event thread", i)
		}
		ep, err := c.Socket.Task().Spawn()
		if err != nil {
			closeAll()
			return nil, err
		}
		targets[i] = target{ep: ep, ref: ref, mask: c.Mask}
	}
	defer closeAll()

	results := make([]uint32, len(targets))
	errs := make([]error, len(targets))
	ready := make(chan struct{}, len(targets))
	cancel := make(chan struct{})

	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func(i int, t target) {
			defer wg.Done()
			results[i], errs[i] = event.Wait(t.ep, t.ref.EventThread, t.ref.Socket, t.mask, cancel)
			ready <- struct{}{}
		}(i, t)
	}

	var abortErr error
	select {
	case <-ready:
	case <-abort:
		abortErr = ipc.ErrAborted
	}
	close(cancel)
	wg.Wait()

	var out []Ready
	for i := range targets {
		if errs[i] == nil && results[i] != 0 {
			out = append(out, Ready{Index: i, Mask: results[i]})
		}
	}
	if len(out) > 0 {
		return out, nil
	}
	if abortErr != nil {
		return nil, abortErr
	}
	for _, err := range errs {
		if err != nil && err != ipc.ErrAborted {
			return nil, errors.Wrapf(dsi.ErrDisconnected, "select: %v", err)
		}
	}
	return nil, dsi.ErrDisconnected
}
