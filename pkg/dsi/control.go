package dsi

import (
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/skycoin/dsi/pkg/dataspace"
)

// control is the local view of a control region.
type control struct {
	region     *dataspace.Region
	numPackets uint32
	numSgElems uint32
	maxSgLen   uint32
	sgBase     int
}

func newControl(r *dataspace.Region, numPackets, maxSgLen uint32) *control {
	return &control{
		region:     r,
		numPackets: numPackets,
		numSgElems: numPackets * maxSgLen,
		maxSgLen:   maxSgLen,
		sgBase:     headerSize + int(numPackets)*descriptorSize,
	}
}

func (c *control) hdr() *header {
	return (*header)(unsafe.Pointer(&c.region.Bytes()[0]))
}

func (c *control) desc(idx uint32) *descriptor {
	return (*descriptor)(unsafe.Pointer(&c.region.Bytes()[headerSize+int(idx)*descriptorSize]))
}

func (c *control) sg(idx uint32) *sgElement {
	return (*sgElement)(unsafe.Pointer(&c.region.Bytes()[c.sgBase+int(idx)*sgElementSize]))
}

// createControl allocates and initializes a control region for conf.
func createControl(ds dataspace.Manager, conf Config) (*control, error) {
	size := dataspace.RoundUp(layoutSize(conf.NumPackets, conf.NumSgElems()), ds.PageSize())
	r, err := ds.Allocate(size)
	if err != nil {
		return nil, errors.Wrapf(ErrAllocation, "control region of %d bytes: %v", size, err)
	}

	c := newControl(r, conf.NumPackets, conf.MaxSgLen)
	for i := uint32(0); i < c.numPackets; i++ {
		d := c.desc(i)
		store(&d.seq, 0)
		store(&d.txLock, unlocked)
		store(&d.rxLock, locked)
		store(&d.sgHead, sentinel)
		store(&d.sgLength, 0)
		store(&d.sgCursor, sentinel)
		store(&d.flags, 0)
		store(&d.sgTail, sentinel)
	}
	for i := uint32(0); i < c.numSgElems; i++ {
		e := c.sg(i)
		store(&e.addr, 0)
		store(&e.size, 0)
		store(&e.flags, 0)
		store(&e.next, sentinel)
	}

	h := c.hdr()
	store(&h.version, layoutVersion)
	store(&h.numPackets, c.numPackets)
	store(&h.numSgElems, c.numSgElems)
	store(&h.maxSgLen, c.maxSgLen)
	atomic.StoreInt32(&h.packetsCommitted, 0)
	store(&h.stopped, 0)
	store(&h.inflight, 0)
	// magic goes last: a peer never sees a half written header as valid.
	store(&h.magic, headerMagic)

	return c, nil
}

// attachControl maps an existing control region and reconciles its header
// with conf. The header written by the allocating side is authoritative.
func attachControl(ds dataspace.Manager, id dataspace.ID, conf Config, log logrus.FieldLogger) (*control, error) {
	r, err := ds.Attach(id)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidArgument, "control region %s: %v", id, err)
	}

	c, err := reconcileControl(r, conf, log)
	if err != nil {
		if err := ds.Detach(r); err != nil {
			log.WithError(err).Warn("Failed to detach control region")
		}
		return nil, err
	}
	return c, nil
}

func reconcileControl(r *dataspace.Region, conf Config, log logrus.FieldLogger) (*control, error) {
	if r.Size() < headerSize {
		return nil, errors.Wrapf(ErrCorruptedHeader, "region of %d bytes", r.Size())
	}

	h := (*header)(unsafe.Pointer(&r.Bytes()[0]))
	if magic := load(&h.magic); magic != headerMagic {
		return nil, errors.Wrapf(ErrCorruptedHeader, "bad magic %#08x", magic)
	}
	if v := load(&h.version); v != layoutVersion {
		return nil, errors.Wrapf(ErrCorruptedHeader, "unsupported layout version %d", v)
	}

	numPackets, numSg, maxSg := load(&h.numPackets), load(&h.numSgElems), load(&h.maxSgLen)
	if numPackets == 0 || maxSg == 0 || uint64(numSg) != uint64(numPackets)*uint64(maxSg) {
		return nil, errors.Wrapf(ErrCorruptedHeader, "inconsistent header: %d packets, %d sg elements, %d per packet",
			numPackets, numSg, maxSg)
	}

	declared := layoutSize(numPackets, numSg)
	if declared > r.Size() {
		return nil, errors.Wrapf(ErrInvalidConfiguration, "header declares %d bytes, region has %d", declared, r.Size())
	}

	if numPackets != conf.NumPackets || numSg != conf.NumSgElems() {
		log.Warnf("Configuration mismatch: region has %d packets and %d sg elements, expected %d and %d",
			numPackets, numSg, conf.NumPackets, conf.NumSgElems())

		if numPackets < conf.NumPackets || declared < layoutSize(conf.NumPackets, conf.NumSgElems()) {
			return nil, errors.Wrapf(ErrInvalidConfiguration, "region has %d packets, expected %d",
				numPackets, conf.NumPackets)
		}
	}

	return newControl(r, numPackets, maxSg), nil
}

// releaseControl unmaps the region and frees it when owned.
func releaseControl(ds dataspace.Manager, c *control, owned bool) error {
	id := c.region.ID()
	if err := ds.Detach(c.region); err != nil {
		return err
	}
	if owned {
		return ds.Free(id)
	}
	return nil
}
