// Package dsi implements a zero-copy packet stream between two tasks.
//
// The two sides of a stream share a control region and a data region. The
// control region holds a header, a ring of packet descriptors and a pool of
// scatter-gather elements naming byte ranges of the data region:
//
//	| header | descriptor * numPackets | sg element * numPackets*maxSgLen |
//
// Every descriptor carries two binary semaphores. txLock is free while the
// sender may fill the slot, rxLock is free while the receiver may read it.
// Both sides walk the ring in order, so packets arrive in the order they
// were committed. Lock words are only changed with CAS and are the single
// source of truth; notifications merely wake a blocked peer.
//
// Each socket runs a synchronization thread. A work thread blocked in
// GetPacket calls the peer's synchronization thread with a wait request;
// that thread answers when the local side commits the packet. Two bits per
// direction (waiting and pending) remember whichever of wait and commit
// came first. In DeliveryMap and DeliveryCopy mode the answer also hands
// over the data region or a copy of the payload.
//
// A typical sender:
//
//	p, err := s.GetPacket()
//	copy(s.Data()[off:], payload)
//	err = p.AddData(off, uint32(len(payload)), 0)
//	err = p.Commit()
//
// and receiver:
//
//	p, err := r.GetPacket()
//	for c, err := p.GetData(); err == nil; c, err = p.GetData() {
//		consume(c.Data)
//	}
//	err = p.Commit() // releases the packet back to the sender
package dsi
