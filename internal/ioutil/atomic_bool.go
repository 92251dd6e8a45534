// Package ioutil holds small concurrency helpers shared by the DSI packages.
package ioutil

import "sync/atomic"

// AtomicBool implements a thread-safe boolean value.
type AtomicBool struct {
	flag int32
}

// Set set's the boolean to specified value
// and returns true if the value is changed.
func (b *AtomicBool) Set(v bool) bool {
	newF := int32(0)
	if v {
		newF = 1
	}
	return newF != atomic.SwapInt32(&b.flag, newF)
}

// Get obtains the current boolean value.
func (b *AtomicBool) Get() bool {
	return atomic.LoadInt32(&b.flag) == 1
}

// Flags is a bitset of uint32 flags updated atomically.
type Flags struct {
	v uint32
}

// Load returns the current bits.
func (f *Flags) Load() uint32 { return atomic.LoadUint32(&f.v) }

// Has reports whether every bit of mask is set.
func (f *Flags) Has(mask uint32) bool { return f.Load()&mask == mask }

// Set sets the bits of mask and returns the previous value.
func (f *Flags) Set(mask uint32) uint32 {
	for {
		old := atomic.LoadUint32(&f.v)
		if atomic.CompareAndSwapUint32(&f.v, old, old|mask) {
			return old
		}
	}
}

// Clear clears the bits of mask and returns the previous value.
func (f *Flags) Clear(mask uint32) uint32 {
	for {
		old := atomic.LoadUint32(&f.v)
		if atomic.CompareAndSwapUint32(&f.v, old, old&^mask) {
			return old
		}
	}
}
