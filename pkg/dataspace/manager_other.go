//go:build !linux

package dataspace

// NewManager returns the heap-backed Manager; memfd is Linux only.
func NewManager() Manager {
	return NewHeapManager()
}
