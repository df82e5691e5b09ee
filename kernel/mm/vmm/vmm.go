// Package vmm provides the page-mapping primitive used by the kernel object
// allocators to obtain and release page-granular backing storage.
package vmm

import "turbofish/kernel"

// Mapper maps and unmaps page-aligned regions of memory. Sizes are rounded up
// to a multiple of mm.PageSize. Map returns the address of a zero-filled,
// page-aligned region; Unmap must be called with the same size that was
// passed to Map.
type Mapper interface {
	Map(size uintptr) (uintptr, *kernel.Error)
	Unmap(addr, size uintptr) *kernel.Error
}

// MapperFunc adapts a pair of functions to the Mapper interface.
type MapperFunc struct {
	MapFn   func(size uintptr) (uintptr, *kernel.Error)
	UnmapFn func(addr, size uintptr) *kernel.Error
}

// Map implements Mapper.
func (m MapperFunc) Map(size uintptr) (uintptr, *kernel.Error) { return m.MapFn(size) }

// Unmap implements Mapper.
func (m MapperFunc) Unmap(addr, size uintptr) *kernel.Error { return m.UnmapFn(addr, size) }
