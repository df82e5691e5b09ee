package slab

import (
	"math/bits"

	"turbofish/kernel"
	"turbofish/kernel/kfmt"
	"turbofish/kernel/mm/vmm"
)

const (
	// MinSizeClass is the smallest size class served by the allocator.
	MinSizeClass = uintptr(32)

	// MaxSizeClass is the largest size class served by the allocator.
	MaxSizeClass = uintptr(4096)

	minSizeClassShift = 5
	sizeClassCount    = 8
)

var (
	// ErrNotAllocated is returned when an address does not belong to a live
	// object of any size class.
	ErrNotAllocated = &kernel.Error{Module: "slab", Message: "address was not allocated by the slab allocator"}
)

// Layout describes the size and alignment of a requested object. Align
// must be zero or a power of two.
type Layout struct {
	Size  uintptr
	Align uintptr
}

// Allocator serves small objects out of a fixed set of power-of-two size
// classes between MinSizeClass and MaxSizeClass, one Cache per class.
type Allocator struct {
	caches [sizeClassCount]*Cache
}

// New returns an allocator whose slabs are mapped through mapper.
func New(mapper vmm.Mapper) *Allocator {
	a := &Allocator{}
	for i := range a.caches {
		a.caches[i] = NewCache(mapper, MinSizeClass<<i)
	}

	kfmt.Logger("slab").WithField("classes", sizeClassCount).Debug("slab allocator ready")
	return a
}

// SizeClass returns the size class that serves layout and true, or false if
// the layout is too large or its alignment is not a power of two.
func SizeClass(layout Layout) (uintptr, bool) {
	if layout.Align&(layout.Align-1) != 0 {
		return 0, false
	}

	size := max(layout.Size, layout.Align, MinSizeClass)
	if size > MaxSizeClass {
		return 0, false
	}

	return uintptr(1) << bits.Len(uint(size-1)), true
}

func classIndex(class uintptr) int {
	return bits.Len(uint(class-1)) - minSizeClassShift
}

// Alloc returns an object satisfying layout. Objects are aligned to their
// size class. It returns false if the layout cannot be served by a slab or
// the backing mapper is exhausted.
func (a *Allocator) Alloc(layout Layout) (uintptr, bool) {
	class, ok := SizeClass(layout)
	if !ok {
		return 0, false
	}

	return a.caches[classIndex(class)].Alloc()
}

// Free releases an object previously returned by Alloc.
func (a *Allocator) Free(addr uintptr) *kernel.Error {
	for _, cache := range a.caches {
		if cache.Free(addr) {
			return nil
		}
	}

	return ErrNotAllocated
}

// Ksize returns the size class of the live object at addr.
func (a *Allocator) Ksize(addr uintptr) (uintptr, *kernel.Error) {
	for _, cache := range a.caches {
		if cache.IsLive(addr) {
			return cache.ObjectSize(), nil
		}
	}

	return 0, ErrNotAllocated
}

// Owns returns true if addr lies inside any slab managed by the allocator.
func (a *Allocator) Owns(addr uintptr) bool {
	for _, cache := range a.caches {
		if cache.Owns(addr) {
			return true
		}
	}
	return false
}

// Stats returns per size class statistics, smallest class first.
func (a *Allocator) Stats() []CacheStats {
	stats := make([]CacheStats, 0, len(a.caches))
	for _, cache := range a.caches {
		stats = append(stats, cache.Stats())
	}
	return stats
}

// Destroy releases every slab. Any outstanding object is a fatal error.
func (a *Allocator) Destroy() {
	for _, cache := range a.caches {
		cache.Destroy()
	}
}
