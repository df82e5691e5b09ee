// Package kmalloc provides the kernel heap. Requests up to slab.MaxSizeClass
// bytes are served by the slab allocator; larger requests receive whole
// power-of-two runs of pages straight from the address space.
package kmalloc

import (
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"

	"turbofish/kernel"
	"turbofish/kernel/kfmt"
	"turbofish/kernel/mm"
	"turbofish/kernel/mm/slab"
	"turbofish/kernel/mm/vmm"
	"turbofish/kernel/sync"
)

var (
	// ErrOutOfMemory is returned when the heap cannot satisfy a request.
	ErrOutOfMemory = &kernel.Error{Module: "kmalloc", Message: "out of memory"}

	// ErrInvalidSize is returned for zero-sized requests.
	ErrInvalidSize = &kernel.Error{Module: "kmalloc", Message: "allocation size must be greater than zero"}

	errNotInitialized = &kernel.Error{Module: "kmalloc", Message: "heap not initialized"}
)

// HeapStats describes the state of a Heap.
type HeapStats struct {
	Space       vmm.Stats
	Classes     []slab.CacheStats
	LargeBlocks int
}

// Heap is a general purpose allocator on top of an AddressSpace. All
// methods are safe for concurrent use.
type Heap struct {
	lock sync.Spinlock

	space *vmm.AddressSpace
	slabs *slab.Allocator

	// large tracks the addresses of live page-sized allocations.
	large mapset.Set[uintptr]
}

// NewHeap reserves an address space of the requested size and returns a heap
// that allocates from it.
func NewHeap(size mm.Size) (*Heap, *kernel.Error) {
	space, err := vmm.NewAddressSpace(size)
	if err != nil {
		return nil, err
	}

	kfmt.Logger("kmalloc").WithField("size", uint64(size)).Debug("heap created")

	return &Heap{
		space: space,
		slabs: slab.New(space),
		large: mapset.NewThreadUnsafeSet[uintptr](),
	}, nil
}

// Alloc returns a block of at least size bytes. Blocks served by the slab
// allocator are aligned to their size class; larger blocks are page-aligned.
func (h *Heap) Alloc(size uintptr) (uintptr, *kernel.Error) {
	h.lock.Acquire()
	defer h.lock.Release()

	return h.alloc(size)
}

// Free releases a block returned by Alloc or Realloc.
func (h *Heap) Free(addr uintptr) *kernel.Error {
	h.lock.Acquire()
	defer h.lock.Release()

	return h.free(addr)
}

// Ksize returns the usable size of the block at addr.
func (h *Heap) Ksize(addr uintptr) (uintptr, *kernel.Error) {
	h.lock.Acquire()
	defer h.lock.Release()

	return h.ksize(addr)
}

// Realloc resizes the block at addr to hold at least size bytes and returns
// its new address. The block stays in place while its usable size suffices;
// otherwise the contents are copied into a new block and the old one is
// released. A zero addr behaves like Alloc and a zero size like Free. When
// the new block cannot be allocated the old one is left untouched.
func (h *Heap) Realloc(addr, size uintptr) (uintptr, *kernel.Error) {
	h.lock.Acquire()
	defer h.lock.Release()

	if addr == 0 {
		return h.alloc(size)
	}

	if size == 0 {
		return 0, h.free(addr)
	}

	usable, err := h.ksize(addr)
	if err != nil {
		return 0, err
	}
	if size <= usable {
		return addr, nil
	}

	newAddr, err := h.alloc(size)
	if err != nil {
		return 0, err
	}

	kernel.Memcopy(addr, newAddr, usable)
	if err = h.free(addr); err != nil {
		return 0, err
	}

	return newAddr, nil
}

func (h *Heap) alloc(size uintptr) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, ErrInvalidSize
	}

	if size <= slab.MaxSizeClass {
		addr, ok := h.slabs.Alloc(slab.Layout{Size: size})
		if !ok {
			return 0, ErrOutOfMemory
		}
		return addr, nil
	}

	addr, err := h.space.Map(size)
	if err != nil {
		kfmt.Logger("kmalloc").WithFields(logrus.Fields{
			"size":  size,
			"cause": err.String(),
		}).Debug("large allocation failed")
		return 0, ErrOutOfMemory
	}

	h.large.Add(addr)
	return addr, nil
}

func (h *Heap) free(addr uintptr) *kernel.Error {
	if h.slabs.Owns(addr) {
		return h.slabs.Free(addr)
	}

	if !h.large.Contains(addr) {
		return slab.ErrNotAllocated
	}

	size, err := h.space.Ksize(addr)
	if err != nil {
		return err
	}
	if err = h.space.Unmap(addr, size); err != nil {
		return err
	}

	h.large.Remove(addr)
	return nil
}

func (h *Heap) ksize(addr uintptr) (uintptr, *kernel.Error) {
	if h.slabs.Owns(addr) {
		return h.slabs.Ksize(addr)
	}

	if !h.large.Contains(addr) {
		return 0, slab.ErrNotAllocated
	}

	return h.space.Ksize(addr)
}

// Stats returns a snapshot of the heap state.
func (h *Heap) Stats() HeapStats {
	h.lock.Acquire()
	defer h.lock.Release()

	return HeapStats{
		Space:       h.space.Stats(),
		Classes:     h.slabs.Stats(),
		LargeBlocks: h.large.Cardinality(),
	}
}

// Destroy releases every large block and the backing address space. Live
// slab objects are a fatal error.
func (h *Heap) Destroy() *kernel.Error {
	h.lock.Acquire()
	defer h.lock.Release()

	h.slabs.Destroy()

	for _, addr := range h.large.ToSlice() {
		if size, err := h.space.Ksize(addr); err == nil {
			_ = h.space.Unmap(addr, size)
		}
	}
	h.large.Clear()

	return h.space.Release()
}
