package kmalloc

import (
	"turbofish/kernel"
	"turbofish/kernel/mm"
)

// defaultHeap is the heap used by the package-level helpers.
var defaultHeap *Heap

// Init sets up the default kernel heap with an address space of the given
// size. Calling Init again replaces the previous heap without releasing it.
func Init(size mm.Size) *kernel.Error {
	heap, err := NewHeap(size)
	if err != nil {
		return err
	}

	defaultHeap = heap
	return nil
}

// Alloc allocates size bytes from the default heap.
func Alloc(size uintptr) (uintptr, *kernel.Error) {
	if defaultHeap == nil {
		return 0, errNotInitialized
	}
	return defaultHeap.Alloc(size)
}

// Free releases a block allocated from the default heap.
func Free(addr uintptr) *kernel.Error {
	if defaultHeap == nil {
		return errNotInitialized
	}
	return defaultHeap.Free(addr)
}

// Ksize returns the usable size of a block allocated from the default heap.
func Ksize(addr uintptr) (uintptr, *kernel.Error) {
	if defaultHeap == nil {
		return 0, errNotInitialized
	}
	return defaultHeap.Ksize(addr)
}

// Realloc resizes a block allocated from the default heap.
func Realloc(addr, size uintptr) (uintptr, *kernel.Error) {
	if defaultHeap == nil {
		return 0, errNotInitialized
	}
	return defaultHeap.Realloc(addr, size)
}
