package slab

import (
	"turbofish/kernel"
	"turbofish/kernel/kfmt"
	"turbofish/kernel/mm"
	"turbofish/kernel/mm/vmm"
)

// MinObjectSize is the smallest slot size handed out by a slab. It matches
// the footprint of a doubly linked free-list node.
const MinObjectSize = uintptr(2) << mm.PointerShift

var (
	errForeignFree    = &kernel.Error{Module: "slab", Message: "freed address does not belong to this slab"}
	errMisalignedFree = &kernel.Error{Module: "slab", Message: "freed address is not aligned to an object boundary"}
	errDoubleFree     = &kernel.Error{Module: "slab", Message: "object freed twice"}
	errLeakedObjects  = &kernel.Error{Module: "slab", Message: "slab destroyed with outstanding allocations"}
	errUnmapFailed    = &kernel.Error{Module: "slab", Message: "unable to unmap slab backing pages"}
)

// Status describes how many of a slab's objects are in use.
type Status uint8

// The possible slab states.
const (
	Empty Status = iota
	Partial
	Full
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case Empty:
		return "empty"
	case Partial:
		return "partial"
	default:
		return "full"
	}
}

// Slab owns a page-mapped buffer divided into fixed-size objects.
//
// Free objects are tracked out of band: freeList is a LIFO stack of object
// indices and allocated is a bitmap with one bit per object. The object
// memory itself is never used for bookkeeping.
type Slab struct {
	mapper vmm.Mapper

	// base and size describe the mapped backing region.
	base uintptr
	size uintptr

	objSize  uintptr
	objCount uint32

	freeList  []uint32
	allocated []uint64
}

// NewSlab maps a region large enough for objCount objects of objSize bytes
// (objSize is raised to MinObjectSize) and returns the slab managing it. It
// returns false if the region cannot be mapped.
func NewSlab(mapper vmm.Mapper, objSize uintptr, objCount uint32) (*Slab, bool) {
	if objCount == 0 {
		return nil, false
	}

	objSize = max(objSize, MinObjectSize)
	size := max(objSize*uintptr(objCount), mm.PageSize)
	size = (size + mm.PageSize - 1) &^ (mm.PageSize - 1)

	base, err := mapper.Map(size)
	if err != nil {
		kfmt.Logger("slab").WithError(err).WithField("size", size).Debug("unable to map slab")
		return nil, false
	}

	s := &Slab{
		mapper:    mapper,
		base:      base,
		size:      size,
		objSize:   objSize,
		objCount:  objCount,
		freeList:  make([]uint32, objCount),
		allocated: make([]uint64, (objCount+63)>>6),
	}

	// The stack top is the last element; seed it so that objects are
	// handed out in address order.
	for i := range s.freeList {
		s.freeList[i] = objCount - 1 - uint32(i)
	}

	return s, true
}

// Alloc pops an object off the free list. It returns false if the slab is full.
func (s *Slab) Alloc() (uintptr, bool) {
	top := len(s.freeList) - 1
	if top < 0 {
		return 0, false
	}

	index := s.freeList[top]
	s.freeList = s.freeList[:top]
	s.allocated[index>>6] |= 1 << (index & 63)

	return s.base + uintptr(index)*s.objSize, true
}

// Free returns the object at addr to the free list. Freeing an address that
// is outside the slab, not on an object boundary or not currently allocated
// is a fatal error.
func (s *Slab) Free(addr uintptr) {
	if !s.Owns(addr) {
		kfmt.Panic(errForeignFree)
		return
	}

	offset := addr - s.base
	if offset%s.objSize != 0 {
		kfmt.Panic(errMisalignedFree)
		return
	}

	index := uint32(offset / s.objSize)
	if !s.isAllocated(index) {
		kfmt.Panic(errDoubleFree)
		return
	}

	s.allocated[index>>6] &^= 1 << (index & 63)
	s.freeList = append(s.freeList, index)
}

// Contains returns true if addr is the start of one of the slab's objects.
func (s *Slab) Contains(addr uintptr) bool {
	return s.Owns(addr) && (addr-s.base)%s.objSize == 0
}

// Owns returns true if addr lies anywhere inside the slab's objects.
func (s *Slab) Owns(addr uintptr) bool {
	return addr >= s.base && addr-s.base < s.objSize*uintptr(s.objCount)
}

// IsLive returns true if addr is the start of an allocated object.
func (s *Slab) IsLive(addr uintptr) bool {
	return s.Contains(addr) && s.isAllocated(uint32((addr-s.base)/s.objSize))
}

func (s *Slab) isAllocated(index uint32) bool {
	return s.allocated[index>>6]&(1<<(index&63)) != 0
}

// Status reports whether the slab is empty, partially used or full.
func (s *Slab) Status() Status {
	switch uint32(len(s.freeList)) {
	case s.objCount:
		return Empty
	case 0:
		return Full
	default:
		return Partial
	}
}

// FreeCount returns the number of free objects.
func (s *Slab) FreeCount() int { return len(s.freeList) }

// ObjectCount returns the number of objects in the slab.
func (s *Slab) ObjectCount() int { return int(s.objCount) }

// ObjectSize returns the size of each object.
func (s *Slab) ObjectSize() uintptr { return s.objSize }

// Destroy unmaps the slab's backing pages. Destroying a slab that still has
// outstanding objects is a fatal error.
func (s *Slab) Destroy() {
	if uint32(len(s.freeList)) != s.objCount {
		kfmt.Panic(errLeakedObjects)
		return
	}

	if err := s.mapper.Unmap(s.base, s.size); err != nil {
		kfmt.Logger("slab").WithError(err).Error("unmap failed")
		kfmt.Panic(errUnmapFailed)
	}
}
