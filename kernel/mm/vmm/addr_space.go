package vmm

import (
	"github.com/sirupsen/logrus"

	"turbofish/kernel"
	"turbofish/kernel/kfmt"
	"turbofish/kernel/mm"
	"turbofish/kernel/mm/buddy"
)

var (
	// The following functions are used by tests to mock the arena
	// primitives.
	reserveArenaFn = reserveArena
	releaseArenaFn = releaseArena
	discardPagesFn = discardPages

	// ErrInvalidMapSize is returned when a zero-sized region is requested.
	ErrInvalidMapSize = &kernel.Error{Module: "vmm", Message: "mapping size must be greater than zero"}

	// ErrInvalidAddress is returned when an address is not page-aligned or
	// does not belong to the address space.
	ErrInvalidAddress = &kernel.Error{Module: "vmm", Message: "address is not a mapped page boundary"}

	// ErrArenaUnavailable is returned when the backing memory for an
	// address space cannot be reserved.
	ErrArenaUnavailable = &kernel.Error{Module: "vmm", Message: "unable to reserve backing memory for the address space"}

	// ErrReleased is returned when an address space is used after Release.
	ErrReleased = &kernel.Error{Module: "vmm", Message: "address space has been released"}
)

// AddressSpace is a contiguous range of virtual pages backed by real memory
// and managed by a buddy allocator. It implements Mapper: every mapping is a
// buddy block, so a request for N pages consumes the next power of two.
type AddressSpace struct {
	arena []byte
	pages *buddy.Allocator[mm.Page]

	// mappedPages tracks the pages currently handed out by Map.
	mappedPages uint64

	// peakMappedPages tracks the high-water mark of mappedPages.
	peakMappedPages uint64
}

// NewAddressSpace reserves size bytes (rounded up to a page multiple) of
// backing memory and sets up the page allocator that manages it.
func NewAddressSpace(size mm.Size) (*AddressSpace, *kernel.Error) {
	pageCount := size.Pages()
	if pageCount == 0 {
		return nil, ErrInvalidMapSize
	}

	arena, err := reserveArenaFn(uintptr(pageCount) << mm.PageShift)
	if err != nil {
		kfmt.Logger("vmm").WithError(err).Error("arena reservation failed")
		return nil, ErrArenaUnavailable
	}

	pages, kerr := buddy.New(mm.PageFromAddress(kernel.AddressOf(arena)), pageCount)
	if kerr != nil {
		_ = releaseArenaFn(arena)
		return nil, kerr
	}

	kfmt.Logger("vmm").WithFields(logrus.Fields{
		"start": kernel.AddressOf(arena),
		"pages": pageCount,
	}).Debug("address space created")

	return &AddressSpace{arena: arena, pages: pages}, nil
}

// Map implements Mapper. The returned region spans the smallest power of two
// number of pages that can hold size bytes and is zero-filled.
func (as *AddressSpace) Map(size uintptr) (uintptr, *kernel.Error) {
	if as.pages == nil {
		return 0, ErrReleased
	}

	if size == 0 {
		return 0, ErrInvalidMapSize
	}

	order := mm.Size(size).Order()
	page, err := as.pages.Alloc(order)
	if err != nil {
		return 0, err
	}

	as.mappedPages += order.Pages()
	as.peakMappedPages = max(as.peakMappedPages, as.mappedPages)

	return page.Address(), nil
}

// Unmap implements Mapper. The region contents are discarded so that a later
// Map of the same pages observes zeroes.
func (as *AddressSpace) Unmap(addr, size uintptr) *kernel.Error {
	if as.pages == nil {
		return ErrReleased
	}

	if size == 0 {
		return ErrInvalidMapSize
	}

	if addr&(mm.PageSize-1) != 0 || !as.Contains(addr) {
		return ErrInvalidAddress
	}

	order := mm.Size(size).Order()
	if err := as.pages.Free(mm.PageFromAddress(addr), order); err != nil {
		return err
	}
	as.mappedPages -= order.Pages()

	offset := addr - kernel.AddressOf(as.arena)
	if err := discardPagesFn(as.arena[offset : offset+uintptr(order.Size())]); err != nil {
		// The pages are already free; fall back to clearing them in place.
		kfmt.Logger("vmm").WithError(err).Warn("discarding unmapped pages failed")
		kernel.Memset(addr, 0, uintptr(order.Size()))
	}

	return nil
}

// Ksize returns the size in bytes of the mapping that contains addr.
func (as *AddressSpace) Ksize(addr uintptr) (uintptr, *kernel.Error) {
	if as.pages == nil {
		return 0, ErrReleased
	}

	order, err := as.pages.Ksize(mm.PageFromAddress(addr))
	if err != nil {
		return 0, err
	}

	return uintptr(order.Size()), nil
}

// Contains returns true if addr lies inside the address space.
func (as *AddressSpace) Contains(addr uintptr) bool {
	start := kernel.AddressOf(as.arena)
	return addr >= start && addr-start < uintptr(len(as.arena))
}

// Stats describes the usage of an address space in bytes.
type Stats struct {
	Total  mm.Size
	Mapped mm.Size
	Peak   mm.Size
	Free   mm.Size
}

// Stats returns a snapshot of the address space usage.
func (as *AddressSpace) Stats() Stats {
	if as.pages == nil {
		return Stats{}
	}

	return Stats{
		Total:  mm.Size(as.pages.TotalPages()) << mm.PageShift,
		Mapped: mm.Size(as.mappedPages) << mm.PageShift,
		Peak:   mm.Size(as.peakMappedPages) << mm.PageShift,
		Free:   mm.Size(as.pages.FreePages()) << mm.PageShift,
	}
}

// Release returns the backing memory to the OS. Any address obtained from
// Map becomes invalid.
func (as *AddressSpace) Release() *kernel.Error {
	if as.pages == nil {
		return ErrReleased
	}

	if as.mappedPages != 0 {
		kfmt.Logger("vmm").WithField("pages", as.mappedPages).Warn("releasing address space with live mappings")
	}

	err := releaseArenaFn(as.arena)
	as.arena, as.pages = nil, nil
	if err != nil {
		kfmt.Logger("vmm").WithError(err).Error("arena release failed")
		return ErrArenaUnavailable
	}

	return nil
}
