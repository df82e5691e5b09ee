// Package buddy implements a binary buddy allocator that hands out
// power-of-two sized runs of pages. The allocator is generic over the page
// index type so the same code manages physical frames and virtual pages.
//
// The allocator never allocates memory after construction: its whole state
// is a bit-packed implicit binary tree stored in a caller-sized byte buffer.
// It performs no locking; callers must serialize access.
package buddy

import (
	"github.com/sirupsen/logrus"

	"turbofish/kernel"
	"turbofish/kernel/kfmt"
	"turbofish/kernel/mm"
)

var (
	// ErrOutOfBound is returned when an order or address falls outside of
	// the span managed by the allocator.
	ErrOutOfBound = &kernel.Error{Module: "buddy", Message: "order or address outside of the managed span"}

	// ErrOutOfMem is returned when no free block of the requested order exists.
	ErrOutOfMem = &kernel.Error{Module: "buddy", Message: "no free block of the requested order"}

	// ErrCannotFree is returned when an address/order pair does not
	// describe a live allocation.
	ErrCannotFree = &kernel.Error{Module: "buddy", Message: "address does not correspond to a live allocation of this order"}

	// ErrAlreadyOccupied is returned when a reservation overlaps a live allocation.
	ErrAlreadyOccupied = &kernel.Error{Module: "buddy", Message: "reservation overlaps a live allocation"}

	// ErrNotAllocated is returned by Ksize for addresses inside free blocks.
	ErrNotAllocated = &kernel.Error{Module: "buddy", Message: "address is not allocated"}

	// ErrMisaligned is returned when a reservation address is not aligned
	// to the size of the requested order.
	ErrMisaligned = &kernel.Error{Module: "buddy", Message: "address is not aligned to the requested order"}

	// ErrMetadataTooSmall is returned when the supplied metadata buffer
	// cannot hold the buddy tree.
	ErrMetadataTooSmall = &kernel.Error{Module: "buddy", Message: "metadata buffer too small for the requested page count"}

	errCorruptedTree = &kernel.Error{Module: "buddy", Message: "buddy tree invariant violated: ancestor of an allocated block is not split"}
)

// Allocator manages a span of pages starting at a base page index. The page
// count is rounded up to the next power of two; the padding pages are
// reserved during construction so they can never be handed out.
type Allocator[A mm.PageIndex] struct {
	// base is the index of the first page in the managed span.
	base A

	// maxOrder is the order of the block spanning the whole tree.
	maxOrder mm.Order

	// totalPages tracks the number of real (non-padding) pages.
	totalPages uint64

	// reservedPages tracks the number of allocated or reserved real pages.
	reservedPages uint64

	tree tree
}

// New creates an allocator for pageCount pages starting at base. The buddy
// tree metadata is allocated on the Go heap.
func New[A mm.PageIndex](base A, pageCount uint64) (*Allocator[A], *kernel.Error) {
	if pageCount == 0 {
		return nil, ErrOutOfBound
	}

	maxOrder := mm.OrderForPages(pageCount)
	if maxOrder > mm.MaxOrder {
		return nil, ErrOutOfBound
	}

	return NewWithMetadata(base, pageCount, make([]byte, MetadataSize(maxOrder)))
}

// NewWithMetadata creates an allocator for pageCount pages starting at base
// that keeps its buddy tree inside metadata. The buffer must be at least
// MetadataSize bytes long for the rounded-up page count; it is cleared
// before use and must not be touched by the caller afterwards.
func NewWithMetadata[A mm.PageIndex](base A, pageCount uint64, metadata []byte) (*Allocator[A], *kernel.Error) {
	if pageCount == 0 {
		return nil, ErrOutOfBound
	}

	maxOrder := mm.OrderForPages(pageCount)
	if maxOrder > mm.MaxOrder {
		return nil, ErrOutOfBound
	}

	requiredBytes := MetadataSize(maxOrder)
	if uint64(len(metadata)) < requiredBytes {
		return nil, ErrMetadataTooSmall
	}

	alloc := &Allocator[A]{
		base:       base,
		maxOrder:   maxOrder,
		totalPages: pageCount,
		tree:       tree(metadata[:requiredBytes]),
	}
	clear(alloc.tree)

	// Pages between pageCount and the power-of-two boundary do not exist;
	// pin them as order-0 blocks.
	lastIndex := firstIndex(maxOrder)
	for page := pageCount; page < maxOrder.Pages(); page++ {
		if err := alloc.reserveIndex(lastIndex + page); err != nil {
			return nil, err
		}
	}

	kfmt.Logger("buddy").WithFields(logrus.Fields{
		"base":      uint64(base.Address()),
		"pages":     pageCount,
		"max_order": maxOrder,
		"metadata":  requiredBytes,
	}).Debug("allocator initialized")

	return alloc, nil
}

// Base returns the first page managed by the allocator.
func (alloc *Allocator[A]) Base() A { return alloc.base }

// MaxOrder returns the order of the block that spans the whole allocator.
func (alloc *Allocator[A]) MaxOrder() mm.Order { return alloc.maxOrder }

// TotalPages returns the number of pages managed by the allocator.
func (alloc *Allocator[A]) TotalPages() uint64 { return alloc.totalPages }

// FreePages returns the number of pages that are neither allocated nor reserved.
func (alloc *Allocator[A]) FreePages() uint64 { return alloc.totalPages - alloc.reservedPages }

// Metadata returns a copy of the buddy tree metadata.
func (alloc *Allocator[A]) Metadata() []byte {
	return append([]byte(nil), alloc.tree...)
}

// Alloc reserves a block of 2^order contiguous pages and returns the index of
// its first page. When several blocks fit, the one with the lowest address is
// returned.
func (alloc *Allocator[A]) Alloc(order mm.Order) (A, *kernel.Error) {
	if order > alloc.maxOrder {
		return 0, ErrOutOfBound
	}

	depth := alloc.maxOrder - order
	index, found := alloc.search(0, 0, depth)
	if !found {
		return 0, ErrOutOfMem
	}

	alloc.markOccupied(index)
	alloc.reservedPages += order.Pages()

	return alloc.base + A((index-firstIndex(depth))<<order), nil
}

// search performs a depth-first, left-to-right scan of the subtree rooted at
// index for a free, unsplit node at the target depth.
func (alloc *Allocator[A]) search(index uint64, depth, target mm.Order) (uint64, bool) {
	state := alloc.tree.state(index)
	switch {
	case state&flagOccupied != 0:
		return 0, false
	case depth == target:
		return index, state == 0
	case state&flagSplitted == 0:
		// The whole subtree is free; its leftmost node at the target
		// depth is the lowest-address candidate.
		for ; depth < target; depth++ {
			index = leftOf(index)
		}
		return index, true
	}

	if found, ok := alloc.search(leftOf(index), depth+1, target); ok {
		return found, true
	}
	return alloc.search(rightOf(index), depth+1, target)
}

// markOccupied flags the node at index as allocated, splits every ancestor
// and propagates occupancy upwards for ancestors whose children are both
// occupied.
func (alloc *Allocator[A]) markOccupied(index uint64) {
	t := alloc.tree
	t.set(index, flagOccupied)

	for index != 0 {
		index = parentOf(index)
		t.set(index, flagSplitted)
		if t.occupied(leftOf(index)) && t.occupied(rightOf(index)) {
			t.set(index, flagOccupied)
		}
	}
}

// Free releases a block previously returned by Alloc or reserved via Reserve
// with the same order.
func (alloc *Allocator[A]) Free(addr A, order mm.Order) *kernel.Error {
	index, err := alloc.indexOf(addr, order)
	if err != nil {
		return ErrCannotFree
	}

	if alloc.tree.state(index) != flagOccupied {
		return ErrCannotFree
	}

	alloc.release(index)
	alloc.reservedPages -= order.Pages()
	return nil
}

// release clears the node at index and walks its ancestors: occupancy is
// cleared all the way to the root while split flags are cleared only for
// ancestors whose two children are both clean again.
func (alloc *Allocator[A]) release(index uint64) {
	t := alloc.tree
	t.clear(index, nodeMask)

	merging := true
	for index != 0 {
		index = parentOf(index)
		if !t.splitted(index) {
			kfmt.Panic(errCorruptedTree)
		}

		t.clear(index, flagOccupied)
		if merging && t.state(leftOf(index)) == 0 && t.state(rightOf(index)) == 0 {
			t.clear(index, flagSplitted)
		} else {
			merging = false
		}
	}
}

// Reserve marks the block of the given order at addr as occupied. It is used
// to carve out fixed regions, such as the memory used by the kernel image,
// from an otherwise free allocator. A reserved block is released with Free.
func (alloc *Allocator[A]) Reserve(addr A, order mm.Order) *kernel.Error {
	index, err := alloc.indexOf(addr, order)
	if err != nil {
		return err
	}

	if err = alloc.reserveIndex(index); err != nil {
		return err
	}

	alloc.reservedPages += order.Pages()
	return nil
}

func (alloc *Allocator[A]) reserveIndex(index uint64) *kernel.Error {
	t := alloc.tree
	if t.state(index) != 0 {
		return ErrAlreadyOccupied
	}

	// An occupied, unsplit ancestor is a live block that covers the
	// target. The scan stops at the first split ancestor as everything
	// above it is split as well.
	for ancestor := index; ancestor != 0; {
		ancestor = parentOf(ancestor)
		if t.splitted(ancestor) {
			break
		}
		if t.occupied(ancestor) {
			return ErrAlreadyOccupied
		}
	}

	alloc.markOccupied(index)
	return nil
}

// ReserveExact reserves pageCount pages starting at addr one page at a time.
// Unlike Reserve, the run does not need to be a power of two nor aligned. If
// any page cannot be reserved, the pages reserved so far are released and
// the error is returned.
func (alloc *Allocator[A]) ReserveExact(addr A, pageCount uint64) *kernel.Error {
	for page := uint64(0); page < pageCount; page++ {
		if err := alloc.Reserve(addr+A(page), 0); err != nil {
			for ; page > 0; page-- {
				_ = alloc.Free(addr+A(page-1), 0)
			}
			return err
		}
	}

	return nil
}

// FreeReserve releases pageCount pages starting at addr that were reserved
// with ReserveExact.
func (alloc *Allocator[A]) FreeReserve(addr A, pageCount uint64) *kernel.Error {
	for page := uint64(0); page < pageCount; page++ {
		if err := alloc.Free(addr+A(page), 0); err != nil {
			return err
		}
	}

	return nil
}

// Ksize returns the order of the live block that contains addr.
func (alloc *Allocator[A]) Ksize(addr A) (mm.Order, *kernel.Error) {
	if addr < alloc.base || uint64(addr-alloc.base) >= alloc.totalPages {
		return 0, ErrOutOfBound
	}

	var (
		t      = alloc.tree
		offset = uint64(addr - alloc.base)
		index  uint64
	)

	for order := alloc.maxOrder; ; order-- {
		state := t.state(index)
		if state == flagOccupied {
			return order, nil
		}

		if state&flagSplitted == 0 || order == 0 {
			return 0, ErrNotAllocated
		}

		// The bit for the child's order selects the left or right half.
		if offset&(uint64(1)<<(order-1)) == 0 {
			index = leftOf(index)
		} else {
			index = rightOf(index)
		}
	}
}

// indexOf returns the tree index of the block of the given order that starts
// at addr. Blocks that extend past the real page count are out of bounds.
func (alloc *Allocator[A]) indexOf(addr A, order mm.Order) (uint64, *kernel.Error) {
	if order > alloc.maxOrder || addr < alloc.base {
		return 0, ErrOutOfBound
	}

	offset := uint64(addr - alloc.base)
	if offset+order.Pages() > alloc.totalPages {
		return 0, ErrOutOfBound
	}

	if offset&(order.Pages()-1) != 0 {
		return 0, ErrMisaligned
	}

	depth := alloc.maxOrder - order
	return firstIndex(depth) + offset>>order, nil
}
