package mm

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// Order returns the smallest Order that is suitable for storing a block of
// this size.
func (s Size) Order() Order {
	return OrderForPages(s.Pages())
}

// Pages returns the number of pages that are required for storing this size.
func (s Size) Pages() uint64 {
	pageSizeMinus1 := Size(PageSize - 1)
	return uint64((s+pageSizeMinus1)&^pageSizeMinus1) >> PageShift
}

// Order represents a power-of-two multiple of the base page size and is used
// as an argument to page-based memory allocators.
//
// Order(0) refers to a block with size PageSize
// Order(1) refers to a block with size PageSize * 2
// ...
type Order uint8

// Pages returns the number of pages in a block of this order.
func (o Order) Pages() uint64 {
	return 1 << o
}

// Size returns the size in bytes of a block of this order.
func (o Order) Size() Size {
	return Size(PageSize) << o
}

// OrderForPages returns the smallest order whose blocks can hold the given
// number of pages. A zero page count maps to Order(0).
func OrderForPages(pages uint64) Order {
	var order Order
	for ; order.Pages() < pages; order++ {
	}

	return order
}
