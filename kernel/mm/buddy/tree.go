package buddy

import "turbofish/kernel/mm"

// Each buddy tree node is described by two bits. Four nodes are packed into
// every metadata byte; node i lives in byte i/4 at bit offset 2*(i%4).
const (
	// flagOccupied is set when the block is allocated or reserved. It is
	// also set on a split node once both of its children are occupied.
	flagOccupied = uint8(1 << 0)

	// flagSplitted is set when the block has been divided into its two
	// children and can no longer be handed out as a whole.
	flagSplitted = uint8(1 << 1)

	nodeMask = flagOccupied | flagSplitted
)

// tree is an implicit binary tree stored in a flat bit array. The root (index
// 0) spans the whole managed range; the children of node i are 2i+1 and 2i+2.
type tree []byte

func (t tree) state(index uint64) uint8 {
	return (t[index>>2] >> ((index & 3) << 1)) & nodeMask
}

func (t tree) set(index uint64, flags uint8) {
	t[index>>2] |= flags << ((index & 3) << 1)
}

func (t tree) clear(index uint64, flags uint8) {
	t[index>>2] &^= flags << ((index & 3) << 1)
}

func (t tree) occupied(index uint64) bool {
	return t.state(index)&flagOccupied != 0
}

func (t tree) splitted(index uint64) bool {
	return t.state(index)&flagSplitted != 0
}

func parentOf(index uint64) uint64 { return (index - 1) >> 1 }
func leftOf(index uint64) uint64   { return index<<1 + 1 }
func rightOf(index uint64) uint64  { return index<<1 + 2 }

// firstIndex returns the index of the leftmost node at the given depth.
func firstIndex(depth mm.Order) uint64 {
	return uint64(1)<<depth - 1
}

// nbrBuddies returns the number of nodes in a tree of the given depth.
func nbrBuddies(depth mm.Order) uint64 {
	return uint64(2)<<depth - 1
}

// MetadataSize returns the number of bytes needed to store the buddy tree
// of an allocator that manages 2^depth pages.
func MetadataSize(depth mm.Order) uint64 {
	return max((nbrBuddies(depth)+1)/4, 1)
}
