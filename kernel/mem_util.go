package kernel

import "unsafe"

// This file is the only place where the allocators reinterpret raw addresses
// as Go memory. Every address passed to the helpers below must point inside a
// region that was obtained from a page mapper and is still mapped.

// Bytes overlays a byte slice on top of the size bytes starting at addr.
func Bytes(addr uintptr, size uintptr) []byte {
	if size == 0 {
		return nil
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

// AddressOf returns the address of the first byte of b or 0 if b is empty.
func AddressOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}

	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

// Memset sets size bytes at the given address to the supplied value. The implementation
// is based on bytes.Repeat; instead of using a for loop, this function uses
// log2(size) copy calls which should give us a speed boost as page addresses
// are always aligned.
func Memset(addr uintptr, value byte, size uintptr) {
	if size == 0 {
		return
	}

	target := Bytes(addr, size)

	// Set first element and make log2(size) optimized copies
	target[0] = value
	for index := uintptr(1); index < size; index *= 2 {
		copy(target[index:], target[:index])
	}
}

// Memcopy copies size bytes from src to dst.
func Memcopy(src, dst uintptr, size uintptr) {
	if size == 0 {
		return
	}

	copy(Bytes(dst, size), Bytes(src, size))
}
