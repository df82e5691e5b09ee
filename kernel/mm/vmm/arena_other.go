//go:build !unix

package vmm

import (
	"turbofish/kernel"
	"turbofish/kernel/mm"
)

// reserveArena allocates size bytes on the Go heap and trims the slice so it
// starts at a page boundary. The Go garbage collector does not move heap
// objects, so the addresses stay valid while the AddressSpace holds the slice.
func reserveArena(size uintptr) ([]byte, error) {
	buf := make([]byte, size+mm.PageSize)
	offset := (mm.PageSize - kernel.AddressOf(buf)&(mm.PageSize-1)) & (mm.PageSize - 1)
	return buf[offset : offset+size : offset+size], nil
}

func releaseArena(_ []byte) error { return nil }

func discardPages(region []byte) error {
	kernel.Memset(kernel.AddressOf(region), 0, uintptr(len(region)))
	return nil
}
