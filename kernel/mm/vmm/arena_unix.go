//go:build unix

package vmm

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// reserveArena maps size bytes of anonymous, private memory outside of the
// Go heap. The returned region is page-aligned and zero-filled.
func reserveArena(size uintptr) ([]byte, error) {
	arena, err := unix.Mmap(
		-1, 0,
		int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap of %d bytes", size)
	}

	return arena, nil
}

// releaseArena returns an arena obtained from reserveArena to the OS.
func releaseArena(arena []byte) error {
	return errors.Wrap(unix.Munmap(arena), "munmap")
}

// discardPages tells the OS that the contents of the given range are no
// longer needed. The next access observes zero-filled pages.
func discardPages(region []byte) error {
	return errors.Wrap(unix.Madvise(region, unix.MADV_DONTNEED), "madvise")
}
