package main

import (
	"github.com/pkg/errors"

	"turbofish/kernel/kmain"
	"turbofish/kernel/kmalloc"
	"turbofish/kernel/mm"
	"turbofish/kernel/mm/pmm"
)

const (
	// The simulated kernel image occupies the second megabyte of RAM.
	kernelImageStart = uintptr(0x100000)
	kernelImageEnd   = uintptr(0x200000)

	bootHeapSize = mm.Mb
)

// simulatedMemoryMap returns a PC-style memory map for a machine with
// ramMb megabytes of RAM: low memory below the EBDA, the BIOS hole and the
// rest of RAM above 1M.
func simulatedMemoryMap(ramMb uint64) []pmm.MemoryMapEntry {
	top := ramMb * uint64(mm.Mb)

	return []pmm.MemoryMapEntry{
		{PhysAddress: 0x0, Length: 0x9fc00, Type: pmm.MemAvailable},
		{PhysAddress: 0x9fc00, Length: 0x400, Type: pmm.MemReserved},
		{PhysAddress: 0xf0000, Length: 0x10000, Type: pmm.MemReserved},
		{PhysAddress: 0x100000, Length: top - 0x100000, Type: pmm.MemAvailable},
		{PhysAddress: top, Length: 0x20000, Type: pmm.MemReserved},
	}
}

// bootKernel runs the kernel memory bring-up for the simulated machine and
// checks that both a frame and a heap block can be allocated.
func bootKernel(ramMb uint64) (pmm.FrameStats, error) {
	if ramMb < 4 {
		return pmm.FrameStats{}, errors.Errorf("simulated machine needs at least 4M of RAM; got %dM", ramMb)
	}

	info := kmain.BootInfo{
		MemoryMap:   simulatedMemoryMap(ramMb),
		KernelStart: kernelImageStart,
		KernelEnd:   kernelImageEnd,
		HeapSize:    bootHeapSize,
	}
	if err := kmain.Kmain(info); err != nil {
		return pmm.FrameStats{}, errors.Wrap(err, "kernel memory bring-up failed")
	}

	frame, err := mm.AllocFrame()
	if err != nil {
		return pmm.FrameStats{}, errors.Wrap(err, "frame allocation failed")
	}
	if !frame.Valid() {
		return pmm.FrameStats{}, errors.Errorf("frame allocator returned invalid frame %d", frame)
	}
	if err = pmm.FreeFrame(frame); err != nil {
		return pmm.FrameStats{}, errors.Wrap(err, "frame release failed")
	}

	addr, err := kmalloc.Alloc(64)
	if err != nil {
		return pmm.FrameStats{}, errors.Wrap(err, "boot heap allocation failed")
	}
	if err = kmalloc.Free(addr); err != nil {
		return pmm.FrameStats{}, errors.Wrap(err, "boot heap release failed")
	}

	return pmm.Stats(), nil
}
