package kmain

import (
	"turbofish/kernel"
	"turbofish/kernel/kfmt"
	"turbofish/kernel/kmalloc"
	"turbofish/kernel/mm"
	"turbofish/kernel/mm/pmm"
)

// BootInfo carries the information the loader passes to Kmain.
type BootInfo struct {
	// MemoryMap lists the physical memory regions reported by the firmware.
	MemoryMap []pmm.MemoryMapEntry

	// KernelStart and KernelEnd delimit the physical memory occupied by the
	// kernel image.
	KernelStart, KernelEnd uintptr

	// HeapSize is the size of the kernel heap address space.
	HeapSize mm.Size
}

// Kmain brings up the memory subsystems in dependency order: the physical
// frame allocator first and then the kernel heap. Once Kmain returns without
// an error, mm.AllocFrame and the kmalloc package helpers are usable.
func Kmain(info BootInfo) *kernel.Error {
	var err *kernel.Error
	if err = pmm.Init(info.MemoryMap, info.KernelStart, info.KernelEnd); err != nil {
		return err
	} else if err = kmalloc.Init(info.HeapSize); err != nil {
		return err
	}

	kfmt.Printf("memory subsystems online")
	return nil
}
