package kmain

import (
	"testing"

	"turbofish/kernel/kmalloc"
	"turbofish/kernel/mm"
	"turbofish/kernel/mm/pmm"
	"turbofish/kernel/mm/vmm"
)

func TestKmain(t *testing.T) {
	memoryMap := []pmm.MemoryMapEntry{
		{PhysAddress: 0, Length: uint64(4 * mm.Mb), Type: pmm.MemAvailable},
	}

	t.Run("invalid memory map", func(t *testing.T) {
		info := BootInfo{HeapSize: mm.Mb}
		if err := Kmain(info); err == nil {
			t.Fatal("expected an error for an empty memory map")
		}
	})

	t.Run("invalid heap size", func(t *testing.T) {
		info := BootInfo{MemoryMap: memoryMap}
		if err := Kmain(info); err != vmm.ErrInvalidMapSize {
			t.Fatalf("expected ErrInvalidMapSize; got %v", err)
		}
	})

	t.Run("success", func(t *testing.T) {
		info := BootInfo{
			MemoryMap:   memoryMap,
			KernelStart: 0x100000,
			KernelEnd:   0x180000,
			HeapSize:    mm.Mb,
		}
		if err := Kmain(info); err != nil {
			t.Fatal(err)
		}

		if exp, got := uint64(1024-128), pmm.Stats().FreeFrames; got != exp {
			t.Errorf("expected %d free frames; got %d", exp, got)
		}

		frame, err := mm.AllocFrame()
		if err != nil {
			t.Fatal(err)
		}
		if frame != 0 {
			t.Errorf("expected first frame to be 0; got %d", frame)
		}

		addr, err := kmalloc.Alloc(24)
		if err != nil {
			t.Fatal(err)
		}
		if err = kmalloc.Free(addr); err != nil {
			t.Fatal(err)
		}
	})
}
