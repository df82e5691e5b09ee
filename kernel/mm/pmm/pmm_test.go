package pmm

import (
	"testing"

	"turbofish/kernel/mm"
	"turbofish/kernel/mm/buddy"
)

// qemuMemoryMap is the memory map reported by qemu for a 128M guest.
var qemuMemoryMap = []MemoryMapEntry{
	{PhysAddress: 0x0, Length: 0x9fc00, Type: MemAvailable},
	{PhysAddress: 0x9fc00, Length: 0x400, Type: MemReserved},
	{PhysAddress: 0xf0000, Length: 0x10000, Type: MemReserved},
	{PhysAddress: 0x100000, Length: 0x7ee0000, Type: MemAvailable},
	{PhysAddress: 0x7fe0000, Length: 0x20000, Type: MemReserved},
	{PhysAddress: 0xfffc0000, Length: 0x40000, Type: MemReserved},
}

func resetAllocator() {
	frameAllocator, reservedFrames = nil, 0
	mm.SetFrameAllocator(nil)
}

func TestMemoryEntryTypeString(t *testing.T) {
	specs := []struct {
		input MemoryEntryType
		exp   string
	}{
		{MemAvailable, "available"},
		{MemReserved, "reserved"},
		{MemAcpiReclaimable, "ACPI (reclaimable)"},
		{MemNvs, "NVS"},
		{MemoryEntryType(123), "unknown"},
	}

	for specIndex, spec := range specs {
		if got := spec.input.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}

func TestAvailableFrames(t *testing.T) {
	specs := []struct {
		memoryMap []MemoryMapEntry
		exp       []frameRange
	}{
		{
			qemuMemoryMap,
			// region 1 extents get rounded to [0, 9f000] and provide 159 frames
			[]frameRange{{0, 159}, {256, 32736}},
		},
		{
			// unaligned, unsorted and overlapping regions
			[]MemoryMapEntry{
				{PhysAddress: 0x10800, Length: 0x2000, Type: MemAvailable},
				{PhysAddress: 0x1000, Length: 0x4000, Type: MemAvailable},
				{PhysAddress: 0x4000, Length: 0x2000, Type: MemAvailable},
				{PhysAddress: 0x20000, Length: 0x800, Type: MemAvailable},
			},
			[]frameRange{{1, 6}, {17, 18}},
		},
		{
			[]MemoryMapEntry{{PhysAddress: 0, Length: 0x100000, Type: MemReserved}},
			nil,
		},
	}

	for specIndex, spec := range specs {
		got := availableFrames(spec.memoryMap)
		if len(got) != len(spec.exp) {
			t.Errorf("[spec %d] expected %d ranges; got %d (%v)", specIndex, len(spec.exp), len(got), got)
			continue
		}
		for i := range got {
			if got[i] != spec.exp[i] {
				t.Errorf("[spec %d] expected range %d to be %v; got %v", specIndex, i, spec.exp[i], got[i])
			}
		}
	}
}

func TestInit(t *testing.T) {
	defer resetAllocator()

	if err := Init(qemuMemoryMap, 0x100000, 0x1ff800); err != nil {
		t.Fatal(err)
	}

	// 159 + 32480 available frames minus 256 kernel frames; the 97 frame
	// hole is reserved as well.
	exp := FrameStats{TotalFrames: 32736, FreeFrames: 32383, ReservedFrames: 97 + 256}
	if got := Stats(); got != exp {
		t.Fatalf("expected stats %+v; got %+v", exp, got)
	}

	// Frames inside the hole and the kernel image are reserved.
	for _, frame := range []mm.Frame{159, 200, 255, 256, 511} {
		if order, err := FrameOrder(frame); err != nil || order != 0 {
			t.Errorf("expected frame %d to be reserved; got order %d, err %v", frame, order, err)
		}
	}

	if _, err := FrameOrder(512); err != buddy.ErrNotAllocated {
		t.Errorf("expected frame 512 to be free; got %v", err)
	}
}

func TestInitErrors(t *testing.T) {
	defer resetAllocator()

	if err := Init(nil, 0, 0); err != errNoAvailableMemory {
		t.Fatalf("expected errNoAvailableMemory; got %v", err)
	}

	if got := Stats(); got != (FrameStats{}) {
		t.Fatalf("expected empty stats; got %+v", got)
	}
}

func TestAllocFree(t *testing.T) {
	defer resetAllocator()

	if _, err := AllocFrame(); err != errNotInitialized {
		t.Fatalf("expected errNotInitialized; got %v", err)
	}
	if err := FreeFrame(0); err != errNotInitialized {
		t.Fatalf("expected errNotInitialized; got %v", err)
	}
	if _, err := FrameOrder(0); err != errNotInitialized {
		t.Fatalf("expected errNotInitialized; got %v", err)
	}

	memoryMap := []MemoryMapEntry{
		{PhysAddress: 0x10000, Length: 16 * uint64(mm.PageSize), Type: MemAvailable},
	}
	if err := Init(memoryMap, 0, 0); err != nil {
		t.Fatal(err)
	}

	// The frame allocator is also reachable through mm.
	frame, err := mm.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	if exp := mm.FrameFromAddress(0x10000); frame != exp {
		t.Fatalf("expected first frame to be %d; got %d", exp, frame)
	}

	run, err := AllocFrames(2)
	if err != nil {
		t.Fatal(err)
	}
	if exp := mm.FrameFromAddress(0x14000); run != exp {
		t.Fatalf("expected order 2 run to start at frame %d; got %d", exp, run)
	}

	if _, err = AllocFrames(5); err != buddy.ErrOutOfBound {
		t.Fatalf("expected ErrOutOfBound; got %v", err)
	}

	if err = FreeFrames(run, 2); err != nil {
		t.Fatal(err)
	}
	if err = FreeFrame(frame); err != nil {
		t.Fatal(err)
	}
	if err = FreeFrame(frame); err != buddy.ErrCannotFree {
		t.Fatalf("expected ErrCannotFree on double free; got %v", err)
	}
	if err = FreeFrames(mm.InvalidFrame, 2); err != errInvalidFrame {
		t.Fatalf("expected errInvalidFrame; got %v", err)
	}

	if got := Stats(); got.FreeFrames != 16 {
		t.Fatalf("expected all 16 frames to be free; got %d", got.FreeFrames)
	}

	for i := 0; i < 16; i++ {
		if _, err = AllocFrame(); err != nil {
			t.Fatal(err)
		}
	}
	if frame, err = AllocFrame(); err != buddy.ErrOutOfMem || frame.Valid() {
		t.Fatalf("expected ErrOutOfMem and an invalid frame; got %d, %v", frame, err)
	}

	// Freeing the result of a failed allocation is rejected.
	if err = FreeFrame(frame); err != errInvalidFrame {
		t.Fatalf("expected errInvalidFrame; got %v", err)
	}
}
