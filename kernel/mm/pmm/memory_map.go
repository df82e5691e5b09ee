package pmm

import (
	"sort"

	"turbofish/kernel/mm"
)

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a region of physical memory as reported by the
// firmware.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// frameRange is a half-open run of frames [start, end).
type frameRange struct {
	start, end mm.Frame
}

// availableFrames returns the page-aligned frame runs covered by available
// regions, sorted by address with overlapping runs merged. Region starts are
// rounded up and region ends rounded down to a frame boundary.
func availableFrames(memoryMap []MemoryMapEntry) []frameRange {
	pageSizeMinus1 := uint64(mm.PageSize - 1)

	var ranges []frameRange
	for _, region := range memoryMap {
		if region.Type != MemAvailable || region.Length < uint64(mm.PageSize) {
			continue
		}

		start := mm.Frame(((region.PhysAddress + pageSizeMinus1) &^ pageSizeMinus1) >> mm.PageShift)
		end := mm.Frame(((region.PhysAddress + region.Length) &^ pageSizeMinus1) >> mm.PageShift)
		if end > start {
			ranges = append(ranges, frameRange{start, end})
		}
	}

	sort.Slice(ranges, func(i, j int) bool { return ranges[i].start < ranges[j].start })

	merged := ranges[:0]
	for _, r := range ranges {
		if last := len(merged) - 1; last >= 0 && r.start <= merged[last].end {
			merged[last].end = max(merged[last].end, r.end)
			continue
		}
		merged = append(merged, r)
	}

	return merged
}
