// Package pmm manages physical memory frames. Frames are tracked by a buddy
// allocator spanning every available region of the memory map; holes between
// regions and the frames occupied by the kernel image are reserved at Init.
package pmm

import (
	"github.com/sirupsen/logrus"

	"turbofish/kernel"
	"turbofish/kernel/kfmt"
	"turbofish/kernel/mm"
	"turbofish/kernel/mm/buddy"
)

var (
	// frameAllocator is the buddy allocator installed by Init.
	frameAllocator *buddy.Allocator[mm.Frame]

	// reservedFrames counts frames reserved at Init for holes and the
	// kernel image.
	reservedFrames uint64

	errNoAvailableMemory = &kernel.Error{Module: "pmm", Message: "memory map contains no available regions"}
	errNotInitialized    = &kernel.Error{Module: "pmm", Message: "physical memory allocator not initialized"}
	errInvalidFrame      = &kernel.Error{Module: "pmm", Message: "attempted to free an invalid frame"}
)

// FrameStats describes the physical memory managed by the allocator.
type FrameStats struct {
	TotalFrames    uint64
	FreeFrames     uint64
	ReservedFrames uint64
}

// Init sets up the physical memory allocator using the supplied memory map
// and registers it with mm.SetFrameAllocator. Frames in [kernelStart,
// kernelEnd) are never handed out.
func Init(memoryMap []MemoryMapEntry, kernelStart, kernelEnd uintptr) *kernel.Error {
	printMemoryMap(memoryMap)

	ranges := availableFrames(memoryMap)
	if len(ranges) == 0 {
		return errNoAvailableMemory
	}

	var (
		first = ranges[0].start
		last  = ranges[len(ranges)-1].end
	)

	alloc, err := buddy.New(first, uint64(last-first))
	if err != nil {
		return err
	}

	var reserved uint64

	// Holes between available regions.
	for i := 1; i < len(ranges); i++ {
		holeStart, holeEnd := ranges[i-1].end, ranges[i].start
		if err := alloc.ReserveExact(holeStart, uint64(holeEnd-holeStart)); err != nil {
			return err
		}
		reserved += uint64(holeEnd - holeStart)
	}

	// The kernel image, clipped to each available region.
	imageStart := mm.FrameFromAddress(kernelStart)
	imageEnd := mm.FrameFromAddress(kernelEnd + mm.PageSize - 1)
	for _, r := range ranges {
		start, end := max(r.start, imageStart), min(r.end, imageEnd)
		if start >= end {
			continue
		}
		if err := alloc.ReserveExact(start, uint64(end-start)); err != nil {
			return err
		}
		reserved += uint64(end - start)
	}

	frameAllocator, reservedFrames = alloc, reserved
	mm.SetFrameAllocator(AllocFrame)

	kfmt.Logger("pmm").WithFields(logrus.Fields{
		"frames":   alloc.TotalPages(),
		"reserved": reserved,
		"free_kb":  uint64(mm.Size(alloc.FreePages()<<mm.PageShift) / mm.Kb),
	}).Info("physical memory allocator ready")

	return nil
}

// printMemoryMap logs the system's memory map.
func printMemoryMap(memoryMap []MemoryMapEntry) {
	log := kfmt.Logger("pmm")

	var totalFree mm.Size
	for _, region := range memoryMap {
		log.Debugf("[0x%10x - 0x%10x], size: %10d, type: %s", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())
		if region.Type == MemAvailable {
			totalFree += mm.Size(region.Length)
		}
	}
	log.Debugf("free memory: %dKb", uint64(totalFree/mm.Kb))
}

// AllocFrame allocates a single physical frame.
func AllocFrame() (mm.Frame, *kernel.Error) {
	return AllocFrames(0)
}

// AllocFrames allocates 2^order contiguous physical frames and returns the
// first one.
func AllocFrames(order mm.Order) (mm.Frame, *kernel.Error) {
	if frameAllocator == nil {
		return mm.InvalidFrame, errNotInitialized
	}

	frame, err := frameAllocator.Alloc(order)
	if err != nil {
		return mm.InvalidFrame, err
	}
	return frame, nil
}

// FreeFrame releases a frame obtained from AllocFrame.
func FreeFrame(frame mm.Frame) *kernel.Error {
	return FreeFrames(frame, 0)
}

// FreeFrames releases a run of frames obtained from AllocFrames with the
// same order.
func FreeFrames(frame mm.Frame, order mm.Order) *kernel.Error {
	if frameAllocator == nil {
		return errNotInitialized
	}
	if !frame.Valid() {
		return errInvalidFrame
	}
	return frameAllocator.Free(frame, order)
}

// FrameOrder returns the order of the allocated run containing frame.
func FrameOrder(frame mm.Frame) (mm.Order, *kernel.Error) {
	if frameAllocator == nil {
		return 0, errNotInitialized
	}
	return frameAllocator.Ksize(frame)
}

// Stats returns a snapshot of physical memory usage.
func Stats() FrameStats {
	if frameAllocator == nil {
		return FrameStats{}
	}

	return FrameStats{
		TotalFrames:    frameAllocator.TotalPages(),
		FreeFrames:     frameAllocator.FreePages(),
		ReservedFrames: reservedFrames,
	}
}
