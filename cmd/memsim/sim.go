package main

import (
	"math/rand"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"turbofish/kernel"
	"turbofish/kernel/kmalloc"
	"turbofish/kernel/mm"
	"turbofish/kernel/mm/slab"
)

// Report summarizes a simulation run.
type Report struct {
	RunID         uuid.UUID
	Allocs        uint64
	Frees         uint64
	Reallocs      uint64
	Failures      uint64
	PeakLiveBytes uint64
	PeakMapped    mm.Size
	FreePages     uint64
	TotalPages    uint64
}

// allocation is a live heap block filled with marker.
type allocation struct {
	size   uintptr
	marker byte
}

// Simulator drives a randomized workload against a kmalloc heap and checks
// that no live allocation is ever overwritten.
type Simulator struct {
	workload Workload
	heap     *kmalloc.Heap
	rng      *rand.Rand
	log      *logrus.Entry

	live      mapset.Set[uintptr]
	liveOrder []uintptr
	blocks    map[uintptr]allocation
	liveBytes uint64

	report Report
}

// NewSimulator creates the heap described by the workload.
func NewSimulator(w Workload) (*Simulator, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}

	heap, kerr := kmalloc.NewHeap(mm.Size(w.ArenaMb) * mm.Mb)
	if kerr != nil {
		return nil, errors.Wrap(kerr, "failed to create heap")
	}

	runID := uuid.New()
	return &Simulator{
		workload: w,
		heap:     heap,
		rng:      rand.New(rand.NewSource(w.Seed)),
		log:      logrus.WithField("run", runID.String()),
		live:     mapset.NewThreadUnsafeSet[uintptr](),
		blocks:   make(map[uintptr]allocation),
		report:   Report{RunID: runID},
	}, nil
}

// Run executes the workload, frees every remaining allocation and tears
// down the heap.
func (s *Simulator) Run() (Report, error) {
	s.log.WithFields(logrus.Fields{
		"seed":  s.workload.Seed,
		"ops":   s.workload.Ops,
		"arena": s.workload.ArenaMb,
	}).Info("starting simulation")

	for op := 0; op < s.workload.Ops; op++ {
		if err := s.step(); err != nil {
			return s.report, errors.Wrapf(err, "op %d", op)
		}
	}

	if err := s.drain(); err != nil {
		return s.report, err
	}

	stats := s.heap.Stats()
	s.report.PeakMapped = stats.Space.Peak
	s.report.FreePages = stats.Space.Free.Pages()
	s.report.TotalPages = stats.Space.Total.Pages()

	if kerr := s.heap.Destroy(); kerr != nil {
		return s.report, errors.Wrap(kerr, "failed to release heap")
	}

	s.log.WithFields(logrus.Fields{
		"allocs":   s.report.Allocs,
		"frees":    s.report.Frees,
		"reallocs": s.report.Reallocs,
		"failures": s.report.Failures,
		"peak":     s.report.PeakLiveBytes,
	}).Info("simulation complete")

	return s.report, nil
}

func (s *Simulator) step() error {
	if len(s.liveOrder) > 0 && s.rng.Float64() < s.workload.FreeRatio {
		return s.free(s.rng.Intn(len(s.liveOrder)))
	}
	if len(s.liveOrder) > 0 && s.workload.ReallocRatio > 0 && s.rng.Float64() < s.workload.ReallocRatio {
		return s.resize(s.rng.Intn(len(s.liveOrder)), s.pickSize())
	}
	return s.allocate(s.pickSize())
}

func (s *Simulator) pickSize() uintptr {
	w := s.workload
	if w.LargeRatio > 0 && s.rng.Float64() < w.LargeRatio {
		lo := uint64(slab.MaxSizeClass) + 1
		return uintptr(lo + uint64(s.rng.Int63n(int64(w.MaxLargeSize-lo+1))))
	}
	return uintptr(w.MinSize + uint64(s.rng.Int63n(int64(w.MaxSize-w.MinSize+1))))
}

func (s *Simulator) allocate(size uintptr) error {
	addr, err := s.heap.Alloc(size)
	if err == kmalloc.ErrOutOfMemory {
		s.report.Failures++
		return nil
	} else if err != nil {
		return errors.Wrapf(err, "alloc(%d)", size)
	}

	if !s.live.Add(addr) {
		return errors.Errorf("address %#x handed out while still live", addr)
	}

	marker := byte(1 + s.rng.Intn(255))
	kernel.Memset(addr, marker, size)

	s.blocks[addr] = allocation{size: size, marker: marker}
	s.liveOrder = append(s.liveOrder, addr)
	s.liveBytes += uint64(size)
	s.report.PeakLiveBytes = max(s.report.PeakLiveBytes, s.liveBytes)
	s.report.Allocs++

	return nil
}

// verify checks that the first size bytes at addr still hold the marker.
func verify(addr uintptr, block allocation, size uintptr) error {
	for offset, b := range kernel.Bytes(addr, size) {
		if b != block.marker {
			return errors.Errorf("allocation at %#x (size %d) corrupted at offset %d: got %#x, want %#x",
				addr, block.size, offset, b, block.marker)
		}
	}
	return nil
}

// resize reallocates the live allocation at liveOrder[index] to size bytes
// and checks that its contents survived the move.
func (s *Simulator) resize(index int, size uintptr) error {
	addr := s.liveOrder[index]
	block := s.blocks[addr]

	if err := verify(addr, block, block.size); err != nil {
		return err
	}

	newAddr, err := s.heap.Realloc(addr, size)
	if err == kmalloc.ErrOutOfMemory {
		s.report.Failures++
		return nil
	} else if err != nil {
		return errors.Wrapf(err, "realloc(%#x, %d)", addr, size)
	}

	if err := verify(newAddr, block, min(block.size, size)); err != nil {
		return errors.Wrap(err, "contents lost on realloc")
	}

	if newAddr != addr {
		s.live.Remove(addr)
		delete(s.blocks, addr)
		if !s.live.Add(newAddr) {
			return errors.Errorf("address %#x handed out while still live", newAddr)
		}
		s.liveOrder[index] = newAddr
	}

	kernel.Memset(newAddr, block.marker, size)
	s.blocks[newAddr] = allocation{size: size, marker: block.marker}
	s.liveBytes = s.liveBytes - uint64(block.size) + uint64(size)
	s.report.PeakLiveBytes = max(s.report.PeakLiveBytes, s.liveBytes)
	s.report.Reallocs++

	return nil
}

// free verifies and releases the live allocation at liveOrder[index].
func (s *Simulator) free(index int) error {
	addr := s.liveOrder[index]
	block := s.blocks[addr]

	if err := verify(addr, block, block.size); err != nil {
		return err
	}

	if err := s.heap.Free(addr); err != nil {
		return errors.Wrapf(err, "free(%#x)", addr)
	}

	last := len(s.liveOrder) - 1
	s.liveOrder[index] = s.liveOrder[last]
	s.liveOrder = s.liveOrder[:last]
	s.live.Remove(addr)
	delete(s.blocks, addr)
	s.liveBytes -= uint64(block.size)
	s.report.Frees++

	return nil
}

func (s *Simulator) drain() error {
	for len(s.liveOrder) > 0 {
		if err := s.free(len(s.liveOrder) - 1); err != nil {
			return err
		}
	}
	return nil
}
