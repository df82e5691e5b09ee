package main

import (
	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"turbofish/kernel/mm"
	"turbofish/kernel/mm/slab"
)

// Workload describes a simulated allocation workload.
type Workload struct {
	Seed int64 `toml:"seed"`
	Ops  int   `toml:"ops"`

	// ArenaMb is the size of the heap address space in megabytes.
	ArenaMb uint64 `toml:"arena-mb"`

	// MinSize and MaxSize bound small (slab) requests.
	MinSize uint64 `toml:"min-size"`
	MaxSize uint64 `toml:"max-size"`

	// MaxLargeSize bounds requests served directly by the address space.
	MaxLargeSize uint64 `toml:"max-large-size"`

	// FreeRatio is the probability that an op frees a live allocation.
	FreeRatio float64 `toml:"free-ratio"`

	// LargeRatio is the probability that an allocation is large.
	LargeRatio float64 `toml:"large-ratio"`

	// ReallocRatio is the probability that an op resizes a live allocation.
	ReallocRatio float64 `toml:"realloc-ratio"`
}

// DefaultWorkload returns the workload used when no config file is given.
func DefaultWorkload() Workload {
	return Workload{
		Seed:         1,
		Ops:          100000,
		ArenaMb:      64,
		MinSize:      1,
		MaxSize:      uint64(slab.MaxSizeClass),
		MaxLargeSize: uint64(64 * mm.Kb),
		FreeRatio:    0.45,
		LargeRatio:   0.05,
		ReallocRatio: 0.1,
	}
}

// LoadWorkload reads a TOML workload file on top of the default workload.
// Unknown keys are rejected.
func LoadWorkload(path string) (Workload, error) {
	w := DefaultWorkload()

	meta, err := toml.DecodeFile(path, &w)
	if err != nil {
		return w, errors.Wrapf(err, "failed to parse workload file %s", path)
	}

	if undecoded := meta.Undecoded(); len(undecoded) != 0 {
		return w, errors.Errorf("unknown workload key %q in %s", undecoded[0].String(), path)
	}

	return w, w.Validate()
}

// Validate checks the workload for inconsistent settings.
func (w Workload) Validate() error {
	switch {
	case w.Ops < 0:
		return errors.New("ops must not be negative")
	case w.ArenaMb == 0:
		return errors.New("arena-mb must be greater than zero")
	case w.MinSize == 0 || w.MinSize > w.MaxSize:
		return errors.Errorf("invalid small size range [%d, %d]", w.MinSize, w.MaxSize)
	case w.MaxSize > uint64(slab.MaxSizeClass):
		return errors.Errorf("max-size must not exceed %d", slab.MaxSizeClass)
	case w.LargeRatio > 0 && w.MaxLargeSize <= uint64(slab.MaxSizeClass):
		return errors.Errorf("max-large-size must exceed %d", slab.MaxSizeClass)
	case w.FreeRatio < 0 || w.FreeRatio > 1:
		return errors.New("free-ratio must be within [0, 1]")
	case w.LargeRatio < 0 || w.LargeRatio > 1:
		return errors.New("large-ratio must be within [0, 1]")
	case w.ReallocRatio < 0 || w.ReallocRatio > 1:
		return errors.New("realloc-ratio must be within [0, 1]")
	}

	return nil
}
