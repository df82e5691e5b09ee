package slab

import (
	"testing"

	"github.com/stretchr/testify/require"

	"turbofish/kernel"
	"turbofish/kernel/mm"
	"turbofish/kernel/mm/vmm"
)

// countingMapper wraps an AddressSpace and records map/unmap calls.
type countingMapper struct {
	as            *vmm.AddressSpace
	maps, unmaps  int
	failAfterMaps int
}

func (m *countingMapper) Map(size uintptr) (uintptr, *kernel.Error) {
	if m.failAfterMaps > 0 && m.maps >= m.failAfterMaps {
		return 0, vmm.ErrInvalidMapSize
	}
	m.maps++
	return m.as.Map(size)
}

func (m *countingMapper) Unmap(addr, size uintptr) *kernel.Error {
	m.unmaps++
	return m.as.Unmap(addr, size)
}

func newTestMapper(t *testing.T, size mm.Size) *countingMapper {
	t.Helper()

	as, err := vmm.NewAddressSpace(size)
	require.Nil(t, err)
	t.Cleanup(func() { _ = as.Release() })

	return &countingMapper{as: as}
}

func TestSlabStatusTransitions(t *testing.T) {
	mapper := newTestMapper(t, mm.Mb)

	s, ok := NewSlab(mapper, 64, 4)
	require.True(t, ok)
	require.Equal(t, Empty, s.Status())
	require.Equal(t, 4, s.FreeCount())

	var addrs []uintptr
	for i := 0; i < 4; i++ {
		addr, ok := s.Alloc()
		require.True(t, ok)
		addrs = append(addrs, addr)

		if i < 3 {
			require.Equal(t, Partial, s.Status())
		}
	}

	require.Equal(t, Full, s.Status())
	require.Equal(t, 0, s.FreeCount())

	for i := 1; i < len(addrs); i++ {
		require.Equal(t, addrs[0]+uintptr(i)*64, addrs[i], "objects are handed out in address order")
	}

	_, ok = s.Alloc()
	require.False(t, ok)

	s.Free(addrs[0])
	require.Equal(t, Partial, s.Status(), "first free from a full slab")
	require.Equal(t, 1, s.FreeCount())

	for _, addr := range addrs[1:] {
		s.Free(addr)
	}
	require.Equal(t, Empty, s.Status())
	require.Equal(t, 4, s.FreeCount())

	s.Destroy()
	require.Equal(t, 1, mapper.unmaps)
}

func TestSlabStatusString(t *testing.T) {
	require.Equal(t, "empty", Empty.String())
	require.Equal(t, "partial", Partial.String())
	require.Equal(t, "full", Full.String())
}

func TestNewSlab(t *testing.T) {
	mapper := newTestMapper(t, mm.Mb)

	t.Run("object size floor", func(t *testing.T) {
		s, ok := NewSlab(mapper, 1, 4)
		require.True(t, ok)
		require.Equal(t, MinObjectSize, s.ObjectSize())
		require.Equal(t, 4, s.ObjectCount())
		s.Destroy()
	})

	t.Run("no objects", func(t *testing.T) {
		_, ok := NewSlab(mapper, 64, 0)
		require.False(t, ok)
	})

	t.Run("map failure", func(t *testing.T) {
		failing := vmm.MapperFunc{
			MapFn: func(_ uintptr) (uintptr, *kernel.Error) { return 0, vmm.ErrInvalidMapSize },
		}
		_, ok := NewSlab(failing, 64, 4)
		require.False(t, ok)
	})

	t.Run("spans multiple pages", func(t *testing.T) {
		s, ok := NewSlab(mapper, 4096, 8)
		require.True(t, ok)

		size, err := mapper.as.Ksize(s.base)
		require.Nil(t, err)
		require.Equal(t, 8*mm.PageSize, size)
		s.Destroy()
	})
}

func TestSlabFreeIsLIFO(t *testing.T) {
	mapper := newTestMapper(t, mm.Mb)

	s, ok := NewSlab(mapper, 128, 8)
	require.True(t, ok)

	a, _ := s.Alloc()
	b, _ := s.Alloc()
	s.Free(a)

	c, ok := s.Alloc()
	require.True(t, ok)
	require.Equal(t, a, c)
	require.NotEqual(t, b, c)
}

func TestSlabContainsAndOwns(t *testing.T) {
	mapper := newTestMapper(t, mm.Mb)

	s, ok := NewSlab(mapper, 64, 4)
	require.True(t, ok)

	require.True(t, s.Contains(s.base))
	require.True(t, s.Contains(s.base+3*64))
	require.False(t, s.Contains(s.base+4*64), "past the last object")
	require.False(t, s.Contains(s.base+1))
	require.False(t, s.Contains(s.base-64))

	require.True(t, s.Owns(s.base+1))
	require.False(t, s.Owns(s.base+4*64))

	addr, _ := s.Alloc()
	require.True(t, s.IsLive(addr))
	require.False(t, s.IsLive(addr+64))
}

func TestSlabFatalFrees(t *testing.T) {
	mapper := newTestMapper(t, mm.Mb)

	s, ok := NewSlab(mapper, 64, 4)
	require.True(t, ok)
	addr, _ := s.Alloc()

	specs := []struct {
		descr string
		addr  uintptr
		exp   *kernel.Error
	}{
		{"foreign address", s.base + 4*64, errForeignFree},
		{"below base", s.base - 1, errForeignFree},
		{"misaligned", addr + 8, errMisalignedFree},
		{"never allocated", s.base + 2*64, errDoubleFree},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			require.PanicsWithValue(t, spec.exp, func() { s.Free(spec.addr) })
		})
	}

	t.Run("double free", func(t *testing.T) {
		s.Free(addr)
		require.PanicsWithValue(t, errDoubleFree, func() { s.Free(addr) })
		require.Equal(t, 4, s.FreeCount())
	})
}

func TestSlabDestroyWithOutstandingObjects(t *testing.T) {
	mapper := newTestMapper(t, mm.Mb)

	s, ok := NewSlab(mapper, 64, 4)
	require.True(t, ok)
	addr, _ := s.Alloc()

	require.PanicsWithValue(t, errLeakedObjects, s.Destroy)
	require.Equal(t, 0, mapper.unmaps)

	s.Free(addr)
	s.Destroy()
	require.Equal(t, 1, mapper.unmaps)
}

func TestSlabDestroyUnmapFailure(t *testing.T) {
	mapper := newTestMapper(t, mm.Mb)

	s, ok := NewSlab(mapper, 64, 4)
	require.True(t, ok)

	s.mapper = vmm.MapperFunc{
		UnmapFn: func(_, _ uintptr) *kernel.Error { return vmm.ErrInvalidAddress },
	}
	require.PanicsWithValue(t, errUnmapFailed, s.Destroy)
}
