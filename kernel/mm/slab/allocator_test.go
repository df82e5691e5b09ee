package slab

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"turbofish/kernel"
	"turbofish/kernel/mm"
)

func TestSizeClass(t *testing.T) {
	specs := []struct {
		layout Layout
		exp    uintptr
		expOK  bool
	}{
		{Layout{Size: 0}, 32, true},
		{Layout{Size: 1}, 32, true},
		{Layout{Size: 32}, 32, true},
		{Layout{Size: 33}, 64, true},
		{Layout{Size: 100}, 128, true},
		{Layout{Size: 2049}, 4096, true},
		{Layout{Size: 4096}, 4096, true},
		{Layout{Size: 4097}, 0, false},
		{Layout{Size: 8, Align: 64}, 64, true},
		{Layout{Size: 8, Align: 4096}, 4096, true},
		{Layout{Size: 8, Align: 8192}, 0, false},
		{Layout{Size: 8, Align: 3}, 0, false},
	}

	for specIndex, spec := range specs {
		class, ok := SizeClass(spec.layout)
		require.Equal(t, spec.expOK, ok, "spec %d", specIndex)
		require.Equal(t, spec.exp, class, "spec %d", specIndex)
	}
}

func TestAllocatorAlignment(t *testing.T) {
	mapper := newTestMapper(t, 4*mm.Mb)
	a := New(mapper)

	for class := MinSizeClass; class <= MaxSizeClass; class <<= 1 {
		addr, ok := a.Alloc(Layout{Size: class/2 + 1, Align: 8})
		require.True(t, ok)
		require.Zero(t, addr&(class-1), "class %d", class)

		size, err := a.Ksize(addr)
		require.Nil(t, err)
		require.Equal(t, class, size)
		require.True(t, a.Owns(addr))

		require.Nil(t, a.Free(addr))
	}

	for _, stats := range a.Stats() {
		require.Zero(t, stats.Slabs)
	}
}

func TestAllocatorRejectsLargeLayouts(t *testing.T) {
	mapper := newTestMapper(t, mm.Mb)
	a := New(mapper)

	_, ok := a.Alloc(Layout{Size: MaxSizeClass + 1})
	require.False(t, ok)
	require.Equal(t, 0, mapper.maps)
}

func TestAllocatorFreeErrors(t *testing.T) {
	mapper := newTestMapper(t, mm.Mb)
	a := New(mapper)

	require.Equal(t, ErrNotAllocated, a.Free(0))

	first, ok := a.Alloc(Layout{Size: 32})
	require.True(t, ok)
	second, ok := a.Alloc(Layout{Size: 32})
	require.True(t, ok)

	// Interior pointers are rejected without touching the live object.
	require.Equal(t, ErrNotAllocated, a.Free(first+8))
	require.Equal(t, ErrNotAllocated, a.Free(second+31))
	size, err := a.Ksize(first)
	require.Nil(t, err)
	require.Equal(t, MinSizeClass, size)

	require.Nil(t, a.Free(first))
	_, err = a.Ksize(first)
	require.Equal(t, ErrNotAllocated, err)

	// The slab is still alive, so a second free is a fatal error.
	require.PanicsWithValue(t, errDoubleFree, func() { _ = a.Free(first) })

	// Once the slab is gone the address is simply unknown.
	require.Nil(t, a.Free(second))
	require.Equal(t, ErrNotAllocated, a.Free(second))
	require.False(t, a.Owns(second))
}

func TestAllocatorDestroy(t *testing.T) {
	mapper := newTestMapper(t, mm.Mb)
	a := New(mapper)

	addr, ok := a.Alloc(Layout{Size: 200})
	require.True(t, ok)
	require.PanicsWithValue(t, errLeakedObjects, a.Destroy)

	require.Nil(t, a.Free(addr))
	a.Destroy()
	require.Zero(t, mapper.as.Stats().Mapped)
}

func TestAllocatorChurn(t *testing.T) {
	type liveObject struct {
		size   uintptr
		marker byte
	}

	var (
		mapper = newTestMapper(t, 32*mm.Mb)
		a      = New(mapper)
		rng    = rand.New(rand.NewSource(0x5eed))
		live   = make(map[uintptr]liveObject)
		addrs  []uintptr
	)

	checkAndFree := func(index int) {
		addr := addrs[index]
		obj := live[addr]
		for _, b := range kernel.Bytes(addr, obj.size) {
			require.Equal(t, obj.marker, b, "object at 0x%x was overwritten", addr)
		}

		require.Nil(t, a.Free(addr))
		delete(live, addr)
		addrs[index] = addrs[len(addrs)-1]
		addrs = addrs[:len(addrs)-1]
	}

	for op := 0; op < 4000; op++ {
		if len(addrs) > 0 && (len(addrs) >= 512 || rng.Intn(3) == 0) {
			checkAndFree(rng.Intn(len(addrs)))
			continue
		}

		size := uintptr(1 + rng.Intn(int(MaxSizeClass)))
		addr, ok := a.Alloc(Layout{Size: size})
		require.True(t, ok)

		_, exists := live[addr]
		require.False(t, exists, "address 0x%x handed out twice", addr)

		marker := byte(op)
		kernel.Memset(addr, marker, size)
		live[addr] = liveObject{size: size, marker: marker}
		addrs = append(addrs, addr)
	}

	for len(addrs) > 0 {
		checkAndFree(len(addrs) - 1)
	}

	for _, stats := range a.Stats() {
		require.Zero(t, stats.Slabs, "class %d", stats.ObjectSize)
		require.Zero(t, stats.LiveObjects)
	}
	require.Zero(t, mapper.as.Stats().Mapped)
}
