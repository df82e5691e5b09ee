package slab

import (
	"github.com/sirupsen/logrus"

	"turbofish/kernel/kfmt"
	"turbofish/kernel/mm"
	"turbofish/kernel/mm/vmm"
)

const (
	// nilSlot terminates the slab list.
	nilSlot = -1

	// baseSlotCapacity is the initial number of slab slots; the slot table
	// doubles whenever it runs out of vacant entries.
	baseSlotCapacity = 4

	// minObjectsPerSlab is the lower bound on objects per slab for size
	// classes larger than a page fraction.
	minObjectsPerSlab = 8
)

// slot is an entry in the cache's slab table. A nil slab marks a vacant
// slot. Occupied slots are chained through prev/next, most recently useful
// slab first and full slabs at the back.
type slot struct {
	slab       *Slab
	prev, next int
}

// CacheStats summarizes the state of a Cache.
type CacheStats struct {
	ObjectSize  uintptr
	Slabs       int
	SlotsInUse  int
	SlotTable   int
	Objects     int
	LiveObjects int
}

// Cache hands out objects of a single size, growing by whole slabs on
// demand and releasing a slab as soon as it becomes empty.
type Cache struct {
	mapper      vmm.Mapper
	objSize     uintptr
	objsPerSlab uint32

	slots      []slot
	head, tail int
	slabCount  int

	log *logrus.Entry
}

// NewCache returns an empty cache for objects of objSize bytes. No memory is
// mapped until the first allocation.
func NewCache(mapper vmm.Mapper, objSize uintptr) *Cache {
	objSize = max(objSize, MinObjectSize)

	return &Cache{
		mapper:      mapper,
		objSize:     objSize,
		objsPerSlab: uint32(max(mm.PageSize/objSize, minObjectsPerSlab)),
		head:        nilSlot,
		tail:        nilSlot,
		log:         kfmt.Logger("slab").WithField("class", objSize),
	}
}

// ObjectSize returns the size of the objects served by this cache.
func (c *Cache) ObjectSize() uintptr { return c.objSize }

// ObjectsPerSlab returns the number of objects each slab of the cache holds.
func (c *Cache) ObjectsPerSlab() int { return int(c.objsPerSlab) }

// Alloc returns the address of a free object, mapping a new slab if every
// existing slab is full. It returns false if a new slab is needed but cannot
// be mapped.
func (c *Cache) Alloc() (uintptr, bool) {
	index := c.head
	for index != nilSlot && c.slots[index].slab.Status() == Full {
		index = c.slots[index].next
	}

	if index == nilSlot {
		var ok bool
		if index, ok = c.allocateNewSlab(); !ok {
			return 0, false
		}
	}

	slab := c.slots[index].slab
	addr, _ := slab.Alloc()

	c.unlink(index)
	if slab.Status() == Full {
		c.pushBack(index)
	} else {
		c.pushFront(index)
	}

	return addr, true
}

// Free releases the object at addr. It returns false if addr is not the
// start of an object in any of the cache's slabs. Freeing an object that is
// not allocated is a fatal error. A slab whose last object is freed is
// destroyed and its slot becomes vacant.
func (c *Cache) Free(addr uintptr) bool {
	index := c.find(addr)
	if index == nilSlot {
		return false
	}

	slab := c.slots[index].slab
	slab.Free(addr)

	if slab.Status() == Empty {
		c.unlink(index)
		slab.Destroy()
		c.slots[index].slab = nil
		c.slabCount--
		c.log.WithField("slabs", c.slabCount).Debug("released empty slab")
		return true
	}

	// A slab that just left the full state can serve the next allocation.
	c.unlink(index)
	c.pushFront(index)
	return true
}

// Contains returns true if addr is the start of an object in one of the
// cache's slabs.
func (c *Cache) Contains(addr uintptr) bool {
	return c.find(addr) != nilSlot
}

// Owns returns true if addr lies anywhere inside one of the cache's slabs.
func (c *Cache) Owns(addr uintptr) bool {
	return c.owner(addr) != nilSlot
}

// IsLive returns true if addr is the start of an allocated object.
func (c *Cache) IsLive(addr uintptr) bool {
	index := c.find(addr)
	return index != nilSlot && c.slots[index].slab.IsLive(addr)
}

// Destroy tears down every slab owned by the cache. Destroying a cache with
// outstanding objects is a fatal error.
func (c *Cache) Destroy() {
	for index := c.head; index != nilSlot; {
		next := c.slots[index].next
		c.slots[index].slab.Destroy()
		c.slots[index] = slot{prev: nilSlot, next: nilSlot}
		index = next
	}

	c.head, c.tail = nilSlot, nilSlot
	c.slabCount = 0
}

// Stats returns a snapshot of the cache's occupancy.
func (c *Cache) Stats() CacheStats {
	stats := CacheStats{
		ObjectSize: c.objSize,
		Slabs:      c.slabCount,
		SlotTable:  len(c.slots),
	}

	for index := c.head; index != nilSlot; index = c.slots[index].next {
		slab := c.slots[index].slab
		stats.SlotsInUse++
		stats.Objects += slab.ObjectCount()
		stats.LiveObjects += slab.ObjectCount() - slab.FreeCount()
	}

	return stats
}

func (c *Cache) owner(addr uintptr) int {
	for index := c.head; index != nilSlot; index = c.slots[index].next {
		if c.slots[index].slab.Owns(addr) {
			return index
		}
	}
	return nilSlot
}

func (c *Cache) find(addr uintptr) int {
	for index := c.head; index != nilSlot; index = c.slots[index].next {
		if c.slots[index].slab.Contains(addr) {
			return index
		}
	}
	return nilSlot
}

// allocateNewSlab maps a new slab, stores it in a vacant slot (growing the
// slot table if needed) and links it at the front of the list.
func (c *Cache) allocateNewSlab() (int, bool) {
	index := c.vacantSlot()
	if index == nilSlot {
		index = len(c.slots)
		c.allocateMetadata()
	}

	slab, ok := NewSlab(c.mapper, c.objSize, c.objsPerSlab)
	if !ok {
		return nilSlot, false
	}

	c.slots[index].slab = slab
	c.pushFront(index)
	c.slabCount++

	c.log.WithFields(logrus.Fields{
		"slot":  index,
		"slabs": c.slabCount,
	}).Debug("mapped new slab")

	return index, true
}

// allocateMetadata doubles the slot table. Existing entries keep their
// indices.
func (c *Cache) allocateMetadata() {
	grown := make([]slot, max(len(c.slots)*2, baseSlotCapacity))
	copy(grown, c.slots)
	for i := len(c.slots); i < len(grown); i++ {
		grown[i] = slot{prev: nilSlot, next: nilSlot}
	}

	c.log.WithField("capacity", len(grown)).Debug("grew slab table")
	c.slots = grown
}

func (c *Cache) vacantSlot() int {
	for index := range c.slots {
		if c.slots[index].slab == nil {
			return index
		}
	}
	return nilSlot
}

func (c *Cache) unlink(index int) {
	s := &c.slots[index]
	if s.prev != nilSlot {
		c.slots[s.prev].next = s.next
	} else {
		c.head = s.next
	}
	if s.next != nilSlot {
		c.slots[s.next].prev = s.prev
	} else {
		c.tail = s.prev
	}
	s.prev, s.next = nilSlot, nilSlot
}

func (c *Cache) pushFront(index int) {
	c.slots[index].prev = nilSlot
	c.slots[index].next = c.head
	if c.head != nilSlot {
		c.slots[c.head].prev = index
	} else {
		c.tail = index
	}
	c.head = index
}

func (c *Cache) pushBack(index int) {
	c.slots[index].next = nilSlot
	c.slots[index].prev = c.tail
	if c.tail != nilSlot {
		c.slots[c.tail].next = index
	} else {
		c.head = index
	}
	c.tail = index
}
