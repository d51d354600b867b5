// Package slab implements the magazine-based slab allocator of spec §4.A:
// per-type object caches with per-CPU magazines over a backing arena.
//
// Grounded on Kiwi's kernel/generic/mm/slab.c (magazine fast path, slab
// colouring, hot/cold allocation order) reworked for Go: object storage is
// produced by a New func() interface{} factory instead of carving raw
// memory, since Go's GC owns layout and we cannot overlay bufctl metadata
// on arbitrary user memory the way the C original does. Buffer bookkeeping
// therefore always goes through a pointer-keyed map rather than the
// original's choice between "in-band" pointer-in-buffer and an external
// hash table — see DESIGN.md for the full justification. Every other
// invariant (refcount, slab-list transitions, colour rotation, magazine
// fast path ordering, late CPU-cache enablement) is preserved exactly.
package slab

import (
	"fmt"
	"sync"

	"github.com/aejsmith/kiwi-core/pkg/klog"
)

// Flags configure a Cache's behaviour.
type Flags uint32

const (
	// FlagNoMagazine disables the per-CPU magazine layer entirely; every
	// alloc/free goes straight to the slab layer under the cache lock.
	FlagNoMagazine Flags = 1 << iota
	// flagLateMag marks a cache created before the CPU count was known
	// (spec §4.A "Late CPU-cache enablement"). Internal only; set by
	// Create when cpuCount <= 0, cleared by EnableMagazines.
	flagLateMag
)

// Constructor initializes a freshly allocated object. If it returns an
// error the buffer is returned to the slab before the error propagates
// (spec §4.A).
type Constructor func(obj interface{}) error

// Destructor tears down an object before its buffer is returned to the
// slab.
type Destructor func(obj interface{})

// New creates a blank object for a slab to carve a buffer for.
type New func() interface{}

// Cache is one object-kind cache (spec §3 "Cache").
type Cache struct {
	name    string
	newFn   New
	ctor    Constructor
	dtor    Destructor
	reclaim func()
	arena   Arena
	flags   Flags
	log     *klog.Logger

	objCount int // objects per slab

	mu         sync.Mutex
	full       []*slabT
	partial    []*slabT
	colourNext int
	colourMax  int
	align      int
	allocated  int // live allocation count, for Destroy's "fails loudly" check

	depot depot
	cpus  []*cpuCache // nil when FlagNoMagazine or not yet late-enabled
}

type bufctl struct {
	object interface{}
	slab   *slabT
}

type slabT struct {
	refcount int
	colour   int
	buf      []byte // backing allocation returned to the arena on destruction
	free     []*bufctl // free list; order doesn't matter for our semantics
	ctls     map[interface{}]*bufctl
}

const (
	objectsPerSlab = 16 // fixed carve count; the original computes this from quantum/obj_size
	defaultAlign   = 8
)

// Create builds a new cache. cpuCount <= 0 means "unknown yet": the cache
// is created with no magazine layer and flagged for late enablement (spec
// §4.A / §9 "Slab magazine late-enable").
func Create(name string, newFn New, ctor Constructor, dtor Destructor, reclaimHook func(), arena Arena, cpuCount int, flags Flags, log *klog.Logger) (*Cache, error) {
	if name == "" {
		return nil, ErrInvalidSize
	}
	if newFn == nil {
		return nil, ErrInvalidSize
	}
	if log == nil {
		log = klog.NewDiscardLogger()
	}
	c := &Cache{
		name:      name,
		newFn:     newFn,
		ctor:      ctor,
		dtor:      dtor,
		reclaim:   reclaimHook,
		arena:     arena,
		flags:     flags,
		log:       log,
		colourMax: defaultAlign * 4,
		align:     defaultAlign,
	}
	if flags&FlagNoMagazine == 0 {
		if cpuCount <= 0 {
			c.flags |= flagLateMag
		} else {
			c.cpus = make([]*cpuCache, cpuCount)
			for i := range c.cpus {
				c.cpus[i] = &cpuCache{}
			}
		}
	}
	registerCache(c)
	return c, nil
}

// EnableMagazines performs the one-shot "late CPU-cache enablement" pass
// once the real CPU count is known (spec §4.A / §9).
func (c *Cache) EnableMagazines(cpuCount int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flags&flagLateMag == 0 {
		return
	}
	c.cpus = make([]*cpuCache, cpuCount)
	for i := range c.cpus {
		c.cpus[i] = &cpuCache{}
	}
	c.flags &^= flagLateMag
}

// Name returns the cache's name (used in Destroy's diagnostic).
func (c *Cache) Name() string { return c.name }

// AllocatedCount reports the number of objects currently on loan.
func (c *Cache) AllocatedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allocated
}

// Destroy tears down the cache. Per spec §8 property 1, it aborts with a
// diagnostic naming the cache if any allocation is still outstanding.
func (c *Cache) Destroy() {
	c.mu.Lock()
	allocated := c.allocated
	c.mu.Unlock()
	if allocated != 0 {
		panic(fmt.Sprintf("slab: cache %q destroyed with %d allocations outstanding", c.name, allocated))
	}
	unregisterCache(c)
}

func cpuIndex(cpu int, n int) int {
	if n == 0 {
		return 0
	}
	return cpu % n
}

// Alloc allocates one object, following the hot-path order of §4.A:
// CPU cache -> loaded magazine -> previous magazine -> depot full magazine
// -> slab layer.
func (c *Cache) Alloc(cpu int) (interface{}, error) {
	if cc := c.pickCPU(cpu); cc != nil {
		cc.mu.Lock()
		obj, ok := c.allocFromCPU(cc)
		cc.mu.Unlock()
		if ok {
			c.bumpAllocated(1)
			return obj, nil
		}
	}
	return c.allocFromSlabLayer()
}

func (c *Cache) pickCPU(cpu int) *cpuCache {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.cpus) == 0 {
		return nil
	}
	return c.cpus[cpuIndex(cpu, len(c.cpus))]
}

// allocFromCPU implements steps 2-4 of the allocation algorithm under the
// CPU cache's own lock.
func (c *Cache) allocFromCPU(cc *cpuCache) (interface{}, bool) {
	if cc.loaded != nil {
		if obj, ok := cc.loaded.pop(); ok {
			return obj, true
		}
	}
	if cc.previous != nil && !cc.previous.isEmpty() {
		cc.loaded, cc.previous = cc.previous, cc.loaded
		return cc.loaded.pop()
	}
	if full := c.depot.getFull(); full != nil {
		if cc.previous != nil {
			c.depot.putEmpty(cc.previous)
		}
		cc.previous = cc.loaded
		cc.loaded = full
		return cc.loaded.pop()
	}
	return nil, false
}

// allocFromSlabLayer is step 5: take a partial slab (or create one), pop a
// bufctl, construct, and requeue the slab.
func (c *Cache) allocFromSlabLayer() (interface{}, error) {
	c.mu.Lock()
	var s *slabT
	if len(c.partial) > 0 {
		s = c.partial[len(c.partial)-1]
	} else {
		var err error
		s, err = c.createSlab()
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		c.partial = append(c.partial, s)
	}

	ct := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]
	s.refcount++
	obj := ct.object

	if s.refcount == len(s.ctls) {
		c.movePartialToFull(s)
	}
	c.mu.Unlock()

	if c.ctor != nil {
		if err := c.ctor(obj); err != nil {
			c.freeToSlabLayer(obj)
			return nil, err
		}
	}
	c.bumpAllocated(1)
	return obj, nil
}

func (c *Cache) movePartialToFull(s *slabT) {
	for i, p := range c.partial {
		if p == s {
			c.partial = append(c.partial[:i], c.partial[i+1:]...)
			break
		}
	}
	c.full = append(c.full, s)
}

func (c *Cache) moveFullToPartial(s *slabT) {
	for i, p := range c.full {
		if p == s {
			c.full = append(c.full[:i], c.full[i+1:]...)
			break
		}
	}
	c.partial = append(c.partial, s)
}

// createSlab implements §4.A step 5's "create a new slab by asking the
// arena for slab_size", including colour rotation (§4.A "Colouring").
func (c *Cache) createSlab() (*slabT, error) {
	var buf []byte
	if c.arena != nil {
		var err error
		if buf, err = c.arena.Alloc(c.objCountSize()); err != nil {
			return nil, err
		}
	}
	colour := c.colourNext
	c.colourNext += c.align
	if c.colourNext > c.colourMax {
		c.colourNext = 0
	}

	s := &slabT{
		colour: colour,
		buf:    buf,
		ctls:   make(map[interface{}]*bufctl, objectsPerSlab),
	}
	for i := 0; i < objectsPerSlab; i++ {
		obj := c.newFn()
		ct := &bufctl{object: obj, slab: s}
		s.ctls[obj] = ct
		s.free = append(s.free, ct)
	}
	return s, nil
}

func (c *Cache) objCountSize() int { return objectsPerSlab }

// Free returns an object to the cache, mirroring the allocation fast path
// in reverse (§4.A "Free algorithm").
func (c *Cache) Free(cpu int, obj interface{}) {
	if cc := c.pickCPU(cpu); cc != nil {
		cc.mu.Lock()
		ok := c.freeToCPU(cc, obj)
		cc.mu.Unlock()
		if ok {
			c.bumpAllocated(-1)
			return
		}
	}
	c.freeToSlabLayer(obj)
	c.bumpAllocated(-1)
}

func (c *Cache) freeToCPU(cc *cpuCache, obj interface{}) bool {
	if cc.loaded == nil {
		cc.loaded = &magazine{}
	}
	if !cc.loaded.isFull() {
		return cc.loaded.push(obj)
	}
	if cc.previous != nil && !cc.previous.isFull() {
		return cc.previous.push(obj)
	}
	mag := c.depot.getEmpty()
	if mag == nil {
		mag = &magazine{}
	}
	if cc.previous != nil {
		c.depot.putFull(cc.previous)
	}
	cc.previous = cc.loaded
	cc.loaded = mag
	return cc.loaded.push(obj)
}

// freeToSlabLayer mirrors slab_obj_free_internal: destruct, link onto the
// owning slab's free list, decrement refcount, and destroy the slab (back
// to the arena) the moment it empties (spec §8 property 7 / §3 invariant
// "an empty slab is destroyed immediately").
func (c *Cache) freeToSlabLayer(obj interface{}) {
	if c.dtor != nil {
		c.dtor(obj)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ct, s := c.findOwningSlab(obj)
	if s == nil {
		return // not one of ours; nothing to do
	}
	wasFull := s.refcount == len(s.ctls)
	s.free = append(s.free, ct)
	s.refcount--

	if s.refcount == 0 {
		c.destroySlab(s)
		return
	}
	if wasFull {
		c.moveFullToPartial(s)
	}
}

func (c *Cache) findOwningSlab(obj interface{}) (*bufctl, *slabT) {
	for _, s := range c.partial {
		if ct, ok := s.ctls[obj]; ok {
			return ct, s
		}
	}
	for _, s := range c.full {
		if ct, ok := s.ctls[obj]; ok {
			return ct, s
		}
	}
	return nil, nil
}

func (c *Cache) destroySlab(s *slabT) {
	removed := false
	for i, p := range c.partial {
		if p == s {
			c.partial = append(c.partial[:i], c.partial[i+1:]...)
			removed = true
			break
		}
	}
	if !removed {
		for i, p := range c.full {
			if p == s {
				c.full = append(c.full[:i], c.full[i+1:]...)
				removed = true
				break
			}
		}
	}
	if removed && c.arena != nil && s.buf != nil {
		c.arena.Free(s.buf)
	}
}

func (c *Cache) bumpAllocated(delta int) {
	c.mu.Lock()
	c.allocated += delta
	c.mu.Unlock()
}

// drainMagazines destroys every magazine currently sitting empty (first)
// and full (second) in the depot, per Reclaim's documented order. Objects
// in full magazines are destructed and returned to the slab layer.
func (c *Cache) drainMagazines() {
	for _, m := range c.depot.drainEmpty() {
		_ = m // nothing references an empty magazine's contents
	}
	for _, m := range c.depot.drainFull() {
		for {
			obj, ok := m.pop()
			if !ok {
				break
			}
			c.freeToSlabLayer(obj)
		}
	}
	c.mu.Lock()
	for _, cc := range c.cpus {
		cc.mu.Lock()
		if cc.previous != nil && cc.previous.isEmpty() {
			cc.previous = nil
		}
		if cc.loaded != nil && cc.loaded.isEmpty() {
			cc.loaded = nil
		}
		cc.mu.Unlock()
	}
	c.mu.Unlock()
}
