package slab

import "sync"

// MagazineSize is the fixed capacity of a magazine (spec §3: "e.g. 32
// slots").
const MagazineSize = 32

// magazine is a fixed-size LIFO stack of free objects. It is the unit moved
// between a CPU cache and the depot.
type magazine struct {
	objects [MagazineSize]interface{}
	rounds  int
}

func (m *magazine) pop() (obj interface{}, ok bool) {
	if m.rounds == 0 {
		return nil, false
	}
	m.rounds--
	obj = m.objects[m.rounds]
	m.objects[m.rounds] = nil
	return obj, true
}

func (m *magazine) push(obj interface{}) bool {
	if m.rounds >= MagazineSize {
		return false
	}
	m.objects[m.rounds] = obj
	m.rounds++
	return true
}

func (m *magazine) isFull() bool  { return m.rounds == MagazineSize }
func (m *magazine) isEmpty() bool { return m.rounds == 0 }

// cpuCache is the per-CPU slot described in §3: a loaded and a previous
// magazine, protected by one lock. Allocation/free on the fast path takes
// this lock only (simulating the original's "pin by disabling preemption").
type cpuCache struct {
	mu       sync.Mutex
	loaded   *magazine
	previous *magazine
}

// depot holds the cache-wide pools of full and empty magazines (§3:
// "depot (lists of full and empty magazines)").
type depot struct {
	mu    sync.Mutex
	full  []*magazine
	empty []*magazine
}

func (d *depot) getFull() *magazine {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.full)
	if n == 0 {
		return nil
	}
	mag := d.full[n-1]
	d.full = d.full[:n-1]
	return mag
}

func (d *depot) putFull(mag *magazine) {
	d.mu.Lock()
	d.full = append(d.full, mag)
	d.mu.Unlock()
}

func (d *depot) getEmpty() *magazine {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.empty)
	if n == 0 {
		return nil
	}
	mag := d.empty[n-1]
	d.empty = d.empty[:n-1]
	return mag
}

func (d *depot) putEmpty(mag *magazine) {
	d.mu.Lock()
	d.empty = append(d.empty, mag)
	d.mu.Unlock()
}

// drainEmpty removes and returns every empty magazine in the depot, used by
// Reclaim (spec §4.A: "destroying empty magazines first").
func (d *depot) drainEmpty() []*magazine {
	d.mu.Lock()
	defer d.mu.Unlock()
	mags := d.empty
	d.empty = nil
	return mags
}

// drainFull removes and returns every full magazine in the depot.
func (d *depot) drainFull() []*magazine {
	d.mu.Lock()
	defer d.mu.Unlock()
	mags := d.full
	d.full = nil
	return mags
}
