// Package pagecache provides the page cache entry: a reference
// counted, page sized unit of cached file data that I/O buffers may
// borrow instead of copying.
package pagecache

import (
	"sync/atomic"

	"github.com/nitinreddy3/os/mem"
)

// Pce_t is one page cache entry. The physical page is fixed for the
// entry's lifetime; the virtual address is an advisory hint set at
// most once (see Setva).
type Pce_t struct {
	pa     mem.Pa_t
	va     atomic.Uintptr
	refcnt atomic.Int32
}

// Mkpce creates an entry for the page at pa with one reference held by
// the creator. pa must be page aligned.
func Mkpce(pa mem.Pa_t) *Pce_t {
	if pa&mem.PGOFFSET != 0 {
		panic("pce pa not page aligned")
	}
	pce := &Pce_t{pa: pa}
	pce.refcnt.Store(1)
	return pce
}

// Pa returns the entry's physical address.
func (pce *Pce_t) Pa() mem.Pa_t {
	return pce.pa
}

// Va returns the entry's mapped virtual address, or 0 if the entry has
// not been mapped.
func (pce *Pce_t) Va() uintptr {
	return pce.va.Load()
}

// Setva publishes a virtual address for the entry. Only the first
// writer wins; a non-empty hint is never replaced. Returns whether the
// address was installed.
func (pce *Pce_t) Setva(va uintptr) bool {
	return pce.va.CompareAndSwap(0, va)
}

// Refup takes a reference.
func (pce *Pce_t) Refup() {
	c := pce.refcnt.Add(1)
	// XXXPANIC
	if c <= 1 {
		panic("wut")
	}
}

// Refdown drops a reference and returns true when the entry is dead.
// The page itself belongs to the cache; dropping the last reference
// does not free it here.
func (pce *Pce_t) Refdown() bool {
	c := pce.refcnt.Add(-1)
	if c < 0 {
		// XXXPANIC
		panic("wut")
	}
	return c == 0
}

// Refcnt returns the current reference count.
func (pce *Pce_t) Refcnt() int {
	return int(pce.refcnt.Load())
}
