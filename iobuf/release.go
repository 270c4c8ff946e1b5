package iobuf

import (
	"github.com/nitinreddy3/os/mem"
	"github.com/nitinreddy3/os/pagecache"
)

// release tears down everything the buffer holds besides its own
// structure: mappings this subsystem created, owned physical pages,
// page cache entry references, and pins. This is the only place
// per-page ownership decisions are made.
func (b *Iobuf_t) release() {
	b.off = 0
	if b.unmapfree {
		b.unmap()
	}
	switch {
	case b.owned || b.cachebacked:
		// pages with a cache entry are the cache's to destroy; drop
		// the reference. Owned pages without one are freed, locked
		// ones are unpinned. A page of a cache-backed, unlocked buffer
		// with an empty slot cannot happen.
		pgi := 0
		for fi := range b.frags {
			f := &b.frags[fi]
			pgoff := int(f.Pa & mem.PGOFFSET)
			pa := f.Pa - mem.Pa_t(pgoff)
			npg := mem.Pgcount(f.Size + pgoff)
			for j := 0; j < npg; j++ {
				var pce *pagecache.Pce_t
				if b.pces != nil && pgi < len(b.pces) {
					pce = b.pces[pgi]
				}
				pgi++
				switch {
				case pce != nil:
					pce.Refdown()
				case b.owned:
					b.mm.Phys.Free_page(pa)
				case b.locked:
					// locked borrowed page the cache never claimed
					b.mm.Phys.Unlock_pages(pa, 1)
				default:
					// XXXPANIC
					panic("cache backed page without entry")
				}
				pa += mem.Pa_t(mem.PGSIZE)
			}
		}
	case b.locked:
		// locking may have taken a cache reference or pinned the
		// page; undo whichever happened. The first fragment's
		// physical address may start mid-page.
		pgi := 0
		for fi := range b.frags {
			f := &b.frags[fi]
			pgoff := int(f.Pa & mem.PGOFFSET)
			pa := f.Pa - mem.Pa_t(pgoff)
			npg := mem.Pgcount(f.Size + pgoff)
			for j := 0; j < npg; j++ {
				var pce *pagecache.Pce_t
				if b.pces != nil && pgi < len(b.pces) {
					pce = b.pces[pgi]
				}
				pgi++
				if pce != nil {
					pce.Refdown()
				} else {
					b.mm.Phys.Unlock_pages(pa, 1)
				}
				pa += mem.Pa_t(mem.PGSIZE)
			}
		}
	}
	if b.pooldata != 0 {
		b.mm.Pool.Free_paged(b.pooldata)
		b.pooldata = 0
	}
}

// Free destroys the buffer, releasing owned pages, cache references,
// pins, and mappings per the buffer's state. Caller-provided
// descriptor storage survives and may be re-initialized.
func (b *Iobuf_t) Free() {
	b.release()
	if b.structowned {
		// poison: the descriptor is dead
		b.frags = nil
		b.pces = nil
		b.totsz = 0
		b.mm = nil
	}
}

// Reset releases the buffer's resources but keeps its tables so the
// descriptor can be refilled. The buffer comes back empty with its
// origin state (ownership of structure, extendability, cache backing)
// intact. User-mode buffers cannot be reset.
func (b *Iobuf_t) Reset() {
	if b.user {
		// XXXPANIC
		panic("reset of user buffer")
	}
	b.release()
	clear(b.frags)
	b.frags = b.frags[:0]
	clear(b.pces)
	b.totsz = 0
	b.off = 0
	b.mapped = false
	b.virtcontig = false
	b.unmapfree = false
	b.owned = false
}
