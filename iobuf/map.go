package iobuf

import (
	"github.com/nitinreddy3/os/defs"
	"github.com/nitinreddy3/os/mem"
	"github.com/nitinreddy3/os/util"
)

// Map establishes virtual mappings over the buffer. With virtcontig
// the whole buffer is remapped into one kernel virtual span (tearing
// down any scattered mappings first); otherwise only unmapped
// fragments are mapped, each run of them into its own range. Already
// satisfied requests return immediately. User-mode buffers cannot be
// remapped. May block on the virtual range allocator.
func (b *Iobuf_t) Map(wt, nc, virtcontig bool) defs.Err_t {
	if len(b.frags) == 0 {
		// XXXPANIC
		panic("mapping empty buffer")
	}
	if virtcontig {
		if b.virtcontig {
			return 0
		}
		if b.ismapped(true) {
			b.mapped = true
			b.virtcontig = true
			return 0
		}
	} else {
		if b.mapped {
			return 0
		}
		if b.ismapped(false) {
			b.mapped = true
			return 0
		}
	}
	if b.user {
		// user buffers are mapped by construction and cannot be
		// remapped from here
		return -defs.EINVAL
	}
	flags := mapflags(wt, nc)

	if virtcontig {
		// release any ranges from an earlier scattered or partial
		// mapping; the contiguous span replaces them all
		if b.unmapfree {
			b.unmap()
		}
		if err := b.mapfrags(0, len(b.frags), flags); err != 0 {
			return err
		}
		b.virtcontig = true
	} else {
		runstart := 0
		inrun := false
		for i := range b.frags {
			if b.frags[i].Va != 0 {
				if !inrun {
					continue
				}
				if err := b.mapfrags(runstart, i-runstart, flags); err != 0 {
					return err
				}
				inrun = false
				continue
			}
			if !inrun {
				runstart = i
				inrun = true
			}
		}
		if inrun {
			if err := b.mapfrags(runstart, len(b.frags)-runstart, flags); err != 0 {
				return err
			}
		}
	}
	b.mapped = true
	b.unmapfree = true
	return 0
}

// mapfrags maps fragments [start, start+cnt) into one fresh virtual
// range, page by page. Pages borrowed from the page cache get the
// chosen address published as the entry's mapping hint, first writer
// wins.
func (b *Iobuf_t) mapfrags(start, cnt int, flags mem.Pa_t) defs.Err_t {
	if cnt == 0 || start+cnt > len(b.frags) {
		panic("bad fragment run")
	}
	sz := 0
	for i := start; i < start+cnt; i++ {
		sz += b.frags[i].Size
	}
	if !util.Aligned(sz, mem.PGSIZE) {
		// XXXPANIC
		panic("fragment run not page aligned")
	}
	va, ok := b.mm.Kvs.Reserve(sz, mem.PGSIZE)
	if !ok {
		return -defs.ENOHEAP
	}
	pgi := 0
	if b.cachebacked {
		off := 0
		for i := 0; i < start; i++ {
			off += b.frags[i].Size
		}
		pgi = pageidx(off)
	}
	cur := va
	for i := start; i < start+cnt; i++ {
		f := &b.frags[i]
		if !util.Aligned(f.Pa, mem.Pa_t(mem.PGSIZE)) || !util.Aligned(f.Size, mem.PGSIZE) {
			panic("unaligned fragment")
		}
		f.Va = cur
		pa := f.Pa
		for left := f.Size; left > 0; left -= mem.PGSIZE {
			b.mm.Pmap.Map_page(pa, cur, flags)
			if b.cachebacked {
				if pce := b.pces[pgi]; pce != nil {
					pce.Setva(cur)
				}
				pgi++
			}
			pa += mem.Pa_t(mem.PGSIZE)
			cur += uintptr(mem.PGSIZE)
		}
	}
	return 0
}

// unmap tears down the buffer's virtual mappings. Addresses owned by
// a page cache entry (the entry's hint equals the buffer's address
// for that page) stay mapped for the cache; everything else is
// coalesced into maximal runs and returned to the virtual space.
func (b *Iobuf_t) unmap() {
	if !b.unmapfree {
		// XXXPANIC
		panic("unmap of borrowed mappings")
	}
	var rs, re uintptr
	flush := func() {
		if rs != 0 {
			b.mm.Kvs.Free(rs, int(re-rs))
			rs = 0
		}
	}
	if b.cachebacked {
		pgi := 0
		for fi := range b.frags {
			f := &b.frags[fi]
			npg := f.Size >> mem.PGSHIFT
			if f.Va == 0 {
				pgi += npg
				continue
			}
			for j := 0; j < npg; j++ {
				va := f.Va + uintptr(j<<mem.PGSHIFT)
				pce := b.pces[pgi]
				pgi++
				if pce != nil && pce.Va() == va {
					// the cache owns this mapping
					flush()
					continue
				}
				if rs != 0 && va == re {
					re += uintptr(mem.PGSIZE)
				} else {
					flush()
					rs, re = va, va+uintptr(mem.PGSIZE)
				}
			}
		}
	} else {
		for fi := range b.frags {
			f := &b.frags[fi]
			if f.Va == 0 {
				continue
			}
			if rs != 0 && f.Va == re {
				re += uintptr(f.Size)
			} else {
				flush()
				rs, re = f.Va, f.Va+uintptr(f.Size)
			}
		}
	}
	flush()
	for i := range b.frags {
		b.frags[i].Va = 0
	}
	b.mapped = false
	b.virtcontig = false
	b.unmapfree = false
}
