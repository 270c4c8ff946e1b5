package iobuf

import (
	"github.com/nitinreddy3/os/defs"
	"github.com/nitinreddy3/os/mem"
	"github.com/nitinreddy3/os/util"
)

// Extend grows an extendable buffer by appending freshly allocated
// physical pages, whole pages at a time. The worst case of one
// fragment per page must fit in the remaining fragment slots or the
// call fails with -defs.ENOSPC. Pages outside [minpa, maxpa] cannot be
// produced and fail with -defs.ENOMEM. On failure the buffer is
// unchanged. Success makes the buffer own memory and drops any
// mapping claim, since the new pages are unmapped. May block on the
// physical allocator.
func (b *Iobuf_t) Extend(minpa, maxpa mem.Pa_t, align, sz int, contig bool) defs.Err_t {
	if !b.extendable {
		// XXXPANIC
		panic("extend of fixed buffer")
	}
	npg := mem.Pgcount(sz)
	if npg > cap(b.frags)-len(b.frags) {
		return -defs.ENOSPC
	}

	nfrags := len(b.frags)
	var lastsz int
	if nfrags != 0 {
		lastsz = b.frags[nfrags-1].Size
	}
	ototsz := b.totsz
	var backed []mem.Pa_t
	undo := func() {
		for _, pa := range backed {
			b.mm.Phys.Free_page(pa)
		}
		b.frags = b.frags[:nfrags]
		if nfrags != 0 {
			b.frags[nfrags-1].Size = lastsz
		}
		b.totsz = ototsz
	}

	if contig {
		pa := b.mm.Phys.Alloc_pages(npg, align)
		if pa == mem.Pa_INVALID {
			return -defs.ENOMEM
		}
		for j := 0; j < npg; j++ {
			backed = append(backed, pa+mem.Pa_t(j<<mem.PGSHIFT))
		}
		if !parangeok(pa, npg<<mem.PGSHIFT, minpa, maxpa) {
			undo()
			return -defs.ENOMEM
		}
		if !b.merge(0, pa, npg<<mem.PGSHIFT) {
			b.frags = append(b.frags, Frag_t{Pa: pa, Size: npg << mem.PGSHIFT})
		}
		b.totsz += npg << mem.PGSHIFT
	} else {
		for i := 0; i < npg; i++ {
			pa := b.mm.Phys.Alloc_pages(1, align)
			if pa == mem.Pa_INVALID || !parangeok(pa, mem.PGSIZE, minpa, maxpa) {
				if pa != mem.Pa_INVALID {
					b.mm.Phys.Free_page(pa)
				}
				undo()
				return -defs.ENOMEM
			}
			backed = append(backed, pa)
			if !b.merge(0, pa, mem.PGSIZE) {
				b.frags = append(b.frags, Frag_t{Pa: pa, Size: mem.PGSIZE})
			}
			b.totsz += mem.PGSIZE
		}
	}
	b.owned = true
	b.mapped = false
	b.virtcontig = false
	return 0
}

// fragat locates the fragment containing buffer offset off and the
// offset within it.
func (b *Iobuf_t) fragat(off int) (int, int) {
	start := 0
	for i := range b.frags {
		if off < start+b.frags[i].Size {
			return i, off - start
		}
		start += b.frags[i].Size
	}
	return -1, 0
}

// Copy moves n bytes from src at srcoff to dst at dstoff, both
// offsets measured past each buffer's cursor. An extendable
// destination grows to fit; otherwise overruns on either side fail
// with -defs.ERANGE. Both buffers are mapped on demand and either may
// be user memory, but not both. May block mapping or extending.
func Copy(dst *Iobuf_t, dstoff int, src *Iobuf_t, srcoff int, n int) defs.Err_t {
	dstoff += dst.off
	srcoff += src.off
	if srcoff+n > src.totsz {
		return -defs.ERANGE
	}
	if dstoff+n > dst.totsz {
		if !dst.extendable {
			return -defs.ERANGE
		}
		err := dst.Extend(0, mem.Pa_MAX, 0, dstoff+n-dst.totsz, false)
		if err != 0 {
			return err
		}
	}
	if dst.user && src.user {
		// XXXPANIC
		panic("both buffers user mode")
	}
	if err := dst.Map(false, false, false); err != 0 {
		return err
	}
	if err := src.Map(false, false, false); err != 0 {
		return err
	}
	di, dfo := dst.fragat(dstoff)
	si, sfo := src.fragat(srcoff)
	if di < 0 || si < 0 {
		panic("no")
	}
	for n > 0 {
		df := &dst.frags[di]
		sf := &src.frags[si]
		c := util.Min(df.Size-dfo, sf.Size-sfo)
		c = util.Min(c, n)
		err := dst.mm.xf.Move(df.Va+uintptr(dfo), dst.user, sf.Va+uintptr(sfo), src.user, c)
		if err != 0 {
			return err
		}
		dfo += c
		if dfo == df.Size {
			di++
			dfo = 0
		}
		sfo += c
		if sfo == sf.Size {
			si++
			sfo = 0
		}
		n -= c
	}
	return 0
}

// Zero clears n bytes starting off bytes past the cursor, growing an
// extendable buffer to fit. Runs past the last fragment fail with
// -defs.ERANGE.
func (b *Iobuf_t) Zero(off, n int) defs.Err_t {
	off += b.off
	if b.user {
		// XXXPANIC
		panic("zero of user buffer")
	}
	if b.extendable && off+n > b.totsz {
		if err := b.Extend(0, mem.Pa_MAX, 0, off+n-b.totsz, false); err != 0 {
			return err
		}
	}
	if err := b.Map(false, false, false); err != 0 {
		return err
	}
	fi := 0
	cur := 0
	for n > 0 {
		if fi >= len(b.frags) {
			return -defs.ERANGE
		}
		f := &b.frags[fi]
		fi++
		if cur+f.Size <= off {
			cur += f.Size
			continue
		}
		zoff := 0
		zsz := f.Size
		if off > cur {
			zoff = off - cur
			zsz -= zoff
		}
		zsz = util.Min(zsz, n)
		if err := b.mm.xf.Zero(f.Va+uintptr(zoff), false, zsz); err != 0 {
			return err
		}
		n -= zsz
		cur += f.Size
	}
	return 0
}

// Copydata copies between the buffer and a linear kernel buffer at
// kva: into the buffer when tobuf is set, out of it otherwise. off is
// measured past the cursor. Copies into an extendable buffer grow it;
// runs past the last fragment fail with -defs.ERANGE.
func (b *Iobuf_t) Copydata(kva uintptr, off, n int, tobuf bool) defs.Err_t {
	if kva < mem.KVSTART {
		// XXXPANIC
		panic("not a kernel buffer")
	}
	off += b.off
	if tobuf && b.extendable && off+n > b.totsz {
		if err := b.Extend(0, mem.Pa_MAX, 0, off+n-b.totsz, false); err != 0 {
			return err
		}
	}
	if err := b.Map(false, false, false); err != 0 {
		return err
	}
	fi := 0
	cur := 0
	for n > 0 {
		if fi >= len(b.frags) {
			return -defs.ERANGE
		}
		f := &b.frags[fi]
		fi++
		if cur+f.Size <= off {
			cur += f.Size
			continue
		}
		coff := 0
		csz := f.Size
		if off > cur {
			coff = off - cur
			csz -= coff
		}
		csz = util.Min(csz, n)
		var err defs.Err_t
		if tobuf {
			err = b.mm.xf.Move(f.Va+uintptr(coff), b.user, kva, false, csz)
		} else {
			err = b.mm.xf.Move(kva, false, f.Va+uintptr(coff), b.user, csz)
		}
		if err != 0 {
			return err
		}
		kva += uintptr(csz)
		n -= csz
		cur += f.Size
	}
	return 0
}
