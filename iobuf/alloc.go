package iobuf

import (
	"fmt"

	"github.com/nitinreddy3/os/defs"
	"github.com/nitinreddy3/os/mem"
	"github.com/nitinreddy3/os/pagecache"
	"github.com/nitinreddy3/os/util"
	"github.com/nitinreddy3/os/vm"
)

const alloctag = "iobuf"

// Iovec_t is one entry of an I/O vector: a user virtual address range.
// The in-memory layout is two native words per entry.
type Iovec_t struct {
	Va uintptr
	Sz int
}

const iovecsz = 16

// Maxiovec bounds the number of entries accepted from one vector.
const Maxiovec = 1024

// localiovec is the staging threshold below which the vector copy
// avoids a heap allocation.
const localiovec = 8

func mapflags(wt, nc bool) mem.Pa_t {
	flags := mem.PTE_P | mem.PTE_W | mem.PTE_G
	if wt {
		flags |= mem.PTE_PWT
	}
	if nc {
		flags |= mem.PTE_PCD
	}
	return flags
}

func parangeok(pa mem.Pa_t, sz int, minpa, maxpa mem.Pa_t) bool {
	return pa >= minpa && pa+mem.Pa_t(sz) <= maxpa+1
}

// Alloc_nonpaged allocates an I/O buffer backed by freshly allocated,
// locked physical pages, mapped into one kernel virtual range. align
// is a physical alignment in bytes and is rounded up to at least a
// page. The pages stay mapped until the buffer is freed. May block on
// the virtual range and physical page allocators.
func (mm *Mm_t) Alloc_nonpaged(minpa, maxpa mem.Pa_t, align, sz int, contig, wt, nc bool) (*Iobuf_t, defs.Err_t) {
	if sz <= 0 {
		return nil, -defs.EINVAL
	}
	if align == 0 {
		align = mem.PGSIZE
	} else {
		align = util.Roundup(align, mem.PGSIZE)
	}
	asz := util.Roundup(sz, align)
	npages := asz >> mem.PGSHIFT

	maxfrags := npages
	if contig {
		maxfrags = 1
	}

	// the buffer might end up cached later, so the entry table always
	// gets page-count slots
	b := &Iobuf_t{
		mm:          mm,
		frags:       make([]Frag_t, 0, maxfrags),
		pces:        make([]*pagecache.Pce_t, npages),
		npages:      npages,
		totsz:       asz,
		structowned: true,
		nonpaged:    true,
	}

	va, ok := mm.Kvs.Reserve(asz, mem.PGSIZE)
	if !ok {
		return nil, -defs.ENOHEAP
	}

	// back the range with aligned physical runs and map them
	flags := mapflags(wt, nc)
	runpg := align >> mem.PGSHIFT
	if contig {
		runpg = npages
	}
	var backed []mem.Pa_t
	undo := func() {
		for _, pa := range backed {
			mm.Phys.Free_page(pa)
		}
		mm.Kvs.Free(va, asz)
	}
	for pgi := 0; pgi < npages; pgi += runpg {
		n := util.Min(runpg, npages-pgi)
		pa := mm.Phys.Alloc_pages(n, align)
		if pa == mem.Pa_INVALID || !parangeok(pa, n<<mem.PGSHIFT, minpa, maxpa) {
			if pa != mem.Pa_INVALID {
				for j := 0; j < n; j++ {
					mm.Phys.Free_page(pa + mem.Pa_t(j<<mem.PGSHIFT))
				}
			}
			undo()
			return nil, -defs.ENOMEM
		}
		for j := 0; j < n; j++ {
			ppa := pa + mem.Pa_t(j<<mem.PGSHIFT)
			backed = append(backed, ppa)
			mm.Pmap.Map_page(ppa, va+uintptr((pgi+j)<<mem.PGSHIFT), flags)
		}
	}

	// walk the mapping and coalesce physically contiguous runs
	if contig {
		pa, ok := mm.Pmap.V2p(va)
		if !ok {
			panic("just mapped")
		}
		b.frags = append(b.frags, Frag_t{Va: va, Pa: pa, Size: asz})
	} else {
		for pgi := 0; pgi < npages; pgi++ {
			cva := va + uintptr(pgi<<mem.PGSHIFT)
			pa, ok := mm.Pmap.V2p(cva)
			if !ok {
				panic("just mapped")
			}
			if !b.merge(cva, pa, mem.PGSIZE) {
				b.frags = append(b.frags, Frag_t{Va: cva, Pa: pa, Size: mem.PGSIZE})
			}
		}
	}

	b.owned = true
	b.locked = true
	b.mapped = true
	b.virtcontig = true
	b.unmapfree = true
	if iobuf_debug {
		fmt.Printf("iobuf: nonpaged %#x %v frags %v\n", va, asz, len(b.frags))
	}
	return b, 0
}

// Alloc_paged allocates a pageable I/O buffer: one fragment of paged
// pool with no physical side.
func (mm *Mm_t) Alloc_paged(sz int) (*Iobuf_t, defs.Err_t) {
	if sz <= 0 {
		return nil, -defs.EINVAL
	}
	va, ok := mm.Pool.Alloc_paged(sz, alloctag)
	if !ok {
		return nil, -defs.ENOHEAP
	}
	b := &Iobuf_t{
		mm:          mm,
		frags:       make([]Frag_t, 0, 1),
		totsz:       sz,
		structowned: true,
		mapped:      true,
		virtcontig:  true,
		pooldata:    va,
	}
	b.frags = append(b.frags, Frag_t{Va: va, Pa: mem.Pa_INVALID, Size: sz})
	return b, 0
}

// Alloc_uninit allocates an empty, extendable I/O buffer with room to
// describe sz bytes one page per fragment. The caller fills it in with
// Append_page or Extend. cachebacked also sizes the page cache entry
// table.
func (mm *Mm_t) Alloc_uninit(sz int, cachebacked bool) *Iobuf_t {
	sz = util.Roundup(sz, mem.PGSIZE)
	npages := sz >> mem.PGSHIFT
	b := &Iobuf_t{
		mm:          mm,
		frags:       make([]Frag_t, 0, npages),
		npages:      npages,
		structowned: true,
		nonpaged:    true,
		extendable:  true,
	}
	if cachebacked {
		b.pces = make([]*pagecache.Pce_t, npages)
		b.cachebacked = true
		b.locked = true
	}
	return b
}

// Create wraps an existing memory region in an I/O buffer. kernel
// selects which side of the address split the region must lie on;
// crossing it fails with -defs.EFAULT. Without lock the buffer is a
// single virtual-only fragment. With lock every page is made resident
// and pinned: pageable pages go through the pager (transferring any
// page cache entry reference into the buffer), non-pageable ones are
// translated directly. May block paging in. On failure every pin and
// reference taken is released.
func (mm *Mm_t) Create(va uintptr, sz int, nonpaged, lock, kernel bool) (*Iobuf_t, defs.Err_t) {
	if va == 0 || sz <= 0 {
		return nil, -defs.EINVAL
	}
	end := va + uintptr(sz)
	if kernel {
		if va < mem.KVSTART || end < va {
			return nil, -defs.EFAULT
		}
	} else {
		if end > mem.KVSTART || end < va {
			return nil, -defs.EFAULT
		}
	}
	npages := int(util.Roundup(end, uintptr(mem.PGSIZE))-
		util.Rounddown(va, uintptr(mem.PGSIZE))) >> mem.PGSHIFT

	b := &Iobuf_t{
		mm:          mm,
		totsz:       sz,
		structowned: true,
		nonpaged:    nonpaged,
		user:        !kernel,
		mapped:      true,
		virtcontig:  true,
	}
	if !lock {
		b.frags = make([]Frag_t, 0, 1)
		b.frags = append(b.frags, Frag_t{Va: va, Pa: mem.Pa_INVALID, Size: sz})
		return b, 0
	}

	// assume locked memory is backed by the page cache
	b.frags = make([]Frag_t, 0, npages)
	b.pces = make([]*pagecache.Pce_t, npages)
	b.npages = npages

	var sect vm.Section_i
	var sectend uintptr
	pgoff := 0
	pgi := 0
	cur := va
	for cur < end {
		if sect == nil || cur >= sectend {
			var ok bool
			sect, pgoff, ok = mm.Pager.Lookup(cur, b.user)
			if ok {
				sectend = sect.Base() + uintptr(sect.Size())
			} else {
				sect = nil
			}
		}
		var pa mem.Pa_t
		if sect != nil {
			ppa, pce, err := sect.Page_in(pgoff)
			if err == -defs.EAGAIN {
				continue
			}
			if err != 0 {
				b.lockundo(pgi)
				return nil, err
			}
			pa = ppa + mem.Pa_t(cur&uintptr(mem.PGOFFSET))
			if pce != nil {
				b.pces[pgi] = pce
				b.cachebacked = true
			}
			b.locked = true
		} else {
			// no section: the memory better be non-pageable
			ppa, ok := mm.Pmap.V2p(cur)
			if !ok {
				b.lockundo(pgi)
				return nil, -defs.EINVAL
			}
			pa = ppa
			b.locked = true
		}
		next := util.Rounddown(cur, uintptr(mem.PGSIZE)) + uintptr(mem.PGSIZE)
		if next > end {
			next = end
		}
		fsz := int(next - cur)
		if !b.merge(cur, pa, fsz) {
			b.frags = append(b.frags, Frag_t{Va: cur, Pa: pa, Size: fsz})
		}
		cur = next
		pgoff++
		pgi++
	}
	return b, 0
}

// lockundo releases the pins and references taken for the first n
// pages of a partially built locked buffer.
func (b *Iobuf_t) lockundo(n int) {
	pgi := 0
	for _, f := range b.frags {
		pgoff := int(f.Pa & mem.PGOFFSET)
		pa := f.Pa - mem.Pa_t(pgoff)
		npg := mem.Pgcount(f.Size + pgoff)
		for j := 0; j < npg && pgi < n; j++ {
			if pce := b.pces[pgi]; pce != nil {
				pce.Refdown()
			} else {
				b.mm.Phys.Unlock_pages(pa, 1)
			}
			pa += mem.Pa_t(mem.PGSIZE)
			pgi++
		}
	}
}

// Create_vector builds a paged, user-mode, virtual-only I/O buffer
// from an I/O vector array of cnt Iovec_t entries at vecva. The array
// itself may live in user memory, in which case it is copied into
// kernel memory before being trusted. Adjacent entries coalesce;
// empty ones are skipped.
func (mm *Mm_t) Create_vector(vecva uintptr, veckernel bool, cnt int) (*Iobuf_t, defs.Err_t) {
	if cnt <= 0 || cnt > Maxiovec {
		return nil, -defs.EINVAL
	}
	var local [localiovec * iovecsz]uint8
	var raw []uint8
	if cnt <= localiovec {
		raw = local[:cnt*iovecsz]
	} else {
		raw = make([]uint8, cnt*iovecsz)
	}
	if err := mm.xf.Read(raw, vecva, !veckernel); err != 0 {
		return nil, err
	}

	b := &Iobuf_t{
		mm:          mm,
		frags:       make([]Frag_t, 0, cnt),
		structowned: true,
		user:        true,
		mapped:      true,
	}
	for i := 0; i < cnt; i++ {
		va := uintptr(util.Readn(raw, 8, i*iovecsz))
		sz := util.Readn(raw, 8, i*iovecsz+8)
		if va >= mem.KVSTART || va+uintptr(sz) > mem.KVSTART ||
			va+uintptr(sz) < va || sz < 0 {
			return nil, -defs.EFAULT
		}
		if sz == 0 {
			continue
		}
		if n := len(b.frags); n != 0 && b.frags[n-1].Va+uintptr(b.frags[n-1].Size) == va {
			b.frags[n-1].Size += sz
		} else {
			b.frags = append(b.frags, Frag_t{Va: va, Pa: mem.Pa_INVALID, Size: sz})
		}
		b.totsz += sz
	}
	return b, 0
}

// Init_iobuf fills a caller-provided descriptor with a single
// fragment spanning at most one page. The descriptor's storage is not
// owned, so Free releases resources but never the structure.
func (mm *Mm_t) Init_iobuf(b *Iobuf_t, va uintptr, pa mem.Pa_t, sz int, cachebacked, locked bool) {
	*b = Iobuf_t{mm: mm}
	b.frags = b.embedded[:0:1]
	if util.Roundup(va+uintptr(sz), uintptr(mem.PGSIZE))-
		util.Rounddown(va, uintptr(mem.PGSIZE)) > uintptr(mem.PGSIZE) {
		// XXXPANIC
		panic("more than one page")
	}
	if cachebacked {
		b.pces = b.embpce[:1]
		b.npages = 1
		b.cachebacked = true
		b.extendable = true
		b.locked = true
	}
	if locked {
		b.locked = true
	}
	if va != 0 {
		b.mapped = true
		b.virtcontig = true
		if pa == mem.Pa_INVALID {
			var ok bool
			pa, ok = mm.Pmap.V2p(va)
			if !ok {
				panic("wut")
			}
		}
	}
	if pa != mem.Pa_INVALID {
		if sz == 0 {
			panic("no")
		}
		b.totsz = sz
		b.frags = append(b.frags, Frag_t{Va: va, Pa: pa, Size: sz})
	}
}
