// Package iobuf implements the I/O buffer: the descriptor shared by
// the block layer, page cache, network stack, and DMA-capable drivers
// for a region of memory in transit. A buffer describes the same bytes
// as a list of physically contiguous fragments (the DMA view) and,
// when mapped, as virtual addresses (the CPU view), and tracks per
// page whether the bytes are owned, locked, or borrowed from the page
// cache so that exactly the right resources are released on free.
package iobuf

import (
	"sync/atomic"

	"github.com/nitinreddy3/os/mem"
	"github.com/nitinreddy3/os/pagecache"
	"github.com/nitinreddy3/os/util"
	"github.com/nitinreddy3/os/vm"
)

const iobuf_debug = false

// Frag_t describes one physically contiguous run of an I/O buffer.
// Va is 0 while the run is unmapped; Pa is mem.Pa_INVALID when the
// physical side is unknown (paged or unpinned memory). Size is in
// bytes. Fragments of freshly allocated pages are page multiples;
// fragments over caller memory, I/O vectors, or paged pool may have
// any size.
type Frag_t struct {
	Va   uintptr
	Pa   mem.Pa_t
	Size int
}

// Mm_t bundles the memory manager collaborators the subsystem runs
// against. One instance serves any number of buffers.
type Mm_t struct {
	Phys  mem.Phys_i
	Pool  mem.Pool_i
	Kvs   vm.Vas_i
	Pmap  vm.Pmap_i
	Pager vm.Pager_i
	xf    vm.Xfer_t
}

// Mkmm creates the subsystem over the given collaborators.
func Mkmm(phys mem.Phys_i, pool mem.Pool_i, kvs vm.Vas_i, pmap vm.Pmap_i, pager vm.Pager_i, m vm.Mem_i) *Mm_t {
	return &Mm_t{Phys: phys, Pool: pool, Kvs: kvs, Pmap: pmap, Pager: pager, xf: vm.Xfer_t{Mem: m}}
}

// Iobuf_t is the I/O buffer descriptor. The fragment table's length is
// the live fragment count and its capacity the construction-time
// maximum; pces is the parallel per-logical-page table of page cache
// entry references, allocated when the buffer may be cache backed.
type Iobuf_t struct {
	mm     *Mm_t
	frags  []Frag_t
	pces   []*pagecache.Pce_t
	npages int
	totsz  int
	off    int

	// storage origin
	owned       bool // physical pages are freed on release
	locked      bool // pages are pinned; unpin what the cache doesn't cover
	cachebacked bool // at least one page slot may hold a cache entry
	structowned bool // descriptor storage came from this subsystem
	nonpaged    bool // descriptor resides in non-paged pool

	// capabilities
	user       bool // fragment VAs are user-mode; move data user-safely
	extendable bool // may grow by whole pages
	mapped     bool // every fragment has a VA
	virtcontig bool // mapped and fragments adjoin virtually
	unmapfree  bool // this subsystem allocated the VA range; release it

	pooldata uintptr // paged pool backing when built by Alloc_paged

	embedded [1]Frag_t
	embpce   [1]*pagecache.Pce_t
}

// Size returns the bytes remaining from the cursor to the end of the
// buffer.
func (b *Iobuf_t) Size() int {
	return b.totsz - b.off
}

// Totalsz returns the total described bytes, ignoring the cursor.
func (b *Iobuf_t) Totalsz() int {
	return b.totsz
}

// Offset returns the cursor: the point at which all I/O begins.
func (b *Iobuf_t) Offset() int {
	return b.off
}

// Advance moves the cursor forward n bytes.
func (b *Iobuf_t) Advance(n int) {
	b.off += n
	if b.off < 0 || b.off > b.totsz {
		// XXXPANIC
		panic("cursor out of range")
	}
}

// Rewind moves the cursor back n bytes.
func (b *Iobuf_t) Rewind(n int) {
	b.off -= n
	if b.off < 0 || b.off > b.totsz {
		// XXXPANIC
		panic("cursor out of range")
	}
}

// Fragcount returns the number of live fragments.
func (b *Iobuf_t) Fragcount() int {
	return len(b.frags)
}

// Frag returns a copy of fragment i.
func (b *Iobuf_t) Frag(i int) Frag_t {
	return b.frags[i]
}

// pageidx converts a buffer offset to the logical page index used by
// the page cache entry table.
func pageidx(off int) int {
	return off >> mem.PGSHIFT
}

// Physaddr resolves the physical address at off bytes past the
// cursor, or mem.Pa_INVALID if the offset is out of range or the
// fragment there has no physical side.
func (b *Iobuf_t) Physaddr(off int) mem.Pa_t {
	off += b.off
	start := 0
	for i := range b.frags {
		end := start + b.frags[i].Size
		if off >= start && off < end {
			if b.frags[i].Pa == mem.Pa_INVALID {
				return mem.Pa_INVALID
			}
			return b.frags[i].Pa + mem.Pa_t(off-start)
		}
		start = end
	}
	return mem.Pa_INVALID
}

// Pce returns the page cache entry at off bytes past the cursor, or
// nil. off plus the cursor must be page aligned.
func (b *Iobuf_t) Pce(off int) *pagecache.Pce_t {
	if !b.cachebacked {
		return nil
	}
	off += b.off
	if !util.Aligned(off, mem.PGSIZE) || b.user {
		// XXXPANIC
		panic("bad pce lookup")
	}
	pgi := pageidx(off)
	if pgi >= b.npages {
		panic("pce index out of range")
	}
	return b.pces[pgi]
}

// Set_pce associates a cache entry with an already described page at
// off bytes past the cursor, taking a reference. The entry's physical
// address must match the buffer's at that offset and the slot must be
// empty.
func (b *Iobuf_t) Set_pce(off int, pce *pagecache.Pce_t) {
	off += b.off
	if !util.Aligned(off, mem.PGSIZE) || b.user {
		// XXXPANIC
		panic("bad pce set")
	}
	pgi := pageidx(off)
	if pgi >= b.npages || b.pces[pgi] != nil {
		panic("pce slot unavailable")
	}
	if b.Physaddr(off-b.off) != pce.Pa() {
		panic("pce pa mismatch")
	}
	pce.Refup()
	b.pces[pgi] = pce
	b.cachebacked = true
}

// Append_page adds exactly one page to an extendable buffer, described
// either by a cache entry or by a physical address with an optional
// virtual address. The page joins the last fragment when contiguous
// with it in both the physical and (mapped or unmapped alike) virtual
// sense.
func (b *Iobuf_t) Append_page(pce *pagecache.Pce_t, va uintptr, pa mem.Pa_t) {
	if !b.extendable {
		// XXXPANIC
		panic("buffer not extendable")
	}
	if pce != nil {
		if pa != mem.Pa_INVALID {
			panic("both pce and pa")
		}
		if b.pces == nil {
			panic("no pce table")
		}
		pa = pce.Pa()
		va = pce.Va()
	}
	if !util.Aligned(b.totsz, mem.PGSIZE) {
		panic("appending to unaligned buffer")
	}
	n := len(b.frags)
	if !b.merge(va, pa, mem.PGSIZE) {
		if n == cap(b.frags) {
			panic("fragment table full")
		}
		b.frags = append(b.frags, Frag_t{Va: va, Pa: pa, Size: mem.PGSIZE})
	}
	if va == 0 {
		// an unmapped page means the buffer as a whole no longer is
		b.mapped = false
		b.virtcontig = false
	}
	if pce != nil {
		pgi := pageidx(b.totsz)
		if pgi >= b.npages || b.pces[pgi] != nil {
			panic("pce slot unavailable")
		}
		pce.Refup()
		b.pces[pgi] = pce
		b.cachebacked = true
	}
	b.totsz += mem.PGSIZE
}

// merge grows the last fragment by sz bytes when the run at va/pa
// adjoins it physically and virtually (both sides unmapped also
// counts). Returns whether the merge happened.
func (b *Iobuf_t) merge(va uintptr, pa mem.Pa_t, sz int) bool {
	if len(b.frags) == 0 {
		return false
	}
	f := &b.frags[len(b.frags)-1]
	if f.Pa == mem.Pa_INVALID || pa == mem.Pa_INVALID {
		return false
	}
	if f.Pa+mem.Pa_t(f.Size) != pa {
		return false
	}
	vok := (va == 0 && f.Va == 0) ||
		(va != 0 && f.Va != 0 && f.Va+uintptr(f.Size) == va)
	if !vok {
		return false
	}
	f.Size += sz
	return true
}

// ismapped reports whether every fragment has a virtual address, and
// with contig whether those addresses form one span.
func (b *Iobuf_t) ismapped(contig bool) bool {
	if len(b.frags) == 0 {
		return false
	}
	va := b.frags[0].Va
	for i := range b.frags {
		if b.frags[i].Va == 0 || (contig && b.frags[i].Va != va) {
			return false
		}
		va += uintptr(b.frags[i].Size)
	}
	return true
}

// Cache line providers, registered at boot.
var l1linesz func() int
var hllinesz func() int

// Cachelines registers the L1 data cache line size provider and the
// registered cache controllers' line size provider.
func Cachelines(l1 func() int, hl func() int) {
	l1linesz = l1
	hllinesz = hl
}

var iobufalign atomic.Int64

// Iobufalign returns the required alignment for buffers subject to
// cache flushes: the larger of the L1 data cache line and any
// registered cache controller's line. Computed once; racing writers
// all compute the same value.
func Iobufalign() int {
	a := iobufalign.Load()
	if a == 0 {
		a = int64(hllinesz())
		if l1 := int64(l1linesz()); l1 > a {
			a = l1
		}
		iobufalign.Store(a)
	}
	return int(a)
}
