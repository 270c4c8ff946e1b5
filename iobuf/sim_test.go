package iobuf

// The tests run the subsystem against a simulated machine: physical
// memory is a byte arena indexed by physical address, kernel and user
// page tables are maps, and the byte windows resolve through them the
// way the real mapper's direct map would.

import (
	"github.com/nitinreddy3/os/defs"
	"github.com/nitinreddy3/os/mem"
	"github.com/nitinreddy3/os/pagecache"
	"github.com/nitinreddy3/os/util"
	"github.com/nitinreddy3/os/vm"
)

const (
	simbase   mem.Pa_t = 1 << 32 // physical window above 4GiB
	simpages           = 1024
	simkvbase          = mem.KVSTART + 0x100000
	simkvlen           = 64 << 20
)

type machine_t struct {
	phys  *mem.Physmem_t
	kvs   *vm.Kvspace_t
	arena []uint8
	kmap  map[uintptr]mem.Pa_t
	umap  map[uintptr]mem.Pa_t
	sects []*sect_t
	pool  map[uintptr][]mem.Pa_t
	uva   uintptr
	mm    *Mm_t
}

func mkmachine() *machine_t {
	m := &machine_t{
		phys:  mem.Phys_init(simbase, simpages),
		kvs:   vm.Mkvspace(simkvbase, simkvlen),
		arena: make([]uint8, simpages*mem.PGSIZE),
		kmap:  make(map[uintptr]mem.Pa_t),
		umap:  make(map[uintptr]mem.Pa_t),
		pool:  make(map[uintptr][]mem.Pa_t),
		uva:   0x10000,
	}
	m.mm = Mkmm(m.phys, (*simpool_t)(m), (*simvas_t)(m), (*simpmap_t)(m), (*simpager_t)(m), (*simmem_t)(m))
	return m
}

// simpmap_t implements vm.Pmap_i.
type simpmap_t machine_t

func (m *simpmap_t) Map_page(pa mem.Pa_t, va uintptr, flags mem.Pa_t) {
	if va&uintptr(mem.PGOFFSET) != 0 || pa&mem.PGOFFSET != 0 {
		panic("unaligned mapping")
	}
	m.kmap[va] = pa
}

func (m *simpmap_t) V2p(va uintptr) (mem.Pa_t, bool) {
	pt := m.kmap
	if va < mem.KVSTART {
		pt = m.umap
	}
	pa, ok := pt[util.Rounddown(va, uintptr(mem.PGSIZE))]
	if !ok {
		return mem.Pa_INVALID, false
	}
	return pa + mem.Pa_t(va&uintptr(mem.PGOFFSET)), true
}

// simvas_t implements vm.Vas_i over the real range allocator, tearing
// down translations on free.
type simvas_t machine_t

func (m *simvas_t) Reserve(sz, align int) (uintptr, bool) {
	return m.kvs.Reserve(sz, align)
}

func (m *simvas_t) Free(va uintptr, sz int) {
	for off := 0; off < util.Roundup(sz, mem.PGSIZE); off += mem.PGSIZE {
		delete(m.kmap, va+uintptr(off))
	}
	m.kvs.Free(va, sz)
}

// simmem_t implements vm.Mem_i: byte windows into the arena.
type simmem_t machine_t

func (m *simmem_t) win(pt map[uintptr]mem.Pa_t, va uintptr, sz int) ([]uint8, bool) {
	page := util.Rounddown(va, uintptr(mem.PGSIZE))
	pa, ok := pt[page]
	if !ok {
		return nil, false
	}
	off := int(va - page)
	n := util.Min(sz, mem.PGSIZE-off)
	i := int(pa - simbase + mem.Pa_t(off))
	return m.arena[i : i+n], true
}

func (m *simmem_t) Kwin(va uintptr, sz int) ([]uint8, bool) {
	return m.win(m.kmap, va, sz)
}

func (m *simmem_t) Uwin(va uintptr, sz int, write bool) ([]uint8, defs.Err_t) {
	w, ok := m.win(m.umap, va, sz)
	if !ok {
		return nil, -defs.EFAULT
	}
	return w, 0
}

// simpool_t implements mem.Pool_i by backing pool VAs with arena pages.
type simpool_t machine_t

func (m *simpool_t) alloc(sz int) (uintptr, bool) {
	sz = util.Roundup(sz, mem.PGSIZE)
	va, ok := m.kvs.Reserve(sz, mem.PGSIZE)
	if !ok {
		return 0, false
	}
	var pas []mem.Pa_t
	for off := 0; off < sz; off += mem.PGSIZE {
		pa := m.phys.Alloc_pages(1, mem.PGSIZE)
		if pa == mem.Pa_INVALID {
			panic("sim pool oom")
		}
		m.kmap[va+uintptr(off)] = pa
		pas = append(pas, pa)
	}
	m.pool[va] = pas
	return va, true
}

func (m *simpool_t) free(va uintptr) {
	pas, ok := m.pool[va]
	if !ok {
		panic("bad pool free")
	}
	delete(m.pool, va)
	for i, pa := range pas {
		delete(m.kmap, va+uintptr(i*mem.PGSIZE))
		m.phys.Free_page(pa)
	}
	m.kvs.Free(va, len(pas)*mem.PGSIZE)
}

func (m *simpool_t) Alloc_nonpaged(sz int, tag string) (uintptr, bool) { return m.alloc(sz) }
func (m *simpool_t) Alloc_paged(sz int, tag string) (uintptr, bool)   { return m.alloc(sz) }
func (m *simpool_t) Free_nonpaged(va uintptr)                         { m.free(va) }
func (m *simpool_t) Free_paged(va uintptr)                            { m.free(va) }

// sect_t is a fake pageable image section.
type sect_t struct {
	m      *machine_t
	base   uintptr
	pas    []mem.Pa_t
	pces   []*pagecache.Pce_t
	eagain int
}

func (s *sect_t) Base() uintptr { return s.base }
func (s *sect_t) Size() int     { return len(s.pas) * mem.PGSIZE }

func (s *sect_t) Page_in(pgoff int) (mem.Pa_t, *pagecache.Pce_t, defs.Err_t) {
	if s.eagain > 0 {
		s.eagain--
		return 0, nil, -defs.EAGAIN
	}
	if pgoff < 0 || pgoff >= len(s.pas) {
		return 0, nil, -defs.EFAULT
	}
	if pce := s.pces[pgoff]; pce != nil {
		pce.Refup()
		return s.pas[pgoff], pce, 0
	}
	s.m.phys.Lock_pages(s.pas[pgoff], 1)
	return s.pas[pgoff], nil, 0
}

// simpager_t implements vm.Pager_i.
type simpager_t machine_t

func (m *simpager_t) Lookup(va uintptr, user bool) (vm.Section_i, int, bool) {
	for _, s := range m.sects {
		if va >= s.base && va < s.base+uintptr(s.Size()) {
			return s, int(va-s.base) >> mem.PGSHIFT, true
		}
	}
	return nil, 0, false
}

// mkuser allocates npg user pages, maps them, and returns the base.
func (m *machine_t) mkuser(npg int) uintptr {
	va := m.uva
	m.uva += uintptr(util.Roundup((npg+1)*mem.PGSIZE, 0x100000))
	for i := 0; i < npg; i++ {
		pa := m.phys.Alloc_pages(1, mem.PGSIZE)
		if pa == mem.Pa_INVALID {
			panic("sim oom")
		}
		m.umap[va+uintptr(i*mem.PGSIZE)] = pa
	}
	return va
}

// mkkernel allocates and maps npg kernel pages.
func (m *machine_t) mkkernel(npg int) uintptr {
	va, ok := m.kvs.Reserve(npg*mem.PGSIZE, mem.PGSIZE)
	if !ok {
		panic("sim oom")
	}
	for i := 0; i < npg; i++ {
		pa := m.phys.Alloc_pages(1, mem.PGSIZE)
		if pa == mem.Pa_INVALID {
			panic("sim oom")
		}
		m.kmap[va+uintptr(i*mem.PGSIZE)] = pa
	}
	return va
}

// mksect registers a pageable section over npg fresh pages; cached
// pages get a page cache entry.
func (m *machine_t) mksect(va uintptr, npg int, cached []bool) *sect_t {
	s := &sect_t{m: m, base: va, pas: make([]mem.Pa_t, npg), pces: make([]*pagecache.Pce_t, npg)}
	for i := 0; i < npg; i++ {
		pa := m.phys.Alloc_pages(1, mem.PGSIZE)
		if pa == mem.Pa_INVALID {
			panic("sim oom")
		}
		s.pas[i] = pa
		if cached != nil && cached[i] {
			s.pces[i] = pagecache.Mkpce(pa)
		}
		// the section's pages are also reachable through the page
		// tables so data movement can see them
		m.umap[va+uintptr(i*mem.PGSIZE)] = pa
	}
	m.sects = append(m.sects, s)
	return s
}

// pamem returns the arena bytes backing [pa, pa+sz).
func (m *machine_t) pamem(pa mem.Pa_t, sz int) []uint8 {
	i := int(pa - simbase)
	return m.arena[i : i+sz]
}

// vamem resolves a virtual range page by page into the arena.
func (m *machine_t) vamem(va uintptr, sz int) []uint8 {
	out := make([]uint8, 0, sz)
	for sz > 0 {
		pa, ok := (*simpmap_t)(m).V2p(va)
		if !ok {
			panic("unmapped va")
		}
		n := util.Min(sz, mem.PGSIZE-int(va&uintptr(mem.PGOFFSET)))
		out = append(out, m.pamem(pa, n)...)
		va += uintptr(n)
		sz -= n
	}
	return out
}

// fill writes pattern byte c over a virtual range.
func (m *machine_t) fill(va uintptr, sz int, c uint8) {
	for sz > 0 {
		pa, ok := (*simpmap_t)(m).V2p(va)
		if !ok {
			panic("unmapped va")
		}
		n := util.Min(sz, mem.PGSIZE-int(va&uintptr(mem.PGOFFSET)))
		w := m.pamem(pa, n)
		for i := range w {
			w[i] = c
		}
		va += uintptr(n)
		sz -= n
	}
}

func init() {
	Cachelines(func() int { return 64 }, func() int { return 32 })
}
