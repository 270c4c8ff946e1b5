package vm

import (
	"sync"

	"github.com/nitinreddy3/os/mem"
	"github.com/nitinreddy3/os/util"
)

type hole_t struct {
	va uintptr
	sz int
}

// Kvspace_t is the reference kernel virtual range allocator: first-fit
// over a sorted list of holes. It tracks ranges only; mapping is the
// page mapper's business.
type Kvspace_t struct {
	sync.Mutex
	holes []hole_t
}

// Mkvspace creates an allocator managing [base, base+sz).
func Mkvspace(base uintptr, sz int) *Kvspace_t {
	if base < mem.KVSTART {
		panic("not a kernel range")
	}
	return &Kvspace_t{holes: []hole_t{{base, sz}}}
}

// Reserve finds an align-aligned range of sz bytes. sz is rounded up
// to whole pages.
func (vs *Kvspace_t) Reserve(sz int, align int) (uintptr, bool) {
	if sz <= 0 {
		panic("bad size")
	}
	sz = util.Roundup(sz, mem.PGSIZE)
	if align < mem.PGSIZE {
		align = mem.PGSIZE
	}
	vs.Lock()
	defer vs.Unlock()
	for i := range vs.holes {
		h := &vs.holes[i]
		va := util.Roundup(h.va, uintptr(align))
		skip := int(va - h.va)
		if skip+sz > h.sz {
			continue
		}
		left := hole_t{h.va, skip}
		right := hole_t{va + uintptr(sz), h.sz - skip - sz}
		switch {
		case left.sz == 0 && right.sz == 0:
			vs.holes = append(vs.holes[:i], vs.holes[i+1:]...)
		case left.sz == 0:
			*h = right
		case right.sz == 0:
			*h = left
		default:
			*h = left
			rest := append([]hole_t{right}, vs.holes[i+1:]...)
			vs.holes = append(vs.holes[:i+1], rest...)
		}
		return va, true
	}
	return 0, false
}

// Free returns [va, va+sz) to the allocator, merging with neighboring
// holes.
func (vs *Kvspace_t) Free(va uintptr, sz int) {
	sz = util.Roundup(sz, mem.PGSIZE)
	vs.Lock()
	defer vs.Unlock()
	i := 0
	for i < len(vs.holes) && vs.holes[i].va < va {
		i++
	}
	if i > 0 && vs.holes[i-1].va+uintptr(vs.holes[i-1].sz) > va {
		// XXXPANIC
		panic("double free of va range")
	}
	vs.holes = append(vs.holes, hole_t{})
	copy(vs.holes[i+1:], vs.holes[i:])
	vs.holes[i] = hole_t{va, sz}
	// merge right then left
	if i+1 < len(vs.holes) && va+uintptr(sz) == vs.holes[i+1].va {
		vs.holes[i].sz += vs.holes[i+1].sz
		vs.holes = append(vs.holes[:i+1], vs.holes[i+2:]...)
	}
	if i > 0 && vs.holes[i-1].va+uintptr(vs.holes[i-1].sz) == va {
		vs.holes[i-1].sz += vs.holes[i].sz
		vs.holes = append(vs.holes[:i], vs.holes[i+1:]...)
	}
}

// Held reports the total bytes currently reserved out of the space.
func (vs *Kvspace_t) Held(total int) int {
	vs.Lock()
	defer vs.Unlock()
	free := 0
	for i := range vs.holes {
		free += vs.holes[i].sz
	}
	return total - free
}
