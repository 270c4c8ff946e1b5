// Package vm holds the virtual memory contracts the I/O buffer
// subsystem is written against: kernel virtual space, the low-level
// page mapper, the image-section pager, and byte-window access to
// mapped memory.
package vm

import (
	"github.com/nitinreddy3/os/defs"
	"github.com/nitinreddy3/os/mem"
	"github.com/nitinreddy3/os/pagecache"
)

// Vas_i hands out ranges of kernel virtual address space. Free
// releases the range and tears down any translations inside it; it
// never frees physical pages.
type Vas_i interface {
	Reserve(sz int, align int) (uintptr, bool)
	Free(va uintptr, sz int)
}

// Pmap_i is the low-level page mapper.
type Pmap_i interface {
	Map_page(pa mem.Pa_t, va uintptr, flags mem.Pa_t)
	// V2p translates a kernel or user virtual address, including the byte
	// offset within the page. ok is false for unmapped addresses.
	V2p(va uintptr) (mem.Pa_t, bool)
}

// Section_i is one pageable region known to the pager.
type Section_i interface {
	Base() uintptr
	Size() int
	// Page_in makes the page at the given page offset within the
	// section resident and locked. It returns the page-aligned
	// physical address and, when the page lives in the page cache, an
	// entry whose reference is transferred to the caller. May return
	// -defs.EAGAIN, in which case the caller retries the same page.
	Page_in(pgoff int) (mem.Pa_t, *pagecache.Pce_t, defs.Err_t)
}

// Pager_i resolves virtual addresses to image sections.
type Pager_i interface {
	Lookup(va uintptr, user bool) (Section_i, int, bool)
}

// Mem_i provides byte windows over mapped memory. Windows are at most
// sz bytes and never cross a page boundary; callers loop. Kwin fails
// (ok=false) only for unmapped kernel addresses, which callers treat
// as a bug. Uwin returns -defs.EFAULT when the user address is not
// accessible in the requested mode.
type Mem_i interface {
	Kwin(va uintptr, sz int) ([]uint8, bool)
	Uwin(va uintptr, sz int, write bool) ([]uint8, defs.Err_t)
}
