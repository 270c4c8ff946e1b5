package iobuf

import (
	"github.com/nitinreddy3/os/defs"
	"github.com/nitinreddy3/os/mem"
	"github.com/nitinreddy3/os/util"
)

// Validate checks that the sz bytes past the buffer's cursor can be
// handed to a device with the given constraints: every physical
// address in [minpa, maxpa], addresses and fragment windows aligned
// to align, and physically contiguous when contig is set. A buffer
// that cannot satisfy them (user memory always cannot) is replaced: a
// fresh non-paged buffer meeting the constraints is returned in its
// place and the caller re-stages any data it needs. A conforming but
// short buffer is extended in place when possible. A short,
// non-extendable buffer fails with -defs.ENOSPC. The original buffer
// is never modified when a replacement is returned.
func (mm *Mm_t) Validate(b *Iobuf_t, minpa, maxpa mem.Pa_t, align, sz int, contig bool) (*Iobuf_t, defs.Err_t) {
	if b == nil {
		return nil, -defs.EINVAL
	}
	if !b.extendable && b.off+sz > b.totsz {
		return b, -defs.ENOSPC
	}
	realloc := b.user
	if !realloc && b.off != b.totsz {
		off := b.off
		end := util.Min(off+sz, b.totsz)
		fi := 0
		cur := 0
		paend := mem.Pa_INVALID
		for off < end {
			f := &b.frags[fi]
			if off >= cur+f.Size {
				cur += f.Size
				fi++
				continue
			}
			fo := off - cur
			if f.Pa == mem.Pa_INVALID {
				realloc = true
				break
			}
			pastart := f.Pa + mem.Pa_t(fo)
			if contig && paend != mem.Pa_INVALID && pastart != paend {
				realloc = true
				break
			}
			fsz := f.Size - fo
			if !util.Aligned(pastart, mem.Pa_t(align)) || !util.Aligned(fsz, align) {
				realloc = true
				break
			}
			paend = pastart + mem.Pa_t(fsz)
			if pastart < minpa || paend > maxpa+1 {
				realloc = true
				break
			}
			off += fsz
			cur += f.Size
			fi++
		}
	}
	if !realloc && b.extendable && b.off+sz > b.totsz {
		// an extension can only be contiguous with the validated
		// bytes when the cursor sits at the end of the buffer
		if contig && b.off != b.totsz {
			realloc = true
		} else {
			err := b.Extend(minpa, maxpa, align, b.off+sz-b.totsz, contig)
			return b, err
		}
	}
	if realloc {
		nb, err := mm.Alloc_nonpaged(minpa, maxpa, align, sz, contig, false, false)
		if err != 0 {
			return b, err
		}
		return nb, 0
	}
	return b, 0
}

// Validate_cached checks that the buffer can receive sz bytes of page
// cache backed I/O by extension: it must exist, be cache backed and
// extendable, have its cursor aligned to align and at the end of the
// buffer, and have a fragment slot free per page of the extension.
// Otherwise a fresh uninitialized cache-backed buffer sized up to the
// alignment is returned in its place.
func (mm *Mm_t) Validate_cached(b *Iobuf_t, sz, align int) (*Iobuf_t, defs.Err_t) {
	realloc := b == nil || !b.cachebacked || !b.extendable
	if !realloc {
		if !util.Aligned(b.off, align) || b.off != b.totsz {
			realloc = true
		} else if mem.Pgcount(sz) > cap(b.frags)-len(b.frags) {
			realloc = true
		}
	}
	if realloc {
		if align > 1 {
			sz = util.Roundup(sz, align)
		}
		return mm.Alloc_uninit(sz, true), 0
	}
	return b, 0
}
