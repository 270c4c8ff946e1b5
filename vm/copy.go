package vm

import (
	"github.com/nitinreddy3/os/defs"
)

// Xfer_t moves bytes between mapped ranges, dispatching on the
// address-space tag of each side. User faults come back as error
// codes; kernel window failures are programming errors.
type Xfer_t struct {
	Mem Mem_i
}

func (xf *Xfer_t) window(va uintptr, sz int, user bool, write bool) ([]uint8, defs.Err_t) {
	if user {
		return xf.Mem.Uwin(va, sz, write)
	}
	w, ok := xf.Mem.Kwin(va, sz)
	if !ok {
		// XXXPANIC
		panic("unmapped kernel address")
	}
	return w, 0
}

// Move copies n bytes from src to dst. Either side may be user memory.
func (xf *Xfer_t) Move(dst uintptr, dstuser bool, src uintptr, srcuser bool, n int) defs.Err_t {
	for n > 0 {
		dw, err := xf.window(dst, n, dstuser, true)
		if err != 0 {
			return err
		}
		sw, err := xf.window(src, len(dw), srcuser, false)
		if err != 0 {
			return err
		}
		c := copy(dw, sw)
		dst += uintptr(c)
		src += uintptr(c)
		n -= c
	}
	return 0
}

// Zero fills n bytes at dst with zeroes.
func (xf *Xfer_t) Zero(dst uintptr, dstuser bool, n int) defs.Err_t {
	for n > 0 {
		dw, err := xf.window(dst, n, dstuser, true)
		if err != 0 {
			return err
		}
		clear(dw)
		dst += uintptr(len(dw))
		n -= len(dw)
	}
	return 0
}

// Read copies len(dst) bytes at src into kernel-owned dst.
func (xf *Xfer_t) Read(dst []uint8, src uintptr, user bool) defs.Err_t {
	for len(dst) > 0 {
		sw, err := xf.window(src, len(dst), user, false)
		if err != 0 {
			return err
		}
		c := copy(dst, sw)
		dst = dst[c:]
		src += uintptr(c)
	}
	return 0
}

// Write copies src into len(src) bytes at dst.
func (xf *Xfer_t) Write(dst uintptr, user bool, src []uint8) defs.Err_t {
	for len(src) > 0 {
		dw, err := xf.window(dst, len(src), user, true)
		if err != 0 {
			return err
		}
		c := copy(dw, src)
		src = src[c:]
		dst += uintptr(c)
	}
	return 0
}
