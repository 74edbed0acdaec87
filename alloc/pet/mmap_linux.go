package pet

import (
	"syscall"

	"github.com/thoughtful-pet/libpussy/alloc"
)

const mremapMaymove = 0x1

// The following functions are swapped by tests that need to exercise the
// out-of-memory paths without exhausting the address space.
var (
	mmapFn   = sysMmap
	mremapFn = sysMremap
	munmapFn = sysMunmap
)

func sysMmap(size uintptr) (uintptr, error) {
	addr, _, errno := syscall.Syscall6(syscall.SYS_MMAP,
		0, size,
		syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_PRIVATE|syscall.MAP_ANONYMOUS,
		^uintptr(0), 0)
	if errno != 0 {
		return 0, errno
	}
	return addr, nil
}

func sysMremap(addr, oldSize, newSize, flags uintptr) (uintptr, error) {
	newAddr, _, errno := syscall.Syscall6(syscall.SYS_MREMAP,
		addr, oldSize, newSize, flags, 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return newAddr, nil
}

func sysMunmap(addr, size uintptr) error {
	if _, _, errno := syscall.Syscall(syscall.SYS_MUNMAP, addr, size, 0); errno != 0 {
		return errno
	}
	return nil
}

// callMmap maps size bytes of private anonymous memory. size must be a
// multiple of the page size. Bear in mind a map placed immediately after an
// unmap may reuse a dirty page, so when clean is set the region is cleansed
// explicitly.
func callMmap(size alloc.Size, clean bool) uintptr {
	addr, err := mmapFn(uintptr(size))
	if err != nil {
		errf("callMmap", "mmap: %v\n", err)
		return 0
	}
	if clean {
		cleanse(addr, 0, size)
	}
	return addr
}

func callMunmap(addr uintptr, size alloc.Size) {
	if err := munmapFn(addr, uintptr(size)); err != nil {
		errf("callMunmap", "munmap(%#x, %d): %v\n", addr, size, err)
	}
}

// callMremap resizes a directly-mapped block. Both byte counts are unaligned.
// A failed grow returns 0; a failed shrink returns the old address — the OS
// kept the tail but the block remains valid, which is logged and not
// surfaced to the caller.
func callMremap(addr uintptr, oldNbytes, newNbytes alloc.Size, clean bool) uintptr {
	oldSize := alloc.AlignToPage(oldNbytes)
	newSize := alloc.AlignToPage(newNbytes)
	if newSize == oldSize {
		if clean && newNbytes > oldNbytes {
			cleanse(addr, oldNbytes, newNbytes)
		}
		return addr
	}
	var flags uintptr
	if newSize > oldSize {
		flags = mremapMaymove
	} else {
		clean = false // don't clean when shrinking
	}
	newAddr, err := mremapFn(addr, uintptr(oldSize), uintptr(newSize), flags)
	if err != nil {
		errf("callMremap", "mremap(%#x, %d, %d): %v\n", addr, oldSize, newSize, err)
		if newSize > oldSize {
			// grow failed
			return 0
		}
		// shrink failed, return same address
		return addr
	}
	if clean {
		cleanse(newAddr, oldNbytes, newNbytes)
	}
	return newAddr
}
