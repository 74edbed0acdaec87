// Package pet implements the page-backed bitmap sub-allocator.
//
// The allocator is a two-tier design. Requests whose rounded-up unit count is
// strictly below the usable data area of one page are served from bitmap
// pages: single OS pages carrying a header plus a bitmap that indexes every
// allocation unit inside them. Larger requests map whole pages directly from
// the OS and return the page-aligned base address. Since the first header
// units of a bitmap page are always marked in use, the two tiers produce
// disjoint address sets and a release can route by the page-alignment of the
// address alone.
//
// No per-block metadata is stored; Reallocate and Release rely on the byte
// count supplied by the caller.
package pet

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/thoughtful-pet/libpussy/alloc"
)

const (
	// unitSize is the allocation grain of the bitmap sub-allocator. It
	// must be a power of two not less than the pointer size.
	unitSize = 16

	wordWidth = 64
	wordBytes = wordWidth / 8
)

// Allocator is the bitmap allocator backend. Its state is process-wide; Init
// must run once before any other operation.
type Allocator struct {
	// Verbose enables progress messages on stderr.
	Verbose bool

	// Trace enables per-operation tracing on stderr.
	Trace bool
}

// Pet is the conventional backend value passed to alloc.InitDefault.
var Pet Allocator

var _ alloc.Allocator = (*Allocator)(nil)

var (
	pageSize     uint
	pageMask     uintptr
	unitsPerPage uint

	// headerUnits is the number of units reserved at the start of every
	// bitmap page for the header. The corresponding bitmap bits are set at
	// page construction and stay set for the lifetime of the page.
	headerUnits uint

	// maxDataUnits is the number of usable data units per bitmap page.
	// Requests of maxDataUnits or more units bypass the bitmap tier.
	maxDataUnits uint

	stats      alloc.Stats
	numBmPages atomic.Int64
)

const errInvariant = alloc.Error("pet_alloc: allocator invariant violation")

func printMsg(funcName, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Bitmap allocator -- %s: ", funcName)
	fmt.Fprintf(os.Stderr, format, args...)
}

func errf(funcName, format string, args ...any) {
	printMsg(funcName, format, args...)
}

// fatalf reports an invariant violation and terminates. Violations leave the
// bitmap state untrustworthy, so there is no recovery path.
func fatalf(funcName, format string, args ...any) {
	printMsg(funcName, format, args...)
	panic(errInvariant)
}

func (a *Allocator) sayf(funcName, format string, args ...any) {
	if a.Verbose {
		printMsg(funcName, format, args...)
	}
}

func (a *Allocator) tracef(funcName, format string, args ...any) {
	if a.Trace {
		printMsg(funcName, format, args...)
	}
}

// bytesToUnits converts a byte count to a whole number of allocation units.
func bytesToUnits(nbytes alloc.Size) uint {
	return uint(alloc.Align(nbytes, unitSize)) / unitSize
}

var lock sync.Mutex

// Init computes the page parameters from the system page size, maps the
// superblock page and prepares the allocator for use.
func (a *Allocator) Init() {
	unitsPerPage = uint(alloc.PageSize()) / unitSize
	pageSize = unitsPerPage * unitSize
	pageMask = uintptr(pageSize) - 1

	var hdr bmPage
	headerUnits = (uint(unsafe.Offsetof(hdr.bitmap)) +
		unitsPerPage/8 + // size of bitmap in bytes
		unitSize - 1) / // rounding
		unitSize

	maxDataUnits = unitsPerPage - headerUnits

	base := callMmap(alloc.Size(pageSize), true)
	if base == 0 {
		fatalf("Init", "cannot map superblock\n")
	}
	superblock = unsafe.Slice((**bmPage)(unsafe.Pointer(base)), maxDataUnits+1)

	a.sayf("Init", "page size %d; units per page: %d; header: %d units; data units: %d (%d bytes)\n",
		pageSize, unitsPerPage, headerUnits, maxDataUnits, maxDataUnits*unitSize)
}

// Stats returns the allocator counters.
func (a *Allocator) Stats() *alloc.Stats {
	return &stats
}

// NumPages returns the current number of live bitmap pages.
func NumPages() int {
	return int(numBmPages.Load())
}

// Allocate returns the address of a block of nbytes bytes, or 0 when nbytes
// is zero or the OS refused the mapping. Blocks below the data-area threshold
// come from bitmap pages; the rest map whole pages directly.
func (a *Allocator) Allocate(nbytes alloc.Size, clean bool) uintptr {
	a.tracef("Allocate", "nbytes=%d\n", nbytes)

	if nbytes == 0 {
		return 0
	}
	numUnits := bytesToUnits(nbytes)
	if numUnits < maxDataUnits {
		// use bitmap sub-allocator for smaller blocks
		return a.bmAllocate(numUnits, clean)
	}
	// allocate pages directly
	result := callMmap(alloc.AlignToPage(nbytes), clean)
	if result != 0 {
		stats.BlocksAllocated.Add(1)
	}
	return result
}

// Release frees the block at *addrPtr and zeroes *addrPtr. A zero *addrPtr is
// a no-op. The nbytes argument must match the byte count the block was last
// allocated or reallocated with.
func (a *Allocator) Release(addrPtr *uintptr, nbytes alloc.Size) {
	addr := *addrPtr
	if addr == 0 {
		return
	}

	a.tracef("Release", "addr=%#x nbytes=%d\n", addr, nbytes)

	if nbytes == 0 {
		fatalf("Release", "called for %#x with zero nbytes\n", addr)
	}

	page := pageFromAddr(addr)
	if addr == page.base() {
		// addr is aligned on page boundary, this means
		// the block was allocated directly with mmap
		callMunmap(addr, alloc.AlignToPage(nbytes))
		stats.BlocksAllocated.Add(-1)
	} else {
		// use bitmap sub-allocator for smaller blocks
		a.bmRelease(page, addrToUnits(addr, page), bytesToUnits(nbytes))
	}
	*addrPtr = 0
}

func reportChange(addrChanged *bool, changed bool) bool {
	if addrChanged != nil {
		*addrChanged = changed
	}
	return true
}

func reportFailure(addrChanged *bool) bool {
	if addrChanged != nil {
		*addrChanged = false
	}
	return false
}

// Reallocate resizes the block at *addrPtr from oldNbytes to newNbytes,
// moving it between tiers when the new unit count calls for it. On success
// *addrPtr holds the (possibly relocated) block address and *addrChanged, if
// supplied, reports relocation. On failure the original block is intact.
func (a *Allocator) Reallocate(addrPtr *uintptr, oldNbytes, newNbytes alloc.Size, clean bool, addrChanged *bool) bool {
	if oldNbytes == newNbytes {
		return reportChange(addrChanged, false)
	}

	addr := *addrPtr

	a.tracef("Reallocate", "addr=%#x old_nbytes=%d new_nbytes=%d\n", addr, oldNbytes, newNbytes)

	// shall we allocate a new block?
	if addr == 0 {
		if oldNbytes != 0 {
			return reportFailure(addrChanged)
		}
		addr = a.Allocate(newNbytes, clean)
		if addr == 0 {
			return reportFailure(addrChanged)
		}
		*addrPtr = addr
		return reportChange(addrChanged, true)
	}

	if oldNbytes == 0 || newNbytes == 0 {
		// might be a serious error, but it's a caller's problem
		if oldNbytes == 0 {
			errf("Reallocate", "called for %#x with zero old_nbytes\n", addr)
		}
		if newNbytes == 0 {
			errf("Reallocate", "called for %#x with zero new_nbytes\n", addr)
		}
		return reportFailure(addrChanged)
	}

	newUnits := bytesToUnits(newNbytes)
	oldUnits := bytesToUnits(oldNbytes)

	if newUnits == oldUnits {
		if clean && newNbytes > oldNbytes {
			cleanse(addr, oldNbytes, newNbytes)
		}
		return reportChange(addrChanged, false)
	}

	page := pageFromAddr(addr)

	// shall we shrink?
	if newUnits < oldUnits {
		if newUnits < maxDataUnits {
			// new block will use the bitmap sub-allocator

			if oldUnits < maxDataUnits {
				// shrink within the bitmap sub-allocator
				if addr == page.base() {
					fatalf("Reallocate", "address %#x is not within data area\n", addr)
				}
				a.bmShrink(page, addrToUnits(addr, page), oldUnits, newUnits)
				return reportChange(addrChanged, false)
			}

			// shrinking block from page allocator to bitmap sub-allocator

			if addr != page.base() {
				fatalf("Reallocate", "address %#x is not aligned on page boundary\n", addr)
			}
			newBlock := a.bmAllocate(newUnits, false)
			if newBlock == 0 {
				a.tracef("Reallocate", "falling back to remap\n")
				callMremap(addr, oldNbytes, newNbytes, false)
				return reportChange(addrChanged, false)
			}
			alloc.Memcopy(addr, newBlock, uintptr(newNbytes))
			a.Release(&addr, oldNbytes)
			*addrPtr = newBlock
			return reportChange(addrChanged, true)
		}

		// shrink using mremap
		if addr != page.base() {
			fatalf("Reallocate", "address %#x is not aligned on page boundary\n", addr)
		}
		callMremap(addr, oldNbytes, newNbytes, false)
		return reportChange(addrChanged, false)
	}

	// grow

	if oldUnits < maxDataUnits {
		if newUnits < maxDataUnits {
			if addr == page.base() {
				fatalf("Reallocate", "address %#x is not within data area\n", addr)
			}
			// try to grow within the same page
			if a.bmGrow(page, addrToUnits(addr, page), oldUnits, newUnits) {
				if clean {
					cleanse(addr, oldNbytes, newNbytes)
				}
				return reportChange(addrChanged, false)
			}
		}

		// reallocate block

		newBlock := a.Allocate(newNbytes, false)
		if newBlock == 0 {
			return reportFailure(addrChanged)
		}
		alloc.Memcopy(addr, newBlock, uintptr(oldNbytes))
		a.Release(&addr, oldNbytes)
		if clean {
			cleanse(newBlock, oldNbytes, newNbytes)
		}
		*addrPtr = newBlock
		return reportChange(addrChanged, true)
	}

	// grow using mremap
	if addr != page.base() {
		fatalf("Reallocate", "address %#x is not aligned on page boundary\n", addr)
	}
	newAddr := callMremap(addr, oldNbytes, newNbytes, clean)
	if newAddr == 0 {
		return reportFailure(addrChanged)
	}
	*addrPtr = newAddr
	return reportChange(addrChanged, newAddr != addr)
}
