package pet

import (
	"unsafe"

	"github.com/thoughtful-pet/libpussy/alloc"
)

// noList marks a page header that is not linked into any superblock slot.
// Only ever observed while the detaching goroutine owns the page.
const noList = ^uintptr(0)

// bmPage is the header at the base of every bitmap page. On a 4K page with
// 16-byte units the header takes four units, leaving 4032 bytes for data.
type bmPage struct {
	// list is the index of the superblock slot this page is currently
	// linked under.
	list uintptr

	next *bmPage
	prev *bmPage

	// bitmap marks where the variable part of the header begins. The
	// bitmap has one bit per unit of the page; its real length depends on
	// the page size established at Init (32 bytes on a 4K page).
	bitmap [0]uint64
}

func (page *bmPage) base() uintptr {
	return uintptr(unsafe.Pointer(page))
}

// words overlays the full bitmap of the page as a word slice.
func (page *bmPage) words() []uint64 {
	return unsafe.Slice((*uint64)(unsafe.Pointer(&page.bitmap)), unitsPerPage/wordWidth)
}

// bitmapBytes overlays the full bitmap of the page as a byte slice.
func (page *bmPage) bitmapBytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&page.bitmap)), unitsPerPage/8)
}

// pageFromAddr returns the bitmap page containing addr.
func pageFromAddr(addr uintptr) *bmPage {
	return (*bmPage)(unsafe.Pointer(addr &^ pageMask))
}

// addrToUnits converts a block address to its unit offset within the page.
func addrToUnits(addr uintptr, page *bmPage) uint {
	return uint(addr-page.base()) / unitSize
}

// findFreeBlock searches the page for a free block of numUnits units and
// returns its unit offset, or 0 if the page has no run long enough. Given
// that the first units of every page are always in use, the offset can never
// be zero on success.
func findFreeBlock(page *bmPage, numUnits uint) uint {
	offset := headerUnits
	for offset < unitsPerPage {
		length := countZeroBits(page, offset, numUnits)
		if length >= numUnits {
			return offset
		}
		offset += length
		offset += countNonzeroBits(page, offset, ^uint(0))
	}
	return 0
}

// findLongestFreeBlock returns the length of the longest run of zero bits in
// the data area of the page.
func findLongestFreeBlock(page *bmPage) uint {
	offset := headerUnits
	n := maxDataUnits
	var lfb uint
	for n > 0 {
		length := countZeroBits(page, offset, n)
		if length > lfb {
			lfb = length
		}
		offset += length
		n -= length

		length = countNonzeroBits(page, offset, n)
		offset += length
		n -= length
	}
	return lfb
}

// checkUnitsAllocated verifies that numUnits bits starting at offset are all
// set before a shrink or release clears them. A clear bit means the caller's
// byte counts have diverged from the bitmap and the heap can no longer be
// trusted.
func checkUnitsAllocated(funcName string, page *bmPage, offset, numUnits uint) {
	if n := countNonzeroBits(page, offset, numUnits); n < numUnits {
		fatalf(funcName, "already released some units on page %#x starting from %d: in use %d of %d\n",
			page.base(), offset, n, numUnits)
	}
}

// bmAllocate serves a small-block request of numUnits units, reusing a page
// indexed by the superblock or mapping a fresh one.
func (a *Allocator) bmAllocate(numUnits uint, clean bool) uintptr {
	a.tracef("bmAllocate", "num_units=%d\n", numUnits)

	var result uintptr
	if page := a.findAvailablePage(numUnits); page != nil {
		offset := findFreeBlock(page, numUnits)
		if offset == 0 {
			fatalf("bmAllocate", "page %#x promised by the superblock must contain enough free space for %d units\n",
				page.base(), numUnits)
		}
		setBits(page, offset, numUnits)
		addToSuperblock(page)
		result = page.base() + uintptr(offset)*unitSize
	} else {
		a.tracef("bmAllocate", "allocating new page\n")

		base := callMmap(alloc.Size(pageSize), false)
		if base == 0 {
			return 0
		}
		page = (*bmPage)(unsafe.Pointer(base))

		// clean bitmap
		words := page.words()
		for i := range words {
			words[i] = 0
		}
		// mark reserved units and allocate units
		setBits(page, 0, headerUnits+numUnits)

		// add page to the superblock
		addToSuperblockEntry(page, maxDataUnits-numUnits)

		numBmPages.Add(1)
		result = base + uintptr(headerUnits)*unitSize
	}

	stats.BlocksAllocated.Add(1)
	if clean {
		cleanse(result, 0, alloc.Size(numUnits*unitSize))
	}
	a.tracef("bmAllocate", "result=%#x\n", result)
	return result
}

// bmShrink clears the tail of a block in place and re-indexes the page.
func (a *Allocator) bmShrink(page *bmPage, offset, oldUnits, newUnits uint) {
	a.tracef("bmShrink", "page=%#x, offset=%d, old_num_units=%d, new_num_units=%d\n",
		page.base(), offset, oldUnits, newUnits)

	grabSuperblockPage(page)

	tailUnits := oldUnits - newUnits
	checkUnitsAllocated("bmShrink", page, offset+newUnits, tailUnits)
	clearBits(page, offset+newUnits, tailUnits)

	addToSuperblock(page)
}

// bmGrow extends a block in place when the trailing run is long enough. When
// it is not, the page goes back into its previous superblock slot (its
// longest free run is unchanged) and bmGrow reports false.
func (a *Allocator) bmGrow(page *bmPage, offset, oldUnits, newUnits uint) bool {
	a.tracef("bmGrow", "page=%#x, offset=%d, old_num_units=%d, new_num_units=%d\n",
		page.base(), offset, oldUnits, newUnits)

	prevSlot := grabSuperblockPage(page)

	increment := newUnits - oldUnits
	if countZeroBits(page, offset+oldUnits, increment) < increment {
		// the longest free run is unchanged, put the page back where
		// it came from
		addToSuperblockEntry(page, prevSlot)
		return false
	}
	setBits(page, offset+oldUnits, increment)

	addToSuperblock(page)
	return true
}

// bmRelease frees a block and either re-indexes the page or, when the data
// area went entirely free, unmaps the page.
func (a *Allocator) bmRelease(page *bmPage, offset, numUnits uint) {
	a.tracef("bmRelease", "page=%#x, offset=%d, num_units=%d\n", page.base(), offset, numUnits)

	grabSuperblockPage(page)

	checkUnitsAllocated("bmRelease", page, offset, numUnits)
	clearBits(page, offset, numUnits)

	if lfb := findLongestFreeBlock(page); lfb < maxDataUnits {
		addToSuperblockEntry(page, lfb)
	} else {
		a.tracef("bmRelease", "releasing page %#x\n", page.base())
		callMunmap(page.base(), alloc.Size(pageSize))
		numBmPages.Add(-1)
	}
	stats.BlocksAllocated.Add(-1)
}
