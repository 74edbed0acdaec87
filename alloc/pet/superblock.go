package pet

import "runtime"

// The superblock is a single mapped page interpreted as an array of list
// heads, one per possible longest-free-run value. Slot k threads a circular
// doubly-linked list through every bitmap page whose longest free run is
// exactly k units, so the first non-empty slot at index >= k is guaranteed to
// hold a page that can serve a k-unit request without rescanning.
//
// The mutex guards only the link/unlink operations below. Bit scans, bit
// mutation and longest-run recomputation all happen on pages that have been
// detached from the superblock first, so the detaching goroutine owns the
// page exclusively and needs no further synchronization.
var superblock []*bmPage

// addToSuperblockEntry links the page into the list headed by slot lfb,
// appending at the logical tail.
func addToSuperblockEntry(page *bmPage, lfb uint) {
	lock.Lock()
	if first := superblock[lfb]; first != nil {
		// add to the end of list
		page.prev = first.prev
		page.next = first
		first.prev.next = page
		first.prev = page
	} else {
		// init list
		page.next = page
		page.prev = page
		superblock[lfb] = page
	}
	page.list = uintptr(lfb)
	lock.Unlock()
}

// addToSuperblock links the page under its current longest free run.
func addToSuperblock(page *bmPage) {
	addToSuperblockEntry(page, findLongestFreeBlock(page))
}

// deleteFromList unlinks the page from its circular list. The caller must
// hold the lock.
func deleteFromList(page *bmPage) {
	slot := page.list
	if slot == noList {
		fatalf("deleteFromList", "double call for page %#x\n", page.base())
	}

	if page.next == page {
		// sole list member, make list empty
		superblock[slot] = nil
	} else {
		if superblock[slot] == page {
			superblock[slot] = page.next
		}
		page.next.prev = page.prev
		page.prev.next = page.next
	}

	page.list = noList
}

// grabSuperblockPage takes the page out of the superblock so that the calling
// goroutine can mutate it exclusively, and returns the slot the page was
// linked under. A page reached through a block address may be momentarily
// detached by another goroutine serving an allocation from it; in that case
// the grab spins until the holder re-links the page. The holder cannot unmap
// it in between: the caller's own block keeps the data area non-empty.
func grabSuperblockPage(page *bmPage) uint {
	for {
		lock.Lock()
		if slot := page.list; slot != noList {
			deleteFromList(page)
			lock.Unlock()
			return uint(slot)
		}
		lock.Unlock()
		runtime.Gosched()
	}
}

// findAvailablePage searches the superblock for a page whose longest free run
// can hold numUnits units and detaches it from its list, so that the caller
// can work with it while other goroutines work with their own pages in
// parallel. Returns nil when no indexed page qualifies.
func (a *Allocator) findAvailablePage(numUnits uint) *bmPage {
	lock.Lock()
	// start searching from the numUnits slot; no page is ever indexed at
	// maxDataUnits because fully free pages are unmapped
	for lfb := numUnits; lfb < maxDataUnits; lfb++ {
		if page := superblock[lfb]; page != nil {
			a.tracef("findAvailablePage", "taking page %#x out of superblock[%d]\n", page.base(), lfb)
			deleteFromList(page)
			lock.Unlock()
			return page
		}
	}
	lock.Unlock()
	return nil
}
