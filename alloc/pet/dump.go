package pet

import (
	"fmt"
	"io"

	"github.com/thoughtful-pet/libpussy/dump"
)

// Dump writes a snapshot of the superblock and every indexed page to w. The
// walk takes no locks, so a dump captured under concurrent load can be
// inconsistent; it exists for postmortems, not bookkeeping.
func (a *Allocator) Dump(w io.Writer) {
	fmt.Fprintf(w, "\nAllocator bm pages: %d, blocks allocated %d\n",
		numBmPages.Load(), stats.BlocksAllocated.Load())
	for i := uint(0); i <= maxDataUnits; i++ {
		first := superblock[i]
		if first == nil {
			continue
		}
		fmt.Fprintf(w, "Superblock entry %d: %#x\n", i, first.base())
		nested := &dump.Indenter{Sink: w, Depth: 1}
		page := first
		for {
			dumpPage(nested, page)
			page = page.next
			if page == first {
				break
			}
		}
	}
	fmt.Fprintln(w)
}

func dumpPage(w io.Writer, page *bmPage) {
	fmt.Fprintf(w, "Page %#x: list=%d, next=%#x, prev=%#x\n",
		page.base(), page.list, page.next.base(), page.prev.base())
	dump.Bitmap(w, page.bitmapBytes())
}
