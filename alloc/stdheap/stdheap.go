// Package stdheap is a pass-through allocator backend on top of the Go
// runtime heap. It implements the same explicit-size interface as the bitmap
// backend but delegates the actual memory management to the runtime, which
// makes it the baseline to compare the bitmap backend against.
//
// Blocks are handed out as raw addresses, so each backing slice is pinned in
// a registry until released; without the pin the collector would reclaim the
// block behind the caller's back.
package stdheap

import (
	"fmt"
	"io"
	"os"
	"sync"
	"unsafe"

	"github.com/thoughtful-pet/libpussy/alloc"
)

// Allocator is the Go-heap backend.
type Allocator struct {
	// Verbose enables progress messages on stderr.
	Verbose bool
}

// Std is the conventional backend value passed to alloc.InitDefault.
var Std Allocator

var _ alloc.Allocator = (*Allocator)(nil)

var (
	mu     sync.Mutex
	blocks map[uintptr][]byte
	stats  alloc.Stats
)

// Init prepares the block registry.
func (a *Allocator) Init() {
	mu.Lock()
	blocks = make(map[uintptr][]byte)
	mu.Unlock()
}

// Stats returns the backend counters.
func (a *Allocator) Stats() *alloc.Stats {
	return &stats
}

// Allocate returns the address of a block of nbytes bytes from the Go heap.
// The runtime hands memory back zeroed, so the clean flag needs no extra
// work.
func (a *Allocator) Allocate(nbytes alloc.Size, clean bool) uintptr {
	if nbytes == 0 {
		return 0
	}
	buf := make([]byte, nbytes)
	addr := uintptr(unsafe.Pointer(&buf[0]))
	mu.Lock()
	blocks[addr] = buf
	mu.Unlock()
	stats.BlocksAllocated.Add(1)
	if a.Verbose {
		fmt.Fprintf(os.Stderr, "stdheap: %d bytes -> %#x\n", nbytes, addr)
	}
	return addr
}

// Release unpins the block at *addrPtr and zeroes *addrPtr. The nbytes
// argument is accepted for interface parity; the registry knows the true
// size.
func (a *Allocator) Release(addrPtr *uintptr, nbytes alloc.Size) {
	addr := *addrPtr
	if addr == 0 {
		return
	}
	mu.Lock()
	_, known := blocks[addr]
	delete(blocks, addr)
	mu.Unlock()
	if !known {
		fmt.Fprintf(os.Stderr, "stdheap: release of unknown block %#x\n", addr)
		return
	}
	stats.BlocksAllocated.Add(-1)
	*addrPtr = 0
}

// Reallocate resizes the block at *addrPtr. The Go heap has no realloc, so a
// resize always allocates, copies and releases; *addrChanged reports the
// relocation.
func (a *Allocator) Reallocate(addrPtr *uintptr, oldNbytes, newNbytes alloc.Size, clean bool, addrChanged *bool) bool {
	if oldNbytes == newNbytes {
		if addrChanged != nil {
			*addrChanged = false
		}
		return true
	}

	addr := *addrPtr

	// shall we allocate a new block?
	if addr == 0 {
		if oldNbytes != 0 {
			if addrChanged != nil {
				*addrChanged = false
			}
			return false
		}
		addr = a.Allocate(newNbytes, clean)
		if addr == 0 {
			if addrChanged != nil {
				*addrChanged = false
			}
			return false
		}
		*addrPtr = addr
		if addrChanged != nil {
			*addrChanged = true
		}
		return true
	}

	newBlock := a.Allocate(newNbytes, false)
	if newBlock == 0 {
		if addrChanged != nil {
			*addrChanged = false
		}
		return false
	}
	copyBytes := oldNbytes
	if newNbytes < copyBytes {
		copyBytes = newNbytes
	}
	alloc.Memcopy(addr, newBlock, uintptr(copyBytes))
	// the bytes past the copied prefix of a fresh Go buffer are already
	// zero, so a clean grow needs no extra pass
	a.Release(&addr, oldNbytes)
	*addrPtr = newBlock
	if addrChanged != nil {
		*addrChanged = true
	}
	return true
}

// Dump writes a placeholder notice; the Go heap keeps its own counsel.
func (a *Allocator) Dump(w io.Writer) {
	fmt.Fprintln(w, "Go heap allocator: dump is not implemented")
}
