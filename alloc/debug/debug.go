// Package debug is an allocator backend that wraps every block with guard
// bytes to detect out-of-bounds writes and records the block size to detect
// violations of the explicit-size contract. The bitmap backend stores no
// per-block metadata, so a mismatched byte count silently corrupts its
// bitmap; running the same workload against this backend turns the mistake
// into an immediate report.
package debug

import (
	"fmt"
	"io"
	"os"
	"sync"
	"unsafe"

	"github.com/thoughtful-pet/libpussy/alloc"
	"github.com/thoughtful-pet/libpussy/dump"
)

// bubbleWrap is the number of guard bytes placed on each side of a block.
const bubbleWrap = 32

const guardByte = 0xFF

// blockInfo sits at the start of every region and records what was handed
// out.
type blockInfo struct {
	addr   uintptr
	nbytes uintptr
}

var infoSize = unsafe.Sizeof(blockInfo{})

const (
	errDamaged  = alloc.Error("debug_alloc: memory damaged around block")
	errContract = alloc.Error("debug_alloc: explicit-size contract violated")
)

// Allocator is the guard-byte backend.
type Allocator struct {
	// Verbose enables progress messages on stderr.
	Verbose bool
}

// Debug is the conventional backend value passed to alloc.InitDefault.
var Debug Allocator

var _ alloc.Allocator = (*Allocator)(nil)

var (
	mu      sync.Mutex
	regions map[uintptr][]byte
	stats   alloc.Stats
)

// Init prepares the region registry.
func (a *Allocator) Init() {
	mu.Lock()
	regions = make(map[uintptr][]byte)
	mu.Unlock()
}

// Stats returns the backend counters.
func (a *Allocator) Stats() *alloc.Stats {
	return &stats
}

func regionSize(nbytes alloc.Size) uintptr {
	return infoSize + uintptr(nbytes) + 2*bubbleWrap
}

func regionFromBlock(block uintptr) uintptr {
	return block - infoSize - bubbleWrap
}

// checkRegion verifies the recorded size and both guard bands of the block.
// Any discrepancy is reported with a hex dump of the damaged band and is
// fatal: the process state past an out-of-bounds write cannot be trusted.
func checkRegion(callerName string, block uintptr, nbytes alloc.Size) {
	regionStart := regionFromBlock(block)
	info := (*blockInfo)(unsafe.Pointer(regionStart))

	if info.addr != block || info.nbytes != uintptr(nbytes) {
		fmt.Fprintf(os.Stderr, "%s: block %#x was allocated with %d bytes, released with %d\n",
			callerName, block, info.nbytes, nbytes)
		panic(errContract)
	}

	blockEnd := block + uintptr(nbytes)
	lower := unsafe.Slice((*byte)(unsafe.Pointer(block-bubbleWrap)), bubbleWrap)
	upper := unsafe.Slice((*byte)(unsafe.Pointer(blockEnd)), bubbleWrap)

	var numDamagedLower, numDamagedUpper int
	for _, b := range lower {
		if b != guardByte {
			numDamagedLower++
		}
	}
	for _, b := range upper {
		if b != guardByte {
			numDamagedUpper++
		}
	}

	if numDamagedLower == 0 && numDamagedUpper == 0 {
		return
	}
	if numDamagedLower != 0 {
		fmt.Fprintf(os.Stderr, "%s: damaged %d bytes below %#x\n", callerName, numDamagedLower, block)
		dump.Hex(os.Stderr, lower, block-bubbleWrap)
	}
	if numDamagedUpper != 0 {
		fmt.Fprintf(os.Stderr, "%s: damaged %d bytes above %#x + %d\n", callerName, numDamagedUpper, block, nbytes)
		dump.Hex(os.Stderr, upper, blockEnd)
	}
	panic(errDamaged)
}

// Allocate returns a block of nbytes bytes wrapped in guard bands.
func (a *Allocator) Allocate(nbytes alloc.Size, clean bool) uintptr {
	if nbytes == 0 {
		return 0
	}
	region := make([]byte, regionSize(nbytes))
	regionStart := uintptr(unsafe.Pointer(&region[0]))
	blockStart := regionStart + infoSize + bubbleWrap
	blockEnd := blockStart + uintptr(nbytes)

	// the Go heap delivers the region zeroed, which covers the clean flag;
	// only the guard bands need filling
	alloc.Memset(blockStart-bubbleWrap, guardByte, bubbleWrap)
	alloc.Memset(blockEnd, guardByte, bubbleWrap)

	info := (*blockInfo)(unsafe.Pointer(regionStart))
	info.addr = blockStart
	info.nbytes = uintptr(nbytes)

	mu.Lock()
	regions[blockStart] = region
	mu.Unlock()
	stats.BlocksAllocated.Add(1)

	if a.Verbose {
		fmt.Fprintf(os.Stderr, "debug_alloc: %d bytes -> %#x\n", nbytes, blockStart)
	}
	return blockStart
}

// Release verifies the guard bands and the recorded size, then unpins the
// block and zeroes *addrPtr.
func (a *Allocator) Release(addrPtr *uintptr, nbytes alloc.Size) {
	addr := *addrPtr
	if addr == 0 {
		return
	}

	mu.Lock()
	_, known := regions[addr]
	mu.Unlock()
	if !known {
		fmt.Fprintf(os.Stderr, "debug_alloc: release of unknown block %#x\n", addr)
		panic(errContract)
	}

	checkRegion("Release", addr, nbytes)

	mu.Lock()
	delete(regions, addr)
	mu.Unlock()
	stats.BlocksAllocated.Add(-1)

	if a.Verbose {
		fmt.Fprintf(os.Stderr, "debug_alloc: released %#x, %d bytes\n", addr, nbytes)
	}
	*addrPtr = 0
}

// Reallocate resizes by allocate-copy-release, verifying the old block's
// guards along the way.
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
	a.Release(&addr, oldNbytes)
	// a clean grow needs no extra pass: the fresh region past the copied
	// prefix is already zero
	*addrPtr = newBlock
	if addrChanged != nil {
		*addrChanged = true
	}
	return true
}

// Dump writes a one-line summary of the outstanding regions.
func (a *Allocator) Dump(w io.Writer) {
	mu.Lock()
	n := len(regions)
	mu.Unlock()
	fmt.Fprintf(w, "Debug allocator: %d live blocks\n", n)
}
