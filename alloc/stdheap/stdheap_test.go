package stdheap

import (
	"bytes"
	"testing"
	"unsafe"

	"github.com/thoughtful-pet/libpussy/alloc"
)

func blockBytes(addr uintptr, nbytes alloc.Size) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), nbytes)
}

func TestAllocateRelease(t *testing.T) {
	Std.Init()

	if got := Std.Allocate(0, false); got != 0 {
		t.Fatalf("expected a zero-byte request to fail; got %#x", got)
	}

	addr := Std.Allocate(64, true)
	if addr == 0 {
		t.Fatal("allocation failed")
	}
	for i, v := range blockBytes(addr, 64) {
		if v != 0 {
			t.Errorf("expected byte %d of a clean block to be zero; got %#x", i, v)
		}
	}

	if exp, got := int64(1), Std.Stats().BlocksAllocated.Load(); got != exp {
		t.Errorf("expected %d live block(s); got %d", exp, got)
	}

	Std.Release(&addr, 64)
	if addr != 0 {
		t.Errorf("expected the slot to be zeroed; got %#x", addr)
	}
	if got := Std.Stats().BlocksAllocated.Load(); got != 0 {
		t.Errorf("expected no live blocks; counter reads %d", got)
	}

	// releasing a zero slot is a no-op
	Std.Release(&addr, 64)
}

func TestReallocate(t *testing.T) {
	Std.Init()

	addr := Std.Allocate(32, false)
	payload := blockBytes(addr, 32)
	for i := range payload {
		payload[i] = byte(i + 1)
	}

	// same size: success, no move
	changed := true
	if !Std.Reallocate(&addr, 32, 32, false, &changed) {
		t.Fatal("expected a same-size reallocate to succeed")
	}
	if changed {
		t.Error("expected a same-size reallocate to report no move")
	}

	// grow: the payload prefix must survive the move
	if !Std.Reallocate(&addr, 32, 128, false, &changed) {
		t.Fatal("expected the grow to succeed")
	}
	if !changed {
		t.Error("expected the Go heap resize to move the block")
	}
	payload = blockBytes(addr, 128)
	for i := 0; i < 32; i++ {
		if exp, got := byte(i+1), payload[i]; got != exp {
			t.Errorf("expected byte %d to survive as %d; got %d", i, exp, got)
		}
	}

	// shrink: only the prefix is kept
	if !Std.Reallocate(&addr, 128, 16, false, &changed) {
		t.Fatal("expected the shrink to succeed")
	}
	payload = blockBytes(addr, 16)
	for i := 0; i < 16; i++ {
		if exp, got := byte(i+1), payload[i]; got != exp {
			t.Errorf("expected byte %d to survive as %d; got %d", i, exp, got)
		}
	}

	Std.Release(&addr, 16)
}

func TestReallocateNilAddr(t *testing.T) {
	Std.Init()

	var addr uintptr
	var changed bool
	if !Std.Reallocate(&addr, 0, 24, false, &changed) {
		t.Fatal("expected reallocate from nil to succeed")
	}
	if addr == 0 || !changed {
		t.Fatalf("expected an allocation to be reported; addr=%#x changed=%t", addr, changed)
	}
	Std.Release(&addr, 24)

	changed = true
	if Std.Reallocate(&addr, 24, 48, false, &changed) {
		t.Fatal("expected reallocate of a nil block with nonzero old size to fail")
	}
	if changed {
		t.Error("expected the address-changed flag to be cleared on failure")
	}
}

func TestDump(t *testing.T) {
	var buf bytes.Buffer
	Std.Dump(&buf)
	if exp, got := "Go heap allocator: dump is not implemented\n", buf.String(); got != exp {
		t.Errorf("expected dump output %q; got %q", exp, got)
	}
}
