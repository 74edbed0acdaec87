package debug

import (
	"testing"
	"unsafe"

	"github.com/thoughtful-pet/libpussy/alloc"
)

func blockBytes(addr uintptr, nbytes alloc.Size) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), nbytes)
}

func TestAllocateRelease(t *testing.T) {
	Debug.Init()

	addr := Debug.Allocate(48, true)
	if addr == 0 {
		t.Fatal("allocation failed")
	}

	payload := blockBytes(addr, 48)
	for i, v := range payload {
		if v != 0 {
			t.Errorf("expected byte %d of a clean block to be zero; got %#x", i, v)
		}
	}

	// the guard bands around the block carry the fill pattern
	lower := blockBytes(addr-bubbleWrap, bubbleWrap)
	upper := blockBytes(addr+48, bubbleWrap)
	for i := 0; i < bubbleWrap; i++ {
		if lower[i] != guardByte || upper[i] != guardByte {
			t.Fatalf("expected guard byte %d to be %#x; got below=%#x above=%#x",
				i, byte(guardByte), lower[i], upper[i])
		}
	}

	// writes that stay inside the block pass the release check
	for i := range payload {
		payload[i] = 0x5A
	}
	Debug.Release(&addr, 48)
	if addr != 0 {
		t.Errorf("expected the slot to be zeroed; got %#x", addr)
	}
	if got := Debug.Stats().BlocksAllocated.Load(); got != 0 {
		t.Errorf("expected no live blocks; counter reads %d", got)
	}
}

func TestDamagedGuardBytes(t *testing.T) {
	Debug.Init()

	addr := Debug.Allocate(16, false)

	// scribble one byte past the end of the block
	blockBytes(addr, 17)[16] = 0x00

	defer func() {
		if r := recover(); r != errDamaged {
			t.Errorf("expected panic with errDamaged; got %v", r)
		}
	}()
	Debug.Release(&addr, 16)
	t.Error("expected the release of a damaged block to panic")
}

func TestSizeContractViolation(t *testing.T) {
	Debug.Init()

	addr := Debug.Allocate(16, false)

	defer func() {
		if r := recover(); r != errContract {
			t.Errorf("expected panic with errContract; got %v", r)
		}
		Debug.Init()
	}()
	// releasing with the wrong byte count is exactly the bug this backend
	// exists to catch
	Debug.Release(&addr, 32)
	t.Error("expected the mismatched release to panic")
}

func TestReallocate(t *testing.T) {
	Debug.Init()

	addr := Debug.Allocate(32, false)
	payload := blockBytes(addr, 32)
	for i := range payload {
		payload[i] = byte(i)
	}

	var changed bool
	if !Debug.Reallocate(&addr, 32, 64, false, &changed) {
		t.Fatal("expected the grow to succeed")
	}
	if !changed {
		t.Error("expected the resize to move the block")
	}

	payload = blockBytes(addr, 64)
	for i := 0; i < 32; i++ {
		if exp, got := byte(i), payload[i]; got != exp {
			t.Errorf("expected byte %d to survive as %d; got %d", i, exp, got)
		}
	}

	if !Debug.Reallocate(&addr, 64, 8, false, &changed) {
		t.Fatal("expected the shrink to succeed")
	}
	payload = blockBytes(addr, 8)
	for i := 0; i < 8; i++ {
		if exp, got := byte(i), payload[i]; got != exp {
			t.Errorf("expected byte %d to survive as %d; got %d", i, exp, got)
		}
	}

	Debug.Release(&addr, 8)
}
