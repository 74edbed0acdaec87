package pet

import (
	"unsafe"

	"github.com/thoughtful-pet/libpussy/alloc"
)

// cleanse zeroes the bytes [start, end) of the region at addr: the unaligned
// prologue byte by byte, the aligned interior by whole words, the unaligned
// tail byte by byte.
func cleanse(addr uintptr, start, end alloc.Size) {
	length := uintptr(end - start)
	ptr := addr + uintptr(start)

	// clean bytes till start of word
	if nbytes := ptr & (wordBytes - 1); nbytes != 0 {
		nbytes = wordBytes - nbytes
		if nbytes > length {
			nbytes = length
		}
		length -= nbytes
		for ; nbytes > 0; nbytes-- {
			*(*byte)(unsafe.Pointer(ptr)) = 0
			ptr++
		}
	}

	// clean words
	for length >= wordBytes {
		*(*uint64)(unsafe.Pointer(ptr)) = 0
		ptr += wordBytes
		length -= wordBytes
	}

	// clean remaining bytes
	for ; length > 0; length-- {
		*(*byte)(unsafe.Pointer(ptr)) = 0
		ptr++
	}
}
