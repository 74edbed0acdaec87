package pet

import "math/bits"

// The bitmap covers every unit of its page, header included. Bit i lives in
// word i/64 at position i%64, so runs are scanned word by word with
// trailing-zero counts on the first interesting word.

// countZeroBits counts consecutive zero bits in the page bitmap starting from
// the offset bit. The limit is treated as a hint when to stop scanning whole
// words; the returned count can be greater.
func countZeroBits(page *bmPage, offset, limit uint) uint {
	var count uint
	words := page.words()
	index := offset / wordWidth

	// count starting bits up to the next word boundary
	if bitIndex := offset & (wordWidth - 1); bitIndex != 0 {
		w := words[index] >> bitIndex
		index++
		if w != 0 {
			// we have only ending bits
			return uint(bits.TrailingZeros64(w))
		}
		count = wordWidth - bitIndex
		offset += count
	}

	// count zero words
	for offset < unitsPerPage && count < limit {
		w := words[index]
		index++
		if w != 0 {
			// count ending bits
			count += uint(bits.TrailingZeros64(w))
			break
		}
		count += wordWidth
		offset += wordWidth
	}
	return count
}

// countNonzeroBits counts consecutive nonzero bits in the page bitmap
// starting from the offset bit. The control flow is exactly the same as in
// countZeroBits, the only difference is inversion.
func countNonzeroBits(page *bmPage, offset, limit uint) uint {
	var count uint
	words := page.words()
	index := offset / wordWidth

	// count starting bits up to the next word boundary
	if bitIndex := offset & (wordWidth - 1); bitIndex != 0 {
		w := ^words[index] >> bitIndex
		index++
		if w != 0 {
			// we have only ending bits
			return uint(bits.TrailingZeros64(w))
		}
		count = wordWidth - bitIndex
		offset += count
	}

	// count all-one words
	for offset < unitsPerPage && count < limit {
		w := ^words[index]
		index++
		if w != 0 {
			// count ending bits
			count += uint(bits.TrailingZeros64(w))
			break
		}
		count += wordWidth
		offset += wordWidth
	}
	return count
}

// setBits sets length bits in the page bitmap starting from offset. A zero
// length is a valid no-op. offset+length must not exceed unitsPerPage.
func setBits(page *bmPage, offset, length uint) {
	words := page.words()
	index := offset / wordWidth

	// set starting bits up to the next word boundary
	if bitIndex := offset & (wordWidth - 1); bitIndex != 0 {
		bitmask := ^uint64(0)
		numBits := wordWidth - bitIndex
		if length <= numBits {
			bitmask &= uint64(1)<<length - 1
			numBits = length
		}
		words[index] |= bitmask << bitIndex
		index++
		length -= numBits
	}

	// set remaining words
	for length >= wordWidth {
		words[index] = ^uint64(0)
		index++
		length -= wordWidth
	}

	// set ending bits
	if length != 0 {
		words[index] |= uint64(1)<<length - 1
	}
}

// clearBits clears length bits in the page bitmap starting from offset. The
// logic is the same as in setBits.
func clearBits(page *bmPage, offset, length uint) {
	words := page.words()
	index := offset / wordWidth

	// clear starting bits up to the next word boundary
	if bitIndex := offset & (wordWidth - 1); bitIndex != 0 {
		bitmask := ^uint64(0)
		numBits := wordWidth - bitIndex
		if length <= numBits {
			bitmask &= uint64(1)<<length - 1
			numBits = length
		}
		words[index] &^= bitmask << bitIndex
		index++
		length -= numBits
	}

	// clear remaining words
	for length >= wordWidth {
		words[index] = 0
		index++
		length -= wordWidth
	}

	// clear ending bits
	if length != 0 {
		words[index] &^= uint64(1)<<length - 1
	}
}
