package pool

import "math/bits"

// IsPowerOfTwo reports whether n is a positive power of two.
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// RoundCapacity returns n when it is already a power of two, otherwise the
// smallest power of two greater than n. Values below 1 round to 1.
func RoundCapacity(n int) int {
	if n <= 1 {
		return 1
	}
	if IsPowerOfTwo(n) {
		return n
	}
	// msb index of n is bits.Len-1; the next power is one bit above it.
	return 1 << bits.Len(uint(n))
}
