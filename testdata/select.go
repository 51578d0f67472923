package testdata

// SelectCT picks x when the low bit of v is set and y otherwise,
// without branching on v.
func SelectCT(v, x, y uint64) uint64 {
	mask := -(v & 1)
	return (x & mask) | (y & ^mask)
}

// IsZeroCT returns 1 when x is zero and 0 otherwise, without branching.
func IsZeroCT(x uint64) uint64 {
	return 1 ^ ((x | -x) >> 63)
}
