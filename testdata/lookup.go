package testdata

// SBoxLookup reads a table cell selected by k, so the accessed address
// depends on it.
func SBoxLookup(sbox []int32, k int) int32 {
	return sbox[k&15]
}
