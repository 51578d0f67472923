package testdata

// XorFold accumulates the difference of two buffers over a caller-fixed
// length. Both the trip count and every accessed address follow n and i
// only.
func XorFold(a, b []byte, n int) byte {
	var acc byte
	for i := 0; i < n; i++ {
		acc |= a[i] ^ b[i]
	}
	return acc
}
