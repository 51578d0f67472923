package testdata

// LeakyAbs computes an absolute value with a branch on the sign, so the
// taken direction reveals it.
func LeakyAbs(k int) int {
	if k < 0 {
		return -k
	}
	return k
}

// AbsCT computes an absolute value with mask arithmetic only.
func AbsCT(k int) int {
	m := k >> 63
	return (k ^ m) - m
}
