// Package serial implements RFC 1982 serial number arithmetic over the
// transport's 32-bit frame_id space, so frame ordering survives wraparound.
package serial

// IsNewer reports whether a is newer than b under RFC 1982 serial
// arithmetic: true iff the signed difference (a-b), computed modulo 2^32,
// is strictly positive.
func IsNewer(a, b uint32) bool {
	return int32(a-b) > 0
}

// IsOlder reports whether a is older than b.
func IsOlder(a, b uint32) bool {
	return int32(a-b) < 0
}

// Distance returns the signed serial distance a-b, i.e. how many steps
// newer (positive) or older (negative) a is relative to b.
func Distance(a, b uint32) int32 {
	return int32(a - b)
}
