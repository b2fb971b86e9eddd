package keyindex

// javaStringHash computes the classic polynomial string hash with
// multiplier 31, accumulating in 32-bit signed arithmetic over the
// key's bytes. For ASCII keys this equals Java's String.hashCode; for
// non-ASCII keys it hashes the UTF-8 bytes, not UTF-16 units. Using
// int32 arithmetic (rather than Go's native int) is load-bearing: the
// overflow wraparound is part of the hash's definition, and changing
// the accumulator width would silently produce different bucket
// assignments for the same key.
func javaStringHash(s string) int32 {
	var h int32
	for _, r := range []byte(s) {
		h = h*31 + int32(r)
	}
	return h
}

// nonnegativeHash maps a string key to a non-negative int32 hash.
// Negative hashes are negated; the one value negation cannot fix
// (math.MinInt32, whose negation overflows back to itself) is coerced
// to 0.
func nonnegativeHash(key string) int32 {
	h := javaStringHash(key)
	if h < 0 {
		h = -h
	}
	if h < 0 {
		return 0
	}
	return h
}
